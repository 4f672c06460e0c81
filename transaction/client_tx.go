package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/eyepea/gosip/sip"
	"github.com/eyepea/gosip/transport"

	"github.com/rs/zerolog"
)

// ClientTx drives one outgoing request (RFC 3261 §17.1) through either the
// INVITE or non-INVITE client state machine, retransmitting over unreliable
// transports and delivering every response it collects on Responses.
type ClientTx struct {
	commonTx

	responses chan *sip.Response

	retransmitInterval time.Duration // current backoff for timer A
	retransmit         *time.Timer   // timer A: request retransmission
	timeout            *time.Timer   // timer B/F: transaction-wide giveup
	wait               time.Duration // current duration for timer D
	waitAfterFinal     *time.Timer   // timer D: linger after a non-2xx final response
	ackLinger          *time.Timer   // timer M: linger after a 2xx, absorbing retransmitted 2xx responses

	onRetransmission sip.FnTxResponse

	mu        sync.RWMutex
	closeOnce sync.Once
}

func NewClientTx(key string, origin *sip.Request, conn transport.Connection, logger zerolog.Logger) *ClientTx {
	tx := &ClientTx{}
	tx.key = key
	tx.conn = conn
	tx.responses = make(chan *sip.Response)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	return tx
}

// Init sends the request and arms the transaction's timers. Called once,
// right after the transaction layer has registered the tx under its key.
func (tx *ClientTx) Init() error {
	tx.initFSM()

	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.log.Debug().Err(err).Str("req", tx.origin.StartLine()).Msg("Fail to write request on init")
		return wrapTransportError(err)
	}

	if transport.IsReliable(tx.origin.Transport()) {
		// RFC 3261 §17.1.1.2/§17.1.2.2: a reliable transport arms neither
		// the retransmit timer nor the post-final linger timer.
		tx.mu.Lock()
		tx.wait = 0
		tx.mu.Unlock()
	} else {
		tx.mu.Lock()
		tx.retransmitInterval = sip.Timer_A
		tx.retransmit = time.AfterFunc(tx.retransmitInterval, func() {
			tx.spinFsm(client_input_timer_a)
		})
		if tx.origin.IsInvite() {
			// Timer D absorbs retransmitted non-2xx finals.
			tx.wait = sip.Timer_D
		} else {
			// Timer K absorbs retransmitted non-INVITE finals.
			tx.wait = sip.Timer_K
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	tx.timeout = time.AfterFunc(sip.Timer_B, func() {
		tx.mu.Lock()
		tx.lastErr = fmt.Errorf("Timer_B timed out. %w", ErrTimeout)
		tx.mu.Unlock()
		tx.spinFsm(client_input_timer_b)
	})
	tx.mu.Unlock()
	return nil
}

func (tx *ClientTx) Receive(res *sip.Response) error {
	var input FsmInput
	if res.IsCancel() {
		input = client_input_canceled
	} else {
		tx.mu.Lock()
		tx.lastResp = res
		tx.mu.Unlock()

		switch {
		case res.IsProvisional():
			input = client_input_1xx
		case res.IsSuccess():
			input = client_input_2xx
		default:
			input = client_input_300_plus
		}
	}

	tx.spinFsm(input)
	return nil
}

func (tx *ClientTx) Responses() <-chan *sip.Response {
	return tx.responses
}

// Cancel sends a CANCEL for this transaction's request (INVITE only; the
// FSM ignores this input for anything else).
func (tx *ClientTx) Cancel() error {
	tx.spinFsm(client_input_cancel)
	return nil
}

func (tx *ClientTx) Terminate() {
	select {
	case <-tx.done:
		return
	default:
	}

	tx.delete()
}

func (tx *ClientTx) Err() error {
	tx.mu.RLock()
	err := tx.lastErr
	tx.mu.RUnlock()
	return err
}

// OnRetransmission registers f to run for every response retransmission
// absorbed by this transaction. Returns false if already terminated.
func (tx *ClientTx) OnRetransmission(f sip.FnTxResponse) bool {
	select {
	case <-tx.done:
		return false
	default:
	}
	tx.mu.Lock()
	tx.onRetransmission = f
	tx.mu.Unlock()
	return true
}

// sendCancel is the FSM action for client_input_cancel: builds and writes
// the CANCEL request for this transaction's INVITE.
func (tx *ClientTx) sendCancel() {
	if !tx.origin.IsInvite() {
		return
	}

	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()

	cancelRequest := sip.NewCancelRequest(tx.origin)
	if err := tx.conn.WriteMsg(cancelRequest); err != nil {
		var lastRespStr string
		if lastResp != nil {
			lastRespStr = lastResp.Short()
		}
		tx.log.Error().
			Str("invite_request", tx.origin.Short()).
			Str("invite_response", lastRespStr).
			Str("cancel_request", cancelRequest.Short()).
			Msgf("send CANCEL request failed: %s", err)

		tx.mu.Lock()
		tx.lastErr = wrapTransportError(err)
		tx.mu.Unlock()

		go tx.spinFsm(client_input_transport_err)
	}
}

// sendAck is the FSM action firing the ACK for a non-2xx final response to
// an INVITE (RFC 3261 §17.1.1.3 — 2xx ACKs are the dialog layer's job, not
// the transaction's).
func (tx *ClientTx) sendAck() {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()

	ack := sip.NewAckRequest(tx.origin, lastResp, nil)
	if err := tx.conn.WriteMsg(ack); err != nil {
		tx.log.Error().
			Str("invite_request", tx.origin.Short()).
			Str("invite_response", lastResp.Short()).
			Str("cancel_request", ack.Short()).
			Msgf("send ACK request failed: %s", err)

		tx.mu.Lock()
		tx.lastErr = wrapTransportError(err)
		tx.mu.Unlock()

		go tx.spinFsm(client_input_transport_err)
	}
}

// initFSM picks the INVITE or non-INVITE client state machine depending on
// the request this transaction carries.
func (tx *ClientTx) initFSM() {
	tx.fsmMu.Lock()
	if tx.origin.IsInvite() {
		tx.fsmState = tx.inviteStateCalling
	} else {
		tx.fsmState = tx.stateCalling
	}
	tx.fsmMu.Unlock()
}

// retransmitOrigin is timer A's action: re-send the original request and
// double the backoff (capped at T2), per RFC 3261 §17.1.1.2.
func (tx *ClientTx) retransmitOrigin() {
	select {
	case <-tx.done:
		return
	default:
	}

	tx.countResend()
	if err := tx.conn.WriteMsg(tx.origin); err != nil {
		tx.mu.Lock()
		tx.lastErr = wrapTransportError(err)
		tx.mu.Unlock()

		tx.log.Debug().Err(err).Str("req", tx.origin.StartLine()).Msg("Fail to resend request")
		go tx.spinFsm(client_input_transport_err)
	}
}

func (tx *ClientTx) passUp() {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()

	if lastResp != nil {
		select {
		case <-tx.done:
		case tx.responses <- lastResp:
		}
	}
}

func (tx *ClientTx) delete() {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		close(tx.done)
		close(tx.responses)
		err := tx.lastErr
		tx.mu.Unlock()

		if tx.onTerminate != nil {
			tx.onTerminate(tx.key, err)
		}

		if _, err := tx.conn.TryClose(); err != nil {
			tx.log.Info().Err(err).Msg("Closing connection returned error")
		}
	})

	// Let any in-flight spinFsm goroutine observe tx.done before its timers
	// are torn out from under it.
	time.Sleep(time.Microsecond)

	tx.mu.Lock()
	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	if tx.timeout != nil {
		tx.timeout.Stop()
		tx.timeout = nil
	}
	if tx.waitAfterFinal != nil {
		tx.waitAfterFinal.Stop()
		tx.waitAfterFinal = nil
	}
	if tx.ackLinger != nil {
		tx.ackLinger.Stop()
		tx.ackLinger = nil
	}
	tx.mu.Unlock()
	tx.log.Debug().Str("tx", tx.Key()).Msg("Destroyed")
}
