package transaction

import (
	"fmt"
	"sync"
	"time"

	"github.com/eyepea/gosip/sip"
	"github.com/eyepea/gosip/transport"

	"github.com/rs/zerolog"
)

// ServerTx drives one inbound request through either the INVITE or
// non-INVITE server state machine (RFC 3261 §17.2), absorbing
// retransmissions of the request and of its own final response.
type ServerTx struct {
	commonTx

	lastAck    *sip.Request
	lastCancel *sip.Request
	acks       chan *sip.Request
	cancels    chan *sip.Request
	onCancelFn sip.FnTxCancel

	retransmit         *time.Timer   // timer G: final response retransmission (INVITE, unreliable only)
	retransmitInterval time.Duration // current backoff for timer G
	ackWait            *time.Timer   // timer H: give up waiting for ACK
	confirmedWait      *time.Timer   // timer I: linger in Confirmed after ACK
	confirmedWaitTime  time.Duration
	completedWait      *time.Timer // timer J: linger in Completed (non-INVITE)
	provisionalDelay   *time.Timer // timer 100rel: auto 100 Trying if the app is slow
	acceptedWait       *time.Timer // timer L: linger in Accepted after a 2xx
	reliable           bool

	mu        sync.RWMutex
	closeOnce sync.Once
}

func NewServerTx(key string, origin *sip.Request, conn transport.Connection, logger zerolog.Logger) *ServerTx {
	tx := new(ServerTx)
	tx.key = key
	tx.conn = conn
	tx.acks = make(chan *sip.Request)
	tx.cancels = make(chan *sip.Request)
	tx.done = make(chan struct{})
	tx.log = logger
	tx.origin = origin
	tx.reliable = transport.IsReliable(origin.Transport())
	return tx
}

// Init arms the FSM and, for INVITEs, the auto "100 Trying" fallback if the
// application hasn't produced its own provisional response in time.
func (tx *ServerTx) Init() error {
	tx.initFSM()

	tx.mu.Lock()
	if tx.reliable {
		tx.confirmedWaitTime = 0
	} else {
		tx.retransmitInterval = sip.Timer_G
		tx.confirmedWaitTime = sip.Timer_I
	}
	tx.mu.Unlock()

	if tx.Origin().IsInvite() {
		tx.mu.Lock()
		tx.provisionalDelay = time.AfterFunc(sip.Timer_1xx, func() {
			trying := sip.NewResponseFromRequest(tx.Origin(), 100, "Trying", nil)
			if err := tx.Respond(trying); err != nil {
				tx.log.Error().Err(err).Msg("send '100 Trying' response failed")
			}
		})
		tx.mu.Unlock()
	}

	return nil
}

// Receive feeds a request retransmission, ACK, or CANCEL for this
// transaction's dialog into the FSM.
func (tx *ServerTx) Receive(req *sip.Request) error {
	input, err := tx.classifyRequest(req)
	if err != nil {
		return err
	}
	tx.spinFsm(input)
	return nil
}

func (tx *ServerTx) classifyRequest(req *sip.Request) (FsmInput, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.provisionalDelay != nil {
		tx.provisionalDelay.Stop()
		tx.provisionalDelay = nil
	}

	switch {
	case req.Method == tx.origin.Method:
		return server_input_request, nil
	case req.IsAck():
		tx.lastAck = req
		return server_input_ack, nil
	case req.IsCancel():
		tx.lastCancel = req
		return server_input_cancel, nil
	}
	return FsmInputNone, fmt.Errorf("unexpected message error")
}

// Respond feeds an application-produced response into the FSM. CANCEL
// responses bypass the FSM entirely since they don't belong to this
// transaction's own state (RFC 3261 §9.2 handles them out of band).
func (tx *ServerTx) Respond(res *sip.Response) error {
	if res.IsCancel() {
		return tx.conn.WriteMsg(res)
	}

	input, err := tx.classifyResponse(res)
	if err != nil {
		return err
	}
	tx.spinFsm(input)
	return nil
}

func (tx *ServerTx) classifyResponse(res *sip.Response) (FsmInput, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	tx.lastResp = res
	if tx.provisionalDelay != nil {
		tx.provisionalDelay.Stop()
		tx.provisionalDelay = nil
	}

	switch {
	case res.IsProvisional():
		return server_input_user_1xx, nil
	case res.IsSuccess():
		return server_input_user_2xx, nil
	}
	return server_input_user_300_plus, nil
}

func (tx *ServerTx) Acks() <-chan *sip.Request {
	return tx.acks
}

func (tx *ServerTx) deliverAck() {
	tx.mu.RLock()
	r := tx.lastAck
	tx.mu.RUnlock()

	if r == nil {
		return
	}
	go func() {
		select {
		case <-tx.done:
		case tx.acks <- r:
		}
	}()
}

func (tx *ServerTx) Cancels() <-chan *sip.Request {
	if tx.cancels != nil {
		return tx.cancels
	}
	tx.cancels = make(chan *sip.Request)
	return tx.cancels
}

func (tx *ServerTx) deliverCancel() {
	tx.mu.RLock()
	r := tx.lastCancel
	onCancel := tx.onCancelFn
	tx.mu.RUnlock()

	if r == nil {
		return
	}
	if onCancel != nil {
		go onCancel(r)
	}
	go func() {
		select {
		case <-tx.done:
		case tx.cancels <- r:
		}
	}()
}

// writeLastResponse puts the transaction's most recent response back on the
// wire, e.g. when it must be retransmitted.
func (tx *ServerTx) writeLastResponse() error {
	tx.mu.RLock()
	lastResp := tx.lastResp
	tx.mu.RUnlock()

	if lastResp == nil {
		return fmt.Errorf("none response")
	}

	if err := tx.conn.WriteMsg(lastResp); err != nil {
		tx.log.Debug().Err(err).Str("res", lastResp.StartLine()).Msg("fail to pass response")
		tx.mu.Lock()
		tx.lastErr = err
		tx.mu.Unlock()
		return err
	}
	return nil
}

func (tx *ServerTx) Terminate() {
	tx.delete()
}

func (tx *ServerTx) Err() error {
	tx.mu.RLock()
	err := tx.lastErr
	tx.mu.RUnlock()
	return err
}

// OnCancel registers f to run when a CANCEL matching this transaction is
// received. Returns false if the transaction already terminated.
func (tx *ServerTx) OnCancel(f sip.FnTxCancel) bool {
	select {
	case <-tx.done:
		return false
	default:
	}
	tx.mu.Lock()
	tx.onCancelFn = f
	tx.mu.Unlock()
	return true
}

func (tx *ServerTx) initFSM() {
	tx.fsmMu.Lock()
	if tx.Origin().IsInvite() {
		tx.fsmState = tx.inviteStateProcceeding
	} else {
		tx.fsmState = tx.stateTrying
	}
	tx.fsmMu.Unlock()
}

func (tx *ServerTx) delete() {
	tx.closeOnce.Do(func() {
		tx.mu.Lock()
		close(tx.done)
		err := tx.lastErr
		tx.mu.Unlock()
		if tx.onTerminate != nil {
			tx.onTerminate(tx.key, err)
		}
	})

	tx.mu.Lock()
	if tx.confirmedWait != nil {
		tx.confirmedWait.Stop()
		tx.confirmedWait = nil
	}
	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	if tx.ackWait != nil {
		tx.ackWait.Stop()
		tx.ackWait = nil
	}
	if tx.completedWait != nil {
		tx.completedWait.Stop()
		tx.completedWait = nil
	}
	if tx.acceptedWait != nil {
		tx.acceptedWait.Stop()
		tx.acceptedWait = nil
	}
	if tx.provisionalDelay != nil {
		tx.provisionalDelay.Stop()
		tx.provisionalDelay = nil
	}
	tx.mu.Unlock()
	tx.log.Debug().Str("tx", tx.Key()).Msg("Destroyed")
}
