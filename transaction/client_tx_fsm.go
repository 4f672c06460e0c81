package transaction

import (
	"fmt"
	"time"

	"github.com/eyepea/gosip/sip"
)

// INVITE client transaction — RFC 3261 §17.1.1, Figure 5.

func (tx *ClientTx) inviteStateCalling(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, next = tx.inviteStateProcceeding, tx.onInviteProvisional
	case client_input_2xx:
		tx.fsmState, next = tx.inviteStateAccepted, tx.onAccepted
	case client_input_300_plus:
		tx.fsmState, next = tx.inviteStateCompleted, tx.onInviteFailed
	case client_input_cancel:
		tx.fsmState, next = tx.inviteStateCalling, tx.onCancelRequested
	case client_input_canceled:
		tx.fsmState, next = tx.inviteStateCalling, tx.onCanceled
	case client_input_timer_a:
		tx.fsmState, next = tx.inviteStateCalling, tx.onInviteRetransmit
	case client_input_timer_b:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onTimeout
	case client_input_transport_err:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onTransportErr
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ClientTx) inviteStateProcceeding(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, next = tx.inviteStateProcceeding, tx.onProvisional
	case client_input_2xx:
		tx.fsmState, next = tx.inviteStateAccepted, tx.onAccepted
	case client_input_300_plus:
		tx.fsmState, next = tx.inviteStateCompleted, tx.onInviteFailed
	case client_input_cancel:
		tx.fsmState, next = tx.inviteStateProcceeding, tx.onCancelWhileProceeding
	case client_input_canceled:
		tx.fsmState, next = tx.inviteStateProcceeding, tx.onCanceled
	case client_input_timer_b:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onTimeout
	case client_input_transport_err:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onTransportErr
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ClientTx) inviteStateCompleted(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case client_input_300_plus:
		// A retransmitted final response means our ACK was lost in transit.
		tx.fsmState, next = tx.inviteStateCompleted, tx.onRetransmitAck
	case client_input_transport_err:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onTransportErr
	case client_input_timer_d:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onDestroy
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ClientTx) inviteStateAccepted(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case client_input_2xx:
		// RFC 6026: absorb retransmitted 2xx while timer M is armed.
		tx.fsmState, next = tx.inviteStateAccepted, tx.onProvisional
	case client_input_transport_err:
		tx.fsmState, next = tx.inviteStateAccepted, tx.onTransportErrLingering
	case client_input_timer_m:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onDestroy
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ClientTx) onTransportErrLingering() FsmInput {
	tx.onTransportErr()
	return FsmInputNone
}

func (tx *ClientTx) inviteStateTerminated(s FsmInput) FsmInput {
	if s == client_input_delete {
		tx.fsmState = tx.inviteStateTerminated
		return tx.onDestroy()
	}
	return FsmInputNone
}

// Non-INVITE client transaction — RFC 3261 §17.1.2, Figure 6.

func (tx *ClientTx) stateCalling(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, next = tx.stateProceeding, tx.onProvisional
	case client_input_2xx, client_input_300_plus:
		tx.fsmState, next = tx.stateCompleted, tx.onFinal
	case client_input_timer_a:
		tx.fsmState, next = tx.stateCalling, tx.onRetransmit
	case client_input_timer_b:
		tx.fsmState, next = tx.stateTerminated, tx.onTimeout
	case client_input_transport_err:
		tx.fsmState, next = tx.stateTerminated, tx.onTransportErr
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ClientTx) stateProceeding(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case client_input_1xx:
		tx.fsmState, next = tx.stateProceeding, tx.onProvisional
	case client_input_2xx, client_input_300_plus:
		tx.fsmState, next = tx.stateCompleted, tx.onFinal
	case client_input_timer_a:
		tx.fsmState, next = tx.stateProceeding, tx.onRetransmit
	case client_input_timer_b:
		tx.fsmState, next = tx.stateTerminated, tx.onTimeout
	case client_input_transport_err:
		tx.fsmState, next = tx.stateTerminated, tx.onTransportErr
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ClientTx) stateCompleted(s FsmInput) FsmInput {
	switch s {
	case client_input_delete, client_input_timer_d:
		tx.fsmState = tx.stateTerminated
		return tx.onDestroy()
	default:
		return FsmInputNone
	}
}

func (tx *ClientTx) stateTerminated(s FsmInput) FsmInput {
	if s == client_input_delete {
		tx.fsmState = tx.stateTerminated
		return tx.onDestroy()
	}
	return FsmInputNone
}

// Actions.

func (tx *ClientTx) onInviteRetransmit() FsmInput {
	tx.mu.Lock()
	tx.retransmitInterval *= 2
	tx.retransmit.Reset(tx.retransmitInterval)
	tx.mu.Unlock()

	tx.retransmitOrigin()
	return FsmInputNone
}

func (tx *ClientTx) onCanceled() FsmInput {
	return FsmInputNone
}

func (tx *ClientTx) onRetransmit() FsmInput {
	tx.mu.Lock()
	tx.retransmitInterval *= 2
	if tx.retransmitInterval > sip.T2 {
		tx.retransmitInterval = sip.T2
	}
	tx.retransmit.Reset(tx.retransmitInterval)
	tx.mu.Unlock()

	tx.retransmitOrigin()
	return FsmInputNone
}

func (tx *ClientTx) onProvisional() FsmInput {
	tx.passUp()

	tx.mu.Lock()
	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ClientTx) onInviteProvisional() FsmInput {
	tx.passUp()

	tx.mu.Lock()
	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	if tx.timeout != nil {
		tx.timeout.Stop()
		tx.timeout = nil
	}
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ClientTx) onInviteFailed() FsmInput {
	tx.sendAck()
	tx.passUp()

	tx.mu.Lock()
	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	if tx.timeout != nil {
		tx.timeout.Stop()
		tx.timeout = nil
	}
	tx.waitAfterFinal = time.AfterFunc(tx.wait, func() {
		tx.spinFsm(client_input_timer_d)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ClientTx) onFinal() FsmInput {
	tx.passUp()

	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	if tx.timeout != nil {
		tx.timeout.Stop()
		tx.timeout = nil
	}

	if tx.wait > 0 {
		tx.waitAfterFinal = time.AfterFunc(tx.wait, func() {
			tx.spinFsm(client_input_timer_d)
		})
		return FsmInputNone
	}

	return client_input_delete
}

func (tx *ClientTx) onCancelRequested() FsmInput {
	tx.sendCancel()
	return FsmInputNone
}

func (tx *ClientTx) onCancelWhileProceeding() FsmInput {
	tx.sendCancel()

	tx.mu.Lock()
	if tx.timeout != nil {
		tx.timeout.Stop()
	}
	tx.timeout = time.AfterFunc(sip.Timer_B, func() {
		tx.spinFsm(client_input_timer_b)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ClientTx) onRetransmitAck() FsmInput {
	tx.fireRetransmission()
	tx.sendAck()
	return FsmInputNone
}

// fireRetransmission runs the registered retransmission hook for a final
// response the peer re-sent after this transaction already completed.
func (tx *ClientTx) fireRetransmission() {
	tx.mu.RLock()
	f, resp := tx.onRetransmission, tx.lastResp
	tx.mu.RUnlock()
	if f != nil && resp != nil {
		go f(resp)
	}
}

func (tx *ClientTx) onTransportErr() FsmInput {
	tx.reportTransportErr()

	tx.mu.Lock()
	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	tx.mu.Unlock()

	return client_input_delete
}

func (tx *ClientTx) onTimeout() FsmInput {
	tx.reportTimeout()

	tx.mu.Lock()
	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	tx.mu.Unlock()

	return client_input_delete
}

func (tx *ClientTx) onAccepted() FsmInput {
	tx.passUp()

	tx.mu.Lock()
	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	if tx.timeout != nil {
		tx.timeout.Stop()
		tx.timeout = nil
	}

	tx.ackLinger = time.AfterFunc(sip.Timer_M, func() {
		select {
		case <-tx.done:
			return
		default:
		}
		tx.spinFsm(client_input_timer_m)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ClientTx) onDestroy() FsmInput {
	tx.delete()
	return FsmInputNone
}

func (tx *ClientTx) reportTransportErr() {
	tx.mu.RLock()
	err := tx.lastErr
	tx.mu.RUnlock()
	tx.log.Debug().Err(err).Str("tx", tx.key).Str("req", tx.origin.Short()).Msg("transaction transport error")
}

func (tx *ClientTx) reportTimeout() {
	tx.mu.Lock()
	if tx.lastErr == nil {
		tx.lastErr = fmt.Errorf("transaction timed out tx=%s. %w", tx.key, ErrTimeout)
	}
	tx.mu.Unlock()
	tx.log.Debug().Str("tx", tx.key).Msg("transaction timed out")
}
