package transaction

import (
	"fmt"
	"time"

	"github.com/eyepea/gosip/sip"
)

// INVITE server transaction — RFC 3261 §17.2.1, Figure 7.

func (tx *ServerTx) inviteStateProcceeding(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case server_input_request:
		tx.fsmState, next = tx.inviteStateProcceeding, tx.onRetransmitRequest
	case server_input_cancel:
		tx.fsmState, next = tx.inviteStateProcceeding, tx.onCancel
	case server_input_user_1xx:
		tx.fsmState, next = tx.inviteStateProcceeding, tx.onRetransmitRequest
	case server_input_user_2xx:
		tx.fsmState, next = tx.inviteStateAccepted, tx.onAccept
	case server_input_user_300_plus:
		tx.fsmState, next = tx.inviteStateCompleted, tx.onInviteRejected
	case server_input_transport_err:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onTransportErr
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ServerTx) inviteStateCompleted(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case server_input_request:
		tx.fsmState, next = tx.inviteStateCompleted, tx.onRetransmitRequest
	case server_input_ack:
		tx.fsmState, next = tx.inviteStateConfirmed, tx.onAck
	case server_input_timer_g:
		tx.fsmState, next = tx.inviteStateCompleted, tx.onInviteRejected
	case server_input_timer_h:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onDestroy
	case server_input_transport_err:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onTransportErr
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ServerTx) inviteStateConfirmed(s FsmInput) FsmInput {
	if s == server_input_timer_i {
		tx.fsmState = tx.inviteStateTerminated
		return tx.onDestroy()
	}
	return FsmInputNone
}

func (tx *ServerTx) inviteStateAccepted(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case server_input_ack:
		tx.fsmState, next = tx.inviteStateAccepted, tx.onLateAck
	case server_input_user_2xx:
		// RFC 6026: the dialog layer may keep retransmitting the 2xx itself.
		tx.fsmState, next = tx.inviteStateAccepted, tx.onRetransmitRequest
	case server_input_timer_l:
		tx.fsmState, next = tx.inviteStateTerminated, tx.onDestroy
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ServerTx) inviteStateTerminated(s FsmInput) FsmInput {
	if s == server_input_delete {
		tx.fsmState = tx.inviteStateTerminated
		return tx.onDestroy()
	}
	return FsmInputNone
}

// Non-INVITE server transaction — RFC 3261 §17.2.2, Figure 8.

func (tx *ServerTx) stateTrying(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case server_input_user_1xx:
		tx.fsmState, next = tx.stateProceeding, tx.onRetransmitRequest
	case server_input_user_2xx, server_input_user_300_plus:
		tx.fsmState, next = tx.stateCompleted, tx.onFinal
	case server_input_transport_err:
		tx.fsmState, next = tx.stateTerminated, tx.onTransportErr
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ServerTx) stateProceeding(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case server_input_request, server_input_user_1xx:
		tx.fsmState, next = tx.stateProceeding, tx.onRetransmitRequest
	case server_input_user_2xx, server_input_user_300_plus:
		tx.fsmState, next = tx.stateCompleted, tx.onFinal
	case server_input_transport_err:
		tx.fsmState, next = tx.stateTerminated, tx.onTransportErr
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ServerTx) stateCompleted(s FsmInput) FsmInput {
	var next FsmState
	switch s {
	case server_input_request:
		tx.fsmState, next = tx.stateCompleted, tx.onRetransmitRequest
	case server_input_timer_j:
		tx.fsmState, next = tx.stateTerminated, tx.onDestroy
	case server_input_transport_err:
		tx.fsmState, next = tx.stateTerminated, tx.onTransportErr
	default:
		return FsmInputNone
	}
	return next()
}

func (tx *ServerTx) stateTerminated(s FsmInput) FsmInput {
	if s == server_input_delete {
		tx.fsmState = tx.stateTerminated
		return tx.onDestroy()
	}
	return FsmInputNone
}

// Actions.

// onRetransmitRequest re-sends the transaction's last response, covering
// both "app produced a new provisional" and "peer retransmitted its
// request" — either way the fix is to put the last response back on the
// wire.
func (tx *ServerTx) onRetransmitRequest() FsmInput {
	tx.countResend()
	if err := tx.writeLastResponse(); err != nil {
		return server_input_transport_err
	}
	return FsmInputNone
}

func (tx *ServerTx) onInviteRejected() FsmInput {
	if err := tx.writeLastResponse(); err != nil {
		return server_input_transport_err
	}

	if !tx.reliable {
		tx.mu.Lock()
		if tx.retransmit == nil {
			tx.retransmit = time.AfterFunc(tx.retransmitInterval, func() {
				tx.spinFsm(server_input_timer_g)
			})
		} else {
			tx.retransmitInterval *= 2
			if tx.retransmitInterval > sip.T2 {
				tx.retransmitInterval = sip.T2
			}
			tx.retransmit.Reset(tx.retransmitInterval)
		}
		tx.mu.Unlock()
	}

	tx.mu.Lock()
	if tx.ackWait == nil {
		tx.ackWait = time.AfterFunc(sip.Timer_H, func() {
			tx.spinFsm(server_input_timer_h)
		})
	}
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ServerTx) onAccept() FsmInput {
	if err := tx.writeLastResponse(); err != nil {
		return server_input_transport_err
	}

	tx.mu.Lock()
	tx.acceptedWait = time.AfterFunc(sip.Timer_L, func() {
		tx.spinFsm(server_input_timer_l)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ServerTx) onLateAck() FsmInput {
	tx.deliverAck()
	return FsmInputNone
}

func (tx *ServerTx) onFinal() FsmInput {
	if err := tx.writeLastResponse(); err != nil {
		return server_input_transport_err
	}

	if tx.reliable {
		// Timer J is zero on reliable transports: nothing retransmits, so
		// there is nothing to absorb in Completed.
		return server_input_timer_j
	}

	tx.mu.Lock()
	tx.completedWait = time.AfterFunc(sip.Timer_J, func() {
		tx.spinFsm(server_input_timer_j)
	})
	tx.mu.Unlock()

	return FsmInputNone
}

func (tx *ServerTx) onTransportErr() FsmInput {
	tx.reportTransportErr()
	return server_input_delete
}

func (tx *ServerTx) onDestroy() FsmInput {
	tx.delete()
	return FsmInputNone
}

func (tx *ServerTx) onAck() FsmInput {
	tx.mu.Lock()
	if tx.retransmit != nil {
		tx.retransmit.Stop()
		tx.retransmit = nil
	}
	if tx.ackWait != nil {
		tx.ackWait.Stop()
		tx.ackWait = nil
	}
	tx.confirmedWait = time.AfterFunc(tx.confirmedWaitTime, func() {
		tx.spinFsm(server_input_timer_i)
	})
	tx.mu.Unlock()

	tx.deliverAck()
	return FsmInputNone
}

func (tx *ServerTx) onCancel() FsmInput {
	tx.deliverCancel()
	return FsmInputNone
}

func (tx *ServerTx) reportTransportErr() {
	tx.mu.Lock()
	if tx.lastErr != nil {
		tx.lastErr = fmt.Errorf("transaction failed to send %s: %w", tx.key, tx.lastErr)
	}
	err := tx.lastErr
	tx.mu.Unlock()
	tx.log.Debug().Err(err).Str("tx", tx.key).Msg("transaction transport error")
}
