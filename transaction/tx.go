package transaction

import (
	"sync"

	"github.com/eyepea/gosip/sip"
	"github.com/eyepea/gosip/transport"

	"github.com/rs/zerolog"
)

// commonTx carries the state every transaction shares: its store key, the
// request that created it, the connection it writes to, and the FSM hook.
type commonTx struct {
	key string

	origin *sip.Request

	conn     transport.Connection
	lastResp *sip.Response

	lastErr error
	done    chan struct{}

	fsmMu    sync.RWMutex
	fsmState FsmContextState

	log         zerolog.Logger
	onTerminate FnTxTerminate

	// onResend, when set by the owning Layer, is called once per
	// retransmission this transaction performs (request re-sends on the
	// client side, response re-sends on the server side).
	onResend func()
}

func (tx *commonTx) countResend() {
	if tx.onResend != nil {
		tx.onResend()
	}
}

func (tx *commonTx) String() string {
	if tx == nil {
		return "<nil>"
	}
	return tx.key
}

func (tx *commonTx) Origin() *sip.Request {
	return tx.origin
}

func (tx *commonTx) Key() string {
	return tx.key
}

func (tx *commonTx) Done() <-chan struct{} {
	return tx.done
}

// OnTerminate registers f to run when the transaction's FSM reaches a
// terminal state. It returns false if the transaction has already
// terminated, in which case f is not stored and the caller should treat
// the transaction as already done.
func (tx *commonTx) OnTerminate(f FnTxTerminate) bool {
	select {
	case <-tx.done:
		return false
	default:
	}
	tx.onTerminate = f
	return true
}

// spinFsm feeds in into the current state and keeps dispatching whatever
// input each action returns until one returns FsmInputNone. The lock makes
// each chain of transitions atomic against concurrent timers and receives.
func (tx *commonTx) spinFsm(in FsmInput) {
	tx.fsmMu.Lock()
	for i := in; i != FsmInputNone; {
		i = tx.fsmState(i)
	}
	tx.fsmMu.Unlock()
}
