package dialog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eyepea/gosip/sip"
	"github.com/looplab/fsm"
)

var (
	ErrDialogOutsideDialog   = errors.New("call/transaction outside dialog")
	ErrDialogDoesNotExists   = errors.New("call/transaction does not exist")
	ErrDialogInviteNoContact = errors.New("no Contact header")
	ErrDialogCanceled        = errors.New("dialog canceled")
	ErrDialogInvalidCseq     = errors.New("invalid CSeq number")
	ErrAuthRetryExhausted    = errors.New("dialog: authentication retry budget exhausted")
)

// ErrDialogResponse wraps a non-2xx final response to an in-dialog request.
type ErrDialogResponse struct {
	Res *sip.Response
}

func (e ErrDialogResponse) Error() string {
	return fmt.Sprintf("request failed with response: %s", e.Res.StartLine())
}

// IncomingRequest pairs a request received within an established dialog
// with the server transaction it arrived on, so a consumer of
// Dialog.Requests can both read and answer it.
type IncomingRequest struct {
	Request *sip.Request
	Tx      sip.ServerTransaction
}

type DialogStateFn func(s sip.DialogState)

// Dialog is the shared state of an established SIP dialog (RFC 3261 §12),
// used by both DialogClientSession (UAC) and DialogServerSession (UAS). It
// tracks the lightweight coarse sip.DialogState alongside the more detailed
// INVITE call-state machine, an in-dialog request queue, auto-close timer
// and the authentication retry budget.
type Dialog struct {
	// ID is the legacy string-form dialog key (Call-ID + tags), kept for
	// logging and callers that stored it before DialogID existed.
	ID string
	// Key is the structured identity used by Registry for lookup/rekey.
	Key DialogID

	// InviteRequest is set when the dialog is created. Treat as read-only;
	// use dialog methods to mutate headers.
	InviteRequest *sip.Request
	// InviteResponse is the last response received or sent for the INVITE
	// transaction. Treat as read-only.
	InviteResponse *sip.Response

	lastCSeqNo atomic.Uint32
	state      atomic.Int32

	call *fsm.FSM

	ctx    context.Context
	cancel context.CancelFunc

	onStatePointer atomic.Pointer[DialogStateFn]

	requests chan *IncomingRequest

	closeTimer *time.Timer
	closeAfter time.Duration
	closeMu    sync.Mutex

	authAttempts atomic.Uint32
	authLimit    uint32

	values sync.Map
}

// Init sets up dialog state for a freshly created Dialog. Callers must set
// InviteRequest before calling Init.
func (d *Dialog) Init() {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.requests = make(chan *IncomingRequest, 16)
	d.authLimit = 3
	if d.InviteRequest != nil {
		if cseq := d.InviteRequest.CSeq(); cseq != nil {
			d.lastCSeqNo.Store(cseq.SeqNo)
		}
	}
	d.call = newCallStateFSM(d.onCallStateEnter)
}

// InitWithState is Init followed by forcing the coarse state to s, used
// when reattaching to a dialog whose transaction already completed.
func (d *Dialog) InitWithState(s sip.DialogState) {
	d.Init()
	d.state.Store(int32(s))
}

// SetCSEQ forces the next in-dialog CSeq, used when reattaching sessions.
func (d *Dialog) SetCSEQ(n uint32) {
	d.lastCSeqNo.Store(n)
}

// SetAuthRetryLimit overrides the default budget of 3 authentication
// retries (RFC 3261 §22.1 does not bound this; an unbounded retry loop on a
// misconfigured server would otherwise never stop).
func (d *Dialog) SetAuthRetryLimit(n uint32) { d.authLimit = n }

func (d *Dialog) onCallStateEnter(state string) {
	switch state {
	case CallStateProceeding:
		d.setState(sip.DialogStateProceeding)
	case CallStateConfirmed:
		d.setState(sip.DialogStateConfirmed)
	case CallStateTerminated:
		d.setState(sip.DialogStateEnded)
	}
}

// fireCallEvent feeds the INVITE call-state machine, ignoring invalid
// transitions (e.g. a retransmitted 2xx arriving after confirmation).
func (d *Dialog) fireCallEvent(event string) {
	if d.call == nil {
		return
	}
	_ = d.call.Event(d.ctx, event)
}

func (d *Dialog) OnState(f DialogStateFn) {
	for current := d.onStatePointer.Load(); current != nil; current = d.onStatePointer.Load() {
		cb := *current
		newCb := func(s sip.DialogState) {
			f(s)
			cb(s)
		}
		newCBState := DialogStateFn(newCb)
		if d.onStatePointer.CompareAndSwap(current, &newCBState) {
			return
		}
	}
	d.onStatePointer.Store(&f)
}

func (d *Dialog) setState(s sip.DialogState) {
	old := d.state.Swap(int32(s))
	if old == int32(s) {
		return
	}

	if s == sip.DialogStateEnded {
		d.cancel()
		d.stopAutoClose()
	}

	if f := d.onStatePointer.Load(); f != nil {
		cb := *f
		cb(s)
	}
}

func (d *Dialog) LoadState() sip.DialogState {
	return sip.DialogState(d.state.Load())
}

// endWithCause forces the dialog to terminated, used when the underlying
// transaction dies (timeout, CANCEL) before a final response was seen.
func (d *Dialog) endWithCause(_ error) {
	d.fireCallEvent(callEventTerminate)
}

func (d *Dialog) StateRead() <-chan sip.DialogState {
	ch := make(chan sip.DialogState, 5)
	d.OnState(func(s sip.DialogState) {
		select {
		case ch <- s:
		default:
		}
	})
	return ch
}

// Requests returns the channel of in-dialog requests (re-INVITE, INFO,
// UPDATE, ...) received after the dialog was established. ACKs matching a
// locally accepted INVITE are routed to the INVITE server transaction
// directly and never appear here; BYE is handled by ReadBye and also does
// not appear here.
func (d *Dialog) Requests() <-chan *IncomingRequest {
	return d.requests
}

// pushRequest enqueues r for a Requests() consumer, dropping it (logged by
// the caller) if the queue is full rather than blocking the dispatcher.
func (d *Dialog) pushRequest(r *IncomingRequest) bool {
	select {
	case d.requests <- r:
		d.touchAutoClose()
		return true
	default:
		return false
	}
}

func (d *Dialog) CSEQ() uint32 {
	return d.lastCSeqNo.Load()
}

func (d *Dialog) Context() context.Context {
	return d.ctx
}

func (d *Dialog) Store(key string, value any) {
	d.values.Store(key, value)
}

func (d *Dialog) Load(key string) (any, bool) {
	return d.values.Load(key)
}

func (d *Dialog) Delete(key string) {
	d.values.Delete(key)
}

// scheduleAutoClose arms (or rearms) the idle/expiry timer that ends the
// dialog if it is never explicitly torn down: REGISTER/SUBSCRIBE dialogs
// pass 1.1*Expires, everything else the configured idle timeout.
func (d *Dialog) scheduleAutoClose(after time.Duration, onFire func()) {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closeTimer != nil {
		d.closeTimer.Stop()
	}
	d.closeAfter = after
	d.closeTimer = time.AfterFunc(after, onFire)
}

// touchAutoClose pushes the armed auto-close timer out by its full window
// again, called on in-dialog activity so a busy dialog never idles out.
func (d *Dialog) touchAutoClose() {
	d.closeMu.Lock()
	if d.closeTimer != nil && d.closeAfter > 0 {
		d.closeTimer.Reset(d.closeAfter)
	}
	d.closeMu.Unlock()
}

func (d *Dialog) stopAutoClose() {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.closeTimer != nil {
		d.closeTimer.Stop()
		d.closeTimer = nil
	}
}

// dialogIDFromMessage builds a DialogID from a message's Call-ID/From/To
// tags, with fromTag/toTag assigned to LocalTag/RemoteTag per fromLocal.
func dialogIDFromMessage(callID, fromTag, toTag string, fromIsLocal bool) DialogID {
	if fromIsLocal {
		return DialogID{CallID: callID, LocalTag: fromTag, RemoteTag: toTag}
	}
	return DialogID{CallID: callID, LocalTag: toTag, RemoteTag: fromTag}
}

func dialogIDString(id DialogID) string {
	return id.CallID + "__" + id.LocalTag + "__" + id.RemoteTag
}

// fromTag and toTag read the "tag" parameter off a From/To header; both
// headers' Params are a HeaderParams slice, not a map, so plain index
// syntax does not apply.
func fromTag(h *sip.FromHeader) string {
	v, _ := h.Params.Get("tag")
	return v
}

func toTag(h *sip.ToHeader) string {
	v, _ := h.Params.Get("tag")
	return v
}
