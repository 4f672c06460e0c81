package dialog

import (
	"context"

	"github.com/looplab/fsm"
)

// INVITE call states, per the transition table: calling -> proceeding ->
// (completed -> confirmed) | confirmed directly on 2xx, any of those ->
// terminated.
const (
	CallStateCalling    = "calling"
	CallStateProceeding = "proceeding"
	CallStateCompleted  = "completed"
	CallStateConfirmed  = "confirmed"
	CallStateTerminated = "terminated"
)

const (
	callEvent1xx       = "recv_1xx"
	callEventNon2xx    = "recv_non_2xx"
	callEvent2xx       = "recv_2xx"
	callEventAck       = "recv_ack"
	callEventTerminate = "terminate"
)

// newCallStateFSM builds the looplab/fsm machine backing an INVITE dialog's
// call state. onEnter fires on every state transition, including into
// terminated, mirroring dialog.OnState in spirit but scoped to the INVITE
// state machine specifically rather than the coarser sip.DialogState.
func newCallStateFSM(onEnter func(state string)) *fsm.FSM {
	return fsm.NewFSM(
		CallStateCalling,
		fsm.Events{
			{Name: callEvent1xx, Src: []string{CallStateCalling, CallStateProceeding}, Dst: CallStateProceeding},
			{Name: callEvent2xx, Src: []string{CallStateCalling, CallStateProceeding}, Dst: CallStateConfirmed},
			{Name: callEventNon2xx, Src: []string{CallStateCalling, CallStateProceeding}, Dst: CallStateCompleted},
			{Name: callEventAck, Src: []string{CallStateCompleted}, Dst: CallStateConfirmed},
			{Name: callEventTerminate, Src: []string{CallStateCalling, CallStateProceeding, CallStateCompleted, CallStateConfirmed}, Dst: CallStateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(e.Dst)
				}
			},
		},
	)
}
