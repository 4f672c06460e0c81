package sip

// DialogState is the coarse-grained lifecycle state exposed to dialog
// users, independent of the finer INVITE call-state machine.
type DialogState int

const (
	// DialogStateCalling is set the moment a dialog is created, before any
	// response has been seen (UAC) or before a final response has been
	// sent (UAS).
	DialogStateCalling DialogState = iota
	// DialogStateProceeding is set once a provisional response is seen.
	DialogStateProceeding
	// DialogStateEstablished is set on the first 2xx response.
	DialogStateEstablished
	// DialogStateConfirmed is set once the ACK completing the 3-way
	// handshake has been sent or received.
	DialogStateConfirmed
	// DialogStateEnded is set once BYE has been sent or received, or the
	// dialog was torn down for any other reason.
	DialogStateEnded
)

func (s DialogState) String() string {
	switch s {
	case DialogStateCalling:
		return "Calling"
	case DialogStateProceeding:
		return "Proceeding"
	case DialogStateEstablished:
		return "Established"
	case DialogStateConfirmed:
		return "Confirmed"
	case DialogStateEnded:
		return "Ended"
	default:
		return "Unknown"
	}
}
