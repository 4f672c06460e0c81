package dialog

import (
	"context"

	"github.com/eyepea/gosip/sip"
)

// RequestSender is the minimal capability a dialog needs from whatever sits
// below it (normally a ua.Client). Keeping it this small lets the dialog
// package stay independent of package ua, which in turn depends on dialog
// for its Application/Peer wiring.
type RequestSender interface {
	// Request sends req as a new client transaction.
	Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
	// WriteMessage sends req directly to the transport layer, bypassing the
	// transaction layer. Used for ACK.
	WriteMessage(req *sip.Request) error
}
