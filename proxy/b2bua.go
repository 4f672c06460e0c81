package proxy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/eyepea/gosip/dialog"
	"github.com/eyepea/gosip/sip"
)

// Leg is one side of a proxy dialog: a pair of dialogs sharing a Call-ID,
// one per leg. It wraps a dialog.Dialog with the bookkeeping RewriteVia
// needs to decide whether a Via belongs to us.
type Leg struct {
	*dialog.Dialog

	// LocalVia identifies this leg's own Via (host:port); RewriteVia pops
	// the topmost Via when it matches this and pushes a fresh one otherwise.
	LocalVia string

	mu           sync.Mutex
	retransCount uint32
}

// NewLeg wraps d as a proxy leg bound to localVia.
func NewLeg(d *dialog.Dialog, localVia string) *Leg {
	return &Leg{Dialog: d, LocalVia: localVia}
}

// B2BUA pairs two legs of the same call, forwarding messages between them.
// A single B2BUA instance handles one call; the owning dialplan handler
// keeps a map of these keyed by Call-ID for the call's lifetime.
type B2BUA struct {
	CallID string
	A      *Leg
	B      *Leg
}

// NewB2BUA pairs legs a and b under callID.
func NewB2BUA(callID string, a, b *Leg) *B2BUA {
	return &B2BUA{CallID: callID, A: a, B: b}
}

// Other returns the leg opposite from, used by a handler that only knows
// which side a message arrived on.
func (b *B2BUA) Other(from *Leg) (*Leg, error) {
	switch from {
	case b.A:
		return b.B, nil
	case b.B:
		return b.A, nil
	default:
		return nil, errors.New("proxy: leg does not belong to this B2BUA")
	}
}

// ErrRetransmission is returned by Forward when msg is a retransmission of
// one already relayed for this leg pair; the caller should re-send the
// last response/request rather than create a new transaction.
var ErrRetransmission = errors.New("proxy: retransmission, resend without new transaction")

// RewriteVia relays msg from one leg to the other. If the topmost Via
// refers to our side (from.LocalVia), pop it before handing the message to
// the other leg; otherwise push a fresh Via carrying our address and a new
// branch. Only sip.Request carries a Via stack worth rewriting this way;
// responses are forwarded as-is by the caller using the reverse path
// already recorded in the transaction layer.
func RewriteVia(msg sip.Message, from, to *Leg) error {
	req, ok := msg.(*sip.Request)
	if !ok {
		return fmt.Errorf("proxy: RewriteVia only rewrites requests, got %T", msg)
	}

	via := req.Via()
	if via == nil {
		return errors.New("proxy: request has no Via header")
	}

	if viaMatches(via, from.LocalVia) {
		req.RemoveHeader("Via")
	} else {
		newVia := &sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       req.Transport(),
			Params:          sip.NewParams(),
		}
		host, port, err := sip.ParseAddr(to.LocalVia)
		if err == nil {
			newVia.Host = host
			newVia.Port = port
		}
		newVia.Params.Add("branch", sip.GenerateBranchN(16))
		req.PrependHeader(newVia)
	}

	return nil
}

func viaMatches(via *sip.ViaHeader, localVia string) bool {
	if localVia == "" {
		return false
	}
	host, port, err := sip.ParseAddr(localVia)
	if err != nil {
		return false
	}
	return via.Host == host && via.Port == port
}

// CountRetransmission bumps the leg's retransmission counter and reports
// the new total; a dialplan handler uses this to decide whether an
// inbound request is a fresh one or a retransmission that should be
// re-sent without opening a new transaction.
func (l *Leg) CountRetransmission() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retransCount++
	return l.retransCount
}
