// Package dialplan supplements the flat per-method handler map ua.Server
// exposes (OnInvite et al.) with resolver-based routing: a Dialplan
// resolves an out-of-dialog request to a Handler coroutine, given the
// method, the message, and the transport/addr triple it arrived on.
package dialplan

import (
	"context"
	"errors"

	"github.com/eyepea/gosip/sip"
)

// ErrNoMatch is returned by Resolve when no route exists for the request.
var ErrNoMatch = errors.New("dialplan: no matching route")

var (
	errDialplanNoDialogServer = errors.New("dialplan: Prepare called on a request facade with no dialog server")
	errDialplanNoForwarder    = errors.New("dialplan: Proxy called on a request facade with no forwarder configured")
)

// Dialplan resolves an inbound out-of-dialog request to a Handler. It is
// invoked by the dispatcher only after transaction and dialog matching have
// both failed to claim the request.
type Dialplan interface {
	Resolve(method sip.RequestMethod, msg sip.Message, transport string, local, remote string) (Handler, bool)
}

// Handler is invoked with a Request façade hiding the transaction/dialog
// wiring so application code reads like ordinary request/response logic.
type Handler func(ctx context.Context, req *Request) error

// Route is one (method -> handler) entry of a StaticDialplan.
type Route struct {
	Method  sip.RequestMethod
	Handler Handler
}

// StaticDialplan resolves by exact method match, the simplest concrete
// Dialplan and the one a dialplan.Chain-wrapped server normally starts
// from.
type StaticDialplan struct {
	routes map[sip.RequestMethod]Handler
}

// NewStaticDialplan builds a StaticDialplan from routes.
func NewStaticDialplan(routes ...Route) *StaticDialplan {
	d := &StaticDialplan{routes: make(map[sip.RequestMethod]Handler, len(routes))}
	for _, r := range routes {
		d.routes[r.Method] = r.Handler
	}
	return d
}

// Handle registers or replaces the handler for method.
func (d *StaticDialplan) Handle(method sip.RequestMethod, h Handler) {
	if d.routes == nil {
		d.routes = make(map[sip.RequestMethod]Handler)
	}
	d.routes[method] = h
}

// Resolve implements Dialplan.
func (d *StaticDialplan) Resolve(method sip.RequestMethod, _ sip.Message, _ string, _, _ string) (Handler, bool) {
	h, ok := d.routes[method]
	return h, ok
}

// Func adapts a plain function into a Dialplan, useful for tests and small
// servers that route purely on method/URI without needing StaticDialplan's
// bookkeeping.
type Func func(method sip.RequestMethod, msg sip.Message, transport string, local, remote string) (Handler, bool)

// Resolve implements Dialplan.
func (f Func) Resolve(method sip.RequestMethod, msg sip.Message, transport string, local, remote string) (Handler, bool) {
	return f(method, msg, transport, local, remote)
}
