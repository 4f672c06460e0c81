package ua

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eyepea/gosip/auth"
	"github.com/eyepea/gosip/dialog"
	"github.com/eyepea/gosip/dialplan"
	"github.com/eyepea/gosip/metrics"
	"github.com/eyepea/gosip/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Application is the process-wide arena object: it owns the transport
// layer, transaction layer, the UAC/UAS dialog registries, the Peer
// table, and the configured Dialplan. It installs a single handler
// directly on the transaction layer, bypassing Server's flat per-method
// map, so every inbound request goes through the dispatch order of
// transaction match (handled transparently below this layer) → dialog
// match → dialplan resolution → 501/481/500 fallback.
type Application struct {
	*Server

	DialogUA *dialog.DialogUA
	Dialplan dialplan.Dialplan
	Peers    *PeerTable
	Metrics  *metrics.Registry

	// Forward, if set, lets dialplan Handlers call Request.Proxy to relay
	// a message to another leg (normally wired to proxy.Registry.Forward
	// or proxy.Forward by the caller composing this Application; ua
	// cannot import package proxy itself without an import cycle).
	Forward func(msg sip.Message) error

	// AuthRetryLimit is the default passed to Dialog.SetAuthRetryLimit for
	// dialogs this Application originates, bounding how many 401/407
	// challenges one dialog answers before giving up.
	AuthRetryLimit uint32
	// DialogIdleTimeout is the auto-close idle window for dialogs that
	// aren't REGISTER/SUBSCRIBE refreshers (those use 1.1*Expires instead).
	DialogIdleTimeout time.Duration
	// Debug includes the panic value as the body of a dispatch-time 500
	// when set; otherwise the 500 body is empty.
	Debug bool

	log zerolog.Logger

	wg      sync.WaitGroup
	closing atomic.Bool
}

// ApplicationOption configures an Application at construction time.
type ApplicationOption func(a *Application)

// WithApplicationLogger overrides the default logger.
func WithApplicationLogger(logger zerolog.Logger) ApplicationOption {
	return func(a *Application) { a.log = logger }
}

// WithApplicationDebug turns on traceback payloads for dispatch-time 500s.
func WithApplicationDebug(debug bool) ApplicationOption {
	return func(a *Application) { a.Debug = debug }
}

// WithApplicationMetrics wires m into the transaction layer, both dialog
// registries, and the dialog client's auth counters.
func WithApplicationMetrics(m *metrics.Registry) ApplicationOption {
	return func(a *Application) { a.Metrics = m }
}

// WithApplicationForward lets dialplan Handlers call Request.Proxy to
// relay a message to another leg, normally wiring a proxy package's
// Registry.Forward or B2BUA-aware forwarder.
func WithApplicationForward(forward func(msg sip.Message) error) ApplicationOption {
	return func(a *Application) { a.Forward = forward }
}

// NewApplication builds the dispatcher on top of srv's transport and
// transaction layers, using client to originate dialogs (INVITE/REGISTER/
// SUBSCRIBE) under contactHDR, authenticating 401/407 challenges with
// creds where configured.
func NewApplication(srv *Server, client *Client, contactHDR sip.ContactHeader, creds auth.ClientAuth, dp dialplan.Dialplan, opts ...ApplicationOption) *Application {
	app := &Application{
		Server:            srv,
		DialogUA:          dialog.NewDialogUA(client, contactHDR, creds),
		Dialplan:          dp,
		Peers:             newPeerTable(),
		AuthRetryLimit:    3,
		DialogIdleTimeout: 30 * time.Second,
		log:               log.Logger.With().Str("caller", "Application").Logger(),
	}
	for _, o := range opts {
		o(app)
	}
	app.DialogUA.Client.IdleTimeout = app.DialogIdleTimeout
	if app.Metrics != nil {
		app.DialogUA.Client.SetMetrics(app.Metrics)
		app.DialogUA.Server.SetMetrics(app.Metrics)
		srv.tx.SetMetrics(app.Metrics)
	}
	srv.tx.OnRequest(app.onRequest)
	return app
}

// Invite originates a UAC dialog through DialogUA, applying this
// Application's default auth retry budget to it.
func (a *Application) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*dialog.DialogClientSession, error) {
	s, err := a.DialogUA.Invite(ctx, recipient, body, headers...)
	if err != nil {
		return nil, err
	}
	s.SetAuthRetryLimit(a.AuthRetryLimit)
	return s, nil
}

// onRequest is the entry point registered with the transaction layer.
// Transaction-level matching (including CANCEL-to-INVITE-by-branch and
// the stateless 481 for an unmatched CANCEL) has already happened by the
// time this runs; everything here is step 2 (dialog match) onward.
func (a *Application) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	a.Peers.Get(peerKeyOf(req.Transport(), req.Source(), req.Destination()))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dispatch(req, tx)
		if tx != nil {
			tx.Terminate()
		}
	}()
}

func (a *Application) dispatch(req *sip.Request, tx sip.ServerTransaction) {
	defer a.recoverDispatch(req, tx)

	switch req.Method {
	case sip.ACK:
		// No reply is ever sent for a dropped or matched ACK (RFC 3261
		// §13.3.1.4); errors here just mean it targeted no dialog.
		if err := a.DialogUA.Server.ReadAck(req); err != nil {
			a.log.Debug().Err(err).Msg("ACK matched no dialog, dropped")
		}
		return
	case sip.CANCEL:
		// The transaction layer only ever hands us a CANCEL when it found
		// the INVITE server transaction to terminate; reaching here with
		// no dialog to match is not expected, but answer defensively
		// rather than leave the peer without any response.
		a.replyStatus(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	case sip.BYE:
		if err := a.DialogUA.Server.ReadBye(req, tx); err == nil {
			return
		}
		if err := a.DialogUA.Client.ReadBye(req, tx); err == nil {
			return
		}
		a.replyStatus(tx, req, sip.StatusCallTransactionDoesNotExists, "Call/Transaction Does Not Exist")
		return
	default:
		if a.tryDialogMatch(req, tx) {
			return
		}
		a.resolveDialplan(req, tx)
	}
}

// tryDialogMatch attempts to route req (an INVITE re-send, re-INVITE, or
// any other in-dialog method such as NOTIFY/INFO/UPDATE/REFER) onto the
// matching dialog's Requests() queue, trying the UAS side then the UAC
// side. A genuinely new out-of-dialog request (initial INVITE, initial
// SUBSCRIBE, REGISTER, OPTIONS with no To-tag, ...) matches neither and
// falls through to the dialplan.
func (a *Application) tryDialogMatch(req *sip.Request, tx sip.ServerTransaction) bool {
	if err := a.DialogUA.Server.ReadRequest(req, tx); err == nil {
		return true
	}
	if err := a.DialogUA.Client.ReadRequest(req, tx); err == nil {
		return true
	}
	return false
}

func (a *Application) resolveDialplan(req *sip.Request, tx sip.ServerTransaction) {
	transport := req.Transport()
	local := req.Destination()
	remote := req.Source()

	handler, ok := a.Dialplan.Resolve(req.Method, req, transport, local, remote)
	if !ok {
		if req.Method == sip.OPTIONS {
			a.replyStatus(tx, req, sip.StatusOK, "OK")
			return
		}
		a.replyStatus(tx, req, sip.StatusNotImplemented, "Not Implemented")
		return
	}

	dreq := dialplan.NewRequest(req, tx, transport, local, remote, a.DialogUA.Server, a.Forward)
	ctx := sip.ServerTransactionContext(tx)
	if err := handler(ctx, dreq); err != nil {
		a.log.Error().Err(err).Str("method", req.Method.String()).Msg("dialplan handler failed")
		a.replyStatus(tx, req, sip.StatusInternalServerError, "Internal Server Error")
	}
}

func (a *Application) recoverDispatch(req *sip.Request, tx sip.ServerTransaction) {
	r := recover()
	if r == nil {
		return
	}
	a.log.Error().Interface("panic", r).Str("method", req.Method.String()).Msg("dialplan handler panicked")
	var body []byte
	if a.Debug {
		body = []byte(fmt.Sprintf("%v", r))
	}
	res := sip.NewResponseFromRequest(req, sip.StatusInternalServerError, "Internal Server Error", body)
	if err := tx.Respond(res); err != nil {
		a.log.Error().Err(err).Msg("failed to respond to panicking handler")
	}
}

func (a *Application) replyStatus(tx sip.ServerTransaction, req *sip.Request, status int, reason string) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.log.Error().Err(err).Int("status", status).Msg("failed to send stateful response")
	}
}

// Close drains the Application in three phases: first it tells every
// REGISTER/SUBSCRIBE dialog we originated to unregister/unsubscribe by
// resending with Expires: 0, then it closes the transport layer's
// connectors, then it cancels the transaction layer's outstanding
// background timers. ctx bounds the drain phase only.
func (a *Application) Close(ctx context.Context) error {
	if !a.closing.CompareAndSwap(false, true) {
		return nil
	}

	a.drainRefreshers(ctx)

	var closeErr error
	if err := a.tp.Close(); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	a.tx.Close()

	a.wg.Wait()
	return closeErr
}

func (a *Application) drainRefreshers(ctx context.Context) {
	var wg sync.WaitGroup
	for _, d := range a.DialogUA.Client.Dialogs() {
		method := d.InviteRequest.Method
		if method != sip.REGISTER && method != sip.SUBSCRIBE {
			continue
		}
		session, ok := a.DialogUA.Client.Session(d)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(s *dialog.DialogClientSession) {
			defer wg.Done()
			if err := s.RefreshExpires(ctx, 0); err != nil {
				a.log.Debug().Err(err).Msg("graceful unregister/unsubscribe on close failed")
			}
		}(session)
	}
	wg.Wait()
}
