package ua

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/eyepea/gosip/sip"
	"github.com/eyepea/gosip/transport"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestHandler is invoked for an inbound request once the transaction
// layer has created (or identified) the server transaction for it.
type RequestHandler func(req *sip.Request, tx sip.ServerTransaction)

// Server is the per-method request router for inbound requests: it
// registers itself on the transaction layer and fans each request out by
// Method to whichever handler was registered with On<Method>, falling back
// to noRouteHandler (a 405 by default) for anything unregistered.
//
// Application builds a richer dispatcher (dialog matching, dialplan
// resolution) on top of the same UserAgent instead of using this router
// directly; Server remains useful standalone for simple UAS roles that
// only need per-method callbacks.
type Server struct {
	*UserAgent

	requestHandlers map[sip.RequestMethod]RequestHandler
	noRouteHandler  RequestHandler

	log zerolog.Logger

	requestMiddlewares []func(r *sip.Request)
}

type ServerOption func(s *Server) error

func WithServerLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) error {
		s.log = logger
		return nil
	}
}

// NewServer builds a Server bound to ua's transport/transaction layers and
// registers it as the transaction layer's request callback.
func NewServer(ua *UserAgent, options ...ServerOption) (*Server, error) {
	s, err := newBaseServer(ua, options...)
	if err != nil {
		return nil, err
	}
	s.tx.OnRequest(s.onRequest)
	return s, nil
}

func newBaseServer(ua *UserAgent, options ...ServerOption) (*Server, error) {
	s := &Server{
		UserAgent:          ua,
		requestMiddlewares: make([]func(r *sip.Request), 0),
		requestHandlers:    make(map[sip.RequestMethod]RequestHandler),
		log:                log.Logger.With().Str("caller", "Server").Logger(),
	}
	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}
	s.noRouteHandler = s.defaultUnhandledHandler
	return s, nil
}

// ctxListenReady, when present in ListenAndServe's/ListenAndServeTLS's
// context (a chan any), is closed once the socket is bound — tests use
// this to synchronize on "the listener is actually up" instead of sleeping.
var ctxListenReady = "ctxListenReady"

// ListenAndServe binds addr on network ("udp", "tcp", or "ws") and serves
// it until ctx is cancelled.
func (srv *Server) ListenAndServe(ctx context.Context, network string, addr string) error {
	network = strings.ToLower(network)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closer io.Closer
	closeOnDone := func() {
		<-ctx.Done()
		if closer != nil {
			if err := closer.Close(); err != nil {
				srv.log.Error().Err(err).Msg("failed to close listener")
			}
		}
	}

	switch network {
	case "udp":
		laddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return fmt.Errorf("resolve udp listen address %q: %w", addr, err)
		}
		conn, err := net.ListenUDP("udp", laddr)
		if err != nil {
			return fmt.Errorf("listen udp on %q: %w", addr, err)
		}
		closer = conn
		go closeOnDone()
		srv.signalListenReady(ctx)
		return srv.tp.ServeUDP(conn)

	case "ws", "tcp":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("resolve tcp listen address %q: %w", addr, err)
		}
		conn, err := net.ListenTCP("tcp", laddr)
		if err != nil {
			return fmt.Errorf("listen tcp on %q: %w", addr, err)
		}
		closer = conn
		go closeOnDone()
		srv.signalListenReady(ctx)
		if network == "ws" {
			return srv.tp.ServeWS(conn)
		}
		return srv.tp.ServeTCP(conn)
	}
	return transport.ErrNetworkNotSupported
}

// ListenAndServeTLS is ListenAndServe's secure-transport counterpart for
// network "tls"/"tcp" (Via token TLS) or "wss" (Via token WSS).
func (srv *Server) ListenAndServeTLS(ctx context.Context, network string, addr string, conf *tls.Config) error {
	network = strings.ToLower(network)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closer io.Closer
	go func() {
		<-ctx.Done()
		if closer != nil {
			if err := closer.Close(); err != nil {
				srv.log.Error().Err(err).Msg("failed to close TLS listener")
			}
		}
	}()

	switch network {
	case "tls", "tcp", "ws", "wss":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("resolve tls listen address %q: %w", addr, err)
		}
		listener, err := tls.Listen("tcp", laddr.String(), conf)
		if err != nil {
			return fmt.Errorf("listen tls on %q: %w", addr, err)
		}
		closer = listener
		srv.signalListenReady(ctx)

		if network == "ws" || network == "wss" {
			return srv.tp.ServeWSS(listener)
		}
		return srv.tp.ServeTLS(listener)
	}
	return transport.ErrNetworkNotSupported
}

func (srv *Server) signalListenReady(ctx context.Context) {
	if v := ctx.Value(ctxListenReady); v != nil {
		close(v.(chan any))
	}
}

func (srv *Server) ServeUDP(l net.PacketConn) error { return srv.tp.ServeUDP(l) }
func (srv *Server) ServeTCP(l net.Listener) error   { return srv.tp.ServeTCP(l) }
func (srv *Server) ServeTLS(l net.Listener) error   { return srv.tp.ServeTLS(l) }
func (srv *Server) ServeWS(l net.Listener) error    { return srv.tp.ServeWS(l) }
func (srv *Server) ServeWSS(l net.Listener) error   { return srv.tp.ServeWSS(l) }

// onRequest is the transaction layer's request callback; it hands off to a
// fresh goroutine so a slow handler never stalls the transaction layer's
// demultiplexing loop.
func (srv *Server) onRequest(req *sip.Request, tx sip.ServerTransaction) {
	go srv.routeRequest(req, tx)
}

func (srv *Server) routeRequest(req *sip.Request, tx sip.ServerTransaction) {
	for _, mid := range srv.requestMiddlewares {
		mid(req)
	}

	handler := srv.getHandler(req.Method)
	handler(req, tx)
	if tx != nil {
		tx.Terminate()
	}
}

// WriteResponse sends r directly through the transport layer, bypassing
// the transaction layer — for stateless replies.
func (srv *Server) WriteResponse(r *sip.Response) error {
	return srv.tp.WriteMsg(r)
}

// Close is a no-op: the transport and transaction layers owned by the
// shared UserAgent outlive any one Server/Application built on top of them
// and are closed there instead.
func (srv *Server) Close() error {
	return nil
}

func (srv *Server) OnRequest(method sip.RequestMethod, handler RequestHandler) {
	srv.requestHandlers[method] = handler
}

func (srv *Server) OnInvite(handler RequestHandler)    { srv.requestHandlers[sip.INVITE] = handler }
func (srv *Server) OnAck(handler RequestHandler)       { srv.requestHandlers[sip.ACK] = handler }
func (srv *Server) OnCancel(handler RequestHandler)    { srv.requestHandlers[sip.CANCEL] = handler }
func (srv *Server) OnBye(handler RequestHandler)       { srv.requestHandlers[sip.BYE] = handler }
func (srv *Server) OnRegister(handler RequestHandler)  { srv.requestHandlers[sip.REGISTER] = handler }
func (srv *Server) OnOptions(handler RequestHandler)   { srv.requestHandlers[sip.OPTIONS] = handler }
func (srv *Server) OnSubscribe(handler RequestHandler) { srv.requestHandlers[sip.SUBSCRIBE] = handler }
func (srv *Server) OnNotify(handler RequestHandler)    { srv.requestHandlers[sip.NOTIFY] = handler }
func (srv *Server) OnRefer(handler RequestHandler)     { srv.requestHandlers[sip.REFER] = handler }
func (srv *Server) OnInfo(handler RequestHandler)      { srv.requestHandlers[sip.INFO] = handler }
func (srv *Server) OnMessage(handler RequestHandler)   { srv.requestHandlers[sip.MESSAGE] = handler }
func (srv *Server) OnPrack(handler RequestHandler)     { srv.requestHandlers[sip.PRACK] = handler }
func (srv *Server) OnUpdate(handler RequestHandler)    { srv.requestHandlers[sip.UPDATE] = handler }
func (srv *Server) OnPublish(handler RequestHandler)   { srv.requestHandlers[sip.PUBLISH] = handler }

// OnNoRoute overrides the default 405 response for any method with no
// registered handler.
func (srv *Server) OnNoRoute(handler RequestHandler) {
	srv.noRouteHandler = handler
}

// RegisteredMethods lists every method with a registered handler, for
// building an Allow header.
func (srv *Server) RegisteredMethods() []string {
	r := make([]string, 0, len(srv.requestHandlers))
	for k := range srv.requestHandlers {
		r = append(r, k.String())
	}
	return r
}

func (srv *Server) getHandler(method sip.RequestMethod) RequestHandler {
	if h, ok := srv.requestHandlers[method]; ok {
		return h
	}
	return srv.noRouteHandler
}

func (srv *Server) defaultUnhandledHandler(req *sip.Request, tx sip.ServerTransaction) {
	srv.log.Warn().Str("method", req.Method.String()).Msg("no handler registered for method")
	res := sip.NewResponseFromRequest(req, sip.StatusMethodNotAllowed, "Method Not Allowed", nil)
	if err := srv.WriteResponse(res); err != nil {
		srv.log.Error().Err(err).Msg("failed to send 405 Method Not Allowed")
	}
}

// ServeRequest registers f as middleware run against every inbound request
// before it reaches its handler.
func (srv *Server) ServeRequest(f func(r *sip.Request)) {
	srv.requestMiddlewares = append(srv.requestMiddlewares, f)
}

// TransportLayer exposes the underlying transport.Layer, e.g. for tests
// that need to inject a connection directly.
func (srv *Server) TransportLayer() *transport.Layer {
	return srv.tp
}

// GenerateTLSConfig builds a *tls.Config for ListenAndServeTLS from a cert
// and key on disk, optionally trusting rootPems for validating peers.
func GenerateTLSConfig(certFile string, keyFile string, rootPems []byte) (*tls.Config, error) {
	roots := x509.NewCertPool()
	if rootPems != nil {
		if ok := roots.AppendCertsFromPEM(rootPems); !ok {
			return nil, fmt.Errorf("failed to parse root certificate")
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      roots,
	}, nil
}
