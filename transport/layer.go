package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eyepea/gosip/parser"
	"github.com/eyepea/gosip/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNetworkNotSupported is returned for any network token the Layer has no
// registered Transport for.
var ErrNetworkNotSupported = errors.New("transport: network not supported")

func init() {
	rand.Seed(time.Now().UnixNano())
}

// Layer is the transport multiplexer: it owns one Transport
// per scheme (udp/tcp/tls/ws/wss) plus each Transport's own connection pool
// keyed by (peer, local), demultiplexes inbound bytes into parsed messages
// and fans them out to every registered handler, and picks/creates the
// right connection for an outbound message.
type Layer struct {
	udp *UDPTransport
	tcp *TCPTransport
	tls *TLSTransport
	ws  *WSTransport
	wss *WSSTransport

	// byNetwork indexes the same five transports above by their lowercase
	// network token, for the network-name-driven GetConnection/
	// CreateConnection/Close paths. Serve is scheme-specific (PacketConn vs
	// Listener) so it goes through the named fields instead.
	byNetwork map[string]Transport

	listenPortsMu sync.Mutex
	listenPorts   map[string][]int

	dnsResolver *net.Resolver
	handlers    []sip.MessageHandler

	log zerolog.Logger

	// Parser is shared by every registered Transport; swap it before
	// dialing/listening to change codec behavior (e.g. in tests).
	Parser sip.Parser
	// ConnectionReuse makes ClientRequestConnection prefer an existing
	// pooled connection to the destination over dialing a fresh one.
	ConnectionReuse bool
}

// NewLayer builds a Layer with all five transports wired
// (udp, tcp, tls, ws, wss) pre-registered against dnsResolver and
// sipParser. sipParser is concrete rather than the sip.Parser interface
// because the stream transports (tcp/tls) need its NewSIPStream
// reassembly buffer, not just one-shot decoding; udp/ws/wss only ever see
// sipParser through the narrower sip.Parser interface. tlsConfig may be
// nil to fall back to Go's default TLS settings for the tls/wss
// transports (certificate policy stays with the caller — this
// library does not police certificate policy beyond what *tls.Config
// already expresses).
func NewLayer(dnsResolver *net.Resolver, sipParser *parser.Parser, tlsConfig *tls.Config) *Layer {
	tl := &Layer{
		udp:             NewUDPTransport(sipParser),
		tcp:             NewTCPTransport(sipParser),
		tls:             NewTLSTransport(sipParser, tlsConfig),
		ws:              NewWSTransport(sipParser),
		wss:             NewWSSTransport(sipParser, tlsConfig),
		listenPorts:     make(map[string][]int),
		dnsResolver:     dnsResolver,
		Parser:          sipParser,
		ConnectionReuse: true,
	}
	tl.log = log.Logger.With().Str("component", "transport-layer").Logger()

	tl.byNetwork = map[string]Transport{
		"udp": tl.udp,
		"tcp": tl.tcp,
		"tls": tl.tls,
		"ws":  tl.ws,
		"wss": tl.wss,
	}

	return tl
}

// OnMessage registers h to receive every message demultiplexed off any
// transport. Handlers run in registration order; each one sees every
// inbound message regardless of what earlier handlers did with it.
func (tl *Layer) OnMessage(h sip.MessageHandler) {
	tl.handlers = append(tl.handlers, h)
}

// dispatch fans an inbound, already-parsed message out to every handler.
// Per RFC 3261 §18.1.2, the transport layer does not itself decide whether
// a response belongs to a pending transaction — that judgment belongs to
// the transaction layer, one of the registered handlers.
func (tl *Layer) dispatch(msg sip.Message) {
	for _, h := range tl.handlers {
		h(msg)
	}
}

// ServeUDP listens for inbound datagrams on an already-bound PacketConn.
func (tl *Layer) ServeUDP(c net.PacketConn) error {
	_, port, err := sip.ParseAddr(c.LocalAddr().String())
	if err != nil {
		return err
	}
	tl.rememberListenPort("udp", port)
	return tl.udp.Serve(c, tl.dispatch)
}

// ServeTCP accepts connections on an already-bound Listener.
func (tl *Layer) ServeTCP(c net.Listener) error {
	_, port, err := sip.ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	tl.rememberListenPort("tcp", port)
	return tl.tcp.Serve(c, tl.dispatch)
}

// ServeWS accepts WebSocket upgrades on an already-bound Listener.
func (tl *Layer) ServeWS(c net.Listener) error {
	_, port, err := sip.ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	tl.rememberListenPort("ws", port)
	return tl.ws.Serve(c, tl.dispatch)
}

// ServeTLS accepts TLS connections on an already-bound Listener.
func (tl *Layer) ServeTLS(c net.Listener) error {
	_, port, err := sip.ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	tl.rememberListenPort("tls", port)
	return tl.tls.Serve(c, tl.dispatch)
}

// ServeWSS accepts secure WebSocket upgrades on an already-bound Listener.
func (tl *Layer) ServeWSS(c net.Listener) error {
	_, port, err := sip.ParseAddr(c.Addr().String())
	if err != nil {
		return err
	}
	tl.rememberListenPort("wss", port)
	return tl.wss.Serve(c, tl.dispatch)
}

// ListenAndServe binds addr on network ("udp", "tcp", or "ws") and blocks
// serving it until ctx is cancelled or a fatal accept error occurs.
func (tl *Layer) ListenAndServe(ctx context.Context, network string, addr string) error {
	network = strings.ToLower(network)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closer io.Closer
	stopOnCancel := func() {
		go func() {
			<-ctx.Done()
			if closer == nil {
				return
			}
			if err := closer.Close(); err != nil {
				tl.log.Error().Err(err).Str("network", network).Msg("failed to close listener")
			}
		}()
	}
	stopOnCancel()

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
		return tl.ServeUDP(conn)

	case "tcp", "ws":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("resolve tcp listen address %q: %w", addr, err)
		}
		conn, err := net.ListenTCP("tcp", laddr)
		if err != nil {
			return fmt.Errorf("listen tcp on %q: %w", addr, err)
		}
		closer = conn
		if network == "ws" {
			return tl.ServeWS(conn)
		}
		return tl.ServeTCP(conn)
	}
	return ErrNetworkNotSupported
}

// ListenAndServeTLS is ListenAndServe's secure-transport counterpart for
// network "tcp"/"tls" (Via token TLS) or "wss" (Via token WSS).
func (tl *Layer) ListenAndServeTLS(ctx context.Context, network string, addr string, conf *tls.Config) error {
	network = strings.ToLower(network)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var closer io.Closer
	go func() {
		<-ctx.Done()
		if closer == nil {
			return
		}
		if err := closer.Close(); err != nil {
			tl.log.Error().Err(err).Str("network", network).Msg("failed to close tls listener")
		}
	}()

	switch network {
	case "tls", "tcp", "wss":
		laddr, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return fmt.Errorf("resolve tls listen address %q: %w", addr, err)
		}
		listener, err := tls.Listen("tcp", laddr.String(), conf)
		if err != nil {
			return fmt.Errorf("listen tls on %q: %w", addr, err)
		}
		closer = listener
		if network == "wss" {
			return tl.ServeWSS(listener)
		}
		return tl.ServeTLS(listener)
	}
	return ErrNetworkNotSupported
}

// GetListenPort returns a port this Layer is listening on for network, or 0
// if it has none (used to fill in Record-Route/Via host ports for requests
// this process originates as a proxy hop).
func (tl *Layer) GetListenPort(network string) int {
	tl.listenPortsMu.Lock()
	defer tl.listenPortsMu.Unlock()
	ports := tl.listenPorts[NetworkToLower(network)]
	if len(ports) == 0 {
		return 0
	}
	return ports[0]
}

func (tl *Layer) rememberListenPort(network string, port int) {
	tl.listenPortsMu.Lock()
	defer tl.listenPortsMu.Unlock()
	for _, p := range tl.listenPorts[network] {
		if p == port {
			return
		}
	}
	tl.listenPorts[network] = append(tl.listenPorts[network], port)
}

// WriteMsg sends msg to the peer address and network its own headers
// describe (msg.Destination() / msg.Transport()).
func (tl *Layer) WriteMsg(msg sip.Message) error {
	return tl.WriteMsgTo(msg, msg.Destination(), msg.Transport())
}

// WriteMsgTo sends msg to addr over network, picking (or, for requests,
// creating) the connection per RFC 3261 §18.1.1/§18.2.2. A request that
// has no open connection to its destination dials one; a response always
// reuses the connection its request arrived on, which must already be in
// the pool.
func (tl *Layer) WriteMsgTo(msg sip.Message, addr string, network string) error {
	var conn Connection
	var err error

	switch m := msg.(type) {
	case *sip.Request:
		conn, err = tl.ClientRequestConnection(context.Background(), m)
		if err != nil {
			return err
		}
		// Reference counting keeps a reused connection alive until every
		// caller holding it has released it.
		defer conn.TryClose()

	case *sip.Response:
		conn, err = tl.GetConnection(network, addr)
		if err != nil {
			return err
		}
	}

	return conn.WriteMsg(msg)
}

// ClientRequestConnection resolves req's destination (including an SRV
// lookup when the host is a name, not a literal IP), fills in the Via
// sent-by port from a listening port if the request left it unset, and
// returns a pooled connection when ConnectionReuse allows reuse, dialing a
// fresh one otherwise. Grounded on RFC 3261 §18.1.1.
func (tl *Layer) ClientRequestConnection(ctx context.Context, req *sip.Request) (Connection, error) {
	network := NetworkToLower(req.Transport())
	addr := req.Destination()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("split request destination %q: %w", addr, err)
	}

	if net.ParseIP(host) == nil {
		if _, srvs, err := tl.dnsResolver.LookupSRV(ctx, "sip", network, host); err == nil && len(srvs) > 0 {
			target := srvs[0]
			addr = strings.TrimSuffix(target.Target, ".") + ":" + strconv.Itoa(int(target.Port))
		}
	}

	viaHop := req.Via()
	if viaHop == nil {
		return nil, fmt.Errorf("request %s has no Via header", req.Method)
	}
	if viaHop.Port <= 0 {
		if ports, ok := tl.listenPorts[network]; ok && len(ports) > 0 {
			viaHop.Port = ports[rand.Intn(len(ports))]
		} else {
			viaHop.Port = int(sip.DefaultPort(network))
		}
	}

	if tl.ConnectionReuse {
		viaHop.Params.Add("alias", "")
		if c, _ := tl.getConnection(network, addr); c != nil {
			tl.log.Debug().Str("method", req.Method.String()).Str("network", network).Msg("reusing pooled connection")
			c.Ref(1)
			return c, nil
		}
	}

	return tl.createConnection(network, addr)
}

// GetConnection returns the pooled connection to addr over network, or an
// error if none is open.
func (tl *Layer) GetConnection(network, addr string) (Connection, error) {
	return tl.getConnection(NetworkToLower(network), addr)
}

// CreateConnection dials a fresh connection to addr over network,
// registering it in that transport's pool.
func (tl *Layer) CreateConnection(network, addr string) (Connection, error) {
	return tl.createConnection(NetworkToLower(network), addr)
}

func (tl *Layer) getConnection(network, addr string) (Connection, error) {
	t, ok := tl.byNetwork[network]
	if !ok {
		return nil, fmt.Errorf("transport %q is not registered: %w", network, ErrNetworkNotSupported)
	}
	c, err := t.GetConnection(addr)
	if err == nil && c == nil {
		return nil, fmt.Errorf("no open connection to %q over %s", addr, network)
	}
	return c, err
}

func (tl *Layer) createConnection(network, addr string) (Connection, error) {
	t, ok := tl.byNetwork[network]
	if !ok {
		return nil, fmt.Errorf("transport %q is not registered: %w", network, ErrNetworkNotSupported)
	}

	host, port, err := sip.ParseAddr(addr)
	if err != nil {
		return nil, fmt.Errorf("parse destination %q: %w", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := tl.dnsResolver.LookupIP(context.Background(), "ip", host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("resolve host %q: %w", host, err)
		}
		ip = ips[0]
	}

	// A connection dialed with no handler registered for its inbound
	// messages would silently swallow everything it reads back; dispatch
	// is always wired here so that never happens.
	return t.CreateConnection(context.Background(), sip.Addr{}, sip.Addr{IP: ip, Port: port, Hostname: host}, tl.dispatch)
}

// Close shuts down every registered transport, returning the last error
// encountered (each transport still gets a Close attempt regardless).
func (tl *Layer) Close() error {
	var lastErr error
	for _, t := range tl.byNetwork {
		if err := t.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// IsReliable is sip.IsReliable, re-exported here since the transaction
// layer already imports this package for everything else transport-related.
func IsReliable(network string) bool { return sip.IsReliable(network) }

// IsStreamed reports whether network delivers bytes without message
// boundaries, requiring the Content-Length-driven reassembly in
// parser.ParserStream rather than one-datagram-one-message framing. This
// is a stronger condition than IsReliable: WS/WSS are reliable (they ride
// on TCP/TLS) but frame messages themselves, so they need no additional
// reassembly.
func IsStreamed(network string) bool {
	switch sip.NetworkToLower(network) {
	case "tcp", "tls":
		return true
	default:
		return false
	}
}

// NetworkToLower is sip.NetworkToLower, re-exported for existing callers
// within this package.
func NetworkToLower(network string) string { return sip.NetworkToLower(network) }
