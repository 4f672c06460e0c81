package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/eyepea/gosip/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// UDPReadWorkers controls how many goroutines read a single listening
	// socket. UDP has no per-peer ordering to preserve, so raising it adds
	// throughput at the cost of reordering within a burst; 1 keeps the
	// common case simple.
	UDPReadWorkers int = 1

	UDPMTUSize = 1500

	ErrUDPMTUCongestion = errors.New("transport: message exceeds UDP MTU")
)

// UDPTransport is the connectionless member of Layer's transport set: a
// single bound socket serves every peer, so "connections" in its pool are
// really just (peer address, shared socket) pairs kept around so
// ClientRequestConnection can report them as reusable per RFC 3261 §18.1.1.
type UDPTransport struct {
	parser sip.Parser

	pool      ConnectionPool
	listeners []*UDPConnection

	log zerolog.Logger
}

func NewUDPTransport(p sip.Parser) *UDPTransport {
	t := &UDPTransport{
		parser: p,
		pool:   NewConnectionPool(),
	}
	t.log = log.Logger.With().Str("transport", "udp").Logger()
	return t
}

func (t *UDPTransport) String() string { return "transport<UDP>" }

func (t *UDPTransport) Network() string { return TransportUDP }

func (t *UDPTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve starts UDPReadWorkers goroutines reading conn; every datagram they
// read is decoded and handed to handler.
func (t *UDPTransport) Serve(conn net.PacketConn, handler sip.MessageHandler) error {
	t.log.Debug().Str("local", conn.LocalAddr().String()).Msg("listening")

	c := &UDPConnection{PacketConn: conn, PacketAddr: conn.LocalAddr().String()}
	t.listeners = append(t.listeners, c)

	for i := 0; i < UDPReadWorkers-1; i++ {
		go t.readListener(c, handler)
	}
	t.readListener(c, handler)
	return nil
}

func (t *UDPTransport) ResolveAddr(addr string) (net.Addr, error) {
	return net.ResolveUDPAddr("udp", addr)
}

// GetConnection returns the listening socket itself when addr is a local
// listen address, otherwise a previously dialed client-mode connection.
func (t *UDPTransport) GetConnection(addr string) (Connection, error) {
	for _, l := range t.listeners {
		if l.PacketAddr == addr {
			return l, nil
		}
	}
	return t.pool.Get(addr), nil
}

// CreateConnection dials a connected UDP socket to raddr. Using a connected
// socket (rather than WriteTo off the listening socket) is what lets the
// kernel reject spoofed replies and what readConnectedConnection needs to
// attribute reads to one peer.
func (t *UDPTransport) CreateConnection(ctx context.Context, laddr sip.Addr, raddr sip.Addr, handler sip.MessageHandler) (Connection, error) {
	var localAddr *net.UDPAddr
	if laddr.IP != nil {
		localAddr = &net.UDPAddr{IP: laddr.IP, Port: laddr.Port}
	}
	remoteAddr := &net.UDPAddr{IP: raddr.IP, Port: raddr.Port}

	d := net.Dialer{LocalAddr: localAddr}
	udpConn, err := d.DialContext(ctx, "udp", remoteAddr.String())
	if err != nil {
		return nil, err
	}

	c := &UDPConnection{
		Conn:     udpConn,
		refcount: 1 + IdleConnection,
	}

	addr := remoteAddr.String()
	t.log.Debug().Str("remote", addr).Msg("dialed new connection")
	t.pool.Add(addr, c)
	go t.readConnectedConnection(c, handler)
	return c, nil
}

// readListener reads off the shared listening socket. Every source address
// seen is (re)registered in the pool so ClientRequestConnection's reuse
// path finds it without a dedicated per-peer dial; readConnectedConnection
// below is the other way a peer enters the pool, for sockets this
// transport dialed itself.
func (t *UDPTransport) readListener(conn *UDPConnection, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	defer conn.Close()

	var lastPeer string
	for {
		num, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				t.log.Debug().Msg("listener closed")
				return
			}
			t.log.Error().Err(err).Msg("read error")
			return
		}

		data := buf[:num]
		if isKeepAlive(data) {
			continue
		}

		peerAddr := peer.String()
		if lastPeer != peerAddr {
			t.pool.Add(peerAddr, conn)
		}
		t.decodeAndDispatch(data, peerAddr, handler)
		lastPeer = peerAddr
	}
}

func (t *UDPTransport) readConnectedConnection(conn *UDPConnection, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	peerAddr := conn.Conn.RemoteAddr().String()
	defer t.pool.CloseAndDelete(conn, peerAddr)

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Str("peer", peerAddr).Msg("connection closed")
				return
			}
			t.log.Error().Err(err).Str("peer", peerAddr).Msg("read error")
			return
		}

		data := buf[:num]
		if isKeepAlive(data) {
			continue
		}
		t.decodeAndDispatch(data, peerAddr, handler)
	}
}

func isKeepAlive(data []byte) bool {
	// RFC 5626 §4.4: a client may probe NAT bindings with a bare CRLF
	// (or CRLFCRLF) double-CRLF datagram; that is not a SIP message.
	return len(data) <= 4 && len(bytes.Trim(data, "\r\n")) == 0
}

func (t *UDPTransport) decodeAndDispatch(data []byte, src string, handler sip.MessageHandler) {
	msg, err := t.parser.Parse(data)
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse datagram")
		return
	}
	msg.SetTransport(TransportUDP)
	msg.SetSource(src)
	handler(msg)
}

// UDPConnection adapts either a bound listening socket (PacketConn) or a
// dialed, connected socket (Conn) to the Connection interface. Exactly one
// of the two is set depending on how it was constructed.
type UDPConnection struct {
	PacketConn net.PacketConn
	PacketAddr string

	Conn net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *UDPConnection) LocalAddr() net.Addr {
	if c.Conn != nil {
		return c.Conn.LocalAddr()
	}
	return c.PacketConn.LocalAddr()
}

func (c *UDPConnection) Ref(i int) {
	// The shared listening socket (Conn == nil) has no lifecycle of its
	// own to ref-count; only dialed, connected sockets do.
	if c.Conn == nil {
		return
	}
	c.mu.Lock()
	c.refcount += i
	c.mu.Unlock()
}

func (c *UDPConnection) Close() error {
	if c.Conn == nil {
		return nil
	}
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *UDPConnection) TryClose() (int, error) {
	if c.Conn == nil {
		return 0, nil
	}

	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()

	if ref > 0 {
		return ref, nil
	}
	if ref < 0 {
		log.Warn().Str("peer", c.Conn.RemoteAddr().String()).Int("ref", ref).Msg("connection reference went negative")
		return 0, nil
	}
	return 0, c.Conn.Close()
}

func (c *UDPConnection) Read(b []byte) (int, error) {
	return c.Conn.Read(b)
}

func (c *UDPConnection) Write(b []byte) (int, error) {
	return c.Conn.Write(b)
}

func (c *UDPConnection) ReadFrom(b []byte) (int, net.Addr, error) {
	return c.PacketConn.ReadFrom(b)
}

func (c *UDPConnection) WriteTo(b []byte, addr net.Addr) (int, error) {
	return c.PacketConn.WriteTo(b, addr)
}

func (c *UDPConnection) WriteMsg(msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	if len(data) > UDPMTUSize-200 {
		return ErrUDPMTUCongestion
	}

	var n int
	var err error
	if c.Conn != nil {
		n, err = c.Write(data)
		if err != nil {
			return fmt.Errorf("udp conn %s write: %w", c.Conn.LocalAddr(), err)
		}
	} else {
		host, port, err := sip.ParseAddr(msg.Destination())
		if err != nil {
			return err
		}
		n, err = c.WriteTo(data, &net.UDPAddr{IP: net.ParseIP(host), Port: port})
		if err != nil {
			return fmt.Errorf("udp listener %s write: %w", c.PacketConn.LocalAddr(), err)
		}
	}

	if n != len(data) {
		return fmt.Errorf("udp write: short write (%d of %d bytes)", n, len(data))
	}
	return nil
}
