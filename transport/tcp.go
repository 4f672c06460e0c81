package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/eyepea/gosip/parser"
	"github.com/eyepea/gosip/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// TCPTransport is the stream member of Layer's transport set: unlike UDP,
// a socket here belongs to exactly one peer, so every accepted or dialed
// connection gets its own reassembly buffer (parser.ParserStream) to
// recover message boundaries TCP itself does not preserve.
type TCPTransport struct {
	transport string
	parser    *parser.Parser
	log       zerolog.Logger

	pool ConnectionPool
}

func NewTCPTransport(par *parser.Parser) *TCPTransport {
	t := &TCPTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: TransportTCP,
	}
	t.log = log.Logger.With().Str("caller", "transport<TCP>").Logger()
	return t
}

func (t *TCPTransport) String() string { return "transport<TCP>" }

func (t *TCPTransport) Network() string { return t.transport }

func (t *TCPTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve accepts connections on l until Accept returns an error (typically
// because l was closed).
func (t *TCPTransport) Serve(l net.Listener, handler sip.MessageHandler) error {
	t.log.Debug().Str("network", t.Network()).Str("addr", l.Addr().String()).Msg("listening")
	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Debug().Err(err).Msg("failed to accept connection")
			return err
		}
		t.initConnection(conn, conn.RemoteAddr().String(), handler)
	}
}

func (t *TCPTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return t.pool.Get(raddr.String()), nil
}

func (t *TCPTransport) CreateConnection(ctx context.Context, laddr sip.Addr, raddr sip.Addr, handler sip.MessageHandler) (Connection, error) {
	var tladdr *net.TCPAddr
	if laddr.IP != nil {
		tladdr = &net.TCPAddr{IP: laddr.IP, Port: laddr.Port}
	}
	traddr := &net.TCPAddr{IP: raddr.IP, Port: raddr.Port}
	return t.dialTCP(ctx, tladdr, traddr, handler)
}

func (t *TCPTransport) dialTCP(ctx context.Context, laddr *net.TCPAddr, raddr *net.TCPAddr, handler sip.MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("dialing new connection")

	conn, err := (&net.Dialer{LocalAddr: laddr}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}

	return t.initConnection(conn, addr, handler), nil
}

func (t *TCPTransport) initConnection(conn net.Conn, addr string, handler sip.MessageHandler) Connection {
	t.log.Debug().Str("raddr", addr).Msg("new connection")
	c := &TCPConnection{
		Conn:     conn,
		refcount: 1 + IdleConnection,
	}
	t.pool.Add(addr, c)
	go t.readConnection(c, addr, handler)
	return c
}

func (t *TCPTransport) readConnection(conn *TCPConnection, raddr string, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)
	defer t.pool.CloseAndDelete(conn, raddr)

	stream := t.parser.NewSIPStream()

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
				t.log.Debug().Err(err).Str("raddr", raddr).Msg("connection closed")
				return
			}
			t.log.Error().Err(err).Str("raddr", raddr).Msg("read error")
			return
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}
		if isKeepAlive(data) {
			t.log.Debug().Str("raddr", raddr).Msg("keep-alive CRLF received")
			continue
		}

		t.decodeAndDispatch(stream, data, raddr, handler)
	}
}

func (t *TCPTransport) decodeAndDispatch(stream *parser.ParserStream, data []byte, src string, handler sip.MessageHandler) {
	msg, err := stream.ParseSIPStream(data)
	if err == parser.ErrParseSipPartial {
		return
	}
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}

	msg.SetTransport(t.Network())
	msg.SetSource(src)
	handler(msg)
}

// TCPConnection ref-counts a net.Conn shared between the transaction that
// dialed it and whatever later reuses it for an in-dialog request.
type TCPConnection struct {
	net.Conn

	mu       sync.RWMutex
	refcount int
}

func (c *TCPConnection) Ref(i int) {
	c.mu.Lock()
	c.refcount += i
	c.mu.Unlock()
}

func (c *TCPConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *TCPConnection) TryClose() (int, error) {
	c.mu.Lock()
	c.refcount--
	ref := c.refcount
	c.mu.Unlock()

	switch {
	case ref > 0:
		return ref, nil
	case ref < 0:
		log.Warn().Str("peer", c.RemoteAddr().String()).Int("ref", ref).Msg("connection reference went negative")
		return 0, nil
	default:
		return 0, c.Conn.Close()
	}
}

func (c *TCPConnection) WriteMsg(msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	n, err := c.Write(data)
	if err != nil {
		return fmt.Errorf("tcp conn %s write: %w", c.RemoteAddr(), err)
	}
	if n != len(data) {
		return fmt.Errorf("tcp conn %s: short write (%d of %d bytes)", c.RemoteAddr(), n, len(data))
	}
	return nil
}
