package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/eyepea/gosip/sip"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WebSocketProtocols is advertised in the WS upgrade handshake (RFC 6455
// Sec-WebSocket-Protocol). SIP over WebSocket (RFC 7118) requires "sip".
var WebSocketProtocols = []string{"sip"}

// WSTransport frames SIP messages inside WebSocket text frames (RFC 7118)
// instead of writing them straight to the socket the way TCP does; framing
// is handled by WSConnection.Read/Write, everything else mirrors TCP's
// per-peer pooled-connection model.
type WSTransport struct {
	parser    sip.Parser
	log       zerolog.Logger
	transport string

	pool   ConnectionPool
	dialer ws.Dialer
}

func NewWSTransport(par sip.Parser) *WSTransport {
	t := &WSTransport{
		parser:    par,
		pool:      NewConnectionPool(),
		transport: TransportWS,
		dialer:    ws.DefaultDialer,
	}
	t.dialer.Protocols = WebSocketProtocols
	t.log = log.Logger.With().Str("caller", "transport<WS>").Logger()
	return t
}

func (t *WSTransport) String() string { return "transport<WS>" }

func (t *WSTransport) Network() string { return t.transport }

func (t *WSTransport) Close() error {
	t.pool.Clear()
	return nil
}

// Serve accepts TCP connections on l and upgrades each to a WebSocket
// session before handing it to the shared per-connection read loop.
func (t *WSTransport) Serve(l net.Listener, handler sip.MessageHandler) error {
	t.log.Debug().Str("network", t.Network()).Str("addr", l.Addr().String()).Msg("listening")

	header := ws.HandshakeHeaderHTTP(http.Header{"Sec-WebSocket-Protocol": WebSocketProtocols})
	u := ws.Upgrader{
		OnBeforeUpgrade: func() (ws.HandshakeHeader, error) { return header, nil },
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			t.log.Error().Err(err).Msg("failed to accept connection")
			return err
		}

		raddr := conn.RemoteAddr().String()
		if _, err := u.Upgrade(conn); err != nil {
			t.log.Error().Err(err).Str("raddr", raddr).Msg("WebSocket upgrade failed")
			conn.Close()
			continue
		}

		t.initConnection(conn, raddr, false, handler)
	}
}

func (t *WSTransport) initConnection(conn net.Conn, addr string, clientSide bool, handler sip.MessageHandler) Connection {
	t.log.Debug().Str("raddr", addr).Msg("new WS connection")
	c := &WSConnection{
		Conn:       conn,
		refcount:   1,
		clientSide: clientSide,
	}
	t.pool.Add(addr, c)
	go t.readConnection(c, addr, handler)
	return c
}

func (t *WSTransport) readConnection(conn *WSConnection, raddr string, handler sip.MessageHandler) {
	buf := make([]byte, transportBufferSize)

	defer func() {
		if ref, _ := conn.TryClose(); ref > 0 {
			return
		}
		t.pool.Del(raddr)
	}()

	for {
		num, err := conn.Read(buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				t.log.Debug().Err(err).Str("raddr", raddr).Msg("connection closed")
				return
			}
			t.log.Error().Err(err).Str("raddr", raddr).Msg("read error")
			return
		}

		if num == 0 {
			continue
		}

		data := buf[:num]
		if len(bytes.Trim(data, "\x00")) == 0 {
			continue
		}

		t.decodeAndDispatch(data, raddr, handler)
	}
}

func (t *WSTransport) decodeAndDispatch(data []byte, src string, handler sip.MessageHandler) {
	if isKeepAlive(data) {
		return
	}

	msg, err := t.parser.Parse(data)
	if err != nil {
		t.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse")
		return
	}

	msg.SetTransport(t.transport)
	msg.SetSource(src)
	handler(msg)
}

func (t *WSTransport) GetConnection(addr string) (Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	return t.pool.Get(raddr.String()), nil
}

func (t *WSTransport) CreateConnection(ctx context.Context, laddr sip.Addr, raddr sip.Addr, handler sip.MessageHandler) (Connection, error) {
	addr := (&net.TCPAddr{IP: raddr.IP, Port: raddr.Port}).String()
	return t.dialWS(ctx, addr, handler)
}

func (t *WSTransport) dialWS(ctx context.Context, addr string, handler sip.MessageHandler) (Connection, error) {
	t.log.Debug().Str("raddr", addr).Msg("dialing new WS connection")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, _, err := t.dialer.Dial(ctx, "ws://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}

	return t.initConnection(conn, addr, true, handler), nil
}

// WSConnection reframes a raw net.Conn into WebSocket text frames (RFC
// 6455) on read and write; clientSide governs whether outbound frames are
// masked, which the protocol requires only from the client-opened side.
type WSConnection struct {
	net.Conn

	clientSide bool
	mu         sync.RWMutex
	refcount   int
}

func (c *WSConnection) Ref(i int) {
	c.mu.Lock()
	c.refcount += i
	c.mu.Unlock()
}

func (c *WSConnection) Close() error {
	c.mu.Lock()
	c.refcount = 0
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *WSConnection) TryClose() (int, error) {
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

func (c *WSConnection) Read(b []byte) (n int, err error) {
	state := ws.StateServerSide
	if c.clientSide {
		state = ws.StateClientSide
	}
	reader := wsutil.NewReader(c.Conn, state)

	for {
		header, err := reader.NextFrame()
		if err != nil {
			if errors.Is(err, io.EOF) && n > 0 {
				return n, nil
			}
			return n, err
		}

		if header.OpCode == ws.OpClose {
			return n, net.ErrClosed
		}

		data := make([]byte, header.Length)
		if _, err := io.ReadFull(c.Conn, data); err != nil {
			return n, err
		}
		if header.Masked {
			ws.Cipher(data, header.Mask, 0)
		}
		n += copy(b[n:], data)

		if header.Fin {
			break
		}
	}

	return n, nil
}

func (c *WSConnection) Write(b []byte) (int, error) {
	frame := ws.NewFrame(ws.OpText, true, b)
	if c.clientSide {
		frame = ws.MaskFrameInPlace(frame)
	}
	if err := ws.WriteFrame(c.Conn, frame); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *WSConnection) WriteMsg(msg sip.Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()
	msg.StringWrite(buf)
	data := buf.Bytes()

	n, err := c.Write(data)
	if err != nil {
		return fmt.Errorf("ws conn %s write: %w", c.RemoteAddr(), err)
	}
	if n != len(data) {
		return fmt.Errorf("ws conn %s: short write (%d of %d bytes)", c.RemoteAddr(), n, len(data))
	}
	return nil
}
