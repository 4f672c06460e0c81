package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/eyepea/gosip/sip"

	"github.com/rs/zerolog/log"
)

// WSSTransport is WSTransport with the dial side wrapped in TLS, the same
// relationship TLSTransport has to TCPTransport.
type WSSTransport struct {
	*WSTransport
}

// NewWSSTransport wraps a WSTransport, using dialTLSConf (nil for Go's
// default settings) to dial outbound secure WebSocket connections.
func NewWSSTransport(par sip.Parser, dialTLSConf *tls.Config) *WSSTransport {
	ws := NewWSTransport(par)
	ws.transport = TransportWSS
	t := &WSSTransport{WSTransport: ws}
	t.dialer.TLSConfig = dialTLSConf
	t.log = log.Logger.With().Str("caller", "transport<WSS>").Logger()
	return t
}

func (t *WSSTransport) String() string { return "transport<WSS>" }

func (t *WSSTransport) CreateConnection(ctx context.Context, laddr sip.Addr, raddr sip.Addr, handler sip.MessageHandler) (Connection, error) {
	addr := (&net.TCPAddr{IP: raddr.IP, Port: raddr.Port}).String()
	return t.dialWSS(ctx, addr, handler)
}

func (t *WSSTransport) dialWSS(ctx context.Context, addr string, handler sip.MessageHandler) (Connection, error) {
	t.log.Debug().Str("raddr", addr).Msg("dialing new WSS connection")

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, _, err := t.dialer.Dial(ctx, "wss://"+addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}

	return t.initConnection(conn, addr, true, handler), nil
}
