package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/eyepea/gosip/parser"
	"github.com/eyepea/gosip/sip"

	"github.com/rs/zerolog/log"
)

// TLSTransport is TCPTransport with the dial side wrapped in a TLS
// handshake; accepting connections is unchanged since ListenAndServeTLS
// already hands it a *tls.Listener that terminates TLS before Accept
// returns.
type TLSTransport struct {
	*TCPTransport

	dialTLSConf *tls.Config
}

// NewTLSTransport wraps a TCPTransport, using dialTLSConf (nil for Go's
// default settings) when dialing outbound TLS connections.
func NewTLSTransport(par *parser.Parser, dialTLSConf *tls.Config) *TLSTransport {
	tcp := NewTCPTransport(par)
	tcp.transport = TransportTLS
	t := &TLSTransport{
		TCPTransport: tcp,
		dialTLSConf:  dialTLSConf,
	}
	t.log = log.Logger.With().Str("caller", "transport<TLS>").Logger()
	return t
}

func (t *TLSTransport) String() string {
	return "transport<TLS>"
}

func (t *TLSTransport) CreateConnection(ctx context.Context, laddr sip.Addr, raddr sip.Addr, handler sip.MessageHandler) (Connection, error) {
	var tladdr *net.TCPAddr
	if laddr.IP != nil {
		tladdr = &net.TCPAddr{IP: laddr.IP, Port: laddr.Port}
	}
	traddr := &net.TCPAddr{IP: raddr.IP, Port: raddr.Port}
	return t.dialTLS(ctx, tladdr, traddr, handler)
}

func (t *TLSTransport) dialTLS(ctx context.Context, laddr *net.TCPAddr, raddr *net.TCPAddr, handler sip.MessageHandler) (Connection, error) {
	addr := raddr.String()
	t.log.Debug().Str("raddr", addr).Msg("dialing new TLS connection")

	dialer := tls.Dialer{
		NetDialer: &net.Dialer{LocalAddr: laddr},
		Config:    t.dialTLSConf,
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%s dial: %w", t, err)
	}

	return t.initConnection(conn, addr, handler), nil
}
