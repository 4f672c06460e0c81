package transport

import (
	"context"

	"github.com/eyepea/gosip/sip"
)

// IdleConnection controls how many extra references a freshly dialed
// connection starts with, which decides whether it outlives the
// transaction that dialed it:
//
//	-1 closes after a single request or response
//	 0 closes when the dialing transaction terminates
//	 1 stays idle for reuse after the transaction terminates
var IdleConnection int = 1

const (
	// Transport tokens as they appear on the wire (Via, SIP-URI transport
	// param), kept uppercase per RFC 3261's convention for the values
	// sip.Message setters/getters carry.
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"

	transportBufferSize uint16 = 65535
)

// Transport is the per-scheme member Layer multiplexes over (udp, tcp, tls,
// ws, wss). Listening is scheme-specific — UDP reads datagrams off a
// net.PacketConn, the rest accept connections off a net.Listener — so Serve
// is not part of this interface; Layer's ServeUDP/ServeTCP/... wrappers
// call the concrete type's Serve directly. What every transport shares is
// dialing and addressing a peer and reporting/closing its own pool.
type Transport interface {
	Network() string
	String() string
	Close() error
	GetConnection(addr string) (Connection, error)
	CreateConnection(ctx context.Context, laddr sip.Addr, raddr sip.Addr, handler sip.MessageHandler) (Connection, error)
}
