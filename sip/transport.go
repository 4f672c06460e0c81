package sip

import (
	"net"
	"strconv"
	"strings"
)

const (
	// Transport for different sip messages. GO uses lowercase, but for message parsing, we should
	// use this constants for setting message Transport
	TransportUDP = "UDP"
	TransportTCP = "TCP"
	TransportTLS = "TLS"
	TransportWS  = "WS"
	TransportWSS = "WSS"

	transportBufferSize uint16 = 65535

	// TransportFixedLengthMessage sets message size limit for parsing and avoids stream parsing
	TransportFixedLengthMessage uint16 = 0
)

// Parser decodes a complete, already-framed SIP message. The transport
// package depends only on this interface, not on package parser directly,
// so a transport can be tested against a stub decoder.
type Parser interface {
	Parse(data []byte) (Message, error)
}

type Addr struct {
	IP   net.IP // Must be in IP format
	Port int
	// Hostname preserves the original unresolved host, when known, so
	// callers building responses can report it without a reverse lookup.
	Hostname string
}

// Copy writes a's fields into dst, duplicating the IP bytes so the two
// addresses never alias one underlying slice.
func (a *Addr) Copy(dst *Addr) {
	dst.Port = a.Port
	dst.Hostname = a.Hostname
	if a.IP != nil {
		dst.IP = make(net.IP, len(a.IP))
		copy(dst.IP, a.IP)
	}
}

func (a *Addr) String() string {
	host := a.Hostname
	if host == "" && a.IP != nil {
		host = a.IP.String()
	}
	return net.JoinHostPort(host, strconv.Itoa(a.Port))
}

func ParseAddr(addr string) (host string, port int, err error) {
	host, pstr, err := net.SplitHostPort(addr)
	if err != nil {
		return host, port, err
	}

	// In case we are dealing with some named ports this should be called
	// net.LookupPort(network)

	port, err = strconv.Atoi(pstr)
	return host, port, err
}

// IsReliable reports whether network guarantees in-order, lossless
// delivery (TCP/TLS), which governs whether the transaction layer arms
// retransmission timers at all (RFC 3261 §17.1.1.1/§17.1.2.1 only apply
// those timers over unreliable transports).
func IsReliable(network string) bool {
	switch NetworkToLower(network) {
	case "tcp", "tls", "ws", "wss":
		return true
	default:
		return false
	}
}

// NetworkToLower lowercases the common SIP transport tokens without
// allocating for the handful of spellings actually seen on the wire.
func NetworkToLower(network string) string {
	switch network {
	case "UDP":
		return "udp"
	case "TCP":
		return "tcp"
	case "TLS":
		return "tls"
	case "WS":
		return "ws"
	case "WSS":
		return "wss"
	default:
		return ASCIIToLower(network)
	}
}

// DefaultProtocol is assumed when a message carries no explicit transport.
const DefaultProtocol = TransportUDP

// DefaultPort returns the conventional port for a SIP transport name.
func DefaultPort(transport string) uint16 {
	switch strings.ToUpper(transport) {
	case TransportTLS, TransportWSS:
		return 5061
	default:
		return 5060
	}
}
