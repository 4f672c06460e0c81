package ua

import (
	"context"
	"crypto/tls"
	"net"
	"strings"

	"github.com/eyepea/gosip/parser"
	"github.com/eyepea/gosip/sip"
	"github.com/eyepea/gosip/transaction"
	"github.com/eyepea/gosip/transport"
)

// UserAgent bundles the transport and transaction layers behind the single
// local identity (name, host, listening IP) both UAC and UAS requests are
// built against; Server and Client each embed one.
type UserAgent struct {
	name string
	ip   net.IP
	host string
	port int

	dnsResolver *net.Resolver
	sipParser   *parser.Parser
	tlsConfig   *tls.Config

	tp *transport.Layer
	tx *transaction.Layer
}

type UserAgentOption func(s *UserAgent) error

func WithUserAgent(ua string) UserAgentOption {
	return func(s *UserAgent) error {
		s.name = ua
		return nil
	}
}

func WithIP(ip string) UserAgentOption {
	return func(s *UserAgent) error {
		host, _, err := net.SplitHostPort(ip)
		if err != nil {
			return err
		}
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return err
		}
		return s.setIP(addr.IP)
	}
}

func WithDNSResolver(r *net.Resolver) UserAgentOption {
	return func(s *UserAgent) error {
		s.dnsResolver = r
		return nil
	}
}

// WithTLSConfig sets the *tls.Config used when dialing/listening on the
// tls/wss transports. Unset, the tls/wss transports fall back to Go's
// default TLS settings.
func WithTLSConfig(conf *tls.Config) UserAgentOption {
	return func(s *UserAgent) error {
		s.tlsConfig = conf
		return nil
	}
}

// WithParser overrides the default parser.NewParser() instance, letting
// callers install a custom header parser map (parser.DefaultHeadersParser
// plus extensions) before any transport is constructed.
func WithParser(p *parser.Parser) UserAgentOption {
	return func(s *UserAgent) error {
		s.sipParser = p
		return nil
	}
}

func WithUDPDNSResolver(dns string) ServerOption {
	return func(s *Server) error {
		s.dnsResolver = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{}
				return d.DialContext(ctx, "udp", dns)
			},
		}
		return nil
	}
}

func NewUA(options ...UserAgentOption) (*UserAgent, error) {
	s := &UserAgent{}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	if s.ip == nil {
		v, err := sip.ResolveSelfIP()
		if err != nil {
			return nil, err
		}
		if err := s.setIP(v); err != nil {
			return nil, err
		}
	}

	if s.dnsResolver == nil {
		s.dnsResolver = net.DefaultResolver
	}
	if s.sipParser == nil {
		s.sipParser = parser.NewParser()
	}

	s.tp = transport.NewLayer(s.dnsResolver, s.sipParser, s.tlsConfig)
	s.tx = transaction.NewLayer(s.tp)
	return s, nil
}

func (ua *UserAgent) setIP(ip net.IP) (err error) {
	ua.ip = ip
	ua.host = strings.Split(ip.String(), ":")[0]
	return err
}
