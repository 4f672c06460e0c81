package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/eyepea/gosip/sip"
)

// uriFSM is one state of the SIP-URI grammar walk; RFC 3261 §19.1.1 fixes
// the field order (sip:user:password@host:port;uri-parameters?headers), so
// each state only needs to know which character ends it and what follows.
type uriFSM func(uri *sip.Uri, s string) (uriFSM, string, error)

// ParseUri decodes a SIP or SIPS URI per RFC 3261 §19.1.1:
//
//	sip:user:password@host:port;uri-parameters?headers
func ParseUri(uriStr string, uri *sip.Uri) error {
	if uriStr == "" {
		return errors.New("empty URI")
	}
	state := uriStateScheme
	rest := uriStr
	var err error
	for state != nil {
		state, rest, err = state(uri, rest)
		if err != nil {
			return err
		}
	}
	return nil
}

func uriStateScheme(uri *sip.Uri, s string) (uriFSM, string, error) {
	switch {
	case len(s) >= 4 && strings.EqualFold(s[:4], "sip:"):
		return uriStateUser, s[4:], nil
	case len(s) >= 5 && strings.EqualFold(s[:5], "sips:"):
		uri.Encrypted = true
		return uriStateUser, s[5:], nil
	default:
		// Schemeless, host-only form (Via sent-by and friends).
		return uriStateHost, s, nil
	}
}

func uriStateUser(uri *sip.Uri, s string) (uriFSM, string, error) {
	colon := -1
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ':':
			colon = i
		case '@':
			if colon >= 0 {
				uri.User = s[:colon]
				uri.Password = s[colon+1 : i]
			} else {
				uri.User = s[:i]
			}
			return uriStateHost, s[i+1:], nil
		}
	}
	// No '@': there was no userinfo part at all.
	return uriStateHost, s, nil
}

func uriStateHost(uri *sip.Uri, s string) (uriFSM, string, error) {
	// An IPv6 literal keeps its brackets as part of Host; the port colon
	// can only follow the closing bracket.
	start := 0
	if len(s) > 0 && s[0] == '[' {
		end := strings.IndexByte(s, ']')
		if end < 0 {
			return nil, "", errors.New("unclosed IPv6 literal in URI host")
		}
		start = end
	}

	for i := start; i < len(s); i++ {
		switch s[i] {
		case ':':
			uri.Host = s[:i]
			return uriStatePort, s[i+1:], nil
		case ';':
			uri.Host = s[:i]
			return uriStateUriParams, s[i+1:], nil
		case '?':
			uri.Host = s[:i]
			return uriStateHeaders, s[i+1:], nil
		}
	}
	uri.Host = s
	return uriStateUriParams, "", nil
}

func uriStatePort(uri *sip.Uri, s string) (uriFSM, string, error) {
	end := len(s)
	next := uriFSM(nil)
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			end, next = i, uriStateUriParams
			break
		}
		if s[i] == '?' {
			end, next = i, uriStateHeaders
			break
		}
	}

	port, err := strconv.Atoi(s[:end])
	if err != nil {
		return nil, "", fmt.Errorf("malformed port in URI: %w", err)
	}
	uri.Port = port
	if next == nil {
		return nil, "", nil
	}
	return next, s[end+1:], nil
}

func uriStateUriParams(uri *sip.Uri, s string) (uriFSM, string, error) {
	uri.UriParams = sip.NewParams()
	if s == "" {
		uri.Headers = sip.NewParams()
		return nil, "", nil
	}

	n, err := UnmarshalParams(s, ';', '?', &uri.UriParams)
	if err != nil {
		return nil, "", err
	}
	if n >= len(s) || s[n] != '?' {
		return nil, "", nil
	}
	return uriStateHeaders, s[n+1:], nil
}

func uriStateHeaders(uri *sip.Uri, s string) (uriFSM, string, error) {
	uri.Headers = sip.NewParams()
	_, err := UnmarshalParams(s, '&', 0, &uri.Headers)
	return nil, "", err
}
