package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/eyepea/gosip/sip"
)

// parseViaHeader decodes one Via header value: protocol/version/transport,
// sent-by host[:port], then params. A comma (several hops folded onto one
// line) stops the scan and reports the offset through errComaDetected so
// the caller can parse the remainder as another hop.
func parseViaHeader(headerName string, headerText string) (sip.Header, error) {
	h := &sip.ViaHeader{
		Params: sip.NewParams(),
	}

	state := viaStateProtocol
	rest := headerText
	consumed := 0
	var err error
	for state != nil {
		var n int
		state, n, err = state(h, rest)
		if err != nil {
			if _, ok := err.(errComaDetected); ok {
				err = errComaDetected(consumed + n)
			}
			return h, err
		}
		rest = rest[n:]
		consumed += n
	}
	return h, nil
}

type viaFSM func(h *sip.ViaHeader, s string) (viaFSM, int, error)

func viaStateProtocol(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexByte(s, '/')
	if ind < 0 {
		return nil, 0, errors.New("malformed protocol name in Via header")
	}
	h.ProtocolName = strings.TrimSpace(s[:ind])
	return viaStateVersion, ind + 1, nil
}

func viaStateVersion(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexByte(s, '/')
	if ind < 0 {
		return nil, 0, errors.New("malformed protocol version in Via header")
	}
	h.ProtocolVersion = s[:ind]
	return viaStateTransport, ind + 1, nil
}

func viaStateTransport(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	ind := strings.IndexAny(s, " \t")
	if ind < 0 {
		return nil, 0, errors.New("malformed transport in Via header")
	}
	h.Transport = s[:ind]
	return viaStateHost, ind + 1, nil
}

func viaStateHost(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	end := len(s)
	colon := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ';' || s[i] == ',' {
			end = i
			break
		}
		if s[i] == ':' {
			colon = i
		}
	}

	if colon >= 0 {
		port, err := strconv.Atoi(s[colon+1 : end])
		if err != nil {
			return nil, 0, fmt.Errorf("malformed port in Via header: %w", err)
		}
		h.Port = port
		h.Host = s[:colon]
	} else {
		h.Host = s[:end]
	}

	if end == len(s) {
		return nil, 0, nil
	}
	if s[end] == ',' {
		return nil, end, errComaDetected(end)
	}
	return viaStateParams, end + 1, nil
}

func viaStateParams(h *sip.ViaHeader, s string) (viaFSM, int, error) {
	if coma := strings.IndexByte(s, ','); coma >= 0 {
		if _, err := UnmarshalParams(s[:coma], ';', ',', &h.Params); err != nil {
			return nil, 0, err
		}
		return nil, coma, errComaDetected(coma)
	}

	_, err := UnmarshalParams(s, ';', '\r', &h.Params)
	return nil, 0, err
}
