// Package parser turns SIP wire bytes into sip.Message values. Parser
// decodes a complete, already-framed message (one UDP datagram, one
// WebSocket frame); ParserStream reassembles messages out of a byte
// stream for transports without datagram framing. The header-grammar
// files it dispatches into (parse_address.go, parse_uri.go,
// parse_via.go, parse_cseq.go, ...) follow RFC 3261's ABNF.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/eyepea/gosip/sip"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// abnfWs lists the whitespace characters SIP's ABNF (RFC 3261 §25) treats
// as linear whitespace.
const abnfWs = " \t"

// maxCseq is the largest CSeq number RFC 3261 §8.1.1.5 permits (2**31-1).
const maxCseq = 2147483647

var messageBufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// ParseMessage decodes one complete, already-framed SIP message. It is a
// convenience wrapper around a throwaway Parser for callers that don't
// need to reuse one across many messages.
func ParseMessage(msgData []byte) (sip.Message, error) {
	return NewParser().Parse(msgData)
}

// Parser decodes one complete SIP datagram at a time. It holds no
// per-message state, so the same Parser can be shared by every transport
// connection; ParserStream is the streamed counterpart for transports
// without datagram framing.
type Parser struct {
	log zerolog.Logger
}

// NewParser builds a Parser with the package default logger; override it
// with SetLogger.
func NewParser() *Parser {
	return &Parser{log: log.Logger}
}

func (p *Parser) SetLogger(l zerolog.Logger) {
	p.log = l
}

// NewSIPStream builds a streaming counterpart sharing this Parser's header
// dispatch table, for use on a single long-lived stream connection.
func (p *Parser) NewSIPStream() *ParserStream {
	return &ParserStream{headersParsers: headersParsers}
}

// Parse decodes a buffer that must hold exactly one complete SIP message
// (start line, headers, blank line, and a body sized by Content-Length).
func (p *Parser) Parse(data []byte) (sip.Message, error) {
	reader := messageBufPool.Get().(*bytes.Buffer)
	defer messageBufPool.Put(reader)
	reader.Reset()
	reader.Write(data)

	startLine, err := nextLine(reader)
	if err != nil {
		return nil, err
	}

	msg, err := ParseLine(startLine)
	if err != nil {
		return nil, err
	}

	for {
		line, err := nextLine(reader)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		if err := headersParsers.parseMsgHeader(msg, line); err != nil {
			p.log.Info().Err(err).Str("line", line).Msg("skip header due to error")
		}
	}

	contentLength := bodyLength(data)
	if contentLength <= 0 {
		return msg, nil
	}

	body := make([]byte, contentLength)
	total, err := nextChunk(reader, body)
	if err != nil {
		return nil, fmt.Errorf("read message body failed: %w", err)
	}
	// RFC 3261 §18.3: a short read means the transport truncated the body.
	if total != contentLength {
		return nil, fmt.Errorf("incomplete message body: read %d bytes, expected %d bytes", total, contentLength)
	}

	if len(bytes.TrimSpace(body)) > 0 {
		msg.SetBody(body)
	}
	return msg, nil
}

// ParseLine decodes a message's start line and allocates the right
// sip.Message shape (Request or Response) for the caller to append headers
// onto.
func ParseLine(startLine string) (sip.Message, error) {
	if looksLikeRequestLine(startLine) {
		recipient := sip.Uri{}
		method, sipVersion, err := ParseRequestLine(startLine, &recipient)
		if err != nil {
			return nil, err
		}
		req := sip.NewRequest(method, recipient)
		req.SipVersion = sipVersion
		return req, nil
	}

	if looksLikeStatusLine(startLine) {
		sipVersion, statusCode, reason, err := ParseStatusLine(startLine)
		if err != nil {
			return nil, err
		}
		res := sip.NewResponse(int(statusCode), reason)
		res.SipVersion = sipVersion
		return res, nil
	}

	return nil, fmt.Errorf("transmission beginning %q is not a SIP message", startLine)
}

func nextLine(reader *bytes.Buffer) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		if err == io.EOF {
			return "", nil
		}
		return "", err
	}

	// RFC 3261 §7: the start-line, each header line, and the blank line
	// separating headers from body all end in CRLF.
	if n := len(line); n > 1 && line[n-2] == '\r' {
		return line[:n-2], nil
	}
	return line, nil
}

func nextChunk(reader *bytes.Buffer, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := reader.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// bodyLength returns the byte count following the first blank line in a
// full message buffer.
func bodyLength(data []byte) int {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx == -1 {
		return -1
	}
	return len(data) - (idx + 4)
}

// looksLikeRequestLine is a cheap heuristic (two spaces, SIP URI in the
// second field) that accepts every compliant request line and need not
// reject every malformed one; ParseRequestLine does the real validation.
func looksLikeRequestLine(startLine string) bool {
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}
	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}
	part2 := startLine[ind+1+ind1+1:]
	if strings.IndexRune(part2, ' ') >= 0 {
		return false
	}
	if len(part2) < 3 {
		return false
	}
	return sip.UriIsSIP(part2[:3])
}

// looksLikeStatusLine mirrors looksLikeRequestLine for "SIP/2.0 <code> <reason>".
func looksLikeStatusLine(startLine string) bool {
	ind := strings.IndexRune(startLine, ' ')
	if ind <= 0 {
		return false
	}
	ind1 := strings.IndexRune(startLine[ind+1:], ' ')
	if ind1 <= 0 {
		return false
	}
	return len(startLine) >= 3 && sip.UriIsSIP(startLine[:3])
}

// ParseRequestLine decodes "METHOD request-uri SIP-version", e.g.
//
//	INVITE bob@example.com SIP/2.0
func ParseRequestLine(requestLine string, recipient *sip.Uri) (method sip.RequestMethod, sipVersion string, err error) {
	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		return "", "", fmt.Errorf("request line should have 2 spaces: %q", requestLine)
	}

	method = sip.RequestMethod(strings.ToUpper(parts[0]))
	if err := ParseUri(parts[1], recipient); err != nil {
		return "", "", err
	}
	sipVersion = parts[2]

	if recipient.Wildcard {
		return "", "", fmt.Errorf("wildcard URI '*' not permitted in request line: %q", requestLine)
	}
	return method, sipVersion, nil
}

// ParseStatusLine decodes "SIP-version status-code reason-phrase", e.g.
//
//	SIP/2.0 200 OK
func ParseStatusLine(statusLine string) (sipVersion string, statusCode sip.StatusCode, reasonPhrase string, err error) {
	parts := strings.Split(statusLine, " ")
	if len(parts) < 3 {
		return "", 0, "", fmt.Errorf("status line has too few spaces: %q", statusLine)
	}

	sipVersion = parts[0]
	raw, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return "", 0, "", fmt.Errorf("invalid status code in %q: %w", statusLine, err)
	}
	return sipVersion, sip.StatusCode(raw), strings.Join(parts[2:], " "), nil
}
