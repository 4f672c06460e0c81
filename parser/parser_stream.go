package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/eyepea/gosip/sip"
)

// Errors a ParserStream can return. ErrParseSipPartial is not a failure: it
// tells the caller to feed more bytes and call ParseSIPStream again with
// the same ParserStream.
var (
	ErrParseLineNoCRLF     = errors.New("line has no CRLF")
	ErrParseInvalidMessage = errors.New("invalid SIP message")
	ErrParseSipPartial     = errors.New("SIP message is incomplete, feed more data")
	ErrParseReadBodyIncomplete = errors.New("reading body incomplete")
)

const (
	streamStateStartLine = iota
	streamStateHeaders
	streamStateBody
)

var streamBufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// ParserStream reassembles SIP messages out of a byte stream with no
// message-boundary framing (TCP/TLS/WS), one call to ParseSIPStream per
// read. It is not safe for concurrent use; each stream connection owns one.
type ParserStream struct {
	headersParsers mapHeadersParser

	buf               *bytes.Buffer
	msg               sip.Message
	readContentLength int
	state             int
}

func (p *ParserStream) reset() {
	p.state = streamStateStartLine
	p.buf = nil
	p.msg = nil
	p.readContentLength = 0
}

// ParseSIPStream feeds data into the reassembly buffer and returns a
// decoded message once a full one has accumulated. A nil message with
// ErrParseSipPartial means: keep reading, call again with the next chunk.
func (p *ParserStream) ParseSIPStream(data []byte) (sip.Message, error) {
	if p.buf == nil {
		p.buf = streamBufPool.Get().(*bytes.Buffer)
		p.buf.Reset()
	}
	if p.headersParsers == nil {
		p.headersParsers = headersParsers
	}

	reader := p.buf
	reader.Write(data)
	unparsed := reader.Bytes()

	msg, err := p.advance(reader, &unparsed)

	switch err {
	case ErrParseLineNoCRLF, ErrParseReadBodyIncomplete:
		reader.Reset()
		reader.Write(unparsed)
		return nil, ErrParseSipPartial
	}

	streamBufPool.Put(reader)
	p.reset()
	return msg, err
}

// advance runs the reassembly state machine as far as the currently
// buffered bytes allow, falling through start-line -> headers -> body in
// one pass when enough data is already present.
func (p *ParserStream) advance(reader *bytes.Buffer, unparsed *[]byte) (sip.Message, error) {
	switch p.state {
	case streamStateStartLine:
		startLine, err := nextStreamLine(reader)
		if err != nil {
			if err == io.EOF {
				return nil, ErrParseLineNoCRLF
			}
			return nil, err
		}

		msg, err := ParseLine(startLine)
		if err != nil {
			return nil, err
		}
		p.state = streamStateHeaders
		p.msg = msg
		fallthrough

	case streamStateHeaders:
		msg := p.msg
		for {
			line, err := nextStreamLine(reader)
			if err != nil {
				if err == io.EOF {
					return nil, ErrParseLineNoCRLF
				}
				return nil, err
			}
			if len(line) == 0 {
				break
			}
			if err := p.headersParsers.parseMsgHeader(msg, line); err != nil {
				return nil, fmt.Errorf("%s: %w", err.Error(), ErrParseInvalidMessage)
			}
			*unparsed = reader.Bytes()
		}
		*unparsed = reader.Bytes()

		hdrs := msg.GetHeaders("Content-Length")
		if len(hdrs) == 0 {
			return msg, nil
		}

		contentLength, err := contentLengthOf(hdrs[0])
		if err != nil {
			return nil, err
		}
		if contentLength <= 0 {
			return msg, nil
		}

		msg.SetBody(make([]byte, contentLength))
		p.state = streamStateBody
		fallthrough

	case streamStateBody:
		msg := p.msg
		body := msg.Body()
		n, err := reader.Read(body[p.readContentLength:])
		*unparsed = reader.Bytes()
		if err != nil {
			return nil, fmt.Errorf("read message body failed: %w", err)
		}
		p.readContentLength += n

		if p.readContentLength < len(body) {
			return nil, ErrParseReadBodyIncomplete
		}
		p.state = -1
		return msg, nil

	default:
		return nil, fmt.Errorf("parser stream is in an unknown state")
	}
}

// nextStreamLine reads one CRLF-terminated line. Unlike the one-shot
// codec's line reader, hitting end-of-buffer mid-line is reported as
// io.EOF so the caller knows to wait for more bytes.
func nextStreamLine(reader *bytes.Buffer) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	if n := len(line); n > 1 && line[n-2] == '\r' {
		return line[:n-2], nil
	}
	return line[:len(line)-1], nil
}

func contentLengthOf(h sip.Header) (int, error) {
	if clh, ok := h.(*sip.ContentLengthHeader); ok {
		return int(*clh), nil
	}
	n, err := strconv.Atoi(h.Value())
	if err != nil {
		return 0, fmt.Errorf("fail to parse content length: %w", err)
	}
	return n, nil
}
