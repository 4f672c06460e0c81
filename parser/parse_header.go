package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/eyepea/gosip/sip"
)

// HeaderParser turns one raw "name: value" line into a typed sip.Header.
// Method parsers (parseCSeq, parseViaHeader, ...) live in their own
// per-header files; this file only owns the dispatch table.
type HeaderParser func(headerName string, headerData string) (sip.Header, error)

type errComaDetected int

func (e errComaDetected) Error() string {
	return "comma detected"
}

// mapHeadersParser is the dispatch table keyed by lowercase header name
// (long form and compact form both map to the same parser).
type mapHeadersParser map[string]HeaderParser

// This needs to be kept minimalistic in order to avoid overhead of parsing
var headersParsers = mapHeadersParser{
	"to":             parseToAddressHeader,
	"t":              parseToAddressHeader,
	"from":           parseFromAddressHeader,
	"f":              parseFromAddressHeader,
	"contact":        parseContactAddressHeader,
	"m":              parseContactAddressHeader,
	"call-id":        parseCallId,
	"i":              parseCallId,
	"cseq":           parseCSeq,
	"via":            parseViaHeader,
	"v":              parseViaHeader,
	"max-forwards":   parseMaxForwards,
	"content-length": parseContentLength,
	"l":              parseContentLength,
	"content-type":   parseContentType,
	"c":              parseContentType,
	"route":          parseRouteHeader,
	"record-route":   parseRecordRouteHeader,
}

// DefaultHeadersParser returns the built-in header dispatch table. It can be
// extended or overridden; removing entries can break SIP parsing.
//
// NOTE this API call may change
func DefaultHeadersParser() map[string]HeaderParser {
	return headersParsers
}

// parseMsgHeader parses one header line and appends the result onto msg,
// used by the streaming parser (parser_stream.go) one line at a time as
// they arrive rather than all at once like Parser.Parse does.
func (hp mapHeadersParser) parseMsgHeader(msg sip.Message, line string) error {
	header, err := parseHeaderLine(hp, line)
	if err != nil {
		return err
	}
	msg.AppendHeader(header)
	return nil
}

func parseHeaderLine(hp mapHeadersParser, headerText string) (sip.Header, error) {
	colonIdx := strings.Index(headerText, ":")
	if colonIdx == -1 {
		return nil, fmt.Errorf("field name with no value in header: %s", headerText)
	}

	fieldName := strings.TrimSpace(headerText[:colonIdx])
	lowerFieldName := sip.HeaderToLower(fieldName)
	fieldText := strings.TrimSpace(headerText[colonIdx+1:])

	if headerParser, ok := hp[lowerFieldName]; ok {
		return headerParser(lowerFieldName, fieldText)
	}

	return &sip.GenericHeader{
		HeaderName: fieldName,
		Contents:   fieldText,
	}, nil
}

// parseCallId generates sip.CallIDHeader
func parseCallId(headerName string, headerText string) (header sip.Header, err error) {
	headerText = strings.TrimSpace(headerText)
	if len(headerText) == 0 {
		return nil, fmt.Errorf("empty Call-ID body")
	}
	callId := sip.CallIDHeader(headerText)
	return &callId, nil
}

// parseMaxForwards generates sip.MaxForwardsHeader
func parseMaxForwards(headerName string, headerText string) (header sip.Header, err error) {
	val, err := strconv.ParseUint(headerText, 10, 32)
	if err != nil {
		return nil, err
	}
	maxfwd := sip.MaxForwardsHeader(val)
	return &maxfwd, nil
}
