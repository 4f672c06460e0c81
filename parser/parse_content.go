package parser

import (
	"strconv"
	"strings"

	"github.com/eyepea/gosip/sip"
)

func parseContentLength(headerName string, headerText string) (
	header sip.Header, err error) {
	var contentLength sip.ContentLengthHeader
	var value uint64
	value, err = strconv.ParseUint(strings.TrimSpace(headerText), 10, 32)
	contentLength = sip.ContentLengthHeader(value)
	return &contentLength, err
}

func parseContentType(headerName string, headerText string) (header sip.Header, err error) {
	contentType := sip.ContentTypeHeader(strings.TrimSpace(headerText))
	return &contentType, nil
}
