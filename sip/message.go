package sip

import (
	"io"

	"github.com/google/uuid"
)

// MessageHandler processes one parsed inbound message.
type MessageHandler func(msg Message)

type RequestMethod string

func (r RequestMethod) String() string { return string(r) }

// StatusCode is a response status code, 1xx-6xx.
type StatusCode int

const (
	INVITE    RequestMethod = "INVITE"
	ACK       RequestMethod = "ACK"
	CANCEL    RequestMethod = "CANCEL"
	BYE       RequestMethod = "BYE"
	REGISTER  RequestMethod = "REGISTER"
	OPTIONS   RequestMethod = "OPTIONS"
	SUBSCRIBE RequestMethod = "SUBSCRIBE"
	NOTIFY    RequestMethod = "NOTIFY"
	REFER     RequestMethod = "REFER"
	INFO      RequestMethod = "INFO"
	MESSAGE   RequestMethod = "MESSAGE"
	PRACK     RequestMethod = "PRACK"
	UPDATE    RequestMethod = "UPDATE"
	PUBLISH   RequestMethod = "PUBLISH"
)

type MessageID string

func NextMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// Message is the shared surface of Request and Response.
type Message interface {
	// StartLine returns the message start line.
	StartLine() string
	StartLineWrite(io.StringWriter)
	// String returns the RFC 3261 wire form.
	String() string
	// StringWrite renders the wire form into a writer to avoid allocations.
	StringWrite(io.StringWriter)
	// Short returns a one-line summary for logging.
	Short() string

	// Headers returns all message headers in wire order.
	Headers() []Header
	GetHeaders(name string) []Header
	GetHeader(name string) Header
	PrependHeader(header ...Header)
	AppendHeader(header Header)
	AppendHeaderAfter(header Header, name string)
	RemoveHeader(name string)
	ReplaceHeader(header Header)

	// Typed accessors for the headers every layer reads. Each returns nil
	// when the header is absent.
	CallID() *CallIDHeader
	Via() *ViaHeader
	From() *FromHeader
	To() *ToHeader
	CSeq() *CSeqHeader
	ContentLength() *ContentLengthHeader
	ContentType() *ContentTypeHeader
	Contact() *ContactHeader
	Route() *RouteHeader
	RecordRoute() *RecordRouteHeader
	MaxForwards() *MaxForwards

	Body() []byte
	SetBody(body []byte)

	Transport() string
	SetTransport(tp string)
	Source() string
	SetSource(src string)
	Destination() string
	SetDestination(dest string)
}

// MessageData is the concrete state embedded by Request and Response.
type MessageData struct {
	headers
	SipVersion string
	body       []byte
	tp         string

	// src/dest carry the resolved network addresses for internal routing;
	// they never appear on the wire.
	src  string
	dest string
}

func (msg *MessageData) Body() []byte {
	return msg.body
}

// SetBody stores body and keeps the Content-Length header in sync with it.
func (msg *MessageData) SetBody(body []byte) {
	msg.body = body
	length := ContentLengthHeader(len(body))

	if hdr := msg.ContentLength(); hdr != nil {
		if *hdr != length {
			msg.ReplaceHeader(&length)
		}
		return
	}
	msg.AppendHeader(&length)
}

func (msg *MessageData) Transport() string {
	return msg.tp
}

func (msg *MessageData) SetTransport(tp string) {
	msg.tp = tp
}

func (msg *MessageData) Source() string {
	return msg.src
}

func (msg *MessageData) SetSource(src string) {
	msg.src = src
}

func (msg *MessageData) Destination() string {
	return msg.dest
}

func (msg *MessageData) SetDestination(dest string) {
	msg.dest = dest
}
