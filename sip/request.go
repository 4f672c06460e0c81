package sip

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
)

// Request is a SIP request, RFC 3261 §7.1.
type Request struct {
	MessageData
	Method    RequestMethod
	Recipient Uri

	// Laddr is the local address of the connection the request was sent or
	// received on.
	Laddr Addr
	// raddr is filled in after resolving the destination from Via/Route.
	raddr Addr
}

// NewRequest builds the skeleton of a request: method, request-URI, version.
// Headers are added with AppendHeader; SetBody keeps Content-Length in sync.
func NewRequest(method RequestMethod, recipient Uri) *Request {
	// The recipient URI is copied by value; its reference fields need their
	// own copies so later mutation doesn't leak into the caller's URI.
	if recipient.UriParams != nil {
		recipient.UriParams = recipient.UriParams.Clone()
	}
	if recipient.Headers != nil {
		recipient.Headers = recipient.Headers.Clone()
	}

	req := &Request{
		Method:    method,
		Recipient: recipient,
	}
	req.SipVersion = "SIP/2.0"
	req.headers = headers{
		headerOrder: make([]Header, 0, 10),
	}
	return req
}

func (req *Request) Short() string {
	if req == nil {
		return "<nil>"
	}
	return fmt.Sprintf("request method=%s Recipient=%s transport=%s source=%s",
		req.Method, req.Recipient.String(), req.Transport(), req.Source())
}

// StartLine returns the Request-Line.
func (req *Request) StartLine() string {
	var sb strings.Builder
	req.StartLineWrite(&sb)
	return sb.String()
}

func (req *Request) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(string(req.Method))
	buffer.WriteString(" ")
	buffer.WriteString(req.Recipient.String())
	buffer.WriteString(" ")
	buffer.WriteString(req.SipVersion)
}

func (req *Request) String() string {
	var sb strings.Builder
	req.StringWrite(&sb)
	return sb.String()
}

// StringWrite renders the full wire form: start line, headers, empty line,
// body. Every line is CRLF terminated and the empty line is present even
// without a body.
func (req *Request) StringWrite(buffer io.StringWriter) {
	req.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	req.headers.StringWrite(buffer)
	buffer.WriteString("\r\n")
	if req.body != nil {
		buffer.WriteString(string(req.body))
	}
}

// Clone copies the request. The body slice is cloned too, but the bytes it
// references are shared with the original.
func (req *Request) Clone() *Request {
	return cloneRequest(req)
}

func (req *Request) IsInvite() bool {
	return req.Method == INVITE
}

func (req *Request) IsAck() bool {
	return req.Method == ACK
}

func (req *Request) IsCancel() bool {
	return req.Method == CANCEL
}

// Transport returns the transport this request should be (or was) carried
// over: an explicit SetTransport value, else the Via transport, else the
// transport URI param of the next-hop URI, upgraded for sips.
func (req *Request) Transport() string {
	if tp := req.MessageData.Transport(); tp != "" {
		return tp
	}

	tp := DefaultProtocol
	if via := req.Via(); via != nil && via.Transport != "" {
		tp = via.Transport
	}

	uri := req.Recipient
	if hdr := req.Route(); hdr != nil {
		uri = hdr.Address
	}
	if uri.UriParams != nil {
		if val, ok := uri.UriParams.Get("transport"); ok && val != "" {
			tp = strings.ToUpper(val)
		}
	}

	if uri.IsEncrypted() {
		switch tp {
		case "TCP":
			tp = "TLS"
		case "WS":
			tp = "WSS"
		}
	}
	return tp
}

// Source returns the host:port the request came from: an explicit SetSource
// value (connection remote address for network-parsed requests), else the
// address derived from the topmost Via.
func (req *Request) Source() string {
	if src := req.MessageData.Source(); src != "" {
		return src
	}
	host, port := req.sourceViaHostPort()
	return fmt.Sprintf("%s:%d", uriNetIP(host), port)
}

func (req *Request) sourceViaHostPort() (string, int) {
	via := req.Via()
	if via == nil {
		return "", 0
	}

	host := via.Host
	port := via.Port
	if port <= 0 {
		port = int(DefaultPort(req.Transport()))
	}

	// rport/received override sent-by, RFC 3581 §4.
	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			port = p
		}
	}
	return host, port
}

// Destination returns the next-hop host:port: an explicit SetDestination
// value, else the first Route entry, else the request-URI.
func (req *Request) Destination() string {
	if dest := req.MessageData.Destination(); dest != "" {
		return dest
	}

	uri := &req.Recipient
	if hdr := req.Route(); hdr != nil {
		uri = &hdr.Address
	}

	if uri.Port > 0 {
		return fmt.Sprintf("%v:%v", uri.Host, uri.Port)
	}
	return fmt.Sprintf("%v:%v", uri.Host, DefaultPort(req.Transport()))
}

// newAckRequestNon2xx builds the transaction-level ACK for a non-2xx final
// response, RFC 3261 §17.1.1.3: same branch, same CSeq number, To taken
// from the response so its tag is carried.
func newAckRequestNon2xx(inviteRequest *Request, inviteResponse *Response, body []byte) *Request {
	ackRequest := NewRequest(ACK, *inviteRequest.Recipient.Clone())
	ackRequest.SipVersion = inviteRequest.SipVersion

	// The ACK MUST contain a single Via equal to the top Via of the
	// original request.
	CopyHeaders("Via", inviteRequest, ackRequest)

	if len(inviteRequest.GetHeaders("Route")) > 0 {
		CopyHeaders("Route", inviteRequest, ackRequest)
	} else {
		hdrs := inviteResponse.GetHeaders("Record-Route")
		for i := len(hdrs) - 1; i >= 0; i-- {
			ackRequest.AppendHeader(NewHeader("Route", hdrs[i].Value()))
		}
	}

	maxForwards := MaxForwardsHeader(70)
	ackRequest.AppendHeader(&maxForwards)
	if h := inviteRequest.From(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}
	if h := inviteResponse.To(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}
	if h := inviteRequest.CallID(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}
	if h := inviteRequest.CSeq(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}

	// Same sequence number as the INVITE, method rewritten to ACK.
	ackRequest.CSeq().MethodName = ACK

	if h := inviteRequest.Contact(); h != nil {
		ackRequest.AppendHeader(h.headerClone())
	}

	ackRequest.SetBody(body)
	ackRequest.SetTransport(inviteRequest.Transport())
	ackRequest.SetSource(inviteRequest.Source())
	ackRequest.Laddr = inviteRequest.Laddr

	if inviteResponse.IsSuccess() {
		// A 2xx ACK is a request in its own right (RFC 3261 §13.2.2.4),
		// sent outside the INVITE transaction on a fresh branch.
		ackRequest.Via().Params.Add("branch", GenerateBranch())
	}
	return ackRequest
}

// NewAckRequest builds the ACK for inviteResponse: transaction-level
// construction for non-2xx, dialog-level (fresh branch) for 2xx.
func NewAckRequest(inviteRequest *Request, inviteResponse *Response, body []byte) *Request {
	return newAckRequestNon2xx(inviteRequest, inviteResponse, body)
}

// NewCancelRequest builds the CANCEL for requestForCancel per RFC 3261
// §9.1: same branch, same CSeq number, method CANCEL.
func NewCancelRequest(requestForCancel *Request) *Request {
	cancelReq := NewRequest(CANCEL, requestForCancel.Recipient)
	cancelReq.SipVersion = requestForCancel.SipVersion

	cancelReq.AppendHeader(requestForCancel.Via().Clone())
	CopyHeaders("Route", requestForCancel, cancelReq)
	maxForwards := MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwards)

	if h := requestForCancel.From(); h != nil {
		cancelReq.AppendHeader(h.headerClone())
	}
	if h := requestForCancel.To(); h != nil {
		cancelReq.AppendHeader(h.headerClone())
	}
	if h := requestForCancel.CallID(); h != nil {
		cancelReq.AppendHeader(h.headerClone())
	}
	if h := requestForCancel.CSeq(); h != nil {
		cancelReq.AppendHeader(h.headerClone())
	}
	cancelReq.CSeq().MethodName = CANCEL

	cancelReq.SetTransport(requestForCancel.Transport())
	cancelReq.SetSource(requestForCancel.Source())
	cancelReq.SetDestination(requestForCancel.Destination())
	return cancelReq
}

func (req *Request) remoteAddress() Addr {
	return req.raddr
}

func cloneRequest(req *Request) *Request {
	newReq := NewRequest(req.Method, *req.Recipient.Clone())
	newReq.SipVersion = req.SipVersion

	for _, h := range req.CloneHeaders() {
		newReq.AppendHeader(h)
	}
	newReq.SetBody(slices.Clone(req.Body()))
	newReq.SetTransport(req.Transport())
	newReq.SetSource(req.Source())
	newReq.SetDestination(req.Destination())
	newReq.raddr = req.raddr
	newReq.Laddr = req.Laddr
	return newReq
}
