package sip

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Response is a SIP response, RFC 3261 §7.2.
type Response struct {
	MessageData

	Reason     string // e.g. "OK"
	StatusCode int    // e.g. 200

	// raddr is the resolved destination carried over from the request.
	raddr Addr
}

// NewResponse builds the skeleton of a response: status, reason, version.
func NewResponse(statusCode int, reason string) *Response {
	res := &Response{
		StatusCode: statusCode,
		Reason:     reason,
	}
	res.SipVersion = "SIP/2.0"
	res.headers = headers{
		headerOrder: make([]Header, 0, 10),
	}
	return res
}

func (res *Response) Short() string {
	if res == nil {
		return "<nil>"
	}
	return fmt.Sprintf("response status=%d reason=%s transport=%s source=%s",
		res.StatusCode, res.Reason, res.Transport(), res.Source())
}

// StartLine returns the Status-Line.
func (res *Response) StartLine() string {
	var sb strings.Builder
	res.StartLineWrite(&sb)
	return sb.String()
}

func (res *Response) StartLineWrite(buffer io.StringWriter) {
	buffer.WriteString(res.SipVersion)
	buffer.WriteString(" ")
	buffer.WriteString(strconv.Itoa(res.StatusCode))
	buffer.WriteString(" ")
	buffer.WriteString(res.Reason)
}

func (res *Response) String() string {
	var sb strings.Builder
	res.StringWrite(&sb)
	return sb.String()
}

func (res *Response) StringWrite(buffer io.StringWriter) {
	res.StartLineWrite(buffer)
	buffer.WriteString("\r\n")
	res.headers.StringWrite(buffer)
	buffer.WriteString("\r\n")
	if res.body != nil {
		buffer.WriteString(string(res.body))
	}
}

func (res *Response) Clone() *Response {
	return cloneResponse(res)
}

func (res *Response) IsProvisional() bool {
	return res.StatusCode < 200
}

func (res *Response) IsSuccess() bool {
	return res.StatusCode >= 200 && res.StatusCode < 300
}

func (res *Response) IsRedirection() bool {
	return res.StatusCode >= 300 && res.StatusCode < 400
}

func (res *Response) IsClientError() bool {
	return res.StatusCode >= 400 && res.StatusCode < 500
}

func (res *Response) IsServerError() bool {
	return res.StatusCode >= 500 && res.StatusCode < 600
}

func (res *Response) IsGlobalError() bool {
	return res.StatusCode >= 600
}

func (res *Response) IsAck() bool {
	cseq := res.CSeq()
	return cseq != nil && cseq.MethodName == ACK
}

func (res *Response) IsCancel() bool {
	cseq := res.CSeq()
	return cseq != nil && cseq.MethodName == CANCEL
}

func (res *Response) Transport() string {
	if tp := res.MessageData.Transport(); tp != "" {
		return tp
	}
	if via := res.Via(); via != nil && via.Transport != "" {
		return via.Transport
	}
	return DefaultProtocol
}

// Destination returns the host:port the response should be sent to. For a
// response built from a network-parsed request this is the request source,
// so the response travels back over the same connection (RFC 3581 §4
// symmetric response routing). Otherwise it is derived from the topmost
// Via, honoring received/rport.
func (res *Response) Destination() string {
	if dest := res.MessageData.Destination(); dest != "" {
		return dest
	}

	via := res.Via()
	if via == nil {
		return ""
	}

	host := via.Host
	port := via.Port
	if port <= 0 {
		port = int(DefaultPort(res.Transport()))
	}
	if received, ok := via.Params.Get("received"); ok && received != "" {
		host = received
	}
	if rport, ok := via.Params.Get("rport"); ok && rport != "" {
		if p, err := strconv.Atoi(rport); err == nil {
			port = p
		}
	}
	return fmt.Sprintf("%v:%v", host, port)
}

// NewResponseFromRequest builds a response to req per RFC 3261 §8.2.6:
// Via stack, From, To, Call-ID and CSeq copied; a To tag minted for
// everything except 100 Trying; received/rport filled in when the request
// asked for them.
func NewResponseFromRequest(req *Request, statusCode int, reason string, body []byte) *Response {
	res := NewResponse(statusCode, reason)
	res.SipVersion = req.SipVersion

	CopyHeaders("Record-Route", req, res)
	CopyHeaders("Via", req, res)
	if h := req.From(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.To(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CallID(); h != nil {
		res.AppendHeader(h.headerClone())
	}
	if h := req.CSeq(); h != nil {
		res.AppendHeader(h.headerClone())
	}

	if h := res.Via(); h != nil {
		// RFC 3581 §4: an empty rport param asks us to record where the
		// request actually came from.
		if val, exists := h.Params.Get("rport"); exists && val == "" {
			host, port, _ := net.SplitHostPort(req.Source())
			h.Params.Add("rport", port)
			h.Params.Add("received", host)
		}
	}

	// §8.2.6.2: every response except 100 Trying carries a To tag, the
	// same tag for all responses to the request.
	switch statusCode {
	case 100:
		CopyHeaders("Timestamp", req, res)
	default:
		if h := res.To(); h != nil && !h.Params.Has("tag") {
			h.Params.Add("tag", uuid.NewString())
		}
	}

	res.SetBody(body)
	res.SetTransport(req.Transport())

	// Prefer the Via-resolved remote addr when the request carries one;
	// fall back to the connection source.
	if req.raddr.IP != nil {
		res.SetDestination(req.raddr.String())
	} else {
		res.SetDestination(req.Source())
	}
	return res
}

func (res *Response) remoteAddress() Addr {
	host, port, _ := ParseAddr(res.dest)
	return Addr{
		IP:       net.ParseIP(host),
		Port:     port,
		Hostname: res.dest,
	}
}

// NewSDPResponseFromRequest wraps a 200 OK carrying an SDP body.
func NewSDPResponseFromRequest(req *Request, body []byte) *Response {
	res := NewResponseFromRequest(req, StatusOK, "OK", body)
	res.AppendHeader(NewHeader("Content-Type", "application/sdp"))
	res.SetBody(body)
	return res
}

func cloneResponse(res *Response) *Response {
	newRes := NewResponse(res.StatusCode, res.Reason)
	newRes.SipVersion = res.SipVersion

	for _, h := range res.CloneHeaders() {
		newRes.AppendHeader(h)
	}
	newRes.SetBody(res.Body())
	newRes.SetTransport(res.Transport())
	newRes.SetSource(res.Source())
	newRes.SetDestination(res.Destination())
	return newRes
}

func CopyResponse(res *Response) *Response {
	return cloneResponse(res)
}
