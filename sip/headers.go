package sip

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Header is a single SIP header line.
type Header interface {
	// Name returns the header field name.
	Name() string
	// Value returns the field value without the name prefix.
	Value() string
	// String renders "Name: value".
	String() string
	// StringWrite renders into w, avoiding intermediate strings.
	StringWrite(w io.StringWriter)

	headerClone() Header
}

// HeaderClone copies h without the caller needing access to the
// unexported clone method.
func HeaderClone(h Header) Header {
	return h.headerClone()
}

// headers stores a message's header lines in wire order. The headers the
// stack reads on every message keep a typed shortcut pointer alongside the
// ordered list so lookups skip the name comparison.
type headers struct {
	headerOrder []Header

	via           *ViaHeader
	from          *FromHeader
	to            *ToHeader
	callid        *CallIDHeader
	contact       *ContactHeader
	cseq          *CSeqHeader
	contentLength *ContentLengthHeader
	contentType   *ContentTypeHeader
	route         *RouteHeader
	recordRoute   *RecordRouteHeader
	maxForwards   *MaxForwards
}

func (hs *headers) String() string {
	var sb strings.Builder
	hs.StringWrite(&sb)
	return sb.String()
}

// StringWrite emits every header line followed by the blank separator line.
func (hs *headers) StringWrite(buffer io.StringWriter) {
	for i, header := range hs.headerOrder {
		if i > 0 {
			buffer.WriteString("\r\n")
		}
		header.StringWrite(buffer)
	}
	buffer.WriteString("\r\n")
}

func (hs *headers) setShortcut(header Header) {
	switch m := header.(type) {
	case *ViaHeader:
		hs.via = m
	case *FromHeader:
		hs.from = m
	case *ToHeader:
		hs.to = m
	case *CallIDHeader:
		hs.callid = m
	case *CSeqHeader:
		hs.cseq = m
	case *ContactHeader:
		hs.contact = m
	case *ContentLengthHeader:
		hs.contentLength = m
	case *ContentTypeHeader:
		hs.contentType = m
	case *RouteHeader:
		hs.route = m
	case *RecordRouteHeader:
		hs.recordRoute = m
	case *MaxForwards:
		hs.maxForwards = m
	}
}

// AppendHeader adds header at the end of the list.
func (hs *headers) AppendHeader(header Header) {
	hs.headerOrder = append(hs.headerOrder, header)
	hs.setShortcut(header)
}

// AppendHeaderAfter inserts header directly after the last header named
// name, or appends when no such header exists.
func (hs *headers) AppendHeaderAfter(header Header, name string) {
	ind := -1
	for i, h := range hs.headerOrder {
		if h.Name() == name {
			ind = i
		}
	}
	if ind < 0 {
		hs.AppendHeader(header)
		return
	}
	hs.headerOrder = append(hs.headerOrder, nil)
	copy(hs.headerOrder[ind+2:], hs.headerOrder[ind+1:])
	hs.headerOrder[ind+1] = header
	hs.setShortcut(header)
}

// PrependHeader adds headers to the front of the list, keeping their
// relative order. Used for Via pushing.
func (hs *headers) PrependHeader(headers ...Header) {
	newOrder := make([]Header, 0, len(hs.headerOrder)+len(headers))
	newOrder = append(newOrder, headers...)
	newOrder = append(newOrder, hs.headerOrder...)
	hs.headerOrder = newOrder
	for _, h := range headers {
		hs.setShortcut(h)
	}
}

// ReplaceHeader swaps the first header with the same name for header.
func (hs *headers) ReplaceHeader(header Header) {
	for i, h := range hs.headerOrder {
		if h.Name() == header.Name() {
			hs.headerOrder[i] = header
			hs.setShortcut(header)
			break
		}
	}
}

// Headers returns all headers in wire order.
func (hs *headers) Headers() []Header {
	return hs.headerOrder
}

// GetHeaders returns every header matching name, case-insensitive.
func (hs *headers) GetHeaders(name string) []Header {
	var hds []Header
	nameLower := HeaderToLower(name)
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			hds = append(hds, h)
		}
	}
	return hds
}

// GetHeader returns the first header matching name, or nil.
func (hs *headers) GetHeader(name string) Header {
	return hs.getHeader(HeaderToLower(name))
}

// getHeader expects name already lowercased.
func (hs *headers) getHeader(nameLower string) Header {
	for _, h := range hs.headerOrder {
		if HeaderToLower(h.Name()) == nameLower {
			return h
		}
	}
	return nil
}

// RemoveHeader deletes the first header with the given name.
func (hs *headers) RemoveHeader(name string) {
	for i, h := range hs.headerOrder {
		if h.Name() == name {
			hs.headerOrder = append(hs.headerOrder[:i], hs.headerOrder[i+1:]...)
			break
		}
	}
}

// CloneHeaders deep-copies every header line.
func (hs *headers) CloneHeaders() []Header {
	hdrs := make([]Header, 0, len(hs.headerOrder))
	for _, h := range hs.headerOrder {
		hdrs = append(hdrs, h.headerClone())
	}
	return hdrs
}

func (hs *headers) CallID() *CallIDHeader { return hs.callid }

func (hs *headers) Via() *ViaHeader { return hs.via }

func (hs *headers) From() *FromHeader { return hs.from }

func (hs *headers) To() *ToHeader { return hs.to }

func (hs *headers) CSeq() *CSeqHeader { return hs.cseq }

func (hs *headers) ContentLength() *ContentLengthHeader { return hs.contentLength }

func (hs *headers) ContentType() *ContentTypeHeader { return hs.contentType }

func (hs *headers) Contact() *ContactHeader { return hs.contact }

func (hs *headers) Route() *RouteHeader { return hs.route }

func (hs *headers) RecordRoute() *RecordRouteHeader { return hs.recordRoute }

func (hs *headers) MaxForwards() *MaxForwards { return hs.maxForwards }

// GenericHeader carries any header the stack has no dedicated type for
// (Authorization, Expires variants, user extensions). The value is opaque.
type GenericHeader struct {
	HeaderName string
	Contents   string
}

func (h *GenericHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *GenericHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString(h.HeaderName)
	buffer.WriteString(": ")
	buffer.WriteString(h.Contents)
}

func (h *GenericHeader) Name() string { return h.HeaderName }

func (h *GenericHeader) Value() string { return h.Contents }

func (h *GenericHeader) headerClone() Header {
	if h == nil {
		return (*GenericHeader)(nil)
	}
	c := *h
	return &c
}

// NewHeader builds a GenericHeader for a name/value pair that has no
// dedicated header type.
func NewHeader(name, value string) Header {
	return &GenericHeader{HeaderName: name, Contents: value}
}

// writeNameAddr emits the display-name and <uri>;params form shared by
// To, From and Contact.
func writeNameAddr(buffer io.StringWriter, displayName string, addr *Uri, params HeaderParams) {
	if displayName != "" {
		buffer.WriteString("\"")
		buffer.WriteString(displayName)
		buffer.WriteString("\" ")
	}
	buffer.WriteString("<")
	addr.StringWrite(buffer)
	buffer.WriteString(">")
	if params.Length() > 0 {
		buffer.WriteString(";")
		params.ToStringWrite(';', buffer)
	}
}

// ToHeader is the 'To' header. The tag param on it identifies the remote
// (UAC view) or local (UAS view) side of a dialog.
type ToHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *ToHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *ToHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("To: ")
	h.ValueStringWrite(buffer)
}

func (h *ToHeader) Name() string { return "To" }

func (h *ToHeader) Value() string {
	var sb strings.Builder
	h.ValueStringWrite(&sb)
	return sb.String()
}

func (h *ToHeader) ValueStringWrite(buffer io.StringWriter) {
	writeNameAddr(buffer, h.DisplayName, &h.Address, h.Params)
}

func (h *ToHeader) headerClone() Header {
	if h == nil {
		return (*ToHeader)(nil)
	}
	c := &ToHeader{
		DisplayName: h.DisplayName,
		Address:     h.Address,
		Params:      h.Params.Clone(),
	}
	return c
}

// FromHeader is the 'From' header; its tag param identifies the sender's
// dialog half.
type FromHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
}

func (h *FromHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *FromHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("From: ")
	h.ValueStringWrite(buffer)
}

func (h *FromHeader) Name() string { return "From" }

func (h *FromHeader) Value() string {
	var sb strings.Builder
	h.ValueStringWrite(&sb)
	return sb.String()
}

func (h *FromHeader) ValueStringWrite(buffer io.StringWriter) {
	writeNameAddr(buffer, h.DisplayName, &h.Address, h.Params)
}

func (h *FromHeader) headerClone() Header {
	if h == nil {
		return (*FromHeader)(nil)
	}
	return &FromHeader{
		DisplayName: h.DisplayName,
		Address:     h.Address,
		Params:      h.Params.Clone(),
	}
}

// ContactHeader is one contact entry; several comma-separated entries on
// one line are chained through Next.
type ContactHeader struct {
	DisplayName string
	Address     Uri
	Params      HeaderParams
	Next        *ContactHeader
}

func (h *ContactHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *ContactHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("Contact: ")
	h.ValueStringWrite(buffer)
}

func (h *ContactHeader) Name() string { return "Contact" }

func (h *ContactHeader) Value() string {
	var sb strings.Builder
	h.ValueStringWrite(&sb)
	return sb.String()
}

func (h *ContactHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		hop.valueWrite(buffer)
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}

func (h *ContactHeader) valueWrite(buffer io.StringWriter) {
	if h.Address.Wildcard {
		// "Contact: *" has no angle brackets or params.
		buffer.WriteString("*")
		return
	}
	writeNameAddr(buffer, h.DisplayName, &h.Address, h.Params)
}

func (h *ContactHeader) headerClone() Header {
	return h.Clone()
}

// Clone copies the whole contact chain.
func (h *ContactHeader) Clone() *ContactHeader {
	head := h.cloneFirst()
	tail := head
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return head
}

func (h *ContactHeader) cloneFirst() *ContactHeader {
	if h == nil {
		return nil
	}
	return &ContactHeader{
		DisplayName: h.DisplayName,
		Address:     *h.Address.Clone(),
		Params:      h.Params.Clone(),
	}
}

// CallIDHeader is the 'Call-ID' header.
type CallIDHeader string

func (h *CallIDHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *CallIDHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("Call-ID: ")
	buffer.WriteString(string(*h))
}

func (h *CallIDHeader) Name() string { return "Call-ID" }

func (h *CallIDHeader) Value() string { return string(*h) }

func (h *CallIDHeader) headerClone() Header { return h }

// CSeqHeader is the 'CSeq' header: sequence number plus method.
type CSeqHeader struct {
	SeqNo      uint32
	MethodName RequestMethod
}

func (h *CSeqHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *CSeqHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("CSeq: ")
	h.ValueStringWrite(buffer)
}

func (h *CSeqHeader) Name() string { return "CSeq" }

func (h *CSeqHeader) Value() string {
	return fmt.Sprintf("%d %s", h.SeqNo, h.MethodName)
}

func (h *CSeqHeader) ValueStringWrite(buffer io.StringWriter) {
	buffer.WriteString(strconv.Itoa(int(h.SeqNo)))
	buffer.WriteString(" ")
	buffer.WriteString(string(h.MethodName))
}

func (h *CSeqHeader) headerClone() Header {
	if h == nil {
		return (*CSeqHeader)(nil)
	}
	c := *h
	return &c
}

// MaxForwards is the 'Max-Forwards' hop counter.
type MaxForwards uint32

func (h *MaxForwards) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *MaxForwards) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("Max-Forwards: ")
	buffer.WriteString(h.Value())
}

func (h *MaxForwards) Name() string { return "Max-Forwards" }

func (h *MaxForwards) Value() string { return strconv.Itoa(int(*h)) }

func (h *MaxForwards) headerClone() Header { return h }

// MaxForwardsHeader is an alias kept for call sites that spell out the
// header's full name when constructing one.
type MaxForwardsHeader = MaxForwards

func (h *MaxForwards) Dec() { *h-- }

func (h *MaxForwards) Val() int { return int(*h) }

// Expires is the 'Expires' header carrying a lifetime in seconds.
type Expires uint32

func (h *Expires) String() string {
	return fmt.Sprintf("%s: %s", h.Name(), h.Value())
}

func (h *Expires) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("Expires: ")
	buffer.WriteString(h.Value())
}

func (h *Expires) Name() string { return "Expires" }

func (h Expires) Value() string { return strconv.Itoa(int(h)) }

func (h *Expires) headerClone() Header { return h }

// ContentLengthHeader is the 'Content-Length' header, mandatory on emission.
type ContentLengthHeader uint32

func (h ContentLengthHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h ContentLengthHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("Content-Length: ")
	buffer.WriteString(h.Value())
}

func (h *ContentLengthHeader) Name() string { return "Content-Length" }

func (h ContentLengthHeader) Value() string { return strconv.Itoa(int(h)) }

func (h *ContentLengthHeader) headerClone() Header { return h }

// ViaHeader is one Via hop; several hops folded into one header line are
// chained through Next. The topmost hop's branch param identifies the
// transaction.
type ViaHeader struct {
	ProtocolName    string // "SIP"
	ProtocolVersion string // "2.0"
	Transport       string // "UDP", "TCP", "WS", ...
	Host            string
	Port            int // 0 when absent
	Params          HeaderParams
	Next            *ViaHeader
}

// SentBy returns the host[:port] this hop claims to have sent from.
func (h *ViaHeader) SentBy() string {
	if h.Port <= 0 {
		return h.Host
	}
	return h.Host + ":" + strconv.Itoa(h.Port)
}

func (h *ViaHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *ViaHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("Via: ")
	h.ValueStringWrite(buffer)
}

func (h *ViaHeader) Name() string { return "Via" }

func (h *ViaHeader) Value() string {
	var sb strings.Builder
	h.ValueStringWrite(&sb)
	return sb.String()
}

func (h *ViaHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		buffer.WriteString(hop.ProtocolName)
		buffer.WriteString("/")
		buffer.WriteString(hop.ProtocolVersion)
		buffer.WriteString("/")
		buffer.WriteString(hop.Transport)
		buffer.WriteString(" ")
		buffer.WriteString(hop.Host)
		if hop.Port > 0 {
			buffer.WriteString(":")
			buffer.WriteString(strconv.Itoa(hop.Port))
		}
		if hop.Params.Length() > 0 {
			buffer.WriteString(";")
			hop.Params.ToStringWrite(';', buffer)
		}
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}

func (h *ViaHeader) headerClone() Header {
	return h.Clone()
}

// Clone copies the whole hop chain.
func (h *ViaHeader) Clone() *ViaHeader {
	head := h.cloneFirst()
	tail := head
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = hop.cloneFirst()
		tail = tail.Next
	}
	return head
}

func (h *ViaHeader) cloneFirst() *ViaHeader {
	if h == nil {
		return nil
	}
	return &ViaHeader{
		ProtocolName:    h.ProtocolName,
		ProtocolVersion: h.ProtocolVersion,
		Transport:       h.Transport,
		Host:            h.Host,
		Port:            h.Port,
		Params:          h.Params.Clone(),
	}
}

// ContentTypeHeader is the 'Content-Type' header.
type ContentTypeHeader string

func (h *ContentTypeHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *ContentTypeHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("Content-Type: ")
	buffer.WriteString(string(*h))
}

func (h *ContentTypeHeader) Name() string { return "Content-Type" }

func (h ContentTypeHeader) Value() string { return string(h) }

func (h *ContentTypeHeader) headerClone() Header { return h }

// RouteHeader is one 'Route' hop, chained through Next.
type RouteHeader struct {
	Address Uri
	Next    *RouteHeader
}

func (h *RouteHeader) Name() string { return "Route" }

func (h *RouteHeader) Value() string {
	var sb strings.Builder
	h.ValueStringWrite(&sb)
	return sb.String()
}

func (h *RouteHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		buffer.WriteString("<")
		hop.Address.StringWrite(buffer)
		buffer.WriteString(">")
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}

func (h *RouteHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *RouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("Route: ")
	h.ValueStringWrite(buffer)
}

func (h *RouteHeader) headerClone() Header {
	return h.Clone()
}

func (h *RouteHeader) Clone() *RouteHeader {
	if h == nil {
		return nil
	}
	head := &RouteHeader{Address: h.Address}
	tail := head
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = &RouteHeader{Address: hop.Address}
		tail = tail.Next
	}
	return head
}

// RecordRouteHeader is one 'Record-Route' hop, chained through Next.
type RecordRouteHeader struct {
	Address Uri
	Next    *RecordRouteHeader
}

func (h *RecordRouteHeader) Name() string { return "Record-Route" }

func (h *RecordRouteHeader) Value() string {
	var sb strings.Builder
	h.ValueStringWrite(&sb)
	return sb.String()
}

func (h *RecordRouteHeader) ValueStringWrite(buffer io.StringWriter) {
	for hop := h; hop != nil; hop = hop.Next {
		buffer.WriteString("<")
		hop.Address.StringWrite(buffer)
		buffer.WriteString(">")
		if hop.Next != nil {
			buffer.WriteString(", ")
		}
	}
}

func (h *RecordRouteHeader) String() string {
	var sb strings.Builder
	h.StringWrite(&sb)
	return sb.String()
}

func (h *RecordRouteHeader) StringWrite(buffer io.StringWriter) {
	buffer.WriteString("Record-Route: ")
	h.ValueStringWrite(buffer)
}

func (h *RecordRouteHeader) headerClone() Header {
	return h.Clone()
}

func (h *RecordRouteHeader) Clone() *RecordRouteHeader {
	if h == nil {
		return nil
	}
	head := &RecordRouteHeader{Address: h.Address}
	tail := head
	for hop := h.Next; hop != nil; hop = hop.Next {
		tail.Next = &RecordRouteHeader{Address: hop.Address}
		tail = tail.Next
	}
	return head
}

// CopyHeaders clones every header named name from one message onto another,
// appending after any headers already present.
func CopyHeaders(name string, from, to Message) {
	for _, h := range from.GetHeaders(name) {
		to.AppendHeader(h.headerClone())
	}
}
