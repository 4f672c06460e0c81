package sip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest(t *testing.T) *Request {
	t.Helper()
	req := NewRequest(SUBSCRIBE, Uri{User: "bob", Host: "s"})

	via := &ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "client.example.com",
		Port:            5060,
		Params:          NewParams(),
	}
	via.Params.Add("branch", GenerateBranch())
	req.AppendHeader(via)

	from := &FromHeader{Address: Uri{User: "alice", Host: "client.example.com"}, Params: NewParams()}
	from.Params.Add("tag", "1928301774")
	req.AppendHeader(from)
	req.AppendHeader(&ToHeader{Address: Uri{User: "bob", Host: "s"}, Params: NewParams()})

	callid := CallIDHeader("a84b4c76e66710")
	req.AppendHeader(&callid)
	req.AppendHeader(&CSeqHeader{SeqNo: 1, MethodName: SUBSCRIBE})
	maxfwd := MaxForwardsHeader(70)
	req.AppendHeader(&maxfwd)
	req.SetBody([]byte("hello"))
	return req
}

func TestRequestWireFormat(t *testing.T) {
	req := testRequest(t)
	wire := req.String()

	assert.True(t, strings.HasPrefix(wire, "SUBSCRIBE sip:bob@s SIP/2.0\r\n"))
	assert.Contains(t, wire, "\r\nContent-Length: 5\r\n")
	assert.Contains(t, wire, "\r\nMax-Forwards: 70\r\n")
	assert.True(t, strings.HasSuffix(wire, "\r\n\r\nhello"))

	// Branch carries the RFC 3261 magic cookie from construction onward.
	branch, ok := req.Via().Params.Get("branch")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(branch, RFC3261BranchMagicCookie))
}

func TestSetBodyKeepsContentLengthInSync(t *testing.T) {
	req := testRequest(t)
	req.SetBody([]byte("0123456789"))
	require.NotNil(t, req.ContentLength())
	assert.EqualValues(t, 10, *req.ContentLength())

	req.SetBody(nil)
	assert.EqualValues(t, 0, *req.ContentLength())
}

func TestResponseFromRequestMintsToTag(t *testing.T) {
	req := testRequest(t)

	trying := NewResponseFromRequest(req, 100, "Trying", nil)
	assert.False(t, trying.To().Params.Has("tag"), "100 Trying must not get a tag")

	ok := NewResponseFromRequest(req, 200, "OK", nil)
	tag, has := ok.To().Params.Get("tag")
	assert.True(t, has)
	assert.NotEmpty(t, tag)

	// From, Call-ID and CSeq come over unchanged.
	assert.Equal(t, req.From().Value(), ok.From().Value())
	assert.Equal(t, req.CallID().Value(), ok.CallID().Value())
	assert.Equal(t, req.CSeq().Value(), ok.CSeq().Value())
}

func TestDialogIDsFromResponse(t *testing.T) {
	req := testRequest(t)
	res := NewResponseFromRequest(req, 200, "OK", nil)

	id, err := DialogIDFromResponse(res)
	require.NoError(t, err)

	toTag, _ := res.To().Params.Get("tag")
	assert.Equal(t, DialogIDMake("a84b4c76e66710", toTag, "1928301774"), id)
}

func TestNewAckRequestNon2xxKeepsBranchAndCSeq(t *testing.T) {
	req := NewRequest(INVITE, Uri{User: "bob", Host: "s"})
	for _, h := range testRequest(t).Headers() {
		req.AppendHeader(HeaderClone(h))
	}
	req.CSeq().MethodName = INVITE

	res := NewResponseFromRequest(req, 487, "Request Terminated", nil)
	ack := NewAckRequest(req, res, nil)

	assert.Equal(t, ACK, ack.Method)
	assert.Equal(t, req.CSeq().SeqNo, ack.CSeq().SeqNo)
	assert.Equal(t, ACK, ack.CSeq().MethodName)

	reqBranch, _ := req.Via().Params.Get("branch")
	ackBranch, _ := ack.Via().Params.Get("branch")
	assert.Equal(t, reqBranch, ackBranch, "non-2xx ACK reuses the INVITE branch")

	// The To tag minted by the response is carried on the ACK.
	resTag, _ := res.To().Params.Get("tag")
	ackTag, _ := ack.To().Params.Get("tag")
	assert.Equal(t, resTag, ackTag)
}

func TestNewAckRequest2xxGetsFreshBranch(t *testing.T) {
	req := NewRequest(INVITE, Uri{User: "bob", Host: "s"})
	for _, h := range testRequest(t).Headers() {
		req.AppendHeader(HeaderClone(h))
	}
	req.CSeq().MethodName = INVITE

	res := NewResponseFromRequest(req, 200, "OK", nil)
	ack := NewAckRequest(req, res, nil)

	reqBranch, _ := req.Via().Params.Get("branch")
	ackBranch, _ := ack.Via().Params.Get("branch")
	assert.NotEqual(t, reqBranch, ackBranch, "2xx ACK is a new transaction")
	assert.True(t, strings.HasPrefix(ackBranch, RFC3261BranchMagicCookie))
}

func TestNewCancelRequestMirrorsInvite(t *testing.T) {
	req := NewRequest(INVITE, Uri{User: "bob", Host: "s"})
	for _, h := range testRequest(t).Headers() {
		req.AppendHeader(HeaderClone(h))
	}
	req.CSeq().MethodName = INVITE

	cancel := NewCancelRequest(req)
	assert.Equal(t, CANCEL, cancel.Method)
	assert.Equal(t, req.CSeq().SeqNo, cancel.CSeq().SeqNo)

	reqBranch, _ := req.Via().Params.Get("branch")
	cancelBranch, _ := cancel.Via().Params.Get("branch")
	assert.Equal(t, reqBranch, cancelBranch, "CANCEL matches the INVITE by branch")
}

func TestHeaderParams(t *testing.T) {
	p := NewParams()
	p.Add("tag", "abc")
	p.Add("lr", "")
	p.Add("tag", "def")

	v, ok := p.Get("tag")
	require.True(t, ok)
	assert.Equal(t, "def", v, "Add overwrites in place")
	assert.Equal(t, 2, p.Length())

	assert.Equal(t, "tag=def;lr", p.ToString(';'))

	clone := p.Clone()
	clone.Add("tag", "zzz")
	v, _ = p.Get("tag")
	assert.Equal(t, "def", v, "clone does not alias the original")

	p.Remove("tag")
	assert.False(t, p.Has("tag"))
}
