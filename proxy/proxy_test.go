package proxy

import (
	"strings"
	"testing"

	"github.com/eyepea/gosip/dialog"
	"github.com/eyepea/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func forwardableRequest(t *testing.T) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.SUBSCRIBE, sip.Uri{User: "bob", Host: "b.test"})
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "a.test",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)
	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "a.test"}, Params: sip.NewParams()}
	from.Params.Add("tag", "ftag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "b.test"}, Params: sip.NewParams()})
	callid := sip.CallIDHeader("proxy-test-call")
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 7, MethodName: sip.SUBSCRIBE})
	req.SetBody([]byte("payload"))
	return req
}

func newLegPair() (*Leg, *Leg) {
	a := NewLeg(&dialog.Dialog{}, "10.0.0.1:5060")
	b := NewLeg(&dialog.Dialog{}, "10.0.0.2:5060")
	return a, b
}

// Forwarding towards the far side pushes exactly one Via carrying our
// address and a fresh branch; Call-ID, body and the rest of the headers
// are untouched.
func TestRewriteViaPushesFreshVia(t *testing.T) {
	legA, legB := newLegPair()
	req := forwardableRequest(t)
	origBranch, _ := req.Via().Params.Get("branch")
	origCallID := req.CallID().Value()

	require.NoError(t, RewriteVia(req, legA, legB))

	vias := req.GetHeaders("Via")
	require.Len(t, vias, 2, "one Via added on top of the caller's")

	top := req.Via()
	assert.Equal(t, "10.0.0.2", top.Host)
	assert.Equal(t, 5060, top.Port)
	branch, ok := top.Params.Get("branch")
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(branch, sip.RFC3261BranchMagicCookie))
	assert.NotEqual(t, origBranch, branch)

	assert.Equal(t, origCallID, req.CallID().Value())
	assert.Equal(t, []byte("payload"), req.Body())
}

// A request whose topmost Via is ours gets that Via popped instead.
func TestRewriteViaPopsOwnVia(t *testing.T) {
	legA, legB := newLegPair()
	req := forwardableRequest(t)

	ourVia := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.1",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	ourVia.Params.Add("branch", sip.GenerateBranch())
	req.PrependHeader(ourVia)
	require.Len(t, req.GetHeaders("Via"), 2)

	require.NoError(t, RewriteVia(req, legA, legB))

	vias := req.GetHeaders("Via")
	require.Len(t, vias, 1)
	assert.Contains(t, vias[0].Value(), "a.test")
}

func TestRewriteViaRejectsResponses(t *testing.T) {
	legA, legB := newLegPair()
	res := sip.NewResponse(200, "OK")
	assert.Error(t, RewriteVia(res, legA, legB))
}

func TestB2BUAOther(t *testing.T) {
	legA, legB := newLegPair()
	b := NewB2BUA("call-1", legA, legB)

	other, err := b.Other(legA)
	require.NoError(t, err)
	assert.Same(t, legB, other)

	other, err = b.Other(legB)
	require.NoError(t, err)
	assert.Same(t, legA, other)

	_, err = b.Other(NewLeg(&dialog.Dialog{}, "10.0.0.3:5060"))
	assert.Error(t, err)
}

func TestLegRetransmissionCounter(t *testing.T) {
	leg := NewLeg(&dialog.Dialog{}, "10.0.0.1:5060")
	assert.EqualValues(t, 1, leg.CountRetransmission())
	assert.EqualValues(t, 2, leg.CountRetransmission())
}

func TestRegistryBindings(t *testing.T) {
	r := NewRegistry()
	r.Bind("alice", "198.51.100.7:5060")

	addr, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7:5060", addr)

	r.Unbind("alice")
	_, ok = r.Lookup("alice")
	assert.False(t, ok)
}
