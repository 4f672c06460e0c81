package dialog

import (
	"context"
	"testing"
	"time"

	"github.com/eyepea/gosip/auth"
	"github.com/eyepea/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reattachInvite builds the request/response pair a session restored from
// persisted state would carry: a fully-headed INVITE and the 200 that
// established the dialog.
func reattachInvite(t *testing.T) (*sip.Request, *sip.Response) {
	t.Helper()
	invite := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "server.test"})
	completeClientHeaders(invite)
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "client.test"}, Params: sip.NewParams()})
	res := sip.NewResponseFromRequest(invite, 200, "OK", nil)
	return invite, res
}

func reattachKey(invite *sip.Request, res *sip.Response) DialogID {
	return DialogID{
		CallID:    invite.CallID().Value(),
		LocalTag:  fromTag(invite.From()),
		RemoteTag: toTag(res.To()),
	}
}

// A UAC dialog reattached without a live INVITE transaction behaves like
// one that went through WaitAnswer: it is findable in the registry, takes
// in-dialog requests, and can send BYE through its no-op initial
// transaction.
func TestNewClientSessionReattach(t *testing.T) {
	invite, res := reattachInvite(t)
	key := reattachKey(invite, res)

	fs := &fakeSender{}
	fs.script = func(req *sip.Request) []*sip.Response {
		return []*sip.Response{sip.NewResponseFromRequest(req, 200, "OK", nil)}
	}
	ua := NewDialogUA(fs, testContact(), auth.ClientAuth{})

	s, err := ua.NewClientSession(DialogSessionParams{
		InviteReq:  invite,
		InviteResp: res,
		State:      sip.DialogStateConfirmed,
		CSeq:       invite.CSeq().SeqNo,
		Key:        key,
	})
	require.NoError(t, err)
	assert.Equal(t, sip.DialogStateConfirmed, s.LoadState())
	assert.Equal(t, invite.CSeq().SeqNo, s.CSEQ())

	d, ok := ua.Client.registry.Lookup(key)
	require.True(t, ok)
	found, ok := ua.Client.Session(d)
	require.True(t, ok)
	assert.Same(t, s, found)

	// An in-dialog NOTIFY from the peer routes onto the reattached
	// dialog's queue: its From carries the peer's tag, its To ours.
	notify := sip.NewRequest(sip.NOTIFY, invite.Recipient)
	notify.AppendHeader(&sip.FromHeader{Address: res.To().Address, Params: res.To().Params.Clone()})
	notify.AppendHeader(&sip.ToHeader{Address: invite.From().Address, Params: invite.From().Params.Clone()})
	notify.AppendHeader(sip.HeaderClone(invite.CallID()))
	notify.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo + 1, MethodName: sip.NOTIFY})
	require.NoError(t, ua.Client.ReadRequest(notify, &recordingServerTx{}))

	select {
	case in := <-s.Requests():
		assert.Equal(t, sip.NOTIFY, in.Request.Method)
	case <-time.After(time.Second):
		t.Fatal("in-dialog request never reached the reattached dialog")
	}

	// BYE works without a live INVITE transaction backing the session.
	require.NoError(t, s.Bye(context.Background()))
	reqs := fs.sentRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, sip.BYE, reqs[0].Method)

	_, ok = ua.Client.registry.Lookup(key)
	assert.False(t, ok, "Bye tears the reattached dialog down")
}

// The UAS counterpart: a reattached server session answers in-dialog
// requests and BYE like one created by ReadInvite.
func TestNewServerSessionReattach(t *testing.T) {
	invite, res := reattachInvite(t)
	key := DialogID{
		CallID:    invite.CallID().Value(),
		LocalTag:  toTag(res.To()),
		RemoteTag: fromTag(invite.From()),
	}

	fs := &fakeSender{}
	ua := NewDialogUA(fs, testContact(), auth.ClientAuth{})

	s, err := ua.NewServerSession(DialogSessionParams{
		InviteReq:  invite,
		InviteResp: res,
		State:      sip.DialogStateConfirmed,
		CSeq:       invite.CSeq().SeqNo,
		Key:        key,
	})
	require.NoError(t, err)
	assert.Equal(t, sip.DialogStateConfirmed, s.LoadState())

	d, ok := ua.LookupAny(key)
	require.True(t, ok)
	assert.Same(t, &s.Dialog, d)

	// Re-sending the 200 goes through the no-op transaction without error
	// (nothing on the wire, but no crash either).
	require.NoError(t, s.WriteResponse(res))

	// An in-dialog request from the peer lands on the queue. From the UAS
	// side the request carries the peer's From tag and our To tag.
	info := sip.NewRequest(sip.INFO, invite.Recipient)
	info.AppendHeader(sip.HeaderClone(invite.From()))
	info.AppendHeader(sip.HeaderClone(res.To()))
	info.AppendHeader(sip.HeaderClone(invite.CallID()))
	info.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo + 1, MethodName: sip.INFO})
	require.NoError(t, ua.Server.ReadRequest(info, &recordingServerTx{}))

	select {
	case in := <-s.Requests():
		assert.Equal(t, sip.INFO, in.Request.Method)
	case <-time.After(time.Second):
		t.Fatal("in-dialog request never reached the reattached dialog")
	}

	// BYE from the peer ends the reattached dialog with a 200.
	bye := sip.NewRequest(sip.BYE, invite.Recipient)
	bye.AppendHeader(sip.HeaderClone(invite.From()))
	bye.AppendHeader(sip.HeaderClone(res.To()))
	bye.AppendHeader(sip.HeaderClone(invite.CallID()))
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo + 2, MethodName: sip.BYE})
	stx := &recordingServerTx{}
	require.NoError(t, ua.Server.ReadBye(bye, stx))
	assert.Equal(t, sip.DialogStateEnded, s.LoadState())
	require.NotEmpty(t, stx.responded())
	assert.Equal(t, 200, stx.responded()[0].StatusCode)
}

func TestNewSessionRequiresInviteRequest(t *testing.T) {
	ua := NewDialogUA(&fakeSender{}, testContact(), auth.ClientAuth{})
	_, err := ua.NewClientSession(DialogSessionParams{})
	assert.Error(t, err)
	_, err = ua.NewServerSession(DialogSessionParams{})
	assert.Error(t, err)
}
