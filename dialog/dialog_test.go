package dialog

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/eyepea/gosip/auth"
	"github.com/eyepea/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTx is a fake sip.ClientTransaction fed from a prefilled response
// channel.
type scriptedTx struct {
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once
}

func newScriptedTx(responses ...*sip.Response) *scriptedTx {
	tx := &scriptedTx{
		responses: make(chan *sip.Response, len(responses)),
		done:      make(chan struct{}),
	}
	for _, r := range responses {
		tx.responses <- r
	}
	return tx
}

func (tx *scriptedTx) Terminate()                               { tx.once.Do(func() { close(tx.done) }) }
func (tx *scriptedTx) OnTerminate(f sip.FnTxTerminate) bool     { return true }
func (tx *scriptedTx) Done() <-chan struct{}                    { return tx.done }
func (tx *scriptedTx) Err() error                               { return nil }
func (tx *scriptedTx) Responses() <-chan *sip.Response          { return tx.responses }
func (tx *scriptedTx) OnRetransmission(f sip.FnTxResponse) bool { return true }

// fakeSender implements RequestSender: it completes each request like
// ua.Client would (filling mandatory headers) and answers it with whatever
// the configured script decides.
type fakeSender struct {
	mu       sync.Mutex
	requests []*sip.Request
	written  []*sip.Request
	script   func(req *sip.Request) []*sip.Response
}

func (f *fakeSender) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	completeClientHeaders(req)
	f.mu.Lock()
	// Snapshot: auth retries mutate the same request in place.
	f.requests = append(f.requests, req.Clone())
	script := f.script
	f.mu.Unlock()

	var responses []*sip.Response
	if script != nil {
		responses = script(req)
	}
	return newScriptedTx(responses...), nil
}

func (f *fakeSender) WriteMessage(req *sip.Request) error {
	f.mu.Lock()
	f.written = append(f.written, req)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) sentRequests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.requests...)
}

func (f *fakeSender) writtenRequests() []*sip.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Request(nil), f.written...)
}

// completeClientHeaders mimics the header fill-in ua.Client performs before
// a request hits the transaction layer.
func completeClientHeaders(req *sip.Request) {
	if req.Via() == nil {
		via := &sip.ViaHeader{
			ProtocolName:    "SIP",
			ProtocolVersion: "2.0",
			Transport:       "UDP",
			Host:            "client.test",
			Port:            5060,
			Params:          sip.NewParams(),
		}
		via.Params.Add("branch", sip.GenerateBranch())
		req.PrependHeader(via)
	}
	if req.From() == nil {
		from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "client.test"}, Params: sip.NewParams()}
		from.Params.Add("tag", sip.GenerateTagN(16))
		req.AppendHeader(from)
	}
	if req.To() == nil {
		req.AppendHeader(&sip.ToHeader{Address: *req.Recipient.Clone(), Params: sip.NewParams()})
	}
	if req.CallID() == nil {
		callid := sip.CallIDHeader("test-call-id")
		req.AppendHeader(&callid)
	}
	if req.CSeq() == nil {
		req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: req.Method})
	}
	if req.Body() == nil {
		req.SetBody(nil)
	}
}

func testContact() sip.ContactHeader {
	return sip.ContactHeader{
		Address: sip.Uri{User: "alice", Host: "client.test", Port: 5060},
		Params:  sip.NewParams(),
	}
}

func TestInviteHappyPath(t *testing.T) {
	fs := &fakeSender{}
	fs.script = func(req *sip.Request) []*sip.Response {
		return []*sip.Response{
			sip.NewResponseFromRequest(req, 100, "Trying", nil),
			sip.NewResponseFromRequest(req, 180, "Ringing", nil),
			sip.NewResponseFromRequest(req, 200, "OK", nil),
		}
	}
	dc := NewDialogClient(fs, testContact(), auth.ClientAuth{})

	s, err := dc.Invite(context.Background(), sip.Uri{User: "bob", Host: "server.test"}, nil)
	require.NoError(t, err)

	var states []sip.DialogState
	s.OnState(func(st sip.DialogState) { states = append(states, st) })

	require.NoError(t, s.WaitAnswer(context.Background(), AnswerOptions{}))
	assert.Equal(t, sip.DialogStateEstablished, s.LoadState())
	assert.NotEmpty(t, s.Key.RemoteTag, "re-keyed with the peer's to-tag")

	require.NoError(t, s.Ack(context.Background()))
	assert.Equal(t, sip.DialogStateConfirmed, s.LoadState())

	// Exactly one INVITE went out, and exactly one ACK.
	reqs := fs.sentRequests()
	require.Len(t, reqs, 1)
	assert.Equal(t, sip.INVITE, reqs[0].Method)
	acks := fs.writtenRequests()
	require.Len(t, acks, 1)
	assert.Equal(t, sip.ACK, acks[0].Method)
	assert.Equal(t, reqs[0].CSeq().SeqNo, acks[0].CSeq().SeqNo, "ACK carries the INVITE's CSeq")

	// The dialog is now findable under its full triple.
	_, ok := dc.registry.Lookup(s.Key)
	assert.True(t, ok)
}

func TestInviteRejectedSurfacesResponse(t *testing.T) {
	fs := &fakeSender{}
	fs.script = func(req *sip.Request) []*sip.Response {
		return []*sip.Response{
			sip.NewResponseFromRequest(req, 486, "Busy Here", nil),
		}
	}
	dc := NewDialogClient(fs, testContact(), auth.ClientAuth{})

	s, err := dc.Invite(context.Background(), sip.Uri{User: "bob", Host: "server.test"}, nil)
	require.NoError(t, err)

	err = s.WaitAnswer(context.Background(), AnswerOptions{})
	var dr *ErrDialogResponse
	require.ErrorAs(t, err, &dr)
	assert.Equal(t, 486, dr.Res.StatusCode)
}

func TestAuthRetryLoop(t *testing.T) {
	validator := auth.NewValidator()
	const password = "p"

	fs := &fakeSender{}
	fs.script = func(req *sip.Request) []*sip.Response {
		if authz := req.GetHeader("Authorization"); authz != nil {
			cred, err := auth.ParseCredentials(authz.Value())
			if err != nil {
				return []*sip.Response{sip.NewResponseFromRequest(req, 400, "Bad Request", nil)}
			}
			if err := validator.Validate(cred, password, req.Method.String(), nil); err != nil {
				return []*sip.Response{sip.NewResponseFromRequest(req, 403, "Forbidden", nil)}
			}
			return []*sip.Response{sip.NewResponseFromRequest(req, 200, "OK", nil)}
		}

		chal := auth.Challenge{Realm: "x", Nonce: "N", Algorithm: auth.AlgorithmMD5}
		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		return []*sip.Response{res}
	}

	dc := NewDialogClient(fs, testContact(), auth.ClientAuth{})
	s, err := dc.Invite(context.Background(), sip.Uri{User: "bob", Host: "server.test"}, nil)
	require.NoError(t, err)

	require.NoError(t, s.WaitAnswer(context.Background(), AnswerOptions{Username: "alice", Password: password}))
	assert.Equal(t, sip.DialogStateEstablished, s.LoadState())

	// Exactly two requests reached the server: the challenged one and the
	// authenticated resend with CSeq+1.
	reqs := fs.sentRequests()
	require.Len(t, reqs, 2)
	assert.Nil(t, reqs[0].GetHeader("Authorization"))
	assert.NotNil(t, reqs[1].GetHeader("Authorization"))
	assert.Equal(t, reqs[0].CSeq().SeqNo+1, reqs[1].CSeq().SeqNo)

	// The 401 was ACKed on the wire before the retry went out.
	acks := fs.writtenRequests()
	require.Len(t, acks, 1)
	assert.Equal(t, sip.ACK, acks[0].Method)
}

func TestAuthRetryBudgetExhausts(t *testing.T) {
	fs := &fakeSender{}
	fs.script = func(req *sip.Request) []*sip.Response {
		chal := auth.Challenge{Realm: "x", Nonce: "N", Algorithm: auth.AlgorithmMD5}
		res := sip.NewResponseFromRequest(req, sip.StatusUnauthorized, "Unauthorized", nil)
		res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
		return []*sip.Response{res}
	}

	dc := NewDialogClient(fs, testContact(), auth.ClientAuth{})
	s, err := dc.Invite(context.Background(), sip.Uri{User: "bob", Host: "server.test"}, nil)
	require.NoError(t, err)
	s.SetAuthRetryLimit(2)

	err = s.WaitAnswer(context.Background(), AnswerOptions{Username: "alice", Password: "p"})
	require.ErrorIs(t, err, ErrAuthRetryExhausted)

	// Initial request plus the two budgeted retries, then give up.
	assert.Len(t, fs.sentRequests(), 3)
}

// Three in-dialog requests pushed in wire order are consumed in the same
// order, and the dialog's CSeq high-water mark follows them.
func TestInDialogRequestQueueOrdering(t *testing.T) {
	d := &Dialog{}
	d.Init()

	for i := 1; i <= 3; i++ {
		req := sip.NewRequest(sip.NOTIFY, sip.Uri{User: "alice", Host: "client.test"})
		req.AppendHeader(&sip.CSeqHeader{SeqNo: uint32(i), MethodName: sip.NOTIFY})
		req.SetBody([]byte(fmt.Sprintf("%d", i)))
		require.True(t, d.pushRequest(&IncomingRequest{Request: req}))
		d.lastCSeqNo.Store(uint32(i))
	}

	var last uint32
	for i := 1; i <= 3; i++ {
		select {
		case in := <-d.Requests():
			assert.Equal(t, fmt.Sprintf("%d", i), string(in.Request.Body()))
			assert.GreaterOrEqual(t, in.Request.CSeq().SeqNo, last)
			last = in.Request.CSeq().SeqNo
		case <-time.After(time.Second):
			t.Fatal("queued request never delivered")
		}
	}
}

func TestServerDialogLifecycle(t *testing.T) {
	fs := &fakeSender{}
	ds := NewDialogServer(fs, testContact())

	invite := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "server.test"})
	completeClientHeaders(invite)
	invite.AppendHeader(&sip.ContactHeader{Address: sip.Uri{User: "alice", Host: "client.test"}, Params: sip.NewParams()})

	stx := &recordingServerTx{}
	session, err := ds.ReadInvite(invite, stx)
	require.NoError(t, err)
	assert.NotEmpty(t, session.Key.LocalTag, "UAS assigns its to-tag on accept")
	assert.NotEmpty(t, session.Key.RemoteTag)

	require.NoError(t, session.Respond(180, "Ringing", nil))
	require.NoError(t, session.Respond(200, "OK", nil))
	assert.Equal(t, sip.DialogStateEstablished, session.LoadState())

	// The ACK completing the handshake matches by the swapped tag triple.
	ack := sip.NewRequest(sip.ACK, invite.Recipient)
	ack.AppendHeader(sip.HeaderClone(invite.From()))
	ack.AppendHeader(sip.HeaderClone(invite.To()))
	ack.AppendHeader(sip.HeaderClone(invite.CallID()))
	ack.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo, MethodName: sip.ACK})
	require.NoError(t, ds.ReadAck(ack))
	assert.Equal(t, sip.DialogStateConfirmed, session.LoadState())

	// BYE from the peer is answered 200 and ends the dialog.
	bye := sip.NewRequest(sip.BYE, invite.Recipient)
	bye.AppendHeader(sip.HeaderClone(invite.From()))
	bye.AppendHeader(sip.HeaderClone(invite.To()))
	bye.AppendHeader(sip.HeaderClone(invite.CallID()))
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: invite.CSeq().SeqNo + 1, MethodName: sip.BYE})
	require.NoError(t, ds.ReadBye(bye, stx))
	assert.Equal(t, sip.DialogStateEnded, session.LoadState())

	responses := stx.responded()
	require.NotEmpty(t, responses)
	assert.Equal(t, 200, responses[len(responses)-1].StatusCode)
}

// recordingServerTx is a fake sip.ServerTransaction capturing responses.
type recordingServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	acks      chan *sip.Request
	done      chan struct{}
	once      sync.Once
}

func (tx *recordingServerTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	tx.responses = append(tx.responses, res)
	tx.mu.Unlock()
	return nil
}

func (tx *recordingServerTx) responded() []*sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]*sip.Response(nil), tx.responses...)
}

func (tx *recordingServerTx) Acks() <-chan *sip.Request {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.acks == nil {
		tx.acks = make(chan *sip.Request)
	}
	return tx.acks
}

func (tx *recordingServerTx) Terminate() {
	tx.once.Do(func() {
		if tx.done == nil {
			tx.done = make(chan struct{})
		}
		close(tx.done)
	})
}

func (tx *recordingServerTx) OnTerminate(f sip.FnTxTerminate) bool { return true }

func (tx *recordingServerTx) Done() <-chan struct{} {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done == nil {
		tx.done = make(chan struct{})
	}
	return tx.done
}

func (tx *recordingServerTx) Err() error                      { return nil }
func (tx *recordingServerTx) OnCancel(f sip.FnTxCancel) bool  { return true }
