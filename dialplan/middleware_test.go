package dialplan

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/eyepea/gosip/auth"
	"github.com/eyepea/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	once      sync.Once
}

func newRecordTx() *recordTx { return &recordTx{done: make(chan struct{})} }

func (tx *recordTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	tx.responses = append(tx.responses, res)
	tx.mu.Unlock()
	return nil
}

func (tx *recordTx) last() *sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.responses) == 0 {
		return nil
	}
	return tx.responses[len(tx.responses)-1]
}

func (tx *recordTx) Acks() <-chan *sip.Request            { return make(chan *sip.Request) }
func (tx *recordTx) Terminate()                           { tx.once.Do(func() { close(tx.done) }) }
func (tx *recordTx) OnTerminate(f sip.FnTxTerminate) bool { return true }
func (tx *recordTx) Done() <-chan struct{}                { return tx.done }
func (tx *recordTx) Err() error                           { return nil }
func (tx *recordTx) OnCancel(f sip.FnTxCancel) bool       { return true }

func subscribeRequest(t *testing.T) *sip.Request {
	t.Helper()
	req := sip.NewRequest(sip.SUBSCRIBE, sip.Uri{User: "bob", Host: "s"})
	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "client.test"}, Params: sip.NewParams()}
	from.Params.Add("tag", "ftag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "s"}, Params: sip.NewParams()})
	callid := sip.CallIDHeader("auth-loop-test")
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.SUBSCRIBE})
	via := &sip.ViaHeader{ProtocolName: "SIP", ProtocolVersion: "2.0", Transport: "UDP", Host: "client.test", Params: sip.NewParams()}
	via.Params.Add("branch", sip.GenerateBranch())
	req.PrependHeader(via)
	req.SetSource("198.51.100.7:5060")
	return req
}

func facadeFor(req *sip.Request, tx sip.ServerTransaction) *Request {
	return NewRequest(req, tx, "UDP", "192.0.2.1:5060", req.Source(), nil, nil)
}

func TestChainRunsInDeclarationOrder(t *testing.T) {
	var order []string
	mk := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) error {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(func(ctx context.Context, req *Request) error {
		order = append(order, "handler")
		return nil
	}, mk("first"), mk("second"))

	require.NoError(t, h(context.Background(), facadeFor(subscribeRequest(t), newRecordTx())))
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

// A challenged SUBSCRIBE retried with correct credentials reaches the
// handler on exactly the second request.
func TestAuthMiddlewareChallengeThenAccept(t *testing.T) {
	const (
		realm    = "x"
		username = "alice"
		password = "p"
	)
	mw := NewAuthMiddleware(realm, func(r, u string) (string, bool) {
		if r == realm && u == username {
			return password, true
		}
		return "", false
	}, sip.SUBSCRIBE)

	handled := 0
	handler := mw.Wrap(func(ctx context.Context, req *Request) error {
		handled++
		return req.Reply(sip.StatusOK, nil)
	})

	// First request: no Authorization, expect a 401 with a challenge.
	req1 := subscribeRequest(t)
	tx1 := newRecordTx()
	require.NoError(t, handler(context.Background(), facadeFor(req1, tx1)))
	require.Equal(t, 0, handled)

	res1 := tx1.last()
	require.NotNil(t, res1)
	require.Equal(t, sip.StatusUnauthorized, res1.StatusCode)
	chalHeader := res1.GetHeader("WWW-Authenticate")
	require.NotNil(t, chalHeader)

	chal, err := auth.ParseChallenge(chalHeader.Value())
	require.NoError(t, err)
	assert.Equal(t, realm, chal.Realm)
	assert.NotEmpty(t, chal.Nonce)

	// Second request: compute credentials the way a UAC would and retry.
	req2 := subscribeRequest(t)
	req2.CSeq().SeqNo++
	cred := &auth.Credentials{
		Username:  username,
		Password:  password,
		Realm:     chal.Realm,
		Nonce:     chal.Nonce,
		URI:       "sip:bob@s",
		QOP:       chal.QOP,
		NC:        1,
		Algorithm: chal.Algorithm,
	}
	auth.ComputeResponse(cred, string(sip.SUBSCRIBE), nil)
	req2.AppendHeader(sip.NewHeader("Authorization", cred.String()))

	tx2 := newRecordTx()
	require.NoError(t, handler(context.Background(), facadeFor(req2, tx2)))
	require.Equal(t, 1, handled, "exactly the second request reaches the handler")
	assert.Equal(t, sip.StatusOK, tx2.last().StatusCode)
}

// A replayed Authorization header (same nc) is rejected with a fresh
// challenge instead of reaching the handler.
func TestAuthMiddlewareRejectsReplayedNC(t *testing.T) {
	const password = "p"
	mw := NewAuthMiddleware("x", func(_, _ string) (string, bool) {
		return password, true
	}, sip.SUBSCRIBE)

	handled := 0
	handler := mw.Wrap(func(ctx context.Context, req *Request) error {
		handled++
		return req.Reply(sip.StatusOK, nil)
	})

	// Obtain the challenge.
	tx1 := newRecordTx()
	require.NoError(t, handler(context.Background(), facadeFor(subscribeRequest(t), tx1)))
	chal, err := auth.ParseChallenge(tx1.last().GetHeader("WWW-Authenticate").Value())
	require.NoError(t, err)

	buildAuthorized := func(nc uint32) *sip.Request {
		req := subscribeRequest(t)
		cred := &auth.Credentials{
			Username: "alice", Password: password,
			Realm: chal.Realm, Nonce: chal.Nonce, URI: "sip:bob@s",
			QOP: auth.QOPAuth, NC: nc, CNonce: "0a4f113b",
			Algorithm: chal.Algorithm,
		}
		auth.ComputeResponse(cred, string(sip.SUBSCRIBE), nil)
		req.AppendHeader(sip.NewHeader("Authorization", cred.String()))
		return req
	}

	tx2 := newRecordTx()
	require.NoError(t, handler(context.Background(), facadeFor(buildAuthorized(1), tx2)))
	require.Equal(t, 1, handled)

	// Same nc again: nc did not increase, so the request is re-challenged.
	tx3 := newRecordTx()
	require.NoError(t, handler(context.Background(), facadeFor(buildAuthorized(1), tx3)))
	assert.Equal(t, 1, handled)
	assert.Equal(t, sip.StatusUnauthorized, tx3.last().StatusCode)

	// Strictly increased nc passes again.
	tx4 := newRecordTx()
	require.NoError(t, handler(context.Background(), facadeFor(buildAuthorized(2), tx4)))
	assert.Equal(t, 2, handled)
}

func TestStaticDialplanResolvesByMethod(t *testing.T) {
	dp := NewStaticDialplan(Route{Method: sip.SUBSCRIBE, Handler: func(ctx context.Context, req *Request) error { return nil }})

	_, ok := dp.Resolve(sip.SUBSCRIBE, subscribeRequest(t), "UDP", "a", "b")
	assert.True(t, ok)
	_, ok = dp.Resolve(sip.INVITE, subscribeRequest(t), "UDP", "a", "b")
	assert.False(t, ok)
}

func TestUnmatchedMethodBypassesAuth(t *testing.T) {
	mw := NewAuthMiddleware("x", func(_, _ string) (string, bool) { return "", false }, sip.REGISTER)
	handled := false
	handler := mw.Wrap(func(ctx context.Context, req *Request) error {
		handled = true
		return nil
	})
	require.NoError(t, handler(context.Background(), facadeFor(subscribeRequest(t), newRecordTx())))
	assert.True(t, handled, fmt.Sprintf("SUBSCRIBE is not gated when only REGISTER is"))
}
