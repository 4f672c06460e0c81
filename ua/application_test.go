package ua

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/eyepea/gosip/auth"
	"github.com/eyepea/gosip/dialog"
	"github.com/eyepea/gosip/dialplan"
	"github.com/eyepea/gosip/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureTx is a fake sip.ServerTransaction recording what the dispatcher
// responds with.
type captureTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
	once      sync.Once
}

func newCaptureTx() *captureTx {
	return &captureTx{done: make(chan struct{})}
}

func (tx *captureTx) Respond(res *sip.Response) error {
	tx.mu.Lock()
	tx.responses = append(tx.responses, res)
	tx.mu.Unlock()
	return nil
}

func (tx *captureTx) last() *sip.Response {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.responses) == 0 {
		return nil
	}
	return tx.responses[len(tx.responses)-1]
}

func (tx *captureTx) Acks() <-chan *sip.Request            { return make(chan *sip.Request) }
func (tx *captureTx) Terminate()                           { tx.once.Do(func() { close(tx.done) }) }
func (tx *captureTx) OnTerminate(f sip.FnTxTerminate) bool { return true }
func (tx *captureTx) Done() <-chan struct{}                { return tx.done }
func (tx *captureTx) Err() error                           { return nil }
func (tx *captureTx) OnCancel(f sip.FnTxCancel) bool       { return true }

// nullSender satisfies dialog.RequestSender for an Application whose tests
// never originate requests.
type nullSender struct{}

func (nullSender) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return nil, errors.New("no outbound requests in this test")
}
func (nullSender) WriteMessage(req *sip.Request) error { return nil }

func testApplication(dp dialplan.Dialplan) *Application {
	contact := sip.ContactHeader{Address: sip.Uri{User: "ua", Host: "local.test"}, Params: sip.NewParams()}
	return &Application{
		Server:   &Server{log: zerolog.Nop()},
		DialogUA: dialog.NewDialogUA(nullSender{}, contact, auth.ClientAuth{}),
		Dialplan: dp,
		Peers:    newPeerTable(),
		log:      zerolog.Nop(),
	}
}

func inboundRequest(method sip.RequestMethod) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{User: "bob", Host: "local.test"})
	via := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "remote.test",
		Port:            5060,
		Params:          sip.NewParams(),
	}
	via.Params.Add("branch", sip.GenerateBranch())
	req.AppendHeader(via)
	from := &sip.FromHeader{Address: sip.Uri{User: "alice", Host: "remote.test"}, Params: sip.NewParams()}
	from.Params.Add("tag", "remotetag")
	req.AppendHeader(from)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{User: "bob", Host: "local.test"}, Params: sip.NewParams()})
	callid := sip.CallIDHeader("dispatch-test")
	req.AppendHeader(&callid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	req.SetSource("198.51.100.7:5060")
	req.SetDestination("192.0.2.1:5060")
	return req
}

func TestDispatchUnmatchedMethodGets501(t *testing.T) {
	app := testApplication(dialplan.NewStaticDialplan())
	tx := newCaptureTx()

	app.dispatch(inboundRequest(sip.MESSAGE), tx)

	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusNotImplemented, res.StatusCode)
}

func TestDispatchOptionsGetsDefault200(t *testing.T) {
	app := testApplication(dialplan.NewStaticDialplan())
	tx := newCaptureTx()

	app.dispatch(inboundRequest(sip.OPTIONS), tx)

	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
}

func TestDispatchResolvedHandlerRuns(t *testing.T) {
	handled := make(chan sip.RequestMethod, 1)
	dp := dialplan.NewStaticDialplan(dialplan.Route{
		Method: sip.MESSAGE,
		Handler: func(ctx context.Context, req *dialplan.Request) error {
			handled <- req.Method
			return req.Reply(sip.StatusOK, nil)
		},
	})
	app := testApplication(dp)
	tx := newCaptureTx()

	app.dispatch(inboundRequest(sip.MESSAGE), tx)

	select {
	case m := <-handled:
		assert.Equal(t, sip.MESSAGE, m)
	default:
		t.Fatal("handler never ran")
	}
	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusOK, res.StatusCode)
}

func TestDispatchHandlerErrorBecomes500(t *testing.T) {
	dp := dialplan.NewStaticDialplan(dialplan.Route{
		Method: sip.MESSAGE,
		Handler: func(ctx context.Context, req *dialplan.Request) error {
			return errors.New("boom")
		},
	})
	app := testApplication(dp)
	tx := newCaptureTx()

	app.dispatch(inboundRequest(sip.MESSAGE), tx)

	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusInternalServerError, res.StatusCode)
}

func TestDispatchHandlerPanicBecomes500WithDebugBody(t *testing.T) {
	dp := dialplan.NewStaticDialplan(dialplan.Route{
		Method: sip.MESSAGE,
		Handler: func(ctx context.Context, req *dialplan.Request) error {
			panic("handler exploded")
		},
	})
	app := testApplication(dp)
	app.Debug = true
	tx := newCaptureTx()

	app.dispatch(inboundRequest(sip.MESSAGE), tx)

	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, string(res.Body()), "handler exploded")
}

func TestDispatchHandlerPanicWithoutDebugHasEmptyBody(t *testing.T) {
	dp := dialplan.NewStaticDialplan(dialplan.Route{
		Method: sip.MESSAGE,
		Handler: func(ctx context.Context, req *dialplan.Request) error {
			panic("secret detail")
		},
	})
	app := testApplication(dp)
	tx := newCaptureTx()

	app.dispatch(inboundRequest(sip.MESSAGE), tx)

	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusInternalServerError, res.StatusCode)
	assert.NotContains(t, string(res.Body()), "secret detail")
}

func TestDispatchAckWithNoDialogIsDropped(t *testing.T) {
	app := testApplication(dialplan.NewStaticDialplan())
	tx := newCaptureTx()

	app.dispatch(inboundRequest(sip.ACK), tx)

	assert.Nil(t, tx.last(), "ACK must never be answered")
}

func TestDispatchCancelWithoutInviteGets481(t *testing.T) {
	app := testApplication(dialplan.NewStaticDialplan())
	tx := newCaptureTx()

	app.dispatch(inboundRequest(sip.CANCEL), tx)

	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusCallTransactionDoesNotExists, res.StatusCode)
}

func TestDispatchByeWithoutDialogGets481(t *testing.T) {
	app := testApplication(dialplan.NewStaticDialplan())
	tx := newCaptureTx()

	app.dispatch(inboundRequest(sip.BYE), tx)

	res := tx.last()
	require.NotNil(t, res)
	assert.Equal(t, sip.StatusCallTransactionDoesNotExists, res.StatusCode)
}
