package transaction

import (
	"sync"
	"testing"
	"time"

	"github.com/eyepea/gosip/sip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingConn captures every message written by a transaction.
type recordingConn struct {
	mu   sync.Mutex
	msgs []sip.Message
}

func (c *recordingConn) WriteMsg(msg sip.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}
func (c *recordingConn) Ref(i int)              {}
func (c *recordingConn) TryClose() (int, error) { return 0, nil }
func (c *recordingConn) Close() error           { return nil }

func (c *recordingConn) written() []sip.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sip.Message(nil), c.msgs...)
}

func (c *recordingConn) statuses() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, m := range c.msgs {
		if res, ok := m.(*sip.Response); ok {
			out = append(out, res.StatusCode)
		}
	}
	return out
}

func serverInvite(t *testing.T) *sip.Request {
	t.Helper()
	req := testInviteRequest(t)
	req.SetSource("198.51.100.7:5060")
	return req
}

// An INVITE canceled while Proceeding fires the OnCancel hook, and the
// application's 487 goes out through this same transaction while the
// CANCEL's own 200 bypasses the INVITE FSM.
func TestServerTxInviteCancelDuringProceeding(t *testing.T) {
	sip.SetTimers(2*time.Millisecond, 2*time.Millisecond, 2*time.Millisecond)
	defer sip.SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := serverInvite(t)
	conn := &recordingConn{}
	tx := NewServerTx("invite-key", req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())

	canceled := make(chan *sip.Request, 1)
	require.True(t, tx.OnCancel(func(r *sip.Request) { canceled <- r }))

	// Ringing puts the transaction (and the caller) in Proceeding.
	require.NoError(t, tx.Respond(sip.NewResponseFromRequest(req, 180, "Ringing", nil)))

	cancel := sip.NewCancelRequest(req)
	require.NoError(t, tx.Receive(cancel))

	select {
	case r := <-canceled:
		assert.Equal(t, sip.CANCEL, r.Method)
	case <-time.After(time.Second):
		t.Fatal("OnCancel never fired")
	}

	// The application answers the CANCEL with 200 and the INVITE with 487.
	require.NoError(t, tx.Respond(sip.NewResponseFromRequest(cancel, 200, "OK", nil)))
	require.NoError(t, tx.Respond(sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, "Request Terminated", nil)))

	statuses := conn.statuses()
	assert.Contains(t, statuses, 180)
	assert.Contains(t, statuses, 200)
	assert.Contains(t, statuses, sip.StatusRequestTerminated)
}

// A retransmitted request in Completed re-sends the cached final response
// instead of reaching the application again.
func TestServerTxNonInviteRetransmissionRepliesFromCache(t *testing.T) {
	sip.SetTimers(5*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond)
	defer sip.SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := serverInvite(t)
	req.Method = sip.SUBSCRIBE
	req.CSeq().MethodName = sip.SUBSCRIBE

	conn := &recordingConn{}
	tx := NewServerTx("subscribe-key", req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())

	require.NoError(t, tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)))
	before := len(conn.statuses())

	require.NoError(t, tx.Receive(req))
	after := conn.statuses()
	require.Len(t, after, before+1)
	assert.Equal(t, 200, after[len(after)-1])
}

// The INVITE server transaction sends 100 Trying on its own when the
// application stays silent past Timer_1xx.
func TestServerTxInviteAutoTrying(t *testing.T) {
	old := sip.Timer_1xx
	sip.Timer_1xx = time.Millisecond
	defer func() { sip.Timer_1xx = old }()

	req := serverInvite(t)
	conn := &recordingConn{}
	tx := NewServerTx("trying-key", req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	require.Eventually(t, func() bool {
		for _, s := range conn.statuses() {
			if s == 100 {
				return true
			}
		}
		return false
	}, time.Second, 2*time.Millisecond)
}

// A 2xx final moves the INVITE server transaction to Accepted and, after
// Timer L, Terminated.
func TestServerTxInviteAcceptedTerminatesAfterTimerL(t *testing.T) {
	sip.SetTimers(2*time.Millisecond, 2*time.Millisecond, 2*time.Millisecond)
	defer sip.SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := serverInvite(t)
	conn := &recordingConn{}
	tx := NewServerTx("accept-key", req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())

	require.NoError(t, tx.Respond(sip.NewResponseFromRequest(req, 200, "OK", nil)))

	select {
	case <-tx.Done():
	case <-time.After(time.Second):
		t.Fatal("accepted transaction never terminated")
	}
}

// The CANCEL of a client INVITE goes out on the INVITE's own branch.
func TestClientTxCancelUsesInviteBranch(t *testing.T) {
	sip.SetTimers(20*time.Millisecond, 80*time.Millisecond, 100*time.Millisecond)
	defer sip.SetTimers(500*time.Millisecond, 4*time.Second, 5*time.Second)

	req := testInviteRequest(t)
	conn := &recordingConn{}
	tx := NewClientTx("cancel-key", req, conn, zerolog.Nop())
	require.NoError(t, tx.Init())
	defer tx.Terminate()

	// 180 Ringing moves the transaction to Proceeding.
	go func() { <-tx.Responses() }()
	require.NoError(t, tx.Receive(sip.NewResponseFromRequest(req, 180, "Ringing", nil)))

	require.NoError(t, tx.Cancel())

	var cancelReq *sip.Request
	require.Eventually(t, func() bool {
		for _, m := range conn.written() {
			if r, ok := m.(*sip.Request); ok && r.IsCancel() {
				cancelReq = r
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	wantBranch, _ := req.Via().Params.Get("branch")
	gotBranch, _ := cancelReq.Via().Params.Get("branch")
	assert.Equal(t, wantBranch, gotBranch)
	assert.Equal(t, req.CSeq().SeqNo, cancelReq.CSeq().SeqNo)
}
