package dialog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eyepea/gosip/auth"
	"github.com/eyepea/gosip/metrics"
	"github.com/eyepea/gosip/sip"
)

// DialogClient manages the set of dialogs this process has initiated as a
// UAC: one instance per transport/contact combination, mirroring the
// UAC-side dialog handling.
type DialogClient struct {
	sender     RequestSender
	registry   *Registry
	contactHDR sip.ContactHeader
	creds      auth.ClientAuth
	legacy     sync.Map // string ID -> *DialogClientSession, for callers still matching by string

	// IdleTimeout is the auto-close window for dialogs that are not
	// REGISTER/SUBSCRIBE refreshers; zero means the 30s default.
	IdleTimeout time.Duration

	// Metrics, if set, receives auth challenge/retry counts. Nil disables
	// reporting without any further checks at call sites.
	Metrics *metrics.Registry
}

func (dc *DialogClient) idleTimeout() time.Duration {
	if dc.IdleTimeout > 0 {
		return dc.IdleTimeout
	}
	return 30 * time.Second
}

// NewDialogClient provides a handle for managing UAC dialogs. contactHDR is
// required and used on the initial INVITE; creds are optional and, when
// Username is non-empty, are used to answer 401/407 challenges
// automatically from WaitAnswer.
func NewDialogClient(sender RequestSender, contactHDR sip.ContactHeader, creds auth.ClientAuth) *DialogClient {
	return &DialogClient{
		sender:     sender,
		registry:   NewRegistry(),
		contactHDR: contactHDR,
		creds:      creds,
	}
}

func (dc *DialogClient) loadDialog(id string) *DialogClientSession {
	val, ok := dc.legacy.Load(id)
	if !ok || val == nil {
		return nil
	}
	return val.(*DialogClientSession)
}

func (dc *DialogClient) dialogsLen() int {
	return dc.registry.Len()
}

// Dialogs returns a snapshot of every live UAC dialog, for shutdown/drain
// code that needs to walk them all.
func (dc *DialogClient) Dialogs() []*Dialog {
	return dc.registry.All()
}

// SetMetrics attaches m both for auth challenge/retry counters and for the
// underlying registry's active/ended dialog counts. Passing nil disables
// reporting.
func (dc *DialogClient) SetMetrics(m *metrics.Registry) {
	dc.Metrics = m
	dc.registry.Metrics = m
}

// Session looks up the typed session behind a Dialog returned by Dialogs,
// needed to call session-only methods like Bye/RefreshExpires.
func (dc *DialogClient) Session(d *Dialog) (*DialogClientSession, bool) {
	s := dc.loadDialog(d.ID)
	return s, s != nil
}

// Invite sends an INVITE to recipient and returns an early dialog session.
// Call WaitAnswer to drive it to completion.
func (dc *DialogClient) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	if body != nil {
		req.SetBody(body)
	}
	for _, h := range headers {
		req.AppendHeader(h)
	}
	return dc.WriteInvite(ctx, req)
}

func (dc *DialogClient) WriteInvite(ctx context.Context, inviteRequest *sip.Request) (*DialogClientSession, error) {
	inviteRequest.AppendHeader(&dc.contactHDR)

	tx, err := dc.sender.Request(ctx, inviteRequest)
	if err != nil {
		return nil, err
	}

	dtx := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest: inviteRequest,
		},
		dc:       dc,
		inviteTx: tx,
	}
	dtx.Dialog.Init()

	from := inviteRequest.From()
	callID := inviteRequest.CallID()
	if from != nil && callID != nil {
		dtx.Key = DialogID{CallID: callID.Value(), LocalTag: fromTag(from)}
		dc.registry.Store(dtx.Key, &dtx.Dialog)
	}

	return dtx, nil
}

// ReadBye should be invoked from the server's BYE handler for requests that
// target a dialog this side originated as UAC.
func (dc *DialogClient) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	id, err := uasDialogID(req)
	if err != nil {
		return errors.Join(ErrDialogOutsideDialog, err)
	}

	d, ok := dc.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("callid=%q: %w", id.CallID, ErrDialogDoesNotExists)
	}

	d.setState(sip.DialogStateEnded)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}

	dt := dc.loadDialog(d.ID)
	if dt != nil {
		defer dt.Close()
		defer dt.inviteTx.Terminate()
	}
	return nil
}

// ReadRequest routes an in-dialog request other than BYE (NOTIFY on a
// SUBSCRIBE dialog, re-INVITE, INFO, ...) to the matching dialog's
// Requests() queue.
func (dc *DialogClient) ReadRequest(req *sip.Request, tx sip.ServerTransaction) error {
	id, err := uasDialogID(req)
	if err != nil {
		return errors.Join(ErrDialogOutsideDialog, err)
	}

	d, ok := dc.registry.Lookup(id)
	if !ok {
		return fmt.Errorf("callid=%q: %w", id.CallID, ErrDialogDoesNotExists)
	}

	if cseq := req.CSeq(); cseq != nil {
		for {
			prev := d.lastCSeqNo.Load()
			if cseq.SeqNo <= prev {
				break
			}
			if d.lastCSeqNo.CompareAndSwap(prev, cseq.SeqNo) {
				break
			}
		}
	}

	if !d.pushRequest(&IncomingRequest{Request: req, Tx: tx}) {
		res := sip.NewResponseFromRequest(req, sip.StatusServiceUnavailable, "Request Queue Full", nil)
		return tx.Respond(res)
	}
	return nil
}

// DialogClientSession is an established (or establishing) UAC dialog.
type DialogClientSession struct {
	Dialog
	dc       *DialogClient
	inviteTx sip.ClientTransaction
	UA       *DialogUA
}

// Close releases bookkeeping for the session. It does not send BYE/CANCEL.
func (s *DialogClientSession) Close() error {
	if s.dc != nil {
		s.dc.registry.Delete(s.Key)
		s.dc.legacy.Delete(s.ID)
	}
	s.stopAutoClose()
	return nil
}

// AnswerOptions configures WaitAnswer's optional digest-auth retry loop.
type AnswerOptions struct {
	OnResponse func(res *sip.Response)

	Username string
	Password string
}

// WaitAnswer waits for a success response, transparently retrying through
// 401/407 challenges (budgeted by Dialog's auth retry limit) when
// credentials are available, and returns ErrDialogResponse for any other
// non-2xx final response. Canceling ctx sends CANCEL.
func (s *DialogClientSession) WaitAnswer(ctx context.Context, opts AnswerOptions) error {
	tx, inviteRequest := s.inviteTx, s.InviteRequest
	creds := auth.ClientAuth{Username: opts.Username, Password: opts.Password}
	if creds.Username == "" && s.dc != nil {
		creds = s.dc.creds
	}

	var r *sip.Response
	for {
		select {
		case r = <-tx.Responses():
		case <-ctx.Done():
			tx.Terminate()
			return ctx.Err()
		case <-tx.Done():
			return errors.Join(fmt.Errorf("transaction terminated"), tx.Err())
		}

		if opts.OnResponse != nil {
			opts.OnResponse(r)
		}

		if r.IsSuccess() {
			s.fireCallEvent(callEvent2xx)
			break
		}

		if r.IsProvisional() {
			s.fireCallEvent(callEvent1xx)
			continue
		}

		if (r.StatusCode == sip.StatusUnauthorized || r.StatusCode == sip.StatusProxyAuthRequired) && creds.Username != "" {
			if s.dc.Metrics != nil {
				s.dc.Metrics.AuthChallenges.Inc()
			}
			if !s.nextAuthAttempt() {
				return ErrAuthRetryExhausted
			}

			// RFC 3261 §17.1.1.3: ACK the challenge on the original branch
			// before resending the INVITE with CSeq+1 on a fresh branch.
			ack := sip.NewAckRequest(inviteRequest, r, nil)
			_ = s.dc.sender.WriteMessage(ack)

			newTx, err := retryWithChallenge(ctx, s.dc.sender, inviteRequest, r, creds)
			if err != nil {
				return err
			}
			if s.dc.Metrics != nil {
				s.dc.Metrics.AuthRetries.Inc()
			}
			tx = newTx
			s.inviteTx = tx
			continue
		}

		s.fireCallEvent(callEventNon2xx)
		return &ErrDialogResponse{Res: r}
	}

	s.resetAuthAttempts()
	id, err := responseDialogID(r, inviteRequest)
	if err != nil {
		return err
	}
	s.inviteTx = tx
	s.InviteResponse = r
	s.ID = dialogIDString(id)
	if s.dc != nil {
		s.dc.registry.Rekey(s.Key, id)
		s.dc.legacy.Store(s.ID, s)
	}
	s.Key = id
	s.setState(sip.DialogStateEstablished)
	s.armAutoClose()
	return nil
}

// armAutoClose schedules the dialog's unattended teardown once it is
// established: REGISTER/SUBSCRIBE refreshers live 1.1*Expires (so one
// missed refresh window kills them), everything else idles out after the
// client's idle window unless in-dialog traffic keeps touching the timer.
func (s *DialogClientSession) armAutoClose() {
	after := s.dc.idleTimeout()
	method := s.InviteRequest.Method
	if method == sip.REGISTER || method == sip.SUBSCRIBE {
		if secs, ok := expiresSeconds(s.InviteResponse, s.InviteRequest); ok && secs > 0 {
			after = time.Duration(float64(secs) * 1.1 * float64(time.Second))
		}
	}
	s.scheduleAutoClose(after, func() {
		s.setState(sip.DialogStateEnded)
		_ = s.Close()
	})
}

// expiresSeconds reads the Expires header off the response, falling back
// to the request the peer answered.
func expiresSeconds(res *sip.Response, req *sip.Request) (uint32, bool) {
	var headers []sip.Header
	if res != nil {
		if h := res.GetHeader("Expires"); h != nil {
			headers = append(headers, h)
		}
	}
	if req != nil {
		if h := req.GetHeader("Expires"); h != nil {
			headers = append(headers, h)
		}
	}
	for _, h := range headers {
		if v, err := strconv.ParseUint(strings.TrimSpace(h.Value()), 10, 32); err == nil {
			return uint32(v), true
		}
	}
	return 0, false
}

// Ack sends the ACK completing an established dialog.
func (s *DialogClientSession) Ack(ctx context.Context) error {
	ack := sip.NewAckRequest(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteAck(ctx, ack)
}

func (s *DialogClientSession) WriteAck(ctx context.Context, ack *sip.Request) error {
	if err := s.dc.sender.WriteMessage(ack); err != nil {
		return err
	}
	s.fireCallEvent(callEventAck)
	s.setState(sip.DialogStateConfirmed)
	return nil
}

// Bye sends BYE and terminates the session.
func (s *DialogClientSession) Bye(ctx context.Context) error {
	bye := newByeRequestUAC(s.InviteRequest, s.InviteResponse, nil)
	return s.WriteBye(ctx, bye)
}

func (s *DialogClientSession) WriteBye(ctx context.Context, bye *sip.Request) error {
	defer s.Close()

	state := s.LoadState()
	if state == sip.DialogStateEnded {
		return nil
	}
	if state != sip.DialogStateConfirmed {
		return fmt.Errorf("dialog not confirmed, ACK not sent?")
	}

	tx, err := s.dc.sender.Request(ctx, bye)
	if err != nil {
		return err
	}
	defer s.inviteTx.Terminate()
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode != 200 {
			return ErrDialogResponse{res}
		}
		s.fireCallEvent(callEventTerminate)
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshExpires resends the session's initiating REGISTER/SUBSCRIBE with
// a bumped CSeq and the given Expires, used both for periodic refresh and,
// with expires=0, graceful unregistration/unsubscription on shutdown.
func (s *DialogClientSession) RefreshExpires(ctx context.Context, expires uint32) error {
	req := s.InviteRequest.Clone()
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	req.RemoveHeader("Expires")
	exp := sip.Expires(expires)
	req.AppendHeader(&exp)

	tx, err := s.dc.sender.Request(ctx, req)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res != nil && !res.IsSuccess() {
			return ErrDialogResponse{res}
		}
		// A successful refresh restarts the 1.1*Expires window.
		s.armAutoClose()
		return nil
	case <-tx.Done():
		return tx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryWithChallenge rebuilds the Authorization/Proxy-Authorization header
// for req from res's challenge and resends it as a new transaction.
func retryWithChallenge(ctx context.Context, sender RequestSender, req *sip.Request, res *sip.Response, creds auth.ClientAuth) (sip.ClientTransaction, error) {
	headerName, challengeName := "Authorization", "WWW-Authenticate"
	if res.StatusCode == sip.StatusProxyAuthRequired {
		headerName, challengeName = "Proxy-Authorization", "Proxy-Authenticate"
	}

	challenge := res.GetHeader(challengeName)
	if challenge == nil {
		return nil, fmt.Errorf("dialog: no %s header in challenge", challengeName)
	}

	value, err := auth.BuildAuthorization(challenge.Value(), req.Method.String(), req.Recipient.Addr(), creds)
	if err != nil {
		return nil, fmt.Errorf("dialog: build %s: %w", headerName, err)
	}

	cseq := req.CSeq()
	cseq.SeqNo++

	req.RemoveHeader(headerName)
	req.AppendHeader(sip.NewHeader(headerName, value))
	req.RemoveHeader("Via")

	return sender.Request(ctx, req)
}

// newByeRequestUAC builds a BYE from an established UAC dialog.
// https://datatracker.ietf.org/doc/html/rfc3261#section-15.1.1
func newByeRequestUAC(inviteRequest *sip.Request, inviteResponse *sip.Response, body []byte) *sip.Request {
	recipient := &inviteRequest.Recipient
	if cont := inviteResponse.Contact(); cont != nil {
		recipient = &cont.Address
	}

	byeRequest := sip.NewRequest(sip.BYE, *recipient.Clone())
	byeRequest.SipVersion = inviteRequest.SipVersion

	if len(inviteRequest.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteRequest, byeRequest)
	}

	maxForwardsHeader := sip.MaxForwardsHeader(70)
	byeRequest.AppendHeader(&maxForwardsHeader)
	if h := inviteRequest.From(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResponse.To(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CallID(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteRequest.CSeq(); h != nil {
		byeRequest.AppendHeader(sip.HeaderClone(h))
	}

	cseq := byeRequest.CSeq()
	cseq.SeqNo = cseq.SeqNo + 1
	cseq.MethodName = sip.BYE

	byeRequest.SetBody(body)
	byeRequest.SetTransport(inviteRequest.Transport())
	byeRequest.SetSource(inviteRequest.Source())
	return byeRequest
}

// uasDialogID derives the DialogID a UAS would use to match req against a
// dialog this side created as UAC: From/To are swapped relative to the
// original INVITE.
func uasDialogID(req *sip.Request) (DialogID, error) {
	callID := req.CallID()
	from := req.From()
	to := req.To()
	if callID == nil || from == nil || to == nil {
		return DialogID{}, fmt.Errorf("missing Call-ID/From/To")
	}
	return DialogID{CallID: callID.Value(), LocalTag: toTag(to), RemoteTag: fromTag(from)}, nil
}

// responseDialogID derives the DialogID identifying the dialog established
// by a success response to req.
func responseDialogID(res *sip.Response, req *sip.Request) (DialogID, error) {
	callID := res.CallID()
	from := res.From()
	to := res.To()
	if callID == nil || from == nil || to == nil {
		return DialogID{}, fmt.Errorf("missing Call-ID/From/To in response")
	}
	return DialogID{CallID: callID.Value(), LocalTag: fromTag(from), RemoteTag: toTag(to)}, nil
}
