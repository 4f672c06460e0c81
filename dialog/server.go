package dialog

import (
	"context"
	"fmt"
	"time"

	"github.com/eyepea/gosip/metrics"
	"github.com/eyepea/gosip/sip"
	"github.com/google/uuid"
)

// DialogServer manages the set of dialogs this process has accepted as a
// UAS, mirroring DialogClient but for the callee side. One instance is
// normally shared across a whole Application.
type DialogServer struct {
	sender     RequestSender
	registry   *Registry
	contactHDR sip.ContactHeader
}

// NewDialogServer provides a handle for managing UAS dialogs. contactHDR is
// appended to every response that establishes a dialog.
func NewDialogServer(sender RequestSender, contactHDR sip.ContactHeader) *DialogServer {
	return &DialogServer{
		sender:     sender,
		registry:   NewRegistry(),
		contactHDR: contactHDR,
	}
}

// ReadInvite should be called from the INVITE handler before any response
// is sent; it assigns the local (to-)tag and registers the early dialog
// under its full (now-known) triple since both tags are available the
// moment a UAS accepts the INVITE.
func (s *DialogServer) ReadInvite(req *sip.Request, tx sip.ServerTransaction) (*DialogServerSession, error) {
	cont := req.Contact()
	if cont == nil {
		return nil, ErrDialogInviteNoContact
	}
	to := req.To()
	if to == nil {
		return nil, fmt.Errorf("dialog: no To header")
	}
	if to.Params == nil {
		to.Params = sip.NewParams()
	}
	to.Params.Add("tag", uuid.New().String())

	from := req.From()
	callID := req.CallID()
	if from == nil || callID == nil {
		return nil, fmt.Errorf("dialog: missing From/Call-ID")
	}

	dtx := &DialogServerSession{
		Dialog: Dialog{
			InviteRequest: req,
			Key:           DialogID{CallID: callID.Value(), LocalTag: toTag(to), RemoteTag: fromTag(from)},
		},
		ds:       s,
		inviteTx: tx,
	}
	dtx.ID = dialogIDString(dtx.Key)
	dtx.Init()
	s.registry.Store(dtx.Key, &dtx.Dialog)

	tx.OnCancel(func(r *sip.Request) {
		if dtx.LoadState() >= sip.DialogStateEstablished {
			// Too late: a final response already went out, §9.2 says the
			// CANCEL has no effect on the dialog.
			return
		}
		res := sip.NewResponseFromRequest(req, sip.StatusRequestTerminated, "Request Terminated", nil)
		if err := tx.Respond(res); err == nil {
			dtx.InviteResponse = res
		}
		dtx.endWithCause(sip.ErrTransactionCanceled)
	})
	tx.OnTerminate(func(key string, err error) {
		if dtx.LoadState() < sip.DialogStateEstablished {
			dtx.endWithCause(err)
		}
	})

	return dtx, nil
}

// matchDialog finds the dialog an in-dialog request (ACK/BYE/re-INVITE/...)
// targets, from the perspective of a UAS: From carries the remote tag, To
// carries our local tag.
func (s *DialogServer) matchDialog(req *sip.Request) (*Dialog, error) {
	callID := req.CallID()
	from := req.From()
	to := req.To()
	if callID == nil || from == nil || to == nil {
		return nil, fmt.Errorf("dialog: missing Call-ID/From/To: %w", ErrDialogOutsideDialog)
	}
	id := DialogID{CallID: callID.Value(), LocalTag: toTag(to), RemoteTag: fromTag(from)}
	d, ok := s.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("callid=%q: %w", id.CallID, ErrDialogDoesNotExists)
	}
	return d, nil
}

// ReadAck completes the 3-way handshake for a 2xx INVITE response. A
// non-matching ACK is dropped silently; there is no dialog to hand it to.
func (s *DialogServer) ReadAck(req *sip.Request) error {
	d, err := s.matchDialog(req)
	if err != nil {
		return err
	}
	d.fireCallEvent(callEventAck)
	d.setState(sip.DialogStateConfirmed)
	return nil
}

// ReadRequest routes an in-dialog request (other than ACK/BYE) to the
// matching dialog's Requests() queue.
func (s *DialogServer) ReadRequest(req *sip.Request, tx sip.ServerTransaction) error {
	d, err := s.matchDialog(req)
	if err != nil {
		return err
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

// ReadBye answers BYE with 200 and tears down the dialog.
func (s *DialogServer) ReadBye(req *sip.Request, tx sip.ServerTransaction) error {
	d, err := s.matchDialog(req)
	if err != nil {
		return err
	}

	res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
	if err := tx.Respond(res); err != nil {
		return err
	}
	d.fireCallEvent(callEventTerminate)
	d.setState(sip.DialogStateEnded)
	s.registry.Delete(d.Key)
	return nil
}

// Dialogs returns a snapshot of every live UAS dialog, for shutdown/drain
// code that needs to walk them all.
func (s *DialogServer) Dialogs() []*Dialog {
	return s.registry.All()
}

// SetMetrics attaches m to the underlying registry so dialog counts are
// reported. Passing nil disables reporting.
func (s *DialogServer) SetMetrics(m *metrics.Registry) {
	s.registry.Metrics = m
}

// DialogServerSession is an established (or establishing) UAS dialog.
type DialogServerSession struct {
	Dialog
	ds       *DialogServer
	inviteTx sip.ServerTransaction
}

// Respond answers the initial INVITE. Calling it repeatedly with 1xx codes
// is fine; the first non-1xx call finalizes the transaction.
func (s *DialogServerSession) Respond(statusCode int, reason string, body []byte, headers ...sip.Header) error {
	res := sip.NewResponseFromRequest(s.InviteRequest, statusCode, reason, body)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return s.WriteResponse(res)
}

// WriteResponse sends a caller-built response for the INVITE transaction,
// adding the dialog's default Contact header if the caller omitted one.
func (s *DialogServerSession) WriteResponse(res *sip.Response) error {
	if res.Contact() == nil {
		res.AppendHeader(s.ds.contactHDR.Clone())
	}
	s.InviteResponse = res

	switch {
	case res.IsProvisional():
		s.fireCallEvent(callEvent1xx)
		return s.inviteTx.Respond(res)
	case res.IsSuccess():
		if err := s.inviteTx.Respond(res); err != nil {
			return err
		}
		s.fireCallEvent(callEvent2xx)
		s.setState(sip.DialogStateEstablished)
		return nil
	default:
		if err := s.inviteTx.Respond(res); err != nil {
			return err
		}
		s.fireCallEvent(callEventNon2xx)
		return nil
	}
}

// Close removes the dialog from its server registry. It does not send BYE.
func (s *DialogServerSession) Close() error {
	if s.ds != nil {
		s.ds.registry.Delete(s.Key)
	}
	s.stopAutoClose()
	return nil
}

// ScheduleAutoClose arms auto-close: REGISTER/SUBSCRIBE dialogs close at
// 1.1*expires, everything else after idle.
func (s *DialogServerSession) ScheduleAutoClose(expires time.Duration, idle time.Duration) {
	method := s.InviteRequest.Method
	after := idle
	if method == sip.REGISTER || method == sip.SUBSCRIBE {
		after = time.Duration(float64(expires) * 1.1)
	}
	s.scheduleAutoClose(after, func() {
		_ = s.Close()
		s.setState(sip.DialogStateEnded)
	})
}

// Bye sends BYE from the UAS side, tearing down an established dialog.
func (s *DialogServerSession) Bye(ctx context.Context) error {
	defer s.Close()

	if s.LoadState() != sip.DialogStateEstablished && s.LoadState() != sip.DialogStateConfirmed {
		return fmt.Errorf("dialog not established")
	}

	bye := newByeRequestUAS(s.InviteRequest, s.InviteResponse)
	tx, err := s.ds.sender.Request(ctx, bye)
	if err != nil {
		return err
	}
	defer tx.Terminate()

	select {
	case res := <-tx.Responses():
		if res.StatusCode != sip.StatusOK {
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

// newByeRequestUAS builds a BYE sent by the callee side, swapping From/To
// relative to the original INVITE (our To becomes From, caller's From
// becomes To).
func newByeRequestUAS(req *sip.Request, res *sip.Response) *sip.Request {
	cont := req.Contact()
	recipient := req.Recipient
	if cont != nil {
		recipient = cont.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = req.SipVersion

	from := res.From()
	to := res.To()
	callID := res.CallID()

	newFrom := &sip.FromHeader{DisplayName: to.DisplayName, Address: to.Address, Params: to.Params}
	newTo := &sip.ToHeader{DisplayName: from.DisplayName, Address: from.Address, Params: from.Params}

	maxfwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxfwd)
	bye.AppendHeader(newFrom)
	bye.AppendHeader(newTo)
	bye.AppendHeader(sip.HeaderClone(callID))

	cseq := req.CSeq()
	newCseq := sip.CSeqHeader{SeqNo: cseq.SeqNo + 1, MethodName: sip.BYE}
	bye.AppendHeader(&newCseq)

	bye.SetTransport(req.Transport())
	return bye
}
