package dialplan

import (
	"github.com/eyepea/gosip/dialog"
	"github.com/eyepea/gosip/sip"
)

// Request is the façade a Handler receives instead of the raw
// (sip.Request, sip.ServerTransaction) pair. It hides transaction wiring
// behind three operations: Prepare starts a dialog from an INVITE, Proxy
// forwards the message to another leg, and Reply answers
// statelessly/out-of-dialog.
type Request struct {
	Method    sip.RequestMethod
	Msg       sip.Message
	Transport string
	Local     string
	Remote    string

	tx        sip.ServerTransaction
	dialogSrv *dialog.DialogServer
	forwardFn func(msg sip.Message) error
}

// NewRequest builds the façade for a dispatcher invoking the dialplan.
// forward is optional and is only needed if the resolved Handler calls
// Proxy; it is normally supplied by the proxy package's registry.
func NewRequest(req *sip.Request, tx sip.ServerTransaction, transport, local, remote string, dialogSrv *dialog.DialogServer, forward func(msg sip.Message) error) *Request {
	return &Request{
		Method:    req.Method,
		Msg:       req,
		Transport: transport,
		Local:     local,
		Remote:    remote,
		tx:        tx,
		dialogSrv: dialogSrv,
		forwardFn: forward,
	}
}

// AsRequest type-asserts Msg back to *sip.Request; out-of-dialog requests
// handled by a dialplan are always requests (responses never reach here),
// but the façade stores Msg as the interface so future message kinds don't
// need a new field.
func (r *Request) AsRequest() *sip.Request {
	return r.Msg.(*sip.Request)
}

// Prepare answers the initial INVITE with status and starts tracking a
// dialog for it. Non-INVITE methods get a plain stateful response with no
// dialog created.
func (r *Request) Prepare(status int, headers ...sip.Header) (*dialog.DialogServerSession, error) {
	req := r.AsRequest()
	if req.Method != sip.INVITE {
		return nil, r.Reply(status, nil, headers...)
	}
	if r.dialogSrv == nil {
		return nil, errDialplanNoDialogServer
	}
	session, err := r.dialogSrv.ReadInvite(req, r.tx)
	if err != nil {
		return nil, err
	}
	if err := session.Respond(status, sip.ReasonPhrase(status), nil, headers...); err != nil {
		return nil, err
	}
	return session, nil
}

// Proxy hands the message to the configured forwarder (normally
// proxy.Registry.Forward), turning this handler into one leg of a B2BUA.
func (r *Request) Proxy(msg sip.Message) error {
	if r.forwardFn == nil {
		return errDialplanNoForwarder
	}
	return r.forwardFn(msg)
}

// Reply sends a stateful out-of-dialog response on the server transaction
// backing this request.
func (r *Request) Reply(status int, body []byte, headers ...sip.Header) error {
	req := r.AsRequest()
	res := sip.NewResponseFromRequest(req, status, sip.ReasonPhrase(status), body)
	for _, h := range headers {
		res.AppendHeader(h)
	}
	return r.tx.Respond(res)
}
