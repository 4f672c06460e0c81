package dialog

import (
	"context"
	"errors"

	"github.com/eyepea/gosip/auth"
	"github.com/eyepea/gosip/sip"
)

// DialogUA is the User Agent handle controlling both UAC and UAS dialogs
// for one logical endpoint (one Contact). It is the thing an Application
// or dialplan Handler holds to originate and re-attach dialogs.
type DialogUA struct {
	Client *DialogClient
	Server *DialogServer

	sender     RequestSender
	contactHDR sip.ContactHeader
}

// NewDialogUA builds the combined UAC/UAS dialog handle sharing one
// contact header and request sender.
func NewDialogUA(sender RequestSender, contactHDR sip.ContactHeader, creds auth.ClientAuth) *DialogUA {
	return &DialogUA{
		Client:     NewDialogClient(sender, contactHDR, creds),
		Server:     NewDialogServer(sender, contactHDR),
		sender:     sender,
		contactHDR: contactHDR,
	}
}

// DialogSessionParams reattaches a dialog whose initial transaction has
// already completed (e.g. restored from persisted state at process
// restart boundaries outside this library's scope).
type DialogSessionParams struct {
	InviteReq  *sip.Request
	InviteResp *sip.Response
	State      sip.DialogState
	CSeq       uint32
	Key        DialogID
}

// NewClientSession reattaches a UAC dialog without creating a transaction
// for the initial INVITE.
func (ua *DialogUA) NewClientSession(params DialogSessionParams) (*DialogClientSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("dialog: invite request is required")
	}
	s := &DialogClientSession{
		Dialog: Dialog{
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
			Key:            params.Key,
		},
		dc:       ua.Client,
		inviteTx: NoOpClientTransaction{},
		UA:       ua,
	}
	s.ID = dialogIDString(params.Key)
	s.InitWithState(params.State)
	s.SetCSEQ(params.CSeq)
	ua.Client.registry.Store(params.Key, &s.Dialog)
	ua.Client.legacy.Store(s.ID, s)
	return s, nil
}

// NewServerSession reattaches a UAS dialog without a live INVITE server
// transaction.
func (ua *DialogUA) NewServerSession(params DialogSessionParams) (*DialogServerSession, error) {
	if params.InviteReq == nil {
		return nil, errors.New("dialog: invite request is required")
	}
	s := &DialogServerSession{
		Dialog: Dialog{
			InviteRequest:  params.InviteReq,
			InviteResponse: params.InviteResp,
			Key:            params.Key,
		},
		ds:       ua.Server,
		inviteTx: NoOpServerTransaction{},
	}
	s.ID = dialogIDString(params.Key)
	s.InitWithState(params.State)
	s.SetCSEQ(params.CSeq)
	ua.Server.registry.Store(params.Key, &s.Dialog)
	return s, nil
}

// Invite starts a new UAC dialog through the shared DialogClient.
func (ua *DialogUA) Invite(ctx context.Context, recipient sip.Uri, body []byte, headers ...sip.Header) (*DialogClientSession, error) {
	s, err := ua.Client.Invite(ctx, recipient, body, headers...)
	if err != nil {
		return nil, err
	}
	s.UA = ua
	return s, nil
}

// LookupAny matches id against both the client and server dialog
// registries, used by a dispatcher that does not know a priori which side
// originated a given Call-ID.
func (ua *DialogUA) LookupAny(id DialogID) (*Dialog, bool) {
	if d, ok := ua.Client.registry.Lookup(id); ok {
		return d, true
	}
	return ua.Server.registry.Lookup(id)
}
