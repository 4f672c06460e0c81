package ua

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/eyepea/gosip/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

func Init() {
	uuid.EnableRandPool()
}

// ClientTransactionRequester is the seam a Client sends requests through;
// production wiring uses the transaction layer, tests substitute a fake.
type ClientTransactionRequester interface {
	Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
}

// Client is the UAC request factory: it fills in the headers RFC 3261
// §8.1.1 requires (Via with a fresh branch, From with tag, To, Call-ID,
// CSeq, Max-Forwards) and hands the finished request to the transaction
// layer.
type Client struct {
	*UserAgent
	host  string
	port  int
	rport bool
	log   *slog.Logger

	connAddr sip.Addr

	// TxRequester substitutes the transaction layer, for testing only.
	TxRequester ClientTransactionRequester
}

type ClientOption func(c *Client) error

// WithClientLogger overrides the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		c.log = logger
		return nil
	}
}

// WithClientHostname sets the default Via host. The From-header host is
// WithUserAgentHostname on the UA.
func WithClientHostname(hostname string) ClientOption {
	return func(c *Client) error {
		c.host = hostname
		return nil
	}
}

// WithClientPort sets the default Via port; unset means an ephemeral port.
func WithClientPort(port int) ClientOption {
	return func(c *Client) error {
		c.port = port
		return nil
	}
}

// WithClientConnectionAddr pins the local address requests are sent from,
// useful when acting as a pure client with no listeners.
func WithClientConnectionAddr(hostPort string) ClientOption {
	return func(c *Client) error {
		host, port, err := sip.ParseAddr(hostPort)
		if err != nil {
			return err
		}
		c.connAddr = sip.Addr{
			IP:       net.ParseIP(host),
			Port:     port,
			Hostname: host,
		}
		return nil
	}
}

// WithClientNAT adds an empty rport param to generated Vias so servers
// report back the address they actually saw (RFC 3581).
func WithClientNAT() ClientOption {
	return func(c *Client) error {
		c.rport = true
		return nil
	}
}

// WithClientAddr combines WithClientHostname and WithClientPort;
// addr is "<host>:<port>".
func WithClientAddr(addr string) ClientOption {
	return func(c *Client) error {
		host, port, err := sip.ParseAddr(addr)
		if err != nil {
			return err
		}
		WithClientHostname(host)(c)
		WithClientPort(port)(c)
		return nil
	}
}

// NewClient creates the UAC handle for ua.
func NewClient(ua *UserAgent, options ...ClientOption) (*Client, error) {
	c := &Client{
		UserAgent: ua,
		log:       sip.DefaultLogger().With("caller", "Client"),
	}
	for _, o := range options {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Close releases the client handle. Transaction and transport layers are
// owned by the UserAgent and close with it.
func (c *Client) Close() error {
	return nil
}

// Request implements dialog.RequestSender, letting the dialog package
// drive this client without importing package ua.
func (c *Client) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	return c.TransactionRequest(ctx, req)
}

// WriteMessage implements dialog.RequestSender.
func (c *Client) WriteMessage(req *sip.Request) error {
	return c.WriteRequest(req)
}

// Hostname returns the default Via host configured on this client.
func (c *Client) Hostname() string {
	return c.host
}

// TransactionRequest sends req as a new client transaction and returns it.
// With no options, the missing mandatory headers (To, From, CSeq, Call-ID,
// Max-Forwards, Via) are filled in; passing any option replaces that
// default entirely, which proxies rely on to forward prebuilt requests
// untouched. For request/final-response semantics use Do.
func (c *Client) TransactionRequest(ctx context.Context, req *sip.Request, options ...ClientRequestOption) (sip.ClientTransaction, error) {
	if req.IsAck() {
		return nil, fmt.Errorf("ACK request must be sent directly through transport. Use WriteRequest")
	}

	if len(options) == 0 {
		if err := clientRequestBuildReq(c, req); err != nil {
			return nil, err
		}
	} else {
		for _, o := range options {
			if err := o(c, req); err != nil {
				return nil, err
			}
		}
	}

	if c.TxRequester != nil {
		return c.TxRequester.Request(ctx, req)
	}

	// RFC 3261 §20.14: Content-Length is how stream transports find the
	// end of a message; flag its absence early rather than on the peer.
	if sip.IsReliable(req.Transport()) && req.ContentLength() == nil {
		c.log.Warn("Missing Content-Length for reliable transport")
	}

	return c.tx.Request(ctx, req)
}

// Do sends req and blocks until its final response, like http.Client.Do.
// Cancelling ctx abandons the wait without sending CANCEL; use the dialog
// API when INVITE cancellation semantics are needed.
func (c *Client) Do(ctx context.Context, req *sip.Request, opts ...ClientRequestOption) (*sip.Response, error) {
	tx, err := c.TransactionRequest(ctx, req, opts...)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return txAwaitFinal(ctx, tx)
}

// txAwaitFinal drains tx until a final response, the transaction's own
// termination, or ctx expiry.
func txAwaitFinal(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	for {
		select {
		case res := <-tx.Responses():
			if res.IsProvisional() {
				continue
			}
			return res, nil
		case <-tx.Done():
			return nil, tx.Err()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type DigestAuth struct {
	Username string
	Password string
}

// DoDigestAuth answers a 401/407 challenge on req: it recomputes
// credentials, resends, and blocks for the final response.
func (c *Client) DoDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (*sip.Response, error) {
	tx, err := c.TransactionDigestAuth(ctx, req, res, auth)
	if err != nil {
		return nil, err
	}
	defer tx.Terminate()
	return txAwaitFinal(ctx, tx)
}

// TransactionDigestAuth answers a 401/407 challenge on req and returns the
// fresh transaction created for the authenticated resend.
func (c *Client) TransactionDigestAuth(ctx context.Context, req *sip.Request, res *sip.Response, auth DigestAuth) (sip.ClientTransaction, error) {
	opts := digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.Addr(),
		Username: auth.Username,
		Password: auth.Password,
	}

	if res.StatusCode == sip.StatusProxyAuthRequired {
		if err := digestAuthApply(req, res, opts, "Proxy-Authenticate", "Proxy-Authorization"); err != nil {
			return nil, err
		}
	} else {
		if err := digestAuthApply(req, res, opts, "WWW-Authenticate", "Authorization"); err != nil {
			return nil, err
		}
	}

	// The resend is a new transaction: CSeq+1 and a fresh Via branch.
	req.CSeq().SeqNo++
	req.RemoveHeader("Via")
	return c.TransactionRequest(ctx, req, ClientRequestAddVia)
}

// WriteRequest sends req straight to the transport layer, skipping the
// transaction layer. ACKs outside a transaction go through here.
func (c *Client) WriteRequest(req *sip.Request, options ...ClientRequestOption) error {
	if len(options) == 0 {
		if err := clientRequestBuildReq(c, req); err != nil {
			return err
		}
		return c.writeReq(req)
	}

	for _, o := range options {
		if err := o(c, req); err != nil {
			return err
		}
	}
	return c.writeReq(req)
}

func (c *Client) writeReq(req *sip.Request) error {
	if c.TxRequester != nil {
		_, err := c.TxRequester.Request(context.TODO(), req)
		return err
	}
	return c.tp.WriteMsg(req)
}

type ClientRequestOption func(c *Client, req *sip.Request) error

// ClientRequestBuild fills in missing mandatory headers; it is the default
// when no options are passed, exported so it can be combined with others.
func ClientRequestBuild(c *Client, r *sip.Request) error {
	return clientRequestBuildReq(c, r)
}

func clientRequestBuildReq(c *Client, req *sip.Request) error {
	// RFC 3261 §8.1.1: a UAC request carries at minimum To, From, CSeq,
	// Call-ID, Max-Forwards and Via.
	mustHeader := make([]sip.Header, 0, 6)

	if req.Via() == nil {
		// Multi-hop Via stacks must be added by the caller.
		mustHeader = append(mustHeader, clientRequestCreateVia(c, req))
	}

	if req.From() == nil {
		from := sip.FromHeader{
			DisplayName: c.UserAgent.name,
			Address: sip.Uri{
				Encrypted: req.Recipient.Encrypted,
				User:      c.UserAgent.name,
				Host:      c.UserAgent.host,
				UriParams: sip.NewParams(),
				Headers:   sip.NewParams(),
			},
			Params: sip.NewParams(),
		}
		if from.Address.Host == "" {
			// No UA hostname configured; fall back to the routing host.
			from.Address.Host = c.host
		}
		from.Params.Add("tag", sip.GenerateTagN(16))
		mustHeader = append(mustHeader, &from)
	}

	if req.To() == nil {
		to := sip.ToHeader{
			Address: sip.Uri{
				Encrypted: req.Recipient.Encrypted,
				User:      req.Recipient.User,
				Host:      req.Recipient.Host,
				UriParams: sip.NewParams(),
				Headers:   sip.NewParams(),
			},
			Params: sip.NewParams(),
		}
		mustHeader = append(mustHeader, &to)
	}

	if req.CallID() == nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return err
		}
		callid := sip.CallIDHeader(id.String())
		mustHeader = append(mustHeader, &callid)
	}

	if req.CSeq() == nil {
		seq, err := randomCSeq()
		if err != nil {
			return err
		}
		cseq := sip.CSeqHeader{
			SeqNo:      seq,
			MethodName: req.Method,
		}
		mustHeader = append(mustHeader, &cseq)
	}

	if req.MaxForwards() == nil {
		maxfwd := sip.MaxForwardsHeader(70)
		mustHeader = append(mustHeader, &maxfwd)
	}

	req.PrependHeader(mustHeader...)

	if req.Body() == nil {
		// Forces the mandatory Content-Length: 0.
		req.SetBody(nil)
	}

	if c.connAddr.IP != nil {
		// Copy so the request never aliases the client's own IP slice.
		c.connAddr.Copy(&req.Laddr)
	}
	return nil
}

// randomCSeq picks the initial sequence number for a fresh dialog-less
// request: random, nonzero, and small enough (RFC 3261 §8.1.1.5 caps CSeq
// at 2**31-1) that in-dialog increments never overflow the cap.
func randomCSeq() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	n := binary.BigEndian.Uint32(b[:]) & 0x0FFFFFFF
	if n == 0 {
		n = 1
	}
	return n, nil
}

// ClientRequestAddVia pushes a fresh Via on a request being forwarded,
// per the proxy rules of RFC 3261 §16.6.
func ClientRequestAddVia(c *Client, r *sip.Request) error {
	r.PrependHeader(clientRequestCreateVia(c, r))
	return nil
}

// ClientRequestRegisterBuild prepares a REGISTER per RFC 3261 §10.2.
// Pass it whenever sending REGISTER; refreshes reuse the request, so an
// existing CSeq is incremented in place.
func ClientRequestRegisterBuild(c *Client, r *sip.Request) error {
	if cseq := r.CSeq(); cseq != nil {
		cseq.SeqNo++
	}

	if err := clientRequestBuildReq(c, r); err != nil {
		return err
	}

	// §10.2: the Request-URI names the registrar domain only; userinfo
	// and "@" must not be present.
	r.Recipient.User = ""
	return nil
}

func clientRequestCreateVia(c *Client, r *sip.Request) *sip.ViaHeader {
	newvia := &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       r.Transport(),
		Host:            c.host, // transport layer may rewrite
		Port:            c.port, // transport layer may rewrite
		Params:          sip.NewParams(),
	}
	newvia.Params.Add("branch", sip.GenerateBranchN(16))
	if c.rport {
		newvia.Params.Add("rport", "")
	}

	if via := r.Via(); via != nil {
		// RFC 3581 §6: as a proxy hop, fill received/rport on the Via we
		// received before pushing our own.
		if via.Params.Has("rport") {
			h, p, _ := net.SplitHostPort(r.Source())
			via.Params.Add("rport", p)
			via.Params.Add("received", h)
		}
	}
	return newvia
}

// ClientRequestAddRecordRoute makes this hop stay in the dialog's route
// set, per RFC 3261 §16. The host must be reachable (not behind NAT).
func ClientRequestAddRecordRoute(c *Client, r *sip.Request) error {
	port := c.tp.GetListenPort(sip.NetworkToLower(r.Transport()))

	uriParams := sip.NewParams()
	// RFC 5658: the transport param must survive round-trips.
	uriParams.Add("transport", sip.NetworkToLower(r.Transport()))
	uriParams.Add("lr", "")

	rr := &sip.RecordRouteHeader{
		Address: sip.Uri{
			Host:      c.host,
			Port:      port,
			UriParams: uriParams,
			Headers:   sip.NewParams(),
		},
	}
	r.PrependHeader(rr)
	return nil
}

// ClientRequestDecreaseMaxForward decrements Max-Forwards when forwarding
// a request, erroring out at zero.
func ClientRequestDecreaseMaxForward(c *Client, r *sip.Request) error {
	maxfwd := r.MaxForwards()
	if maxfwd == nil {
		return nil
	}
	maxfwd.Dec()
	if maxfwd.Val() <= 0 {
		return fmt.Errorf("max forwards reached")
	}
	return nil
}

// ClientRequestIncreaseCSEQ bumps an existing CSeq for a request reused in
// a new transaction. In-dialog requests and ACK must not pass through here.
func ClientRequestIncreaseCSEQ(c *Client, req *sip.Request) error {
	if cseq := req.CSeq(); cseq != nil {
		cseq.SeqNo++
		cseq.MethodName = req.Method
	}
	return nil
}

// digestAuthApply parses the challenge out of res and attaches the
// matching credentials header to req. challengeHeader/credsHeader pick
// between the WWW- and Proxy- flavors.
func digestAuthApply(req *sip.Request, res *sip.Response, opts digest.Options, challengeHeader, credsHeader string) error {
	authHeader := res.GetHeader(challengeHeader)
	if authHeader == nil {
		return fmt.Errorf("no %s header present", challengeHeader)
	}
	chal, err := digest.ParseChallenge(authHeader.Value())
	if err != nil {
		return fmt.Errorf("fail to parse challenge %s=%q: %w", challengeHeader, authHeader.Value(), err)
	}

	// Some servers emit a lowercase algorithm token; normalize it even
	// though the RFC never allows it.
	chal.Algorithm = sip.ASCIIToUpper(chal.Algorithm)

	cred, err := digest.Digest(chal, opts)
	if err != nil {
		return fmt.Errorf("fail to build digest: %w", err)
	}

	req.RemoveHeader(credsHeader)
	req.AppendHeader(sip.NewHeader(credsHeader, cred.String()))
	return nil
}
