package dialplan

import (
	"context"

	"github.com/eyepea/gosip/auth"
	"github.com/eyepea/gosip/sip"
)

// Middleware wraps a Handler, modeled as a fold over a slice of middleware.
type Middleware func(next Handler) Handler

// Chain folds middlewares right-to-left around h so the first entry in
// middlewares runs first.
func Chain(h Handler, middlewares ...Middleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// PasswordLookup returns the password for username in realm, and whether
// one is configured at all.
type PasswordLookup func(realm, username string) (string, bool)

// AuthMiddleware challenges requests for the configured methods with HTTP
// Digest (RFC 2617), re-invoking next only once a valid Authorization
// header is presented.
type AuthMiddleware struct {
	Realm     string
	Lookup    PasswordLookup
	Methods   map[sip.RequestMethod]bool
	Validator *auth.Validator
}

// NewAuthMiddleware builds an AuthMiddleware gating the given methods.
func NewAuthMiddleware(realm string, lookup PasswordLookup, methods ...sip.RequestMethod) *AuthMiddleware {
	m := make(map[sip.RequestMethod]bool, len(methods))
	for _, meth := range methods {
		m[meth] = true
	}
	return &AuthMiddleware{Realm: realm, Lookup: lookup, Methods: m, Validator: auth.NewValidator()}
}

// Wrap implements Middleware.
func (a *AuthMiddleware) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *Request) error {
		sreq := req.AsRequest()
		if !a.Methods[sreq.Method] {
			return next(ctx, req)
		}

		authz := sreq.GetHeader("Authorization")
		if authz == nil {
			return a.challenge(req)
		}

		cred, err := auth.ParseCredentials(authz.Value())
		if err != nil {
			return a.challenge(req)
		}

		password, ok := a.Lookup(a.Realm, cred.Username)
		if !ok {
			return a.challenge(req)
		}

		if err := a.Validator.Validate(cred, password, string(sreq.Method), sreq.Body()); err != nil {
			return a.challenge(req)
		}

		return next(ctx, req)
	}
}

func (a *AuthMiddleware) challenge(req *Request) error {
	chal := auth.Challenge{Realm: a.Realm, Nonce: auth.GenerateNonce(), Algorithm: auth.AlgorithmMD5, QOP: auth.QOPAuth}
	return req.Reply(sip.StatusUnauthorized, nil, sip.NewHeader("WWW-Authenticate", chal.String()))
}
