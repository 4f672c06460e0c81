package auth

import (
	"fmt"

	"github.com/icholy/digest"
)

// ClientAuth holds the UAC-side credentials configured for a dialog or
// registration. Password is never transmitted.
type ClientAuth struct {
	Username string
	Password string
}

// BuildAuthorization computes the Authorization (or Proxy-Authorization,
// the caller decides which header name to use) header value to answer a
// challenge carried in challengeHeader, for request method/uri.
//
// This wraps github.com/icholy/digest: it already implements RFC 2617
// credential construction (including qop/nc/cnonce bookkeeping) for the
// single-shot client case, so there is no reason to duplicate that logic —
// ComputeResponse in digest.go exists for the server-validation path,
// which icholy/digest does not cover.
func BuildAuthorization(challengeHeader, method, uri string, creds ClientAuth) (string, error) {
	chal, err := digest.ParseChallenge(challengeHeader)
	if err != nil {
		return "", fmt.Errorf("auth: parse challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: creds.Username,
		Password: creds.Password,
	})
	if err != nil {
		return "", fmt.Errorf("auth: compute digest: %w", err)
	}

	return cred.String(), nil
}
