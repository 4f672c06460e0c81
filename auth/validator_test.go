package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newValidCred(nc uint32) *Credentials {
	c := &Credentials{
		Username: "alice",
		Password: "p",
		Realm:    "x",
		Nonce:    "N",
		URI:      "sip:bob@s",
		QOP:      QOPAuth,
		NC:       nc,
		CNonce:   "cn",
	}
	ComputeResponse(c, "SUBSCRIBE", nil)
	return c
}

func TestValidatorAcceptsFirstRequest(t *testing.T) {
	v := NewValidator()
	cred := newValidCred(1)
	require.NoError(t, v.Validate(cred, "p", "SUBSCRIBE", nil))
}

func TestValidatorRejectsBadResponse(t *testing.T) {
	v := NewValidator()
	cred := newValidCred(1)
	cred.Response = "deadbeef"
	assert.ErrorIs(t, v.Validate(cred, "p", "SUBSCRIBE", nil), ErrBadResponse)
}

func TestValidatorRejectsNonIncreasingNC(t *testing.T) {
	v := NewValidator()
	first := newValidCred(1)
	require.NoError(t, v.Validate(first, "p", "SUBSCRIBE", nil))

	replay := newValidCred(1)
	assert.ErrorIs(t, v.Validate(replay, "p", "SUBSCRIBE", nil), ErrStaleNC)

	stale := newValidCred(1) // computed against stale nc=1 again, should still be rejected as non-increasing
	stale.NC = 1
	assert.ErrorIs(t, v.Validate(stale, "p", "SUBSCRIBE", nil), ErrStaleNC)
}

func TestValidatorAcceptsStrictlyIncreasingNC(t *testing.T) {
	v := NewValidator()
	first := newValidCred(1)
	require.NoError(t, v.Validate(first, "p", "SUBSCRIBE", nil))

	second := newValidCred(2)
	require.NoError(t, v.Validate(second, "p", "SUBSCRIBE", nil))
}

func TestValidatorForgetDropsState(t *testing.T) {
	v := NewValidator()
	first := newValidCred(5)
	require.NoError(t, v.Validate(first, "p", "SUBSCRIBE", nil))

	v.Forget("cn", "N")

	// nc=1 would normally be rejected as non-increasing, but Forget resets tracking.
	replay := newValidCred(1)
	require.NoError(t, v.Validate(replay, "p", "SUBSCRIBE", nil))
}
