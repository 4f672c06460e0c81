package auth

import "crypto/rand"

const nonceAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// randomToken mirrors sip.RandStringBytesMask (math/rand-backed, used for
// branch/tag generation) but uses crypto/rand: nonces and cnonces are
// security-sensitive and must not be predictable the way a Via branch can be.
func randomToken(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	out := make([]byte, n)
	for i, c := range b {
		out[i] = nonceAlphabet[int(c)%len(nonceAlphabet)]
	}
	return string(out)
}

// GenerateNonce returns a fresh server nonce.
func GenerateNonce() string { return randomToken(32) }

// GenerateCNonce returns a fresh client cnonce.
func GenerateCNonce() string { return randomToken(16) }
