// Package auth implements HTTP Digest access authentication (RFC 2617) as
// used by SIP for REGISTER/INVITE/SUBSCRIBE challenge-response (RFC 3261
// 22.x). It is split in two halves: the server-issued Challenge and the
// UAC-computed Credentials, mirroring how the wire values are carried in
// WWW-Authenticate/Proxy-Authenticate and Authorization/Proxy-Authorization
// respectively.
package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// Algorithm identifies the digest algorithm negotiated for a challenge.
type Algorithm string

const (
	AlgorithmMD5     Algorithm = "MD5"
	AlgorithmMD5Sess Algorithm = "MD5-sess"
)

// QOP is the quality-of-protection value negotiated for a challenge.
type QOP string

const (
	QOPNone    QOP = ""
	QOPAuth    QOP = "auth"
	QOPAuthInt QOP = "auth-int"
)

// Challenge is the server-issued half of a digest exchange, carried in a
// WWW-Authenticate or Proxy-Authenticate header.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Domain    string
	Algorithm Algorithm
	QOP       QOP
	Stale     bool
}

// Credentials is the client-supplied half, carried in an Authorization or
// Proxy-Authorization header. Username/Password never go on the wire;
// Password is only used locally to compute Response.
type Credentials struct {
	Username string
	Password string
	Realm    string
	Nonce    string
	URI      string
	Opaque   string
	Response string
	CNonce   string
	NC       uint32 // nonce-count, hex-encoded on the wire as %08x
	QOP      QOP
	Algorithm Algorithm
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HA1 computes the first digest hash. When alg is MD5-sess the "session"
// variant folds in nonce/cnonce so the hash is bound to this handshake.
func HA1(alg Algorithm, username, realm, password, nonce, cnonce string) string {
	ha1 := md5hex(strings.Join([]string{username, realm, password}, ":"))
	if alg == AlgorithmMD5Sess {
		ha1 = md5hex(strings.Join([]string{ha1, nonce, cnonce}, ":"))
	}
	return ha1
}

// HA2 computes the second digest hash. qop=auth-int folds in a hash of the
// request body; any other qop (including none) hashes just method+uri.
func HA2(qop QOP, method, uri string, entityBody []byte) string {
	if qop == QOPAuthInt {
		bodyHash := md5hex(string(entityBody))
		return md5hex(strings.Join([]string{method, uri, bodyHash}, ":"))
	}
	return md5hex(strings.Join([]string{method, uri}, ":"))
}

// Response computes the final digest response per RFC 2617 section 3.2.2.1.
func Response(alg Algorithm, qop QOP, ha1, nonce, nc, cnonce string, ha2 string) string {
	if qop == QOPAuth || qop == QOPAuthInt {
		return md5hex(strings.Join([]string{ha1, nonce, nc, cnonce, string(qop), ha2}, ":"))
	}
	return md5hex(strings.Join([]string{ha1, nonce, ha2}, ":"))
}

// ComputeResponse fills in Credentials.Response (and CNonce if it is
// required but absent) for the given challenge, method, password and body.
// It is the single source of truth both the client (building an
// Authorization header) and tests (RFC 2617 vectors) use.
func ComputeResponse(c *Credentials, method string, body []byte) string {
	if (c.QOP == QOPAuth || c.QOP == QOPAuthInt || c.Algorithm == AlgorithmMD5Sess) && c.CNonce == "" {
		c.CNonce = GenerateCNonce()
	}
	ha1 := HA1(c.Algorithm, c.Username, c.Realm, c.Password, c.Nonce, c.CNonce)
	ha2 := HA2(c.QOP, method, c.URI, body)
	nc := fmt.Sprintf("%08x", c.NC)
	c.Response = Response(c.Algorithm, c.QOP, ha1, c.Nonce, nc, c.CNonce, ha2)
	return c.Response
}

// String renders Credentials as the value of an Authorization header,
// e.g. `Digest username="alice", realm="x", nonce="N", uri="...", response="..."`.
func (c *Credentials) String() string {
	var b strings.Builder
	b.WriteString("Digest ")
	fmt.Fprintf(&b, `username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		c.Username, c.Realm, c.Nonce, c.URI, c.Response)
	if c.Opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, c.Opaque)
	}
	if c.Algorithm != "" {
		fmt.Fprintf(&b, ", algorithm=%s", c.Algorithm)
	}
	if c.QOP == QOPAuth || c.QOP == QOPAuthInt {
		fmt.Fprintf(&b, `, qop=%s, nc=%08x, cnonce="%s"`, c.QOP, c.NC, c.CNonce)
	}
	return b.String()
}

// String renders Challenge as the value of a WWW-Authenticate header.
func (c *Challenge) String() string {
	var b strings.Builder
	b.WriteString("Digest ")
	fmt.Fprintf(&b, `realm="%s", nonce="%s"`, c.Realm, c.Nonce)
	if c.Opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, c.Opaque)
	}
	if c.Domain != "" {
		fmt.Fprintf(&b, `, domain="%s"`, c.Domain)
	}
	if c.Algorithm != "" {
		fmt.Fprintf(&b, ", algorithm=%s", c.Algorithm)
	}
	if c.QOP != "" {
		fmt.Fprintf(&b, `, qop="%s"`, c.QOP)
	}
	if c.Stale {
		b.WriteString(", stale=true")
	}
	return b.String()
}
