package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RFC 2617 section 3.5 worked example.
func TestComputeResponseRFC2617Vector(t *testing.T) {
	c := &Credentials{
		Username:  "Mufasa",
		Password:  "Circle Of Life",
		Realm:     "testrealm@host.com",
		Nonce:     "dcd98b7102dd2f0e8b11d0f600bfb0c093",
		URI:       "/dir/index.html",
		QOP:       QOPAuth,
		NC:        1,
		CNonce:    "0a4f113b",
		Algorithm: AlgorithmMD5,
	}
	got := ComputeResponse(c, "GET", nil)
	assert.Equal(t, "6629fae49393a05397450978507c4ef1", got)
}

func TestComputeResponseNoQOP(t *testing.T) {
	c := &Credentials{
		Username: "alice",
		Realm:    "x",
		Nonce:    "N",
	}
	got := ComputeResponse(c, "SUBSCRIBE", nil)

	ha1 := HA1(AlgorithmMD5, "alice", "x", "", "N", "")
	ha2 := HA2(QOPNone, "SUBSCRIBE", "", nil)
	want := Response(AlgorithmMD5, QOPNone, ha1, "N", "", "", ha2)
	assert.Equal(t, want, got)
}

func TestComputeResponseGeneratesCNonceWhenQOPRequiresIt(t *testing.T) {
	c := &Credentials{
		Username: "alice",
		Realm:    "x",
		Nonce:    "N",
		URI:      "sip:bob@s",
		QOP:      QOPAuth,
		NC:       1,
	}
	require.Empty(t, c.CNonce)
	ComputeResponse(c, "SUBSCRIBE", nil)
	assert.NotEmpty(t, c.CNonce)
}

func TestComputeResponseMD5SessBindsNonceAndCNonce(t *testing.T) {
	c1 := &Credentials{
		Username: "alice", Realm: "x", Nonce: "N", URI: "sip:bob@s",
		Algorithm: AlgorithmMD5Sess, CNonce: "cn1",
	}
	c2 := &Credentials{
		Username: "alice", Realm: "x", Nonce: "N", URI: "sip:bob@s",
		Algorithm: AlgorithmMD5Sess, CNonce: "cn2",
	}
	r1 := ComputeResponse(c1, "SUBSCRIBE", nil)
	r2 := ComputeResponse(c2, "SUBSCRIBE", nil)
	assert.NotEqual(t, r1, r2)
}

func TestComputeResponseAuthIntHashesBody(t *testing.T) {
	base := func(body []byte) string {
		c := &Credentials{
			Username: "alice", Realm: "x", Nonce: "N", URI: "sip:bob@s",
			QOP: QOPAuthInt, NC: 1, CNonce: "cn",
		}
		return ComputeResponse(c, "SUBSCRIBE", body)
	}
	assert.NotEqual(t, base([]byte("one")), base([]byte("two")))
}
