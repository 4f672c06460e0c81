package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKeepAlive(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want bool
	}{
		{"double CRLF ping", []byte("\r\n\r\n"), true},
		{"single CRLF pong", []byte("\r\n"), true},
		{"empty datagram", []byte{}, true},
		{"start of a real message", []byte("SIP/"), false},
		{"CRLF followed by payload", []byte("\r\nIN"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isKeepAlive(tc.data))
		})
	}
}

func TestIsStreamedVsIsReliable(t *testing.T) {
	// WS rides a reliable transport but frames messages itself, so it is
	// reliable without needing stream reassembly.
	assert.True(t, IsReliable("TCP"))
	assert.True(t, IsReliable("WS"))
	assert.False(t, IsReliable("UDP"))

	assert.True(t, IsStreamed("TCP"))
	assert.True(t, IsStreamed("TLS"))
	assert.False(t, IsStreamed("WS"))
	assert.False(t, IsStreamed("UDP"))
}
