package parser

import (
	"testing"

	"github.com/eyepea/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUriBasic(t *testing.T) {
	var uri sip.Uri
	require.NoError(t, ParseUri("sip:alice@atlanta.com", &uri))
	assert.Equal(t, "alice", uri.User)
	assert.Equal(t, "atlanta.com", uri.Host)
	assert.False(t, uri.Encrypted)
}

func TestParseUriSecure(t *testing.T) {
	var uri sip.Uri
	require.NoError(t, ParseUri("sips:alice@atlanta.com", &uri))
	assert.True(t, uri.Encrypted)
}

func TestParseUriPortAndParams(t *testing.T) {
	var uri sip.Uri
	require.NoError(t, ParseUri("sip:bob@192.0.2.4:5070;transport=tcp;foo=bar", &uri))
	assert.Equal(t, "bob", uri.User)
	assert.Equal(t, "192.0.2.4", uri.Host)
	assert.Equal(t, 5070, uri.Port)
	v, ok := uri.UriParams.Get("transport")
	require.True(t, ok)
	assert.Equal(t, "tcp", v)
	v, ok = uri.UriParams.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", v)
}

func TestParseUriPasswordRequiresUser(t *testing.T) {
	var uri sip.Uri
	require.NoError(t, ParseUri("sip:alice:secretword@atlanta.com;transport=tcp", &uri))
	assert.Equal(t, "alice", uri.User)
	assert.Equal(t, "secretword", uri.Password)
}

func TestParseUriRejectsEmpty(t *testing.T) {
	var uri sip.Uri
	err := ParseUri("", &uri)
	assert.Error(t, err)
}
