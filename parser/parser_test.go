package parser

import (
	"testing"

	"github.com/eyepea/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawInvite = "INVITE sip:bob@biloxi.com SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
	"Via: SIP/2.0/UDP proxy.atlanta.com;branch=z9hG4bK899lkjh\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: Bob <sip:bob@biloxi.com>\r\n" +
	"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:alice@pc33.atlanta.com>\r\n" +
	"Content-Length: 4\r\n" +
	"\r\n" +
	"body"

func TestParseMessageRequest(t *testing.T) {
	msg, err := ParseMessage([]byte(rawInvite))
	require.NoError(t, err)

	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	assert.Equal(t, sip.INVITE, req.Method)
	assert.Equal(t, "bob", req.Recipient.User)

	vias := req.GetHeaders("Via")
	require.Len(t, vias, 2)

	cseq := req.CSeq()
	require.NotNil(t, cseq)
	assert.EqualValues(t, 314159, cseq.SeqNo)
	assert.Equal(t, sip.INVITE, cseq.MethodName)

	callID := req.CallID()
	require.NotNil(t, callID)
	assert.Equal(t, "a84b4c76e66710@pc33.atlanta.com", callID.Value())

	assert.Equal(t, []byte("body"), req.Body())
}

func TestParseMessageDropsDuplicateHeadersIntoList(t *testing.T) {
	msg, err := ParseMessage([]byte(rawInvite))
	require.NoError(t, err)

	vias := msg.GetHeaders("Via")
	require.Len(t, vias, 2)
	assert.Contains(t, vias[0].Value(), "pc33.atlanta.com")
	assert.Contains(t, vias[1].Value(), "proxy.atlanta.com")
}

const rawResponse = "SIP/2.0 200 OK\r\n" +
	"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
	"To: Bob <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
	"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func TestParseMessageResponse(t *testing.T) {
	msg, err := ParseMessage([]byte(rawResponse))
	require.NoError(t, err)

	res, ok := msg.(*sip.Response)
	require.True(t, ok)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "OK", res.Reason)
}

// Encoding a parsed message and parsing it again is stable: same start
// line, same headers, same body.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	first, err := ParseMessage([]byte(rawInvite))
	require.NoError(t, err)

	second, err := ParseMessage([]byte(first.String()))
	require.NoError(t, err)

	assert.Equal(t, first.StartLine(), second.StartLine())
	assert.Equal(t, first.Body(), second.Body())
	require.Equal(t, len(first.Headers()), len(second.Headers()))
	for i, h := range first.Headers() {
		assert.Equal(t, h.String(), second.Headers()[i].String())
	}
}

func TestParseMessageRejectsMalformedStartLine(t *testing.T) {
	_, err := ParseMessage([]byte("garbage\r\n\r\n"))
	assert.Error(t, err)
}

func TestParseMessageRejectsTruncatedBody(t *testing.T) {
	truncated := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP pc33.atlanta.com;branch=z9hG4bK776asdhds\r\n" +
		"To: Bob <sip:bob@biloxi.com>;tag=a6c85cf\r\n" +
		"From: Alice <sip:alice@atlanta.com>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.atlanta.com\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 10\r\n" +
		"\r\n" +
		"short"
	_, err := ParseMessage([]byte(truncated))
	assert.Error(t, err)
}
