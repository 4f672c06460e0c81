package parser

import (
	"testing"

	"github.com/eyepea/gosip/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawStreamMsg = "SUBSCRIBE sip:bob@s SIP/2.0\r\n" +
	"Via: SIP/2.0/TCP client.test;branch=z9hG4bK.abcdef\r\n" +
	"From: <sip:alice@client.test>;tag=ft\r\n" +
	"To: <sip:bob@s>\r\n" +
	"Call-ID: stream-test\r\n" +
	"CSeq: 1 SUBSCRIBE\r\n" +
	"Content-Length: 6\r\n" +
	"\r\n" +
	"abcdef"

func TestParserStreamWholeMessage(t *testing.T) {
	stream := NewParser().NewSIPStream()
	msg, err := stream.ParseSIPStream([]byte(rawStreamMsg))
	require.NoError(t, err)

	req, ok := msg.(*sip.Request)
	require.True(t, ok)
	assert.Equal(t, sip.SUBSCRIBE, req.Method)
	assert.Equal(t, []byte("abcdef"), req.Body())
}

// Bytes trickling in one arbitrary split at a time produce exactly one
// message once the last chunk lands, with partial reads reported as
// ErrParseSipPartial along the way.
func TestParserStreamReassemblesAcrossChunks(t *testing.T) {
	for _, splitAt := range []int{1, 10, 40, len(rawStreamMsg) - 3, len(rawStreamMsg) - 1} {
		stream := NewParser().NewSIPStream()

		msg, err := stream.ParseSIPStream([]byte(rawStreamMsg[:splitAt]))
		require.ErrorIs(t, err, ErrParseSipPartial, "split at %d", splitAt)
		require.Nil(t, msg)

		msg, err = stream.ParseSIPStream([]byte(rawStreamMsg[splitAt:]))
		require.NoError(t, err, "split at %d", splitAt)
		req, ok := msg.(*sip.Request)
		require.True(t, ok)
		assert.Equal(t, []byte("abcdef"), req.Body(), "split at %d", splitAt)
	}
}

func TestParserStreamRejectsGarbageStartLine(t *testing.T) {
	stream := NewParser().NewSIPStream()
	_, err := stream.ParseSIPStream([]byte("not a sip message\r\n\r\n"))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrParseSipPartial)
}
