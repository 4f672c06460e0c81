package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// RFC3261BranchMagicCookie prefixes every branch generated by an RFC 3261
// compliant element.
const RFC3261BranchMagicCookie = "z9hG4bK"

var (
	// SIPDebug enables raw message dumps on every read and write.
	SIPDebug bool

	siptracer SIPTracer
)

// SIPTracer receives raw wire traffic when installed via SIPDebugTracer,
// replacing the default debug-log dump.
type SIPTracer interface {
	SIPTraceRead(transport string, laddr string, raddr string, sipmsg []byte)
	SIPTraceWrite(transport string, laddr string, raddr string, sipmsg []byte)
}

func SIPDebugTracer(t SIPTracer) {
	siptracer = t
}

// TraceRead reports raw inbound wire traffic to the installed tracer, or
// to the default logger at debug level. Transports call it once per
// parsed-out message when SIPDebug is on.
func TraceRead(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceRead(transport, laddr, raddr, sipmsg)
		return
	}
	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s read from %s <- %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

// TraceWrite is the outbound counterpart of TraceRead.
func TraceWrite(transport string, laddr string, raddr string, sipmsg []byte) {
	if siptracer != nil {
		siptracer.SIPTraceWrite(transport, laddr, raddr, sipmsg)
		return
	}
	if DefaultLogger().Enabled(context.Background(), slog.LevelDebug) {
		DefaultLogger().Debug(fmt.Sprintf("%s write to %s -> %s:\n%s", transport, laddr, raddr, sipmsg))
	}
}

// GenerateBranch returns a fresh branch: magic cookie plus 16 random
// token characters. Branches are attached at request construction so the
// transaction key is stable before the first send.
func GenerateBranch() string {
	return GenerateBranchN(16)
}

// GenerateBranchN returns a fresh branch with an n-character random suffix.
func GenerateBranchN(n int) string {
	sb := &strings.Builder{}
	sb.Grow(len(RFC3261BranchMagicCookie) + n + 1)
	sb.WriteString(RFC3261BranchMagicCookie)
	sb.WriteString(".")
	RandStringBytesMask(sb, n)
	return sb.String()
}

// GenerateTagN returns a random n-character From/To tag.
func GenerateTagN(n int) string {
	sb := &strings.Builder{}
	return RandStringBytesMask(sb, n)
}

// DialogIDFromResponse derives the dialog ID of a response as seen by the
// UAC: (Call-ID, To tag, From tag). Errors when any part is missing.
func DialogIDFromResponse(msg *Response) (string, error) {
	callID, toTag, fromTag, err := dialogIDParts(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAS derives the dialog ID of a request as seen by the
// receiving UAS: local tag is the To tag.
func DialogIDFromRequestUAS(msg *Request) (string, error) {
	callID, toTag, fromTag, err := dialogIDParts(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(callID, toTag, fromTag), nil
}

// DialogIDFromRequestUAC derives the dialog ID of a request as seen by the
// sending UAC: local tag is the From tag.
func DialogIDFromRequestUAC(msg *Request) (string, error) {
	callID, toTag, fromTag, err := dialogIDParts(msg)
	if err != nil {
		return "", err
	}
	return DialogIDMake(callID, fromTag, toTag), nil
}

func dialogIDParts(msg Message) (callID, toTag, fromTag string, err error) {
	cid := msg.CallID()
	if cid == nil {
		return "", "", "", fmt.Errorf("missing Call-ID header")
	}

	to := msg.To()
	if to == nil {
		return "", "", "", fmt.Errorf("missing To header")
	}
	toTag, ok := to.Params.Get("tag")
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in To header")
	}

	from := msg.From()
	if from == nil {
		return "", "", "", fmt.Errorf("missing From header")
	}
	fromTag, ok = from.Params.Get("tag")
	if !ok {
		return "", "", "", fmt.Errorf("missing tag param in From header")
	}
	return string(*cid), toTag, fromTag, nil
}

// DialogIDMake joins the dialog identity triple into one registry key.
func DialogIDMake(callID, innerID, externalID string) string {
	return strings.Join([]string{callID, innerID, externalID}, TxSeperator)
}
