package sip

import (
	"math/rand"
	"strings"
)

// tokenAlphabet is the character set used for generated branches, tags and
// cnonces. Alphanumerics only, so the result is always a valid SIP token.
const tokenAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const (
	tokenIdxBits = 6
	tokenIdxMask = 1<<tokenIdxBits - 1
	tokenIdxMax  = 63 / tokenIdxBits
)

// RandStringBytesMask appends n random token characters to sb. It pulls six
// bits per character out of each rand.Int63 call instead of calling the
// generator once per character.
func RandStringBytesMask(sb *strings.Builder, n int) string {
	sb.Grow(n)
	remain := n
	for cache, avail := rand.Int63(), tokenIdxMax; remain > 0; {
		if avail == 0 {
			cache, avail = rand.Int63(), tokenIdxMax
		}
		if idx := int(cache & tokenIdxMask); idx < len(tokenAlphabet) {
			sb.WriteByte(tokenAlphabet[idx])
			remain--
		}
		cache >>= tokenIdxBits
		avail--
	}
	return sb.String()
}

// ASCIIToLower lowercases s without allocating when s is already lowercase.
// Header and transport names are ASCII, so no unicode handling is needed.
func ASCIIToLower(s string) string {
	first := -1
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'A' <= c && c <= 'Z' {
			first = i
			break
		}
	}
	if first < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:first])
	for i := first; i < len(s); i++ {
		c := s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// ASCIIToUpper is the uppercase counterpart of ASCIIToLower, used for
// normalizing digest algorithm tokens.
func ASCIIToUpper(s string) string {
	first := -1
	for i := 0; i < len(s); i++ {
		if c := s[i]; 'a' <= c && c <= 'z' {
			first = i
			break
		}
	}
	if first < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	b.WriteString(s[:first])
	for i := first; i < len(s); i++ {
		c := s[i]
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String()
}

// HeaderToLower canonicalizes a header name to lowercase. The headers that
// appear in nearly every message short-circuit to interned strings so the
// hot path never allocates.
func HeaderToLower(s string) string {
	switch s {
	case "Via", "via":
		return "via"
	case "From", "from":
		return "from"
	case "To", "to":
		return "to"
	case "Call-ID", "call-id":
		return "call-id"
	case "Contact", "contact":
		return "contact"
	case "CSeq", "CSEQ", "cseq":
		return "cseq"
	case "Content-Type", "content-type":
		return "content-type"
	case "Content-Length", "content-length":
		return "content-length"
	case "Route", "route":
		return "route"
	case "Record-Route", "record-route":
		return "record-route"
	case "Max-Forwards", "max-forwards":
		return "max-forwards"
	case "Expires", "expires":
		return "expires"
	}
	return ASCIIToLower(s)
}

// UriIsSIP reports whether the scheme token is plain "sip".
func UriIsSIP(s string) bool {
	return s == "sip" || s == "SIP"
}

// UriIsSIPS reports whether the scheme token is "sips".
func UriIsSIPS(s string) bool {
	return s == "sips" || s == "SIPS"
}

// MessageShortString renders the one-line form of msg for log output.
func MessageShortString(msg Message) string {
	switch m := msg.(type) {
	case *Request:
		return m.Short()
	case *Response:
		return m.Short()
	}
	return "Unknown message type"
}
