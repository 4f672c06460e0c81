package parser

import (
	"github.com/eyepea/gosip/sip"
)

// UnmarshalParams scans ";k=v" (or "&k=v" for URI headers) pairs out of s
// into p until the ending rune or the end of input, returning how many
// bytes were consumed. Keys without '=' store an empty value; quoted
// values lose their quotes.
func UnmarshalParams(s string, seperator rune, ending rune, p *sip.HeaderParams) (n int, err error) {
	n = len(s)

	i := 0
	for i < len(s) {
		// key
		keyStart := i
		for i < len(s) && rune(s[i]) != '=' && rune(s[i]) != seperator && rune(s[i]) != ending {
			i++
		}
		key := s[keyStart:i]

		if i >= len(s) || rune(s[i]) == ending {
			if key != "" {
				p.Add(key, "")
			}
			if i < len(s) {
				n = i
			}
			return n, nil
		}

		if rune(s[i]) == seperator {
			if key != "" {
				p.Add(key, "")
			}
			i++
			continue
		}

		// value, possibly quoted
		i++ // skip '='
		var val string
		if i < len(s) && s[i] == '"' {
			i++
			valStart := i
			for i < len(s) && s[i] != '"' {
				i++
			}
			val = s[valStart:i]
			if i < len(s) {
				i++ // closing quote
			}
		} else {
			valStart := i
			for i < len(s) && rune(s[i]) != seperator && rune(s[i]) != ending {
				i++
			}
			val = s[valStart:i]
		}
		p.Add(key, val)

		if i < len(s) && rune(s[i]) == ending {
			n = i
			return n, nil
		}
		if i < len(s) && rune(s[i]) == seperator {
			i++
		}
	}
	return n, nil
}
