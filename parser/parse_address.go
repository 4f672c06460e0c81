package parser

import (
	"errors"
	"fmt"
	"strings"

	"github.com/eyepea/gosip/sip"
)

// ParseAddressValue parses the value of a From, To, Contact, Route or
// Record-Route header into uri and headerParams, returning the display
// name when present. RFC 3261 §20.10. Comma-separated address lists are
// rejected with errComaDetected so the caller can split first.
func ParseAddressValue(addressText string, uri *sip.Uri, headerParams *sip.HeaderParams) (displayName string, err error) {
	s := strings.TrimSpace(addressText)
	if s == "" {
		return "", errors.New("empty address")
	}

	if s == "*" {
		// The wildcard form appears only in Contact.
		*uri = sip.Uri{Wildcard: true}
		return "", nil
	}

	uriText := s
	var paramsText string

	if open := indexUnquoted(s, '<'); open >= 0 {
		closing := indexUnquoted(s[open:], '>')
		if closing < 0 {
			return "", errors.New("unclosed '<' in address")
		}
		closing += open

		displayName = parseDisplayName(s[:open])
		uriText = s[open+1 : closing]
		paramsText = s[closing+1:]
	} else {
		// Without angle brackets everything after the first top-level
		// semicolon is header params, not URI params.
		if semi := indexUnquoted(s, ';'); semi >= 0 {
			uriText = s[:semi]
			paramsText = s[semi:]
		}
	}

	if err = ParseUri(uriText, uri); err != nil {
		return "", err
	}

	if paramsText != "" && headerParams != nil {
		if err = parseAddressParams(paramsText, headerParams); err != nil {
			return "", err
		}
	}
	return displayName, nil
}

// parseDisplayName strips quotes or surrounding whitespace from the text
// before the '<'.
func parseDisplayName(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// parseAddressParams parses ";k=v;k2;k3=v3" trailing an address. Values
// may be quoted; valueless params store "".
func parseAddressParams(s string, params *sip.HeaderParams) error {
	for s != "" {
		if s[0] != ';' {
			return fmt.Errorf("malformed address params: %q", s)
		}
		s = s[1:]

		end := indexUnquoted(s, ';')
		var item string
		if end < 0 {
			item, s = s, ""
		} else {
			item, s = s[:end], s[end:]
		}

		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if eq := strings.IndexByte(item, '='); eq >= 0 {
			val := item[eq+1:]
			if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
				val = val[1 : len(val)-1]
			}
			params.Add(item[:eq], val)
		} else {
			params.Add(item, "")
		}
	}
	return nil
}

// indexUnquoted returns the index of the first target byte outside double
// quotes, or -1.
func indexUnquoted(s string, target byte) int {
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch {
		case s[i] == '"':
			inQuotes = !inQuotes
		case s[i] == target && !inQuotes:
			return i
		}
	}
	return -1
}

// parseToAddressHeader builds a sip.ToHeader.
func parseToAddressHeader(headerName string, headerText string) (sip.Header, error) {
	h := &sip.ToHeader{Params: sip.NewParams()}
	var err error
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, &h.Params)
	if err != nil {
		return nil, err
	}
	if h.Address.Wildcard {
		// The wildcard URI is only permitted in Contact.
		return nil, fmt.Errorf("wildcard uri not permitted in To header: %s", headerText)
	}
	return h, nil
}

// parseFromAddressHeader builds a sip.FromHeader.
func parseFromAddressHeader(headerName string, headerText string) (sip.Header, error) {
	h := &sip.FromHeader{Params: sip.NewParams()}
	var err error
	h.DisplayName, err = ParseAddressValue(headerText, &h.Address, &h.Params)
	if err != nil {
		return nil, err
	}
	if h.Address.Wildcard {
		return nil, fmt.Errorf("wildcard uri not permitted in From header: %s", headerText)
	}
	return h, nil
}

// parseContactAddressHeader builds a sip.ContactHeader for one contact
// entry. A comma-separated list yields errComaDetected at the split point.
func parseContactAddressHeader(headerName string, headerText string) (sip.Header, error) {
	h := &sip.ContactHeader{Params: sip.NewParams()}

	end, commaErr := addressEnd(headerText)
	var err error
	h.DisplayName, err = ParseAddressValue(headerText[:end], &h.Address, &h.Params)
	if err != nil {
		return nil, err
	}
	return h, commaErr
}

// parseRouteHeader builds a sip.RouteHeader.
func parseRouteHeader(headerName string, headerText string) (sip.Header, error) {
	h := &sip.RouteHeader{}
	if err := parseRouteAddress(headerText, &h.Address); err != nil {
		return h, err
	}
	return h, nil
}

// parseRecordRouteHeader builds a sip.RecordRouteHeader.
func parseRecordRouteHeader(headerName string, headerText string) (sip.Header, error) {
	h := &sip.RecordRouteHeader{}
	if err := parseRouteAddress(headerText, &h.Address); err != nil {
		return h, err
	}
	return h, nil
}

func parseRouteAddress(headerText string, address *sip.Uri) error {
	end, commaErr := addressEnd(headerText)
	if _, err := ParseAddressValue(headerText[:end], address, nil); err != nil {
		return err
	}
	return commaErr
}

// addressEnd finds where the first address of a possibly comma-separated
// list ends: the whole string, or the position of a top-level comma, in
// which case errComaDetected carries that position.
func addressEnd(s string) (int, error) {
	inBrackets, inQuotes := false, false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case '<':
			if !inQuotes {
				inBrackets = true
			}
		case '>':
			if !inQuotes {
				inBrackets = false
			}
		case ',':
			if !inQuotes && !inBrackets {
				return i, errComaDetected(i)
			}
		}
	}
	return len(s), nil
}
