package auth

import "strings"

// ParseChallenge parses a WWW-Authenticate/Proxy-Authenticate header value
// of the form `Digest realm="x", nonce="N", algorithm=MD5, qop="auth"`.
func ParseChallenge(header string) (*Challenge, error) {
	params, err := parseDigestParams(header)
	if err != nil {
		return nil, err
	}
	c := &Challenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Opaque:    params["opaque"],
		Domain:    params["domain"],
		Algorithm: Algorithm(strings.ToUpper(params["algorithm"])),
		QOP:       QOP(params["qop"]),
		Stale:     strings.EqualFold(params["stale"], "true"),
	}
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmMD5
	}
	return c, nil
}

// ParseCredentials parses an Authorization/Proxy-Authorization header value.
func ParseCredentials(header string) (*Credentials, error) {
	params, err := parseDigestParams(header)
	if err != nil {
		return nil, err
	}
	c := &Credentials{
		Username:  params["username"],
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		URI:       params["uri"],
		Response:  params["response"],
		Opaque:    params["opaque"],
		CNonce:    params["cnonce"],
		QOP:       QOP(params["qop"]),
		Algorithm: Algorithm(strings.ToUpper(params["algorithm"])),
	}
	if nc, ok := params["nc"]; ok {
		var n uint32
		for _, r := range nc {
			if r < '0' || r > 'f' {
				continue
			}
			var d uint32
			switch {
			case r >= '0' && r <= '9':
				d = uint32(r - '0')
			case r >= 'a' && r <= 'f':
				d = uint32(r-'a') + 10
			default:
				continue
			}
			n = n*16 + d
		}
		c.NC = n
	}
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmMD5
	}
	return c, nil
}

// parseDigestParams splits `Digest k1="v1", k2=v2` into a lowercase-keyed map.
func parseDigestParams(header string) (map[string]string, error) {
	header = strings.TrimSpace(header)
	if idx := strings.IndexByte(header, ' '); idx >= 0 && strings.EqualFold(header[:idx], "Digest") {
		header = header[idx+1:]
	}

	params := map[string]string{}
	for _, part := range splitParams(header) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		val = strings.Trim(val, `"`)
		params[key] = val
	}
	return params, nil
}

// splitParams splits on commas that are not inside a quoted string.
func splitParams(s string) []string {
	var parts []string
	inQuotes := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
