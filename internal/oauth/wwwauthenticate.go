package oauth

import (
	"net/http"
	"strings"
)

// BearerChallenge holds parsed WWW-Authenticate Bearer parameters.
// This enables RFC 9728 OAuth Protected Resource Metadata discovery.
type BearerChallenge struct {
	// ResourceMetadata is the URL from the resource_metadata="..." parameter,
	// the key field for RFC 9728 discovery.
	ResourceMetadata string

	// Realm from realm="..." parameter.
	Realm string

	// Scope from scope="..." parameter.
	Scope string
}

// ParseBearerChallenge extracts Bearer challenge info from HTTP response
// headers. It scans all WWW-Authenticate values and returns nil if no
// Bearer challenge is found.
func ParseBearerChallenge(headers http.Header) *BearerChallenge {
	return ParseBearerChallengeValues(headers.Values("WWW-Authenticate"))
}

// ParseBearerChallengeValues is the testable core operating on raw header
// values. Per RFC 7235 a single value may carry several challenges, and
// challenge parameters are themselves comma-separated, so values are
// tokenized rather than split.
func ParseBearerChallengeValues(values []string) *BearerChallenge {
	for _, value := range values {
		for _, ch := range parseChallenges(value) {
			if strings.EqualFold(ch.scheme, "bearer") {
				return &BearerChallenge{
					ResourceMetadata: ch.params["resource_metadata"],
					Realm:            ch.params["realm"],
					Scope:            ch.params["scope"],
				}
			}
		}
	}
	return nil
}

type challenge struct {
	scheme string
	params map[string]string
}

// parseChallenges parses one WWW-Authenticate header value into challenges.
// A challenge starts with a scheme token; everything until the next scheme
// token is key=value auth-params belonging to it.
func parseChallenges(value string) []challenge {
	tokens := tokenize(strings.TrimSpace(value))

	var out []challenge
	var cur *challenge
	i := 0
	for i < len(tokens) {
		// A scheme token is a bare name not followed by '='.
		if looksLikeScheme(tokens[i]) && !(i+1 < len(tokens) && tokens[i+1] == "=") {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &challenge{scheme: tokens[i], params: make(map[string]string)}
			i++
			continue
		}

		if cur != nil && i+2 < len(tokens) && tokens[i+1] == "=" {
			cur.params[strings.ToLower(tokens[i])] = tokens[i+2]
			i += 3
			continue
		}

		i++
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

func looksLikeScheme(tok string) bool {
	if tok == "" || !isLetter(tok[0]) {
		return false
	}
	for i := 1; i < len(tok); i++ {
		c := tok[i]
		if !isAlphaNum(c) && c != '-' && c != '+' && c != '.' {
			return false
		}
	}
	return true
}

// tokenize splits a header value into tokens, '=' separators, and unquoted
// string values. Quoted strings may contain commas and escaped characters.
func tokenize(value string) []string {
	var tokens []string
	i, n := 0, len(value)

	for i < n {
		// Whitespace and commas separate params
		for i < n && (value[i] == ' ' || value[i] == '\t' || value[i] == ',') {
			i++
		}
		if i >= n {
			break
		}

		switch {
		case value[i] == '=':
			tokens = append(tokens, "=")
			i++

		case value[i] == '"':
			str, end := unquote(value, i)
			tokens = append(tokens, str)
			i = end

		default:
			start := i
			for i < n && isTokenChar(value[i]) {
				i++
			}
			if i > start {
				tokens = append(tokens, value[start:i])
			} else {
				// Skip unexpected bytes (e.g. '/' in token68 values) so the
				// loop always advances.
				i++
			}
		}
	}

	return tokens
}

// unquote parses a quoted-string starting at i, returning the value and the
// position after the closing quote. An unterminated quote returns what was
// read so far.
func unquote(s string, i int) (string, int) {
	i++ // opening quote

	var b strings.Builder
	for i < len(s) {
		if s[i] == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i += 2
			continue
		}
		if s[i] == '"' {
			return b.String(), i + 1
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String(), i
}

// isTokenChar reports whether c is valid in an HTTP token (RFC 7230 tchar).
func isTokenChar(c byte) bool {
	if isAlphaNum(c) {
		return true
	}
	switch c {
	case '!', '#', '$', '%', '&', '\'', '*', '+', '-', '.', '^', '_', '`', '|', '~':
		return true
	}
	return false
}

func isLetter(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')
}

func isAlphaNum(c byte) bool {
	return isLetter(c) || (c >= '0' && c <= '9')
}
