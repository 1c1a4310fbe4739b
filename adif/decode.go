package adif

import (
	"html"
	"strconv"
	"strings"

	"pucs/strutil"
)

const maxUnescapePasses = 4

// Response is an upstream reply split into its form-style header and the
// embedded ADIF payload.
type Response struct {
	Result  string
	Reason  string
	Count   int
	Header  map[string]string
	Payload string
}

// OK reports whether the upstream marked the request as successful. A
// response without a RESULT key is accepted when it carries a payload.
func (r Response) OK() bool {
	if r.Result == "" {
		return strings.TrimSpace(r.Payload) != ""
	}
	return r.Result == "OK"
}

// Unescape removes URL and HTML escaping until the text stops changing.
// Aggregated payloads may be encoded more than once; plain text passes through
// unchanged, so calling Unescape on decoded text is a no-op.
func Unescape(s string) string {
	for i := 0; i < maxUnescapePasses; i++ {
		next := percentDecode(s)
		if strings.IndexByte(next, '&') >= 0 {
			next = html.UnescapeString(next)
		}
		if next == s {
			break
		}
		s = next
	}
	return s
}

// percentDecode decodes valid %XX sequences. '+' is treated as an encoded
// space only when the text contains at least one valid escape; otherwise the
// input is returned untouched.
func percentDecode(s string) string {
	if !hasPercentEscape(s) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]):
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		case c == '+':
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func hasPercentEscape(s string) bool {
	for i := strings.IndexByte(s, '%'); i >= 0 && i+2 < len(s); {
		if isHex(s[i+1]) && isHex(s[i+2]) {
			return true
		}
		next := strings.IndexByte(s[i+1:], '%')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return false
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c >= '0' && c <= '9':
		return c - '0'
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10
	default:
		return c - 'A' + 10
	}
}

// ExtractPayload splits a RESULT=OK&COUNT=n&ADIF=... reply. Everything after
// the first ADIF key is payload, even when it contains '&'. A bare ADIF
// document (no form header) is returned as payload as-is. The payload is not
// unescaped here.
func ExtractPayload(raw string) (Response, bool) {
	resp := Response{Header: make(map[string]string)}
	if strings.TrimSpace(raw) == "" {
		return resp, false
	}
	header := raw
	if idx := findADIFKey(raw); idx >= 0 {
		header = raw[:idx]
		resp.Payload = raw[idx+len("ADIF="):]
	} else if looksLikeADIF(raw) {
		resp.Payload = raw
		header = ""
	}
	parseHeader(header, &resp)
	return resp, len(resp.Header) > 0 || resp.Payload != ""
}

// findADIFKey locates "ADIF=" at the start of the text or right after a '&'
// separator, ignoring case.
func findADIFKey(raw string) int {
	from := 0
	for {
		idx := indexFold(raw[from:], "ADIF=")
		if idx < 0 {
			return -1
		}
		idx += from
		if idx == 0 || raw[idx-1] == '&' {
			return idx
		}
		from = idx + 1
	}
}

func looksLikeADIF(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.Contains(lower, "<call:") || strings.Contains(lower, "&lt;call:") ||
		strings.Contains(lower, "%3ccall%3a") || strings.Contains(lower, "<eor>")
}

func parseHeader(header string, resp *Response) {
	header = html.UnescapeString(header)
	for _, pair := range strings.Split(header, "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strutil.NormalizeUpper(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(percentDecode(value))
		resp.Header[key] = value
		switch key {
		case "RESULT":
			resp.Result = strutil.NormalizeUpper(value)
		case "REASON":
			resp.Reason = value
		case "COUNT":
			if n, err := strconv.Atoi(value); err == nil {
				resp.Count = n
			}
		}
	}
}
