package adif

import (
	"strconv"
	"strings"
	"time"

	"pucs/strutil"
)

const (
	markerEOR = "<eor>"
	markerEOH = "<eoh>"
)

// ParseStats describes what the tokenizer saw while parsing a payload.
type ParseStats struct {
	Fragments        int // non-empty fragments between end-of-record markers
	Records          int // valid records returned
	MissingCall      int // fragments with fields but without a usable callsign
	MalformedFields  int // tags skipped by the skip-field policy
	LengthMismatches int // fields whose declared length differs from the value
	MarkupValues     int // values kept whole across tag-shaped markup
}

// Parse unescapes text and returns every record that carries a callsign, in
// payload order. It never panics and returns an empty slice on garbage input.
func Parse(text string) []Record {
	recs, _ := ParseWithStats(text)
	return recs
}

// ParseWithStats is Parse plus tokenizer diagnostics.
func ParseWithStats(text string) (recs []Record, stats ParseStats) {
	defer func() {
		if r := recover(); r != nil {
			// Keep whatever was parsed before the fault.
			stats.Records = len(recs)
		}
	}()

	body := stripHeader(Unescape(text))
	recs = make([]Record, 0, 16)
	for _, fragment := range splitFold(body, markerEOR) {
		if strings.TrimSpace(fragment) == "" {
			continue
		}
		stats.Fragments++
		fields := tokenizeFields(fragment, &stats)
		if len(fields) == 0 {
			continue
		}
		rec := buildRecord(fields, len(recs))
		if rec.Call == "" {
			stats.MissingCall++
			continue
		}
		recs = append(recs, rec)
	}
	stats.Records = len(recs)
	return recs, stats
}

// stripHeader drops an ADIF file header terminated by <EOH>.
func stripHeader(s string) string {
	if idx := indexFold(s, markerEOH); idx >= 0 {
		return s[idx+len(markerEOH):]
	}
	return s
}

// tokenizeFields applies the skip-field recovery policy: a tag that cannot
// be read as <name:length[:type]> is ignored and scanning resumes at the next
// tag. Values run to the next field tag. The declared length only matters
// when tag-shaped markup inside a value would otherwise cut it short.
func tokenizeFields(fragment string, stats *ParseStats) map[string]string {
	fields := make(map[string]string)
	i := nextTagStart(fragment, 0)
	for i >= 0 && i < len(fragment) {
		gt := strings.IndexByte(fragment[i+1:], '>')
		if gt < 0 {
			stats.MalformedFields++
			break
		}
		gt += i + 1
		// An unterminated tag ends where the next one starts.
		if next := nextTagStart(fragment, i+1); next >= 0 && next < gt {
			stats.MalformedFields++
			i = next
			continue
		}
		valueEnd := nextTagStart(fragment, gt+1)
		if valueEnd < 0 {
			valueEnd = len(fragment)
		}
		name, declared, ok := parseTag(fragment[i+1 : gt])
		if !ok {
			stats.MalformedFields++
			i = valueEnd
			continue
		}
		if end, ok := extendValue(fragment, gt+1, valueEnd, declared); ok {
			stats.MarkupValues++
			valueEnd = end
		}
		value := strings.TrimSpace(fragment[gt+1 : valueEnd])
		if declared != len(value) {
			stats.LengthMismatches++
		}
		fields[name] = value
		i = valueEnd
	}
	return fields
}

// extendValue reports where a value starting at start really ends when the
// declared length runs past valueEnd and everything tag-shaped inside that
// span is markup rather than a field tag.
func extendValue(s string, start, valueEnd, declared int) (int, bool) {
	limit := start + declared
	if valueEnd >= len(s) || limit <= valueEnd || limit > len(s) {
		return 0, false
	}
	for at := valueEnd; at >= 0 && at < limit; at = nextTagStart(s, at+1) {
		if isFieldTag(s[at:]) {
			return 0, false
		}
	}
	end := nextTagStart(s, limit)
	for end >= 0 && !isFieldTag(s[end:]) {
		end = nextTagStart(s, end+1)
	}
	if end < 0 {
		end = len(s)
	}
	return end, true
}

// isFieldTag reports whether s starts with a complete <name:length[:type]> tag.
func isFieldTag(s string) bool {
	if len(s) < 2 || s[0] != '<' {
		return false
	}
	gt := strings.IndexByte(s, '>')
	if gt < 0 {
		return false
	}
	if next := nextTagStart(s, 1); next >= 0 && next < gt {
		return false
	}
	_, _, ok := parseTag(s[1:gt])
	return ok
}

// nextTagStart finds the next '<' that opens something shaped like a tag:
// a letter or underscore followed by name characters and then ':' or '>'.
// A bare '<' inside a remark does not end the value.
func nextTagStart(s string, from int) int {
	for from < len(s) {
		idx := strings.IndexByte(s[from:], '<')
		if idx < 0 {
			return -1
		}
		idx += from
		if looksLikeTag(s[idx+1:]) {
			return idx
		}
		from = idx + 1
	}
	return -1
}

func looksLikeTag(s string) bool {
	if s == "" || !isNameStart(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		c := s[i]
		if c == ':' || c == '>' {
			return true
		}
		if !isNameChar(c) {
			return false
		}
	}
	return false
}

func parseTag(tag string) (name string, declared int, ok bool) {
	rawName, rest, hasColon := strings.Cut(strings.TrimSpace(tag), ":")
	if !hasColon {
		return "", -1, false
	}
	name = normalizeFieldName(rawName)
	if name == "" {
		return "", -1, false
	}
	lengthPart, _, _ := strings.Cut(rest, ":")
	lengthPart = strings.TrimSpace(lengthPart)
	if lengthPart == "" || strings.Trim(lengthPart, "0123456789") != "" {
		return "", -1, false
	}
	n, err := strconv.Atoi(lengthPart)
	if err != nil {
		return "", -1, false
	}
	return name, n, true
}

func normalizeFieldName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), "<:>")
	return strutil.NormalizeLower(name)
}

func isNameStart(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_'
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

func buildRecord(fields map[string]string, index int) Record {
	rec := Record{
		Call:      strutil.NormalizeCallsign(fields[fieldCall]),
		Mode:      strutil.NormalizeUpper(fields[fieldMode]),
		Frequency: strings.TrimSpace(fields[fieldFreq]),
		Fields:    fields,
		Index:     index,
	}
	if d, ok := parseQSODate(fields[fieldQSODate]); ok {
		rec.Date = d
	}
	if tod, ok := parseTimeOn(fields[fieldTimeOn]); ok {
		rec.TimeOfDay = tod
		rec.HasTime = true
	}
	return rec
}

// parseQSODate accepts YYYYMMDD and YYYY-MM-DD.
func parseQSODate(value string) (time.Time, bool) {
	digits := digitsOnly(value, "-/")
	if len(digits) != 8 {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation(dateLayout, digits, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return d, true
}

// parseTimeOn accepts HHMM, HHMMSS and the colon-separated forms. Short
// values are left-padded to the nearest of the two widths.
func parseTimeOn(value string) (time.Duration, bool) {
	digits := digitsOnly(value, ":")
	switch len(digits) {
	case 3:
		digits = "0" + digits + "00"
	case 4:
		digits += "00"
	case 5:
		digits = "0" + digits
	case 6:
	default:
		return 0, false
	}
	h, _ := strconv.Atoi(digits[0:2])
	m, _ := strconv.Atoi(digits[2:4])
	s, _ := strconv.Atoi(digits[4:6])
	if h > 23 || m > 59 || s > 59 {
		return 0, false
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second, true
}

// digitsOnly strips the allowed separators and fails on anything else that
// is not a digit.
func digitsOnly(value, separators string) string {
	value = strings.TrimSpace(value)
	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case strings.IndexByte(separators, c) >= 0:
		default:
			return ""
		}
	}
	return b.String()
}

// splitFold splits s on every ASCII case-insensitive occurrence of sep.
func splitFold(s, sep string) []string {
	var parts []string
	for {
		idx := indexFold(s, sep)
		if idx < 0 {
			return append(parts, s)
		}
		parts = append(parts, s[:idx])
		s = s[idx+len(sep):]
	}
}

// indexFold is strings.Index with ASCII case folding. Byte offsets stay
// valid for the original string, unlike searching a lowered copy.
func indexFold(s, sub string) int {
	n := len(sub)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= len(s); i++ {
		if equalFoldASCII(s[i:i+n], sub) {
			return i
		}
	}
	return -1
}

func equalFoldASCII(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
