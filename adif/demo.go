package adif

import "strings"

// DemoCallsign is the placeholder callsign QRZ serves in demo/limited logbooks.
const DemoCallsign = "TE5T"

// DemoSignal classifies how strongly a payload looks like vendor demo data.
type DemoSignal int

const (
	DemoNone DemoSignal = iota
	// DemoMention: the placeholder callsign occurs somewhere in the payload.
	DemoMention
	// DemoConfirmed: placeholder callsign together with a "test call" remark.
	DemoConfirmed
)

func (s DemoSignal) String() string {
	switch s {
	case DemoMention:
		return "mention"
	case DemoConfirmed:
		return "confirmed"
	default:
		return "none"
	}
}

// DetectDemo is a best-effort string match. It only informs the operator;
// demo records are processed like any other record.
func DetectDemo(text string) DemoSignal {
	if !strings.Contains(strings.ToUpper(text), DemoCallsign) {
		return DemoNone
	}
	if strings.Contains(strings.ToLower(text), "test call") {
		return DemoConfirmed
	}
	return DemoMention
}

// Markers counts the raw tag markers in a payload.
type Markers struct {
	Calls int
	Dates int
	EORs  int
}

// Estimate is the smallest of the three counts, or zero when any marker is
// missing entirely.
func (m Markers) Estimate() int {
	if m.Calls == 0 || m.Dates == 0 || m.EORs == 0 {
		return 0
	}
	return min(m.Calls, m.Dates, m.EORs)
}

// CountMarkers counts <call:, <qso_date: and <eor> markers case-insensitively.
func CountMarkers(text string) Markers {
	lower := strings.ToLower(text)
	return Markers{
		Calls: strings.Count(lower, "<call:"),
		Dates: strings.Count(lower, "<qso_date:"),
		EORs:  strings.Count(lower, markerEOR),
	}
}
