// Package adif parses the loosely structured ADIF payloads served by the QRZ
// logbook API and orders the resulting QSO records by recency.
//
// The upstream feed is inconsistent: declared field lengths rarely match the
// value, records may be HTML and URL escaped (sometimes twice), and the
// end-of-record marker appears in any letter case. The parser therefore treats
// the payload as a token stream and recovers per field instead of trusting the
// declared lengths.
package adif

import (
	"fmt"
	"time"
)

// MinRecencyKey is the key assigned to records that carry no QSO date.
const MinRecencyKey = "00000000000000"

const (
	dateLayout = "20060102"

	fieldCall    = "call"
	fieldQSODate = "qso_date"
	fieldTimeOn  = "time_on"
	fieldMode    = "mode"
	fieldFreq    = "freq"
)

// Record is one logged contact (QSO).
type Record struct {
	Call      string
	Date      time.Time // UTC midnight; zero when the record has no usable date
	TimeOfDay time.Duration
	HasTime   bool
	Mode      string
	Frequency string
	Fields    map[string]string
	Index     int // position in parse order
}

// HasDate reports whether the record carries a usable QSO date.
func (r Record) HasDate() bool {
	return !r.Date.IsZero()
}

// RecencyKey returns the sortable YYYYMMDDHHMMSS key for the record.
// Undated records get MinRecencyKey; a dated record without time sorts at
// the start of its day.
func (r Record) RecencyKey() string {
	if !r.HasDate() {
		return MinRecencyKey
	}
	key := r.Date.Format(dateLayout)
	if !r.HasTime {
		return key + "000000"
	}
	secs := int(r.TimeOfDay / time.Second)
	return key + fmt.Sprintf("%02d%02d%02d", secs/3600, (secs/60)%60, secs%60)
}

// Timestamp combines date and time of day. The zero time is returned for
// undated records.
func (r Record) Timestamp() time.Time {
	if !r.HasDate() {
		return time.Time{}
	}
	return r.Date.Add(r.TimeOfDay)
}

// Field returns a raw field value by case-insensitive name.
func (r Record) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[normalizeFieldName(name)]
}

func (r Record) String() string {
	if !r.HasDate() {
		return r.Call + " @ undated"
	}
	ts := r.Timestamp()
	if !r.HasTime {
		return fmt.Sprintf("%s @ %s", r.Call, ts.Format("2006-01-02"))
	}
	return fmt.Sprintf("%s @ %s", r.Call, ts.Format("2006-01-02 15:04:05"))
}
