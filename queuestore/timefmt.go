package queuestore

import (
	"fmt"
	"strings"
	"time"
)

// The front-end stores naive UTC datetimes as text.
const storeTimeLayout = "2006-01-02 15:04:05.000000"

var storeTimeInputs = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC3339Nano,
}

func formatStoreTime(t time.Time) string {
	return t.UTC().Format(storeTimeLayout)
}

func parseStoreTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range storeTimeInputs {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("queuestore: unrecognised timestamp %q", raw)
}

// sameDay compares calendar dates with ts expressed in day's location.
func sameDay(ts, day time.Time) bool {
	if ts.IsZero() {
		return false
	}
	y1, m1, d1 := ts.In(day.Location()).Date()
	y2, m2, d2 := day.Date()
	return y1 == y2 && m1 == m2 && d1 == d2
}
