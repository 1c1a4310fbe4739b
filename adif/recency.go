package adif

import (
	"sort"
	"time"
)

// SortNewestFirst returns a copy of recs ordered by RecencyKey, newest first.
// Ties keep parse order and undated records sink to the end.
func SortNewestFirst(recs []Record) []Record {
	out := make([]Record, len(recs))
	copy(out, recs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecencyKey() > out[j].RecencyKey()
	})
	return out
}

// Latest returns the newest record. When none of the records carries a
// date, the most recently parsed record wins so an undated log still yields
// a candidate.
func Latest(recs []Record) (Record, bool) {
	if len(recs) == 0 {
		return Record{}, false
	}
	best := -1
	bestKey := MinRecencyKey
	for i := range recs {
		key := recs[i].RecencyKey()
		if key > bestKey {
			best = i
			bestKey = key
		}
	}
	if best < 0 {
		return lastParsed(recs), true
	}
	return recs[best], true
}

// LatestOn returns the newest record whose QSO date falls on day's calendar
// date. day is interpreted in its own location; QSO dates are UTC dates.
func LatestOn(recs []Record, day time.Time) (Record, bool) {
	on := OnDate(recs, day)
	if len(on) == 0 {
		return Record{}, false
	}
	return on[0], true
}

// OnDate returns the records logged on day, newest first.
func OnDate(recs []Record, day time.Time) []Record {
	y, m, d := day.Date()
	var matched []Record
	for _, rec := range recs {
		if !rec.HasDate() {
			continue
		}
		ry, rm, rd := rec.Date.Date()
		if ry == y && rm == m && rd == d {
			matched = append(matched, rec)
		}
	}
	return SortNewestFirst(matched)
}

// DateGroup is the set of callsigns logged on one QSO date.
type DateGroup struct {
	Date  string // YYYYMMDD, or empty for undated records
	Calls []string
}

// GroupByDate buckets callsigns per QSO date, undated first and then oldest
// date first, keeping payload order inside each bucket.
func GroupByDate(recs []Record) []DateGroup {
	index := make(map[string]int)
	var groups []DateGroup
	for _, rec := range recs {
		key := ""
		if rec.HasDate() {
			key = rec.Date.Format(dateLayout)
		}
		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, DateGroup{Date: key})
		}
		groups[pos].Calls = append(groups[pos].Calls, rec.Call)
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Date < groups[j].Date
	})
	return groups
}

func lastParsed(recs []Record) Record {
	best := recs[0]
	for _, rec := range recs[1:] {
		if rec.Index >= best.Index {
			best = rec
		}
	}
	return best
}
