package qrz

import (
	"fmt"
	"strconv"
	"time"
)

const optionDateLayout = "2006-01-02"

// Variant is one parameterization of the FETCH action. The upstream silently
// truncates some result sets, so several overlapping requests are issued and
// their distinct answers combined.
type Variant struct {
	Name   string
	Option string
	Max    int
}

// Variants returns the fixed fetch set for a cycle running on today, with
// start as the lower bound of the date-window requests.
func Variants(today, start time.Time) []Variant {
	from := start.Format(optionDateLayout)
	return []Variant{
		{Name: "all", Option: "ALL", Max: 1000},
		{Name: "between", Option: fmt.Sprintf("BETWEEN:%s+%s", from, today.Format(optionDateLayout)), Max: 1000},
		{Name: "modsince", Option: "MODSINCE:" + from, Max: 1000},
		{Name: "recent", Option: "ALL", Max: 500},
	}
}

func (v Variant) params(key string, now time.Time) map[string]string {
	return map[string]string{
		"KEY":    key,
		"ACTION": "FETCH",
		"ADIF":   "1",
		"OPTION": v.Option,
		"MAX":    strconv.Itoa(v.Max),
		"ts":     strconv.FormatInt(now.UnixMilli(), 10),
	}
}
