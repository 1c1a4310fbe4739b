// Package stats tracks per-loop cycle outcomes and the most recent cycle of
// each loop for the status endpoint and the periodic console line.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Cycle is the status-facing view of one finished reconciliation cycle.
type Cycle struct {
	ID           string        `json:"id"`
	Mode         string        `json:"mode"`
	Outcome      string        `json:"outcome"`
	Callsign     string        `json:"callsign,omitempty"`
	RemovedID    int64         `json:"removed_id,omitempty"`
	Records      int           `json:"records"`
	TodayRecords int           `json:"today_records"`
	Error        string        `json:"error,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
}

// Tracker tracks cycle statistics by mode.
type Tracker struct {
	// counters live in sync.Map + atomic.Uint64 so loops never contend on a mutex for increments
	outcomeCounts sync.Map // "mode|outcome" -> *atomic.Uint64
	cycleCounts   sync.Map // mode -> *atomic.Uint64
	removals      atomic.Uint64
	start         atomic.Int64

	mu           sync.RWMutex
	last         map[string]Cycle
	lastExamined string
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{last: make(map[string]Cycle)}
	t.start.Store(time.Now().UnixNano())
	return t
}

// Record stores a finished cycle and bumps its counters.
func (t *Tracker) Record(c Cycle) {
	if t == nil {
		return
	}
	mode := strings.TrimSpace(c.Mode)
	outcome := strings.TrimSpace(c.Outcome)
	if mode == "" {
		return
	}
	incrementCounter(&t.cycleCounts, mode)
	if outcome != "" {
		incrementCounter(&t.outcomeCounts, mode+"|"+outcome)
	}
	if c.RemovedID != 0 {
		t.removals.Add(1)
	}
	t.mu.Lock()
	t.last[mode] = c
	t.mu.Unlock()
}

// SetLastExamined mirrors the continuous monitor's last examined callsign.
func (t *Tracker) SetLastExamined(call string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.lastExamined = call
	t.mu.Unlock()
}

// LastExamined returns the mirrored last examined callsign.
func (t *Tracker) LastExamined() string {
	if t == nil {
		return ""
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastExamined
}

// Last returns the most recent cycle for mode.
func (t *Tracker) Last(mode string) (Cycle, bool) {
	if t == nil {
		return Cycle{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.last[mode]
	return c, ok
}

// GetOutcomeCounts returns a copy of outcome counts for mode.
func (t *Tracker) GetOutcomeCounts(mode string) map[string]uint64 {
	counts := make(map[string]uint64)
	if t == nil {
		return counts
	}
	prefix := mode + "|"
	t.outcomeCounts.Range(func(key, value any) bool {
		k := key.(string)
		if strings.HasPrefix(k, prefix) {
			counts[strings.TrimPrefix(k, prefix)] = value.(*atomic.Uint64).Load()
		}
		return true
	})
	return counts
}

// GetCycleCounts returns a copy of cycle counts per mode.
func (t *Tracker) GetCycleCounts() map[string]uint64 {
	counts := make(map[string]uint64)
	if t == nil {
		return counts
	}
	t.cycleCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

// Removals returns the number of automatic removals since start.
func (t *Tracker) Removals() uint64 {
	if t == nil {
		return 0
	}
	return t.removals.Load()
}

// GetUptime returns how long the tracker has been running
func (t *Tracker) GetUptime() time.Duration {
	if t == nil {
		return 0
	}
	start := t.start.Load()
	return time.Since(time.Unix(0, start))
}

// Reset resets all counters
func (t *Tracker) Reset() {
	t.outcomeCounts.Range(func(key, _ any) bool {
		t.outcomeCounts.Delete(key)
		return true
	})
	t.cycleCounts.Range(func(key, _ any) bool {
		t.cycleCounts.Delete(key)
		return true
	})
	t.removals.Store(0)
	t.mu.Lock()
	t.last = make(map[string]Cycle)
	t.mu.Unlock()
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	lines := []string{formatCounts("Cycles by mode", t.GetCycleCounts())}
	modes := make([]string, 0)
	for mode := range t.GetCycleCounts() {
		modes = append(modes, mode)
	}
	sort.Strings(modes)
	for _, mode := range modes {
		lines = append(lines, formatCounts("Outcomes "+mode, t.GetOutcomeCounts(mode)))
	}
	lines = append(lines, fmt.Sprintf("Removals: %d", t.Removals()))
	return lines
}

func formatCounts(label string, counts map[string]uint64) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(keys) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%d", k, counts[k])
	}
	return builder.String()
}

func incrementCounter(m *sync.Map, key string) {
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}
