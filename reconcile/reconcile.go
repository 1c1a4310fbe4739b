// Package reconcile runs one reconciliation cycle: read the queue and the
// logbook credentials, fetch and parse the logbook, resolve the latest
// contact and remove the matching queue entry.
//
// The same Reconciler serves both loops; Mode selects the latest-record
// policy. FullDay restricts matching to contacts logged today and to queue
// entries entered today. Continuous looks at the newest contact overall and
// examines each new latest callsign once.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"pucs/adif"
	"pucs/events"
	"pucs/internal/ratelimit"
	"pucs/metrics"
	"pucs/qrz"
	"pucs/queuestore"
	"pucs/snapshot"
	"pucs/stats"
	"pucs/strutil"
)

var (
	// ErrParseEmpty means the fetch succeeded but yielded no valid record.
	ErrParseEmpty = errors.New("reconcile: no valid records in logbook")
	// ErrNoMatch means the latest contact has no queue entry to remove.
	ErrNoMatch = errors.New("reconcile: latest contact not in queue")
	// ErrDatastore wraps every queue store failure.
	ErrDatastore = errors.New("reconcile: datastore failure")
	// ErrNoFetchConfig means no logbook credentials are configured.
	ErrNoFetchConfig = errors.New("reconcile: no logbook credentials configured")
	// ErrPanic marks a cycle that panicked and was recovered.
	ErrPanic = errors.New("reconcile: cycle panicked")
)

const (
	failureLogInterval = 10 * time.Minute
	nearMissDistance   = 2
)

// Mode selects the matching policy.
type Mode string

const (
	FullDay    Mode = "full_day"
	Continuous Mode = "continuous"
)

// Outcome classifies a finished cycle.
type Outcome string

const (
	OutcomeRemoved        Outcome = "removed"
	OutcomeNoMatch        Outcome = "no_match"
	OutcomeIdle           Outcome = "idle"
	OutcomeRepeat         Outcome = "repeat"
	OutcomeFetchFailed    Outcome = "fetch_failed"
	OutcomeParseEmpty     Outcome = "parse_empty"
	OutcomeDatastoreError Outcome = "datastore_error"
	OutcomeNoConfig       Outcome = "no_config"
	OutcomePanic          Outcome = "panic"
	// OutcomeBusy is reported by callers that refuse to start a cycle
	// while another one of the same mode is in progress.
	OutcomeBusy Outcome = "busy"
)

// Session is the slice of a queuestore session a cycle needs.
type Session interface {
	ListEntries(ctx context.Context) ([]queuestore.Entry, error)
	ListEntriesForDate(ctx context.Context, day time.Time) ([]queuestore.Entry, error)
	DeleteEntryByID(ctx context.Context, id int64) (bool, error)
	DeleteLatestEntryForCallsignOn(ctx context.Context, call string, day time.Time) (queuestore.Entry, bool, error)
	FetchConfig(ctx context.Context) (queuestore.FetchConfig, error)
	Close() error
}

// Datastore hands out one Session per phase of a cycle.
type Datastore interface {
	Acquire(ctx context.Context) (Session, error)
}

// Fetcher retrieves the combined logbook text for a day.
type Fetcher interface {
	FetchOn(ctx context.Context, creds qrz.Credentials, today time.Time) (qrz.Result, error)
}

type storeAdapter struct {
	store *queuestore.Store
}

func (a storeAdapter) Acquire(ctx context.Context) (Session, error) {
	sess, err := a.store.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// FromStore adapts a queuestore.Store to Datastore.
func FromStore(store *queuestore.Store) Datastore {
	return storeAdapter{store: store}
}

// Deps are the collaborators of a Reconciler. Store and Fetcher are
// required; the rest may be nil.
type Deps struct {
	Store    Datastore
	Fetcher  Fetcher
	Snapshot *snapshot.Archive
	Metrics  *metrics.Metrics
	Events   *events.Publisher
	Stats    *stats.Tracker
	Logger   *log.Logger
	Location *time.Location
	Now      func() time.Time
}

// RankedCall is one of today's upstream callsigns with its recency key.
type RankedCall struct {
	Call string
	Key  string
}

// Summary is the per-cycle comparison between the logbook and today's queue.
type Summary struct {
	TotalRecords    int
	TodayRecords    int
	TodayCallsigns  []RankedCall // newest first
	MissingUpstream []string     // queued today, not logged today
	ExtraUpstream   []string     // logged today, not queued today
}

// FetchStats condenses the fetcher result for reports.
type FetchStats struct {
	Succeeded  int
	Failed     int
	Duplicates int
	Bytes      int
	Elapsed    time.Duration
}

// Report describes one cycle.
type Report struct {
	ID        string
	Mode      Mode
	Outcome   Outcome
	Callsign  string
	Removed   *queuestore.Entry
	Records   int
	Fetch     FetchStats
	Summary   *Summary
	Snapshot  string
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Reconciler runs cycles for one mode. Cycle must not be called
// concurrently on the same Reconciler; the scheduler guarantees that.
type Reconciler struct {
	mode Mode
	deps Deps

	lastExamined string

	noConfigLog *ratelimit.Counter
	fetchLog    *ratelimit.Counter
}

// New constructs a Reconciler for mode.
func New(mode Mode, deps Deps) *Reconciler {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	return &Reconciler{
		mode:        mode,
		deps:        deps,
		noConfigLog: ratelimit.NewCounter(failureLogInterval),
		fetchLog:    ratelimit.NewCounter(failureLogInterval),
	}
}

// Mode returns the reconciler's mode.
func (r *Reconciler) Mode() Mode {
	return r.mode
}

// LastExamined returns the continuous-mode memory. Only safe from the loop
// goroutine; status readers use stats.Tracker.LastExamined.
func (r *Reconciler) LastExamined() string {
	return r.lastExamined
}

// Purpose: Execute one fetch, parse, match and remove cycle.
// Key aspects: Every error and panic is classified into the report; nothing
// escapes to the caller. Datastore sessions are released before the fetch.
// Upstream: scheduler.Loop task, control qrz_run endpoint.
// Downstream: runFullDay, runContinuous, finish.
func (r *Reconciler) Cycle(ctx context.Context) (rep Report) {
	rep = Report{
		ID:        uuid.NewString(),
		Mode:      r.mode,
		StartedAt: r.deps.Now(),
	}
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			rep.Outcome = OutcomePanic
			rep.Err = fmt.Errorf("%w: %v", ErrPanic, rec)
			r.logf("[%s] %s cycle panic: %v\n%s", shortID(rep.ID), r.mode, rec, debug.Stack())
		}
		rep.Duration = time.Since(start)
		r.finish(&rep)
	}()

	switch r.mode {
	case Continuous:
		r.runContinuous(ctx, &rep)
	default:
		r.runFullDay(ctx, &rep)
	}
	return rep
}

func (r *Reconciler) today() time.Time {
	return r.deps.Now().In(r.deps.Location)
}

func (r *Reconciler) runFullDay(ctx context.Context, rep *Report) {
	today := r.today()

	var (
		creds   queuestore.FetchConfig
		entries []queuestore.Entry
	)
	err := r.withSession(ctx, func(sess Session) error {
		var err error
		if creds, err = sess.FetchConfig(ctx); err != nil {
			return err
		}
		entries, err = sess.ListEntriesForDate(ctx, today)
		return err
	})
	if r.classifyStoreErr(rep, err) {
		return
	}
	if len(entries) == 0 {
		rep.Outcome = OutcomeIdle
		r.logf("[%s] Full-day check: no queue entries for %s, skipping fetch", shortID(rep.ID), today.Format("2006-01-02"))
		return
	}

	records, ok := r.fetchAndParse(ctx, rep, creds, today)
	if !ok {
		return
	}

	summary := Summarize(records, entries, today)
	rep.Summary = &summary
	r.logSummary(rep, records, summary)

	latest, ok := adif.LatestOn(records, today)
	if !ok {
		rep.Outcome = OutcomeNoMatch
		rep.Err = fmt.Errorf("%w: no contact logged on %s", ErrNoMatch, today.Format("2006-01-02"))
		r.logf("[%s] Full-day check: no contacts logged today yet", shortID(rep.ID))
		return
	}
	rep.Callsign = latest.Call
	r.logf("[%s] Full-day check: latest contact today %s", shortID(rep.ID), latest)

	if !containsCall(entries, latest.Call) {
		rep.Outcome = OutcomeNoMatch
		rep.Err = fmt.Errorf("%w: %s", ErrNoMatch, latest.Call)
		r.logNoMatch(rep, latest.Call, entries)
		return
	}

	var (
		removed queuestore.Entry
		deleted bool
	)
	err = r.withSession(ctx, func(sess Session) error {
		var err error
		removed, deleted, err = sess.DeleteLatestEntryForCallsignOn(ctx, latest.Call, today)
		return err
	})
	if r.classifyStoreErr(rep, err) {
		return
	}
	if !deleted {
		rep.Outcome = OutcomeNoMatch
		rep.Err = fmt.Errorf("%w: %s removed concurrently", ErrNoMatch, latest.Call)
		r.logf("[%s] Full-day check: %s already gone from the queue", shortID(rep.ID), latest.Call)
		return
	}
	r.markRemoved(rep, removed)
}

func (r *Reconciler) runContinuous(ctx context.Context, rep *Report) {
	today := r.today()

	var creds queuestore.FetchConfig
	err := r.withSession(ctx, func(sess Session) error {
		var err error
		creds, err = sess.FetchConfig(ctx)
		return err
	})
	if r.classifyStoreErr(rep, err) {
		return
	}

	records, ok := r.fetchAndParse(ctx, rep, creds, today)
	if !ok {
		return
	}
	latest, _ := adif.Latest(records)
	rep.Callsign = latest.Call
	if r.lastExamined != "" && strutil.SameCallsign(latest.Call, r.lastExamined) {
		rep.Outcome = OutcomeRepeat
		return
	}
	r.logf("[%s] Latest monitor: new latest contact %s (previous %s)", shortID(rep.ID), latest, displayCall(r.lastExamined))

	var (
		removed queuestore.Entry
		deleted bool
	)
	err = r.withSession(ctx, func(sess Session) error {
		entries, err := sess.ListEntries(ctx)
		if err != nil {
			return err
		}
		var matches []queuestore.Entry
		for _, entry := range entries {
			if strutil.SameCallsign(entry.Callsign, latest.Call) {
				matches = append(matches, entry)
			}
		}
		target, ok := queuestore.LatestEntry(matches)
		if !ok {
			return nil
		}
		if deleted, err = sess.DeleteEntryByID(ctx, target.ID); err != nil {
			return err
		}
		removed = target
		return nil
	})
	if r.classifyStoreErr(rep, err) {
		return
	}

	r.lastExamined = latest.Call
	r.deps.Stats.SetLastExamined(latest.Call)

	if !deleted {
		rep.Outcome = OutcomeNoMatch
		rep.Err = fmt.Errorf("%w: %s", ErrNoMatch, latest.Call)
		r.logf("[%s] Latest monitor: %s is not in the queue", shortID(rep.ID), latest.Call)
		return
	}
	r.markRemoved(rep, removed)
}

// fetchAndParse runs the fetch and parse phases and classifies failures.
func (r *Reconciler) fetchAndParse(ctx context.Context, rep *Report, creds queuestore.FetchConfig, today time.Time) ([]adif.Record, bool) {
	res, err := r.deps.Fetcher.FetchOn(ctx, qrz.Credentials{Callsign: creds.Callsign, APIKey: creds.APIKey}, today)
	rep.Fetch = FetchStats{Succeeded: res.Succeeded, Failed: res.Failed, Duplicates: res.Duplicates, Bytes: len(res.Text), Elapsed: res.Elapsed}
	for _, vr := range res.Variants {
		r.deps.Metrics.ObserveVariant(vr.Name, vr.Status)
	}
	if err != nil {
		rep.Outcome = OutcomeFetchFailed
		rep.Err = err
		if total, suppressed, ok := r.fetchLog.Inc(); ok {
			r.logf("[%s] %s cycle: logbook fetch failed (%d total, %d suppressed): %v", shortID(rep.ID), r.mode, total, suppressed, err)
		}
		return nil, false
	}
	r.fetchLog.Reset()
	r.deps.Metrics.MarkFetchSuccess(string(r.mode), r.deps.Now())

	records, parseStats := adif.ParseWithStats(res.Text)
	rep.Records = len(records)
	r.deps.Metrics.SetRecordsParsed(string(r.mode), len(records))
	r.archive(rep, res, creds, records, today)

	if len(records) == 0 {
		rep.Outcome = OutcomeParseEmpty
		rep.Err = ErrParseEmpty
		markers := adif.CountMarkers(res.Text)
		r.logf("[%s] %s cycle: no valid records in %s (markers: call=%d eor=%d, %d fragments without callsign)",
			shortID(rep.ID), r.mode, humanize.Bytes(uint64(len(res.Text))), markers.Calls, markers.EORs, parseStats.MissingCall)
		return nil, false
	}
	r.logf("[%s] %s cycle: parsed %s records from %s", shortID(rep.ID), r.mode, humanize.Comma(int64(len(records))), humanize.Bytes(uint64(len(res.Text))))
	return records, true
}

func (r *Reconciler) archive(rep *Report, res qrz.Result, creds queuestore.FetchConfig, records []adif.Record, today time.Time) {
	if r.deps.Snapshot == nil {
		return
	}
	meta := snapshot.Metadata{
		Mode:         string(r.mode),
		CycleID:      rep.ID,
		Callsign:     creds.Callsign,
		APIKeyMasked: strutil.MaskSecret(creds.APIKey),
		FetchedAt:    today,
		Records:      len(records),
		TodayRecords: len(adif.OnDate(records, today)),
	}
	if res.Demo != adif.DemoNone {
		meta.Demo = res.Demo.String()
	}
	for _, vr := range res.Variants {
		vm := snapshot.VariantMeta{Name: vr.Name, Status: vr.Status, Bytes: vr.Bytes, Records: vr.Records}
		if vr.Err != nil {
			vm.Error = vr.Err.Error()
		}
		meta.Variants = append(meta.Variants, vm)
	}
	out, err := r.deps.Snapshot.Write(res.Text, meta)
	if err != nil {
		r.logf("[%s] Snapshot write failed: %v", shortID(rep.ID), err)
		return
	}
	rep.Snapshot = out.Path
}

func (r *Reconciler) markRemoved(rep *Report, removed queuestore.Entry) {
	rep.Outcome = OutcomeRemoved
	rep.Removed = &removed
	r.logf("[%s] %s cycle: removed %s (entry %d, position %d)", shortID(rep.ID), r.mode, removed.Callsign, removed.ID, removed.Position)
	r.deps.Metrics.IncrementRemoved(string(r.mode))
	err := r.deps.Events.PublishEntriesUpdated(events.EntriesUpdated{
		CycleID:   rep.ID,
		Mode:      string(r.mode),
		Callsign:  removed.Callsign,
		EntryID:   removed.ID,
		Position:  removed.Position,
		RemovedAt: r.deps.Now().UTC(),
	})
	if err != nil {
		r.logf("[%s] entries_updated not published: %v", shortID(rep.ID), err)
	}
}

// withSession scopes one datastore phase; the connection is released before
// the function returns.
func (r *Reconciler) withSession(ctx context.Context, fn func(Session) error) error {
	sess, err := r.deps.Store.Acquire(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()
	return fn(sess)
}

// classifyStoreErr fills the report for a datastore phase error and reports
// whether the cycle must stop.
func (r *Reconciler) classifyStoreErr(rep *Report, err error) bool {
	if err == nil {
		if r.noConfigLog.Total() > 0 {
			r.noConfigLog.Reset()
		}
		return false
	}
	if errors.Is(err, queuestore.ErrNoFetchConfig) {
		rep.Outcome = OutcomeNoConfig
		rep.Err = fmt.Errorf("%w: %w", ErrNoFetchConfig, err)
		if total, suppressed, ok := r.noConfigLog.Inc(); ok {
			r.logf("[%s] %s cycle: no QRZ API key configured, skipping (%d total, %d suppressed)", shortID(rep.ID), r.mode, total, suppressed)
		}
		return true
	}
	rep.Outcome = OutcomeDatastoreError
	rep.Err = fmt.Errorf("%w: %w", ErrDatastore, err)
	r.logf("[%s] %s cycle: datastore error: %v", shortID(rep.ID), r.mode, err)
	return true
}

func (r *Reconciler) finish(rep *Report) {
	r.deps.Metrics.ObserveCycle(string(r.mode), string(rep.Outcome), rep.Duration)
	c := stats.Cycle{
		ID:        rep.ID,
		Mode:      string(rep.Mode),
		Outcome:   string(rep.Outcome),
		Callsign:  rep.Callsign,
		Records:   rep.Records,
		StartedAt: rep.StartedAt,
		Duration:  rep.Duration,
	}
	if rep.Removed != nil {
		c.RemovedID = rep.Removed.ID
	}
	if rep.Summary != nil {
		c.TodayRecords = rep.Summary.TodayRecords
	}
	if rep.Err != nil {
		c.Error = rep.Err.Error()
	}
	r.deps.Stats.Record(c)
}

// Summarize compares today's logbook contacts with today's queue.
func Summarize(records []adif.Record, todayEntries []queuestore.Entry, today time.Time) Summary {
	todays := adif.OnDate(records, today)
	s := Summary{TotalRecords: len(records), TodayRecords: len(todays)}
	upstream := make(map[string]struct{}, len(todays))
	for _, rec := range todays {
		s.TodayCallsigns = append(s.TodayCallsigns, RankedCall{Call: rec.Call, Key: rec.RecencyKey()})
		upstream[strutil.NormalizeCallsign(rec.Call)] = struct{}{}
	}
	queued := make(map[string]struct{}, len(todayEntries))
	for _, entry := range todayEntries {
		call := strutil.NormalizeCallsign(entry.Callsign)
		if call != "" {
			queued[call] = struct{}{}
		}
	}
	for call := range queued {
		if _, ok := upstream[call]; !ok {
			s.MissingUpstream = append(s.MissingUpstream, call)
		}
	}
	for call := range upstream {
		if _, ok := queued[call]; !ok {
			s.ExtraUpstream = append(s.ExtraUpstream, call)
		}
	}
	sort.Strings(s.MissingUpstream)
	sort.Strings(s.ExtraUpstream)
	return s
}

func (r *Reconciler) logSummary(rep *Report, records []adif.Record, s Summary) {
	id := shortID(rep.ID)
	for _, group := range adif.GroupByDate(records) {
		date := group.Date
		if date == "" {
			date = "undated"
		}
		r.logf("[%s]   %s: %d contacts", id, date, len(group.Calls))
	}
	calls := make([]string, 0, len(s.TodayCallsigns))
	for _, rc := range s.TodayCallsigns {
		calls = append(calls, rc.Call)
	}
	r.logf("[%s] Full-day check: %d of %d records from today [%s]; queued but not logged [%s]; logged but not queued [%s]",
		id, s.TodayRecords, s.TotalRecords, strings.Join(calls, ","), strings.Join(s.MissingUpstream, ","), strings.Join(s.ExtraUpstream, ","))
}

// logNoMatch reports a latest callsign without a queue entry and points at a
// queued callsign within a small edit distance, which usually means a typo
// in either the queue or the logbook.
func (r *Reconciler) logNoMatch(rep *Report, call string, entries []queuestore.Entry) {
	best, bestDist := "", nearMissDistance+1
	norm := strutil.NormalizeCallsign(call)
	for _, entry := range entries {
		candidate := strutil.NormalizeCallsign(entry.Callsign)
		if candidate == "" {
			continue
		}
		if d := levenshtein.ComputeDistance(norm, candidate); d < bestDist {
			best, bestDist = candidate, d
		}
	}
	if best != "" {
		r.logf("[%s] %s cycle: %s not in today's queue (near miss: %s, distance %d)", shortID(rep.ID), r.mode, call, best, bestDist)
		return
	}
	r.logf("[%s] %s cycle: %s not in today's queue", shortID(rep.ID), r.mode, call)
}

func containsCall(entries []queuestore.Entry, call string) bool {
	for _, entry := range entries {
		if strutil.SameCallsign(entry.Callsign, call) {
			return true
		}
	}
	return false
}

func displayCall(call string) string {
	if call == "" {
		return "none"
	}
	return call
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (r *Reconciler) logf(format string, args ...any) {
	if r == nil || r.deps.Logger == nil {
		return
	}
	r.deps.Logger.Printf(format, args...)
}
