package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pucs/config"
)

const (
	logStampLayout   = "2006-01-02 15:04:05"
	logDayLayout     = "2006-01-02"
	logNamePrefix    = "pucs-"
	logNameSuffix    = ".log"
	maxPendingLogLen = 16 * 1024
	defaultLogKeep   = 7
)

// logSink receives complete log lines.
type logSink interface {
	WriteLine(line string, now time.Time)
	Close() error
}

// consoleSink writes to stdout. Timestamps are only added for terminals;
// journald and docker stamp lines themselves.
type consoleSink struct {
	w     io.Writer
	stamp bool
	loc   *time.Location
}

func (s *consoleSink) WriteLine(line string, now time.Time) {
	if s == nil || s.w == nil {
		return
	}
	if s.stamp {
		loc := s.loc
		if loc == nil {
			loc = time.UTC
		}
		line = now.In(loc).Format(logStampLayout) + " " + line
	}
	_, _ = io.WriteString(s.w, line+"\n")
}

func (s *consoleSink) Close() error { return nil }

// dayRolloverHook runs once the sink has switched to a new day's file. It is
// called without the sink lock held, so it may log.
type dayRolloverHook func(prevDay time.Time, prevPath, newPath string)

// dayFileSink keeps one file per reconciliation day. The day boundary is
// taken in the same location the reconcilers use for "today", so a day's
// cycles end up in the same file.
type dayFileSink struct {
	mu sync.Mutex

	dir  string
	keep int
	loc  *time.Location

	day      string
	path     string
	file     *os.File
	onNewDay dayRolloverHook

	lastErrAt time.Time
}

// Purpose: Prepare the log directory and prune expired day files.
// Key aspects: The file itself is opened lazily on the first line.
// Upstream: setupLogging.
// Downstream: pruneLogs.
func newDayFileSink(dir string, keepDays int, loc *time.Location) (*dayFileSink, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("log directory is empty")
	}
	if keepDays <= 0 {
		keepDays = defaultLogKeep
	}
	if loc == nil {
		loc = time.UTC
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %q: %w", dir, err)
	}
	if err := pruneLogs(dir, time.Now().In(loc), keepDays); err != nil {
		fmt.Fprintf(os.Stderr, "Logging: prune %s: %v\n", dir, err)
	}
	return &dayFileSink{dir: dir, keep: keepDays, loc: loc}, nil
}

// Purpose: Append one stamped line to the current day's file.
// Key aspects: Switches files when the local day changes and fires the
// rollover hook after unlocking; I/O errors reach stderr at most once a minute.
// Upstream: logFanout.Write, logFanout.WriteFileOnlyLine.
// Downstream: switchDayLocked.
func (s *dayFileSink) WriteLine(line string, now time.Time) {
	if s == nil {
		return
	}
	now = now.In(s.loc)
	day := now.Format(logDayLayout)

	s.mu.Lock()
	var fire func()
	if s.file == nil || s.day != day {
		fire = s.switchDayLocked(day, now)
	}
	if s.file != nil {
		if _, err := s.file.WriteString(now.Format(logStampLayout) + " " + line + "\n"); err != nil {
			s.reportLocked(now, fmt.Errorf("write %s: %w", s.path, err))
		}
	}
	s.mu.Unlock()

	if fire != nil {
		fire()
	}
}

// switchDayLocked opens the file for day and returns the pending rollover
// notification, if any.
func (s *dayFileSink) switchDayLocked(day string, now time.Time) func() {
	prevDay, prevPath := s.day, s.path
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, logNamePrefix+day+logNameSuffix)
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.reportLocked(now, fmt.Errorf("create log directory %q: %w", s.dir, err))
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.reportLocked(now, fmt.Errorf("open %s: %w", path, err))
		return nil
	}
	s.file, s.day, s.path = f, day, path
	if err := pruneLogs(s.dir, now, s.keep); err != nil {
		s.reportLocked(now, fmt.Errorf("prune: %w", err))
	}

	hook := s.onNewDay
	if hook == nil || prevDay == "" || prevDay == day {
		return nil
	}
	prev, err := time.ParseInLocation(logDayLayout, prevDay, s.loc)
	if err != nil {
		return nil
	}
	return func() { hook(prev, prevPath, path) }
}

func (s *dayFileSink) reportLocked(now time.Time, err error) {
	if !s.lastErrAt.IsZero() && now.Sub(s.lastErrAt) < time.Minute {
		return
	}
	s.lastErrAt = now
	fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
}

// SetRolloverHook installs the day change callback.
func (s *dayFileSink) SetRolloverHook(hook dayRolloverHook) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.onNewDay = hook
	s.mu.Unlock()
}

// Close closes the open day file; repeated calls are fine.
func (s *dayFileSink) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.day, s.path = nil, "", ""
	return err
}

// logFanout is the io.Writer behind the standard logger. It reassembles
// lines from arbitrary writes and hands each line to the console and the
// day file.
type logFanout struct {
	mu      sync.Mutex
	pending []byte
	console logSink
	file    logSink
}

// Purpose: Build the process log writer from the logging config.
// Key aspects: Console output always works; a file sink failure is returned
// alongside a usable console-only fanout.
// Upstream: main startup.
// Downstream: newDayFileSink.
func setupLogging(cfg config.LoggingConfig, loc *time.Location, console io.Writer, stamp bool) (*logFanout, error) {
	if loc == nil {
		loc = time.UTC
	}
	out := &logFanout{console: &consoleSink{w: console, stamp: stamp, loc: loc}}
	if !cfg.Enabled {
		return out, nil
	}
	sink, err := newDayFileSink(cfg.Dir, cfg.RetentionDays, loc)
	if err != nil {
		return out, err
	}
	out.file = sink
	return out, nil
}

// Purpose: Split buffered output into lines and dispatch them.
// Key aspects: A partial line stays pending until its newline arrives;
// pending data beyond maxPendingLogLen is flushed as one line.
// Upstream: log.Logger output.
// Downstream: logSink.WriteLine.
func (f *logFanout) Write(p []byte) (int, error) {
	if f == nil {
		return len(p), nil
	}
	f.mu.Lock()
	f.pending = append(f.pending, p...)
	var lines []string
	rest := f.pending
	for {
		line, tail, found := bytes.Cut(rest, []byte{'\n'})
		if !found {
			break
		}
		lines = append(lines, string(bytes.TrimSuffix(line, []byte{'\r'})))
		rest = tail
	}
	if len(rest) > maxPendingLogLen {
		lines = append(lines, string(rest))
		rest = nil
	}
	f.pending = append(f.pending[:0], rest...)
	console, file := f.console, f.file
	f.mu.Unlock()

	now := time.Now()
	for _, line := range lines {
		if console != nil {
			console.WriteLine(line, now)
		}
		if file != nil {
			file.WriteLine(line, now)
		}
	}
	return len(p), nil
}

// WriteFileOnlyLine writes to the day file without echoing to the console.
func (f *logFanout) WriteFileOnlyLine(line string, now time.Time) {
	if f == nil {
		return
	}
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file != nil {
		file.WriteLine(line, now)
	}
}

// SetRolloverHook forwards hook to the day file sink. It reports false when
// file logging is off.
func (f *logFanout) SetRolloverHook(hook dayRolloverHook) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	sink, ok := f.file.(*dayFileSink)
	f.mu.Unlock()
	if !ok || sink == nil {
		return false
	}
	sink.SetRolloverHook(hook)
	return true
}

// Close closes the file sink.
func (f *logFanout) Close() error {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	file := f.file
	f.mu.Unlock()
	if file == nil {
		return nil
	}
	return file.Close()
}

// logDayOf extracts the day from a pucs-YYYY-MM-DD.log file name.
func logDayOf(name string, loc *time.Location) (time.Time, bool) {
	day, ok := strings.CutPrefix(name, logNamePrefix)
	if !ok {
		return time.Time{}, false
	}
	day, ok = strings.CutSuffix(day, logNameSuffix)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(logDayLayout, day, loc)
	return t, err == nil
}

// pruneLogs removes day files older than keepDays, counting today.
func pruneLogs(dir string, today time.Time, keepDays int) error {
	if keepDays <= 0 {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	y, m, d := today.Date()
	oldest := time.Date(y, m, d-(keepDays-1), 0, 0, 0, 0, today.Location())
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		day, ok := logDayOf(e.Name(), today.Location())
		if !ok || !day.Before(oldest) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
