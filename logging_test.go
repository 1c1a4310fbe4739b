package main

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pucs/config"
)

func TestLogDayOf(t *testing.T) {
	day, ok := logDayOf("pucs-2025-10-19.log", time.UTC)
	if !ok || day.Year() != 2025 || day.Month() != time.October || day.Day() != 19 {
		t.Fatalf("unexpected parse %v %v", day, ok)
	}
	for _, name := range []string{"notes.txt", "2025-10-19.log", "pucs-19-Oct-2025.log", "pucs-2025-10-19.txt"} {
		if _, ok := logDayOf(name, time.UTC); ok {
			t.Fatalf("expected %s to be rejected", name)
		}
	}
}

func TestPruneLogsKeepsRecentDays(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"pucs-2025-10-17.log", "pucs-2025-10-18.log", "pucs-2025-10-19.log", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	today := time.Date(2025, time.October, 19, 12, 0, 0, 0, time.UTC)
	if err := pruneLogs(dir, today, 2); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "pucs-2025-10-17.log")); !os.IsNotExist(err) {
		t.Fatalf("expected oldest day to be removed, err=%v", err)
	}
	for _, name := range []string{"pucs-2025-10-18.log", "pucs-2025-10-19.log", "notes.txt"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected %s to remain: %v", name, err)
		}
	}
}

func TestDayFileSinkRollsOverOnLocalDay(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	sink, err := newDayFileSink(t.TempDir(), 3, loc)
	if err != nil {
		t.Fatalf("newDayFileSink: %v", err)
	}
	defer sink.Close()

	var gotPrev time.Time
	var gotPrevPath, gotNewPath string
	sink.SetRolloverHook(func(prevDay time.Time, prevPath, newPath string) {
		gotPrev, gotPrevPath, gotNewPath = prevDay, prevPath, newPath
	})

	// 21:59 UTC is 23:59 in Amsterdam (CEST); two minutes later it is the next local day.
	first := time.Date(2025, time.October, 19, 21, 59, 0, 0, time.UTC)
	sink.WriteLine("first", first)
	if gotNewPath != "" {
		t.Fatalf("hook must not fire for the first file")
	}
	sink.WriteLine("second", first.Add(2*time.Minute))

	if gotPrev.Day() != 19 || filepath.Base(gotPrevPath) != "pucs-2025-10-19.log" || filepath.Base(gotNewPath) != "pucs-2025-10-20.log" {
		t.Fatalf("unexpected rollover %s %q %q", gotPrev, gotPrevPath, gotNewPath)
	}
	data, err := os.ReadFile(gotNewPath)
	if err != nil || !strings.Contains(string(data), "2025-10-20 00:01:00 second") {
		t.Fatalf("unexpected new file content %q err=%v", data, err)
	}
}

func TestRolloverHookMayLog(t *testing.T) {
	sink, err := newDayFileSink(t.TempDir(), 1, time.UTC)
	if err != nil {
		t.Fatalf("newDayFileSink: %v", err)
	}
	defer sink.Close()
	fanout := &logFanout{file: sink}
	logger := log.New(fanout, "", 0)

	now := time.Now()
	sink.WriteLine("prime", now)
	sink.mu.Lock()
	sink.day = now.Add(-24 * time.Hour).UTC().Format(logDayLayout)
	sink.mu.Unlock()

	hookDone := make(chan struct{})
	sink.SetRolloverHook(func(prevDay time.Time, _, _ string) {
		logger.Printf("daily maintenance for %s", prevDay.Format(logDayLayout))
		close(hookDone)
	})

	done := make(chan struct{})
	go func() {
		logger.Print("trigger rollover")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("logging from the rollover hook deadlocked")
	}
	select {
	case <-hookDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("rollover hook did not run")
	}
}

func TestSetupLoggingConsoleOnly(t *testing.T) {
	var console bytes.Buffer
	fanout, err := setupLogging(config.LoggingConfig{Enabled: false}, time.UTC, &console, false)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	log.New(fanout, "", 0).Print("hello")
	if console.String() != "hello\n" {
		t.Fatalf("unexpected console output %q", console.String())
	}
	if fanout.SetRolloverHook(func(time.Time, string, string) {}) {
		t.Fatalf("console-only logging has no rollover hook")
	}
	fanout.WriteFileOnlyLine("ignored", time.Now())
	if strings.Contains(console.String(), "ignored") {
		t.Fatalf("file-only line leaked to the console")
	}
}

func TestSetupLoggingWritesDayFile(t *testing.T) {
	dir := t.TempDir()
	fanout, err := setupLogging(config.LoggingConfig{Enabled: true, Dir: dir, RetentionDays: 2}, time.UTC, &bytes.Buffer{}, true)
	if err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	log.New(fanout, "", 0).Print("cycle done")
	fanout.WriteFileOnlyLine("Removals: 0", time.Now())
	if err := fanout.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, logNamePrefix+time.Now().UTC().Format(logDayLayout)+logNameSuffix))
	if err != nil {
		t.Fatalf("read day file: %v", err)
	}
	if !strings.Contains(string(data), "cycle done") || !strings.Contains(string(data), "Removals: 0") {
		t.Fatalf("unexpected day file %q", data)
	}
}

func TestLogFanoutJoinsPartialWrites(t *testing.T) {
	var console bytes.Buffer
	fanout := &logFanout{console: &consoleSink{w: &console}}
	fanout.Write([]byte("par"))
	fanout.Write([]byte("tial\r\nnext\n"))
	if console.String() != "partial\nnext\n" {
		t.Fatalf("unexpected output %q", console.String())
	}
}
