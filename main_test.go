package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pucs/reconcile"
	"pucs/snapshot"
	"pucs/stats"
)

type scriptedRunner struct {
	rep   reconcile.Report
	calls atomic.Int32
	block chan struct{}
}

func (r *scriptedRunner) Cycle(context.Context) reconcile.Report {
	r.calls.Add(1)
	if r.block != nil {
		<-r.block
	}
	return r.rep
}

func TestLoadConfigPrefersEnvDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.yaml"), []byte("server:\n  name: Field Day\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, dir)

	cfg, source, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if source != dir || cfg.Server.Name != "Field Day" {
		t.Fatalf("unexpected config from %q: %+v", source, cfg.Server)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv(envConfigPath, filepath.Join(t.TempDir(), "missing"))

	cfg, source, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if source != "built-in defaults" || cfg.Checker.IntervalSeconds != 60 {
		t.Fatalf("unexpected fallback %q %+v", source, cfg.Checker)
	}
}

func TestLoadConfigReportsBrokenYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.yaml"), []byte("server: [unclosed\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(envConfigPath, dir)
	if _, _, err := loadConfig(); err == nil {
		t.Fatalf("expected a parse error")
	}
}

func TestCycleTaskSurfacesPanicsOnly(t *testing.T) {
	boom := errors.New("recovered: boom")
	cases := []struct {
		outcome reconcile.Outcome
		err     error
		want    error
	}{
		{reconcile.OutcomeRemoved, nil, nil},
		{reconcile.OutcomeFetchFailed, errors.New("upstream down"), nil},
		{reconcile.OutcomePanic, boom, boom},
		{reconcile.OutcomePanic, nil, reconcile.ErrPanic},
	}
	for _, tc := range cases {
		task := cycleTask(&scriptedRunner{rep: reconcile.Report{Outcome: tc.outcome, Err: tc.err}})
		if got := task(context.Background()); !errors.Is(got, tc.want) && got != tc.want {
			t.Fatalf("outcome %s: expected %v, got %v", tc.outcome, tc.want, got)
		}
	}
}

func TestSerialRunnerRefusesManualRunDuringCycle(t *testing.T) {
	inner := &scriptedRunner{rep: reconcile.Report{Outcome: reconcile.OutcomeNoMatch}, block: make(chan struct{})}
	runner := newSerialRunner(inner)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Cycle(context.Background())
	}()
	deadline := time.Now().Add(2 * time.Second)
	for inner.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	manual := manualRunner{s: runner, mode: reconcile.FullDay}
	rep := manual.Cycle(context.Background())
	if rep.Outcome != reconcile.OutcomeBusy || !errors.Is(rep.Err, errCycleBusy) || rep.Mode != reconcile.FullDay {
		t.Fatalf("expected busy report, got %+v", rep)
	}
	close(inner.block)
	wg.Wait()

	if rep := manual.Cycle(context.Background()); rep.Outcome != reconcile.OutcomeNoMatch {
		t.Fatalf("manual run after the cycle must go through, got %s", rep.Outcome)
	}
	if inner.calls.Load() != 2 {
		t.Fatalf("expected 2 cycles, got %d", inner.calls.Load())
	}
}

type captureLines struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLines) WriteFileOnlyLine(line string, _ time.Time) {
	c.mu.Lock()
	c.lines = append(c.lines, line)
	c.mu.Unlock()
}

func (c *captureLines) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestDisplayStatsWritesFileOnlyLines(t *testing.T) {
	tracker := stats.NewTracker()
	tracker.Record(stats.Cycle{Mode: "full_day", Outcome: "removed", RemovedID: 7})
	out := &captureLines{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		displayStats(ctx, 5*time.Millisecond, tracker, out)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(out.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	joined := strings.Join(out.snapshot(), "\n")
	if !strings.Contains(joined, "Uptime:") || !strings.Contains(joined, "Removals: 1") {
		t.Fatalf("unexpected stats lines:\n%s", joined)
	}
}

func TestDailyMaintenancePrunesSnapshots(t *testing.T) {
	dir := t.TempDir()
	archive := snapshot.New(dir, 1, nil)
	old := archive.PathFor("full_day", time.Date(2025, 10, 15, 0, 0, 0, 0, time.UTC))
	if err := os.WriteFile(old, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	past := time.Now().Add(-72 * time.Hour)
	if err := os.Chtimes(old, past, past); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	sink, err := newDayFileSink(t.TempDir(), 3, time.UTC)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	defer sink.Close()
	fanout := &logFanout{file: sink}

	hook := dailyMaintenance(archive, stats.NewTracker(), fanout, nil)
	hook(time.Date(2025, 10, 18, 0, 0, 0, 0, time.UTC), "", "")

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expired snapshot must be removed, err=%v", err)
	}
}

func TestFormatDurationShort(t *testing.T) {
	cases := map[time.Duration]string{
		-time.Second:                  "0s",
		42 * time.Second:              "42s",
		3*time.Minute + 5*time.Second: "3m05s",
		2*time.Hour + 7*time.Minute:   "2h07m",
		50*time.Hour + 30*time.Minute: "2d02h30m",
	}
	for in, want := range cases {
		if got := formatDurationShort(in); got != want {
			t.Fatalf("formatDurationShort(%s) = %q, want %q", in, got, want)
		}
	}
}
