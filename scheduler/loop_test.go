package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pucs/config"
)

func newTestLoop(task Task, opts ...Option) *Loop {
	l := New("test", task, config.LoopConfig{IntervalSeconds: 60}, nil, opts...)
	l.interval = 20 * time.Millisecond
	l.pollStep = 5 * time.Millisecond
	l.errorBackoff = 5 * time.Millisecond
	l.stopTimeout = 200 * time.Millisecond
	return l
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestStartStopLifecycle(t *testing.T) {
	var runs atomic.Int32
	l := newTestLoop(func(context.Context) error {
		runs.Add(1)
		return nil
	})
	if l.State() != Stopped || l.IsRunning() {
		t.Fatalf("new loop must be stopped")
	}
	if !l.Start(context.Background()) {
		t.Fatalf("first start must succeed")
	}
	if l.Start(context.Background()) {
		t.Fatalf("second start must be a no-op")
	}
	waitFor(t, func() bool { return runs.Load() >= 2 })
	if !l.IsRunning() {
		t.Fatalf("loop must report running")
	}
	if !l.Stop() {
		t.Fatalf("stop must succeed")
	}
	if l.State() != Stopped || l.IsRunning() {
		t.Fatalf("loop must be stopped, state=%s", l.State())
	}
	if l.Stop() {
		t.Fatalf("stopping a stopped loop must be a no-op")
	}
}

func TestStopInterruptsWaitPromptly(t *testing.T) {
	l := newTestLoop(func(context.Context) error { return nil })
	l.interval = time.Hour
	l.Start(context.Background())
	waitFor(t, func() bool { return l.Status().Runs == 1 })

	start := time.Now()
	l.Stop()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("stop took %s", elapsed)
	}
}

func TestPanicIsRecoveredAndLoopContinues(t *testing.T) {
	var runs atomic.Int32
	l := newTestLoop(func(context.Context) error {
		if runs.Add(1) == 1 {
			panic("boom")
		}
		return nil
	})
	l.Start(context.Background())
	defer l.Stop()
	waitFor(t, func() bool { return runs.Load() >= 3 })
	if !l.IsRunning() {
		t.Fatalf("loop must survive a panic")
	}
}

func TestErrorUsesBackoff(t *testing.T) {
	var runs atomic.Int32
	l := newTestLoop(func(context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	})
	l.interval = time.Hour
	l.Start(context.Background())
	defer l.Stop()
	waitFor(t, func() bool { return runs.Load() >= 3 })
}

func TestStopTimeoutAndRestartDoNotOverlap(t *testing.T) {
	release := make(chan struct{})
	var (
		active  atomic.Int32
		overlap atomic.Bool
		runs    atomic.Int32
	)
	l := newTestLoop(func(context.Context) error {
		if active.Add(1) > 1 {
			overlap.Store(true)
		}
		defer active.Add(-1)
		if runs.Add(1) == 1 {
			<-release
		}
		return nil
	})
	l.stopTimeout = 10 * time.Millisecond
	l.Start(context.Background())
	waitFor(t, func() bool { return active.Load() == 1 })

	l.Stop()
	if l.State() != Stopped {
		t.Fatalf("stop must report stopped after timeout, got %s", l.State())
	}
	if !l.Start(context.Background()) {
		t.Fatalf("restart must be accepted")
	}
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != 1 {
		t.Fatalf("new run must wait for the previous one")
	}
	close(release)
	waitFor(t, func() bool { return runs.Load() >= 2 })
	l.Stop()
	if overlap.Load() {
		t.Fatalf("runs overlapped")
	}
}

func TestContextCancelStopsLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var mu sync.Mutex
	var transitions []bool
	l := newTestLoop(func(context.Context) error { return nil }, WithStateHook(func(running bool) {
		mu.Lock()
		transitions = append(transitions, running)
		mu.Unlock()
	}))
	l.Start(ctx)
	cancel()
	l.Wait()
	if l.IsRunning() || l.State() != Stopped {
		t.Fatalf("cancelled loop must be stopped")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Fatalf("unexpected state transitions %v", transitions)
	}
}

func TestSleepEndsAtDeadlineBetweenPollSteps(t *testing.T) {
	l := newTestLoop(func(context.Context) error { return nil })
	l.pollStep = time.Second
	stop := make(chan struct{})

	start := time.Now()
	if !l.sleep(context.Background(), stop, 30*time.Millisecond) {
		t.Fatalf("sleep must complete without a stop signal")
	}
	elapsed := time.Since(start)
	if elapsed < 30*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("wait must end at the deadline, not the next poll step: %s", elapsed)
	}

	l.pollStep = 20 * time.Millisecond
	start = time.Now()
	l.sleep(context.Background(), stop, 50*time.Millisecond)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond || elapsed > 300*time.Millisecond {
		t.Fatalf("unexpected wait %s for a 50ms interval with 20ms steps", elapsed)
	}
}
