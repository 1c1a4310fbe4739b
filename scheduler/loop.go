// Package scheduler runs a task periodically on its own goroutine with an
// explicit Stopped -> Running -> Stopping -> Stopped lifecycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"pucs/config"
)

// ErrPanic is returned by a task run that panicked.
var ErrPanic = errors.New("scheduler: task panicked")

// State is the loop lifecycle state.
type State int32

const (
	Stopped State = iota
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Task is one unit of periodic work. A returned error makes the loop wait
// the error backoff instead of the interval before the next run.
type Task func(ctx context.Context) error

// Option customizes a Loop.
type Option func(*Loop)

// WithStateHook registers a callback for running/stopped transitions.
func WithStateHook(fn func(running bool)) Option {
	return func(l *Loop) {
		l.onState = fn
	}
}

// Status is a point-in-time view for the control endpoint.
type Status struct {
	Name     string        `json:"name"`
	State    string        `json:"state"`
	Running  bool          `json:"running"`
	Interval time.Duration `json:"interval"`
	Runs     uint64        `json:"runs"`
	LastRun  time.Time     `json:"last_run,omitempty"`
}

// Loop runs a Task until stopped.
type Loop struct {
	name         string
	task         Task
	interval     time.Duration
	pollStep     time.Duration
	errorBackoff time.Duration
	stopTimeout  time.Duration
	logger       *log.Logger
	onState      func(running bool)

	mu      sync.Mutex
	state   State
	stop    chan struct{}
	done    chan struct{}
	runs    uint64
	lastRun time.Time
}

// New builds a stopped loop from a loop config section.
func New(name string, task Task, cfg config.LoopConfig, logger *log.Logger, opts ...Option) *Loop {
	l := &Loop{
		name:         name,
		task:         task,
		interval:     cfg.Interval(),
		pollStep:     cfg.PollStep(),
		errorBackoff: cfg.ErrorBackoff(),
		stopTimeout:  cfg.StopTimeout(),
		logger:       logger,
	}
	if l.interval <= 0 {
		l.interval = 60 * time.Second
	}
	if l.pollStep <= 0 || l.pollStep > l.interval {
		l.pollStep = l.interval
	}
	if l.errorBackoff <= 0 {
		l.errorBackoff = 5 * time.Second
	}
	if l.stopTimeout <= 0 {
		l.stopTimeout = 5 * time.Second
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns the loop name used in logs.
func (l *Loop) Name() string {
	return l.name
}

// Interval returns the wait between runs.
func (l *Loop) Interval() time.Duration {
	return l.interval
}

// Purpose: Begin periodic execution.
// Key aspects: No-op (false) while already Running. A new run waits for a
// previous goroutine that outlived its stop timeout, so two runs of the task
// never overlap. Tasks run on ctx, not on the stop signal.
// Upstream: main startup, control start endpoints.
// Downstream: run.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	if l.state == Running {
		l.mu.Unlock()
		return false
	}
	prev := l.done
	stop := make(chan struct{})
	done := make(chan struct{})
	l.stop = stop
	l.done = done
	l.state = Running
	l.mu.Unlock()

	l.notify(true)
	l.logf("%s: started (interval %s)", l.name, l.interval)
	go l.run(ctx, stop, done, prev)
	return true
}

// Purpose: Request the loop to stop and wait for it briefly.
// Key aspects: Running -> Stopping -> Stopped. Waits at most the stop
// timeout; an in-flight task finishes in the background.
// Upstream: main shutdown, control stop endpoints.
// Downstream: run exit.
func (l *Loop) Stop() bool {
	l.mu.Lock()
	if l.state != Running {
		l.mu.Unlock()
		return false
	}
	l.state = Stopping
	stop := l.stop
	done := l.done
	close(stop)
	l.mu.Unlock()

	timer := time.NewTimer(l.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		l.logf("%s: still busy after %s; finishing current run in background", l.name, l.stopTimeout)
	}

	l.mu.Lock()
	if l.done == done {
		l.state = Stopped
	}
	l.mu.Unlock()
	l.notify(false)
	l.logf("%s: stopped", l.name)
	return true
}

// IsRunning reports Running state with a live goroutine.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	state, done := l.state, l.done
	l.mu.Unlock()
	if state != Running || done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// State returns the lifecycle state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Status returns a snapshot for status reporting.
func (l *Loop) Status() Status {
	running := l.IsRunning()
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{
		Name:     l.name,
		State:    l.state.String(),
		Running:  running,
		Interval: l.interval,
		Runs:     l.runs,
		LastRun:  l.lastRun,
	}
}

// Wait blocks until the current goroutine, if any, has exited.
func (l *Loop) Wait() {
	l.mu.Lock()
	done := l.done
	l.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (l *Loop) run(ctx context.Context, stop, done, prev chan struct{}) {
	defer func() {
		l.mu.Lock()
		stillCurrent := l.done == done && l.state == Running
		if stillCurrent {
			l.state = Stopped
		}
		l.mu.Unlock()
		close(done)
		if stillCurrent {
			l.notify(false)
		}
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}

	for {
		wait := l.interval
		if err := l.runOnce(ctx); err != nil {
			l.logf("%s: run failed: %v; retrying in %s", l.name, err, l.errorBackoff)
			wait = l.errorBackoff
		}
		if !l.sleep(ctx, stop, wait) {
			return
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, rec)
			l.logf("%s: panic: %v\n%s", l.name, rec, debug.Stack())
		}
		l.mu.Lock()
		l.runs++
		l.lastRun = time.Now()
		l.mu.Unlock()
	}()
	return l.task(ctx)
}

// sleep waits d in poll steps and reports false when the loop must exit.
// The last step is shortened so the wait ends at the deadline.
func (l *Loop) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	deadline := time.Now().Add(d)
	timer := time.NewTimer(l.pollStep)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		default:
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return true
		}
		timer.Reset(min(l.pollStep, remaining))
		select {
		case <-stop:
			return false
		case <-ctx.Done():
			return false
		case <-timer.C:
		}
	}
}

func (l *Loop) notify(running bool) {
	if l.onState != nil {
		l.onState(running)
	}
}

func (l *Loop) logf(format string, args ...any) {
	if l == nil || l.logger == nil {
		return
	}
	l.logger.Printf(format, args...)
}
