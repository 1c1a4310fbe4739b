// Program pucs keeps the pile-up queue of the web front-end in step with the
// operator's QRZ logbook: stations that have been worked are taken off the
// queue automatically.
//
// Two loops can run side by side. The checker compares today's logbook with
// today's queue and removes the most recent match; the monitor watches the
// single latest logbook record and removes that station as soon as it shows
// up. Both are controlled over a small local HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/term"

	"pucs/config"
	"pucs/control"
	"pucs/events"
	"pucs/metrics"
	"pucs/qrz"
	"pucs/queuestore"
	"pucs/reconcile"
	"pucs/scheduler"
	"pucs/snapshot"
	"pucs/stats"
)

// Version will be set at build time
var Version = "dev"

const (
	defaultConfigPath = "data/config"
	envConfigPath     = "PUCS_CONFIG_PATH"

	statsInterval   = 5 * time.Minute
	shutdownTimeout = 5 * time.Second
)

func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Purpose: Load configuration from env/default locations.
// Key aspects: Tries env override first, then the default config dir; when
// neither exists the built-in defaults are used.
// Upstream: main startup.
// Downstream: config.Load and os.IsNotExist.
func loadConfig() (*config.Config, string, error) {
	candidates := make([]string, 0, 2)
	if envPath := strings.TrimSpace(os.Getenv(envConfigPath)); envPath != "" {
		candidates = append(candidates, envPath)
	}
	candidates = append(candidates, defaultConfigPath)

	for _, path := range candidates {
		cfg, err := config.Load(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, path, err
		}
		return cfg, cfg.LoadedFrom, nil
	}
	cfg, err := config.Defaults()
	if err != nil {
		return nil, "", fmt.Errorf("unable to load config; tried %s: %w", strings.Join(candidates, ", "), err)
	}
	return cfg, cfg.LoadedFrom, nil
}

// cycleRunner is the part of reconcile.Reconciler the loops and the control
// API need.
type cycleRunner interface {
	Cycle(ctx context.Context) reconcile.Report
}

// Purpose: Adapt a reconciler to a scheduler task.
// Key aspects: A recovered panic is surfaced as an error so the loop waits
// error_backoff before retrying; every other outcome is a normal cycle.
// Upstream: main loop wiring.
// Downstream: reconcile.Reconciler.Cycle.
func cycleTask(r cycleRunner) scheduler.Task {
	return func(ctx context.Context) error {
		rep := r.Cycle(ctx)
		if rep.Outcome == reconcile.OutcomePanic {
			if rep.Err != nil {
				return rep.Err
			}
			return reconcile.ErrPanic
		}
		return nil
	}
}

// Purpose: Build a scheduler loop for one reconciler with metrics wiring.
// Key aspects: The loop-running gauge follows state transitions.
// Upstream: main startup.
// Downstream: scheduler.New.
func newReconcileLoop(name string, r cycleRunner, mode reconcile.Mode, cfg config.LoopConfig, m *metrics.Metrics, logger *log.Logger) *scheduler.Loop {
	return scheduler.New(name, cycleTask(r), cfg, logger, scheduler.WithStateHook(func(running bool) {
		m.SetLoopRunning(string(mode), running)
	}))
}

func main() {
	cfg, configSource, err := loadConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	consoleTimestamps := isStdoutTTY()
	fanout, logErr := setupLogging(cfg.Logging, cfg.QRZ.TimeLocation(), os.Stdout, consoleTimestamps)
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer fanout.Close()
	if logErr != nil {
		log.Printf("Warning: file logging disabled: %v", logErr)
	}
	logger := log.Default()

	log.Printf("PUCS reconciliation engine v%s starting...", Version)
	log.Printf("Loaded configuration from %s", configSource)
	cfg.Print()

	if res, err := queuestore.Preflight(cfg.Store.Path, cfg.Store.PreflightTimeout(), logger); err != nil {
		log.Printf("Warning: queue DB preflight: %v", err)
	} else if res.Quarantined {
		log.Printf("Queue DB was corrupt and has been moved to %s", res.QuarantinePath)
	}
	store, err := queuestore.Open(cfg.Store.Path, queuestore.Options{BusyTimeout: cfg.Store.BusyTimeout()})
	if err != nil {
		log.Fatalf("Error opening queue DB: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()
	tracker := stats.NewTracker()
	client := qrz.New(cfg.QRZ, logger)

	var archive *snapshot.Archive
	if cfg.Snapshot.Enabled {
		archive = snapshot.New(cfg.Snapshot.Dir, cfg.Snapshot.RetentionDays, logger)
		if removed, err := archive.Cleanup(); err != nil {
			log.Printf("Warning: snapshot cleanup: %v", err)
		} else if removed > 0 {
			log.Printf("Snapshots: removed %d expired file(s)", removed)
		}
	}

	publisher := events.New(cfg.Events, logger)
	if publisher != nil {
		if err := publisher.Connect(); err != nil {
			log.Printf("Warning: events publisher unavailable: %v", err)
		}
		defer publisher.Close()
	}

	deps := reconcile.Deps{
		Store:    reconcile.FromStore(store),
		Fetcher:  client,
		Snapshot: archive,
		Metrics:  m,
		Events:   publisher,
		Stats:    tracker,
		Logger:   logger,
		Location: cfg.QRZ.TimeLocation(),
	}
	checker := newSerialRunner(reconcile.New(reconcile.FullDay, deps))
	monitor := newSerialRunner(reconcile.New(reconcile.Continuous, deps))

	checkerLoop := newReconcileLoop("QRZ checker", checker, reconcile.FullDay, cfg.Checker, m, logger)
	monitorLoop := newReconcileLoop("QRZ latest monitor", monitor, reconcile.Continuous, cfg.Monitor, m, logger)
	if cfg.Checker.Enabled {
		checkerLoop.Start(ctx)
	}
	if cfg.Monitor.Enabled {
		monitorLoop.Start(ctx)
	}

	var controlServer *control.Server
	if cfg.Control.Enabled {
		handler := control.New(control.Deps{
			Checker:     checkerLoop,
			Monitor:     monitorLoop,
			Runner:      manualRunner{s: checker, mode: reconcile.FullDay},
			Stats:       tracker,
			Metrics:     m,
			Logger:      logger,
			BaseContext: ctx,
		})
		controlServer, err = control.Listen(cfg.Control.Listen, handler.Router(), logger)
		if err != nil {
			log.Printf("Warning: control API disabled: %v", err)
		} else {
			log.Printf("Control API listening on http://%s", controlServer.Addr())
		}
	}

	if fanout.SetRolloverHook(dailyMaintenance(archive, tracker, fanout, logger)) {
		log.Printf("Daily maintenance scheduled at log rollover")
	}
	go displayStats(ctx, statsInterval, tracker, fanout)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	log.Println("Engine is running. Press Ctrl+C to stop.")
	sig := <-sigChan
	log.Printf("Received signal: %v", sig)
	log.Println("Shutting down gracefully...")

	checkerLoop.Stop()
	monitorLoop.Stop()
	if controlServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := controlServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Control API shutdown: %v", err)
		}
		shutdownCancel()
	}
	cancel()
	for _, line := range tracker.SnapshotLines() {
		log.Print(line)
	}
	log.Println("Shutdown complete")
}

// serialRunner serializes cycles of one Reconciler. The scheduler loop waits
// for the lock; manual runs from the control API never wait and report busy
// instead.
type serialRunner struct {
	r  cycleRunner
	mu sync.Mutex
}

func newSerialRunner(r cycleRunner) *serialRunner {
	return &serialRunner{r: r}
}

var errCycleBusy = errors.New("a cycle is already in progress")

// Cycle runs one cycle, waiting for any cycle in progress to finish.
func (s *serialRunner) Cycle(ctx context.Context) reconcile.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Cycle(ctx)
}

// Purpose: Execute one manual cycle unless another is in progress.
// Key aspects: Non-blocking; a held lock yields an OutcomeBusy report.
// Upstream: control API POST /api/admin/qrz_run via manualRunner.
// Downstream: reconcile.Reconciler.Cycle.
func (s *serialRunner) TryCycle(ctx context.Context, mode reconcile.Mode) reconcile.Report {
	if !s.mu.TryLock() {
		return reconcile.Report{
			Mode:      mode,
			Outcome:   reconcile.OutcomeBusy,
			Err:       errCycleBusy,
			StartedAt: time.Now().UTC(),
		}
	}
	defer s.mu.Unlock()
	return s.r.Cycle(ctx)
}

// manualRunner exposes TryCycle as a control.Runner.
type manualRunner struct {
	s    *serialRunner
	mode reconcile.Mode
}

func (m manualRunner) Cycle(ctx context.Context) reconcile.Report {
	return m.s.TryCycle(ctx, m.mode)
}

// Purpose: Run once-a-day housekeeping at log rollover.
// Key aspects: Writes the running counters to the new day's file only and
// prunes expired snapshots.
// Upstream: dayFileSink rollover hook.
// Downstream: snapshot.Archive.Cleanup, stats.Tracker.SnapshotLines.
func dailyMaintenance(archive *snapshot.Archive, tracker *stats.Tracker, fanout *logFanout, logger *log.Logger) dayRolloverHook {
	return func(prevDay time.Time, _, _ string) {
		now := time.Now().UTC()
		fanout.WriteFileOnlyLine(fmt.Sprintf("Daily summary for %s", prevDay.Format(logDayLayout)), now)
		for _, line := range tracker.SnapshotLines() {
			fanout.WriteFileOnlyLine(line, now)
		}
		if archive == nil {
			return
		}
		removed, err := archive.Cleanup()
		if logger == nil {
			return
		}
		if err != nil {
			logger.Printf("Snapshots: cleanup failed: %v", err)
			return
		}
		if removed > 0 {
			logger.Printf("Snapshots: removed %d expired file(s)", removed)
		}
	}
}

// Purpose: Periodically write the cycle counters to the log file.
// Key aspects: File-only so the console stays quiet; exits on ctx cancel.
// Upstream: main startup goroutine.
// Downstream: stats.Tracker.SnapshotLines, logFanout.WriteFileOnlyLine.
func displayStats(ctx context.Context, interval time.Duration, tracker *stats.Tracker, out interface {
	WriteFileOnlyLine(line string, now time.Time)
}) {
	for sleepWithContext(ctx, interval) {
		now := time.Now().UTC()
		out.WriteFileOnlyLine(fmt.Sprintf("Uptime: %s", formatDurationShort(tracker.GetUptime())), now)
		for _, line := range tracker.SnapshotLines() {
			out.WriteFileOnlyLine(line, now)
		}
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func formatDurationShort(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second
	if days > 0 {
		return fmt.Sprintf("%dd%02dh%02dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh%02dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%02ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
