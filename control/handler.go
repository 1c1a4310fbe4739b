// Package control exposes the loop control and status endpoints the admin
// front-end calls, plus the Prometheus scrape endpoint.
package control

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pucs/metrics"
	"pucs/reconcile"
	"pucs/scheduler"
	"pucs/stats"
)

// Loop is the lifecycle surface of a scheduler loop.
type Loop interface {
	Start(ctx context.Context) bool
	Stop() bool
	IsRunning() bool
	Status() scheduler.Status
}

// Runner executes one cycle synchronously.
type Runner interface {
	Cycle(ctx context.Context) reconcile.Report
}

// Deps are the collaborators of the handler. Checker and Monitor may be nil
// when the corresponding loop is not configured. Loops started over HTTP run
// on BaseContext, the process context.
type Deps struct {
	Checker     Loop
	Monitor     Loop
	Runner      Runner
	Stats       *stats.Tracker
	Metrics     *metrics.Metrics
	Logger      *log.Logger
	BaseContext context.Context
	Now         func() time.Time
}

// Handler serves the control endpoints.
type Handler struct {
	deps Deps
}

// New constructs a control handler.
func New(deps Deps) *Handler {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handler{deps: deps}
}

// Router builds the chi router with all endpoints mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	h.Register(r)
	r.Handle("/metrics", h.deps.Metrics.Handler())
	return r
}

// Register mounts the admin endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/qrz_status", h.HandleStatus)
		r.Post("/qrz_start", h.handleStart("QRZ checker", h.deps.Checker))
		r.Post("/qrz_stop", h.handleStop("QRZ checker", h.deps.Checker))
		r.Post("/qrz_latest_start", h.handleStart("QRZ latest monitor", h.deps.Monitor))
		r.Post("/qrz_latest_stop", h.handleStop("QRZ latest monitor", h.deps.Monitor))
		r.Post("/qrz_run", h.HandleRun)
	})
}

type loopStatus struct {
	Running      bool       `json:"running"`
	Interval     int        `json:"interval"`
	Status       string     `json:"status"`
	Runs         uint64     `json:"runs"`
	LastRun      string     `json:"last_run,omitempty"`
	LastCycle    *cycleView `json:"last_cycle,omitempty"`
	LastExamined string     `json:"last_checked_callsign,omitempty"`
}

type cycleView struct {
	ID           string `json:"id"`
	Outcome      string `json:"outcome"`
	Callsign     string `json:"callsign,omitempty"`
	RemovedID    int64  `json:"removed_id,omitempty"`
	Records      int    `json:"records"`
	TodayRecords int    `json:"today_records"`
	Error        string `json:"error,omitempty"`
	StartedAt    string `json:"started_at"`
	Duration     string `json:"duration"`
}

type statusResponse struct {
	Success   bool              `json:"success"`
	Checker   *loopStatus       `json:"qrz_checker,omitempty"`
	Monitor   *loopStatus       `json:"qrz_latest_monitor,omitempty"`
	Cycles    map[string]uint64 `json:"cycles"`
	Removals  uint64            `json:"removals"`
	Uptime    string            `json:"uptime"`
	Timestamp string            `json:"timestamp"`
}

type actionResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type runResponse struct {
	Success   bool         `json:"success"`
	Cycle     cycleView    `json:"cycle"`
	Summary   *summaryView `json:"summary,omitempty"`
	Timestamp string       `json:"timestamp"`
}

type summaryView struct {
	TotalRecords    int      `json:"total_records"`
	TodayRecords    int      `json:"today_records"`
	TodayCallsigns  []string `json:"today_callsigns"`
	MissingUpstream []string `json:"missing_upstream"`
	ExtraUpstream   []string `json:"extra_upstream"`
}

// HandleStatus handles GET /api/admin/qrz_status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Success:   true,
		Checker:   h.loopStatus(h.deps.Checker, string(reconcile.FullDay)),
		Monitor:   h.loopStatus(h.deps.Monitor, string(reconcile.Continuous)),
		Cycles:    h.deps.Stats.GetCycleCounts(),
		Removals:  h.deps.Stats.Removals(),
		Timestamp: h.timestamp(),
	}
	if h.deps.Stats != nil {
		resp.Uptime = humanize.RelTime(h.deps.Now().Add(-h.deps.Stats.GetUptime()), h.deps.Now(), "", "")
	}
	if resp.Monitor != nil {
		resp.Monitor.LastExamined = h.deps.Stats.LastExamined()
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRun handles POST /api/admin/qrz_run: one full-day cycle now.
func (h *Handler) HandleRun(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, actionResponse{Message: "no reconciler configured", Timestamp: h.timestamp()})
		return
	}
	rep := h.deps.Runner.Cycle(r.Context())
	h.logf("Control: manual cycle %s finished: %s", rep.ID, rep.Outcome)
	resp := runResponse{
		Success:   runSucceeded(rep.Outcome),
		Cycle:     reportView(rep),
		Timestamp: h.timestamp(),
	}
	if s := rep.Summary; s != nil {
		view := &summaryView{
			TotalRecords:    s.TotalRecords,
			TodayRecords:    s.TodayRecords,
			MissingUpstream: nonNil(s.MissingUpstream),
			ExtraUpstream:   nonNil(s.ExtraUpstream),
			TodayCallsigns:  []string{},
		}
		for _, rc := range s.TodayCallsigns {
			view.TodayCallsigns = append(view.TodayCallsigns, rc.Call)
		}
		resp.Summary = view
	}
	writeJSON(w, http.StatusOK, resp)
}

func runSucceeded(o reconcile.Outcome) bool {
	switch o {
	case reconcile.OutcomePanic, reconcile.OutcomeDatastoreError, reconcile.OutcomeBusy:
		return false
	}
	return true
}

func (h *Handler) handleStart(name string, loop Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if loop == nil {
			writeJSON(w, http.StatusNotFound, actionResponse{Message: name + " is not configured", Status: "disabled", Timestamp: h.timestamp()})
			return
		}
		if !loop.Start(h.deps.BaseContext) {
			writeJSON(w, http.StatusOK, actionResponse{Message: name + " already running", Status: "running", Timestamp: h.timestamp()})
			return
		}
		h.logf("Control: %s started", name)
		writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: name + " started", Status: "running", Timestamp: h.timestamp()})
	}
}

func (h *Handler) handleStop(name string, loop Loop) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if loop == nil {
			writeJSON(w, http.StatusNotFound, actionResponse{Message: name + " is not configured", Status: "disabled", Timestamp: h.timestamp()})
			return
		}
		if !loop.Stop() {
			writeJSON(w, http.StatusOK, actionResponse{Message: name + " not running", Status: "stopped", Timestamp: h.timestamp()})
			return
		}
		h.logf("Control: %s stopped", name)
		writeJSON(w, http.StatusOK, actionResponse{Success: true, Message: name + " stopped", Status: "stopped", Timestamp: h.timestamp()})
	}
}

func (h *Handler) loopStatus(loop Loop, mode string) *loopStatus {
	if loop == nil {
		return nil
	}
	st := loop.Status()
	out := &loopStatus{
		Running:  st.Running,
		Interval: int(st.Interval / time.Second),
		Status:   st.State,
		Runs:     st.Runs,
	}
	if !st.LastRun.IsZero() {
		out.LastRun = st.LastRun.UTC().Format(time.RFC3339)
	}
	if c, ok := h.deps.Stats.Last(mode); ok {
		view := cycleViewOf(c.ID, c.Outcome, c.Callsign, c.RemovedID, c.Records, c.TodayRecords, c.Error, c.StartedAt, c.Duration)
		out.LastCycle = &view
	}
	return out
}

func reportView(rep reconcile.Report) cycleView {
	var removedID int64
	if rep.Removed != nil {
		removedID = rep.Removed.ID
	}
	today := 0
	if rep.Summary != nil {
		today = rep.Summary.TodayRecords
	}
	errText := ""
	if rep.Err != nil {
		errText = rep.Err.Error()
	}
	return cycleViewOf(rep.ID, string(rep.Outcome), rep.Callsign, removedID, rep.Records, today, errText, rep.StartedAt, rep.Duration)
}

func cycleViewOf(id, outcome, call string, removedID int64, records, today int, errText string, started time.Time, d time.Duration) cycleView {
	return cycleView{
		ID:           id,
		Outcome:      outcome,
		Callsign:     call,
		RemovedID:    removedID,
		Records:      records,
		TodayRecords: today,
		Error:        errText,
		StartedAt:    started.UTC().Format(time.RFC3339),
		Duration:     d.Round(time.Millisecond).String(),
	}
}

func (h *Handler) timestamp() string {
	return h.deps.Now().UTC().Format(time.RFC3339)
}

func (h *Handler) logf(format string, args ...any) {
	if h.deps.Logger == nil {
		return
	}
	h.deps.Logger.Printf(format, args...)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
