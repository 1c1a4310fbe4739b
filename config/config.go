// Package config loads the engine's YAML configuration. A configuration is a
// directory: every *.yaml file in it is merged in name order, later files
// overriding earlier ones key by key.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

const historyStartLayout = "2006-01-02"

// Config represents the complete engine configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	QRZ      QRZConfig      `yaml:"qrz"`
	Checker  LoopConfig     `yaml:"checker"`
	Monitor  LoopConfig     `yaml:"monitor"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Logging  LoggingConfig  `yaml:"logging"`
	Control  ControlConfig  `yaml:"control"`
	Events   EventsConfig   `yaml:"events"`

	// LoadedFrom is the directory the configuration was read from.
	LoadedFrom string `yaml:"-"`
}

// ServerConfig contains general settings.
type ServerConfig struct {
	Name string `yaml:"name"`
}

// StoreConfig points at the shared queue database.
type StoreConfig struct {
	Path                    string `yaml:"path"`
	PreflightTimeoutSeconds int    `yaml:"preflight_timeout_seconds"`
	BusyTimeoutMS           int    `yaml:"busy_timeout_ms"`
}

// QRZConfig controls the logbook fetcher. The API key itself lives in the
// database and is read fresh on every cycle.
type QRZConfig struct {
	Endpoint              string `yaml:"endpoint"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds"`
	UserAgent             string `yaml:"user_agent"`
	// HistoryStart (YYYY-MM-DD) pins the lower bound of the BETWEEN and
	// MODSINCE variants. Empty means today minus HistoryDays.
	HistoryStart string `yaml:"history_start"`
	HistoryDays  int    `yaml:"history_days"`
	Concurrency  int    `yaml:"concurrency"`
	// Location decides which calendar day counts as "today".
	Location string `yaml:"location"`

	location *time.Location
}

// LoopConfig drives one reconciliation loop.
type LoopConfig struct {
	Enabled             bool `yaml:"enabled"`
	IntervalSeconds     int  `yaml:"interval_seconds"`
	PollStepSeconds     int  `yaml:"poll_step_seconds"`
	ErrorBackoffSeconds int  `yaml:"error_backoff_seconds"`
	StopTimeoutSeconds  int  `yaml:"stop_timeout_seconds"`
}

// SnapshotConfig controls archiving of fetched payloads.
type SnapshotConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// LoggingConfig controls the daily log file sink.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// ControlConfig controls the local admin HTTP endpoints.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// EventsConfig controls the MQTT notification publisher.
type EventsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      int    `yaml:"qos"`
}

// DefaultConfig returns a pinned default configuration.
func DefaultConfig() Config {
	loop := LoopConfig{
		Enabled:             true,
		IntervalSeconds:     60,
		PollStepSeconds:     5,
		ErrorBackoffSeconds: 5,
		StopTimeoutSeconds:  5,
	}
	monitor := loop
	monitor.Enabled = false
	return Config{
		Server: ServerConfig{Name: "PUCS"},
		Store: StoreConfig{
			Path:                    "instance/radio_entry.db",
			PreflightTimeoutSeconds: 2,
			BusyTimeoutMS:           5000,
		},
		QRZ: QRZConfig{
			Endpoint:              "https://logbook.qrz.com/api",
			RequestTimeoutSeconds: 30,
			UserAgent:             "Mozilla/5.0 (compatible; PUCS-QRZ-Checker/1.0)",
			HistoryDays:           30,
			Concurrency:           1,
			Location:              "UTC",
		},
		Checker: loop,
		Monitor: monitor,
		Snapshot: SnapshotConfig{
			Enabled:       true,
			Dir:           "instance/qrz_snapshots",
			RetentionDays: 7,
		},
		Logging: LoggingConfig{
			Enabled:       true,
			Dir:           "data/logs",
			RetentionDays: 7,
		},
		Control: ControlConfig{
			Enabled: true,
			Listen:  "127.0.0.1:8090",
		},
		Events: EventsConfig{
			Enabled:  false,
			Broker:   "localhost",
			Port:     1883,
			Topic:    "pucs/entries",
			ClientID: "pucs-engine",
		},
	}
}

// Load merges every *.yaml file in dir on top of DefaultConfig. A path that is
// not a directory is rejected.
func Load(dir string) (*Config, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("config: %s is not a directory", dir)
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("config: list %s: %w", dir, err)
	}
	sort.Strings(files)

	merged := map[string]any{}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", filepath.Base(file), err)
		}
		if len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", filepath.Base(file), err)
		}
		mergeMaps(merged, doc)
	}

	cfg := DefaultConfig()
	if len(merged) > 0 {
		raw, err := yaml.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("config: re-encode merged config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode merged config: %w", err)
		}
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	cfg.LoadedFrom = dir
	return &cfg, nil
}

// Defaults returns the normalized built-in configuration, used when no
// configuration directory exists.
func Defaults() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	cfg.LoadedFrom = "built-in defaults"
	return &cfg, nil
}

func mergeMaps(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			mergeMaps(dstMap, srcMap)
			continue
		}
		dst[key] = value
	}
}

// normalize fills defaults and clamps invalid values. Values that cannot be
// repaired (unknown time zone, bad history start) are reported.
func (c *Config) normalize() error {
	def := DefaultConfig()
	var errs []error

	c.Server.Name = strings.TrimSpace(c.Server.Name)
	if c.Server.Name == "" {
		c.Server.Name = def.Server.Name
	}

	c.Store.Path = strings.TrimSpace(c.Store.Path)
	if c.Store.Path == "" {
		c.Store.Path = def.Store.Path
	}
	if c.Store.PreflightTimeoutSeconds <= 0 {
		c.Store.PreflightTimeoutSeconds = def.Store.PreflightTimeoutSeconds
	}
	if c.Store.BusyTimeoutMS <= 0 {
		c.Store.BusyTimeoutMS = def.Store.BusyTimeoutMS
	}

	c.QRZ.Endpoint = strings.TrimSpace(c.QRZ.Endpoint)
	if c.QRZ.Endpoint == "" {
		c.QRZ.Endpoint = def.QRZ.Endpoint
	}
	if c.QRZ.RequestTimeoutSeconds <= 0 {
		c.QRZ.RequestTimeoutSeconds = def.QRZ.RequestTimeoutSeconds
	}
	if strings.TrimSpace(c.QRZ.UserAgent) == "" {
		c.QRZ.UserAgent = def.QRZ.UserAgent
	}
	if c.QRZ.HistoryDays <= 0 {
		c.QRZ.HistoryDays = def.QRZ.HistoryDays
	}
	if c.QRZ.Concurrency <= 0 {
		c.QRZ.Concurrency = def.QRZ.Concurrency
	}
	if c.QRZ.Concurrency > 4 {
		c.QRZ.Concurrency = 4
	}
	c.QRZ.HistoryStart = strings.TrimSpace(c.QRZ.HistoryStart)
	if c.QRZ.HistoryStart != "" {
		if start, ok := parseHistoryStart(c.QRZ.HistoryStart); ok {
			c.QRZ.HistoryStart = start.Format(historyStartLayout)
		} else {
			errs = append(errs, fmt.Errorf("config: qrz.history_start %q: want YYYY-MM-DD", c.QRZ.HistoryStart))
		}
	}
	c.QRZ.Location = strings.TrimSpace(c.QRZ.Location)
	if c.QRZ.Location == "" {
		c.QRZ.Location = def.QRZ.Location
	}
	loc, err := time.LoadLocation(c.QRZ.Location)
	if err != nil {
		errs = append(errs, fmt.Errorf("config: qrz.location: %w", err))
		loc = time.UTC
	}
	c.QRZ.location = loc

	c.Checker.normalize(def.Checker)
	c.Monitor.normalize(def.Monitor)

	if strings.TrimSpace(c.Snapshot.Dir) == "" {
		c.Snapshot.Dir = def.Snapshot.Dir
	}
	if c.Snapshot.RetentionDays <= 0 {
		c.Snapshot.RetentionDays = def.Snapshot.RetentionDays
	}
	if strings.TrimSpace(c.Logging.Dir) == "" {
		c.Logging.Dir = def.Logging.Dir
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = def.Logging.RetentionDays
	}
	if strings.TrimSpace(c.Control.Listen) == "" {
		c.Control.Listen = def.Control.Listen
	}

	if strings.TrimSpace(c.Events.Broker) == "" {
		c.Events.Broker = def.Events.Broker
	}
	if c.Events.Port <= 0 {
		c.Events.Port = def.Events.Port
	}
	if strings.TrimSpace(c.Events.Topic) == "" {
		c.Events.Topic = def.Events.Topic
	}
	if strings.TrimSpace(c.Events.ClientID) == "" {
		c.Events.ClientID = def.Events.ClientID
	}
	if c.Events.QoS < 0 || c.Events.QoS > 2 {
		c.Events.QoS = 0
	}
	return errors.Join(errs...)
}

func (l *LoopConfig) normalize(def LoopConfig) {
	if l.IntervalSeconds <= 0 {
		l.IntervalSeconds = def.IntervalSeconds
	}
	if l.PollStepSeconds <= 0 {
		l.PollStepSeconds = def.PollStepSeconds
	}
	if l.PollStepSeconds > l.IntervalSeconds {
		l.PollStepSeconds = l.IntervalSeconds
	}
	if l.ErrorBackoffSeconds <= 0 {
		l.ErrorBackoffSeconds = def.ErrorBackoffSeconds
	}
	if l.StopTimeoutSeconds <= 0 {
		l.StopTimeoutSeconds = def.StopTimeoutSeconds
	}
}

// Interval is the pause between two cycles.
func (l LoopConfig) Interval() time.Duration {
	return time.Duration(l.IntervalSeconds) * time.Second
}

// PollStep is the granularity at which a sleeping loop checks for stop.
func (l LoopConfig) PollStep() time.Duration {
	return time.Duration(l.PollStepSeconds) * time.Second
}

// ErrorBackoff is the pause after a cycle that panicked.
func (l LoopConfig) ErrorBackoff() time.Duration {
	return time.Duration(l.ErrorBackoffSeconds) * time.Second
}

// StopTimeout bounds how long Stop waits for the loop goroutine.
func (l LoopConfig) StopTimeout() time.Duration {
	return time.Duration(l.StopTimeoutSeconds) * time.Second
}

// RequestTimeout is the per-variant fetch timeout.
func (q QRZConfig) RequestTimeout() time.Duration {
	return time.Duration(q.RequestTimeoutSeconds) * time.Second
}

// TimeLocation returns the zone used to decide the current day.
func (q QRZConfig) TimeLocation() *time.Location {
	if q.location != nil {
		return q.location
	}
	if loc, err := time.LoadLocation(q.Location); err == nil {
		return loc
	}
	return time.UTC
}

// HistoryStartDate returns the lower bound of the date-window variants for
// the given day.
func (q QRZConfig) HistoryStartDate(today time.Time) time.Time {
	if start, ok := parseHistoryStart(q.HistoryStart); ok {
		y, m, d := start.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, today.Location())
	}
	days := q.HistoryDays
	if days <= 0 {
		days = 30
	}
	y, m, d := today.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, today.Location()).AddDate(0, 0, -days)
}

// parseHistoryStart accepts YYYY-MM-DD and full RFC 3339 timestamps.
func parseHistoryStart(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(historyStartLayout, value); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// PreflightTimeout bounds the startup integrity check of the database.
func (s StoreConfig) PreflightTimeout() time.Duration {
	return time.Duration(s.PreflightTimeoutSeconds) * time.Second
}

// BusyTimeout is the sqlite busy_timeout applied to every connection.
func (s StoreConfig) BusyTimeout() time.Duration {
	return time.Duration(s.BusyTimeoutMS) * time.Millisecond
}

// Print displays the configuration.
func (c *Config) Print() {
	fmt.Printf("Server: %s (config %s)\n", c.Server.Name, c.LoadedFrom)
	fmt.Printf("Store: %s\n", c.Store.Path)
	fmt.Printf("QRZ: %s (timeout %ds, concurrency %d, today in %s)\n", c.QRZ.Endpoint, c.QRZ.RequestTimeoutSeconds, c.QRZ.Concurrency, c.QRZ.Location)
	printLoop("Checker", c.Checker)
	printLoop("Monitor", c.Monitor)
	if c.Snapshot.Enabled {
		fmt.Printf("Snapshots: %s (keep %d days)\n", c.Snapshot.Dir, c.Snapshot.RetentionDays)
	}
	if c.Control.Enabled {
		fmt.Printf("Control: http://%s\n", c.Control.Listen)
	}
	if c.Events.Enabled {
		fmt.Printf("Events: %s:%d (topic: %s)\n", c.Events.Broker, c.Events.Port, c.Events.Topic)
	}
}

func printLoop(name string, l LoopConfig) {
	state := "disabled"
	if l.Enabled {
		state = "enabled"
	}
	fmt.Printf("%s: %s (every %ds)\n", name, state, l.IntervalSeconds)
}
