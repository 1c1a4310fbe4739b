// Package snapshot archives the combined logbook text fetched by each cycle,
// one file per day and loop, with a JSON sidecar describing the fetch. The
// files let an operator replay a cycle with cmd/qrzcheck parse.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/xxh3"
)

const (
	// MetadataSuffix is appended to the payload path for the sidecar.
	MetadataSuffix = ".status.json"
	filePrefix     = "qrz-"
	fileSuffix     = ".adif"
)

// Status indicates whether a write changed the archive.
type Status string

const (
	StatusWritten     Status = "written"
	StatusSameContent Status = "same_content"
)

// VariantMeta summarizes one request of the archived fetch.
type VariantMeta struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Bytes   int    `json:"bytes,omitempty"`
	Records int    `json:"records,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Metadata is the sidecar content.
type Metadata struct {
	Mode         string        `json:"mode"`
	CycleID      string        `json:"cycle_id,omitempty"`
	Callsign     string        `json:"callsign,omitempty"`
	APIKeyMasked string        `json:"api_key_masked,omitempty"`
	FetchedAt    time.Time     `json:"fetched_at"`
	WrittenAt    time.Time     `json:"written_at,omitempty"`
	SizeBytes    int64         `json:"size_bytes"`
	XXH3         string        `json:"xxh3,omitempty"`
	Records      int           `json:"records"`
	TodayRecords int           `json:"today_records"`
	Demo         string        `json:"demo,omitempty"`
	Variants     []VariantMeta `json:"variants,omitempty"`
}

// Result summarizes a write.
type Result struct {
	Status Status
	Path   string
	Meta   Metadata
}

// Archive writes snapshots into one directory.
type Archive struct {
	dir       string
	retention time.Duration
	logger    *log.Logger
	now       func() time.Time

	mu sync.Mutex
}

// New returns an archive rooted at dir keeping files for retentionDays.
func New(dir string, retentionDays int, logger *log.Logger) *Archive {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	return &Archive{
		dir:       strings.TrimSpace(dir),
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		logger:    logger,
		now:       time.Now,
	}
}

// Dir returns the archive directory.
func (a *Archive) Dir() string {
	if a == nil {
		return ""
	}
	return a.dir
}

// PathFor returns the payload path for mode on day.
func (a *Archive) PathFor(mode string, day time.Time) string {
	mode = sanitize(mode)
	if mode == "" {
		mode = "fetch"
	}
	return filepath.Join(a.dir, filePrefix+day.Format("20060102")+"-"+mode+fileSuffix)
}

// Purpose: Store one fetched payload with its sidecar.
// Key aspects: Writes atomically via temp file + rename; unchanged content
// (same xxh3) only refreshes the sidecar.
// Upstream: reconcile.Reconciler after a successful fetch.
// Downstream: writeAtomic, WriteMetadata.
func (a *Archive) Write(payload string, meta Metadata) (Result, error) {
	var res Result
	if a == nil || a.dir == "" {
		return res, errors.New("snapshot: archive is not configured")
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now().UTC()
	if meta.FetchedAt.IsZero() {
		meta.FetchedAt = now
	}
	path := a.PathFor(meta.Mode, meta.FetchedAt)
	meta.SizeBytes = int64(len(payload))
	meta.XXH3 = strconv.FormatUint(xxh3.HashString(payload), 16)
	meta.WrittenAt = now
	res.Path = path

	if prev, _ := ReadMetadata(path + MetadataSuffix); prev != nil && prev.XXH3 == meta.XXH3 {
		if _, err := os.Stat(path); err == nil {
			res.Status = StatusSameContent
			res.Meta = meta
			return res, WriteMetadata(path+MetadataSuffix, meta)
		}
	}

	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return res, fmt.Errorf("snapshot: create directory: %w", err)
	}
	if err := writeAtomic(path, []byte(payload)); err != nil {
		return res, err
	}
	if err := WriteMetadata(path+MetadataSuffix, meta); err != nil {
		return res, err
	}
	res.Status = StatusWritten
	res.Meta = meta
	return res, nil
}

// Purpose: Delete snapshots older than the retention window.
// Key aspects: Only files matching the archive naming scheme are touched.
// Upstream: main daily cleanup ticker.
// Downstream: os.ReadDir, os.Remove.
func (a *Archive) Cleanup() (int, error) {
	if a == nil || a.dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("snapshot: list: %w", err)
	}
	cutoff := a.now().Add(-a.retention)
	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		if !strings.HasSuffix(name, fileSuffix) && !strings.HasSuffix(name, fileSuffix+MetadataSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			a.logf("Snapshot: unable to remove %s: %v", name, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// ReadMetadata reads a sidecar; a missing or unreadable file yields nil.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// WriteMetadata persists an indented sidecar for operator readability.
func WriteMetadata(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: finalize temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("snapshot: replace file: %w", err)
	}
	return nil
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == '-' || r == ' ':
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (a *Archive) logf(format string, args ...any) {
	if a == nil || a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}
