package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// PreflightResult reports the outcome of the startup integrity check.
type PreflightResult struct {
	Healthy        bool // no issues detected, or no database yet
	Quarantined    bool // the file was renamed aside and a fresh one will be created
	QuarantinePath string
	Elapsed        time.Duration
	CheckError     error
}

// Purpose: Bounded quick_check of the queue database before the main open.
// Key aspects: A corrupt file is renamed to <path>.bad-<ts> together with its
// sidecars so the engine can start on an empty queue instead of failing every
// cycle; a missing file is healthy.
// Upstream: main startup.
// Downstream: quickCheck, quarantine.
func Preflight(path string, timeout time.Duration, logger *log.Logger) (PreflightResult, error) {
	res := PreflightResult{}
	path = strings.TrimSpace(path)
	if path == "" {
		return res, errors.New("queuestore: preflight: empty path")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		res.Healthy = true
		return res, nil
	}
	start := time.Now()
	existing := collectExisting(path)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return res, fmt.Errorf("queuestore: preflight open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, fmt.Sprintf("pragma busy_timeout=%d", timeout.Milliseconds())); err != nil {
		db.Close()
		res.CheckError = err
	} else {
		res.CheckError = quickCheck(ctx, db)
		db.Close()
	}
	res.Elapsed = time.Since(start)
	if res.CheckError == nil {
		res.Healthy = true
		return res, nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		// A locked database is not a corrupt one; leave it for the front-end.
		return res, fmt.Errorf("queuestore: preflight timed out after %s", timeout)
	}

	dest, err := quarantine(existing, logger)
	if err != nil {
		return res, fmt.Errorf("queuestore: quarantine failed: %w (quick_check=%v)", err, res.CheckError)
	}
	res.Quarantined = true
	res.QuarantinePath = dest
	logf(logger, "Queue DB preflight: quick_check failed (%v); quarantined to %s; elapsed=%s", res.CheckError, dest, res.Elapsed)
	return res, nil
}

func quickCheck(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, "pragma quick_check")
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return err
		}
		if strings.TrimSpace(status) != "ok" {
			return fmt.Errorf("quick_check reported %q", status)
		}
	}
	return rows.Err()
}

func collectExisting(path string) []string {
	var out []string
	for _, candidate := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if _, err := os.Stat(candidate); err == nil {
			out = append(out, candidate)
		}
	}
	return out
}

func quarantine(files []string, logger *log.Logger) (string, error) {
	suffix := ".bad-" + time.Now().UTC().Format("20060102T150405Z")
	main := ""
	for _, file := range files {
		dest := file + suffix
		if err := os.Rename(file, dest); err != nil {
			if os.IsNotExist(err) {
				logf(logger, "Queue DB preflight: %s vanished before quarantine", filepath.Base(file))
				continue
			}
			return "", err
		}
		if main == "" {
			main = dest
		}
	}
	return main, nil
}

func logf(logger *log.Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
