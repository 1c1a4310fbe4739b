package queuestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pucs/strutil"
)

// Session is one pinned connection. It is not safe for concurrent use.
type Session struct {
	conn         *sql.Conn
	maxPositions int
}

// Close releases the connection back to the pool.
func (s *Session) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

const entryColumns = "id, position, callsign, location, comment, entered_at"

// ListEntries returns the whole queue ordered by position.
func (s *Session) ListEntries(ctx context.Context) ([]Entry, error) {
	if s == nil || s.conn == nil {
		return nil, errStoreClosed
	}
	rows, err := s.conn.QueryContext(ctx, "SELECT "+entryColumns+" FROM callsign_entry ORDER BY position, id")
	if err != nil {
		return nil, fmt.Errorf("queuestore: list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queuestore: list entries: %w", err)
	}
	return out, nil
}

// ListEntriesForDate returns the entries whose entered_at falls on day's
// calendar date, evaluated in day's location.
func (s *Session) ListEntriesForDate(ctx context.Context, day time.Time) ([]Entry, error) {
	all, err := s.ListEntries(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, entry := range all {
		if sameDay(entry.EnteredAt, day) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// DeleteEntryByID removes one row. Deleting a row that no longer exists is
// not an error; the returned bool reports whether a row went away.
func (s *Session) DeleteEntryByID(ctx context.Context, id int64) (bool, error) {
	if s == nil || s.conn == nil {
		return false, errStoreClosed
	}
	res, err := s.conn.ExecContext(ctx, "DELETE FROM callsign_entry WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("queuestore: delete entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("queuestore: delete entry %d: %w", id, err)
	}
	return n > 0, nil
}

// DeleteLatestEntryForCallsignOn removes the single entry for call entered on
// day with the highest entered_at. Callsigns are compared normalized. The
// removed entry is returned with ok=true; ok=false means nothing matched.
func (s *Session) DeleteLatestEntryForCallsignOn(ctx context.Context, call string, day time.Time) (Entry, bool, error) {
	if s == nil || s.conn == nil {
		return Entry{}, false, errStoreClosed
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, false, fmt.Errorf("queuestore: begin delete: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, "SELECT "+entryColumns+" FROM callsign_entry")
	if err != nil {
		return Entry{}, false, fmt.Errorf("queuestore: select candidates: %w", err)
	}
	var candidates []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return Entry{}, false, err
		}
		if strutil.SameCallsign(entry.Callsign, call) && sameDay(entry.EnteredAt, day) {
			candidates = append(candidates, entry)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Entry{}, false, fmt.Errorf("queuestore: select candidates: %w", err)
	}

	target, ok := LatestEntry(candidates)
	if !ok {
		return Entry{}, false, nil
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM callsign_entry WHERE id = ?", target.ID)
	if err != nil {
		return Entry{}, false, fmt.Errorf("queuestore: delete entry %d: %w", target.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entry{}, false, nil
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, false, fmt.Errorf("queuestore: commit delete: %w", err)
	}
	return target, true, nil
}

// LatestEntry picks the entry with the highest EnteredAt; ties go to the
// higher id, which is the later insert.
func LatestEntry(entries []Entry) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	best := entries[0]
	for _, entry := range entries[1:] {
		if entry.EnteredAt.After(best.EnteredAt) || (entry.EnteredAt.Equal(best.EnteredAt) && entry.ID > best.ID) {
			best = entry
		}
	}
	return best, true
}

// FetchConfig returns the newest qrz_config row, or ErrNoFetchConfig when the
// table is empty or the newest row lacks a key.
func (s *Session) FetchConfig(ctx context.Context) (FetchConfig, error) {
	if s == nil || s.conn == nil {
		return FetchConfig{}, errStoreClosed
	}
	row := s.conn.QueryRowContext(ctx, "SELECT callsign, api_key, updated_at FROM qrz_config ORDER BY updated_at DESC, id DESC LIMIT 1")
	var (
		cfg     FetchConfig
		updated any
	)
	if err := row.Scan(&cfg.Callsign, &cfg.APIKey, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return FetchConfig{}, ErrNoFetchConfig
		}
		return FetchConfig{}, fmt.Errorf("queuestore: read qrz_config: %w", err)
	}
	ts, err := scanTime(updated)
	if err != nil {
		return FetchConfig{}, err
	}
	cfg.UpdatedAt = ts
	cfg.Callsign = strutil.NormalizeCallsign(cfg.Callsign)
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return FetchConfig{}, ErrNoFetchConfig
	}
	return cfg, nil
}

// SaveFetchConfig stores new credentials as the newest qrz_config row.
func (s *Session) SaveFetchConfig(ctx context.Context, callsign, apiKey string, now time.Time) error {
	if s == nil || s.conn == nil {
		return errStoreClosed
	}
	callsign = strutil.NormalizeCallsign(callsign)
	apiKey = strings.TrimSpace(apiKey)
	if callsign == "" || apiKey == "" {
		return errors.New("queuestore: callsign and api key are required")
	}
	_, err := s.conn.ExecContext(ctx, "INSERT INTO qrz_config (callsign, api_key, updated_at) VALUES (?, ?, ?)",
		callsign, apiKey, formatStoreTime(now))
	if err != nil {
		return fmt.Errorf("queuestore: save qrz_config: %w", err)
	}
	return nil
}

// InsertEntry queues a callsign. A zero Position takes the lowest free slot and
// a zero EnteredAt is stamped with the current time.
func (s *Session) InsertEntry(ctx context.Context, entry Entry) (Entry, error) {
	if s == nil || s.conn == nil {
		return Entry{}, errStoreClosed
	}
	entry.Callsign = strutil.NormalizeCallsign(entry.Callsign)
	if entry.Callsign == "" {
		return Entry{}, errors.New("queuestore: callsign is required")
	}
	if entry.EnteredAt.IsZero() {
		entry.EnteredAt = time.Now().UTC()
	}
	entry.EnteredAt = entry.EnteredAt.UTC().Truncate(time.Microsecond)

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("queuestore: begin insert: %w", err)
	}
	defer tx.Rollback()

	if entry.Position <= 0 {
		pos, err := freePosition(ctx, tx, s.maxPositions)
		if err != nil {
			return Entry{}, err
		}
		entry.Position = pos
	}
	res, err := tx.ExecContext(ctx, "INSERT INTO callsign_entry (position, callsign, location, comment, entered_at) VALUES (?, ?, ?, ?, ?)",
		entry.Position, entry.Callsign, nullString(entry.Location), nullString(entry.Comment), formatStoreTime(entry.EnteredAt))
	if err != nil {
		return Entry{}, fmt.Errorf("queuestore: insert entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Entry{}, fmt.Errorf("queuestore: insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("queuestore: commit insert: %w", err)
	}
	entry.ID = id
	return entry, nil
}

func freePosition(ctx context.Context, tx *sql.Tx, max int) (int, error) {
	rows, err := tx.QueryContext(ctx, "SELECT position FROM callsign_entry")
	if err != nil {
		return 0, fmt.Errorf("queuestore: read positions: %w", err)
	}
	defer rows.Close()
	used := make(map[int]bool)
	for rows.Next() {
		var pos int
		if err := rows.Scan(&pos); err != nil {
			return 0, fmt.Errorf("queuestore: read positions: %w", err)
		}
		used[pos] = true
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("queuestore: read positions: %w", err)
	}
	for pos := 1; pos <= max; pos++ {
		if !used[pos] {
			return pos, nil
		}
	}
	return 0, ErrNoFreePosition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry    Entry
		location sql.NullString
		comment  sql.NullString
		entered  any
	)
	if err := row.Scan(&entry.ID, &entry.Position, &entry.Callsign, &location, &comment, &entered); err != nil {
		return Entry{}, fmt.Errorf("queuestore: scan entry: %w", err)
	}
	ts, err := scanTime(entered)
	if err != nil {
		return Entry{}, err
	}
	entry.EnteredAt = ts
	entry.Location = location.String
	entry.Comment = comment.String
	return entry, nil
}

// scanTime accepts what the driver hands back for a DATETIME column: text in
// the front-end layout or an already decoded time.
func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseStoreTime(t)
	case []byte:
		return parseStoreTime(string(t))
	case int64:
		return time.Unix(t, 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("queuestore: unexpected timestamp type %T", v)
	}
}

func nullString(s string) sql.NullString {
	s = strings.TrimSpace(s)
	return sql.NullString{String: s, Valid: s != ""}
}

// SortByEnteredAt orders entries oldest first; used by diagnostics.
func SortByEnteredAt(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].EnteredAt.Before(entries[j].EnteredAt)
	})
}
