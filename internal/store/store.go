// Package store is the local SQLite cache of schedule entries.
//
// The calendar stream (All, Between, Upcoming, Count, Watch) excludes
// entries flagged as absences; those are kept in the same table and read
// through Absences.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	appLog "esfcal/internal/log"
	"esfcal/internal/model"
)

// ErrNotFound is returned by Get when no entry has the requested id.
var ErrNotFound = errors.New("store: entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS schedule_entries (
	remote_id       INTEGER PRIMARY KEY,
	start_raw       TEXT    NOT NULL,
	end_raw         TEXT    NOT NULL,
	start_at        INTEGER,
	end_at          INTEGER,
	post_code       TEXT    NOT NULL,
	post_label      TEXT    NOT NULL,
	is_absence      INTEGER NOT NULL DEFAULT 0,
	location        TEXT,
	activity        TEXT,
	level           TEXT,
	language        TEXT,
	student_count   INTEGER,
	comment         TEXT,
	monitor_comment TEXT,
	modified_raw    TEXT,
	synced_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedule_entries_start ON schedule_entries(start_at, remote_id);
`

const selectColumns = `
	SELECT remote_id, start_raw, end_raw, start_at, end_at, post_code, post_label,
	       is_absence, location, activity, level, language, student_count,
	       comment, monitor_comment, modified_raw, synced_at
	FROM schedule_entries`

// Store is a durable mapping from remote id to schedule entry. Timestamps
// are persisted as Unix milliseconds and read back in loc.
type Store struct {
	db  *sql.DB
	loc *time.Location

	subsMu sync.Mutex
	subs   map[*subscriber]struct{}
}

type subscriber struct {
	wake chan struct{}
}

// Open opens (creating if needed) the database at path and applies the
// schema. loc is the reference zone used for returned timestamps.
func Open(ctx context.Context, path string, loc *time.Location) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path is empty")
	}
	if loc == nil {
		loc = time.UTC
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	appLog.Debug("store opened", "path", path)

	return &Store{
		db:   db,
		loc:  loc,
		subs: make(map[*subscriber]struct{}),
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// All returns the calendar stream ordered by start ascending, entries
// without a start last, ties broken by remote id.
func (s *Store) All(ctx context.Context) ([]model.ScheduleEntry, error) {
	return s.query(ctx, selectColumns+`
		WHERE is_absence = 0
		ORDER BY start_at IS NULL, start_at, remote_id`)
}

// Between returns calendar entries whose start lies in [start, end].
func (s *Store) Between(ctx context.Context, start, end time.Time) ([]model.ScheduleEntry, error) {
	return s.query(ctx, selectColumns+`
		WHERE is_absence = 0 AND start_at >= ? AND start_at <= ?
		ORDER BY start_at, remote_id`, start.UnixMilli(), end.UnixMilli())
}

// On returns the calendar entries starting on the same reference-zone day
// as day.
func (s *Store) On(ctx context.Context, day time.Time) ([]model.ScheduleEntry, error) {
	d := day.In(s.loc)
	start := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, s.loc)
	end := start.AddDate(0, 0, 1).Add(-time.Millisecond)
	return s.Between(ctx, start, end)
}

// Upcoming returns at most limit calendar entries starting at or after now.
func (s *Store) Upcoming(ctx context.Context, now time.Time, limit int) ([]model.ScheduleEntry, error) {
	if limit <= 0 {
		return []model.ScheduleEntry{}, nil
	}
	return s.query(ctx, selectColumns+`
		WHERE is_absence = 0 AND start_at >= ?
		ORDER BY start_at, remote_id
		LIMIT ?`, now.UnixMilli(), limit)
}

// Absences returns the absence stream, ordered like All.
func (s *Store) Absences(ctx context.Context) ([]model.ScheduleEntry, error) {
	return s.query(ctx, selectColumns+`
		WHERE is_absence = 1
		ORDER BY start_at IS NULL, start_at, remote_id`)
}

// Get returns a single entry, absence or not.
func (s *Store) Get(ctx context.Context, id int64) (model.ScheduleEntry, error) {
	entries, err := s.query(ctx, selectColumns+` WHERE remote_id = ?`, id)
	if err != nil {
		return model.ScheduleEntry{}, err
	}
	if len(entries) == 0 {
		return model.ScheduleEntry{}, ErrNotFound
	}
	return entries[0], nil
}

// Exists reports whether an entry with id is stored.
func (s *Store) Exists(ctx context.Context, id int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM schedule_entries WHERE remote_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: exists: %w", err)
	}
	return true, nil
}

// IDs snapshots every stored remote id, absences included.
func (s *Store) IDs(ctx context.Context) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT remote_id FROM schedule_entries`)
	if err != nil {
		return nil, fmt.Errorf("store: ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan id: %w", err)
		}
		ids[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: ids: %w", err)
	}
	return ids, nil
}

// Count returns the number of calendar entries (absences excluded).
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule_entries WHERE is_absence = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}

// UpsertBatch writes entries in one transaction. Rows sharing a remote id
// are replaced wholesale, so applying the same batch twice is a no-op.
func (s *Store) UpsertBatch(ctx context.Context, entries []model.ScheduleEntry) error {
	if len(entries) == 0 {
		return nil
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR REPLACE INTO schedule_entries (
				remote_id, start_raw, end_raw, start_at, end_at, post_code, post_label,
				is_absence, location, activity, level, language, student_count,
				comment, monitor_comment, modified_raw, synced_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range entries {
			_, err := stmt.ExecContext(ctx,
				e.RemoteID,
				e.StartRaw,
				e.EndRaw,
				nullMillis(e.StartAt),
				nullMillis(e.EndAt),
				e.PostCode,
				e.PostLabel,
				e.IsAbsence,
				nullString(e.Location),
				nullString(e.Activity),
				nullString(e.Level),
				nullString(e.Language),
				nullInt(e.StudentCount),
				nullString(e.Comment),
				nullString(e.MonitorComment),
				nullString(e.ModifiedRaw),
				e.SyncedAt.UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("remote_id %d: %w", e.RemoteID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: upsert batch: %w", err)
	}

	s.notify()
	return nil
}

// PruneOlderThan deletes entries starting before cutoff. Entries without a
// decoded start are kept.
func (s *Store) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM schedule_entries WHERE start_at IS NOT NULL AND start_at < ?`,
		cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	if n > 0 {
		s.notify()
	}
	return n, nil
}

// ClearAll deletes every entry. Used on logout.
func (s *Store) ClearAll(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedule_entries`); err != nil {
		return fmt.Errorf("store: clear: %w", err)
	}
	s.notify()
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]model.ScheduleEntry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	defer rows.Close()

	out := make([]model.ScheduleEntry, 0)
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query: %w", err)
	}
	return out, nil
}

func (s *Store) scan(rows *sql.Rows) (model.ScheduleEntry, error) {
	var (
		e                                    model.ScheduleEntry
		startAt, endAt, studentCount         sql.NullInt64
		location, activity, level, language  sql.NullString
		comment, monitorComment, modifiedRaw sql.NullString
		isAbsence                            bool
		syncedAt                             int64
	)
	err := rows.Scan(
		&e.RemoteID, &e.StartRaw, &e.EndRaw, &startAt, &endAt, &e.PostCode, &e.PostLabel,
		&isAbsence, &location, &activity, &level, &language, &studentCount,
		&comment, &monitorComment, &modifiedRaw, &syncedAt,
	)
	if err != nil {
		return model.ScheduleEntry{}, fmt.Errorf("store: scan: %w", err)
	}

	e.IsAbsence = isAbsence
	e.StartAt = s.timePtr(startAt)
	e.EndAt = s.timePtr(endAt)
	e.Location = stringPtr(location)
	e.Activity = stringPtr(activity)
	e.Level = stringPtr(level)
	e.Language = stringPtr(language)
	e.Comment = stringPtr(comment)
	e.MonitorComment = stringPtr(monitorComment)
	e.ModifiedRaw = stringPtr(modifiedRaw)
	if studentCount.Valid {
		n := int(studentCount.Int64)
		e.StudentCount = &n
	}
	e.SyncedAt = time.UnixMilli(syncedAt).In(s.loc)
	return e, nil
}

func (s *Store) timePtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).In(s.loc)
	return &t
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
