package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver
)

// store persists schedules and the append-only execution log in a single
// sqlite database opened in WAL mode with a single writer connection.
// Idempotence for catch-up schedules is enforced by a partial unique index on
// (schedule_id, period_identifier) restricted to SUCCESS rows, so the first
// of two concurrent fires wins the log write and the loser observes a
// constraint violation.
type store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id              TEXT PRIMARY KEY,
	description     TEXT NOT NULL DEFAULT '',
	expression      TEXT NOT NULL,
	payload         BLOB,
	task_key        TEXT NOT NULL UNIQUE,
	handler_type    TEXT NOT NULL,
	policy          TEXT NOT NULL,
	is_active       INTEGER NOT NULL DEFAULT 1,
	created_at      TIMESTAMP NOT NULL,
	last_invocation TIMESTAMP
);

CREATE TABLE IF NOT EXISTS execution_log (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	schedule_id       TEXT NOT NULL,
	period_identifier TEXT NOT NULL,
	status            TEXT NOT NULL,
	executed_at       TIMESTAMP NOT NULL,
	notes             TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_execution_success
	ON execution_log(schedule_id, period_identifier)
	WHERE status = 'SUCCESS';
`

// openStore opens (creating if needed) the scheduler database at path.
func openStore(path string) (*store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open scheduler db %s: %w", path, err)
	}
	// Single writer; sqlite serializes writes anyway and a single connection
	// avoids SQLITE_BUSY churn under concurrent fires.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply scheduler schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error {
	return s.db.Close()
}

func (s *store) insertSchedule(ctx context.Context, it *Item) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, description, expression, payload, task_key, handler_type, policy, is_active, created_at, last_invocation)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.ID, it.Description, it.Expression, it.Payload, it.TaskKey,
		string(it.HandlerType), string(it.Policy), boolToInt(it.Active), it.CreatedAt, it.LastInvocation)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: task key %q", ErrDuplicateTaskKey, it.TaskKey)
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *store) deleteSchedule(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

func (s *store) getByKey(ctx context.Context, taskKey string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, selectSchedule+` WHERE task_key = ?`, taskKey)
	return scanSchedule(row)
}

func (s *store) getByID(ctx context.Context, id string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, selectSchedule+` WHERE id = ?`, id)
	return scanSchedule(row)
}

func (s *store) list(ctx context.Context) ([]*Item, error) {
	rows, err := s.db.QueryContext(ctx, selectSchedule+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()
	var items []*Item
	for rows.Next() {
		it, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *store) setActive(ctx context.Context, id string, active bool) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE schedules SET is_active = ? WHERE id = ?`, boolToInt(active), id); err != nil {
		return fmt.Errorf("set schedule %s active=%v: %w", id, active, err)
	}
	return nil
}

func (s *store) touchLastInvocation(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE schedules SET last_invocation = ? WHERE id = ?`, at, id); err != nil {
		return fmt.Errorf("touch schedule %s: %w", id, err)
	}
	return nil
}

// hasSuccess reports whether a SUCCESS log row exists for the schedule and
// period.
func (s *store) hasSuccess(ctx context.Context, scheduleID, periodID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM execution_log WHERE schedule_id = ? AND period_identifier = ? AND status = 'SUCCESS'`,
		scheduleID, periodID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check execution log: %w", err)
	}
	return n > 0, nil
}

// appendLog appends an execution record. When status is StatusSuccess and
// another SUCCESS row already exists for the same (schedule, period), the
// partial unique index rejects the write and the record is downgraded to
// SKIPPED_DUPLICATE; the downgraded status is returned.
func (s *store) appendLog(ctx context.Context, rec *LogRecord) (Status, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_log (schedule_id, period_identifier, status, executed_at, notes) VALUES (?, ?, ?, ?, ?)`,
		rec.ScheduleID, rec.PeriodID, string(rec.Status), rec.ExecutedAt, rec.Notes)
	if err == nil {
		return rec.Status, nil
	}
	if rec.Status == StatusSuccess && isUniqueViolation(err) {
		dup := StatusSkippedDuplicate
		_, dupErr := s.db.ExecContext(ctx,
			`INSERT INTO execution_log (schedule_id, period_identifier, status, executed_at, notes) VALUES (?, ?, ?, ?, ?)`,
			rec.ScheduleID, rec.PeriodID, string(dup), rec.ExecutedAt, "lost success write race")
		if dupErr != nil {
			return dup, fmt.Errorf("append duplicate-skip record: %w", dupErr)
		}
		return dup, nil
	}
	return rec.Status, fmt.Errorf("append execution log: %w", err)
}

func (s *store) logForSchedule(ctx context.Context, scheduleID string) ([]*LogRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, schedule_id, period_identifier, status, executed_at, notes FROM execution_log WHERE schedule_id = ? ORDER BY id`,
		scheduleID)
	if err != nil {
		return nil, fmt.Errorf("read execution log: %w", err)
	}
	defer rows.Close()
	var recs []*LogRecord
	for rows.Next() {
		var rec LogRecord
		var status string
		if err := rows.Scan(&rec.ID, &rec.ScheduleID, &rec.PeriodID, &status, &rec.ExecutedAt, &rec.Notes); err != nil {
			return nil, fmt.Errorf("scan execution log: %w", err)
		}
		rec.Status = Status(status)
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

const selectSchedule = `SELECT id, description, expression, payload, task_key, handler_type, policy, is_active, created_at, last_invocation FROM schedules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*Item, error) {
	var it Item
	var handler, policy string
	var active int
	var last sql.NullTime
	err := row.Scan(&it.ID, &it.Description, &it.Expression, &it.Payload, &it.TaskKey, &handler, &policy, &active, &it.CreatedAt, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	it.HandlerType = HandlerType(handler)
	it.Policy = ExecutionPolicy(policy)
	it.Active = active != 0
	if last.Valid {
		t := last.Time
		it.LastInvocation = &t
	}
	return &it, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
