// Package store implements the durable event bus: a sqlite-backed,
// priority-lane-aware, at-least-once work queue, plus the DM lifecycle
// state and delivery-offset tables that share its database. It is the
// only component with write access to those three
// tables; every other package reaches them through this contract.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loopwire-labs/loopwire/internal/events"
)

// Store owns the event-bus database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the event-bus sqlite database at
// path and applies the schema. Uses WAL mode and a multi-second busy
// timeout so concurrent writers from the worker and CLI don't trip
// SQLITE_BUSY under normal load.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	db.SetMaxOpenConns(1) // single-process, single-writer; avoid sqlite lock thrash

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping event store: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply event store schema: %w", err)
	}

	s := &Store{db: db}
	slog.Info("event store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nowStr() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func parseStoreTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}

// Publish inserts a new pending event. If in.DedupeKey is set and an
// event with that key already exists, Publish returns the existing
// event's id and does not insert a new row, so a caller that retries a
// publish after an ambiguous failure can't double-enqueue the same work.
func (s *Store) Publish(ctx context.Context, in events.PublishInput) (int64, error) {
	payload, err := json.Marshal(in.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload for %s: %w", in.Type, err)
	}

	availableAt := in.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("publish %s: begin: %w", in.Type, err)
	}
	defer tx.Rollback()

	if in.DedupeKey != "" {
		var existingID int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM events WHERE dedupe_key = ?`, in.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return 0, fmt.Errorf("publish %s: dedupe lookup: %w", in.Type, err)
		}
	}

	now := nowStr()
	var dedupe any
	if in.DedupeKey != "" {
		dedupe = in.DedupeKey
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO events (type, lane, lane_rank, priority, payload, dedupe_key,
			attempt_count, status, available_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
	`, string(in.Type), string(in.Lane), in.Lane.Rank(), in.Priority, string(payload), dedupe,
		string(events.StatusPending), availableAt.UTC().Format(time.RFC3339Nano), now, now)
	if err != nil {
		return 0, fmt.Errorf("publish %s: insert: %w", in.Type, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("publish %s: last insert id: %w", in.Type, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("publish %s: commit: %w", in.Type, err)
	}
	return id, nil
}

// ClaimNext atomically selects the highest-priority claimable row and
// transitions it to processing. Returns (nil, nil) when nothing is
// claimable. Ordering is lane_rank asc, priority desc, created_at asc,
// so interactive DM traffic always drains ahead of recovery work, which
// drains ahead of scheduled work, then system work, whatever the
// numeric priority.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*events.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("claim_next: begin: %w", err)
	}
	defer tx.Rollback()

	now := nowStr()
	var id int64
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM events
		WHERE status IN ('pending','retry') AND available_at <= ?
		ORDER BY lane_rank ASC, priority DESC, created_at ASC
		LIMIT 1
	`, now).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim_next: select: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE events SET status = ?, locked_by = ?, locked_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending','retry')
	`, string(events.StatusProcessing), workerID, now, now, id)
	if err != nil {
		return nil, fmt.Errorf("claim_next: update: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim_next: rows affected: %w", err)
	}
	if affected == 0 {
		// Lost the race to another claimant; caller should poll again.
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("claim_next: commit no-op: %w", err)
		}
		return nil, nil
	}

	ev, err := scanEvent(tx.QueryRowContext(ctx, eventSelectCols+` FROM events WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("claim_next: reload: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim_next: commit: %w", err)
	}
	return ev, nil
}

// MarkDone transitions an event to the terminal done state.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	now := nowStr()
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, updated_at = ?, locked_by = NULL, locked_at = NULL
		WHERE id = ?
	`, string(events.StatusDone), now, id)
	if err != nil {
		return fmt.Errorf("mark_done(%d): %w", id, err)
	}
	return nil
}

// MarkRetry transitions an event back to retry, bumping attempt_count
// and setting available_at = now + delay.
func (s *Store) MarkRetry(ctx context.Context, id int64, lastError string, delay time.Duration) error {
	now := time.Now()
	nowS := now.UTC().Format(time.RFC3339Nano)
	availableAt := now.Add(delay).UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, attempt_count = attempt_count + 1, available_at = ?,
			last_error = ?, updated_at = ?, locked_by = NULL, locked_at = NULL
		WHERE id = ?
	`, string(events.StatusRetry), availableAt, lastError, nowS, id)
	if err != nil {
		return fmt.Errorf("mark_retry(%d): %w", id, err)
	}
	return nil
}

// MarkDead transitions an event to the terminal dead-letter state.
func (s *Store) MarkDead(ctx context.Context, id int64, lastError string) error {
	now := nowStr()
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, attempt_count = attempt_count + 1, last_error = ?,
			updated_at = ?, locked_by = NULL, locked_at = NULL
		WHERE id = ?
	`, string(events.StatusDead), lastError, now, id)
	if err != nil {
		return fmt.Errorf("mark_dead(%d): %w", id, err)
	}
	return nil
}

// TouchLock refreshes locked_at for an in-progress event so a slow but
// still-alive handler call doesn't get reclaimed out from under it by
// RequeueStaleProcessing.
func (s *Store) TouchLock(ctx context.Context, id int64) error {
	now := nowStr()
	_, err := s.db.ExecContext(ctx, `
		UPDATE events SET locked_at = ?, updated_at = ? WHERE id = ? AND status = ?
	`, now, now, id, string(events.StatusProcessing))
	if err != nil {
		return fmt.Errorf("touch_lock(%d): %w", id, err)
	}
	return nil
}

// RequeueStaleProcessing resets rows whose lock is older than
// lockTimeout back to retry, and returns how many were reset.
func (s *Store) RequeueStaleProcessing(ctx context.Context, lockTimeout time.Duration) (int, error) {
	cutoff := time.Now().Add(-lockTimeout).UTC().Format(time.RFC3339Nano)
	now := nowStr()
	res, err := s.db.ExecContext(ctx, `
		UPDATE events SET status = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
		WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?
	`, string(events.StatusRetry), now, string(events.StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue_stale_processing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue_stale_processing: rows affected: %w", err)
	}
	return int(n), nil
}

// ListDead returns up to limit dead-lettered events, most recent first,
// for test inspection without raw sqlite access.
func (s *Store) ListDead(ctx context.Context, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		eventSelectCols+` FROM events WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		string(events.StatusDead), limit)
	if err != nil {
		return nil, fmt.Errorf("list_dead: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// HasActiveDMIncomingEvent reports whether any dm.incoming event with
// the given message id is pending, processing, or retry — used by
// reconcile/recovery to suppress duplicate re-enqueues.
func (s *Store) HasActiveDMIncomingEvent(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM events
		WHERE type = ? AND status IN ('pending','processing','retry')
		  AND json_extract(payload, '$.message_id') = ?
	`, string(events.TypeDMIncoming), messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has_active_dm_incoming_event(%s): %w", messageID, err)
	}
	return n > 0, nil
}

const eventSelectCols = `SELECT id, type, lane, priority, payload, COALESCE(dedupe_key, ''),
	attempt_count, status, available_at, COALESCE(locked_by, ''), COALESCE(locked_at, ''),
	COALESCE(last_error, ''), created_at, updated_at`

func scanEvent(row *sql.Row) (*events.Event, error) {
	var ev events.Event
	var lane, status, availableAt, lockedAt, createdAt, updatedAt string
	var payload string
	if err := row.Scan(&ev.ID, &ev.Type, &lane, &ev.Priority, &payload, &ev.DedupeKey,
		&ev.AttemptCount, &status, &availableAt, &ev.LockedBy, &lockedAt,
		&ev.LastError, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ev.Lane = events.Lane(lane)
	ev.Status = events.Status(status)
	ev.Payload = json.RawMessage(payload)
	ev.AvailableAt = parseStoreTime(availableAt)
	ev.LockedAt = parseStoreTime(lockedAt)
	ev.CreatedAt = parseStoreTime(createdAt)
	ev.UpdatedAt = parseStoreTime(updatedAt)
	return &ev, nil
}

func scanEvents(rows *sql.Rows) ([]*events.Event, error) {
	var out []*events.Event
	for rows.Next() {
		var ev events.Event
		var lane, status, availableAt, lockedAt, createdAt, updatedAt string
		var payload string
		if err := rows.Scan(&ev.ID, &ev.Type, &lane, &ev.Priority, &payload, &ev.DedupeKey,
			&ev.AttemptCount, &status, &availableAt, &ev.LockedBy, &lockedAt,
			&ev.LastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		ev.Lane = events.Lane(lane)
		ev.Status = events.Status(status)
		ev.Payload = json.RawMessage(payload)
		ev.AvailableAt = parseStoreTime(availableAt)
		ev.LockedAt = parseStoreTime(lockedAt)
		ev.CreatedAt = parseStoreTime(createdAt)
		ev.UpdatedAt = parseStoreTime(updatedAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
