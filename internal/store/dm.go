package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DMMessage mirrors one row of dm_messages: the lifecycle flags the DM
// handler's state machine flips as a message moves from seen to
// acknowledged.
type DMMessage struct {
	MessageID      string
	ChannelID      string
	AuthorID       string
	EyeApplied     bool
	ProcessingDone bool
	CheckApplied   bool
	TerminalFailed bool
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertDMMessage inserts a row for messageID if it doesn't already
// exist. Existing rows are left untouched — this is the idempotent
// "first time we've seen this message" entry point, not an update.
func (s *Store) UpsertDMMessage(ctx context.Context, messageID, channelID, authorID string) error {
	now := nowStr()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_messages (message_id, channel_id, author_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, messageID, channelID, authorID, now, now)
	if err != nil {
		return fmt.Errorf("upsert_dm_message(%s): %w", messageID, err)
	}
	return nil
}

// GetDMMessage loads a dm_messages row, or nil if none exists.
func (s *Store) GetDMMessage(ctx context.Context, messageID string) (*DMMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, channel_id, author_id, eye_applied, processing_done,
			check_applied, terminal_failed, COALESCE(last_error, ''), created_at, updated_at
		FROM dm_messages WHERE message_id = ?
	`, messageID)
	m, err := scanDMMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get_dm_message(%s): %w", messageID, err)
	}
	return m, nil
}

// MarkEyeApplied flips eye_applied, the "we've seen it and are working
// on it" signal used by C8's reconcile pass.
func (s *Store) MarkEyeApplied(ctx context.Context, messageID string) error {
	return s.setDMFlag(ctx, messageID, "eye_applied")
}

// MarkProcessingDone flips processing_done once the agent call has
// returned and a reply has been queued for send.
func (s *Store) MarkProcessingDone(ctx context.Context, messageID string) error {
	return s.setDMFlag(ctx, messageID, "processing_done")
}

// MarkCheckApplied flips check_applied, the terminal success marker.
func (s *Store) MarkCheckApplied(ctx context.Context, messageID string) error {
	return s.setDMFlag(ctx, messageID, "check_applied")
}

func (s *Store) setDMFlag(ctx context.Context, messageID, column string) error {
	now := nowStr()
	q := fmt.Sprintf(`UPDATE dm_messages SET %s = 1, updated_at = ? WHERE message_id = ?`, column)
	_, err := s.db.ExecContext(ctx, q, now, messageID)
	if err != nil {
		return fmt.Errorf("set_dm_flag(%s, %s): %w", messageID, column, err)
	}
	return nil
}

// MarkTerminalFailed flips terminal_failed and records lastErr, short
// circuiting any future replay of this message id.
func (s *Store) MarkTerminalFailed(ctx context.Context, messageID, lastErr string) error {
	now := nowStr()
	_, err := s.db.ExecContext(ctx, `
		UPDATE dm_messages SET terminal_failed = 1, last_error = ?, updated_at = ?
		WHERE message_id = ?
	`, lastErr, now, messageID)
	if err != nil {
		return fmt.Errorf("mark_terminal_failed(%s): %w", messageID, err)
	}
	return nil
}

// ListMissingEye returns up to limit non-terminal messages that never
// got their eye reaction applied, oldest first — C8's reconcile input.
func (s *Store) ListMissingEye(ctx context.Context, limit int) ([]*DMMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, channel_id, author_id, eye_applied, processing_done,
			check_applied, terminal_failed, COALESCE(last_error, ''), created_at, updated_at
		FROM dm_messages
		WHERE terminal_failed = 0 AND eye_applied = 0
		ORDER BY created_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list_missing_eye: %w", err)
	}
	defer rows.Close()
	return scanDMMessages(rows)
}

// ListMissingCheck returns up to limit non-terminal messages whose
// processing finished but whose check reaction never landed.
func (s *Store) ListMissingCheck(ctx context.Context, limit int) ([]*DMMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, channel_id, author_id, eye_applied, processing_done,
			check_applied, terminal_failed, COALESCE(last_error, ''), created_at, updated_at
		FROM dm_messages
		WHERE terminal_failed = 0 AND processing_done = 1 AND check_applied = 0
		ORDER BY created_at ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list_missing_check: %w", err)
	}
	defer rows.Close()
	return scanDMMessages(rows)
}

// PruneOldDMMessages deletes terminal dm_messages rows (check_applied or
// terminal_failed) older than olderThan, so the table doesn't grow
// without bound on a long-lived daemon. Returns the number of rows removed.
func (s *Store) PruneOldDMMessages(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dm_messages
		WHERE (check_applied = 1 OR terminal_failed = 1) AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune_old_dm_messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune_old_dm_messages: rows affected: %w", err)
	}
	return int(n), nil
}

// IsDMAlreadyProcessed reports whether messageID has a dm_messages row
// that has reached a terminal state (check_applied or terminal_failed),
// used by recovery to avoid re-enqueuing settled messages.
func (s *Store) IsDMAlreadyProcessed(ctx context.Context, messageID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM dm_messages
		WHERE message_id = ? AND (check_applied = 1 OR terminal_failed = 1)
	`, messageID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is_dm_already_processed(%s): %w", messageID, err)
	}
	return n > 0, nil
}

func scanDMMessage(row *sql.Row) (*DMMessage, error) {
	var m DMMessage
	var createdAt, updatedAt string
	if err := row.Scan(&m.MessageID, &m.ChannelID, &m.AuthorID, &m.EyeApplied,
		&m.ProcessingDone, &m.CheckApplied, &m.TerminalFailed, &m.LastError,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	m.CreatedAt = parseStoreTime(createdAt)
	m.UpdatedAt = parseStoreTime(updatedAt)
	return &m, nil
}

func scanDMMessages(rows *sql.Rows) ([]*DMMessage, error) {
	var out []*DMMessage
	for rows.Next() {
		var m DMMessage
		var createdAt, updatedAt string
		if err := rows.Scan(&m.MessageID, &m.ChannelID, &m.AuthorID, &m.EyeApplied,
			&m.ProcessingDone, &m.CheckApplied, &m.TerminalFailed, &m.LastError,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = parseStoreTime(createdAt)
		m.UpdatedAt = parseStoreTime(updatedAt)
		out = append(out, &m)
	}
	return out, rows.Err()
}
