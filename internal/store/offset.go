package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Offset is the recovery watermark for one scope (the allowed user id,
// as recovery uses it). Position is an opaque monotonic sequence number the
// platform adapter derives from the message (its origin-server timestamp
// in unix milliseconds, for the mautrix adapter) — message ids themselves
// aren't guaranteed comparable across chat platforms, so advancement
// is judged on Position, not on MessageID.
type Offset struct {
	Scope     string
	MessageID string
	Position  int64
}

// GetOffset returns the current watermark for scope, or nil if none
// has been recorded yet.
func (s *Store) GetOffset(ctx context.Context, scope string) (*Offset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT scope, message_id, position FROM dm_offsets WHERE scope = ?
	`, scope)
	var o Offset
	if err := row.Scan(&o.Scope, &o.MessageID, &o.Position); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get_offset(%s): %w", scope, err)
	}
	return &o, nil
}

// AdvanceOffset records (messageID, position) as the new watermark for
// scope, but only if position is strictly greater than the stored one
// (or no watermark exists yet) — the monotonic-advance guarantee spec
// §4.8 relies on so a late-arriving, already-superseded recovery page
// can never rewind the cursor.
func (s *Store) AdvanceOffset(ctx context.Context, scope, messageID string, position int64) error {
	now := nowStr()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_offsets (scope, message_id, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET
			message_id = excluded.message_id,
			position   = excluded.position,
			updated_at = excluded.updated_at
		WHERE excluded.position > dm_offsets.position
	`, scope, messageID, position, now)
	if err != nil {
		return fmt.Errorf("advance_offset(%s): %w", scope, err)
	}
	return nil
}
