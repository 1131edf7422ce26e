package recon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/platform"
	"github.com/loopwire-labs/loopwire/internal/store"
)

// RecoveryConfig names the users recovery runs for, and the Matrix room
// id each of those users' fixed DM room is known at.
type RecoveryConfig struct {
	AllowedUserIDs []string
	DMRoomIDs      map[string]string
}

// RecoveryHandler implements the worker-side half of DM recovery: for
// every allowed user, seed or advance a delivery offset and enqueue
// dm.incoming events for anything the daemon missed while disconnected.
type RecoveryHandler struct {
	Store    *store.Store
	Platform platform.Gateway
	Config   RecoveryConfig
}

// Handle processes one dm.recover.run event.
func (h *RecoveryHandler) Handle(ctx context.Context, ev *events.Event) error {
	for _, userID := range h.Config.AllowedUserIDs {
		roomID, ok := h.Config.DMRoomIDs[userID]
		if !ok {
			slog.Warn("dm recovery skipped, no dm room configured for user", "user_id", userID)
			continue
		}
		if err := h.recoverUser(ctx, userID, roomID); err != nil {
			slog.Error("dm recovery failed for user", "user_id", userID, "error", err)
		}
	}
	return nil
}

// recoverUser seeds userID's offset from the live edge of their DM room
// the first time it's ever run, and on every subsequent run pages
// forward from the stored offset to catch up anything that arrived
// while offline.
func (h *RecoveryHandler) recoverUser(ctx context.Context, userID, roomID string) error {
	latest, found, err := h.Platform.FetchMostRecentMessage(ctx, roomID)
	if err != nil {
		return fmt.Errorf("fetch_most_recent_message(%s): %w", roomID, err)
	}
	if !found {
		return nil
	}

	offset, err := h.Store.GetOffset(ctx, userID)
	if err != nil {
		return fmt.Errorf("get_offset(%s): %w", userID, err)
	}
	if offset == nil {
		// First run for this user: seed the watermark at the current
		// tip rather than backfilling the entire DM history.
		return h.Store.AdvanceOffset(ctx, userID, latest.ID, latest.Position)
	}
	if latest.Position <= offset.Position {
		return nil
	}

	afterID := offset.MessageID
	for {
		msgs, err := h.Platform.FetchMessagesAfter(ctx, latest.ChannelID, afterID, recoveryPageSize)
		if err != nil {
			return fmt.Errorf("fetch_messages_after(%s): %w", userID, err)
		}
		if len(msgs) == 0 {
			return nil
		}
		for _, m := range msgs {
			if err := h.maybeEnqueue(ctx, userID, m); err != nil {
				slog.Warn("recovery enqueue", "message_id", m.ID, "error", err)
			}
			if err := h.Store.AdvanceOffset(ctx, userID, m.ID, m.Position); err != nil {
				slog.Warn("advance_offset", "user_id", userID, "error", err)
			}
			afterID = m.ID
		}
		if len(msgs) < recoveryPageSize {
			return nil
		}
	}
}

// maybeEnqueue applies the recovery-path filters: from the allowed
// user, not a bot, carrying text or files, not already settled, not
// already queued by another path.
func (h *RecoveryHandler) maybeEnqueue(ctx context.Context, userID string, m platform.Message) error {
	if m.AuthorIsBot || m.AuthorID != userID {
		return nil
	}
	if strings.TrimSpace(m.Text) == "" && !m.HasFiles {
		return nil
	}

	processed, err := h.Store.IsDMAlreadyProcessed(ctx, m.ID)
	if err != nil {
		return err
	}
	if processed {
		return nil
	}
	active, err := h.Store.HasActiveDMIncomingEvent(ctx, m.ID)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	_, err = h.Store.Publish(ctx, events.PublishInput{
		Type:      events.TypeDMIncoming,
		Lane:      events.LaneRecovery,
		Priority:  5,
		DedupeKey: fmt.Sprintf("dm:recovery:%s", m.ID),
		Payload: events.DMIncomingPayload{
			MessageID: m.ID,
			ChannelID: m.ChannelID,
			AuthorID:  m.AuthorID,
		},
	})
	return err
}
