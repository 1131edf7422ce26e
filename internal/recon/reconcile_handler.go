package recon

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/store"
)

// ReconcileHandler implements the worker-side half of the reconcile
// sweep: for every DM stuck mid-lifecycle, re-publish a dm.incoming
// event at the interactive lane so it resumes from whatever step the
// durable state says it reached.
type ReconcileHandler struct {
	Store *store.Store
}

// Handle processes one dm.reconcile.run event.
func (h *ReconcileHandler) Handle(ctx context.Context, ev *events.Event) error {
	missingEye, err := h.Store.ListMissingEye(ctx, reconcileListLimit)
	if err != nil {
		return events.Retryable(err)
	}
	missingCheck, err := h.Store.ListMissingCheck(ctx, reconcileListLimit)
	if err != nil {
		return events.Retryable(err)
	}

	stuck := make([]*store.DMMessage, 0, len(missingEye)+len(missingCheck))
	stuck = append(stuck, missingEye...)
	stuck = append(stuck, missingCheck...)

	for _, m := range stuck {
		if err := h.republish(ctx, m); err != nil {
			slog.Warn("reconcile republish", "message_id", m.MessageID, "error", err)
		}
	}
	return nil
}

func (h *ReconcileHandler) republish(ctx context.Context, m *store.DMMessage) error {
	active, err := h.Store.HasActiveDMIncomingEvent(ctx, m.MessageID)
	if err != nil {
		return err
	}
	if active {
		return nil
	}

	_, err = h.Store.Publish(ctx, events.PublishInput{
		Type:      events.TypeDMIncoming,
		Lane:      events.LaneInteractive,
		Priority:  15,
		DedupeKey: fmt.Sprintf("dm:reconcile:%s", m.MessageID),
		Payload: events.DMIncomingPayload{
			MessageID: m.MessageID,
			ChannelID: m.ChannelID,
			AuthorID:  m.AuthorID,
		},
	})
	return err
}
