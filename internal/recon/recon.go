// Package recon implements a periodic reconcile sweep that catches DMs
// whose eye/check reaction never landed after a crash, and a recovery
// pass that catches a platform DM backlog up to the live edge after
// startup or a reconnect. Both sides publish a nullary marker event onto
// the durable queue rather than doing their work inline, so a crash
// mid-sweep just gets retried like any other event.
package recon

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/store"
)

const (
	// ReconcileInterval is how often the reconcile sweep fires.
	ReconcileInterval = 15 * time.Second

	// reconcileListLimit bounds how many missing-eye / missing-check
	// rows one sweep republishes.
	reconcileListLimit = 50

	// recoveryPageSize is the FetchMessagesAfter page size used while
	// catching a user's DM backlog up to the live edge.
	recoveryPageSize = 100

	// retentionTTL is how old a terminal dm_messages row must be before
	// the sweep prunes it.
	retentionTTL = 7 * 24 * time.Hour

	// pruneEveryNTicks rides the retention sweep on a coarser multiple
	// of the reconcile tick so it doesn't run every 15s.
	pruneEveryNTicks = 240 // ~once an hour at ReconcileInterval
)

// Runner drives the reconcile ticker (plus the retention sweep that
// rides on it) and exposes TriggerRecovery for the connection
// supervisor to call on ready/reconnect-success.
type Runner struct {
	Store *store.Store
}

// Run ticks ReconcileInterval until ctx is cancelled, firing an
// immediate reconcile on startup.
func (r *Runner) Run(ctx context.Context) {
	r.fireReconcile(ctx)

	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			r.fireReconcile(ctx)
			if tick%pruneEveryNTicks == 0 {
				r.prune(ctx)
			}
		}
	}
}

func (r *Runner) fireReconcile(ctx context.Context) {
	if _, err := r.Store.Publish(ctx, events.PublishInput{
		Type:    events.TypeDMReconcileRun,
		Lane:    events.LaneSystem,
		Payload: events.DMReconcileRunPayload{},
	}); err != nil {
		slog.Error("publish dm.reconcile.run", "error", err)
	}
}

func (r *Runner) prune(ctx context.Context) {
	n, err := r.Store.PruneOldDMMessages(ctx, retentionTTL)
	if err != nil {
		slog.Error("prune_old_dm_messages", "error", err)
		return
	}
	if n > 0 {
		slog.Info("pruned old dm_messages rows", "count", n)
	}
}

// TriggerRecovery publishes a dm.recover.run event. The daemon calls
// this from the connection supervisor's OnReady callback, both on
// first login and after every successful reconnect.
func (r *Runner) TriggerRecovery(ctx context.Context) {
	if _, err := r.Store.Publish(ctx, events.PublishInput{
		Type:    events.TypeDMRecoverRun,
		Lane:    events.LaneSystem,
		Payload: events.DMRecoverRunPayload{},
	}); err != nil {
		slog.Error("publish dm.recover.run", "error", err)
	}
}
