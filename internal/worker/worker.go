// Package worker implements the event worker: the single claim/dispatch
// loop, its retry/dead-letter policy, and the periodic lock-touch that
// keeps a long-running handler's row from
// being reclaimed out from under it.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/store"
)

// Handler processes one claimed event. It returns events.Terminal(err)
// or events.Retryable(err)/events.RetryableAfter(err, delay) to steer
// the worker's policy; a plain error is treated as retryable with no
// advisory delay.
type Handler func(ctx context.Context, ev *events.Event) error

// Ready reports whether the connection supervisor is ready for
// outbound-capable work, satisfying the worker's readiness gate
// without this package depending on the platform package directly.
type Ready interface {
	WaitUntilReady(ctx context.Context, timeout time.Duration) bool
}

const (
	readyWaitTimeout  = 60 * time.Second
	staleLockTimeout  = 120 * time.Second
	pollInterval      = 250 * time.Millisecond
	lockTouchInterval = 30 * time.Second
)

// Worker runs the single long-running claim/dispatch loop.
type Worker struct {
	Store    *store.Store
	Ready    Ready
	WorkerID string
	Handlers map[events.Type]Handler
}

// Run blocks until ctx is cancelled, claiming and dispatching events.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !w.Ready.WaitUntilReady(ctx, readyWaitTimeout) {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		if n, err := w.Store.RequeueStaleProcessing(ctx, staleLockTimeout); err != nil {
			slog.Warn("requeue stale processing", "error", err)
		} else if n > 0 {
			slog.Info("requeued stale processing events", "count", n)
		}

		ev, err := w.Store.ClaimNext(ctx, w.WorkerID)
		if err != nil {
			slog.Warn("claim_next", "error", err)
			w.sleep(ctx, pollInterval)
			continue
		}
		if ev == nil {
			w.sleep(ctx, pollInterval)
			continue
		}

		w.dispatch(ctx, ev)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func (w *Worker) dispatch(ctx context.Context, ev *events.Event) {
	handler, ok := w.Handlers[ev.Type]
	if !ok {
		w.settle(ctx, ev, events.Terminalf("no handler registered for event type %s", ev.Type))
		return
	}

	touchDone := w.startLockTouch(ctx, ev.ID)
	err := handler(ctx, ev)
	touchDone()

	w.settle(ctx, ev, err)
}

// startLockTouch runs a ticker that refreshes the row's lock while the
// handler is in flight, so a slow-but-alive handler doesn't lose its
// claim to the stale-lock reclaimer. The returned function stops the
// ticker.
func (w *Worker) startLockTouch(ctx context.Context, id int64) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(lockTouchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.Store.TouchLock(ctx, id); err != nil {
					slog.Warn("touch lock", "event_id", id, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) settle(ctx context.Context, ev *events.Event, err error) {
	if err == nil {
		if markErr := w.Store.MarkDone(ctx, ev.ID); markErr != nil {
			slog.Warn("mark_done", "event_id", ev.ID, "error", markErr)
		}
		return
	}

	logFields := []any{"event_id", ev.ID, "type", ev.Type, "attempt", ev.AttemptCount + 1, "error", err}

	if _, isTerminal := events.AsTerminal(err); isTerminal {
		slog.Error("event dead-lettered (terminal)", logFields...)
		if markErr := w.Store.MarkDead(ctx, ev.ID, err.Error()); markErr != nil {
			slog.Warn("mark_dead", "event_id", ev.ID, "error", markErr)
		}
		return
	}

	if ev.AttemptCount+1 >= events.MaxAttempts {
		slog.Error("event dead-lettered (max attempts reached)", logFields...)
		if markErr := w.Store.MarkDead(ctx, ev.ID, fmt.Sprintf("max attempts reached: %s", err)); markErr != nil {
			slog.Warn("mark_dead", "event_id", ev.ID, "error", markErr)
		}
		return
	}

	delay := time.Duration(events.BackoffMS(ev.AttemptCount+1)) * time.Millisecond
	if re, ok := events.AsRetryable(err); ok && re.Delay > 0 {
		delay = re.Delay
	}

	slog.Warn("event retrying", append(logFields, "delay", delay)...)
	if markErr := w.Store.MarkRetry(ctx, ev.ID, err.Error(), delay); markErr != nil {
		slog.Warn("mark_retry", "event_id", ev.ID, "error", markErr)
	}
}
