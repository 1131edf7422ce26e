package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/store"
)

type alwaysReady struct{}

func (alwaysReady) WaitUntilReady(ctx context.Context, timeout time.Duration) bool { return true }

func newTestWorker(t *testing.T, handlers map[events.Type]Handler) (*Worker, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return &Worker{Store: s, Ready: alwaysReady{}, WorkerID: "w1", Handlers: handlers}, s
}

func runOnce(t *testing.T, w *Worker, s *store.Store) {
	t.Helper()
	ctx := context.Background()
	if n, err := s.RequeueStaleProcessing(ctx, staleLockTimeout); err != nil || n < 0 {
		t.Fatalf("requeue: %v", err)
	}
	ev, err := s.ClaimNext(ctx, w.WorkerID)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ev == nil {
		t.Fatalf("expected a claimable event")
	}
	w.dispatch(ctx, ev)
}

func TestDispatchTerminalErrorDeadLetters(t *testing.T) {
	handlers := map[events.Type]Handler{
		events.TypeDMReconcileRun: func(ctx context.Context, ev *events.Event) error {
			return events.Terminalf("unknown channel")
		},
	}
	w, s := newTestWorker(t, handlers)
	id, err := s.Publish(context.Background(), events.PublishInput{Type: events.TypeDMReconcileRun, Lane: events.LaneSystem})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	runOnce(t, w, s)

	dead, err := s.ListDead(context.Background(), 10)
	if err != nil || len(dead) != 1 || dead[0].ID != id {
		t.Fatalf("expected event dead-lettered, got %v, err=%v", dead, err)
	}
}

func TestDispatchRetryableErrorDelaysNextClaim(t *testing.T) {
	calls := 0
	handlers := map[events.Type]Handler{
		events.TypeDMReconcileRun: func(ctx context.Context, ev *events.Event) error {
			calls++
			return events.Retryable(fmt.Errorf("transient failure"))
		},
	}
	w, s := newTestWorker(t, handlers)
	if _, err := s.Publish(context.Background(), events.PublishInput{Type: events.TypeDMReconcileRun, Lane: events.LaneSystem}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	runOnce(t, w, s)

	ev, err := s.ClaimNext(context.Background(), "w1")
	if err != nil {
		t.Fatalf("claim after retry: %v", err)
	}
	if ev != nil {
		t.Fatalf("retried event should not be immediately claimable (available_at in the future): %+v", ev)
	}
}

func TestDispatchConvertsToTerminalAtMaxAttempts(t *testing.T) {
	handlers := map[events.Type]Handler{
		events.TypeDMReconcileRun: func(ctx context.Context, ev *events.Event) error {
			return events.RetryableAfter(fmt.Errorf("still failing"), time.Millisecond)
		},
	}
	w, s := newTestWorker(t, handlers)
	id, err := s.Publish(context.Background(), events.PublishInput{Type: events.TypeDMReconcileRun, Lane: events.LaneSystem})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < events.MaxAttempts; i++ {
		ev, err := s.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatalf("claim iteration %d: %v", i, err)
		}
		if ev == nil {
			time.Sleep(2 * time.Millisecond)
			ev, err = s.ClaimNext(ctx, "w1")
			if err != nil || ev == nil {
				t.Fatalf("claim retry iteration %d: %v, %+v", i, err, ev)
			}
		}
		w.dispatch(ctx, ev)
	}

	dead, err := s.ListDead(ctx, 10)
	if err != nil {
		t.Fatalf("list dead: %v", err)
	}
	found := false
	for _, d := range dead {
		if d.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected event %d dead-lettered after %d attempts, got %v", id, events.MaxAttempts, dead)
	}
}

func TestDispatchSuccessMarksDone(t *testing.T) {
	handlers := map[events.Type]Handler{
		events.TypeDMReconcileRun: func(ctx context.Context, ev *events.Event) error { return nil },
	}
	w, s := newTestWorker(t, handlers)
	if _, err := s.Publish(context.Background(), events.PublishInput{Type: events.TypeDMReconcileRun, Lane: events.LaneSystem}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	runOnce(t, w, s)

	ev, err := s.ClaimNext(context.Background(), "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ev != nil {
		t.Fatalf("done event should never be claimable again, got %+v", ev)
	}
}
