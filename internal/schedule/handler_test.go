package schedule

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loopwire-labs/loopwire/internal/agentcli"
	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/store"
)

type scriptedRunner struct {
	result string
}

func (r *scriptedRunner) Run(ctx context.Context, argv, env []string) ([]byte, []byte, error) {
	b, _ := json.Marshal(struct {
		Result    string `json:"result"`
		SessionID string `json:"session_id"`
	}{Result: r.result, SessionID: "s1"})
	return b, nil, nil
}

func newTestHandler(t *testing.T, result string, schedules []Config) (*Handler, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	dir := t.TempDir()
	tmpl := filepath.Join(dir, "prompt.tmpl")
	os.WriteFile(tmpl, []byte("{{user_input}}"), 0o644)
	sysPrompt := filepath.Join(dir, "system.md")
	os.WriteFile(sysPrompt, []byte("sys"), 0o644)

	agent := agentcli.NewWithRunner(agentcli.Config{
		DataDir:          dir,
		PromptTemplate:   tmpl,
		SystemPromptFile: sysPrompt,
		ClaudeTimeout:    5 * time.Second,
	}, &scriptedRunner{result: result})

	h := &Handler{
		Store: s,
		Agent: agent,
		Load:  func() ([]Config, error) { return schedules, nil },
		Config: HandlerConfig{NotifyUserID: "u1"},
	}
	return h, s
}

func firedEvent(t *testing.T, name string, triggeredAt, expiresAt time.Time) *events.Event {
	t.Helper()
	b, err := json.Marshal(events.SchedulerFiredPayload{ScheduleName: name, TriggeredAt: triggeredAt, ExpiresAt: expiresAt})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &events.Event{ID: 1, Type: events.TypeSchedulerFired, Payload: b}
}

func TestHandleSkippableResponseEmitsNoOutbound(t *testing.T) {
	h, s := newTestHandler(t, "[SKIP]\nnothing to say", []Config{
		{Name: "morning-plan", DiscordNotify: true, Skippable: true},
	})
	now := time.Now()
	ev := firedEvent(t, "morning-plan", now, now.Add(15*time.Minute))

	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	dead, err := s.ListDead(context.Background(), 10)
	if err != nil || len(dead) != 0 {
		t.Fatalf("expected no dead events, got %v err=%v", dead, err)
	}

	next, err := s.ClaimNext(context.Background(), "w1")
	if err != nil || next != nil {
		t.Fatalf("expected no outbound event queued, got %+v err=%v", next, err)
	}
}

func TestHandleExpiredFiringIsSkipped(t *testing.T) {
	h, _ := newTestHandler(t, "hello", []Config{{Name: "x", DiscordNotify: true}})
	now := time.Now()
	ev := firedEvent(t, "x", now.Add(-1*time.Hour), now.Add(-45*time.Minute))

	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("expected expired firing to be a no-op, got %v", err)
	}
}

func TestHandleUnknownScheduleIsTerminal(t *testing.T) {
	h, _ := newTestHandler(t, "hello", []Config{})
	now := time.Now()
	ev := firedEvent(t, "gone", now, now.Add(15*time.Minute))

	err := h.Handle(context.Background(), ev)
	if _, ok := events.AsTerminal(err); !ok {
		t.Fatalf("expected terminal error for missing schedule, got %v", err)
	}
}

func TestHandlePublishesNotifyOutboundWithDedupeKey(t *testing.T) {
	h, s := newTestHandler(t, "all good", []Config{{Name: "daily", DiscordNotify: true}})
	now := time.Now()
	ev := firedEvent(t, "daily", now, now.Add(15*time.Minute))

	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}

	claimed, err := s.ClaimNext(context.Background(), "w1")
	if err != nil || claimed == nil {
		t.Fatalf("expected an outbound event published, got %v err=%v", claimed, err)
	}
	if claimed.DedupeKey == "" {
		t.Fatalf("expected a dedupe key on the scheduler outbound")
	}
}
