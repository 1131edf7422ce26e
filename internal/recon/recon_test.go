package recon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/platform"
	"github.com/loopwire-labs/loopwire/internal/store"
)

type fakeRecoveryPlatform struct {
	mu          sync.Mutex
	mostRecent  map[string]platform.Message
	afterPages  map[string][]platform.Message // keyed by channelID
}

func (f *fakeRecoveryPlatform) SetHandlers(h platform.Handlers)            {}
func (f *fakeRecoveryPlatform) Login(ctx context.Context, t string) error { return nil }
func (f *fakeRecoveryPlatform) Close() error                              { return nil }
func (f *fakeRecoveryPlatform) Ping(ctx context.Context) (time.Duration, error) {
	return 0, nil
}

func (f *fakeRecoveryPlatform) FetchDMChannel(ctx context.Context, channelID string) (platform.Channel, error) {
	return platform.Channel{ID: channelID, IsDM: true, Sendable: true}, nil
}

func (f *fakeRecoveryPlatform) FetchMessage(ctx context.Context, channelID, messageID string) (platform.Message, error) {
	return platform.Message{}, fmt.Errorf("not implemented")
}

func (f *fakeRecoveryPlatform) FetchMessagesAfter(ctx context.Context, channelID, afterID string, limit int) ([]platform.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.afterPages[channelID], nil
}

func (f *fakeRecoveryPlatform) FetchMostRecentMessage(ctx context.Context, roomID string) (platform.Message, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mostRecent[roomID]
	return m, ok, nil
}

func (f *fakeRecoveryPlatform) AddReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return nil
}

func (f *fakeRecoveryPlatform) SendUserDM(ctx context.Context, userID, text string, files []events.OutboundFile) error {
	return nil
}

func (f *fakeRecoveryPlatform) SendChannelMessage(ctx context.Context, channelID, text string, files []events.OutboundFile) error {
	return nil
}

func (f *fakeRecoveryPlatform) Typing(ctx context.Context, channelID string) error { return nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReconcileHandlerRepublishesMissingEyeAndCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDMMessage(ctx, "m1", "c1", "u1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.UpsertDMMessage(ctx, "m2", "c1", "u1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.MarkEyeApplied(ctx, "m2"); err != nil {
		t.Fatalf("mark eye: %v", err)
	}
	if err := s.MarkProcessingDone(ctx, "m2"); err != nil {
		t.Fatalf("mark processing done: %v", err)
	}

	h := &ReconcileHandler{Store: s}
	if err := h.Handle(ctx, &events.Event{Type: events.TypeDMReconcileRun}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	claimed := map[string]bool{}
	for {
		ev, err := s.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ev == nil {
			break
		}
		var p events.DMIncomingPayload
		if err := events.DecodePayload(ev, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		claimed[p.MessageID] = true
		if err := s.MarkDone(ctx, ev.ID); err != nil {
			t.Fatalf("mark done: %v", err)
		}
	}

	if !claimed["m1"] || !claimed["m2"] {
		t.Fatalf("expected both m1 (missing eye) and m2 (missing check) republished, got %v", claimed)
	}
}

func TestReconcileHandlerSkipsAlreadyActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDMMessage(ctx, "m1", "c1", "u1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := s.Publish(ctx, events.PublishInput{
		Type: events.TypeDMIncoming,
		Lane: events.LaneInteractive,
		Payload: events.DMIncomingPayload{MessageID: "m1", ChannelID: "c1", AuthorID: "u1"},
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	h := &ReconcileHandler{Store: s}
	if err := h.Handle(ctx, &events.Event{Type: events.TypeDMReconcileRun}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	n := 0
	for {
		ev, err := s.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ev == nil {
			break
		}
		n++
		if err := s.MarkDone(ctx, ev.ID); err != nil {
			t.Fatalf("mark done: %v", err)
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly the one already-active event, got %d claimable", n)
	}
}

func TestRecoveryHandlerSeedsOffsetOnFirstRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fp := &fakeRecoveryPlatform{
		mostRecent: map[string]platform.Message{
			"c1": {ID: "m10", ChannelID: "c1", AuthorID: "u1", Text: "hi", Position: 100},
		},
	}
	h := &RecoveryHandler{Store: s, Platform: fp, Config: RecoveryConfig{AllowedUserIDs: []string{"u1"}, DMRoomIDs: map[string]string{"u1": "c1"}}}

	if err := h.Handle(ctx, &events.Event{Type: events.TypeDMRecoverRun}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	offset, err := s.GetOffset(ctx, "u1")
	if err != nil || offset == nil {
		t.Fatalf("expected a seeded offset, got %+v err=%v", offset, err)
	}
	if offset.Position != 100 || offset.MessageID != "m10" {
		t.Fatalf("unexpected seeded offset: %+v", offset)
	}

	// First run should not enqueue the seed message itself.
	ev, err := s.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no enqueued events on first (seed) run, got %+v", ev)
	}
}

func TestRecoveryHandlerPagesForwardAndEnqueuesEligibleMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AdvanceOffset(ctx, "u1", "m1", 10); err != nil {
		t.Fatalf("seed offset: %v", err)
	}

	fp := &fakeRecoveryPlatform{
		mostRecent: map[string]platform.Message{
			"c1": {ID: "m3", ChannelID: "c1", AuthorID: "u1", Text: "latest", Position: 30},
		},
		afterPages: map[string][]platform.Message{
			"c1": {
				{ID: "m2", ChannelID: "c1", AuthorID: "u1", Text: "hello", Position: 20},
				{ID: "m3", ChannelID: "c1", AuthorID: "u1", Text: "latest", Position: 30},
			},
		},
	}
	h := &RecoveryHandler{Store: s, Platform: fp, Config: RecoveryConfig{AllowedUserIDs: []string{"u1"}, DMRoomIDs: map[string]string{"u1": "c1"}}}

	if err := h.Handle(ctx, &events.Event{Type: events.TypeDMRecoverRun}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	offset, err := s.GetOffset(ctx, "u1")
	if err != nil || offset == nil || offset.Position != 30 {
		t.Fatalf("expected offset advanced to 30, got %+v err=%v", offset, err)
	}

	claimed := map[string]bool{}
	for {
		ev, err := s.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ev == nil {
			break
		}
		if ev.Lane != events.LaneRecovery {
			t.Fatalf("expected recovery lane, got %v", ev.Lane)
		}
		var p events.DMIncomingPayload
		if err := events.DecodePayload(ev, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		claimed[p.MessageID] = true
		if err := s.MarkDone(ctx, ev.ID); err != nil {
			t.Fatalf("mark done: %v", err)
		}
	}
	if !claimed["m2"] || !claimed["m3"] {
		t.Fatalf("expected m2 and m3 enqueued, got %v", claimed)
	}
}

func TestRecoveryHandlerSkipsBotAndOtherAuthors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AdvanceOffset(ctx, "u1", "m1", 10); err != nil {
		t.Fatalf("seed offset: %v", err)
	}

	fp := &fakeRecoveryPlatform{
		mostRecent: map[string]platform.Message{
			"c1": {ID: "m3", ChannelID: "c1", AuthorID: "u1", Text: "latest", Position: 30},
		},
		afterPages: map[string][]platform.Message{
			"c1": {
				{ID: "m2a", ChannelID: "c1", AuthorID: "bot1", AuthorIsBot: true, Text: "bot reply", Position: 15},
				{ID: "m2b", ChannelID: "c1", AuthorID: "other-user", Text: "not our user", Position: 20},
				{ID: "m3", ChannelID: "c1", AuthorID: "u1", Text: "latest", Position: 30},
			},
		},
	}
	h := &RecoveryHandler{Store: s, Platform: fp, Config: RecoveryConfig{AllowedUserIDs: []string{"u1"}, DMRoomIDs: map[string]string{"u1": "c1"}}}

	if err := h.Handle(ctx, &events.Event{Type: events.TypeDMRecoverRun}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	n := 0
	for {
		ev, err := s.ClaimNext(ctx, "w1")
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ev == nil {
			break
		}
		n++
		var p events.DMIncomingPayload
		if err := events.DecodePayload(ev, &p); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if p.MessageID != "m3" {
			t.Fatalf("expected only m3 enqueued, got %s", p.MessageID)
		}
		if err := s.MarkDone(ctx, ev.ID); err != nil {
			t.Fatalf("mark done: %v", err)
		}
	}
	if n != 1 {
		t.Fatalf("expected exactly 1 enqueued event, got %d", n)
	}
}

func TestRecoveryHandlerSkipsAlreadyProcessedMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AdvanceOffset(ctx, "u1", "m1", 10); err != nil {
		t.Fatalf("seed offset: %v", err)
	}
	if err := s.UpsertDMMessage(ctx, "m2", "c1", "u1"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.MarkEyeApplied(ctx, "m2"); err != nil {
		t.Fatalf("mark eye: %v", err)
	}
	if err := s.MarkProcessingDone(ctx, "m2"); err != nil {
		t.Fatalf("mark processing done: %v", err)
	}
	if err := s.MarkCheckApplied(ctx, "m2"); err != nil {
		t.Fatalf("mark check: %v", err)
	}

	fp := &fakeRecoveryPlatform{
		mostRecent: map[string]platform.Message{
			"c1": {ID: "m2", ChannelID: "c1", AuthorID: "u1", Text: "hello", Position: 20},
		},
		afterPages: map[string][]platform.Message{
			"c1": {
				{ID: "m2", ChannelID: "c1", AuthorID: "u1", Text: "hello", Position: 20},
			},
		},
	}
	h := &RecoveryHandler{Store: s, Platform: fp, Config: RecoveryConfig{AllowedUserIDs: []string{"u1"}, DMRoomIDs: map[string]string{"u1": "c1"}}}

	if err := h.Handle(ctx, &events.Event{Type: events.TypeDMRecoverRun}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	ev, err := s.ClaimNext(ctx, "w1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no re-enqueue of an already-settled message, got %+v", ev)
	}
}

func TestRecoveryHandlerSkipsUserWithNoDMRoomConfigured(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fp := &fakeRecoveryPlatform{
		mostRecent: map[string]platform.Message{
			"c1": {ID: "m10", ChannelID: "c1", AuthorID: "u1", Text: "hi", Position: 100},
		},
	}
	h := &RecoveryHandler{Store: s, Platform: fp, Config: RecoveryConfig{AllowedUserIDs: []string{"u1"}}}

	if err := h.Handle(ctx, &events.Event{Type: events.TypeDMRecoverRun}); err != nil {
		t.Fatalf("handle: %v", err)
	}

	offset, err := s.GetOffset(ctx, "u1")
	if err != nil {
		t.Fatalf("get offset: %v", err)
	}
	if offset != nil {
		t.Fatalf("expected no offset seeded when no dm room is configured, got %+v", offset)
	}
}

func TestRunnerTriggerRecoveryPublishesEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &Runner{Store: s}
	r.TriggerRecovery(ctx)

	ev, err := s.ClaimNext(ctx, "w1")
	if err != nil || ev == nil {
		t.Fatalf("expected a dm.recover.run event, got %v err=%v", ev, err)
	}
	if ev.Type != events.TypeDMRecoverRun {
		t.Fatalf("expected dm.recover.run, got %v", ev.Type)
	}
}
