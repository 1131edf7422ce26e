package outbound

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/platform"
)

type fakeSender struct {
	sentTexts []string
	sentFiles [][]events.OutboundFile
	failWith  error
}

func (f *fakeSender) SetHandlers(h platform.Handlers)                          {}
func (f *fakeSender) Login(ctx context.Context, t string) error                { return nil }
func (f *fakeSender) Close() error                                             { return nil }
func (f *fakeSender) Ping(ctx context.Context) (time.Duration, error)          { return 0, nil }
func (f *fakeSender) FetchDMChannel(ctx context.Context, id string) (platform.Channel, error) {
	return platform.Channel{}, nil
}
func (f *fakeSender) FetchMessage(ctx context.Context, c, m string) (platform.Message, error) {
	return platform.Message{}, nil
}
func (f *fakeSender) FetchMessagesAfter(ctx context.Context, c, a string, limit int) ([]platform.Message, error) {
	return nil, nil
}
func (f *fakeSender) FetchMostRecentMessage(ctx context.Context, roomID string) (platform.Message, bool, error) {
	return platform.Message{}, false, nil
}
func (f *fakeSender) AddReaction(ctx context.Context, c, m, e string) error { return nil }

func (f *fakeSender) SendUserDM(ctx context.Context, userID, text string, files []events.OutboundFile) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.sentTexts = append(f.sentTexts, text)
	f.sentFiles = append(f.sentFiles, files)
	return nil
}

func (f *fakeSender) SendChannelMessage(ctx context.Context, channelID, text string, files []events.OutboundFile) error {
	return f.SendUserDM(ctx, channelID, text, files)
}

func (f *fakeSender) Typing(ctx context.Context, c string) error { return nil }

func outboundEvent(t *testing.T, payload events.OutboundDMRequestPayload) *events.Event {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &events.Event{ID: 1, Type: events.TypeOutboundDM, Payload: b}
}

func TestHandleSendsEachChunkInOrder(t *testing.T) {
	sender := &fakeSender{}
	h := &Handler{Platform: sender}

	longText := ""
	for i := 0; i < 500; i++ {
		longText += "word "
	}
	ev := outboundEvent(t, events.OutboundDMRequestPayload{UserID: "u1", Source: events.OutboundSourceDMReply, Text: longText})

	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sender.sentTexts) == 0 {
		t.Fatalf("expected at least one chunk sent")
	}
}

func TestHandleSchedulerSourceNoChunksNoFallback(t *testing.T) {
	sender := &fakeSender{}
	h := &Handler{Platform: sender, Config: Config{FallbackMessage: "fallback"}}

	ev := outboundEvent(t, events.OutboundDMRequestPayload{UserID: "u1", Source: events.OutboundSourceScheduler, Text: "   "})
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sender.sentTexts) != 0 {
		t.Fatalf("expected no fallback for scheduler source, got %v", sender.sentTexts)
	}
}

func TestHandleNonSchedulerSourceSendsFallback(t *testing.T) {
	sender := &fakeSender{}
	h := &Handler{Platform: sender, Config: Config{FallbackMessage: "fallback"}}

	ev := outboundEvent(t, events.OutboundDMRequestPayload{UserID: "u1", Source: events.OutboundSourceDMReply, Text: "   "})
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sender.sentTexts) != 1 || sender.sentTexts[0] != "fallback" {
		t.Fatalf("expected fallback sent, got %v", sender.sentTexts)
	}
}

func TestHandleFileOnlySendIsComposite(t *testing.T) {
	sender := &fakeSender{}
	h := &Handler{Platform: sender}

	files := []events.OutboundFile{{Path: "/tmp/a.txt", Name: "a.txt"}}
	ev := outboundEvent(t, events.OutboundDMRequestPayload{UserID: "u1", Source: events.OutboundSourceManual, Text: "", Files: files})
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(sender.sentFiles) != 1 || len(sender.sentFiles[0]) != 1 {
		t.Fatalf("expected the file-only composite to be sent once, got %v", sender.sentFiles)
	}
}

func TestHandleTerminalErrorClassification(t *testing.T) {
	sender := &fakeSender{failWith: &platform.CodeError{Code: 10003, Err: fmt.Errorf("unknown channel")}}
	h := &Handler{Platform: sender}

	ev := outboundEvent(t, events.OutboundDMRequestPayload{UserID: "u1", Source: events.OutboundSourceDMReply, Text: "hello"})
	err := h.Handle(context.Background(), ev)
	if _, ok := events.AsTerminal(err); !ok {
		t.Fatalf("expected terminal error, got %v (%T)", err, err)
	}
}
