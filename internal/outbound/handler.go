// Package outbound implements the outbound sender: chunked delivery
// with the scheduler no-fallback rule, file-attached composite sends,
// and the terminal/retryable classification for chat platform send
// failures.
package outbound

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/platform"
)

// Config carries the fallback text used when a send has no chunks to
// deliver and the source isn't the scheduler.
type Config struct {
	FallbackMessage string
}

// Handler implements C6 against a platform Gateway.
type Handler struct {
	Platform platform.Gateway
	Config   Config
}

// Handle processes one outbound.dm.request event.
func (h *Handler) Handle(ctx context.Context, ev *events.Event) error {
	var payload events.OutboundDMRequestPayload
	if err := events.DecodePayload(ev, &payload); err != nil {
		return events.Terminal(err)
	}

	chunks := SplitMessage(payload.Text)
	if len(chunks) == 0 {
		return h.handleNoChunks(ctx, payload)
	}

	send := func(text string, files []events.OutboundFile) error {
		if payload.UserID != "" {
			return h.Platform.SendUserDM(ctx, payload.UserID, text, files)
		}
		return h.Platform.SendChannelMessage(ctx, payload.ChannelID, text, files)
	}

	for i, chunk := range chunks {
		var files []events.OutboundFile
		if i == 0 {
			files = payload.Files
		}
		if err := send(chunk, files); err != nil {
			return classifySendError(err)
		}
	}

	return nil
}

func (h *Handler) handleNoChunks(ctx context.Context, payload events.OutboundDMRequestPayload) error {
	// A file-only send (no text at all) still needs the composite sent
	// even though SplitMessage produced zero chunks for an empty body.
	if len(payload.Files) > 0 {
		send := func() error {
			if payload.UserID != "" {
				return h.Platform.SendUserDM(ctx, payload.UserID, "", payload.Files)
			}
			return h.Platform.SendChannelMessage(ctx, payload.ChannelID, "", payload.Files)
		}
		if err := send(); err != nil {
			return classifySendError(err)
		}
		return nil
	}

	if payload.Source == events.OutboundSourceScheduler {
		slog.Info("scheduler outbound produced no chunks, skipping with no fallback", "request_id", payload.RequestID)
		return nil
	}

	if h.Config.FallbackMessage == "" {
		return nil
	}

	var err error
	if payload.UserID != "" {
		err = h.Platform.SendUserDM(ctx, payload.UserID, h.Config.FallbackMessage, nil)
	} else {
		err = h.Platform.SendChannelMessage(ctx, payload.ChannelID, h.Config.FallbackMessage, nil)
	}
	if err != nil {
		return classifySendError(err)
	}
	return nil
}

// classifySendError applies §4.4's terminal-code set, plus the
// DM-specific "channel not sendable" terminal case from §4.6.
func classifySendError(err error) error {
	if platform.IsTerminalCode(err) {
		return events.Terminal(err)
	}
	if strings.Contains(err.Error(), "channel not sendable") {
		return events.Terminal(err)
	}
	return events.Retryable(err)
}
