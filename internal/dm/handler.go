// Package dm implements the DM lifecycle state machine: upsert, eye
// reaction, agent dispatch under the empty-response retry wrapper,
// outbound publish, and check reaction — each step gated by durable DM
// state so replay after a crash skips finished work instead of
// repeating it.
package dm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loopwire-labs/loopwire/internal/agentcli"
	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/platform"
	"github.com/loopwire-labs/loopwire/internal/store"
)

const (
	typingInterval        = 9 * time.Second
	authRecoveryMaxLength = 1900
)

const authRecoveryText = "I'm not logged in to the agent CLI right now. " +
	"Please run `/login` in the agent CLI's sandbox session, then send your message again."

// Config carries the per-call settings the handler needs.
type Config struct {
	BypassMode bool
}

// Handler implements C5 against a Store, a platform Gateway, and the
// agent-CLI Gateway.
type Handler struct {
	Store    *store.Store
	Platform platform.Gateway
	Agent    *agentcli.Gateway
	Config   Config
}

// Handle processes one dm.incoming event.
func (h *Handler) Handle(ctx context.Context, ev *events.Event) error {
	var payload events.DMIncomingPayload
	if err := events.DecodePayload(ev, &payload); err != nil {
		return events.Terminal(err)
	}

	if err := h.Store.UpsertDMMessage(ctx, payload.MessageID, payload.ChannelID, payload.AuthorID); err != nil {
		return events.Retryable(err)
	}

	state, err := h.Store.GetDMMessage(ctx, payload.MessageID)
	if err != nil {
		return events.Retryable(err)
	}
	if state == nil || state.TerminalFailed {
		return nil
	}

	channel, err := h.Platform.FetchDMChannel(ctx, payload.ChannelID)
	if err != nil {
		return h.failFetch(ctx, payload.MessageID, err)
	}
	if !channel.IsDM {
		return h.terminalFail(ctx, payload.MessageID, fmt.Errorf("channel %s is not DM-capable", payload.ChannelID))
	}

	msg, err := h.Platform.FetchMessage(ctx, payload.ChannelID, payload.MessageID)
	if err != nil {
		return h.failFetch(ctx, payload.MessageID, err)
	}

	if !state.EyeApplied {
		if err := h.applyReaction(ctx, payload.ChannelID, payload.MessageID, platform.ReactionEye); err != nil {
			return h.classifyReactionError(ctx, payload.MessageID, err)
		}
		if err := h.Store.MarkEyeApplied(ctx, payload.MessageID); err != nil {
			return events.Retryable(err)
		}
	}

	if !state.ProcessingDone {
		if err := h.process(ctx, payload, msg); err != nil {
			return err
		}
	}

	if !state.CheckApplied {
		if err := h.applyReaction(ctx, payload.ChannelID, payload.MessageID, platform.ReactionCheck); err != nil {
			return h.classifyReactionError(ctx, payload.MessageID, err)
		}
		if err := h.Store.MarkCheckApplied(ctx, payload.MessageID); err != nil {
			return events.Retryable(err)
		}
	}

	return nil
}

func (h *Handler) applyReaction(ctx context.Context, channelID, messageID, emoji string) error {
	return h.Platform.AddReaction(ctx, channelID, messageID, emoji)
}

func (h *Handler) classifyReactionError(ctx context.Context, messageID string, err error) error {
	if platform.IsTerminalCode(err) {
		return h.terminalFail(ctx, messageID, err)
	}
	return events.Retryable(err)
}

func (h *Handler) failFetch(ctx context.Context, messageID string, err error) error {
	msg := err.Error()
	if platform.IsTerminalCode(err) ||
		strings.Contains(msg, "channel not found") ||
		strings.Contains(msg, "not DM-capable") ||
		strings.Contains(msg, "message not found") {
		return h.terminalFail(ctx, messageID, err)
	}
	return events.Retryable(err)
}

// terminalFail settles the DM-state side effects (❌ reaction +
// mark_dm_terminal_failure) and returns a terminal error for the
// worker's dead-letter policy.
func (h *Handler) terminalFail(ctx context.Context, messageID string, cause error) error {
	state, err := h.Store.GetDMMessage(ctx, messageID)
	if err == nil && state != nil {
		if err := h.Platform.AddReaction(ctx, state.ChannelID, messageID, platform.ReactionCross); err != nil {
			slog.Warn("apply cross reaction on terminal failure", "message_id", messageID, "error", err)
		}
	}
	if err := h.Store.MarkTerminalFailed(ctx, messageID, cause.Error()); err != nil {
		slog.Warn("mark_dm_terminal_failure", "message_id", messageID, "error", err)
	}
	return events.Terminal(cause)
}

// process runs step 5: command interception, then the empty-response
// wrapped agent call, then outbound publish + mark_processing_done.
func (h *Handler) process(ctx context.Context, payload events.DMIncomingPayload, msg platform.Message) error {
	stopTyping := h.startTyping(ctx, payload.ChannelID)
	defer stopTyping()

	trimmed := strings.TrimSpace(msg.Text)

	if reply, handled, err := h.interceptCommand(ctx, trimmed); handled {
		if err != nil {
			return h.terminalFail(ctx, payload.MessageID, err)
		}
		if err := h.Platform.SendUserDM(ctx, payload.AuthorID, reply, nil); err != nil {
			return events.Retryable(err)
		}
		return h.Store.MarkProcessingDone(ctx, payload.MessageID)
	}

	res, err := h.Agent.SendWithEmptyRetry(ctx, trimmed, agentcli.Options{
		BypassMode:    h.Config.BypassMode,
		Source:        agentcli.SourceDM,
		AuthorID:      payload.AuthorID,
		SessionTarget: agentcli.MainSession,
	})
	if err != nil {
		return h.handleAgentError(ctx, payload.MessageID, payload.AuthorID, err)
	}

	if _, err := h.Store.Publish(ctx, events.PublishInput{
		Type:      events.TypeOutboundDM,
		Lane:      events.LaneInteractive,
		Priority:  0,
		DedupeKey: fmt.Sprintf("outbound:%s:reply", payload.MessageID),
		Payload: events.OutboundDMRequestPayload{
			RequestID: payload.MessageID,
			Source:    events.OutboundSourceDMReply,
			Text:      res.Response,
			UserID:    payload.AuthorID,
		},
	}); err != nil {
		return events.Retryable(err)
	}

	return h.Store.MarkProcessingDone(ctx, payload.MessageID)
}

// handleAgentError implements the three error branches of step 5.
func (h *Handler) handleAgentError(ctx context.Context, messageID, authorID string, err error) error {
	if agentcli.IsAuthError(err) {
		text := truncate(authRecoveryText, authRecoveryMaxLength)
		if _, pubErr := h.Store.Publish(ctx, events.PublishInput{
			Type:      events.TypeOutboundDM,
			Lane:      events.LaneInteractive,
			DedupeKey: fmt.Sprintf("outbound:%s:error", messageID),
			Payload: events.OutboundDMRequestPayload{
				RequestID: messageID,
				Source:    events.OutboundSourceAuthError,
				Text:      text,
				UserID:    authorID,
			},
		}); pubErr != nil {
			slog.Warn("publish auth-error outbound", "message_id", messageID, "error", pubErr)
		}
		return h.terminalFail(ctx, messageID, err)
	}

	if isAttachmentError(err) {
		if _, pubErr := h.Store.Publish(ctx, events.PublishInput{
			Type:      events.TypeOutboundDM,
			Lane:      events.LaneInteractive,
			DedupeKey: fmt.Sprintf("outbound:%s:error", messageID),
			Payload: events.OutboundDMRequestPayload{
				RequestID: messageID,
				Source:    events.OutboundSourceDMReply,
				Text:      fmt.Sprintf("Attachment error: %s", err),
				UserID:    authorID,
			},
		}); pubErr != nil {
			slog.Warn("publish attachment-error outbound", "message_id", messageID, "error", pubErr)
		}
		return h.terminalFail(ctx, messageID, err)
	}

	if setErr := h.Store.MarkTerminalFailed(ctx, messageID, err.Error()); setErr != nil {
		slog.Warn("set_dm_last_error", "message_id", messageID, "error", setErr)
	}
	return h.terminalFail(ctx, messageID, err)
}

func isAttachmentError(err error) bool {
	return strings.Contains(err.Error(), "attachment")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// interceptCommand handles !reset and !session before any agent call.
// handled=true means the caller should not fall through to the agent.
func (h *Handler) interceptCommand(ctx context.Context, trimmed string) (reply string, handled bool, err error) {
	switch trimmed {
	case "!reset":
		if err := h.Agent.ClearSession(agentcli.MainSession); err != nil {
			return "", true, err
		}
		return "Session cleared. Starting fresh conversation.", true, nil
	case "!session":
		id, err := h.Agent.CurrentSession(agentcli.MainSession)
		if err != nil {
			return "", true, err
		}
		if id == "" {
			return "No active session.", true, nil
		}
		return fmt.Sprintf("Current session id: %s", id), true, nil
	default:
		return "", false, nil
	}
}

// startTyping emits an immediate typing ping then one every
// typingInterval until the returned function is called.
func (h *Handler) startTyping(ctx context.Context, channelID string) func() {
	done := make(chan struct{})
	go func() {
		if err := h.Platform.Typing(ctx, channelID); err != nil {
			slog.Warn("typing indicator", "channel_id", channelID, "error", err)
		}
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.Platform.Typing(ctx, channelID); err != nil {
					slog.Warn("typing indicator", "channel_id", channelID, "error", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
