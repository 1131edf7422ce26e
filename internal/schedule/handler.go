package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopwire-labs/loopwire/internal/agentcli"
	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/store"
)

// SettingsLoader re-reads the settings file's schedules[] list. The
// worker handler calls this on every firing rather than caching the
// list, so a settings edit takes effect on the next fire without a
// daemon restart.
type SettingsLoader func() ([]Config, error)

// HandlerConfig is the daemon-wide pieces the fired-event handler needs
// beyond the schedule definition itself.
type HandlerConfig struct {
	BypassMode   bool
	NotifyUserID string // destination for discord_notify outbounds
}

// Handler reacts to scheduler.triggered events: building the prompt,
// running it through the agent, and publishing a notify outbound.
type Handler struct {
	Store   *store.Store
	Agent   *agentcli.Gateway
	Load    SettingsLoader
	Config  HandlerConfig
}

// Handle processes one scheduler.triggered event.
func (h *Handler) Handle(ctx context.Context, ev *events.Event) error {
	var payload events.SchedulerFiredPayload
	if err := events.DecodePayload(ev, &payload); err != nil {
		return events.Terminal(err)
	}

	if time.Now().After(payload.ExpiresAt) {
		slog.Warn("scheduler firing expired, skipping", "schedule", payload.ScheduleName, "triggered_at", payload.TriggeredAt)
		return nil
	}

	schedules, err := h.Load()
	if err != nil {
		return events.Retryable(fmt.Errorf("reload settings: %w", err))
	}

	sched, ok := findSchedule(schedules, payload.ScheduleName)
	if !ok {
		return events.Terminalf("schedule %q no longer exists in settings", payload.ScheduleName)
	}

	target := agentcli.MainSession
	if sched.SessionMode == "isolated" {
		target = agentcli.IsolatedSession(sched.Name)
	}

	res, err := h.Agent.SendToAgent(ctx, sched.Prompt, agentcli.Options{
		BypassMode:    h.Config.BypassMode,
		Source:        agentcli.SourceScheduler,
		SessionTarget: target,
	})
	if err != nil {
		return h.handleAgentError(ctx, sched, payload, err)
	}

	cleaned := StripThinkTags(res.Response)
	if sched.Skippable && IsSkipResponse(cleaned) {
		slog.Info("schedule response marked [SKIP], not publishing outbound", "schedule", sched.Name)
		return nil
	}

	if !sched.DiscordNotify {
		return nil
	}

	_, err = h.Store.Publish(ctx, events.PublishInput{
		Type:      events.TypeOutboundDM,
		Lane:      events.LaneScheduled,
		DedupeKey: dedupeKeyFor(sched.Name, payload.TriggeredAt),
		Payload: events.OutboundDMRequestPayload{
			RequestID: sched.Name,
			Source:    events.OutboundSourceScheduler,
			Text:      cleaned,
			UserID:    h.Config.NotifyUserID,
		},
	})
	if err != nil {
		return events.Retryable(err)
	}
	return nil
}

// handleAgentError logs every scheduler-originated failure but only
// surfaces an outbound for the auth-error path — the one failure mode
// the operator needs to act on directly, since it means every future
// firing will fail the same way until credentials are fixed.
func (h *Handler) handleAgentError(ctx context.Context, sched Config, payload events.SchedulerFiredPayload, cause error) error {
	slog.Error("schedule agent call failed", "schedule", sched.Name, "error", cause)

	if agentcli.IsAuthError(cause) && sched.DiscordNotify {
		_, pubErr := h.Store.Publish(ctx, events.PublishInput{
			Type:      events.TypeOutboundDM,
			Lane:      events.LaneScheduled,
			DedupeKey: dedupeKeyFor(sched.Name, payload.TriggeredAt) + ":auth_error",
			Payload: events.OutboundDMRequestPayload{
				RequestID: sched.Name,
				Source:    events.OutboundSourceAuthError,
				Text:      fmt.Sprintf("Schedule %q could not run: agent is not logged in.", sched.Name),
				UserID:    h.Config.NotifyUserID,
			},
		})
		if pubErr != nil {
			slog.Warn("publish schedule auth-error outbound", "schedule", sched.Name, "error", pubErr)
		}
	}

	return events.Terminal(cause)
}

func findSchedule(schedules []Config, name string) (Config, bool) {
	for _, s := range schedules {
		if s.Name == name {
			return s, true
		}
	}
	return Config{}, false
}
