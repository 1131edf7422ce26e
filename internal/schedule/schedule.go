// Package schedule implements the scheduler: cron registration,
// scheduler-triggered event firing with TTL, and the worker-side
// handler that builds the prompt, strips <think> blocks, honors
// skippable schedules, and publishes the notify outbound.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/store"
)

// Config is one entry of the settings file's schedules[] list.
type Config struct {
	Name          string
	Cron          string
	Timezone      string
	Prompt        string
	DiscordNotify bool
	PromptFile    string
	Skippable     bool
	SessionMode   string // "main" (default) or "isolated"
}

// firingTTL is how long a scheduler.triggered event remains honorable
// after firing — past this, the worker treats a stale firing as missed
// rather than running it late.
const firingTTL = 15 * time.Minute

// Scheduler registers one cron job per configured schedule and
// publishes scheduler.triggered events as they fire.
type Scheduler struct {
	Store     *store.Store
	Schedules []Config
}

// Run blocks until ctx is cancelled, firing each schedule's cron job
// in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	for _, sched := range s.Schedules {
		go s.runOne(ctx, sched)
	}
	<-ctx.Done()
}

func (s *Scheduler) runOne(ctx context.Context, sched Config) {
	cron, err := ParseCronExpr(sched.Cron)
	if err != nil {
		slog.Error("invalid cron expression, schedule disabled", "schedule", sched.Name, "cron", sched.Cron, "error", err)
		return
	}
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		slog.Error("invalid timezone, schedule disabled", "schedule", sched.Name, "timezone", sched.Timezone, "error", err)
		return
	}

	for {
		next, err := cron.NextAfter(time.Now(), loc)
		if err != nil {
			slog.Error("cron next-fire computation failed, schedule disabled", "schedule", sched.Name, "error", err)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
		}

		triggeredAt := time.Now()
		_, err = s.Store.Publish(ctx, events.PublishInput{
			Type:     events.TypeSchedulerFired,
			Lane:     events.LaneScheduled,
			Priority: 0,
			Payload: events.SchedulerFiredPayload{
				ScheduleName: sched.Name,
				TriggeredAt:  triggeredAt,
				ExpiresAt:    triggeredAt.Add(firingTTL),
			},
		})
		if err != nil {
			slog.Error("publish scheduler.triggered", "schedule", sched.Name, "error", err)
		}
	}
}

// dedupeKeyFor builds the outbound dedupe key for a schedule firing's
// notification.
func dedupeKeyFor(name string, triggeredAt time.Time) string {
	return fmt.Sprintf("outbound:schedule:%s:%s", name, triggeredAt.UTC().Format(time.RFC3339Nano))
}
