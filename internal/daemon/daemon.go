// Package daemon assembles the bridge daemon's components — the event
// store, the agent-CLI gateway, the chat-platform connection
// supervisor, the worker loop, and the per-type handlers it dispatches
// to — and runs them until the process is asked to shut down.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/loopwire-labs/loopwire/internal/agentcli"
	"github.com/loopwire-labs/loopwire/internal/config"
	"github.com/loopwire-labs/loopwire/internal/dm"
	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/outbound"
	"github.com/loopwire-labs/loopwire/internal/platform"
	"github.com/loopwire-labs/loopwire/internal/recon"
	"github.com/loopwire-labs/loopwire/internal/schedule"
	"github.com/loopwire-labs/loopwire/internal/store"
	"github.com/loopwire-labs/loopwire/internal/worker"
)

// Options carries the resolved settings + environment a Daemon needs
// to assemble itself.
type Options struct {
	DataDir  string
	Settings *config.Settings
	Env      *config.Env

	// HomeserverURL and PromptTemplate/SystemPromptFile carry values
	// the settings file doesn't itself carry.
	HomeserverURL    string
	PromptTemplate   string
	SystemPromptFile string
}

// Daemon is the assembled bridge daemon.
type Daemon struct {
	opts Options

	store      *store.Store
	agent      *agentcli.Gateway
	platformGW platform.Gateway
	supervisor *platform.Supervisor
	worker     *worker.Worker
	scheduler  *schedule.Scheduler
	recon      *recon.Runner
}

// New wires every component together but starts nothing — call Run to
// start the event loop.
func New(opts Options) (*Daemon, error) {
	dbPath := filepath.Join(opts.DataDir, "event-bus.sqlite3")
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	agentCfg := agentcli.Config{
		EnableSandbox:    opts.Settings.SandboxEnabled(),
		ClaudeTimeout:    time.Duration(opts.Settings.ClaudeTimeoutSeconds) * time.Second,
		Env:              opts.Settings.Env,
		DataDir:          opts.DataDir,
		PromptTemplate:   opts.PromptTemplate,
		SystemPromptFile: opts.SystemPromptFile,
		ProjectWorkspace: opts.DataDir,
	}
	agent := agentcli.New(agentCfg)

	mgw := platform.NewMautrixGateway(platform.MautrixConfig{
		HomeserverURL:   opts.HomeserverURL,
		UserID:          opts.Env.MatrixUserID,
		CredentialsPath: filepath.Join(opts.DataDir, "matrix_credentials.json"),
	})

	d := &Daemon{
		opts:       opts,
		store:      s,
		agent:      agent,
		platformGW: mgw,
	}

	heartbeat := time.Duration(opts.Settings.HeartbeatIntervalSeconds) * time.Second
	grace := time.Duration(opts.Settings.ReconnectGraceSeconds) * time.Second
	d.supervisor = platform.New(mgw, heartbeat, grace, d.onInboundDM)

	d.recon = &recon.Runner{Store: s}
	d.supervisor.OnReady = func() { d.recon.TriggerRecovery(context.Background()) }

	dmHandler := &dm.Handler{
		Store:    s,
		Platform: mgw,
		Agent:    agent,
		Config:   dm.Config{BypassMode: opts.Settings.BypassMode},
	}
	outboundHandler := &outbound.Handler{
		Platform: mgw,
		Config:   outbound.Config{FallbackMessage: "Sorry, I couldn't put together a reply for that."},
	}
	scheduleHandler := &schedule.Handler{
		Store: s,
		Agent: agent,
		Load: func() ([]schedule.Config, error) {
			fresh, err := config.Load(d.settingsPath())
			if err != nil {
				return nil, err
			}
			return fresh.Schedules(), nil
		},
		Config: schedule.HandlerConfig{
			BypassMode:   opts.Settings.BypassMode,
			NotifyUserID: firstOrEmpty(opts.Env.AllowedUserIDs),
		},
	}
	reconcileHandler := &recon.ReconcileHandler{Store: s}
	recoveryHandler := &recon.RecoveryHandler{
		Store:    s,
		Platform: mgw,
		Config: recon.RecoveryConfig{
			AllowedUserIDs: opts.Env.AllowedUserIDs,
			DMRoomIDs:      opts.Settings.DMRooms,
		},
	}

	d.worker = &worker.Worker{
		Store:    s,
		Ready:    d.supervisor,
		WorkerID: "loopwire-worker-1",
		Handlers: map[events.Type]worker.Handler{
			events.TypeDMIncoming:     dmHandler.Handle,
			events.TypeOutboundDM:     outboundHandler.Handle,
			events.TypeSchedulerFired: scheduleHandler.Handle,
			events.TypeDMReconcileRun: reconcileHandler.Handle,
			events.TypeDMRecoverRun:   recoveryHandler.Handle,
		},
	}

	d.scheduler = &schedule.Scheduler{Store: s, Schedules: opts.Settings.Schedules()}

	return d, nil
}

func (d *Daemon) settingsPath() string {
	return filepath.Join(d.opts.DataDir, "settings.json")
}

func firstOrEmpty(ss []string) string {
	if len(ss) == 0 {
		return ""
	}
	return ss[0]
}

// onInboundDM is the platform supervisor's OnDM callback: it publishes
// a dm.incoming event rather than handling the message inline, so the
// worker's durable queue — not the sync loop — owns the DM lifecycle.
// After a successful publish it advances the delivery offset of the
// user whose configured DM room the message arrived in.
func (d *Daemon) onInboundDM(msg platform.InboundMessage) {
	ctx := context.Background()
	if _, err := d.store.Publish(ctx, events.PublishInput{
		Type:     events.TypeDMIncoming,
		Lane:     events.LaneInteractive,
		Priority: 0,
		Payload: events.DMIncomingPayload{
			MessageID: msg.ID,
			ChannelID: msg.ChannelID,
			AuthorID:  msg.AuthorID,
		},
	}); err != nil {
		slog.Error("publish dm.incoming from inbound callback", "message_id", msg.ID, "error", err)
		return
	}
	for userID, roomID := range d.opts.Settings.DMRooms {
		if roomID == msg.ChannelID {
			if err := d.store.AdvanceOffset(ctx, userID, msg.ID, msg.Position); err != nil {
				slog.Warn("advance_offset from inbound callback", "user_id", userID, "error", err)
			}
			break
		}
	}
}

// Run starts the scheduler, the reconcile/recovery runner, the worker
// loop and the connection supervisor, and blocks until ctx is cancelled
// or the supervisor fails. All components stop on the same ctx; Run
// waits only for the supervisor to return before closing the event
// store.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("loopwire daemon starting", "data_dir", d.opts.DataDir)

	go d.scheduler.Run(ctx)
	go d.recon.Run(ctx)
	go d.worker.Run(ctx)

	supervisorErr := make(chan error, 1)
	go func() { supervisorErr <- d.supervisor.Run(ctx, d.opts.Env.BotToken) }()

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down loopwire daemon")
		<-supervisorErr
	case err := <-supervisorErr:
		if err != nil && ctx.Err() == nil {
			d.store.Close()
			return fmt.Errorf("connection supervisor: %w", err)
		}
	}

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("close event store: %w", err)
	}

	slog.Info("loopwire daemon stopped")
	return nil
}
