package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/loopwire-labs/loopwire/internal/agentcli"
	"github.com/loopwire-labs/loopwire/internal/config"
	"github.com/loopwire-labs/loopwire/internal/schedule"
)

// newScheduleCmd creates the "loopwire schedule <name>" subcommand: it
// runs one named schedule synchronously, outside the daemon's queue,
// and prints the agent's cleaned response to stdout.
func newScheduleCmd(configPath, dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule <name>",
		Short: "Run a named schedule once and print its output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			cp := *configPath
			if cp == "" {
				cp = filepath.Join(*dataDir, "settings.json")
			}
			settings, err := config.Load(cp)
			if err != nil {
				return err
			}

			var sched *schedule.Config
			for _, s := range settings.Schedules() {
				s := s
				if s.Name == name {
					sched = &s
					break
				}
			}
			if sched == nil {
				return fmt.Errorf("no schedule named %q in %s", name, cp)
			}

			agent := agentcli.New(agentcli.Config{
				EnableSandbox:    settings.SandboxEnabled(),
				ClaudeTimeout:    time.Duration(settings.ClaudeTimeoutSeconds) * time.Second,
				Env:              settings.Env,
				DataDir:          *dataDir,
				PromptTemplate:   filepath.Join(*dataDir, "prompt.tmpl"),
				SystemPromptFile: filepath.Join(*dataDir, "system_prompt.md"),
				ProjectWorkspace: *dataDir,
			})

			target := agentcli.MainSession
			if sched.SessionMode == "isolated" {
				target = agentcli.IsolatedSession(sched.Name)
			}

			res, err := agent.SendToAgent(context.Background(), sched.Prompt, agentcli.Options{
				BypassMode:    settings.BypassMode,
				Source:        agentcli.SourceScheduler,
				SessionTarget: target,
			})
			if err != nil {
				return fmt.Errorf("run schedule %q: %w", name, err)
			}

			cleaned := schedule.StripThinkTags(res.Response)
			fmt.Fprintln(cmd.OutOrStdout(), cleaned)
			return nil
		},
	}
}
