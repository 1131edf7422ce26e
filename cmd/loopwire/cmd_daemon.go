package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loopwire-labs/loopwire/internal/config"
	"github.com/loopwire-labs/loopwire/internal/daemon"
)

// newDaemonCmd creates the explicit "loopwire daemon" subcommand — an
// alias for the root command's default behavior.
func newDaemonCmd(configPath, dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the full bridge pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), *configPath, *dataDir)
		},
	}
}

func runDaemon(ctx context.Context, configPath, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	if configPath == "" {
		configPath = filepath.Join(dataDir, "settings.json")
	}

	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}
	env, err := config.LoadEnv()
	if err != nil {
		return err
	}

	d, err := daemon.New(daemon.Options{
		DataDir:          dataDir,
		Settings:         settings,
		Env:              env,
		HomeserverURL:    os.Getenv("MATRIX_HOMESERVER_URL"),
		PromptTemplate:   filepath.Join(dataDir, "prompt.tmpl"),
		SystemPromptFile: filepath.Join(dataDir, "system_prompt.md"),
	})
	if err != nil {
		return fmt.Errorf("assemble daemon: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return d.Run(runCtx)
}
