// Command loopwire is the bridge daemon's entry point: it runs the
// daemon by default, or dispatches to the send/schedule one-shot
// subcommands.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "loopwire:", err)
		os.Exit(1)
	}
}

// newRootCmd builds the root loopwire command with every subcommand
// attached. Running loopwire with no subcommand behaves like `loopwire
// daemon`.
func newRootCmd() *cobra.Command {
	var configPath, dataDir string

	cmd := &cobra.Command{
		Use:           "loopwire",
		Short:         "Personal-agent bridge daemon",
		Long:          "loopwire bridges direct messages on a chat platform to a local agent CLI running in a sandbox, and fires scheduled prompts on cron triggers.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), configPath, dataDir)
		},
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the settings JSON file (default <data-dir>/settings.json)")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "tmp/cc-discord-bot", "Path to the daemon's persisted-state directory")

	cmd.AddCommand(
		newDaemonCmd(&configPath, &dataDir),
		newSendCmd(&dataDir),
		newScheduleCmd(&configPath, &dataDir),
	)

	return cmd
}
