package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loopwire-labs/loopwire/internal/events"
	"github.com/loopwire-labs/loopwire/internal/store"
)

// newSendCmd creates the "loopwire send <userId> [message]" subcommand:
// it enqueues a one-off outbound.dm.request event for the running
// daemon's worker to deliver.
func newSendCmd(dataDir *string) *cobra.Command {
	var files []string

	cmd := &cobra.Command{
		Use:   "send <userId> [message]",
		Short: "Enqueue a one-off outbound DM",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID := args[0]
			message := strings.Join(args[1:], " ")
			if message == "" && len(files) == 0 {
				return fmt.Errorf("send requires a message or at least one --file")
			}

			s, err := store.Open(filepath.Join(*dataDir, "event-bus.sqlite3"))
			if err != nil {
				return fmt.Errorf("open event store: %w", err)
			}
			defer s.Close()

			var attachments []events.OutboundFile
			for _, f := range files {
				attachments = append(attachments, events.OutboundFile{Path: f, Name: filepath.Base(f)})
			}

			requestID := uuid.NewString()
			_, err = s.Publish(context.Background(), events.PublishInput{
				Type:      events.TypeOutboundDM,
				Lane:      events.LaneInteractive,
				DedupeKey: fmt.Sprintf("outbound:manual:%s", requestID),
				Payload: events.OutboundDMRequestPayload{
					RequestID: requestID,
					Source:    events.OutboundSourceManual,
					Text:      message,
					UserID:    userID,
					Files:     attachments,
				},
			})
			if err != nil {
				return fmt.Errorf("publish manual send: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "enqueued outbound send %s to %s\n", requestID, userID)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&files, "file", nil, "Path to a file to attach (repeatable)")
	return cmd
}
