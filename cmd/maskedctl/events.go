package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/acme/masked-call/internal/app"
	"github.com/acme/masked-call/internal/queue"
)

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func newEventsCmd(configPath *string) *cobra.Command {
	var (
		session   string
		fromStart bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Tail lifecycle events from Kafka",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter uuid.UUID
			if session != "" {
				id, err := uuid.Parse(session)
				if err != nil {
					return fmt.Errorf("invalid session id %q", session)
				}
				filter = id
			}
			return withContainer(cmd, *configPath, func(ctx context.Context, c *app.Container) error {
				if c.Kafka == nil {
					return errors.New("kafka is not configured")
				}
				// A throwaway group spans every partition without moving any
				// real consumer's offsets.
				reader := c.Kafka.NewReader(c.Config.Kafka.StatusTopic, "maskedctl-"+uuid.NewString(), fromStart)
				defer reader.Close()
				return tailEvents(ctx, reader, cmd.OutOrStdout(), filter, limit)
			})
		},
	}

	cmd.Flags().StringVar(&session, "session", "", "only show events for this session id")
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "read the topic from the earliest offset")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "stop after this many events (0 = follow)")
	return cmd
}

func tailEvents(ctx context.Context, reader messageReader, out io.Writer, session uuid.UUID, limit int) error {
	shown := 0
	for limit <= 0 || shown < limit {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}

		var event queue.LifecycleEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			fmt.Fprintf(out, "skipping undecodable message at offset %d\n", msg.Offset)
			continue
		}
		if session != uuid.Nil && event.SessionID != session {
			continue
		}

		fmt.Fprintln(out, formatEvent(event))
		shown++
	}
	return nil
}

func formatEvent(e queue.LifecycleEvent) string {
	line := fmt.Sprintf("%s %-17s session=%s", e.OccurredAt.Format("15:04:05.000"), e.Type, e.SessionID)
	if e.Provider != "" {
		line += fmt.Sprintf(" provider=%s attempt=%d", e.Provider, e.AttemptNumber)
	}
	if e.Status != "" {
		line += " status=" + e.Status
	}
	if e.FinalStatus != "" {
		line += " final=" + e.FinalStatus
	}
	if e.Reason != "" {
		line += " reason=" + e.Reason
	}
	if e.RetryInMs > 0 {
		line += fmt.Sprintf(" retry_in=%dms", e.RetryInMs)
	}
	return line
}
