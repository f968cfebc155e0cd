package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/acme/masked-call/internal/app"
	"github.com/acme/masked-call/internal/domain"
)

func withContainer(cmd *cobra.Command, configPath string, fn func(ctx context.Context, c *app.Container) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := app.Build(ctx, configPath)
	if err != nil {
		return err
	}
	defer c.Close(context.Background())
	return fn(ctx, c)
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newInfoCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show provider order and retry settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, *configPath, func(_ context.Context, c *app.Container) error {
				return printJSON(cmd.OutOrStdout(), c.Services().Orchestrator.ServiceInfo())
			})
		},
	}
}

func newHealthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe every configured provider once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withContainer(cmd, *configPath, func(ctx context.Context, c *app.Container) error {
				return printJSON(cmd.OutOrStdout(), c.Services().Orchestrator.CheckServiceHealth(ctx))
			})
		},
	}
}

func newSessionCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "session <id>",
		Short: "Show a session and its attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			return withContainer(cmd, *configPath, func(ctx context.Context, c *app.Container) error {
				session, err := c.Services().Orchestrator.GetSession(ctx, id)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), formatSession(session))
				return nil
			})
		},
	}
}

func newCancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Mark a session obsolete so pending retries stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid session id %q", args[0])
			}
			return withContainer(cmd, *configPath, func(ctx context.Context, c *app.Container) error {
				if _, err := c.Services().Orchestrator.CancelSession(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session %s marked obsolete\n", id)
				return nil
			})
		},
	}
}

func formatSession(s *domain.CallSession) string {
	out := fmt.Sprintf("session  %s\nstatus   %s\nvirtual  %s\ncreated  %s\n",
		s.ID, s.FinalStatus, orDash(s.VirtualNumber), s.CreatedAt.Format(time.RFC3339))
	if s.CompletedAt != nil {
		out += fmt.Sprintf("finished %s\n", s.CompletedAt.Format(time.RFC3339))
	}
	if s.Obsolete {
		out += "obsolete yes\n"
	}
	for _, a := range s.Attempts {
		line := fmt.Sprintf("  #%d %-7s %-11s ref=%s", a.AttemptNumber, a.Provider, a.Status, orDash(a.ProviderCallRef))
		if a.DurationSeconds != nil {
			line += fmt.Sprintf(" duration=%ds", *a.DurationSeconds)
		}
		if a.FailureReason != nil {
			line += " reason=" + *a.FailureReason
		}
		out += line + "\n"
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
