package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"simgate/internal/app"
	"simgate/internal/domain"
	"simgate/internal/repo"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	cmd.AddCommand(keysCreateCmd())
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysRevokeCmd())
	return cmd
}

func keysCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue a new API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				raw, key, err := a.Auth.IssueKey(ctx, name)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(map[string]any{"key": raw, "key_id": key.ID, "name": key.Name})
				}
				fmt.Printf("key:    %s\nkey id: %s\n", raw, key.ID)
				fmt.Println("The key is shown once; store it now.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable(table.Row{"ID", "Name", "Created", "Revoked"})
				for _, k := range keys {
					revoked := ""
					if k.RevokedAt != nil {
						revoked = humanize.Time(*k.RevokedAt)
					}
					tw.AppendRow(table.Row{k.ID, k.Name, humanize.Time(k.CreatedAt), revoked})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func keysRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Auth.Revoke(ctx, args[0], "cli"); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	}
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sessions", Short: "Inspect payment sessions"}
	var f repo.SessionFilters
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List payment sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.SessionStatus(status)
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sessions, err := a.Engine.Repo.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				now := time.Now()
				for i := range sessions {
					sessions[i].Status = sessions[i].EffectiveStatus(now)
				}
				if v.GetBool("json") {
					return printJSON(sessions)
				}
				tw := newTable(table.Row{"Session", "Caller", "Provider", "Job", "Amount", "Status", "Expires"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{
						s.ID, s.CallerKey, s.Provider, shortRef(s.JobReference),
						fmt.Sprintf("%.2f %s", float64(s.AmountCents)/100, s.Currency),
						s.Status, humanize.Time(s.ExpiresAt),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.CallerKey, "caller", "", "API key id")
	list.Flags().StringVar(&status, "status", "", "pending, ready or expired (stored status)")
	list.Flags().IntVarP(&f.Limit, "limit", "n", 50, "maximum rows")
	cmd.AddCommand(list)
	return cmd
}

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tokens", Short: "Inspect payment tokens"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <session-id>",
		Short: "Show the token issued for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tok, err := a.Engine.Repo.GetTokenBySession(ctx, nil, args[0])
				if errors.Is(err, repo.ErrNotFound) {
					return fmt.Errorf("no token issued for session %s", args[0])
				}
				if err != nil {
					return err
				}
				tok.Status = tok.EffectiveStatus(time.Now())
				if v.GetBool("json") {
					return printJSON(tok)
				}
				tw := newTable(table.Row{"Token", "Session", "Status", "Issued", "Expires"})
				tw.AppendRow(table.Row{tok.Token, tok.SessionID, tok.Status, humanize.Time(tok.IssuedAt), humanize.Time(tok.ExpiresAt)})
				tw.Render()
				return nil
			})
		},
	})
	return cmd
}

func shortRef(s string) string {
	if len(s) > 16 {
		return s[:12] + "…"
	}
	return s
}
