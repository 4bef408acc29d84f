package main

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"simgate/internal/app"
	"simgate/internal/domain"
	"simgate/internal/repo"
)

func usageCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "usage", Short: "Inspect usage records"}
	var f repo.UsageFilters
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print usage records, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tw := newTable(table.Row{"ID", "Caller", "Job", "When", "Duration", "Outcome"})
				for {
					recs, err := a.Engine.Repo.ListUsage(ctx, f)
					if err != nil {
						return err
					}
					if v.GetBool("json") {
						if err := printJSON(recs); err != nil {
							return err
						}
					} else {
						tw.ResetRows()
						for _, r := range recs {
							tw.AppendRow(table.Row{r.ID, r.CallerKey, shortRef(r.JobReference),
								r.Timestamp.Format(time.RFC3339), r.Duration.String(), r.Outcome})
						}
						if len(recs) > 0 || !follow {
							tw.Render()
						}
					}
					if len(recs) > 0 {
						f.AfterID = recs[len(recs)-1].ID
					}
					if !follow {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(2 * time.Second):
					}
				}
			})
		},
	}
	tail.Flags().StringVar(&f.CallerKey, "caller", "", "API key id")
	tail.Flags().Int64Var(&f.AfterID, "after", 0, "start after this record id")
	tail.Flags().IntVarP(&f.Limit, "limit", "n", 100, "maximum rows per page")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep polling for new records")
	cmd.AddCommand(tail)
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Inspect the audit log"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print the latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evs, err := a.Engine.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(evs)
				}
				tw := newTable(table.Row{"ID", "When", "Type", "Entity", "Actor"})
				for _, e := range evs {
					tw.AppendRow(table.Row{e.ID, humanize.Time(e.TS), e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type, e.g. token.consumed")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "session, token, api_key or artifact")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	cmd.AddCommand(tail)
	return cmd
}

func webhooksCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "webhooks", Short: "Inspect received provider notifications"}
	var provider string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List journaled webhook events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			var kind domain.Provider
			if provider != "" {
				p, err := domain.ParseProvider(provider)
				if err != nil {
					return err
				}
				kind = p
			}
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				evs, err := a.Engine.Repo.ListWebhookEvents(ctx, kind, limit)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(evs)
				}
				tw := newTable(table.Row{"Provider", "Event", "Type", "Ref", "Outcome", "Received"})
				for _, e := range evs {
					tw.AppendRow(table.Row{e.Provider, e.EventID, e.Type, e.ProviderRef, e.Outcome, humanize.Time(e.ReceivedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&provider, "provider", "", "stripe or crypto")
	list.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	cmd.AddCommand(list)
	return cmd
}
