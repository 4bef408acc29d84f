package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"simgate/internal/app"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API and, unless sweep.interval is 0, the expiry sweeper.

With server.acme_domain set the API is served over TLS with certificates from
Let's Encrypt, and ACME HTTP challenges are answered on :80.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			ctx := cmd.Context()
			a, err := app.Open(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(ctx))
			return a.Serve(ctx, nil, version)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	cmd.Flags().String("base-path", "", "API base path, e.g. /v1")
	_ = v.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("base_path", cmd.Flags().Lookup("base-path"))
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if v.GetBool("json") {
					return printJSON(map[string]any{
						"storage":        a.Target.String(),
						"schema_version": a.SchemaVersion,
					})
				}
				fmt.Printf("%s at schema version %d\n", a.Target, a.SchemaVersion)
				return nil
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Mark expired sessions and tokens once",
		Long:  "Expiry is always enforced on read; sweeping only brings stored statuses up to date.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Sweep(ctx)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("expired %d sessions, %d tokens\n", res.Sessions, res.Tokens)
				return nil
			})
		},
	}
}
