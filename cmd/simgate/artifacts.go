package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"simgate/internal/app"
	"simgate/internal/artifact"
	"simgate/internal/sandbox"
)

func artifactsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "artifacts", Short: "Manage simulation artifacts"}
	cmd.AddCommand(artifactsAddCmd())
	cmd.AddCommand(artifactsValidateCmd())
	cmd.AddCommand(artifactsListCmd())
	cmd.AddCommand(artifactsVariablesCmd())
	cmd.AddCommand(artifactsLibraryCmd())
	return cmd
}

func withStore(ctx context.Context, fn func(context.Context, *app.App, *artifact.Store) error) error {
	return withStorage(ctx, func(ctx context.Context, a *app.App) error {
		validator := sandbox.NewValidator(app.SandboxConfig(a.Config).Limits)
		store, err := artifact.NewStore(a.Config.Artifacts.Dir, a.Engine.Repo, a.Engine.Events, validator, a.Logger)
		if err != nil {
			return err
		}
		store.WithLibrary(artifact.OpenLibrary(a.Config.Artifacts.LibraryDir))
		return fn(ctx, a, store)
	})
}

func artifactsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <file.fmu>",
		Short: "Validate and store an artifact; prints its job reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App, store *artifact.Store) error {
				art, created, err := store.Put(ctx, filepath.Base(args[0]), content, "cli")
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(map[string]any{"artifact": art, "created": created})
				}
				state := "stored"
				if !created {
					state = "already stored"
				}
				fmt.Printf("%s %s (%s, %s)\n", state, art.ID, art.ModelName, humanize.IBytes(uint64(art.Size)))
				return nil
			})
		},
	}
}

func artifactsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file.fmu>",
		Short: "Check an artifact against the configured limits without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			m, err := sandbox.NewValidator(app.SandboxConfig(cfg).Limits).Validate(content)
			if err != nil {
				return err
			}
			if v.GetBool("json") {
				return printJSON(m)
			}
			tw := newTable(table.Row{"Field", "Value"})
			tw.AppendRows([]table.Row{
				{"sha256", m.SHA256},
				{"model", m.ModelName},
				{"fmi version", m.FMIVersion},
				{"guid", m.GUID},
				{"platforms", strings.Join(m.Platforms, ", ")},
				{"sources", m.HasSources},
				{"entries", m.Entries},
				{"size", humanize.IBytes(uint64(m.Size))},
				{"expanded", humanize.IBytes(uint64(m.UncompressedBytes))},
			})
			tw.Render()
			return nil
		},
	}
}

func artifactsListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored artifacts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.Repo.ListArtifacts(ctx, limit)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(list)
				}
				tw := newTable(table.Row{"ID", "Model", "File", "Size", "Platforms", "Uploaded"})
				for _, art := range list {
					tw.AppendRow(table.Row{art.ID, art.ModelName, art.Filename, humanize.IBytes(uint64(art.Size)),
						strings.Join(art.Platforms, ","), humanize.Time(art.CreatedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum rows")
	return cmd
}

func artifactsVariablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variables <id|msl:name>",
		Short: "List the model variables of an artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App, store *artifact.Store) error {
				vars, err := store.Variables(ctx, args[0])
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(vars)
				}
				tw := newTable(table.Row{"Name", "Type", "Causality", "Variability", "Declared type", "Unit"})
				for _, x := range vars {
					tw.AppendRow(table.Row{x.Name, x.Type, x.Causality, x.Variability, x.DeclaredType, x.Unit})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func artifactsLibraryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "library [query]",
		Short: "List models in the configured library",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := ""
			if len(args) == 1 {
				query = args[0]
			}
			return withStore(cmd.Context(), func(ctx context.Context, a *app.App, store *artifact.Store) error {
				models, err := store.Library(ctx, query)
				if err != nil {
					return err
				}
				if v.GetBool("json") {
					return printJSON(models)
				}
				tw := newTable(table.Row{"Reference", "Model", "FMI", "Size"})
				for _, m := range models {
					tw.AppendRow(table.Row{m.Reference, m.ModelName, m.FMIVersion, humanize.IBytes(uint64(m.Size))})
				}
				tw.Render()
				return nil
			})
		},
	}
}
