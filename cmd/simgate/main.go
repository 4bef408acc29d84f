package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cdr.dev/slog"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"simgate/internal/app"
	"simgate/internal/config"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var v *viper.Viper = config.NewViper()

var rootCmd = &cobra.Command{
	Use:   "simgate",
	Short: "Payment-gated simulation execution",
	Long: `simgate runs a simulation job behind a pay-per-call gate.

A caller without a payment token gets a 402 challenge pointing at a checkout.
The payment provider confirms through a signed webhook, the caller fetches a
single-use token and retries. Each token pays for exactly one execution.

Configuration comes from --config (YAML), then SIMGATE_* environment
variables, then flags.`,
	SilenceUsage: true,
}

func main() {
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("workspace", "", "workspace directory for the embedded database")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	_ = v.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = v.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = v.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = v.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(tokensCmd())
	rootCmd.AddCommand(usageCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(webhooksCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(artifactsCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if v.GetBool("json") {
				return printJSON(map[string]string{"version": version})
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

// --- helpers ---

func loadConfig(validate bool) (*config.Config, error) {
	if validate {
		return config.Load(v, v.GetString("config"))
	}
	return config.LoadUnvalidated(v, v.GetString("config"))
}

func newLogger(cfg *config.Config) slog.Logger {
	return app.NewLogger(cfg, os.Stderr)
}

// withStorage runs fn against migrated storage. Payment credentials are not
// required.
func withStorage(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	a, err := app.OpenStorage(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	return tw
}
