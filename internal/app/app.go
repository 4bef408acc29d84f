// Package app wires configuration into running components. The CLI and the
// server share it so both see the same storage and provider setup.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/sloghuman"
	"cdr.dev/slog/sloggers/slogjson"

	"simgate/internal/artifact"
	"simgate/internal/cache"
	"simgate/internal/config"
	"simgate/internal/db"
	"simgate/internal/domain"
	"simgate/internal/engine"
	"simgate/internal/engine/auth"
	"simgate/internal/metrics"
	"simgate/internal/migrate"
	"simgate/internal/payment"
	"simgate/internal/sandbox"
)

// NewLogger builds the root logger from the log section of cfg.
func NewLogger(cfg *config.Config, w io.Writer) slog.Logger {
	var sink slog.Sink
	if strings.EqualFold(cfg.Log.Format, "json") {
		sink = slogjson.Sink(w)
	} else {
		sink = sloghuman.Sink(w)
	}
	return slog.Make(sink).Leveled(parseLevel(cfg.Log.Level))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// App holds the components built from one Config.
type App struct {
	Config  *config.Config
	Logger  slog.Logger
	DB      *sql.DB
	Target  db.Target
	Engine  engine.Engine
	Auth    auth.Service
	Metrics *metrics.Metrics

	SchemaVersion int

	closers []func(context.Context) error
}

// OpenStorage opens and migrates the database and builds an engine without
// execution collaborators. Storage-only CLI commands use it.
func OpenStorage(ctx context.Context, cfg *config.Config, logger slog.Logger) (*App, error) {
	conn, target, err := db.Open(ctx, db.Config{
		DatabaseURL: cfg.Storage.DatabaseURL,
		Path:        cfg.Storage.Path,
		DataMount:   cfg.Storage.DataMount,
		Workspace:   cfg.Storage.Workspace,
	})
	if err != nil {
		return nil, domain.Wrap(domain.KindStorageUnavailable, "open storage", err)
	}
	version, err := migrate.Migrate(ctx, conn, target.Dialect)
	if err != nil {
		_ = conn.Close()
		return nil, domain.Wrap(domain.KindStorageUnavailable, "migrate storage", err)
	}
	logger.Debug(ctx, "storage ready",
		slog.F("target", target.String()),
		slog.F("source", target.Source),
		slog.F("schema_version", version))

	e := engine.New(conn, target.Dialect, cfg, payment.FromConfig(cfg, nil), logger)
	a := &App{
		Config:        cfg,
		Logger:        logger,
		DB:            conn,
		Target:        target,
		Engine:        e,
		SchemaVersion: version,
		Auth: auth.Service{
			Repo:      e.Repo,
			Events:    e.Events,
			JWTSecret: cfg.Auth.JWTSecret,
			JWTTTL:    cfg.Auth.JWTTTL.Std(),
		},
	}
	a.closers = append(a.closers, func(context.Context) error { return conn.Close() })
	return a, nil
}

// SandboxConfig maps the sandbox and artifact sections onto the runner's
// configuration.
func SandboxConfig(cfg *config.Config) sandbox.Config {
	return sandbox.Config{
		Command:        cfg.Sandbox.Command,
		Isolation:      cfg.Sandbox.Isolation,
		DockerImage:    cfg.Sandbox.DockerImage,
		Memory:         cfg.Sandbox.Memory,
		Timeout:        cfg.Sandbox.Timeout.Std(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		OutputPolicy:   cfg.Sandbox.OutputPolicy,
		WorkDir:        cfg.Sandbox.WorkDir,
		Limits: sandbox.Limits{
			MaxBytes:          cfg.Artifacts.MaxBytes,
			MaxExtractedBytes: cfg.Artifacts.MaxExtractedBytes,
			MaxEntries:        cfg.Artifacts.MaxEntries,
			AllowedPlatforms:  cfg.Artifacts.AllowedPlatforms,
		},
	}
}

// Open builds everything serve needs: storage, providers, sandbox, artifact
// store, result cache, usage recorder and metrics.
func Open(ctx context.Context, cfg *config.Config, logger slog.Logger) (*App, error) {
	a, err := OpenStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := a.attachExecution(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) attachExecution(ctx context.Context) error {
	runner, err := sandbox.New(SandboxConfig(a.Config), a.Logger)
	if err != nil {
		return fmt.Errorf("sandbox: %w", err)
	}
	store, err := artifact.NewStore(a.Config.Artifacts.Dir, a.Engine.Repo, a.Engine.Events, runner.Validator(), a.Logger)
	if err != nil {
		return err
	}
	store.WithLibrary(artifact.OpenLibrary(a.Config.Artifacts.LibraryDir))
	a.Metrics = metrics.New()
	results := cache.Open(ctx, a.Config.Cache.RedisURL, a.Logger.Named("cache"))
	usage := engine.NewUsageRecorder(a.Engine.Repo, a.Config.Usage.QueueSize, a.Logger, a.Metrics)

	a.Engine.Runner = runner
	a.Engine.Artifacts = store
	a.Engine.Cache = results
	a.Engine.Usage = usage
	a.Engine.Metrics = a.Metrics

	// Drain usage before the database closes.
	a.closers = append(a.closers,
		func(context.Context) error { return results.Close() },
		usage.Close,
	)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
