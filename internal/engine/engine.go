package engine

import (
	"database/sql"
	"time"

	"cdr.dev/slog"
	"golang.org/x/sync/singleflight"

	"simgate/internal/artifact"
	"simgate/internal/cache"
	"simgate/internal/config"
	"simgate/internal/db"
	"simgate/internal/events"
	"simgate/internal/metrics"
	"simgate/internal/payment"
	"simgate/internal/repo"
	"simgate/internal/sandbox"
)

// Engine ties the payment state machine to the sandbox. It holds no
// session or token state of its own; every decision reads the database.
type Engine struct {
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Providers payment.Registry
	Logger    slog.Logger
	Now       func() time.Time

	// Execution collaborators. Artifacts and Runner are required for
	// Execute; Cache, Usage and Metrics are optional.
	Artifacts *artifact.Store
	Runner    *sandbox.Runner
	Cache     cache.Cache
	Usage     *UsageRecorder
	Metrics   *metrics.Metrics

	flight *singleflight.Group
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, providers payment.Registry, logger slog.Logger) Engine {
	return Engine{
		Repo:      repo.New(conn, dialect),
		Events:    events.Writer{DB: conn, Dialect: dialect},
		Config:    cfg,
		Providers: providers,
		Logger:    logger.Named("engine"),
		Now:       time.Now,
		flight:    &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) log(name string) slog.Logger {
	return e.Logger.Named(name)
}
