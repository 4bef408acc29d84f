package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	defaultDBName = "simgate.db"
	workspaceDir  = ".simgate"

	pgMaxOpenConns    = 20
	pgMaxIdleConns    = 10
	pgConnMaxLifetime = 30 * time.Minute
	pingTimeout       = 5 * time.Second
)

type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Source records which configured location the store came from.
type Source string

const (
	SourceDatabaseURL Source = "database_url"
	SourceExplicit    Source = "explicit_path"
	SourceMount       Source = "data_mount"
	SourceWorkspace   Source = "workspace"
)

type Config struct {
	DatabaseURL string
	Path        string
	DataMount   string
	Workspace   string
}

// Target is a resolved storage location.
type Target struct {
	Dialect  Dialect
	Source   Source
	Location string
	dsn      string
}

// String never includes credentials.
func (t Target) String() string {
	if t.Dialect == Postgres {
		return fmt.Sprintf("postgres (%s)", t.Source)
	}
	return fmt.Sprintf("sqlite %s (%s)", t.Location, t.Source)
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Resolve picks the storage location in a fixed order: an explicit server
// URL, an explicit file path, the platform data mount, then the workspace.
// A configured DATABASE_URL is never skipped; file candidates that are not
// writable fall through to the next one.
func Resolve(cfg Config) (Target, error) {
	if cfg.DatabaseURL != "" {
		return Target{Dialect: Postgres, Source: SourceDatabaseURL, Location: "postgres", dsn: cfg.DatabaseURL}, nil
	}
	var tried []string
	if cfg.Path != "" {
		err := probeWritable(cfg.Path, true)
		if err == nil {
			return sqliteTarget(cfg.Path, SourceExplicit), nil
		}
		tried = append(tried, fmt.Sprintf("%s: %v", cfg.Path, err))
	}
	if cfg.DataMount != "" {
		if info, err := os.Stat(cfg.DataMount); err == nil && info.IsDir() {
			path := filepath.Join(cfg.DataMount, defaultDBName)
			err := probeWritable(path, false)
			if err == nil {
				return sqliteTarget(path, SourceMount), nil
			}
			tried = append(tried, fmt.Sprintf("%s: %v", path, err))
		}
	}
	dir, err := EnsureWorkspace(cfg.Workspace)
	if err == nil {
		path := filepath.Join(dir, defaultDBName)
		if err = probeWritable(path, false); err == nil {
			return sqliteTarget(path, SourceWorkspace), nil
		}
	}
	tried = append(tried, fmt.Sprintf("workspace: %v", err))
	return Target{}, fmt.Errorf("no writable storage location: %s", strings.Join(tried, "; "))
}

func sqliteTarget(path string, src Source) Target {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", path)
	return Target{Dialect: SQLite, Source: src, Location: path, dsn: dsn}
}

func probeWritable(path string, mkdir bool) error {
	if mkdir {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Open resolves and opens the store, verifying it answers a ping.
func Open(ctx context.Context, cfg Config) (*sql.DB, Target, error) {
	target, err := Resolve(cfg)
	if err != nil {
		return nil, Target{}, err
	}
	conn, err := OpenTarget(ctx, target)
	return conn, target, err
}

func OpenTarget(ctx context.Context, target Target) (*sql.DB, error) {
	var (
		conn *sql.DB
		err  error
	)
	switch target.Dialect {
	case Postgres:
		conn, err = sql.Open("pgx", target.dsn)
		if err != nil {
			return nil, err
		}
		conn.SetMaxOpenConns(pgMaxOpenConns)
		conn.SetMaxIdleConns(pgMaxIdleConns)
		conn.SetConnMaxLifetime(pgConnMaxLifetime)
	case SQLite:
		conn, err = sql.Open("sqlite", target.dsn)
		if err != nil {
			return nil, err
		}
		// One writer; every statement queues behind the open transaction.
		conn.SetMaxOpenConns(1)
	default:
		return nil, fmt.Errorf("unknown dialect %q", target.Dialect)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping %s: %w", target, err)
	}
	return conn, nil
}

// Rebind rewrites ? placeholders to $n for Postgres. Queries in this module
// never contain a literal question mark.
func Rebind(d Dialect, query string) string {
	if d != Postgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// IsUniqueViolation reports whether err is a unique-constraint failure on
// either backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var coded interface{ SQLState() string }
	if errors.As(err, &coded) {
		return coded.SQLState() == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
