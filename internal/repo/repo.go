package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"simgate/internal/db"
)

// Repo is the persistence layer. Every method takes an optional *sql.Tx;
// with a nil tx the statement runs on the pool.
type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("duplicate")
)

// TimeLayout is fixed-width UTC so stored timestamps order correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func New(conn *sql.DB, dialect db.Dialect) Repo {
	return Repo{DB: conn, Dialect: dialect}
}

// FormatTime renders t the way every timestamp column stores it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns the transaction when one is open, otherwise the pool.
func (r Repo) on(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) exec(ctx context.Context, tx *sql.Tx, query string, args ...any) (sql.Result, error) {
	res, err := r.on(tx).ExecContext(ctx, db.Rebind(r.Dialect, query), args...)
	if db.IsUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return res, err
}

func (r Repo) query(ctx context.Context, tx *sql.Tx, query string, args ...any) (*sql.Rows, error) {
	return r.on(tx).QueryContext(ctx, db.Rebind(r.Dialect, query), args...)
}

func (r Repo) queryRow(ctx context.Context, tx *sql.Tx, query string, args ...any) *sql.Row {
	return r.on(tx).QueryRowContext(ctx, db.Rebind(r.Dialect, query), args...)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Table names a record kind that carries a status column.
type Table string

const (
	TableSessions Table = "payment_sessions"
	TableTokens   Table = "payment_tokens"
)

func keyColumn(t Table) (string, error) {
	switch t {
	case TableSessions:
		return "id", nil
	case TableTokens:
		return "token", nil
	default:
		return "", fmt.Errorf("table %q has no status column", t)
	}
}

// casClause adds column assignments and row guards to a status swap.
type casClause struct {
	set       string
	setArgs   []any
	guard     string
	guardArgs []any
}

// CompareAndSwapStatus moves one record from expected to next and reports
// whether this caller performed the transition. Concurrent callers racing
// on the same row see exactly one true.
func (r Repo) CompareAndSwapStatus(ctx context.Context, tx *sql.Tx, table Table, key, expected, next string) (bool, error) {
	return r.casStatus(ctx, tx, table, key, expected, next, casClause{})
}

func (r Repo) casStatus(ctx context.Context, tx *sql.Tx, table Table, key, expected, next string, c casClause) (bool, error) {
	col, err := keyColumn(table)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE %s SET status=?%s WHERE %s=? AND status=?%s`, table, c.set, col, c.guard)
	args := make([]any, 0, 3+len(c.setArgs)+len(c.guardArgs))
	args = append(args, next)
	args = append(args, c.setArgs...)
	args = append(args, key, expected)
	args = append(args, c.guardArgs...)
	res, err := r.exec(ctx, tx, query, args...)
	if err != nil {
		return false, fmt.Errorf("cas %s %s->%s: %w", table, expected, next, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
