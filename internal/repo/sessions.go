package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"simgate/internal/domain"
)

const sessionColumns = `id, caller_key, provider, provider_ref, checkout_url, job_reference, amount_cents, currency, status, created_at, expires_at, ready_at`

func scanSession(scan func(dest ...any) error) (domain.PaymentSession, error) {
	var (
		s                domain.PaymentSession
		created, expires string
		ready            sql.NullString
	)
	err := scan(&s.ID, &s.CallerKey, &s.Provider, &s.ProviderRef, &s.CheckoutURL, &s.JobReference,
		&s.AmountCents, &s.Currency, &s.Status, &created, &expires, &ready)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.CreatedAt, err = parseTime(created); err != nil {
		return s, err
	}
	if s.ExpiresAt, err = parseTime(expires); err != nil {
		return s, err
	}
	s.ReadyAt, err = parseNullTime(ready)
	return s, err
}

// InsertSession stores a new session. A second pending session for the same
// (caller, job) pair fails with ErrDuplicate.
func (r Repo) InsertSession(ctx context.Context, tx *sql.Tx, s domain.PaymentSession) error {
	_, err := r.exec(ctx, tx, `INSERT INTO payment_sessions(`+sessionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.CallerKey, string(s.Provider), s.ProviderRef, s.CheckoutURL, s.JobReference,
		s.AmountCents, s.Currency, string(s.Status), FormatTime(s.CreatedAt), FormatTime(s.ExpiresAt), nullableTime(s.ReadyAt))
	return err
}

func (r Repo) GetSession(ctx context.Context, tx *sql.Tx, id string) (domain.PaymentSession, error) {
	return scanSession(r.queryRow(ctx, tx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id=?`, id).Scan)
}

// FindPendingSession returns the row still marked pending for the pair. The
// row may be past its deadline; callers apply EffectiveStatus.
func (r Repo) FindPendingSession(ctx context.Context, tx *sql.Tx, callerKey, jobRef string) (domain.PaymentSession, error) {
	return scanSession(r.queryRow(ctx, tx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE caller_key=? AND job_reference=? AND status=? LIMIT 1`,
		callerKey, jobRef, string(domain.SessionPending)).Scan)
}

// FindSessionByRef resolves a provider notification to a session, matching
// either the provider's own reference or our session id.
func (r Repo) FindSessionByRef(ctx context.Context, tx *sql.Tx, provider domain.Provider, ref string) (domain.PaymentSession, error) {
	return scanSession(r.queryRow(ctx, tx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE provider=? AND (provider_ref=? OR id=?) LIMIT 1`,
		string(provider), ref, ref).Scan)
}

// MarkSessionReady transitions pending->ready. A session past its deadline
// reads as expired and is left alone even if the row was never swept.
func (r Repo) MarkSessionReady(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	ts := FormatTime(now)
	return r.casStatus(ctx, tx, TableSessions, id, string(domain.SessionPending), string(domain.SessionReady), casClause{
		set:       `, ready_at=?`,
		setArgs:   []any{ts},
		guard:     ` AND expires_at>?`,
		guardArgs: []any{ts},
	})
}

// ExpireSession records lazy expiry of a pending session.
func (r Repo) ExpireSession(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	return r.CompareAndSwapStatus(ctx, tx, TableSessions, id, string(domain.SessionPending), string(domain.SessionExpired))
}

// ExpirePendingSessions marks every pending session past its deadline.
func (r Repo) ExpirePendingSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.exec(ctx, nil, `UPDATE payment_sessions SET status=? WHERE status=? AND expires_at<=?`,
		string(domain.SessionExpired), string(domain.SessionPending), FormatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type SessionFilters struct {
	CallerKey string
	Status    domain.SessionStatus
	Limit     int
}

func (r Repo) ListSessions(ctx context.Context, f SessionFilters) ([]domain.PaymentSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE 1=1`
	var args []any
	if f.CallerKey != "" {
		query += ` AND caller_key=?`
		args = append(args, f.CallerKey)
	}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.query(ctx, nil, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
