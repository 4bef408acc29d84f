package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"simgate/internal/domain"
)

const tokenColumns = `token, session_id, status, issued_at, expires_at, consumed_at`

func scanToken(scan func(dest ...any) error) (domain.PaymentToken, error) {
	var (
		t               domain.PaymentToken
		issued, expires string
		consumed        sql.NullString
	)
	err := scan(&t.Token, &t.SessionID, &t.Status, &issued, &expires, &consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if t.IssuedAt, err = parseTime(issued); err != nil {
		return t, err
	}
	if t.ExpiresAt, err = parseTime(expires); err != nil {
		return t, err
	}
	t.ConsumedAt, err = parseNullTime(consumed)
	return t, err
}

// InsertToken stores a token. session_id is unique, so a second token for
// the same session fails with ErrDuplicate.
func (r Repo) InsertToken(ctx context.Context, tx *sql.Tx, t domain.PaymentToken) error {
	_, err := r.exec(ctx, tx, `INSERT INTO payment_tokens(`+tokenColumns+`) VALUES (?,?,?,?,?,?)`,
		t.Token, t.SessionID, string(t.Status), FormatTime(t.IssuedAt), FormatTime(t.ExpiresAt), nullableTime(t.ConsumedAt))
	return err
}

func (r Repo) GetToken(ctx context.Context, tx *sql.Tx, token string) (domain.PaymentToken, error) {
	return scanToken(r.queryRow(ctx, tx, `SELECT `+tokenColumns+` FROM payment_tokens WHERE token=?`, token).Scan)
}

func (r Repo) GetTokenBySession(ctx context.Context, tx *sql.Tx, sessionID string) (domain.PaymentToken, error) {
	return scanToken(r.queryRow(ctx, tx, `SELECT `+tokenColumns+` FROM payment_tokens WHERE session_id=?`, sessionID).Scan)
}

// RedeemToken is the single conditional write that consumes a token. It
// succeeds only for a ready token whose expiry is still in the future.
func (r Repo) RedeemToken(ctx context.Context, token string, now time.Time) (bool, error) {
	ts := FormatTime(now)
	return r.casStatus(ctx, nil, TableTokens, token, string(domain.TokenReady), string(domain.TokenConsumed), casClause{
		set:       `, consumed_at=?`,
		setArgs:   []any{ts},
		guard:     ` AND expires_at>?`,
		guardArgs: []any{ts},
	})
}

// ExpireReadyTokens marks every ready token past its deadline.
func (r Repo) ExpireReadyTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.exec(ctx, nil, `UPDATE payment_tokens SET status=? WHERE status=? AND expires_at<=?`,
		string(domain.TokenExpired), string(domain.TokenReady), FormatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
