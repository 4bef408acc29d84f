package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"simgate/internal/domain"
)

// HashAPIKey returns a stable SHA-256 hex digest for the provided key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

// InsertAPIKey stores a hashed API key. KeyHash must already contain the hashed value.
func (r Repo) InsertAPIKey(ctx context.Context, tx *sql.Tx, key domain.APIKey) error {
	if key.ID == "" {
		return errors.New("id required")
	}
	if key.KeyHash == "" {
		return errors.New("key_hash required")
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now()
	}
	_, err := r.exec(ctx, tx, `INSERT INTO api_keys(id, key_hash, name, created_at) VALUES (?,?,?,?)`,
		key.ID, key.KeyHash, nullable(key.Name), FormatTime(key.CreatedAt))
	return err
}

const apiKeyColumns = `id, COALESCE(name,''), key_hash, created_at, revoked_at`

func scanAPIKey(scan func(dest ...any) error) (domain.APIKey, error) {
	var (
		key      domain.APIKey
		created  string
		revokedS sql.NullString
	)
	if err := scan(&key.ID, &key.Name, &key.KeyHash, &created, &revokedS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.APIKey{}, ErrNotFound
		}
		return domain.APIKey{}, err
	}
	var err error
	if key.CreatedAt, err = parseTime(created); err != nil {
		return domain.APIKey{}, err
	}
	if key.RevokedAt, err = parseNullTime(revokedS); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}

// GetAPIKeyByHash returns an API key by its hashed value, revoked or not.
func (r Repo) GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error) {
	row := r.queryRow(ctx, nil, `SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? LIMIT 1`, hash)
	return scanAPIKey(row.Scan)
}

func (r Repo) GetAPIKey(ctx context.Context, id string) (domain.APIKey, error) {
	row := r.queryRow(ctx, nil, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id=?`, id)
	return scanAPIKey(row.Scan)
}

// ListAPIKeys returns all keys, newest first.
func (r Repo) ListAPIKeys(ctx context.Context) ([]domain.APIKey, error) {
	rows, err := r.query(ctx, nil, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revocation is terminal; revoking twice
// reports ErrNotFound the second time.
func (r Repo) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.exec(ctx, nil, `UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, FormatTime(at), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
