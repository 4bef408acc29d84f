package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simgate/internal/db"
	"simgate/internal/domain"
	"simgate/internal/engine/auth"
	"simgate/internal/events"
	"simgate/internal/migrate"
	"simgate/internal/repo"
)

func newService(t *testing.T) (auth.Service, *time.Time) {
	t.Helper()
	ctx := context.Background()
	conn, target, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = migrate.Migrate(ctx, conn, target.Dialect)
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return auth.Service{
		Repo:      repo.New(conn, target.Dialect),
		Events:    events.Writer{DB: conn, Dialect: target.Dialect},
		JWTSecret: "test-secret",
		JWTTTL:    time.Hour,
		Now:       func() time.Time { return now },
	}, &now
}

func TestIssueAndAuthenticate(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	raw, key, err := svc.IssueKey(ctx, "ci")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, auth.KeyPrefix))
	assert.NotEqual(t, raw, key.KeyHash)

	got, err := svc.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	_, err = svc.Authenticate(ctx, raw+"x")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestRevokeIsTerminal(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	raw, key, err := svc.IssueKey(ctx, "")
	require.NoError(t, err)
	jwtToken, _, err := svc.IssueJWT(key)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, key.ID, key.ID))
	_, err = svc.Authenticate(ctx, raw)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = svc.ParseJWT(ctx, jwtToken)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	require.ErrorIs(t, svc.Revoke(ctx, key.ID, key.ID), domain.ErrUnauthorized)
}

func TestJWTExpiry(t *testing.T) {
	svc, now := newService(t)
	ctx := context.Background()
	_, key, err := svc.IssueKey(ctx, "")
	require.NoError(t, err)
	tok, exp, err := svc.IssueJWT(key)
	require.NoError(t, err)
	assert.True(t, exp.Equal(now.Add(time.Hour)))

	got, err := svc.ParseJWT(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, key.ID, got.ID)

	*now = now.Add(2 * time.Hour)
	_, err = svc.ParseJWT(ctx, tok)
	require.ErrorIs(t, err, domain.ErrUnauthorized)

	other := svc
	other.JWTSecret = "another-secret"
	_, err = other.ParseJWT(ctx, tok)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestResolve(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	raw, key, err := svc.IssueKey(ctx, "")
	require.NoError(t, err)
	tok, _, err := svc.IssueJWT(key)
	require.NoError(t, err)

	p, err := svc.Resolve(ctx, raw, "")
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{KeyID: key.ID, Source: "api_key"}, p)

	p, err = svc.Resolve(ctx, "", "Bearer "+raw)
	require.NoError(t, err)
	assert.Equal(t, "api_key", p.Source)

	p, err = svc.Resolve(ctx, "", "bearer "+tok)
	require.NoError(t, err)
	assert.Equal(t, auth.Principal{KeyID: key.ID, Source: "jwt"}, p)

	_, err = svc.Resolve(ctx, "", "")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	_, err = svc.Resolve(ctx, "", "Basic abc")
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}
