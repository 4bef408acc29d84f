package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"simgate/internal/domain"
	"simgate/internal/events"
	"simgate/internal/repo"
)

// KeyPrefix marks simgate API keys so they are recognisable in headers and
// scrubbed from engine logs.
const KeyPrefix = "sgk_"

const issuer = "simgate"

// Principal is an authenticated caller. KeyID is the API key id that owns
// sessions and usage.
type Principal struct {
	KeyID  string
	Source string
}

// Service issues and checks caller credentials.
type Service struct {
	Repo      repo.Repo
	Events    events.Writer
	JWTSecret string
	JWTTTL    time.Duration
	Now       func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func unauthorized(msg string) error {
	return domain.Errorf(domain.KindUnauthorized, "%s", msg)
}

// IssueKey creates a key and returns the raw value exactly once; only its
// hash is stored.
func (s Service) IssueKey(ctx context.Context, name string) (string, domain.APIKey, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", domain.APIKey{}, fmt.Errorf("generate api key: %w", err)
	}
	raw := KeyPrefix + base64.RawURLEncoding.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: s.now().UTC(),
	}
	err := s.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return err
		}
		return s.Events.Append(ctx, tx, events.KeyCreated, "api_key", key.ID, key.ID, events.EventPayload{"name": key.Name})
	})
	if err != nil {
		return "", domain.APIKey{}, err
	}
	return raw, key, nil
}

// Authenticate resolves a raw API key. Unknown and revoked keys are
// indistinguishable to the caller.
func (s Service) Authenticate(ctx context.Context, raw string) (domain.APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return domain.APIKey{}, unauthorized("api key required")
	}
	key, err := s.Repo.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.APIKey{}, unauthorized("invalid credentials")
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	if key.Revoked() {
		return domain.APIKey{}, unauthorized("invalid credentials")
	}
	return key, nil
}

// Revoke makes a key permanently unusable.
func (s Service) Revoke(ctx context.Context, keyID, actorID string) error {
	if err := s.Repo.RevokeAPIKey(ctx, keyID, s.now()); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return unauthorized("key not found or already revoked")
		}
		return err
	}
	return s.Events.Append(ctx, nil, events.KeyRevoked, "api_key", keyID, actorID, nil)
}

type claims struct {
	jwt.RegisteredClaims
}

// IssueJWT exchanges a validated key for a short-lived bearer token.
func (s Service) IssueJWT(key domain.APIKey) (string, time.Time, error) {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	ttl := s.JWTTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := s.now().UTC()
	exp := now.Add(ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   key.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}})
	signed, err := tok.SignedString([]byte(s.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

// ParseJWT validates a bearer token and returns the key id it was issued
// for. The key is re-checked so revocation takes effect immediately.
func (s Service) ParseJWT(ctx context.Context, token string) (domain.APIKey, error) {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return domain.APIKey{}, unauthorized("bearer tokens are not enabled")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(*jwt.Token) (any, error) {
		return []byte(s.JWTSecret), nil
	})
	if err != nil || !parsed.Valid || c.Subject == "" {
		return domain.APIKey{}, unauthorized("invalid credentials")
	}
	key, err := s.Repo.GetAPIKey(ctx, c.Subject)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.APIKey{}, unauthorized("invalid credentials")
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	if key.Revoked() {
		return domain.APIKey{}, unauthorized("invalid credentials")
	}
	return key, nil
}

// Resolve authenticates whichever credential the request carried: an API
// key (X-Api-Key or a bearer value with the key prefix) or a JWT.
func (s Service) Resolve(ctx context.Context, apiKeyHeader, authorization string) (Principal, error) {
	if v := strings.TrimSpace(apiKeyHeader); v != "" {
		key, err := s.Authenticate(ctx, v)
		if err != nil {
			return Principal{}, err
		}
		return Principal{KeyID: key.ID, Source: "api_key"}, nil
	}
	token, ok := BearerToken(authorization)
	if !ok {
		return Principal{}, unauthorized("authentication required")
	}
	if strings.HasPrefix(token, KeyPrefix) {
		key, err := s.Authenticate(ctx, token)
		if err != nil {
			return Principal{}, err
		}
		return Principal{KeyID: key.ID, Source: "api_key"}, nil
	}
	key, err := s.ParseJWT(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{KeyID: key.ID, Source: "jwt"}, nil
}

func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}
