package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog"

	"simgate/internal/domain"
	"simgate/internal/events"
	"simgate/internal/repo"
)

// TokenPrefix marks payment tokens. The random part carries 256 bits.
const TokenPrefix = "ptok_"

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate payment token: %w", err)
	}
	return TokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// issueToken creates the one token of a session that just became ready. It
// must run in the transaction that won the pending->ready swap.
func (e Engine) issueToken(ctx context.Context, tx *sql.Tx, s domain.PaymentSession) (domain.PaymentToken, error) {
	value, err := newToken()
	if err != nil {
		return domain.PaymentToken{}, err
	}
	now := e.now()
	tok := domain.PaymentToken{
		Token:     value,
		SessionID: s.ID,
		Status:    domain.TokenReady,
		IssuedAt:  now,
		ExpiresAt: now.Add(e.Config.Sessions.TokenTTL.Std()),
	}
	if err := e.Repo.InsertToken(ctx, tx, tok); err != nil {
		return domain.PaymentToken{}, fmt.Errorf("insert token: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TokenIssued, "session", s.ID, s.CallerKey, events.EventPayload{
		"expires_at": tok.ExpiresAt,
	}); err != nil {
		return domain.PaymentToken{}, err
	}
	return tok, nil
}

// Redeem consumes a token. Exactly one of any number of concurrent calls
// for the same token succeeds. Failures are classified as not found,
// expired or consumed by a read that never writes.
func (e Engine) Redeem(ctx context.Context, token string) (domain.PaymentToken, error) {
	now := e.now()
	ok, err := e.Repo.RedeemToken(ctx, token, now)
	if err != nil {
		return domain.PaymentToken{}, err
	}
	tok, getErr := e.Repo.GetToken(ctx, nil, token)
	if !ok {
		err := classifyRedeemFailure(tok, getErr, now)
		e.Metrics.Redemption(string(domain.KindOf(err)))
		return domain.PaymentToken{}, err
	}
	if getErr != nil {
		return domain.PaymentToken{}, getErr
	}
	e.Metrics.Redemption("redeemed")
	if err := e.Events.Append(ctx, nil, events.TokenConsumed, "session", tok.SessionID, "", nil); err != nil {
		e.log("ledger").Warn(ctx, "audit token redemption", slog.Error(err))
	}
	return tok, nil
}

func classifyRedeemFailure(tok domain.PaymentToken, err error, now time.Time) error {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return domain.ErrTokenNotFound
	case err != nil:
		return err
	case tok.Status == domain.TokenConsumed:
		return domain.ErrTokenConsumed
	case tok.EffectiveStatus(now) == domain.TokenExpired:
		return domain.ErrTokenExpired
	default:
		// Lost a race that finished between the update and the read.
		return domain.ErrTokenConsumed
	}
}

// TokenForSession returns the token of a caller's session. A session that is
// still pending answers ErrTokenNotReady; an unknown or foreign session
// answers ErrSessionNotFound.
func (e Engine) TokenForSession(ctx context.Context, callerKey, sessionID string) (domain.PaymentToken, error) {
	s, err := e.Repo.GetSession(ctx, nil, sessionID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.PaymentToken{}, err
	}
	return e.tokenFor(ctx, callerKey, s, err == nil)
}

// TokenForProviderRef is TokenForSession keyed by the provider's reference,
// such as a crypto charge code.
func (e Engine) TokenForProviderRef(ctx context.Context, callerKey string, provider domain.Provider, ref string) (domain.PaymentToken, error) {
	s, err := e.Repo.FindSessionByRef(ctx, nil, provider, ref)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.PaymentToken{}, err
	}
	return e.tokenFor(ctx, callerKey, s, err == nil)
}

func (e Engine) tokenFor(ctx context.Context, callerKey string, s domain.PaymentSession, found bool) (domain.PaymentToken, error) {
	if !found || s.CallerKey != callerKey {
		return domain.PaymentToken{}, domain.ErrSessionNotFound
	}
	now := e.now()
	if s.EffectiveStatus(now) != domain.SessionReady {
		return domain.PaymentToken{}, domain.Errorf(domain.KindTokenNotReady, "session %s is %s", s.ID, s.EffectiveStatus(now))
	}
	tok, err := e.Repo.GetTokenBySession(ctx, nil, s.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.PaymentToken{}, domain.ErrTokenNotReady
	}
	if err != nil {
		return domain.PaymentToken{}, err
	}
	tok.Status = tok.EffectiveStatus(now)
	return tok, nil
}
