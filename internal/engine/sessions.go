package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdr.dev/slog"
	"github.com/google/uuid"

	"simgate/internal/domain"
	"simgate/internal/events"
	"simgate/internal/payment"
	"simgate/internal/repo"
)

// SessionRequest asks for a checkout covering one execution of JobReference.
// Zero amount and currency fall back to the configured price; an empty
// provider picks the default one.
type SessionRequest struct {
	CallerKey    string
	JobReference string
	Provider     domain.Provider
	AmountCents  int64
	Currency     string
	SuccessURL   string
	CancelURL    string
}

// checkoutTimeout bounds one shared reuse-or-create, provider call included.
const checkoutTimeout = 30 * time.Second

// CreateOrReuse returns the caller's pending session for the job, creating
// one only when none is live. reused reports whether an existing session was
// returned. Concurrent calls for the same pair inside this process share one
// provider call; across processes the partial unique index settles the race.
func (e Engine) CreateOrReuse(ctx context.Context, req SessionRequest) (domain.PaymentSession, bool, error) {
	if strings.TrimSpace(req.CallerKey) == "" {
		return domain.PaymentSession{}, false, errors.New("caller key is required")
	}
	if strings.TrimSpace(req.JobReference) == "" {
		return domain.PaymentSession{}, false, domain.Errorf(domain.KindInvalidInput, "job_reference is required")
	}
	type result struct {
		session domain.PaymentSession
		reused  bool
	}
	run := func() (any, error) {
		// Followers share this call, so one caller going away must not
		// fail the others.
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkoutTimeout)
		defer cancel()
		s, reused, err := e.createOrReuse(flightCtx, req)
		return result{s, reused}, err
	}
	var (
		v   any
		err error
	)
	if e.flight != nil {
		v, err, _ = e.flight.Do(req.CallerKey+"\x00"+req.JobReference, run)
	} else {
		v, err = run()
	}
	if err != nil {
		return domain.PaymentSession{}, false, err
	}
	res := v.(result)
	e.Metrics.Challenge(string(res.session.Provider), res.reused)
	return res.session, res.reused, nil
}

func (e Engine) createOrReuse(ctx context.Context, req SessionRequest) (domain.PaymentSession, bool, error) {
	logger := e.log("sessions")
	now := e.now()

	existing, err := e.Repo.FindPendingSession(ctx, nil, req.CallerKey, req.JobReference)
	switch {
	case err == nil && existing.EffectiveStatus(now) == domain.SessionPending:
		return existing, true, nil
	case err == nil:
		expired, err := e.Repo.ExpireSession(ctx, nil, existing.ID)
		if err != nil {
			return domain.PaymentSession{}, false, err
		}
		if expired {
			if err := e.Events.Append(ctx, nil, events.SessionExpired, "session", existing.ID, req.CallerKey, nil); err != nil {
				logger.Warn(ctx, "audit session expiry", slog.Error(err))
			}
		}
	case !errors.Is(err, repo.ErrNotFound):
		return domain.PaymentSession{}, false, err
	}

	provider, err := e.provider(req.Provider)
	if err != nil {
		return domain.PaymentSession{}, false, err
	}
	amount, currency := req.AmountCents, req.Currency
	if amount <= 0 {
		amount = e.Config.Pricing.AmountCents
	}
	if currency == "" {
		currency = e.Config.Pricing.Currency
	}
	successURL, cancelURL := req.SuccessURL, req.CancelURL
	if successURL == "" {
		successURL = e.Config.Checkout.SuccessURL
	}
	if cancelURL == "" {
		cancelURL = e.Config.Checkout.CancelURL
	}

	s := domain.PaymentSession{
		ID:           uuid.NewString(),
		CallerKey:    req.CallerKey,
		Provider:     provider.Kind(),
		JobReference: req.JobReference,
		AmountCents:  amount,
		Currency:     strings.ToLower(currency),
		Status:       domain.SessionPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(e.Config.Sessions.PendingTTL.Std()),
	}
	checkout, err := provider.CreateCheckout(ctx, payment.CheckoutRequest{
		SessionID:    s.ID,
		CallerKey:    s.CallerKey,
		JobReference: s.JobReference,
		AmountCents:  s.AmountCents,
		Currency:     s.Currency,
		SuccessURL:   successURL,
		CancelURL:    cancelURL,
	})
	if err != nil {
		logger.Error(ctx, "create checkout", slog.F("provider", provider.Kind()), slog.Error(err))
		return domain.PaymentSession{}, false, domain.Wrap(domain.KindProviderUnavailable, "payment provider unavailable", err)
	}
	s.ProviderRef = checkout.Ref
	s.CheckoutURL = checkout.URL

	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertSession(ctx, tx, s); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, events.SessionCreated, "session", s.ID, s.CallerKey, events.EventPayload{
			"provider":      string(s.Provider),
			"provider_ref":  s.ProviderRef,
			"job_reference": s.JobReference,
			"amount_cents":  s.AmountCents,
		})
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// Another process created the pending session first.
		winner, ferr := e.Repo.FindPendingSession(ctx, nil, req.CallerKey, req.JobReference)
		if ferr != nil {
			return domain.PaymentSession{}, false, fmt.Errorf("reload pending session: %w", ferr)
		}
		logger.Info(ctx, "discarded checkout after losing session race",
			slog.F("provider_ref", s.ProviderRef), slog.F("session", winner.ID))
		return winner, true, nil
	}
	if err != nil {
		return domain.PaymentSession{}, false, err
	}
	logger.Info(ctx, "payment session created",
		slog.F("session", s.ID),
		slog.F("provider", s.Provider),
		slog.F("job", s.JobReference))
	return s, false, nil
}

func (e Engine) provider(kind domain.Provider) (payment.Provider, error) {
	if kind == "" {
		p, err := e.Providers.Default()
		if err != nil {
			return nil, domain.Wrap(domain.KindProviderUnavailable, "no payment provider enabled", err)
		}
		return p, nil
	}
	p, err := e.Providers.Get(kind)
	if err != nil {
		return nil, domain.Errorf(domain.KindInvalidInput, "payment method %q is not available", kind)
	}
	return p, nil
}

// Session returns a caller's session with lazy expiry applied. Sessions of
// other callers read as not found.
func (e Engine) Session(ctx context.Context, callerKey, id string) (domain.PaymentSession, error) {
	s, err := e.Repo.GetSession(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && s.CallerKey != callerKey) {
		return domain.PaymentSession{}, domain.Errorf(domain.KindSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return domain.PaymentSession{}, err
	}
	s.Status = s.EffectiveStatus(e.now())
	return s, nil
}
