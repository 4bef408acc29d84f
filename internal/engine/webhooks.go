package engine

import (
	"context"
	"database/sql"
	"errors"

	"cdr.dev/slog"

	"simgate/internal/domain"
	"simgate/internal/events"
	"simgate/internal/payment"
	"simgate/internal/repo"
)

// Webhook actions reported in the acknowledgement.
const (
	ActionTokenIssued    = "token_issued"
	ActionDuplicate      = "duplicate_event"
	ActionAlreadyReady   = "already_ready"
	ActionExpiredSession = "expired_session"
	ActionUnknownSession = "unknown_session"
	ActionIgnored        = "ignored"
	ActionUnparseable    = "unparseable"
)

// Ack is returned for every verified notification, actionable or not.
type Ack struct {
	Received bool   `json:"received"`
	EventID  string `json:"event_id,omitempty"`
	Action   string `json:"action"`
}

// HandleWebhook verifies and applies one provider notification. Only a
// signature failure or a storage failure returns an error; storage failures
// roll back the journal entry so the provider's retry is processed again.
func (e Engine) HandleWebhook(ctx context.Context, kind domain.Provider, payload []byte, signature string) (Ack, error) {
	logger := e.log("webhooks").With(slog.F("provider", kind))
	p, err := e.Providers.Get(kind)
	if err != nil {
		return Ack{}, domain.Errorf(domain.KindInvalidInput, "payment provider %q is not enabled", kind)
	}

	now := e.now()
	if err := p.VerifySignature(payload, signature, now); err != nil {
		switch {
		case errors.Is(err, payment.ErrSecretNotConfigured) && e.Config.Webhooks.InsecureSkipVerify:
			logger.Warn(ctx, "INSECURE: accepting unsigned webhook; signature verification is disabled")
		case errors.Is(err, payment.ErrSecretNotConfigured):
			e.Metrics.Webhook(string(kind), "rejected")
			logger.Error(ctx, "rejecting webhook: no webhook secret configured")
			return Ack{}, domain.Wrap(domain.KindInvalidSignature, "invalid webhook signature", err)
		default:
			e.Metrics.Webhook(string(kind), "rejected")
			logger.Warn(ctx, "rejecting webhook with bad signature", slog.Error(err))
			return Ack{}, domain.Wrap(domain.KindInvalidSignature, "invalid webhook signature", err)
		}
	}

	ev, err := p.ParseEvent(payload)
	if err != nil {
		logger.Warn(ctx, "acknowledging unparseable webhook", slog.Error(err))
		e.Metrics.Webhook(string(kind), ActionUnparseable)
		return Ack{Received: true, Action: ActionUnparseable}, nil
	}
	logger = logger.With(slog.F("event_id", ev.ID), slog.F("event_type", ev.Type))

	var ack Ack
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		ack, err = e.applyEvent(ctx, tx, kind, ev, logger)
		return err
	})
	if err != nil {
		logger.Error(ctx, "apply webhook", slog.Error(err))
		return Ack{}, domain.Wrap(domain.KindStorageUnavailable, "could not record webhook", err)
	}
	ack.Received = true
	ack.EventID = ev.ID
	e.Metrics.Webhook(string(kind), ack.Action)
	if ack.Action == ActionTokenIssued {
		e.Metrics.TokenIssued()
	}
	logger.Info(ctx, "webhook processed", slog.F("action", ack.Action), slog.F("outcome", ev.Outcome))
	return ack, nil
}

func (e Engine) applyEvent(ctx context.Context, tx *sql.Tx, kind domain.Provider, ev payment.Event, logger slog.Logger) (Ack, error) {
	now := e.now()
	if ev.ID != "" {
		fresh, err := e.Repo.RecordWebhookEvent(ctx, tx, domain.WebhookEvent{
			Provider:    kind,
			EventID:     ev.ID,
			Type:        ev.Type,
			ProviderRef: ev.SessionRef,
			Outcome:     string(ev.Outcome),
			ReceivedAt:  now,
		})
		if err != nil {
			return Ack{}, err
		}
		if !fresh {
			return Ack{Action: ActionDuplicate}, nil
		}
	}
	if ev.Outcome != payment.OutcomeConfirmed {
		return Ack{Action: ActionIgnored}, nil
	}

	s, err := e.Repo.FindSessionByRef(ctx, tx, kind, ev.SessionRef)
	if errors.Is(err, repo.ErrNotFound) && ev.SessionID != "" {
		s, err = e.Repo.FindSessionByRef(ctx, tx, kind, ev.SessionID)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return Ack{Action: ActionUnknownSession}, nil
	}
	if err != nil {
		return Ack{}, err
	}

	switch s.EffectiveStatus(now) {
	case domain.SessionReady:
		return Ack{Action: ActionAlreadyReady}, nil
	case domain.SessionExpired:
		logger.Warn(ctx, "payment confirmed after session expired; no token issued",
			slog.F("session", s.ID), slog.F("provider_ref", s.ProviderRef))
		return Ack{Action: ActionExpiredSession}, nil
	}

	won, err := e.Repo.MarkSessionReady(ctx, tx, s.ID, now)
	if err != nil {
		return Ack{}, err
	}
	if !won {
		return Ack{Action: ActionAlreadyReady}, nil
	}
	if err := e.Events.Append(ctx, tx, events.SessionReady, "session", s.ID, s.CallerKey, events.EventPayload{
		"event_id": ev.ID,
	}); err != nil {
		return Ack{}, err
	}
	if _, err := e.issueToken(ctx, tx, s); err != nil {
		return Ack{}, err
	}
	return Ack{Action: ActionTokenIssued}, nil
}

// WarnInsecureWebhooks logs the insecure-mode banner at startup.
func (e Engine) WarnInsecureWebhooks(ctx context.Context) {
	if !e.Config.Webhooks.InsecureSkipVerify {
		return
	}
	for _, kind := range e.Providers.Kinds() {
		e.log("webhooks").Warn(ctx, "INSECURE: webhook signature verification is disabled for providers without a secret",
			slog.F("provider", kind))
	}
}
