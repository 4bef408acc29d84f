package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"simgate/internal/domain"
)

// Reasons attached to a challenge after a failed redemption.
const (
	ReasonNotFound = "not_found"
	ReasonExpired  = "expired"
	ReasonConsumed = "consumed"
)

// ExecuteRequest is one call to run the gated job.
type ExecuteRequest struct {
	CallerKey     string
	JobReference  string
	Params        json.RawMessage
	PaymentToken  string
	PaymentMethod string
	QuoteOnly     bool
	SuccessURL    string
	CancelURL     string
}

// Challenge is the body of a payment-required answer. It carries everything
// needed to pay and retry.
type Challenge struct {
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Amount      float64   `json:"amount"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency"`
	Methods     []string  `json:"methods"`
	Provider    string    `json:"provider"`
	CheckoutURL string    `json:"checkout_url"`
	SessionID   string    `json:"session_id"`
	ExpiresAt   time.Time `json:"expires_at" format:"date-time"`
	NextStep    string    `json:"next_step"`
}

type DecisionKind string

const (
	Authorized      DecisionKind = "authorized"
	PaymentRequired DecisionKind = "payment_required"
)

// Decision is the gate's verdict. Authorized carries the redeemed token;
// PaymentRequired carries a challenge and the error that produced it
// (ErrPaymentRequired, or a redemption failure).
type Decision struct {
	Kind      DecisionKind
	Token     domain.PaymentToken
	Challenge *Challenge
	Err       error
}

// Authorize redeems the request's token or answers with a challenge. A
// quote-only request never redeems, even when a token is present.
func (e Engine) Authorize(ctx context.Context, req ExecuteRequest) (Decision, error) {
	if strings.TrimSpace(req.JobReference) == "" {
		return Decision{}, domain.Errorf(domain.KindInvalidInput, "job_reference is required")
	}
	if req.QuoteOnly || req.PaymentToken == "" {
		return e.challenge(ctx, req, "", domain.ErrPaymentRequired)
	}
	tok, err := e.Redeem(ctx, req.PaymentToken)
	if err == nil {
		return Decision{Kind: Authorized, Token: tok}, nil
	}
	reason := redeemReason(err)
	if reason == "" {
		return Decision{}, err
	}
	return e.challenge(ctx, req, reason, err)
}

func redeemReason(err error) string {
	switch domain.KindOf(err) {
	case domain.KindTokenNotFound:
		return ReasonNotFound
	case domain.KindTokenExpired:
		return ReasonExpired
	case domain.KindTokenConsumed:
		return ReasonConsumed
	default:
		return ""
	}
}

func (e Engine) challenge(ctx context.Context, req ExecuteRequest, reason string, cause error) (Decision, error) {
	var kind domain.Provider
	if req.PaymentMethod != "" {
		p, err := domain.ParseProvider(req.PaymentMethod)
		if err != nil {
			return Decision{}, domain.Wrap(domain.KindInvalidInput, "unknown payment_method", err)
		}
		kind = p
	}
	s, _, err := e.CreateOrReuse(ctx, SessionRequest{
		CallerKey:    req.CallerKey,
		JobReference: req.JobReference,
		Provider:     kind,
		SuccessURL:   req.SuccessURL,
		CancelURL:    req.CancelURL,
	})
	if err != nil {
		return Decision{}, err
	}
	return Decision{Kind: PaymentRequired, Challenge: e.challengeFor(s, reason), Err: cause}, nil
}

func (e Engine) challengeFor(s domain.PaymentSession, reason string) *Challenge {
	methods := make([]string, 0, len(e.Providers))
	for _, k := range e.Providers.Kinds() {
		methods = append(methods, string(k))
	}
	next := fmt.Sprintf("Pay at checkout_url, then GET /payments/checkout/%s for a payment_token and retry with it.", s.ID)
	if s.Provider == domain.ProviderCrypto {
		next = fmt.Sprintf("Pay at checkout_url, then GET /payments/crypto/%s for a payment_token and retry with it.", s.ProviderRef)
	}
	return &Challenge{
		Status:      string(PaymentRequired),
		Reason:      reason,
		Amount:      float64(s.AmountCents) / 100,
		AmountCents: s.AmountCents,
		Currency:    s.Currency,
		Methods:     methods,
		Provider:    string(s.Provider),
		CheckoutURL: s.CheckoutURL,
		SessionID:   s.ID,
		ExpiresAt:   s.ExpiresAt,
		NextStep:    next,
	}
}
