package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"simgate/internal/config"
	"simgate/internal/domain"
)

// ErrSecretNotConfigured is returned by VerifySignature when the provider
// has no webhook secret. Callers reject the event unless insecure mode was
// explicitly enabled.
var ErrSecretNotConfigured = errors.New("webhook secret not configured")

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomePending   Outcome = "pending"
	OutcomeFailed    Outcome = "failed"
	OutcomeIgnored   Outcome = "ignored"
)

type CheckoutRequest struct {
	SessionID    string
	CallerKey    string
	JobReference string
	AmountCents  int64
	Currency     string
	SuccessURL   string
	CancelURL    string
}

// Checkout is what the provider hands back for a new payment attempt.
type Checkout struct {
	Ref string
	URL string
}

// Event is a provider notification reduced to what the webhook processor
// acts on. SessionRef is the provider reference; SessionID is our id when
// the provider echoes it back in metadata.
type Event struct {
	ID         string
	Type       string
	SessionRef string
	SessionID  string
	Outcome    Outcome
}

type Provider interface {
	Kind() domain.Provider
	CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error)
	// SignatureHeader names the HTTP header carrying the signature.
	SignatureHeader() string
	VerifySignature(payload []byte, signature string, now time.Time) error
	ParseEvent(payload []byte) (Event, error)
}

// Registry holds the enabled providers.
type Registry map[domain.Provider]Provider

func NewRegistry(providers ...Provider) Registry {
	reg := Registry{}
	for _, p := range providers {
		reg[p.Kind()] = p
	}
	return reg
}

func (r Registry) Get(kind domain.Provider) (Provider, error) {
	p, ok := r[kind]
	if !ok {
		return nil, fmt.Errorf("payment provider %q is not enabled", kind)
	}
	return p, nil
}

// Kinds lists enabled providers in a stable order.
func (r Registry) Kinds() []domain.Provider {
	kinds := make([]domain.Provider, 0, len(r))
	for k := range r {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] > kinds[j] })
	return kinds
}

// FromConfig builds the registry of enabled providers. client may be nil.
func FromConfig(cfg *config.Config, client *http.Client) Registry {
	reg := Registry{}
	if cfg.Stripe.Enabled {
		reg[domain.ProviderStripe] = NewStripe(StripeConfig{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			APIBase:       cfg.Stripe.APIBase,
			HTTPClient:    client,
		})
	}
	if cfg.Crypto.Enabled {
		reg[domain.ProviderCrypto] = NewCrypto(CryptoConfig{
			APIKey:        cfg.Crypto.SecretKey,
			WebhookSecret: cfg.Crypto.WebhookSecret,
			APIBase:       cfg.Crypto.APIBase,
			HTTPClient:    client,
		})
	}
	return reg
}

// Default returns the provider used when the caller expresses no preference.
func (r Registry) Default() (Provider, error) {
	if p, ok := r[domain.ProviderStripe]; ok {
		return p, nil
	}
	if p, ok := r[domain.ProviderCrypto]; ok {
		return p, nil
	}
	return nil, errors.New("no payment provider enabled")
}

// APIError is a non-2xx answer from a provider API.
type APIError struct {
	Provider domain.Provider
	Status   int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api: %d %s", e.Provider, e.Status, e.Message)
}

const defaultHTTPTimeout = 15 * time.Second

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func formatAmount(cents int64) string {
	return fmt.Sprintf("%d.%02d", cents/100, cents%100)
}
