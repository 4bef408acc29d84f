package domain

import (
	"fmt"
	"strings"
	"time"
)

type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderCrypto Provider = "crypto"
)

// ParseProvider maps a path segment or config value to a known provider.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderStripe, ProviderCrypto:
		return p, nil
	default:
		return "", fmt.Errorf("unknown payment provider %q", s)
	}
}

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionReady   SessionStatus = "ready"
	SessionExpired SessionStatus = "expired"
)

type TokenStatus string

const (
	TokenReady    TokenStatus = "ready"
	TokenConsumed TokenStatus = "consumed"
	TokenExpired  TokenStatus = "expired"
)

type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at" format:"date-time"`
	RevokedAt *time.Time `json:"revoked_at,omitempty" format:"date-time"`
}

func (k APIKey) Revoked() bool { return k.RevokedAt != nil }

// PaymentSession is one checkout attempt for a (caller, job) pair.
// CallerKey holds the API key id, never the raw key.
type PaymentSession struct {
	ID           string        `json:"session_id"`
	CallerKey    string        `json:"caller_key"`
	Provider     Provider      `json:"provider" enum:"stripe,crypto"`
	ProviderRef  string        `json:"provider_ref"`
	CheckoutURL  string        `json:"checkout_url"`
	JobReference string        `json:"job_reference"`
	AmountCents  int64         `json:"amount_cents"`
	Currency     string        `json:"currency"`
	Status       SessionStatus `json:"status" enum:"pending,ready,expired"`
	CreatedAt    time.Time     `json:"created_at" format:"date-time"`
	ExpiresAt    time.Time     `json:"expires_at" format:"date-time"`
	ReadyAt      *time.Time    `json:"ready_at,omitempty" format:"date-time"`
}

// EffectiveStatus applies lazy expiry: a pending session past its deadline
// reads as expired whether or not the row has been swept.
func (s PaymentSession) EffectiveStatus(now time.Time) SessionStatus {
	if s.Status == SessionPending && !now.Before(s.ExpiresAt) {
		return SessionExpired
	}
	return s.Status
}

type PaymentToken struct {
	Token      string      `json:"payment_token"`
	SessionID  string      `json:"session_id"`
	Status     TokenStatus `json:"status" enum:"ready,consumed,expired"`
	IssuedAt   time.Time   `json:"issued_at" format:"date-time"`
	ExpiresAt  time.Time   `json:"expires_at" format:"date-time"`
	ConsumedAt *time.Time  `json:"consumed_at,omitempty" format:"date-time"`
}

func (t PaymentToken) EffectiveStatus(now time.Time) TokenStatus {
	if t.Status == TokenReady && !now.Before(t.ExpiresAt) {
		return TokenExpired
	}
	return t.Status
}

type UsageOutcome string

const (
	UsageSucceeded UsageOutcome = "succeeded"
	UsageCached    UsageOutcome = "cached"
	UsageFailed    UsageOutcome = "failed"
	UsageTimeout   UsageOutcome = "timeout"
	UsageTooLarge  UsageOutcome = "too_large"
)

type UsageRecord struct {
	ID           int64         `json:"id"`
	CallerKey    string        `json:"caller_key"`
	JobReference string        `json:"job_reference"`
	Timestamp    time.Time     `json:"timestamp" format:"date-time"`
	Duration     time.Duration `json:"-"`
	DurationMS   int64         `json:"duration_ms"`
	Outcome      UsageOutcome  `json:"outcome"`
}

// Artifact is an uploaded simulation package, addressed by its SHA-256.
type Artifact struct {
	ID          string    `json:"id"`
	SHA256      string    `json:"sha256"`
	Filename    string    `json:"filename,omitempty"`
	Size        int64     `json:"size"`
	Platforms   []string  `json:"platforms"`
	HasSources  bool      `json:"has_sources"`
	ModelName   string    `json:"model_name,omitempty"`
	FMIVersion  string    `json:"fmi_version,omitempty"`
	GUID        string    `json:"guid,omitempty"`
	StoragePath string    `json:"-"`
	UploadedBy  string    `json:"-"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

// WebhookEvent is a journal row for every verified provider notification.
type WebhookEvent struct {
	Provider    Provider  `json:"provider"`
	EventID     string    `json:"event_id"`
	Type        string    `json:"type"`
	ProviderRef string    `json:"provider_ref,omitempty"`
	Outcome     string    `json:"outcome"`
	ReceivedAt  time.Time `json:"received_at" format:"date-time"`
}

type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts" format:"date-time"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	ActorID    string    `json:"actor_id,omitempty"`
	Payload    any       `json:"payload,omitempty"`
}
