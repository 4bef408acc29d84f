package server

import (
	"time"

	"simgate/internal/domain"
)

type CreateKeyRequest struct {
	Name string `json:"name,omitempty" maxLength:"128" doc:"Label for the key"`
}

type CreateKeyResponse struct {
	Key       string    `json:"key" doc:"Raw API key; shown once"`
	KeyID     string    `json:"key_id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type TokenExchangeRequest struct {
	APIKey string `json:"api_key" minLength:"1"`
}

type TokenExchangeResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type" example:"Bearer"`
	ExpiresAt time.Time `json:"expires_at" format:"date-time"`
}

type PayRequest struct {
	JobReference string `json:"job_reference" minLength:"1" doc:"Artifact id the payment unlocks"`
	SuccessURL   string `json:"success_url,omitempty" format:"uri"`
	CancelURL    string `json:"cancel_url,omitempty" format:"uri"`
}

type PayResponse struct {
	SessionID   string    `json:"session_id"`
	Provider    string    `json:"provider"`
	CheckoutURL string    `json:"checkout_url"`
	ProviderRef string    `json:"provider_ref"`
	Amount      float64   `json:"amount" example:"1.00"`
	AmountCents int64     `json:"amount_cents"`
	Currency    string    `json:"currency" example:"usd"`
	ExpiresAt   time.Time `json:"expires_at" format:"date-time"`
	Reused      bool      `json:"reused"`
}

func payResponse(s domain.PaymentSession, reused bool) PayResponse {
	return PayResponse{
		SessionID:   s.ID,
		Provider:    string(s.Provider),
		CheckoutURL: s.CheckoutURL,
		ProviderRef: s.ProviderRef,
		Amount:      float64(s.AmountCents) / 100,
		AmountCents: s.AmountCents,
		Currency:    s.Currency,
		ExpiresAt:   s.ExpiresAt,
		Reused:      reused,
	}
}

type TokenResponse struct {
	PaymentToken string    `json:"payment_token"`
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status" enum:"ready,consumed,expired"`
	ExpiresAt    time.Time `json:"expires_at" format:"date-time"`
}

func tokenResponse(t domain.PaymentToken) TokenResponse {
	return TokenResponse{
		PaymentToken: t.Token,
		SessionID:    t.SessionID,
		Status:       string(t.Status),
		ExpiresAt:    t.ExpiresAt,
	}
}

type SessionResponse struct {
	SessionID    string     `json:"session_id"`
	Provider     string     `json:"provider"`
	ProviderRef  string     `json:"provider_ref"`
	CheckoutURL  string     `json:"checkout_url"`
	JobReference string     `json:"job_reference"`
	Amount       float64    `json:"amount"`
	AmountCents  int64      `json:"amount_cents"`
	Currency     string     `json:"currency"`
	Status       string     `json:"status" enum:"pending,ready,expired"`
	CreatedAt    time.Time  `json:"created_at" format:"date-time"`
	ExpiresAt    time.Time  `json:"expires_at" format:"date-time"`
	ReadyAt      *time.Time `json:"ready_at,omitempty" format:"date-time"`
}

func sessionResponse(s domain.PaymentSession) SessionResponse {
	return SessionResponse{
		SessionID:    s.ID,
		Provider:     string(s.Provider),
		ProviderRef:  s.ProviderRef,
		CheckoutURL:  s.CheckoutURL,
		JobReference: s.JobReference,
		Amount:       float64(s.AmountCents) / 100,
		AmountCents:  s.AmountCents,
		Currency:     s.Currency,
		Status:       string(s.Status),
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.ExpiresAt,
		ReadyAt:      s.ReadyAt,
	}
}

type ExecuteRequest struct {
	JobReference  string         `json:"job_reference" minLength:"1" doc:"Artifact id (sha256) to run"`
	Params        map[string]any `json:"params,omitempty" doc:"Simulation parameters handed to the engine"`
	PaymentToken  string         `json:"payment_token,omitempty"`
	PaymentMethod string         `json:"payment_method,omitempty" enum:"stripe,crypto"`
	QuoteOnly     bool           `json:"quote_only,omitempty" doc:"Return the challenge without redeeming or running"`
	SuccessURL    string         `json:"success_url,omitempty"`
	CancelURL     string         `json:"cancel_url,omitempty"`
}

type ExecuteResponse struct {
	Result     any    `json:"result"`
	Cached     bool   `json:"cached"`
	Truncated  bool   `json:"truncated"`
	DurationMS int64  `json:"duration_ms"`
	SessionID  string `json:"session_id"`
}

type ArtifactResponse struct {
	ID         string    `json:"id"`
	SHA256     string    `json:"sha256"`
	Filename   string    `json:"filename,omitempty"`
	Size       int64     `json:"size"`
	SizeHuman  string    `json:"size_human"`
	Platforms  []string  `json:"platforms"`
	HasSources bool      `json:"has_sources"`
	ModelName  string    `json:"model_name,omitempty"`
	FMIVersion string    `json:"fmi_version,omitempty"`
	GUID       string    `json:"guid,omitempty"`
	CreatedAt  time.Time `json:"created_at" format:"date-time"`
	Created    bool      `json:"created"`
}

type VariableResponse struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	Causality    string `json:"causality"`
	Variability  string `json:"variability"`
	DeclaredType string `json:"declared_type,omitempty"`
	Unit         string `json:"unit,omitempty"`
	Description  string `json:"description,omitempty"`
}

type LibraryModelResponse struct {
	ID          string `json:"id"`
	Reference   string `json:"job_reference"`
	ModelName   string `json:"model_name"`
	Description string `json:"description,omitempty"`
	FMIVersion  string `json:"fmi_version,omitempty"`
	GUID        string `json:"guid,omitempty"`
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
}

type UsageResponse struct {
	Items      []domain.UsageRecord `json:"items"`
	NextCursor int64                `json:"next_cursor,omitempty"`
}
