package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"simgate/internal/domain"
)

const (
	CryptoSignatureHeader = "X-CC-Webhook-Signature"
	cryptoAPIVersion      = "2018-03-22"
)

type CryptoConfig struct {
	APIKey        string
	WebhookSecret string
	APIBase       string
	HTTPClient    *http.Client
}

// Crypto talks to a Coinbase Commerce style charges API.
type Crypto struct {
	cfg    CryptoConfig
	client *http.Client
}

func NewCrypto(cfg CryptoConfig) *Crypto {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.commerce.coinbase.com"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Crypto{cfg: cfg, client: defaultClient(cfg.HTTPClient)}
}

func (c *Crypto) Kind() domain.Provider { return domain.ProviderCrypto }

func (c *Crypto) SignatureHeader() string { return CryptoSignatureHeader }

type cryptoMoney struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

func (c *Crypto) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	payload, err := json.Marshal(map[string]any{
		"name":         "Simulation run",
		"description":  "Job " + req.JobReference,
		"pricing_type": "fixed_price",
		"local_price":  cryptoMoney{Amount: formatAmount(req.AmountCents), Currency: strings.ToUpper(req.Currency)},
		"metadata":     map[string]string{"session_id": req.SessionID, "job_reference": req.JobReference},
		"redirect_url": req.SuccessURL,
		"cancel_url":   req.CancelURL,
	})
	if err != nil {
		return Checkout{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIBase+"/charges", bytes.NewReader(payload))
	if err != nil {
		return Checkout{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-CC-Api-Key", c.cfg.APIKey)
	httpReq.Header.Set("X-CC-Version", cryptoAPIVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Checkout{}, fmt.Errorf("crypto charge: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Checkout{}, err
	}
	if resp.StatusCode/100 != 2 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.Unmarshal(body, &apiErr)
		return Checkout{}, &APIError{Provider: domain.ProviderCrypto, Status: resp.StatusCode, Message: apiErr.Error.Message}
	}
	var out struct {
		Data struct {
			ID        string `json:"id"`
			Code      string `json:"code"`
			HostedURL string `json:"hosted_url"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Checkout{}, fmt.Errorf("decode crypto charge: %w", err)
	}
	if out.Data.Code == "" || out.Data.HostedURL == "" {
		return Checkout{}, fmt.Errorf("crypto charge response missing code or hosted_url")
	}
	return Checkout{Ref: out.Data.Code, URL: out.Data.HostedURL}, nil
}

// VerifySignature checks the hex HMAC-SHA256 of the raw body.
func (c *Crypto) VerifySignature(payload []byte, signature string, _ time.Time) error {
	if c.cfg.WebhookSecret == "" {
		return ErrSecretNotConfigured
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(got) == 0 {
		return fmt.Errorf("%w: malformed signature", domain.ErrInvalidSignature)
	}
	if !hmac.Equal(got, cryptoMAC(c.cfg.WebhookSecret, payload)) {
		return domain.ErrInvalidSignature
	}
	return nil
}

func cryptoMAC(secret string, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignCrypto builds an X-CC-Webhook-Signature value for payload.
func SignCrypto(secret string, payload []byte) string {
	return hex.EncodeToString(cryptoMAC(secret, payload))
}

type cryptoEvent struct {
	ID    string `json:"id"`
	Event struct {
		ID   string `json:"id"`
		Type string `json:"type"`
		Data struct {
			ID       string            `json:"id"`
			Code     string            `json:"code"`
			Metadata map[string]string `json:"metadata"`
		} `json:"data"`
	} `json:"event"`
}

func (c *Crypto) ParseEvent(payload []byte) (Event, error) {
	var raw cryptoEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decode crypto event: %w", err)
	}
	ev := Event{
		ID:         raw.Event.ID,
		Type:       raw.Event.Type,
		SessionRef: raw.Event.Data.Code,
		SessionID:  raw.Event.Data.Metadata["session_id"],
		Outcome:    OutcomeIgnored,
	}
	if ev.ID == "" {
		ev.ID = raw.ID
	}
	if ev.SessionRef == "" {
		ev.SessionRef = raw.Event.Data.ID
	}
	switch ev.Type {
	case "charge:confirmed", "charge:resolved":
		ev.Outcome = OutcomeConfirmed
	case "charge:created", "charge:pending", "charge:delayed":
		ev.Outcome = OutcomePending
	case "charge:failed":
		ev.Outcome = OutcomeFailed
	}
	if ev.ID == "" {
		ev.ID = ev.Type + ":" + ev.SessionRef
	}
	return ev, nil
}
