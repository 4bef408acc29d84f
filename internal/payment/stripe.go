package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"simgate/internal/domain"
)

const (
	StripeSignatureHeader = "Stripe-Signature"
	stripeTolerance       = 5 * time.Minute
)

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	APIBase       string
	HTTPClient    *http.Client
}

// Stripe creates Checkout Sessions and verifies Stripe webhook signatures.
type Stripe struct {
	cfg    StripeConfig
	client *http.Client
}

func NewStripe(cfg StripeConfig) *Stripe {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.stripe.com"
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	return &Stripe{cfg: cfg, client: defaultClient(cfg.HTTPClient)}
}

func (s *Stripe) Kind() domain.Provider { return domain.ProviderStripe }

func (s *Stripe) SignatureHeader() string { return StripeSignatureHeader }

func (s *Stripe) CreateCheckout(ctx context.Context, req CheckoutRequest) (Checkout, error) {
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", req.SessionID)
	form.Set("success_url", req.SuccessURL)
	form.Set("cancel_url", req.CancelURL)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", strings.ToLower(req.Currency))
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(req.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", "Simulation run")
	form.Set("line_items[0][price_data][product_data][description]", "Job "+req.JobReference)
	form.Set("metadata[session_id]", req.SessionID)
	form.Set("metadata[job_reference]", req.JobReference)
	form.Set("payment_method_types[0]", "card")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.APIBase+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return Checkout{}, err
	}
	httpReq.SetBasicAuth(s.cfg.SecretKey, "")
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	// Retried creates for the same session collapse on Stripe's side.
	httpReq.Header.Set("Idempotency-Key", req.SessionID)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Checkout{}, fmt.Errorf("stripe checkout: %w", err)
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
		return Checkout{}, &APIError{Provider: domain.ProviderStripe, Status: resp.StatusCode, Message: apiErr.Error.Message}
	}
	var out struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return Checkout{}, fmt.Errorf("decode stripe checkout: %w", err)
	}
	if out.ID == "" || out.URL == "" {
		return Checkout{}, fmt.Errorf("stripe checkout response missing id or url")
	}
	return Checkout{Ref: out.ID, URL: out.URL}, nil
}

// VerifySignature checks a "t=...,v1=..." header: HMAC-SHA256 over
// "<t>.<payload>" with a bounded clock skew.
func (s *Stripe) VerifySignature(payload []byte, header string, now time.Time) error {
	if s.cfg.WebhookSecret == "" {
		return ErrSecretNotConfigured
	}
	var (
		ts   int64
		sigs []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("%w: bad timestamp", domain.ErrInvalidSignature)
			}
			ts = parsed
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == 0 || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed header", domain.ErrInvalidSignature)
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > stripeTolerance || skew < -stripeTolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrInvalidSignature)
	}
	expected := stripeMAC(s.cfg.WebhookSecret, ts, payload)
	for _, sig := range sigs {
		got, err := hex.DecodeString(sig)
		if err == nil && hmac.Equal(got, expected) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

func stripeMAC(secret string, ts int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return mac.Sum(nil)
}

// SignStripe builds a Stripe-Signature header value for payload.
func SignStripe(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(stripeMAC(secret, ts, payload)))
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID                string            `json:"id"`
			PaymentStatus     string            `json:"payment_status"`
			ClientReferenceID string            `json:"client_reference_id"`
			Metadata          map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (s *Stripe) ParseEvent(payload []byte) (Event, error) {
	var raw stripeEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("decode stripe event: %w", err)
	}
	obj := raw.Data.Object
	ev := Event{
		ID:         raw.ID,
		Type:       raw.Type,
		SessionRef: obj.ID,
		SessionID:  obj.Metadata["session_id"],
		Outcome:    OutcomeIgnored,
	}
	if ev.SessionID == "" {
		ev.SessionID = obj.ClientReferenceID
	}
	switch raw.Type {
	case "checkout.session.completed":
		switch obj.PaymentStatus {
		case "", "paid", "no_payment_required":
			ev.Outcome = OutcomeConfirmed
		default:
			// Delayed methods complete as "unpaid" and settle later.
			ev.Outcome = OutcomePending
		}
	case "checkout.session.async_payment_succeeded":
		ev.Outcome = OutcomeConfirmed
	case "checkout.session.async_payment_failed", "checkout.session.expired":
		ev.Outcome = OutcomeFailed
	}
	if ev.ID == "" {
		ev.ID = raw.Type + ":" + obj.ID
	}
	return ev, nil
}
