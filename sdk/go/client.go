package simgatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal simgate HTTP API client that understands the 402
// payment flow.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Timeout: 2 * time.Minute,
	}
}

// Challenge is the body of a payment-required answer.
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
	ExpiresAt   time.Time `json:"expires_at"`
	NextStep    string    `json:"next_step"`
}

type Key struct {
	Key       string    `json:"key"`
	KeyID     string    `json:"key_id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Checkout struct {
	SessionID   string    `json:"session_id"`
	Provider    string    `json:"provider"`
	CheckoutURL string    `json:"checkout_url"`
	ProviderRef string    `json:"provider_ref"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency"`
	ExpiresAt   time.Time `json:"expires_at"`
	Reused      bool      `json:"reused"`
}

type PaymentToken struct {
	PaymentToken string    `json:"payment_token"`
	SessionID    string    `json:"session_id"`
	Status       string    `json:"status"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type ExecuteRequest struct {
	JobReference  string         `json:"job_reference"`
	Params        map[string]any `json:"params,omitempty"`
	PaymentToken  string         `json:"payment_token,omitempty"`
	PaymentMethod string         `json:"payment_method,omitempty"`
	QuoteOnly     bool           `json:"quote_only,omitempty"`
}

type ExecuteResult struct {
	Result     json.RawMessage `json:"result"`
	Cached     bool            `json:"cached"`
	Truncated  bool            `json:"truncated"`
	DurationMS int64           `json:"duration_ms"`
	SessionID  string          `json:"session_id"`
}

type Artifact struct {
	ID         string    `json:"id"`
	SHA256     string    `json:"sha256"`
	Filename   string    `json:"filename,omitempty"`
	Size       int64     `json:"size"`
	Platforms  []string  `json:"platforms"`
	ModelName  string    `json:"model_name,omitempty"`
	FMIVersion string    `json:"fmi_version,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Created    bool      `json:"created"`
}

type Variable struct {
	Name         string `json:"name"`
	Type         string `json:"type,omitempty"`
	Causality    string `json:"causality"`
	Variability  string `json:"variability"`
	DeclaredType string `json:"declared_type,omitempty"`
	Unit         string `json:"unit,omitempty"`
	Description  string `json:"description,omitempty"`
}

// LibraryModel is a built-in model; run it with JobReference set to
// Reference.
type LibraryModel struct {
	ID          string `json:"id"`
	Reference   string `json:"job_reference"`
	ModelName   string `json:"model_name"`
	Description string `json:"description,omitempty"`
	FMIVersion  string `json:"fmi_version,omitempty"`
	SHA256      string `json:"sha256"`
}

type UsageRecord struct {
	ID           int64     `json:"id"`
	JobReference string    `json:"job_reference"`
	Timestamp    time.Time `json:"timestamp"`
	DurationMS   int64     `json:"duration_ms"`
	Outcome      string    `json:"outcome"`
}

type UsagePage struct {
	Items      []UsageRecord `json:"items"`
	NextCursor int64         `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Challenge is set when the server
// answered with payment instructions (402, and 404/410 for a spent or
// unknown token).
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Challenge  *Challenge
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("simgate: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("simgate: status=%d body=%s", e.StatusCode, e.Body)
}

// ChallengeOf returns the payment challenge carried by err, if any.
func ChallengeOf(err error) (*Challenge, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Challenge != nil {
		return apiErr.Challenge, true
	}
	return nil, false
}

// IsCode reports whether err is an APIError with the given error code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// CreateKey issues a new API key. No credentials are needed.
func (c *Client) CreateKey(ctx context.Context, name string) (Key, error) {
	var resp Key
	err := c.do(ctx, http.MethodPost, "keys", map[string]any{"name": name}, &resp)
	return resp, err
}

// ExchangeToken trades the client's API key for a bearer token and uses it
// for subsequent calls.
func (c *Client) ExchangeToken(ctx context.Context) (time.Time, error) {
	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/token", map[string]any{"api_key": c.APIKey}, &resp); err != nil {
		return time.Time{}, err
	}
	c.BearerToken = resp.Token
	return resp.ExpiresAt, nil
}

// Pay opens or reuses a checkout for job. method is "stripe" or "crypto".
func (c *Client) Pay(ctx context.Context, job, method string) (Checkout, error) {
	endpoint := "pay"
	if method == "crypto" {
		endpoint = "pay/crypto"
	}
	var resp Checkout
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"job_reference": job}, &resp)
	return resp, err
}

// Execute runs the job. Without a usable token the error carries a
// Challenge; see ChallengeOf.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	var resp ExecuteResult
	err := c.do(ctx, http.MethodPost, "execute", req, &resp)
	return resp, err
}

// PaymentToken fetches the token of a paid checkout session.
func (c *Client) PaymentToken(ctx context.Context, sessionID string) (PaymentToken, error) {
	var resp PaymentToken
	err := c.do(ctx, http.MethodGet, "payments/checkout/"+url.PathEscape(sessionID), nil, &resp)
	return resp, err
}

// CryptoPaymentToken fetches the token of a confirmed crypto charge.
func (c *Client) CryptoPaymentToken(ctx context.Context, code string) (PaymentToken, error) {
	var resp PaymentToken
	err := c.do(ctx, http.MethodGet, "payments/crypto/"+url.PathEscape(code), nil, &resp)
	return resp, err
}

// WaitForToken polls until the session behind ch has a token, ctx ends, or
// the session can no longer be paid.
func (c *Client) WaitForToken(ctx context.Context, ch *Challenge, interval time.Duration) (PaymentToken, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for {
		tok, err := c.PaymentToken(ctx, ch.SessionID)
		if err == nil {
			return tok, nil
		}
		if !IsCode(err, "token_not_ready") {
			return PaymentToken{}, err
		}
		select {
		case <-ctx.Done():
			return PaymentToken{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// PayFunc completes the checkout described by a challenge, for example by
// opening CheckoutURL for a human. It returns once payment was submitted.
type PayFunc func(ctx context.Context, ch *Challenge) error

// Run executes req, paying through pay when the server asks for it.
func (c *Client) Run(ctx context.Context, req ExecuteRequest, pay PayFunc, poll time.Duration) (ExecuteResult, error) {
	res, err := c.Execute(ctx, req)
	ch, ok := ChallengeOf(err)
	if !ok {
		return res, err
	}
	if err := pay(ctx, ch); err != nil {
		return ExecuteResult{}, err
	}
	tok, err := c.WaitForToken(ctx, ch, poll)
	if err != nil {
		return ExecuteResult{}, err
	}
	req.PaymentToken = tok.PaymentToken
	req.QuoteOnly = false
	return c.Execute(ctx, req)
}

// UploadArtifact stores an FMU archive and returns its metadata. The id is
// the job reference for Execute.
func (c *Client) UploadArtifact(ctx context.Context, filename string, content []byte) (Artifact, error) {
	endpoint := "artifacts"
	if filename != "" {
		endpoint += "?filename=" + url.QueryEscape(filename)
	}
	var resp Artifact
	err := c.send(ctx, http.MethodPost, endpoint, "application/zip", bytes.NewReader(content), &resp)
	return resp, err
}

// Variables lists the model variables of an artifact or library model.
func (c *Client) Variables(ctx context.Context, id string) ([]Variable, error) {
	var resp []Variable
	err := c.do(ctx, http.MethodGet, "artifacts/"+url.PathEscape(id)+"/variables", nil, &resp)
	return resp, err
}

// Library lists built-in models matching query; an empty query lists all.
func (c *Client) Library(ctx context.Context, query string) ([]LibraryModel, error) {
	endpoint := "library"
	if query != "" {
		endpoint += "?query=" + url.QueryEscape(query)
	}
	var resp []LibraryModel
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Usage returns one page of the caller's usage records.
func (c *Client) Usage(ctx context.Context, after int64, limit int) (UsagePage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprint(after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := "usage"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp UsagePage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	return c.send(ctx, method, endpoint, "application/json", reader, out)
}

func (c *Client) send(ctx context.Context, method, endpoint, contentType string, body io.Reader, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var envelope struct {
		Challenge
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &envelope) == nil {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		if envelope.Challenge.SessionID != "" {
			ch := envelope.Challenge
			apiErr.Challenge = &ch
		}
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
