// Package enginetest assembles a fully wired engine on a temporary SQLite
// database with fake payment providers and an unisolated shell sandbox.
package enginetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog"
	"cdr.dev/slog/sloggers/slogtest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"simgate/internal/artifact"
	"simgate/internal/cache"
	"simgate/internal/config"
	"simgate/internal/db"
	"simgate/internal/domain"
	"simgate/internal/engine"
	"simgate/internal/engine/auth"
	"simgate/internal/metrics"
	"simgate/internal/migrate"
	"simgate/internal/payment"
	"simgate/internal/payment/paymenttest"
	"simgate/internal/sandbox"
	"simgate/internal/sandbox/sandboxtest"
)

const (
	StripeWebhookSecret = "whsec_test"
	CryptoWebhookSecret = "crypto_whsec_test"
	JWTSecret           = "jwt-test-secret"
)

// Start is where every Clock begins.
var Start = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock { return &Clock{now: start} }

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type Env struct {
	Engine  engine.Engine
	Auth    auth.Service
	Config  *config.Config
	API     *paymenttest.Server
	Clock   *Clock
	Metrics *metrics.Metrics
	Logger  slog.Logger

	// Caller is a seeded API key; CallerRaw is its secret.
	Caller    domain.APIKey
	CallerRaw string
	// Job is the id of a stored valid artifact.
	Job string
}

// New builds an Env. mutate runs on the config before anything is wired.
func New(t testing.TB, mutate func(*config.Config)) *Env {
	t.Helper()
	ctx := context.Background()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})

	api := paymenttest.NewServer(t)
	cfg := config.Default()
	cfg.Stripe.SecretKey = "sk_test_x"
	cfg.Stripe.WebhookSecret = StripeWebhookSecret
	cfg.Stripe.APIBase = api.URL
	cfg.Crypto.Enabled = true
	cfg.Crypto.SecretKey = "crypto_key_x"
	cfg.Crypto.WebhookSecret = CryptoWebhookSecret
	cfg.Crypto.APIBase = api.URL
	cfg.Auth.JWTSecret = JWTSecret
	cfg.Sandbox.Isolation = config.IsolationNone
	cfg.Sandbox.Command = []string{"sh", "-c", "cat"}
	cfg.Sandbox.Timeout = config.Duration(5 * time.Second)
	cfg.Sandbox.WorkDir = t.TempDir()
	cfg.Checkout.SuccessURL = "https://example.test/success"
	cfg.Checkout.CancelURL = "https://example.test/cancel"
	if mutate != nil {
		mutate(cfg)
	}

	conn, target, err := db.Open(ctx, db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = migrate.Migrate(ctx, conn, target.Dialect)
	require.NoError(t, err)

	clock := NewClock(Start)
	m := metrics.New()
	eng := engine.New(conn, target.Dialect, cfg, payment.FromConfig(cfg, nil), logger)
	eng.Now = clock.Now
	eng.Metrics = m

	runner, err := sandbox.New(sandbox.Config{
		Command:        cfg.Sandbox.Command,
		Isolation:      cfg.Sandbox.Isolation,
		Timeout:        cfg.Sandbox.Timeout.Std(),
		MaxOutputBytes: cfg.Sandbox.MaxOutputBytes,
		OutputPolicy:   cfg.Sandbox.OutputPolicy,
		WorkDir:        cfg.Sandbox.WorkDir,
		Limits: sandbox.Limits{
			MaxBytes:          cfg.Artifacts.MaxBytes,
			MaxExtractedBytes: cfg.Artifacts.MaxExtractedBytes,
			MaxEntries:        cfg.Artifacts.MaxEntries,
			AllowedPlatforms:  cfg.Artifacts.AllowedPlatforms,
		},
	}, logger)
	require.NoError(t, err)
	eng.Runner = runner
	eng.Artifacts = artifact.NewStoreFS(afero.NewMemMapFs(), eng.Repo, eng.Events, runner.Validator(), logger)
	eng.Cache = cache.NewMemory(128)
	eng.Usage = engine.NewUsageRecorder(eng.Repo, cfg.Usage.QueueSize, logger, m)
	t.Cleanup(func() { _ = eng.Usage.Close(context.Background()) })

	svc := auth.Service{
		Repo:      eng.Repo,
		Events:    eng.Events,
		JWTSecret: cfg.Auth.JWTSecret,
		JWTTTL:    cfg.Auth.JWTTTL.Std(),
		Now:       clock.Now,
	}
	raw, key, err := svc.IssueKey(ctx, "test")
	require.NoError(t, err)

	art, _, err := eng.Artifacts.Put(ctx, "bouncing.fmu", sandboxtest.FMU(t), key.ID)
	require.NoError(t, err)

	return &Env{
		Engine:    eng,
		Auth:      svc,
		Config:    cfg,
		API:       api,
		Clock:     clock,
		Metrics:   m,
		Logger:    logger,
		Caller:    key,
		CallerRaw: raw,
		Job:       art.ID,
	}
}

// StripeEvent signs body with the configured secret at the current clock.
func (e *Env) StripeEvent(body []byte) (payload []byte, signature string) {
	return body, payment.SignStripe(StripeWebhookSecret, body, e.Clock.Now())
}

// CryptoEvent signs body with the configured crypto secret.
func (e *Env) CryptoEvent(body []byte) (payload []byte, signature string) {
	return body, payment.SignCrypto(CryptoWebhookSecret, body)
}

// Confirm delivers a signed confirmation for s and returns the issued token.
func (e *Env) Confirm(t testing.TB, s domain.PaymentSession) domain.PaymentToken {
	t.Helper()
	ctx := context.Background()
	body, sig := e.StripeEvent(paymenttest.StripeCompleted("evt-"+s.ID, s.ProviderRef, s.ID))
	if s.Provider == domain.ProviderCrypto {
		body, sig = e.CryptoEvent(paymenttest.CryptoConfirmed("evt-"+s.ID, s.ProviderRef, s.ID))
	}
	ack, err := e.Engine.HandleWebhook(ctx, s.Provider, body, sig)
	require.NoError(t, err)
	require.Equal(t, engine.ActionTokenIssued, ack.Action)
	tok, err := e.Engine.TokenForSession(ctx, s.CallerKey, s.ID)
	require.NoError(t, err)
	return tok
}

// Token runs the whole purchase for job and returns a ready token.
func (e *Env) Token(t testing.TB, job string) domain.PaymentToken {
	t.Helper()
	s, _, err := e.Engine.CreateOrReuse(context.Background(), engine.SessionRequest{
		CallerKey:    e.Caller.ID,
		JobReference: job,
	})
	require.NoError(t, err)
	return e.Confirm(t, s)
}
