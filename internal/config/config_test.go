package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRequiresProviderCredentials(t *testing.T) {
	cfg := Default()
	assert.Equal(t, int64(100), cfg.Pricing.AmountCents)
	assert.Equal(t, "usd", cfg.Pricing.Currency)
	assert.Equal(t, 30*time.Minute, cfg.Sessions.PendingTTL.Std())
	assert.Equal(t, 24*time.Hour, cfg.Sessions.TokenTTL.Std())
	assert.Equal(t, []string{"x86_64-linux", "linux64"}, cfg.Artifacts.AllowedPlatforms)
	assert.Equal(t, OutputReject, cfg.Sandbox.OutputPolicy)
	require.ErrorContains(t, cfg.Validate(), "stripe.secret_key")
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
pricing:
  amount_cents: 250
stripe:
  secret_key: sk_test_1
sandbox:
  timeout: 5s
  command: [sh, -c, "cat"]
`))
	require.NoError(t, err)
	assert.Equal(t, int64(250), cfg.Pricing.AmountCents)
	assert.Equal(t, "usd", cfg.Pricing.Currency)
	assert.Equal(t, 5*time.Second, cfg.Sandbox.Timeout.Std())
	assert.Equal(t, []string{"sh", "-c", "cat"}, cfg.Sandbox.Command)
}

func TestProductionRefusesInsecureModes(t *testing.T) {
	cfg := Default()
	cfg.Stripe.SecretKey = "sk_test_1"
	cfg.Environment = EnvProduction
	require.NoError(t, cfg.Validate())

	cfg.Webhooks.InsecureSkipVerify = true
	require.ErrorContains(t, cfg.Validate(), "insecure_skip_verify")

	cfg.Webhooks.InsecureSkipVerify = false
	cfg.Sandbox.Isolation = IsolationNone
	require.ErrorContains(t, cfg.Validate(), "isolation=none")

	cfg.Environment = EnvDevelopment
	require.NoError(t, cfg.Validate())
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SIMGATE_STRIPE_SECRET_KEY", "sk_env")
	t.Setenv("SIMGATE_PRICE_CENTS", "300")
	t.Setenv("SIMGATE_TOKEN_TTL", "2h")
	t.Setenv("SIMGATE_ALLOWED_PLATFORMS", "x86_64-linux, darwin64")
	t.Setenv("SIMGATE_SANDBOX_COMMAND", "runner --in {artifact}")
	t.Setenv("SIMGATE_WEBHOOK_INSECURE_SKIP_VERIFY", "true")
	t.Setenv("SIMGATE_LIBRARY_DIR", "/srv/library")

	cfg, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, "sk_env", cfg.Stripe.SecretKey)
	assert.Equal(t, int64(300), cfg.Pricing.AmountCents)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.TokenTTL.Std())
	assert.Equal(t, []string{"x86_64-linux", "darwin64"}, cfg.Artifacts.AllowedPlatforms)
	assert.Equal(t, []string{"runner", "--in", "{artifact}"}, cfg.Sandbox.Command)
	assert.True(t, cfg.Webhooks.InsecureSkipVerify)
	assert.Equal(t, "/srv/library", cfg.Artifacts.LibraryDir)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "simgate.yml")
	require.NoError(t, os.WriteFile(path, []byte("pricing:\n  currency: eur\nstripe:\n  secret_key: sk_file\n"), 0o600))
	t.Setenv("SIMGATE_CURRENCY", "gbp")

	cfg, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, "gbp", cfg.Pricing.Currency)
	assert.Equal(t, "sk_file", cfg.Stripe.SecretKey)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("SIMGATE_STRIPE_SECRET_KEY", "sk_env")
	t.Setenv("SIMGATE_SANDBOX_TIMEOUT", "soon")
	_, err := Load(NewViper(), "")
	require.ErrorContains(t, err, "SIMGATE_SANDBOX_TIMEOUT")
}
