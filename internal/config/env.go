package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment key, e.g. SIMGATE_PRICE_CENTS.
const EnvPrefix = "SIMGATE"

// NewViper returns a viper instance reading SIMGATE_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	return v
}

type override func(v *viper.Viper, key string, c *Config) error

func str(field func(*Config) *string) override {
	return func(v *viper.Viper, key string, c *Config) error {
		*field(c) = strings.TrimSpace(v.GetString(key))
		return nil
	}
}

func boolean(field func(*Config) *bool) override {
	return func(v *viper.Viper, key string, c *Config) error {
		*field(c) = v.GetBool(key)
		return nil
	}
}

func integer(field func(*Config) *int) override {
	return func(v *viper.Viper, key string, c *Config) error {
		*field(c) = v.GetInt(key)
		return nil
	}
}

func int64s(field func(*Config) *int64) override {
	return func(v *viper.Viper, key string, c *Config) error {
		*field(c) = v.GetInt64(key)
		return nil
	}
}

func duration(field func(*Config) *Duration) override {
	return func(v *viper.Viper, key string, c *Config) error {
		d, err := time.ParseDuration(strings.TrimSpace(v.GetString(key)))
		if err != nil {
			return fmt.Errorf("%s_%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
		*field(c) = Duration(d)
		return nil
	}
}

func csv(field func(*Config) *[]string) override {
	return func(v *viper.Viper, key string, c *Config) error {
		var out []string
		for _, part := range strings.Split(v.GetString(key), ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*field(c) = out
		return nil
	}
}

func fields(field func(*Config) *[]string) override {
	return func(v *viper.Viper, key string, c *Config) error {
		*field(c) = strings.Fields(v.GetString(key))
		return nil
	}
}

var overrides = map[string]override{
	"environment":                  str(func(c *Config) *string { return &c.Environment }),
	"addr":                         str(func(c *Config) *string { return &c.Server.Addr }),
	"base_path":                    str(func(c *Config) *string { return &c.Server.BasePath }),
	"acme_domain":                  str(func(c *Config) *string { return &c.Server.ACMEDomain }),
	"acme_cache_dir":               str(func(c *Config) *string { return &c.Server.ACMECacheDir }),
	"database_url":                 str(func(c *Config) *string { return &c.Storage.DatabaseURL }),
	"db_path":                      str(func(c *Config) *string { return &c.Storage.Path }),
	"data_mount":                   str(func(c *Config) *string { return &c.Storage.DataMount }),
	"workspace":                    str(func(c *Config) *string { return &c.Storage.Workspace }),
	"price_cents":                  int64s(func(c *Config) *int64 { return &c.Pricing.AmountCents }),
	"currency":                     str(func(c *Config) *string { return &c.Pricing.Currency }),
	"pending_session_ttl":          duration(func(c *Config) *Duration { return &c.Sessions.PendingTTL }),
	"token_ttl":                    duration(func(c *Config) *Duration { return &c.Sessions.TokenTTL }),
	"stripe_enabled":               boolean(func(c *Config) *bool { return &c.Stripe.Enabled }),
	"stripe_secret_key":            str(func(c *Config) *string { return &c.Stripe.SecretKey }),
	"stripe_webhook_secret":        str(func(c *Config) *string { return &c.Stripe.WebhookSecret }),
	"stripe_api_base":              str(func(c *Config) *string { return &c.Stripe.APIBase }),
	"crypto_enabled":               boolean(func(c *Config) *bool { return &c.Crypto.Enabled }),
	"crypto_api_key":               str(func(c *Config) *string { return &c.Crypto.SecretKey }),
	"crypto_webhook_secret":        str(func(c *Config) *string { return &c.Crypto.WebhookSecret }),
	"crypto_api_base":              str(func(c *Config) *string { return &c.Crypto.APIBase }),
	"webhook_insecure_skip_verify": boolean(func(c *Config) *bool { return &c.Webhooks.InsecureSkipVerify }),
	"success_url":                  str(func(c *Config) *string { return &c.Checkout.SuccessURL }),
	"cancel_url":                   str(func(c *Config) *string { return &c.Checkout.CancelURL }),
	"jwt_secret":                   str(func(c *Config) *string { return &c.Auth.JWTSecret }),
	"jwt_ttl":                      duration(func(c *Config) *Duration { return &c.Auth.JWTTTL }),
	"artifact_dir":                 str(func(c *Config) *string { return &c.Artifacts.Dir }),
	"library_dir":                  str(func(c *Config) *string { return &c.Artifacts.LibraryDir }),
	"artifact_max_bytes":           int64s(func(c *Config) *int64 { return &c.Artifacts.MaxBytes }),
	"artifact_max_extracted_bytes": int64s(func(c *Config) *int64 { return &c.Artifacts.MaxExtractedBytes }),
	"artifact_max_entries":         integer(func(c *Config) *int { return &c.Artifacts.MaxEntries }),
	"allowed_platforms":            csv(func(c *Config) *[]string { return &c.Artifacts.AllowedPlatforms }),
	"sandbox_command":              fields(func(c *Config) *[]string { return &c.Sandbox.Command }),
	"sandbox_isolation":            str(func(c *Config) *string { return &c.Sandbox.Isolation }),
	"sandbox_docker_image":         str(func(c *Config) *string { return &c.Sandbox.DockerImage }),
	"sandbox_memory":               str(func(c *Config) *string { return &c.Sandbox.Memory }),
	"sandbox_timeout":              duration(func(c *Config) *Duration { return &c.Sandbox.Timeout }),
	"sandbox_max_output_bytes":     int64s(func(c *Config) *int64 { return &c.Sandbox.MaxOutputBytes }),
	"sandbox_output_policy":        str(func(c *Config) *string { return &c.Sandbox.OutputPolicy }),
	"sandbox_work_dir":             str(func(c *Config) *string { return &c.Sandbox.WorkDir }),
	"redis_url":                    str(func(c *Config) *string { return &c.Cache.RedisURL }),
	"result_cache_ttl":             duration(func(c *Config) *Duration { return &c.Cache.TTL }),
	"rate_limit_per_minute":        integer(func(c *Config) *int { return &c.RateLimit.PerMinute }),
	"key_rate_limit_per_minute":    integer(func(c *Config) *int { return &c.RateLimit.KeysPerMinute }),
	"sweep_interval":               duration(func(c *Config) *Duration { return &c.Sweep.Interval }),
	"usage_queue_size":             integer(func(c *Config) *int { return &c.Usage.QueueSize }),
	"log_format":                   str(func(c *Config) *string { return &c.Log.Format }),
	"log_level":                    str(func(c *Config) *string { return &c.Log.Level }),
}

// Load builds the effective configuration: defaults, then the optional YAML
// file, then every key viper can see (environment or bound flags).
func Load(v *viper.Viper, path string) (*Config, error) {
	cfg, err := LoadUnvalidated(v, path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnvalidated is Load without Validate, for CLI commands that only touch
// storage and have no use for payment credentials.
func LoadUnvalidated(v *viper.Viper, path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("invalid config yaml: %w", err)
		}
	}
	for key, apply := range overrides {
		if !v.IsSet(key) {
			continue
		}
		if err := apply(v, key, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
