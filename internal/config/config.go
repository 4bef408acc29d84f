package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvProduction  = "production"
	EnvDevelopment = "development"

	IsolationNetNS  = "netns"
	IsolationDocker = "docker"
	IsolationNone   = "none"

	OutputReject   = "reject"
	OutputTruncate = "truncate"
)

// Duration is a time.Duration that reads "30m" style strings from YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

type ProviderConfig struct {
	Enabled       bool   `yaml:"enabled"`
	SecretKey     string `yaml:"secret_key"`
	WebhookSecret string `yaml:"webhook_secret"`
	APIBase       string `yaml:"api_base"`
}

// Config models simgate.yml. One value is built at startup and handed to
// every component constructor.
type Config struct {
	Environment string `yaml:"environment"`
	Server      struct {
		Addr         string `yaml:"addr"`
		BasePath     string `yaml:"base_path"`
		ACMEDomain   string `yaml:"acme_domain"`
		ACMECacheDir string `yaml:"acme_cache_dir"`
	} `yaml:"server"`
	Storage struct {
		DatabaseURL string `yaml:"database_url"`
		Path        string `yaml:"path"`
		DataMount   string `yaml:"data_mount"`
		Workspace   string `yaml:"workspace"`
	} `yaml:"storage"`
	Pricing struct {
		AmountCents int64  `yaml:"amount_cents"`
		Currency    string `yaml:"currency"`
	} `yaml:"pricing"`
	Sessions struct {
		PendingTTL Duration `yaml:"pending_ttl"`
		TokenTTL   Duration `yaml:"token_ttl"`
	} `yaml:"sessions"`
	Stripe   ProviderConfig `yaml:"stripe"`
	Crypto   ProviderConfig `yaml:"crypto"`
	Webhooks struct {
		InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
	} `yaml:"webhooks"`
	Checkout struct {
		SuccessURL string `yaml:"success_url"`
		CancelURL  string `yaml:"cancel_url"`
	} `yaml:"checkout"`
	Auth struct {
		JWTSecret string   `yaml:"jwt_secret"`
		JWTTTL    Duration `yaml:"jwt_ttl"`
	} `yaml:"auth"`
	Artifacts struct {
		Dir               string   `yaml:"dir"`
		LibraryDir        string   `yaml:"library_dir"`
		MaxBytes          int64    `yaml:"max_bytes"`
		MaxExtractedBytes int64    `yaml:"max_extracted_bytes"`
		MaxEntries        int      `yaml:"max_entries"`
		AllowedPlatforms  []string `yaml:"allowed_platforms"`
	} `yaml:"artifacts"`
	Sandbox struct {
		Command        []string `yaml:"command"`
		Isolation      string   `yaml:"isolation"`
		DockerImage    string   `yaml:"docker_image"`
		Memory         string   `yaml:"memory"`
		Timeout        Duration `yaml:"timeout"`
		MaxOutputBytes int64    `yaml:"max_output_bytes"`
		OutputPolicy   string   `yaml:"output_policy"`
		WorkDir        string   `yaml:"work_dir"`
	} `yaml:"sandbox"`
	Cache struct {
		RedisURL string   `yaml:"redis_url"`
		TTL      Duration `yaml:"ttl"`
	} `yaml:"cache"`
	RateLimit struct {
		PerMinute     int `yaml:"per_minute"`
		KeysPerMinute int `yaml:"keys_per_minute"`
	} `yaml:"rate_limit"`
	Sweep struct {
		Interval Duration `yaml:"interval"`
	} `yaml:"sweep"`
	Usage struct {
		QueueSize int `yaml:"queue_size"`
	} `yaml:"usage"`
	Log struct {
		Format string `yaml:"format"`
		Level  string `yaml:"level"`
	} `yaml:"log"`
}

// Production reports whether safety-relaxing options must be refused.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// Validate ensures the config is internally consistent.
func (c *Config) Validate() error {
	if c.Pricing.AmountCents <= 0 {
		return fmt.Errorf("pricing.amount_cents must be positive")
	}
	if c.Pricing.Currency == "" {
		return fmt.Errorf("pricing.currency is required")
	}
	if c.Sessions.PendingTTL <= 0 || c.Sessions.TokenTTL <= 0 {
		return fmt.Errorf("sessions.pending_ttl and sessions.token_ttl must be positive")
	}
	if !c.Stripe.Enabled && !c.Crypto.Enabled {
		return fmt.Errorf("at least one payment provider must be enabled")
	}
	if c.Stripe.Enabled && c.Stripe.SecretKey == "" {
		return fmt.Errorf("stripe.secret_key is required when stripe is enabled")
	}
	if c.Crypto.Enabled && c.Crypto.SecretKey == "" {
		return fmt.Errorf("crypto.secret_key is required when crypto is enabled")
	}
	if c.Webhooks.InsecureSkipVerify && c.Production() {
		return fmt.Errorf("webhooks.insecure_skip_verify cannot be used in production")
	}
	switch c.Sandbox.Isolation {
	case IsolationNetNS, IsolationDocker:
	case IsolationNone:
		if c.Production() {
			return fmt.Errorf("sandbox.isolation=none cannot be used in production")
		}
	default:
		return fmt.Errorf("sandbox.isolation must be one of netns, docker, none")
	}
	if c.Sandbox.Isolation == IsolationDocker && c.Sandbox.DockerImage == "" {
		return fmt.Errorf("sandbox.docker_image is required for docker isolation")
	}
	if len(c.Sandbox.Command) == 0 {
		return fmt.Errorf("sandbox.command is required")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		return fmt.Errorf("sandbox.max_output_bytes must be positive")
	}
	switch c.Sandbox.OutputPolicy {
	case OutputReject, OutputTruncate:
	default:
		return fmt.Errorf("sandbox.output_policy must be reject or truncate")
	}
	if c.Artifacts.MaxBytes <= 0 || c.Artifacts.MaxExtractedBytes <= 0 || c.Artifacts.MaxEntries <= 0 {
		return fmt.Errorf("artifact limits must be positive")
	}
	if c.Sweep.Interval < 0 {
		return fmt.Errorf("sweep.interval cannot be negative")
	}
	if c.Usage.QueueSize <= 0 {
		return fmt.Errorf("usage.queue_size must be positive")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("server.base_path must start with /")
	}
	return nil
}

// Default returns the built-in configuration. Providers are enabled but
// carry no credentials; Validate fails until secrets are supplied.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `environment: development
server:
  addr: 127.0.0.1:8080
  base_path: ""
storage:
  data_mount: /data
  workspace: .
pricing:
  amount_cents: 100
  currency: usd
sessions:
  pending_ttl: 30m
  token_ttl: 24h
stripe:
  enabled: true
  api_base: https://api.stripe.com
crypto:
  enabled: false
  api_base: https://api.commerce.coinbase.com
auth:
  jwt_ttl: 1h
artifacts:
  dir: ./.simgate/artifacts
  max_bytes: 104857600
  max_extracted_bytes: 536870912
  max_entries: 4096
  allowed_platforms: [x86_64-linux, linux64]
sandbox:
  command: [fmu-runner, --fmu, "{artifact}", --dir, "{dir}"]
  isolation: netns
  docker_image: fmu-runtime:latest
  memory: 1g
  timeout: 60s
  max_output_bytes: 5242880
  output_policy: reject
cache:
  ttl: 1h
rate_limit:
  per_minute: 60
  keys_per_minute: 10
sweep:
  interval: 10m
usage:
  queue_size: 1024
log:
  format: human
  level: info
`
