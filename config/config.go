package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// APIKeyConfig describes one API key accepted by the gateway: the shared HMAC
// secret and the operator identity the key acts as, plus the capabilities
// granted to that identity.
type APIKeyConfig struct {
	Key     string   `toml:"Key"`
	Secret  string   `toml:"Secret"`
	Address string   `toml:"Address"`
	Roles   []string `toml:"Roles"`
}

// WebhookConfig describes a subscriber endpoint for notification delivery.
type WebhookConfig struct {
	URL    string `toml:"URL"`
	Secret string `toml:"Secret"`
}

// RateLimitConfig bounds per-client request rates at the gateway.
type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute"`
	Burst             int     `toml:"Burst"`
}

// Config captures runtime configuration for the deposit service.
type Config struct {
	ListenAddress        string          `toml:"ListenAddress"`
	Environment          string          `toml:"Environment"`
	DatabasePath         string          `toml:"DatabasePath"`
	DisputeWindowSeconds int64           `toml:"DisputeWindowSeconds"`
	FeeRecipient         string          `toml:"FeeRecipient"`
	Paused               bool            `toml:"Paused"`
	TimestampSkewSeconds int64           `toml:"TimestampSkewSeconds"`
	NonceTTLSeconds      int64           `toml:"NonceTTLSeconds"`
	EventLogCapacity     int             `toml:"EventLogCapacity"`
	APIKeys              []APIKeyConfig  `toml:"ApiKeys"`
	Webhooks             []WebhookConfig `toml:"Webhooks"`
	RateLimit            RateLimitConfig `toml:"RateLimit"`
}

// Load loads the configuration from the given path, creating a commented
// default file when none exists. Callers are expected to Validate the result;
// the generated default deliberately fails validation until the operator
// fills in the secrets.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "depositd.db"
	}
	if c.DisputeWindowSeconds == 0 {
		c.DisputeWindowSeconds = 72 * 3600
	}
	if c.TimestampSkewSeconds <= 0 {
		c.TimestampSkewSeconds = 120
	}
	if c.NonceTTLSeconds <= 0 {
		c.NonceTTLSeconds = 2 * c.TimestampSkewSeconds
	}
	if c.EventLogCapacity <= 0 {
		c.EventLogCapacity = 1024
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 600
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.WriteString(defaultConfigHeader); err != nil {
		return nil, err
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

const defaultConfigHeader = `# depositd configuration.
# FeeRecipient and at least one ApiKeys entry must be filled in before the
# service will start.

`
