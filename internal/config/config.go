// Package config loads the daemon configuration from YAML, JSON, or JSON5
// files with $include resolution and environment variable expansion.
package config

import (
	"fmt"
	"time"
)

// Config is the daemon configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
	Shield     ShieldConfig     `yaml:"shield"`
	Reviewer   ReviewerConfig   `yaml:"reviewer"`
	Voice      VoiceConfig      `yaml:"voice"`
	Audit      AuditConfig      `yaml:"audit"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// ServerConfig configures the admin gateway listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// GuardrailsConfig locates the mutable guardrail state.
type GuardrailsConfig struct {
	// ConfigPath is the JSON configuration file the store persists to. A
	// YAML companion is written alongside it.
	ConfigPath string `yaml:"config_path"`
}

// ShieldConfig configures the prompt-injection classifier.
type ShieldConfig struct {
	Endpoint string `yaml:"endpoint"`
	// APIKey is used as a bearer token when set; otherwise the ambient
	// identity provider supplies one.
	APIKey string `yaml:"api_key"`
}

// ReviewerConfig configures the AITL backend.
type ReviewerConfig struct {
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Spotlighting *bool  `yaml:"spotlighting"`
}

// VoiceConfig configures the PITL phone verifier.
type VoiceConfig struct {
	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	FromNumber       string `yaml:"from_number"`
	// PublicURL is the externally reachable base URL for Twilio webhooks.
	PublicURL string `yaml:"public_url"`
}

// AuditConfig configures the decision log.
type AuditConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// SandboxConfig configures the optional shell sandbox.
type SandboxConfig struct {
	Enabled     bool          `yaml:"enabled"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Redact bool   `yaml:"redact"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// Load reads, merges, and validates the configuration at path.
func Load(path string) (*Config, error) {
	tree, err := loadTree(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg, err := decodeConfig(tree)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8745
	}
	if cfg.Guardrails.ConfigPath == "" {
		cfg.Guardrails.ConfigPath = "guardrails.json"
	}
	if cfg.Reviewer.Model == "" {
		cfg.Reviewer.Model = "claude-sonnet-4-20250514"
	}
	if cfg.Audit.Path == "" {
		cfg.Audit.Path = "decisions.db"
	}
	if cfg.Audit.RetentionDays == 0 {
		cfg.Audit.RetentionDays = 30
	}
	if cfg.Sandbox.IdleTimeout == 0 {
		cfg.Sandbox.IdleTimeout = 60 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "toolgate"
	}
	if cfg.Tracing.SampleRate == 0 {
		cfg.Tracing.SampleRate = 1.0
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit.retention_days must not be negative")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}
	if c.Voice.TwilioAccountSID != "" && c.Voice.TwilioAuthToken == "" {
		return fmt.Errorf("voice.twilio_auth_token is required when an account SID is set")
	}
	return nil
}

// VoiceEnabled reports whether the phone verifier can be constructed.
func (c *Config) VoiceEnabled() bool {
	return c.Voice.TwilioAccountSID != "" && c.Voice.TwilioAuthToken != "" && c.Voice.FromNumber != ""
}
