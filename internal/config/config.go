// ABOUTME: Configuration loading and parsing for ant-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultHTTPAddr          = "127.0.0.1:5000"
	DefaultSessionCapacity   = 1000
	DefaultResolverTimeout   = 10 * time.Second
	DefaultMaxBodyBytes      = 1 << 20
	DefaultSynthTimeout      = 60 * time.Second
	DefaultLLMTimeout        = 120 * time.Second
	DefaultCallTimeout       = 30 * time.Second
	DefaultPayTimeout        = 30 * time.Second
	DefaultLedgerTimeout     = 10 * time.Second
	DefaultRateTimeout       = 10 * time.Second
	DefaultLedgerURL         = "https://api.getalby.com"
	DefaultRatesURL          = "https://api.coinbase.com/v2/prices"
	DefaultRatesPair         = "BTC-USD"
	DefaultLedgerCurrency    = "SAT"
	DefaultGeneratorModel    = "gpt-4o-mini"
	DefaultConversationModel = "gpt-4o"
	DefaultArtifactDir       = ".funcs"
)

// DefaultAllowedImports is the standard library surface generated capabilities may import.
var DefaultAllowedImports = []string{
	"context",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"net/url",
	"strconv",
	"strings",
	"time",
}

// Config represents the complete ant-gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	Tailscale   TailscaleConfig   `yaml:"tailscale" toml:"tailscale"`
	Database    DatabaseConfig    `yaml:"database" toml:"database"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
	Auth        AuthConfig        `yaml:"auth" toml:"auth"`
	Sessions    SessionsConfig    `yaml:"sessions" toml:"sessions"`
	Resolver    ResolverConfig    `yaml:"resolver" toml:"resolver"`
	Synthesizer SynthesizerConfig `yaml:"synthesizer" toml:"synthesizer"`
	LLM         LLMConfig         `yaml:"llm" toml:"llm"`
	Loader      LoaderConfig      `yaml:"loader" toml:"loader"`
	L402        L402Config        `yaml:"l402" toml:"l402"`
	Ledger      LedgerConfig      `yaml:"ledger" toml:"ledger"`
	Rates       RatesConfig       `yaml:"rates" toml:"rates"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig exposes the HTTP API on a tailnet through tsnet instead of
// server.http_addr.
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"` // falls back to $TS_AUTHKEY
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // public HTTPS on :443
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret leaves the HTTP API open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// SessionsConfig bounds the in-memory session store
type SessionsConfig struct {
	Capacity int `yaml:"capacity" toml:"capacity"`
}

// ResolverConfig controls descriptor fetching
type ResolverConfig struct {
	Timeout           time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw        string        `yaml:"timeout" toml:"timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes" toml:"max_body_bytes"`
	AllowedHosts      []string      `yaml:"allowed_hosts" toml:"allowed_hosts"`
	VersionConstraint string        `yaml:"version_constraint" toml:"version_constraint"`
}

// SynthesizerConfig controls the code generation collaborator
type SynthesizerConfig struct {
	Model      string        `yaml:"model" toml:"model"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// LLMConfig holds the OpenAI-compatible endpoint used for both
// code generation and the conversational tool loop
type LLMConfig struct {
	BaseURL     string        `yaml:"base_url" toml:"base_url"`
	APIKey      string        `yaml:"api_key" toml:"api_key"`
	Model       string        `yaml:"model" toml:"model"`
	Instruction string        `yaml:"instruction" toml:"instruction"`
	MaxSteps    int           `yaml:"max_steps" toml:"max_steps"`
	Timeout     time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw  string        `yaml:"timeout" toml:"timeout"`
}

// LoaderConfig controls how generated capabilities are persisted and evaluated
type LoaderConfig struct {
	ArtifactDir    string        `yaml:"artifact_dir" toml:"artifact_dir"`
	AllowedImports []string      `yaml:"allowed_imports" toml:"allowed_imports"`
	CallTimeout    time.Duration `yaml:"-" toml:"-"`
	CallTimeoutRaw string        `yaml:"call_timeout" toml:"call_timeout"`
}

// L402Config controls the invocation transport shared by every capability
type L402Config struct {
	PayerURL      string        `yaml:"payer_url" toml:"payer_url"`
	PayerToken    string        `yaml:"payer_token" toml:"payer_token"`
	AllowedHosts  []string      `yaml:"allowed_hosts" toml:"allowed_hosts"`
	PayTimeout    time.Duration `yaml:"-" toml:"-"`
	PayTimeoutRaw string        `yaml:"pay_timeout" toml:"pay_timeout"`
}

// LedgerConfig points at the wallet balance API
type LedgerConfig struct {
	URL        string        `yaml:"url" toml:"url"`
	Token      string        `yaml:"token" toml:"token"`
	Currency   string        `yaml:"currency" toml:"currency"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// RatesConfig points at the currency conversion source
type RatesConfig struct {
	URL        string        `yaml:"url" toml:"url"`
	Pair       string        `yaml:"pair" toml:"pair"`
	Timeout    time.Duration `yaml:"-" toml:"-"`
	TimeoutRaw string        `yaml:"timeout" toml:"timeout"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// ApplyDefaults fills every unset field with its default value.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Sessions.Capacity == 0 {
		c.Sessions.Capacity = DefaultSessionCapacity
	}

	if c.Resolver.Timeout == 0 {
		c.Resolver.Timeout = DefaultResolverTimeout
	}
	if c.Resolver.MaxBodyBytes == 0 {
		c.Resolver.MaxBodyBytes = DefaultMaxBodyBytes
	}

	if c.Synthesizer.Model == "" {
		c.Synthesizer.Model = DefaultGeneratorModel
	}
	if c.Synthesizer.Timeout == 0 {
		c.Synthesizer.Timeout = DefaultSynthTimeout
	}

	if c.LLM.Model == "" {
		c.LLM.Model = DefaultConversationModel
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = DefaultLLMTimeout
	}
	if c.LLM.MaxSteps == 0 {
		c.LLM.MaxSteps = 10
	}

	if c.Loader.ArtifactDir == "" {
		c.Loader.ArtifactDir = DefaultArtifactDir
	}
	if len(c.Loader.AllowedImports) == 0 {
		c.Loader.AllowedImports = append([]string(nil), DefaultAllowedImports...)
	}
	if c.Loader.CallTimeout == 0 {
		c.Loader.CallTimeout = DefaultCallTimeout
	}

	if c.L402.PayerURL == "" {
		c.L402.PayerURL = DefaultLedgerURL
	}
	if c.L402.PayTimeout == 0 {
		c.L402.PayTimeout = DefaultPayTimeout
	}

	if c.Ledger.URL == "" {
		c.Ledger.URL = DefaultLedgerURL
	}
	if c.Ledger.Currency == "" {
		c.Ledger.Currency = DefaultLedgerCurrency
	}
	if c.Ledger.Timeout == 0 {
		c.Ledger.Timeout = DefaultLedgerTimeout
	}

	if c.Rates.URL == "" {
		c.Rates.URL = DefaultRatesURL
	}
	if c.Rates.Pair == "" {
		c.Rates.Pair = DefaultRatesPair
	}
	if c.Rates.Timeout == 0 {
		c.Rates.Timeout = DefaultRateTimeout
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Sessions.Capacity < 1 {
		return fmt.Errorf("sessions.capacity must be positive, got %d", c.Sessions.Capacity)
	}

	if c.Resolver.MaxBodyBytes < 0 {
		return fmt.Errorf("resolver.max_body_bytes must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	if c.LLM.MaxSteps < 1 {
		return fmt.Errorf("llm.max_steps must be positive, got %d", c.LLM.MaxSteps)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"resolver.timeout", cfg.Resolver.TimeoutRaw, &cfg.Resolver.Timeout},
		{"synthesizer.timeout", cfg.Synthesizer.TimeoutRaw, &cfg.Synthesizer.Timeout},
		{"llm.timeout", cfg.LLM.TimeoutRaw, &cfg.LLM.Timeout},
		{"loader.call_timeout", cfg.Loader.CallTimeoutRaw, &cfg.Loader.CallTimeout},
		{"l402.pay_timeout", cfg.L402.PayTimeoutRaw, &cfg.L402.PayTimeout},
		{"ledger.timeout", cfg.Ledger.TimeoutRaw, &cfg.Ledger.Timeout},
		{"rates.timeout", cfg.Rates.TimeoutRaw, &cfg.Rates.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("parsing %s %q: must be positive", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// DefaultPath returns the configuration path to use when none is given:
// $ANT_CONFIG, then ./config.yaml, then ~/.config/ant/gateway.yaml.
func DefaultPath() string {
	if p := os.Getenv("ANT_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "ant", "gateway.yaml")
}
