// ABOUTME: Configuration loading and parsing for switchboard-gateway
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache"`
	Hub      HubConfig      `yaml:"hub" toml:"hub"`
	Bridge   BridgeConfig   `yaml:"bridge" toml:"bridge"`
	Voice    VoiceConfig    `yaml:"voice" toml:"voice"`
	SMS      SMSConfig      `yaml:"sms" toml:"sms"`
	Events   EventsConfig   `yaml:"events" toml:"events"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // health service; empty disables
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// CacheConfig holds cache backend and TTL configuration
type CacheConfig struct {
	// Enabled defaults to true when omitted
	Enabled    *bool          `yaml:"enabled" toml:"enabled"`
	URL        string         `yaml:"url" toml:"url"` // redis://...; empty uses the in-process backend
	MaxEntries int            `yaml:"max_entries" toml:"max_entries"`
	TTL        CacheTTLConfig `yaml:"ttl" toml:"ttl"`
}

// IsEnabled reports whether caching is switched on.
func (c CacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// CacheTTLConfig holds per-namespace expiries. Zero values fall back to the
// cache package defaults.
type CacheTTLConfig struct {
	Lead          time.Duration `yaml:"-" toml:"-"`
	Organization  time.Duration `yaml:"-" toml:"-"`
	Context       time.Duration `yaml:"-" toml:"-"`
	Session       time.Duration `yaml:"-" toml:"-"`
	Conversations time.Duration `yaml:"-" toml:"-"`
	Summaries     time.Duration `yaml:"-" toml:"-"`
	Stats         time.Duration `yaml:"-" toml:"-"`
	SMSDedupe     time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	LeadRaw          string `yaml:"lead" toml:"lead"`
	OrganizationRaw  string `yaml:"organization" toml:"organization"`
	ContextRaw       string `yaml:"context" toml:"context"`
	SessionRaw       string `yaml:"session" toml:"session"`
	ConversationsRaw string `yaml:"conversations" toml:"conversations"`
	SummariesRaw     string `yaml:"summaries" toml:"summaries"`
	StatsRaw         string `yaml:"stats" toml:"stats"`
	SMSDedupeRaw     string `yaml:"sms_dedupe" toml:"sms_dedupe"`
}

// HubConfig holds websocket hub timing and limits
type HubConfig struct {
	HeartbeatInterval  time.Duration `yaml:"-" toml:"-"`
	WriteTimeout       time.Duration `yaml:"-" toml:"-"`
	MaxFramesPerSecond float64       `yaml:"max_frames_per_second" toml:"max_frames_per_second"`
	FrameBurst         int           `yaml:"frame_burst" toml:"frame_burst"`
	AllowedOrigins     []string      `yaml:"allowed_origins" toml:"allowed_origins"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	WriteTimeoutRaw      string `yaml:"write_timeout" toml:"write_timeout"`
}

// BridgeConfig holds conversation bridge timing
type BridgeConfig struct {
	ToolTimeout   time.Duration `yaml:"-" toml:"-"`
	Retention     time.Duration `yaml:"-" toml:"-"`
	IdleTimeout   time.Duration `yaml:"-" toml:"-"`
	SweepInterval time.Duration `yaml:"-" toml:"-"`

	ToolTimeoutRaw   string `yaml:"tool_timeout" toml:"tool_timeout"`
	RetentionRaw     string `yaml:"retention" toml:"retention"`
	IdleTimeoutRaw   string `yaml:"idle_timeout" toml:"idle_timeout"`
	SweepIntervalRaw string `yaml:"sweep_interval" toml:"sweep_interval"`
}

// VoiceConfig holds the voice provider connection
type VoiceConfig struct {
	APIURL            string        `yaml:"api_url" toml:"api_url"`
	SocketURL         string        `yaml:"socket_url" toml:"socket_url"`
	APIKey            string        `yaml:"api_key" toml:"api_key"`
	AgentID           string        `yaml:"agent_id" toml:"agent_id"`
	FromNumber        string        `yaml:"from_number" toml:"from_number"`
	WebhookSecret     string        `yaml:"webhook_secret" toml:"webhook_secret"` // empty accepts unsigned webhooks
	SideEffectTimeout time.Duration `yaml:"-" toml:"-"`

	SideEffectTimeoutRaw string `yaml:"side_effect_timeout" toml:"side_effect_timeout"`
}

// SMSConfig holds the Twilio account used for outbound SMS
type SMSConfig struct {
	Enabled    bool   `yaml:"enabled" toml:"enabled"`
	AccountSID string `yaml:"account_sid" toml:"account_sid"`
	AuthToken  string `yaml:"auth_token" toml:"auth_token"`
	FromNumber string `yaml:"from_number" toml:"from_number"`

	// WebhookURL is the public URL Twilio posts inbound messages to. When set,
	// inbound requests must carry a valid X-Twilio-Signature.
	WebhookURL string `yaml:"webhook_url" toml:"webhook_url"`
}

// EventsConfig holds the optional AMQP event export
type EventsConfig struct {
	AMQPURL  string `yaml:"amqp_url" toml:"amqp_url"`
	Exchange string `yaml:"exchange" toml:"exchange"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults
const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultToolTimeout       = 30 * time.Second
	DefaultRetention         = 5 * time.Minute
	DefaultIdleTimeout       = 2 * time.Hour
	DefaultSweepInterval     = time.Minute
	DefaultSideEffectTimeout = 10 * time.Second
	DefaultTokenTTL          = 24 * time.Hour
	DefaultExchange          = "switchboard.events"
	DefaultMetricsPath       = "/metrics"
)

// DefaultPath returns the path to the gateway config file.
// Priority: SWITCHBOARD_CONFIG env var > XDG_CONFIG_HOME/switchboard/gateway.yaml > ~/.config/switchboard/gateway.yaml
func DefaultPath() string {
	if envPath := os.Getenv("SWITCHBOARD_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "switchboard", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// A .env file in the working directory or next to the config is loaded first
// without overriding variables already set. Environment variables in the format
// ${VAR_NAME} are expanded. Files ending in .toml are decoded as TOML, anything
// else as YAML.
func Load(path string) (*Config, error) {
	loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv loads each existing file in order. Missing files are ignored.
func loadDotEnv(paths ...string) {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		_ = godotenv.Load(abs)
	}
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

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Hub.HeartbeatInterval == 0 {
		c.Hub.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Hub.WriteTimeout == 0 {
		c.Hub.WriteTimeout = DefaultWriteTimeout
	}
	if c.Bridge.ToolTimeout == 0 {
		c.Bridge.ToolTimeout = DefaultToolTimeout
	}
	if c.Bridge.Retention == 0 {
		c.Bridge.Retention = DefaultRetention
	}
	if c.Bridge.IdleTimeout == 0 {
		c.Bridge.IdleTimeout = DefaultIdleTimeout
	}
	if c.Bridge.SweepInterval == 0 {
		c.Bridge.SweepInterval = DefaultSweepInterval
	}
	if c.Voice.SideEffectTimeout == 0 {
		c.Voice.SideEffectTimeout = DefaultSideEffectTimeout
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = DefaultExchange
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
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

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Cache.URL != "" {
		u, err := url.Parse(c.Cache.URL)
		if err != nil {
			return fmt.Errorf("cache.url is not a valid URL: %w", err)
		}
		if u.Scheme != "redis" && u.Scheme != "rediss" {
			return fmt.Errorf("cache.url must use redis or rediss scheme")
		}
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}

	if c.Hub.MaxFramesPerSecond < 0 {
		return fmt.Errorf("hub.max_frames_per_second must not be negative")
	}

	for _, raw := range []struct{ name, value string }{
		{"voice.api_url", c.Voice.APIURL},
		{"voice.socket_url", c.Voice.SocketURL},
	} {
		if raw.value == "" {
			continue
		}
		if _, err := url.Parse(raw.value); err != nil {
			return fmt.Errorf("%s is not a valid URL: %w", raw.name, err)
		}
	}

	if c.SMS.Enabled {
		if c.SMS.AccountSID == "" || c.SMS.AuthToken == "" {
			return fmt.Errorf("sms.account_sid and sms.auth_token are required when sms is enabled")
		}
		if c.SMS.FromNumber == "" {
			return fmt.Errorf("sms.from_number is required when sms is enabled")
		}
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
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
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"cache.ttl.lead", cfg.Cache.TTL.LeadRaw, &cfg.Cache.TTL.Lead},
		{"cache.ttl.organization", cfg.Cache.TTL.OrganizationRaw, &cfg.Cache.TTL.Organization},
		{"cache.ttl.context", cfg.Cache.TTL.ContextRaw, &cfg.Cache.TTL.Context},
		{"cache.ttl.session", cfg.Cache.TTL.SessionRaw, &cfg.Cache.TTL.Session},
		{"cache.ttl.conversations", cfg.Cache.TTL.ConversationsRaw, &cfg.Cache.TTL.Conversations},
		{"cache.ttl.summaries", cfg.Cache.TTL.SummariesRaw, &cfg.Cache.TTL.Summaries},
		{"cache.ttl.stats", cfg.Cache.TTL.StatsRaw, &cfg.Cache.TTL.Stats},
		{"cache.ttl.sms_dedupe", cfg.Cache.TTL.SMSDedupeRaw, &cfg.Cache.TTL.SMSDedupe},
		{"hub.heartbeat_interval", cfg.Hub.HeartbeatIntervalRaw, &cfg.Hub.HeartbeatInterval},
		{"hub.write_timeout", cfg.Hub.WriteTimeoutRaw, &cfg.Hub.WriteTimeout},
		{"bridge.tool_timeout", cfg.Bridge.ToolTimeoutRaw, &cfg.Bridge.ToolTimeout},
		{"bridge.retention", cfg.Bridge.RetentionRaw, &cfg.Bridge.Retention},
		{"bridge.idle_timeout", cfg.Bridge.IdleTimeoutRaw, &cfg.Bridge.IdleTimeout},
		{"bridge.sweep_interval", cfg.Bridge.SweepIntervalRaw, &cfg.Bridge.SweepInterval},
		{"voice.side_effect_timeout", cfg.Voice.SideEffectTimeoutRaw, &cfg.Voice.SideEffectTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
