// ABOUTME: Configuration loading and parsing for sigbot
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

// Defaults applied by Load when a value is not set.
const (
	DefaultHTTPAddr     = "0.0.0.0:3000"
	DefaultDriver       = "sqlite"
	DefaultReceiveGrace = 2 * time.Second
	DefaultIdleTimeout  = 30 * time.Minute
	DefaultReapSchedule = "*/5 * * * *"
	DefaultTokenTTL     = 24 * time.Hour
	DefaultServiceName  = "sigbot"
)

// Config represents the complete sigbot configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Bots      BotsConfig      `yaml:"bots" toml:"bots"`
	Relay     RelayConfig     `yaml:"relay" toml:"relay"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	// GRPCAddr serves the gRPC health service when set
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
	// Driver is "sqlite" (modernc, pure Go) or "sqlite3" (mattn, cgo)
	Driver string `yaml:"driver" toml:"driver"`
	// StoreKey is an age X25519 secret key; when set, protocol stores are sealed at rest
	StoreKey string `yaml:"store_key" toml:"store_key"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" toml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// BotsConfig holds bot session configuration
type BotsConfig struct {
	// FilesRoot is where inbound attachments are written; empty disables saving
	FilesRoot    string        `yaml:"files_root" toml:"files_root"`
	ReceiveGrace time.Duration `yaml:"-" toml:"-"`
	IdleTimeout  time.Duration `yaml:"-" toml:"-"`
	ReapSchedule string        `yaml:"reap_schedule" toml:"reap_schedule"`

	// Raw string values for unmarshaling
	ReceiveGraceRaw string `yaml:"receive_grace" toml:"receive_grace"`
	IdleTimeoutRaw  string `yaml:"idle_timeout" toml:"idle_timeout"`
}

// RelayConfig points at the protocol relay engine
type RelayConfig struct {
	URL string `yaml:"url" toml:"url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" toml:"enabled"`
	Exporter    string  `yaml:"exporter" toml:"exporter"`
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	ServiceName string  `yaml:"service_name" toml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate" toml:"sample_rate"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
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
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDriver
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Bots.ReceiveGrace == 0 {
		c.Bots.ReceiveGrace = DefaultReceiveGrace
	}
	if c.Bots.IdleTimeout == 0 {
		c.Bots.IdleTimeout = DefaultIdleTimeout
	}
	if c.Bots.ReapSchedule == "" {
		c.Bots.ReapSchedule = DefaultReapSchedule
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if !strings.HasPrefix(c.Relay.URL, "ws://") && !strings.HasPrefix(c.Relay.URL, "wss://") &&
		!strings.HasPrefix(c.Relay.URL, "http://") && !strings.HasPrefix(c.Relay.URL, "https://") {
		return fmt.Errorf("relay.url must be a ws, wss, http or https URL")
	}

	if c.Bots.ReceiveGrace < 0 {
		return fmt.Errorf("bots.receive_grace must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.TokenTTLRaw != "" {
		cfg.Auth.TokenTTL, err = time.ParseDuration(cfg.Auth.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Auth.TokenTTLRaw, err)
		}
	}

	if cfg.Bots.ReceiveGraceRaw != "" {
		cfg.Bots.ReceiveGrace, err = time.ParseDuration(cfg.Bots.ReceiveGraceRaw)
		if err != nil {
			return fmt.Errorf("parsing receive_grace %q: %w", cfg.Bots.ReceiveGraceRaw, err)
		}
	}

	if cfg.Bots.IdleTimeoutRaw != "" {
		cfg.Bots.IdleTimeout, err = time.ParseDuration(cfg.Bots.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Bots.IdleTimeoutRaw, err)
		}
	}

	return nil
}

// Starter returns the YAML written by `sigbot init`.
func Starter(dataDir, storeKey string) string {
	return fmt.Sprintf(`server:
  http_addr: "%s"
  # grpc_addr: "0.0.0.0:50051"

database:
  path: "%s"
  driver: "sqlite"
  store_key: "%s"

auth:
  jwt_secret: "${SIGBOT_JWT_SECRET}"
  token_ttl: "24h"

bots:
  files_root: "%s"
  receive_grace: "2s"
  idle_timeout: "30m"
  reap_schedule: "%s"

relay:
  url: "ws://127.0.0.1:8089"

logging:
  level: "info"
  format: "text"

telemetry:
  enabled: false
  exporter: "stdout"
`, DefaultHTTPAddr, filepath.Join(dataDir, "sigbot.db"), storeKey, filepath.Join(dataDir, "files"), DefaultReapSchedule)
}
