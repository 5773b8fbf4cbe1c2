// ABOUTME: Configuration loading and parsing for support-relay
// ABOUTME: Supports YAML files with environment variable expansion, .env files and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Broker drivers
const (
	DriverAMQP   = "amqp"
	DriverMemory = "memory"
)

// Defaults applied by Load when a field is left empty.
const (
	DefaultExchange        = "exchange_chat"
	DefaultPrefetch        = 10
	DefaultDedupeTTL       = 10 * time.Minute
	DefaultAdWindow        = 7 * 24 * time.Hour
	DefaultMinConnections  = 3
	DefaultAdvertisingBody = "Don't miss our weekly deals in the game catalog!"
)

// Config represents the complete support-relay configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Broker      BrokerConfig      `yaml:"broker"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Advertising AdvertisingConfig `yaml:"advertising"`
	Media       MediaConfig       `yaml:"media"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds listener configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// GRPCAddr serves the gRPC health service. Empty disables it.
	GRPCAddr string `yaml:"grpc_addr"`
	// AllowedOrigins restricts websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// BrokerConfig holds message broker configuration
type BrokerConfig struct {
	Driver   string       `yaml:"driver"`
	URL      string       `yaml:"url"`
	Exchange string       `yaml:"exchange"`
	Prefetch int          `yaml:"prefetch"`
	Queues   QueuesConfig `yaml:"queues"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// QueuesConfig names the four relay queues
type QueuesConfig struct {
	ClientToOperator string `yaml:"client_to_operator"`
	OperatorToClient string `yaml:"operator_to_client"`
	Notify           string `yaml:"notify"`
	Advertising      string `yaml:"advertising"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret empty selects the development resolver that trusts ?id=.
	JWTSecret string `yaml:"jwt_secret"`
}

// AdvertisingConfig controls pending-notification eligibility
type AdvertisingConfig struct {
	Window         time.Duration `yaml:"-"`
	WindowRaw      string        `yaml:"window"`
	MinConnections int           `yaml:"min_connections"`
	Message        string        `yaml:"message"`
}

// MediaConfig holds the media pass-through allow-list
type MediaConfig struct {
	AllowedTypes []string `yaml:"allowed_types"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Path returns the path to the relay config file.
// Priority: RELAY_CONFIG env var > XDG_CONFIG_HOME/support-relay/relay.yaml > ~/.config/support-relay/relay.yaml
func Path() string {
	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "support-relay", "relay.yaml")
}

// LoadDotEnv loads variables from the given .env files (or ./.env) into the
// process environment. Missing files are not an error; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Broker.Driver == "" {
		c.Broker.Driver = DriverAMQP
	}
	c.Broker.Driver = strings.ToLower(c.Broker.Driver)
	if c.Broker.Exchange == "" {
		c.Broker.Exchange = DefaultExchange
	}
	if c.Broker.Prefetch == 0 {
		c.Broker.Prefetch = DefaultPrefetch
	}
	if c.Broker.DedupeTTL == 0 {
		c.Broker.DedupeTTL = DefaultDedupeTTL
	}

	q := &c.Broker.Queues
	if q.ClientToOperator == "" {
		q.ClientToOperator = "from_clients"
	}
	if q.OperatorToClient == "" {
		q.OperatorToClient = "from_operators"
	}
	if q.Notify == "" {
		q.Notify = "notifying_client_operator_connection"
	}
	if q.Advertising == "" {
		q.Advertising = "notify_client"
	}

	if c.Advertising.Window == 0 {
		c.Advertising.Window = DefaultAdWindow
	}
	if c.Advertising.MinConnections == 0 {
		c.Advertising.MinConnections = DefaultMinConnections
	}
	if c.Advertising.Message == "" {
		c.Advertising.Message = DefaultAdvertisingBody
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

	switch c.Broker.Driver {
	case DriverAMQP:
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url is required for the amqp driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("broker.driver %q is not one of amqp, memory", c.Broker.Driver)
	}
	if c.Broker.Prefetch < 0 {
		return fmt.Errorf("broker.prefetch must not be negative")
	}

	q := c.Broker.Queues
	names := []string{q.ClientToOperator, q.OperatorToClient, q.Notify, q.Advertising}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			return fmt.Errorf("broker.queues: %q is used for more than one queue", n)
		}
		seen[n] = true
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Advertising.MinConnections < 0 {
		return fmt.Errorf("advertising.min_connections must not be negative")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Broker.DedupeTTLRaw != "" {
		cfg.Broker.DedupeTTL, err = time.ParseDuration(cfg.Broker.DedupeTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing dedupe_ttl %q: %w", cfg.Broker.DedupeTTLRaw, err)
		}
	}

	if cfg.Advertising.WindowRaw != "" {
		cfg.Advertising.Window, err = time.ParseDuration(cfg.Advertising.WindowRaw)
		if err != nil {
			return fmt.Errorf("parsing window %q: %w", cfg.Advertising.WindowRaw, err)
		}
	}

	return nil
}
