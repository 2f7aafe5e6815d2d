// ABOUTME: Configuration loading and parsing for warroom-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete warroom-gateway configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Policy    PolicyConfig    `yaml:"policy"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the durable mirror configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
	// MaxBytes caps the on-disk size; writes past it trigger eviction.
	MaxBytes int64 `yaml:"max_bytes"`
}

// PolicyConfig holds the default per-meeting orchestration policy
type PolicyConfig struct {
	MaxRounds      int  `yaml:"max_rounds"`
	TimeoutSec     int  `yaml:"timeout_sec"`
	HostPriority   bool `yaml:"host_priority"`
	AutoRoundRobin bool `yaml:"auto_round_robin"`
}

// SchedulerConfig holds turn-scheduler tuning
type SchedulerConfig struct {
	Debounce           time.Duration `yaml:"-"`
	InteractiveTimeout time.Duration `yaml:"-"`
	BackgroundTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DebounceRaw           string `yaml:"debounce"`
	InteractiveTimeoutRaw string `yaml:"interactive_timeout"`
	BackgroundTimeoutRaw  string `yaml:"background_timeout"`

	// StagnationThreshold is how many consecutive no-new-information
	// turns close a topic.
	StagnationThreshold int `yaml:"stagnation_threshold"`

	// Selection is "round_robin" or "balanced".
	Selection string `yaml:"selection"`

	// TieBreaks orders the balanced policy's tie-break rules. Valid
	// entries: "cursor", "last_speaker". The order is product policy,
	// not a structural invariant.
	TieBreaks []string `yaml:"tie_breaks"`

	// StrongHostBias steers host-interrupt turns toward cohort A
	// even when cohort turn counts are tied.
	StrongHostBias bool `yaml:"strong_host_bias"`
}

// AdapterConfig holds reasoning-backend configuration
type AdapterConfig struct {
	// Bin is the primary backend executable.
	Bin string `yaml:"bin"`
	// AgentID is the primary agent identity passed to the backend.
	AgentID string `yaml:"agent_id"`
	// AltAgentID is tried after timeout or unknown-identity failures.
	AltAgentID string `yaml:"alt_agent_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults matching the tuning the system ships with.
const (
	DefaultMaxRounds           = 6
	DefaultTimeoutSec          = 25
	DefaultStagnationThreshold = 2
	DefaultDebounce            = 700 * time.Millisecond
	DefaultMaxBytes            = 50 * 1024 * 1024
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
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

// applyDefaults fills zero values with the shipped defaults.
func (c *Config) applyDefaults() {
	if c.Policy.MaxRounds == 0 {
		c.Policy.MaxRounds = DefaultMaxRounds
	}
	if c.Policy.TimeoutSec == 0 {
		c.Policy.TimeoutSec = DefaultTimeoutSec
	}
	if c.Scheduler.StagnationThreshold == 0 {
		c.Scheduler.StagnationThreshold = DefaultStagnationThreshold
	}
	if c.Scheduler.Debounce == 0 {
		c.Scheduler.Debounce = DefaultDebounce
	}
	if c.Scheduler.InteractiveTimeout == 0 {
		c.Scheduler.InteractiveTimeout = 15 * time.Second
	}
	if c.Scheduler.BackgroundTimeout == 0 {
		c.Scheduler.BackgroundTimeout = time.Duration(c.Policy.TimeoutSec) * time.Second
	}
	if c.Scheduler.Selection == "" {
		c.Scheduler.Selection = "round_robin"
	}
	if len(c.Scheduler.TieBreaks) == 0 {
		c.Scheduler.TieBreaks = []string{"cursor", "last_speaker"}
	}
	if c.Database.MaxBytes == 0 {
		c.Database.MaxBytes = DefaultMaxBytes
	}
	if c.Adapter.Bin == "" {
		c.Adapter.Bin = "openclaw"
	}
	if c.Adapter.AgentID == "" {
		c.Adapter.AgentID = "main"
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

	if c.Database.MaxBytes < 0 {
		return fmt.Errorf("database.max_bytes must not be negative")
	}

	switch c.Scheduler.Selection {
	case "round_robin", "balanced":
	default:
		return fmt.Errorf("scheduler.selection must be round_robin or balanced, got %q", c.Scheduler.Selection)
	}

	for _, tb := range c.Scheduler.TieBreaks {
		if tb != "cursor" && tb != "last_speaker" {
			return fmt.Errorf("scheduler.tie_breaks entry %q is not cursor or last_speaker", tb)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Scheduler.DebounceRaw != "" {
		cfg.Scheduler.Debounce, err = time.ParseDuration(cfg.Scheduler.DebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing debounce %q: %w", cfg.Scheduler.DebounceRaw, err)
		}
	}

	if cfg.Scheduler.InteractiveTimeoutRaw != "" {
		cfg.Scheduler.InteractiveTimeout, err = time.ParseDuration(cfg.Scheduler.InteractiveTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing interactive_timeout %q: %w", cfg.Scheduler.InteractiveTimeoutRaw, err)
		}
	}

	if cfg.Scheduler.BackgroundTimeoutRaw != "" {
		cfg.Scheduler.BackgroundTimeout, err = time.ParseDuration(cfg.Scheduler.BackgroundTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing background_timeout %q: %w", cfg.Scheduler.BackgroundTimeoutRaw, err)
		}
	}

	return nil
}
