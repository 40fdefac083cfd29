// Package config holds the agent configuration. A Config is built once at
// startup and handed to every component; nothing reads it through globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/scanorama-agent/internal/errors"
)

const (
	// Subdirectories of the data directory created at startup.
	ScansDirName = "scans"
	LogsDirName  = "logs"
	ConfDirName  = "conf"

	// ServicesFileName is the cached services definition inside the conf directory.
	ServicesFileName = "scanorama-services"

	dataDirPerm = 0750
)

// Config represents the complete agent configuration
type Config struct {
	// Authority connection settings
	Server ServerConfig `yaml:"server" json:"server"`

	// Scanning and pool settings
	Agent AgentConfig `yaml:"agent" json:"agent"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Status and metrics endpoint
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ServerConfig holds settings for talking to the scope authority
type ServerConfig struct {
	// Base URL of the authority, e.g. https://authority.example.com
	URL string `yaml:"url" json:"url" validate:"required,url"`

	// Agent credentials; both empty means anonymous
	AgentID string `yaml:"agent_id" json:"agent_id"`
	Token   string `yaml:"token" json:"token"`

	// Per-request timeout
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout" validate:"gt=0"`

	// Skip TLS certificate verification
	IgnoreSSLWarn bool `yaml:"ignore_ssl_warn" json:"ignore_ssl_warn"`

	// Retry schedule for connection failures
	BackoffBase time.Duration `yaml:"backoff_base" json:"backoff_base" validate:"gt=0"`
	BackoffMax  time.Duration `yaml:"backoff_max" json:"backoff_max" validate:"gtefield=BackoffBase"`

	// Outbound request limit (0 = unlimited)
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second" validate:"gte=0"`
}

// AgentConfig holds scanning and worker pool settings
type AgentConfig struct {
	// Number of scan workers; also the queue capacity
	MaxThreads int `yaml:"max_threads" json:"max_threads" validate:"min=1,max=1000"`

	// Root of the scans/logs/conf layout
	DataDir string `yaml:"data_dir" json:"data_dir" validate:"required"`

	// Allow scanning of loopback and link-local addresses
	ScanLocal bool `yaml:"scan_local" json:"scan_local"`

	// Keep engine output of failed scans under scans/failures
	SaveFails bool `yaml:"save_fails" json:"save_fails"`

	// Workers started per batch and the pause between batches
	BatchSize  int           `yaml:"batch_size" json:"batch_size" validate:"min=1"`
	BatchDelay time.Duration `yaml:"batch_delay" json:"batch_delay" validate:"gte=0"`

	// Wait between polls when the authority has no work
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" validate:"gt=0"`

	// Explicit engine path; empty means search PATH
	NmapPath string `yaml:"nmap_path" json:"nmap_path"`

	// Skip the getcap check (running as root)
	SkipCapabilityCheck bool `yaml:"skip_capability_check" json:"skip_capability_check"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`

	// Log format (text, json)
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`

	// Log output (stdout, stderr, file path)
	Output string `yaml:"output" json:"output"`
}

// MetricsConfig holds the status endpoint settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"required_if=Enabled true"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:               "http://127.0.0.1:5000",
			RequestTimeout:    15 * time.Second,
			BackoffBase:       1 * time.Second,
			BackoffMax:        60 * time.Second,
			RequestsPerSecond: 0,
		},
		Agent: AgentConfig{
			MaxThreads:   3,
			DataDir:      "/var/lib/scanorama-agent",
			BatchSize:    10,
			BatchDelay:   5 * time.Second,
			PollInterval: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9464",
		},
	}
}

// Load reads the config file at path and validates it. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	config, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadFile reads the config file at path over the defaults without
// validating, so callers can layer overrides first. An empty path yields the
// defaults; a named file that does not exist is an error.
func LoadFile(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to read config file %s", path), err)
	}
	// yaml.v3 also accepts JSON documents
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration,
			fmt.Sprintf("failed to parse config %s", filepath.Base(path)), err)
	}
	return config, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 { //nolint:errorlint // returned unwrapped
			fe := fieldErrs[0]
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("failed %q check", fe.Tag()), fieldPath(fe.Namespace()), fe.Value())
		}
		return errors.WrapConfigError(errors.CodeValidation, "invalid configuration", err)
	}

	if (c.Server.AgentID == "") != (c.Server.Token == "") {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"agent_id and token must be set together", "server.token", nil)
	}
	return nil
}

// fieldPath turns "Config.Agent.MaxThreads" into "agent.max_threads".
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	for i, p := range parts {
		parts[i] = toSnake(p)
	}
	return strings.Join(parts, ".")
}

func toSnake(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			if prevLower || nextLower {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ScansDir returns the directory holding engine output files.
func (c *Config) ScansDir() string {
	return filepath.Join(c.Agent.DataDir, ScansDirName)
}

// LogsDir returns the directory for agent log files.
func (c *Config) LogsDir() string {
	return filepath.Join(c.Agent.DataDir, LogsDirName)
}

// ConfDir returns the directory for local configuration and caches.
func (c *Config) ConfDir() string {
	return filepath.Join(c.Agent.DataDir, ConfDirName)
}

// ServicesPath returns the well-known location of the cached services definition.
func (c *Config) ServicesPath() string {
	return filepath.Join(c.ConfDir(), ServicesFileName)
}

// EnsureDataDirs creates the scans, logs and conf directories. Safe to call repeatedly.
func (c *Config) EnsureDataDirs() error {
	for _, dir := range []string{c.ScansDir(), c.LogsDir(), c.ConfDir()} {
		if err := os.MkdirAll(dir, dataDirPerm); err != nil {
			return errors.Wrap(errors.CodeDirectoryCreate,
				fmt.Sprintf("failed to create %s", dir), err)
		}
	}
	return nil
}

// QueueCapacity returns the bounded queue size; one pending item per worker.
func (c *Config) QueueCapacity() int {
	return c.Agent.MaxThreads
}
