// Package config loads the siegsync configuration from file, environment
// and defaults, in that order of precedence (environment wins over file,
// file wins over defaults).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config captures the static configuration of the sync service.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (SIEG_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// API configures the SIEG HTTP client
	API APIConfig `mapstructure:"api" yaml:"api"`

	// Paths holds every filesystem root the service writes to
	Paths PathsConfig `mapstructure:"paths" yaml:"paths"`

	// Roster locates the company spreadsheet
	Roster RosterConfig `mapstructure:"roster" yaml:"roster"`

	// Sync holds the cycle tunables
	Sync SyncConfig `mapstructure:"sync" yaml:"sync"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required" yaml:"output"`

	// CompanyLogDir, when set, adds a per-company log file under this
	// directory while that company is being processed
	CompanyLogDir string `mapstructure:"company_log_dir" yaml:"company_log_dir,omitempty"`
}

// APIConfig configures the SIEG client.
//
// Environment overrides:
//
//	SIEG_API_KEY                   overrides Key
//	SIEG_TIMEOUT_LEITURA_NFE       overrides Timeouts.NFeRead (seconds or duration)
//	SIEG_TIMEOUT_LEITURA_CTE       overrides Timeouts.CTeRead
//	SIEG_TIMEOUT_ABSOLUTO_NFE      overrides Timeouts.NFeAbsolute
//	SIEG_TIMEOUT_ABSOLUTO_CTE      overrides Timeouts.CTeAbsolute
//	SIEG_TIMEOUT_CONEXAO           overrides ConnectTimeout
type APIConfig struct {
	// Key is the SIEG API key. May arrive URL-encoded; the client
	// decodes it.
	Key string `mapstructure:"key" validate:"required" yaml:"key"`

	// BaseURL is the API endpoint root
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// RateInterval is the minimum spacing between API requests
	RateInterval time.Duration `mapstructure:"rate_interval" yaml:"rate_interval"`

	// MaxRetries is the per-request retry budget for transient failures
	MaxRetries uint64 `mapstructure:"max_retries" yaml:"max_retries"`

	// RetryInterval is the initial backoff between retries
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`

	// ConnectTimeout bounds connection establishment
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`

	// Timeouts holds the per-document-type read and whole-call budgets
	Timeouts TimeoutConfig `mapstructure:"timeouts" yaml:"timeouts"`
}

// TimeoutConfig holds the per-type timeout budgets. CTe payloads are
// larger on average and get more headroom.
type TimeoutConfig struct {
	NFeRead     time.Duration `mapstructure:"nfe_read" yaml:"nfe_read"`
	CTeRead     time.Duration `mapstructure:"cte_read" yaml:"cte_read"`
	NFeAbsolute time.Duration `mapstructure:"nfe_absolute" yaml:"nfe_absolute"`
	CTeAbsolute time.Duration `mapstructure:"cte_absolute" yaml:"cte_absolute"`
}

// PathsConfig holds the filesystem layout.
type PathsConfig struct {
	// Primary is the year/company/month archive root (required)
	Primary string `mapstructure:"primary" validate:"required" yaml:"primary"`

	// Flat is the unstructured mirror every new document is copied to
	Flat string `mapstructure:"flat" yaml:"flat"`

	// Cancelled is the mirror for cancellation events
	Cancelled string `mapstructure:"cancelled" yaml:"cancelled"`

	// TempReports stages downloaded xlsx reports until the company
	// finishes
	TempReports string `mapstructure:"temp_reports" yaml:"temp_reports"`

	// State is the month-partitioned state store root
	State string `mapstructure:"state" yaml:"state"`

	// Journal is the transaction journal root for crash-safe file
	// commits
	Journal string `mapstructure:"journal" yaml:"journal"`
}

// RosterConfig locates the company roster spreadsheet.
type RosterConfig struct {
	// Source is a local path or an HTTP(S) URL to the roster xlsx
	// (required)
	Source string `mapstructure:"source" validate:"required" yaml:"source"`

	// Limit caps how many companies are processed; zero means all
	Limit int `mapstructure:"limit" validate:"gte=0" yaml:"limit,omitempty"`
}

// SyncConfig holds the cycle tunables.
type SyncConfig struct {
	// BatchSize is the page size for batch and event listings
	BatchSize int `mapstructure:"batch_size" validate:"gt=0,lte=50" yaml:"batch_size"`

	// ReportRetries is the in-cycle attempt budget for report downloads
	ReportRetries int `mapstructure:"report_retries" validate:"gt=0" yaml:"report_retries"`

	// ReportRetryDelay spaces report download attempts
	ReportRetryDelay time.Duration `mapstructure:"report_retry_delay" yaml:"report_retry_delay"`

	// MaxPendencyAttempts parks a pendency once reached
	MaxPendencyAttempts int `mapstructure:"max_pendency_attempts" validate:"gt=0" yaml:"max_pendency_attempts"`

	// RecoveryPace spaces individual document downloads
	RecoveryPace time.Duration `mapstructure:"recovery_pace" yaml:"recovery_pace"`

	// BreakerFailures opens the per-company circuit breaker
	BreakerFailures int `mapstructure:"breaker_failures" validate:"gt=0" yaml:"breaker_failures"`

	// BlacklistDuration holds back companies after an absolute timeout
	BlacklistDuration time.Duration `mapstructure:"blacklist_duration" yaml:"blacklist_duration"`

	// FailureThreshold is the failure percentage treated as critical
	FailureThreshold float64 `mapstructure:"failure_threshold" validate:"gt=0,lte=100" yaml:"failure_threshold"`

	// LoopInterval is the wait between cycles in loop mode
	LoopInterval time.Duration `mapstructure:"loop_interval" yaml:"loop_interval"`
}

// MetricsConfig configures the observability HTTP server.
type MetricsConfig struct {
	// Enabled controls whether the metrics server is started
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath falls back to the default location; a missing file
// yields the defaults (the environment still applies).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	configFileFound, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if configFileFound {
		if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the file
// is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Create one, or point at an existing file:\n"+
				"  siegsync <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as YAML. Permissions are
// restricted because the file carries the API key.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file lookup.
func setupViper(v *viper.Viper, configPath string) {
	// SIEG_LOGGING_LEVEL=DEBUG style overrides for every key.
	v.SetEnvPrefix("SIEG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// applyEnvOverrides maps the legacy flat environment names onto the
// nested config. These predate the config file and operators still set
// them.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("SIEG_API_KEY"); key != "" {
		cfg.API.Key = key
	}
	overrides := []struct {
		env    string
		target *time.Duration
	}{
		{"SIEG_TIMEOUT_LEITURA_NFE", &cfg.API.Timeouts.NFeRead},
		{"SIEG_TIMEOUT_LEITURA_CTE", &cfg.API.Timeouts.CTeRead},
		{"SIEG_TIMEOUT_ABSOLUTO_NFE", &cfg.API.Timeouts.NFeAbsolute},
		{"SIEG_TIMEOUT_ABSOLUTO_CTE", &cfg.API.Timeouts.CTeAbsolute},
		{"SIEG_TIMEOUT_CONEXAO", &cfg.API.ConnectTimeout},
	}
	for _, o := range overrides {
		raw := os.Getenv(o.env)
		if raw == "" {
			continue
		}
		if d, err := parseFlexibleDuration(raw); err == nil {
			*o.target = d
		}
	}
}

// parseFlexibleDuration accepts "90s" style durations and bare numbers,
// which the legacy environment treated as seconds.
func parseFlexibleDuration(raw string) (time.Duration, error) {
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	var seconds float64
	if _, err := fmt.Sscanf(raw, "%f", &seconds); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("config: cannot parse duration %q", raw)
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns the combined decode hook for custom types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
	)
}

// durationDecodeHook converts config strings like "30s", "5m", "1h" into
// time.Duration. Raw integers are nanoseconds, matching YAML unmarshal.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path, following XDG
// conventions with ~/.config as the fallback.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "siegsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "siegsync")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks for a config file at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
