package config

import (
	"path/filepath"
	"strings"
	"time"
)

// Default values mirroring the tuning the service shipped with.
const (
	DefaultBaseURL          = "https://api.sieg.com"
	DefaultRateInterval     = 2 * time.Second
	DefaultMaxRetries       = 2
	DefaultRetryInterval    = 500 * time.Millisecond
	DefaultConnectTimeout   = 10 * time.Second
	DefaultNFeReadTimeout   = 120 * time.Second
	DefaultCTeReadTimeout   = 180 * time.Second
	DefaultNFeAbsolute      = 90 * time.Second
	DefaultCTeAbsolute      = 180 * time.Second
	DefaultBatchSize        = 50
	DefaultReportRetries    = 2
	DefaultReportRetryDelay = 5 * time.Second
	DefaultMaxPendency      = 10
	DefaultRecoveryPace     = 2100 * time.Millisecond
	DefaultBreakerFailures  = 3
	DefaultBlacklist        = time.Hour
	DefaultFailureThreshold = 50.0
	DefaultLoopInterval     = 30 * time.Minute
	DefaultMetricsPort      = 9090
)

// ApplyDefaults fills unspecified fields with defaults. Zero values are
// replaced; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyAPIDefaults(&cfg.API)
	applyPathsDefaults(&cfg.Paths)
	applySyncDefaults(&cfg.Sync)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyAPIDefaults(cfg *APIConfig) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.RateInterval <= 0 {
		cfg.RateInterval = DefaultRateInterval
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Timeouts.NFeRead <= 0 {
		cfg.Timeouts.NFeRead = DefaultNFeReadTimeout
	}
	if cfg.Timeouts.CTeRead <= 0 {
		cfg.Timeouts.CTeRead = DefaultCTeReadTimeout
	}
	if cfg.Timeouts.NFeAbsolute <= 0 {
		cfg.Timeouts.NFeAbsolute = DefaultNFeAbsolute
	}
	if cfg.Timeouts.CTeAbsolute <= 0 {
		cfg.Timeouts.CTeAbsolute = DefaultCTeAbsolute
	}
}

// applyPathsDefaults derives the ancillary roots from the primary
// archive root when they are not set explicitly.
func applyPathsDefaults(cfg *PathsConfig) {
	if cfg.Primary == "" {
		return
	}
	base := filepath.Dir(cfg.Primary)
	if cfg.Flat == "" {
		cfg.Flat = filepath.Join(base, "novos_xmls")
	}
	if cfg.Cancelled == "" {
		cfg.Cancelled = filepath.Join(base, "xmls_cancelados")
	}
	if cfg.TempReports == "" {
		cfg.TempReports = filepath.Join(base, "relatorios_temp")
	}
	if cfg.State == "" {
		cfg.State = filepath.Join(base, "state")
	}
	if cfg.Journal == "" {
		cfg.Journal = filepath.Join(base, "journal")
	}
}

func applySyncDefaults(cfg *SyncConfig) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReportRetries <= 0 {
		cfg.ReportRetries = DefaultReportRetries
	}
	if cfg.ReportRetryDelay <= 0 {
		cfg.ReportRetryDelay = DefaultReportRetryDelay
	}
	if cfg.MaxPendencyAttempts <= 0 {
		cfg.MaxPendencyAttempts = DefaultMaxPendency
	}
	if cfg.RecoveryPace <= 0 {
		cfg.RecoveryPace = DefaultRecoveryPace
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BlacklistDuration <= 0 {
		cfg.BlacklistDuration = DefaultBlacklist
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.LoopInterval <= 0 {
		cfg.LoopInterval = DefaultLoopInterval
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = DefaultMetricsPort
	}
}

// GetDefaultConfig returns a fully defaulted configuration. The API key,
// primary root and roster source still have to be provided.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
