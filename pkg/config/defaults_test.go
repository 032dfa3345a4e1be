package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, DefaultBaseURL, cfg.API.BaseURL)
	assert.Equal(t, DefaultRateInterval, cfg.API.RateInterval)
	assert.Equal(t, DefaultNFeReadTimeout, cfg.API.Timeouts.NFeRead)
	assert.Equal(t, DefaultCTeAbsolute, cfg.API.Timeouts.CTeAbsolute)
	assert.Equal(t, DefaultBatchSize, cfg.Sync.BatchSize)
	assert.Equal(t, DefaultMaxPendency, cfg.Sync.MaxPendencyAttempts)
	assert.Equal(t, DefaultMetricsPort, cfg.Metrics.Port)
}

func TestApplyDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	cfg.Sync.BatchSize = 25
	cfg.Sync.BlacklistDuration = 30 * time.Minute
	ApplyDefaults(cfg)

	assert.Equal(t, "DEBUG", cfg.Logging.Level, "level is normalized to uppercase")
	assert.Equal(t, 25, cfg.Sync.BatchSize)
	assert.Equal(t, 30*time.Minute, cfg.Sync.BlacklistDuration)
}

func TestApplyDefaultsSkipsPathDerivationWithoutPrimary(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	assert.Empty(t, cfg.Paths.Flat, "nothing to derive from")
}
