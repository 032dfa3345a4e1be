package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalConfig = `
api:
  key: "test-key"
paths:
  primary: /srv/xmls/primary
roster:
  source: /srv/companies.xlsx
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.API.Key)
	assert.Equal(t, "/srv/xmls/primary", cfg.Paths.Primary)
	assert.Equal(t, DefaultBaseURL, cfg.API.BaseURL)
	assert.Equal(t, DefaultBatchSize, cfg.Sync.BatchSize)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestLoadDerivesAncillaryPaths(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/srv/xmls/novos_xmls", cfg.Paths.Flat)
	assert.Equal(t, "/srv/xmls/xmls_cancelados", cfg.Paths.Cancelled)
	assert.Equal(t, "/srv/xmls/relatorios_temp", cfg.Paths.TempReports)
	assert.Equal(t, "/srv/xmls/state", cfg.Paths.State)
	assert.Equal(t, "/srv/xmls/journal", cfg.Paths.Journal)
}

func TestLoadParsesDurations(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
api:
  key: "test-key"
  rate_interval: 3s
paths:
  primary: /srv/xmls/primary
roster:
  source: /srv/companies.xlsx
sync:
  report_retry_delay: 10s
  loop_interval: 1h
`))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.Sync.ReportRetryDelay)
	assert.Equal(t, time.Hour, cfg.Sync.LoopInterval)
	assert.Equal(t, 3*time.Second, cfg.API.RateInterval)
}

func TestLoadEnvAPIKeyOverride(t *testing.T) {
	t.Setenv("SIEG_API_KEY", "env-key")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	assert.Equal(t, "env-key", cfg.API.Key)
}

func TestLoadEnvTimeoutOverrides(t *testing.T) {
	t.Setenv("SIEG_TIMEOUT_LEITURA_NFE", "45s")
	t.Setenv("SIEG_TIMEOUT_ABSOLUTO_CTE", "300")
	t.Setenv("SIEG_TIMEOUT_CONEXAO", "5")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.API.Timeouts.NFeRead)
	assert.Equal(t, 300*time.Second, cfg.API.Timeouts.CTeAbsolute, "bare numbers are seconds")
	assert.Equal(t, 5*time.Second, cfg.API.ConnectTimeout)
	assert.Equal(t, DefaultCTeReadTimeout, cfg.API.Timeouts.CTeRead, "untouched values keep defaults")
}

func TestLoadMissingRequiredFields(t *testing.T) {
	_, err := Load(writeConfig(t, `
logging:
  level: INFO
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API.Key is required")
	assert.Contains(t, err.Error(), "Paths.Primary is required")
	assert.Contains(t, err.Error(), "Roster.Source is required")
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
logging:
  level: LOUD
  format: text
  output: stdout
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Logging.Level")
}

func TestLoadRejectsOversizedBatch(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
sync:
  batch_size: 100
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Sync.BatchSize")
}

func TestMustLoadMissingExplicitFile(t *testing.T) {
	_, err := MustLoad(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "saved", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "config carries the API key")

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.API.Key, reloaded.API.Key)
	assert.Equal(t, cfg.Paths, reloaded.Paths)
}
