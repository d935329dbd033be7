package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PORT", "")
	t.Setenv("DB_PATH", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "batchpay.db", cfg.Database.Path)
	assert.Equal(t, 20, cfg.Submission.BulkConcurrency)
	assert.Equal(t, 3, cfg.Submission.StrictConcurrency)
	assert.Equal(t, 3, cfg.Submission.MaxDuplicateRetries)
	assert.Equal(t, 5*time.Second, cfg.Submission.FlushInterval)
	assert.Equal(t, "EUR", cfg.Mapping.DefaultCurrency)
	assert.Equal(t, "iban", cfg.Mapping.Columns.IBAN)
	assert.Equal(t, 30*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, ',', cfg.Delimiter())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	yaml := `
gateway:
  base_url: https://gateway.example
  timeout: 10s
submission:
  flush_interval: 0s
  bulk_concurrency: 8
mapping:
  columns:
    iban: account
export:
  delimiter: ";"
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("BATCHPAY_SUBMISSION_ERROR_CAP", "5")
	t.Setenv("DB_PATH", filepath.Join(dir, "x.db"))
	t.Setenv("PORT", "9090")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example", cfg.Gateway.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Gateway.Timeout)
	assert.Equal(t, time.Duration(0), cfg.Submission.FlushInterval)
	assert.Equal(t, 8, cfg.Submission.BulkConcurrency)
	assert.Equal(t, 5, cfg.Submission.ErrorCap)
	assert.Equal(t, "account", cfg.Mapping.Columns.IBAN)
	assert.Equal(t, "amount", cfg.Mapping.Columns.Amount)
	assert.Equal(t, ';', cfg.Delimiter())
	assert.Equal(t, filepath.Join(dir, "x.db"), cfg.Database.Path)
	assert.Equal(t, "9090", cfg.Server.Port)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidateDelimiter(t *testing.T) {
	cfg := Default()
	cfg.Export.Delimiter = "||"
	assert.Error(t, cfg.Validate())
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
