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
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 4, cfg.Billing.Workers)
	assert.Equal(t, 30*time.Minute, cfg.Billing.RunTimeout)
	assert.Equal(t, 5*time.Hour, cfg.Billing.AggregationTolerance)
	assert.Equal(t, "INV", cfg.Billing.InvoicePrefix)
	assert.Equal(t, 15, cfg.Billing.DueDays)
	assert.Equal(t, time.Minute, cfg.Billing.PollInterval)
	assert.True(t, cfg.Billing.SchedulerEnabled)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
billing:
  workers: 8
  invoice_prefix: FAC
  aggregation_tolerance: 2h
notify:
  webhook_url: https://hooks.example.com/billing
`), 0o600))

	t.Setenv("BILLING_BILLING_WORKERS", "2")
	t.Setenv("BILLING_DATABASE_URL", "postgres://billing@localhost/billing")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 2, cfg.Billing.Workers, "env overrides file")
	assert.Equal(t, "FAC", cfg.Billing.InvoicePrefix)
	assert.Equal(t, 2*time.Hour, cfg.Billing.AggregationTolerance)
	assert.Equal(t, "https://hooks.example.com/billing", cfg.Notify.WebhookURL)
	assert.Equal(t, "postgres://billing@localhost/billing", cfg.Database.URL)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("BILLING_BILLING_WORKERS", "0")
	t.Setenv("BILLING_LOG_FORMAT", "xml")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorContains(t, err, "billing.workers")
	assert.ErrorContains(t, err, "log.format")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
