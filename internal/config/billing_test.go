package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBillingConfigDefaultsWhenFileMissing(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	holder, err := NewBillingConfigHolder(Config{}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "USD", cfg.Currency)
	assert.Equal(t, 0.01, cfg.IntegrityEpsilon)
	assert.True(t, cfg.Tax().IsZero())
}

func TestBillingConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yml")
	content := "billing:\n  tax_rate: 0.08\n  currency: EUR\n  integrity_epsilon: 0.01\n  strict_rate_overlap: true\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	holder, err := NewBillingConfigHolder(Config{BillingConfigFile: path}, zap.NewNop())
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, "0.08", cfg.Tax().String())
	assert.True(t, cfg.StrictRateOverlap)
}

func TestBillingConfigRejectsInvalidTaxRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "billing.yml")
	require.NoError(t, os.WriteFile(path, []byte("billing:\n  tax_rate: 1.5\n"), 0o600))

	_, err := NewBillingConfigHolder(Config{BillingConfigFile: path}, zap.NewNop())
	assert.Error(t, err)
}

func TestLoadNormalizesRawSource(t *testing.T) {
	t.Setenv("RAW_SOURCE", "S3")
	t.Setenv("S3_PREFIX", "/raw/usage/")
	t.Setenv("SNOWFLAKE_NODE_ID", "7")

	cfg := Load()
	assert.Equal(t, RawSourceS3, cfg.Raw.Kind)
	assert.Equal(t, "raw/usage", cfg.Raw.Prefix)
	assert.Equal(t, int64(7), cfg.SnowflakeNodeID)
}
