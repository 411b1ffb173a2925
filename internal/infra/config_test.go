package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Gate: GateConfig{
			Timeout:          2 * time.Second,
			FailSafeDecision: "require_approval",
			ApprovalTokenTTL: 15 * time.Minute,
		},
		Export: ExportConfig{
			MaxWindowDays: 366,
			MaxRows:       10000,
		},
		Reconcile: ReconcileConfig{
			SLA:        24 * time.Hour,
			SweepEvery: 5 * time.Minute,
			SweepLimit: 500,
		},
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	t.Run("gate timeout bounds", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gate.Timeout = 10 * time.Millisecond
		assert.Error(t, cfg.Validate())

		cfg.Gate.Timeout = time.Minute
		assert.Error(t, cfg.Validate())

		cfg.Gate.Timeout = MinGateTimeout
		assert.NoError(t, cfg.Validate())
	})

	t.Run("fail safe decision whitelist", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gate.FailSafeDecision = "allow"
		assert.Error(t, cfg.Validate())

		cfg.Gate.FailSafeDecision = "deny"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("export bounds", func(t *testing.T) {
		cfg := validConfig()
		cfg.Export.MaxWindowDays = 0
		assert.Error(t, cfg.Validate())

		cfg = validConfig()
		cfg.Export.MaxRows = MaxExportRows + 1
		assert.Error(t, cfg.Validate())
	})

	t.Run("reconcile sla bounds", func(t *testing.T) {
		cfg := validConfig()
		cfg.Reconcile.SLA = time.Second
		assert.Error(t, cfg.Validate())

		cfg.Reconcile.SLA = 30 * 24 * time.Hour
		assert.Error(t, cfg.Validate())
	})
}

func TestLoadConfigDefaults(t *testing.T) {
	// Файла config.yaml в тестовой директории нет — работаем на дефолтах.
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 2*time.Second, cfg.Gate.Timeout)
	assert.Equal(t, "require_approval", cfg.Gate.FailSafeDecision)
	assert.Equal(t, 15*time.Minute, cfg.Gate.ApprovalTokenTTL)
	assert.Equal(t, 366, cfg.Export.MaxWindowDays)
	assert.Equal(t, "v1", cfg.Export.SigningKeyID)
	assert.Equal(t, 24*time.Hour, cfg.Reconcile.SLA)
	assert.Equal(t, 4, cfg.Workers.Count)
	assert.Equal(t, "info", cfg.Logger.Level)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("GATE_FAIL_SAFE_DECISION", "deny")
	t.Setenv("GATE_TIMEOUT", "5s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "deny", cfg.Gate.FailSafeDecision)
	assert.Equal(t, 5*time.Second, cfg.Gate.Timeout)
}
