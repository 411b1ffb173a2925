package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveMode(t *testing.T) {
	p := DefaultPolicy("acme")

	t.Run("defaults per source", func(t *testing.T) {
		assert.Equal(t, ModeHard, p.EffectiveMode(SourceTerraform, "prod"))
		assert.Equal(t, ModeSoft, p.EffectiveMode(SourceK8sAdmission, "dev"))
		assert.Equal(t, ModeShadow, p.EffectiveMode(SourceCloudEvent, "prod"))
	})

	t.Run("environment override wins", func(t *testing.T) {
		p := DefaultPolicy("acme")
		p.Modes[SourceK8sAdmission] = SourcePolicy{DefaultMode: ModeSoft, ProdMode: ModeHard}
		assert.Equal(t, ModeHard, p.EffectiveMode(SourceK8sAdmission, "production"))
		assert.Equal(t, ModeSoft, p.EffectiveMode(SourceK8sAdmission, "staging"))
	})

	t.Run("unknown source is hard", func(t *testing.T) {
		assert.Equal(t, ModeHard, p.EffectiveMode(Source("unknown"), "dev"))
	})

	t.Run("nil policy is hard", func(t *testing.T) {
		var nilPolicy *PolicyDocument
		assert.Equal(t, ModeHard, nilPolicy.EffectiveMode(SourceTerraform, "dev"))
		assert.True(t, nilPolicy.RequiresApproval("dev"))
	})
}

func TestPolicyValidate(t *testing.T) {
	valid := DefaultPolicy("acme")
	require.NoError(t, valid.Validate())

	t.Run("auto approve above hard deny", func(t *testing.T) {
		p := DefaultPolicy("acme")
		p.AutoApproveBelowMonthlyUSD = 6000
		assert.Error(t, p.Validate())
	})

	t.Run("negative thresholds", func(t *testing.T) {
		p := DefaultPolicy("acme")
		p.AutoApproveBelowMonthlyUSD = -1
		assert.Error(t, p.Validate())
	})

	t.Run("ttl out of bounds", func(t *testing.T) {
		p := DefaultPolicy("acme")
		p.DefaultTTLSeconds = 10
		assert.Error(t, p.Validate())

		p.DefaultTTLSeconds = 100000
		assert.Error(t, p.Validate())
	})

	t.Run("unknown mode", func(t *testing.T) {
		p := DefaultPolicy("acme")
		p.Modes[SourceTerraform] = SourcePolicy{DefaultMode: "strict"}
		assert.Error(t, p.Validate())
	})

	t.Run("empty tenant", func(t *testing.T) {
		p := DefaultPolicy("  ")
		assert.Error(t, p.Validate())
	})
}

func TestDecisionTTLClamping(t *testing.T) {
	p := &PolicyDocument{DefaultTTLSeconds: 10}
	assert.Equal(t, time.Duration(MinDecisionTTLSeconds)*time.Second, p.DecisionTTL())

	p.DefaultTTLSeconds = 1000000
	assert.Equal(t, time.Duration(MaxDecisionTTLSeconds)*time.Second, p.DecisionTTL())

	p.DefaultTTLSeconds = 3600
	assert.Equal(t, time.Hour, p.DecisionTTL())
}

func TestContentHash(t *testing.T) {
	a := DefaultPolicy("acme")
	b := DefaultPolicy("acme")

	t.Run("deterministic and timestamp independent", func(t *testing.T) {
		b.CreatedAt = time.Now()
		b.UpdatedAt = time.Now()
		assert.Equal(t, a.ComputeContentHash(), b.ComputeContentHash())
	})

	t.Run("content change shifts hash", func(t *testing.T) {
		c := DefaultPolicy("acme")
		c.HardDenyAboveMonthlyUSD = 9999
		assert.NotEqual(t, a.ComputeContentHash(), c.ComputeContentHash())
	})
}

func TestParseSource(t *testing.T) {
	src, err := ParseSource(" Terraform ")
	require.NoError(t, err)
	assert.Equal(t, SourceTerraform, src)

	_, err = ParseSource("gitops")
	assert.Error(t, err)
}
