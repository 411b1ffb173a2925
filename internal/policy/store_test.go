package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/repository/memory"
)

func newStore(t *testing.T) (*Store, *memory.PolicyRepo) {
	t.Helper()
	repo := memory.NewPolicyRepo()
	return NewStore(repo, nil, zap.NewNop()), repo
}

func TestStoreEffective(t *testing.T) {
	ctx := context.Background()
	store, repo := newStore(t)
	scope := domain.NewTenantScope("acme")

	t.Run("falls back to default policy", func(t *testing.T) {
		pol, err := store.Effective(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(1), pol.PolicyVersion)
		assert.Equal(t, domain.ModeHard, pol.EffectiveMode(domain.SourceTerraform, "prod"))

		// Дефолт не персистится.
		_, err = repo.GetLatestPolicy(ctx, scope)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("persisted version wins over default", func(t *testing.T) {
		doc := domain.DefaultPolicy(scope.TenantID)
		doc.PolicyVersion = 5
		doc.AutoApproveBelowMonthlyUSD = 100
		require.NoError(t, repo.InsertPolicyVersion(ctx, scope, doc))
		store.Invalidate(scope.TenantID)

		pol, err := store.Effective(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(5), pol.PolicyVersion)
		assert.Equal(t, 100.0, pol.AutoApproveBelowMonthlyUSD)
	})
}

func TestStoreUpdate(t *testing.T) {
	ctx := context.Background()
	store, repo := newStore(t)
	scope := domain.NewTenantScope("acme")

	t.Run("bumps version and recomputes hash", func(t *testing.T) {
		updated, err := store.Update(ctx, scope, func(p *domain.PolicyDocument) {
			p.HardDenyAboveMonthlyUSD = 10000
		})
		require.NoError(t, err)
		assert.Equal(t, int64(2), updated.PolicyVersion)
		assert.Equal(t, 10000.0, updated.HardDenyAboveMonthlyUSD)
		assert.Equal(t, updated.ComputeContentHash(), updated.ContentHash)

		// Новая версия видна и через стор, и напрямую.
		pol, err := store.Effective(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, int64(2), pol.PolicyVersion)

		pinned, err := repo.GetPolicyVersion(ctx, scope, 2)
		require.NoError(t, err)
		assert.Equal(t, updated.ContentHash, pinned.ContentHash)
	})

	t.Run("invalid mutation is rejected without side effects", func(t *testing.T) {
		before, err := store.Effective(ctx, scope)
		require.NoError(t, err)

		_, err = store.Update(ctx, scope, func(p *domain.PolicyDocument) {
			p.AutoApproveBelowMonthlyUSD = p.HardDenyAboveMonthlyUSD + 1
		})
		require.Error(t, err)

		after, err := store.Effective(ctx, scope)
		require.NoError(t, err)
		assert.Equal(t, before.PolicyVersion, after.PolicyVersion)
	})

	t.Run("mutate gets a copy of the modes map", func(t *testing.T) {
		before, err := store.Effective(ctx, scope)
		require.NoError(t, err)
		beforeMode := before.Modes[domain.SourceCloudEvent].DefaultMode

		updated, err := store.Update(ctx, scope, func(p *domain.PolicyDocument) {
			p.Modes[domain.SourceCloudEvent] = domain.SourcePolicy{DefaultMode: domain.ModeHard}
		})
		require.NoError(t, err)
		assert.Equal(t, domain.ModeHard, updated.Modes[domain.SourceCloudEvent].DefaultMode)
		// Исходный документ не мутировал.
		assert.Equal(t, beforeMode, before.Modes[domain.SourceCloudEvent].DefaultMode)
	})
}

func TestStoreVersionLookup(t *testing.T) {
	ctx := context.Background()
	store, _ := newStore(t)
	scope := domain.NewTenantScope("acme")

	_, err := store.Update(ctx, scope, func(p *domain.PolicyDocument) {
		p.RequireApprovalNonProd = true
	})
	require.NoError(t, err)

	_, err = store.Version(ctx, scope, 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	pinned, err := store.Version(ctx, scope, 2)
	require.NoError(t, err)
	assert.True(t, pinned.RequireApprovalNonProd)
}
