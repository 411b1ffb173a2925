package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/ledger"
	"github.com/Valdrix-AI/spendgate/internal/repository/memory"
)

type reconcileFixture struct {
	rec       *Reconciler
	lg        *ledger.Ledger
	decisions *memory.DecisionRepo
	entries   *memory.ReconciliationRepo
	scope     domain.TenantScope
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	ledgerRep := memory.NewLedgerRepo()
	decisions := memory.NewDecisionRepo()
	entries := memory.NewReconciliationRepo()
	lg := ledger.New(ledgerRep, zap.NewNop())

	scope := domain.NewTenantScope("acme")
	ledgerRep.SetAllocation(domain.BudgetAllocation{
		TenantID:        scope.TenantID,
		ScopeKey:        scope.ScopeKey,
		MonthlyLimitUSD: 1000,
		Active:          true,
	})

	return &reconcileFixture{
		rec:       New(lg, decisions, entries, zap.NewNop()),
		lg:        lg,
		decisions: decisions,
		entries:   entries,
		scope:     scope,
	}
}

func (f *reconcileFixture) seedReserved(t *testing.T, amount float64) *domain.Decision {
	t.Helper()
	ctx := context.Background()

	dec := &domain.Decision{
		ID:                    uuid.New().String(),
		TenantID:              f.scope.TenantID,
		ScopeKey:              f.scope.ScopeKey,
		Source:                domain.SourceTerraform,
		Outcome:               domain.DecisionAllow,
		ReservedAllocationUSD: amount,
		ReservationActive:     true,
		CreatedAt:             time.Now().UTC(),
	}
	_, _, err := f.decisions.InsertOrGetDecision(ctx, f.scope, dec)
	require.NoError(t, err)

	_, err = f.lg.Reserve(ctx, f.scope, dec.ID, domain.ReservationPlan{AllocationUSD: amount})
	require.NoError(t, err)
	return dec
}

func TestReconcileReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("drift entry written when actual differs", func(t *testing.T) {
		f := newReconcileFixture(t)
		dec := f.seedReserved(t, 50)

		entry, err := f.rec.ReconcileReservation(ctx, f.scope, dec.ID, 70)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Equal(t, 50.0, entry.ReservedUSD)
		assert.Equal(t, 70.0, entry.ActualUSD)
		assert.InDelta(t, 20.0, entry.DriftUSD, 1e-9)
		assert.Equal(t, domain.ReconcileReasonSettled, entry.Reason)

		saved, err := f.entries.ListEntries(ctx, f.scope, 10)
		require.NoError(t, err)
		require.Len(t, saved, 1)

		got, err := f.decisions.GetDecision(ctx, f.scope, dec.ID)
		require.NoError(t, err)
		assert.False(t, got.ReservationActive)
	})

	t.Run("zero drift is settled without exception entry", func(t *testing.T) {
		f := newReconcileFixture(t)
		dec := f.seedReserved(t, 50)

		entry, err := f.rec.ReconcileReservation(ctx, f.scope, dec.ID, 50)
		require.NoError(t, err)
		require.NotNil(t, entry)
		assert.Zero(t, entry.DriftUSD)

		saved, err := f.entries.ListEntries(ctx, f.scope, 10)
		require.NoError(t, err)
		assert.Empty(t, saved)
	})

	t.Run("repeat settle is a no-op", func(t *testing.T) {
		f := newReconcileFixture(t)
		dec := f.seedReserved(t, 50)

		_, err := f.rec.ReconcileReservation(ctx, f.scope, dec.ID, 70)
		require.NoError(t, err)

		entry, err := f.rec.ReconcileReservation(ctx, f.scope, dec.ID, 90)
		require.NoError(t, err)
		assert.Nil(t, entry)

		saved, err := f.entries.ListEntries(ctx, f.scope, 10)
		require.NoError(t, err)
		assert.Len(t, saved, 1)
	})

	t.Run("decision without reservation", func(t *testing.T) {
		f := newReconcileFixture(t)
		dec := &domain.Decision{
			ID:       uuid.New().String(),
			TenantID: f.scope.TenantID,
			ScopeKey: f.scope.ScopeKey,
			Source:   domain.SourceCloudEvent,
			Outcome:  domain.DecisionAllow,
		}
		_, _, err := f.decisions.InsertOrGetDecision(ctx, f.scope, dec)
		require.NoError(t, err)

		entry, err := f.rec.ReconcileReservation(ctx, f.scope, dec.ID, 10)
		require.NoError(t, err)
		assert.Nil(t, entry)
	})

	t.Run("negative actual is rejected", func(t *testing.T) {
		f := newReconcileFixture(t)
		dec := f.seedReserved(t, 50)
		_, err := f.rec.ReconcileReservation(ctx, f.scope, dec.ID, -1)
		assert.Error(t, err)
	})

	t.Run("unknown decision", func(t *testing.T) {
		f := newReconcileFixture(t)
		_, err := f.rec.ReconcileReservation(ctx, f.scope, "missing", 10)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestReconcileOverdueReservations(t *testing.T) {
	ctx := context.Background()
	f := newReconcileFixture(t)
	dec := f.seedReserved(t, 40)

	t.Run("fresh reservations are left alone", func(t *testing.T) {
		res, err := f.rec.ReconcileOverdueReservations(ctx, time.Hour, 100)
		require.NoError(t, err)
		assert.Zero(t, res.Count)
	})

	t.Run("overdue reservation is released", func(t *testing.T) {
		// Нулевое SLA-окно: все активные резервации считаются просроченными.
		res, err := f.rec.ReconcileOverdueReservations(ctx, -time.Minute, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Count)
		assert.Equal(t, 40.0, res.TotalReleasedUSD)

		saved, err := f.entries.ListEntries(ctx, f.scope, 10)
		require.NoError(t, err)
		require.Len(t, saved, 1)
		assert.Equal(t, domain.ReconcileReasonOverdue, saved[0].Reason)
		assert.InDelta(t, -40.0, saved[0].DriftUSD, 1e-9)

		got, err := f.decisions.GetDecision(ctx, f.scope, dec.ID)
		require.NoError(t, err)
		assert.False(t, got.ReservationActive)
	})

	t.Run("sweep is idempotent", func(t *testing.T) {
		res, err := f.rec.ReconcileOverdueReservations(ctx, -time.Minute, 100)
		require.NoError(t, err)
		assert.Zero(t, res.Count)
	})
}
