package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetAllocationRemaining(t *testing.T) {
	a := BudgetAllocation{MonthlyLimitUSD: 100, ReservedUSD: 30, CommittedUSD: 20, Active: true}
	assert.Equal(t, 50.0, a.RemainingUSD())

	t.Run("clamped at zero", func(t *testing.T) {
		over := BudgetAllocation{MonthlyLimitUSD: 100, ReservedUSD: 80, CommittedUSD: 40, Active: true}
		assert.Equal(t, 0.0, over.RemainingUSD())
	})

	t.Run("inactive allocation has no remaining", func(t *testing.T) {
		inactive := a
		inactive.Active = false
		assert.Equal(t, 0.0, inactive.RemainingUSD())
	})
}

func TestCreditGrantUsable(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-time.Hour)

	g := CreditGrant{ID: "g1", RemainingAmountUSD: 10, Active: true, ExpiresAt: &future}
	assert.True(t, g.Usable(now))

	expired := g
	expired.ExpiresAt = &past
	assert.False(t, expired.Usable(now))

	drained := g
	drained.RemainingAmountUSD = 0
	assert.False(t, drained.Usable(now))

	inactive := g
	inactive.Active = false
	assert.False(t, inactive.Usable(now))

	perpetual := g
	perpetual.ExpiresAt = nil
	assert.True(t, perpetual.Usable(now))
}

func TestPlanCreditDraws(t *testing.T) {
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	soon := now.Add(24 * time.Hour)
	later := now.Add(30 * 24 * time.Hour)

	grants := []CreditGrant{
		{ID: "perpetual", RemainingAmountUSD: 100, Active: true, CreatedAt: now.Add(-72 * time.Hour)},
		{ID: "later", RemainingAmountUSD: 40, Active: true, ExpiresAt: &later},
		{ID: "soon", RemainingAmountUSD: 30, Active: true, ExpiresAt: &soon},
	}

	t.Run("oldest expiring first, perpetual last", func(t *testing.T) {
		draws, ok := PlanCreditDraws(grants, 80, now)
		require.True(t, ok)
		require.Len(t, draws, 3)
		assert.Equal(t, CreditDraw{GrantID: "soon", AmountUSD: 30}, draws[0])
		assert.Equal(t, CreditDraw{GrantID: "later", AmountUSD: 40}, draws[1])
		assert.Equal(t, CreditDraw{GrantID: "perpetual", AmountUSD: 10}, draws[2])
	})

	t.Run("perpetual grants ordered by creation", func(t *testing.T) {
		two := []CreditGrant{
			{ID: "newer", RemainingAmountUSD: 50, Active: true, CreatedAt: now.Add(-time.Hour)},
			{ID: "older", RemainingAmountUSD: 50, Active: true, CreatedAt: now.Add(-48 * time.Hour)},
		}
		draws, ok := PlanCreditDraws(two, 60, now)
		require.True(t, ok)
		require.Len(t, draws, 2)
		assert.Equal(t, "older", draws[0].GrantID)
	})

	t.Run("insufficient credits", func(t *testing.T) {
		draws, ok := PlanCreditDraws(grants, 1000, now)
		assert.False(t, ok)
		assert.Nil(t, draws)
	})

	t.Run("expired grants skipped", func(t *testing.T) {
		draws, ok := PlanCreditDraws(grants, 80, now.Add(48*time.Hour))
		require.True(t, ok)
		for _, d := range draws {
			assert.NotEqual(t, "soon", d.GrantID)
		}
	})

	t.Run("zero amount needs nothing", func(t *testing.T) {
		draws, ok := PlanCreditDraws(grants, 0, now)
		assert.True(t, ok)
		assert.Empty(t, draws)
	})
}

func TestReservationPlanTotals(t *testing.T) {
	plan := ReservationPlan{
		AllocationUSD: 70,
		CreditDraws:   []CreditDraw{{GrantID: "g1", AmountUSD: 20}, {GrantID: "g2", AmountUSD: 10}},
	}
	assert.Equal(t, 30.0, plan.CreditUSD())
	assert.Equal(t, 100.0, plan.TotalUSD())
	assert.False(t, plan.IsZero())
	assert.True(t, ReservationPlan{}.IsZero())
}
