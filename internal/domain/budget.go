package domain

import (
	"sort"
	"time"
)

// BudgetAllocation — месячный лимит арендатора на scope_key.
// Remaining = limit − reserved − committed.
type BudgetAllocation struct {
	TenantID        string    `json:"tenant_id"`
	ScopeKey        string    `json:"scope_key"`
	MonthlyLimitUSD float64   `json:"monthly_limit_usd"`
	ReservedUSD     float64   `json:"reserved_usd"`
	CommittedUSD    float64   `json:"committed_usd"`
	Active          bool      `json:"active"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RemainingUSD — свободный остаток бюджета с учетом активных резерваций.
func (b *BudgetAllocation) RemainingUSD() float64 {
	if b == nil || !b.Active {
		return 0
	}
	rem := b.MonthlyLimitUSD - b.ReservedUSD - b.CommittedUSD
	if rem < 0 {
		return 0
	}
	return rem
}

// CreditGrant — пул кредитов. После создания мутирует только remaining:
// уменьшается при резервации, восстанавливается при release, никогда не
// превышает total.
type CreditGrant struct {
	ID                 string     `json:"id"`
	TenantID           string     `json:"tenant_id"`
	ScopeKey           string     `json:"scope_key"`
	PoolType           string     `json:"pool_type"`
	TotalAmountUSD     float64    `json:"total_amount_usd"`
	RemainingAmountUSD float64    `json:"remaining_amount_usd"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	Active             bool       `json:"active"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Usable сообщает, можно ли резервировать из гранта в данный момент.
func (g *CreditGrant) Usable(now time.Time) bool {
	if g == nil || !g.Active || g.RemainingAmountUSD <= 0 {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// CreditDraw — списание с конкретного гранта в составе резервации.
type CreditDraw struct {
	GrantID   string  `json:"grant_id"`
	AmountUSD float64 `json:"amount_usd"`
}

// ReservationPlan — план резервации, вычисленный движком.
// Для REQUIRE_APPROVAL план остается «предложенным» и коммитится при апруве.
type ReservationPlan struct {
	AllocationUSD float64      `json:"allocation_usd"`
	CreditDraws   []CreditDraw `json:"credit_draws,omitempty"`
}

func (p ReservationPlan) CreditUSD() float64 {
	var sum float64
	for _, d := range p.CreditDraws {
		sum += d.AmountUSD
	}
	return sum
}

func (p ReservationPlan) TotalUSD() float64 {
	return p.AllocationUSD + p.CreditUSD()
}

func (p ReservationPlan) IsZero() bool {
	return p.AllocationUSD == 0 && len(p.CreditDraws) == 0
}

// PlanCreditDraws раскладывает amount по usable-грантам в порядке
// oldest-expiring-first (бессрочные — последними), чтобы минимизировать
// сгорание кредитов. Возвращает false, если грантов не хватает.
func PlanCreditDraws(grants []CreditGrant, amountUSD float64, now time.Time) ([]CreditDraw, bool) {
	if amountUSD <= 0 {
		return nil, true
	}

	usable := make([]CreditGrant, 0, len(grants))
	for _, g := range grants {
		if g.Usable(now) {
			usable = append(usable, g)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		gi, gj := usable[i], usable[j]
		switch {
		case gi.ExpiresAt == nil && gj.ExpiresAt == nil:
			return gi.CreatedAt.Before(gj.CreatedAt)
		case gi.ExpiresAt == nil:
			return false
		case gj.ExpiresAt == nil:
			return true
		default:
			return gi.ExpiresAt.Before(*gj.ExpiresAt)
		}
	})

	var draws []CreditDraw
	left := amountUSD
	for _, g := range usable {
		if left <= 0 {
			break
		}
		take := g.RemainingAmountUSD
		if take > left {
			take = left
		}
		draws = append(draws, CreditDraw{GrantID: g.ID, AmountUSD: take})
		left -= take
	}
	if left > 1e-9 {
		return nil, false
	}
	return draws, true
}

// ReservationHandle — ссылка на закоммиченную резервацию.
// Release восстанавливает ровно те суммы, что были зарезервированы;
// Settle заменяет резерв фактическими затратами и фиксирует drift.
type ReservationHandle struct {
	DecisionID    string       `json:"decision_id"`
	TenantID      string       `json:"tenant_id"`
	ScopeKey      string       `json:"scope_key"`
	AllocationUSD float64      `json:"allocation_usd"`
	CreditDraws   []CreditDraw `json:"credit_draws,omitempty"`
	Active        bool         `json:"active"`
	CreatedAt     time.Time    `json:"created_at"`
}

func (h *ReservationHandle) CreditUSD() float64 {
	var sum float64
	for _, d := range h.CreditDraws {
		sum += d.AmountUSD
	}
	return sum
}

func (h *ReservationHandle) TotalUSD() float64 {
	return h.AllocationUSD + h.CreditUSD()
}

// ReconciliationEntry — запись о сверке резервации с фактическими затратами.
// Drift = actual − reserved; ненулевой drift считается exception для алертинга.
type ReconciliationEntry struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	DecisionID  string    `json:"decision_id"`
	ReservedUSD float64   `json:"reserved_usd"`
	ActualUSD   float64   `json:"actual_usd"`
	DriftUSD    float64   `json:"drift_usd"`
	Reason      string    `json:"reason"` // "settled" | "overdue_unreconciled"
	CreatedAt   time.Time `json:"created_at"`
}

const (
	ReconcileReasonSettled = "settled"
	ReconcileReasonOverdue = ReasonOverdueUnreconciled
)
