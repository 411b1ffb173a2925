package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

// LedgerRepo — in-memory бюджет и кредиты. CAS-семантика Postgres-репозитория
// воспроизводится под одним мьютексом: проверка остатка и декремент атомарны.
type LedgerRepo struct {
	mu           sync.Mutex
	allocations  map[string]*domain.BudgetAllocation // tenant|scope_key
	grants       map[string]*domain.CreditGrant      // grant id
	reservations map[string]*domain.ReservationHandle // tenant|decision id
}

func NewLedgerRepo() *LedgerRepo {
	return &LedgerRepo{
		allocations:  make(map[string]*domain.BudgetAllocation),
		grants:       make(map[string]*domain.CreditGrant),
		reservations: make(map[string]*domain.ReservationHandle),
	}
}

func allocKey(scope domain.TenantScope) string {
	return scope.TenantID + "|" + scope.ScopeKey
}

func resKey(tenantID, decisionID string) string {
	return tenantID + "|" + decisionID
}

// SetAllocation — сидирование бюджета (тесты, локальный запуск).
func (r *LedgerRepo) SetAllocation(a domain.BudgetAllocation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := a
	if cp.ScopeKey == "" {
		cp.ScopeKey = domain.DefaultScopeKey
	}
	r.allocations[cp.TenantID+"|"+cp.ScopeKey] = &cp
}

// AddGrant — сидирование кредитного гранта.
func (r *LedgerRepo) AddGrant(g domain.CreditGrant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := g
	if cp.ScopeKey == "" {
		cp.ScopeKey = domain.DefaultScopeKey
	}
	r.grants[cp.ID] = &cp
}

func (r *LedgerRepo) GetAllocation(ctx context.Context, scope domain.TenantScope) (*domain.BudgetAllocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allocations[allocKey(scope)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *LedgerRepo) ListUsableCredits(ctx context.Context, scope domain.TenantScope, now time.Time) ([]domain.CreditGrant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.CreditGrant
	for _, g := range r.grants {
		if g.TenantID == scope.TenantID && g.ScopeKey == scope.ScopeKey && g.Usable(now) {
			out = append(out, *g)
		}
	}
	return out, nil
}

// ReserveFunds — атомарный compare-and-decrement: остаток бюджета и каждый
// грант проверяются и списываются в одной критической секции. Нехватка в
// любом месте — ErrReservationConflict без частичных эффектов.
func (r *LedgerRepo) ReserveFunds(ctx context.Context, scope domain.TenantScope, allocationUSD float64, draws []domain.CreditDraw) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allocations[allocKey(scope)]
	if !ok || !a.Active {
		return domain.ErrReservationConflict
	}
	if allocationUSD > a.RemainingUSD() {
		return domain.ErrReservationConflict
	}
	for _, d := range draws {
		g, ok := r.grants[d.GrantID]
		if !ok || g.TenantID != scope.TenantID || g.RemainingAmountUSD < d.AmountUSD {
			return domain.ErrReservationConflict
		}
	}

	a.ReservedUSD += allocationUSD
	a.UpdatedAt = time.Now().UTC()
	for _, d := range draws {
		r.grants[d.GrantID].RemainingAmountUSD -= d.AmountUSD
	}
	return nil
}

// ReleaseFunds восстанавливает ровно зарезервированные суммы. Remaining гранта
// не превышает total даже при некорректном повторном вызове.
func (r *LedgerRepo) ReleaseFunds(ctx context.Context, scope domain.TenantScope, allocationUSD float64, draws []domain.CreditDraw) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allocations[allocKey(scope)]
	if !ok {
		return domain.ErrNotFound
	}
	a.ReservedUSD -= allocationUSD
	if a.ReservedUSD < 0 {
		a.ReservedUSD = 0
	}
	a.UpdatedAt = time.Now().UTC()

	for _, d := range draws {
		g, ok := r.grants[d.GrantID]
		if !ok {
			continue
		}
		g.RemainingAmountUSD += d.AmountUSD
		if g.RemainingAmountUSD > g.TotalAmountUSD {
			g.RemainingAmountUSD = g.TotalAmountUSD
		}
	}
	return nil
}

// CommitSpend заменяет резерв фактическими затратами.
func (r *LedgerRepo) CommitSpend(ctx context.Context, scope domain.TenantScope, reservedAllocationUSD, actualUSD float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.allocations[allocKey(scope)]
	if !ok {
		return domain.ErrNotFound
	}
	a.ReservedUSD -= reservedAllocationUSD
	if a.ReservedUSD < 0 {
		a.ReservedUSD = 0
	}
	a.CommittedUSD += actualUSD
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *LedgerRepo) SaveReservation(ctx context.Context, scope domain.TenantScope, h *domain.ReservationHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := resKey(scope.TenantID, h.DecisionID)
	if _, exists := r.reservations[key]; exists {
		return fmt.Errorf("memory: reservation for decision %s already exists", h.DecisionID)
	}
	cp := *h
	r.reservations[key] = &cp
	return nil
}

func (r *LedgerRepo) GetReservation(ctx context.Context, scope domain.TenantScope, decisionID string) (*domain.ReservationHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.reservations[resKey(scope.TenantID, decisionID)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *h
	return &cp, nil
}

// DeactivateReservation — CAS: true только при переходе active -> inactive.
func (r *LedgerRepo) DeactivateReservation(ctx context.Context, scope domain.TenantScope, decisionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.reservations[resKey(scope.TenantID, decisionID)]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !h.Active {
		return false, nil
	}
	h.Active = false
	return true, nil
}

func (r *LedgerRepo) ListOverdueReservations(ctx context.Context, olderThan time.Time, limit int) ([]domain.ReservationHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.ReservationHandle
	for _, h := range r.reservations {
		if h.Active && h.CreatedAt.Before(olderThan) {
			out = append(out, *h)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}
