package memory

/*
In-memory реализации репозиториев. Семантика идентична Postgres-вариантам
(те же CAS-гарантии, но под мьютексом): используются в тестах и локальных
запусках без инфраструктуры.
*/

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

type DecisionRepo struct {
	mu      sync.Mutex
	byID    map[string]*domain.Decision
	idemIdx map[string]string // tenant|source|key -> decision id
}

func NewDecisionRepo() *DecisionRepo {
	return &DecisionRepo{
		byID:    make(map[string]*domain.Decision),
		idemIdx: make(map[string]string),
	}
}

func idemKey(tenantID string, source domain.Source, key string) string {
	return tenantID + "|" + string(source) + "|" + key
}

func (r *DecisionRepo) InsertOrGetDecision(ctx context.Context, scope domain.TenantScope, d *domain.Decision) (*domain.Decision, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.IdempotencyKey != "" {
		if id, ok := r.idemIdx[idemKey(scope.TenantID, d.Source, d.IdempotencyKey)]; ok {
			cp := *r.byID[id]
			return &cp, false, nil
		}
	}

	cp := *d
	r.byID[d.ID] = &cp
	if d.IdempotencyKey != "" {
		r.idemIdx[idemKey(scope.TenantID, d.Source, d.IdempotencyKey)] = d.ID
	}
	out := cp
	return &out, true, nil
}

func (r *DecisionRepo) GetDecisionByIdempotencyKey(ctx context.Context, scope domain.TenantScope, source domain.Source, key string) (*domain.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.idemIdx[idemKey(scope.TenantID, source, key)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *DecisionRepo) GetDecision(ctx context.Context, scope domain.TenantScope, id string) (*domain.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok || d.TenantID != scope.TenantID {
		return nil, domain.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *DecisionRepo) MarkReservation(ctx context.Context, scope domain.TenantScope, id string, allocationUSD, creditUSD float64, tokenExpiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok || d.TenantID != scope.TenantID {
		return domain.ErrNotFound
	}
	d.ReservedAllocationUSD = allocationUSD
	d.ReservedCreditUSD = creditUSD
	d.ReservationActive = true
	d.TokenExpiresAt = tokenExpiresAt
	return nil
}

func (r *DecisionRepo) ClearReservation(ctx context.Context, scope domain.TenantScope, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok || d.TenantID != scope.TenantID {
		return domain.ErrNotFound
	}
	d.ReservationActive = false
	return nil
}

// ListDecisionsWindow — решения арендатора в окне [from, to), от старых к новым.
func (r *DecisionRepo) ListDecisionsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time, limit int) ([]domain.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.Decision
	for _, d := range r.byID {
		if d.TenantID != scope.TenantID {
			continue
		}
		if d.CreatedAt.Before(from) || !d.CreatedAt.Before(to) {
			continue
		}
		out = append(out, *d)
	}
	sortDecisions(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *DecisionRepo) CountDecisionsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, d := range r.byID {
		if d.TenantID == scope.TenantID && !d.CreatedAt.Before(from) && d.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

// CountByOutcome — статистика для консоли: счетчики по исходу и источнику.
func (r *DecisionRepo) CountByOutcome(ctx context.Context, scope domain.TenantScope, from, to time.Time) (map[string]int, map[string]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byOutcome := make(map[string]int)
	bySource := make(map[string]int)
	for _, d := range r.byID {
		if d.TenantID != scope.TenantID || d.CreatedAt.Before(from) || !d.CreatedAt.Before(to) {
			continue
		}
		byOutcome[string(d.Outcome)]++
		bySource[string(d.Source)]++
	}
	return byOutcome, bySource, nil
}

func sortDecisions(ds []domain.Decision) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].CreatedAt.Before(ds[j].CreatedAt) })
}
