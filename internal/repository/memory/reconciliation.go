package memory

import (
	"context"
	"sync"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

type ReconciliationRepo struct {
	mu      sync.Mutex
	entries []domain.ReconciliationEntry
}

func NewReconciliationRepo() *ReconciliationRepo {
	return &ReconciliationRepo{}
}

func (r *ReconciliationRepo) SaveReconciliation(ctx context.Context, scope domain.TenantScope, e *domain.ReconciliationEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *e)
	return nil
}

// ListEntries — журнал сверок для консоли и тестов.
func (r *ReconciliationRepo) ListEntries(ctx context.Context, scope domain.TenantScope, limit int) ([]domain.ReconciliationEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []domain.ReconciliationEntry
	for _, e := range r.entries {
		if e.TenantID != scope.TenantID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
