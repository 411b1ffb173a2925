package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

type ActionRepo struct {
	mu      sync.Mutex
	byID    map[string]*domain.ActionExecution
	idemIdx map[string]string // tenant|idempotency key -> action id
}

func NewActionRepo() *ActionRepo {
	return &ActionRepo{
		byID:    make(map[string]*domain.ActionExecution),
		idemIdx: make(map[string]string),
	}
}

func (r *ActionRepo) CreateAction(ctx context.Context, scope domain.TenantScope, a *domain.ActionExecution) (*domain.ActionExecution, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := scope.TenantID + "|" + a.IdempotencyKey
	if id, exists := r.idemIdx[key]; exists {
		cp := *r.byID[id]
		return &cp, false, nil
	}

	cp := *a
	r.byID[a.ID] = &cp
	r.idemIdx[key] = a.ID
	out := cp
	return &out, true, nil
}

func (r *ActionRepo) GetAction(ctx context.Context, scope domain.TenantScope, id string) (*domain.ActionExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok || a.TenantID != scope.TenantID {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// LeaseNext атомарно забирает самую старую leasable-задачу. Claim и инкремент
// attempt_count происходят в одной критической секции: два воркера никогда
// не получат одну задачу.
func (r *ActionRepo) LeaseNext(ctx context.Context, workerID, actionType string, now time.Time) (*domain.ActionExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*domain.ActionExecution
	for _, a := range r.byID {
		if actionType != "" && a.ActionType != actionType {
			continue
		}
		if a.Leasable(now) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	a := candidates[0]
	a.Status = domain.ActionRunning
	a.AttemptCount++
	a.LockedByWorkerID = &workerID
	leaseExp := now.Add(time.Duration(a.LeaseTTLSeconds) * time.Second)
	a.LeaseExpiresAt = &leaseExp
	a.NextRetryAt = nil
	a.UpdatedAt = now

	cp := *a
	return &cp, nil
}

// CompleteAction — CAS: только текущий владелец lease может завершить.
func (r *ActionRepo) CompleteAction(ctx context.Context, scope domain.TenantScope, id, workerID, resultSHA256 string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.owned(scope, id, workerID)
	if err != nil {
		return err
	}
	a.Status = domain.ActionSucceeded
	a.ResultSHA256 = resultSHA256
	a.LockedByWorkerID = nil
	a.LeaseExpiresAt = nil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *ActionRepo) FailAction(ctx context.Context, scope domain.TenantScope, id, workerID, lastError string, terminal bool, nextRetryAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, err := r.owned(scope, id, workerID)
	if err != nil {
		return err
	}
	a.LastError = lastError
	a.LockedByWorkerID = nil
	a.LeaseExpiresAt = nil
	if terminal {
		a.Status = domain.ActionFailed
	} else {
		a.Status = domain.ActionQueued
		a.NextRetryAt = nextRetryAt
	}
	a.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *ActionRepo) CancelAction(ctx context.Context, scope domain.TenantScope, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.byID[id]
	if !ok || a.TenantID != scope.TenantID {
		return domain.ErrNotFound
	}
	if a.Status != domain.ActionQueued && a.Status != domain.ActionRunning {
		return domain.ErrActionNotCancelable
	}
	a.Status = domain.ActionCancelled
	a.LockedByWorkerID = nil
	a.LeaseExpiresAt = nil
	a.UpdatedAt = time.Now().UTC()
	return nil
}

// ListActions — интроспекция очереди для консоли.
func (r *ActionRepo) ListActions(ctx context.Context, scope domain.TenantScope, status domain.ActionStatus, limit int) ([]*domain.ActionExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.ActionExecution
	for _, a := range r.byID {
		if a.TenantID != scope.TenantID {
			continue
		}
		if status != "" && a.Status != status {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ActionRepo) owned(scope domain.TenantScope, id, workerID string) (*domain.ActionExecution, error) {
	a, ok := r.byID[id]
	if !ok || a.TenantID != scope.TenantID {
		return nil, domain.ErrNotFound
	}
	if a.Status != domain.ActionRunning || a.LockedByWorkerID == nil || *a.LockedByWorkerID != workerID {
		return nil, domain.ErrInvalidTransition
	}
	return a, nil
}
