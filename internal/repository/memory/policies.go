package memory

import (
	"context"
	"sync"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

type PolicyRepo struct {
	mu       sync.Mutex
	versions map[string]map[int64]*domain.PolicyDocument // tenant -> version -> doc
	latest   map[string]int64
}

func NewPolicyRepo() *PolicyRepo {
	return &PolicyRepo{
		versions: make(map[string]map[int64]*domain.PolicyDocument),
		latest:   make(map[string]int64),
	}
}

func (r *PolicyRepo) GetLatestPolicy(ctx context.Context, scope domain.TenantScope) (*domain.PolicyDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.latest[scope.TenantID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r.versions[scope.TenantID][v]
	return &cp, nil
}

func (r *PolicyRepo) GetPolicyVersion(ctx context.Context, scope domain.TenantScope, version int64) (*domain.PolicyDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs, ok := r.versions[scope.TenantID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	doc, ok := docs[version]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *doc
	return &cp, nil
}

// InsertPolicyVersion — append-only: существующая версия не перезаписывается.
func (r *PolicyRepo) InsertPolicyVersion(ctx context.Context, scope domain.TenantScope, doc *domain.PolicyDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	docs, ok := r.versions[scope.TenantID]
	if !ok {
		docs = make(map[int64]*domain.PolicyDocument)
		r.versions[scope.TenantID] = docs
	}
	if _, exists := docs[doc.PolicyVersion]; exists {
		return domain.ErrAlreadyProcessed
	}

	cp := *doc
	docs[doc.PolicyVersion] = &cp
	if doc.PolicyVersion > r.latest[scope.TenantID] {
		r.latest[scope.TenantID] = doc.PolicyVersion
	}
	return nil
}
