package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

type ApprovalRepo struct {
	mu          sync.Mutex
	byID        map[string]*domain.ApprovalRequest
	byDecision  map[string]string // tenant|decision id -> approval id
	byTokenHash map[string]string // token hash -> approval id
}

func NewApprovalRepo() *ApprovalRepo {
	return &ApprovalRepo{
		byID:        make(map[string]*domain.ApprovalRequest),
		byDecision:  make(map[string]string),
		byTokenHash: make(map[string]string),
	}
}

func (r *ApprovalRepo) CreateApproval(ctx context.Context, scope domain.TenantScope, app *domain.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// one-to-one с решением
	decKey := scope.TenantID + "|" + app.DecisionID
	if _, exists := r.byDecision[decKey]; exists {
		return domain.ErrAlreadyProcessed
	}

	cp := *app
	r.byID[app.ID] = &cp
	r.byDecision[decKey] = app.ID
	return nil
}

func (r *ApprovalRepo) GetApprovalByID(ctx context.Context, scope domain.TenantScope, id string) (*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(scope, id)
}

func (r *ApprovalRepo) GetApprovalByDecision(ctx context.Context, scope domain.TenantScope, decisionID string) (*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byDecision[scope.TenantID+"|"+decisionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.lookup(scope, id)
}

func (r *ApprovalRepo) GetApprovalByTokenHash(ctx context.Context, scope domain.TenantScope, tokenHash string) (*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byTokenHash[tokenHash]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return r.lookup(scope, id)
}

func (r *ApprovalRepo) FindApprovals(ctx context.Context, scope domain.TenantScope, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.ApprovalRequest
	for _, app := range r.byID {
		if app.TenantID != scope.TenantID {
			continue
		}
		if status != "" && app.Status != status {
			continue
		}
		cp := *app
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DecideApproval — CAS из PENDING в терминальный статус.
func (r *ApprovalRepo) DecideApproval(ctx context.Context, scope domain.TenantScope, id string, status domain.ApprovalStatus, reviewerID, comment string, tokenHash string, tokenExpiresAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.byID[id]
	if !ok || app.TenantID != scope.TenantID {
		return domain.ErrNotFound
	}
	if app.Status != domain.ApprovalPending {
		return domain.ErrAlreadyProcessed
	}

	app.Status = status
	if reviewerID != "" {
		app.ReviewerID = &reviewerID
	}
	if comment != "" {
		app.Comment = &comment
	}
	if tokenHash != "" {
		app.TokenHash = tokenHash
		r.byTokenHash[tokenHash] = id
	}
	app.TokenExpiresAt = tokenExpiresAt
	app.UpdatedAt = time.Now().UTC()
	return nil
}

// ConsumeToken — CAS: false, если token_consumed_at уже проставлен.
func (r *ApprovalRepo) ConsumeToken(ctx context.Context, scope domain.TenantScope, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.byID[id]
	if !ok || app.TenantID != scope.TenantID {
		return false, domain.ErrNotFound
	}
	if app.TokenConsumedAt != nil {
		return false, nil
	}
	t := at
	app.TokenConsumedAt = &t
	app.UpdatedAt = at
	return true, nil
}

func (r *ApprovalRepo) ExpirePending(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, app := range r.byID {
		if app.Status != domain.ApprovalPending || app.ExpiresAt.After(olderThan) {
			continue
		}
		app.Status = domain.ApprovalExpired
		app.UpdatedAt = time.Now().UTC()
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return n, nil
}

// ListApprovalsWindow — выборка для экспорта: заявки арендатора в окне.
func (r *ApprovalRepo) ListApprovalsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.ApprovalRequest
	for _, app := range r.byID {
		if app.TenantID != scope.TenantID || app.CreatedAt.Before(from) || !app.CreatedAt.Before(to) {
			continue
		}
		cp := *app
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *ApprovalRepo) CountApprovalsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, app := range r.byID {
		if app.TenantID == scope.TenantID && !app.CreatedAt.Before(from) && app.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

// ForceExpiry сдвигает дедлайн заявки (тесты sweep'а).
func (r *ApprovalRepo) ForceExpiry(ctx context.Context, scope domain.TenantScope, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.byID[id]
	if !ok || app.TenantID != scope.TenantID {
		return domain.ErrNotFound
	}
	app.ExpiresAt = at
	return nil
}

// ForceTokenExpiry сдвигает срок действия токена (тесты consume).
func (r *ApprovalRepo) ForceTokenExpiry(ctx context.Context, scope domain.TenantScope, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.byID[id]
	if !ok || app.TenantID != scope.TenantID {
		return domain.ErrNotFound
	}
	t := at
	app.TokenExpiresAt = &t
	return nil
}

func (r *ApprovalRepo) lookup(scope domain.TenantScope, id string) (*domain.ApprovalRequest, error) {
	app, ok := r.byID[id]
	if !ok || app.TenantID != scope.TenantID {
		return nil, domain.ErrNotFound
	}
	cp := *app
	return &cp, nil
}
