package memory

import (
	"context"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

// ExportReader собирает export.Reader из отдельных in-memory репозиториев.
type ExportReader struct {
	Decisions *DecisionRepo
	Approvals *ApprovalRepo
	Policies  *PolicyRepo
}

func NewExportReader(d *DecisionRepo, a *ApprovalRepo, p *PolicyRepo) *ExportReader {
	return &ExportReader{Decisions: d, Approvals: a, Policies: p}
}

func (r *ExportReader) ListDecisionsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time, limit int) ([]domain.Decision, error) {
	return r.Decisions.ListDecisionsWindow(ctx, scope, from, to, limit)
}

func (r *ExportReader) ListApprovalsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	return r.Approvals.ListApprovalsWindow(ctx, scope, from, to, limit)
}

func (r *ExportReader) CountDecisionsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time) (int, error) {
	return r.Decisions.CountDecisionsWindow(ctx, scope, from, to)
}

func (r *ExportReader) CountApprovalsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time) (int, error) {
	return r.Approvals.CountApprovalsWindow(ctx, scope, from, to)
}

func (r *ExportReader) GetPolicyVersion(ctx context.Context, scope domain.TenantScope, version int64) (*domain.PolicyDocument, error) {
	return r.Policies.GetPolicyVersion(ctx, scope, version)
}
