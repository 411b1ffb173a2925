package service

import (
	"context"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/policy"
)

// PolicyUpdateRequest — частичная правка политики: только заполненные поля
// (non-nil) попадают в новую версию документа.
type PolicyUpdateRequest struct {
	Modes map[domain.Source]domain.SourcePolicy `json:"modes,omitempty"`

	RequireApprovalProd    *bool `json:"require_approval_for_prod,omitempty"`
	RequireApprovalNonProd *bool `json:"require_approval_for_nonprod,omitempty"`
	SeparationProd         *bool `json:"requester_reviewer_separation_prod,omitempty"`
	SeparationNonProd      *bool `json:"requester_reviewer_separation_nonprod,omitempty"`

	AutoApproveBelowMonthlyUSD *float64 `json:"auto_approve_below_monthly_usd,omitempty"`
	HardDenyAboveMonthlyUSD    *float64 `json:"hard_deny_above_monthly_usd,omitempty"`
	DefaultTTLSeconds          *int64   `json:"default_ttl_seconds,omitempty"`

	ApprovalRoutes []domain.ApprovalRoute `json:"approval_routes,omitempty"`
}

// PolicyService — тонкая прослойка над версионированным Policy Store.
type PolicyService struct {
	store *policy.Store
}

func NewPolicyService(store *policy.Store) *PolicyService {
	return &PolicyService{store: store}
}

func (s *PolicyService) Effective(ctx context.Context, scope domain.TenantScope) (*domain.PolicyDocument, error) {
	return s.store.Effective(ctx, scope)
}

func (s *PolicyService) Version(ctx context.Context, scope domain.TenantScope, version int64) (*domain.PolicyDocument, error) {
	return s.store.Version(ctx, scope, version)
}

// Update создает новую версию документа. Валидация инвариантов (пороги,
// границы TTL, известные режимы) происходит внутри стора перед персистом.
func (s *PolicyService) Update(ctx context.Context, scope domain.TenantScope, req PolicyUpdateRequest) (*domain.PolicyDocument, error) {
	return s.store.Update(ctx, scope, func(doc *domain.PolicyDocument) {
		for src, sp := range req.Modes {
			doc.Modes[src] = sp
		}
		if req.RequireApprovalProd != nil {
			doc.RequireApprovalProd = *req.RequireApprovalProd
		}
		if req.RequireApprovalNonProd != nil {
			doc.RequireApprovalNonProd = *req.RequireApprovalNonProd
		}
		if req.SeparationProd != nil {
			doc.SeparationProd = *req.SeparationProd
		}
		if req.SeparationNonProd != nil {
			doc.SeparationNonProd = *req.SeparationNonProd
		}
		if req.AutoApproveBelowMonthlyUSD != nil {
			doc.AutoApproveBelowMonthlyUSD = *req.AutoApproveBelowMonthlyUSD
		}
		if req.HardDenyAboveMonthlyUSD != nil {
			doc.HardDenyAboveMonthlyUSD = *req.HardDenyAboveMonthlyUSD
		}
		if req.DefaultTTLSeconds != nil {
			doc.DefaultTTLSeconds = *req.DefaultTTLSeconds
		}
		if req.ApprovalRoutes != nil {
			doc.ApprovalRoutes = req.ApprovalRoutes
		}
	})
}
