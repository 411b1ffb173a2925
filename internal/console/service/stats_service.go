package service

import (
	"context"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

// DecisionCounter — агрегаты ledger'а решений.
type DecisionCounter interface {
	CountByOutcome(ctx context.Context, scope domain.TenantScope, from, to time.Time) (map[string]int, map[string]int, error)
}

// ApprovalLister — очередь заявок на ручное подтверждение.
type ApprovalLister interface {
	List(ctx context.Context, scope domain.TenantScope, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error)
}

// DashboardStats — сводка для главного экрана консоли.
type DashboardStats struct {
	WindowHours        int            `json:"window_hours"`
	DecisionsByOutcome map[string]int `json:"decisions_by_outcome"`
	DecisionsBySource  map[string]int `json:"decisions_by_source"`
	PendingApprovals   int            `json:"pending_approvals"`
	GeneratedAt        time.Time      `json:"generated_at"`
}

type StatsService struct {
	decisions DecisionCounter
	approvals ApprovalLister
}

func NewStatsService(decisions DecisionCounter, approvals ApprovalLister) *StatsService {
	return &StatsService{decisions: decisions, approvals: approvals}
}

// GetDashboardStats собирает сводку за последние windowHours часов.
// Здесь можно добавить кэширование в Redis на минуту, чтобы не нагружать
// Postgres аналитическими запросами с каждого рефреша дашборда.
func (s *StatsService) GetDashboardStats(ctx context.Context, scope domain.TenantScope, windowHours int) (*DashboardStats, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	now := time.Now().UTC()
	from := now.Add(-time.Duration(windowHours) * time.Hour)

	byOutcome, bySource, err := s.decisions.CountByOutcome(ctx, scope, from, now)
	if err != nil {
		return nil, err
	}

	pending, err := s.approvals.List(ctx, scope, domain.ApprovalPending, 100)
	if err != nil {
		return nil, err
	}

	return &DashboardStats{
		WindowHours:        windowHours,
		DecisionsByOutcome: byOutcome,
		DecisionsBySource:  bySource,
		PendingApprovals:   len(pending),
		GeneratedAt:        now,
	}, nil
}
