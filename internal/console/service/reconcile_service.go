package service

import (
	"context"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/reconcile"
)

// EntryReader — журнал сверок.
type EntryReader interface {
	ListEntries(ctx context.Context, scope domain.TenantScope, limit int) ([]domain.ReconciliationEntry, error)
}

// ReconcileService — операторский вход в сверку: ручной settle отдельного
// решения, принудительный sweep просроченных резерваций и чтение журнала.
type ReconcileService struct {
	rec     *reconcile.Reconciler
	entries EntryReader
	sla     time.Duration
}

func NewReconcileService(rec *reconcile.Reconciler, entries EntryReader, sla time.Duration) *ReconcileService {
	return &ReconcileService{rec: rec, entries: entries, sla: sla}
}

func (s *ReconcileService) Settle(ctx context.Context, scope domain.TenantScope, decisionID string, actualMonthlyUSD float64) (*domain.ReconciliationEntry, error) {
	return s.rec.ReconcileReservation(ctx, scope, decisionID, actualMonthlyUSD)
}

func (s *ReconcileService) Sweep(ctx context.Context, limit int) (*reconcile.SweepResult, error) {
	return s.rec.ReconcileOverdueReservations(ctx, s.sla, limit)
}

func (s *ReconcileService) Entries(ctx context.Context, scope domain.TenantScope, limit int) ([]domain.ReconciliationEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.entries.ListEntries(ctx, scope, limit)
}
