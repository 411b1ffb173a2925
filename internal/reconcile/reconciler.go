package reconcile

/*
Файл reconciler.go сверяет зарезервированные суммы с фактическими затратами,
которые позже приносит cost-ingestion pipeline. Settle заменяет резерв
фактом, drift = actual − reserved пишется exception-записью, если он ненулевой.
Все операции идемпотентны: повторная сверка уже снятой резервации — no-op.
*/

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DecisionStore — доступ reconciler'а к решениям.
type DecisionStore interface {
	GetDecision(ctx context.Context, scope domain.TenantScope, id string) (*domain.Decision, error)
	// ClearReservation снимает флаг reservation_active на решении.
	ClearReservation(ctx context.Context, scope domain.TenantScope, id string) error
}

// EntryStore — журнал сверок.
type EntryStore interface {
	SaveReconciliation(ctx context.Context, scope domain.TenantScope, e *domain.ReconciliationEntry) error
}

type Reconciler struct {
	ledger    *ledger.Ledger
	decisions DecisionStore
	entries   EntryStore
	logger    *zap.Logger
}

func New(lg *ledger.Ledger, decisions DecisionStore, entries EntryStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		ledger:    lg,
		decisions: decisions,
		entries:   entries,
		logger:    logger.Named("reconciler"),
	}
}

// ReconcileReservation сверяет резервацию решения с фактом.
// Возвращает (nil, nil) при повторном вызове по уже снятой резервации.
func (r *Reconciler) ReconcileReservation(ctx context.Context, scope domain.TenantScope, decisionID string, actualMonthlyUSD float64) (*domain.ReconciliationEntry, error) {
	if actualMonthlyUSD < 0 {
		return nil, fmt.Errorf("reconcile: actual_monthly_delta_usd must be >= 0")
	}

	dec, err := r.decisions.GetDecision(ctx, scope, decisionID)
	if err != nil {
		return nil, err
	}
	budgetScope := scope.WithScopeKey(dec.ScopeKey)

	h, drift, settled, err := r.ledger.Settle(ctx, budgetScope, decisionID, actualMonthlyUSD)
	if err != nil {
		if err == domain.ErrNotFound {
			// Решение без резервации (shadow/soft/deny) — сверять нечего.
			return nil, nil
		}
		return nil, err
	}
	if !settled {
		return nil, nil // идемпотентный повтор
	}

	if err := r.decisions.ClearReservation(ctx, scope, decisionID); err != nil {
		r.logger.Error("failed to clear reservation flag",
			zap.String("decision_id", decisionID), zap.Error(err))
	}

	entry := &domain.ReconciliationEntry{
		ID:          uuid.New().String(),
		TenantID:    scope.TenantID,
		DecisionID:  decisionID,
		ReservedUSD: h.TotalUSD(),
		ActualUSD:   actualMonthlyUSD,
		DriftUSD:    drift,
		Reason:      domain.ReconcileReasonSettled,
		CreatedAt:   time.Now().UTC(),
	}

	// Exception-запись только при ненулевом drift'е.
	if math.Abs(drift) > 1e-9 {
		if err := r.entries.SaveReconciliation(ctx, scope, entry); err != nil {
			return nil, fmt.Errorf("reconcile: save drift entry: %w", err)
		}
		r.logger.Warn("reservation drift detected",
			zap.String("decision_id", decisionID),
			zap.Float64("reserved_usd", entry.ReservedUSD),
			zap.Float64("actual_usd", actualMonthlyUSD),
			zap.Float64("drift_usd", drift))
	}
	return entry, nil
}

// SweepResult — итог batch-прохода по просроченным резервациям.
type SweepResult struct {
	Count            int     `json:"count"`
	TotalReleasedUSD float64 `json:"total_released_usd"`
}

// ReconcileOverdueReservations освобождает резервации, висящие активными
// дольше SLA-окна (факт так и не пришел), с причиной overdue_unreconciled.
// Возвращает счетчики для операторского алертинга. Идемпотентен.
func (r *Reconciler) ReconcileOverdueReservations(ctx context.Context, olderThan time.Duration, limit int) (*SweepResult, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff := time.Now().UTC().Add(-olderThan)

	overdue, err := r.ledger.ListOverdue(ctx, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("reconcile: overdue scan: %w", err)
	}

	res := &SweepResult{}
	for _, h := range overdue {
		scope := domain.TenantScope{TenantID: h.TenantID, ScopeKey: h.ScopeKey}

		_, released, err := r.ledger.Release(ctx, scope, h.DecisionID)
		if err != nil {
			r.logger.Error("overdue release failed",
				zap.String("decision_id", h.DecisionID), zap.Error(err))
			continue
		}
		if !released {
			continue // конкурент успел сверить раньше
		}

		if err := r.decisions.ClearReservation(ctx, domain.NewTenantScope(h.TenantID), h.DecisionID); err != nil {
			r.logger.Error("failed to clear reservation flag",
				zap.String("decision_id", h.DecisionID), zap.Error(err))
		}

		entry := &domain.ReconciliationEntry{
			ID:          uuid.New().String(),
			TenantID:    h.TenantID,
			DecisionID:  h.DecisionID,
			ReservedUSD: h.TotalUSD(),
			ActualUSD:   0,
			DriftUSD:    -h.TotalUSD(),
			Reason:      domain.ReconcileReasonOverdue,
			CreatedAt:   time.Now().UTC(),
		}
		if err := r.entries.SaveReconciliation(ctx, scope, entry); err != nil {
			r.logger.Error("overdue entry save failed",
				zap.String("decision_id", h.DecisionID), zap.Error(err))
		}

		res.Count++
		res.TotalReleasedUSD += h.TotalUSD()
	}

	if res.Count > 0 {
		r.logger.Warn("overdue reservations released",
			zap.Int("count", res.Count),
			zap.Float64("total_released_usd", res.TotalReleasedUSD))
	}
	return res, nil
}
