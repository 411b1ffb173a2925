package ledger

/*
Файл ledger.go реализует Budget & Credit Ledger — единственный разделяемый
ресурс между конкурентными оценками. Атомарность resolve'ится на storage-слое
(compare-and-decrement): две конкурирующие резервации на один скоуп не могут
совместно превысить остаток. При конфликте репозиторий возвращает
domain.ErrReservationConflict, и вызывающий переоценивает запрос по свежему
снапшоту, спускаясь на следующий ярус каскада.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"go.uber.org/zap"
)

// Repository описывает требования ledger'а к хранилищу. Каждый вызов
// принимает TenantScope явно — изоляция арендаторов проверяется сигнатурой.
type Repository interface {
	GetAllocation(ctx context.Context, scope domain.TenantScope) (*domain.BudgetAllocation, error)
	ListUsableCredits(ctx context.Context, scope domain.TenantScope, now time.Time) ([]domain.CreditGrant, error)

	// ReserveFunds атомарно (CAS) удерживает allocation из бюджета и draws из
	// грантов. Любая недостача — domain.ErrReservationConflict, ничего не меняется.
	ReserveFunds(ctx context.Context, scope domain.TenantScope, allocationUSD float64, draws []domain.CreditDraw) error
	// ReleaseFunds возвращает ровно те суммы, что были удержаны.
	ReleaseFunds(ctx context.Context, scope domain.TenantScope, allocationUSD float64, draws []domain.CreditDraw) error
	// CommitSpend переводит зарезервированный allocation в фактический расход actual.
	CommitSpend(ctx context.Context, scope domain.TenantScope, reservedAllocationUSD, actualUSD float64) error

	SaveReservation(ctx context.Context, scope domain.TenantScope, h *domain.ReservationHandle) error
	GetReservation(ctx context.Context, scope domain.TenantScope, decisionID string) (*domain.ReservationHandle, error)
	// DeactivateReservation — CAS active=true -> false. Возвращает false, если
	// резервация уже была снята (идемпотентность reconciler'а).
	DeactivateReservation(ctx context.Context, scope domain.TenantScope, decisionID string) (bool, error)
	ListOverdueReservations(ctx context.Context, olderThan time.Time, limit int) ([]domain.ReservationHandle, error)
}

// Snapshot — состояние скоупа на момент оценки.
type Snapshot struct {
	BudgetRemainingUSD float64
	Credits            []domain.CreditGrant
	CreditRemainingUSD float64
}

type Ledger struct {
	repo   Repository
	logger *zap.Logger
}

func New(repo Repository, logger *zap.Logger) *Ledger {
	return &Ledger{repo: repo, logger: logger.Named("ledger")}
}

// Snapshot снимает остаток бюджета и действующие гранты скоупа.
func (l *Ledger) Snapshot(ctx context.Context, scope domain.TenantScope, now time.Time) (*Snapshot, error) {
	alloc, err := l.repo.GetAllocation(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("ledger: allocation lookup: %w", err)
	}
	credits, err := l.repo.ListUsableCredits(ctx, scope, now)
	if err != nil {
		return nil, fmt.Errorf("ledger: credits lookup: %w", err)
	}

	snap := &Snapshot{Credits: credits}
	if alloc != nil {
		snap.BudgetRemainingUSD = alloc.RemainingUSD()
	}
	for _, g := range credits {
		snap.CreditRemainingUSD += g.RemainingAmountUSD
	}
	return snap, nil
}

// Reserve коммитит план резервации и сохраняет handle, привязанный к решению.
func (l *Ledger) Reserve(ctx context.Context, scope domain.TenantScope, decisionID string, plan domain.ReservationPlan) (*domain.ReservationHandle, error) {
	if plan.IsZero() {
		return nil, nil
	}

	if err := l.repo.ReserveFunds(ctx, scope, plan.AllocationUSD, plan.CreditDraws); err != nil {
		return nil, err
	}

	h := &domain.ReservationHandle{
		DecisionID:    decisionID,
		TenantID:      scope.TenantID,
		ScopeKey:      scope.ScopeKey,
		AllocationUSD: plan.AllocationUSD,
		CreditDraws:   plan.CreditDraws,
		Active:        true,
		CreatedAt:     time.Now().UTC(),
	}
	if err := l.repo.SaveReservation(ctx, scope, h); err != nil {
		// Откатываем удержание, чтобы не потерять средства без handle.
		if rErr := l.repo.ReleaseFunds(ctx, scope, plan.AllocationUSD, plan.CreditDraws); rErr != nil {
			l.logger.Error("reserve rollback failed: funds held without handle",
				zap.String("decision_id", decisionID), zap.Error(rErr))
		}
		return nil, fmt.Errorf("ledger: save reservation: %w", err)
	}

	l.logger.Debug("reservation committed",
		zap.String("decision_id", decisionID),
		zap.Float64("allocation_usd", plan.AllocationUSD),
		zap.Float64("credit_usd", plan.CreditUSD()))
	return h, nil
}

// Release снимает резервацию и возвращает удержанные суммы.
// Идемпотентен: повторный release уже снятой резервации возвращает
// released=false и ничего не меняет.
func (l *Ledger) Release(ctx context.Context, scope domain.TenantScope, decisionID string) (*domain.ReservationHandle, bool, error) {
	h, err := l.repo.GetReservation(ctx, scope, decisionID)
	if err != nil {
		return nil, false, err
	}

	ok, err := l.repo.DeactivateReservation(ctx, scope, decisionID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return h, false, nil // уже снята конкурентом или повторным вызовом
	}

	if err := l.repo.ReleaseFunds(ctx, scope, h.AllocationUSD, h.CreditDraws); err != nil {
		return nil, false, fmt.Errorf("ledger: release funds: %w", err)
	}
	return h, true, nil
}

// Settle заменяет резерв фактическими затратами: удержанный allocation
// снимается, actual фиксируется как committed, потребленные кредиты остаются
// потребленными. Возвращает drift = actual − reserved.
// Идемпотентен: повторный settle уже снятой резервации возвращает нулевой
// drift и ничего не меняет.
func (l *Ledger) Settle(ctx context.Context, scope domain.TenantScope, decisionID string, actualUSD float64) (*domain.ReservationHandle, float64, bool, error) {
	h, err := l.repo.GetReservation(ctx, scope, decisionID)
	if err != nil {
		return nil, 0, false, err
	}

	ok, err := l.repo.DeactivateReservation(ctx, scope, decisionID)
	if err != nil {
		return nil, 0, false, err
	}
	if !ok {
		return h, 0, false, nil
	}

	if err := l.repo.CommitSpend(ctx, scope, h.AllocationUSD, actualUSD); err != nil {
		return nil, 0, false, fmt.Errorf("ledger: commit spend: %w", err)
	}

	drift := actualUSD - h.TotalUSD()
	l.logger.Info("reservation settled",
		zap.String("decision_id", decisionID),
		zap.Float64("reserved_usd", h.TotalUSD()),
		zap.Float64("actual_usd", actualUSD),
		zap.Float64("drift_usd", drift))
	return h, drift, true, nil
}

// ListOverdue отдает активные резервации старше порога (для sweep'а).
func (l *Ledger) ListOverdue(ctx context.Context, olderThan time.Time, limit int) ([]domain.ReservationHandle, error) {
	return l.repo.ListOverdueReservations(ctx, olderThan, limit)
}
