package postgres

/*
Файл budget_repo.go — бюджет, кредиты и резервации. Резервация выполняется
в транзакции: conditional UPDATE бюджета (остаток проверяется прямо в WHERE)
плюс compare-and-decrement каждого гранта. Проигрыш любого условия —
ErrReservationConflict и полный откат, частичных списаний не бывает.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetAllocation(ctx context.Context, scope domain.TenantScope) (*domain.BudgetAllocation, error) {
	query := `SELECT tenant_id, scope_key, monthly_limit_usd, reserved_usd, committed_usd, active, updated_at
		FROM budget_allocations WHERE tenant_id = $1 AND scope_key = $2`

	var a domain.BudgetAllocation
	err := s.pool.QueryRow(ctx, query, scope.TenantID, scope.ScopeKey).Scan(
		&a.TenantID, &a.ScopeKey, &a.MonthlyLimitUSD, &a.ReservedUSD, &a.CommittedUSD,
		&a.Active, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get allocation: %w", err)
	}
	return &a, nil
}

func (s *Store) ListUsableCredits(ctx context.Context, scope domain.TenantScope, now time.Time) ([]domain.CreditGrant, error) {
	query := `SELECT id, tenant_id, scope_key, pool_type, total_amount_usd, remaining_amount_usd,
		expires_at, active, created_at
		FROM credit_grants
		WHERE tenant_id = $1 AND scope_key = $2 AND active
		  AND remaining_amount_usd > 0
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY expires_at ASC NULLS LAST, created_at ASC`

	rows, err := s.pool.Query(ctx, query, scope.TenantID, scope.ScopeKey, now)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query credit grants: %w", err)
	}
	defer rows.Close()

	grants := make([]domain.CreditGrant, 0)
	for rows.Next() {
		var g domain.CreditGrant
		if err := rows.Scan(&g.ID, &g.TenantID, &g.ScopeKey, &g.PoolType, &g.TotalAmountUSD,
			&g.RemainingAmountUSD, &g.ExpiresAt, &g.Active, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan credit grant: %w", err)
		}
		grants = append(grants, g)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return grants, nil
}

// ReserveFunds — атомарный compare-and-decrement в транзакции.
func (s *Store) ReserveFunds(ctx context.Context, scope domain.TenantScope, allocationUSD float64, draws []domain.CreditDraw) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin reserve tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Остаток проверяется прямо в WHERE: параллельная резервация, успевшая
	// раньше, оставит rows affected = 0.
	tag, err := tx.Exec(ctx, `
		UPDATE budget_allocations
		SET reserved_usd = reserved_usd + $1, updated_at = NOW()
		WHERE tenant_id = $2 AND scope_key = $3 AND active
		  AND monthly_limit_usd - reserved_usd - committed_usd >= $1`,
		allocationUSD, scope.TenantID, scope.ScopeKey)
	if err != nil {
		return fmt.Errorf("postgres: failed to reserve budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationConflict
	}

	for _, d := range draws {
		tag, err := tx.Exec(ctx, `
			UPDATE credit_grants
			SET remaining_amount_usd = remaining_amount_usd - $1
			WHERE id = $2 AND tenant_id = $3 AND active AND remaining_amount_usd >= $1`,
			d.AmountUSD, d.GrantID, scope.TenantID)
		if err != nil {
			return fmt.Errorf("postgres: failed to draw credit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrReservationConflict
		}
	}

	return tx.Commit(ctx)
}

// ReleaseFunds восстанавливает ровно зарезервированные суммы.
func (s *Store) ReleaseFunds(ctx context.Context, scope domain.TenantScope, allocationUSD float64, draws []domain.CreditDraw) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE budget_allocations
		SET reserved_usd = GREATEST(reserved_usd - $1, 0), updated_at = NOW()
		WHERE tenant_id = $2 AND scope_key = $3`,
		allocationUSD, scope.TenantID, scope.ScopeKey); err != nil {
		return fmt.Errorf("postgres: failed to release budget: %w", err)
	}

	for _, d := range draws {
		// Remaining не может превысить total даже при некорректном повторе.
		if _, err := tx.Exec(ctx, `
			UPDATE credit_grants
			SET remaining_amount_usd = LEAST(remaining_amount_usd + $1, total_amount_usd)
			WHERE id = $2 AND tenant_id = $3`,
			d.AmountUSD, d.GrantID, scope.TenantID); err != nil {
			return fmt.Errorf("postgres: failed to restore credit: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// CommitSpend заменяет резерв фактическими затратами.
func (s *Store) CommitSpend(ctx context.Context, scope domain.TenantScope, reservedAllocationUSD, actualUSD float64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE budget_allocations
		SET reserved_usd = GREATEST(reserved_usd - $1, 0),
		    committed_usd = committed_usd + $2,
		    updated_at = NOW()
		WHERE tenant_id = $3 AND scope_key = $4`,
		reservedAllocationUSD, actualUSD, scope.TenantID, scope.ScopeKey)
	if err != nil {
		return fmt.Errorf("postgres: failed to commit spend: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) SaveReservation(ctx context.Context, scope domain.TenantScope, h *domain.ReservationHandle) error {
	drawsJSON, err := json.Marshal(h.CreditDraws)
	if err != nil {
		return fmt.Errorf("postgres: marshal credit draws: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO reservations (tenant_id, decision_id, scope_key, allocation_usd, credit_draws, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		h.TenantID, h.DecisionID, h.ScopeKey, h.AllocationUSD, drawsJSON, h.Active, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to save reservation: %w", err)
	}
	return nil
}

func (s *Store) GetReservation(ctx context.Context, scope domain.TenantScope, decisionID string) (*domain.ReservationHandle, error) {
	query := `SELECT tenant_id, decision_id, scope_key, allocation_usd, credit_draws, active, created_at
		FROM reservations WHERE tenant_id = $1 AND decision_id = $2`
	return s.scanReservation(s.pool.QueryRow(ctx, query, scope.TenantID, decisionID))
}

// DeactivateReservation — CAS: true только при переходе active -> inactive.
func (s *Store) DeactivateReservation(ctx context.Context, scope domain.TenantScope, decisionID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE reservations SET active = FALSE
		WHERE tenant_id = $1 AND decision_id = $2 AND active`,
		scope.TenantID, decisionID)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to deactivate reservation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListOverdueReservations(ctx context.Context, olderThan time.Time, limit int) ([]domain.ReservationHandle, error) {
	query := `SELECT tenant_id, decision_id, scope_key, allocation_usd, credit_draws, active, created_at
		FROM reservations WHERE active AND created_at < $1
		ORDER BY created_at ASC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query overdue reservations: %w", err)
	}
	defer rows.Close()

	handles := make([]domain.ReservationHandle, 0)
	for rows.Next() {
		h, err := s.scanReservation(rows)
		if err != nil {
			return nil, err
		}
		handles = append(handles, *h)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return handles, nil
}

func (s *Store) scanReservation(row pgx.Row) (*domain.ReservationHandle, error) {
	var h domain.ReservationHandle
	var drawsJSON []byte

	err := row.Scan(&h.TenantID, &h.DecisionID, &h.ScopeKey, &h.AllocationUSD, &drawsJSON, &h.Active, &h.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to scan reservation: %w", err)
	}

	if len(drawsJSON) > 0 {
		if err := json.Unmarshal(drawsJSON, &h.CreditDraws); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal credit draws: %w", err)
		}
	}
	return &h, nil
}

// UpsertAllocation / InsertGrant — админские операции сидирования бюджета.
func (s *Store) UpsertAllocation(ctx context.Context, a *domain.BudgetAllocation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budget_allocations (tenant_id, scope_key, monthly_limit_usd, reserved_usd, committed_usd, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (tenant_id, scope_key) DO UPDATE
		SET monthly_limit_usd = EXCLUDED.monthly_limit_usd, active = EXCLUDED.active, updated_at = NOW()`,
		a.TenantID, a.ScopeKey, a.MonthlyLimitUSD, a.ReservedUSD, a.CommittedUSD, a.Active)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert allocation: %w", err)
	}
	return nil
}

func (s *Store) InsertGrant(ctx context.Context, g *domain.CreditGrant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credit_grants (id, tenant_id, scope_key, pool_type, total_amount_usd, remaining_amount_usd, expires_at, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		g.ID, g.TenantID, g.ScopeKey, g.PoolType, g.TotalAmountUSD, g.RemainingAmountUSD, g.ExpiresAt, g.Active, g.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to insert credit grant: %w", err)
	}
	return nil
}
