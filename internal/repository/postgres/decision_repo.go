package postgres

/*
Файл decision_repo.go — append-only ledger решений. Идемпотентность держится
на частичном уникальном индексе (tenant_id, source, idempotency_key): вставка
через ON CONFLICT DO NOTHING, проигравший гонку получает строку победителя.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/jackc/pgx/v5"
)

const decisionColumns = `id, tenant_id, scope_key, source, environment, project_id, action,
	resource_reference, decision, reason_codes, policy_version, request_fingerprint,
	idempotency_key, estimated_monthly_delta_usd, estimated_hourly_delta_usd,
	reserved_allocation_usd, reserved_credit_usd, reservation_active, approval_required,
	token_expires_at, dry_run, fail_safe, created_at`

func (s *Store) InsertOrGetDecision(ctx context.Context, scope domain.TenantScope, d *domain.Decision) (*domain.Decision, bool, error) {
	query := `
		INSERT INTO decisions (` + decisionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		ON CONFLICT (tenant_id, source, idempotency_key) WHERE idempotency_key <> '' DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		d.ID, d.TenantID, d.ScopeKey, d.Source, d.Environment, d.ProjectID, d.Action,
		d.ResourceReference, d.Outcome, d.ReasonCodes, d.PolicyVersion, d.RequestFingerprint,
		d.IdempotencyKey, d.EstimatedMonthlyDeltaUSD, d.EstimatedHourlyDeltaUSD,
		d.ReservedAllocationUSD, d.ReservedCreditUSD, d.ReservationActive, d.ApprovalRequired,
		d.TokenExpiresAt, d.DryRun, d.FailSafe, d.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: failed to insert decision: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return d, true, nil
	}

	// Строка не вставилась — кто-то успел раньше с этим idempotency key.
	existing, err := s.GetDecisionByIdempotencyKey(ctx, scope, d.Source, d.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetDecisionByIdempotencyKey(ctx context.Context, scope domain.TenantScope, source domain.Source, key string) (*domain.Decision, error) {
	if key == "" {
		return nil, domain.ErrNotFound
	}
	query := `SELECT ` + decisionColumns + ` FROM decisions
		WHERE tenant_id = $1 AND source = $2 AND idempotency_key = $3`
	return s.scanDecision(s.pool.QueryRow(ctx, query, scope.TenantID, source, key))
}

func (s *Store) GetDecision(ctx context.Context, scope domain.TenantScope, id string) (*domain.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions WHERE id = $1 AND tenant_id = $2`
	return s.scanDecision(s.pool.QueryRow(ctx, query, id, scope.TenantID))
}

// MarkReservation проставляет зарезервированные суммы после апрува.
func (s *Store) MarkReservation(ctx context.Context, scope domain.TenantScope, id string, allocationUSD, creditUSD float64, tokenExpiresAt *time.Time) error {
	query := `UPDATE decisions
		SET reserved_allocation_usd = $1, reserved_credit_usd = $2,
		    reservation_active = TRUE, token_expires_at = $3
		WHERE id = $4 AND tenant_id = $5`
	tag, err := s.pool.Exec(ctx, query, allocationUSD, creditUSD, tokenExpiresAt, id, scope.TenantID)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ClearReservation(ctx context.Context, scope domain.TenantScope, id string) error {
	query := `UPDATE decisions SET reservation_active = FALSE WHERE id = $1 AND tenant_id = $2`
	tag, err := s.pool.Exec(ctx, query, id, scope.TenantID)
	if err != nil {
		return fmt.Errorf("postgres: failed to clear reservation flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListDecisionsWindow — выборка для экспорта: [from, to), от старых к новым.
func (s *Store) ListDecisionsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time, limit int) ([]domain.Decision, error) {
	query := `SELECT ` + decisionColumns + ` FROM decisions
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC LIMIT $4`

	rows, err := s.pool.Query(ctx, query, scope.TenantID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query decisions window: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Decision, 0)
	for rows.Next() {
		d, err := s.scanDecision(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *d)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (s *Store) CountDecisionsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM decisions WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`,
		scope.TenantID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count decisions: %w", err)
	}
	return n, nil
}

// CountByOutcome — статистика для консоли: счетчики по исходу и источнику.
func (s *Store) CountByOutcome(ctx context.Context, scope domain.TenantScope, from, to time.Time) (map[string]int, map[string]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT decision, source, COUNT(*) FROM decisions
		 WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		 GROUP BY decision, source`,
		scope.TenantID, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: failed to query decision stats: %w", err)
	}
	defer rows.Close()

	byOutcome := make(map[string]int)
	bySource := make(map[string]int)
	for rows.Next() {
		var outcome, source string
		var count int
		if err := rows.Scan(&outcome, &source, &count); err != nil {
			return nil, nil, fmt.Errorf("postgres: failed to scan decision stats: %w", err)
		}
		byOutcome[outcome] += count
		bySource[source] += count
	}
	if err = rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return byOutcome, bySource, nil
}

func (s *Store) scanDecision(row pgx.Row) (*domain.Decision, error) {
	var d domain.Decision
	var tokenExp sql.NullTime

	err := row.Scan(
		&d.ID, &d.TenantID, &d.ScopeKey, &d.Source, &d.Environment, &d.ProjectID, &d.Action,
		&d.ResourceReference, &d.Outcome, &d.ReasonCodes, &d.PolicyVersion, &d.RequestFingerprint,
		&d.IdempotencyKey, &d.EstimatedMonthlyDeltaUSD, &d.EstimatedHourlyDeltaUSD,
		&d.ReservedAllocationUSD, &d.ReservedCreditUSD, &d.ReservationActive, &d.ApprovalRequired,
		&tokenExp, &d.DryRun, &d.FailSafe, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to scan decision: %w", err)
	}

	if tokenExp.Valid {
		val := tokenExp.Time
		d.TokenExpiresAt = &val
	}
	return &d, nil
}
