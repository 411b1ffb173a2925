package postgres

/*
Файл reconciliation_repo.go — журнал сверок резерваций (exception log).
Только append и чтение, записи никогда не меняются.
*/

import (
	"context"
	"fmt"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

func (s *Store) SaveReconciliation(ctx context.Context, scope domain.TenantScope, e *domain.ReconciliationEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO reconciliation_entries (id, tenant_id, decision_id, reserved_usd, actual_usd, drift_usd, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TenantID, e.DecisionID, e.ReservedUSD, e.ActualUSD, e.DriftUSD, e.Reason, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to save reconciliation entry: %w", err)
	}
	return nil
}

// ListEntries — журнал сверок для консоли.
func (s *Store) ListEntries(ctx context.Context, scope domain.TenantScope, limit int) ([]domain.ReconciliationEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, decision_id, reserved_usd, actual_usd, drift_usd, reason, created_at
		FROM reconciliation_entries
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, scope.TenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query reconciliation entries: %w", err)
	}
	defer rows.Close()

	entries := make([]domain.ReconciliationEntry, 0)
	for rows.Next() {
		var e domain.ReconciliationEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.DecisionID, &e.ReservedUSD, &e.ActualUSD, &e.DriftUSD, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan reconciliation entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return entries, nil
}
