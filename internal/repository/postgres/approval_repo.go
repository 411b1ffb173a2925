package postgres

/*
Файл approval_repo.go — заявки Human-in-the-loop. Два Double Decision барьера:
условие WHERE status = 'PENDING' на решении заявки и
WHERE token_consumed_at IS NULL на гашении токена.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/jackc/pgx/v5"
)

const approvalColumns = `id, tenant_id, decision_id, requester_id, status, reviewer_id, comment,
	proposed_allocation_usd, proposed_credit_draws, separation_required, expires_at,
	token_hash, token_expires_at, token_consumed_at, created_at, updated_at`

func (s *Store) CreateApproval(ctx context.Context, scope domain.TenantScope, app *domain.ApprovalRequest) error {
	drawsJSON, err := json.Marshal(app.ProposedCreditDraws)
	if err != nil {
		return fmt.Errorf("postgres: marshal proposed draws: %w", err)
	}

	query := `INSERT INTO approvals (id, tenant_id, decision_id, requester_id, status,
		proposed_allocation_usd, proposed_credit_draws, separation_required, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = s.pool.Exec(ctx, query,
		app.ID, app.TenantID, app.DecisionID, app.RequesterID, app.Status,
		app.ProposedAllocationUSD, drawsJSON, app.SeparationRequired, app.ExpiresAt,
		app.CreatedAt, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

func (s *Store) GetApprovalByID(ctx context.Context, scope domain.TenantScope, id string) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE id = $1 AND tenant_id = $2`
	return s.scanApproval(s.pool.QueryRow(ctx, query, id, scope.TenantID))
}

func (s *Store) GetApprovalByDecision(ctx context.Context, scope domain.TenantScope, decisionID string) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE decision_id = $1 AND tenant_id = $2`
	return s.scanApproval(s.pool.QueryRow(ctx, query, decisionID, scope.TenantID))
}

func (s *Store) GetApprovalByTokenHash(ctx context.Context, scope domain.TenantScope, tokenHash string) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE token_hash = $1 AND tenant_id = $2`
	return s.scanApproval(s.pool.QueryRow(ctx, query, tokenHash, scope.TenantID))
}

func (s *Store) FindApprovals(ctx context.Context, scope domain.TenantScope, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals WHERE tenant_id = $1`
	args := []interface{}{scope.TenantID}

	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// Пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		app, err := s.scanApproval(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, app)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// DecideApproval атомарно переводит заявку из PENDING в терминальный статус.
// Условие WHERE status = 'PENDING' предотвращает Double Decision.
func (s *Store) DecideApproval(ctx context.Context, scope domain.TenantScope, id string, status domain.ApprovalStatus, reviewerID, comment string, tokenHash string, tokenExpiresAt *time.Time) error {
	query := `
		UPDATE approvals
		SET status = $1,
		    reviewer_id = NULLIF($2, ''),
		    comment = NULLIF($3, ''),
		    token_hash = NULLIF($4, ''),
		    token_expires_at = $5,
		    updated_at = NOW()
		WHERE id = $6 AND tenant_id = $7 AND status = 'PENDING'`

	tag, err := s.pool.Exec(ctx, query, status, reviewerID, comment, tokenHash, tokenExpiresAt, id, scope.TenantID)
	if err != nil {
		return fmt.Errorf("postgres: failed to decide approval: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Либо ID неверный, либо решение уже было принято ранее.
		return domain.ErrAlreadyProcessed
	}
	return nil
}

// ConsumeToken — CAS: false, если токен уже был погашен (идемпотентный повтор).
func (s *Store) ConsumeToken(ctx context.Context, scope domain.TenantScope, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approvals SET token_consumed_at = $1, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3 AND token_consumed_at IS NULL`,
		at, id, scope.TenantID)
	if err != nil {
		return false, fmt.Errorf("postgres: failed to consume token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ExpirePending переводит просроченные pending-заявки в EXPIRED (sweep всех
// арендаторов). LIMIT через ctid-подзапрос: UPDATE в Postgres лимита не имеет.
func (s *Store) ExpirePending(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approvals SET status = 'EXPIRED', updated_at = NOW()
		WHERE ctid IN (
			SELECT ctid FROM approvals
			WHERE status = 'PENDING' AND expires_at <= $1
			LIMIT $2
		)`,
		olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to expire approvals: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListApprovalsWindow — выборка для экспорта: [from, to), от старых к новым.
func (s *Store) ListApprovalsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time, limit int) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approvals
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC LIMIT $4`

	rows, err := s.pool.Query(ctx, query, scope.TenantID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals window: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		app, err := s.scanApproval(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, app)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (s *Store) CountApprovalsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM approvals WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`,
		scope.TenantID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count approvals: %w", err)
	}
	return n, nil
}

func (s *Store) scanApproval(row pgx.Row) (*domain.ApprovalRequest, error) {
	var app domain.ApprovalRequest
	var reviewerID, comment, tokenHash sql.NullString
	var tokenExp, tokenConsumed sql.NullTime
	var drawsJSON []byte

	err := row.Scan(
		&app.ID, &app.TenantID, &app.DecisionID, &app.RequesterID, &app.Status,
		&reviewerID, &comment, &app.ProposedAllocationUSD, &drawsJSON,
		&app.SeparationRequired, &app.ExpiresAt,
		&tokenHash, &tokenExp, &tokenConsumed, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
	}

	// Маппим NULL значения
	if reviewerID.Valid {
		val := reviewerID.String
		app.ReviewerID = &val
	}
	if comment.Valid {
		val := comment.String
		app.Comment = &val
	}
	if tokenHash.Valid {
		app.TokenHash = tokenHash.String
	}
	if tokenExp.Valid {
		val := tokenExp.Time
		app.TokenExpiresAt = &val
	}
	if tokenConsumed.Valid {
		val := tokenConsumed.Time
		app.TokenConsumedAt = &val
	}
	if len(drawsJSON) > 0 {
		if err := json.Unmarshal(drawsJSON, &app.ProposedCreditDraws); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal proposed draws: %w", err)
		}
	}
	return &app, nil
}
