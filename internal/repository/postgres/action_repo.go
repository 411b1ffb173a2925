package postgres

/*
Файл action_repo.go — work queue отложенных side-effect'ов. Claim задачи
выполняется через FOR UPDATE SKIP LOCKED: конкурирующие воркеры не ждут друг
друга и никогда не получают одну задачу. Истекший lease (упавший воркер)
делает RUNNING-задачу снова leasable.
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

const actionColumns = `id, tenant_id, decision_id, approval_request_id, action_type, idempotency_key,
	status, attempt_count, max_attempts, retry_backoff_seconds, lease_ttl_seconds,
	next_retry_at, locked_by_worker_id, lease_expires_at,
	request_payload, request_sha256, result_sha256, last_error, created_at, updated_at`

func (s *Store) CreateAction(ctx context.Context, scope domain.TenantScope, a *domain.ActionExecution) (*domain.ActionExecution, bool, error) {
	query := `
		INSERT INTO actions (id, tenant_id, decision_id, approval_request_id, action_type, idempotency_key,
			status, attempt_count, max_attempts, retry_backoff_seconds, lease_ttl_seconds,
			request_payload, request_sha256, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING`

	tag, err := s.pool.Exec(ctx, query,
		a.ID, a.TenantID, a.DecisionID, a.ApprovalRequestID, a.ActionType, a.IdempotencyKey,
		a.Status, a.AttemptCount, a.MaxAttempts, a.RetryBackoffSeconds, a.LeaseTTLSeconds,
		a.RequestPayload, a.RequestSHA256, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("postgres: failed to create action: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return a, true, nil
	}

	existing, err := s.getActionByIdempotencyKey(ctx, scope, a.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *Store) GetAction(ctx context.Context, scope domain.TenantScope, id string) (*domain.ActionExecution, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE id = $1 AND tenant_id = $2`
	return s.scanAction(s.pool.QueryRow(ctx, query, id, scope.TenantID))
}

func (s *Store) getActionByIdempotencyKey(ctx context.Context, scope domain.TenantScope, key string) (*domain.ActionExecution, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE tenant_id = $1 AND idempotency_key = $2`
	return s.scanAction(s.pool.QueryRow(ctx, query, scope.TenantID, key))
}

// LeaseNext атомарно забирает самую старую leasable-задачу.
func (s *Store) LeaseNext(ctx context.Context, workerID, actionType string, now time.Time) (*domain.ActionExecution, error) {
	query := `
		UPDATE actions
		SET status = 'RUNNING',
		    attempt_count = attempt_count + 1,
		    locked_by_worker_id = $1,
		    lease_expires_at = $2 + make_interval(secs => lease_ttl_seconds),
		    next_retry_at = NULL,
		    updated_at = $2
		WHERE id = (
			SELECT id FROM actions
			WHERE ($3 = '' OR action_type = $3)
			  AND (
				(status = 'QUEUED' AND (next_retry_at IS NULL OR next_retry_at <= $2))
				OR (status = 'RUNNING' AND lease_expires_at <= $2)
			  )
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + actionColumns

	a, err := s.scanAction(s.pool.QueryRow(ctx, query, workerID, now, actionType))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil // забирать нечего
		}
		return nil, err
	}
	return a, nil
}

// CompleteAction — CAS: завершить может только текущий владелец lease.
func (s *Store) CompleteAction(ctx context.Context, scope domain.TenantScope, id, workerID, resultSHA256 string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE actions
		SET status = 'SUCCEEDED', result_sha256 = $1,
		    locked_by_worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $2 AND tenant_id = $3 AND status = 'RUNNING' AND locked_by_worker_id = $4`,
		resultSHA256, id, scope.TenantID, workerID)
	if err != nil {
		return fmt.Errorf("postgres: failed to complete action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

func (s *Store) FailAction(ctx context.Context, scope domain.TenantScope, id, workerID, lastError string, terminal bool, nextRetryAt *time.Time) error {
	status := domain.ActionQueued
	if terminal {
		status = domain.ActionFailed
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE actions
		SET status = $1, last_error = $2, next_retry_at = $3,
		    locked_by_worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $4 AND tenant_id = $5 AND status = 'RUNNING' AND locked_by_worker_id = $6`,
		status, lastError, nextRetryAt, id, scope.TenantID, workerID)
	if err != nil {
		return fmt.Errorf("postgres: failed to fail action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// CancelAction допустим только для queued/running задач.
func (s *Store) CancelAction(ctx context.Context, scope domain.TenantScope, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE actions
		SET status = 'CANCELLED', locked_by_worker_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND status IN ('QUEUED', 'RUNNING')`,
		id, scope.TenantID)
	if err != nil {
		return fmt.Errorf("postgres: failed to cancel action: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Либо ID неверный, либо задача уже терминальна.
		if _, gErr := s.GetAction(ctx, scope, id); gErr != nil {
			return gErr
		}
		return domain.ErrActionNotCancelable
	}
	return nil
}

// ListActions — интроспекция очереди для консоли.
func (s *Store) ListActions(ctx context.Context, scope domain.TenantScope, status domain.ActionStatus, limit int) ([]*domain.ActionExecution, error) {
	query := `SELECT ` + actionColumns + ` FROM actions WHERE tenant_id = $1`
	args := []interface{}{scope.TenantID}

	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query actions: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.ActionExecution, 0)
	for rows.Next() {
		a, err := s.scanAction(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, a)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func (s *Store) scanAction(row pgx.Row) (*domain.ActionExecution, error) {
	var a domain.ActionExecution
	var approvalID, lockedBy, resultSHA, lastErr sql.NullString
	var nextRetry, leaseExp sql.NullTime

	err := row.Scan(
		&a.ID, &a.TenantID, &a.DecisionID, &approvalID, &a.ActionType, &a.IdempotencyKey,
		&a.Status, &a.AttemptCount, &a.MaxAttempts, &a.RetryBackoffSeconds, &a.LeaseTTLSeconds,
		&nextRetry, &lockedBy, &leaseExp,
		&a.RequestPayload, &a.RequestSHA256, &resultSHA, &lastErr, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to scan action: %w", err)
	}

	if approvalID.Valid {
		val := approvalID.String
		a.ApprovalRequestID = &val
	}
	if lockedBy.Valid {
		val := lockedBy.String
		a.LockedByWorkerID = &val
	}
	if resultSHA.Valid {
		a.ResultSHA256 = resultSHA.String
	}
	if lastErr.Valid {
		a.LastError = lastErr.String
	}
	if nextRetry.Valid {
		val := nextRetry.Time
		a.NextRetryAt = &val
	}
	if leaseExp.Valid {
		val := leaseExp.Time
		a.LeaseExpiresAt = &val
	}
	return &a, nil
}
