package orchestrator

/*
Файл queue.go — очередь отложенных side-effect'ов (Action Orchestrator).
Воркеры забирают задачи lease'ами: атомарный claim с lease_expires_at,
истекший lease делает задачу доступной другому воркеру (crash recovery).
lease_next никогда не блокирует — poll-based пулы получают nil сразу.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository — требования очереди к хранилищу.
type Repository interface {
	// CreateAction вставляет задачу; дубликат (tenant_id, idempotency_key)
	// возвращает существующую строку и inserted=false.
	CreateAction(ctx context.Context, scope domain.TenantScope, a *domain.ActionExecution) (*domain.ActionExecution, bool, error)
	GetAction(ctx context.Context, scope domain.TenantScope, id string) (*domain.ActionExecution, error)

	// LeaseNext атомарно забирает одну leasable-задачу (queued и дозревшую до
	// ретрая, либо running с истекшим lease). Возвращает (nil, nil), если
	// забирать нечего. Claim глобальный: воркеры обслуживают всех арендаторов.
	LeaseNext(ctx context.Context, workerID, actionType string, now time.Time) (*domain.ActionExecution, error)

	// CompleteAction / FailAction / CancelAction — CAS по статусу.
	CompleteAction(ctx context.Context, scope domain.TenantScope, id, workerID, resultSHA256 string) error
	FailAction(ctx context.Context, scope domain.TenantScope, id, workerID, lastError string, terminal bool, nextRetryAt *time.Time) error
	CancelAction(ctx context.Context, scope domain.TenantScope, id string) error

	// ListActions — интроспекция очереди (консоль).
	ListActions(ctx context.Context, scope domain.TenantScope, status domain.ActionStatus, limit int) ([]*domain.ActionExecution, error)
}

type Queue struct {
	repo   Repository
	logger *zap.Logger
}

func NewQueue(repo Repository, logger *zap.Logger) *Queue {
	return &Queue{repo: repo, logger: logger.Named("orchestrator")}
}

// CreateRequest — параметры постановки действия в очередь.
type CreateRequest struct {
	DecisionID        string
	ApprovalRequestID string
	ActionType        string
	IdempotencyKey    string
	Payload           []byte
	MaxAttempts       int
	RetryBackoff      time.Duration
	LeaseTTL          time.Duration
}

// CreateActionRequest ставит действие в очередь, считая SHA-256 payload'а
// для tamper evidence. Повторная постановка с тем же idempotency key
// возвращает существующую задачу.
func (q *Queue) CreateActionRequest(ctx context.Context, scope domain.TenantScope, req CreateRequest) (*domain.ActionExecution, error) {
	if req.ActionType == "" {
		return nil, fmt.Errorf("orchestrator: action_type is required")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.New().String()
	}
	if req.MaxAttempts <= 0 {
		req.MaxAttempts = domain.DefaultMaxAttempts
	}
	if req.RetryBackoff <= 0 {
		req.RetryBackoff = domain.DefaultRetryBackoffSeconds * time.Second
	}
	if req.LeaseTTL <= 0 {
		req.LeaseTTL = domain.DefaultLeaseTTLSeconds * time.Second
	}

	now := time.Now().UTC()
	a := &domain.ActionExecution{
		ID:                  uuid.New().String(),
		TenantID:            scope.TenantID,
		DecisionID:          req.DecisionID,
		ActionType:          req.ActionType,
		IdempotencyKey:      req.IdempotencyKey,
		Status:              domain.ActionQueued,
		MaxAttempts:         req.MaxAttempts,
		RetryBackoffSeconds: int64(req.RetryBackoff / time.Second),
		LeaseTTLSeconds:     int64(req.LeaseTTL / time.Second),
		RequestPayload:      req.Payload,
		RequestSHA256:       domain.PayloadSHA256(req.Payload),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if req.ApprovalRequestID != "" {
		a.ApprovalRequestID = &req.ApprovalRequestID
	}

	existing, inserted, err := q.repo.CreateAction(ctx, scope, a)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create action: %w", err)
	}
	if !inserted {
		return existing, nil
	}

	q.logger.Info("action queued",
		zap.String("action_id", a.ID),
		zap.String("action_type", a.ActionType),
		zap.String("decision_id", a.DecisionID))
	return a, nil
}

// LeaseNextAction забирает одну задачу для воркера. Non-blocking.
func (q *Queue) LeaseNextAction(ctx context.Context, workerID, actionType string) (*domain.ActionExecution, error) {
	if workerID == "" {
		return nil, fmt.Errorf("orchestrator: worker_id is required")
	}
	return q.repo.LeaseNext(ctx, workerID, actionType, time.Now().UTC())
}

// CompleteAction — успешный терминальный исход попытки воркера.
func (q *Queue) CompleteAction(ctx context.Context, scope domain.TenantScope, id, workerID string, result []byte) error {
	return q.repo.CompleteAction(ctx, scope, id, workerID, domain.PayloadSHA256(result))
}

// FailAction — неуспех попытки. При retryable и оставшихся попытках задача
// возвращается в очередь с линейным backoff'ом
// (retry_backoff_seconds * attempt_count); иначе — терминальный FAILED.
func (q *Queue) FailAction(ctx context.Context, scope domain.TenantScope, id, workerID, cause string, retryable bool) error {
	a, err := q.repo.GetAction(ctx, scope, id)
	if err != nil {
		return err
	}

	terminal := !retryable || a.AttemptCount >= a.MaxAttempts
	var nextRetry *time.Time
	if !terminal {
		t := time.Now().UTC().Add(a.NextBackoff())
		nextRetry = &t
	}

	if err := q.repo.FailAction(ctx, scope, id, workerID, cause, terminal, nextRetry); err != nil {
		return err
	}

	if terminal {
		q.logger.Warn("action permanently failed",
			zap.String("action_id", id),
			zap.Int("attempts", a.AttemptCount),
			zap.String("cause", cause))
	} else {
		q.logger.Info("action scheduled for retry",
			zap.String("action_id", id),
			zap.Int("attempt", a.AttemptCount),
			zap.Timep("next_retry_at", nextRetry))
	}
	return nil
}

// CancelAction допустим только для queued/running задач.
func (q *Queue) CancelAction(ctx context.Context, scope domain.TenantScope, id string) error {
	return q.repo.CancelAction(ctx, scope, id)
}

func (q *Queue) GetAction(ctx context.Context, scope domain.TenantScope, id string) (*domain.ActionExecution, error) {
	return q.repo.GetAction(ctx, scope, id)
}

func (q *Queue) ListActions(ctx context.Context, scope domain.TenantScope, status domain.ActionStatus, limit int) ([]*domain.ActionExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return q.repo.ListActions(ctx, scope, status, limit)
}
