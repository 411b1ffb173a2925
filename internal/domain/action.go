package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// ActionStatus — статус отложенного side-effect'а (например, apply Terraform-рана).
type ActionStatus string

const (
	ActionQueued    ActionStatus = "QUEUED"
	ActionRunning   ActionStatus = "RUNNING"
	ActionSucceeded ActionStatus = "SUCCEEDED"
	ActionFailed    ActionStatus = "FAILED"
	ActionCancelled ActionStatus = "CANCELLED"
)

// Дефолты очереди исполнения.
const (
	DefaultMaxAttempts         = 5
	DefaultRetryBackoffSeconds = 30
	DefaultLeaseTTLSeconds     = 120
)

// ActionExecution — строка work queue. Воркеры забирают задачи lease'ами:
// lease, истекший без завершения, делает задачу доступной другому воркеру
// (crash recovery). Уникальна на (tenant_id, idempotency_key).
type ActionExecution struct {
	ID                string  `json:"id"`
	TenantID          string  `json:"tenant_id"`
	DecisionID        string  `json:"decision_id"`
	ApprovalRequestID *string `json:"approval_request_id,omitempty"`

	ActionType     string `json:"action_type"`
	IdempotencyKey string `json:"idempotency_key"`

	Status       ActionStatus `json:"status"`
	AttemptCount int          `json:"attempt_count"`
	MaxAttempts  int          `json:"max_attempts"`

	RetryBackoffSeconds int64 `json:"retry_backoff_seconds"`
	LeaseTTLSeconds     int64 `json:"lease_ttl_seconds"`

	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	LockedByWorkerID *string    `json:"locked_by_worker_id,omitempty"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`

	// SHA-256 payload'ов для tamper evidence.
	RequestPayload []byte `json:"request_payload,omitempty"`
	RequestSHA256  string `json:"request_sha256"`
	ResultSHA256   string `json:"result_sha256,omitempty"`

	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leasable сообщает, может ли воркер забрать задачу в момент now:
// в очереди и дозрела до ретрая, либо running с истекшим lease.
func (a *ActionExecution) Leasable(now time.Time) bool {
	switch a.Status {
	case ActionQueued:
		return a.NextRetryAt == nil || !a.NextRetryAt.After(now)
	case ActionRunning:
		return a.LeaseExpiresAt != nil && !a.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// NextBackoff — линейный backoff: retry_backoff_seconds * attempt_count.
func (a *ActionExecution) NextBackoff() time.Duration {
	n := a.AttemptCount
	if n < 1 {
		n = 1
	}
	return time.Duration(a.RetryBackoffSeconds) * time.Duration(n) * time.Second
}

// PayloadSHA256 — хэш payload'а для tamper evidence.
func PayloadSHA256(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
