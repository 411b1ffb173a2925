package domain

import "time"

// Статусы State Machine заявки на подтверждение.
// pending — единственное нетерминальное состояние.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "PENDING"
	ApprovalApproved  ApprovalStatus = "APPROVED"
	ApprovalDenied    ApprovalStatus = "DENIED"
	ApprovalExpired   ApprovalStatus = "EXPIRED"
	ApprovalCancelled ApprovalStatus = "CANCELLED"
)

// ApprovalRequest — one-to-one с Decision, которому нужен ручной апрув.
// Хранит только хэш токена (plaintext отдается вызывающему один раз и
// никогда не персистится). Флаги политики (separation of duties) снимаются
// в момент создания, чтобы заявка не зависела от последующих правок политики.
type ApprovalRequest struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	DecisionID  string `json:"decision_id"`
	RequesterID string `json:"requester_id"`

	Status     ApprovalStatus `json:"status"`
	ReviewerID *string        `json:"reviewer_id,omitempty"`
	Comment    *string        `json:"comment,omitempty"`

	// Предложенный движком план резервации; коммитится только при апруве.
	ProposedAllocationUSD float64      `json:"proposed_allocation_usd"`
	ProposedCreditDraws   []CreditDraw `json:"proposed_credit_draws,omitempty"`

	SeparationRequired bool `json:"separation_required"`

	ExpiresAt time.Time `json:"expires_at"`

	TokenHash       string     `json:"-"`
	TokenExpiresAt  *time.Time `json:"token_expires_at,omitempty"`
	TokenConsumedAt *time.Time `json:"token_consumed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата:
// pending -> {approved, denied, expired, cancelled}, все остальные терминальны.
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != ApprovalPending {
		return ErrAlreadyProcessed
	}
	switch next {
	case ApprovalApproved, ApprovalDenied, ApprovalExpired, ApprovalCancelled:
		return nil
	default:
		return ErrInvalidTransition
	}
}

// ExpiredAt сообщает, истекла ли заявка к моменту now.
func (a *ApprovalRequest) ExpiredAt(now time.Time) bool {
	return !a.ExpiresAt.After(now)
}

// TokenBinding — поля, к которым привязан approval-токен. При consume все
// четыре должны в точности совпасть с исходным решением, иначе replay.
type TokenBinding struct {
	Source            Source `json:"source"`
	Environment       string `json:"environment"`
	Fingerprint       string `json:"fingerprint"`
	ResourceReference string `json:"resource_reference"`
}
