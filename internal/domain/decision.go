package domain

import "time"

// DecisionOutcome — итог оценки запроса шлюзом.
type DecisionOutcome string

const (
	DecisionAllow            DecisionOutcome = "ALLOW"
	DecisionAllowWithCredits DecisionOutcome = "ALLOW_WITH_CREDITS"
	DecisionRequireApproval  DecisionOutcome = "REQUIRE_APPROVAL"
	DecisionDeny             DecisionOutcome = "DENY"
)

// Reason codes, попадающие в решение и в export.
const (
	ReasonShadowMode          = "shadow_mode"
	ReasonHardCapExceeded     = "hard_cap_exceeded"
	ReasonAutoApprove         = "auto_approve_threshold"
	ReasonWithinBudget        = "within_budget"
	ReasonCreditCovered       = "credit_covered"
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonApprovalRequired    = "approval_required"
	ReasonSoftModeBypass      = "soft_mode_bypass"
	ReasonGateTimeout         = "gate_timeout"
	ReasonGateEvaluationError = "gate_evaluation_error"
	ReasonOverdueUnreconciled = "overdue_unreconciled"
	ReasonDryRun              = "dry_run"
)

// Decision — одна строка ledger'а на каждую оценку шлюза. Неизменяема после
// создания; единственные мутируемые поля — reservation_active и зарезервированные
// суммы, которые проставляет апрув или снимает reconciler.
// Инвариант: (tenant_id, source, idempotency_key) уникальна — повторная доставка
// того же логического запроса получает ранее записанное решение.
type Decision struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenant_id"`
	ScopeKey    string `json:"scope_key"`
	Source      Source `json:"source"`
	Environment string `json:"environment"`
	ProjectID   string `json:"project_id"`
	Action      string `json:"action"`

	ResourceReference string `json:"resource_reference"`

	Outcome     DecisionOutcome `json:"decision"`
	ReasonCodes []string        `json:"reason_codes"`

	PolicyVersion      int64  `json:"policy_version"`
	RequestFingerprint string `json:"request_fingerprint"`
	IdempotencyKey     string `json:"idempotency_key"`

	EstimatedMonthlyDeltaUSD float64 `json:"estimated_monthly_delta_usd"`
	EstimatedHourlyDeltaUSD  float64 `json:"estimated_hourly_delta_usd"`

	ReservedAllocationUSD float64 `json:"reserved_allocation_usd"`
	ReservedCreditUSD     float64 `json:"reserved_credit_usd"`
	ReservationActive     bool    `json:"reservation_active"`

	ApprovalRequired bool       `json:"approval_required"`
	TokenExpiresAt   *time.Time `json:"token_expires_at,omitempty"`

	DryRun   bool `json:"dry_run"`
	FailSafe bool `json:"fail_safe"`

	CreatedAt time.Time `json:"created_at"`
}

// HasReason проверяет наличие reason-кода в решении.
func (d *Decision) HasReason(code string) bool {
	for _, rc := range d.ReasonCodes {
		if rc == code {
			return true
		}
	}
	return false
}
