package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// GateInput — нормализованный запрос на оценку (transport-agnostic).
type GateInput struct {
	ProjectID         string            `json:"project_id"`
	Environment       string            `json:"environment"`
	Action            string            `json:"action"`
	ResourceReference string            `json:"resource_reference"`

	EstimatedMonthlyDeltaUSD float64 `json:"estimated_monthly_delta_usd"`
	EstimatedHourlyDeltaUSD  float64 `json:"estimated_hourly_delta_usd"`

	Metadata       map[string]string `json:"metadata,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	DryRun         bool              `json:"dry_run"`
}

// Normalize приводит поля к канонической форме до вычисления fingerprint.
func (in *GateInput) Normalize() {
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.Environment = strings.ToLower(strings.TrimSpace(in.Environment))
	in.Action = strings.ToLower(strings.TrimSpace(in.Action))
	in.ResourceReference = strings.TrimSpace(in.ResourceReference)
	in.IdempotencyKey = strings.TrimSpace(in.IdempotencyKey)
}

// Validate возвращает ошибку валидации для некорректного ввода.
// Это единственный случай, когда вызывающий получает не Decision, а ошибку.
func (in *GateInput) Validate() error {
	if in.ProjectID == "" {
		return fmt.Errorf("gate input: project_id is required")
	}
	if in.Environment == "" {
		return fmt.Errorf("gate input: environment is required")
	}
	if in.Action == "" {
		return fmt.Errorf("gate input: action is required")
	}
	if in.ResourceReference == "" {
		return fmt.Errorf("gate input: resource_reference is required")
	}
	if in.EstimatedMonthlyDeltaUSD < 0 {
		return fmt.Errorf("gate input: estimated_monthly_delta_usd must be >= 0")
	}
	if in.EstimatedHourlyDeltaUSD < 0 {
		return fmt.Errorf("gate input: estimated_hourly_delta_usd must be >= 0")
	}
	return nil
}

// Fingerprint — детерминированный SHA-256 нормализованных полей запроса.
// Стабилен между повторными доставками одного логического запроса: idempotency
// key и metadata в хэш не входят. К нему привязываются approval-токены.
func (in *GateInput) Fingerprint(tenantID string, source Source) string {
	canonical := strings.Join([]string{
		tenantID,
		string(source),
		in.ProjectID,
		in.Environment,
		in.Action,
		in.ResourceReference,
		fmt.Sprintf("%.4f", in.EstimatedMonthlyDeltaUSD),
		fmt.Sprintf("%.4f", in.EstimatedHourlyDeltaUSD),
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// GateResult — ответ шлюза вызывающему. Всегда well-formed: даже при внутреннем
// сбое вызывающий получает консервативное решение, а не 5xx.
type GateResult struct {
	Decision           DecisionOutcome    `json:"decision"`
	ReasonCodes        []string           `json:"reason_codes"`
	DecisionID         string             `json:"decision_id"`
	PolicyVersion      int64              `json:"policy_version"`
	ApprovalRequired   bool               `json:"approval_required"`
	ApprovalRequestID  string             `json:"approval_request_id,omitempty"`
	TTLSeconds         int64              `json:"ttl_seconds"`
	RequestFingerprint string             `json:"request_fingerprint"`
	ReservationActive  bool               `json:"reservation_active"`
	ComputedContext    map[string]float64 `json:"computed_context,omitempty"`
}
