package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EnforcementMode определяет, как шлюз реагирует на превышения.
type EnforcementMode string

const (
	// ModeShadow — только наблюдение: любой запрос проходит, решение пишется в ledger.
	ModeShadow EnforcementMode = "shadow"
	// ModeSoft — превышения видимы, но без блокировки (если политика не требует апрува).
	ModeSoft EnforcementMode = "soft"
	// ModeHard — превышения блокируются или уходят на ручное подтверждение.
	ModeHard EnforcementMode = "hard"
)

// Source — канал, через который пришел запрос на изменение инфраструктуры.
type Source string

const (
	SourceTerraform    Source = "terraform"
	SourceK8sAdmission Source = "k8s_admission"
	SourceCloudEvent   Source = "cloud_event"
)

// Границы TTL решения (секунды).
const (
	MinDecisionTTLSeconds = 60
	MaxDecisionTTLSeconds = 86400
)

// PolicySchemaVersion — версия схемы документа, не путать с PolicyVersion.
const PolicySchemaVersion = 1

// SourcePolicy задает режим для источника плюс опциональные override'ы по окружению.
// Пустая строка означает «не задано» — тогда действует дефолт источника.
type SourcePolicy struct {
	DefaultMode EnforcementMode `json:"default_mode"`
	ProdMode    EnforcementMode `json:"prod_mode,omitempty"`
	NonProdMode EnforcementMode `json:"nonprod_mode,omitempty"`
}

// ApprovalRoute описывает маршрутизацию заявки ревьюерам.
type ApprovalRoute struct {
	Environment string   `json:"environment"` // "prod", "nonprod" или "*"
	Reviewers   []string `json:"reviewers"`
	Channel     string   `json:"channel,omitempty"`
}

// PolicyDocument — версионированная политика арендатора. Документ неизменяем,
// как только на него сослалось хотя бы одно решение: любое изменение создает
// новую версию (PolicyVersion монотонно растет), а решения пинят версию,
// против которой были оценены.
type PolicyDocument struct {
	TenantID      string `json:"tenant_id"`
	PolicyVersion int64  `json:"policy_version"`
	SchemaVersion int    `json:"schema_version"`

	Modes map[Source]SourcePolicy `json:"modes"`

	RequireApprovalProd    bool `json:"require_approval_for_prod"`
	RequireApprovalNonProd bool `json:"require_approval_for_nonprod"`

	// Separation of duties: ревьюер не может совпадать с автором запроса.
	SeparationProd    bool `json:"requester_reviewer_separation_prod"`
	SeparationNonProd bool `json:"requester_reviewer_separation_nonprod"`

	AutoApproveBelowMonthlyUSD float64 `json:"auto_approve_below_monthly_usd"`
	HardDenyAboveMonthlyUSD    float64 `json:"hard_deny_above_monthly_usd"`

	DefaultTTLSeconds int64 `json:"default_ttl_seconds"`

	ApprovalRoutes []ApprovalRoute `json:"approval_routes,omitempty"`

	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsProd классифицирует окружение. Все, что не прод — nonprod.
func IsProd(environment string) bool {
	switch strings.ToLower(strings.TrimSpace(environment)) {
	case "prod", "production":
		return true
	}
	return false
}

// EffectiveMode резолвит режим для пары (source, environment):
// сначала окруженческий override, затем дефолт источника.
// Неизвестный источник трактуется как hard (Zero Trust).
func (p *PolicyDocument) EffectiveMode(source Source, environment string) EnforcementMode {
	if p == nil {
		return ModeHard
	}
	sp, ok := p.Modes[source]
	if !ok {
		return ModeHard
	}
	if IsProd(environment) {
		if sp.ProdMode != "" {
			return sp.ProdMode
		}
	} else if sp.NonProdMode != "" {
		return sp.NonProdMode
	}
	if sp.DefaultMode != "" {
		return sp.DefaultMode
	}
	return ModeHard
}

// RequiresApproval сообщает, обязателен ли апрув для окружения.
func (p *PolicyDocument) RequiresApproval(environment string) bool {
	if p == nil {
		return true
	}
	if IsProd(environment) {
		return p.RequireApprovalProd
	}
	return p.RequireApprovalNonProd
}

// SeparationRequired сообщает, включен ли separation of duties для окружения.
func (p *PolicyDocument) SeparationRequired(environment string) bool {
	if p == nil {
		return true
	}
	if IsProd(environment) {
		return p.SeparationProd
	}
	return p.SeparationNonProd
}

// DecisionTTL возвращает TTL решения, зажатый в допустимые границы.
func (p *PolicyDocument) DecisionTTL() time.Duration {
	ttl := p.DefaultTTLSeconds
	if ttl < MinDecisionTTLSeconds {
		ttl = MinDecisionTTLSeconds
	}
	if ttl > MaxDecisionTTLSeconds {
		ttl = MaxDecisionTTLSeconds
	}
	return time.Duration(ttl) * time.Second
}

// Validate проверяет инварианты документа перед сохранением новой версии.
func (p *PolicyDocument) Validate() error {
	if strings.TrimSpace(p.TenantID) == "" {
		return fmt.Errorf("policy: %w", ErrEmptyTenant)
	}
	if p.AutoApproveBelowMonthlyUSD < 0 || p.HardDenyAboveMonthlyUSD < 0 {
		return fmt.Errorf("policy: thresholds must be non-negative")
	}
	// Инвариант: auto-approve порог не может превышать hard-deny порог.
	if p.AutoApproveBelowMonthlyUSD > p.HardDenyAboveMonthlyUSD {
		return fmt.Errorf("policy: auto_approve_below_monthly_usd (%.2f) exceeds hard_deny_above_monthly_usd (%.2f)",
			p.AutoApproveBelowMonthlyUSD, p.HardDenyAboveMonthlyUSD)
	}
	if p.DefaultTTLSeconds < MinDecisionTTLSeconds || p.DefaultTTLSeconds > MaxDecisionTTLSeconds {
		return fmt.Errorf("policy: default_ttl_seconds must be within [%d, %d]",
			MinDecisionTTLSeconds, MaxDecisionTTLSeconds)
	}
	for src, sp := range p.Modes {
		for _, m := range []EnforcementMode{sp.DefaultMode, sp.ProdMode, sp.NonProdMode} {
			if m != "" && m != ModeShadow && m != ModeSoft && m != ModeHard {
				return fmt.Errorf("policy: unknown mode %q for source %q", m, src)
			}
		}
	}
	return nil
}

// ComputeContentHash считает SHA-256 канонического JSON документа
// (без самого поля хэша и таймстемпов). Хэш входит в policy lineage экспорта.
func (p *PolicyDocument) ComputeContentHash() string {
	shadow := *p
	shadow.ContentHash = ""
	shadow.CreatedAt = time.Time{}
	shadow.UpdatedAt = time.Time{}
	raw, _ := json.Marshal(shadow)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// DefaultPolicy — консервативный документ первой версии для нового арендатора.
func DefaultPolicy(tenantID string) *PolicyDocument {
	p := &PolicyDocument{
		TenantID:      tenantID,
		PolicyVersion: 1,
		SchemaVersion: PolicySchemaVersion,
		Modes: map[Source]SourcePolicy{
			SourceTerraform:    {DefaultMode: ModeHard},
			SourceK8sAdmission: {DefaultMode: ModeSoft},
			SourceCloudEvent:   {DefaultMode: ModeShadow},
		},
		RequireApprovalProd:        true,
		RequireApprovalNonProd:     false,
		SeparationProd:             true,
		AutoApproveBelowMonthlyUSD: 25,
		HardDenyAboveMonthlyUSD:    5000,
		DefaultTTLSeconds:          3600,
	}
	p.ContentHash = p.ComputeContentHash()
	return p
}

// ParseSource валидирует источник запроса.
func ParseSource(raw string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(raw))) {
	case SourceTerraform:
		return SourceTerraform, nil
	case SourceK8sAdmission:
		return SourceK8sAdmission, nil
	case SourceCloudEvent:
		return SourceCloudEvent, nil
	}
	return "", fmt.Errorf("unknown source %q", raw)
}
