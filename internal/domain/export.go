package domain

import "time"

// ExportArtifact — один файл бандла с его контент-хэшем.
type ExportArtifact struct {
	Name   string `json:"name"`
	SHA256 string `json:"sha256"`
	Rows   int    `json:"rows"`
}

// PolicyLineageEntry — версия политики, на которую ссылались решения окна.
type PolicyLineageEntry struct {
	PolicyVersion int64  `json:"policy_version"`
	ContentHash   string `json:"content_hash"`
}

// ContextLineageEntry — вычисленный контекст (fingerprint запроса и его решение),
// позволяющий аудитору связать строку CSV с исходным запросом.
type ContextLineageEntry struct {
	DecisionID  string `json:"decision_id"`
	Fingerprint string `json:"request_fingerprint"`
	ContextHash string `json:"context_hash"`
}

// ExportBundle — материал экспорта за окно, каждый артефакт захэширован.
type ExportBundle struct {
	TenantID   string    `json:"tenant_id"`
	WindowFrom time.Time `json:"window_from"`
	WindowTo   time.Time `json:"window_to"`

	DecisionsCSV []byte `json:"-"`
	ApprovalsCSV []byte `json:"-"`

	PolicyLineage  []PolicyLineageEntry  `json:"policy_lineage"`
	ContextLineage []ContextLineageEntry `json:"context_lineage"`

	Artifacts []ExportArtifact `json:"artifacts"`

	// Счетчики source-of-truth, снятые в момент генерации — основа parity-проверки.
	SourceDecisionCount int `json:"source_decision_count"`
	SourceApprovalCount int `json:"source_approval_count"`

	GeneratedAt time.Time `json:"generated_at"`
}

// ExportManifest — канонический JSON-документ, который подписывается целиком.
// Аудитору достаточно одной подписи, чтобы проверить целостность всего экспорта.
type ExportManifest struct {
	Version       int              `json:"version"`
	TenantID      string           `json:"tenant_id"`
	WindowFrom    time.Time        `json:"window_from"`
	WindowTo      time.Time        `json:"window_to"`
	Artifacts     []ExportArtifact `json:"artifacts"`
	DecisionCount int              `json:"decision_count"`
	ApprovalCount int              `json:"approval_count"`
	// ParityOK = true только когда экспортированные counts/хэши совпали
	// с source-of-truth, снятым при генерации.
	ParityOK    bool      `json:"parity_ok"`
	GeneratedAt time.Time `json:"generated_at"`
}

// SignedManifest — результат подписи манифеста (HMAC-SHA256, версионированный key id).
type SignedManifest struct {
	CanonicalJSON []byte `json:"canonical_json"`
	SHA256        string `json:"sha256"`
	Signature     string `json:"signature"`
	KeyID         string `json:"key_id"`
}
