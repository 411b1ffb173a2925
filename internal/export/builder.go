package export

/*
Файл builder.go собирает compliance-экспорт decision ledger'а:
decisions.csv и approvals.csv с контент-хэшами, policy/context lineage,
канонический подписанный манифест и итоговый ZIP-бандл. parity_ok в манифесте
равен true только когда экспортированные counts/хэши сходятся с
source-of-truth, снятым в момент генерации.
*/

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"go.uber.org/zap"
)

// Имена артефактов бандла.
const (
	ArtifactDecisions = "decisions.csv"
	ArtifactApprovals = "approvals.csv"
)

// ManifestVersion — версия формата манифеста.
const ManifestVersion = 1

// Reader — требования экспортера к хранилищу.
type Reader interface {
	ListDecisionsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time, limit int) ([]domain.Decision, error)
	ListApprovalsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time, limit int) ([]*domain.ApprovalRequest, error)
	CountDecisionsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time) (int, error)
	CountApprovalsWindow(ctx context.Context, scope domain.TenantScope, from, to time.Time) (int, error)
	GetPolicyVersion(ctx context.Context, scope domain.TenantScope, version int64) (*domain.PolicyDocument, error)
}

// Options ограничивают размер экспорта (признаваемые опции конфига).
type Options struct {
	MaxWindowDays int
	MaxRows       int
}

type Builder struct {
	reader Reader
	keys   *KeyRing
	opts   Options
	logger *zap.Logger
}

func NewBuilder(reader Reader, keys *KeyRing, opts Options, logger *zap.Logger) *Builder {
	if opts.MaxWindowDays <= 0 {
		opts.MaxWindowDays = 366
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 10000
	}
	return &Builder{reader: reader, keys: keys, opts: opts, logger: logger.Named("export")}
}

// BuildBundle собирает бандл за окно [from, to).
func (b *Builder) BuildBundle(ctx context.Context, scope domain.TenantScope, from, to time.Time) (*domain.ExportBundle, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("export: window end must be after start")
	}
	if to.Sub(from) > time.Duration(b.opts.MaxWindowDays)*24*time.Hour {
		return nil, fmt.Errorf("export: window exceeds %d days", b.opts.MaxWindowDays)
	}

	decisions, err := b.reader.ListDecisionsWindow(ctx, scope, from, to, b.opts.MaxRows)
	if err != nil {
		return nil, fmt.Errorf("export: decisions read: %w", err)
	}
	approvals, err := b.reader.ListApprovalsWindow(ctx, scope, from, to, b.opts.MaxRows)
	if err != nil {
		return nil, fmt.Errorf("export: approvals read: %w", err)
	}

	// Счетчики source-of-truth снимаются здесь же — основа parity-проверки.
	decCount, err := b.reader.CountDecisionsWindow(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}
	appCount, err := b.reader.CountApprovalsWindow(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}

	decCSV, err := decisionsCSV(decisions)
	if err != nil {
		return nil, err
	}
	appCSV, err := approvalsCSV(approvals)
	if err != nil {
		return nil, err
	}

	bundle := &domain.ExportBundle{
		TenantID:            scope.TenantID,
		WindowFrom:          from,
		WindowTo:            to,
		DecisionsCSV:        decCSV,
		ApprovalsCSV:        appCSV,
		PolicyLineage:       b.policyLineage(ctx, scope, decisions),
		ContextLineage:      contextLineage(decisions),
		SourceDecisionCount: decCount,
		SourceApprovalCount: appCount,
		GeneratedAt:         time.Now().UTC(),
		Artifacts: []domain.ExportArtifact{
			{Name: ArtifactDecisions, SHA256: hashHex(decCSV), Rows: len(decisions)},
			{Name: ArtifactApprovals, SHA256: hashHex(appCSV), Rows: len(approvals)},
		},
	}

	b.logger.Info("export bundle built",
		zap.String("tenant_id", scope.TenantID),
		zap.Int("decisions", len(decisions)),
		zap.Int("approvals", len(approvals)))
	return bundle, nil
}

// BuildSignedManifest оборачивает хэши бандла в канонический JSON-документ,
// считает его SHA-256 и подписывает HMAC-SHA256 версионированным ключом.
// Аудитор проверяет одну подпись вместо пересчета каждой строки.
func (b *Builder) BuildSignedManifest(bundle *domain.ExportBundle) (*domain.ExportManifest, *domain.SignedManifest, error) {
	manifest := &domain.ExportManifest{
		Version:       ManifestVersion,
		TenantID:      bundle.TenantID,
		WindowFrom:    bundle.WindowFrom,
		WindowTo:      bundle.WindowTo,
		Artifacts:     bundle.Artifacts,
		DecisionCount: artifactRows(bundle, ArtifactDecisions),
		ApprovalCount: artifactRows(bundle, ArtifactApprovals),
		ParityOK:      VerifyParity(bundle),
		GeneratedAt:   bundle.GeneratedAt,
	}

	canonical, err := CanonicalJSON(manifest)
	if err != nil {
		return nil, nil, err
	}

	sig, keyID := b.keys.Sign(canonical)
	signed := &domain.SignedManifest{
		CanonicalJSON: canonical,
		SHA256:        hashHex(canonical),
		Signature:     sig,
		KeyID:         keyID,
	}
	return manifest, signed, nil
}

// VerifyParity пересчитывает хэши артефактов и сверяет row counts с
// source-of-truth. Любое расхождение — parity_ok=false, не exception.
func VerifyParity(bundle *domain.ExportBundle) bool {
	current := map[string]struct {
		hash string
		rows int
	}{
		ArtifactDecisions: {hashHex(bundle.DecisionsCSV), csvRows(bundle.DecisionsCSV)},
		ArtifactApprovals: {hashHex(bundle.ApprovalsCSV), csvRows(bundle.ApprovalsCSV)},
	}

	for _, a := range bundle.Artifacts {
		got, ok := current[a.Name]
		if !ok || got.hash != a.SHA256 || got.rows != a.Rows {
			return false
		}
	}

	return artifactRows(bundle, ArtifactDecisions) == bundle.SourceDecisionCount &&
		artifactRows(bundle, ArtifactApprovals) == bundle.SourceApprovalCount
}

func artifactRows(bundle *domain.ExportBundle, name string) int {
	for _, a := range bundle.Artifacts {
		if a.Name == name {
			return a.Rows
		}
	}
	return 0
}

func (b *Builder) policyLineage(ctx context.Context, scope domain.TenantScope, decisions []domain.Decision) []domain.PolicyLineageEntry {
	seen := make(map[int64]string)
	for _, d := range decisions {
		if _, ok := seen[d.PolicyVersion]; ok {
			continue
		}
		hash := ""
		if doc, err := b.reader.GetPolicyVersion(ctx, scope, d.PolicyVersion); err == nil && doc != nil {
			hash = doc.ContentHash
		}
		seen[d.PolicyVersion] = hash
	}

	versions := make([]int64, 0, len(seen))
	for v := range seen {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	lineage := make([]domain.PolicyLineageEntry, 0, len(versions))
	for _, v := range versions {
		lineage = append(lineage, domain.PolicyLineageEntry{PolicyVersion: v, ContentHash: seen[v]})
	}
	return lineage
}

func contextLineage(decisions []domain.Decision) []domain.ContextLineageEntry {
	lineage := make([]domain.ContextLineageEntry, 0, len(decisions))
	for _, d := range decisions {
		ctxHash := hashHex([]byte(strings.Join([]string{
			d.ID, d.RequestFingerprint, string(d.Outcome),
			strconv.FormatInt(d.PolicyVersion, 10),
		}, "|")))
		lineage = append(lineage, domain.ContextLineageEntry{
			DecisionID:  d.ID,
			Fingerprint: d.RequestFingerprint,
			ContextHash: ctxHash,
		})
	}
	return lineage
}

func decisionsCSV(decisions []domain.Decision) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "tenant_id", "source", "environment", "project_id", "action",
		"resource_reference", "decision", "reason_codes", "policy_version",
		"request_fingerprint", "idempotency_key", "estimated_monthly_delta_usd",
		"estimated_hourly_delta_usd", "reserved_allocation_usd", "reserved_credit_usd",
		"reservation_active", "approval_required", "fail_safe", "created_at",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, d := range decisions {
		row := []string{
			d.ID, d.TenantID, string(d.Source), d.Environment, d.ProjectID, d.Action,
			d.ResourceReference, string(d.Outcome), strings.Join(d.ReasonCodes, ";"),
			strconv.FormatInt(d.PolicyVersion, 10),
			d.RequestFingerprint, d.IdempotencyKey,
			usd(d.EstimatedMonthlyDeltaUSD), usd(d.EstimatedHourlyDeltaUSD),
			usd(d.ReservedAllocationUSD), usd(d.ReservedCreditUSD),
			strconv.FormatBool(d.ReservationActive), strconv.FormatBool(d.ApprovalRequired),
			strconv.FormatBool(d.FailSafe), d.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func approvalsCSV(approvals []*domain.ApprovalRequest) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "tenant_id", "decision_id", "requester_id", "status", "reviewer_id",
		"proposed_allocation_usd", "proposed_credit_usd", "expires_at",
		"token_consumed_at", "created_at",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, a := range approvals {
		reviewer := ""
		if a.ReviewerID != nil {
			reviewer = *a.ReviewerID
		}
		consumed := ""
		if a.TokenConsumedAt != nil {
			consumed = a.TokenConsumedAt.UTC().Format(time.RFC3339Nano)
		}
		var proposedCredit float64
		for _, d := range a.ProposedCreditDraws {
			proposedCredit += d.AmountUSD
		}
		row := []string{
			a.ID, a.TenantID, a.DecisionID, a.RequesterID, string(a.Status), reviewer,
			usd(a.ProposedAllocationUSD), usd(proposedCredit),
			a.ExpiresAt.UTC().Format(time.RFC3339Nano),
			consumed, a.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func usd(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// csvRows — количество строк данных (без заголовка).
func csvRows(data []byte) int {
	n := bytes.Count(data, []byte("\n"))
	if n <= 0 {
		return 0
	}
	return n - 1
}
