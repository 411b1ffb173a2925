package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Valdrix-AI/spendgate/internal/approval"
	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/infra"
	"github.com/Valdrix-AI/spendgate/internal/ledger"
	"github.com/Valdrix-AI/spendgate/internal/notify"
	"github.com/Valdrix-AI/spendgate/internal/policy"
	"github.com/Valdrix-AI/spendgate/internal/repository/memory"
)

type gateFixture struct {
	gate      *Gate
	decisions *memory.DecisionRepo
	ledgerRep *memory.LedgerRepo
	policies  *memory.PolicyRepo
	approvals *memory.ApprovalRepo
	scope     domain.TenantScope
}

func newGateFixture(t *testing.T, cfg infra.GateConfig) *gateFixture {
	t.Helper()
	logger := zap.NewNop()

	decisions := memory.NewDecisionRepo()
	ledgerRep := memory.NewLedgerRepo()
	policyRep := memory.NewPolicyRepo()
	approvalRep := memory.NewApprovalRepo()

	lg := ledger.New(ledgerRep, logger)
	store := policy.NewStore(policyRep, nil, logger)
	approvals := approval.NewService(approvalRep, decisions, lg, cfg.ApprovalTokenTTL, logger)
	notifier := notify.New(nil, nil, logger)

	scope := domain.NewTenantScope("acme")
	ledgerRep.SetAllocation(domain.BudgetAllocation{
		TenantID:        scope.TenantID,
		ScopeKey:        scope.ScopeKey,
		MonthlyLimitUSD: 1000,
		Active:          true,
	})

	return &gateFixture{
		gate:      NewGate(decisions, store, lg, approvals, notifier, nil, cfg, logger),
		decisions: decisions,
		ledgerRep: ledgerRep,
		policies:  policyRep,
		approvals: approvalRep,
		scope:     scope,
	}
}

func defaultGateConfig() infra.GateConfig {
	return infra.GateConfig{
		Timeout:          2 * time.Second,
		FailSafeDecision: "require_approval",
		ApprovalTokenTTL: 15 * time.Minute,
	}
}

func gateInput(monthly float64) domain.GateInput {
	return domain.GateInput{
		ProjectID:                "proj-1",
		Environment:              "prod",
		Action:                   "scale_up",
		ResourceReference:        "vm/web-1",
		EstimatedMonthlyDeltaUSD: monthly,
	}
}

func TestGateEvaluateAllow(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	ctx := context.Background()

	res, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", gateInput(10))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, res.Decision)
	assert.Contains(t, res.ReasonCodes, domain.ReasonAutoApprove)
	assert.NotEmpty(t, res.DecisionID)
	assert.True(t, res.ReservationActive)
	assert.Equal(t, int64(3600), res.TTLSeconds)
	require.NotNil(t, res.ComputedContext)
	assert.Equal(t, 1000.0, res.ComputedContext["budget_remaining_usd"])

	// Резервация закоммичена и привязана к decision_id ответа.
	dec, err := f.decisions.GetDecision(ctx, f.scope, res.DecisionID)
	require.NoError(t, err)
	assert.Equal(t, 10.0, dec.ReservedAllocationUSD)

	snap, err := ledger.New(f.ledgerRep, zap.NewNop()).Snapshot(ctx, f.scope, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 990.0, snap.BudgetRemainingUSD)
}

func TestGateIdempotentReplay(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	ctx := context.Background()

	in := gateInput(10)
	in.IdempotencyKey = "tf-run-42"

	first, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", in)
	require.NoError(t, err)

	second, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", in)
	require.NoError(t, err)

	assert.Equal(t, first.DecisionID, second.DecisionID)
	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.RequestFingerprint, second.RequestFingerprint)

	// Повтор не резервирует второй раз.
	snap, err := ledger.New(f.ledgerRep, zap.NewNop()).Snapshot(ctx, f.scope, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 990.0, snap.BudgetRemainingUSD)
}

func TestGateDryRun(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	ctx := context.Background()

	in := gateInput(10)
	in.DryRun = true

	res, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", in)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, res.Decision)
	assert.Contains(t, res.ReasonCodes, domain.ReasonDryRun)
	assert.False(t, res.ReservationActive)

	// Решение записано, но бюджет не тронут.
	dec, err := f.decisions.GetDecision(ctx, f.scope, res.DecisionID)
	require.NoError(t, err)
	assert.True(t, dec.DryRun)

	snap, err := ledger.New(f.ledgerRep, zap.NewNop()).Snapshot(ctx, f.scope, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, snap.BudgetRemainingUSD)

	t.Run("dry run approval path creates no request", func(t *testing.T) {
		in := gateInput(500)
		in.DryRun = true

		res, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", in)
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionRequireApproval, res.Decision)
		assert.Empty(t, res.ApprovalRequestID)
	})
}

func TestGateRequireApprovalCreatesRequest(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	ctx := context.Background()

	res, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", gateInput(500))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRequireApproval, res.Decision)
	assert.True(t, res.ApprovalRequired)
	require.NotEmpty(t, res.ApprovalRequestID)
	assert.False(t, res.ReservationActive)

	app, err := f.approvals.GetApprovalByID(ctx, f.scope, res.ApprovalRequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, app.Status)
	assert.Equal(t, "alice", app.RequesterID)
	assert.Equal(t, 500.0, app.ProposedAllocationUSD)

	t.Run("replay returns same approval id", func(t *testing.T) {
		in := gateInput(500)
		in.IdempotencyKey = "tf-run-7"

		first, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", in)
		require.NoError(t, err)
		second, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", in)
		require.NoError(t, err)
		assert.Equal(t, first.ApprovalRequestID, second.ApprovalRequestID)
	})
}

func TestGateHardCapDeny(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())

	res, err := f.gate.Evaluate(context.Background(), f.scope, domain.SourceTerraform, "alice", gateInput(9000))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionDeny, res.Decision)
	assert.Contains(t, res.ReasonCodes, domain.ReasonHardCapExceeded)
	assert.False(t, res.ReservationActive)
}

func TestGateInvalidInput(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	ctx := context.Background()

	t.Run("missing fields", func(t *testing.T) {
		in := gateInput(10)
		in.ProjectID = ""
		_, err := f.gate.Evaluate(ctx, f.scope, domain.SourceTerraform, "alice", in)
		assert.Error(t, err)
	})

	t.Run("unknown source", func(t *testing.T) {
		_, err := f.gate.Evaluate(ctx, f.scope, domain.Source("carrier-pigeon"), "alice", gateInput(10))
		assert.Error(t, err)
	})
}

// slowPolicyRepo задерживает загрузку политики дольше таймаута шлюза.
type slowPolicyRepo struct {
	delay time.Duration
}

func (r *slowPolicyRepo) GetLatestPolicy(ctx context.Context, scope domain.TenantScope) (*domain.PolicyDocument, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(r.delay):
	}
	return domain.DefaultPolicy(scope.TenantID), nil
}

func (r *slowPolicyRepo) GetPolicyVersion(ctx context.Context, scope domain.TenantScope, version int64) (*domain.PolicyDocument, error) {
	return nil, domain.ErrNotFound
}

func (r *slowPolicyRepo) InsertPolicyVersion(ctx context.Context, scope domain.TenantScope, doc *domain.PolicyDocument) error {
	return nil
}

func TestGateFailSafe(t *testing.T) {
	ctx := context.Background()

	newTimeoutGate := func(t *testing.T, failSafe string) (*Gate, *memory.DecisionRepo, domain.TenantScope) {
		t.Helper()
		logger := zap.NewNop()
		decisions := memory.NewDecisionRepo()
		ledgerRep := memory.NewLedgerRepo()
		lg := ledger.New(ledgerRep, logger)
		store := policy.NewStore(&slowPolicyRepo{delay: time.Second}, nil, logger)
		approvals := approval.NewService(memory.NewApprovalRepo(), decisions, lg, time.Minute, logger)
		notifier := notify.New(nil, nil, logger)

		cfg := infra.GateConfig{Timeout: 50 * time.Millisecond, FailSafeDecision: failSafe}
		scope := domain.NewTenantScope("acme")
		return NewGate(decisions, store, lg, approvals, notifier, nil, cfg, logger), decisions, scope
	}

	t.Run("timeout degrades to require approval", func(t *testing.T) {
		gate, decisions, scope := newTimeoutGate(t, "require_approval")

		res, err := gate.Evaluate(ctx, scope, domain.SourceTerraform, "alice", gateInput(10))
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionRequireApproval, res.Decision)
		assert.Equal(t, []string{domain.ReasonGateTimeout}, res.ReasonCodes)
		assert.True(t, res.ApprovalRequired)

		// Fail-safe решение тоже персистится.
		dec, err := decisions.GetDecision(ctx, scope, res.DecisionID)
		require.NoError(t, err)
		assert.True(t, dec.FailSafe)
		assert.True(t, dec.HasReason(domain.ReasonGateTimeout))
	})

	t.Run("deny fail safe", func(t *testing.T) {
		gate, _, scope := newTimeoutGate(t, "deny")

		res, err := gate.Evaluate(ctx, scope, domain.SourceTerraform, "alice", gateInput(10))
		require.NoError(t, err)
		assert.Equal(t, domain.DecisionDeny, res.Decision)
		assert.False(t, res.ApprovalRequired)
	})
}

// conflictLedgerRepo имитирует скоуп, где параллельные резервации всегда
// съедают остаток первыми: каждый CAS возвращает конфликт.
type conflictLedgerRepo struct {
	*memory.LedgerRepo
	attempts int32
}

func (r *conflictLedgerRepo) ReserveFunds(ctx context.Context, scope domain.TenantScope, allocationUSD float64, draws []domain.CreditDraw) error {
	atomic.AddInt32(&r.attempts, 1)
	return domain.ErrReservationConflict
}

func TestGateReservationConflictExhaustion(t *testing.T) {
	logger := zap.NewNop()
	repo := &conflictLedgerRepo{LedgerRepo: memory.NewLedgerRepo()}
	lg := ledger.New(repo, logger)
	decisions := memory.NewDecisionRepo()
	store := policy.NewStore(memory.NewPolicyRepo(), nil, logger)
	approvals := approval.NewService(memory.NewApprovalRepo(), decisions, lg, time.Minute, logger)

	scope := domain.NewTenantScope("acme")
	repo.SetAllocation(domain.BudgetAllocation{
		TenantID:        scope.TenantID,
		ScopeKey:        scope.ScopeKey,
		MonthlyLimitUSD: 1000,
		Active:          true,
	})

	gate := NewGate(decisions, store, lg, approvals, notify.New(nil, nil, logger), nil,
		defaultGateConfig(), logger)

	res, err := gate.Evaluate(context.Background(), scope, domain.SourceTerraform, "alice", gateInput(10))
	require.NoError(t, err)

	// Исчерпанные попытки — консервативный fail-safe, не оптимистичный ALLOW.
	assert.Equal(t, domain.DecisionRequireApproval, res.Decision)
	assert.Equal(t, []string{domain.ReasonGateEvaluationError}, res.ReasonCodes)
	assert.Equal(t, int32(maxReserveAttempts), atomic.LoadInt32(&repo.attempts))

	dec, err := decisions.GetDecision(context.Background(), scope, res.DecisionID)
	require.NoError(t, err)
	assert.True(t, dec.FailSafe)
	assert.False(t, dec.ReservationActive)
}

// slowSaveLedgerRepo задерживает фиксацию handle'а дольше таймаута шлюза:
// резервация завершается уже после того, как вызывающий получил fail-safe.
type slowSaveLedgerRepo struct {
	*memory.LedgerRepo
	delay time.Duration
}

func (r *slowSaveLedgerRepo) SaveReservation(ctx context.Context, scope domain.TenantScope, h *domain.ReservationHandle) error {
	time.Sleep(r.delay)
	return r.LedgerRepo.SaveReservation(ctx, scope, h)
}

func TestGateTimeoutReleasesLateReservation(t *testing.T) {
	logger := zap.NewNop()
	repo := &slowSaveLedgerRepo{LedgerRepo: memory.NewLedgerRepo(), delay: 150 * time.Millisecond}
	lg := ledger.New(repo, logger)
	decisions := memory.NewDecisionRepo()
	store := policy.NewStore(memory.NewPolicyRepo(), nil, logger)
	approvals := approval.NewService(memory.NewApprovalRepo(), decisions, lg, time.Minute, logger)

	scope := domain.NewTenantScope("acme")
	repo.SetAllocation(domain.BudgetAllocation{
		TenantID:        scope.TenantID,
		ScopeKey:        scope.ScopeKey,
		MonthlyLimitUSD: 1000,
		Active:          true,
	})

	cfg := infra.GateConfig{Timeout: 50 * time.Millisecond, FailSafeDecision: "require_approval"}
	gate := NewGate(decisions, store, lg, approvals, notify.New(nil, nil, logger), nil, cfg, logger)

	res, err := gate.Evaluate(context.Background(), scope, domain.SourceTerraform, "alice", gateInput(10))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionRequireApproval, res.Decision)
	assert.Equal(t, []string{domain.ReasonGateTimeout}, res.ReasonCodes)

	// Отцепившаяся горутина закончит резервацию после таймаута; удержанное
	// возвращается сразу, без участия overdue sweep'а.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := lg.Snapshot(context.Background(), scope, time.Now().UTC())
		require.NoError(t, err)
		if snap.BudgetRemainingUSD == 1000.0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap, err := lg.Snapshot(context.Background(), scope, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, snap.BudgetRemainingUSD)
}

func TestGateShadowSourceSkipsReservation(t *testing.T) {
	f := newGateFixture(t, defaultGateConfig())
	ctx := context.Background()

	res, err := f.gate.Evaluate(ctx, f.scope, domain.SourceCloudEvent, "alice", gateInput(400))
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionAllow, res.Decision)
	assert.Contains(t, res.ReasonCodes, domain.ReasonShadowMode)

	snap, err := ledger.New(f.ledgerRep, zap.NewNop()).Snapshot(ctx, f.scope, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, snap.BudgetRemainingUSD)
}
