package engine

/*
Файл gate.go реализует фасад шлюза (Gate Façade) — единственную точку входа
для синхронной оценки запросов на изменение инфраструктуры.

Ключевые гарантии:
- Идемпотентность: (tenant, source, idempotency_key) уникальна. Повторная
  доставка того же запроса возвращает ранее записанное решение с тем же
  decision_id, без повторной резервации.
- Fail-Safe: оценка исполняется в отдельной горутине под wall-clock таймаутом
  и panic recovery. Любой внутренний сбой превращается в консервативное
  решение (require_approval или deny по конфигу), а не в 5xx. Fail-safe
  решение тоже пишется в ledger — аудит видит все.
- Атомарность резервации: конфликт CAS в бюджете (ErrReservationConflict)
  приводит к повторной оценке на свежем снапшоте, до трех попыток.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/approval"
	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/infra"
	"github.com/Valdrix-AI/spendgate/internal/ledger"
	"github.com/Valdrix-AI/spendgate/internal/notify"
	"github.com/Valdrix-AI/spendgate/internal/policy"
	"github.com/avast/retry-go/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Количество повторных оценок при конфликте резервации.
const maxReserveAttempts = 3

// DecisionRepository — требования фасада к хранилищу решений.
type DecisionRepository interface {
	// InsertOrGetDecision атомарно вставляет решение. Если по
	// (tenant, source, idempotency_key) уже записано другое — возвращает
	// существующее и inserted=false.
	InsertOrGetDecision(ctx context.Context, scope domain.TenantScope, d *domain.Decision) (*domain.Decision, bool, error)
	GetDecisionByIdempotencyKey(ctx context.Context, scope domain.TenantScope, source domain.Source, key string) (*domain.Decision, error)
	GetDecision(ctx context.Context, scope domain.TenantScope, id string) (*domain.Decision, error)
}

type Gate struct {
	decisions DecisionRepository
	policies  *policy.Store
	ledger    *ledger.Ledger
	approvals *approval.Service
	notifier  *notify.Notifier
	metrics   *Metrics
	cfg       infra.GateConfig
	logger    *zap.Logger
}

func NewGate(
	decisions DecisionRepository,
	policies *policy.Store,
	lg *ledger.Ledger,
	approvals *approval.Service,
	notifier *notify.Notifier,
	metrics *Metrics,
	cfg infra.GateConfig,
	logger *zap.Logger,
) *Gate {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Gate{
		decisions: decisions,
		policies:  policies,
		ledger:    lg,
		approvals: approvals,
		notifier:  notifier,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger.Named("gate"),
	}
}

// evalOutput — результат защищенной фазы оценки.
type evalOutput struct {
	result  EvalResult
	pol     *domain.PolicyDocument
	snap    *ledger.Snapshot
	handle  *domain.ReservationHandle
	failure string // "" при успехе; иначе timeout|panic|snapshot_error
}

// Evaluate — главная операция шлюза. Никогда не возвращает ошибку из-за
// внутреннего сбоя: только при невалидном вводе. Вызывающий всегда получает
// well-formed GateResult.
func (g *Gate) Evaluate(ctx context.Context, scope domain.TenantScope, source domain.Source, requesterID string, input domain.GateInput) (*domain.GateResult, error) {
	started := time.Now()

	input.Normalize()
	if err := input.Validate(); err != nil {
		return nil, err
	}
	if _, err := domain.ParseSource(string(source)); err != nil {
		return nil, err
	}

	// Быстрый путь идемпотентности: повторная доставка получает
	// ранее записанное решение без повторной оценки.
	if input.IdempotencyKey != "" {
		if existing, err := g.decisions.GetDecisionByIdempotencyKey(ctx, scope, source, input.IdempotencyKey); err == nil && existing != nil {
			g.logger.Debug("idempotent replay",
				zap.String("decision_id", existing.ID),
				zap.String("idempotency_key", input.IdempotencyKey))
			return g.resultFromDecision(ctx, scope, existing), nil
		}
	}

	out := g.evaluateGuarded(ctx, scope, source, input)

	dec := g.buildDecision(scope, source, input, out)

	if out.failure != "" {
		g.metrics.FailSafeTotal.WithLabelValues(string(source), out.failure).Inc()
		g.notifier.Publish(notify.Event{
			Kind:        notify.KindFailSafe,
			TenantID:    scope.TenantID,
			DecisionID:  dec.ID,
			Source:      string(source),
			Environment: input.Environment,
			Detail:      out.failure,
		})
	}

	stored, inserted, err := g.decisions.InsertOrGetDecision(ctx, scope, dec)
	if err != nil {
		// Ledger недоступен — деградируем в fail-safe без персистентности.
		g.logger.Error("decision insert failed", zap.Error(err))
		g.metrics.FailSafeTotal.WithLabelValues(string(source), "storage_error").Inc()
		return g.failSafeResult(dec, out), nil
	}
	if !inserted {
		// Проиграли гонку идемпотентности: своя резервация откатывается,
		// вызывающему уходит решение победителя.
		if out.handle != nil {
			if _, _, rErr := g.ledger.Release(ctx, scope, dec.ID); rErr != nil {
				g.logger.Error("failed to release losing reservation",
					zap.String("decision_id", dec.ID), zap.Error(rErr))
			}
		}
		return g.resultFromDecision(ctx, scope, stored), nil
	}

	result := g.finalizeDecision(ctx, scope, requesterID, input, out, stored)

	g.metrics.DecisionsTotal.WithLabelValues(string(source), string(stored.Outcome)).Inc()
	g.metrics.EvaluateDuration.WithLabelValues(string(source), string(stored.Outcome)).
		Observe(time.Since(started).Seconds())
	if stored.ReservationActive {
		g.metrics.ActiveReservations.Inc()
	}

	g.logger.Info("gate decision",
		zap.String("decision_id", stored.ID),
		zap.String("tenant_id", scope.TenantID),
		zap.String("source", string(source)),
		zap.String("decision", string(stored.Outcome)),
		zap.Strings("reason_codes", stored.ReasonCodes),
		zap.Bool("dry_run", stored.DryRun),
		zap.Duration("took", time.Since(started)))

	return result, nil
}

// evaluateGuarded исполняет снапшот+оценку+резервацию под таймаутом и panic
// recovery. Сбой любой природы возвращается как failure-код, не как ошибка.
func (g *Gate) evaluateGuarded(ctx context.Context, scope domain.TenantScope, source domain.Source, input domain.GateInput) evalOutput {
	evalCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	done := make(chan evalOutput, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("evaluation panic recovered", zap.Any("panic", r))
				done <- evalOutput{failure: "panic"}
			}
		}()
		done <- g.evaluateOnce(evalCtx, scope, source, input)
	}()

	select {
	case out := <-done:
		return out
	case <-evalCtx.Done():
		// Отцепившаяся горутина могла успеть закоммитить резервацию уже
		// после таймаута. Результат недоставим — удержанное возвращается
		// сразу, не дожидаясь overdue sweep'а.
		go func() {
			out := <-done
			if out.handle == nil {
				return
			}
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, _, err := g.ledger.Release(releaseCtx, scope, out.handle.DecisionID); err != nil {
				g.logger.Error("failed to release undeliverable reservation",
					zap.String("decision_id", out.handle.DecisionID), zap.Error(err))
			}
		}()
		return evalOutput{failure: "timeout"}
	}
}

// evaluateOnce — снапшот состояния, чистая оценка, резервация. Конфликт CAS
// в бюджете — не сбой: повторная оценка на свежем снапшоте, до
// maxReserveAttempts попыток.
func (g *Gate) evaluateOnce(ctx context.Context, scope domain.TenantScope, source domain.Source, input domain.GateInput) evalOutput {
	var out evalOutput

	r := retry.New(
		retry.Context(ctx),
		retry.Attempts(maxReserveAttempts),
		retry.Delay(10*time.Millisecond),
		retry.OnRetry(func(attempt uint, err error) {
			g.metrics.ReservationConflicts.Inc()
			g.logger.Warn("reservation conflict, re-evaluating",
				zap.Uint("attempt", attempt+1), zap.String("tenant_id", scope.TenantID))
		}),
	)

	err := r.Do(func() error {
		out = evalOutput{}

		pol, err := g.policies.Effective(ctx, scope)
		if err != nil {
			// Сбои снапшота не ретраятся: они превращаются в fail-safe.
			g.logger.Error("policy snapshot failed", zap.Error(err))
			out = evalOutput{failure: "snapshot_error"}
			return nil
		}

		now := time.Now().UTC()
		snap, err := g.ledger.Snapshot(ctx, scope, now)
		if err != nil {
			g.logger.Error("ledger snapshot failed", zap.Error(err))
			out = evalOutput{failure: "snapshot_error"}
			return nil
		}

		res := Evaluate(EvalInput{
			Policy:             pol,
			Source:             source,
			Request:            input,
			BudgetRemainingUSD: snap.BudgetRemainingUSD,
			Credits:            snap.Credits,
			Now:                now,
		})

		out = evalOutput{result: res, pol: pol, snap: snap}

		// Dry-run: решение записывается, но никаких side effects.
		if input.DryRun || res.Plan.IsZero() {
			return nil
		}

		// Резервация привязывается к будущему decision ID: он генерируется
		// здесь, чтобы handle и строка ledger'а ссылались друг на друга.
		decisionID := uuid.New().String()
		handle, err := g.ledger.Reserve(ctx, scope, decisionID, res.Plan)
		if err == nil {
			out.handle = handle
			return nil
		}
		if domain.KindOf(err) == domain.KindReservationConflict {
			// Параллельная резервация съела остаток — ретрай возьмет
			// свежий снапшот.
			return err
		}
		g.logger.Error("reservation failed", zap.Error(err))
		out = evalOutput{failure: "snapshot_error"}
		return nil
	})
	if err != nil {
		// Попытки исчерпаны: консервативный отказ от оптимистичного ALLOW.
		g.logger.Warn("reservation attempts exhausted", zap.String("tenant_id", scope.TenantID))
		return evalOutput{failure: "snapshot_error"}
	}
	return out
}

// buildDecision собирает неизменяемую строку ledger'а из исхода оценки.
func (g *Gate) buildDecision(scope domain.TenantScope, source domain.Source, input domain.GateInput, out evalOutput) *domain.Decision {
	now := time.Now().UTC()
	dec := &domain.Decision{
		ID:                       uuid.New().String(),
		TenantID:                 scope.TenantID,
		ScopeKey:                 scope.ScopeKey,
		Source:                   source,
		Environment:              input.Environment,
		ProjectID:                input.ProjectID,
		Action:                   input.Action,
		ResourceReference:        input.ResourceReference,
		RequestFingerprint:       input.Fingerprint(scope.TenantID, source),
		IdempotencyKey:           input.IdempotencyKey,
		EstimatedMonthlyDeltaUSD: input.EstimatedMonthlyDeltaUSD,
		EstimatedHourlyDeltaUSD:  input.EstimatedHourlyDeltaUSD,
		DryRun:                   input.DryRun,
		CreatedAt:                now,
	}

	if out.failure != "" {
		// Fail-safe: консервативный исход по конфигу, причина — тип сбоя.
		dec.FailSafe = true
		dec.Outcome = domain.DecisionRequireApproval
		if g.cfg.FailSafeDecision == "deny" {
			dec.Outcome = domain.DecisionDeny
		}
		reason := domain.ReasonGateEvaluationError
		if out.failure == "timeout" {
			reason = domain.ReasonGateTimeout
		}
		dec.ReasonCodes = []string{reason}
		dec.ApprovalRequired = dec.Outcome == domain.DecisionRequireApproval
		if out.pol != nil {
			dec.PolicyVersion = out.pol.PolicyVersion
		}
	} else {
		dec.Outcome = out.result.Outcome
		dec.ReasonCodes = out.result.ReasonCodes
		dec.PolicyVersion = out.pol.PolicyVersion
		dec.ApprovalRequired = out.result.Outcome == domain.DecisionRequireApproval
	}

	if input.DryRun {
		dec.ReasonCodes = append(dec.ReasonCodes, domain.ReasonDryRun)
	}

	if out.handle != nil {
		// Резервация сделана под handle.DecisionID — решение наследует его,
		// чтобы reconciler находил резерв по decision_id.
		dec.ID = out.handle.DecisionID
		dec.ReservedAllocationUSD = out.handle.AllocationUSD
		dec.ReservedCreditUSD = out.handle.CreditUSD()
		dec.ReservationActive = true
	}

	return dec
}

// finalizeDecision выполняет side effects успешно вставленного решения:
// создание approval request, нотификации о нарушениях, сборка ответа.
func (g *Gate) finalizeDecision(ctx context.Context, scope domain.TenantScope, requesterID string, input domain.GateInput, out evalOutput, dec *domain.Decision) *domain.GateResult {
	result := g.newResult(dec, out)

	if dec.DryRun {
		return result
	}

	if dec.Outcome == domain.DecisionRequireApproval && !dec.FailSafe {
		app, err := g.approvals.Create(ctx, scope, dec, requesterID, out.result.ProposedPlan, out.pol)
		if err != nil {
			// Решение уже записано; запрос на апрув можно пересоздать
			// через консоль, поэтому не роняем ответ.
			g.logger.Error("approval request creation failed",
				zap.String("decision_id", dec.ID), zap.Error(err))
		} else {
			result.ApprovalRequestID = app.ID
		}
	}

	if dec.Outcome == domain.DecisionDeny && dec.HasReason(domain.ReasonHardCapExceeded) {
		g.notifier.Publish(notify.Event{
			Kind:        notify.KindHardCapDeny,
			TenantID:    scope.TenantID,
			DecisionID:  dec.ID,
			Source:      string(dec.Source),
			Environment: input.Environment,
			AmountUSD:   input.EstimatedMonthlyDeltaUSD,
			Detail:      fmt.Sprintf("monthly delta %.2f exceeds hard cap", input.EstimatedMonthlyDeltaUSD),
		})
	}

	return result
}

func (g *Gate) newResult(dec *domain.Decision, out evalOutput) *domain.GateResult {
	result := &domain.GateResult{
		Decision:           dec.Outcome,
		ReasonCodes:        dec.ReasonCodes,
		DecisionID:         dec.ID,
		PolicyVersion:      dec.PolicyVersion,
		ApprovalRequired:   dec.ApprovalRequired,
		RequestFingerprint: dec.RequestFingerprint,
		ReservationActive:  dec.ReservationActive,
	}

	if out.pol != nil {
		result.TTLSeconds = int64(out.pol.DecisionTTL().Seconds())
	}
	if out.snap != nil {
		result.ComputedContext = map[string]float64{
			"budget_remaining_usd":        out.snap.BudgetRemainingUSD,
			"credit_remaining_usd":        out.snap.CreditRemainingUSD,
			"estimated_monthly_delta_usd": dec.EstimatedMonthlyDeltaUSD,
			"estimated_hourly_delta_usd":  dec.EstimatedHourlyDeltaUSD,
		}
	}
	return result
}

// resultFromDecision восстанавливает ответ из ранее записанного решения
// (идемпотентный повтор). Снапшот контекста не пересчитывается.
func (g *Gate) resultFromDecision(ctx context.Context, scope domain.TenantScope, dec *domain.Decision) *domain.GateResult {
	result := &domain.GateResult{
		Decision:           dec.Outcome,
		ReasonCodes:        dec.ReasonCodes,
		DecisionID:         dec.ID,
		PolicyVersion:      dec.PolicyVersion,
		ApprovalRequired:   dec.ApprovalRequired,
		RequestFingerprint: dec.RequestFingerprint,
		ReservationActive:  dec.ReservationActive,
	}

	if pol, err := g.policies.Version(ctx, scope, dec.PolicyVersion); err == nil && pol != nil {
		result.TTLSeconds = int64(pol.DecisionTTL().Seconds())
	}
	if dec.ApprovalRequired {
		if app, err := g.approvals.GetByDecision(ctx, scope, dec.ID); err == nil && app != nil {
			result.ApprovalRequestID = app.ID
		}
	}
	return result
}

// failSafeResult — ответ при недоступном хранилище решений: консервативный
// исход без decision_id (персистентность не удалась, но вызывающий получает
// однозначный вердикт).
func (g *Gate) failSafeResult(dec *domain.Decision, out evalOutput) *domain.GateResult {
	outcome := domain.DecisionRequireApproval
	if g.cfg.FailSafeDecision == "deny" {
		outcome = domain.DecisionDeny
	}
	result := &domain.GateResult{
		Decision:           outcome,
		ReasonCodes:        []string{domain.ReasonGateEvaluationError},
		RequestFingerprint: dec.RequestFingerprint,
		ApprovalRequired:   outcome == domain.DecisionRequireApproval,
	}
	if out.pol != nil {
		result.PolicyVersion = out.pol.PolicyVersion
		result.TTLSeconds = int64(out.pol.DecisionTTL().Seconds())
	}
	return result
}
