package approval

/*
Файл service.go реализует Approval Workflow (Human-in-the-loop).
Жизненный цикл: pending -> {approved, denied, expired, cancelled}, все
терминальные. Апрув коммитит ранее предложенную резервацию и чеканит
одноразовый токен, привязанный к fingerprint'у исходного запроса: предъявление
токена против другого ресурса/окружения/источника отбивается как replay.
*/

import (
	"context"
	"fmt"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Repository — требования workflow к хранилищу заявок.
type Repository interface {
	CreateApproval(ctx context.Context, scope domain.TenantScope, app *domain.ApprovalRequest) error
	GetApprovalByID(ctx context.Context, scope domain.TenantScope, id string) (*domain.ApprovalRequest, error)
	GetApprovalByDecision(ctx context.Context, scope domain.TenantScope, decisionID string) (*domain.ApprovalRequest, error)
	GetApprovalByTokenHash(ctx context.Context, scope domain.TenantScope, tokenHash string) (*domain.ApprovalRequest, error)
	FindApprovals(ctx context.Context, scope domain.TenantScope, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error)

	// DecideApproval — CAS: переводит заявку из PENDING в терминальный статус.
	// Возвращает domain.ErrAlreadyProcessed, если заявка уже решена.
	DecideApproval(ctx context.Context, scope domain.TenantScope, id string, status domain.ApprovalStatus, reviewerID, comment string, tokenHash string, tokenExpiresAt *time.Time) error
	// ConsumeToken — CAS: проставляет token_consumed_at, если он еще NULL.
	// Возвращает false, если токен уже был consumed (идемпотентный повтор).
	ConsumeToken(ctx context.Context, scope domain.TenantScope, id string, at time.Time) (bool, error)
	// ExpirePending переводит просроченные pending-заявки в EXPIRED.
	ExpirePending(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// DecisionStore — доступ workflow к решениям ledger'а.
type DecisionStore interface {
	GetDecision(ctx context.Context, scope domain.TenantScope, id string) (*domain.Decision, error)
	// MarkReservation проставляет зарезервированные суммы после апрува.
	MarkReservation(ctx context.Context, scope domain.TenantScope, id string, allocationUSD, creditUSD float64, tokenExpiresAt *time.Time) error
}

type Service struct {
	repo      Repository
	decisions DecisionStore
	ledger    *ledger.Ledger
	tokenTTL  time.Duration
	logger    *zap.Logger
}

func NewService(repo Repository, decisions DecisionStore, lg *ledger.Ledger, tokenTTL time.Duration, logger *zap.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 15 * time.Minute
	}
	return &Service{
		repo:      repo,
		decisions: decisions,
		ledger:    lg,
		tokenTTL:  tokenTTL,
		logger:    logger.Named("approval"),
	}
}

// Create заводит заявку для решения REQUIRE_APPROVAL. Снимает с политики
// флаг separation of duties, чтобы заявка не зависела от последующих правок.
func (s *Service) Create(ctx context.Context, scope domain.TenantScope, dec *domain.Decision, requesterID string, proposed domain.ReservationPlan, policy *domain.PolicyDocument) (*domain.ApprovalRequest, error) {
	now := time.Now().UTC()
	app := &domain.ApprovalRequest{
		ID:                    uuid.New().String(),
		TenantID:              scope.TenantID,
		DecisionID:            dec.ID,
		RequesterID:           requesterID,
		Status:                domain.ApprovalPending,
		ProposedAllocationUSD: proposed.AllocationUSD,
		ProposedCreditDraws:   proposed.CreditDraws,
		SeparationRequired:    policy.SeparationRequired(dec.Environment),
		ExpiresAt:             now.Add(policy.DecisionTTL()),
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.repo.CreateApproval(ctx, scope, app); err != nil {
		return nil, fmt.Errorf("approval: create: %w", err)
	}

	s.logger.Info("approval request created",
		zap.String("approval_id", app.ID),
		zap.String("decision_id", dec.ID),
		zap.Time("expires_at", app.ExpiresAt))
	return app, nil
}

// Approve фиксирует решение ревьюера: коммитит предложенную резервацию,
// чеканит одноразовый токен (короткий TTL, не TTL решения) и возвращает
// plaintext единственный раз.
func (s *Service) Approve(ctx context.Context, scope domain.TenantScope, approvalID, reviewerID, comment string) (string, *domain.ApprovalRequest, error) {
	app, err := s.repo.GetApprovalByID(ctx, scope, approvalID)
	if err != nil {
		return "", nil, err
	}
	if err := app.CanTransitionTo(domain.ApprovalApproved); err != nil {
		return "", nil, err
	}

	now := time.Now().UTC()
	if app.ExpiredAt(now) {
		// Просроченную заявку апрувить нельзя — терминализируем.
		_ = s.repo.DecideApproval(ctx, scope, approvalID, domain.ApprovalExpired, "", "approval ttl elapsed", "", nil)
		return "", nil, fmt.Errorf("approval %s: %w", approvalID, domain.ErrAlreadyProcessed)
	}

	if app.SeparationRequired && reviewerID == app.RequesterID {
		return "", nil, domain.ErrSeparationOfDuty
	}

	dec, err := s.decisions.GetDecision(ctx, scope, app.DecisionID)
	if err != nil {
		return "", nil, err
	}

	// Коммитим предложенный план. Конфликт здесь — реальный отказ: бюджет
	// успел утечь с момента оценки, оператор увидит явную ошибку.
	plan := domain.ReservationPlan{
		AllocationUSD: app.ProposedAllocationUSD,
		CreditDraws:   app.ProposedCreditDraws,
	}
	reserved, err := s.ledger.Reserve(ctx, scope.WithScopeKey(dec.ScopeKey), dec.ID, plan)
	if err != nil {
		return "", nil, fmt.Errorf("approval: reservation commit: %w", err)
	}

	plaintext, hash, err := mintToken()
	if err != nil {
		return "", nil, err
	}
	tokenExp := now.Add(s.tokenTTL)

	if err := s.repo.DecideApproval(ctx, scope, approvalID, domain.ApprovalApproved, reviewerID, comment, hash, &tokenExp); err != nil {
		// Проиграли гонку второму ревьюеру — освобождаем свою резервацию.
		if reserved != nil {
			if _, _, rErr := s.ledger.Release(ctx, scope.WithScopeKey(dec.ScopeKey), dec.ID); rErr != nil {
				s.logger.Error("orphaned reservation after decide race",
					zap.String("decision_id", dec.ID), zap.Error(rErr))
			}
		}
		return "", nil, err
	}

	if err := s.decisions.MarkReservation(ctx, scope, dec.ID, plan.AllocationUSD, plan.CreditUSD(), &tokenExp); err != nil {
		s.logger.Error("failed to mark reservation on decision", zap.String("decision_id", dec.ID), zap.Error(err))
	}

	app.Status = domain.ApprovalApproved
	app.ReviewerID = &reviewerID
	if comment != "" {
		app.Comment = &comment
	}
	app.TokenHash = hash
	app.TokenExpiresAt = &tokenExp
	app.UpdatedAt = now

	s.logger.Info("approval granted",
		zap.String("approval_id", approvalID),
		zap.String("reviewer_id", reviewerID),
		zap.Float64("reserved_usd", plan.TotalUSD()))
	return plaintext, app, nil
}

// Deny — терминальный отказ. Предложенная резервация не коммитилась,
// поэтому освобождать нечего.
func (s *Service) Deny(ctx context.Context, scope domain.TenantScope, approvalID, reviewerID, comment string) (*domain.ApprovalRequest, error) {
	app, err := s.repo.GetApprovalByID(ctx, scope, approvalID)
	if err != nil {
		return nil, err
	}
	if err := app.CanTransitionTo(domain.ApprovalDenied); err != nil {
		return nil, err
	}

	if err := s.repo.DecideApproval(ctx, scope, approvalID, domain.ApprovalDenied, reviewerID, comment, "", nil); err != nil {
		return nil, err
	}

	app.Status = domain.ApprovalDenied
	app.ReviewerID = &reviewerID
	if comment != "" {
		app.Comment = &comment
	}
	s.logger.Info("approval denied",
		zap.String("approval_id", approvalID), zap.String("reviewer_id", reviewerID))
	return app, nil
}

// Cancel — отзыв заявки инициатором, пока она pending.
func (s *Service) Cancel(ctx context.Context, scope domain.TenantScope, approvalID, actorID string) error {
	app, err := s.repo.GetApprovalByID(ctx, scope, approvalID)
	if err != nil {
		return err
	}
	if err := app.CanTransitionTo(domain.ApprovalCancelled); err != nil {
		return err
	}
	return s.repo.DecideApproval(ctx, scope, approvalID, domain.ApprovalCancelled, actorID, "cancelled by requester", "", nil)
}

// ConsumeToken гасит одноразовый токен. Порядок проверок:
//  1. токен известен (хэш найден);
//  2. binding совпадает со связанным решением — иначе ErrBindingMismatch;
//  3. срок токена не истек;
//  4. повторный consume с совпадающим binding идемпотентен и возвращает
//     тот же результат.
func (s *Service) ConsumeToken(ctx context.Context, scope domain.TenantScope, plaintext string, b domain.TokenBinding) (*domain.ApprovalRequest, error) {
	hash := HashToken(plaintext)
	app, err := s.repo.GetApprovalByTokenHash(ctx, scope, hash)
	if err != nil {
		if err == domain.ErrNotFound {
			return nil, domain.ErrTokenUnknown
		}
		return nil, err
	}
	if !tokenHashEqual(app.TokenHash, hash) {
		return nil, domain.ErrTokenUnknown
	}

	dec, err := s.decisions.GetDecision(ctx, scope, app.DecisionID)
	if err != nil {
		return nil, err
	}

	// Binding проверяется до consumed/expired: mismatch — отдельная категория.
	if b.Source != dec.Source ||
		b.Environment != dec.Environment ||
		b.Fingerprint != dec.RequestFingerprint ||
		b.ResourceReference != dec.ResourceReference {
		s.logger.Warn("approval token replay rejected",
			zap.String("approval_id", app.ID),
			zap.String("expected_resource", dec.ResourceReference),
			zap.String("presented_resource", b.ResourceReference))
		return nil, domain.ErrBindingMismatch
	}

	now := time.Now().UTC()
	if app.TokenExpiresAt == nil || !app.TokenExpiresAt.After(now) {
		// Уже погашенный, но валидный токен не считается просроченным —
		// повтор должен вернуть тот же результат.
		if app.TokenConsumedAt == nil {
			return nil, domain.ErrTokenExpired
		}
	}

	if app.TokenConsumedAt != nil {
		return app, nil // идемпотентный повтор
	}

	consumed, err := s.repo.ConsumeToken(ctx, scope, app.ID, now)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// Гонка с параллельным consume того же токена: binding совпал,
		// значит результат тот же.
		return s.repo.GetApprovalByID(ctx, scope, app.ID)
	}

	app.TokenConsumedAt = &now
	s.logger.Info("approval token consumed",
		zap.String("approval_id", app.ID), zap.String("decision_id", app.DecisionID))
	return app, nil
}

// Get / List — чтение для консоли.
func (s *Service) Get(ctx context.Context, scope domain.TenantScope, id string) (*domain.ApprovalRequest, error) {
	return s.repo.GetApprovalByID(ctx, scope, id)
}

func (s *Service) GetByDecision(ctx context.Context, scope domain.TenantScope, decisionID string) (*domain.ApprovalRequest, error) {
	return s.repo.GetApprovalByDecision(ctx, scope, decisionID)
}

func (s *Service) List(ctx context.Context, scope domain.TenantScope, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.repo.FindApprovals(ctx, scope, status, limit)
}

// ExpireOverdue переводит просроченные pending-заявки в EXPIRED.
// Предложенные резервации не коммитились, освобождать нечего.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	n, err := s.repo.ExpirePending(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("approval: expire sweep: %w", err)
	}
	if n > 0 {
		s.logger.Info("expired stale approvals", zap.Int("count", n))
	}
	return n, nil
}
