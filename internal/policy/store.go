package policy

/*
Файл store.go — кэширующий Policy Store. Политика read-mostly: hot path шлюза
читает из RAM, Postgres трогается только при cache miss и при инвалидации.
Инвалидация разъезжается между инстансами через Redis Pub/Sub: админская
правка бампает policy_version, публикует tenant_id в канал, все шлюзы
сбрасывают свой L1-кэш этого арендатора.
*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/infra"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Repository описывает требования стора к хранилищу политик.
type Repository interface {
	// GetLatestPolicy возвращает действующую (максимальную) версию документа
	// или domain.ErrNotFound, если у арендатора еще нет политики.
	GetLatestPolicy(ctx context.Context, scope domain.TenantScope) (*domain.PolicyDocument, error)
	GetPolicyVersion(ctx context.Context, scope domain.TenantScope, version int64) (*domain.PolicyDocument, error)
	// InsertPolicyVersion вставляет новую версию. Версии append-only:
	// существующие строки никогда не перезаписываются.
	InsertPolicyVersion(ctx context.Context, scope domain.TenantScope, doc *domain.PolicyDocument) error
}

type Store struct {
	mu    sync.RWMutex
	cache map[string]*domain.PolicyDocument // tenant_id -> действующая версия

	repo   Repository
	rdb    *redis.Client
	logger *zap.Logger
}

func NewStore(repo Repository, rdb *redis.Client, logger *zap.Logger) *Store {
	return &Store{
		cache:  make(map[string]*domain.PolicyDocument),
		repo:   repo,
		rdb:    rdb,
		logger: logger.Named("policy-store"),
	}
}

// Effective возвращает действующую политику арендатора. Cache miss ведет в
// репозиторий; отсутствие документа — консервативный дефолт (без персиста,
// чтобы не плодить версии по чтению).
func (s *Store) Effective(ctx context.Context, scope domain.TenantScope) (*domain.PolicyDocument, error) {
	s.mu.RLock()
	if doc, ok := s.cache[scope.TenantID]; ok {
		s.mu.RUnlock()
		return doc, nil
	}
	s.mu.RUnlock()

	doc, err := s.repo.GetLatestPolicy(ctx, scope)
	if err != nil {
		if err == domain.ErrNotFound {
			doc = domain.DefaultPolicy(scope.TenantID)
		} else {
			return nil, fmt.Errorf("policy store: load: %w", err)
		}
	}

	s.mu.Lock()
	s.cache[scope.TenantID] = doc
	s.mu.Unlock()
	return doc, nil
}

// Version возвращает пиненную версию (для lineage экспорта).
func (s *Store) Version(ctx context.Context, scope domain.TenantScope, version int64) (*domain.PolicyDocument, error) {
	return s.repo.GetPolicyVersion(ctx, scope, version)
}

// Update применяет админскую правку: mutate получает копию действующего
// документа, результат валидируется, версия инкрементится, контент-хэш
// пересчитывается, новая версия персистится и рассылается инвалидация.
func (s *Store) Update(ctx context.Context, scope domain.TenantScope, mutate func(*domain.PolicyDocument)) (*domain.PolicyDocument, error) {
	current, err := s.Effective(ctx, scope)
	if err != nil {
		return nil, err
	}

	next := *current
	next.Modes = make(map[domain.Source]domain.SourcePolicy, len(current.Modes))
	for k, v := range current.Modes {
		next.Modes[k] = v
	}
	mutate(&next)

	next.TenantID = scope.TenantID
	next.PolicyVersion = current.PolicyVersion + 1
	next.SchemaVersion = domain.PolicySchemaVersion
	if err := next.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	next.CreatedAt = now
	next.UpdatedAt = now
	next.ContentHash = next.ComputeContentHash()

	if err := s.repo.InsertPolicyVersion(ctx, scope, &next); err != nil {
		return nil, fmt.Errorf("policy store: insert version: %w", err)
	}

	s.Invalidate(scope.TenantID)
	s.notifyUpdate(ctx, scope.TenantID)

	s.logger.Info("policy updated",
		zap.String("tenant_id", scope.TenantID),
		zap.Int64("policy_version", next.PolicyVersion),
		zap.String("content_hash", next.ContentHash))
	return &next, nil
}

// Invalidate сбрасывает L1-кэш арендатора.
func (s *Store) Invalidate(tenantID string) {
	s.mu.Lock()
	delete(s.cache, tenantID)
	s.mu.Unlock()
}

// notifyUpdate — широковещательный сигнал остальным инстансам.
// Если Redis недоступен, остальные шлюзы доедут по своему TTL/рестарту;
// ошибка не фатальна для правки.
func (s *Store) notifyUpdate(ctx context.Context, tenantID string) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanPolicyUpdate, tenantID).Err(); err != nil {
		s.logger.Warn("policy invalidation signal failed",
			zap.String("tenant_id", tenantID), zap.Error(err))
	}
}

// StartListener — «живучая» подписка на сигналы инвалидации. Обрабатывает
// переподключения; при каждом реконнекте кэш сбрасывается целиком, так как
// сигналы могли быть пропущены.
func (s *Store) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	for {
		pubsub := s.rdb.Subscribe(ctx, infra.RedisChanPolicyUpdate)

		if _, err := pubsub.Receive(ctx); err != nil {
			s.logger.Error("failed to subscribe to policy updates", zap.Error(err))
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		// Пока подписки не было, правки могли пройти мимо — сбрасываем всё.
		s.mu.Lock()
		s.cache = make(map[string]*domain.PolicyDocument)
		s.mu.Unlock()

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // канал закрыт, идем на переподключение
				}
				s.Invalidate(msg.Payload)
				s.logger.Debug("policy cache invalidated", zap.String("tenant_id", msg.Payload))
			}
		}

		pubsub.Close()
		time.Sleep(time.Second)
	}
}
