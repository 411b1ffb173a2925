package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"go.uber.org/zap"
)

// Pool — poll-based пул воркеров. Каждый воркер в цикле зовет
// LeaseNextAction; nil означает «очередь пуста», воркер спит poll interval.
type Pool struct {
	queue    *Queue
	executor ActionExecutor
	logger   *zap.Logger

	workers  int
	interval time.Duration

	wg sync.WaitGroup
}

func NewPool(queue *Queue, executor ActionExecutor, workers int, interval time.Duration, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Pool{
		queue:    queue,
		executor: executor,
		logger:   logger.Named("action-pool"),
		workers:  workers,
		interval: interval,
	}
}

// Start запускает воркеров; остановка — по отмене контекста.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go p.run(ctx, workerID)
	}
	p.logger.Info("action workers started", zap.Int("count", p.workers))
}

// Wait блокируется до завершения всех воркеров (graceful shutdown).
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, workerID string) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Выгребаем очередь до пустоты, потом снова спим.
			for {
				a, err := p.queue.LeaseNextAction(ctx, workerID, "")
				if err != nil {
					p.logger.Error("lease failed", zap.String("worker_id", workerID), zap.Error(err))
					break
				}
				if a == nil {
					break
				}
				p.execute(ctx, workerID, a)
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, workerID string, a *domain.ActionExecution) {
	scope := domain.NewTenantScope(a.TenantID)

	result, err := p.executor.Call(ctx, a.ActionType, a.RequestPayload)
	if err != nil {
		if fErr := p.queue.FailAction(ctx, scope, a.ID, workerID, err.Error(), true); fErr != nil {
			p.logger.Error("fail report failed", zap.String("action_id", a.ID), zap.Error(fErr))
		}
		return
	}

	if cErr := p.queue.CompleteAction(ctx, scope, a.ID, workerID, result); cErr != nil {
		p.logger.Error("complete report failed", zap.String("action_id", a.ID), zap.Error(cErr))
	}
}
