package notify

/*
Файл notifier.go реализует асинхронную доставку нарушений (Violation Events):
DENY по hard cap, fail-safe решения, просроченные резервы. Hot Path шлюза
никогда не ждёт доставку — события уходят через неблокирующий канал, воркер
публикует их в Redis Pub/Sub и шлёт вебхук-синкам. При остановке сервиса буфер
дочитывается до конца (Drain Pattern), потери событий при перезагрузке нет.
*/

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/infra"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventKind — тип нарушения.
type EventKind string

const (
	KindHardCapDeny     EventKind = "hard_cap_deny"
	KindFailSafe        EventKind = "fail_safe_decision"
	KindOverdueReserve  EventKind = "overdue_reservation"
	KindApprovalExpired EventKind = "approval_expired"
)

// Event — одно нарушение, уходящее подписчикам.
type Event struct {
	Kind        EventKind `json:"kind"`
	TenantID    string    `json:"tenant_id"`
	DecisionID  string    `json:"decision_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	Environment string    `json:"environment,omitempty"`
	AmountUSD   float64   `json:"amount_usd,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink — внешний получатель события (вебхук и т.п.).
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

type Notifier struct {
	ch     chan Event
	rdb    *redis.Client
	sinks  []Sink
	logger *zap.Logger
	wg     sync.WaitGroup
	// Атомарный флаг (0 - открыт, 1 - закрыт): защита от Publish после Stop.
	isClosed int32
}

// New создает нотификатор. rdb и sinks могут быть nil/пустыми — тогда события
// просто логируются (нотификации не должны ломать работу шлюза).
func New(rdb *redis.Client, sinks []Sink, logger *zap.Logger) *Notifier {
	return &Notifier{
		ch:     make(chan Event, 4096),
		rdb:    rdb,
		sinks:  sinks,
		logger: logger.With(zap.String("mod", "notify")),
	}
}

func (n *Notifier) Start() {
	n.wg.Add(1)
	go n.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер дочитает остаток буфера.
func (n *Notifier) Stop() {
	atomic.StoreInt32(&n.isClosed, 1)

	// Крошечная пауза, чтобы текущие Publish успели проскочить
	time.Sleep(10 * time.Millisecond)

	n.logger.Info("stopping notifier: closing channel and flushing buffer...")
	close(n.ch)
	n.wg.Wait()
	n.logger.Info("notifier stopped gracefully")
}

// Publish ставит событие в очередь доставки. Никогда не блокирует: при
// переполнении буфера (Backpressure) событие сбрасывается в логгер.
func (n *Notifier) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&n.isClosed) == 1 {
		n.logger.Warn("violation event dropped: notifier is stopping",
			zap.String("kind", string(event.Kind)),
			zap.String("decision_id", event.DecisionID))
		return
	}

	// Load Shedding: шлюз важнее нотификаций
	select {
	case n.ch <- event:
	default:
		n.logger.Error("notify_buffer_overflow",
			zap.String("kind", string(event.Kind)),
			zap.String("tenant_id", event.TenantID),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for event := range n.ch {
		// Background: основной контекст при останове уже может быть закрыт
		n.deliver(context.Background(), event)
	}
	n.logger.Info("notify worker finished")
}

func (n *Notifier) deliver(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("violation event marshal failed", zap.Error(err))
		return
	}

	if n.rdb != nil {
		if err := n.rdb.Publish(ctx, infra.RedisChanViolations, payload).Err(); err != nil {
			n.logger.Error("violation publish failed",
				zap.String("kind", string(event.Kind)), zap.Error(err))
		}
	}

	for _, sink := range n.sinks {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := sink.Deliver(dctx, event); err != nil {
			n.logger.Error("violation sink delivery failed",
				zap.String("kind", string(event.Kind)),
				zap.String("tenant_id", event.TenantID),
				zap.Error(err))
		}
		cancel()
	}
}
