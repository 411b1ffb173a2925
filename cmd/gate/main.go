package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Valdrix-AI/spendgate/internal/approval"
	"github.com/Valdrix-AI/spendgate/internal/engine"
	"github.com/Valdrix-AI/spendgate/internal/infra"
	"github.com/Valdrix-AI/spendgate/internal/infra/auth"
	"github.com/Valdrix-AI/spendgate/internal/ledger"
	"github.com/Valdrix-AI/spendgate/internal/notify"
	"github.com/Valdrix-AI/spendgate/internal/orchestrator"
	"github.com/Valdrix-AI/spendgate/internal/policy"
	"github.com/Valdrix-AI/spendgate/internal/reconcile"
	"github.com/Valdrix-AI/spendgate/internal/repository/postgres"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Контекст жизненного цикла: SIGTERM/SIGINT гасят фоновые горутины
	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Инфраструктура и ресурсы
	store, err := postgres.New(appCtx, cfg.Database)
	if err != nil {
		logger.Fatal("database unreachable", zap.Error(err))
	}
	defer store.Close()
	if err := store.EnsureSchema(appCtx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("public key load failed", zap.Error(err))
	}
	validator := auth.NewBaseValidator(pubKey)

	// 3. Control Plane: policy store с Pub/Sub инвалидацией между инстансами
	policyStore := policy.NewStore(store, rdb, logger)
	go policyStore.StartListener(appCtx)

	// 4. Ledger и Approval Workflow
	lg := ledger.New(store, logger)
	approvals := approval.NewService(store, store, lg, cfg.Gate.ApprovalTokenTTL, logger)

	// 5. Нотификации о нарушениях (fire-and-forget, Drain Pattern на останове)
	var sinks []notify.Sink
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhookSink(cfg.Notify.WebhookURL, logger))
	}
	notifier := notify.New(rdb, sinks, logger)
	notifier.Start()

	// 6. Метрики
	reg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(reg)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		logger.Info("metrics endpoint started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	// 7. Action Orchestrator: очередь + пул воркеров поверх надежного executor'а
	queue := orchestrator.NewQueue(store, logger)

	// 8. Core: фасад шлюза и его HTTP-поверхность. Погашенный токен ставит
	// действие в очередь оркестратора.
	gate := engine.NewGate(store, policyStore, lg, approvals, notifier, metrics, cfg.Gate, logger)
	gateAPI := engine.NewServer(gate, approvals, queue, validator, logger)

	var executor orchestrator.ActionExecutor = orchestrator.NoopExecutor{}
	if cfg.Workers.ExecutorURL != "" {
		executor = orchestrator.NewHTTPExecutor(cfg.Workers.ExecutorURL)
	}
	pool := orchestrator.NewPool(queue, orchestrator.NewReliabilityWrapper(executor),
		cfg.Workers.Count, cfg.Workers.PollInterval, logger)
	pool.Start(appCtx)

	// 9. Фоновые sweeps: просроченные резервации и pending-заявки.
	// Распределенная блокировка (SetNX) — sweep гоняет ровно один инстанс.
	reconciler := reconcile.New(lg, store, store, logger)
	go runSweeps(appCtx, cfg, rdb, reconciler, approvals, notifier, logger)

	// 10. HTTP Server + Graceful Shutdown
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gateAPI,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("gate started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-appCtx.Done() // Ждем сигнал
	logger.Info("gate stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	pool.Wait()
	notifier.Stop()
	logger.Info("gate exited properly")
}

// runSweeps крутит периодические фоновые задачи до отмены контекста.
func runSweeps(
	ctx context.Context,
	cfg *infra.Config,
	rdb *redis.Client,
	reconciler *reconcile.Reconciler,
	approvals *approval.Service,
	notifier *notify.Notifier,
	logger *zap.Logger,
) {
	ticker := time.NewTicker(cfg.Reconcile.SweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Резервации, по которым факт так и не пришел
			if acquireLock(ctx, rdb, infra.RedisKeyLockReconcileSweep, cfg.Reconcile.SweepEvery) {
				res, err := reconciler.ReconcileOverdueReservations(ctx, cfg.Reconcile.SLA, cfg.Reconcile.SweepLimit)
				if err != nil {
					logger.Error("reconcile sweep failed", zap.Error(err))
				} else if res.Count > 0 {
					notifier.Publish(notify.Event{
						Kind:      notify.KindOverdueReserve,
						AmountUSD: res.TotalReleasedUSD,
						Detail:    fmt.Sprintf("released %d overdue reservations", res.Count),
					})
				}
			}

			// Просроченные pending-заявки
			if acquireLock(ctx, rdb, infra.RedisKeyLockApprovalSweep, cfg.Reconcile.SweepEvery) {
				n, err := approvals.ExpireOverdue(ctx, cfg.Reconcile.SweepLimit)
				if err != nil {
					logger.Error("approval expire sweep failed", zap.Error(err))
				} else if n > 0 {
					notifier.Publish(notify.Event{
						Kind:   notify.KindApprovalExpired,
						Detail: fmt.Sprintf("expired %d stale approval requests", n),
					})
				}
			}
		}
	}
}

// acquireLock — распределенный lock через SetNX с TTL в период sweep'а.
// Отказ Redis трактуется как «лок взят»: лучше лишний проход, чем ни одного.
func acquireLock(ctx context.Context, rdb *redis.Client, key string, ttl time.Duration) bool {
	ok, err := rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return true
	}
	return ok
}
