package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/approval"
	"github.com/Valdrix-AI/spendgate/internal/console/handler"
	"github.com/Valdrix-AI/spendgate/internal/console/server"
	"github.com/Valdrix-AI/spendgate/internal/console/service"
	"github.com/Valdrix-AI/spendgate/internal/export"
	"github.com/Valdrix-AI/spendgate/internal/infra"
	"github.com/Valdrix-AI/spendgate/internal/infra/auth"
	"github.com/Valdrix-AI/spendgate/internal/ledger"
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

	appCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Инициализация ресурсов
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

	// 3. Ключевой материал: RS256 для операторских токенов, HMAC для экспортов
	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("public key load failed", zap.Error(err))
	}
	privKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("private key load failed", zap.Error(err))
	}
	if cfg.Export.SigningKey == "" {
		logger.Fatal("export.signing_key is required for the console")
	}
	keyring := export.NewKeyRing(cfg.Export.SigningKeyID, []byte(cfg.Export.SigningKey))

	// 4. Инициализация слоев (Dependency Injection)
	policyStore := policy.NewStore(store, rdb, logger)
	go policyStore.StartListener(appCtx)

	lg := ledger.New(store, logger)
	approvals := approval.NewService(store, store, lg, cfg.Gate.ApprovalTokenTTL, logger)
	queue := orchestrator.NewQueue(store, logger)
	reconciler := reconcile.New(lg, store, store, logger)
	builder := export.NewBuilder(store, keyring, export.Options{
		MaxWindowDays: cfg.Export.MaxWindowDays,
		MaxRows:       cfg.Export.MaxRows,
	}, logger)

	authService := service.NewAuthService(store, auth.NewBaseValidator(pubKey), privKey, cfg.Auth.TokenTTL)
	policyService := service.NewPolicyService(policyStore)
	statsService := service.NewStatsService(store, approvals)
	exportService := service.NewExportService(builder)
	reconcileService := service.NewReconcileService(reconciler, store, cfg.Reconcile.SLA)

	consoleAPI := server.NewConsoleServer(
		cfg,
		logger,
		authService,
		handler.NewAuthHandler(authService),
		handler.NewPolicyHandler(policyService),
		handler.NewApprovalHandler(approvals),
		handler.NewActionHandler(queue),
		handler.NewReconcileHandler(reconcileService),
		handler.NewExportHandler(exportService),
		handler.NewDashboardHandler(statsService),
	)

	// 5. Запуск сервера
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      consoleAPI,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-appCtx.Done()
	logger.Info("console stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	logger.Info("console exited properly")
}
