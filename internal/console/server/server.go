package server

import (
	"net/http"

	"github.com/Valdrix-AI/spendgate/internal/console/handler"
	"github.com/Valdrix-AI/spendgate/internal/infra"
	"github.com/Valdrix-AI/spendgate/internal/infra/auth"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type ConsoleServer struct {
	router *chi.Mux
	logger *zap.Logger
	cfg    *infra.Config

	// Интерфейс для проверки токенов (RS256)
	// Реализуется через embedding BaseValidator в AuthService
	authValidator auth.TokenValidator

	// Обработчики бизнес-доменов
	authHandler      *handler.AuthHandler      // /auth/token
	policyHandler    *handler.PolicyHandler    // /v1/policies
	approvalHandler  *handler.ApprovalHandler  // /v1/approvals (HITL)
	actionHandler    *handler.ActionHandler    // /v1/actions (work queue)
	reconcileHandler *handler.ReconcileHandler // /v1/reconcile
	exportHandler    *handler.ExportHandler    // /v1/exports
	dashHandler      *handler.DashboardHandler // /api/v1/dashboard
}

// NewConsoleServer инициализирует сервер админки со всеми зависимостями
func NewConsoleServer(
	cfg *infra.Config,
	logger *zap.Logger,
	validator auth.TokenValidator,
	authH *handler.AuthHandler,
	policyH *handler.PolicyHandler,
	approvalH *handler.ApprovalHandler,
	actionH *handler.ActionHandler,
	reconcileH *handler.ReconcileHandler,
	exportH *handler.ExportHandler,
	dashH *handler.DashboardHandler,
) *ConsoleServer {
	s := &ConsoleServer{
		router:           chi.NewRouter(),
		logger:           logger.Named("console-api"),
		cfg:              cfg,
		authValidator:    validator,
		authHandler:      authH,
		policyHandler:    policyH,
		approvalHandler:  approvalH,
		actionHandler:    actionH,
		reconcileHandler: reconcileH,
		exportHandler:    exportH,
		dashHandler:      dashH,
	}

	s.routes()
	return s
}

func (s *ConsoleServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware (для всех) ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// --- 2. ПУБЛИЧНЫЕ РОУТЫ (Открыты для всех) ---
	r.Group(func(r chi.Router) {
		// Логин должен быть доступен без токена
		r.Post("/auth/token", s.authHandler.Login)

		// Healthcheck для мониторинга
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	// --- 3. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (Требуют RS256 токен) ---
	r.Group(func(r chi.Router) {
		// Подключаем универсальный Middleware только для этой группы
		r.Use(auth.NewMiddleware(s.authValidator, s.logger))

		// Dashboard & Stats
		r.Get("/api/v1/dashboard/stats", s.dashHandler.GetStats)

		// Управление Политиками (версионированный документ арендатора)
		r.Route("/v1/policies", func(r chi.Router) {
			r.Get("/", s.policyHandler.Get)                        // Действующая версия
			r.Put("/", s.policyHandler.Update)                     // Частичная правка -> новая версия
			r.Get("/versions/{version}", s.policyHandler.GetVersion) // Пиненная версия (lineage)
		})

		// Human-in-the-loop (Approvals)
		r.Route("/v1/approvals", func(r chi.Router) {
			r.Get("/", s.approvalHandler.List) // Очередь запросов на проверку
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.approvalHandler.GetDetails)
				r.Post("/decide", s.approvalHandler.Decide) // Approve/Reject, approve чеканит токен
				r.Post("/cancel", s.approvalHandler.Cancel) // Отзыв инициатором
			})
		})

		// Work queue отложенных side-effect'ов
		r.Route("/v1/actions", func(r chi.Router) {
			r.Get("/", s.actionHandler.List)
			r.Post("/", s.actionHandler.Create)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.actionHandler.Get)
				r.Post("/cancel", s.actionHandler.Cancel)
			})
		})

		// Сверка резерваций с фактом
		r.Route("/v1/reconcile", func(r chi.Router) {
			r.Post("/decisions/{id}", s.reconcileHandler.Settle)
			r.Post("/sweep", s.reconcileHandler.Sweep)
			r.Get("/entries", s.reconcileHandler.ListEntries)
		})

		// Подписанные compliance-экспорты
		r.Route("/v1/exports", func(r chi.Router) {
			r.Get("/", s.exportHandler.Download)
			r.Get("/manifest", s.exportHandler.Preview)
		})
	})
}

// ServeHTTP позволяет использовать ConsoleServer как стандартный http.Handler
func (s *ConsoleServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
