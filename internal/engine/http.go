package engine

/*
Файл http.go — HTTP-поверхность шлюза (Data Plane). Два маршрута:
оценка запроса и погашение одноразового approval-токена на границе
исполнения. Все ответы well-formed JSON; HTTP-ошибки возникают только
для невалидного ввода и неиспользуемых токенов, внутренние сбои уже
превращены фасадом в fail-safe решения.
*/

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Valdrix-AI/spendgate/internal/approval"
	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/infra/auth"
	"github.com/Valdrix-AI/spendgate/internal/orchestrator"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// TracingMiddleware инициализирует Trace-ID для каждого запроса
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Пытаемся достать ID из заголовка (если пришел от CI/прокси)
		traceID := r.Header.Get("X-Trace-ID")

		// 2. Если его нет — генерируем новый
		if traceID == "" {
			traceID = uuid.New().String()
		}

		// 3. Кладем в контекст
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)

		// 4. Добавляем в ответ, чтобы клиент тоже знал ID своего запроса
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractTraceID помогает безопасно достать ID в любом месте кода
func extractTraceID(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return "00000000-0000-0000-0000-000000000000" // Fallback
}

// ActionQueue — постановка одобренного изменения в очередь исполнения
// после погашения токена.
type ActionQueue interface {
	CreateActionRequest(ctx context.Context, scope domain.TenantScope, req orchestrator.CreateRequest) (*domain.ActionExecution, error)
}

type Server struct {
	router    *chi.Mux
	gate      *Gate
	approvals *approval.Service
	queue     ActionQueue
	validator auth.TokenValidator
	logger    *zap.Logger
}

func NewServer(gate *Gate, approvals *approval.Service, queue ActionQueue, validator auth.TokenValidator, logger *zap.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		gate:      gate,
		approvals: approvals,
		queue:     queue,
		validator: validator,
		logger:    logger.Named("gate-api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Защищенный периметр: identity уже проверена (RS256),
	// actor и tenant scope лежат в контексте.
	r.Group(func(r chi.Router) {
		r.Use(auth.NewMiddleware(s.validator, s.logger))

		r.Post("/v1/gate/{source}/evaluate", s.handleEvaluate)
		r.Post("/v1/gate/tokens/consume", s.handleConsumeToken)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	source, err := domain.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "tenant scope missing")
		return
	}

	var input domain.GateInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// Заголовок имеет приоритет над телом: CI-прокси проставляют его
	// на ретраях, не переписывая payload.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		input.IdempotencyKey = key
	}

	result, err := s.gate.Evaluate(r.Context(), scope, source, auth.ActorFromContext(r.Context()), input)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

type consumeTokenRequest struct {
	Token             string `json:"token"`
	Source            string `json:"source"`
	Environment       string `json:"environment"`
	Fingerprint       string `json:"request_fingerprint"`
	ResourceReference string `json:"resource_reference"`

	// Постановка исполнения: тип действия и payload для раннера.
	ActionType string          `json:"action_type,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type consumeTokenResponse struct {
	Approval *domain.ApprovalRequest `json:"approval"`
	Action   *domain.ActionExecution `json:"action,omitempty"`
}

// handleConsumeToken — граница исполнения: одобренное изменение предъявляет
// одноразовый токен точно против того запроса, под который он был выписан.
// Успешное погашение ставит действие в очередь оркестратора; повторное
// погашение того же токена возвращает ту же задачу (idempotency key привязан
// к заявке).
func (s *Server) handleConsumeToken(w http.ResponseWriter, r *http.Request) {
	scope, ok := auth.ScopeFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "tenant scope missing")
		return
	}

	var req consumeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")
		return
	}

	source, err := domain.ParseSource(req.Source)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	app, err := s.approvals.ConsumeToken(r.Context(), scope, req.Token, domain.TokenBinding{
		Source:            source,
		Environment:       req.Environment,
		Fingerprint:       req.Fingerprint,
		ResourceReference: req.ResourceReference,
	})
	if err != nil {
		s.logger.Warn("token consume rejected",
			zap.String("trace_id", extractTraceID(r.Context())),
			zap.String("kind", string(domain.KindOf(err))),
			zap.Error(err))
		respondError(w, statusForError(err), err.Error())
		return
	}

	resp := consumeTokenResponse{Approval: app}

	actionType := req.ActionType
	if actionType == "" {
		actionType = string(source) + "_apply"
	}
	act, aErr := s.queue.CreateActionRequest(r.Context(), scope, orchestrator.CreateRequest{
		DecisionID:        app.DecisionID,
		ApprovalRequestID: app.ID,
		ActionType:        actionType,
		IdempotencyKey:    "exec-" + app.ID,
		Payload:           req.Payload,
	})
	if aErr != nil {
		// Токен уже погашен; исполнение ставится повторно тем же запросом —
		// consume идемпотентен.
		s.logger.Error("action enqueue failed",
			zap.String("approval_id", app.ID), zap.Error(aErr))
	} else {
		resp.Action = act
	}

	respondJSON(w, http.StatusOK, resp)
}

// statusForError отображает таксономию доменных ошибок на HTTP-коды.
func statusForError(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindBindingMismatch:
		return http.StatusForbidden
	case domain.KindTokenUnusable:
		return http.StatusGone
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
