package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/orchestrator"
	"github.com/go-chi/chi/v5"
)

// ActionQueue Описываем, что нам нужно от сервиса
type ActionQueue interface {
	CreateActionRequest(ctx context.Context, scope domain.TenantScope, req orchestrator.CreateRequest) (*domain.ActionExecution, error)
	GetAction(ctx context.Context, scope domain.TenantScope, id string) (*domain.ActionExecution, error)
	ListActions(ctx context.Context, scope domain.TenantScope, status domain.ActionStatus, limit int) ([]*domain.ActionExecution, error)
	CancelAction(ctx context.Context, scope domain.TenantScope, id string) error
}

type ActionHandler struct {
	queue ActionQueue
}

func NewActionHandler(q ActionQueue) *ActionHandler {
	return &ActionHandler{queue: q}
}

type createActionRequest struct {
	DecisionID          string          `json:"decision_id"`
	ApprovalRequestID   string          `json:"approval_request_id,omitempty"`
	ActionType          string          `json:"action_type"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty"`
	Payload             json.RawMessage `json:"payload,omitempty"`
	MaxAttempts         int             `json:"max_attempts,omitempty"`
	RetryBackoffSeconds int64           `json:"retry_backoff_seconds,omitempty"`
	LeaseTTLSeconds     int64           `json:"lease_ttl_seconds,omitempty"`
}

// Create ставит действие в очередь вручную (оператор или внешняя система,
// исполняющая ALLOW-решение без approval-токена). Повтор с тем же
// idempotency key возвращает существующую задачу.
func (h *ActionHandler) Create(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	var req createActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	a, err := h.queue.CreateActionRequest(r.Context(), scope, orchestrator.CreateRequest{
		DecisionID:        req.DecisionID,
		ApprovalRequestID: req.ApprovalRequestID,
		ActionType:        req.ActionType,
		IdempotencyKey:    req.IdempotencyKey,
		Payload:           req.Payload,
		MaxAttempts:       req.MaxAttempts,
		RetryBackoff:      time.Duration(req.RetryBackoffSeconds) * time.Second,
		LeaseTTL:          time.Duration(req.LeaseTTLSeconds) * time.Second,
	})
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *ActionHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	status := domain.ActionStatus(r.URL.Query().Get("status"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	list, err := h.queue.ListActions(r.Context(), scope, status, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *ActionHandler) Get(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	a, err := h.queue.GetAction(r.Context(), scope, chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// Cancel — операторский отзыв задачи, пока она не терминальна.
func (h *ActionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	if err := h.queue.CancelAction(r.Context(), scope, chi.URLParam(r, "id")); err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
