package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/infra/auth"
	"github.com/go-chi/chi/v5"
)

// ApprovalService Описываем, что нам нужно от сервиса
type ApprovalService interface {
	Get(ctx context.Context, scope domain.TenantScope, id string) (*domain.ApprovalRequest, error)
	List(ctx context.Context, scope domain.TenantScope, status domain.ApprovalStatus, limit int) ([]*domain.ApprovalRequest, error)
	Approve(ctx context.Context, scope domain.TenantScope, approvalID, reviewerID, comment string) (string, *domain.ApprovalRequest, error)
	Deny(ctx context.Context, scope domain.TenantScope, approvalID, reviewerID, comment string) (*domain.ApprovalRequest, error)
	Cancel(ctx context.Context, scope domain.TenantScope, approvalID, actorID string) error
}

type ApprovalHandler struct {
	service ApprovalService
}

func NewApprovalHandler(s ApprovalService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	app, err := h.service.Get(r.Context(), scope, id)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	status := r.URL.Query().Get("status") // Достаем из ?status=...
	if status == "" {
		status = string(domain.ApprovalPending) // Дефолт для удобства админки
	}

	list, err := h.service.List(r.Context(), scope, domain.ApprovalStatus(status), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type DecideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// DecideResponse возвращает plaintext одноразового токена РОВНО один раз:
// дальше в хранилище живет только его хэш.
type DecideResponse struct {
	Approval *domain.ApprovalRequest `json:"approval"`
	Token    string                  `json:"token,omitempty"`
}

func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Ревьюер — верифицированный актор из токена (Accountability)
	reviewerID := auth.ActorFromContext(r.Context())
	if reviewerID == "" {
		http.Error(w, "reviewer identity is required", http.StatusBadRequest)
		return
	}

	if !req.Approved {
		app, err := h.service.Deny(r.Context(), scope, id, reviewerID, req.Comment)
		if err != nil {
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		writeJSON(w, http.StatusOK, DecideResponse{Approval: app})
		return
	}

	token, app, err := h.service.Approve(r.Context(), scope, id, reviewerID, req.Comment)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, DecideResponse{Approval: app, Token: token})
}

func (h *ApprovalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")

	actorID := auth.ActorFromContext(r.Context())
	if err := h.service.Cancel(r.Context(), scope, id, actorID); err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
