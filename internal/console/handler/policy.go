package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Valdrix-AI/spendgate/internal/console/service"
	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/go-chi/chi/v5"
)

// PolicyProvider Описываем, что нам нужно от сервиса
type PolicyProvider interface {
	Effective(ctx context.Context, scope domain.TenantScope) (*domain.PolicyDocument, error)
	Version(ctx context.Context, scope domain.TenantScope, version int64) (*domain.PolicyDocument, error)
	Update(ctx context.Context, scope domain.TenantScope, req service.PolicyUpdateRequest) (*domain.PolicyDocument, error)
}

type PolicyHandler struct {
	service PolicyProvider
}

func NewPolicyHandler(s PolicyProvider) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// Get отдает действующую версию документа арендатора.
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	doc, err := h.service.Effective(r.Context(), scope)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GetVersion — пиненная версия для расследований (policy lineage).
func (h *PolicyHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil {
		http.Error(w, "invalid version", http.StatusBadRequest)
		return
	}

	doc, err := h.service.Version(r.Context(), scope, version)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// Update применяет частичную правку: новая версия документа, старая остается
// в истории для решений, которые ее пинят.
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	var req service.PolicyUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	doc, err := h.service.Update(r.Context(), scope, req)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
