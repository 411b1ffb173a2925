package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/reconcile"
	"github.com/go-chi/chi/v5"
)

// ReconcileService Описываем, что нам нужно от сервиса
type ReconcileService interface {
	Settle(ctx context.Context, scope domain.TenantScope, decisionID string, actualMonthlyUSD float64) (*domain.ReconciliationEntry, error)
	Sweep(ctx context.Context, limit int) (*reconcile.SweepResult, error)
	Entries(ctx context.Context, scope domain.TenantScope, limit int) ([]domain.ReconciliationEntry, error)
}

type ReconcileHandler struct {
	service ReconcileService
}

func NewReconcileHandler(s ReconcileService) *ReconcileHandler {
	return &ReconcileHandler{service: s}
}

type SettleRequest struct {
	ActualMonthlyDeltaUSD float64 `json:"actual_monthly_delta_usd"`
}

// Settle сверяет резервацию решения с фактом из cost-ingestion pipeline.
// Повтор по уже снятой резервации — 204 без тела (идемпотентность).
func (h *ReconcileHandler) Settle(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}
	decisionID := chi.URLParam(r, "id")

	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := h.service.Settle(r.Context(), scope, decisionID, req.ActualMonthlyDeltaUSD)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	if entry == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Sweep принудительно освобождает просроченные резервации (вне расписания).
func (h *ReconcileHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	res, err := h.service.Sweep(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *ReconcileHandler) ListEntries(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := h.service.Entries(r.Context(), scope, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
