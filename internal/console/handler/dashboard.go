package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Valdrix-AI/spendgate/internal/console/service"
	"github.com/Valdrix-AI/spendgate/internal/domain"
)

// DashboardService Описываем, что нам нужно от сервиса
type DashboardService interface {
	GetDashboardStats(ctx context.Context, scope domain.TenantScope, windowHours int) (*service.DashboardStats, error)
}

type DashboardHandler struct {
	service DashboardService
}

func NewDashboardHandler(s DashboardService) *DashboardHandler {
	return &DashboardHandler{service: s}
}

func (h *DashboardHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}
	hours, _ := strconv.Atoi(r.URL.Query().Get("window_hours"))

	stats, err := h.service.GetDashboardStats(r.Context(), scope, hours)
	if err != nil {
		http.Error(w, "Failed to fetch stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
