package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
)

// ExportService Описываем, что нам нужно от сервиса
type ExportService interface {
	BuildArchive(ctx context.Context, scope domain.TenantScope, from, to time.Time) ([]byte, *domain.ExportManifest, error)
	Preview(ctx context.Context, scope domain.TenantScope, from, to time.Time) (*domain.ExportManifest, error)
}

type ExportHandler struct {
	service ExportService
}

func NewExportHandler(s ExportService) *ExportHandler {
	return &ExportHandler{service: s}
}

func parseWindow(r *http.Request) (time.Time, time.Time, error) {
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid from: %w", err)
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid to: %w", err)
	}
	return from, to, nil
}

// Download собирает бандл и отдает ZIP одним ответом.
func (h *ExportHandler) Download(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	archive, manifest, err := h.service.BuildArchive(r.Context(), scope, from, to)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	name := fmt.Sprintf("export-%s-%s.zip",
		manifest.WindowFrom.UTC().Format("20060102"),
		manifest.WindowTo.UTC().Format("20060102"))

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Write(archive)
}

// Preview — манифест без упаковки: оператор проверяет parity_ok заранее.
func (h *ExportHandler) Preview(w http.ResponseWriter, r *http.Request) {
	scope, ok := requestScope(w, r)
	if !ok {
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	manifest, err := h.service.Preview(r.Context(), scope, from, to)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, manifest)
}
