package service

import (
	"context"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/Valdrix-AI/spendgate/internal/export"
)

// ExportService собирает подписанные compliance-бандлы по запросу оператора.
type ExportService struct {
	builder *export.Builder
}

func NewExportService(builder *export.Builder) *ExportService {
	return &ExportService{builder: builder}
}

// BuildArchive возвращает готовый ZIP и манифест (для заголовков ответа).
func (s *ExportService) BuildArchive(ctx context.Context, scope domain.TenantScope, from, to time.Time) ([]byte, *domain.ExportManifest, error) {
	bundle, err := s.builder.BuildBundle(ctx, scope, from, to)
	if err != nil {
		return nil, nil, err
	}

	manifest, signed, err := s.builder.BuildSignedManifest(bundle)
	if err != nil {
		return nil, nil, err
	}

	archive, err := export.WriteArchive(bundle, manifest, signed)
	if err != nil {
		return nil, nil, err
	}
	return archive, manifest, nil
}

// Preview отдает манифест без упаковки артефактов — быстрая проверка
// parity_ok перед тяжелой выгрузкой.
func (s *ExportService) Preview(ctx context.Context, scope domain.TenantScope, from, to time.Time) (*domain.ExportManifest, error) {
	bundle, err := s.builder.BuildBundle(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}
	manifest, _, err := s.builder.BuildSignedManifest(bundle)
	return manifest, err
}
