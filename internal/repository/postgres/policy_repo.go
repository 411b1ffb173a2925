package postgres

/*
Файл policy_repo.go — версионированные документы политик. Строки append-only:
UPDATE по таблице никогда не выполняется, каждая правка — новая строка с
инкрементом policy_version. Документ хранится целиком в JSONB, индексируемые
поля (версия, content_hash) продублированы в колонках.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func (s *Store) GetLatestPolicy(ctx context.Context, scope domain.TenantScope) (*domain.PolicyDocument, error) {
	query := `
		SELECT document FROM policies
		WHERE tenant_id = $1
		ORDER BY policy_version DESC
		LIMIT 1`
	return s.scanPolicy(s.pool.QueryRow(ctx, query, scope.TenantID))
}

func (s *Store) GetPolicyVersion(ctx context.Context, scope domain.TenantScope, version int64) (*domain.PolicyDocument, error) {
	query := `SELECT document FROM policies WHERE tenant_id = $1 AND policy_version = $2`
	return s.scanPolicy(s.pool.QueryRow(ctx, query, scope.TenantID, version))
}

func (s *Store) InsertPolicyVersion(ctx context.Context, scope domain.TenantScope, doc *domain.PolicyDocument) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal policy document: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO policies (tenant_id, policy_version, content_hash, document, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		scope.TenantID, doc.PolicyVersion, doc.ContentHash, raw, doc.CreatedAt)
	if err != nil {
		// 23505 = unique_violation: конкурент успел записать эту версию.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrAlreadyProcessed
		}
		return fmt.Errorf("postgres: failed to insert policy version: %w", err)
	}
	return nil
}

func (s *Store) scanPolicy(row pgx.Row) (*domain.PolicyDocument, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
	}

	var doc domain.PolicyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("postgres: failed to unmarshal policy document: %w", err)
	}
	return &doc, nil
}
