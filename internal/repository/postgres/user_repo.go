package postgres

/*
Файл user_repo.go — операторы консоли. Scopes хранятся JSONB-словарем
(scope -> true), как их отдает identity на фронт.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Valdrix-AI/spendgate/internal/domain"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var u domain.User
	var scopesRaw []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, email, username, password_hash, role, scopes, created_at, updated_at
		FROM users
		WHERE username = $1`, username).Scan(
		&u.ID, &u.TenantID, &u.Email, &u.Username, &u.PasswordHash, &u.Role, &scopesRaw, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get user: %w", err)
	}

	if len(scopesRaw) > 0 {
		if err := json.Unmarshal(scopesRaw, &u.Scopes); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal user scopes: %w", err)
		}
	}
	return &u, nil
}

// CreateUser используется утилитами сидинга и тестами консоли.
func (s *Store) CreateUser(ctx context.Context, u *domain.User) error {
	scopesRaw, err := json.Marshal(u.Scopes)
	if err != nil {
		return fmt.Errorf("postgres: failed to marshal user scopes: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO users (id, tenant_id, email, username, password_hash, role, scopes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.TenantID, u.Email, u.Username, u.PasswordHash, u.Role, scopesRaw, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create user: %w", err)
	}
	return nil
}
