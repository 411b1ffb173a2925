package postgres

/*
Postgres-хранилище шлюза. Один Store покрывает все репозиторные интерфейсы
(decisions, ledger, approvals, actions, policies, reconciliation, export,
users) — методы разнесены по файлам по доменам. Вся конкурентная семантика
держится на conditional UPDATE (CAS) и ON CONFLICT: приложение никогда не
полагается на «прочитал-проверил-записал» без условия в WHERE.
*/

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/Valdrix-AI/spendgate/internal/infra"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

// New создает пул с настройками из конфига и проверяет соединение.
func New(ctx context.Context, cfg infra.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	poolCfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema применяет встроенную схему (идемпотентные CREATE IF NOT EXISTS).
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}
