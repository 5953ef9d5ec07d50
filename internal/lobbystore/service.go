// Package lobbystore issues lobby identifiers.
package lobbystore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool used by the service.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Config struct {
	DB DB
}

type Service struct {
	db DB
}

func NewService(c Config) *Service {
	return &Service{
		db: c.DB,
	}
}

// Migrate creates the lobbies table if it does not exist yet.
func (s *Service) Migrate(ctx context.Context) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS lobbies (
	id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	create_time TIMESTAMPTZ NOT NULL DEFAULT now()
);`

	if _, err := s.db.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("create lobbies table: %w", err)
	}

	return nil
}

// CreateLobby registers a new lobby and returns its database generated identifier.
func (s *Service) CreateLobby(ctx context.Context) (string, error) {
	const stmt = `INSERT INTO lobbies DEFAULT VALUES RETURNING id::text;`

	var id string
	if err := s.db.QueryRow(ctx, stmt).Scan(&id); err != nil {
		return "", fmt.Errorf("insert lobby: %w", err)
	}

	return id, nil
}
