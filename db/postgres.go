package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createDocuments = `
CREATE TABLE IF NOT EXISTS documents (
	name       TEXT PRIMARY KEY,
	body       JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// EnsureSchema creates the documents table when it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, createDocuments); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

// PostgresDocument stores the document as one row of the documents table.
// The upsert replaces the body in a single statement.
type PostgresDocument struct {
	pool *pgxpool.Pool
	name string
}

func NewPostgresDocument(pool *pgxpool.Pool, name string) *PostgresDocument {
	return &PostgresDocument{pool: pool, name: name}
}

func (p *PostgresDocument) Load(ctx context.Context) ([]byte, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT body::text FROM documents WHERE name = $1`, p.name).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("load document %s: %w", p.name, err)
	}
	return body, nil
}

func (p *PostgresDocument) Save(ctx context.Context, data []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO documents (name, body, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (name) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`,
		p.name, string(data),
	)
	if err != nil {
		return fmt.Errorf("save document %s: %w", p.name, err)
	}
	return nil
}
