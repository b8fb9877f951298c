package rag

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps knowledge-base chunks in PostgreSQL with the
// embedding stored as a float8[] column. Cosine distance is computed
// client-side over the fetched rows, so a bare Postgres instance works
// without any vector extension.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresStoreFromPool wraps an existing pool, sharing it with the
// history store.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS knowledge_chunks (
			id BIGSERIAL PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding FLOAT8[] NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_knowledge_chunks_agent ON knowledge_chunks (agent_id);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// Add indexes one chunk.
func (s *PostgresStore) Add(ctx context.Context, agentID, content string, embedding []float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO knowledge_chunks (agent_id, content, embedding) VALUES ($1, $2, $3)`,
		agentID, content, embedding,
	)
	if err != nil {
		return fmt.Errorf("add chunk: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, vector []float64, k int) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `SELECT content, embedding FROM knowledge_chunks`)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var content string
		var embedding []float64
		if err := rows.Scan(&content, &embedding); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		out = append(out, Chunk{Text: content, Distance: CosineDistance(vector, embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chunk rows: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
