package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists turns and conversation records in PostgreSQL.
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
// vector store.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the underlying pool for co-located stores.
func (s *PostgresStore) Pool() *pgxpool.Pool { return s.pool }

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversation_turns (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			user_text TEXT NOT NULL,
			assistant_text TEXT NOT NULL,
			tool_name TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_turns_call ON conversation_turns (call_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS conversations (
			call_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			phone_number TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ,
			ended_at TIMESTAMPTZ
		);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, callID string, turn Turn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_turns (id, call_id, user_text, assistant_text, tool_name, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), callID, turn.User, turn.Assistant, turn.ToolName, turn.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

func (s *PostgresStore) Recent(ctx context.Context, callID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 6
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_text, assistant_text, tool_name, created_at
		 FROM conversation_turns WHERE call_id=$1 ORDER BY created_at DESC LIMIT $2`,
		callID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	items := make([]Turn, 0, limit)
	for rows.Next() {
		var t Turn
		if err := rows.Scan(&t.User, &t.Assistant, &t.ToolName, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turn rows: %w", err)
	}

	// Reverse into chronological order for prompt coherence.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) SaveConversation(ctx context.Context, record Record) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversations (call_id, agent_id, status, phone_number, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (call_id) DO UPDATE SET
		   status = EXCLUDED.status,
		   ended_at = EXCLUDED.ended_at`,
		record.CallID, record.AgentID, string(record.Status), record.PhoneNumber,
		record.StartedAt, record.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
