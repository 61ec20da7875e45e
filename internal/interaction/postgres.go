package interaction

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists interactions in PostgreSQL.
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

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS interactions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			text TEXT NOT NULL DEFAULT '',
			confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
			intent TEXT NOT NULL DEFAULT '',
			entities JSONB,
			payload JSONB,
			pii_redacted BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (session_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions (created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Append(ctx context.Context, it Interaction) error {
	entities, err := json.Marshal(it.Entities)
	if err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}
	payload, err := json.Marshal(it.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO interactions (id, session_id, seq, kind, text, confidence, intent, entities, payload, pii_redacted, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		it.ID,
		it.SessionID,
		it.Seq,
		string(it.Type),
		it.Text,
		it.Confidence,
		it.Intent,
		entities,
		payload,
		it.PIIRedacted,
		it.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append interaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, sessionID string, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, seq, kind, text, confidence, intent, entities, payload, pii_redacted, created_at
		 FROM interactions WHERE session_id=$1 ORDER BY seq DESC LIMIT $2`,
		sessionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	items := make([]Interaction, 0, limit)
	for rows.Next() {
		var (
			it       Interaction
			kind     string
			entities []byte
			payload  []byte
		)
		if err := rows.Scan(&it.ID, &it.SessionID, &it.Seq, &kind, &it.Text, &it.Confidence,
			&it.Intent, &entities, &payload, &it.PIIRedacted, &it.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan interaction row: %w", err)
		}
		it.Type = Type(kind)
		if len(entities) > 0 {
			_ = json.Unmarshal(entities, &it.Entities)
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &it.Payload)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate interaction rows: %w", err)
	}

	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *PostgresStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM interactions WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge interactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
