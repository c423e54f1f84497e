package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore journals training sessions in PostgreSQL.
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
		`CREATE TABLE IF NOT EXISTS training_sessions (
			id TEXT PRIMARY KEY,
			surface_id TEXT NOT NULL,
			scenario_id TEXT NOT NULL,
			voice_id TEXT NOT NULL,
			persisted BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			message_count INTEGER NOT NULL DEFAULT 0,
			fallback_count INTEGER NOT NULL DEFAULT 0,
			score DOUBLE PRECISION
		);`,
		`CREATE INDEX IF NOT EXISTS idx_training_sessions_scenario_started ON training_sessions (scenario_id, started_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

// SaveSession upserts the record. ended_at and score are never cleared once set.
func (s *PostgresStore) SaveSession(ctx context.Context, r SessionRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO training_sessions
			(id, surface_id, scenario_id, voice_id, persisted, started_at, ended_at, message_count, fallback_count, score)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			message_count = EXCLUDED.message_count,
			fallback_count = EXCLUDED.fallback_count,
			ended_at = COALESCE(training_sessions.ended_at, EXCLUDED.ended_at),
			score = COALESCE(training_sessions.score, EXCLUDED.score)`,
		r.ID,
		r.SurfaceID,
		r.ScenarioID,
		r.VoiceID,
		r.Persisted,
		r.StartedAt,
		r.EndedAt,
		r.MessageCount,
		r.FallbackCount,
		r.Score,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

const selectColumns = `id, surface_id, scenario_id, voice_id, persisted, started_at, ended_at, message_count, fallback_count, score`

func (s *PostgresStore) GetSession(ctx context.Context, id string) (SessionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM training_sessions WHERE id=$1`, id)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) RecentSessions(ctx context.Context, scenarioID string, limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM training_sessions
		 WHERE ($1 = '' OR scenario_id = $1)
		 ORDER BY started_at DESC LIMIT $2`,
		scenarioID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent sessions: %w", err)
	}
	defer rows.Close()

	items := make([]SessionRecord, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return items, nil
}

func scanRecord(row pgx.Row) (SessionRecord, error) {
	var r SessionRecord
	err := row.Scan(&r.ID, &r.SurfaceID, &r.ScenarioID, &r.VoiceID, &r.Persisted, &r.StartedAt, &r.EndedAt, &r.MessageCount, &r.FallbackCount, &r.Score)
	return r, err
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
