package results

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/triviahost/internal/trivia"
)

// Schema is the SQL DDL for the game_results table. It is applied by
// [PostgresStore.Migrate] and is safe to run repeatedly.
const Schema = `
CREATE TABLE IF NOT EXISTS game_results (
    id           UUID PRIMARY KEY,
    session_id   TEXT NOT NULL DEFAULT '',
    host_id      TEXT NOT NULL,
    voice        TEXT NOT NULL DEFAULT '',
    topic        TEXT NOT NULL DEFAULT '',
    difficulty   TEXT NOT NULL DEFAULT '',
    player_score INTEGER NOT NULL CHECK (player_score >= 0),
    ai_score     INTEGER NOT NULL CHECK (ai_score >= 0),
    started_at   TIMESTAMPTZ NOT NULL,
    ended_at     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_game_results_ended_at ON game_results(ended_at DESC);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy it.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by PostgreSQL.
type PostgresStore struct {
	db   DB
	pool *pgxpool.Pool
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore wraps an existing connection or pool. The caller owns db
// and must call [PostgresStore.Migrate] before the first query.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Open connects to the database at dsn, verifies the connection and applies
// [Schema]. The returned store owns the pool and closes it on Close.
func Open(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("results: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("results: ping: %w", err)
	}
	s := &PostgresStore{db: pool, pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate executes [Schema].
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("results: migrate: %w", err)
	}
	return nil
}

// Save implements [Store.Save].
func (s *PostgresStore) Save(ctx context.Context, r GameResult) (GameResult, error) {
	if err := r.Validate(); err != nil {
		return GameResult{}, err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}

	const query = `
		INSERT INTO game_results (
			id, session_id, host_id, voice, topic, difficulty,
			player_score, ai_score, started_at, ended_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err := s.db.Exec(ctx, query,
		r.ID.String(), r.SessionID, r.HostID, r.Voice, r.Topic, string(r.Difficulty),
		r.Score.Player, r.Score.AI, r.StartedAt, r.EndedAt,
	)
	if err != nil {
		return GameResult{}, fmt.Errorf("results: save %s: %w", r.ID, err)
	}
	return r, nil
}

// Recent implements [Store.Recent].
func (s *PostgresStore) Recent(ctx context.Context, limit int) ([]GameResult, error) {
	if limit <= 0 {
		return nil, nil
	}

	const query = `
		SELECT id, session_id, host_id, voice, topic, difficulty,
		       player_score, ai_score, started_at, ended_at
		FROM game_results
		ORDER BY ended_at DESC
		LIMIT $1`

	rows, err := s.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("results: recent: %w", err)
	}
	defer rows.Close()

	var out []GameResult
	for rows.Next() {
		var (
			r        GameResult
			id, diff string
		)
		if err := rows.Scan(
			&id, &r.SessionID, &r.HostID, &r.Voice, &r.Topic, &diff,
			&r.Score.Player, &r.Score.AI, &r.StartedAt, &r.EndedAt,
		); err != nil {
			return nil, fmt.Errorf("results: recent scan: %w", err)
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("results: recent: bad id %q: %w", id, err)
		}
		r.Difficulty = trivia.Difficulty(diff)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("results: recent: %w", err)
	}
	return out, nil
}

// Close closes the pool if the store opened it.
func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
