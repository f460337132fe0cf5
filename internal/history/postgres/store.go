// Package postgres provides a PostgreSQL-backed [history.Store].
//
// The schema is managed by goose migrations embedded in the binary; [NewStore]
// applies any pending ones before returning. All methods are safe for
// concurrent use.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	h := history.New(10, history.WithStore(store, sessionID))
package postgres

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/pkg/types"
)

var _ history.Store = (*Store)(nil)

//go:embed migrations/*.sql
var migrations embed.FS

// Store keeps conversation history in the history_entries table.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Migrate applies all pending embedded migrations. It is idempotent and safe
// to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("history postgres: migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("history postgres: migrations: %w", err)
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("history postgres: migrate: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable. It is used as a readiness
// check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Load implements [history.Store].
func (s *Store) Load(ctx context.Context, sessionID string, limit int) ([]history.Entry, error) {
	if limit <= 0 {
		limit = history.DefaultCapacity
	}
	const q = `
		SELECT role, text, language, partial, created_at
		FROM (
		    SELECT id, role, text, language, partial, created_at
		    FROM   history_entries
		    WHERE  session_id = $1
		    ORDER  BY id DESC
		    LIMIT  $2
		) newest
		ORDER BY id`

	rows, err := s.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("history postgres: load: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.Entry, error) {
		var (
			e          history.Entry
			role, lang string
		)
		if err := row.Scan(&role, &e.Text, &lang, &e.Partial, &e.At); err != nil {
			return history.Entry{}, err
		}
		e.Role = types.Role(role)
		e.Language = types.Language(lang)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history postgres: scan rows: %w", err)
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	return entries, nil
}

// Append implements [history.Store]. All entries are written in one
// transaction.
func (s *Store) Append(ctx context.Context, sessionID string, entries ...history.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	const q = `
		INSERT INTO history_entries (session_id, role, text, language, partial, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(q, sessionID, string(e.Role), e.Text, string(e.Language), e.Partial, e.At)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return fmt.Errorf("history postgres: append: %w", err)
	}
	return nil
}

// Clear implements [history.Store].
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM history_entries WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("history postgres: clear: %w", err)
	}
	return nil
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}
