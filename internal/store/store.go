// Package store is the billing edge: candidate selectors, the transactional
// commit engine, the post-commit verifier, and the ELIoT side stores (agents
// DB and Mongo telemetry). All per-row values go through placeholders; only
// identifiers and config-time numeric literals are interpolated.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// actorName is the constant `quien` recorded on every master row.
const actorName = "SistemaRecargas"

// Store wraps the billing database (recargas, detalle_recargas, GPS and VOZ
// device tables) and the local timezone used for day math.
type Store struct {
	db  *sql.DB
	loc *time.Location
}

// Connect opens the billing pool. The pool is shared across the three
// service processors; writers are serialized per service by the lock.
func Connect(dsn string, loc *time.Location) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open billing db: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping billing db: %w", err)
	}
	slog.Info("billing db connected")
	return &Store{db: db, loc: loc}, nil
}

// NewWithDB wraps an existing handle (tests).
func NewWithDB(db *sql.DB, loc *time.Location) *Store {
	return &Store{db: db, loc: loc}
}

// Ping reports billing DB health.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}
