// Package pgstore provides a kv.Backend persisted in a PostgreSQL table.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
    namespace TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (namespace, key)
);
`

// InitPostgres opens the database, checks the connection and creates the
// kv_entries table if needed.
func InitPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return db, nil
}

// PostgresStore implements kv.Backend on top of the kv_entries table.
// Rows are scoped by namespace so several client profiles can share a database.
type PostgresStore struct {
	// DB is the database handle for executing queries.
	DB *sql.DB
	// Namespace scopes every key.
	Namespace string
}

// NewPostgresStore creates a PostgresStore for the given namespace.
// db must be a valid *sql.DB connected to a PostgreSQL instance.
func NewPostgresStore(db *sql.DB, namespace string) *PostgresStore {
	if namespace == "" {
		namespace = "default"
	}
	return &PostgresStore{DB: db, Namespace: namespace}
}

// Get fetches the value stored under key. A missing row is reported as
// found=false without an error.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.DB.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE namespace = $1 AND key = $2`,
		s.Namespace, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("Get failed: %w", err)
	}
	return value, true, nil
}

// Set inserts or overwrites the value stored under key.
func (s *PostgresStore) Set(ctx context.Context, key, value string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO kv_entries (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO UPDATE
		SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, s.Namespace, key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("Set failed: %w", err)
	}
	return nil
}

// Remove deletes the row for key. Deleting a missing key is not an error.
func (s *PostgresStore) Remove(ctx context.Context, key string) error {
	_, err := s.DB.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE namespace = $1 AND key = $2`,
		s.Namespace, key,
	)
	if err != nil {
		return fmt.Errorf("Remove failed: %w", err)
	}
	return nil
}
