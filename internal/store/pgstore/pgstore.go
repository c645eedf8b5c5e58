// Package pgstore keeps the canonical message records in PostgreSQL and
// publishes committed changes with LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/matheus3301/wpphook/internal/store"
	"github.com/matheus3301/wpphook/internal/store/pgstore/migrations"
)

// NotifyChannel carries the msg_id of every inserted or updated record.
const NotifyChannel = "wpphook_messages"

const messageColumns = `msg_id, conversation_id, direction, message_type, from_addr, to_addr,
	contact_name, body, business_line, phone_number_id, occurred_at, current_status, raw,
	created_at, updated_at`

// Store is a store.Backend on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Backend = (*Store)(nil)
var _ store.ChangeFeed = (*Store)(nil)

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is not set")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &Store{pool: pool}
	if _, err := s.Migrate(); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate runs all pending PostgreSQL migrations.
func (s *Store) Migrate() (*store.MigrateResult, error) {
	db := stdlib.OpenDBFromPool(s.pool)
	defer func() { _ = db.Close() }()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}
	return store.RunMigrations(migrations.FS, "pgx5", driver)
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
