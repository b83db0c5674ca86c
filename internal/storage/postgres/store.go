package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/hongminglow/usersync/internal/dbx"
	"github.com/hongminglow/usersync/internal/storage"
	"github.com/hongminglow/usersync/internal/storage/postgres/migrations"
)

// Ensure Store satisfies the storage.Manager interface at compile time.
var _ storage.Manager = (*Store)(nil)

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Store owns the Postgres pool shared by repositories, migrations and health
// checks. Repositories run on the database/sql view of the same pool so they
// can take part in dbx transactions.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// Open connects to the database and applies pending migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{pool: pool, db: stdlib.OpenDBFromPool(pool)}
	if err := s.migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// DB returns the database/sql handle used for transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases database resources.
func (s *Store) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Users returns a user repository bound to db.
func (s *Store) Users(db dbx.DBTX) storage.UserRepository {
	return NewUserRepository(db)
}

// Outbox returns an outbox repository bound to db.
func (s *Store) Outbox(db dbx.DBTX) storage.OutboxRepository {
	return NewOutboxRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, s.db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
