// Package store persists research sessions so that they can be resumed and
// inspected after the process exits.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrSessionNotFound is returned by Load for unknown ids.
var ErrSessionNotFound = errors.New("session not found")

// Config holds database configuration
type Config struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// Store reads and writes sessions with sqlx. It works with the sqlite3 and
// postgres drivers.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open connects, pings and migrates the database.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Driver == "" {
		return nil, errors.New("store driver is required")
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.IdleConnections == 0 {
		cfg.IdleConnections = 2
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = 5 * time.Minute
	}
	if cfg.Driver == "sqlite3" {
		// sqlite has a single writer
		cfg.MaxConnections = 1
		cfg.IdleConnections = 1
	}

	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(db, logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info("Session store initialized", zap.String("driver", cfg.Driver))
	return s, nil
}

// New wraps an existing connection without migrating it.
func New(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

const schema = `CREATE TABLE IF NOT EXISTS research_sessions (
	id         TEXT PRIMARY KEY,
	topic      TEXT NOT NULL,
	mode       TEXT NOT NULL,
	status     TEXT NOT NULL,
	plan       TEXT,
	tree       TEXT,
	report     TEXT NOT NULL DEFAULT '',
	error      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// Migrate creates the sessions table if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate sessions table: %w", err)
	}
	return nil
}

const upsertSession = `INSERT INTO research_sessions
	(id, topic, mode, status, plan, tree, report, error, created_at, updated_at)
VALUES
	(:id, :topic, :mode, :status, :plan, :tree, :report, :error, :created_at, :updated_at)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	plan = excluded.plan,
	tree = excluded.tree,
	report = excluded.report,
	error = excluded.error,
	updated_at = excluded.updated_at`

// Save inserts or updates a session. CreatedAt is kept from the first save.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is required")
	}
	now := s.now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	if _, err := s.db.NamedExecContext(ctx, upsertSession, sess); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}
	s.logger.Debug("Session saved", zap.String("session_id", sess.ID), zap.String("status", sess.Status))
	return nil
}

const selectColumns = `id, topic, mode, status, plan, tree, report, error, created_at, updated_at`

// Load returns a stored session.
func (s *Store) Load(ctx context.Context, id string) (*Session, error) {
	var sess Session
	query := s.db.Rebind(`SELECT ` + selectColumns + ` FROM research_sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &sess, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}
	return &sess, nil
}

// List returns the most recently updated sessions without their tree and
// report bodies.
func (s *Store) List(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []Session
	query := s.db.Rebind(`SELECT id, topic, mode, status, error, created_at, updated_at
FROM research_sessions ORDER BY updated_at DESC LIMIT ?`)
	if err := s.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
