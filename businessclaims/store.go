package businessclaims

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const (
	defaultQueryTimeout = 2 * time.Second
	defaultMaxOpenConns = 10
)

// StoreConfig configures the PostgreSQL claims store.
type StoreConfig struct {
	DSN          string
	QueryTimeout time.Duration
	MaxOpenConns int
	Logger       *zap.Logger
}

func (c *StoreConfig) normalize() {
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Store reads business claims from the user_claims table.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	logger  *zap.Logger
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg StoreConfig) (*Store, error) {
	cfg.normalize()
	if cfg.DSN == "" {
		return nil, errors.New("database DSN is required")
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	cfg.Logger.Info("claims store connected")
	return NewStore(db, cfg), nil
}

// NewStore wraps an existing connection pool.
func NewStore(db *sql.DB, cfg StoreConfig) *Store {
	cfg.normalize()
	return &Store{db: db, timeout: cfg.QueryTimeout, logger: cfg.Logger}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates the user_claims table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS user_claims (
			subject VARCHAR(255) PRIMARY KEY,
			manager_id VARCHAR(64) NOT NULL DEFAULT '',
			role VARCHAR(50) NOT NULL DEFAULT 'user',
			regions TEXT[] NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// FindBySubject returns the stored claims for subject. found is false when
// no row exists.
func (s *Store) FindBySubject(ctx context.Context, subject string) (*Claims, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT manager_id, role, regions
		FROM user_claims
		WHERE subject = $1
	`

	var c Claims
	err := s.db.QueryRowContext(ctx, query, subject).Scan(&c.ManagerID, &c.Role, pq.Array(&c.Regions))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query user claims: %w", err)
	}
	if c.Role == "" {
		c.Role = defaultRole
	}
	s.logger.Debug("loaded user claims", zap.String("subject", subject), zap.String("role", c.Role))
	return &c, true, nil
}

// Upsert stores claims for subject.
func (s *Store) Upsert(ctx context.Context, subject string, c Claims) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO user_claims (subject, manager_id, role, regions, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subject)
		DO UPDATE SET
			manager_id = EXCLUDED.manager_id,
			role = EXCLUDED.role,
			regions = EXCLUDED.regions,
			updated_at = EXCLUDED.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, subject, c.ManagerID, c.Role, pq.Array(c.Regions), time.Now()); err != nil {
		return fmt.Errorf("failed to upsert user claims: %w", err)
	}
	return nil
}
