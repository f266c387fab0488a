// Package postgres manages the pgx connection pool that backs the outbox and
// applies the outbox schema migrations.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// DefaultTableName is the table created by the embedded migrations.
const DefaultTableName = "outbox_messages"

const (
	defaultMaxConns       = 10
	defaultConnectTimeout = 10 * time.Second
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	ErrDSNRequired  = errors.New("postgres dsn is required")
	ErrNotConnected = errors.New("postgres client is not connected")
)

// Config describes the pool.
type Config struct {
	DSN            string
	MaxConns       int32
	ConnectTimeout time.Duration
	Logger         log.Logger
}

// Client owns a pgxpool.Pool.
type Client struct {
	cfg    Config
	logger log.Logger

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

// New validates cfg. The pool is created by Connect.
func New(cfg Config) (*Client, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, ErrDSNRequired
	}

	if cfg.MaxConns <= 0 {
		cfg.MaxConns = defaultMaxConns
	}

	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	logger := cfg.Logger
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Client{cfg: cfg, logger: logger}, nil
}

// Connect opens the pool and pings the server.
func (c *Client) Connect(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(c.cfg.DSN)
	if err != nil {
		return fmt.Errorf("parse postgres dsn: %w", err)
	}

	poolCfg.MaxConns = c.cfg.MaxConns

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()

		return fmt.Errorf("ping postgres: %w", err)
	}

	c.mu.Lock()
	previous := c.pool
	c.pool = pool
	c.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	c.logger.Log(ctx, log.LevelInfo, "connected to postgres",
		log.String("host", poolCfg.ConnConfig.Host),
		log.String("database", poolCfg.ConnConfig.Database))

	return nil
}

// Pool returns the live pool.
func (c *Client) Pool() (*pgxpool.Pool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.pool == nil {
		return nil, ErrNotConnected
	}

	return c.pool, nil
}

// Migrate applies every pending embedded migration. It is a no-op when the
// schema is already current.
func (c *Client) Migrate(ctx context.Context) error {
	pool, err := c.Pool()
	if err != nil {
		return err
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	c.logger.Log(ctx, log.LevelInfo, "outbox schema is up to date")

	return nil
}

// Close releases the pool.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
}
