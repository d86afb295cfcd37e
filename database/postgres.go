package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// Connection pool settings
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
	HealthCheck time.Duration
}

// DefaultPostgresConfig returns sensible defaults
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:        "localhost",
		Port:        5432,
		Database:    "postgres",
		User:        "postgres",
		Password:    "",
		SSLMode:     "prefer",
		MaxConns:    10,
		MinConns:    2,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
		HealthCheck: time.Minute,
	}
}

// BuildConnectionString builds PostgreSQL connection string
func (c *PostgresConfig) BuildConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		c.Host, c.Port, c.Database, c.User, c.Password, c.SSLMode,
		c.MaxConns, c.MinConns,
	)
}

// PostgresService provides PostgreSQL database operations
type PostgresService struct {
	pool *pgxpool.Pool
	cfg  *PostgresConfig
}

// NewPostgresService creates a new PostgreSQL service with connection pooling
func NewPostgresService(cfg *PostgresConfig) (*PostgresService, error) {
	if cfg == nil {
		cfg = DefaultPostgresConfig()
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.BuildConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLife
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdle
	if cfg.HealthCheck > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheck
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresService{
		pool: pool,
		cfg:  cfg,
	}, nil
}

// Close closes the connection pool
func (s *PostgresService) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool returns the underlying connection pool
func (s *PostgresService) Pool() *pgxpool.Pool {
	return s.pool
}

// StdlibDB returns a database/sql.DB interface for code that works against
// database/sql instead of pgx directly (the aggregate store does).
func (s *PostgresService) StdlibDB() (*sql.DB, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		s.cfg.Host, s.cfg.Port, s.cfg.Database, s.cfg.User, s.cfg.Password, s.cfg.SSLMode,
	)

	connConfig, err := pgx.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection config: %w", err)
	}

	return stdlib.OpenDB(*connConfig), nil
}

// Ping checks database connectivity
func (s *PostgresService) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Begin starts a new transaction
func (s *PostgresService) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// QueryRow executes a query that returns at most one row
func (s *PostgresService) QueryRow(ctx context.Context, query string, args ...interface{}) pgx.Row {
	return s.pool.QueryRow(ctx, query, args...)
}

// Query executes a query that returns rows
func (s *PostgresService) Query(ctx context.Context, query string, args ...interface{}) (pgx.Rows, error) {
	return s.pool.Query(ctx, query, args...)
}

// Exec executes a query without returning rows
func (s *PostgresService) Exec(ctx context.Context, query string, args ...interface{}) (pgconn.CommandTag, error) {
	return s.pool.Exec(ctx, query, args...)
}

// PoolStats is a snapshot of connection-pool utilization, consumed by the
// pool health monitor.
type PoolStats struct {
	TotalConns    int32   `json:"total_conns"`
	IdleConns     int32   `json:"idle_conns"`
	AcquiredConns int32   `json:"acquired_conns"`
	MaxConns      int32   `json:"max_conns"`
	Utilization   float64 `json:"utilization"`
}

// Stats returns a connection pool utilization snapshot
func (s *PostgresService) Stats() PoolStats {
	stat := s.pool.Stat()

	stats := PoolStats{
		TotalConns:    stat.TotalConns(),
		IdleConns:     stat.IdleConns(),
		AcquiredConns: stat.AcquiredConns(),
		MaxConns:      stat.MaxConns(),
	}
	if stats.MaxConns > 0 {
		stats.Utilization = float64(stats.AcquiredConns) / float64(stats.MaxConns)
	}
	return stats
}

// PoolUtilization returns the fraction of the pool currently acquired
func (s *PostgresService) PoolUtilization() float64 {
	return s.Stats().Utilization
}

// Health checks database health
func (s *PostgresService) Health(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	var result int
	if err := s.QueryRow(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	return nil
}
