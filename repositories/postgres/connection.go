package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/upb/jano/config"
	"go.uber.org/zap"
)

// DB wraps the sql.DB connection pool
type DB struct {
	*sql.DB
	logger *zap.Logger
}

// NewDB creates a new database connection pool
func NewDB(cfg config.DatabaseConfig, logger *zap.Logger) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("connection", cfg.LogString()))

	return &DB{
		DB:     db,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (db *DB) Close() error {
	db.logger.Info("closing database connection")
	return db.DB.Close()
}

// HealthCheck performs a health check on the database
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Stats returns database connection pool statistics
func (db *DB) Stats() sql.DBStats {
	return db.DB.Stats()
}

// InitSchema initializes the database schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
		-- Security rules table
		CREATE TABLE IF NOT EXISTS rules (
			id UUID PRIMARY KEY,
			code VARCHAR(100) NOT NULL UNIQUE,
			type VARCHAR(50) NOT NULL,
			config JSONB NOT NULL,
			severity VARCHAR(20) NOT NULL,
			priority INTEGER NOT NULL DEFAULT 100,
			active BOOLEAN NOT NULL DEFAULT true,
			applies_to_roles TEXT[] NOT NULL DEFAULT '{}',
			applies_to_endpoints TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		-- Violations table (append-only)
		CREATE TABLE IF NOT EXISTS violations (
			id UUID PRIMARY KEY,
			rule_id UUID REFERENCES rules(id) ON DELETE SET NULL,
			user_id VARCHAR(255),
			endpoint VARCHAR(500) NOT NULL,
			method VARCHAR(10) NOT NULL,
			ip_address VARCHAR(45) NOT NULL,
			user_agent TEXT,
			reason TEXT NOT NULL,
			severity VARCHAR(20) NOT NULL,
			blocked BOOLEAN NOT NULL DEFAULT true,
			occurred_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_rules_type ON rules(type);
		CREATE INDEX IF NOT EXISTS idx_rules_active ON rules(active);
		CREATE INDEX IF NOT EXISTS idx_rules_code ON rules(code);

		CREATE INDEX IF NOT EXISTS idx_violations_user_id ON violations(user_id);
		CREATE INDEX IF NOT EXISTS idx_violations_rule_id ON violations(rule_id);
		CREATE INDEX IF NOT EXISTS idx_violations_occurred_at ON violations(occurred_at);
	`

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	db.logger.Info("database schema initialized successfully")
	return nil
}
