package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the complete validation engine configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Principal   PrincipalConfig
	Engine      EngineConfig
	LogLevel    string
	Environment string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// RedisConfig holds the Redis connection used by the rate limiter counters
// and the token revocation store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds token verification configuration.
// JANO only verifies tokens; issuance and signing belong to the auth service.
type AuthConfig struct {
	Issuer       string
	Audience     string
	JWKSURL      string
	JWKSCacheTTL time.Duration
	HTTPTimeout  time.Duration
	// Leeway is the clock-skew tolerance applied to expiry checks.
	// Zero by default: an expired token is expired.
	Leeway time.Duration
}

// PrincipalConfig holds the users-microservice lookup configuration.
type PrincipalConfig struct {
	BaseURL string
	Timeout time.Duration
}

// EngineConfig holds validation pipeline tuning.
type EngineConfig struct {
	// CacheTTL bounds how stale cached rules and principals may be.
	// Rule changes are only guaranteed visible after this window.
	CacheTTL time.Duration

	// PipelineTimeout is the overall deadline for one Validate call.
	// Calls that exceed it are abandoned and reported as service_unavailable.
	PipelineTimeout time.Duration

	// ViolationWriteTimeout bounds how long a violation insert may take
	// before the sink gives up and falls back to local logging.
	ViolationWriteTimeout time.Duration

	// RuleRefreshInterval is how often the rule snapshot is refreshed in
	// the background, independent of cache-miss-driven refreshes.
	RuleRefreshInterval time.Duration

	// CacheMaxEntries caps the shared cache size.
	CacheMaxEntries int

	// FailOpenPasswordChecks controls the degradation policy for the
	// password/username validation endpoints used directly by login and
	// user-CRUD flows. The core pipeline always fails closed; these
	// auxiliary checks may fail open when the backing store is down.
	FailOpenPasswordChecks bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvAsInt("SERVER_PORT", 8006),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: loadDatabaseConfig(),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			Issuer:       getEnv("AUTH_ISSUER", ""),
			Audience:     getEnv("AUTH_AUDIENCE", ""),
			JWKSURL:      getEnv("AUTH_JWKS_URL", ""),
			JWKSCacheTTL: getEnvAsDuration("AUTH_JWKS_CACHE_TTL", time.Hour),
			HTTPTimeout:  getEnvAsDuration("AUTH_HTTP_TIMEOUT", 10*time.Second),
			Leeway:       getEnvAsDuration("AUTH_LEEWAY", 0),
		},
		Principal: PrincipalConfig{
			BaseURL: getEnv("USERS_SERVICE_URL", "http://localhost:8001"),
			Timeout: getEnvAsDuration("USERS_SERVICE_TIMEOUT", 5*time.Second),
		},
		Engine: EngineConfig{
			CacheTTL:               getEnvAsDuration("ENGINE_CACHE_TTL", 10*time.Minute),
			PipelineTimeout:        getEnvAsDuration("ENGINE_PIPELINE_TIMEOUT", 3*time.Second),
			ViolationWriteTimeout:  getEnvAsDuration("ENGINE_VIOLATION_WRITE_TIMEOUT", 2*time.Second),
			RuleRefreshInterval:    getEnvAsDuration("ENGINE_RULE_REFRESH_INTERVAL", 10*time.Minute),
			CacheMaxEntries:        getEnvAsInt("ENGINE_CACHE_MAX_ENTRIES", 10000),
			FailOpenPasswordChecks: getEnvAsBool("ENGINE_FAIL_OPEN_PASSWORD_CHECKS", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.IsProduction() {
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth JWKS URL is required in production")
		}
		if c.Auth.Issuer == "" {
			return fmt.Errorf("auth issuer is required in production")
		}
	}

	if c.Engine.PipelineTimeout <= 0 {
		return fmt.Errorf("pipeline timeout must be positive")
	}
	if c.Engine.CacheTTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			host := u.Hostname()
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			db := strings.TrimPrefix(u.Path, "/")
			return fmt.Sprintf("host=%s port=%s database=%s", host, port, db)
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	dbURL := getEnv("DATABASE_URL", "")
	if dbURL != "" {
		return DatabaseConfig{
			ConnectionString: dbURL,
			MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		}
	}
	return DatabaseConfig{
		Host:            getEnv("DB_HOST", "localhost"),
		Port:            getEnvAsInt("DB_PORT", 5432),
		User:            getEnv("DB_USER", "jano"),
		Password:        getEnv("DB_PASSWORD", ""),
		Database:        getEnv("DB_NAME", "jano"),
		SSLMode:         getEnv("DB_SSLMODE", "disable"),
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
