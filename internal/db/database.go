// Package db provides PostgreSQL database access for the ScreenLink broker.
//
// This file implements the core database connection and lifecycle management.
//
// Purpose:
// - Establish and maintain the PostgreSQL connection pool
// - Initialize the schema on startup (CREATE TABLE IF NOT EXISTS)
// - Provide the shared database instance for all repositories
// - Validate database configuration before connecting
//
// Implementation Details:
// - Uses database/sql with the lib/pq driver
// - Connection pool: 25 max open, 5 max idle, 5 min max lifetime
// - Thread-safe connection pooling handled by database/sql
//
// Example Usage:
//
//	database, err := db.NewDatabase(db.Config{
//	    Host: "localhost", Port: "5432",
//	    User: "screenlink", Password: "...", DBName: "screenlink",
//	    SSLMode: "require",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer database.Close()
//	if err := database.Migrate(); err != nil {
//	    log.Fatal(err)
//	}
package db

import (
	"database/sql"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Config holds database configuration
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Database represents the database connection
type Database struct {
	db *sql.DB
}

// validateConfig validates database configuration to prevent SQL injection
// through connection string components.
func validateConfig(config Config) error {
	if config.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if net.ParseIP(config.Host) == nil {
		hostnameRegex := regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,253}[a-zA-Z0-9])?$`)
		if !hostnameRegex.MatchString(config.Host) {
			return fmt.Errorf("invalid database host: %s", config.Host)
		}
	}

	if config.Port == "" {
		return fmt.Errorf("database port cannot be empty")
	}
	port, err := strconv.Atoi(config.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid database port: %s (must be 1-65535)", config.Port)
	}

	if config.User == "" {
		return fmt.Errorf("database user cannot be empty")
	}
	identRegex := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	if !identRegex.MatchString(config.User) {
		return fmt.Errorf("invalid database user: %s (only alphanumeric, underscore, and hyphen allowed)", config.User)
	}

	if config.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	if !identRegex.MatchString(config.DBName) {
		return fmt.Errorf("invalid database name: %s (only alphanumeric, underscore, and hyphen allowed)", config.DBName)
	}

	validSSLModes := []string{"disable", "allow", "prefer", "require", "verify-ca", "verify-full"}
	if config.SSLMode != "" {
		valid := false
		for _, mode := range validSSLModes {
			if config.SSLMode == mode {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid SSL mode: %s (must be one of: %s)", config.SSLMode, strings.Join(validSSLModes, ", "))
		}
	}

	if config.SSLMode == "" || config.SSLMode == "disable" {
		fmt.Println("WARNING: Database SSL/TLS is DISABLED - This is INSECURE for production!")
		fmt.Println("         Set DB_SSL_MODE to 'require', 'verify-ca', or 'verify-full'")
	}

	return nil
}

// NewDatabase creates a new database connection with connection pooling
func NewDatabase(config Config) (*Database, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	connStr := fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Database{db: db}, nil
}

// NewDatabaseForTesting creates a Database from an existing sql.DB connection.
// Intended only for tests (dependency injection with sqlmock).
func NewDatabaseForTesting(db *sql.DB) *Database {
	return &Database{db: db}
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// DB returns the underlying sql.DB
func (d *Database) DB() *sql.DB {
	return d.db
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(255) PRIMARY KEY,
			email VARCHAR(255) UNIQUE NOT NULL,
			name VARCHAR(255),
			password_hash VARCHAR(255),
			account_status VARCHAR(20) DEFAULT 'ACTIVE',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS licenses (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL REFERENCES users(id),
			license_key VARCHAR(255) UNIQUE NOT NULL,
			product_type VARCHAR(100) DEFAULT 'desktop',
			status VARCHAR(20) DEFAULT 'ACTIVE',
			valid_until TIMESTAMP,
			is_trial BOOLEAN DEFAULT false,
			trial_started TIMESTAMP,
			trial_ends TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id VARCHAR(255) PRIMARY KEY,
			license_id VARCHAR(255) NOT NULL REFERENCES licenses(id),
			owner_user_id VARCHAR(255) NOT NULL REFERENCES users(id),
			agent_key VARCHAR(255) UNIQUE NOT NULL,
			customer_id VARCHAR(255),
			machine_id VARCHAR(255),
			machine_fingerprint VARCHAR(64),
			fingerprint_raw JSONB,
			hostname VARCHAR(255),
			display_name VARCHAR(255),
			os_type VARCHAR(20) DEFAULT 'MACOS',
			os_version VARCHAR(100),
			arch VARCHAR(50),
			agent_version VARCHAR(50),
			ip_address VARCHAR(64),
			status VARCHAR(20) DEFAULT 'OFFLINE',
			state VARCHAR(20) DEFAULT 'PENDING',
			power_state VARCHAR(20) DEFAULT 'PASSIVE',
			is_screen_locked BOOLEAN DEFAULT false,
			current_task TEXT,
			license_uuid VARCHAR(255),
			first_seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_seen_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			last_activity TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			activated_at TIMESTAMP,
			UNIQUE (customer_id, machine_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_owner ON agents(owner_user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status)`,

		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id VARCHAR(255) PRIMARY KEY,
			agent_id VARCHAR(255) NOT NULL REFERENCES agents(id),
			session_start TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			session_end TIMESTAMP,
			duration_minutes INTEGER,
			ip_address VARCHAR(64)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_sessions_agent ON agent_sessions(agent_id)`,

		`CREATE TABLE IF NOT EXISTS command_logs (
			id VARCHAR(255) PRIMARY KEY,
			agent_id VARCHAR(255) NOT NULL REFERENCES agents(id),
			ai_connection_id VARCHAR(255),
			method VARCHAR(255) NOT NULL,
			tool_name VARCHAR(255),
			params JSONB,
			status VARCHAR(20) DEFAULT 'SENT',
			result JSONB,
			error_message TEXT,
			started_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			completed_at TIMESTAMP,
			duration_ms BIGINT,
			ip_address VARCHAR(64)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_command_logs_agent ON command_logs(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_command_logs_status ON command_logs(status)`,

		`CREATE TABLE IF NOT EXISTS fingerprint_changes (
			id VARCHAR(255) PRIMARY KEY,
			agent_id VARCHAR(255) NOT NULL REFERENCES agents(id),
			change_type VARCHAR(100) NOT NULL,
			previous_value TEXT,
			new_value TEXT,
			action_taken VARCHAR(100) NOT NULL,
			details JSONB,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS mcp_connections (
			id VARCHAR(255) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL REFERENCES users(id),
			endpoint_uuid VARCHAR(255) UNIQUE NOT NULL,
			name VARCHAR(255) NOT NULL,
			status VARCHAR(20) DEFAULT 'ACTIVE',
			total_requests BIGINT DEFAULT 0,
			last_used_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS oauth_clients (
			client_id VARCHAR(255) PRIMARY KEY,
			client_secret_hash VARCHAR(255),
			redirect_uris JSONB NOT NULL,
			grant_types JSONB NOT NULL,
			response_types JSONB NOT NULL,
			scopes JSONB NOT NULL,
			token_endpoint_auth_method VARCHAR(50) DEFAULT 'none',
			registration_access_token_hash VARCHAR(255),
			client_name VARCHAR(255),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS oauth_authorization_codes (
			code_hash VARCHAR(64) PRIMARY KEY,
			client_id VARCHAR(255) NOT NULL REFERENCES oauth_clients(client_id),
			user_id VARCHAR(255) NOT NULL REFERENCES users(id),
			connection_id VARCHAR(255) NOT NULL REFERENCES mcp_connections(id),
			redirect_uri TEXT NOT NULL,
			scope JSONB NOT NULL,
			code_challenge VARCHAR(255) NOT NULL,
			code_challenge_method VARCHAR(10) DEFAULT 'S256',
			audience TEXT NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			consumed_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS oauth_access_tokens (
			id VARCHAR(255) PRIMARY KEY,
			access_token_hash VARCHAR(64) UNIQUE NOT NULL,
			user_id VARCHAR(255) NOT NULL REFERENCES users(id),
			connection_id VARCHAR(255) NOT NULL REFERENCES mcp_connections(id),
			client_id VARCHAR(255) NOT NULL REFERENCES oauth_clients(client_id),
			scope JSONB NOT NULL,
			audience TEXT NOT NULL,
			access_expires_at TIMESTAMP NOT NULL,
			refresh_token_hash VARCHAR(64) UNIQUE,
			refresh_expires_at TIMESTAMP,
			revoked_at TIMESTAMP,
			last_used_at TIMESTAMP,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_access_tokens_connection ON oauth_access_tokens(connection_id)`,

		`CREATE TABLE IF NOT EXISTS mcp_request_logs (
			id VARCHAR(255) PRIMARY KEY,
			connection_id VARCHAR(255) NOT NULL,
			user_id VARCHAR(255) NOT NULL,
			method VARCHAR(255) NOT NULL,
			tool_name VARCHAR(255),
			status_code INTEGER NOT NULL,
			ip_address VARCHAR(64),
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS ai_connections (
			id VARCHAR(255) PRIMARY KEY,
			session_id VARCHAR(255) UNIQUE NOT NULL,
			user_id VARCHAR(255) NOT NULL REFERENCES users(id),
			client_name VARCHAR(255),
			client_version VARCHAR(100),
			is_active BOOLEAN DEFAULT true,
			authorized_at TIMESTAMP,
			disconnected_at TIMESTAMP,
			last_activity_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS agent_versions (
			id VARCHAR(255) PRIMARY KEY,
			channel VARCHAR(20) NOT NULL,
			version VARCHAR(50) NOT NULL,
			min_version VARCHAR(50),
			rollout_percent INTEGER DEFAULT 100,
			released_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (channel, version)
		)`,

		`CREATE TABLE IF NOT EXISTS agent_builds (
			id VARCHAR(255) PRIMARY KEY,
			version_id VARCHAR(255) NOT NULL REFERENCES agent_versions(id),
			platform VARCHAR(50) NOT NULL,
			arch VARCHAR(50) NOT NULL,
			url TEXT,
			sha256 VARCHAR(64)
		)`,

		`CREATE TABLE IF NOT EXISTS customer_activity_patterns (
			user_id VARCHAR(255) PRIMARY KEY REFERENCES users(id),
			hourly_activity JSONB NOT NULL DEFAULT '[0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0,0]',
			quiet_hours_start INTEGER,
			quiet_hours_end INTEGER,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for i, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	return nil
}
