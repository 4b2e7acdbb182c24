package database

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration
type Config struct {
	DatabasePath    string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// WriteQueueSize bounds the single-writer queue.
	WriteQueueSize int `yaml:"write_queue_size"`
	// MigrationsPath overrides the embedded migrations when set.
	MigrationsPath string `yaml:"migrations_path"`
}

// DefaultConfig returns production-ready database configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/ticketrelay.db",
		MaxConnections:  10, // SQLite recommended limit for concurrent access
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteQueueSize:  1000,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteQueueSize <= 0 {
		return errors.New("write queue size must be greater than 0")
	}
	return nil
}

// DSN returns the go-sqlite3 data source name. Pragmas in the DSN are
// applied by the driver to every pooled connection.
func (c *Config) DSN() string {
	return "file:" + c.DatabasePath + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL"
}

// SQLite optimization pragmas for connection-independent settings
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;          -- Write-Ahead Logging for better concurrency
	PRAGMA synchronous = NORMAL;        -- Balance between safety and performance
	PRAGMA cache_size = -64000;         -- 64MB cache (negative = KB)
	PRAGMA temp_store = MEMORY;         -- Use memory for temporary tables
	PRAGMA foreign_keys = ON;           -- Enforce foreign key constraints
	PRAGMA busy_timeout = 5000;         -- 5 second timeout for locked database
`

// Open opens the pool described by c and applies the SQLite pragmas.
func Open(c *Config) (*sql.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", c.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(c.MaxConnections)
	db.SetMaxIdleConns(c.MaxConnections / 2)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
