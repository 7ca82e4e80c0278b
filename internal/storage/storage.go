// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	_ "github.com/mattn/go-sqlite3"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Errors
var (
	ErrAccountNotFound = errors.New("account not found")
)

// Storage provides persistent storage for wallet accounts.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "walletsync.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) initSchema() error {
	schema := `
	-- Settings/config table
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);

	-- Accounts. id is "<seq>-<network>".
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL UNIQUE,
		network TEXT NOT NULL,
		type TEXT NOT NULL,
		title TEXT,

		-- Address per chain (JSON object)
		addresses TEXT NOT NULL,
		public_key TEXT,

		-- Encrypted mnemonic (JSON), mnemonic accounts only
		mnemonic TEXT,

		-- Hardware accounts only
		ledger_index INTEGER,
		ledger_driver TEXT,
		ledger_model TEXT,

		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_network ON accounts(network);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
