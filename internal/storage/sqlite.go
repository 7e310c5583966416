// Package storage is the durable store behind the broker: registered users,
// projects and their member sets, and revoked token ids. Live room state
// (membership, messages, snapshots) never touches it.
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pairroom/host/internal/logging"

	// SQLite driver - pure Go, registers "sqlite".
	_ "modernc.org/sqlite"
)

// SQLiteStore persists users, projects and revoked tokens in SQLite.
// It creates the database and tables on first use and supports concurrent
// access through internal locking.
type SQLiteStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

// NewSQLiteStore opens or creates a SQLite database at the given path and
// applies pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := logging.Component("storage")
	logger.Info().Str("path", path).Msg("opening database")

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers the same way the store's mutex does.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, log: logger}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logger.Info().Int("schema_version", currentSchemaVersion).Msg("database ready")
	return store, nil
}

// Close releases the database connection.
func (s *SQLiteStore) Close() error {
	s.log.Debug().Msg("closing database")
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// timestampFormat is fixed-width so stored timestamps sort lexically.
const timestampFormat = "2006-01-02T15:04:05.000000000Z07:00"
