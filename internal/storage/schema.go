package storage

import (
	"fmt"
	"time"
)

// currentSchemaVersion is the current database schema version.
// Increment this when making schema changes and add migration logic.
const currentSchemaVersion = 2

// initSchema creates the schema_version table and applies migrations in order.
func (s *SQLiteStore) initSchema() error {
	const schemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("check schema version: %w", err)
	}

	if version < 1 {
		if err := s.migrateToV1(); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	if version < 2 {
		if err := s.migrateToV2(); err != nil {
			return fmt.Errorf("migrate to v2: %w", err)
		}
	}
	return nil
}

// migrateToV1 creates users, projects and project_members.
func (s *SQLiteStore) migrateToV1() error {
	s.log.Info().Msg("applying migration to schema version 1")

	const tables = `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			added_at TEXT NOT NULL,
			PRIMARY KEY (project_id, user_id)
		);

		CREATE INDEX IF NOT EXISTS idx_project_members_user ON project_members(user_id);
	`
	if _, err := s.db.Exec(tables); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return s.recordVersion(1)
}

// migrateToV2 adds the revoked token list used by logout.
func (s *SQLiteStore) migrateToV2() error {
	s.log.Info().Msg("applying migration to schema version 2")

	const revoked = `
		CREATE TABLE IF NOT EXISTS revoked_tokens (
			token_id TEXT PRIMARY KEY,
			expires_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_revoked_tokens_expiry ON revoked_tokens(expires_at);
	`
	if _, err := s.db.Exec(revoked); err != nil {
		return fmt.Errorf("create revoked_tokens table: %w", err)
	}
	return s.recordVersion(2)
}

func (s *SQLiteStore) recordVersion(v int) error {
	_, err := s.db.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		v, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record schema version %d: %w", v, err)
	}
	return nil
}
