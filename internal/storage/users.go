package storage

// users.go contains SQLiteStore methods for registered participants.

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/pairroom/host/internal/errors"
)

// User is a registered participant. The id is the subject of every token
// issued for the user and doubles as the participant id inside rooms.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// NormalizeEmail lowercases and trims an address so lookups are stable.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser inserts a new user. Returns a storage.already_exists error when
// the email is taken.
func (s *SQLiteStore) CreateUser(email, passwordHash string) (*User, error) {
	user := &User{
		ID:           uuid.NewString(),
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		"INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)",
		user.ID, user.Email, user.PasswordHash, user.CreatedAt.Format(timestampFormat),
	)
	if isUniqueViolation(err) {
		return nil, apperrors.AlreadyExists("user " + user.Email)
	}
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.log.Info().Str("user", user.ID).Msg("user created")
	return user, nil
}

// GetUser retrieves a user by id. Returns nil, nil if the user does not exist.
func (s *SQLiteStore) GetUser(id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, err := scanUser(s.db.QueryRow(
		"SELECT id, email, password_hash, created_at FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email. Returns nil, nil if not found.
func (s *SQLiteStore) GetUserByEmail(email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, err := scanUser(s.db.QueryRow(
		"SELECT id, email, password_hash, created_at FROM users WHERE email = ?", NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

// ListUsersExcept returns every user other than excludeID, ordered by email.
func (s *SQLiteStore) ListUsersExcept(excludeID string) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		"SELECT id, email, password_hash, created_at FROM users WHERE id != ? ORDER BY email", excludeID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	var created string
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &created); err != nil {
		return nil, err
	}
	t, err := time.Parse(timestampFormat, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	u.CreatedAt = t
	return &u, nil
}
