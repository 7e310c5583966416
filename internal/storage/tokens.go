package storage

// tokens.go holds the revocation list consulted by the token verifier.

import (
	"fmt"
	"time"
)

// RevokeToken records a token id as revoked until expiresAt. Revoking the
// same id twice keeps the later expiry.
func (s *SQLiteStore) RevokeToken(tokenID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO revoked_tokens (token_id, expires_at) VALUES (?, ?)
		ON CONFLICT(token_id) DO UPDATE SET expires_at = MAX(expires_at, excluded.expires_at)`,
		tokenID, expiresAt.UTC().Format(timestampFormat))
	if err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether tokenID is on the revocation list.
func (s *SQLiteStore) IsTokenRevoked(tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM revoked_tokens WHERE token_id = ?", tokenID).Scan(&n); err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return n > 0, nil
}

// PurgeExpiredTokens removes revocations whose token has expired anyway.
func (s *SQLiteStore) PurgeExpiredTokens(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM revoked_tokens WHERE expires_at < ?", now.UTC().Format(timestampFormat))
	if err != nil {
		return 0, fmt.Errorf("purge revoked tokens: %w", err)
	}
	return res.RowsAffected()
}
