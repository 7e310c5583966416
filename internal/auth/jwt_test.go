package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/pairroom/host/internal/errors"
)

type memRevocations struct {
	mu  sync.Mutex
	ids map[string]time.Time
	err error
}

func newMemRevocations() *memRevocations {
	return &memRevocations{ids: make(map[string]time.Time)}
}

func (m *memRevocations) IsTokenRevoked(id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	_, ok := m.ids[id]
	return ok, nil
}

func (m *memRevocations) RevokeToken(id string, exp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[id] = exp
	return nil
}

func newTestTokens(t *testing.T, revoked RevocationList) *Tokens {
	t.Helper()
	tokens, err := NewTokens([]byte("test-secret"), time.Hour, revoked)
	if err != nil {
		t.Fatalf("NewTokens failed: %v", err)
	}
	return tokens
}

func TestIssueAndVerify(t *testing.T) {
	tokens := newTestTokens(t, nil)

	signed, exp, err := tokens.Issue("user-1", "a@example.com")
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if time.Until(exp) <= 0 {
		t.Errorf("expiry %v should be in the future", exp)
	}

	claims, err := tokens.Verify(signed)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if claims.Subject != "user-1" || claims.Email != "a@example.com" {
		t.Errorf("claims = %+v", claims)
	}
	if claims.ID == "" {
		t.Error("token id (jti) should be set")
	}
}

func TestVerify_Failures(t *testing.T) {
	tokens := newTestTokens(t, nil)
	other, _ := NewTokens([]byte("other-secret"), time.Hour, nil)
	foreign, _, _ := other.Issue("user-1", "")

	noneToken, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"empty", "", apperrors.CodeAuthRequired},
		{"garbage", "not.a.jwt", apperrors.CodeAuthInvalid},
		{"wrong secret", foreign, apperrors.CodeAuthInvalid},
		{"alg none", noneToken, apperrors.CodeAuthInvalid},
		{"no subject", noSubject, apperrors.CodeAuthInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tokens.Verify(tt.token)
			if !apperrors.IsCode(err, tt.code) {
				t.Errorf("Verify error = %v, want code %s", err, tt.code)
			}
			if !apperrors.IsAuthentication(err) {
				t.Errorf("error should be an authentication error: %v", err)
			}
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	tokens := newTestTokens(t, nil)
	tokens.timeNow = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	signed, _, err := tokens.Issue("user-1", "")
	if err != nil {
		t.Fatal(err)
	}

	tokens.timeNow = time.Now
	_, err = tokens.Verify(signed)
	if !apperrors.IsCode(err, apperrors.CodeAuthExpired) {
		t.Errorf("Verify error = %v, want %s", err, apperrors.CodeAuthExpired)
	}
}

func TestRevoke(t *testing.T) {
	revs := newMemRevocations()
	tokens := newTestTokens(t, revs)

	signed, _, _ := tokens.Issue("user-1", "")
	claims, err := tokens.Verify(signed)
	if err != nil {
		t.Fatal(err)
	}
	if err := tokens.Revoke(claims); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}

	_, err = tokens.Verify(signed)
	if !apperrors.IsCode(err, apperrors.CodeAuthRevoked) {
		t.Errorf("Verify after revoke = %v, want %s", err, apperrors.CodeAuthRevoked)
	}

	// A second token for the same user is unaffected.
	fresh, _, _ := tokens.Issue("user-1", "")
	if _, err := tokens.Verify(fresh); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}

	revs.err = errors.New("db down")
	if _, err := tokens.Verify(fresh); !apperrors.IsCode(err, apperrors.CodeInternal) {
		t.Errorf("store failure = %v, want %s", err, apperrors.CodeInternal)
	}
}

func TestNewTokens_RequiresSecret(t *testing.T) {
	if _, err := NewTokens(nil, time.Hour, nil); err == nil {
		t.Error("expected error for empty secret")
	}
}

func TestPasswords(t *testing.T) {
	if _, err := HashPassword("ab"); !errors.Is(err, ErrPasswordTooShort) {
		t.Errorf("short password error = %v", err)
	}
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !CheckPassword(hash, "hunter2") {
		t.Error("correct password rejected")
	}
	if CheckPassword(hash, "hunter3") {
		t.Error("wrong password accepted")
	}
}
