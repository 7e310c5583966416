package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/pairroom/host/internal/errors"
)

// Claims are the JWT claims carried by participant tokens. Subject is the
// user id; ID (jti) lets a single token be revoked at logout.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// RevocationList is consulted on every verification.
type RevocationList interface {
	IsTokenRevoked(tokenID string) (bool, error)
	RevokeToken(tokenID string, expiresAt time.Time) error
}

// Tokens issues and verifies HS256 participant tokens.
type Tokens struct {
	secret  []byte
	ttl     time.Duration
	revoked RevocationList
	timeNow func() time.Time
}

// NewTokens creates a token service. revoked may be nil, in which case no
// token is ever considered revoked.
func NewTokens(secret []byte, ttl time.Duration, revoked RevocationList) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: secret, ttl: ttl, revoked: revoked, timeNow: time.Now}, nil
}

// Issue signs a token for the given user.
func (t *Tokens) Issue(userID, email string) (string, time.Time, error) {
	now := t.timeNow()
	exp := now.Add(t.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Email: email,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, expiry and revocation and returns the claims.
// Every failure is an authentication error.
func (t *Tokens) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, apperrors.AuthRequired()
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.timeNow))
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, apperrors.AuthExpired()
	}
	if err != nil {
		return nil, apperrors.AuthInvalid(err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, apperrors.AuthInvalid(errors.New("invalid claims"))
	}

	if t.revoked != nil && claims.ID != "" {
		revoked, err := t.revoked.IsTokenRevoked(claims.ID)
		if err != nil {
			return nil, apperrors.Internal("check token revocation", err)
		}
		if revoked {
			return nil, apperrors.AuthRevoked()
		}
	}
	return claims, nil
}

// Revoke puts the token's id on the revocation list until it would have
// expired anyway.
func (t *Tokens) Revoke(claims *Claims) error {
	if t.revoked == nil {
		return errors.New("token revocation is not configured")
	}
	if claims == nil || claims.ID == "" {
		return apperrors.AuthInvalid(errors.New("token has no id"))
	}
	exp := t.timeNow().Add(t.ttl)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return t.revoked.RevokeToken(claims.ID, exp)
}
