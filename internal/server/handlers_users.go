package server

import (
	"errors"
	"net/http"
	"net/mail"
	"time"

	"github.com/pairroom/host/internal/auth"
	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/storage"
)

// CredentialsRequest is the body of /users/register and /users/login.
type CredentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// AuthResponse is returned on successful registration or login.
type AuthResponse struct {
	User      *storage.User `json:"user"`
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	email := storage.NormalizeEmail(req.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		writeError(w, apperrors.InvalidMessage("a valid email is required"))
		return
	}
	hash, err := auth.HashPassword(req.Password)
	if errors.Is(err, auth.ErrPasswordTooShort) {
		writeError(w, apperrors.InvalidMessage(err.Error()))
		return
	}
	if err != nil {
		writeError(w, apperrors.Internal("hash password", err))
		return
	}

	user, err := s.store.CreateUser(email, hash)
	if err != nil {
		writeError(w, err)
		return
	}
	s.issue(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req CredentialsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	user, err := s.store.GetUserByEmail(req.Email)
	if err != nil {
		writeError(w, apperrors.Internal("load user", err))
		return
	}
	// Unknown email and wrong password are indistinguishable to the caller.
	if user == nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		writeError(w, apperrors.New(apperrors.CodeAuthInvalid, "invalid email or password"))
		return
	}
	s.issue(w, http.StatusOK, user)
}

func (s *Server) issue(w http.ResponseWriter, status int, user *storage.User) {
	token, exp, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		writeError(w, apperrors.Internal("issue token", err))
		return
	}
	writeJSON(w, status, AuthResponse{User: user, Token: token, ExpiresAt: exp})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	user, err := s.store.GetUser(claims.Subject)
	if err != nil {
		writeError(w, apperrors.Internal("load user", err))
		return
	}
	if user == nil {
		writeError(w, apperrors.NotFound("user"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.tokens.Revoke(claimsFrom(r)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (s *Server) handleAllUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsersExcept(claimsFrom(r).Subject)
	if err != nil {
		writeError(w, apperrors.Internal("list users", err))
		return
	}
	if users == nil {
		users = []storage.User{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}
