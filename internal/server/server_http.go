package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pairroom/host/internal/auth"
	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/filetree"
	"github.com/pairroom/host/internal/protocol"
)

// Handler returns the HTTP handler serving /ws, the API and /health.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Get("/status", s.handleStatus)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/users", func(r chi.Router) {
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/profile", s.handleProfile)
			r.Get("/logout", s.handleLogout)
			r.Get("/all", s.handleAllUsers)
		})
	})

	r.Route("/projects", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/create", s.handleCreateProject)
		r.Get("/all", s.handleAllProjects)
		r.Put("/add-user", s.handleAddUsers)
		r.Get("/get-project/{projectId}", s.handleGetProject)

		r.Route("/{projectId}/sandbox", func(r chi.Router) {
			r.Get("/", s.handleSandboxStatus)
			r.Post("/run", s.handleSandboxRun)
			r.Post("/stop", s.handleSandboxStop)
		})
	})

	return r
}

// requestLogger logs each request at debug level, after it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("took", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

// handleWebSocket admits and upgrades a room connection. Admission runs
// before the upgrade so rejected attempts get a plain HTTP error and never
// touch the registry.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	roomID := r.URL.Query().Get("projectId")
	adm, err := s.gatekeeper.Admit(r.Context(), extractBearerToken(r), roomID)
	if err != nil {
		s.log.Info().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket connection rejected")
		writeError(w, err)
		return
	}
	roomID = strings.TrimSpace(roomID)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := newClient(s, conn, adm.Participant, roomID)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = true
	s.mu.Unlock()

	// writePump must run before the greeting so nothing queued during join
	// can fill the buffer unread.
	go client.writePump()

	sandboxStatus, _ := s.sandbox.Status(roomID)
	participants := s.registry.JoinWith(roomID, client,
		func(ps []protocol.Participant, snapshot filetree.Tree) protocol.Event {
			payload := protocol.RoomJoinedPayload{
				RoomID:       roomID,
				Self:         adm.Participant,
				Participants: ps,
				Sandbox:      sandboxStatus,
			}
			if snapshot != nil {
				payload.Snapshot = snapshot
			}
			return protocol.Event{Type: protocol.EventRoomJoined, Payload: payload}
		})
	s.broadcaster.Announce(roomID, protocol.NewPresenceEvent(roomID, participants))

	client.log.Info().Int("clients", s.ClientCount()).Msg("Client connected")

	go client.readPump()
}

// extractBearerToken returns the token from an "Authorization: Bearer"
// header, falling back to the "token" query parameter for WebSocket clients
// that cannot set headers.
func extractBearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
	}
	return r.URL.Query().Get("token")
}

type claimsKey struct{}

// requireToken rejects requests without a valid, unrevoked token and puts
// the claims on the request context.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			writeError(w, apperrors.AuthRequired())
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(r *http.Request) *auth.Claims {
	c, _ := r.Context().Value(claimsKey{}).(*auth.Claims)
	return c
}

// ErrorResponse is the JSON body of every failed API request.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code, msg := apperrors.ToCodeAndMessage(err)
	writeJSON(w, httpStatus(code), ErrorResponse{Code: code, Error: msg})
}

// httpStatus maps an error code to its HTTP status.
func httpStatus(code string) int {
	switch code {
	case apperrors.CodeAuthRequired, apperrors.CodeAuthInvalid,
		apperrors.CodeAuthExpired, apperrors.CodeAuthRevoked:
		return http.StatusUnauthorized
	case apperrors.CodeAuthNotMember, apperrors.CodeServerForbidden:
		return http.StatusForbidden
	case apperrors.CodeRoomInvalid, apperrors.CodeServerInvalidMessage:
		return http.StatusBadRequest
	case apperrors.CodeRoomNotFound, apperrors.CodeStorageNotFound, apperrors.CodeSandboxNotFound:
		return http.StatusNotFound
	case apperrors.CodeStorageAlreadyExists:
		return http.StatusConflict
	case apperrors.CodeServerRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxMessageSize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperrors.InvalidMessage("invalid JSON body")
	}
	return nil
}
