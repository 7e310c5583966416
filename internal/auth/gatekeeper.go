// Package auth admits participants into rooms. It issues and verifies the
// JWTs participants present, hashes passwords, and implements the connection
// gatekeeper that runs before any WebSocket upgrade.
package auth

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/logging"
	"github.com/pairroom/host/internal/protocol"
	"github.com/pairroom/host/internal/storage"
)

// TokenVerifier verifies a presented credential.
type TokenVerifier interface {
	Verify(token string) (*Claims, error)
}

// ProjectStore resolves a room id to its project record.
type ProjectStore interface {
	GetProject(id string) (*storage.Project, error)
}

// Admission is the result of a successful admission check.
type Admission struct {
	Participant protocol.Participant
	Project     *storage.Project
	Claims      *Claims
}

// Gatekeeper validates a connection attempt's credential and room id.
// Nothing about the attempt reaches the registry until Admit succeeds.
type Gatekeeper struct {
	tokens   TokenVerifier
	projects ProjectStore
	log      zerolog.Logger
}

// NewGatekeeper creates a gatekeeper. projects may be nil to skip the
// membership check (rooms are then any well-formed id).
func NewGatekeeper(tokens TokenVerifier, projects ProjectStore) *Gatekeeper {
	return &Gatekeeper{tokens: tokens, projects: projects, log: logging.Component("gatekeeper")}
}

// Admit checks the token first, then the room id, then project membership.
func (g *Gatekeeper) Admit(ctx context.Context, token, roomID string) (*Admission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claims, err := g.tokens.Verify(strings.TrimSpace(token))
	if err != nil {
		g.log.Debug().Err(err).Str("room", roomID).Msg("rejected credential")
		return nil, err
	}

	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, apperrors.InvalidRoom("missing")
	}
	if _, err := uuid.Parse(roomID); err != nil {
		return nil, apperrors.InvalidRoom("not a valid id")
	}

	handle := claims.Email
	if handle == "" {
		handle = claims.Subject
	}
	adm := &Admission{
		Participant: protocol.Participant{ID: claims.Subject, Handle: handle},
		Claims:      claims,
	}

	if g.projects == nil {
		return adm, nil
	}

	project, err := g.projects.GetProject(roomID)
	if err != nil {
		return nil, apperrors.Internal("load project", err)
	}
	if project == nil {
		return nil, apperrors.RoomNotFound(roomID)
	}
	if !project.HasMember(claims.Subject) {
		g.log.Info().Str("room", roomID).Str("participant", claims.Subject).Msg("non-member refused")
		return nil, apperrors.NotMember(roomID)
	}
	adm.Project = project
	return adm, nil
}
