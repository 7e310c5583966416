package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apperrors "github.com/pairroom/host/internal/errors"
	"github.com/pairroom/host/internal/storage"
)

// CreateProjectRequest is the body of /projects/create.
type CreateProjectRequest struct {
	Name string `json:"name"`
}

// AddUsersRequest is the body of /projects/add-user.
type AddUsersRequest struct {
	ProjectID string   `json:"projectId"`
	Users     []string `json:"users"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, apperrors.InvalidMessage("project name is required"))
		return
	}

	project, err := s.store.CreateProject(req.Name, claimsFrom(r).Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"project": project})
}

func (s *Server) handleAllProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListProjectsForUser(claimsFrom(r).Subject)
	if err != nil {
		writeError(w, apperrors.Internal("list projects", err))
		return
	}
	if projects == nil {
		projects = []storage.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleAddUsers(w http.ResponseWriter, r *http.Request) {
	var req AddUsersRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := uuid.Parse(req.ProjectID); err != nil {
		writeError(w, apperrors.InvalidRoom("not a valid id"))
		return
	}
	if len(req.Users) == 0 {
		writeError(w, apperrors.InvalidMessage("users must not be empty"))
		return
	}

	project, err := s.store.AddMembers(req.ProjectID, claimsFrom(r).Subject, req.Users)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.memberProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

// memberProject loads the {projectId} route parameter and checks the caller
// belongs to it. It writes the error response itself.
func (s *Server) memberProject(w http.ResponseWriter, r *http.Request) (*storage.Project, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "projectId"))
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, apperrors.InvalidRoom("not a valid id"))
		return nil, false
	}
	project, err := s.store.GetProject(id)
	if err != nil {
		writeError(w, apperrors.Internal("load project", err))
		return nil, false
	}
	if project == nil {
		writeError(w, apperrors.RoomNotFound(id))
		return nil, false
	}
	if !project.HasMember(claimsFrom(r).Subject) {
		writeError(w, apperrors.NotMember(id))
		return nil, false
	}
	return project, true
}
