package server

import (
	"net/http"
)

// Sandbox endpoints act on the project's room out of band, for callers
// without a WebSocket connection. Events still reach connected participants.

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	project, ok := s.memberProject(w, r)
	if !ok {
		return
	}
	st, _ := s.sandbox.Status(project.ID)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSandboxRun(w http.ResponseWriter, r *http.Request) {
	project, ok := s.memberProject(w, r)
	if !ok {
		return
	}
	tree, _ := s.sync.Snapshot(project.ID)
	writeJSON(w, http.StatusAccepted, s.sandbox.Run(project.ID, tree))
}

func (s *Server) handleSandboxStop(w http.ResponseWriter, r *http.Request) {
	project, ok := s.memberProject(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.sandbox.Stop(project.ID))
}
