package storage

// projects.go contains SQLiteStore methods for projects and their member sets.
// A project id is also the room id used by the WebSocket transport.

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/pairroom/host/internal/errors"
)

// Project is a named workspace with a set of member user ids.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Members   []string  `json:"users"`
	CreatedAt time.Time `json:"createdAt"`
}

// HasMember reports whether userID is in the project's member set.
func (p *Project) HasMember(userID string) bool {
	for _, m := range p.Members {
		if m == userID {
			return true
		}
	}
	return false
}

// CreateProject creates a project whose first member is ownerID.
// Names are stored lowercased and must be unique.
func (s *SQLiteStore) CreateProject(name, ownerID string) (*Project, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, errors.New("project name is required")
	}

	now := time.Now().UTC()
	p := &Project{ID: uuid.NewString(), Name: name, Members: []string{ownerID}, CreatedAt: now}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec("INSERT INTO projects (id, name, created_at) VALUES (?, ?, ?)",
		p.ID, p.Name, now.Format(timestampFormat))
	if isUniqueViolation(err) {
		return nil, apperrors.AlreadyExists("project " + name)
	}
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO project_members (project_id, user_id, added_at) VALUES (?, ?, ?)",
		p.ID, ownerID, now.Format(timestampFormat)); err != nil {
		return nil, fmt.Errorf("insert owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.log.Info().Str("project", p.ID).Str("name", p.Name).Msg("project created")
	return p, nil
}

// GetProject retrieves a project with its members. Returns nil, nil if the
// project does not exist.
func (s *SQLiteStore) GetProject(id string) (*Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getProjectLocked(id)
}

func (s *SQLiteStore) getProjectLocked(id string) (*Project, error) {
	var p Project
	var created string
	err := s.db.QueryRow("SELECT id, name, created_at FROM projects WHERE id = ?", id).
		Scan(&p.ID, &p.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if p.CreatedAt, err = time.Parse(timestampFormat, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	members, err := s.membersLocked(id)
	if err != nil {
		return nil, err
	}
	p.Members = members
	return &p, nil
}

func (s *SQLiteStore) membersLocked(projectID string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT user_id FROM project_members WHERE project_id = ? ORDER BY added_at, user_id", projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// ListProjectsForUser returns the projects userID is a member of, by name.
func (s *SQLiteStore) ListProjectsForUser(userID string) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT p.id FROM projects p
		JOIN project_members m ON m.project_id = p.id
		WHERE m.user_id = ?
		ORDER BY p.name`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	projects := make([]Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.getProjectLocked(id)
		if err != nil {
			return nil, err
		}
		if p != nil {
			projects = append(projects, *p)
		}
	}
	return projects, nil
}

// AddMembers adds userIDs to the project's member set. The requester must
// already be a member. Ids already present are ignored.
func (s *SQLiteStore) AddMembers(projectID, requesterID string, userIDs []string) (*Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.getProjectLocked(projectID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, apperrors.NotFound("project " + projectID)
	}
	if !p.HasMember(requesterID) {
		return nil, apperrors.NotMember(projectID)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timestampFormat)
	for _, uid := range userIDs {
		var exists int
		if err := tx.QueryRow("SELECT COUNT(*) FROM users WHERE id = ?", uid).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check user: %w", err)
		}
		if exists == 0 {
			return nil, apperrors.NotFound("user " + uid)
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO project_members (project_id, user_id, added_at) VALUES (?, ?, ?)",
			projectID, uid, now); err != nil {
			return nil, fmt.Errorf("add member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	s.log.Info().Str("project", projectID).Int("added", len(userIDs)).Msg("members added")
	return s.getProjectLocked(projectID)
}

// IsMember reports whether userID belongs to projectID.
func (s *SQLiteStore) IsMember(projectID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM project_members WHERE project_id = ? AND user_id = ?", projectID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return n > 0, nil
}
