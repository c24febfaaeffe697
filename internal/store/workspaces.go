package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// WorkspacePatch carries the fields to change; nil fields are kept.
type WorkspacePatch struct {
	Name *string `json:"name,omitempty"`
	Path *string `json:"path,omitempty"`
}

// Workspaces returns every registered workspace.
func (s *Store) Workspaces() ([]Workspace, error) {
	var out []Workspace
	err := s.view(func(doc *document) error {
		out = append([]Workspace{}, doc.Workspaces...)
		return nil
	})
	return out, err
}

// Workspace returns the workspace with id.
func (s *Store) Workspace(id string) (Workspace, error) {
	var ws Workspace
	err := s.view(func(doc *document) error {
		i := findWorkspace(doc, id)
		if i < 0 {
			return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
		}
		ws = doc.Workspaces[i]
		return nil
	})
	return ws, err
}

// AddWorkspace registers ws. If a workspace with the same path exists it is
// returned unchanged. Missing id, name and timestamps are filled in.
func (s *Store) AddWorkspace(ws Workspace) (Workspace, error) {
	if strings.TrimSpace(ws.Path) == "" {
		return Workspace{}, fmt.Errorf("workspace path: %w", ErrInvalid)
	}
	ws.Path = filepath.Clean(ws.Path)

	var result Workspace
	err := s.update(func(doc *document) error {
		for _, existing := range doc.Workspaces {
			if existing.Path == ws.Path {
				result = existing
				return nil
			}
		}
		now := s.now()
		if ws.ID == "" {
			ws.ID = uuid.New().String()
		}
		if ws.Name == "" {
			ws.Name = filepath.Base(ws.Path)
		}
		if ws.CreatedAt.IsZero() {
			ws.CreatedAt = now
		}
		ws.UpdatedAt = now
		doc.Workspaces = append(doc.Workspaces, ws)
		result = ws
		return nil
	})
	if err == nil {
		s.logger.Debug("workspace added", "workspace", result.ID, "path", result.Path)
	}
	return result, err
}

// UpdateWorkspace merges patch into the workspace and bumps UpdatedAt.
func (s *Store) UpdateWorkspace(id string, patch WorkspacePatch) (Workspace, error) {
	var result Workspace
	err := s.update(func(doc *document) error {
		i := findWorkspace(doc, id)
		if i < 0 {
			return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
		}
		ws := &doc.Workspaces[i]
		if patch.Name != nil {
			ws.Name = *patch.Name
		}
		if patch.Path != nil {
			ws.Path = filepath.Clean(*patch.Path)
		}
		ws.UpdatedAt = s.now()
		result = *ws
		return nil
	})
	return result, err
}

// DeleteWorkspace removes the workspace. Deleting an unknown id succeeds.
// The workspace's commands file is left on disk.
func (s *Store) DeleteWorkspace(id string) error {
	return s.update(func(doc *document) error {
		kept := doc.Workspaces[:0]
		for _, ws := range doc.Workspaces {
			if ws.ID != id {
				kept = append(kept, ws)
			}
		}
		doc.Workspaces = kept
		return nil
	})
}

func findWorkspace(doc *document, id string) int {
	for i, ws := range doc.Workspaces {
		if ws.ID == id {
			return i
		}
	}
	return -1
}
