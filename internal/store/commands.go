package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// CommandPatch carries the fields to change; nil fields are kept.
type CommandPatch struct {
	Name           *string `json:"name,omitempty"`
	Command        *string `json:"command,omitempty"`
	Cwd            *string `json:"cwd,omitempty"`
	LastRunning    *bool   `json:"lastRunning,omitempty"`
	AutoStart      *bool   `json:"autoStart,omitempty"`
	Category       *string `json:"category,omitempty"`
	RunInWorkspace *bool   `json:"runInWorkspace,omitempty"`
}

type commandsDocument struct {
	Version  int       `json:"version"`
	Commands []Command `json:"commands"`
}

// CommandsPath is the commands file of the workspace rooted at dir.
func CommandsPath(dir string) string {
	return filepath.Join(dir, commandsDir, commandsFile)
}

// readCommands returns the commands stored under dir. A missing or
// unreadable file yields an empty list.
func readCommands(dir string) []Command {
	data, err := os.ReadFile(CommandsPath(dir))
	if err != nil {
		return []Command{}
	}
	var doc commandsDocument
	if err := json.Unmarshal(data, &doc); err != nil || doc.Commands == nil {
		return []Command{}
	}
	return doc.Commands
}

func writeCommands(dir string, commands []Command) error {
	if err := os.MkdirAll(filepath.Join(dir, commandsDir), 0o755); err != nil {
		return err
	}
	if commands == nil {
		commands = []Command{}
	}
	return writeJSON(CommandsPath(dir), commandsDocument{Version: commandsFormat, Commands: commands})
}

// withWorkspace resolves the workspace and runs fn under the store lock.
func (s *Store) withWorkspace(id string, fn func(ws Workspace) error) error {
	return s.view(func(doc *document) error {
		i := findWorkspace(doc, id)
		if i < 0 {
			return fmt.Errorf("workspace %s: %w", id, ErrNotFound)
		}
		return fn(doc.Workspaces[i])
	})
}

// Commands lists the commands of a workspace.
func (s *Store) Commands(workspaceID string) ([]Command, error) {
	var out []Command
	err := s.withWorkspace(workspaceID, func(ws Workspace) error {
		out = readCommands(ws.Path)
		return nil
	})
	return out, err
}

// AddCommand appends cmd to the workspace's commands file.
func (s *Store) AddCommand(workspaceID string, cmd Command) (Command, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return Command{}, fmt.Errorf("command name: %w", ErrInvalid)
	}
	err := s.withWorkspace(workspaceID, func(ws Workspace) error {
		now := s.now()
		if cmd.ID == "" {
			cmd.ID = uuid.New().String()
		}
		if cmd.CreatedAt.IsZero() {
			cmd.CreatedAt = now
		}
		cmd.UpdatedAt = now
		return writeCommands(ws.Path, append(readCommands(ws.Path), cmd))
	})
	if err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// UpdateCommand merges patch into the command and bumps UpdatedAt.
func (s *Store) UpdateCommand(workspaceID, commandID string, patch CommandPatch) (Command, error) {
	var result Command
	err := s.withWorkspace(workspaceID, func(ws Workspace) error {
		commands := readCommands(ws.Path)
		i := -1
		for j := range commands {
			if commands[j].ID == commandID {
				i = j
				break
			}
		}
		if i < 0 {
			return fmt.Errorf("command %s: %w", commandID, ErrNotFound)
		}
		c := &commands[i]
		patch.apply(c)
		c.UpdatedAt = s.now()
		result = *c
		return writeCommands(ws.Path, commands)
	})
	return result, err
}

func (p CommandPatch) apply(c *Command) {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Command != nil {
		c.Command = *p.Command
	}
	if p.Cwd != nil {
		c.Cwd = *p.Cwd
	}
	if p.LastRunning != nil {
		c.LastRunning = *p.LastRunning
	}
	if p.AutoStart != nil {
		c.AutoStart = *p.AutoStart
	}
	if p.Category != nil {
		c.Category = *p.Category
	}
	if p.RunInWorkspace != nil {
		c.RunInWorkspace = *p.RunInWorkspace
	}
}

// DeleteCommand removes the command from the workspace. Unknown command ids
// succeed.
func (s *Store) DeleteCommand(workspaceID, commandID string) error {
	return s.withWorkspace(workspaceID, func(ws Workspace) error {
		commands := readCommands(ws.Path)
		kept := commands[:0]
		for _, c := range commands {
			if c.ID != commandID {
				kept = append(kept, c)
			}
		}
		return writeCommands(ws.Path, kept)
	})
}
