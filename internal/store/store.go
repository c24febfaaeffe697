// Package store persists workspaces and command templates in a JSON file,
// and each workspace's commands in <workspace>/.clihub/commands.json.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("not found")
	ErrLocked   = errors.New("store is locked by another process")
	ErrInvalid  = errors.New("invalid record")
)

const (
	lockTimeout    = 2 * time.Second
	lockRetry      = 50 * time.Millisecond
	commandsDir    = ".clihub"
	commandsFile   = "commands.json"
	commandsFormat = 1
)

// Workspace is a registered project folder.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Command is a named shell command attached to a workspace.
type Command struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Command        string    `json:"command"`
	Cwd            string    `json:"cwd,omitempty"`
	LastRunning    bool      `json:"lastRunning,omitempty"`
	AutoStart      bool      `json:"autoStart,omitempty"`
	Category       string    `json:"category,omitempty"`
	RunInWorkspace bool      `json:"runInWorkspace,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Template is a reusable command definition.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Command   string    `json:"command"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Project is the pre-workspace record format, one per command.
type Project struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Command   string     `json:"command"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

type document struct {
	Workspaces []Workspace `json:"workspaces"`
	Projects   []Project   `json:"projects"`
	Templates  []Template  `json:"templates"`
}

// Store is safe for concurrent use within a process; a file lock guards
// read-modify-write cycles against other processes.
type Store struct {
	path   string
	mu     sync.Mutex
	lock   *flock.Flock
	now    func() time.Time
	logger *slog.Logger
}

// Open prepares a store at path. The file is created on first write.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}, nil
}

// Path returns the store file location.
func (s *Store) Path() string { return s.path }

// view runs fn on the current document under the lock without writing.
func (s *Store) view(fn func(*document) error) error {
	return s.locked(func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := s.migrate(doc); err != nil {
			return err
		}
		return fn(doc)
	})
}

// update runs fn and persists the document if fn succeeds.
func (s *Store) update(fn func(*document) error) error {
	return s.locked(func() error {
		doc, err := s.load()
		if err != nil {
			return err
		}
		if err := s.migrate(doc); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
		return s.save(doc)
	})
}

func (s *Store) locked(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	ok, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("acquiring store lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	defer func() { _ = s.lock.Unlock() }()

	return fn()
}

func (s *Store) load() (*document, error) {
	doc := &document{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("parsing store %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) save(doc *document) error {
	if doc.Workspaces == nil {
		doc.Workspaces = []Workspace{}
	}
	if doc.Projects == nil {
		doc.Projects = []Project{}
	}
	if doc.Templates == nil {
		doc.Templates = []Template{}
	}
	if err := writeJSON(s.path, doc); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}
	return nil
}

// migrate converts legacy projects into workspaces grouped by path. It only
// runs while no workspace exists.
func (s *Store) migrate(doc *document) error {
	if len(doc.Workspaces) > 0 || len(doc.Projects) == 0 {
		return nil
	}

	now := s.now()
	var order []string
	byPath := make(map[string][]Project)
	for _, p := range doc.Projects {
		if _, ok := byPath[p.Path]; !ok {
			order = append(order, p.Path)
		}
		byPath[p.Path] = append(byPath[p.Path], p)
	}

	workspaces := make([]Workspace, 0, len(order))
	for _, path := range order {
		workspaces = append(workspaces, Workspace{
			ID:        uuid.New().String(),
			Name:      filepath.Base(path),
			Path:      path,
			CreatedAt: now,
			UpdatedAt: now,
		})

		items := byPath[path]
		commands := make([]Command, 0, len(items))
		for _, p := range items {
			commands = append(commands, Command{
				ID:        p.ID,
				Name:      p.Name,
				Command:   p.Command,
				Cwd:       p.Path,
				CreatedAt: timeOr(p.CreatedAt, now),
				UpdatedAt: timeOr(p.UpdatedAt, now),
			})
		}
		if err := writeCommands(path, commands); err != nil {
			return fmt.Errorf("migrating %s: %w", path, err)
		}
	}

	doc.Workspaces = workspaces
	doc.Projects = []Project{}
	if err := s.save(doc); err != nil {
		return err
	}
	s.logger.Info("migrated legacy projects", "workspaces", len(workspaces))
	return nil
}

func timeOr(t *time.Time, fallback time.Time) time.Time {
	if t == nil || t.IsZero() {
		return fallback
	}
	return *t
}
