// Package session supervises shell sessions running on pseudo-terminals:
// spawning them, forwarding their I/O, and tearing down their process trees.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"clihub/internal/proctree"
	"clihub/internal/shell"
)

const (
	defaultScrollback = 256 * 1024
	readBufSize       = 32 * 1024
	// drainTimeout bounds how long the exit event waits for buffered output
	// when a descendant keeps the terminal open.
	drainTimeout = 250 * time.Millisecond
)

var (
	ErrSpawn        = errors.New("failed to spawn session")
	ErrWorkDir      = errors.New("invalid working directory")
	ErrShuttingDown = errors.New("supervisor is shutting down")
)

// Manager owns every live session and its teardown.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*managedSession
	closing  bool

	shell      *shell.Resolver
	spawner    Spawner
	tree       *proctree.Inspector
	sink       EventSink
	timings    Timings
	scrollback int
	logger     *slog.Logger

	// teardowns holds at most one in-flight interrupt/stop per instance.
	teardowns singleflight.Group

	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

type managedSession struct {
	Session

	handle   Handle
	ringBuf  *RingBuffer
	readDone chan struct{}
	exited   chan struct{}

	// sinkMu orders output against the exit event; no output is
	// forwarded once exitSent is set.
	sinkMu   sync.Mutex
	exitSent bool

	releaseOnce sync.Once
	released    chan struct{}
}

// release closes the pty handle exactly once.
func (ms *managedSession) release(logger *slog.Logger) {
	ms.releaseOnce.Do(func() {
		if err := ms.handle.Close(); err != nil {
			logger.Debug("closing pty", "session", ms.ID, "error", err)
		}
		close(ms.released)
	})
}

func (ms *managedSession) hasExited() bool {
	select {
	case <-ms.exited:
		return true
	default:
		return false
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithSpawner replaces the creack/pty spawner.
func WithSpawner(s Spawner) Option {
	return func(m *Manager) { m.spawner = s }
}

// WithInspector replaces the process tree inspector used for teardown.
func WithInspector(i *proctree.Inspector) Option {
	return func(m *Manager) { m.tree = i }
}

// WithEventSink sets the receiver of output and exit events.
func WithEventSink(s EventSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithTimings overrides the teardown grace periods.
func WithTimings(t Timings) Option {
	return func(m *Manager) { m.timings = t }
}

// WithScrollback sets the per-session replay buffer size in bytes.
func WithScrollback(n int) Option {
	return func(m *Manager) { m.scrollback = n }
}

// NewManager creates a session manager that spawns sessions with the
// resolved shell.
func NewManager(resolver *shell.Resolver, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = &shell.Resolver{Path: shell.Default()}
		resolver.Family = shell.Detect(resolver.Path)
	}
	m := &Manager{
		sessions:     make(map[string]*managedSession),
		shell:        resolver,
		spawner:      PTYSpawner{},
		sink:         SinkFuncs{},
		timings:      DefaultTimings,
		scrollback:   defaultScrollback,
		logger:       logger,
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tree == nil {
		m.tree = proctree.NewInspector(logger)
	}
	return m
}

// Start spawns command in workDir under the session id. If the id already
// has a live session, its pid is returned and nothing is spawned.
func (m *Manager) Start(id, command, workDir string) (StartResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ms, ok := m.sessions[id]; ok {
		return StartResult{ID: id, PID: ms.PID, Status: StatusRunning}, nil
	}
	if m.closing {
		return StartResult{}, ErrShuttingDown
	}

	dir, err := resolveWorkDir(workDir)
	if err != nil {
		return StartResult{}, err
	}

	args := m.shell.Args(command)
	env := append(m.shell.Env(os.Environ()), "TERM=xterm-256color")

	handle, err := m.spawner.Spawn(SpawnRequest{
		Program: m.shell.Path,
		Args:    args,
		Dir:     dir,
		Env:     env,
		Cols:    DefaultCols,
		Rows:    DefaultRows,
	})
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: %s: %v", ErrSpawn, m.shell.Path, err)
	}

	ms := &managedSession{
		Session: Session{
			ID:        id,
			Instance:  uuid.New().String(),
			PID:       handle.PID(),
			ShellOnly: len(args) == 0,
			Command:   command,
			WorkDir:   dir,
			State:     StateRunning,
			StartedAt: time.Now().UTC(),
		},
		handle:   handle,
		ringBuf:  NewRingBuffer(m.scrollback),
		readDone: make(chan struct{}),
		exited:   make(chan struct{}),
		released: make(chan struct{}),
	}
	m.sessions[id] = ms

	go m.readLoop(ms)
	go m.waitLoop(ms)

	m.logger.Info("session started",
		"session", id, "pid", ms.PID, "shell", m.shell.Path, "shellOnly", ms.ShellOnly, "workDir", dir)
	return StartResult{ID: id, PID: ms.PID, Status: StatusStarted}, nil
}

func resolveWorkDir(workDir string) (string, error) {
	if workDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrWorkDir, err)
		}
		workDir = home
	}
	info, err := os.Stat(workDir)
	if err != nil {
		return "", fmt.Errorf("%w: %s does not exist", ErrWorkDir, workDir)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrWorkDir, workDir)
	}
	return workDir, nil
}

// readLoop forwards terminal output until the pty is closed.
func (m *Manager) readLoop(ms *managedSession) {
	defer close(ms.readDone)

	buf := make([]byte, readBufSize)
	for {
		n, err := ms.handle.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ms.ringBuf.Write(chunk)
			ms.sinkMu.Lock()
			if !ms.exitSent {
				m.sink.TerminalData(ms.ID, chunk)
			}
			ms.sinkMu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// waitLoop reaps the process, drops it from the live map and emits the
// single exit event for this instance.
func (m *Manager) waitLoop(ms *managedSession) {
	code, err := ms.handle.Wait()
	if err != nil {
		m.logger.Debug("wait failed", "session", ms.ID, "pid", ms.PID, "error", err)
	}
	close(ms.exited)

	select {
	case <-ms.readDone:
	case <-time.After(drainTimeout):
	}

	m.remove(ms)
	ms.release(m.logger)

	// Closing the pty unblocks a reader still holding output.
	select {
	case <-ms.readDone:
	case <-time.After(drainTimeout):
		m.logger.Debug("pty reader still running at exit", "session", ms.ID, "pid", ms.PID)
	}
	ms.sinkMu.Lock()
	ms.exitSent = true
	ms.sinkMu.Unlock()

	m.logger.Info("session exited", "session", ms.ID, "pid", ms.PID, "exitCode", code)
	m.sink.ProcessExit(ms.ID, code)
}

// remove deletes ms from the live map unless a newer instance replaced it.
func (m *Manager) remove(ms *managedSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[ms.ID]; ok && cur == ms {
		delete(m.sessions, ms.ID)
	}
}

func (m *Manager) lookup(id string) (*managedSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	return ms, ok
}

// Write sends input to the session's terminal. Unknown ids are ignored.
func (m *Manager) Write(id string, data []byte) {
	ms, ok := m.lookup(id)
	if !ok {
		return
	}
	if _, err := ms.handle.Write(data); err != nil {
		m.logger.Debug("terminal write failed", "session", id, "error", err)
	}
}

// Resize changes the session's terminal geometry. Unknown ids are ignored.
func (m *Manager) Resize(id string, cols, rows uint16) {
	ms, ok := m.lookup(id)
	if !ok {
		return
	}
	if err := ms.handle.Resize(cols, rows); err != nil {
		m.logger.Debug("terminal resize failed", "session", id, "error", err)
	}
}

// Status reports whether id has a live session.
func (m *Manager) Status(id string) ProcessStatus {
	ms, ok := m.lookup(id)
	if !ok {
		return ProcessStatus{ID: id}
	}
	return ProcessStatus{ID: id, IsRunning: true, PID: ms.PID}
}

// Get returns a snapshot of the live session for id.
func (m *Manager) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return Session{}, false
	}
	return ms.Session, true
}

// List returns snapshots of all live sessions sorted by id.
func (m *Manager) List() []Session {
	m.mu.Lock()
	result := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		result = append(result, ms.Session)
	}
	m.mu.Unlock()

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Scrollback returns the buffered recent output of a live session.
func (m *Manager) Scrollback(id string) []byte {
	ms, ok := m.lookup(id)
	if !ok {
		return nil
	}
	return ms.ringBuf.ReadAll()
}

// Shutdown stops every live session concurrently and waits for them to
// settle or for ctx to end. Only the first call does any work; later calls
// wait for it.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.closing = true
		ids := make([]string, 0, len(m.sessions))
		for id := range m.sessions {
			ids = append(ids, id)
		}
		m.mu.Unlock()

		m.logger.Info("shutting down sessions", "count", len(ids))

		var wg sync.WaitGroup
		for _, id := range ids {
			ch, ok := m.terminate(id, modeStop)
			if !ok {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-ch
			}()
		}
		go func() {
			wg.Wait()
			close(m.shutdownDone)
		}()
	})

	select {
	case <-m.shutdownDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
