package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"clihub/internal/proctree"
	"clihub/internal/shell"
)

var fastTimings = Timings{
	InterruptGrace:     30 * time.Millisecond,
	TreeInterruptGrace: 30 * time.Millisecond,
	TermGrace:          30 * time.Millisecond,
	KillSettle:         10 * time.Millisecond,
}

type fakeHandle struct {
	pid    int
	output chan []byte

	mu     sync.Mutex
	input  []byte
	sizes  [][2]uint16
	closes int

	exitOnce sync.Once
	exitCh   chan struct{}
	code     int
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{
		pid:    pid,
		output: make(chan []byte, 16),
		exitCh: make(chan struct{}),
	}
}

// exit simulates the process terminating with code.
func (h *fakeHandle) exit(code int) {
	h.exitOnce.Do(func() {
		h.code = code
		close(h.exitCh)
	})
}

func (h *fakeHandle) Read(p []byte) (int, error) {
	select {
	case b := <-h.output:
		return copy(p, b), nil
	case <-h.exitCh:
		return 0, io.EOF
	}
}

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.input = append(h.input, p...)
	return len(p), nil
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sizes = append(h.sizes, [2]uint16{cols, rows})
	return nil
}

func (h *fakeHandle) Wait() (int, error) {
	<-h.exitCh
	return h.code, nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
	h.exit(129)
	return nil
}

func (h *fakeHandle) closeCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closes
}

func (h *fakeHandle) written() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.input...)
}

type fakeSpawner struct {
	mu       sync.Mutex
	nextPID  int
	handles  []*fakeHandle
	requests []SpawnRequest
	err      error

	// wrap, if set, decorates each handle before it is returned.
	wrap func(*fakeHandle) Handle
}

func (s *fakeSpawner) Spawn(req SpawnRequest) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.nextPID++
	h := newFakeHandle(1000 + s.nextPID)
	s.handles = append(s.handles, h)
	s.requests = append(s.requests, req)
	if s.wrap != nil {
		return s.wrap(h), nil
	}
	return h, nil
}

func (s *fakeSpawner) last() *fakeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[len(s.handles)-1]
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// fakeSignaler treats every pid as alive until it receives one of the
// signals listed in fatal.
type fakeSignaler struct {
	mu    sync.Mutex
	fatal map[syscall.Signal]bool
	dead  map[int]bool
	sent  []proctree.SignalResult
}

func newFakeSignaler(fatal ...syscall.Signal) *fakeSignaler {
	f := &fakeSignaler{fatal: map[syscall.Signal]bool{}, dead: map[int]bool{}}
	for _, s := range fatal {
		f.fatal[s] = true
	}
	return f
}

func (f *fakeSignaler) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[pid] {
		return syscall.ESRCH
	}
	if sig == 0 {
		return nil
	}
	f.sent = append(f.sent, proctree.SignalResult{PID: pid, Signal: sig})
	if f.fatal[sig] {
		f.dead[pid] = true
	}
	return nil
}

func (f *fakeSignaler) signals() []proctree.SignalResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proctree.SignalResult(nil), f.sent...)
}

type noChildren struct{}

func (noChildren) Snapshot(context.Context) ([]proctree.Proc, error) {
	return nil, nil
}

type recorder struct {
	mu    sync.Mutex
	data  map[string][]byte
	exits map[string][]int
	exitC chan string
}

func newRecorder() *recorder {
	return &recorder{
		data:  map[string][]byte{},
		exits: map[string][]int{},
		exitC: make(chan string, 16),
	}
}

func (r *recorder) TerminalData(id string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[id] = append(r.data[id], data...)
}

func (r *recorder) ProcessExit(id string, code int) {
	r.mu.Lock()
	r.exits[id] = append(r.exits[id], code)
	r.mu.Unlock()
	r.exitC <- id
}

func (r *recorder) exitCodes(id string) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.exits[id]...)
}

func (r *recorder) output(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data[id])
}

func (r *recorder) waitExit(t *testing.T, id string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case got := <-r.exitC:
			if got == id {
				return
			}
		case <-deadline:
			t.Fatalf("no exit event for %s within %v", id, timeout)
		}
	}
}

func newFakeManager(t *testing.T, sig *fakeSignaler) (*Manager, *fakeSpawner, *recorder) {
	t.Helper()
	sp := &fakeSpawner{}
	rec := newRecorder()
	insp := proctree.NewInspector(nil,
		proctree.WithSnapshotter(noChildren{}),
		proctree.WithSignaler(sig))
	m := NewManager(&shell.Resolver{Path: "/bin/zsh", Family: shell.Zsh}, nil,
		WithSpawner(sp),
		WithInspector(insp),
		WithEventSink(rec),
		WithTimings(fastTimings))
	return m, sp, rec
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

var errBoom = errors.New("boom")

// stalledWriteHandle blocks pty input until gate is closed, as a full
// input queue does.
type stalledWriteHandle struct {
	*fakeHandle
	gate chan struct{}
}

func (h *stalledWriteHandle) Write(p []byte) (int, error) {
	<-h.gate
	return h.fakeHandle.Write(p)
}

// lateReadHandle holds its only output until release is closed, and keeps
// holding it after the process has exited.
type lateReadHandle struct {
	*fakeHandle
	release chan struct{}
}

func (h *lateReadHandle) Read(p []byte) (int, error) {
	<-h.release
	return copy(p, "late"), io.EOF
}
