// Package ports lists listening TCP ports and frees one by tearing down the
// process tree that holds it.
package ports

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"clihub/internal/proctree"
)

// DefaultFreeGrace is how long Free waits after SIGTERM before SIGKILL.
const DefaultFreeGrace = 1500 * time.Millisecond

const (
	StatusListen   = "LISTEN"
	StatusFreed    = "freed"
	StatusNotFound = "not-found"
)

// Entry is one listening socket owner.
type Entry struct {
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	Status  string `json:"status"`
	Command string `json:"command,omitempty"`
}

// FreeResult reports the outcome of Free.
type FreeResult struct {
	Port   int    `json:"port"`
	PID    int    `json:"pid,omitempty"`
	Status string `json:"status"`
}

// Lister runs the socket inspection tool.
type Lister interface {
	// Listening returns the raw table of listening TCP sockets.
	Listening(ctx context.Context) ([]byte, error)
	// Owners returns one pid per line for processes bound to port.
	Owners(ctx context.Context, port int) ([]byte, error)
}

// Lsof implements Lister with lsof(8).
type Lsof struct{}

func (Lsof) Listening(ctx context.Context) ([]byte, error) {
	return run(ctx, "lsof", "-nP", "-iTCP", "-sTCP:LISTEN")
}

func (Lsof) Owners(ctx context.Context, port int) ([]byte, error) {
	return run(ctx, "lsof", "-ti", "tcp:"+strconv.Itoa(port))
}

func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = os.Environ()
	return cmd.Output()
}

// Reclaimer lists and frees listening ports.
type Reclaimer struct {
	lister Lister
	tree   *proctree.Inspector
	grace  time.Duration
	logger *slog.Logger
}

// Option configures a Reclaimer.
type Option func(*Reclaimer)

func WithLister(l Lister) Option {
	return func(r *Reclaimer) { r.lister = l }
}

func WithInspector(i *proctree.Inspector) Option {
	return func(r *Reclaimer) { r.tree = i }
}

// WithGrace overrides DefaultFreeGrace.
func WithGrace(d time.Duration) Option {
	return func(r *Reclaimer) { r.grace = d }
}

// NewReclaimer creates a Reclaimer backed by lsof unless overridden.
func NewReclaimer(logger *slog.Logger, opts ...Option) *Reclaimer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reclaimer{
		lister: Lsof{},
		grace:  DefaultFreeGrace,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.tree == nil {
		r.tree = proctree.NewInspector(logger)
	}
	return r
}

// List returns listening ports sorted by port then pid. Any failure of the
// inspection tool yields an empty list.
func (r *Reclaimer) List(ctx context.Context) []Entry {
	out, err := r.lister.Listening(ctx)
	if err != nil {
		r.logger.Debug("listing ports failed", "error", err)
		return []Entry{}
	}
	return ParseListening(out)
}

var listenRe = regexp.MustCompile(`:(\d+)\s+\(LISTEN\)`)

// ParseListening parses `lsof -nP -iTCP -sTCP:LISTEN` output. The first
// line is a header. Entries are unique per (port, pid).
func ParseListening(out []byte) []Entry {
	entries := []Entry{}
	seen := make(map[[2]int]bool)

	sc := bufio.NewScanner(bytes.NewReader(out))
	header := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if header {
			header = false
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 9 {
			continue
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		m := listenRe.FindStringSubmatch(strings.Join(fields[8:], " "))
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		key := [2]int{port, pid}
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, Entry{Port: port, PID: pid, Status: StatusListen, Command: fields[0]})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Port != entries[j].Port {
			return entries[i].Port < entries[j].Port
		}
		return entries[i].PID < entries[j].PID
	})
	return entries
}

// Free terminates the process tree holding port. When pid is 0 the owner
// is looked up; if none is found the result is not-found and nothing is
// signalled. Free blocks for the grace period.
func (r *Reclaimer) Free(ctx context.Context, port, pid int) FreeResult {
	if pid <= 0 {
		pid = r.owner(ctx, port)
	}
	if pid <= 0 {
		return FreeResult{Port: port, Status: StatusNotFound}
	}

	log := r.logger.With("port", port, "pid", pid)
	log.Info("freeing port")

	r.signal(ctx, pid, syscall.SIGTERM, log)

	t := time.NewTimer(r.grace)
	select {
	case <-t.C:
	case <-ctx.Done():
		t.Stop()
	}

	if r.tree.Alive(pid) {
		r.signal(ctx, pid, syscall.SIGKILL, log)
	}
	return FreeResult{Port: port, PID: pid, Status: StatusFreed}
}

func (r *Reclaimer) owner(ctx context.Context, port int) int {
	out, err := r.lister.Owners(ctx, port)
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return 0
		}
		return pid
	}
	return 0
}

func (r *Reclaimer) signal(ctx context.Context, pid int, sig syscall.Signal, log *slog.Logger) {
	results := r.tree.KillTree(context.WithoutCancel(ctx), pid, sig)
	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	log.Debug("signalled tree", "signal", sig.String(), "targets", len(results), "failed", failed)
}
