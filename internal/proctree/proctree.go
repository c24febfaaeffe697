// Package proctree discovers the descendants of a process and signals the
// whole tree, children before parents.
package proctree

import (
	"bufio"
	"bytes"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Proc is one row of a process table snapshot.
type Proc struct {
	PID  int
	PPID int
}

// Snapshotter captures the system process table.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]Proc, error)
}

// Signaler delivers a signal to a single pid. Signal 0 probes liveness.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// PS snapshots the process table with ps(1).
type PS struct{}

// Snapshot runs `ps -A -o pid= -o ppid=` and parses its output.
func (PS) Snapshot(ctx context.Context) ([]Proc, error) {
	cmd := exec.CommandContext(ctx, "ps", "-A", "-o", "pid=", "-o", "ppid=")
	cmd.Env = os.Environ()
	out, err := cmd.Output()
	if err != nil {
		return nil, err
	}
	return ParsePS(out), nil
}

// ParsePS parses "pid ppid" lines. Lines that do not hold two integers are
// skipped.
func ParsePS(out []byte) []Proc {
	var procs []Proc
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		procs = append(procs, Proc{PID: pid, PPID: ppid})
	}
	return procs
}

// Tree is the result of one inspection: a root and the descendants found
// beneath it, in discovery order.
type Tree struct {
	Root        int
	Descendants []int
}

// KillOrder returns every pid of the tree with the root last and later
// discoveries first, so children are signalled before their parents.
func (t Tree) KillOrder() []int {
	all := make([]int, 0, len(t.Descendants)+1)
	all = append(all, t.Descendants...)
	all = append(all, t.Root)

	order := make([]int, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if all[i] > 0 {
			order = append(order, all[i])
		}
	}
	return order
}

// SignalResult records one signal attempt.
type SignalResult struct {
	PID    int
	Signal syscall.Signal
	Err    error
}

// Inspector walks process trees and signals them.
type Inspector struct {
	snap   Snapshotter
	sig    Signaler
	logger *slog.Logger
}

// Option configures an Inspector.
type Option func(*Inspector)

// WithSnapshotter replaces the ps-based snapshotter.
func WithSnapshotter(s Snapshotter) Option {
	return func(i *Inspector) { i.snap = s }
}

// WithSignaler replaces OS signal delivery.
func WithSignaler(s Signaler) Option {
	return func(i *Inspector) { i.sig = s }
}

// NewInspector creates an Inspector backed by ps(1) and kill(2) unless
// overridden.
func NewInspector(logger *slog.Logger, opts ...Option) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	i := &Inspector{
		snap:   PS{},
		sig:    OSSignaler{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Descendants returns every process below root. A failed snapshot yields an
// empty slice, which means "unknown", not "none".
func (i *Inspector) Descendants(ctx context.Context, root int) []int {
	procs, err := i.snap.Snapshot(ctx)
	if err != nil {
		i.logger.Debug("process snapshot failed", "pid", root, "error", err)
		return []int{}
	}
	return descendants(procs, root)
}

func descendants(procs []Proc, root int) []int {
	children := make(map[int][]int)
	for _, p := range procs {
		children[p.PPID] = append(children[p.PPID], p.PID)
	}

	result := []int{}
	visited := map[int]bool{root: true}
	stack := []int{root}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, child := range children[current] {
			if visited[child] {
				continue
			}
			visited[child] = true
			result = append(result, child)
			stack = append(stack, child)
		}
	}
	return result
}

// Tree snapshots the tree rooted at root.
func (i *Inspector) Tree(ctx context.Context, root int) Tree {
	return Tree{Root: root, Descendants: i.Descendants(ctx, root)}
}

// KillTree signals every member of root's tree, leaves first. Delivery
// errors are recorded per pid and never stop the batch.
func (i *Inspector) KillTree(ctx context.Context, root int, sig syscall.Signal) []SignalResult {
	tree := i.Tree(ctx, root)
	order := tree.KillOrder()
	results := make([]SignalResult, 0, len(order))
	for _, pid := range order {
		results = append(results, SignalResult{PID: pid, Signal: sig, Err: i.sig.Signal(pid, sig)})
	}
	return results
}

// Alive reports whether pid exists and is signalable by this user.
func (i *Inspector) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return i.sig.Signal(pid, 0) == nil
}

// Alive probes pid with the null signal using the OS signaler.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return OSSignaler{}.Signal(pid, 0) == nil
}
