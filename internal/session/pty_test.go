package session

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"clihub/internal/proctree"
	"clihub/internal/shell"
)

func newShellManager(t *testing.T, timings Timings) (*Manager, *recorder) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	rec := newRecorder()
	m := NewManager(&shell.Resolver{Path: "/bin/sh", Family: shell.Posix}, nil,
		WithEventSink(rec),
		WithTimings(timings))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, rec
}

func TestPTY_ForwardsOutput(t *testing.T) {
	m, rec := newShellManager(t, fastTimings)

	if _, err := m.Start("echo", "echo hello-from-pty", t.TempDir()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	rec.waitExit(t, "echo", 5*time.Second)

	if out := rec.output("echo"); !strings.Contains(out, "hello-from-pty") {
		t.Errorf("expected output to contain greeting, got %q", out)
	}
	if codes := rec.exitCodes("echo"); len(codes) != 1 || codes[0] != 0 {
		t.Errorf("expected single exit code 0, got %v", codes)
	}
}

func TestPTY_ExitCode(t *testing.T) {
	m, rec := newShellManager(t, fastTimings)

	if _, err := m.Start("fail", "exit 3", t.TempDir()); err != nil {
		t.Fatal(err)
	}
	rec.waitExit(t, "fail", 5*time.Second)

	if codes := rec.exitCodes("fail"); len(codes) != 1 || codes[0] != 3 {
		t.Errorf("expected exit code 3, got %v", codes)
	}
}

func TestPTY_WorkDir(t *testing.T) {
	m, rec := newShellManager(t, fastTimings)
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/marker.txt", nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Start("ls", "ls", dir); err != nil {
		t.Fatal(err)
	}
	rec.waitExit(t, "ls", 5*time.Second)

	if out := rec.output("ls"); !strings.Contains(out, "marker.txt") {
		t.Errorf("expected command to run in work dir, got %q", out)
	}
}

func TestPTY_StopShellOnly(t *testing.T) {
	m, rec := newShellManager(t, DefaultTimings)

	if _, err := m.Start("shell", "", t.TempDir()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.StopWait(ctx, "shell"); err != nil {
		t.Fatal(err)
	}
	rec.waitExit(t, "shell", 5*time.Second)

	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("stop took %v", elapsed)
	}
	if codes := rec.exitCodes("shell"); len(codes) != 1 {
		t.Errorf("expected one exit event, got %v", codes)
	}
	if m.Status("shell").IsRunning {
		t.Error("expected shell to be gone")
	}
}

func TestPTY_InterruptEndsCommand(t *testing.T) {
	m, rec := newShellManager(t, fastTimings)

	if _, err := m.Start("sleep", "sleep 100", t.TempDir()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.InterruptWait(ctx, "sleep"); err != nil {
		t.Fatal(err)
	}
	rec.waitExit(t, "sleep", 5*time.Second)

	if m.Status("sleep").IsRunning {
		t.Error("expected interrupted session to be gone")
	}
}

func TestPTY_InterruptEscalatesPastTraps(t *testing.T) {
	m, rec := newShellManager(t, fastTimings)

	if _, err := m.Start("stubborn", "trap '' INT TERM; sleep 100", t.TempDir()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.InterruptWait(ctx, "stubborn"); err != nil {
		t.Fatal(err)
	}
	rec.waitExit(t, "stubborn", 5*time.Second)

	if m.Status("stubborn").IsRunning {
		t.Error("expected SIGKILL to end the session")
	}
}

// gone reports whether pid has exited. A zombie awaiting its reaper counts
// as gone.
func gone(pid int) bool {
	if !proctree.Alive(pid) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// The state follows the parenthesised command name.
	s := string(stat)
	if i := strings.LastIndexByte(s, ')'); i >= 0 && i+2 < len(s) {
		return s[i+2] == 'Z'
	}
	return false
}

func TestPTY_StopKillsWholeTree(t *testing.T) {
	m, rec := newShellManager(t, fastTimings)

	res, err := m.Start("tree", "sleep 100 & sleep 100", t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	insp := proctree.NewInspector(nil)
	var snapshot []int
	waitFor(t, 3*time.Second, func() bool {
		snapshot = insp.Descendants(context.Background(), res.PID)
		return len(snapshot) > 0
	})
	snapshot = append(snapshot, res.PID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.StopWait(ctx, "tree"); err != nil {
		t.Fatal(err)
	}
	rec.waitExit(t, "tree", 5*time.Second)

	waitFor(t, 2*time.Second, func() bool {
		for _, pid := range snapshot {
			if !gone(pid) {
				return false
			}
		}
		return true
	})
}
