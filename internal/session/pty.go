package session

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// SpawnRequest describes a process to start on a new pseudo-terminal.
type SpawnRequest struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// Handle is a spawned process attached to a pty. Reads return terminal
// output, writes feed terminal input.
type Handle interface {
	io.ReadWriter
	PID() int
	Resize(cols, rows uint16) error
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
	// Close hangs up the terminal and releases the pty.
	Close() error
}

// Spawner starts processes on pseudo-terminals.
type Spawner interface {
	Spawn(req SpawnRequest) (Handle, error)
}

// PTYSpawner spawns processes with creack/pty.
type PTYSpawner struct{}

func (PTYSpawner) Spawn(req SpawnRequest) (Handle, error) {
	cmd := exec.Command(req.Program, req.Args...)
	cmd.Dir = req.Dir
	cmd.Env = req.Env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: req.Cols, Rows: req.Rows})
	if err != nil {
		return nil, err
	}
	return &ptyHandle{cmd: cmd, ptmx: ptmx}, nil
}

type ptyHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File
}

func (h *ptyHandle) Read(p []byte) (int, error)  { return h.ptmx.Read(p) }
func (h *ptyHandle) Write(p []byte) (int, error) { return h.ptmx.Write(p) }
func (h *ptyHandle) PID() int                    { return h.cmd.Process.Pid }

func (h *ptyHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (h *ptyHandle) Wait() (int, error) {
	return exitCode(h.cmd.Wait())
}

func (h *ptyHandle) Close() error {
	_ = h.cmd.Process.Signal(syscall.SIGHUP)
	return h.ptmx.Close()
}

// exitCode maps a Wait error to a shell-style exit code: the exit status,
// or 128+signal when the process was killed by a signal.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1, err
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal()), nil
	}
	return exitErr.ExitCode(), nil
}
