// Package shell picks the user's shell, resolves its login PATH, and builds
// the argument vector that makes it run a command string.
package shell

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Family is the closed set of shell dialects clihub knows how to drive.
type Family int

const (
	Posix Family = iota
	Bash
	Zsh
	Cmd
	PowerShell
)

func (f Family) String() string {
	switch f {
	case Bash:
		return "bash"
	case Zsh:
		return "zsh"
	case Cmd:
		return "cmd"
	case PowerShell:
		return "powershell"
	default:
		return "posix"
	}
}

// Detect classifies a shell binary by its base name.
func Detect(shellPath string) Family {
	base := strings.ToLower(filepath.Base(shellPath))
	switch {
	case strings.Contains(base, "powershell"), strings.Contains(base, "pwsh"):
		return PowerShell
	case strings.Contains(base, "cmd.exe"):
		return Cmd
	case strings.Contains(base, "zsh"):
		return Zsh
	case strings.Contains(base, "bash"):
		return Bash
	default:
		return Posix
	}
}

// Args returns the argv that runs command non-interactively. A blank
// command yields an empty argv, which starts an interactive login shell.
func (f Family) Args(command string) []string {
	if strings.TrimSpace(command) == "" {
		return []string{}
	}
	switch f {
	case PowerShell:
		return []string{"-NoLogo", "-NoProfile", "-Command", command}
	case Cmd:
		return []string{"/d", "/s", "/c", command}
	case Zsh, Bash:
		// -i so aliases and functions from rc files are available.
		return []string{"-ilc", command}
	default:
		return []string{"-lc", command}
	}
}

// Args is shorthand for Detect(shellPath).Args(command).
func Args(shellPath, command string) []string {
	return Detect(shellPath).Args(command)
}

// Default returns the shell to use when none is configured.
func Default() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	if p, err := exec.LookPath("bash"); err == nil {
		return p
	}
	return "/bin/sh"
}

const loginPathTimeout = 10 * time.Second

// LoginPath asks the shell, started as an interactive login shell, for the
// PATH its profile scripts produce. Any failure yields the current PATH.
func LoginPath(ctx context.Context, shellPath string) string {
	current := os.Getenv("PATH")
	if Detect(shellPath) == PowerShell {
		return current
	}

	ctx, cancel := context.WithTimeout(ctx, loginPathTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shellPath, "-ilc", `echo -n "$PATH"`)
	cmd.Env = os.Environ()
	out, err := cmd.Output()
	if err != nil {
		return current
	}
	if p := strings.TrimSpace(string(out)); p != "" {
		return p
	}
	return current
}

// Resolver holds the shell and its login PATH, resolved once per run.
type Resolver struct {
	Path      string
	Family    Family
	LoginPATH string
}

// NewResolver resolves shellPath (or Default when empty) and its login PATH.
func NewResolver(ctx context.Context, shellPath string) *Resolver {
	if shellPath == "" {
		shellPath = Default()
	}
	return &Resolver{
		Path:      shellPath,
		Family:    Detect(shellPath),
		LoginPATH: LoginPath(ctx, shellPath),
	}
}

// Args builds the argv for command using the resolved shell family.
func (r *Resolver) Args(command string) []string {
	return r.Family.Args(command)
}

// Env returns base with PATH replaced by the login PATH, if one was resolved.
func (r *Resolver) Env(base []string) []string {
	if r.LoginPATH == "" {
		return base
	}
	env := make([]string, 0, len(base)+1)
	for _, kv := range base {
		if strings.HasPrefix(kv, "PATH=") {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "PATH="+r.LoginPATH)
}
