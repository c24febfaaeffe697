//go:build unix

package proctree

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// OSSignaler sends signals with kill(2).
type OSSignaler struct{}

// Signal sends sig to pid. ESRCH and EPERM come back as errors.
func (OSSignaler) Signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}
