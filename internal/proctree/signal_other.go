//go:build !unix

package proctree

import (
	"os"
	"syscall"
)

// OSSignaler approximates kill(2) on Windows: the null signal probes by
// opening the process, anything else terminates it.
type OSSignaler struct{}

func (OSSignaler) Signal(pid int, sig syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	defer p.Release()
	if sig == 0 {
		return nil
	}
	return p.Kill()
}
