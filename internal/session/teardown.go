package session

import (
	"context"
	"log/slog"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"clihub/internal/proctree"
)

type mode int

const (
	modeInterrupt mode = iota
	modeStop
)

func (md mode) state() State {
	if md == modeInterrupt {
		return StateInterrupting
	}
	return StateStopping
}

func (md mode) status() string {
	if md == modeInterrupt {
		return StatusInterrupting
	}
	return StatusStopping
}

func (md mode) String() string {
	if md == modeInterrupt {
		return "interrupt"
	}
	return "stop"
}

const etx = 0x03

// Interrupt sends Ctrl+C to the session. Unless the session is a bare
// shell, it then escalates through SIGINT, SIGTERM and SIGKILL on the
// process tree.
func (m *Manager) Interrupt(id string) Ack {
	return m.request(id, modeInterrupt)
}

// Stop terminates the session's process tree with SIGTERM, then SIGKILL.
func (m *Manager) Stop(id string) Ack {
	return m.request(id, modeStop)
}

// InterruptWait is Interrupt, blocking until the teardown completes or ctx
// ends.
func (m *Manager) InterruptWait(ctx context.Context, id string) error {
	return m.requestWait(ctx, id, modeInterrupt)
}

// StopWait is Stop, blocking until the teardown completes or ctx ends.
func (m *Manager) StopWait(ctx context.Context, id string) error {
	return m.requestWait(ctx, id, modeStop)
}

func (m *Manager) request(id string, md mode) Ack {
	if _, ok := m.terminate(id, md); !ok {
		return Ack{ID: id, Status: StatusNotFound}
	}
	return Ack{ID: id, Status: md.status()}
}

func (m *Manager) requestWait(ctx context.Context, id string, md mode) error {
	ch, ok := m.terminate(id, md)
	if !ok {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// terminate starts the teardown for id's live session, or joins the one
// already running. A second request never issues its own signals.
func (m *Manager) terminate(id string, md mode) (<-chan singleflight.Result, bool) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if ok && (ms.State == StateRunning || md == modeStop) {
		ms.State = md.state()
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	// A bare shell handles Ctrl+C itself and stays live. This is not a
	// teardown, so a later stop must not join it.
	if md == modeInterrupt && ms.ShellOnly {
		ch := make(chan singleflight.Result, 1)
		go func() {
			m.shellInterrupt(ms)
			ch <- singleflight.Result{}
		}()
		return ch, true
	}

	ch := m.teardowns.DoChan(ms.Instance, func() (any, error) {
		m.teardown(ms, md)
		return nil, nil
	})
	return ch, true
}

// shellInterrupt writes Ctrl+C to a bare shell and returns it to running
// unless a stop took over meanwhile.
func (m *Manager) shellInterrupt(ms *managedSession) {
	m.sendETX(ms, m.logger.With("session", ms.ID, "pid", ms.PID, "mode", modeInterrupt.String()))
	m.mu.Lock()
	if ms.State == StateInterrupting {
		ms.State = StateRunning
	}
	m.mu.Unlock()
}

// teardown runs one escalation sequence. The pty is always released and
// the session removed at the end, whatever happened to the signals.
func (m *Manager) teardown(ms *managedSession, md mode) {
	select {
	case <-ms.released:
		return
	default:
	}

	log := m.logger.With("session", ms.ID, "pid", ms.PID, "mode", md.String())
	log.Info("teardown started")
	start := time.Now()

	defer func() {
		ms.release(m.logger)
		m.remove(ms)
		log.Info("teardown finished", "elapsed", time.Since(start).Round(time.Millisecond))
	}()

	if md == modeInterrupt {
		m.interruptSequence(ms, log)
		return
	}
	m.stopSequence(ms, log)
}

func (m *Manager) sendETX(ms *managedSession, log *slog.Logger) {
	if _, err := ms.handle.Write([]byte{etx}); err != nil {
		log.Debug("writing ctrl-c", "error", err)
	}
}

func (m *Manager) interruptSequence(ms *managedSession, log *slog.Logger) {
	m.sendETX(ms, log)

	steps := []struct {
		grace time.Duration
		sig   syscall.Signal
	}{
		{m.timings.InterruptGrace, syscall.SIGINT},
		{m.timings.TreeInterruptGrace, syscall.SIGTERM},
		{m.timings.TermGrace, syscall.SIGKILL},
	}
	for _, step := range steps {
		if !m.waitAlive(ms, step.grace) {
			return
		}
		m.signalTree(ms, step.sig, log)
	}
	m.wait(ms, m.timings.KillSettle)
}

func (m *Manager) stopSequence(ms *managedSession, log *slog.Logger) {
	if ms.hasExited() {
		return
	}
	m.signalTree(ms, syscall.SIGTERM, log)
	if !m.waitAlive(ms, m.timings.TermGrace) {
		return
	}
	m.signalTree(ms, syscall.SIGKILL, log)
	m.wait(ms, m.timings.KillSettle)
}

func (m *Manager) signalTree(ms *managedSession, sig syscall.Signal, log *slog.Logger) {
	results := m.tree.KillTree(context.Background(), ms.PID, sig)
	failed := countFailed(results)
	log.Debug("signalled tree", "signal", sig.String(), "targets", len(results), "failed", failed)
}

func countFailed(results []proctree.SignalResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

// wait sleeps for d, returning early once the root process has been reaped.
func (m *Manager) wait(ms *managedSession, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ms.exited:
	}
}

// waitAlive waits for d and then probes the root process.
func (m *Manager) waitAlive(ms *managedSession, d time.Duration) bool {
	m.wait(ms, d)
	if ms.hasExited() {
		return false
	}
	return m.tree.Alive(ms.PID)
}
