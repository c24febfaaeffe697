package session

import "time"

// State represents the lifecycle state of a live session.
type State string

const (
	StateRunning      State = "running"
	StateInterrupting State = "interrupting"
	StateStopping     State = "stopping"
)

// Status strings returned to callers.
const (
	StatusStarted      = "started"
	StatusRunning      = "running"
	StatusInterrupting = "interrupting"
	StatusStopping     = "stopping"
	StatusNotFound     = "not-found"
)

// Session is a snapshot of one supervised pty process.
type Session struct {
	ID        string    `json:"id"`
	Instance  string    `json:"instance"`
	PID       int       `json:"pid"`
	ShellOnly bool      `json:"shellOnly"`
	Command   string    `json:"command"`
	WorkDir   string    `json:"workDir"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"startedAt"`
}

// StartResult is returned by Start.
type StartResult struct {
	ID     string `json:"sessionId"`
	PID    int    `json:"pid"`
	Status string `json:"status"`
}

// Ack acknowledges an interrupt or stop request. Completion is reported
// later through the exit event.
type Ack struct {
	ID     string `json:"sessionId"`
	Status string `json:"status"`
}

// ProcessStatus is a point-in-time view of whether a session is live.
type ProcessStatus struct {
	ID        string `json:"sessionId"`
	IsRunning bool   `json:"isRunning"`
	PID       int    `json:"pid,omitempty"`
}

// EventSink receives session output and exit notifications. Calls for one
// session arrive in order from a single goroutine.
type EventSink interface {
	TerminalData(id string, data []byte)
	ProcessExit(id string, exitCode int)
}

// SinkFuncs adapts plain functions to EventSink. Nil fields are skipped.
type SinkFuncs struct {
	Data func(id string, data []byte)
	Exit func(id string, exitCode int)
}

func (f SinkFuncs) TerminalData(id string, data []byte) {
	if f.Data != nil {
		f.Data(id, data)
	}
}

func (f SinkFuncs) ProcessExit(id string, exitCode int) {
	if f.Exit != nil {
		f.Exit(id, exitCode)
	}
}

// Timings are the grace periods of the teardown sequences.
type Timings struct {
	// InterruptGrace follows the Ctrl+C byte.
	InterruptGrace time.Duration
	// TreeInterruptGrace follows SIGINT to the tree.
	TreeInterruptGrace time.Duration
	// TermGrace follows SIGTERM to the tree.
	TermGrace time.Duration
	// KillSettle follows SIGKILL to the tree.
	KillSettle time.Duration
}

// DefaultTimings are the production grace periods.
var DefaultTimings = Timings{
	InterruptGrace:     1500 * time.Millisecond,
	TreeInterruptGrace: 1500 * time.Millisecond,
	TermGrace:          2000 * time.Millisecond,
	KillSettle:         500 * time.Millisecond,
}

// Longest is the duration of a full interrupt ladder, the longest teardown.
func (t Timings) Longest() time.Duration {
	return t.InterruptGrace + t.TreeInterruptGrace + t.TermGrace + t.KillSettle
}

// Default terminal geometry at spawn.
const (
	DefaultCols = 80
	DefaultRows = 30
)
