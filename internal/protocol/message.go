package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage creates a server-originated message with the current timestamp.
func NewMessage(msgType string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		Type:      msgType,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Server → Client message types.
const (
	TypeProcessStarted   = "process.started"
	TypeProcessAck       = "process.ack"
	TypeProcessStatus    = "process.status"
	TypeProcessExit      = "process.exit"
	TypeTerminalData     = "terminal.data"
	TypePortsList        = "ports.list"
	TypePortsFreed       = "ports.freed"
	TypeWorkspaceChanged = "workspace.changed"
	TypeError            = "error"
)

// Client → Server message types. ports.list is used in both directions.
const (
	TypeProcessStart     = "process.start"
	TypeProcessInterrupt = "process.interrupt"
	TypeProcessStop      = "process.stop"
	TypeProcessQuery     = "process.status"
	TypeTerminalWrite    = "terminal.write"
	TypeTerminalResize   = "terminal.resize"
	TypePortsQuery       = "ports.list"
	TypePortsFree        = "ports.free"
)

// Error codes.
const (
	ErrInvalidMessage = "INVALID_MESSAGE"
	ErrSpawnFailed    = "SPAWN_FAILED"
	ErrInvalidWorkDir = "INVALID_WORKDIR"
	ErrShuttingDown   = "SHUTTING_DOWN"
	ErrInternal       = "INTERNAL"
)

// Server → Client payloads.

type ProcessStartedPayload struct {
	SessionID string `json:"sessionId"`
	PID       int    `json:"pid"`
	Status    string `json:"status"`
}

type ProcessAckPayload struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

type ProcessStatusPayload struct {
	SessionID string `json:"sessionId"`
	IsRunning bool   `json:"isRunning"`
	PID       int    `json:"pid,omitempty"`
}

type ProcessExitPayload struct {
	SessionID string `json:"sessionId"`
	ExitCode  int    `json:"exitCode"`
}

// TerminalDataPayload carries pty output. Replay marks scrollback sent to a
// newly connected client.
type TerminalDataPayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
	Replay    bool   `json:"replay,omitempty"`
}

type PortEntry struct {
	Port    int    `json:"port"`
	PID     int    `json:"pid"`
	Status  string `json:"status"`
	Command string `json:"command,omitempty"`
}

type PortsListPayload struct {
	Ports []PortEntry `json:"ports"`
}

type PortsFreedPayload struct {
	Port   int    `json:"port"`
	PID    int    `json:"pid,omitempty"`
	Status string `json:"status"`
}

type WorkspaceChangedPayload struct {
	WorkspaceID string            `json:"workspaceId"`
	Scripts     map[string]string `json:"scripts"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Client → Server payloads.

type ProcessStartPayload struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
	Cwd       string `json:"cwd"`
}

type SessionIDPayload struct {
	SessionID string `json:"sessionId"`
}

type TerminalWritePayload struct {
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

type TerminalResizePayload struct {
	SessionID string `json:"sessionId"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

type PortsFreePayload struct {
	Port int `json:"port"`
	PID  int `json:"pid,omitempty"`
}
