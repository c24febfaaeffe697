package protocol

import (
	"encoding/json"
	"fmt"
)

// validClientTypes is the set of allowed client→server message types.
var validClientTypes = map[string]bool{
	TypeProcessStart:     true,
	TypeProcessInterrupt: true,
	TypeProcessStop:      true,
	TypeProcessQuery:     true,
	TypeTerminalWrite:    true,
	TypeTerminalResize:   true,
	TypePortsQuery:       true,
	TypePortsFree:        true,
}

// ValidateClientMessage validates a raw JSON message from a client.
// Returns the parsed Message and any validation error.
func ValidateClientMessage(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if msg.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}

	if !validClientTypes[msg.Type] {
		return nil, fmt.Errorf("unknown message type: %s", msg.Type)
	}

	if msg.Payload == nil {
		if msg.Type != TypePortsQuery {
			return nil, fmt.Errorf("missing 'payload' field")
		}
		msg.Payload = json.RawMessage("{}")
	}

	// Validate required payload fields per type.
	switch msg.Type {
	case TypeProcessStart:
		var p ProcessStartPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}

	case TypeProcessInterrupt, TypeProcessStop, TypeProcessQuery:
		var p SessionIDPayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}

	case TypeTerminalWrite:
		var p TerminalWritePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}

	case TypeTerminalResize:
		var p TerminalResizePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.SessionID == "" {
			return nil, missing("sessionId", msg.Type)
		}
		if p.Cols == 0 || p.Rows == 0 {
			return nil, fmt.Errorf("'cols' and 'rows' must be positive in %s payload", msg.Type)
		}

	case TypePortsFree:
		var p PortsFreePayload
		if err := decode(msg, &p); err != nil {
			return nil, err
		}
		if p.Port <= 0 || p.Port > 65535 {
			return nil, fmt.Errorf("invalid 'port' in %s payload", msg.Type)
		}
		if p.PID < 0 {
			return nil, fmt.Errorf("invalid 'pid' in %s payload", msg.Type)
		}
	}

	return &msg, nil
}

func decode(msg Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", msg.Type, err)
	}
	return nil
}

func missing(field, msgType string) error {
	return fmt.Errorf("missing required field '%s' in %s payload", field, msgType)
}

// NewErrorMessage creates an error message ready to send to the client.
func NewErrorMessage(code, message string) (*Message, error) {
	return NewMessage(TypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
}
