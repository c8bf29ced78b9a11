package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
)

// WebSocket message type ids. Calls travel as [type, uniqueId, action,
// payload], results as [type, uniqueId, payload], errors as
// [type, uniqueId, code, message, details?].
const (
	MTOpen       = 0
	MTClose      = 1
	MTCall       = 2
	MTCallResult = 3
	MTCallError  = 4
)

// ErrBadFrame reports an undecodable WebSocket frame.
var ErrBadFrame = errors.New("undecodable frame")

// WSMessage is one decoded protocol frame.
type WSMessage struct {
	Type         int
	UniqueID     string
	Action       string
	Payload      json.RawMessage
	ErrorCode    int
	ErrorMessage string
	ErrorDetails json.RawMessage
}

// ParseWSMessage decodes a frame from its JSON array form.
func ParseWSMessage(data []byte) (WSMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return WSMessage{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if len(parts) < 2 {
		return WSMessage{}, fmt.Errorf("%w: %d elements", ErrBadFrame, len(parts))
	}

	var m WSMessage
	if err := json.Unmarshal(parts[0], &m.Type); err != nil {
		return WSMessage{}, fmt.Errorf("%w: message type: %v", ErrBadFrame, err)
	}
	if err := json.Unmarshal(parts[1], &m.UniqueID); err != nil {
		return WSMessage{}, fmt.Errorf("%w: unique id: %v", ErrBadFrame, err)
	}

	switch m.Type {
	case MTOpen, MTClose, MTCall:
		if len(parts) > 2 {
			if err := json.Unmarshal(parts[2], &m.Action); err != nil {
				return WSMessage{}, fmt.Errorf("%w: action: %v", ErrBadFrame, err)
			}
		}
		if len(parts) > 3 {
			m.Payload = parts[3]
		}

	case MTCallResult:
		if len(parts) > 2 {
			m.Payload = parts[2]
		}

	case MTCallError:
		if len(parts) < 4 {
			return WSMessage{}, fmt.Errorf("%w: error frame needs 4 elements", ErrBadFrame)
		}
		if err := json.Unmarshal(parts[2], &m.ErrorCode); err != nil {
			return WSMessage{}, fmt.Errorf("%w: error code: %v", ErrBadFrame, err)
		}
		if err := json.Unmarshal(parts[3], &m.ErrorMessage); err != nil {
			return WSMessage{}, fmt.Errorf("%w: error message: %v", ErrBadFrame, err)
		}
		if len(parts) > 4 {
			m.ErrorDetails = parts[4]
		}

	default:
		return WSMessage{}, fmt.Errorf("%w: unknown message type %d", ErrBadFrame, m.Type)
	}

	return m, nil
}

// Encode renders the frame back to its JSON array form.
func (m WSMessage) Encode() ([]byte, error) {
	payload := m.Payload
	if payload == nil {
		payload = json.RawMessage("null")
	}

	switch m.Type {
	case MTOpen, MTClose, MTCall:
		return json.Marshal([]any{m.Type, m.UniqueID, m.Action, payload})
	case MTCallResult:
		return json.Marshal([]any{m.Type, m.UniqueID, payload})
	case MTCallError:
		if m.ErrorDetails != nil {
			return json.Marshal([]any{m.Type, m.UniqueID, m.ErrorCode, m.ErrorMessage, m.ErrorDetails})
		}
		return json.Marshal([]any{m.Type, m.UniqueID, m.ErrorCode, m.ErrorMessage})
	default:
		return nil, fmt.Errorf("unknown message type %d", m.Type)
	}
}

// ResultFor prepares the CallResult response correlated to the request.
func ResultFor(req WSMessage, payload json.RawMessage) WSMessage {
	return WSMessage{Type: MTCallResult, UniqueID: req.UniqueID, Payload: payload}
}

// ErrorFor prepares the CallError response correlated to the request.
func ErrorFor(req WSMessage, code int, message string) WSMessage {
	return WSMessage{Type: MTCallError, UniqueID: req.UniqueID, ErrorCode: code, ErrorMessage: message}
}
