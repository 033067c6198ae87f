// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the Gateway protocol version spoken by this client.
const ProtocolVersion = 3

// =============================================================================
// FRAME TYPES
// =============================================================================

// rawFrame is the superset of all frame fields, used for decoding.
type rawFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int             `json:"seq,omitempty"`
}

// Frame is a validated protocol frame from the Gateway.
type Frame struct {
	// Kind is one of "req", "res", "event".
	Kind string

	// Request / response fields
	ID     string
	Method string
	Params json.RawMessage

	// Response fields
	OK      bool
	Payload json.RawMessage
	Err     *WireError

	// Event fields
	Event string
	Seq   int
}

// WireError is a raw error object from the Gateway, before classification.
type WireError struct {
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Retryable *bool           `json:"retryable,omitempty"`
}

// request is an outbound req frame.
type request struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// =============================================================================
// FRAME VALIDATION
// =============================================================================

// ParseFrame validates a raw JSON message and returns a typed frame.
// Malformed frames yield an *Error with kind ErrorProtocol; the caller is
// expected to log and drop them rather than tear down the connection.
func ParseFrame(data []byte) (*Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Kind: ErrorProtocol, Code: "INVALID_JSON", Message: fmt.Sprintf("invalid JSON: %v", err)}
	}

	switch raw.Type {
	case "req":
		if raw.ID == "" {
			return nil, &Error{Kind: ErrorProtocol, Code: "MISSING_ID", Message: "request missing 'id' field"}
		}
		if raw.Method == "" {
			return nil, &Error{Kind: ErrorProtocol, Code: "MISSING_METHOD", Message: "request missing 'method' field"}
		}
		return &Frame{Kind: "req", ID: raw.ID, Method: raw.Method, Params: raw.Params}, nil

	case "res":
		if raw.ID == "" {
			return nil, &Error{Kind: ErrorProtocol, Code: "MISSING_ID", Message: "response missing 'id' field"}
		}
		ok := raw.OK != nil && *raw.OK
		return &Frame{Kind: "res", ID: raw.ID, OK: ok, Payload: raw.Payload, Err: raw.Error}, nil

	case "event":
		if raw.Event == "" {
			return nil, &Error{Kind: ErrorProtocol, Code: "MISSING_EVENT", Message: "event missing 'event' field"}
		}
		return &Frame{Kind: "event", Event: raw.Event, Seq: raw.Seq, Payload: raw.Payload}, nil

	case "":
		return nil, &Error{Kind: ErrorProtocol, Code: "MISSING_TYPE", Message: "missing 'type' field"}

	default:
		return nil, &Error{Kind: ErrorProtocol, Code: "UNKNOWN_TYPE", Message: "unknown frame type: " + raw.Type}
	}
}

// =============================================================================
// CHAT EVENT PAYLOAD
// =============================================================================

// chatEvent is the payload of a "chat" event frame.
type chatEvent struct {
	RunID        string          `json:"runId,omitempty"`
	SessionKey   string          `json:"sessionKey,omitempty"`
	Seq          int             `json:"seq,omitempty"`
	State        string          `json:"state,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Usage        *wireUsage      `json:"usage,omitempty"`
	StopReason   string          `json:"stopReason,omitempty"`
}

// wireUsage mirrors the Gateway's token usage object.
type wireUsage struct {
	Input  int `json:"input,omitempty"`
	Output int `json:"output,omitempty"`
	Total  int `json:"totalTokens,omitempty"`
}

// chatMessageBody extracts the content field of a chat event's message.
type chatMessageBody struct {
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

// =============================================================================
// HANDSHAKE PARAMS
// =============================================================================

// connectParams is the handshake request sent in answer to connect.challenge.
// The Gateway schema rejects unknown fields, so this mirrors it exactly.
type connectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      clientInfo `json:"client"`
	Role        string     `json:"role"`
	Scopes      []string   `json:"scopes"`
	Auth        authInfo   `json:"auth"`
	Locale      string     `json:"locale"`
	UserAgent   string     `json:"userAgent"`
}

type clientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

type authInfo struct {
	Token string `json:"token"`
}
