// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"errors"
	"fmt"
)

// Error variables for common transport errors.
var (
	// ErrNotConnected indicates no live Gateway connection.
	ErrNotConnected = errors.New("not connected to Gateway")

	// ErrAlreadyConnected indicates a connect while a connection is live.
	ErrAlreadyConnected = errors.New("already connected")

	// ErrClosed indicates the client has been shut down.
	ErrClosed = errors.New("gateway client closed")
)

// ErrorKind classifies a Gateway error for its recovery strategy.
type ErrorKind int

const (
	// ErrorNetwork covers TCP, DNS and TLS failures. Retryable.
	ErrorNetwork ErrorKind = iota
	// ErrorProtocol covers malformed or unexpected frames.
	ErrorProtocol
	// ErrorGateway covers application errors reported by the Gateway.
	ErrorGateway
	// ErrorAuth covers rejected credentials. Never retried automatically.
	ErrorAuth
	// ErrorTimeout covers request deadlines. Retryable.
	ErrorTimeout
)

// Error is a classified Gateway error.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string

	// Retryable marks errors the supervisor may retry automatically.
	Retryable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway error [%s]: %s", e.Code, e.Message)
	}
	return "gateway error: " + e.Message
}

// RequiresReauth reports whether the error can only be resolved by the user
// supplying new credentials. The reconnect loop keeps retrying on these, but
// surfaces a notice so the user knows to fix their token.
func (e *Error) RequiresReauth() bool {
	if e.Kind == ErrorAuth {
		return true
	}
	switch e.Code {
	case "UNAUTHORIZED", "FORBIDDEN", "TOKEN_EXPIRED", "INVALID_TOKEN":
		return true
	}
	return false
}

// UserMessage returns a user-facing description of the error.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case ErrorNetwork:
		return "Unable to connect to Gateway. Please check your network connection."
	case ErrorProtocol:
		return "Communication error: " + e.Message + ". Try reconnecting."
	case ErrorAuth:
		return "Authentication failed: " + e.Message + ". Please check your credentials."
	case ErrorTimeout:
		return "Request timed out. Please try again."
	default:
		if e.Code != "" {
			return "[" + e.Code + "] " + e.Message
		}
		return e.Message
	}
}

// classifyWireError converts a raw Gateway error object into an *Error.
func classifyWireError(we *WireError) *Error {
	if we == nil {
		return &Error{Kind: ErrorGateway, Message: "unknown error"}
	}

	switch we.Code {
	case "UNAUTHORIZED", "FORBIDDEN", "TOKEN_EXPIRED", "INVALID_TOKEN":
		return &Error{Kind: ErrorAuth, Code: we.Code, Message: we.Message}
	}

	retryable := false
	if we.Retryable != nil {
		retryable = *we.Retryable
	} else {
		switch we.Code {
		case "RATE_LIMITED", "SERVICE_UNAVAILABLE", "OVERLOADED", "TIMEOUT", "TEMPORARY_ERROR", "RETRY":
			retryable = true
		}
	}

	return &Error{Kind: ErrorGateway, Code: we.Code, Message: we.Message, Retryable: retryable}
}

// netError wraps a low-level transport failure as a retryable network error.
func netError(format string, args ...any) *Error {
	return &Error{Kind: ErrorNetwork, Message: fmt.Sprintf(format, args...), Retryable: true}
}
