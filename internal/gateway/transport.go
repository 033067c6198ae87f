// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"

	"github.com/jeranaias/clawdesk/internal/model"
)

// =============================================================================
// TRANSPORT PORT
// =============================================================================

// Transport is the command side of the Gateway channel. The engine issues
// exactly four commands; everything inbound arrives on Events. Implementations
// must be safe for concurrent use.
type Transport interface {
	// Connect establishes the link. The returned result carries the URL that
	// actually worked; when ProtocolSwitched is set the caller must persist
	// UsedURL as the new canonical setting.
	Connect(ctx context.Context, url, token string) (ConnectResult, error)

	// Disconnect tears the link down. Safe to call when not connected.
	Disconnect() error

	// SendMessage submits a chat turn. It returns once the Gateway has
	// accepted the request; streamed output follows on Events.
	SendMessage(ctx context.Context, req ChatRequest) error

	// ListModels fetches the Gateway's model catalog.
	ListModels(ctx context.Context) ([]model.ModelInfo, error)

	// Events is the inbound event channel. It is closed when the client
	// shuts down for good.
	Events() <-chan Event
}

// ConnectResult reports the outcome of a connection attempt.
type ConnectResult struct {
	Success          bool
	UsedURL          string
	ProtocolSwitched bool
}

// ChatRequest carries one outbound chat turn.
type ChatRequest struct {
	Message     string
	SessionKey  string
	Model       string
	Thinking    bool
	Attachments []model.Attachment

	// IdempotencyKey dedupes retried sends on the Gateway side.
	IdempotencyKey string
}

// =============================================================================
// EVENTS
// =============================================================================

// EventKind discriminates inbound transport events.
type EventKind int

const (
	// EventConnected fires when the Gateway confirms the handshake.
	EventConnected EventKind = iota
	// EventDisconnected fires when the link drops, with the reason.
	EventDisconnected
	// EventStreamDelta carries one ordered token delta of the reply.
	EventStreamDelta
	// EventComplete finalizes the streamed reply.
	EventComplete
)

// Event is an inbound signal from the Gateway.
type Event struct {
	Kind EventKind

	// Delta is the token text for EventStreamDelta.
	Delta string

	// Thinking is the reasoning-trace text for EventStreamDelta, when the
	// Gateway interleaves a pre-answer trace.
	Thinking string

	// Reason describes an EventDisconnected.
	Reason string

	// Usage and StopReason accompany EventComplete.
	Usage      model.TokenUsage
	StopReason string
}

// =============================================================================
// FALLBACK MODEL CATALOG
// =============================================================================

// FallbackModels is the catalog used when models.list fails; a stale catalog
// beats an empty picker.
func FallbackModels() []model.ModelInfo {
	return []model.ModelInfo{
		{
			ID:            "anthropic/claude-sonnet-4-5",
			Name:          "Claude Sonnet 4.5",
			Provider:      "anthropic",
			IsDefault:     true,
			ContextWindow: 200000,
		},
		{
			ID:            "anthropic/claude-opus-4-5",
			Name:          "Claude Opus 4.5",
			Provider:      "anthropic",
			ContextWindow: 200000,
			Reasoning:     true,
		},
		{
			ID:            "anthropic/claude-sonnet-3-5",
			Name:          "Claude Sonnet 3.5",
			Provider:      "anthropic",
			ContextWindow: 200000,
		},
	}
}
