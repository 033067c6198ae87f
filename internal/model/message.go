// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// SEND STATUS TYPE
// =============================================================================

// SendStatus tracks the delivery state of an outbound user message.
// The zero value means the message was delivered (no pending marker).
type SendStatus string

const (
	// SendStatusSent is the absence of a pending marker.
	SendStatusSent SendStatus = ""
	// SendStatusSending means a transport call for this message is in flight.
	SendStatusSending SendStatus = "sending"
	// SendStatusQueued means the message is held for delivery on reconnect.
	SendStatusQueued SendStatus = "queued"
	// SendStatusFailed means delivery failed and a manual retry is offered.
	SendStatusFailed SendStatus = "failed"
)

// IsPending reports whether the status still represents undelivered mail.
func (s SendStatus) IsPending() bool {
	return s != SendStatusSent
}

// =============================================================================
// ATTACHMENT TYPE
// =============================================================================

// Attachment is a file attached to a user message. Preview-capable types
// carry the payload inline (base64); everything else is an external reference.
type Attachment struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mime_type"`

	// Data is the base64-encoded inline payload, empty for external refs.
	Data string `json:"data,omitempty"`
	// Ref is an external reference (path or URL) when no inline payload.
	Ref string `json:"ref,omitempty"`
}

// IsInline reports whether the attachment carries an inline payload.
func (a Attachment) IsInline() bool {
	return a.Data != ""
}

// =============================================================================
// TOKEN USAGE TYPE
// =============================================================================

// TokenUsage summarizes token counts reported by the Gateway for a reply.
type TokenUsage struct {
	Input  int `json:"input,omitempty"`
	Output int `json:"output,omitempty"`
	Total  int `json:"total,omitempty"`
}

// IsZero reports whether no usage was recorded.
func (u TokenUsage) IsZero() bool {
	return u.Input == 0 && u.Output == 0 && u.Total == 0
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content. Mutable while streaming, authoritative once finalized.
	Content string `json:"content"`

	// Attachments sent with the message (user messages only).
	Attachments []Attachment `json:"attachments,omitempty"`

	// Streaming state (not persisted)
	// PERFORMANCE: strings.Builder avoids quadratic allocations during streaming
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`

	// Delivery state (user messages only)
	IsPending  bool       `json:"is_pending,omitempty"`
	SendStatus SendStatus `json:"send_status,omitempty"`
	// SendError holds the failure text, present iff SendStatus is failed.
	SendError string `json:"send_error,omitempty"`

	// Assistant metadata
	ThinkingContent string     `json:"thinking_content,omitempty"`
	Sources         []string   `json:"sources,omitempty"`
	ModelUsed       string     `json:"model_used,omitempty"`
	StopReason      string     `json:"stop_reason,omitempty"`
	Usage           TokenUsage `json:"usage,omitempty"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a pending user message with optional attachments.
func NewUserMessage(content string, attachments []Attachment) *Message {
	msg := NewMessage(RoleUser, content)
	msg.Attachments = attachments
	msg.IsPending = true
	return msg
}

// NewAssistantMessage creates an assistant placeholder. The message does not
// stream until a stream is opened on it, so it never appears live before the
// store has granted it the streaming slot.
func NewAssistantMessage() *Message {
	return &Message{
		ID:        generateID(),
		Role:      RoleAssistant,
		Timestamp: time.Now(),
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendToken appends streamed text to a streaming message.
func (m *Message) AppendToken(token string) {
	if m.IsStreaming {
		m.streamContent.WriteString(token)
	}
}

// FinalizeStream completes streaming, making the accumulated content
// authoritative. Safe to call on a non-streaming message (no-op).
func (m *Message) FinalizeStream() {
	if !m.IsStreaming {
		return
	}
	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
}

// MarkSending transitions the message to the sending state.
func (m *Message) MarkSending() {
	m.SendStatus = SendStatusSending
	m.SendError = ""
}

// MarkSent clears the pending marker. Content and attachments are untouched;
// only the delivery bookkeeping is reset.
func (m *Message) MarkSent() {
	m.IsPending = false
	m.SendStatus = SendStatusSent
	m.SendError = ""
}

// MarkQueued holds the message for delivery on reconnect.
func (m *Message) MarkQueued() {
	m.IsPending = true
	m.SendStatus = SendStatusQueued
	m.SendError = ""
}

// MarkFailed records a hard delivery failure. Content and attachments are
// retained so a retry resubmits an identical payload.
func (m *Message) MarkFailed(errText string) {
	m.IsPending = true
	m.SendStatus = SendStatusFailed
	m.SendError = errText
}

// GetDisplayContent returns the content to display (streaming or final).
func (m *Message) GetDisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// Preview returns a truncated preview of the message content.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	content := m.GetDisplayContent()
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	return string(runes[:maxLen-3]) + "..."
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}
