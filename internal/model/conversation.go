// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// DefaultTitle is the placeholder title for a conversation that has not yet
// received its first user message.
const DefaultTitle = "New Conversation"

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds a complete chat conversation with history and metadata.
// Message order is causal: append-only except for the edit and regenerate
// compensations applied by the lifecycle controller.
type Conversation struct {
	// Identity
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Messages
	Messages []*Message `json:"messages"`

	// Model override for this conversation (empty = use default).
	Model string `json:"model,omitempty"`

	// ThinkingMode requests a pre-answer reasoning trace from the Gateway.
	ThinkingMode bool `json:"thinking_mode,omitempty"`

	// Pinned keeps the conversation at the top of listings.
	Pinned bool `json:"pinned,omitempty"`
}

// NewConversation creates a new conversation with a generated ID.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        generateConversationID(),
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// AddMessage appends a message to the conversation.
func (c *Conversation) AddMessage(msg *Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.updateTitle()
}

// GetLastMessage returns the most recent message, or nil if empty.
func (c *Conversation) GetLastMessage() *Message {
	if len(c.Messages) == 0 {
		return nil
	}
	return c.Messages[len(c.Messages)-1]
}

// GetMessageByID returns a message by its ID, or nil.
func (c *Conversation) GetMessageByID(id string) *Message {
	for _, msg := range c.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// IndexOf returns the position of a message by ID, or -1.
func (c *Conversation) IndexOf(id string) int {
	for i, msg := range c.Messages {
		if msg.ID == id {
			return i
		}
	}
	return -1
}

// RemoveMessage removes a message by ID. Returns false if not found.
func (c *Conversation) RemoveMessage(id string) bool {
	i := c.IndexOf(id)
	if i < 0 {
		return false
	}
	c.Messages = append(c.Messages[:i], c.Messages[i+1:]...)
	c.UpdatedAt = time.Now()
	return true
}

// TruncateAfter removes every message after the one with the given ID and
// returns the number removed. Returns -1 if the message does not exist.
func (c *Conversation) TruncateAfter(id string) int {
	i := c.IndexOf(id)
	if i < 0 {
		return -1
	}
	removed := len(c.Messages) - i - 1
	if removed > 0 {
		c.Messages = c.Messages[:i+1]
		c.UpdatedAt = time.Now()
	}
	return removed
}

// PrecedingUserMessage scans backwards from the message with the given ID
// for the nearest user message. Returns nil if none exists.
func (c *Conversation) PrecedingUserMessage(id string) *Message {
	i := c.IndexOf(id)
	if i < 0 {
		return nil
	}
	for j := i - 1; j >= 0; j-- {
		if c.Messages[j].Role == RoleUser {
			return c.Messages[j]
		}
	}
	return nil
}

// QueuedMessages returns the user messages currently held for reconnect,
// in conversation order.
func (c *Conversation) QueuedMessages() []*Message {
	var queued []*Message
	for _, msg := range c.Messages {
		if msg.Role == RoleUser && msg.SendStatus == SendStatusQueued {
			queued = append(queued, msg)
		}
	}
	return queued
}

// MessageCount returns the number of messages.
func (c *Conversation) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if there are no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// updateTitle derives a title from the first user message while the
// conversation is still untitled.
func (c *Conversation) updateTitle() {
	if c.Title != "" && c.Title != DefaultTitle {
		return
	}
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			c.Title = msg.Preview(50)
			return
		}
	}
}

// SetTitle manually sets the conversation title.
func (c *Conversation) SetTitle(title string) {
	c.Title = title
	c.UpdatedAt = time.Now()
}

// GetTitle returns the conversation title or the placeholder.
func (c *Conversation) GetTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return DefaultTitle
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateConversationID creates a unique conversation ID.
func generateConversationID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "conv_" + hex.EncodeToString(bytes)
}
