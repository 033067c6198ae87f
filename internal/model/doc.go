// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types used throughout the engine
// for representing chat conversations, messages, attachments, and model
// information.
//
// # Key Types
//
//   - Conversation: Container for a chat session with messages and metadata
//   - Message: Single message with role, content, streaming and delivery state
//   - Attachment: Inline or referenced file attached to a user message
//   - ModelInfo: Information about an inference model offered by the Gateway
//   - Role: Message role enumeration (user, assistant, system)
//   - SendStatus: Delivery lifecycle state (sending, queued, failed, sent)
//
// # Usage
//
// Create a new conversation and append a user message:
//
//	conv := model.NewConversation()
//	conv.AddMessage(model.NewUserMessage("Hello!", nil))
package model
