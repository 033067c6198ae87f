// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jeranaias/clawdesk/internal/model"
)

// ExportMarkdown renders a conversation as a markdown transcript.
func ExportMarkdown(conv *model.Conversation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", conv.GetTitle())
	fmt.Fprintf(&b, "_%s_\n\n", conv.CreatedAt.Format("2006-01-02 15:04"))

	for _, msg := range conv.Messages {
		fmt.Fprintf(&b, "## %s\n\n", msg.Role.DisplayName())
		b.WriteString(msg.GetDisplayContent())
		b.WriteString("\n\n")
		for _, att := range msg.Attachments {
			fmt.Fprintf(&b, "> attachment: %s (%s)\n\n", att.Filename, att.MimeType)
		}
	}
	return b.String()
}

// exportedMessage is the JSON export shape for one message.
type exportedMessage struct {
	ID        string             `json:"id"`
	Role      string             `json:"role"`
	Content   string             `json:"content"`
	Thinking  string             `json:"thinking,omitempty"`
	Model     string             `json:"model,omitempty"`
	Usage     *model.TokenUsage  `json:"usage,omitempty"`
	Timestamp string             `json:"timestamp"`
	Files     []model.Attachment `json:"attachments,omitempty"`
}

// exportedConversation is the JSON export shape for a conversation.
type exportedConversation struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	CreatedAt string            `json:"created_at"`
	Messages  []exportedMessage `json:"messages"`
}

// ExportJSON renders a conversation as indented JSON.
func ExportJSON(conv *model.Conversation) ([]byte, error) {
	out := exportedConversation{
		ID:        conv.ID,
		Title:     conv.GetTitle(),
		CreatedAt: conv.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
	for _, msg := range conv.Messages {
		em := exportedMessage{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.GetDisplayContent(),
			Thinking:  msg.ThinkingContent,
			Model:     msg.ModelUsed,
			Timestamp: msg.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
			Files:     msg.Attachments,
		}
		if !msg.Usage.IsZero() {
			u := msg.Usage
			em.Usage = &u
		}
		out.Messages = append(out.Messages, em)
	}
	return json.MarshalIndent(out, "", "  ")
}
