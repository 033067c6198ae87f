// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/clawdesk/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleConversation(t *testing.T) *model.Conversation {
	t.Helper()
	conv := model.NewConversation()
	conv.Model = "anthropic/claude-sonnet-4-5"

	user := model.NewUserMessage("What is a channel?", nil)
	user.MarkSent()
	conv.AddMessage(user)

	reply := model.NewAssistantMessage()
	reply.IsStreaming = true
	reply.AppendToken("A channel is a typed conduit.")
	reply.FinalizeStream()
	reply.Usage = model.TokenUsage{Input: 12, Output: 8, Total: 20}
	reply.StopReason = "end_turn"
	reply.ModelUsed = "anthropic/claude-sonnet-4-5"
	conv.AddMessage(reply)

	return conv
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	conv := sampleConversation(t)

	require.NoError(t, s.SaveConversation(conv))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, conv.ID, got.ID)
	assert.Equal(t, conv.GetTitle(), got.GetTitle())
	assert.Equal(t, conv.Model, got.Model)
	require.Len(t, got.Messages, 2)

	assert.Equal(t, model.RoleUser, got.Messages[0].Role)
	assert.Equal(t, "What is a channel?", got.Messages[0].Content)
	assert.False(t, got.Messages[0].IsPending)

	assert.Equal(t, model.RoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "A channel is a typed conduit.", got.Messages[1].Content)
	assert.Equal(t, 20, got.Messages[1].Usage.Total)
	assert.Equal(t, "end_turn", got.Messages[1].StopReason)
}

func TestSaveIsIdempotentUpsert(t *testing.T) {
	s := openTestStore(t)
	conv := sampleConversation(t)

	require.NoError(t, s.SaveConversation(conv))

	// A later save with an extra message replaces, not duplicates.
	extra := model.NewUserMessage("And a select?", nil)
	extra.MarkSent()
	conv.AddMessage(extra)
	require.NoError(t, s.SaveConversation(conv))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Len(t, loaded[0].Messages, 3)
}

func TestQueuedStatusSurvivesRestart(t *testing.T) {
	s := openTestStore(t)
	conv := model.NewConversation()
	msg := model.NewUserMessage("send me later", nil)
	msg.MarkQueued()
	conv.AddMessage(msg)

	require.NoError(t, s.SaveConversation(conv))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded[0].Messages, 1)
	got := loaded[0].Messages[0]
	assert.Equal(t, model.SendStatusQueued, got.SendStatus)
	assert.True(t, got.IsPending)
}

func TestAttachmentsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	conv := model.NewConversation()
	att := model.Attachment{ID: "att_1", Filename: "graph.png", MimeType: "image/png", Data: "aGVsbG8="}
	msg := model.NewUserMessage("see attached", []model.Attachment{att})
	msg.MarkSent()
	conv.AddMessage(msg)

	require.NoError(t, s.SaveConversation(conv))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	require.Len(t, loaded[0].Messages[0].Attachments, 1)
	assert.Equal(t, att, loaded[0].Messages[0].Attachments[0])
}

func TestDeleteConversationCascades(t *testing.T) {
	s := openTestStore(t)
	conv := sampleConversation(t)
	require.NoError(t, s.SaveConversation(conv))

	require.NoError(t, s.DeleteConversation(conv.ID))

	loaded, err := s.LoadAll()
	require.NoError(t, err)
	assert.Empty(t, loaded)

	// The cascade removed the messages too.
	results, err := s.SearchMessages("channel", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchMessages(t *testing.T) {
	s := openTestStore(t)
	conv := sampleConversation(t)
	require.NoError(t, s.SaveConversation(conv))

	results, err := s.SearchMessages("typed conduit", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, conv.ID, results[0].ConversationID)
	assert.Contains(t, results[0].Snippet, "typed conduit")

	none, err := s.SearchMessages("no such phrase anywhere", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAppFlags(t *testing.T) {
	s := openTestStore(t)

	v, err := s.GetFlag("onboarding_completed")
	require.NoError(t, err)
	assert.Equal(t, "", v)

	require.NoError(t, s.SetFlag("onboarding_completed", "true"))
	require.NoError(t, s.SetFlag("last_seen_version", "0.1.0"))
	require.NoError(t, s.SetFlag("last_seen_version", "0.2.0"))

	v, err = s.GetFlag("onboarding_completed")
	require.NoError(t, err)
	assert.Equal(t, "true", v)

	v, err = s.GetFlag("last_seen_version")
	require.NoError(t, err)
	assert.Equal(t, "0.2.0", v)
}

func TestExportMarkdown(t *testing.T) {
	conv := sampleConversation(t)
	md := ExportMarkdown(conv)

	assert.Contains(t, md, "# "+conv.GetTitle())
	assert.Contains(t, md, "## You")
	assert.Contains(t, md, "## Assistant")
	assert.Contains(t, md, "A channel is a typed conduit.")
}

func TestExportJSON(t *testing.T) {
	conv := sampleConversation(t)
	data, err := ExportJSON(conv)
	require.NoError(t, err)

	assert.Contains(t, string(data), conv.ID)
	assert.Contains(t, string(data), `"role": "assistant"`)
	assert.Contains(t, string(data), `"total"`)
}
