// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"testing"

	"github.com/jeranaias/clawdesk/internal/model"
	"github.com/jeranaias/clawdesk/internal/store"
)

func newStreamFixture(t *testing.T) (*store.Store, *Assembler, *model.Conversation, *model.Message) {
	t.Helper()
	s := store.New(nil)
	conv := s.CreateConversation()
	msg := model.NewAssistantMessage()
	if err := s.AddMessage(conv.ID, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginStream(conv.ID, msg.ID); err != nil {
		t.Fatal(err)
	}
	return s, New(s), conv, msg
}

func TestDeltasAssembleInOrder(t *testing.T) {
	_, asm, _, msg := newStreamFixture(t)

	asm.OnDelta("The answer ")
	asm.OnDelta("is ")
	asm.OnDelta("42.")
	asm.OnComplete(model.TokenUsage{Input: 8, Output: 3, Total: 11}, "end_turn")

	if msg.Content != "The answer is 42." {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.IsStreaming {
		t.Error("message still streaming")
	}
	if msg.Usage.Total != 11 {
		t.Errorf("Usage.Total = %d", msg.Usage.Total)
	}
}

func TestCompleteWithoutStreamIsNoOp(t *testing.T) {
	s := store.New(nil)
	s.CreateConversation()
	asm := New(s)

	asm.OnComplete(model.TokenUsage{}, "end_turn")
	asm.OnComplete(model.TokenUsage{}, "end_turn")

	conv := s.Selected()
	if conv.MessageCount() != 0 {
		t.Errorf("completion without stream created %d messages", conv.MessageCount())
	}
}

func TestOrphanDeltaOpensStream(t *testing.T) {
	s := store.New(nil)
	conv := s.CreateConversation()
	asm := New(s)

	asm.OnDelta("unexpected reply")

	if conv.MessageCount() != 1 {
		t.Fatalf("messages = %d, want 1", conv.MessageCount())
	}
	got := conv.GetLastMessage()
	if got.Role != model.RoleAssistant || !got.IsStreaming {
		t.Errorf("orphan delta produced role=%v streaming=%v", got.Role, got.IsStreaming)
	}
	if s.StreamingMessageID() != got.ID {
		t.Error("stream not opened on orphan message")
	}
}

func TestLateDeltaAfterStopDiscarded(t *testing.T) {
	s, asm, conv, msg := newStreamFixture(t)

	asm.OnDelta("The answer the user ")
	s.CompleteStream(model.TokenUsage{}, "stopped")
	asm.DiscardTail()

	// The Gateway keeps streaming the stopped run, then finishes it.
	asm.OnDelta("did not wait for.")
	asm.OnThinking("more reasoning")
	asm.OnComplete(model.TokenUsage{Input: 8, Output: 3, Total: 11}, "end_turn")

	if conv.MessageCount() != 1 {
		t.Fatalf("late output created a message: count = %d", conv.MessageCount())
	}
	if msg.Content != "The answer the user " {
		t.Errorf("Content = %q, want only the pre-stop partial", msg.Content)
	}
	if msg.StopReason != "stopped" {
		t.Errorf("StopReason = %q", msg.StopReason)
	}

	// Once the stopped run finished, unsolicited streams open again.
	asm.OnDelta("a genuinely new reply")
	if conv.MessageCount() != 2 {
		t.Errorf("orphan handling not restored: count = %d", conv.MessageCount())
	}
}

func TestEmptyDeltaIgnored(t *testing.T) {
	s := store.New(nil)
	conv := s.CreateConversation()
	asm := New(s)

	asm.OnDelta("")
	if conv.MessageCount() != 0 {
		t.Error("empty delta created a message")
	}
}

func TestThinkingAccumulatesSeparately(t *testing.T) {
	_, asm, _, msg := newStreamFixture(t)

	asm.OnThinking("Consider the base case. ")
	asm.OnThinking("Then the inductive step.")
	asm.OnDelta("Proof follows.")
	asm.OnComplete(model.TokenUsage{}, "end_turn")

	if msg.ThinkingContent != "Consider the base case. Then the inductive step." {
		t.Errorf("ThinkingContent = %q", msg.ThinkingContent)
	}
	if msg.Content != "Proof follows." {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestFinalizePartialKeepsContent(t *testing.T) {
	_, asm, _, msg := newStreamFixture(t)

	asm.OnDelta("Partial answer that was cut")
	asm.FinalizePartial()

	if msg.IsStreaming {
		t.Error("message still streaming after partial finalize")
	}
	if msg.Content != "Partial answer that was cut" {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.StopReason != "disconnected" {
		t.Errorf("StopReason = %q", msg.StopReason)
	}
}
