// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"testing"
)

func TestNewUserMessageIsPending(t *testing.T) {
	msg := NewUserMessage("hello", nil)
	if msg.Role != RoleUser {
		t.Errorf("Role = %v", msg.Role)
	}
	if !msg.IsPending {
		t.Error("new user message must start pending")
	}
	if !strings.HasPrefix(msg.ID, "msg_") {
		t.Errorf("ID = %q, want msg_ prefix", msg.ID)
	}
}

func TestNewAssistantMessageNotStreamingYet(t *testing.T) {
	msg := NewAssistantMessage()
	if msg.Role != RoleAssistant || msg.IsStreaming {
		t.Errorf("role=%v streaming=%v", msg.Role, msg.IsStreaming)
	}
}

func TestMessageIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewUserMessage("x", nil).ID
		if seen[id] {
			t.Fatalf("duplicate ID %q", id)
		}
		seen[id] = true
	}
}

func TestAppendAndFinalize(t *testing.T) {
	msg := NewAssistantMessage()
	msg.IsStreaming = true
	msg.AppendToken("one ")
	msg.AppendToken("two")

	if got := msg.GetDisplayContent(); got != "one two" {
		t.Errorf("GetDisplayContent = %q while streaming", got)
	}

	msg.FinalizeStream()
	if msg.IsStreaming {
		t.Error("still streaming after finalize")
	}
	if msg.Content != "one two" {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestFinalizeNotStreamingIsNoOp(t *testing.T) {
	msg := NewUserMessage("keep me", nil)
	msg.FinalizeStream()
	if msg.Content != "keep me" {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestSendStatusLifecycle(t *testing.T) {
	msg := NewUserMessage("hi", nil)

	msg.MarkSending()
	if msg.SendStatus != SendStatusSending || !msg.IsPending {
		t.Errorf("after MarkSending: %q/%v", msg.SendStatus, msg.IsPending)
	}

	msg.MarkSent()
	if msg.SendStatus != SendStatusSent || msg.IsPending {
		t.Errorf("after MarkSent: %q/%v", msg.SendStatus, msg.IsPending)
	}

	msg.MarkQueued()
	if msg.SendStatus != SendStatusQueued || !msg.IsPending {
		t.Errorf("after MarkQueued: %q/%v", msg.SendStatus, msg.IsPending)
	}

	msg.MarkFailed("no route to host")
	if msg.SendStatus != SendStatusFailed || msg.SendError != "no route to host" {
		t.Errorf("after MarkFailed: %q/%q", msg.SendStatus, msg.SendError)
	}
	// The payload survives the failure for retry.
	if msg.Content != "hi" {
		t.Errorf("Content = %q", msg.Content)
	}
}

func TestPreviewTruncatesRunes(t *testing.T) {
	msg := NewUserMessage("héllo wörld, this is a lönger sentence", nil)
	p := msg.Preview(10)
	if len([]rune(p)) > 13 { // 10 runes plus ellipsis
		t.Errorf("Preview too long: %q", p)
	}

	short := NewUserMessage("tiny", nil)
	if short.Preview(10) != "tiny" {
		t.Errorf("Preview = %q", short.Preview(10))
	}
}

func TestAttachmentIsInline(t *testing.T) {
	inline := Attachment{ID: "a", Data: "aGk="}
	if !inline.IsInline() {
		t.Error("attachment with data not inline")
	}
	ref := Attachment{ID: "b", Ref: "/tmp/big.bin"}
	if ref.IsInline() {
		t.Error("ref attachment reported inline")
	}
}

func TestTokenUsageIsZero(t *testing.T) {
	if !(TokenUsage{}).IsZero() {
		t.Error("empty usage not zero")
	}
	if (TokenUsage{Total: 1}).IsZero() {
		t.Error("non-empty usage zero")
	}
}
