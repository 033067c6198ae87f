// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream assembles ordered response deltas into message content.
// The Gateway streams a reply as a sequence of text fragments; the assembler
// routes each fragment into the store's single open stream and finalizes the
// message when the completion signal arrives.
package stream

import (
	"log"
	"sync"

	"github.com/jeranaias/clawdesk/internal/model"
	"github.com/jeranaias/clawdesk/internal/store"
)

// Assembler turns Gateway stream events into store mutations.
type Assembler struct {
	store *store.Store

	mu sync.Mutex
	// discarding drops the tail of a run the user stopped locally: the
	// Gateway keeps streaming until its own completion signal arrives.
	discarding bool
}

// New creates an assembler over the given store.
func New(s *store.Store) *Assembler {
	return &Assembler{store: s}
}

// OnDelta appends a response fragment to the open stream. When no stream is
// open, a fresh assistant message is created in the selected conversation
// and the stream opens on it; the Gateway can start a reply the client did
// not initiate this session, for example right after a reconnect flush.
func (a *Assembler) OnDelta(text string) {
	if text == "" {
		return
	}
	if err := a.store.AppendToStream(text); err == nil {
		return
	}
	if a.isDiscarding() {
		return
	}
	if !a.openStreamForOrphan() {
		return
	}
	if err := a.store.AppendToStream(text); err != nil {
		log.Printf("stream: dropped delta: %v", err)
	}
}

// OnThinking appends a reasoning fragment to the open stream's message.
// Reasoning with no open stream is dropped; it never opens one on its own.
func (a *Assembler) OnThinking(text string) {
	if text == "" {
		return
	}
	if err := a.store.AppendThinking(text); err != nil {
		log.Printf("stream: dropped thinking fragment: %v", err)
	}
}

// OnComplete finalizes the current stream. With no stream open this is a
// no-op, so a duplicate or stray completion signal changes nothing. It also
// ends any discard window: the completion is the last event of its run.
func (a *Assembler) OnComplete(usage model.TokenUsage, stopReason string) {
	a.mu.Lock()
	a.discarding = false
	a.mu.Unlock()
	a.store.CompleteStream(usage, stopReason)
}

// DiscardTail drops any further deltas until the current run's completion
// signal arrives. The lifecycle controller calls this when the user stops
// generation locally; the Gateway has no abort channel, so its remaining
// output must be ignored rather than resurrected as a fresh message.
func (a *Assembler) DiscardTail() {
	a.mu.Lock()
	a.discarding = true
	a.mu.Unlock()
}

// FinalizePartial closes the open stream keeping whatever content arrived.
// The supervisor calls this when the connection drops mid-stream: a partial
// answer is still an answer, not a failure. The discard window ends too,
// since the stopped run's completion signal will never arrive.
func (a *Assembler) FinalizePartial() {
	a.mu.Lock()
	a.discarding = false
	a.mu.Unlock()
	a.store.CompleteStream(model.TokenUsage{}, "disconnected")
}

func (a *Assembler) isDiscarding() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.discarding
}

// openStreamForOrphan creates an assistant message in the selected
// conversation to receive an unsolicited stream.
func (a *Assembler) openStreamForOrphan() bool {
	convID := a.store.SelectedID()
	if convID == "" {
		log.Printf("stream: delta with no conversation to receive it")
		return false
	}
	msg := model.NewAssistantMessage()
	if err := a.store.AddMessage(convID, msg); err != nil {
		log.Printf("stream: %v", err)
		return false
	}
	if err := a.store.BeginStream(convID, msg.ID); err != nil {
		log.Printf("stream: %v", err)
		return false
	}
	return true
}
