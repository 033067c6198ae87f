// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/jeranaias/clawdesk/internal/model"
)

// Error variables for store operations.
var (
	// ErrConversationNotFound indicates an unknown conversation ID.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrMessageNotFound indicates an unknown message ID.
	ErrMessageNotFound = errors.New("message not found")

	// ErrStreamActive indicates a second stream was started while one is
	// already in flight.
	ErrStreamActive = errors.New("a response is already streaming")

	// ErrNoActiveStream indicates a stream operation with no stream open.
	ErrNoActiveStream = errors.New("no active stream")
)

// ConnState is the connection state the store exposes to observers.
type ConnState int

const (
	// StateDisconnected means no Gateway connection exists.
	StateDisconnected ConnState = iota
	// StateConnecting means a connection attempt is in progress.
	StateConnecting
	// StateConnected means the Gateway handshake completed.
	StateConnected
)

// String returns a short label for display.
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ChangeKind identifies what mutated.
type ChangeKind int

const (
	// ChangeConversations means the conversation list changed.
	ChangeConversations ChangeKind = iota
	// ChangeSelection means the selected conversation changed.
	ChangeSelection
	// ChangeMessages means messages in a conversation changed.
	ChangeMessages
	// ChangeStream means streaming content was appended or finalized.
	ChangeStream
	// ChangeConnection means the connection state changed.
	ChangeConnection
	// ChangeModels means the model catalog changed.
	ChangeModels
)

// Change describes a single store mutation, delivered to observers.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	MessageID      string
}

// Observer receives store change notifications. Observers are invoked
// synchronously, outside the store lock, in subscription order.
type Observer func(Change)

// Persister saves conversations durably. Persistence failures are logged
// and never surfaced to the chat flow; the in-memory state is authoritative
// for the running session.
type Persister interface {
	SaveConversation(conv *model.Conversation) error
	DeleteConversation(id string) error
}

// =============================================================================
// STORE
// =============================================================================

// Store holds all conversation state for the running client: the ordered
// conversation list, the current selection, and the single in-flight
// streaming message.
//
// All mutating methods take the lock, apply the change, persist, then notify
// observers after the lock is released. At most one message is streaming at
// any time, across all conversations.
type Store struct {
	mu sync.Mutex

	conversations []*model.Conversation
	selectedID    string

	// streamingMessageID is the one message currently receiving deltas,
	// empty when no stream is open.
	streamingMessageID string
	streamingConvID    string

	connState ConnState
	models    []model.ModelInfo

	persister Persister
	observers []Observer
}

// New creates an empty store. persister may be nil for a memory-only store.
func New(persister Persister) *Store {
	return &Store{persister: persister}
}

// Subscribe registers an observer for change notifications.
func (s *Store) Subscribe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// notify invokes observers outside the lock.
func (s *Store) notify(ch Change) {
	s.mu.Lock()
	observers := make([]Observer, len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(ch)
	}
}

// persist saves a conversation, logging failures.
func (s *Store) persist(conv *model.Conversation) {
	if s.persister == nil || conv == nil {
		return
	}
	if err := s.persister.SaveConversation(conv); err != nil {
		log.Printf("store: failed to persist conversation %s: %v", conv.ID, err)
	}
}

// =============================================================================
// CONVERSATION LIFECYCLE
// =============================================================================

// CreateConversation creates a new empty conversation, selects it, and
// returns it.
func (s *Store) CreateConversation() *model.Conversation {
	conv := model.NewConversation()

	s.mu.Lock()
	s.conversations = append([]*model.Conversation{conv}, s.conversations...)
	s.selectedID = conv.ID
	s.mu.Unlock()

	s.persist(conv)
	s.notify(Change{Kind: ChangeConversations, ConversationID: conv.ID})
	s.notify(Change{Kind: ChangeSelection, ConversationID: conv.ID})
	return conv
}

// LoadConversations replaces the conversation list, used at startup to
// restore persisted history. Pinned conversations sort first, then most
// recently updated.
func (s *Store) LoadConversations(convs []*model.Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		if convs[i].Pinned != convs[j].Pinned {
			return convs[i].Pinned
		}
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	s.mu.Lock()
	s.conversations = convs
	// Any open stream pointed into the replaced list.
	s.streamingMessageID = ""
	s.streamingConvID = ""
	if len(convs) > 0 {
		s.selectedID = convs[0].ID
	} else {
		s.selectedID = ""
	}
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConversations})
}

// Conversations returns the conversation list in display order.
func (s *Store) Conversations() []*model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// SelectConversation makes the given conversation current.
func (s *Store) SelectConversation(id string) error {
	s.mu.Lock()
	if s.findLocked(id) == nil {
		s.mu.Unlock()
		return fmt.Errorf("select %s: %w", id, ErrConversationNotFound)
	}
	s.selectedID = id
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSelection, ConversationID: id})
	return nil
}

// Selected returns the currently selected conversation, or nil.
func (s *Store) Selected() *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(s.selectedID)
}

// SelectedID returns the current selection's ID, empty when none.
func (s *Store) SelectedID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedID
}

// Get returns a conversation by ID, or nil.
func (s *Store) Get(id string) *model.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(id)
}

// findLocked returns the conversation with the given ID. Caller holds mu.
func (s *Store) findLocked(id string) *model.Conversation {
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// DeleteConversation removes a conversation. When the deleted conversation
// was selected, the one at the same list position is selected next (the
// last one when the deleted was last, none when the list is now empty).
// Deleting the conversation that owns the active stream drops the stream.
func (s *Store) DeleteConversation(id string) error {
	s.mu.Lock()
	idx := -1
	for i, c := range s.conversations {
		if c.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", id, ErrConversationNotFound)
	}

	s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)

	if s.streamingConvID == id {
		s.streamingMessageID = ""
		s.streamingConvID = ""
	}

	wasSelected := s.selectedID == id
	if wasSelected {
		switch {
		case len(s.conversations) == 0:
			s.selectedID = ""
		case idx < len(s.conversations):
			s.selectedID = s.conversations[idx].ID
		default:
			s.selectedID = s.conversations[len(s.conversations)-1].ID
		}
	}
	reselected := s.selectedID
	s.mu.Unlock()

	if s.persister != nil {
		if err := s.persister.DeleteConversation(id); err != nil {
			log.Printf("store: failed to delete conversation %s: %v", id, err)
		}
	}

	s.notify(Change{Kind: ChangeConversations, ConversationID: id})
	if wasSelected {
		s.notify(Change{Kind: ChangeSelection, ConversationID: reselected})
	}
	return nil
}

// PinConversation toggles the pinned flag and re-sorts the list.
func (s *Store) PinConversation(id string, pinned bool) error {
	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return fmt.Errorf("pin %s: %w", id, ErrConversationNotFound)
	}
	conv.Pinned = pinned
	sort.SliceStable(s.conversations, func(i, j int) bool {
		if s.conversations[i].Pinned != s.conversations[j].Pinned {
			return s.conversations[i].Pinned
		}
		return s.conversations[i].UpdatedAt.After(s.conversations[j].UpdatedAt)
	})
	s.mu.Unlock()

	s.persist(conv)
	s.notify(Change{Kind: ChangeConversations, ConversationID: id})
	return nil
}

// RenameConversation sets an explicit title; automatic titling stops once a
// manual title exists.
func (s *Store) RenameConversation(id, title string) error {
	s.mu.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.mu.Unlock()
		return fmt.Errorf("rename %s: %w", id, ErrConversationNotFound)
	}
	conv.SetTitle(title)
	s.mu.Unlock()

	s.persist(conv)
	s.notify(Change{Kind: ChangeConversations, ConversationID: id})
	return nil
}

// =============================================================================
// MESSAGES
// =============================================================================

// AddMessage appends a message to a conversation. The first user message
// also derives the conversation title.
func (s *Store) AddMessage(convID string, msg *model.Message) error {
	s.mu.Lock()
	conv := s.findLocked(convID)
	if conv == nil {
		s.mu.Unlock()
		return fmt.Errorf("add message to %s: %w", convID, ErrConversationNotFound)
	}
	conv.AddMessage(msg)
	s.mu.Unlock()

	s.persist(conv)
	s.notify(Change{Kind: ChangeMessages, ConversationID: convID, MessageID: msg.ID})
	return nil
}

// UpdateMessageContent replaces a message's content, for edits.
func (s *Store) UpdateMessageContent(convID, msgID, content string) error {
	s.mu.Lock()
	conv := s.findLocked(convID)
	if conv == nil {
		s.mu.Unlock()
		return fmt.Errorf("update in %s: %w", convID, ErrConversationNotFound)
	}
	msg := conv.GetMessageByID(msgID)
	if msg == nil {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", msgID, ErrMessageNotFound)
	}
	msg.Content = content
	s.mu.Unlock()

	s.persist(conv)
	s.notify(Change{Kind: ChangeMessages, ConversationID: convID, MessageID: msgID})
	return nil
}

// DeleteMessage removes a single message.
func (s *Store) DeleteMessage(convID, msgID string) error {
	s.mu.Lock()
	conv := s.findLocked(convID)
	if conv == nil {
		s.mu.Unlock()
		return fmt.Errorf("delete in %s: %w", convID, ErrConversationNotFound)
	}
	if !conv.RemoveMessage(msgID) {
		s.mu.Unlock()
		return fmt.Errorf("delete %s: %w", msgID, ErrMessageNotFound)
	}
	if s.streamingMessageID == msgID {
		s.streamingMessageID = ""
		s.streamingConvID = ""
	}
	s.mu.Unlock()

	s.persist(conv)
	s.notify(Change{Kind: ChangeMessages, ConversationID: convID, MessageID: msgID})
	return nil
}

// DeleteMessagesAfter removes every message after the given one and returns
// how many were removed. Used by the edit flow to truncate history before
// resending.
func (s *Store) DeleteMessagesAfter(convID, msgID string) (int, error) {
	s.mu.Lock()
	conv := s.findLocked(convID)
	if conv == nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("truncate in %s: %w", convID, ErrConversationNotFound)
	}
	removed := conv.TruncateAfter(msgID)
	if removed < 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("truncate after %s: %w", msgID, ErrMessageNotFound)
	}
	// The open stream cannot survive losing its message.
	if s.streamingConvID == convID && conv.GetMessageByID(s.streamingMessageID) == nil {
		s.streamingMessageID = ""
		s.streamingConvID = ""
	}
	s.mu.Unlock()

	s.persist(conv)
	s.notify(Change{Kind: ChangeMessages, ConversationID: convID})
	return removed, nil
}

// CountMessagesAfter reports how many messages follow the given one,
// without mutating anything. The edit confirmation uses this.
func (s *Store) CountMessagesAfter(convID, msgID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.findLocked(convID)
	if conv == nil {
		return 0, fmt.Errorf("count in %s: %w", convID, ErrConversationNotFound)
	}
	idx := conv.IndexOf(msgID)
	if idx < 0 {
		return 0, fmt.Errorf("count after %s: %w", msgID, ErrMessageNotFound)
	}
	return len(conv.Messages) - idx - 1, nil
}

// AddSystemNotice appends a system message to the given conversation.
func (s *Store) AddSystemNotice(convID, text string) {
	if convID == "" {
		convID = s.SelectedID()
	}
	if convID == "" {
		return
	}
	if err := s.AddMessage(convID, model.NewSystemMessage(text)); err != nil {
		log.Printf("store: notice dropped: %v", err)
	}
}

// =============================================================================
// SEND STATUS
// =============================================================================

// setSendStatus applies fn to a message and notifies.
func (s *Store) setSendStatus(convID, msgID string, fn func(*model.Message)) error {
	s.mu.Lock()
	conv := s.findLocked(convID)
	if conv == nil {
		s.mu.Unlock()
		return fmt.Errorf("status in %s: %w", convID, ErrConversationNotFound)
	}
	msg := conv.GetMessageByID(msgID)
	if msg == nil {
		s.mu.Unlock()
		return fmt.Errorf("status for %s: %w", msgID, ErrMessageNotFound)
	}
	fn(msg)
	s.mu.Unlock()

	s.persist(conv)
	s.notify(Change{Kind: ChangeMessages, ConversationID: convID, MessageID: msgID})
	return nil
}

// MarkMessageSending flags a message as in flight to the Gateway.
func (s *Store) MarkMessageSending(convID, msgID string) error {
	return s.setSendStatus(convID, msgID, (*model.Message).MarkSending)
}

// MarkMessageSent flags a message as acknowledged by the Gateway.
func (s *Store) MarkMessageSent(convID, msgID string) error {
	return s.setSendStatus(convID, msgID, (*model.Message).MarkSent)
}

// MarkMessageQueued flags a message as waiting for a connection.
func (s *Store) MarkMessageQueued(convID, msgID string) error {
	return s.setSendStatus(convID, msgID, (*model.Message).MarkQueued)
}

// MarkMessageFailed flags a message as undeliverable with a reason.
func (s *Store) MarkMessageFailed(convID, msgID, reason string) error {
	return s.setSendStatus(convID, msgID, func(m *model.Message) { m.MarkFailed(reason) })
}

// =============================================================================
// STREAMING
// =============================================================================

// BeginStream opens the stream on an existing assistant message. Only one
// stream may be open across the whole store.
func (s *Store) BeginStream(convID, msgID string) error {
	s.mu.Lock()
	if s.streamingMessageID != "" {
		s.mu.Unlock()
		return ErrStreamActive
	}
	conv := s.findLocked(convID)
	if conv == nil {
		s.mu.Unlock()
		return fmt.Errorf("stream in %s: %w", convID, ErrConversationNotFound)
	}
	msg := conv.GetMessageByID(msgID)
	if msg == nil {
		s.mu.Unlock()
		return fmt.Errorf("stream for %s: %w", msgID, ErrMessageNotFound)
	}
	msg.IsStreaming = true
	s.streamingMessageID = msgID
	s.streamingConvID = convID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeStream, ConversationID: convID, MessageID: msgID})
	return nil
}

// StreamingMessageID returns the ID of the message currently receiving
// deltas, empty when no stream is open.
func (s *Store) StreamingMessageID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingMessageID
}

// AppendToStream appends delta text to the open stream.
func (s *Store) AppendToStream(delta string) error {
	s.mu.Lock()
	if s.streamingMessageID == "" {
		s.mu.Unlock()
		return ErrNoActiveStream
	}
	conv := s.findLocked(s.streamingConvID)
	msg := conv.GetMessageByID(s.streamingMessageID)
	msg.AppendToken(delta)
	convID, msgID := s.streamingConvID, s.streamingMessageID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeStream, ConversationID: convID, MessageID: msgID})
	return nil
}

// AppendThinking appends reasoning text to the open stream's message.
func (s *Store) AppendThinking(delta string) error {
	s.mu.Lock()
	if s.streamingMessageID == "" {
		s.mu.Unlock()
		return ErrNoActiveStream
	}
	conv := s.findLocked(s.streamingConvID)
	msg := conv.GetMessageByID(s.streamingMessageID)
	msg.ThinkingContent += delta
	convID, msgID := s.streamingConvID, s.streamingMessageID
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeStream, ConversationID: convID, MessageID: msgID})
	return nil
}

// CompleteStream finalizes the open stream: accumulated deltas become the
// message content and the store-wide streaming slot clears. Calling with no
// stream open is a no-op, which makes duplicate completion signals harmless.
func (s *Store) CompleteStream(usage model.TokenUsage, stopReason string) {
	s.mu.Lock()
	if s.streamingMessageID == "" {
		s.mu.Unlock()
		return
	}
	conv := s.findLocked(s.streamingConvID)
	msg := conv.GetMessageByID(s.streamingMessageID)
	msg.FinalizeStream()
	msg.Usage = usage
	msg.StopReason = stopReason
	convID, msgID := s.streamingConvID, s.streamingMessageID
	s.streamingMessageID = ""
	s.streamingConvID = ""
	s.mu.Unlock()

	s.persist(conv)
	s.notify(Change{Kind: ChangeStream, ConversationID: convID, MessageID: msgID})
}

// =============================================================================
// CONNECTION AND MODELS
// =============================================================================

// SetConnectionState records the Gateway connection state.
func (s *Store) SetConnectionState(state ConnState) {
	s.mu.Lock()
	if s.connState == state {
		s.mu.Unlock()
		return
	}
	s.connState = state
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeConnection})
}

// ConnectionState returns the current Gateway connection state.
func (s *Store) ConnectionState() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connState
}

// IsConnected reports whether the Gateway handshake has completed.
func (s *Store) IsConnected() bool {
	return s.ConnectionState() == StateConnected
}

// SetModels replaces the model catalog.
func (s *Store) SetModels(models []model.ModelInfo) {
	s.mu.Lock()
	s.models = models
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeModels})
}

// Models returns the current model catalog.
func (s *Store) Models() []model.ModelInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ModelInfo, len(s.models))
	copy(out, s.models)
	return out
}
