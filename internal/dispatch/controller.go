// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/clawdesk/internal/gateway"
	"github.com/jeranaias/clawdesk/internal/model"
	"github.com/jeranaias/clawdesk/internal/store"
)

// Queue and delivery limits.
const (
	// SendTimeout bounds a single delivery attempt.
	SendTimeout = 60 * time.Second

	// MaxQueuedMessages caps the offline queue across all conversations.
	MaxQueuedMessages = 100

	// QueueEntryTTL is how long a queued message stays deliverable. Older
	// entries fail on flush instead of sending stale conversation turns.
	QueueEntryTTL = 5 * time.Minute

	// flushRate paces the reconnect flush so a burst of queued messages
	// does not hammer the Gateway.
	flushRate = rate.Limit(2) // per second
)

// Error variables for dispatch operations.
var (
	// ErrBusy indicates the conversation already has a response in flight.
	ErrBusy = errors.New("a response is already in progress for this conversation")

	// ErrEmptyMessage indicates a send with no content and no attachments.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrQueueFull indicates the offline queue hit its cap.
	ErrQueueFull = errors.New("offline queue is full")

	// ErrNoUserMessage indicates regenerate found no user message to resend.
	ErrNoUserMessage = errors.New("no user message precedes this response")

	// ErrNotRetryable indicates a retry on a message that is not failed
	// or queued.
	ErrNotRetryable = errors.New("message is not awaiting retry")
)

// SendOptions carries per-send parameters.
type SendOptions struct {
	Model    string
	Thinking bool
}

// queueEntry is one message held for delivery on reconnect.
type queueEntry struct {
	convID   string
	msgID    string
	queuedAt time.Time
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns the outbound message lifecycle: optimistic append, delivery
// through the Gateway, offline queueing, and the edit, regenerate, and retry
// flows. One response may be in flight per conversation; the store enforces
// one open stream across all of them.
type Controller struct {
	store     *store.Store
	transport gateway.Transport

	mu    sync.Mutex
	busy  map[string]bool
	queue []queueEntry

	limiter *rate.Limiter

	// onStop runs after a local stop so late output from the cancelled run
	// can be discarded instead of landing as a new message.
	onStop func()

	// now is replaceable in tests for queue expiry.
	now func() time.Time
}

// New creates a controller over the given store and transport.
func New(s *store.Store, t gateway.Transport) *Controller {
	return &Controller{
		store:     s,
		transport: t,
		busy:      make(map[string]bool),
		limiter:   rate.NewLimiter(flushRate, 1),
		now:       time.Now,
	}
}

// SetOnStop registers a hook run after StopGenerating closes a stream,
// typically the assembler's DiscardTail.
func (c *Controller) SetOnStop(fn func()) {
	c.onStop = fn
}

// IsBusy reports whether the conversation has a response in flight.
func (c *Controller) IsBusy(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy[convID]
}

func (c *Controller) setBusy(convID string, v bool) {
	c.mu.Lock()
	if v {
		c.busy[convID] = true
	} else {
		delete(c.busy, convID)
	}
	c.mu.Unlock()
}

// =============================================================================
// SEND
// =============================================================================

// Send appends the user's message to the conversation immediately and
// delivers it in the background. When no connection is live the message is
// queued instead and no transport call is made.
func (c *Controller) Send(convID, content string, attachments []model.Attachment, opts SendOptions) (*model.Message, error) {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, ErrEmptyMessage
	}
	if c.IsBusy(convID) || c.conversationStreaming(convID) {
		return nil, ErrBusy
	}

	msg := model.NewUserMessage(content, attachments)
	if err := c.store.AddMessage(convID, msg); err != nil {
		return nil, err
	}

	if !c.store.IsConnected() {
		if err := c.enqueue(convID, msg.ID); err != nil {
			c.store.MarkMessageFailed(convID, msg.ID, err.Error())
			return msg, err
		}
		return msg, nil
	}

	c.setBusy(convID, true)
	go c.deliver(convID, msg, opts)
	return msg, nil
}

// conversationStreaming reports whether the open stream, if any, belongs to
// the given conversation.
func (c *Controller) conversationStreaming(convID string) bool {
	streamID := c.store.StreamingMessageID()
	if streamID == "" {
		return false
	}
	conv := c.store.Get(convID)
	return conv != nil && conv.GetMessageByID(streamID) != nil
}

// enqueue holds a message for the reconnect flush.
func (c *Controller) enqueue(convID, msgID string) error {
	c.mu.Lock()
	if len(c.queue) >= MaxQueuedMessages {
		c.mu.Unlock()
		return ErrQueueFull
	}
	c.queue = append(c.queue, queueEntry{convID: convID, msgID: msgID, queuedAt: c.now()})
	c.mu.Unlock()

	c.store.MarkMessageQueued(convID, msgID)
	c.store.AddSystemNotice(convID, "Not connected. Your message will be sent when the connection is restored.")
	return nil
}

// deliver runs one delivery attempt: open the response stream, call the
// Gateway, and reconcile the message's send status with the outcome.
func (c *Controller) deliver(convID string, msg *model.Message, opts SendOptions) {
	c.setBusy(convID, true)
	defer c.setBusy(convID, false)

	c.store.MarkMessageSending(convID, msg.ID)

	placeholder := model.NewAssistantMessage()
	placeholder.ModelUsed = opts.Model
	if err := c.store.AddMessage(convID, placeholder); err != nil {
		c.store.MarkMessageFailed(convID, msg.ID, err.Error())
		return
	}
	if err := c.store.BeginStream(convID, placeholder.ID); err != nil {
		c.store.DeleteMessage(convID, placeholder.ID)
		// Another reply is still streaming (a queue flush can race one).
		// The send still goes out; its reply attaches to a fresh message
		// once the current stream closes.
		if !errors.Is(err, store.ErrStreamActive) {
			c.store.MarkMessageFailed(convID, msg.ID, err.Error())
			return
		}
		placeholder = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), SendTimeout)
	defer cancel()

	err := c.transport.SendMessage(ctx, gateway.ChatRequest{
		Message:        msg.Content,
		SessionKey:     convID,
		Model:          opts.Model,
		Thinking:       opts.Thinking,
		Attachments:    msg.Attachments,
		IdempotencyKey: msg.ID,
	})
	if err == nil {
		c.store.MarkMessageSent(convID, msg.ID)
		return
	}

	// No response is coming; the placeholder has nothing to hold.
	if placeholder != nil {
		c.dropPlaceholder(convID, placeholder.ID)
	}

	if isConnectionError(err) {
		log.Printf("dispatch: delivery interrupted, requeueing %s: %v", msg.ID, err)
		if qerr := c.enqueue(convID, msg.ID); qerr != nil {
			c.store.MarkMessageFailed(convID, msg.ID, qerr.Error())
		}
		return
	}

	reason := err.Error()
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		reason = gwErr.UserMessage()
	}
	c.store.MarkMessageFailed(convID, msg.ID, reason)
}

// dropPlaceholder removes an assistant placeholder that received no content.
// A placeholder that already accumulated deltas stays; the stream closes as
// a partial answer instead.
func (c *Controller) dropPlaceholder(convID, msgID string) {
	conv := c.store.Get(convID)
	if conv == nil {
		return
	}
	ph := conv.GetMessageByID(msgID)
	if ph == nil {
		return
	}
	if ph.GetDisplayContent() != "" {
		c.store.CompleteStream(model.TokenUsage{}, "interrupted")
		return
	}
	c.store.DeleteMessage(convID, msgID)
}

// isConnectionError reports whether a delivery failure means the connection
// itself was lost, in which case the message is requeued rather than failed.
func isConnectionError(err error) bool {
	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		if gwErr.Kind == gateway.ErrorNetwork || gwErr.Kind == gateway.ErrorTimeout {
			return true
		}
	}
	if errors.Is(err, gateway.ErrNotConnected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection", "network", "disconnected"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// =============================================================================
// EDIT / REGENERATE / RETRY / STOP
// =============================================================================

// CountAffectedByEdit reports how many later messages an edit would discard.
// The caller shows this in its confirmation prompt before ApplyEdit.
func (c *Controller) CountAffectedByEdit(convID, msgID string) (int, error) {
	return c.store.CountMessagesAfter(convID, msgID)
}

// ApplyEdit rewrites a user message, discards everything after it, and
// resends the new content.
func (c *Controller) ApplyEdit(convID, msgID, newContent string, opts SendOptions) error {
	if strings.TrimSpace(newContent) == "" {
		return ErrEmptyMessage
	}
	if c.IsBusy(convID) || c.store.StreamingMessageID() != "" {
		return ErrBusy
	}

	if _, err := c.store.DeleteMessagesAfter(convID, msgID); err != nil {
		return err
	}
	if err := c.store.UpdateMessageContent(convID, msgID, newContent); err != nil {
		return err
	}

	return c.resend(convID, msgID, opts)
}

// Regenerate discards an assistant response and resends the user message
// that produced it, verbatim.
func (c *Controller) Regenerate(convID, assistantMsgID string, opts SendOptions) error {
	if c.IsBusy(convID) || c.store.StreamingMessageID() != "" {
		return ErrBusy
	}

	conv := c.store.Get(convID)
	if conv == nil {
		return fmt.Errorf("regenerate in %s: %w", convID, store.ErrConversationNotFound)
	}
	userMsg := conv.PrecedingUserMessage(assistantMsgID)
	if userMsg == nil {
		return ErrNoUserMessage
	}

	if err := c.store.DeleteMessage(convID, assistantMsgID); err != nil {
		return err
	}
	return c.resend(convID, userMsg.ID, opts)
}

// Retry re-attempts delivery of a failed or queued message.
func (c *Controller) Retry(convID, msgID string, opts SendOptions) error {
	conv := c.store.Get(convID)
	if conv == nil {
		return fmt.Errorf("retry in %s: %w", convID, store.ErrConversationNotFound)
	}
	msg := conv.GetMessageByID(msgID)
	if msg == nil {
		return fmt.Errorf("retry %s: %w", msgID, store.ErrMessageNotFound)
	}
	if msg.SendStatus != model.SendStatusFailed && msg.SendStatus != model.SendStatusQueued {
		return ErrNotRetryable
	}
	if c.IsBusy(convID) {
		return ErrBusy
	}
	c.removeFromQueue(msgID)
	return c.resend(convID, msgID, opts)
}

// resend routes an existing message through delivery or the offline queue.
func (c *Controller) resend(convID, msgID string, opts SendOptions) error {
	conv := c.store.Get(convID)
	if conv == nil {
		return fmt.Errorf("resend in %s: %w", convID, store.ErrConversationNotFound)
	}
	msg := conv.GetMessageByID(msgID)
	if msg == nil {
		return fmt.Errorf("resend %s: %w", msgID, store.ErrMessageNotFound)
	}

	if !c.store.IsConnected() {
		return c.enqueue(convID, msgID)
	}
	c.setBusy(convID, true)
	go c.deliver(convID, msg, opts)
	return nil
}

// StopGenerating closes the open stream for the conversation, keeping the
// partial content. This is local only: the Gateway keeps generating and the
// remainder is ignored when it arrives.
func (c *Controller) StopGenerating(convID string) {
	streamID := c.store.StreamingMessageID()
	if streamID == "" {
		return
	}
	conv := c.store.Get(convID)
	if conv == nil || conv.GetMessageByID(streamID) == nil {
		return
	}
	c.store.CompleteStream(model.TokenUsage{}, "stopped")
	c.setBusy(convID, false)
	if c.onStop != nil {
		c.onStop()
	}
}

// =============================================================================
// OFFLINE QUEUE
// =============================================================================

// QueuedCount returns how many messages wait for a connection.
func (c *Controller) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// removeFromQueue drops a queue entry by message ID.
func (c *Controller) removeFromQueue(msgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, e := range c.queue {
		if e.msgID == msgID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

// FlushQueued delivers queued messages in arrival order. Entries older than
// QueueEntryTTL are failed instead of sent. Delivery is paced so a large
// queue does not flood the Gateway right after the handshake.
func (c *Controller) FlushQueued(ctx context.Context, opts SendOptions) {
	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()

	if len(pending) == 0 {
		return
	}
	log.Printf("dispatch: flushing %d queued message(s)", len(pending))

	for _, entry := range pending {
		if ctx.Err() != nil {
			// Connection went away again; put the rest back.
			c.mu.Lock()
			c.queue = append(c.queue, entry)
			c.mu.Unlock()
			continue
		}

		if c.now().Sub(entry.queuedAt) > QueueEntryTTL {
			c.store.MarkMessageFailed(entry.convID, entry.msgID, "message expired while offline")
			continue
		}

		conv := c.store.Get(entry.convID)
		if conv == nil {
			continue
		}
		msg := conv.GetMessageByID(entry.msgID)
		if msg == nil {
			continue
		}

		if err := c.limiter.Wait(ctx); err != nil {
			c.mu.Lock()
			c.queue = append(c.queue, entry)
			c.mu.Unlock()
			continue
		}
		c.deliver(entry.convID, msg, opts)
	}
}
