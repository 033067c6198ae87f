// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import (
	"context"
	"encoding/json"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/jeranaias/clawdesk/internal/model"
)

// Connection configuration defaults.
const (
	// DialTimeout bounds a single WebSocket dial attempt.
	DialTimeout = 30 * time.Second

	// HandshakeTimeout bounds the protocol handshake after the dial.
	HandshakeTimeout = 30 * time.Second

	// RequestTimeout is the default deadline for request/response calls.
	RequestTimeout = 30 * time.Second

	// PingInterval is how often the keepalive ping fires.
	PingInterval = 30 * time.Second

	// eventBufferSize is the inbound event channel buffer. Stream deltas
	// arrive in bursts; the consumer drains them on its own loop.
	eventBufferSize = 256
)

// ClientIdentity describes this client in the connect handshake.
type ClientIdentity struct {
	ID      string
	Version string
	Mode    string
}

// DefaultIdentity is the handshake identity used when none is configured.
var DefaultIdentity = ClientIdentity{
	ID:      "clawdesk",
	Version: "0.1.0",
	Mode:    "ui",
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the WebSocket implementation of Transport.
//
// One read loop per connection routes res frames to their waiting callers and
// converts event frames into Events. A generation counter guards against a
// stale loop from a previous connection touching current state.
type Client struct {
	identity ClientIdentity

	mu         sync.Mutex
	conn       *websocket.Conn
	cancelRead context.CancelFunc
	generation uint64
	token      string
	pending    map[string]chan *Frame
	handshake  chan error
	closed     bool

	writeMu sync.Mutex

	events chan Event
}

// NewClient creates a Gateway WebSocket client.
func NewClient(identity ClientIdentity) *Client {
	if identity.ID == "" {
		identity = DefaultIdentity
	}
	return &Client{
		identity: identity,
		pending:  make(map[string]chan *Frame),
		events:   make(chan Event, eventBufferSize),
	}
}

// Events implements Transport.
func (c *Client) Events() <-chan Event {
	return c.events
}

// =============================================================================
// CONNECT / DISCONNECT
// =============================================================================

// safeAlternateURL returns the wss:// form of a ws:// URL. Downgrading from
// wss:// to ws:// is never offered: an attacker who blocks TLS must not be
// able to force plaintext.
func safeAlternateURL(url string) string {
	if strings.HasPrefix(url, "ws://") {
		return "wss://" + strings.TrimPrefix(url, "ws://")
	}
	return ""
}

// Connect implements Transport. It dials the given URL, falling back to the
// TLS-upgraded form when the plain one fails, then performs the protocol
// handshake (connect.challenge -> connect -> hello-ok).
func (c *Client) Connect(ctx context.Context, url, token string) (ConnectResult, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ConnectResult{}, ErrClosed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return ConnectResult{Success: true, UsedURL: url}, nil
	}
	c.mu.Unlock()

	conn, usedURL, switched, err := dialWithFallback(ctx, url)
	if err != nil {
		return ConnectResult{}, err
	}

	// No inbound size ceiling: streamed replies can carry large payloads.
	conn.SetReadLimit(-1)

	handshake := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancelRead = cancelRead
	c.generation++
	gen := c.generation
	c.token = token
	c.handshake = handshake
	c.mu.Unlock()

	go c.readLoop(readCtx, conn, gen)
	go c.pingLoop(readCtx, conn)

	select {
	case err := <-handshake:
		if err != nil {
			c.teardown(gen, "handshake failed")
			return ConnectResult{}, err
		}
	case <-time.After(HandshakeTimeout):
		c.teardown(gen, "handshake timeout")
		return ConnectResult{}, &Error{Kind: ErrorTimeout, Message: "handshake timed out", Retryable: true}
	case <-ctx.Done():
		c.teardown(gen, "connect cancelled")
		return ConnectResult{}, ctx.Err()
	}

	log.Printf("gateway: connected to %s (protocol v%d)", usedURL, ProtocolVersion)
	c.emit(Event{Kind: EventConnected})

	return ConnectResult{Success: true, UsedURL: usedURL, ProtocolSwitched: switched}, nil
}

// dialWithFallback dials url, then its wss:// upgrade on failure.
func dialWithFallback(ctx context.Context, url string) (*websocket.Conn, string, bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, nil)
	if err == nil {
		return conn, url, false, nil
	}
	firstErr := err

	alternate := safeAlternateURL(url)
	if alternate == "" {
		return nil, "", false, netError("unable to connect to Gateway at %s: %v", url, firstErr)
	}

	log.Printf("gateway: dial %s failed, trying secure upgrade %s", url, alternate)

	upCtx, upCancel := context.WithTimeout(ctx, DialTimeout)
	defer upCancel()

	conn, _, err = websocket.Dial(upCtx, alternate, nil)
	if err != nil {
		return nil, "", false, netError("unable to connect to Gateway at %s: %v", url, firstErr)
	}
	return conn, alternate, true, nil
}

// Disconnect implements Transport. It closes the connection without emitting
// a disconnected event; an explicit disconnect is not a failure.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancelRead
	c.conn = nil
	c.cancelRead = nil
	c.generation++
	c.failPendingLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Close shuts the client down for good and closes the event channel.
func (c *Client) Close() error {
	c.Disconnect()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// teardown cleans up after a failed connect for the given generation.
func (c *Client) teardown(gen uint64, reason string) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	cancel := c.cancelRead
	c.conn = nil
	c.cancelRead = nil
	c.handshake = nil
	c.failPendingLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, reason)
	}
}

// failPendingLocked closes every waiting request channel; callers observe
// the closed channel as a lost connection. Must be called with c.mu held.
func (c *Client) failPendingLocked() {
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// =============================================================================
// READ LOOP
// =============================================================================

// readLoop consumes frames until the connection dies. gen identifies the
// connection this loop belongs to; a newer generation means this loop is
// stale and must exit without touching state.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleReadError(gen, err)
			return
		}

		frame, err := ParseFrame(data)
		if err != nil {
			// Malformed frames are logged and dropped, never fatal.
			log.Printf("gateway: dropping frame: %v", err)
			continue
		}

		switch frame.Kind {
		case "event":
			c.handleEvent(frame)
		case "res":
			c.handleResponse(frame)
		case "req":
			// Server-initiated requests are not part of this protocol level.
		}
	}
}

// handleReadError tears down connection state and reports the drop, unless
// the loop is stale or the teardown was deliberate.
func (c *Client) handleReadError(gen uint64, err error) {
	c.mu.Lock()
	if c.generation != gen {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.cancelRead = nil
	handshake := c.handshake
	c.handshake = nil
	c.failPendingLocked()
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "read error")
	}

	reason := err.Error()
	if status := websocket.CloseStatus(err); status != -1 {
		reason = status.String()
	}
	log.Printf("gateway: connection lost: %s", reason)

	if handshake != nil {
		handshake <- netError("connection closed before handshake completed: %s", reason)
		return
	}

	c.emit(Event{Kind: EventDisconnected, Reason: reason})
}

// handleEvent routes an event frame.
func (c *Client) handleEvent(frame *Frame) {
	switch frame.Event {
	case "connect.challenge":
		c.sendConnectRequest()

	case "chat":
		var ev chatEvent
		if err := json.Unmarshal(frame.Payload, &ev); err != nil {
			log.Printf("gateway: bad chat event: %v", err)
			return
		}
		c.handleChatEvent(ev)

	case "tick":
		// Keepalive, no action.

	case "shutdown":
		log.Printf("gateway: server announced shutdown")

	default:
		// Unknown events are forward compatibility, not errors.
	}
}

// handleChatEvent converts a chat event into the engine's stream signals.
func (c *Client) handleChatEvent(ev chatEvent) {
	switch ev.State {
	case "delta":
		var body chatMessageBody
		if len(ev.Message) > 0 {
			if err := json.Unmarshal(ev.Message, &body); err != nil {
				log.Printf("gateway: bad delta body: %v", err)
				return
			}
		}
		if body.Content == "" && body.Thinking == "" {
			return
		}
		c.emit(Event{Kind: EventStreamDelta, Delta: body.Content, Thinking: body.Thinking})

	case "final":
		var usage model.TokenUsage
		if ev.Usage != nil {
			usage = model.TokenUsage{Input: ev.Usage.Input, Output: ev.Usage.Output, Total: ev.Usage.Total}
		}
		c.emit(Event{Kind: EventComplete, Usage: usage, StopReason: ev.StopReason})

	case "aborted":
		// A server-side abort still completes the turn; whatever streamed
		// so far stands as the answer.
		c.emit(Event{Kind: EventComplete, StopReason: "aborted"})

	case "error":
		msg := ev.ErrorMessage
		if msg == "" {
			msg = "unknown error"
		}
		log.Printf("gateway: generation error: %s", msg)
		c.emit(Event{Kind: EventComplete, StopReason: "error"})
	}
}

// handleResponse resolves the waiting request, and the handshake when the
// response is the hello-ok (or the handshake rejection).
func (c *Client) handleResponse(frame *Frame) {
	c.mu.Lock()
	handshake := c.handshake
	ch := c.pending[frame.ID]
	delete(c.pending, frame.ID)

	isHello := false
	if handshake != nil {
		var payload struct {
			Type string `json:"type"`
		}
		if len(frame.Payload) > 0 {
			json.Unmarshal(frame.Payload, &payload)
		}
		if frame.OK && payload.Type == "hello-ok" {
			isHello = true
			c.handshake = nil
		} else if !frame.OK {
			isHello = true
			c.handshake = nil
		}
	}
	c.mu.Unlock()

	if isHello {
		if frame.OK {
			handshake <- nil
		} else {
			handshake <- classifyWireError(frame.Err)
		}
		return
	}

	if ch != nil {
		ch <- frame
		close(ch)
	}
}

// sendConnectRequest answers the Gateway's challenge with the handshake.
func (c *Client) sendConnectRequest() {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	params := connectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: clientInfo{
			ID:       c.identity.ID,
			Version:  c.identity.Version,
			Platform: runtime.GOOS,
			Mode:     c.identity.Mode,
		},
		Role:      "operator",
		Scopes:    []string{"operator.read", "operator.write"},
		Auth:      authInfo{Token: token},
		Locale:    "en-US",
		UserAgent: c.identity.ID + "/" + c.identity.Version,
	}

	if err := c.writeRequest(context.Background(), request{
		Type:   "req",
		ID:     uuid.NewString(),
		Method: "connect",
		Params: params,
	}); err != nil {
		log.Printf("gateway: failed to answer challenge: %v", err)
	}
}

// pingLoop keeps the connection alive.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// emit delivers an event unless the client is closed.
func (c *Client) emit(ev Event) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.events <- ev
}

// =============================================================================
// REQUESTS
// =============================================================================

// roundTrip sends a request and waits for its response frame.
func (c *Client) roundTrip(ctx context.Context, method string, params any) (*Frame, error) {
	id := uuid.NewString()

	ch := make(chan *Frame, 1)
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeRequest(ctx, request{Type: "req", ID: id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case frame, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if !frame.OK {
			return nil, classifyWireError(frame.Err)
		}
		return frame, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, &Error{Kind: ErrorTimeout, Message: method + " timed out", Retryable: true}
		}
		return nil, ctx.Err()
	}
}

// writeRequest marshals and writes a single frame.
func (c *Client) writeRequest(ctx context.Context, req request) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(req)
	if err != nil {
		return &Error{Kind: ErrorProtocol, Message: "marshal request: " + err.Error()}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return netError("write failed: %v", err)
	}
	return nil
}

// SendMessage implements Transport.
func (c *Client) SendMessage(ctx context.Context, req ChatRequest) error {
	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	params := map[string]any{
		"message":        req.Message,
		"sessionKey":     req.SessionKey,
		"idempotencyKey": key,
	}
	if req.Model != "" {
		params["model"] = req.Model
	}
	// The Gateway rejects a null thinking field; include it only when set.
	if req.Thinking {
		params["thinking"] = "on"
	}
	if len(req.Attachments) > 0 {
		params["attachments"] = encodeAttachments(req.Attachments)
	}

	_, err := c.roundTrip(ctx, "chat.send", params)
	return err
}

// encodeAttachments converts attachments to the Gateway wire shape.
func encodeAttachments(attachments []model.Attachment) []map[string]any {
	out := make([]map[string]any, 0, len(attachments))
	for _, a := range attachments {
		kind := "file"
		switch {
		case strings.HasPrefix(a.MimeType, "image/"):
			kind = "image"
		case strings.HasPrefix(a.MimeType, "text/"):
			kind = "text"
		}
		out = append(out, map[string]any{
			"type":     kind,
			"mimeType": a.MimeType,
			"fileName": a.Filename,
			"content":  a.Data,
		})
	}
	return out
}

// ListModels implements Transport.
func (c *Client) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, RequestTimeout)
	defer cancel()

	frame, err := c.roundTrip(ctx, "models.list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Models []model.ModelInfo `json:"models"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return nil, &Error{Kind: ErrorProtocol, Message: "bad models payload: " + err.Error()}
	}
	return payload.Models, nil
}
