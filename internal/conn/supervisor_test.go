// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jeranaias/clawdesk/internal/gateway"
	"github.com/jeranaias/clawdesk/internal/model"
	"github.com/jeranaias/clawdesk/internal/store"
	"github.com/jeranaias/clawdesk/internal/stream"
)

func TestBackoffTable(t *testing.T) {
	want := []time.Duration{
		1: 5000 * time.Millisecond,
		2: 7500 * time.Millisecond,
		3: 11250 * time.Millisecond,
		4: 16875 * time.Millisecond,
		5: 25312500 * time.Microsecond,
		6: 30000 * time.Millisecond,
	}
	for attempt := 1; attempt <= 6; attempt++ {
		if got := Backoff(attempt); got != want[attempt] {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, want[attempt])
		}
	}
}

func TestBackoffMonotonicAndCapped(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := Backoff(attempt)
		if d < prev {
			t.Errorf("Backoff(%d) = %v < Backoff(%d) = %v", attempt, d, attempt-1, prev)
		}
		if d > 30*time.Second {
			t.Errorf("Backoff(%d) = %v exceeds ceiling", attempt, d)
		}
		prev = d
	}
	if Backoff(20) != 30*time.Second {
		t.Errorf("Backoff(20) = %v, want ceiling", Backoff(20))
	}
}

// flakyTransport fails a scripted number of connect attempts, then succeeds.
type flakyTransport struct {
	mu        sync.Mutex
	failures  int
	failErr   error // returned while failing; nil means a refused dial
	attempts  int
	models    []model.ModelInfo
	modelsErr error
	events    chan gateway.Event
}

func newFlakyTransport(failures int) *flakyTransport {
	return &flakyTransport{failures: failures, events: make(chan gateway.Event, 16)}
}

func (f *flakyTransport) Connect(ctx context.Context, url, token string) (gateway.ConnectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		if f.failErr != nil {
			return gateway.ConnectResult{}, f.failErr
		}
		return gateway.ConnectResult{}, errors.New("dial tcp: connection refused")
	}
	return gateway.ConnectResult{Success: true, UsedURL: url}, nil
}

func (f *flakyTransport) Disconnect() error { return nil }

func (f *flakyTransport) SendMessage(ctx context.Context, req gateway.ChatRequest) error {
	return nil
}

func (f *flakyTransport) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models, f.modelsErr
}

func (f *flakyTransport) Events() <-chan gateway.Event { return f.events }

func (f *flakyTransport) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func newSupervisorFixture(failures int) (*store.Store, *flakyTransport, *Supervisor) {
	s := store.New(nil)
	s.CreateConversation()
	ft := newFlakyTransport(failures)
	sup := New(s, ft, stream.New(s))
	sup.backoff = func(int) time.Duration { return time.Millisecond }
	sup.Configure("ws://127.0.0.1:18080", "token")
	return s, ft, sup
}

func countNotices(conv *model.Conversation, substr string) int {
	n := 0
	for _, m := range conv.Messages {
		if m.Role == model.RoleSystem && strings.Contains(m.Content, substr) {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestFirstConnectNoReconnectedNotice(t *testing.T) {
	s, _, sup := newSupervisorFixture(0)
	conv := s.Selected()

	sup.Connect(context.Background())

	if !s.IsConnected() {
		t.Fatal("not connected after clean first attempt")
	}
	if n := countNotices(conv, "Reconnected"); n != 0 {
		t.Errorf("reconnected notices = %d, want 0 on first attempt", n)
	}
}

func TestNoticeAfterThreeFailures(t *testing.T) {
	s, ft, sup := newSupervisorFixture(3)
	conv := s.Selected()

	sup.Connect(context.Background())

	waitFor(t, s.IsConnected, "connection")
	if got := ft.attemptCount(); got != 4 {
		t.Errorf("attempts = %d, want 4", got)
	}
	if n := countNotices(conv, "Reconnected"); n != 1 {
		t.Errorf("reconnected notices = %d, want exactly 1", n)
	}
}

func TestAuthFailureKeepsRetrying(t *testing.T) {
	s, ft, sup := newSupervisorFixture(2)
	ft.failErr = &gateway.Error{Kind: gateway.ErrorAuth, Code: "INVALID_TOKEN", Message: "token rejected"}
	conv := s.Selected()

	sup.Connect(context.Background())

	waitFor(t, s.IsConnected, "connection")
	if got := ft.attemptCount(); got != 3 {
		t.Errorf("attempts = %d, want 3 (auth failures still retry)", got)
	}
	if n := countNotices(conv, "Authentication failed"); n == 0 {
		t.Error("no credentials notice surfaced")
	}
}

func TestDisconnectEventTriggersReconnect(t *testing.T) {
	s, ft, sup := newSupervisorFixture(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	sup.Connect(ctx)
	waitFor(t, s.IsConnected, "initial connection")

	ft.events <- gateway.Event{Kind: gateway.EventDisconnected, Reason: "EOF"}

	waitFor(t, func() bool { return ft.attemptCount() >= 2 }, "reconnect attempt")
	waitFor(t, s.IsConnected, "reconnection")
}

func TestDisconnectFinalizesPartialStream(t *testing.T) {
	s, ft, sup := newSupervisorFixture(0)
	conv := s.Selected()

	msg := model.NewAssistantMessage()
	if err := s.AddMessage(conv.ID, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginStream(conv.ID, msg.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendToStream("half an ans"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	ft.events <- gateway.Event{Kind: gateway.EventDisconnected, Reason: "EOF"}

	waitFor(t, func() bool { return s.StreamingMessageID() == "" }, "stream finalize")
	if msg.Content != "half an ans" {
		t.Errorf("Content = %q, want the partial output kept", msg.Content)
	}
	if msg.SendStatus == model.SendStatusFailed {
		t.Error("partial stream marked failed instead of completed")
	}
}

func TestStreamEventsRouteToAssembler(t *testing.T) {
	s, ft, sup := newSupervisorFixture(0)
	conv := s.Selected()

	msg := model.NewAssistantMessage()
	if err := s.AddMessage(conv.ID, msg); err != nil {
		t.Fatal(err)
	}
	if err := s.BeginStream(conv.ID, msg.ID); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sup.Run(ctx)

	ft.events <- gateway.Event{Kind: gateway.EventStreamDelta, Delta: "token "}
	ft.events <- gateway.Event{Kind: gateway.EventStreamDelta, Delta: "stream"}
	ft.events <- gateway.Event{Kind: gateway.EventComplete, Usage: model.TokenUsage{Total: 7}, StopReason: "end_turn"}

	waitFor(t, func() bool { return s.StreamingMessageID() == "" }, "completion")
	if msg.Content != "token stream" {
		t.Errorf("Content = %q", msg.Content)
	}
	if msg.Usage.Total != 7 {
		t.Errorf("Usage.Total = %d", msg.Usage.Total)
	}
}

func TestModelCatalogFallback(t *testing.T) {
	s, ft, sup := newSupervisorFixture(0)
	ft.modelsErr = errors.New("models.list timed out")

	sup.Connect(context.Background())

	waitFor(t, func() bool { return len(s.Models()) > 0 }, "model catalog")
	models := s.Models()
	if model.DefaultModelID(models) == "" {
		t.Error("fallback catalog has no default model")
	}
}

func TestModelCatalogFromGateway(t *testing.T) {
	s, ft, sup := newSupervisorFixture(0)
	ft.models = []model.ModelInfo{{ID: "anthropic/claude-opus-4-5", Name: "Claude Opus 4.5", IsDefault: true}}

	sup.Connect(context.Background())

	waitFor(t, func() bool { return len(s.Models()) > 0 }, "model catalog")
	if s.Models()[0].ID != "anthropic/claude-opus-4-5" {
		t.Errorf("catalog = %+v", s.Models())
	}
}

func TestReconnectedFlushCallbackRuns(t *testing.T) {
	_, _, sup := newSupervisorFixture(0)

	flushed := make(chan struct{}, 1)
	sup.SetOnReconnected(func(ctx context.Context) { flushed <- struct{}{} })

	sup.Connect(context.Background())

	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect callback never ran")
	}
}

func TestProtocolSwitchPersistsURL(t *testing.T) {
	s := store.New(nil)
	s.CreateConversation()
	ft := &switchingTransport{events: make(chan gateway.Event, 1)}
	sup := New(s, ft, stream.New(s))
	sup.Configure("ws://gw.example:18080", "token")

	var saved string
	sup.SetPersistURL(func(url string) { saved = url })

	sup.Connect(context.Background())

	if saved != "wss://gw.example:18080" {
		t.Errorf("persisted URL = %q", saved)
	}
}

// switchingTransport reports a ws -> wss upgrade on connect.
type switchingTransport struct {
	events chan gateway.Event
}

func (f *switchingTransport) Connect(ctx context.Context, url, token string) (gateway.ConnectResult, error) {
	return gateway.ConnectResult{
		Success:          true,
		UsedURL:          "wss://" + strings.TrimPrefix(url, "ws://"),
		ProtocolSwitched: true,
	}, nil
}

func (f *switchingTransport) Disconnect() error { return nil }

func (f *switchingTransport) SendMessage(ctx context.Context, req gateway.ChatRequest) error {
	return nil
}

func (f *switchingTransport) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	return gateway.FallbackModels(), nil
}

func (f *switchingTransport) Events() <-chan gateway.Event { return f.events }
