// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conn

import (
	"context"
	"errors"
	"log"
	"math"
	"sync"
	"time"

	"github.com/jeranaias/clawdesk/internal/gateway"
	"github.com/jeranaias/clawdesk/internal/store"
	"github.com/jeranaias/clawdesk/internal/stream"
)

// Backoff parameters.
const (
	// backoffBase is the delay before the first retry.
	backoffBase = 5000 * time.Millisecond

	// backoffCeiling is the maximum delay between retries.
	backoffCeiling = 30000 * time.Millisecond

	// backoffFactor is the per-attempt growth multiplier.
	backoffFactor = 1.5

	// modelFetchTimeout bounds the catalog request after connecting.
	modelFetchTimeout = 15 * time.Second
)

// Backoff returns the retry delay before attempt n (n >= 1): capped
// exponential growth from 5s to a 30s ceiling. Attempts 1..6 wait 5s, 7.5s,
// 11.25s, 16.875s, ~25.3s, 30s; every later attempt waits 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(backoffBase) * math.Pow(backoffFactor, float64(attempt-1)))
	if d > backoffCeiling {
		d = backoffCeiling
	}
	return d
}

// =============================================================================
// SUPERVISOR
// =============================================================================

// Supervisor owns the logical link to the Gateway: connect and disconnect,
// automatic reconnect with backoff, the connectivity signal published to the
// store, and the model catalog refresh after every successful connection.
//
// One connection attempt runs at a time; a timer firing while the previous
// attempt is still resolving is dropped by the busy flag.
type Supervisor struct {
	store     *store.Store
	transport gateway.Transport
	assembler *stream.Assembler

	// onReconnected runs after each successful connection, wired to the
	// offline-queue flush.
	onReconnected func(ctx context.Context)

	// persistURL saves the connection URL the Gateway actually accepted
	// when the transport switched to the secure form of it.
	persistURL func(url string)

	// backoff is replaceable in tests.
	backoff func(attempt int) time.Duration

	mu             sync.Mutex
	url            string
	token          string
	failedAttempts int
	busy           bool
	enabled        bool
}

// New creates a supervisor. Run must be called before Connect.
func New(s *store.Store, t gateway.Transport, asm *stream.Assembler) *Supervisor {
	return &Supervisor{
		store:     s,
		transport: t,
		assembler: asm,
		backoff:   Backoff,
	}
}

// SetOnReconnected wires the callback run after each successful connection.
func (s *Supervisor) SetOnReconnected(fn func(ctx context.Context)) {
	s.onReconnected = fn
}

// SetPersistURL wires the callback that saves a switched connection URL.
func (s *Supervisor) SetPersistURL(fn func(url string)) {
	s.persistURL = fn
}

// Run starts the inbound event loop. It returns when ctx is cancelled or
// the transport's event channel closes.
func (s *Supervisor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				return
			}
			s.handleEvent(ctx, ev)
		}
	}
}

// handleEvent routes one inbound transport event.
func (s *Supervisor) handleEvent(ctx context.Context, ev gateway.Event) {
	switch ev.Kind {
	case gateway.EventConnected:
		s.store.SetConnectionState(store.StateConnected)

	case gateway.EventDisconnected:
		log.Printf("conn: disconnected: %s", ev.Reason)
		// Whatever streamed before the drop stands as the answer.
		s.assembler.FinalizePartial()
		s.store.SetConnectionState(store.StateDisconnected)
		s.scheduleReconnect(ctx)

	case gateway.EventStreamDelta:
		if ev.Thinking != "" {
			s.assembler.OnThinking(ev.Thinking)
		}
		if ev.Delta != "" {
			s.assembler.OnDelta(ev.Delta)
		}

	case gateway.EventComplete:
		s.assembler.OnComplete(ev.Usage, ev.StopReason)
	}
}

// =============================================================================
// CONNECT
// =============================================================================

// Configure sets the Gateway endpoint for subsequent connection attempts.
func (s *Supervisor) Configure(url, token string) {
	s.mu.Lock()
	s.url = url
	s.token = token
	s.mu.Unlock()
}

// Connect starts a connection attempt and enables automatic reconnect.
func (s *Supervisor) Connect(ctx context.Context) {
	s.mu.Lock()
	s.enabled = true
	s.failedAttempts = 0
	s.mu.Unlock()
	s.connectOnce(ctx)
}

// Disconnect tears the link down and disables automatic reconnect until the
// next explicit Connect.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.enabled = false
	s.mu.Unlock()

	if err := s.transport.Disconnect(); err != nil {
		log.Printf("conn: disconnect: %v", err)
	}
	s.store.SetConnectionState(store.StateDisconnected)
}

// ApplySettings reconnects with a new endpoint, outside the backoff loop.
// The caller persists the settings before this runs; they stay persisted
// whether or not the new connection succeeds.
func (s *Supervisor) ApplySettings(ctx context.Context, url, token string) {
	if err := s.transport.Disconnect(); err != nil {
		log.Printf("conn: disconnect for settings change: %v", err)
	}
	s.store.SetConnectionState(store.StateDisconnected)

	s.mu.Lock()
	s.url = url
	s.token = token
	s.failedAttempts = 0
	s.enabled = true
	s.mu.Unlock()

	s.connectOnce(ctx)
}

// connectOnce runs a single connection attempt. Re-entrant calls while an
// attempt is resolving are dropped.
func (s *Supervisor) connectOnce(ctx context.Context) {
	s.mu.Lock()
	if s.busy || !s.enabled {
		s.mu.Unlock()
		return
	}
	s.busy = true
	url, token := s.url, s.token
	s.mu.Unlock()

	s.store.SetConnectionState(store.StateConnecting)

	res, err := s.transport.Connect(ctx, url, token)

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()

	if err != nil {
		s.mu.Lock()
		s.failedAttempts++
		attempts := s.failedAttempts
		s.mu.Unlock()

		s.store.SetConnectionState(store.StateDisconnected)
		log.Printf("conn: attempt %d failed: %v", attempts, err)

		var gwErr *gateway.Error
		if errors.As(err, &gwErr) && gwErr.RequiresReauth() {
			s.store.AddSystemNotice("", gwErr.UserMessage())
		}
		s.scheduleReconnect(ctx)
		return
	}

	if res.ProtocolSwitched && s.persistURL != nil {
		s.mu.Lock()
		s.url = res.UsedURL
		s.mu.Unlock()
		s.persistURL(res.UsedURL)
	}

	s.mu.Lock()
	hadFailures := s.failedAttempts > 0
	s.failedAttempts = 0
	s.mu.Unlock()

	s.store.SetConnectionState(store.StateConnected)
	if hadFailures {
		s.store.AddSystemNotice("", "Reconnected to Gateway.")
	}

	go s.refreshModels(ctx)
	if s.onReconnected != nil {
		go s.onReconnected(ctx)
	}
}

// scheduleReconnect arms the retry timer when automatic reconnect is on.
func (s *Supervisor) scheduleReconnect(ctx context.Context) {
	s.mu.Lock()
	if !s.enabled || s.busy {
		s.mu.Unlock()
		return
	}
	attempt := s.failedAttempts + 1
	delay := s.backoff(attempt)
	s.mu.Unlock()

	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		s.connectOnce(ctx)
	})
}

// refreshModels fetches the model catalog, degrading to the fallback list
// so a catalog failure never blocks connectivity.
func (s *Supervisor) refreshModels(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, modelFetchTimeout)
	defer cancel()

	models, err := s.transport.ListModels(ctx)
	if err != nil || len(models) == 0 {
		if err != nil {
			log.Printf("conn: model catalog fetch failed, using fallback: %v", err)
		}
		models = gateway.FallbackModels()
	}
	s.store.SetModels(models)
}
