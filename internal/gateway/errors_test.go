// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package gateway

import "testing"

func boolPtr(b bool) *bool { return &b }

func TestClassifyWireErrorAuth(t *testing.T) {
	for _, code := range []string{"UNAUTHORIZED", "FORBIDDEN", "TOKEN_EXPIRED", "INVALID_TOKEN"} {
		err := classifyWireError(&WireError{Code: code, Message: "no"})
		if err.Kind != ErrorAuth {
			t.Errorf("%s: Kind = %v, want ErrorAuth", code, err.Kind)
		}
		if !err.RequiresReauth() {
			t.Errorf("%s: RequiresReauth = false", code)
		}
		if err.Retryable {
			t.Errorf("%s: auth errors must not be retryable", code)
		}
	}
}

func TestClassifyWireErrorRetryableCodes(t *testing.T) {
	for _, code := range []string{"RATE_LIMITED", "SERVICE_UNAVAILABLE", "OVERLOADED", "TIMEOUT", "TEMPORARY_ERROR", "RETRY"} {
		err := classifyWireError(&WireError{Code: code})
		if !err.Retryable {
			t.Errorf("%s: Retryable = false, want true", code)
		}
		if err.RequiresReauth() {
			t.Errorf("%s: RequiresReauth = true", code)
		}
	}
}

func TestClassifyWireErrorExplicitFlagWins(t *testing.T) {
	err := classifyWireError(&WireError{Code: "SOMETHING_NEW", Retryable: boolPtr(true)})
	if !err.Retryable {
		t.Error("explicit retryable=true ignored")
	}
	err = classifyWireError(&WireError{Code: "RATE_LIMITED", Retryable: boolPtr(false)})
	if err.Retryable {
		t.Error("explicit retryable=false ignored")
	}
}

func TestClassifyWireErrorNil(t *testing.T) {
	err := classifyWireError(nil)
	if err == nil || err.Kind != ErrorGateway {
		t.Fatalf("got %+v, want gateway error", err)
	}
}

func TestNetErrorRetryable(t *testing.T) {
	err := netError("dial tcp %s: refused", "127.0.0.1:18080")
	if err.Kind != ErrorNetwork || !err.Retryable {
		t.Errorf("got kind=%v retryable=%v", err.Kind, err.Retryable)
	}
}

func TestSafeAlternateURL(t *testing.T) {
	if got := safeAlternateURL("ws://gw.local:18080"); got != "wss://gw.local:18080" {
		t.Errorf("upgrade = %q", got)
	}
	// A secure URL never downgrades.
	if got := safeAlternateURL("wss://gw.local:18080"); got != "" {
		t.Errorf("downgrade offered: %q", got)
	}
	if got := safeAlternateURL("http://gw.local"); got != "" {
		t.Errorf("non-websocket scheme upgraded: %q", got)
	}
}

func TestFallbackModelsHaveDefault(t *testing.T) {
	models := FallbackModels()
	if len(models) == 0 {
		t.Fatal("no fallback models")
	}
	defaults := 0
	for _, m := range models {
		if m.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Errorf("defaults = %d, want exactly 1", defaults)
	}
}
