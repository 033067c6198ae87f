// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides settings loading and management for clawdesk.
//
// Settings live at ~/.clawdesk/settings.toml with sensible defaults and
// environment variable overrides. Saves are atomic; a crash mid-save never
// corrupts the file.
package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/clawdesk/internal/util"
)

// Default connection endpoint: the Gateway's local listener.
const DefaultGatewayURL = "ws://127.0.0.1:18080"

// =============================================================================
// SETTINGS
// =============================================================================

// Settings is the persisted client configuration.
type Settings struct {
	// GatewayURL is the ws:// or wss:// endpoint of the Gateway.
	GatewayURL string `toml:"gateway_url"`

	// GatewayToken authenticates the connect handshake.
	GatewayToken string `toml:"gateway_token"`

	// DefaultModel is the model ID preselected for new conversations.
	DefaultModel string `toml:"default_model"`

	// DefaultThinking requests the reasoning trace by default.
	DefaultThinking bool `toml:"default_thinking"`

	// SystemPrompt is prepended to every conversation when set.
	SystemPrompt string `toml:"system_prompt,omitempty"`

	// Theme names the UI theme; the engine stores it, the shell reads it.
	Theme string `toml:"theme"`
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		GatewayURL: DefaultGatewayURL,
		Theme:      "dark",
	}
}

// Dir returns the clawdesk configuration directory (~/.clawdesk).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".clawdesk"), nil
}

// Path returns the settings file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.toml"), nil
}

// Load reads settings from the default path, fills defaults, and applies
// environment overrides. A missing file is not an error.
func Load() (Settings, error) {
	path, err := Path()
	if err != nil {
		return Default(), err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads settings from an explicit path.
func LoadFromPath(path string) (Settings, error) {
	s := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &s); err != nil {
			return Default(), fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	s.applyEnvOverrides()
	if s.GatewayURL == "" {
		s.GatewayURL = DefaultGatewayURL
	}
	return s, nil
}

// applyEnvOverrides lets the environment win over the file.
func (s *Settings) applyEnvOverrides() {
	if v := os.Getenv("CLAWDESK_GATEWAY_URL"); v != "" {
		s.GatewayURL = v
	}
	if v := os.Getenv("CLAWDESK_GATEWAY_TOKEN"); v != "" {
		s.GatewayToken = v
	}
	if v := os.Getenv("CLAWDESK_MODEL"); v != "" {
		s.DefaultModel = v
	}
}

// Save validates and writes the settings to the default path.
func Save(s Settings) error {
	path, err := Path()
	if err != nil {
		return err
	}
	return SaveToPath(s, path)
}

// SaveToPath validates and writes the settings to an explicit path. The
// write is atomic and the file is private: it carries the Gateway token.
func SaveToPath(s Settings, path string) error {
	if err := ValidateGatewayURL(s.GatewayURL); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return util.AtomicWriteFile(path, buf.Bytes(), 0600)
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError reports a rejected settings value. It fires before any
// transport call; nothing has been connected or persisted when it returns.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// ValidateGatewayURL checks that a Gateway URL is a usable ws:// or wss://
// endpoint.
func ValidateGatewayURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return &ValidationError{Field: "gateway_url", Value: raw, Message: "URL is empty"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &ValidationError{Field: "gateway_url", Value: raw, Message: err.Error()}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &ValidationError{Field: "gateway_url", Value: raw, Message: "scheme must be ws or wss"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "gateway_url", Value: raw, Message: "host is missing"}
	}
	return nil
}
