// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// ModelInfo describes an inference model offered by the Gateway.
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	IsDefault     bool   `json:"is_default,omitempty"`
	ContextWindow int    `json:"contextWindow,omitempty"`
	Reasoning     bool   `json:"reasoning,omitempty"`
}

// DefaultModelID picks the catalog's default model, or the first entry when
// none is flagged. Returns empty for an empty catalog.
func DefaultModelID(models []ModelInfo) string {
	for _, m := range models {
		if m.IsDefault {
			return m.ID
		}
	}
	if len(models) > 0 {
		return models[0].ID
	}
	return ""
}
