// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package dispatch drives the outbound message lifecycle. A send appears in
// the conversation immediately and reconciles with the delivery outcome:
// acknowledged, queued for reconnect, or failed with a retry offer. Edit,
// regenerate, retry, and stop are variations on the same delivery path.
package dispatch
