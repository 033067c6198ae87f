// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store holds the client's conversation state: the ordered list of
// conversations, the current selection, per-message send status, and the
// single in-flight streaming message. Mutations notify subscribed observers
// synchronously and persist through an optional Persister.
package store
