// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conn supervises the Gateway connection: it publishes the
// three-state connectivity signal, retries dropped connections with capped
// exponential backoff, routes inbound stream events to the assembler, and
// refreshes the model catalog after every successful connect.
package conn
