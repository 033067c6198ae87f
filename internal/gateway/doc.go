// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gateway implements the WebSocket client for the Gateway protocol
// (v3): JSON frames of type req, res, and event over a single connection.
//
// The connection handshake is challenge-driven: after the dial the Gateway
// sends a connect.challenge event, the client answers with a connect request
// carrying its identity and token, and the Gateway replies hello-ok. Plain
// ws:// URLs that fail to dial are retried as wss://; the reverse downgrade
// is never attempted.
package gateway
