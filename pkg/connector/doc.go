// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector keeps a single messaging account logged in and relays its
// traffic.
//
// # Core Types
//
// [Session] supervises the connection of one instance. It drives a
// [ProtocolClient] through DISCONNECTED, CONNECTING, AWAITING_SCAN, CONNECTED
// and RECONNECT_PENDING, persists credential deltas through the
// [CredentialStore] and hands inbound messages to a [MessageHandler] one at a
// time.
//
// [Relay] is the MessageHandler used in production. It drops echoes,
// broadcasts and senders outside the allowlist, builds an [Envelope],
// optionally stores image media through an [ObjectStorage] and POSTs the
// envelope to the configured webhook. Failed deliveries can be queued in the
// [Outbox] for redelivery.
//
// [Gateway] is the outbound command surface. Every command is rejected with
// [ErrNotConnected] unless the session is CONNECTED.
//
// [SessionManager] owns one Session per instance name and [APIServer] exposes
// the gateways over HTTP.
//
// # Credentials
//
// Credentials are only deleted on an explicit disconnect or when the network
// reports the session as logged out. Every other close keeps them and
// schedules a reconnect.
//
// # Sub-packages
//
//   - wafmt converts between Markdown and the network's inline markup.
package connector
