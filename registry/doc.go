// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry tracks connection and liveness state for every
// device the hub knows about.
//
// Each device moves through a small connection lifecycle: admitted on
// connect (Handshaking), Ready once it has answered the capability
// query, Active while claimed by a recording session, and
// Reconnecting when its connection drops or its heartbeats stop. A
// device that stays unreachable past the eviction bound is removed,
// and any session still waiting on it is told to stop waiting.
//
// The registry is a single-owner actor: one goroutine owns all device
// records, and every operation is serialized through it. Callers only
// ever see snapshot copies, so there is no shared mutable state to
// lock.
package registry
