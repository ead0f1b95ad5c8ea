// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source with a real
// implementation and a deterministic fake for tests.
//
// FieldSync's hub is full of periodic and deadline-driven behavior:
// the heartbeat sweep, command timeouts with backoff, the re-sync
// cooldown, transfer stall deadlines. Tests for all of these drive a
// [FakeClock] with Advance instead of sleeping, which keeps the suite
// fast and removes wall-clock flakiness.
package clock
