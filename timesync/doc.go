// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package timesync estimates per-device clock offsets so that data
// recorded on independently clocked spokes can be aligned to the
// hub's timeline at analysis time. Device clocks are never adjusted;
// alignment is always an offset application on stored timestamps.
//
//   - estimate.go: the four-timestamp offset/delay math and robust
//     multi-trial aggregation (trimmed median, minimum delay)
//   - server.go: the UDP time service spokes query directly
//   - sync.go: hub-driven synchronization events over the command
//     connection, plus the threshold/periodic re-sync policy
package timesync
