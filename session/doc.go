// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package session drives recording sessions across the device fleet.
//
// A session moves through a strict lifecycle: creating (claiming
// devices and broadcasting start), active (devices recording, flash
// triggers allowed), stopping (broadcasting stop), transferring
// (collecting each device's files), and finally complete. A session
// that no device manages to start is aborted. At most one session is
// live at a time.
//
// Every device keeps its own per-device outcome, because fleets are
// ragged: a session completes when each member has either delivered
// its files, failed verification, or been evicted as unreachable. A
// device that drops mid-session stays pending until it rejoins or
// the registry gives up on it.
package session
