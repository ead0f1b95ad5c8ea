// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer receives post-session file uploads from devices.
//
// Each upload is one TCP connection: a length-prefixed JSON header
// declaring the session, device, archive name, byte count, and BLAKE3
// checksum, followed by exactly that many raw bytes. The server
// verifies size and checksum before anything touches the session
// directory; archives that fail verification are quarantined for
// inspection, never unpacked. Verified archives are extracted in
// place, so a session directory ends up holding each device's files
// under its own subdirectory.
package transfer
