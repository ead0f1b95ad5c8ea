// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the versioned envelope exchanged between
// the hub and its spokes, and the framing that delimits envelopes on a
// TCP stream.
//
// The package is organized around the wire data flow:
//
//   - envelope.go: the envelope type, kinds, command and error constants
//   - build.go: constructors for every command and event the hub uses
//   - frame.go: length-prefixed framing, legacy line fallback, decode errors
//
// Payloads are JSON so a capture in flight is readable with tcpdump
// and a pair of eyes. Unknown payload fields are preserved across
// decode/encode, which is what lets hubs and spokes upgrade
// independently.
package protocol
