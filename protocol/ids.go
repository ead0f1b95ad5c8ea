// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import "sync/atomic"

// IDSource hands out command sequence ids. All command senders that
// share a connection's ack-routing table must share one source so ids
// never collide. The zero value is ready to use.
type IDSource struct {
	last atomic.Int64
}

// Next returns the next id, starting at 1.
func (s *IDSource) Next() int64 {
	return s.last.Add(1)
}
