// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Server answers UDP time requests from spokes. Any datagram is
// answered immediately with the hub reference timestamp in ASCII
// decimal nanoseconds. The reply path does nothing else (no parsing,
// no locks, no allocation beyond the reply slice) because every
// microsecond of service-side latency between receive and reply lands
// directly in the spokes' offset estimates.
//
// The server runs on its own goroutine, separate from session command
// handling, and owns its socket for its whole lifetime.
type Server struct {
	conn *net.UDPConn

	// nowNS returns the hub reference timestamp. Defaults to the
	// wall clock; tests substitute a fixed source.
	nowNS func() int64

	logger *slog.Logger
}

// NewServer binds a UDP socket on address (e.g. ":8081", or ":0" for
// a random port).
func NewServer(address string, logger *slog.Logger) (*Server, error) {
	udpAddress, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("resolve time server address %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", udpAddress)
	if err != nil {
		return nil, fmt.Errorf("bind time server on %q: %w", address, err)
	}
	return &Server{
		conn:   conn,
		nowNS:  func() int64 { return time.Now().UnixNano() },
		logger: logger,
	}, nil
}

// Port returns the bound UDP port.
func (s *Server) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// Serve answers requests until ctx is cancelled. Always returns nil
// on cancellation; socket-level errors other than closure are logged
// and the loop continues, since one bad datagram must not take down
// time service for every device.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buffer := make([]byte, 512)
	for {
		_, remote, err := s.conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.logger.Warn("time server read error", "error", err)
				continue
			}
			return fmt.Errorf("time server read: %w", err)
		}

		// Capture the timestamp first; everything after this line
		// is reply latency.
		reply := strconv.AppendInt(make([]byte, 0, 20), s.nowNS(), 10)
		if _, err := s.conn.WriteToUDP(reply, remote); err != nil {
			s.logger.Warn("time server reply failed", "remote", remote, "error", err)
		}
	}
}

// Close releases the socket. Safe to call after Serve returns.
func (s *Server) Close() error { return s.conn.Close() }
