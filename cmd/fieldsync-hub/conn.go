// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fieldsync-dev/fieldsync/protocol"
	"github.com/fieldsync-dev/fieldsync/registry"
	"github.com/fieldsync-dev/fieldsync/timesync"
)

// maxConsecutiveDecodeFailures closes a connection that keeps sending
// garbage. Isolated bad frames are tolerated; a stream that never
// recovers is not.
const maxConsecutiveDecodeFailures = 5

// deviceConn is one device's command connection: it owns the socket,
// routes acks back to waiting senders by sequence id, and turns
// device events into registry and orchestrator calls.
type deviceConn struct {
	server       *commandServer
	conn         net.Conn
	logger       *slog.Logger
	deviceID     string
	synchronizer *timesync.Synchronizer

	writeMu sync.Mutex

	// decoder is shared between the handshake and the read loop so
	// bytes buffered during the handshake are not lost. Only one
	// goroutine reads the connection at a time.
	decoder protocol.Decoder

	pendingMu sync.Mutex
	pending   map[int64]chan *protocol.Envelope

	closed    chan struct{}
	closeOnce sync.Once
}

func newDeviceConn(server *commandServer, conn net.Conn) *deviceConn {
	return &deviceConn{
		server:  server,
		conn:    conn,
		logger:  server.logger.With("remote", conn.RemoteAddr().String()),
		pending: make(map[int64]chan *protocol.Envelope),
		closed:  make(chan struct{}),
	}
}

// identify binds the connection to the device named in its hello
// event. Called once, between the handshake and the read loop.
func (dc *deviceConn) identify(deviceID string) {
	dc.deviceID = deviceID
	dc.logger = dc.server.logger.With("device", deviceID)
	dc.synchronizer = timesync.NewSynchronizer(dc.server.syncConfig, dc.server.clk, nil, dc.logger)
}

// close shuts the socket down once; the read loop unwinds and
// deregisters the connection.
func (dc *deviceConn) close() {
	dc.closeOnce.Do(func() {
		close(dc.closed)
		dc.conn.Close()
	})
}

func (dc *deviceConn) writeEnvelope(envelope *protocol.Envelope) error {
	dc.writeMu.Lock()
	defer dc.writeMu.Unlock()
	return protocol.WriteFrame(dc.conn, envelope)
}

// roundTrip sends a command and waits for the matching ack. A zero
// command ID gets the next id from the server's shared source;
// retried commands keep their id so devices can deduplicate.
func (dc *deviceConn) roundTrip(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error) {
	if command.ID == 0 {
		command.ID = dc.server.ids.Next()
	}

	reply := make(chan *protocol.Envelope, 1)
	dc.pendingMu.Lock()
	dc.pending[command.ID] = reply
	dc.pendingMu.Unlock()
	defer func() {
		dc.pendingMu.Lock()
		delete(dc.pending, command.ID)
		dc.pendingMu.Unlock()
	}()

	if err := dc.writeEnvelope(command); err != nil {
		return nil, fmt.Errorf("sending %s to %s: %w", command.Command, dc.deviceID, err)
	}
	dc.server.metrics.CommandSent(command.Command)

	select {
	case ack := <-reply:
		dc.server.metrics.AckReceived(command.Command, ack.Status)
		if ack.Kind == protocol.KindError {
			return nil, fmt.Errorf("device %s rejected %s: %s (%s)",
				dc.deviceID, command.Command, ack.Code, ack.Message)
		}
		return ack, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-dc.closed:
		return nil, fmt.Errorf("device %s: connection closed", dc.deviceID)
	}
}

// readEnvelope reads until one complete envelope arrives. Used during
// the handshake, before the read loop starts; deadline bounds the
// whole wait.
func (dc *deviceConn) readEnvelope(deadline time.Time) (*protocol.Envelope, error) {
	if err := dc.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer dc.conn.SetReadDeadline(time.Time{})

	buffer := make([]byte, 4096)
	for {
		envelope, err := dc.decoder.Next()
		if err == nil {
			return envelope, nil
		}
		if !errors.Is(err, protocol.ErrIncomplete) {
			return nil, err
		}
		n, err := dc.conn.Read(buffer)
		if n > 0 {
			dc.decoder.Feed(buffer[:n])
		}
		if err != nil && dc.decoder.Buffered() == 0 {
			return nil, err
		}
	}
}

// readLoop owns the socket's read side until the connection dies.
func (dc *deviceConn) readLoop(ctx context.Context) {
	defer dc.server.dropConn(dc)
	defer dc.close()

	buffer := make([]byte, 32*1024)
	for {
		n, err := dc.conn.Read(buffer)
		if n > 0 {
			dc.decoder.Feed(buffer[:n])
			if !dc.drainDecoder(ctx, &dc.decoder) {
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				dc.logger.Info("device connection lost", "error", err)
			}
			return
		}
	}
}

// drainDecoder processes every complete envelope currently buffered.
// Returns false when the connection should close.
func (dc *deviceConn) drainDecoder(ctx context.Context, decoder *protocol.Decoder) bool {
	for {
		before := decoder.Buffered()
		envelope, err := decoder.Next()
		if errors.Is(err, protocol.ErrIncomplete) {
			return true
		}
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			dc.logger.Warn("malformed frame from device",
				"reason", decodeErr.Reason, "detail", decodeErr.Detail)
			if decoder.ConsecutiveFailures() >= maxConsecutiveDecodeFailures {
				dc.logger.Warn("closing connection after repeated decode failures")
				return false
			}
			if decoder.Buffered() == before {
				// Error without consumption: skip to the next
				// plausible boundary or we would spin here.
				decoder.Recover()
			}
			continue
		}
		dc.handleEnvelope(ctx, envelope)
	}
}

func (dc *deviceConn) handleEnvelope(ctx context.Context, envelope *protocol.Envelope) {
	switch envelope.Kind {
	case protocol.KindAck, protocol.KindError:
		dc.routeAck(envelope)
	case protocol.KindEvent:
		dc.handleEvent(ctx, envelope)
	case protocol.KindCommand:
		dc.handleCommand(ctx, envelope)
	}
}

func (dc *deviceConn) routeAck(ack *protocol.Envelope) {
	dc.pendingMu.Lock()
	reply, ok := dc.pending[ack.AckID]
	dc.pendingMu.Unlock()
	if !ok {
		// Late ack after the sender gave up. Harmless.
		dc.logger.Debug("ack with no waiting command", "ack_id", ack.AckID)
		return
	}
	select {
	case reply <- ack:
	default:
	}
}

func (dc *deviceConn) handleEvent(ctx context.Context, event *protocol.Envelope) {
	switch event.Name {
	case protocol.EventHeartbeat:
		dc.server.metrics.HeartbeatReceived()
		if err := dc.server.registry.Heartbeat(dc.deviceID); err != nil {
			dc.logger.Warn("heartbeat for unknown device", "error", err)
			return
		}
		dc.observeHeartbeatDelay(ctx, event)

	case protocol.EventFlash:
		timestampNS, ok := event.Int64Field("local_timestamp_ns")
		if !ok {
			dc.logger.Warn("flash event without timestamp")
			return
		}
		eventID, _ := event.StringField("event_id")
		confidence := 1.0
		if raw, ok := event.Extra["confidence"]; ok {
			confidence = asFloat(raw)
		}
		dc.server.orchestrator.RecordFlash(dc.deviceID, eventID, timestampNS, confidence)

	case protocol.EventErrorReport:
		message, _ := event.StringField("message")
		dc.logger.Warn("device reported error", "message", message)

	default:
		dc.logger.Debug("unhandled event from device", "event", event.Name)
	}
}

// observeHeartbeatDelay feeds the heartbeat's apparent one-way delay
// into the re-sync policy: a heartbeat timestamp that lands far from
// hub time, after offset correction, means the path or the clock
// drifted.
func (dc *deviceConn) observeHeartbeatDelay(ctx context.Context, event *protocol.Envelope) {
	timestampNS, ok := event.Int64Field("timestamp_ns")
	if !ok {
		return
	}
	info, ok := dc.server.registry.Get(dc.deviceID)
	if !ok || info.OffsetStats.Trials == 0 {
		return
	}
	delayNS := dc.server.clk.Now().UnixNano() - (timestampNS - info.OffsetStats.OffsetNS)
	if delayNS < 0 {
		delayNS = -delayNS
	}
	if dc.synchronizer.ObserveDelay(time.Duration(delayNS)) {
		dc.logger.Info("heartbeat delay triggered re-sync", "delay_ns", delayNS)
		go dc.resync(ctx)
	}
}

func (dc *deviceConn) handleCommand(ctx context.Context, command *protocol.Envelope) {
	switch command.Command {
	case protocol.CommandRejoinSession:
		dc.handleRejoin(ctx, command)
	default:
		dc.writeEnvelope(protocol.NewError(command.ID, protocol.CodeBadParam,
			fmt.Sprintf("devices cannot issue %q", command.Command)))
	}
}

func (dc *deviceConn) handleRejoin(ctx context.Context, command *protocol.Envelope) {
	claimedDevice, _ := command.StringField("device_id")
	sessionID, _ := command.StringField("session_id")
	if claimedDevice != dc.deviceID {
		dc.writeEnvelope(protocol.NewError(command.ID, protocol.CodeBadParam,
			"rejoin device_id does not match connection identity"))
		return
	}

	decision, err := dc.server.registry.Rejoin(dc.deviceID, sessionID)
	if err != nil {
		dc.logger.Warn("rejoin rejected", "session", sessionID, "error", err)
		dc.writeEnvelope(protocol.NewError(command.ID, protocol.CodeUnknownSession, err.Error()))
		return
	}

	mode := "active"
	if decision == registry.RejoinTransfer {
		mode = "transfer"
	}
	ack := protocol.NewAck(command.ID, protocol.AckOK)
	ack.Extra = map[string]any{"mode": mode}
	if err := dc.writeEnvelope(ack); err != nil {
		return
	}
	dc.logger.Info("device rejoined", "session", sessionID, "mode", mode)

	switch mode {
	case "active":
		go func() {
			if err := dc.server.orchestrator.ResumeMember(ctx, dc.deviceID); err != nil {
				dc.logger.Warn("resuming rejoined member", "error", err)
			}
		}()
	case "transfer":
		go func() {
			if err := dc.server.orchestrator.RequestTransfer(ctx, dc.deviceID, sessionID); err != nil {
				dc.logger.Warn("directing rejoined member to transfer", "error", err)
			}
		}()
	}
}

// resync runs a full synchronization event and stores the result.
func (dc *deviceConn) resync(ctx context.Context) {
	stats, err := dc.synchronizer.Run(ctx, dc.deviceID, dc.roundTrip)
	if err != nil {
		dc.logger.Warn("time sync failed", "error", err)
		return
	}
	if err := dc.server.registry.SetOffsetStats(dc.deviceID, stats); err != nil {
		dc.logger.Warn("storing offset stats", "error", err)
		return
	}
	dc.server.metrics.SyncObserved(dc.deviceID, stats.OffsetNS, stats.MinDelayNS)
}

// periodicResyncLoop re-syncs mid-session on the configured cadence.
func (dc *deviceConn) periodicResyncLoop(ctx context.Context) {
	interval := dc.synchronizer.PeriodicInterval()
	if interval <= 0 {
		return
	}
	ticker := dc.server.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if dc.synchronizer.PeriodicDue() {
				dc.resync(ctx)
			}
		case <-dc.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func asFloat(value any) float64 {
	switch v := value.(type) {
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		return f
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}
