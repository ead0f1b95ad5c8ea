// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Fieldsync-spoke-sim simulates one sensing device against a running
// hub: it handshakes, heartbeats, acknowledges session commands,
// answers time-sync trials with a configurable clock offset, records
// placeholder data, and uploads it when directed to transfer.
//
// Misbehavior switches make it useful for fault-handling exercises:
// dropping heartbeats provokes the hub's reconnect path, delayed acks
// provoke command retries.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fieldsync-dev/fieldsync/protocol"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		hubAddress        string
		deviceID          string
		workDir           string
		clockOffset       time.Duration
		heartbeatInterval time.Duration
		dropHeartbeats    bool
		ackDelay          time.Duration
		flashJitter       time.Duration
	)
	flag.StringVar(&hubAddress, "hub", "127.0.0.1:9468", "hub command address")
	flag.StringVar(&deviceID, "device-id", "", "stable device identifier (required)")
	flag.StringVar(&workDir, "work-dir", "", "directory for simulated recordings (default: a temp dir)")
	flag.DurationVar(&clockOffset, "clock-offset", 0, "simulated clock skew relative to the hub")
	flag.DurationVar(&heartbeatInterval, "heartbeat", 3*time.Second, "heartbeat interval")
	flag.BoolVar(&dropHeartbeats, "drop-heartbeats", false, "stop heartbeating after admission (provokes reconnect handling)")
	flag.DurationVar(&ackDelay, "ack-delay", 0, "delay before acknowledging session commands (provokes retries)")
	flag.DurationVar(&flashJitter, "flash-jitter", time.Millisecond, "random detection latency added to flash timestamps")
	flag.Parse()

	if deviceID == "" {
		return errors.New("--device-id is required")
	}
	if workDir == "" {
		dir, err := os.MkdirTemp("", "fieldsync-spoke-"+deviceID+"-")
		if err != nil {
			return fmt.Errorf("creating work directory: %w", err)
		}
		workDir = dir
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})).With("device", deviceID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spoke := &spoke{
		hubAddress:        hubAddress,
		deviceID:          deviceID,
		workDir:           workDir,
		clockOffsetNS:     clockOffset.Nanoseconds(),
		heartbeatInterval: heartbeatInterval,
		dropHeartbeats:    dropHeartbeats,
		ackDelay:          ackDelay,
		flashJitter:       flashJitter,
		logger:            logger,
	}
	return spoke.run(ctx)
}

// spoke is the simulated device. One connection at a time; on loss it
// redials with backoff and rejoins its session if it had one.
type spoke struct {
	hubAddress        string
	deviceID          string
	workDir           string
	clockOffsetNS     int64
	heartbeatInterval time.Duration
	dropHeartbeats    bool
	ackDelay          time.Duration
	flashJitter       time.Duration
	logger            *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	recording *recording // nil when idle
	nextID    int64
}

// localNowNS is the device's local clock: hub wall time plus the
// simulated skew.
func (s *spoke) localNowNS() int64 {
	return time.Now().UnixNano() + s.clockOffsetNS
}

func (s *spoke) run(ctx context.Context) error {
	backoff := time.Second
	for {
		err := s.serveConnection(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.logger.Info("connection lost, redialing", "error", err, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// serveConnection runs one dial-to-disconnect cycle.
func (s *spoke) serveConnection(ctx context.Context) error {
	conn, err := net.Dial("tcp", s.hubAddress)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s.mu.Lock()
	s.conn = conn
	sessionID := ""
	if s.recording != nil {
		sessionID = s.recording.sessionID
	}
	s.mu.Unlock()

	if err := s.write(protocol.NewEvent(protocol.EventHello, map[string]any{
		"device_id": s.deviceID,
	})); err != nil {
		return err
	}
	s.logger.Info("connected", "hub", s.hubAddress)

	heartbeatStop := make(chan struct{})
	defer close(heartbeatStop)
	if !s.dropHeartbeats {
		go s.heartbeatLoop(heartbeatStop)
	}

	// A session survives a dropped connection: claim it back once the
	// hub has re-admitted us.
	if sessionID != "" {
		go s.rejoinWhenAdmitted(ctx, sessionID)
	}

	var decoder protocol.Decoder
	buffer := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			decoder.Feed(buffer[:n])
			for {
				envelope, err := decoder.Next()
				if errors.Is(err, protocol.ErrIncomplete) {
					break
				}
				if err != nil {
					s.logger.Warn("malformed frame from hub", "error", err)
					if decoder.Buffered() > 0 {
						decoder.Recover()
					}
					continue
				}
				s.handle(envelope)
			}
		}
		if err != nil {
			return err
		}
	}
}

func (s *spoke) heartbeatLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.write(protocol.Heartbeat(s.deviceID, s.localNowNS())); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// rejoinWhenAdmitted sends the rejoin request for sessionID after
// giving the hub a moment to finish the admission handshake, then
// acts on the assigned mode.
func (s *spoke) rejoinWhenAdmitted(ctx context.Context, sessionID string) {
	select {
	case <-time.After(2 * s.heartbeatInterval):
	case <-ctx.Done():
		return
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	if err := s.write(protocol.RejoinSession(id, s.deviceID, sessionID)); err != nil {
		s.logger.Warn("sending rejoin", "error", err)
		return
	}
	s.logger.Info("rejoin requested", "session", sessionID)
}

func (s *spoke) handle(envelope *protocol.Envelope) {
	switch envelope.Kind {
	case protocol.KindCommand:
		s.handleCommand(envelope)
	case protocol.KindAck:
		// The rejoin ack carries the assigned mode; "transfer" means
		// the session moved on while we were gone and the hub will
		// send transfer_files next.
		if mode, ok := envelope.StringField("mode"); ok {
			s.logger.Info("rejoin resolved", "mode", mode)
		}
	case protocol.KindError:
		s.logger.Warn("hub rejected request",
			"code", envelope.Code, "message", envelope.Message)
		if envelope.Code == protocol.CodeUnknownSession {
			s.discardRecording()
		}
	}
}

func (s *spoke) handleCommand(command *protocol.Envelope) {
	if s.ackDelay > 0 && command.Command != protocol.CommandTimeSync {
		time.Sleep(s.ackDelay)
	}

	switch command.Command {
	case protocol.CommandQueryCapabilities:
		ack := protocol.NewAck(command.ID, protocol.AckOK)
		ack.Extra = map[string]any{"capabilities": []any{"camera", "thermal", "gsr"}}
		s.write(ack)

	case protocol.CommandTimeSync:
		// Answer instantly; every microsecond here biases the hub's
		// offset estimate.
		now := s.localNowNS()
		ack := protocol.NewAck(command.ID, protocol.AckOK)
		ack.Extra = map[string]any{"t1": now, "t2": s.localNowNS()}
		s.write(ack)

	case protocol.CommandStartRecording:
		sessionID, _ := command.StringField("session_id")
		s.write(s.startRecording(command.ID, sessionID))

	case protocol.CommandStopRecording:
		sessionID, _ := command.StringField("session_id")
		s.write(s.stopRecording(command.ID, sessionID))

	case protocol.CommandFlashSync:
		triggerNS, _ := command.Int64Field("trigger_timestamp_ns")
		detectedNS := triggerNS + s.clockOffsetNS
		if s.flashJitter > 0 {
			detectedNS += rand.Int63n(s.flashJitter.Nanoseconds())
		}
		ack := protocol.NewAck(command.ID, protocol.AckOK)
		ack.Extra = map[string]any{
			"local_timestamp_ns": detectedNS,
			"confidence":         0.8 + 0.2*rand.Float64(),
		}
		s.write(ack)

	case protocol.CommandTransferFiles:
		host, _ := command.StringField("host")
		port, _ := command.Int64Field("port")
		sessionID, _ := command.StringField("session_id")
		s.write(protocol.NewAck(command.ID, protocol.AckOK))
		go s.transfer(fmt.Sprintf("%s:%d", host, port), sessionID)

	default:
		s.write(protocol.NewError(command.ID, protocol.CodeBadParam,
			fmt.Sprintf("simulator does not implement %q", command.Command)))
	}
}

func (s *spoke) write(envelope *protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("not connected")
	}
	return protocol.WriteFrame(s.conn, envelope)
}
