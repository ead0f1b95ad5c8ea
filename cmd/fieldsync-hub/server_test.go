// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zeebo/blake3"

	"github.com/fieldsync-dev/fieldsync/journal"
	"github.com/fieldsync-dev/fieldsync/lib/clock"
	"github.com/fieldsync-dev/fieldsync/protocol"
	"github.com/fieldsync-dev/fieldsync/registry"
	"github.com/fieldsync-dev/fieldsync/session"
	"github.com/fieldsync-dev/fieldsync/timesync"
	"github.com/fieldsync-dev/fieldsync/transfer"
)

// hubFixture is a fully wired hub on loopback listeners with timing
// tightened for tests: fast heartbeats, short ack timeouts, few sync
// trials.
type hubFixture struct {
	t            *testing.T
	ctx          context.Context
	registry     *registry.Registry
	orchestrator *session.Orchestrator
	commands     *commandServer
	transfers    *transfer.Server
	dataDir      string
	commandAddr  string
}

func startHub(t *testing.T) *hubFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clock.Real()
	ids := &protocol.IDSource{}
	dataDir := t.TempDir()

	var orch *session.Orchestrator
	reg := registry.New(registry.Config{
		HeartbeatInterval: 50 * time.Millisecond,
		TimeoutIntervals:  3,
		EvictAfter:        30 * time.Second,
		ResolveRejoin: func(deviceID, sessionID string) registry.RejoinDecision {
			return orch.ResolveRejoin(deviceID, sessionID)
		},
		OnEvict: func(deviceID, sessionID string) {
			orch.DeviceEvicted(deviceID, sessionID)
		},
	}, clk, logger)

	commands, err := newCommandServer(commandServerConfig{
		Address: "127.0.0.1:0",
		SyncConfig: timesync.Config{
			Trials:         3,
			OutlierFactor:  3,
			Pace:           time.Millisecond,
			ResyncCooldown: time.Hour,
		},
	}, commandServerDeps{
		Registry: reg,
		Clock:    clk,
		Logger:   logger,
		IDs:      ids,
	})
	if err != nil {
		t.Fatalf("command server: %v", err)
	}

	transferConfig := transfer.DefaultConfig(dataDir)
	transferConfig.Address = "127.0.0.1:0"
	transfers, err := transfer.NewServer(transferConfig, transfer.Deps{
		Logger: logger,
		Authorize: func(sessionID, deviceID string) error {
			return authorizeUpload(orch, sessionID, deviceID)
		},
		OnComplete: func(record transfer.Record) {
			orch.DeviceTransferred(record.DeviceID, record.SessionID,
				record.Verified, record.ExpectedFiles, record.ReceivedFiles)
		},
	})
	if err != nil {
		t.Fatalf("transfer server: %v", err)
	}

	orch = session.New(session.Config{
		DataDir: dataDir,
		Retry: session.RetryConfig{
			AckTimeout:  400 * time.Millisecond,
			BaseDelay:   20 * time.Millisecond,
			Multiplier:  2,
			MaxDelay:    100 * time.Millisecond,
			MaxAttempts: 2,
		},
		FlashLead: 50 * time.Millisecond,
	}, session.Deps{
		Directory:  reg,
		Dispatcher: commands,
		Clock:      clk,
		Logger:     logger,
		TransferAddress: func() (string, int) {
			return "127.0.0.1", transfers.Port()
		},
		IDs: ids,
	})
	commands.SetOrchestrator(orch)

	go reg.Run(ctx)
	go commands.Serve(ctx)
	go transfers.Serve(ctx)

	return &hubFixture{
		t:            t,
		ctx:          ctx,
		registry:     reg,
		orchestrator: orch,
		commands:     commands,
		transfers:    transfers,
		dataDir:      dataDir,
		commandAddr:  commands.Addr().String(),
	}
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

// testSpoke is an in-process device: it handshakes, answers commands,
// heartbeats, and uploads an archive on request. offsetNS skews its
// reported local clock relative to the hub.
type testSpoke struct {
	t        *testing.T
	fixture  *hubFixture
	deviceID string
	offsetNS int64

	mu            sync.Mutex
	conn          net.Conn
	heartbeatStop chan struct{}

	started   chan string // session ids from start_recording
	stopped   chan string
	transfers chan string // session ids from transfer_files
	rejoinAck chan *protocol.Envelope
}

func newTestSpoke(t *testing.T, fixture *hubFixture, deviceID string, offsetNS int64) *testSpoke {
	return &testSpoke{
		t:         t,
		fixture:   fixture,
		deviceID:  deviceID,
		offsetNS:  offsetNS,
		started:   make(chan string, 4),
		stopped:   make(chan string, 4),
		transfers: make(chan string, 4),
	}
}

func (sp *testSpoke) localNowNS() int64 {
	return time.Now().UnixNano() + sp.offsetNS
}

// connect dials the hub, sends hello, and starts the command loop and
// heartbeats.
func (sp *testSpoke) connect() {
	sp.t.Helper()
	conn, err := net.Dial("tcp", sp.fixture.commandAddr)
	if err != nil {
		sp.t.Fatalf("spoke %s dial: %v", sp.deviceID, err)
	}
	if err := protocol.WriteFrame(conn, protocol.NewEvent(protocol.EventHello, map[string]any{
		"device_id": sp.deviceID,
	})); err != nil {
		sp.t.Fatalf("spoke %s hello: %v", sp.deviceID, err)
	}

	stop := make(chan struct{})
	sp.mu.Lock()
	sp.conn = conn
	sp.heartbeatStop = stop
	sp.mu.Unlock()

	go sp.commandLoop(conn)
	go sp.heartbeatLoop(conn, stop)
}

// drop severs the connection and stops heartbeats, simulating a
// device falling off the network mid-session.
func (sp *testSpoke) drop() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.heartbeatStop != nil {
		close(sp.heartbeatStop)
		sp.heartbeatStop = nil
	}
	if sp.conn != nil {
		sp.conn.Close()
		sp.conn = nil
	}
}

// rejoin reconnects and sends the rejoin command for sessionID,
// returning the mode the hub assigned.
func (sp *testSpoke) rejoin(sessionID string) string {
	sp.t.Helper()
	sp.connect()

	// Finish the admission handshake before claiming prior
	// membership, like a well-behaved device.
	waitFor(sp.t, 5*time.Second, sp.deviceID+" re-admitted", func() bool {
		device, ok := sp.fixture.registry.Get(sp.deviceID)
		return ok && device.State == registry.StateReady
	})

	sp.mu.Lock()
	conn := sp.conn
	sp.mu.Unlock()

	// The read side is owned by commandLoop, which routes rejoin acks
	// here.
	rejoinAck := make(chan *protocol.Envelope, 1)
	sp.mu.Lock()
	sp.rejoinAck = rejoinAck
	sp.mu.Unlock()

	if err := protocol.WriteFrame(conn, protocol.RejoinSession(9001, sp.deviceID, sessionID)); err != nil {
		sp.t.Fatalf("spoke %s rejoin: %v", sp.deviceID, err)
	}
	select {
	case ack := <-rejoinAck:
		mode, _ := ack.StringField("mode")
		return mode
	case <-time.After(5 * time.Second):
		sp.t.Fatalf("spoke %s: no rejoin ack", sp.deviceID)
		return ""
	}
}

func (sp *testSpoke) heartbeatLoop(conn net.Conn, stop chan struct{}) {
	ticker := time.NewTicker(40 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sp.writeLocked(conn, protocol.Heartbeat(sp.deviceID, sp.localNowNS()))
		case <-stop:
			return
		}
	}
}

func (sp *testSpoke) commandLoop(conn net.Conn) {
	var decoder protocol.Decoder
	buffer := make([]byte, 8192)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			decoder.Feed(buffer[:n])
			for {
				envelope, err := decoder.Next()
				if err != nil {
					break
				}
				sp.handle(conn, envelope)
			}
		}
		if err != nil {
			return
		}
	}
}

func (sp *testSpoke) handle(conn net.Conn, envelope *protocol.Envelope) {
	if envelope.Kind == protocol.KindAck {
		sp.mu.Lock()
		ch := sp.rejoinAck
		sp.mu.Unlock()
		if ch != nil {
			ch <- envelope
		}
		return
	}
	if envelope.Kind != protocol.KindCommand {
		return
	}

	switch envelope.Command {
	case protocol.CommandQueryCapabilities:
		ack := protocol.NewAck(envelope.ID, protocol.AckOK)
		ack.Extra = map[string]any{"capabilities": []any{"camera", "thermal"}}
		sp.writeLocked(conn, ack)

	case protocol.CommandTimeSync:
		now := sp.localNowNS()
		ack := protocol.NewAck(envelope.ID, protocol.AckOK)
		ack.Extra = map[string]any{"t1": now, "t2": now}
		sp.writeLocked(conn, ack)

	case protocol.CommandStartRecording:
		sessionID, _ := envelope.StringField("session_id")
		sp.writeLocked(conn, protocol.NewAck(envelope.ID, protocol.AckOK))
		sp.started <- sessionID

	case protocol.CommandStopRecording:
		sessionID, _ := envelope.StringField("session_id")
		sp.writeLocked(conn, protocol.NewAck(envelope.ID, protocol.AckOK))
		sp.stopped <- sessionID

	case protocol.CommandFlashSync:
		triggerNS, _ := envelope.Int64Field("trigger_timestamp_ns")
		ack := protocol.NewAck(envelope.ID, protocol.AckOK)
		ack.Extra = map[string]any{"local_timestamp_ns": triggerNS + sp.offsetNS}
		sp.writeLocked(conn, ack)

	case protocol.CommandTransferFiles:
		host, _ := envelope.StringField("host")
		port, _ := envelope.Int64Field("port")
		sessionID, _ := envelope.StringField("session_id")
		sp.writeLocked(conn, protocol.NewAck(envelope.ID, protocol.AckOK))
		go sp.upload(fmt.Sprintf("%s:%d", host, port), sessionID)
		sp.transfers <- sessionID

	default:
		sp.writeLocked(conn, protocol.NewError(envelope.ID, protocol.CodeBadParam,
			"unsupported command"))
	}
}

func (sp *testSpoke) writeLocked(conn net.Conn, envelope *protocol.Envelope) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	protocol.WriteFrame(conn, envelope)
}

// upload sends a one-file tar archive to the transfer listener.
func (sp *testSpoke) upload(address, sessionID string) {
	archive := makeTestArchive(sp.t, sp.deviceID)
	sum := blake3.Sum256(archive)
	header := transfer.Header{
		SessionID:   sessionID,
		DeviceID:    sp.deviceID,
		ArchiveName: "data.tar",
		FileCount:   1,
		SizeBytes:   int64(len(archive)),
		Checksum:    hex.EncodeToString(sum[:]),
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		sp.t.Errorf("spoke %s: encoding upload header: %v", sp.deviceID, err)
		return
	}

	conn, err := net.Dial("tcp", address)
	if err != nil {
		sp.t.Errorf("spoke %s: dialing transfer listener: %v", sp.deviceID, err)
		return
	}
	defer conn.Close()
	fmt.Fprintf(conn, "%d\n", len(headerJSON))
	conn.Write(headerJSON)
	conn.Write(archive)
}

func makeTestArchive(t *testing.T, deviceID string) []byte {
	t.Helper()
	var buffer bytes.Buffer
	writer := tar.NewWriter(&buffer)
	content := []byte("recording from " + deviceID)
	writer.WriteHeader(&tar.Header{
		Name: deviceID + "/video.bin", Mode: 0o644,
		Size: int64(len(content)), Typeflag: tar.TypeReg,
	})
	writer.Write(content)
	writer.Close()
	return buffer.Bytes()
}

func (sp *testSpoke) awaitStart() string {
	sp.t.Helper()
	select {
	case sessionID := <-sp.started:
		return sessionID
	case <-time.After(5 * time.Second):
		sp.t.Fatalf("spoke %s: no start command", sp.deviceID)
		return ""
	}
}

// TestEndToEndDropAndRejoinRoutesToTransfer runs the full lifecycle:
// three devices join, record, one drops mid-session; stop leaves the
// dropped device pending, the others transfer; the dropped device
// reconnects and is routed straight to transfer, completing the
// session.
func TestEndToEndDropAndRejoinRoutesToTransfer(t *testing.T) {
	fixture := startHub(t)

	spokes := map[string]*testSpoke{
		"phone-a": newTestSpoke(t, fixture, "phone-a", 2_000_000),
		"phone-b": newTestSpoke(t, fixture, "phone-b", -1_500_000),
		"phone-c": newTestSpoke(t, fixture, "phone-c", 500_000),
	}
	for _, spoke := range spokes {
		spoke.connect()
		defer spoke.drop()
	}

	waitFor(t, 5*time.Second, "three eligible devices", func() bool {
		return len(fixture.registry.Eligible()) == 3
	})

	info, err := fixture.orchestrator.Start(fixture.ctx, "field walk")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(info.Members) != 3 {
		t.Fatalf("session has %d members, want 3", len(info.Members))
	}
	for _, spoke := range spokes {
		if got := spoke.awaitStart(); got != info.ID {
			t.Fatalf("spoke %s started session %q, want %q", spoke.deviceID, got, info.ID)
		}
	}

	// A flash while everyone is connected: hub trigger plus three
	// device detections land in the journal.
	eventID, err := fixture.orchestrator.FlashSync(fixture.ctx)
	if err != nil {
		t.Fatalf("FlashSync: %v", err)
	}

	// phone-c falls off the network.
	spokes["phone-c"].drop()
	waitFor(t, 5*time.Second, "phone-c reconnecting", func() bool {
		device, ok := fixture.registry.Get("phone-c")
		return ok && device.State == registry.StateReconnecting
	})

	stopped, err := fixture.orchestrator.Stop(fixture.ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped.State != session.StateTransferring {
		t.Fatalf("state after stop = %s, want %s", stopped.State, session.StateTransferring)
	}
	outcomes := map[string]session.Outcome{}
	for _, member := range stopped.Members {
		outcomes[member.DeviceID] = member.Outcome
	}
	if outcomes["phone-a"] != session.OutcomeStopped || outcomes["phone-b"] != session.OutcomeStopped {
		t.Fatalf("reachable members not stopped: %v", outcomes)
	}
	if outcomes["phone-c"] != session.OutcomePending {
		t.Fatalf("phone-c outcome = %s, want %s", outcomes["phone-c"], session.OutcomePending)
	}

	// The two reachable devices upload and settle.
	waitFor(t, 10*time.Second, "phone-a and phone-b transferred", func() bool {
		current, ok := fixture.orchestrator.Lookup(info.ID)
		if !ok {
			return false
		}
		done := 0
		for _, member := range current.Members {
			if member.Outcome == session.OutcomeTransferred {
				done++
			}
		}
		return done == 2
	})

	// phone-c comes back and must be routed straight to transfer,
	// never through Active again.
	mode := spokes["phone-c"].rejoin(info.ID)
	if mode != "transfer" {
		t.Fatalf("rejoin mode = %q, want \"transfer\"", mode)
	}

	waitFor(t, 10*time.Second, "session complete", func() bool {
		final, ok := fixture.orchestrator.Lookup(info.ID)
		return ok && final.State == session.StateComplete
	})

	final, _ := fixture.orchestrator.Lookup(info.ID)
	for _, member := range final.Members {
		if member.Outcome != session.OutcomeTransferred {
			t.Errorf("member %s outcome = %s, want %s",
				member.DeviceID, member.Outcome, session.OutcomeTransferred)
		}
	}

	// Uploaded archives were verified and unpacked per device.
	for _, deviceID := range []string{"phone-a", "phone-b", "phone-c"} {
		unpacked := filepath.Join(fixture.dataDir, info.ID, deviceID, deviceID, "video.bin")
		if _, err := os.Stat(unpacked); err != nil {
			t.Errorf("unpacked file for %s: %v", deviceID, err)
		}
	}

	// The flash journal holds the hub trigger and three detections for
	// the same event.
	events, err := journal.ReadFlashEvents(filepath.Join(fixture.dataDir, info.ID, journal.FlashFileName))
	if err != nil {
		t.Fatalf("reading flash journal: %v", err)
	}
	count := 0
	for _, event := range events {
		if event.EventID == eventID {
			count++
		}
	}
	if count != 4 {
		t.Errorf("flash journal has %d entries for %s, want 4 (hub + 3 devices)", count, eventID)
	}
}

// TestHandshakeRejectsUnsupportedVersion connects with a future
// protocol version and expects a typed error before admission.
func TestHandshakeRejectsUnsupportedVersion(t *testing.T) {
	fixture := startHub(t)

	conn, err := net.Dial("tcp", fixture.commandAddr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.NewEvent(protocol.EventHello, map[string]any{"device_id": "phone-x"})
	hello.Version = 99
	if err := protocol.WriteFrame(conn, hello); err != nil {
		t.Fatalf("writing hello: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var decoder protocol.Decoder
	buffer := make([]byte, 4096)
	for {
		envelope, err := decoder.Next()
		if err == nil {
			if envelope.Kind != protocol.KindError || envelope.Code != protocol.CodeUnsupportedVersion {
				t.Fatalf("got %+v, want %s error", envelope, protocol.CodeUnsupportedVersion)
			}
			if _, ok := fixture.registry.Get("phone-x"); ok {
				t.Fatal("device admitted despite version mismatch")
			}
			return
		}
		n, readErr := conn.Read(buffer)
		if n > 0 {
			decoder.Feed(buffer[:n])
		}
		if readErr != nil {
			t.Fatalf("no error frame before close: %v", readErr)
		}
	}
}

// TestDisplacedConnectionDoesNotLockOutDevice reconnects a device
// whose prior socket is still open; the newer connection must win.
func TestDisplacedConnectionDoesNotLockOutDevice(t *testing.T) {
	fixture := startHub(t)

	spoke := newTestSpoke(t, fixture, "phone-a", 0)
	spoke.connect()
	defer spoke.drop()

	waitFor(t, 5*time.Second, "first connection ready", func() bool {
		device, ok := fixture.registry.Get("phone-a")
		return ok && device.State == registry.StateReady
	})

	// Reconnect without closing the old socket first: the ghost of
	// the first connection must not block re-admission.
	replacement := newTestSpoke(t, fixture, "phone-a", 0)
	replacement.connect()
	defer replacement.drop()

	waitFor(t, 5*time.Second, "replacement connection ready", func() bool {
		device, ok := fixture.registry.Get("phone-a")
		return ok && device.State == registry.StateReady && len(fixture.registry.Eligible()) == 1
	})
}
