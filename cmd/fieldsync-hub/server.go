// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/fieldsync-dev/fieldsync/lib/clock"
	"github.com/fieldsync-dev/fieldsync/metrics"
	"github.com/fieldsync-dev/fieldsync/protocol"
	"github.com/fieldsync-dev/fieldsync/registry"
	"github.com/fieldsync-dev/fieldsync/session"
	"github.com/fieldsync-dev/fieldsync/timesync"
)

// handshakeTimeout bounds the wait for a connecting device's hello
// event plus its capability reply. A device that cannot identify
// itself this fast is not going to keep up with a session either.
const handshakeTimeout = 10 * time.Second

// commandServerConfig carries the command listener's tunables.
type commandServerConfig struct {
	Address    string
	SyncConfig timesync.Config
}

// commandServerDeps are the collaborators the listener drives.
type commandServerDeps struct {
	Registry *registry.Registry
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	IDs      *protocol.IDSource
}

// commandServer accepts device command connections, runs the
// admission handshake, and routes orchestrator commands to the right
// device connection. It is the session.Dispatcher implementation.
type commandServer struct {
	listener   net.Listener
	logger     *slog.Logger
	clk        clock.Clock
	ids        *protocol.IDSource
	registry   *registry.Registry
	metrics    *metrics.Metrics
	syncConfig timesync.Config

	// orchestrator is assigned once, after construction and before
	// Serve: the orchestrator needs the server as its dispatcher, so
	// the two cannot be built in one shot.
	orchestrator *session.Orchestrator

	connsMu sync.Mutex
	conns   map[string]*deviceConn
}

func newCommandServer(config commandServerConfig, deps commandServerDeps) (*commandServer, error) {
	listener, err := net.Listen("tcp", config.Address)
	if err != nil {
		return nil, fmt.Errorf("command listener on %s: %w", config.Address, err)
	}
	return &commandServer{
		listener:   listener,
		logger:     deps.Logger,
		clk:        deps.Clock,
		ids:        deps.IDs,
		registry:   deps.Registry,
		metrics:    deps.Metrics,
		syncConfig: config.SyncConfig,
		conns:      make(map[string]*deviceConn),
	}, nil
}

// Addr returns the listener's bound address.
func (s *commandServer) Addr() net.Addr { return s.listener.Addr() }

// SetOrchestrator wires the orchestrator in. Must be called before
// Serve.
func (s *commandServer) SetOrchestrator(orch *session.Orchestrator) {
	s.orchestrator = orch
}

// Serve accepts device connections until ctx is canceled.
func (s *commandServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.listener.Close()
		s.closeAll()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting device connection: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn runs one device connection from handshake to read loop.
func (s *commandServer) handleConn(ctx context.Context, conn net.Conn) {
	dc := newDeviceConn(s, conn)

	deviceID, err := s.handshake(dc)
	if err != nil {
		s.logger.Info("device handshake failed",
			"remote", conn.RemoteAddr().String(), "error", err)
		dc.close()
		return
	}
	dc.identify(deviceID)

	// Register before admitting: once this connection owns the map
	// entry, the displaced connection's exit is a no-op instead of a
	// disconnect that would race the new admission.
	s.registerConn(dc)
	if err := s.admit(deviceID, conn.RemoteAddr().String()); err != nil {
		dc.logger.Info("device admission failed", "error", err)
		dc.writeEnvelope(protocol.NewError(0, protocol.CodeInternal, err.Error()))
		s.dropConn(dc)
		dc.close()
		return
	}

	go dc.readLoop(ctx)

	// Capability query and the initial sync run against the live read
	// loop; their acks come back through the pending-ack routing.
	admitCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := s.queryCapabilities(admitCtx, dc); err != nil {
		dc.logger.Warn("capability query failed", "error", err)
		dc.close()
		return
	}
	dc.resync(ctx)
	go dc.periodicResyncLoop(ctx)
	dc.logger.Info("device admitted", "remote", conn.RemoteAddr().String())
}

// handshake reads and validates the device's hello event, returning
// the device id.
func (s *commandServer) handshake(dc *deviceConn) (string, error) {
	hello, err := dc.readEnvelope(time.Now().Add(handshakeTimeout))
	if err != nil {
		return "", fmt.Errorf("reading hello: %w", err)
	}
	if hello.Kind != protocol.KindEvent || hello.Name != protocol.EventHello {
		dc.writeEnvelope(protocol.NewError(0, protocol.CodeBadParam,
			"expected hello event"))
		return "", fmt.Errorf("first envelope was kind %q, not hello", hello.Kind)
	}
	if hello.Version != protocol.Version {
		dc.writeEnvelope(protocol.NewError(0, protocol.CodeUnsupportedVersion,
			fmt.Sprintf("hub speaks protocol version %d", protocol.Version)))
		return "", fmt.Errorf("unsupported protocol version %d", hello.Version)
	}
	deviceID, ok := hello.StringField("device_id")
	if !ok || deviceID == "" {
		dc.writeEnvelope(protocol.NewError(0, protocol.CodeBadParam,
			"hello event missing device_id"))
		return "", errors.New("hello event missing device_id")
	}
	return deviceID, nil
}

// admit registers the device in the registry. A device admitted on a
// prior, still-registered connection is treated as a reconnect: the
// newer connection wins, since a device that reconnects before its
// old socket times out must not be locked out by its own ghost.
func (s *commandServer) admit(deviceID, address string) error {
	err := s.registry.Admit(deviceID, address)
	if !errors.Is(err, registry.ErrDuplicateAdmit) {
		return err
	}
	s.logger.Info("displacing prior admission", "device", deviceID)
	if err := s.registry.Disconnected(deviceID); err != nil {
		return fmt.Errorf("displacing prior admission: %w", err)
	}
	return s.registry.Admit(deviceID, address)
}

func (s *commandServer) queryCapabilities(ctx context.Context, dc *deviceConn) error {
	ack, err := dc.roundTrip(ctx, protocol.QueryCapabilities(0))
	if err != nil {
		return err
	}
	capabilities := capabilityList(ack)
	if err := s.registry.SetCapabilities(dc.deviceID, capabilities); err != nil {
		return fmt.Errorf("recording capabilities: %w", err)
	}
	return nil
}

// capabilityList extracts the "capabilities" string array from a
// capability-query ack. Absent or malformed entries degrade to an
// empty list rather than failing admission.
func capabilityList(ack *protocol.Envelope) []string {
	raw, ok := ack.Extra["capabilities"]
	if !ok {
		return nil
	}
	entries, ok := raw.([]any)
	if !ok {
		return nil
	}
	capabilities := make([]string, 0, len(entries))
	for _, entry := range entries {
		if name, ok := entry.(string); ok {
			capabilities = append(capabilities, name)
		}
	}
	return capabilities
}

func (s *commandServer) registerConn(dc *deviceConn) {
	s.connsMu.Lock()
	if previous, ok := s.conns[dc.deviceID]; ok && previous != dc {
		previous.close()
	}
	s.conns[dc.deviceID] = dc
	s.connsMu.Unlock()
}

// dropConn deregisters a dead connection and marks the device
// unreachable. A connection already displaced by a newer one only
// deregisters itself.
func (s *commandServer) dropConn(dc *deviceConn) {
	s.connsMu.Lock()
	current := s.conns[dc.deviceID] == dc
	if current {
		delete(s.conns, dc.deviceID)
	}
	s.connsMu.Unlock()
	if !current {
		return
	}
	if err := s.registry.Disconnected(dc.deviceID); err != nil && !errors.Is(err, registry.ErrUnknownDevice) {
		dc.logger.Warn("marking device disconnected", "error", err)
	}
}

func (s *commandServer) closeAll() {
	s.connsMu.Lock()
	conns := make([]*deviceConn, 0, len(s.conns))
	for _, dc := range s.conns {
		conns = append(conns, dc)
	}
	s.connsMu.Unlock()
	for _, dc := range conns {
		dc.close()
	}
}

// Dispatch implements session.Dispatcher: it routes one command to
// the named device's live connection and waits for the ack.
func (s *commandServer) Dispatch(ctx context.Context, deviceID string, command *protocol.Envelope) (*protocol.Envelope, error) {
	s.connsMu.Lock()
	dc, ok := s.conns[deviceID]
	s.connsMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("device %s has no live connection", deviceID)
	}
	return dc.roundTrip(ctx, command)
}
