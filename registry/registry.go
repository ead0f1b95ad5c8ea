// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fieldsync-dev/fieldsync/lib/clock"
	"github.com/fieldsync-dev/fieldsync/timesync"
)

// ConnectionState is the per-device connection lifecycle state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateHandshaking  ConnectionState = "handshaking"
	StateReady        ConnectionState = "ready"
	StateActive       ConnectionState = "active"
	StateReconnecting ConnectionState = "reconnecting"
)

// DeviceInfo is a point-in-time snapshot of one device record. Only
// the registry mutates device records; every other component works
// from snapshots.
type DeviceInfo struct {
	DeviceID     string
	Address      string
	Capabilities []string
	State        ConnectionState

	// OffsetStats is the last accepted clock-offset estimate.
	OffsetStats timesync.Stats

	LastHeartbeat time.Time

	// SessionID is the device's most recent session membership. It
	// survives Reconnecting so a rejoining device can be validated
	// against it; cleared when the session releases the device.
	SessionID string
}

// StatusChange is published on the registry's event channel for every
// device state transition. The channel never blocks the registry: a
// lagging consumer loses events, not liveness.
type StatusChange struct {
	DeviceID string
	From, To ConnectionState
	At       time.Time
	Detail   string
}

// RejoinDecision directs a reconnecting device, per the orchestrator's
// view of the session it claims membership in.
type RejoinDecision int

const (
	// RejoinUnknown: the claimed session does not exist or the
	// device was never a member. The device gets a typed error.
	RejoinUnknown RejoinDecision = iota

	// RejoinActive: the session is still active; the device returns
	// to Active and the orchestrator replays possibly-missed
	// commands.
	RejoinActive

	// RejoinTransfer: the session has moved on to its transfer
	// phase; the device is routed directly there, never re-entering
	// Active.
	RejoinTransfer
)

// Config tunes heartbeat monitoring and eviction.
type Config struct {
	// HeartbeatInterval is the expected gap between device
	// heartbeats, and also the sweep cadence.
	HeartbeatInterval time.Duration

	// TimeoutIntervals is how many consecutive missed intervals move
	// a device to Reconnecting.
	TimeoutIntervals int

	// EvictAfter is the sustained-unreachability bound after which a
	// device is removed entirely.
	EvictAfter time.Duration

	// ResolveRejoin consults the session orchestrator when a device
	// asks to rejoin. Required for Rejoin to work.
	ResolveRejoin func(deviceID, sessionID string) RejoinDecision

	// OnEvict is called (from the registry goroutine) when a device
	// is evicted, carrying its last session membership so pending
	// outcomes can be marked failed-unrecoverable rather than left
	// pending forever. May be nil.
	OnEvict func(deviceID, sessionID string)
}

// DefaultConfig returns the deployment defaults: 3 s heartbeats,
// timeout after 3 missed intervals, eviction after 5 minutes.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 3 * time.Second,
		TimeoutIntervals:  3,
		EvictAfter:        5 * time.Minute,
	}
}

// Typed registry errors.
var (
	ErrUnknownDevice  = errors.New("registry: unknown device")
	ErrDuplicateAdmit = errors.New("registry: device already admitted")
	ErrNotRunning     = errors.New("registry: not running")
)

// TransitionError reports a connection-state transition the state
// machine does not allow.
type TransitionError struct {
	DeviceID string
	From     ConnectionState
	To       ConnectionState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("registry: device %s cannot transition %s -> %s", e.DeviceID, e.From, e.To)
}

// device is the registry-private mutable record behind DeviceInfo.
type device struct {
	info             DeviceInfo
	unreachableSince time.Time
}

// Registry tracks connection and liveness state for every device. It
// is a single-owner actor: one goroutine (started by Run) owns all
// records, operations are serialized through an internal channel, and
// callers only ever receive snapshot copies.
type Registry struct {
	config Config
	clock  clock.Clock
	logger *slog.Logger

	ops    chan func()
	done   chan struct{}
	events chan StatusChange

	devices map[string]*device
}

// New creates a Registry. Call Run to start it.
func New(config Config, clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		config:  config,
		clock:   clk,
		logger:  logger,
		ops:     make(chan func()),
		done:    make(chan struct{}),
		events:  make(chan StatusChange, 64),
		devices: make(map[string]*device),
	}
}

// Events returns the status-change stream. Consumers that lag drop
// events rather than blocking the registry.
func (r *Registry) Events() <-chan StatusChange { return r.events }

// Run owns the device records until ctx is cancelled: it serializes
// every operation and drives the periodic heartbeat sweep.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)

	sweep := r.clock.NewTicker(r.config.HeartbeatInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case op := <-r.ops:
			op()
		case <-sweep.C:
			r.sweepHeartbeats()
		}
	}
}

// do runs f on the registry goroutine and waits for it to complete.
func (r *Registry) do(f func()) error {
	executed := make(chan struct{})
	op := func() {
		f()
		close(executed)
	}
	select {
	case r.ops <- op:
	case <-r.done:
		return ErrNotRunning
	}
	select {
	case <-executed:
		return nil
	case <-r.done:
		return ErrNotRunning
	}
}

// Admit registers a device that has completed its transport-level
// connection and is beginning the handshake. A device that is already
// present and Reconnecting is treated as a transport-level
// reconnection: it moves back to Handshaking with its session
// membership preserved (the rejoin request decides what happens to
// it). Admitting a device that is currently live fails with
// ErrDuplicateAdmit.
func (r *Registry) Admit(deviceID, address string) error {
	var failure error
	err := r.do(func() {
		existing, ok := r.devices[deviceID]
		if !ok {
			record := &device{info: DeviceInfo{
				DeviceID:      deviceID,
				Address:       address,
				State:         StateHandshaking,
				LastHeartbeat: r.clock.Now(),
			}}
			r.devices[deviceID] = record
			r.publish(deviceID, StateDisconnected, StateHandshaking, "admitted")
			return
		}
		switch existing.info.State {
		case StateReconnecting, StateDisconnected:
			from := existing.info.State
			existing.info.Address = address
			existing.info.State = StateHandshaking
			existing.info.LastHeartbeat = r.clock.Now()
			existing.unreachableSince = time.Time{}
			r.publish(deviceID, from, StateHandshaking, "reconnected")
		default:
			failure = fmt.Errorf("%w: %s is %s", ErrDuplicateAdmit, deviceID, existing.info.State)
		}
	})
	if err != nil {
		return err
	}
	return failure
}

// SetCapabilities records the handshake's capability answer and moves
// the device to Ready, making it eligible for session membership.
func (r *Registry) SetCapabilities(deviceID string, capabilities []string) error {
	return r.mutate(deviceID, func(record *device) error {
		if record.info.State != StateHandshaking {
			return &TransitionError{DeviceID: deviceID, From: record.info.State, To: StateReady}
		}
		record.info.Capabilities = append([]string(nil), capabilities...)
		from := record.info.State
		record.info.State = StateReady
		r.publish(deviceID, from, StateReady, "capabilities received")
		return nil
	})
}

// Heartbeat records a liveness signal. A device whose connection is
// intact simply refreshes its deadline. A Reconnecting device with no
// session membership recovers to Ready directly; one with membership
// stays Reconnecting until its rejoin request is resolved, since
// session re-entry is the orchestrator's call, not a liveness side
// effect.
func (r *Registry) Heartbeat(deviceID string) error {
	return r.mutate(deviceID, func(record *device) error {
		record.info.LastHeartbeat = r.clock.Now()
		record.unreachableSince = time.Time{}
		if record.info.State == StateReconnecting && record.info.SessionID == "" {
			record.info.State = StateReady
			r.publish(deviceID, StateReconnecting, StateReady, "heartbeat resumed")
		}
		return nil
	})
}

// SetOffsetStats stores the accepted clock-offset estimate for a
// device.
func (r *Registry) SetOffsetStats(deviceID string, stats timesync.Stats) error {
	return r.mutate(deviceID, func(record *device) error {
		record.info.OffsetStats = stats
		return nil
	})
}

// Claim moves a Ready device to Active as a member of sessionID.
// Called by the orchestrator when a session starts.
func (r *Registry) Claim(deviceID, sessionID string) error {
	return r.mutate(deviceID, func(record *device) error {
		if record.info.State != StateReady {
			return &TransitionError{DeviceID: deviceID, From: record.info.State, To: StateActive}
		}
		record.info.State = StateActive
		record.info.SessionID = sessionID
		r.publish(deviceID, StateReady, StateActive, "claimed by session "+sessionID)
		return nil
	})
}

// Release returns a device claimed by a session to Ready (when
// connected) and clears its session membership. Called when the
// session reaches a terminal per-device outcome. Releasing a
// Reconnecting or absent device only clears membership.
func (r *Registry) Release(deviceID string) error {
	return r.mutate(deviceID, func(record *device) error {
		record.info.SessionID = ""
		if record.info.State == StateActive {
			record.info.State = StateReady
			r.publish(deviceID, StateActive, StateReady, "released by session")
		}
		return nil
	})
}

// Disconnected records a transport-level connection loss. Session
// membership is preserved; the device is expected to reconnect and
// rejoin. Eviction removes it if it never does.
func (r *Registry) Disconnected(deviceID string) error {
	return r.mutate(deviceID, func(record *device) error {
		from := record.info.State
		if from == StateReconnecting || from == StateDisconnected {
			return nil
		}
		record.info.State = StateReconnecting
		if record.unreachableSince.IsZero() {
			record.unreachableSince = r.clock.Now()
		}
		r.publish(deviceID, from, StateReconnecting, "connection lost")
		return nil
	})
}

// Rejoin resolves a reconnecting device's claim to its prior session
// via the orchestrator and applies the resulting transition. The
// returned decision tells the connection worker what to do next:
// resume command handling (RejoinActive) or initiate transfer
// (RejoinTransfer).
func (r *Registry) Rejoin(deviceID, sessionID string) (RejoinDecision, error) {
	decision := RejoinUnknown
	var failure error
	err := r.do(func() {
		record, ok := r.devices[deviceID]
		if !ok {
			failure = fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
			return
		}
		if r.config.ResolveRejoin == nil {
			failure = errors.New("registry: no rejoin resolver configured")
			return
		}
		decision = r.config.ResolveRejoin(deviceID, sessionID)
		from := record.info.State
		switch decision {
		case RejoinActive:
			record.info.State = StateActive
			record.info.SessionID = sessionID
			record.unreachableSince = time.Time{}
			r.publish(deviceID, from, StateActive, "rejoined session "+sessionID)
		case RejoinTransfer:
			// The session is past Active; the device keeps its
			// membership note for the transfer but returns to
			// Ready for connection purposes.
			record.info.State = StateReady
			record.info.SessionID = sessionID
			record.unreachableSince = time.Time{}
			r.publish(deviceID, from, StateReady, "routed to transfer for session "+sessionID)
		case RejoinUnknown:
			failure = fmt.Errorf("registry: device %s rejoin rejected for session %s", deviceID, sessionID)
		}
	})
	if err != nil {
		return RejoinUnknown, err
	}
	return decision, failure
}

// Get returns a snapshot of one device.
func (r *Registry) Get(deviceID string) (DeviceInfo, bool) {
	var info DeviceInfo
	var ok bool
	if err := r.do(func() {
		record, present := r.devices[deviceID]
		if present {
			info = snapshot(record)
			ok = true
		}
	}); err != nil {
		return DeviceInfo{}, false
	}
	return info, ok
}

// Snapshot returns snapshots of all devices.
func (r *Registry) Snapshot() []DeviceInfo {
	var infos []DeviceInfo
	r.do(func() {
		for _, record := range r.devices {
			infos = append(infos, snapshot(record))
		}
	})
	return infos
}

// Eligible returns the devices currently eligible for session
// membership: connected, handshaken, and not claimed by a session.
func (r *Registry) Eligible() []DeviceInfo {
	var infos []DeviceInfo
	r.do(func() {
		for _, record := range r.devices {
			if record.info.State == StateReady {
				infos = append(infos, snapshot(record))
			}
		}
	})
	return infos
}

// sweepHeartbeats runs on the registry goroutine once per heartbeat
// interval: it moves overdue devices to Reconnecting and evicts
// devices unreachable beyond the eviction bound.
func (r *Registry) sweepHeartbeats() {
	now := r.clock.Now()
	timeout := time.Duration(r.config.TimeoutIntervals) * r.config.HeartbeatInterval

	for deviceID, record := range r.devices {
		switch record.info.State {
		case StateReady, StateActive:
			if now.Sub(record.info.LastHeartbeat) <= timeout {
				continue
			}
			from := record.info.State
			record.info.State = StateReconnecting
			record.unreachableSince = record.info.LastHeartbeat
			r.publish(deviceID, from, StateReconnecting,
				fmt.Sprintf("missed heartbeats for %v", now.Sub(record.info.LastHeartbeat).Round(time.Millisecond)))
			r.logger.Warn("device missed heartbeats",
				"device", deviceID,
				"last_heartbeat", record.info.LastHeartbeat,
				"session", record.info.SessionID,
			)

		case StateReconnecting:
			if record.unreachableSince.IsZero() || now.Sub(record.unreachableSince) < r.config.EvictAfter {
				continue
			}
			sessionID := record.info.SessionID
			delete(r.devices, deviceID)
			r.publish(deviceID, StateReconnecting, StateDisconnected, "evicted after sustained unreachability")
			r.logger.Warn("device evicted",
				"device", deviceID,
				"unreachable_for", now.Sub(record.unreachableSince).Round(time.Second),
				"session", sessionID,
			)
			if r.config.OnEvict != nil {
				r.config.OnEvict(deviceID, sessionID)
			}
		}
	}
}

// mutate runs f against one device record on the registry goroutine.
func (r *Registry) mutate(deviceID string, f func(*device) error) error {
	var failure error
	err := r.do(func() {
		record, ok := r.devices[deviceID]
		if !ok {
			failure = fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
			return
		}
		failure = f(record)
	})
	if err != nil {
		return err
	}
	return failure
}

// publish emits a status change without ever blocking the registry.
func (r *Registry) publish(deviceID string, from, to ConnectionState, detail string) {
	change := StatusChange{
		DeviceID: deviceID,
		From:     from,
		To:       to,
		At:       r.clock.Now(),
		Detail:   detail,
	}
	select {
	case r.events <- change:
	default:
		r.logger.Debug("status change dropped, consumer lagging", "device", deviceID, "to", to)
	}
}

func snapshot(record *device) DeviceInfo {
	info := record.info
	info.Capabilities = append([]string(nil), record.info.Capabilities...)
	return info
}
