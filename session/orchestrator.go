// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fieldsync-dev/fieldsync/journal"
	"github.com/fieldsync-dev/fieldsync/lib/clock"
	"github.com/fieldsync-dev/fieldsync/metrics"
	"github.com/fieldsync-dev/fieldsync/protocol"
	"github.com/fieldsync-dev/fieldsync/registry"
)

// Directory is the orchestrator's view of the device registry.
type Directory interface {
	Eligible() []registry.DeviceInfo
	Get(deviceID string) (registry.DeviceInfo, bool)
	Claim(deviceID, sessionID string) error
	Release(deviceID string) error
}

// Config tunes the orchestrator.
type Config struct {
	// DataDir is the root under which session directories are
	// created.
	DataDir string

	// Retry governs command dispatch.
	Retry RetryConfig

	// FlashLead is how far in the future a flash trigger is
	// scheduled, giving every device time to receive the command
	// before the trigger instant passes.
	FlashLead time.Duration
}

// DefaultConfig returns deployment defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:   dataDir,
		Retry:     DefaultRetryConfig(),
		FlashLead: 500 * time.Millisecond,
	}
}

// Deps carries the orchestrator's collaborators. Directory,
// Dispatcher, Clock, and Logger are required; the rest may be nil or
// empty.
type Deps struct {
	Directory  Directory
	Dispatcher Dispatcher
	Clock      clock.Clock
	Logger     *slog.Logger

	// Metrics is nil-safe.
	Metrics *metrics.Metrics

	// TransferAddress reports the host and port devices should
	// upload to. Required for the transfer phase.
	TransferAddress func() (host string, port int)

	// IDs is the command sequence id source, shared with every other
	// sender on the same connections. Nil gets a private source.
	IDs *protocol.IDSource

	// Recorders are hub-local capture sources started and stopped
	// with each session.
	Recorders []Recorder
}

// Typed orchestrator errors.
var (
	ErrNoEligibleDevices = errors.New("session: no eligible devices")
	ErrNoDevicesAcked    = errors.New("session: no device acknowledged start")
	ErrUnknownSession    = errors.New("session: unknown session")
)

// Orchestrator drives the session lifecycle: it claims devices from
// the registry, broadcasts the start/stop/flash commands, tracks
// per-device outcomes through the transfer phase, and persists the
// session manifest as state changes.
//
// At most one session is live at a time. Finished sessions are kept
// in memory so late-rejoining devices can still be routed to their
// transfer.
type Orchestrator struct {
	config       Config
	retry        RetryConfig
	directory    Directory
	dispatcher   Dispatcher
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
	transferAddr func() (string, int)
	recorders    []Recorder
	ids          *protocol.IDSource

	mu       sync.Mutex
	current  *session
	sessions map[string]*session
}

// New creates an Orchestrator.
func New(config Config, deps Deps) *Orchestrator {
	if deps.IDs == nil {
		deps.IDs = &protocol.IDSource{}
	}
	return &Orchestrator{
		config:       config,
		retry:        config.Retry,
		directory:    deps.Directory,
		dispatcher:   deps.Dispatcher,
		clock:        deps.Clock,
		logger:       deps.Logger,
		metrics:      deps.Metrics,
		transferAddr: deps.TransferAddress,
		recorders:    deps.Recorders,
		ids:          deps.IDs,
		sessions:     make(map[string]*session),
	}
}

// Current returns a snapshot of the live session, if any.
func (o *Orchestrator) Current() (Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current == nil {
		return Info{}, false
	}
	return o.current.snapshot(), true
}

// Lookup returns a snapshot of any known session, live or finished.
func (o *Orchestrator) Lookup(sessionID string) (Info, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sessions[sessionID]
	if !ok {
		return Info{}, false
	}
	return s.snapshot(), true
}

// Start creates a session over every currently eligible device and
// broadcasts the start command. The session becomes Active when at
// least one device acknowledges; devices that never acknowledge are
// marked failed and released. If no device acknowledges, the session
// is aborted and the hub returns to idle.
func (o *Orchestrator) Start(ctx context.Context, name string) (Info, error) {
	o.mu.Lock()
	if o.current != nil {
		state := o.current.state
		o.mu.Unlock()
		return Info{}, &StateError{Op: "start session", State: state}
	}

	createdAt := o.clock.Now()
	s := &session{
		id:        SessionID(createdAt, name),
		name:      name,
		createdAt: createdAt,
		state:     StateCreating,
		members:   make(map[string]*member),
		aborted:   make(chan struct{}),
	}
	s.dir = filepath.Join(o.config.DataDir, s.id)

	// Reserve the live-session slot before any directory call.
	// Directory calls run synchronously on the registry's goroutine,
	// which also drives the rejoin and eviction callbacks back into
	// this orchestrator; holding o.mu across them would deadlock the
	// two against each other.
	o.current = s
	o.sessions[s.id] = s
	o.mu.Unlock()

	eligible := o.directory.Eligible()
	if len(eligible) == 0 {
		o.unreserve(s)
		return Info{}, ErrNoEligibleDevices
	}

	var claimed []string
	var admitted []*member
	for _, device := range eligible {
		if err := o.directory.Claim(device.DeviceID, s.id); err != nil {
			// Lost a race with a disconnect; skip the device.
			o.logger.Warn("could not claim device for session",
				"device", device.DeviceID, "session", s.id, "error", err)
			continue
		}
		admitted = append(admitted, &member{
			deviceID:     device.DeviceID,
			capabilities: device.Capabilities,
			offsetNS:     device.OffsetStats.OffsetNS,
			outcome:      OutcomePending,
		})
		claimed = append(claimed, device.DeviceID)
	}
	if len(claimed) == 0 {
		o.unreserve(s)
		return Info{}, ErrNoEligibleDevices
	}

	o.mu.Lock()
	for _, m := range admitted {
		s.members[m.deviceID] = m
	}
	o.mu.Unlock()
	o.metrics.SessionTransition(string(StateCreating))

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		o.abort(s, claimed)
		return Info{}, fmt.Errorf("creating session directory: %w", err)
	}
	o.openJournals(s)
	o.persist(s)

	o.logger.Info("session starting",
		"session", s.id, "name", name, "devices", len(claimed))

	startCtx, cancel := o.sessionContext(ctx, s)
	defer cancel()
	results := o.broadcast(startCtx, claimed, func(commandID int64, deviceID string) *protocol.Envelope {
		return protocol.StartRecording(commandID, s.id)
	})

	acked := 0
	o.mu.Lock()
	for deviceID, result := range results {
		if result.err != nil {
			s.members[deviceID].outcome = OutcomeFailed
			o.logger.Warn("device failed to start",
				"session", s.id, "device", deviceID, "error", result.err)
			continue
		}
		acked++
	}
	o.mu.Unlock()

	if acked == 0 {
		o.abort(s, claimed)
		return Info{}, ErrNoDevicesAcked
	}

	// Release devices that never started; they play no part in this
	// session.
	for deviceID, result := range results {
		if result.err != nil {
			o.directory.Release(deviceID)
		}
	}

	// A concurrent Abort may have torn the session down while the
	// start broadcast was in flight.
	o.mu.Lock()
	if s.state != StateCreating {
		state := s.state
		o.mu.Unlock()
		return Info{}, &StateError{Op: "start session", State: state}
	}
	o.mu.Unlock()

	o.startRecorders(s)

	o.mu.Lock()
	s.state = StateActive
	s.startedAt = o.clock.Now()
	info := s.snapshot()
	o.mu.Unlock()
	o.metrics.SessionTransition(string(StateActive))
	o.persist(s)

	o.logger.Info("session active",
		"session", s.id, "acked", acked, "failed", len(claimed)-acked)
	return info, nil
}

// openJournals creates the session's flash and status journals in
// the session directory. Failures are logged, not fatal: a session
// without journals still records.
func (o *Orchestrator) openJournals(s *session) {
	flash, err := journal.OpenWriter(filepath.Join(s.dir, journal.FlashFileName))
	if err != nil {
		o.logger.Error("opening flash journal", "session", s.id, "error", err)
	}
	status, err := journal.OpenWriter(filepath.Join(s.dir, journal.StatusFileName))
	if err != nil {
		o.logger.Error("opening status journal", "session", s.id, "error", err)
	}
	o.mu.Lock()
	s.flashJournal = flash
	s.statusJournal = status
	o.mu.Unlock()
}

func (o *Orchestrator) closeJournals(s *session) {
	o.mu.Lock()
	flash, status := s.flashJournal, s.statusJournal
	s.flashJournal, s.statusJournal = nil, nil
	o.mu.Unlock()
	if flash != nil {
		flash.Close()
	}
	if status != nil {
		status.Close()
	}
}

// NoteStatus appends a device status transition to the live session's
// status journal when the device is one of its members. Transitions
// outside a session are only logged by the caller.
func (o *Orchestrator) NoteStatus(deviceID, from, to, detail string, atNS int64) {
	o.mu.Lock()
	s := o.current
	var status *journal.Writer
	if s != nil {
		if _, member := s.members[deviceID]; member {
			status = s.statusJournal
		}
	}
	o.mu.Unlock()
	if status == nil {
		return
	}
	err := status.Append(journal.StatusEvent{
		AtNS:    atNS,
		Subject: deviceID,
		From:    from,
		To:      to,
		Detail:  detail,
	})
	if err != nil {
		o.logger.Warn("recording status event", "device", deviceID, "error", err)
	}
}

// unreserve rolls back a reserved session that never claimed a device.
func (o *Orchestrator) unreserve(s *session) {
	o.mu.Lock()
	if o.current == s {
		o.current = nil
	}
	delete(o.sessions, s.id)
	o.mu.Unlock()
}

// sessionContext derives a context that is canceled when the session
// aborts, so in-flight broadcasts and transfer requests stop waiting
// on devices immediately.
func (o *Orchestrator) sessionContext(ctx context.Context, s *session) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-s.aborted:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// markAborted moves the session to Aborted under the lock and closes
// its abort channel exactly once.
func (o *Orchestrator) markAborted(s *session) {
	o.mu.Lock()
	s.state = StateAborted
	if o.current == s {
		o.current = nil
	}
	select {
	case <-s.aborted:
	default:
		close(s.aborted)
	}
	o.mu.Unlock()
}

// abort tears down a session that never became active.
func (o *Orchestrator) abort(s *session, claimed []string) {
	for _, deviceID := range claimed {
		o.directory.Release(deviceID)
	}
	o.markAborted(s)
	o.closeJournals(s)
	o.metrics.SessionTransition(string(StateAborted))
	o.persist(s)
	o.logger.Warn("session aborted", "session", s.id)
}

// Abort cancels the live session from any state. In-flight command
// waits are released through the session's abort channel, hub-side
// recorders are stopped, and members are returned to the pool. Member
// outcomes are left as they were, so the manifest records how far each
// device got.
func (o *Orchestrator) Abort(ctx context.Context) (Info, error) {
	o.mu.Lock()
	s := o.current
	if s == nil {
		o.mu.Unlock()
		return Info{}, &StateError{Op: "abort session", State: StateIdle}
	}
	var members []string
	for deviceID := range s.members {
		members = append(members, deviceID)
	}
	o.mu.Unlock()

	o.markAborted(s)
	o.stopRecorders(s)
	for _, deviceID := range members {
		o.directory.Release(deviceID)
	}
	o.closeJournals(s)
	o.metrics.SessionTransition(string(StateAborted))
	o.persist(s)
	o.logger.Warn("session aborted by operator", "session", s.id)

	o.mu.Lock()
	info := s.snapshot()
	o.mu.Unlock()
	return info, nil
}

// Stop broadcasts the stop command to every member still recording,
// then moves the session to Transferring and directs stopped devices
// to upload. Devices that do not acknowledge the stop stay Pending:
// they may still rejoin and be routed to transfer, or be evicted.
func (o *Orchestrator) Stop(ctx context.Context) (Info, error) {
	o.mu.Lock()
	s := o.current
	if s == nil {
		o.mu.Unlock()
		return Info{}, &StateError{Op: "stop session", State: StateIdle}
	}
	if s.state != StateActive {
		state := s.state
		o.mu.Unlock()
		return Info{}, &StateError{Op: "stop session", State: state}
	}
	s.state = StateStopping
	var recording []string
	for deviceID, m := range s.members {
		if m.outcome == OutcomePending {
			recording = append(recording, deviceID)
		}
	}
	o.mu.Unlock()
	o.metrics.SessionTransition(string(StateStopping))
	o.persist(s)

	o.logger.Info("session stopping", "session", s.id, "devices", len(recording))

	stopCtx, cancel := o.sessionContext(ctx, s)
	defer cancel()
	results := o.broadcast(stopCtx, recording, func(commandID int64, deviceID string) *protocol.Envelope {
		return protocol.StopRecording(commandID, s.id)
	})

	o.stopRecorders(s)

	var stopped []string
	o.mu.Lock()
	if s.state != StateStopping {
		// A concurrent Abort won the race.
		state := s.state
		o.mu.Unlock()
		return Info{}, &StateError{Op: "stop session", State: state}
	}
	for deviceID, result := range results {
		if result.err != nil {
			// Leave the member Pending: the device may rejoin and
			// still deliver its files.
			o.logger.Warn("device did not acknowledge stop",
				"session", s.id, "device", deviceID, "error", result.err)
			continue
		}
		s.members[deviceID].outcome = OutcomeStopped
		stopped = append(stopped, deviceID)
	}
	s.state = StateTransferring
	s.stoppedAt = o.clock.Now()
	o.mu.Unlock()
	o.metrics.SessionTransition(string(StateTransferring))
	o.persist(s)

	// Direct every stopped device to upload. Failures here leave the
	// member Stopped; rejoin or eviction settles it later.
	for _, deviceID := range stopped {
		if err := o.RequestTransfer(stopCtx, deviceID, s.id); err != nil {
			o.logger.Warn("transfer request failed",
				"session", s.id, "device", deviceID, "error", err)
		}
	}

	o.maybeComplete(s)

	o.mu.Lock()
	info := s.snapshot()
	o.mu.Unlock()
	return info, nil
}

// RequestTransfer directs one member device to upload its files for a
// session that has moved past Active. Completed sessions still accept
// the request: a device that comes back long after everyone else
// finished can deliver what it recorded, and unpacking is idempotent.
func (o *Orchestrator) RequestTransfer(ctx context.Context, deviceID, sessionID string) error {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if _, member := s.members[deviceID]; !member {
		o.mu.Unlock()
		return fmt.Errorf("session %s: %s is not a member", sessionID, deviceID)
	}
	switch s.state {
	case StateStopping, StateTransferring, StateComplete:
	default:
		state := s.state
		o.mu.Unlock()
		return &StateError{Op: "request transfer", State: state}
	}
	o.mu.Unlock()

	if o.transferAddr == nil {
		return errors.New("session: no transfer address configured")
	}
	host, port := o.transferAddr()
	command := protocol.TransferFiles(o.ids.Next(), host, port, sessionID)
	_, err := o.dispatchWithRetry(ctx, deviceID, command)
	return err
}

// FlashSync schedules a flash event slightly in the future and
// broadcasts the trigger to every recording member. The hub's own
// trigger timestamp and each device's acknowledged local detection
// timestamp are appended to the flash journal for the alignment
// check.
func (o *Orchestrator) FlashSync(ctx context.Context) (string, error) {
	o.mu.Lock()
	s := o.current
	if s == nil || s.state != StateActive {
		state := StateIdle
		if s != nil {
			state = s.state
		}
		o.mu.Unlock()
		return "", &StateError{Op: "flash sync", State: state}
	}
	s.flashSeq++
	eventID := fmt.Sprintf("flash_%03d", s.flashSeq)
	var recording []string
	for deviceID, m := range s.members {
		if m.outcome == OutcomePending {
			recording = append(recording, deviceID)
		}
	}
	sessionID := s.id
	// Capture the journal pointer while locked; closeJournals nils it
	// when a concurrent stop or abort finishes the session.
	flash := s.flashJournal
	o.mu.Unlock()

	triggerNS := o.clock.Now().Add(o.config.FlashLead).UnixNano()

	if flash != nil {
		err := flash.Append(journal.FlashEvent{
			DeviceID:         "hub",
			SessionID:        sessionID,
			EventID:          eventID,
			LocalTimestampNS: triggerNS,
			Confidence:       1,
		})
		if err != nil {
			return "", fmt.Errorf("recording hub flash event: %w", err)
		}
	}

	o.logger.Info("flash sync triggered",
		"session", sessionID, "event", eventID, "trigger_ns", triggerNS)

	flashCtx, cancel := o.sessionContext(ctx, s)
	defer cancel()
	results := o.broadcast(flashCtx, recording, func(commandID int64, deviceID string) *protocol.Envelope {
		return protocol.FlashSync(commandID, eventID, triggerNS)
	})

	for deviceID, result := range results {
		if result.err != nil {
			o.logger.Warn("device missed flash trigger",
				"session", sessionID, "device", deviceID, "error", result.err)
			continue
		}
		localNS, ok := result.ack.Int64Field("local_timestamp_ns")
		if !ok || flash == nil {
			continue
		}
		err := flash.Append(journal.FlashEvent{
			DeviceID:         deviceID,
			SessionID:        sessionID,
			EventID:          eventID,
			LocalTimestampNS: localNS,
			Confidence:       1,
		})
		if err != nil {
			o.logger.Warn("recording device flash event",
				"device", deviceID, "error", err)
		}
	}
	return eventID, nil
}

// RecordFlash appends a spoke-detected flash observation to the live
// session's flash journal. Used for detections a device reports as
// events rather than in a trigger ack.
func (o *Orchestrator) RecordFlash(deviceID, eventID string, localTimestampNS int64, confidence float64) {
	o.mu.Lock()
	s := o.current
	var flash *journal.Writer
	var sessionID string
	if s != nil {
		if _, member := s.members[deviceID]; member {
			flash = s.flashJournal
			sessionID = s.id
		}
	}
	o.mu.Unlock()
	if flash == nil {
		return
	}
	err := flash.Append(journal.FlashEvent{
		DeviceID:         deviceID,
		SessionID:        sessionID,
		EventID:          eventID,
		LocalTimestampNS: localTimestampNS,
		Confidence:       confidence,
	})
	if err != nil {
		o.logger.Warn("recording flash event", "device", deviceID, "error", err)
	}
}

// ResumeMember re-sends the start command to a member that rejoined
// an active session, in case it never received the original. Devices
// treat a start for a session they are already recording as a no-op.
func (o *Orchestrator) ResumeMember(ctx context.Context, deviceID string) error {
	o.mu.Lock()
	s := o.current
	if s == nil || s.state != StateActive {
		state := StateIdle
		if s != nil {
			state = s.state
		}
		o.mu.Unlock()
		return &StateError{Op: "resume member", State: state}
	}
	m, ok := s.members[deviceID]
	if !ok || m.outcome != OutcomePending {
		o.mu.Unlock()
		return fmt.Errorf("session %s: %s has nothing to resume", s.id, deviceID)
	}
	sessionID := s.id
	o.mu.Unlock()

	_, err := o.dispatchWithRetry(ctx, deviceID, protocol.StartRecording(o.ids.Next(), sessionID))
	return err
}

// ResolveRejoin decides what happens to a device reclaiming session
// membership after a disconnect. Wired into the registry's rejoin
// path.
func (o *Orchestrator) ResolveRejoin(deviceID, sessionID string) registry.RejoinDecision {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.sessions[sessionID]
	if !ok {
		return registry.RejoinUnknown
	}
	if _, member := s.members[deviceID]; !member {
		return registry.RejoinUnknown
	}

	switch s.state {
	case StateCreating, StateActive:
		return registry.RejoinActive
	case StateStopping, StateTransferring, StateComplete:
		// Past Active the device's files are all that matter. Even a
		// completed session takes a late delivery; re-uploads from a
		// member already settled are harmless.
		return registry.RejoinTransfer
	default:
		return registry.RejoinUnknown
	}
}

// DeviceTransferred records a completed upload for a device. verified
// is false when the archive failed its size, checksum, or file-count
// check, which marks the device failed. The file counts land in the
// member's manifest entry. Completes the session when this was the
// last open member.
func (o *Orchestrator) DeviceTransferred(deviceID, sessionID string, verified bool, expectedFiles, receivedFiles int) error {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	m, ok := s.members[deviceID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("session %s: %s is not a member", sessionID, deviceID)
	}
	if verified {
		m.outcome = OutcomeTransferred
	} else {
		m.outcome = OutcomeFailed
	}
	m.expectedFiles = expectedFiles
	m.receivedFiles = receivedFiles
	o.mu.Unlock()

	o.directory.Release(deviceID)
	o.persist(s)
	o.maybeComplete(s)
	return nil
}

// DeviceEvicted marks a member the registry gave up on. The device's
// files will never arrive; the session stops waiting for it. Wired
// into the registry's eviction callback.
func (o *Orchestrator) DeviceEvicted(deviceID, sessionID string) {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	m, ok := s.members[deviceID]
	if !ok || m.outcome.terminal() {
		o.mu.Unlock()
		return
	}
	m.outcome = OutcomeFailedUnrecoverable
	o.mu.Unlock()

	o.logger.Warn("session member evicted",
		"session", sessionID, "device", deviceID)
	o.persist(s)
	o.maybeComplete(s)
}

// maybeComplete finishes a transferring session once every member has
// reached a terminal outcome.
func (o *Orchestrator) maybeComplete(s *session) {
	o.mu.Lock()
	if s.state != StateTransferring {
		o.mu.Unlock()
		return
	}
	for _, m := range s.members {
		if !m.outcome.terminal() {
			o.mu.Unlock()
			return
		}
	}
	s.state = StateComplete
	if o.current == s {
		o.current = nil
	}
	o.mu.Unlock()
	o.closeJournals(s)
	o.metrics.SessionTransition(string(StateComplete))
	o.persist(s)
	o.logger.Info("session complete", "session", s.id)
}

// persist writes the session manifest; manifest failures are logged,
// never fatal, since the in-memory record remains authoritative.
func (o *Orchestrator) persist(s *session) {
	o.mu.Lock()
	info := s.snapshot()
	o.mu.Unlock()
	if err := WriteManifest(info.Dir, info); err != nil {
		o.logger.Error("writing session manifest",
			"session", info.ID, "error", err)
	}
}

func (o *Orchestrator) startRecorders(s *session) {
	for _, recorder := range o.recorders {
		if err := recorder.Start(s.dir); err != nil {
			o.logger.Error("starting local recorder",
				"recorder", recorder.Name(), "session", s.id, "error", err)
		}
	}
}

func (o *Orchestrator) stopRecorders(s *session) {
	for _, recorder := range o.recorders {
		if err := recorder.Stop(); err != nil {
			o.logger.Error("stopping local recorder",
				"recorder", recorder.Name(), "session", s.id, "error", err)
		}
	}
}
