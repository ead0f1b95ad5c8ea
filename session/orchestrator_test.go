// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fieldsync-dev/fieldsync/journal"
	"github.com/fieldsync-dev/fieldsync/lib/clock"
	"github.com/fieldsync-dev/fieldsync/protocol"
	"github.com/fieldsync-dev/fieldsync/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeDirectory is an in-memory Directory. All listed devices are
// eligible until claimed.
type fakeDirectory struct {
	mu       sync.Mutex
	devices  map[string]registry.DeviceInfo
	claims   map[string]string
	released []string
}

func newFakeDirectory(deviceIDs ...string) *fakeDirectory {
	d := &fakeDirectory{
		devices: make(map[string]registry.DeviceInfo),
		claims:  make(map[string]string),
	}
	for _, id := range deviceIDs {
		d.devices[id] = registry.DeviceInfo{
			DeviceID:     id,
			Capabilities: []string{"rgb_camera"},
			State:        registry.StateReady,
		}
	}
	return d
}

func (d *fakeDirectory) Eligible() []registry.DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	var eligible []registry.DeviceInfo
	for id, info := range d.devices {
		if _, claimed := d.claims[id]; !claimed {
			eligible = append(eligible, info)
		}
	}
	return eligible
}

func (d *fakeDirectory) Get(deviceID string) (registry.DeviceInfo, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	info, ok := d.devices[deviceID]
	return info, ok
}

func (d *fakeDirectory) Claim(deviceID, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claims[deviceID] = sessionID
	return nil
}

func (d *fakeDirectory) Release(deviceID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.claims, deviceID)
	d.released = append(d.released, deviceID)
	return nil
}

// deviceBehavior scripts one fake device's response to commands.
type deviceBehavior func(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error)

func ackAll() deviceBehavior {
	return func(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error) {
		return protocol.NewAck(command.ID, protocol.AckOK), nil
	}
}

func neverReply() deviceBehavior {
	return func(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// fakeDispatcher routes commands to scripted per-device behaviors and
// records every dispatched command.
type fakeDispatcher struct {
	mu       sync.Mutex
	behavior map[string]deviceBehavior
	sent     []sentCommand
}

type sentCommand struct {
	deviceID string
	command  string
	id       int64
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{behavior: make(map[string]deviceBehavior)}
}

func (f *fakeDispatcher) set(deviceID string, b deviceBehavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behavior[deviceID] = b
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, deviceID string, command *protocol.Envelope) (*protocol.Envelope, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentCommand{deviceID: deviceID, command: command.Command, id: command.ID})
	b := f.behavior[deviceID]
	f.mu.Unlock()
	if b == nil {
		b = ackAll()
	}
	return b(ctx, command)
}

func (f *fakeDispatcher) sentTo(deviceID, command string) []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	var matched []sentCommand
	for _, s := range f.sent {
		if s.deviceID == deviceID && s.command == command {
			matched = append(matched, s)
		}
	}
	return matched
}

type fixture struct {
	orchestrator *Orchestrator
	directory    *fakeDirectory
	dispatcher   *fakeDispatcher
	fake         *clock.FakeClock
	dataDir      string
}

func newFixture(t *testing.T, retry RetryConfig, deviceIDs ...string) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	directory := newFakeDirectory(deviceIDs...)
	dispatcher := newFakeDispatcher()
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))

	config := DefaultConfig(dataDir)
	config.Retry = retry
	orchestrator := New(config, Deps{
		Directory:  directory,
		Dispatcher: dispatcher,
		Clock:      fake,
		Logger:     testLogger(),
		TransferAddress: func() (string, int) {
			return "10.0.0.1", 9469
		},
	})
	return &fixture{
		orchestrator: orchestrator,
		directory:    directory,
		dispatcher:   dispatcher,
		fake:         fake,
		dataDir:      dataDir,
	}
}

// immediateRetry keeps tests synchronous: one attempt, no backoff.
func immediateRetry() RetryConfig {
	return RetryConfig{
		AckTimeout:     5 * time.Second,
		BaseDelay:      500 * time.Millisecond,
		Multiplier:     2,
		MaxDelay:       8 * time.Second,
		MaxAttempts:    1,
		JitterFraction: 0,
	}
}

func outcomeOf(t *testing.T, info Info, deviceID string) Outcome {
	t.Helper()
	for _, m := range info.Members {
		if m.DeviceID == deviceID {
			return m.Outcome
		}
	}
	t.Fatalf("device %s not in session %s", deviceID, info.ID)
	return ""
}

func TestStartActivatesSessionAndWritesManifest(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a", "phone-b")

	info, err := fx.orchestrator.Start(context.Background(), "Morning Walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.State != StateActive {
		t.Fatalf("state = %s, want active", info.State)
	}
	if want := "20260314_093000_morning_walk"; info.ID != want {
		t.Fatalf("session id = %q, want %q", info.ID, want)
	}
	if len(info.Members) != 2 {
		t.Fatalf("members = %d, want 2", len(info.Members))
	}

	manifest, err := ReadManifest(filepath.Join(fx.dataDir, info.ID))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if manifest.State != StateActive {
		t.Fatalf("manifest state = %s, want active", manifest.State)
	}
	if len(manifest.Members) != 2 {
		t.Fatalf("manifest members = %d", len(manifest.Members))
	}
}

func TestSecondStartRejectedWhileSessionLive(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a")

	if _, err := fx.orchestrator.Start(context.Background(), "first"); err != nil {
		t.Fatalf("start: %v", err)
	}
	var stateErr *StateError
	_, err := fx.orchestrator.Start(context.Background(), "second")
	if !errors.As(err, &stateErr) {
		t.Fatalf("second start error = %v, want StateError", err)
	}
	if stateErr.State != StateActive {
		t.Fatalf("state in error = %s, want active", stateErr.State)
	}
}

func TestStartWithNoEligibleDevices(t *testing.T) {
	fx := newFixture(t, immediateRetry())

	_, err := fx.orchestrator.Start(context.Background(), "empty")
	if !errors.Is(err, ErrNoEligibleDevices) {
		t.Fatalf("error = %v, want ErrNoEligibleDevices", err)
	}
}

func TestPartialStartProceedsWithAckedDevices(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a", "phone-b", "phone-c")
	fx.dispatcher.set("phone-c", func(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error) {
		return nil, errors.New("connection reset")
	})

	info, err := fx.orchestrator.Start(context.Background(), "walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.State != StateActive {
		t.Fatalf("state = %s, want active", info.State)
	}
	if got := outcomeOf(t, info, "phone-c"); got != OutcomeFailed {
		t.Fatalf("phone-c outcome = %s, want failed", got)
	}
	if got := outcomeOf(t, info, "phone-a"); got != OutcomePending {
		t.Fatalf("phone-a outcome = %s, want pending", got)
	}

	// The failed device must be released back to the pool.
	fx.directory.mu.Lock()
	_, stillClaimed := fx.directory.claims["phone-c"]
	fx.directory.mu.Unlock()
	if stillClaimed {
		t.Fatal("failed device still claimed")
	}
}

func TestStartAbortsWhenNoDeviceAcks(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a")
	fx.dispatcher.set("phone-a", func(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error) {
		return nil, errors.New("connection reset")
	})

	_, err := fx.orchestrator.Start(context.Background(), "doomed")
	if !errors.Is(err, ErrNoDevicesAcked) {
		t.Fatalf("error = %v, want ErrNoDevicesAcked", err)
	}
	if _, live := fx.orchestrator.Current(); live {
		t.Fatal("aborted session still current")
	}

	// The aborted session's manifest records the abort.
	sessions, _ := filepath.Glob(filepath.Join(fx.dataDir, "*"))
	if len(sessions) != 1 {
		t.Fatalf("session dirs = %v", sessions)
	}
	manifest, err := ReadManifest(sessions[0])
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if manifest.State != StateAborted {
		t.Fatalf("manifest state = %s, want aborted", manifest.State)
	}

	// A new start succeeds afterwards.
	fx.dispatcher.set("phone-a", ackAll())
	fx.fake.Advance(time.Minute) // distinct session id
	if _, err := fx.orchestrator.Start(context.Background(), "retry"); err != nil {
		t.Fatalf("second start: %v", err)
	}
}

func TestRetryResendsSameCommandID(t *testing.T) {
	retry := immediateRetry()
	retry.MaxAttempts = 3
	fx := newFixture(t, retry, "phone-a")

	// First attempt never replies; second attempt acks.
	attempts := 0
	fx.dispatcher.set("phone-a", func(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error) {
		fx.dispatcher.mu.Lock()
		attempts++
		n := attempts
		fx.dispatcher.mu.Unlock()
		if n == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return protocol.NewAck(command.ID, protocol.AckOK), nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := fx.orchestrator.Start(context.Background(), "walk")
		done <- err
	}()

	// Attempt 1: ack deadline expires.
	fx.fake.WaitForTimers(1)
	fx.fake.Advance(retry.AckTimeout)
	// Backoff before attempt 2, then the attempt acks immediately.
	fx.fake.WaitForTimers(1)
	fx.fake.Advance(retry.BaseDelay)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("start did not complete")
	}

	// Redelivery must carry the same command ID so the device can
	// deduplicate.
	starts := fx.dispatcher.sentTo("phone-a", protocol.CommandStartRecording)
	if len(starts) != 2 {
		t.Fatalf("start commands sent = %d, want 2", len(starts))
	}
	if starts[0].id != starts[1].id {
		t.Fatalf("redelivered command id %d != original %d", starts[1].id, starts[0].id)
	}
}

func TestStopMovesToTransferringWithUnreachableMemberPending(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a", "phone-b", "phone-c")

	if _, err := fx.orchestrator.Start(context.Background(), "walk"); err != nil {
		t.Fatalf("start: %v", err)
	}

	// phone-c drops mid-session: it will not answer the stop.
	fx.dispatcher.set("phone-c", neverReply())

	done := make(chan Info, 1)
	go func() {
		info, err := fx.orchestrator.Stop(context.Background())
		if err != nil {
			t.Errorf("stop: %v", err)
		}
		done <- info
	}()

	// The start broadcast left three unfired ack-deadline timers;
	// the stop broadcast adds three more. Advancing past the ack
	// deadline expires phone-c's attempt.
	fx.fake.WaitForTimers(6)
	fx.fake.Advance(immediateRetry().AckTimeout)

	var info Info
	select {
	case info = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not complete")
	}

	if info.State != StateTransferring {
		t.Fatalf("state = %s, want transferring", info.State)
	}
	if got := outcomeOf(t, info, "phone-a"); got != OutcomeStopped {
		t.Fatalf("phone-a outcome = %s, want stopped", got)
	}
	if got := outcomeOf(t, info, "phone-b"); got != OutcomeStopped {
		t.Fatalf("phone-b outcome = %s, want stopped", got)
	}
	if got := outcomeOf(t, info, "phone-c"); got != OutcomePending {
		t.Fatalf("phone-c outcome = %s, want pending", got)
	}

	// Stopped devices were directed to upload.
	for _, deviceID := range []string{"phone-a", "phone-b"} {
		transfers := fx.dispatcher.sentTo(deviceID, protocol.CommandTransferFiles)
		if len(transfers) != 1 {
			t.Fatalf("%s transfer commands = %d, want 1", deviceID, len(transfers))
		}
	}

	// The unreachable member rejoins after the session moved past
	// Active: it is routed straight to transfer, never back to
	// recording.
	decision := fx.orchestrator.ResolveRejoin("phone-c", info.ID)
	if decision != registry.RejoinTransfer {
		t.Fatalf("rejoin decision = %v, want RejoinTransfer", decision)
	}
	fx.dispatcher.set("phone-c", ackAll())
	if err := fx.orchestrator.RequestTransfer(context.Background(), "phone-c", info.ID); err != nil {
		t.Fatalf("request transfer after rejoin: %v", err)
	}

	// All three deliveries arrive and verify; the session completes.
	for _, deviceID := range []string{"phone-a", "phone-b", "phone-c"} {
		if err := fx.orchestrator.DeviceTransferred(deviceID, info.ID, true, 2, 2); err != nil {
			t.Fatalf("transferred %s: %v", deviceID, err)
		}
	}
	final, ok := fx.orchestrator.Lookup(info.ID)
	if !ok {
		t.Fatal("session missing after completion")
	}
	if final.State != StateComplete {
		t.Fatalf("final state = %s, want complete", final.State)
	}
	if _, live := fx.orchestrator.Current(); live {
		t.Fatal("completed session still current")
	}
}

func TestEvictionSettlesLastOpenMember(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a", "phone-b")

	info, err := fx.orchestrator.Start(context.Background(), "walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	fx.dispatcher.set("phone-b", neverReply())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := fx.orchestrator.Stop(context.Background()); err != nil {
			t.Errorf("stop: %v", err)
		}
	}()
	fx.fake.WaitForTimers(4)
	fx.fake.Advance(immediateRetry().AckTimeout)
	<-done

	if err := fx.orchestrator.DeviceTransferred("phone-a", info.ID, true, 2, 2); err != nil {
		t.Fatalf("transferred: %v", err)
	}
	current, _ := fx.orchestrator.Lookup(info.ID)
	if current.State != StateTransferring {
		t.Fatalf("state = %s, want transferring while phone-b open", current.State)
	}

	// The registry gives up on phone-b; nothing is owed anymore.
	fx.orchestrator.DeviceEvicted("phone-b", info.ID)

	final, _ := fx.orchestrator.Lookup(info.ID)
	if final.State != StateComplete {
		t.Fatalf("state = %s, want complete after eviction", final.State)
	}
	if got := outcomeOf(t, final, "phone-b"); got != OutcomeFailedUnrecoverable {
		t.Fatalf("phone-b outcome = %s, want failed_unrecoverable", got)
	}
}

func TestFailedVerificationMarksDeviceFailed(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a")

	info, err := fx.orchestrator.Start(context.Background(), "walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := fx.orchestrator.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := fx.orchestrator.DeviceTransferred("phone-a", info.ID, false, 3, 1); err != nil {
		t.Fatalf("transferred: %v", err)
	}
	final, _ := fx.orchestrator.Lookup(info.ID)
	if got := outcomeOf(t, final, "phone-a"); got != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", got)
	}
	if final.State != StateComplete {
		t.Fatalf("state = %s, want complete", final.State)
	}

	// The manifest records how many files were declared and how many
	// actually arrived.
	manifest, err := ReadManifest(filepath.Join(fx.dataDir, info.ID))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	m := manifest.Members[0]
	if m.ExpectedFiles != 3 || m.ReceivedFiles != 1 {
		t.Fatalf("manifest file counts = %d/%d, want 3/1", m.ExpectedFiles, m.ReceivedFiles)
	}
}

func TestFlashSyncJournalsHubAndDeviceTimestamps(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a", "phone-b")

	// Devices report their local detection timestamps in the ack.
	for i, deviceID := range []string{"phone-a", "phone-b"} {
		local := int64(1_000_000_000 + i*2_000_000)
		fx.dispatcher.set(deviceID, func(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error) {
			ack := protocol.NewAck(command.ID, protocol.AckOK)
			if command.Command == protocol.CommandFlashSync {
				ack.Extra = map[string]any{"local_timestamp_ns": local}
			}
			return ack, nil
		})
	}

	info, err := fx.orchestrator.Start(context.Background(), "walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	eventID, err := fx.orchestrator.FlashSync(context.Background())
	if err != nil {
		t.Fatalf("flash sync: %v", err)
	}
	if eventID != "flash_001" {
		t.Fatalf("event id = %q, want flash_001", eventID)
	}

	events, err := journal.ReadFlashEvents(filepath.Join(fx.dataDir, info.ID, journal.FlashFileName))
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("journal events = %d, want hub + 2 devices", len(events))
	}
	if events[0].DeviceID != "hub" || events[0].SessionID != info.ID {
		t.Fatalf("first event = %+v, want hub trigger", events[0])
	}
	wantTrigger := fx.fake.Now().Add(fx.orchestrator.config.FlashLead).UnixNano()
	if events[0].LocalTimestampNS != wantTrigger {
		t.Fatalf("hub trigger = %d, want %d", events[0].LocalTimestampNS, wantTrigger)
	}
	for _, event := range events[1:] {
		if event.EventID != "flash_001" {
			t.Fatalf("device event id = %q", event.EventID)
		}
	}
}

func TestFlashSyncRequiresActiveSession(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a")

	var stateErr *StateError
	if _, err := fx.orchestrator.FlashSync(context.Background()); !errors.As(err, &stateErr) {
		t.Fatalf("flash without session error = %v, want StateError", err)
	}
}

// TestStartRunsConcurrentlyWithRegistryCallbacks wires the real
// registry as the directory, the way the hub binary does, and starts a
// session while rejoin requests are in flight. The registry actor
// serves Eligible and Claim on the same goroutine that drives the
// rejoin callback back into the orchestrator, so Start must never hold
// its lock across a directory call.
func TestStartRunsConcurrentlyWithRegistryCallbacks(t *testing.T) {
	dataDir := t.TempDir()
	fake := clock.Fake(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	dispatcher := newFakeDispatcher()

	var orch *Orchestrator
	regConfig := registry.DefaultConfig()
	regConfig.ResolveRejoin = func(deviceID, sessionID string) registry.RejoinDecision {
		return orch.ResolveRejoin(deviceID, sessionID)
	}
	regConfig.OnEvict = func(deviceID, sessionID string) {
		orch.DeviceEvicted(deviceID, sessionID)
	}
	reg := registry.New(regConfig, fake, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Run(ctx)
	fake.WaitForTimers(1)

	config := DefaultConfig(dataDir)
	config.Retry = immediateRetry()
	orch = New(config, Deps{
		Directory:  reg,
		Dispatcher: dispatcher,
		Clock:      fake,
		Logger:     testLogger(),
		TransferAddress: func() (string, int) {
			return "10.0.0.1", 9469
		},
	})

	for _, deviceID := range []string{"phone-a", "phone-b"} {
		if err := reg.Admit(deviceID, "10.0.0.2:51423"); err != nil {
			t.Fatalf("admit %s: %v", deviceID, err)
		}
		if err := reg.SetCapabilities(deviceID, []string{"rgb_camera"}); err != nil {
			t.Fatalf("capabilities %s: %v", deviceID, err)
		}
	}

	rejoins := make(chan struct{})
	go func() {
		defer close(rejoins)
		for i := 0; i < 50; i++ {
			reg.Rejoin("phone-b", "20991231_000000_gone")
		}
	}()

	done := make(chan error, 1)
	go func() {
		_, err := orch.Start(context.Background(), "walk")
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("start wedged against the registry goroutine")
	}
	<-rejoins

	info, live := orch.Current()
	if !live || info.State != StateActive {
		t.Fatalf("session = %+v (live=%v), want active", info, live)
	}
}

func TestAbortReturnsDevicesToPool(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a", "phone-b")

	started, err := fx.orchestrator.Start(context.Background(), "walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	info, err := fx.orchestrator.Abort(context.Background())
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if info.State != StateAborted {
		t.Fatalf("state = %s, want aborted", info.State)
	}
	if _, live := fx.orchestrator.Current(); live {
		t.Fatal("aborted session still current")
	}

	manifest, err := ReadManifest(filepath.Join(fx.dataDir, started.ID))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if manifest.State != StateAborted {
		t.Fatalf("manifest state = %s, want aborted", manifest.State)
	}

	fx.directory.mu.Lock()
	released := len(fx.directory.released)
	fx.directory.mu.Unlock()
	if released != 2 {
		t.Fatalf("released devices = %d, want 2", released)
	}

	// The pool is usable again.
	fx.fake.Advance(time.Minute)
	if _, err := fx.orchestrator.Start(context.Background(), "fresh"); err != nil {
		t.Fatalf("start after abort: %v", err)
	}
}

// An abort must cut loose command waits already in flight, not wait
// for their ack deadlines.
func TestAbortReleasesInFlightCommandWaits(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a")

	if _, err := fx.orchestrator.Start(context.Background(), "walk"); err != nil {
		t.Fatalf("start: %v", err)
	}
	fx.dispatcher.set("phone-a", neverReply())

	stopDone := make(chan error, 1)
	go func() {
		_, err := fx.orchestrator.Stop(context.Background())
		stopDone <- err
	}()

	// The start broadcast left one unfired ack timer; the stop
	// broadcast adds one. Once both exist the stop wait is in flight.
	fx.fake.WaitForTimers(2)

	if _, err := fx.orchestrator.Abort(context.Background()); err != nil {
		t.Fatalf("abort: %v", err)
	}

	// The stop returns without the ack deadline ever firing.
	var stateErr *StateError
	select {
	case err := <-stopDone:
		if !errors.As(err, &stateErr) || stateErr.State != StateAborted {
			t.Fatalf("stop error = %v, want StateError in aborted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stop still waiting after abort")
	}
}

// A device that comes back after everyone else finished is still
// routed to transfer: a completed session takes its late delivery
// rather than stranding the recorded files.
func TestRejoinAfterCompletionRoutesToTransfer(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a", "phone-b")

	info, err := fx.orchestrator.Start(context.Background(), "walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	fx.dispatcher.set("phone-b", neverReply())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := fx.orchestrator.Stop(context.Background()); err != nil {
			t.Errorf("stop: %v", err)
		}
	}()
	fx.fake.WaitForTimers(4)
	fx.fake.Advance(immediateRetry().AckTimeout)
	<-done

	// phone-a delivers, phone-b is evicted; the session completes.
	if err := fx.orchestrator.DeviceTransferred("phone-a", info.ID, true, 2, 2); err != nil {
		t.Fatalf("transferred: %v", err)
	}
	fx.orchestrator.DeviceEvicted("phone-b", info.ID)
	final, _ := fx.orchestrator.Lookup(info.ID)
	if final.State != StateComplete {
		t.Fatalf("state = %s, want complete", final.State)
	}

	// phone-b reappears with its files intact.
	decision := fx.orchestrator.ResolveRejoin("phone-b", info.ID)
	if decision != registry.RejoinTransfer {
		t.Fatalf("rejoin decision = %v, want RejoinTransfer", decision)
	}
	fx.dispatcher.set("phone-b", ackAll())
	if err := fx.orchestrator.RequestTransfer(context.Background(), "phone-b", info.ID); err != nil {
		t.Fatalf("request transfer into completed session: %v", err)
	}
	transfers := fx.dispatcher.sentTo("phone-b", protocol.CommandTransferFiles)
	if len(transfers) != 1 {
		t.Fatalf("transfer commands = %d, want 1", len(transfers))
	}
	if err := fx.orchestrator.DeviceTransferred("phone-b", info.ID, true, 3, 3); err != nil {
		t.Fatalf("late delivery rejected: %v", err)
	}
}

func TestManifestRecordsStartAndStopTimes(t *testing.T) {
	fx := newFixture(t, immediateRetry(), "phone-a")

	startAt := fx.fake.Now()
	info, err := fx.orchestrator.Start(context.Background(), "walk")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !info.StartedAt.Equal(startAt) {
		t.Fatalf("started_at = %v, want %v", info.StartedAt, startAt)
	}
	if !info.StoppedAt.IsZero() {
		t.Fatalf("stopped_at = %v before stop", info.StoppedAt)
	}

	fx.fake.Advance(90 * time.Second)
	stopAt := fx.fake.Now()
	if _, err := fx.orchestrator.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	manifest, err := ReadManifest(filepath.Join(fx.dataDir, info.ID))
	if err != nil {
		t.Fatalf("read manifest: %v", err)
	}
	if !manifest.StartedAt.Equal(startAt) {
		t.Fatalf("manifest started_at = %v, want %v", manifest.StartedAt, startAt)
	}
	if !manifest.StoppedAt.Equal(stopAt) {
		t.Fatalf("manifest stopped_at = %v, want %v", manifest.StoppedAt, stopAt)
	}
}

func TestSlugify(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Morning Walk", "morning_walk"},
		{"  trial#3 (south field)  ", "trial_3_south_field"},
		{"already-fine", "already-fine"},
		{"", "session"},
		{"___", "session"},
	}
	for _, c := range cases {
		if got := slugify(c.in); got != c.want {
			t.Errorf("slugify(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
