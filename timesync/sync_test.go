// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package timesync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/fieldsync-dev/fieldsync/lib/clock"
	"github.com/fieldsync-dev/fieldsync/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// simulatedDevice answers time_sync commands as a device with a fixed
// clock offset and symmetric one-way delay would, and moves the
// shared hub timestamp forward so t3 lands correctly.
type simulatedDevice struct {
	offsetNS int64
	oneWayNS int64
	hubNowNS *int64
}

func (d *simulatedDevice) roundTrip(_ context.Context, command *protocol.Envelope) (*protocol.Envelope, error) {
	t0, ok := command.Int64Field("t0")
	if !ok {
		return nil, errors.New("time_sync command missing t0")
	}
	const processingNS = 100_000
	t1 := t0 + d.oneWayNS + d.offsetNS
	t2 := t1 + processingNS
	*d.hubNowNS = t0 + 2*d.oneWayNS + processingNS

	ack := protocol.NewAck(command.ID, protocol.AckOK)
	ack.Extra = map[string]any{"t1": t1, "t2": t2}
	return ack, nil
}

func TestSynchronizerRecoversDeviceOffset(t *testing.T) {
	hubNow := int64(1_000_000_000_000)
	device := &simulatedDevice{
		offsetNS: 3_000_000, // device 3 ms ahead
		oneWayNS: 2_000_000,
		hubNowNS: &hubNow,
	}

	config := DefaultConfig()
	config.Pace = 0
	synchronizer := NewSynchronizer(config, clock.Fake(time.Unix(0, 0)), func() int64 { return hubNow }, testLogger())

	stats, err := synchronizer.Run(context.Background(), "dev-1", device.roundTrip)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.OffsetNS != device.offsetNS {
		t.Errorf("offset = %d, want %d", stats.OffsetNS, device.offsetNS)
	}
	if stats.MinDelayNS != device.oneWayNS {
		t.Errorf("min delay = %d, want %d", stats.MinDelayNS, device.oneWayNS)
	}
	if stats.Trials == 0 {
		t.Error("no trials recorded")
	}
	if stats.MeasuredAtNS == 0 {
		t.Error("MeasuredAtNS not stamped")
	}
}

func TestSynchronizerSkipsFailedTrials(t *testing.T) {
	hubNow := int64(500_000_000_000)
	device := &simulatedDevice{offsetNS: -1_000_000, oneWayNS: 1_500_000, hubNowNS: &hubNow}

	calls := 0
	flaky := func(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error) {
		calls++
		if calls%3 == 0 {
			return nil, errors.New("timeout")
		}
		return device.roundTrip(ctx, command)
	}

	config := DefaultConfig()
	config.Pace = 0
	synchronizer := NewSynchronizer(config, clock.Fake(time.Unix(0, 0)), func() int64 { return hubNow }, testLogger())

	stats, err := synchronizer.Run(context.Background(), "dev-2", flaky)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.OffsetNS != device.offsetNS {
		t.Errorf("offset = %d, want %d", stats.OffsetNS, device.offsetNS)
	}
}

func TestSynchronizerAllTrialsFail(t *testing.T) {
	config := DefaultConfig()
	config.Pace = 0
	synchronizer := NewSynchronizer(config, clock.Fake(time.Unix(0, 0)), nil, testLogger())

	failing := func(context.Context, *protocol.Envelope) (*protocol.Envelope, error) {
		return nil, errors.New("unreachable")
	}
	if _, err := synchronizer.Run(context.Background(), "dev-3", failing); err == nil {
		t.Fatal("Run succeeded with zero samples")
	}
}

func TestResyncThresholdWithCooldown(t *testing.T) {
	fake := clock.Fake(time.Unix(1000, 0))
	config := DefaultConfig()
	synchronizer := NewSynchronizer(config, fake, nil, testLogger())

	if synchronizer.ObserveDelay(10 * time.Millisecond) {
		t.Error("below-threshold delay triggered a re-sync")
	}
	if !synchronizer.ObserveDelay(30 * time.Millisecond) {
		t.Error("above-threshold delay did not trigger")
	}
	if synchronizer.ObserveDelay(40 * time.Millisecond) {
		t.Error("second trigger fired inside the cooldown")
	}

	fake.Advance(config.ResyncCooldown)
	if !synchronizer.ObserveDelay(30 * time.Millisecond) {
		t.Error("trigger did not rearm after the cooldown")
	}
}

func TestPeriodicResyncSharesCooldown(t *testing.T) {
	// Policy decision: the periodic trigger and the threshold
	// trigger share one cooldown, so a periodic re-sync quiets an
	// immediately following threshold breach and vice versa.
	fake := clock.Fake(time.Unix(2000, 0))
	config := DefaultConfig()
	synchronizer := NewSynchronizer(config, fake, nil, testLogger())

	if !synchronizer.PeriodicDue() {
		t.Fatal("first periodic check did not fire")
	}
	if synchronizer.ObserveDelay(time.Second) {
		t.Error("threshold trigger fired inside the cooldown set by the periodic trigger")
	}

	fake.Advance(config.ResyncCooldown)
	if !synchronizer.ObserveDelay(30 * time.Millisecond) {
		t.Fatal("threshold trigger did not rearm")
	}
	if synchronizer.PeriodicDue() {
		t.Error("periodic trigger fired inside the cooldown set by the threshold trigger")
	}
}

func TestPeriodicDisabled(t *testing.T) {
	config := DefaultConfig()
	config.PeriodicResync = 0
	synchronizer := NewSynchronizer(config, clock.Fake(time.Unix(0, 0)), nil, testLogger())
	if synchronizer.PeriodicDue() {
		t.Error("PeriodicDue fired with the periodic trigger disabled")
	}
}
