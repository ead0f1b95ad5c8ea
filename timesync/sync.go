// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fieldsync-dev/fieldsync/lib/clock"
	"github.com/fieldsync-dev/fieldsync/protocol"
)

// RoundTripper issues one command envelope to a device and returns
// the matching ack. The implementation (the device's connection
// worker) assigns the per-connection sequence id and correlates the
// ack; the envelope's ID field is ignored on input.
type RoundTripper func(ctx context.Context, command *protocol.Envelope) (*protocol.Envelope, error)

// Config tunes a synchronization event and the re-sync policy.
type Config struct {
	// Trials is the number of four-timestamp exchanges per
	// synchronization event.
	Trials int

	// TrimRatio is the fraction trimmed from each tail of the sorted
	// offsets before taking the median.
	TrimRatio float64

	// OutlierFactor discards trials whose delay exceeds this multiple
	// of the minimum observed delay. <= 1 disables the filter.
	OutlierFactor float64

	// Pace is the gap between consecutive trials, so a burst does
	// not contend with itself on the network path.
	Pace time.Duration

	// ResyncDelayThreshold triggers a re-sync when an ad hoc
	// measurement's delay meets or exceeds it.
	ResyncDelayThreshold time.Duration

	// ResyncCooldown is the minimum gap between triggered re-syncs,
	// shared by the threshold and periodic triggers.
	ResyncCooldown time.Duration

	// PeriodicResync re-syncs mid-session at this interval. Zero
	// disables the periodic trigger.
	PeriodicResync time.Duration
}

// DefaultConfig returns the tuning the original deployment shipped
// with: 12 trials, 10% trim, 25 ms threshold, 120 s cooldown.
func DefaultConfig() Config {
	return Config{
		Trials:               12,
		TrimRatio:            0.1,
		OutlierFactor:        3,
		Pace:                 5 * time.Millisecond,
		ResyncDelayThreshold: 25 * time.Millisecond,
		ResyncCooldown:       120 * time.Second,
		PeriodicResync:       5 * time.Minute,
	}
}

// Synchronizer runs synchronization events against devices and owns
// the re-sync trigger policy.
type Synchronizer struct {
	config Config
	clock  clock.Clock
	nowNS  func() int64
	logger *slog.Logger

	// lastResync gates both re-sync triggers, guarded by mu since
	// the threshold trigger fires from connection goroutines and the
	// periodic trigger from the hub's ticker. The periodic trigger
	// resets the cooldown too: after a periodic re-sync, a threshold
	// breach within the cooldown stays quiet, since the estimate was
	// just refreshed either way.
	mu         sync.Mutex
	lastResync time.Time
}

// NewSynchronizer creates a Synchronizer. nowNS supplies hub
// reference timestamps; pass nil for the wall clock.
func NewSynchronizer(config Config, clk clock.Clock, nowNS func() int64, logger *slog.Logger) *Synchronizer {
	if config.Trials <= 0 {
		config.Trials = 1
	}
	if nowNS == nil {
		nowNS = func() int64 { return time.Now().UnixNano() }
	}
	return &Synchronizer{
		config: config,
		clock:  clk,
		nowNS:  nowNS,
		logger: logger,
	}
}

// Run performs one synchronization event against a device: Trials
// exchanges, outlier discard, aggregation. Individual failed trials
// are skipped; Run fails only when no trial produced a sample or the
// context ended.
func (s *Synchronizer) Run(ctx context.Context, deviceID string, roundTrip RoundTripper) (Stats, error) {
	var offsets, delays []int64

	for trial := 1; trial <= s.config.Trials; trial++ {
		if err := ctx.Err(); err != nil {
			return Stats{}, err
		}

		t0 := s.nowNS()
		ack, err := roundTrip(ctx, protocol.TimeSyncRequest(0, trial, t0))
		t3 := s.nowNS()
		if err != nil {
			s.logger.Debug("time sync trial failed", "device", deviceID, "trial", trial, "error", err)
			continue
		}
		t1, ok1 := ack.Int64Field("t1")
		t2, ok2 := ack.Int64Field("t2")
		if !ok1 || !ok2 {
			s.logger.Debug("time sync ack missing timestamps", "device", deviceID, "trial", trial)
			continue
		}

		offset, delay := Compute(t0, t1, t2, t3)
		offsets = append(offsets, offset)
		delays = append(delays, delay)

		if trial < s.config.Trials {
			s.clock.Sleep(s.config.Pace)
		}
	}

	if len(offsets) == 0 {
		return Stats{}, fmt.Errorf("time sync with %s: no valid samples collected", deviceID)
	}

	offsets, delays = DiscardOutliers(offsets, delays, s.config.OutlierFactor)
	stats := Aggregate(offsets, delays, s.config.TrimRatio)
	stats.MeasuredAtNS = s.nowNS()

	s.logger.Info("time sync complete",
		"device", deviceID,
		"offset_ns", stats.OffsetNS,
		"min_delay_ns", stats.MinDelayNS,
		"std_dev_ns", stats.StdDevNS,
		"trials", stats.Trials,
	)
	return stats, nil
}

// ObserveDelay feeds an ad hoc delay measurement into the re-sync
// policy. Returns true when the measurement should trigger a full
// re-sync: delay at or over the threshold and the shared cooldown
// elapsed.
func (s *Synchronizer) ObserveDelay(delay time.Duration) bool {
	if s.config.ResyncDelayThreshold <= 0 || delay < s.config.ResyncDelayThreshold {
		return false
	}
	return s.tryTrigger()
}

// PeriodicDue reports whether a periodic re-sync should fire now.
// Call it from the mid-session re-sync ticker. A firing resets the
// shared cooldown (see the lastResync field).
func (s *Synchronizer) PeriodicDue() bool {
	if s.config.PeriodicResync <= 0 {
		return false
	}
	return s.tryTrigger()
}

// PeriodicInterval returns the configured periodic re-sync interval,
// zero when disabled.
func (s *Synchronizer) PeriodicInterval() time.Duration {
	return s.config.PeriodicResync
}

func (s *Synchronizer) tryTrigger() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if !s.lastResync.IsZero() && now.Sub(s.lastResync) < s.config.ResyncCooldown {
		return false
	}
	s.lastResync = now
	return true
}
