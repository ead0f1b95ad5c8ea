// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package validate checks cross-device temporal alignment from flash
// events.
//
// During a session the hub fires flash triggers that every camera
// records; each device logs its own local detection timestamp. After
// correcting each timestamp by the device's measured clock offset,
// detections of the same flash must land close together on the hub
// timeline. The validator groups detections per flash, measures each
// group's spread, and passes the session only when the worst spread
// stays within tolerance.
package validate

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fieldsync-dev/fieldsync/journal"
)

// Sample is one flash detection placed on the hub timeline.
type Sample struct {
	DeviceID string

	// EventID links the detection to a specific trigger when the
	// device recorded it. Detections without an event ID are grouped
	// by time proximity instead.
	EventID string

	// LocalTimestampNS is the detection time on the device's own
	// clock.
	LocalTimestampNS int64

	// OffsetNS is the device clock's measured offset from the hub
	// clock (device minus hub). Zero for the hub itself.
	OffsetNS int64
}

// corrected is the detection projected onto the hub timeline.
func (s Sample) corrected() int64 {
	return s.LocalTimestampNS - s.OffsetNS
}

// GroupSample is one device's corrected detection within a group.
type GroupSample struct {
	DeviceID    string `json:"device_id"`
	CorrectedNS int64  `json:"corrected_ns"`

	// DeviationNS is the distance from the group median.
	DeviationNS int64 `json:"deviation_ns"`
}

// Group is one flash event as seen across devices.
type Group struct {
	Index   int           `json:"index"`
	EventID string        `json:"event_id,omitempty"`
	Samples []GroupSample `json:"samples"`

	// SpreadNS is the widest gap between corrected detections.
	SpreadNS int64 `json:"spread_ns"`

	// WorstDevice is the device farthest from the group median.
	WorstDevice string `json:"worst_device,omitempty"`
}

// Report is the validator's verdict with its per-group breakdown.
type Report struct {
	Pass        bool     `json:"pass"`
	MaxSpreadNS int64    `json:"max_spread_ns"`
	ToleranceNS int64    `json:"tolerance_ns"`
	Groups      []Group  `json:"groups"`
	Devices     []string `json:"devices"`
}

// Config tunes grouping and the pass threshold.
type Config struct {
	// GroupWindow is the time-proximity window for grouping
	// detections that carry no event ID.
	GroupWindow time.Duration

	// Tolerance is the maximum acceptable within-group spread.
	Tolerance time.Duration
}

// DefaultConfig returns the deployment defaults: 500 ms grouping
// window, 5 ms tolerance.
func DefaultConfig() Config {
	return Config{
		GroupWindow: 500 * time.Millisecond,
		Tolerance:   5 * time.Millisecond,
	}
}

// ErrNoSamples reports an empty input; an empty session neither
// passes nor fails.
var ErrNoSamples = errors.New("validate: no flash samples")

// Run validates alignment across the given samples.
func Run(samples []Sample, config Config) (Report, error) {
	if len(samples) == 0 {
		return Report{}, ErrNoSamples
	}
	if config.GroupWindow <= 0 || config.Tolerance <= 0 {
		return Report{}, fmt.Errorf("validate: non-positive window or tolerance")
	}

	report := Report{
		ToleranceNS: config.Tolerance.Nanoseconds(),
		Devices:     deviceList(samples),
	}

	for index, cluster := range groupSamples(samples, config.GroupWindow) {
		group := summarize(cluster)
		group.Index = index
		if group.SpreadNS > report.MaxSpreadNS {
			report.MaxSpreadNS = group.SpreadNS
		}
		report.Groups = append(report.Groups, group)
	}

	report.Pass = report.MaxSpreadNS <= report.ToleranceNS
	return report, nil
}

// FromJournal converts recorded flash events to samples, looking up
// each device's clock offset. Devices missing from offsets are taken
// as already on the hub timeline (the hub's own trigger records rely
// on this).
func FromJournal(events []journal.FlashEvent, offsets map[string]int64) []Sample {
	samples := make([]Sample, 0, len(events))
	for _, event := range events {
		samples = append(samples, Sample{
			DeviceID:         event.DeviceID,
			EventID:          event.EventID,
			LocalTimestampNS: event.LocalTimestampNS,
			OffsetNS:         offsets[event.DeviceID],
		})
	}
	return samples
}

// groupSamples clusters samples into per-flash groups. Samples that
// carry event IDs are grouped by ID; the rest are clustered by
// corrected-time proximity, a new cluster starting whenever the gap
// to the previous sample exceeds the window. Groups are returned in
// time order.
func groupSamples(samples []Sample, window time.Duration) [][]Sample {
	sorted := append([]Sample(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].corrected() < sorted[j].corrected()
	})

	byEvent := make(map[string][]Sample)
	var unlabeled []Sample
	for _, sample := range sorted {
		if sample.EventID != "" {
			byEvent[sample.EventID] = append(byEvent[sample.EventID], sample)
		} else {
			unlabeled = append(unlabeled, sample)
		}
	}

	var groups [][]Sample
	for _, group := range byEvent {
		groups = append(groups, group)
	}

	windowNS := window.Nanoseconds()
	var cluster []Sample
	for _, sample := range unlabeled {
		if len(cluster) > 0 && sample.corrected()-cluster[len(cluster)-1].corrected() > windowNS {
			groups = append(groups, cluster)
			cluster = nil
		}
		cluster = append(cluster, sample)
	}
	if len(cluster) > 0 {
		groups = append(groups, cluster)
	}

	sort.Slice(groups, func(i, j int) bool {
		return groups[i][0].corrected() < groups[j][0].corrected()
	})
	return groups
}

// summarize computes a group's spread and its worst deviator.
func summarize(cluster []Sample) Group {
	group := Group{EventID: cluster[0].EventID}

	corrected := make([]int64, len(cluster))
	for i, sample := range cluster {
		corrected[i] = sample.corrected()
	}
	sort.Slice(corrected, func(i, j int) bool { return corrected[i] < corrected[j] })
	median := corrected[len(corrected)/2]
	group.SpreadNS = corrected[len(corrected)-1] - corrected[0]

	var worstDeviation int64 = -1
	for _, sample := range cluster {
		deviation := sample.corrected() - median
		if deviation < 0 {
			deviation = -deviation
		}
		group.Samples = append(group.Samples, GroupSample{
			DeviceID:    sample.DeviceID,
			CorrectedNS: sample.corrected(),
			DeviationNS: deviation,
		})
		if deviation > worstDeviation {
			worstDeviation = deviation
			group.WorstDevice = sample.DeviceID
		}
	}
	sort.Slice(group.Samples, func(i, j int) bool {
		return group.Samples[i].CorrectedNS < group.Samples[j].CorrectedNS
	})
	return group
}

func deviceList(samples []Sample) []string {
	seen := make(map[string]bool)
	var devices []string
	for _, sample := range samples {
		if !seen[sample.DeviceID] {
			seen[sample.DeviceID] = true
			devices = append(devices, sample.DeviceID)
		}
	}
	sort.Strings(devices)
	return devices
}
