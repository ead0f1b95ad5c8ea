// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

package timesync

import (
	"math"
	"sort"
)

// Compute derives the clock offset and one-way delay estimate from one
// four-timestamp trial, all in nanoseconds:
//
//	t0  hub records send time
//	t1  device records receive time
//	t2  device records reply-send time
//	t3  hub records reply-receive time
//
// Offset is the device clock minus the hub clock, assuming symmetric
// network delay:
//
//	offset = ((t1 − t0) + (t2 − t3)) / 2
//	delay  = ((t3 − t0) − (t2 − t1)) / 2
//
// Asymmetric delay biases the offset by half the asymmetry and is the
// reason trials are aggregated with outlier trimming.
func Compute(t0, t1, t2, t3 int64) (offsetNS, delayNS int64) {
	offsetNS = ((t1 - t0) + (t2 - t3)) / 2
	delayNS = ((t3 - t0) - (t2 - t1)) / 2
	return offsetNS, delayNS
}

// Stats summarizes one synchronization event for a device.
type Stats struct {
	// OffsetNS is the accepted offset: the trimmed median over trials.
	OffsetNS int64 `json:"offset_ns"`

	// MinDelayNS is the minimum one-way delay observed across all
	// trials, the sample least affected by network interference.
	MinDelayNS int64 `json:"delay_ns"`

	// StdDevNS is the population standard deviation of the trimmed
	// offsets, a dispersion measure for diagnostics.
	StdDevNS int64 `json:"std_dev_ns"`

	// Trials is the number of trials that survived trimming.
	Trials int `json:"trials"`

	// MeasuredAtNS is the hub timestamp of the estimate.
	MeasuredAtNS int64 `json:"timestamp_ns"`
}

// DiscardOutliers filters paired trial results, dropping trials whose
// delay exceeds factor × the minimum observed delay. Such trials hit
// network interference; their offset samples are the ones skewed by
// asymmetry. factor <= 1 disables filtering. The minimum-delay trial
// always survives.
func DiscardOutliers(offsets, delays []int64, factor float64) (keptOffsets, keptDelays []int64) {
	n := min(len(offsets), len(delays))
	if n == 0 || factor <= 1 {
		return offsets[:n], delays[:n]
	}
	minDelay := delays[0]
	for _, d := range delays[:n] {
		if d < minDelay {
			minDelay = d
		}
	}
	ceiling := int64(float64(minDelay) * factor)
	for i := 0; i < n; i++ {
		if delays[i] <= ceiling {
			keptOffsets = append(keptOffsets, offsets[i])
			keptDelays = append(keptDelays, delays[i])
		}
	}
	return keptOffsets, keptDelays
}

// Aggregate reduces per-trial offset and delay samples to accepted
// statistics. The offset is the median of the sorted offsets after
// trimming trimRatio from each tail (capped so at least one sample
// remains); the delay is the minimum over all trials, untrimmed; the
// standard deviation is population variance over the trimmed offsets.
//
// Empty input yields the zero Stats.
func Aggregate(offsets, delays []int64, trimRatio float64) Stats {
	n := min(len(offsets), len(delays))
	if n == 0 {
		return Stats{}
	}

	sorted := make([]int64, n)
	copy(sorted, offsets[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	trimRatio = math.Max(0, math.Min(0.45, trimRatio))
	trim := int(math.Round(float64(n) * trimRatio))
	if trim*2 >= n {
		trim = (n - 1) / 2
	}
	trimmed := sorted[trim : n-trim]

	median := trimmed[len(trimmed)/2]
	if len(trimmed)%2 == 0 {
		median = (trimmed[len(trimmed)/2-1] + trimmed[len(trimmed)/2]) / 2
	}

	var stdDev int64
	if len(trimmed) > 1 {
		mean := 0.0
		for _, v := range trimmed {
			mean += float64(v)
		}
		mean /= float64(len(trimmed))
		variance := 0.0
		for _, v := range trimmed {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(trimmed))
		stdDev = int64(math.Round(math.Sqrt(variance)))
	}

	minDelay := delays[0]
	for _, d := range delays[:n] {
		if d < minDelay {
			minDelay = d
		}
	}

	return Stats{
		OffsetNS:   median,
		MinDelayNS: minDelay,
		StdDevNS:   stdDev,
		Trials:     len(trimmed),
	}
}
