// Copyright 2026 The FieldSync Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the hub's Prometheus instrumentation. All
// recording methods are nil-safe so components can carry a *Metrics
// without caring whether instrumentation is wired.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector the hub registers. Construct with New
// and share one instance across components.
type Metrics struct {
	commandsSent  *prometheus.CounterVec
	acksReceived  *prometheus.CounterVec
	ackTimeouts   *prometheus.CounterVec
	heartbeats    prometheus.Counter
	deviceStates  *prometheus.CounterVec
	sessionStates *prometheus.CounterVec
	clockOffset   *prometheus.GaugeVec
	syncDelay     *prometheus.GaugeVec
	transferBytes prometheus.Counter
	transfers     *prometheus.CounterVec
}

// New creates and registers all hub collectors with the given
// registerer. Pass prometheus.DefaultRegisterer in production and a
// fresh prometheus.NewRegistry() in tests.
func New(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		commandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_commands_sent_total",
			Help: "Commands dispatched to devices, including retries.",
		}, []string{"command"}),
		acksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_acks_received_total",
			Help: "Acknowledgements received from devices.",
		}, []string{"command", "status"}),
		ackTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_ack_timeouts_total",
			Help: "Command attempts that expired without an acknowledgement.",
		}, []string{"command"}),
		heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_heartbeats_received_total",
			Help: "Heartbeat messages received across all devices.",
		}),
		deviceStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_device_state_transitions_total",
			Help: "Device connection state transitions by target state.",
		}, []string{"state"}),
		sessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_session_state_transitions_total",
			Help: "Session state transitions by target state.",
		}, []string{"state"}),
		clockOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_clock_offset_nanoseconds",
			Help: "Last accepted clock offset estimate per device.",
		}, []string{"device"}),
		syncDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fieldsync_sync_delay_nanoseconds",
			Help: "Minimum one-way delay observed in the last sync round per device.",
		}, []string{"device"}),
		transferBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fieldsync_transfer_bytes_total",
			Help: "Raw archive bytes received from devices.",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fieldsync_transfers_total",
			Help: "Completed transfer attempts by outcome.",
		}, []string{"outcome"}),
	}

	registerer.MustRegister(
		m.commandsSent,
		m.acksReceived,
		m.ackTimeouts,
		m.heartbeats,
		m.deviceStates,
		m.sessionStates,
		m.clockOffset,
		m.syncDelay,
		m.transferBytes,
		m.transfers,
	)
	return m
}

func (m *Metrics) CommandSent(command string) {
	if m == nil {
		return
	}
	m.commandsSent.WithLabelValues(command).Inc()
}

func (m *Metrics) AckReceived(command, status string) {
	if m == nil {
		return
	}
	m.acksReceived.WithLabelValues(command, status).Inc()
}

func (m *Metrics) AckTimeout(command string) {
	if m == nil {
		return
	}
	m.ackTimeouts.WithLabelValues(command).Inc()
}

func (m *Metrics) HeartbeatReceived() {
	if m == nil {
		return
	}
	m.heartbeats.Inc()
}

func (m *Metrics) DeviceTransition(state string) {
	if m == nil {
		return
	}
	m.deviceStates.WithLabelValues(state).Inc()
}

func (m *Metrics) SessionTransition(state string) {
	if m == nil {
		return
	}
	m.sessionStates.WithLabelValues(state).Inc()
}

// SyncObserved records the outcome of a completed sync round.
func (m *Metrics) SyncObserved(device string, offsetNS, minDelayNS int64) {
	if m == nil {
		return
	}
	m.clockOffset.WithLabelValues(device).Set(float64(offsetNS))
	m.syncDelay.WithLabelValues(device).Set(float64(minDelayNS))
}

func (m *Metrics) TransferBytes(n int64) {
	if m == nil {
		return
	}
	m.transferBytes.Add(float64(n))
}

func (m *Metrics) TransferCompleted(outcome string) {
	if m == nil {
		return
	}
	m.transfers.WithLabelValues(outcome).Inc()
}
