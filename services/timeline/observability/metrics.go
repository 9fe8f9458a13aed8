// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the timeline service.
//
// # Description
//
// Metrics cover the partition state machine, heartbeat probes, quorum
// decisions, appended versions, divergences and merges. Every recording
// method is safe to call on a nil *Metrics, so components can run without
// instrumentation in tests.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace  = "aleutian"
	timelineSubsystem = "timeline"
)

// Metrics holds the timeline collectors.
type Metrics struct {
	// PartitionState is 0 connected, 1 suspected, 2 confirmed.
	PartitionState prometheus.Gauge

	// HeartbeatProbes counts probes by peer and result (ok, miss).
	HeartbeatProbes *prometheus.CounterVec

	// HeartbeatLatency measures successful probe round trips.
	HeartbeatLatency prometheus.Histogram

	// QuorumDecisions counts authorizations by class and verdict.
	QuorumDecisions *prometheus.CounterVec

	// VersionsAppended counts durable writes by change type and tentativeness.
	VersionsAppended *prometheus.CounterVec

	// DivergencesPending is the number of unresolved divergences.
	DivergencesPending prometheus.Gauge

	// MergesApplied counts accepted proposals by strategy.
	MergesApplied *prometheus.CounterVec

	// GroupMode reports each group's mode as a number.
	GroupMode *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors on reg.
//
// # Inputs
//
//   - reg: Registry to register on. Pass prometheus.NewRegistry() in tests
//     to avoid duplicate registration panics.
//
// # Outputs
//
//   - *Metrics: Registered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PartitionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: timelineSubsystem,
			Name:      "partition_state",
			Help:      "Partition status: 0 connected, 1 suspected, 2 confirmed",
		}),
		HeartbeatProbes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: timelineSubsystem,
			Name:      "heartbeat_probes_total",
			Help:      "Heartbeat probes by peer and result",
		}, []string{"peer", "result"}),
		HeartbeatLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: timelineSubsystem,
			Name:      "heartbeat_latency_seconds",
			Help:      "Round trip time of successful heartbeat probes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		QuorumDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: timelineSubsystem,
			Name:      "quorum_decisions_total",
			Help:      "Authorization decisions by operation class and verdict",
		}, []string{"class", "verdict"}),
		VersionsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: timelineSubsystem,
			Name:      "versions_appended_total",
			Help:      "Durable versions written by change type",
		}, []string{"change_type", "tentative"}),
		DivergencesPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: timelineSubsystem,
			Name:      "divergences_pending",
			Help:      "Divergences awaiting a merge decision",
		}),
		MergesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: timelineSubsystem,
			Name:      "merges_applied_total",
			Help:      "Accepted merge proposals by strategy",
		}, []string{"strategy"}),
		GroupMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: timelineSubsystem,
			Name:      "group_mode",
			Help:      "Group mode: 0 normal, 1 dormant, 2 degraded, 3 reconciling",
		}, []string{"group"}),
	}
}

// SetPartitionState records the numeric partition state.
func (m *Metrics) SetPartitionState(state int) {
	if m == nil {
		return
	}
	m.PartitionState.Set(float64(state))
}

// RecordProbe records one heartbeat probe.
func (m *Metrics) RecordProbe(peer string, ok bool, rtt time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "miss"
	}
	m.HeartbeatProbes.WithLabelValues(peer, result).Inc()
	if ok {
		m.HeartbeatLatency.Observe(rtt.Seconds())
	}
}

// RecordDecision records a quorum decision.
func (m *Metrics) RecordDecision(class, verdict string) {
	if m == nil {
		return
	}
	m.QuorumDecisions.WithLabelValues(class, verdict).Inc()
}

// RecordAppend records a durable version write.
func (m *Metrics) RecordAppend(changeType string, tentative bool) {
	if m == nil {
		return
	}
	t := "false"
	if tentative {
		t = "true"
	}
	m.VersionsAppended.WithLabelValues(changeType, t).Inc()
}

// SetPendingDivergences records the number of open divergences.
func (m *Metrics) SetPendingDivergences(n int) {
	if m == nil {
		return
	}
	m.DivergencesPending.Set(float64(n))
}

// RecordMerge records an accepted merge.
func (m *Metrics) RecordMerge(strategy string) {
	if m == nil {
		return
	}
	m.MergesApplied.WithLabelValues(strategy).Inc()
}

// SetGroupMode records a group's mode.
func (m *Metrics) SetGroupMode(group string, mode int) {
	if m == nil {
		return
	}
	m.GroupMode.WithLabelValues(group).Set(float64(mode))
}
