// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.SetPartitionState(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.PartitionState))

	m.RecordProbe("n2", true, 5*time.Millisecond)
	m.RecordProbe("n2", false, 0)
	m.RecordProbe("n2", false, 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatProbes.WithLabelValues("n2", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HeartbeatProbes.WithLabelValues("n2", "miss")))

	m.RecordDecision("collective", "deny")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuorumDecisions.WithLabelValues("collective", "deny")))

	m.RecordAppend("update", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.VersionsAppended.WithLabelValues("update", "true")))

	m.SetPendingDivergences(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.DivergencesPending))

	m.RecordMerge("choose_one")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergesApplied.WithLabelValues("choose_one")))

	m.SetGroupMode("g1", 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GroupMode.WithLabelValues("g1")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetPartitionState(1)
		m.RecordProbe("n", true, time.Second)
		m.RecordDecision("c", "allow")
		m.RecordAppend("x", false)
		m.SetPendingDivergences(1)
		m.RecordMerge("s")
		m.SetGroupMode("g", 0)
	})
}
