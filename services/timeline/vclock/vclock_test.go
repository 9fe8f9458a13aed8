// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vclock

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want Relation
	}{
		{"both empty", VectorClock{}, VectorClock{}, Equal},
		{"zero entry equals missing", VectorClock{"a": 0}, VectorClock{}, Equal},
		{"before", VectorClock{"a": 1}, VectorClock{"a": 2}, Before},
		{"after", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 2}, After},
		{"missing key is before", VectorClock{"a": 1}, VectorClock{"a": 1, "b": 1}, Before},
		{"concurrent", VectorClock{"a": 2, "b": 1}, VectorClock{"a": 1, "b": 2}, Concurrent},
		{"disjoint concurrent", VectorClock{"a": 1}, VectorClock{"b": 1}, Concurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Compare(tt.b))
		})
	}
}

func TestIncrement_DoesNotMutate(t *testing.T) {
	base := VectorClock{"a": 1}
	next := base.Increment("a")

	assert.Equal(t, uint64(1), base.Get("a"))
	assert.Equal(t, uint64(2), next.Get("a"))
	assert.True(t, next.Dominates(base))
	assert.False(t, base.Dominates(next))
}

func TestMerge_ElementwiseMax(t *testing.T) {
	a := VectorClock{"a": 3, "b": 1}
	b := VectorClock{"b": 4, "c": 2}

	m := a.Merge(b)
	assert.Equal(t, VectorClock{"a": 3, "b": 4, "c": 2}, m)
	assert.True(t, m.Dominates(a))
	assert.True(t, m.Dominates(b))
	assert.True(t, a.ConcurrentWith(b))
}

func TestCanonical_OrderIndependent(t *testing.T) {
	a := VectorClock{"x": 1, "y": 2, "z": 0}
	b := VectorClock{"y": 2, "x": 1}
	assert.Equal(t, a.Canonical(), b.Canonical())
	assert.NotEqual(t, a.Canonical(), VectorClock{"x": 2, "y": 1}.Canonical())
}

func TestSumAndString(t *testing.T) {
	vc := VectorClock{"b": 2, "a": 1}
	assert.Equal(t, uint64(3), vc.Sum())
	assert.Equal(t, "{a:1 b:2}", vc.String())
	assert.Equal(t, []string{"a", "b"}, vc.Processes())
}

func ExampleVectorClock_Compare() {
	local := New().Increment("node-a")
	remote := New().Increment("node-b")
	fmt.Println(local.Compare(remote))
	fmt.Println(local.Merge(remote).Compare(local))
	// Output:
	// concurrent
	// after
}
