// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vclock implements vector clocks keyed by process id.
//
// A clock is never mutated in place by the operations in this package;
// Increment and Merge return fresh maps, so a clock stored on an
// immutable StateVersion can be shared freely.
package vclock

import (
	"encoding/binary"
	"sort"
	"strconv"
	"strings"
)

// Relation is the causal relation between two clocks.
type Relation int

const (
	// Equal means both clocks carry identical counters.
	Equal Relation = iota

	// Before means the receiver happened before the argument.
	Before

	// After means the receiver happened after the argument.
	After

	// Concurrent means neither clock dominates the other.
	Concurrent
)

// String returns the relation name.
func (r Relation) String() string {
	switch r {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VectorClock maps process id to that process's event counter. A missing
// entry is equivalent to zero.
type VectorClock map[string]uint64

// New returns an empty clock.
func New() VectorClock {
	return VectorClock{}
}

// Clone returns a deep copy. Cloning nil returns an empty clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Get returns the counter for process, zero if absent.
func (vc VectorClock) Get(process string) uint64 {
	return vc[process]
}

// Increment returns a copy with process's own counter advanced by one.
// Only the owning process may call this with its own id.
func (vc VectorClock) Increment(process string) VectorClock {
	out := vc.Clone()
	out[process]++
	return out
}

// Merge returns the element-wise maximum of vc and other.
func (vc VectorClock) Merge(other VectorClock) VectorClock {
	out := vc.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare reports how vc relates to other.
func (vc VectorClock) Compare(other VectorClock) Relation {
	less, greater := false, false
	for k, v := range vc {
		o := other[k]
		if v < o {
			less = true
		} else if v > o {
			greater = true
		}
	}
	for k, o := range other {
		if _, ok := vc[k]; !ok && o > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether vc is strictly after other.
func (vc VectorClock) Dominates(other VectorClock) bool {
	return vc.Compare(other) == After
}

// ConcurrentWith reports whether neither clock dominates the other.
func (vc VectorClock) ConcurrentWith(other VectorClock) bool {
	return vc.Compare(other) == Concurrent
}

// Sum returns the total of all counters. Used as a logical timestamp.
func (vc VectorClock) Sum() uint64 {
	var total uint64
	for _, v := range vc {
		total += v
	}
	return total
}

// Processes returns the process ids with non-zero counters, sorted.
func (vc VectorClock) Processes() []string {
	out := make([]string, 0, len(vc))
	for k, v := range vc {
		if v > 0 {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Canonical returns a deterministic binary encoding suitable for hashing.
// Zero entries are dropped so {a:0} and {} encode identically.
func (vc VectorClock) Canonical() []byte {
	procs := vc.Processes()
	buf := make([]byte, 0, len(procs)*16)
	var n [binary.MaxVarintLen64]byte
	for _, p := range procs {
		l := binary.PutUvarint(n[:], uint64(len(p)))
		buf = append(buf, n[:l]...)
		buf = append(buf, p...)
		l = binary.PutUvarint(n[:], vc[p])
		buf = append(buf, n[:l]...)
	}
	return buf
}

// String renders the clock as "{a:1 b:2}" in process order.
func (vc VectorClock) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, p := range vc.Processes() {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(p)
		sb.WriteByte(':')
		sb.WriteString(strconv.FormatUint(vc[p], 10))
	}
	sb.WriteByte('}')
	return sb.String()
}
