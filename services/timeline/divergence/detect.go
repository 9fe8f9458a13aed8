// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package divergence

import (
	"errors"
	"sort"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/vclock"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
)

// ErrNoCommonAncestor is returned when two timelines share no version.
var ErrNoCommonAncestor = errors.New("timelines share no common ancestor")

// DetectDivergence compares two timelines ordered genesis to head.
//
// # Description
//
// Walks the remote timeline back from its head until it meets a hash the
// local timeline contains. That version is the common ancestor. If either
// timeline is a prefix of the other (including equal timelines) there is
// no divergence and nil is returned.
//
// # Outputs
//
//   - *Point: The divergence, or nil.
//   - error: ErrNoCommonAncestor when the timelines are unrelated.
func DetectDivergence(local, remote []*versioned.StateVersion) (*Point, error) {
	ancestor, li, ri, err := commonAncestor(local, remote)
	if err != nil {
		return nil, err
	}
	localRest := local[li+1:]
	remoteRest := remote[ri+1:]
	if len(localRest) == 0 || len(remoteRest) == 0 {
		return nil, nil
	}
	return newPoint(ancestor, localRest, remoteRest), nil
}

// commonAncestor returns the latest remote version also in local, with its
// index in each slice.
func commonAncestor(local, remote []*versioned.StateVersion) (*versioned.StateVersion, int, int, error) {
	pos := make(map[string]int, len(local))
	for i, v := range local {
		pos[v.Hash] = i
	}
	for ri := len(remote) - 1; ri >= 0; ri-- {
		if li, ok := pos[remote[ri].Hash]; ok {
			return local[li], li, ri, nil
		}
	}
	return nil, 0, 0, ErrNoCommonAncestor
}

func newPoint(ancestor *versioned.StateVersion, local, remote []*versioned.StateVersion) *Point {
	p := &Point{
		EntityID: ancestor.EntityID,
		Ancestor: ancestor,
		Local:    local,
		Remote:   remote,
	}
	p.Analysis = analyze(local, remote)
	p.Tentative = p.Analysis.TentativeCount > 0
	return p
}

// ProvablyConcurrent reports whether every version of one branch is
// concurrent with every version of the other. Empty branches are not.
func ProvablyConcurrent(local, remote []*versioned.StateVersion) bool {
	if len(local) == 0 || len(remote) == 0 {
		return false
	}
	for _, a := range local {
		for _, b := range remote {
			if a.Clock.Compare(b.Clock) != vclock.Concurrent {
				return false
			}
		}
	}
	return true
}

func analyze(local, remote []*versioned.StateVersion) Analysis {
	a := Analysis{
		LocalLength:   len(local),
		RemoteLength:  len(remote),
		AllConcurrent: ProvablyConcurrent(local, remote),
	}
	nodes := map[string]bool{}
	for _, branch := range [][]*versioned.StateVersion{local, remote} {
		for _, v := range branch {
			if v.NodeID != "" {
				nodes[v.NodeID] = true
			}
			if v.Tentative {
				a.TentativeCount++
			}
			if a.Earliest.IsZero() || v.CreatedAt.Before(a.Earliest) {
				a.Earliest = v.CreatedAt
			}
			if v.CreatedAt.After(a.Latest) {
				a.Latest = v.CreatedAt
			}
		}
	}
	for n := range nodes {
		a.Nodes = append(a.Nodes, n)
	}
	sort.Strings(a.Nodes)
	if !a.Earliest.IsZero() {
		a.Span = a.Latest.Sub(a.Earliest)
	}
	return a
}

// interleave orders both branches into one sequence by logical timestamp,
// then wall time, then hash. A version that happened before another has a
// strictly smaller clock sum, so causal order is preserved.
func interleave(local, remote []*versioned.StateVersion) []*versioned.StateVersion {
	out := make([]*versioned.StateVersion, 0, len(local)+len(remote))
	out = append(out, local...)
	out = append(out, remote...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Logical != b.Logical {
			return a.Logical < b.Logical
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Hash < b.Hash
	})
	return out
}
