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
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
)

// Strategy is a way of reconciling two branches.
type Strategy string

const (
	// Concatenate interleaves both branches into one combined history.
	// Offered only when every cross-branch pair of versions is concurrent.
	Concatenate Strategy = "concatenate"

	// ChooseOne keeps one branch's state as canonical. The other branch
	// stays reachable as the merge commit's second parent.
	ChooseOne Strategy = "choose_one"

	// Superposition keeps both branches as parallel heads, unresolved.
	Superposition Strategy = "superposition"

	// Synthesize derives a new state from both branches with a function
	// registered for the entity type.
	Synthesize Strategy = "synthesize"
)

// Branch names one side of a divergence from the local point of view.
type Branch string

const (
	Local  Branch = "local"
	Remote Branch = "remote"
)

// State is the lifecycle of a divergence record.
type State string

const (
	// Pending awaits a decision.
	Pending State = "pending"

	// Superposed keeps both heads. Still unresolved.
	Superposed State = "superposed"

	// Resolved has a merge commit.
	Resolved State = "resolved"
)

// Point describes where two timelines split.
type Point struct {
	ID       string                  `json:"id"`
	EntityID string                  `json:"entity_id"`
	Ancestor *versioned.StateVersion `json:"ancestor"`

	// Local and Remote hold each branch's versions after the ancestor,
	// oldest first. One of them is empty for a tentative review of an
	// apparent fast-forward.
	Local  []*versioned.StateVersion `json:"local"`
	Remote []*versioned.StateVersion `json:"remote"`

	// Tentative is true when either branch carries tentative versions.
	Tentative bool `json:"tentative"`

	EpisodeID  string    `json:"episode_id,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	Analysis   Analysis  `json:"analysis"`
}

// LocalTip returns the local branch tip, or the ancestor if the branch is empty.
func (p *Point) LocalTip() *versioned.StateVersion {
	if len(p.Local) == 0 {
		return p.Ancestor
	}
	return p.Local[len(p.Local)-1]
}

// RemoteTip returns the remote branch tip, or the ancestor if the branch is empty.
func (p *Point) RemoteTip() *versioned.StateVersion {
	if len(p.Remote) == 0 {
		return p.Ancestor
	}
	return p.Remote[len(p.Remote)-1]
}

// Analysis summarizes a divergence for operators.
type Analysis struct {
	LocalLength    int           `json:"local_length"`
	RemoteLength   int           `json:"remote_length"`
	Nodes          []string      `json:"nodes"`
	TentativeCount int           `json:"tentative_count"`
	AllConcurrent  bool          `json:"all_concurrent"`
	Earliest       time.Time     `json:"earliest,omitempty"`
	Latest         time.Time     `json:"latest,omitempty"`
	Span           time.Duration `json:"span"`
}

// Proposal is one candidate reconciliation. Proposals are data until
// accepted through ApplyMerge.
type Proposal struct {
	ID           string    `json:"id"`
	DivergenceID string    `json:"divergence_id"`
	EntityID     string    `json:"entity_id"`
	Strategy     Strategy  `json:"strategy"`
	Branch       Branch    `json:"branch,omitempty"`
	Description  string    `json:"description"`
	AncestorHash string    `json:"ancestor_hash"`
	LocalTip     string    `json:"local_tip"`
	RemoteTip    string    `json:"remote_tip"`
	CreatedAt    time.Time `json:"created_at"`
}

// Record tracks one divergence and its outcome.
type Record struct {
	Point      Point      `json:"point"`
	Proposals  []Proposal `json:"proposals"`
	State      State      `json:"state"`
	Strategy   Strategy   `json:"strategy,omitempty"`
	Resolution string     `json:"resolution,omitempty"`
	ResolvedAt time.Time  `json:"resolved_at,omitempty"`
}

// RemoteHistory is a peer's copy of an entity: every version reachable
// from its head, in causal order.
type RemoteHistory struct {
	NodeID   string                    `json:"node_id"`
	EntityID string                    `json:"entity_id"`
	Head     string                    `json:"head"`
	Versions []*versioned.StateVersion `json:"versions"`
}
