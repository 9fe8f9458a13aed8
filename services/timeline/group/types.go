// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package group

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/validation"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum"
)

var (
	// ErrUnknownGroup is returned for group ids that were never created.
	ErrUnknownGroup = errors.New("unknown group")

	// ErrGroupExists is returned when creating a group twice.
	ErrGroupExists = errors.New("group already exists")

	// ErrAlreadyMember is returned when adding a present member.
	ErrAlreadyMember = errors.New("entity is already a member")

	// ErrNotMember is returned when removing an absent member.
	ErrNotMember = errors.New("entity is not a member")
)

const (
	membershipPrefix = validation.MembershipPrefix
	aggregatePrefix  = validation.AggregatePrefix
)

// MembershipEntity is the id of the entity holding a group's membership log.
func MembershipEntity(groupID string) string {
	return membershipPrefix + groupID
}

// AggregateEntity is the id of the entity holding a group's derived state.
func AggregateEntity(groupID string) string {
	return aggregatePrefix + groupID
}

// Mode is a group's degradation mode.
type Mode string

const (
	// Normal: no confirmed partition affects the group.
	Normal Mode = "normal"

	// Dormant: the local partition holds at most half the members.
	// Collective operations are denied and the aggregate is frozen.
	Dormant Mode = "dormant"

	// Degraded: the local partition holds a strict majority. Collective
	// operations use the local partition as the quorum denominator and
	// their versions are tentative.
	Degraded Mode = "degraded"

	// Reconciling: the partition healed and divergences may still be open.
	Reconciling Mode = "reconciling"
)

// Level is the numeric form exported as a metric.
func (m Mode) Level() int {
	switch m {
	case Dormant:
		return 1
	case Degraded:
		return 2
	case Reconciling:
		return 3
	default:
		return 0
	}
}

// Member is one entity in a group and the node hosting it.
type Member struct {
	EntityID string `json:"entity_id" yaml:"entity_id" validate:"required" binding:"required"`
	NodeID   string `json:"node_id" yaml:"node_id" validate:"required" binding:"required"`
}

// Membership is the payload of every membership log version.
type Membership struct {
	MemberIDs []string          `json:"member_ids"`
	Hosts     map[string]string `json:"hosts"`

	// KnownMembershipVersion is the sequence of the log version that
	// introduced this roster.
	KnownMembershipVersion uint64 `json:"known_membership_version"`
}

func newMembership(members []Member, version uint64) Membership {
	m := Membership{Hosts: make(map[string]string, len(members)), KnownMembershipVersion: version}
	for _, mem := range members {
		m.MemberIDs = append(m.MemberIDs, mem.EntityID)
		m.Hosts[mem.EntityID] = mem.NodeID
	}
	sort.Strings(m.MemberIDs)
	return m
}

// Members returns the roster ordered by entity id.
func (m Membership) Members() []Member {
	out := make([]Member, 0, len(m.MemberIDs))
	for _, id := range m.MemberIDs {
		out = append(out, Member{EntityID: id, NodeID: m.Hosts[id]})
	}
	return out
}

// Has reports whether entityID is a member.
func (m Membership) Has(entityID string) bool {
	_, ok := m.Hosts[entityID]
	return ok
}

// Snapshot is a read-only copy of a group's state.
type Snapshot struct {
	GroupID           string    `json:"group_id"`
	Mode              Mode      `json:"mode"`
	Members           []Member  `json:"members"`
	LocalPartition    []Member  `json:"local_partition,omitempty"`
	Denominator       int       `json:"denominator"`
	Harmony           float64   `json:"harmony"`
	EpisodeID         string    `json:"episode_id,omitempty"`
	MembershipVersion uint64    `json:"membership_version"`
	Since             time.Time `json:"since"`
	Blocked           []string  `json:"blocked,omitempty"`
}

// Decision is a quorum decision made on behalf of a group.
type Decision struct {
	quorum.Decision
	GroupID     string   `json:"group_id"`
	Mode        Mode     `json:"mode"`
	Denominator int      `json:"denominator"`
	Blocked     []string `json:"blocked,omitempty"`
}

// Err returns nil when allowed. A group blocked on open divergences
// yields divergence.ErrDivergenceUnresolved; other denials yield a
// *quorum.DecisionError.
func (d Decision) Err() error {
	if len(d.Blocked) > 0 {
		return fmt.Errorf("%w: group %s waiting on %s",
			divergence.ErrDivergenceUnresolved, d.GroupID, strings.Join(d.Blocked, ", "))
	}
	return d.Decision.Err()
}
