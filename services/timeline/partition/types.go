// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package partition

import (
	"context"
	"fmt"
	"time"
)

// State is the local process's view of network health.
//
// # State Diagram
//
//	CONNECTED ──[miss threshold]──► SUSPECTED ──[grace elapsed]──► CONFIRMED
//	    ▲                               │                              │
//	    └────────[all peers answer]─────┘                              │
//	    └──────────────[all peers answer, healed callbacks done]───────┘
type State int

const (
	// Connected means every known peer answers heartbeats.
	Connected State = iota

	// Suspected means at least one peer has missed the threshold of
	// consecutive heartbeats but the grace period has not elapsed.
	Suspected

	// Confirmed means the suspicion outlasted the grace period.
	Confirmed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Suspected:
		return "SUSPECTED"
	case Confirmed:
		return "CONFIRMED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Status is a point-in-time partition status.
type Status struct {
	State State `json:"state"`

	// Since is when the current state was entered. Zero for the initial
	// Connected state.
	Since time.Time `json:"since,omitempty"`

	// EpisodeID identifies the partition episode. Assigned on suspicion
	// and kept through confirmation and heal; empty while connected.
	EpisodeID string `json:"episode_id,omitempty"`
}

// Peer is a remote process hosting entities.
type Peer struct {
	ID      string `json:"id" yaml:"id" validate:"required"`
	Address string `json:"address" yaml:"address" validate:"required,url"`
}

// Ping is the heartbeat request.
type Ping struct {
	SenderID     string            `json:"sender_id" validate:"required"`
	ClockSummary map[string]uint64 `json:"clock_summary"`
}

// Pong is the heartbeat reply. Same shape as Ping.
type Pong struct {
	SenderID     string            `json:"sender_id"`
	ClockSummary map[string]uint64 `json:"clock_summary"`
}

// Prober sends one heartbeat to a peer.
type Prober interface {
	Probe(ctx context.Context, peer Peer, ping Ping) (Pong, error)
}

// PeerState is the manager's record of one peer.
type PeerState struct {
	Peer

	// LastSeen is the time of the last successful exchange.
	LastSeen time.Time `json:"last_seen,omitempty"`

	// Misses counts consecutive failed probes.
	Misses int `json:"misses"`

	// LastClock is the clock summary from the last exchange.
	LastClock map[string]uint64 `json:"last_clock,omitempty"`
}

// View is an immutable snapshot of status and peer reachability.
type View struct {
	NodeID      string      `json:"node_id"`
	Status      Status      `json:"status"`
	Peers       []PeerState `json:"peers"`
	Reachable   []string    `json:"reachable"`
	Unreachable []string    `json:"unreachable"`
}

// IsReachable reports whether id is the local node or a reachable peer.
func (v View) IsReachable(id string) bool {
	if id == v.NodeID {
		return true
	}
	for _, r := range v.Reachable {
		if r == id {
			return true
		}
	}
	return false
}

// EventType classifies a partition event.
type EventType string

const (
	EventSuspected EventType = "suspected"
	EventConfirmed EventType = "confirmed"
	EventRecovered EventType = "recovered"
	EventHealed    EventType = "healed"
)

// Event describes a state transition.
type Event struct {
	Type        EventType `json:"type"`
	EpisodeID   string    `json:"episode_id"`
	From        State     `json:"from"`
	To          State     `json:"to"`
	Since       time.Time `json:"since"`
	At          time.Time `json:"at"`
	Reachable   []string  `json:"reachable"`
	Unreachable []string  `json:"unreachable"`
}

// Callback observes partition events.
type Callback func(ctx context.Context, ev Event)

// ParseState parses a state name as produced by String.
func ParseState(s string) (State, error) {
	switch s {
	case "CONNECTED":
		return Connected, nil
	case "SUSPECTED":
		return Suspected, nil
	case "CONFIRMED":
		return Confirmed, nil
	default:
		return 0, fmt.Errorf("unknown partition state %q", s)
	}
}
