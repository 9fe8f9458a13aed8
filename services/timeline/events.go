// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeline

import (
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
)

// EventKind classifies a service event.
type EventKind string

const (
	// EventPartition wraps a partition state transition.
	EventPartition EventKind = "partition"

	// EventVersion reports a locally written version.
	EventVersion EventKind = "version"

	// EventDivergence reports a divergence left open after reconciliation.
	EventDivergence EventKind = "divergence"

	// EventMerge reports an accepted merge proposal.
	EventMerge EventKind = "merge"
)

// Event is one entry on the service event stream.
type Event struct {
	Kind      EventKind        `json:"kind"`
	At        time.Time        `json:"at"`
	NodeID    string           `json:"node_id"`
	Partition *partition.Event `json:"partition,omitempty"`

	EntityID   string `json:"entity_id,omitempty"`
	Hash       string `json:"hash,omitempty"`
	Sequence   uint64 `json:"sequence,omitempty"`
	ChangeType string `json:"change_type,omitempty"`
	Tentative  bool   `json:"tentative,omitempty"`

	DivergenceID string              `json:"divergence_id,omitempty"`
	ProposalID   string              `json:"proposal_id,omitempty"`
	Strategy     divergence.Strategy `json:"strategy,omitempty"`
	Proposals    int                 `json:"proposals,omitempty"`
}

// eventHub fans events out to subscribers. A subscriber that falls behind
// loses events rather than stalling the publisher.
type eventHub struct {
	mu      sync.Mutex
	subs    map[uint64]chan Event
	next    uint64
	closed  bool
	dropped uint64
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[uint64]chan Event)}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.next++
	id := h.next
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
