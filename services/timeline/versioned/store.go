// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package versioned stores append-only, hash-linked entity histories.
//
// Each entity owns a graph of immutable StateVersions. The canonical
// timeline is the first-parent chain from the head back to genesis; merge
// commits keep the other branch reachable through their second parent, so
// nothing is ever lost. Branch tips imported from peers but not yet merged
// are tracked as alternate heads.
package versioned

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/vclock"
)

var (
	// ErrStaleClock is returned when an append's clock does not strictly
	// dominate the head's clock, or the head moved under a compare-and-append.
	ErrStaleClock = errors.New("stale vector clock")

	// ErrUnknownEntity is returned for entities that were never registered.
	ErrUnknownEntity = errors.New("unknown entity")

	// ErrUnknownVersion is returned when a hash is not stored for the entity.
	ErrUnknownVersion = errors.New("unknown version")

	// ErrEntityExists is returned when registering an id twice.
	ErrEntityExists = errors.New("entity already registered")

	// ErrEntityTerminated is returned when appending to a sealed entity.
	ErrEntityTerminated = errors.New("entity terminated")

	// ErrDurability is returned when a write could not be made durable.
	ErrDurability = errors.New("durability failure")

	// ErrCorrupted is returned when a stored record fails its checksum or
	// an imported version fails hash verification.
	ErrCorrupted = errors.New("version record corrupted")

	// ErrNotAncestor is returned when a hash is not reachable from the head.
	ErrNotAncestor = errors.New("version is not an ancestor of head")
)

// Store is the persistence contract for entity timelines.
//
// Implementations must make every successful Append durable before it
// returns and must serialize compare-and-append per entity.
type Store interface {
	// Register creates the entity and its genesis version.
	Register(ctx context.Context, req RegisterRequest) (*StateVersion, error)

	// Append adds a version after the current head.
	Append(ctx context.Context, entityID string, clock vclock.VectorClock, payload []byte, opts ...AppendOption) (*StateVersion, error)

	// Head returns the canonical head.
	Head(ctx context.Context, entityID string) (*StateVersion, error)

	// Heads returns the canonical head followed by unmerged alternate tips.
	Heads(ctx context.Context, entityID string) ([]*StateVersion, error)

	// Get returns one stored version.
	Get(ctx context.Context, entityID, hash string) (*StateVersion, error)

	// Chain returns the first-parent chain from genesis to tip, inclusive.
	Chain(ctx context.Context, entityID, tip string) ([]*StateVersion, error)

	// Timeline returns Chain from the current head.
	Timeline(ctx context.Context, entityID string) ([]*StateVersion, error)

	// HistorySince returns every version reachable from the head but not
	// from hash, in causal order.
	HistorySince(ctx context.Context, entityID, hash string) ([]*StateVersion, error)

	// Import stores versions produced elsewhere, verbatim.
	Import(ctx context.Context, entityID string, versions []*StateVersion, mode ImportMode) (*StateVersion, error)

	// Entity returns the registration record.
	Entity(ctx context.Context, entityID string) (*Entity, error)

	// Entities lists registered entity ids in key order.
	Entities(ctx context.Context) ([]string, error)

	// Terminate seals the entity with a final version.
	Terminate(ctx context.Context, entityID string, clock vclock.VectorClock, opts ...AppendOption) (*StateVersion, error)
}

// RegisterRequest describes a new entity.
type RegisterRequest struct {
	EntityID   string
	EntityType string
	NodeID     string
	Payload    []byte
}

// MutationFunc computes the next payload from the current head. It must
// not retain current.
type MutationFunc func(ctx context.Context, current *StateVersion) ([]byte, error)

// Export returns every version reachable from the head, genesis first, in
// causal order. It is what a process serves to peers for reconciliation.
func Export(ctx context.Context, s Store, entityID string) ([]*StateVersion, error) {
	timeline, err := s.Timeline(ctx, entityID)
	if err != nil {
		return nil, err
	}
	genesis := timeline[0]
	rest, err := s.HistorySince(ctx, entityID, genesis.Hash)
	if err != nil {
		return nil, err
	}
	return append([]*StateVersion{genesis}, rest...), nil
}

// ImportMode controls what Import does with the head.
type ImportMode int

const (
	// ImportBranch stores the versions and records the last one as an
	// alternate head. The canonical head does not move.
	ImportBranch ImportMode = iota

	// ImportFastForward moves the head to the last version when the
	// imported chain extends the current head; otherwise it behaves like
	// ImportBranch.
	ImportFastForward
)
