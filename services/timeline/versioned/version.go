// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package versioned

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/vclock"
)

// Change types recorded on versions. Callers may use their own labels;
// these are the ones the subsystem writes itself.
const (
	ChangeGenesis    = "genesis"
	ChangeUpdate     = "update"
	ChangeMerge      = "merge"
	ChangeMembership = "membership"
	ChangeAggregate  = "aggregate"
	ChangeTerminate  = "terminate"
)

// StateVersion is one immutable entry in an entity's history.
//
// Hash covers Parents, Clock and Payload only. Two processes that build
// the same chain independently produce the same hashes regardless of
// node, wall time, or the tentative flag.
type StateVersion struct {
	EntityID string `json:"entity_id"`

	// Sequence is the height in the version graph: genesis is 0 and every
	// other version is one more than its highest parent.
	Sequence uint64 `json:"sequence"`

	Clock vclock.VectorClock `json:"clock"`

	Hash        string `json:"hash"`
	PayloadHash string `json:"payload_hash"`

	// Parents holds the canonical parent first. Merge commits carry a
	// second entry for the other branch tip. Genesis has none.
	Parents []string `json:"parents,omitempty"`

	// Logical is the clock sum at creation.
	Logical uint64 `json:"logical"`

	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"payload"`

	// Tentative marks versions written while a group ran on a reduced
	// membership. They are always reviewed on heal.
	Tentative bool `json:"tentative,omitempty"`

	ChangeType string `json:"change_type,omitempty"`
	NodeID     string `json:"node_id,omitempty"`

	// EpisodeID is the partition episode the version was written under.
	EpisodeID string `json:"episode_id,omitempty"`

	// Interleaved lists, for a concatenating merge, the hashes of both
	// branches in the causal order they were combined.
	Interleaved []string `json:"interleaved,omitempty"`
}

// Parent returns the canonical parent hash, or "" for genesis.
func (v *StateVersion) Parent() string {
	if len(v.Parents) == 0 {
		return ""
	}
	return v.Parents[0]
}

// IsMerge reports whether v joins two branches.
func (v *StateVersion) IsMerge() bool {
	return len(v.Parents) > 1
}

// Verify recomputes the content hash and reports whether it matches.
func (v *StateVersion) Verify() bool {
	return v.Hash == ComputeHash(v.Parents, v.Clock, v.Payload) &&
		v.PayloadHash == HashPayload(v.Payload)
}

// ComputeHash returns the hex SHA-256 over the parent hashes, the
// canonical clock encoding and the payload. Each field is length-prefixed.
func ComputeHash(parents []string, clock vclock.VectorClock, payload []byte) string {
	h := sha256.New()
	var n [binary.MaxVarintLen64]byte

	write := func(b []byte) {
		l := binary.PutUvarint(n[:], uint64(len(b)))
		h.Write(n[:l])
		h.Write(b)
	}

	l := binary.PutUvarint(n[:], uint64(len(parents)))
	h.Write(n[:l])
	for _, p := range parents {
		write([]byte(p))
	}
	write(clock.Canonical())
	write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// HashPayload returns the hex SHA-256 of payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the first 12 characters of a hash for logs.
func ShortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}

// Entity is the registration record for a versioned entity.
type Entity struct {
	ID         string    `json:"id"`
	Type       string    `json:"type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	Terminated bool      `json:"terminated,omitempty"`

	// Replica is true when the entity was first seen through an import
	// from a peer rather than registered locally.
	Replica bool `json:"replica,omitempty"`
}

// AppendOption customizes a single Append.
type AppendOption func(*appendOptions)

type appendOptions struct {
	tentative    bool
	changeType   string
	nodeID       string
	episodeID    string
	mergeParent  string
	expectedHead string
	interleaved  []string
}

// WithTentative flags the version for review on heal.
func WithTentative(tentative bool) AppendOption {
	return func(o *appendOptions) { o.tentative = tentative }
}

// WithChangeType labels the version. Defaults to ChangeUpdate.
func WithChangeType(changeType string) AppendOption {
	return func(o *appendOptions) { o.changeType = changeType }
}

// WithNodeID records the writing process.
func WithNodeID(nodeID string) AppendOption {
	return func(o *appendOptions) { o.nodeID = nodeID }
}

// WithEpisode records the partition episode in effect.
func WithEpisode(episodeID string) AppendOption {
	return func(o *appendOptions) { o.episodeID = episodeID }
}

// WithMergeParent makes the version a merge commit whose second parent
// is hash. The hash must already be stored for the entity.
func WithMergeParent(hash string) AppendOption {
	return func(o *appendOptions) { o.mergeParent = hash }
}

// WithExpectedHead fails the append with ErrStaleClock unless the head
// is still hash when the write is attempted.
func WithExpectedHead(hash string) AppendOption {
	return func(o *appendOptions) { o.expectedHead = hash }
}

// WithInterleaved records the combined order of a concatenating merge.
func WithInterleaved(hashes []string) AppendOption {
	return func(o *appendOptions) { o.interleaved = hashes }
}
