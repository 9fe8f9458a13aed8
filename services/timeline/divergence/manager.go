// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package divergence detects timelines that split during a partition and
// turns them into merge proposals.
//
// # Description
//
// After a heal, each entity's local history is compared with a peer's.
// Clean fast-forwards are applied directly. Anything else (true forks and
// fast-forwards carrying tentative versions) becomes an open Record with a
// set of Proposals. Nothing is merged until a proposal is accepted through
// ApplyMerge, which writes a merge commit recording both branch tips.
//
// # Thread Safety
//
// Manager is safe for concurrent use. ApplyMerge calls are serialized.
package divergence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/observability"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrDivergenceUnresolved is returned when shared state is touched
	// while a divergence is still open.
	ErrDivergenceUnresolved = errors.New("divergence unresolved")

	// ErrUnknownProposal is returned for proposal ids that are not open.
	ErrUnknownProposal = errors.New("unknown merge proposal")

	// ErrAlreadyResolved is returned when accepting a proposal for a
	// divergence that has already been merged.
	ErrAlreadyResolved = errors.New("divergence already resolved")

	// ErrSynthesisUnavailable is returned when no synthesis function is
	// registered for the entity type.
	ErrSynthesisUnavailable = errors.New("no synthesis function for entity type")
)

// Config configures a Manager.
type Config struct {
	NodeID    string
	Store     versioned.Store
	Synthesis *Registry
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *observability.Metrics
}

// Manager owns open divergence records.
type Manager struct {
	nodeID  string
	store   versioned.Store
	synth   *Registry
	now     func() time.Time
	logger  *slog.Logger
	metrics *observability.Metrics

	applyMu sync.Mutex

	mu        sync.RWMutex
	records   map[string]*Record // divergence id
	open      map[string]string  // entity id -> divergence id
	proposals map[string]string  // proposal id -> divergence id
	resolved  []func(entityID string)
}

// NewManager creates a manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Synthesis == nil {
		cfg.Synthesis = NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		nodeID:    cfg.NodeID,
		store:     cfg.Store,
		synth:     cfg.Synthesis,
		now:       cfg.Now,
		logger:    cfg.Logger.With(slog.String("component", "divergence")),
		metrics:   cfg.Metrics,
		records:   make(map[string]*Record),
		open:      make(map[string]string),
		proposals: make(map[string]string),
	}, nil
}

// Synthesis returns the registry used for Synthesize proposals.
func (m *Manager) Synthesis() *Registry {
	return m.synth
}

// OnResolved registers a callback fired after a divergence is merged.
func (m *Manager) OnResolved(cb func(entityID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, cb)
}

// Reconcile compares the local history of an entity with a peer's.
//
// # Description
//
// Outcomes:
//
//   - Same head, or the peer is behind with no tentative local versions:
//     nothing happens.
//   - The peer is ahead with no tentative versions: its versions are
//     imported and the head fast-forwards.
//   - The peer is ahead or behind but the extra versions include tentative
//     ones: a review record is opened.
//   - The histories forked: the peer's branch is imported as an alternate
//     head and a record is opened.
//
// An entity unknown locally is imported as a replica.
//
// # Outputs
//
//   - *Record: The opened record, or nil when nothing needs review.
//   - error: Store failures or ErrNoCommonAncestor.
func (m *Manager) Reconcile(ctx context.Context, remote RemoteHistory, episodeID string) (*Record, error) {
	if len(remote.Versions) == 0 || remote.Head == "" {
		return nil, errors.New("remote history is empty")
	}
	entityID := remote.EntityID

	ctx, span := otel.Tracer("timeline").Start(ctx, "divergence.Reconcile",
		trace.WithAttributes(
			attribute.String("entity_id", entityID),
			attribute.String("peer", remote.NodeID),
		),
	)
	defer span.End()

	rec, err := m.reconcile(ctx, remote, episodeID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		return nil, fmt.Errorf("reconcile %s with %s: %w", entityID, remote.NodeID, err)
	}
	span.SetAttributes(attribute.Bool("diverged", rec != nil))
	return rec, nil
}

func (m *Manager) reconcile(ctx context.Context, remote RemoteHistory, episodeID string) (*Record, error) {
	entityID := remote.EntityID
	head, err := m.store.Head(ctx, entityID)
	if errors.Is(err, versioned.ErrUnknownEntity) {
		_, err = m.store.Import(ctx, entityID, remote.Versions, versioned.ImportFastForward)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if remote.Head == head.Hash {
		return nil, nil
	}

	// Peer behind: its head is already in our history.
	suffix, err := m.store.HistorySince(ctx, entityID, remote.Head)
	switch {
	case err == nil:
		if countTentative(suffix) == 0 {
			return nil, nil
		}
		ancestor, err := m.store.Get(ctx, entityID, remote.Head)
		if err != nil {
			return nil, err
		}
		return m.openRecord(ctx, newPoint(ancestor, suffix, nil), episodeID)
	case errors.Is(err, versioned.ErrUnknownVersion), errors.Is(err, versioned.ErrNotAncestor):
	default:
		return nil, err
	}

	// Peer ahead: our head is in its history.
	theirs := reachableIn(remote.Versions, remote.Head)
	if _, ok := theirs[head.Hash]; ok {
		ours := reachableIn(remote.Versions, head.Hash)
		var newer []*versioned.StateVersion
		for h, v := range theirs {
			if _, seen := ours[h]; !seen {
				newer = append(newer, v)
			}
		}
		versioned.SortCausal(newer)
		if countTentative(newer) == 0 {
			_, err := m.store.Import(ctx, entityID, remote.Versions, versioned.ImportFastForward)
			if err == nil {
				m.logger.Info("timeline fast-forwarded",
					slog.String("entity_id", entityID),
					slog.String("peer", remote.NodeID),
					slog.Int("versions", len(newer)))
			}
			return nil, err
		}
		if _, err := m.store.Import(ctx, entityID, remote.Versions, versioned.ImportBranch); err != nil {
			return nil, err
		}
		return m.openRecord(ctx, newPoint(head, nil, newer), episodeID)
	}

	// Forked.
	if _, err := m.store.Import(ctx, entityID, remote.Versions, versioned.ImportBranch); err != nil {
		return nil, err
	}
	local, err := m.store.Timeline(ctx, entityID)
	if err != nil {
		return nil, err
	}
	other, err := m.store.Chain(ctx, entityID, remote.Head)
	if err != nil {
		return nil, err
	}
	point, err := DetectDivergence(local, other)
	if err != nil || point == nil {
		return nil, err
	}
	return m.openRecord(ctx, point, episodeID)
}

// openRecord registers point with fresh proposals, superseding any record
// already open for the entity.
func (m *Manager) openRecord(ctx context.Context, point *Point, episodeID string) (*Record, error) {
	point.ID = uuid.NewString()
	point.DetectedAt = m.now().UTC()
	point.EpisodeID = episodeID

	proposals, err := m.ProposeMerges(ctx, point)
	if err != nil {
		return nil, err
	}
	rec := &Record{Point: *point, Proposals: proposals, State: Pending}

	m.mu.Lock()
	if old, ok := m.open[point.EntityID]; ok {
		m.dropLocked(old)
	}
	m.records[point.ID] = rec
	m.open[point.EntityID] = point.ID
	for _, p := range proposals {
		m.proposals[p.ID] = point.ID
	}
	pending := len(m.open)
	m.mu.Unlock()

	m.metrics.SetPendingDivergences(pending)
	m.logger.Warn("divergence detected",
		slog.String("entity_id", point.EntityID),
		slog.String("divergence_id", point.ID),
		slog.String("ancestor", versioned.ShortHash(point.Ancestor.Hash)),
		slog.Int("local_versions", point.Analysis.LocalLength),
		slog.Int("remote_versions", point.Analysis.RemoteLength),
		slog.Int("tentative", point.Analysis.TentativeCount),
		slog.Int("proposals", len(proposals)))

	out := *rec
	return &out, nil
}

func (m *Manager) dropLocked(divergenceID string) {
	rec, ok := m.records[divergenceID]
	if !ok {
		return
	}
	for _, p := range rec.Proposals {
		delete(m.proposals, p.ID)
	}
	delete(m.records, divergenceID)
	if m.open[rec.Point.EntityID] == divergenceID {
		delete(m.open, rec.Point.EntityID)
	}
}

// ProposeMerges lists the candidate reconciliations for point.
//
// ChooseOne for each branch and Superposition are always offered.
// Concatenate is added only when the branches are provably concurrent,
// and Synthesize only when the entity type has a synthesis function.
func (m *Manager) ProposeMerges(ctx context.Context, point *Point) ([]Proposal, error) {
	base := Proposal{
		DivergenceID: point.ID,
		EntityID:     point.EntityID,
		AncestorHash: point.Ancestor.Hash,
		LocalTip:     point.LocalTip().Hash,
		RemoteTip:    point.RemoteTip().Hash,
		CreatedAt:    m.now().UTC(),
	}
	mk := func(s Strategy, b Branch, desc string) Proposal {
		p := base
		p.ID = uuid.NewString()
		p.Strategy = s
		p.Branch = b
		p.Description = desc
		return p
	}

	out := []Proposal{
		mk(ChooseOne, Local, fmt.Sprintf("keep the local branch (%d versions)", len(point.Local))),
		mk(ChooseOne, Remote, fmt.Sprintf("keep the remote branch (%d versions)", len(point.Remote))),
		mk(Superposition, "", "keep both branches as parallel heads"),
	}
	if ProvablyConcurrent(point.Local, point.Remote) {
		out = append(out, mk(Concatenate, "", "interleave both branches in causal order"))
	}

	ent, err := m.store.Entity(ctx, point.EntityID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.synth.Lookup(ent.Type); ok {
		out = append(out, mk(Synthesize, "", fmt.Sprintf("synthesize with the %q function", ent.Type)))
	}
	return out, nil
}

// ApplyMerge accepts a proposal.
//
// # Description
//
// Superposition marks the record Superposed and returns the unchanged
// head; both heads stay retrievable and the divergence stays open.
// Every other strategy appends one merge commit whose clock is the
// element-wise maximum of both tips and whose parents are the current
// local head and the remote tip. If the maximum does not strictly
// dominate the head (a review of versions that were already local), the
// local counter is advanced once more.
//
// # Outputs
//
//   - *versioned.StateVersion: The merge commit, or the head for Superposition.
//   - error: ErrUnknownProposal, ErrAlreadyResolved,
//     ErrSynthesisUnavailable, or a store error. On error nothing changes.
func (m *Manager) ApplyMerge(ctx context.Context, proposalID string) (*versioned.StateVersion, error) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	ctx, span := otel.Tracer("timeline").Start(ctx, "divergence.ApplyMerge",
		trace.WithAttributes(attribute.String("proposal_id", proposalID)),
	)
	defer span.End()

	prop, rec, err := m.lookup(proposalID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("entity_id", prop.EntityID),
		attribute.String("strategy", string(prop.Strategy)),
	)

	if prop.Strategy == Superposition {
		head, err := m.store.Head(ctx, prop.EntityID)
		if err != nil {
			return nil, err
		}
		m.mu.Lock()
		if r, ok := m.records[rec.Point.ID]; ok {
			r.State = Superposed
			r.Strategy = Superposition
		}
		m.mu.Unlock()
		m.metrics.RecordMerge(string(Superposition))
		m.logger.Info("divergence held in superposition",
			slog.String("entity_id", prop.EntityID),
			slog.String("divergence_id", rec.Point.ID))
		return head, nil
	}

	v, err := m.merge(ctx, prop, rec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "merge failed")
		return nil, fmt.Errorf("apply %s merge to %s: %w", prop.Strategy, prop.EntityID, err)
	}

	m.mu.Lock()
	if r, ok := m.records[rec.Point.ID]; ok {
		r.State = Resolved
		r.Strategy = prop.Strategy
		r.Resolution = v.Hash
		r.ResolvedAt = m.now().UTC()
		for _, p := range r.Proposals {
			delete(m.proposals, p.ID)
		}
	}
	if m.open[prop.EntityID] == rec.Point.ID {
		delete(m.open, prop.EntityID)
	}
	pending := len(m.open)
	callbacks := append([]func(string){}, m.resolved...)
	m.mu.Unlock()

	m.metrics.SetPendingDivergences(pending)
	m.metrics.RecordMerge(string(prop.Strategy))
	m.logger.Info("divergence resolved",
		slog.String("entity_id", prop.EntityID),
		slog.String("divergence_id", rec.Point.ID),
		slog.String("strategy", string(prop.Strategy)),
		slog.String("branch", string(prop.Branch)),
		slog.String("merge", versioned.ShortHash(v.Hash)))
	for _, cb := range callbacks {
		cb(prop.EntityID)
	}
	return v, nil
}

func (m *Manager) merge(ctx context.Context, prop Proposal, rec Record) (*versioned.StateVersion, error) {
	head, err := m.store.Head(ctx, prop.EntityID)
	if err != nil {
		return nil, err
	}
	remoteTip, err := m.store.Get(ctx, prop.EntityID, prop.RemoteTip)
	if err != nil {
		return nil, err
	}

	opts := []versioned.AppendOption{
		versioned.WithExpectedHead(head.Hash),
		versioned.WithChangeType(versioned.ChangeMerge),
		versioned.WithNodeID(m.nodeID),
		versioned.WithEpisode(rec.Point.EpisodeID),
	}
	if remoteTip.Hash != head.Hash {
		opts = append(opts, versioned.WithMergeParent(remoteTip.Hash))
	}

	var payload []byte
	switch prop.Strategy {
	case ChooseOne:
		payload = head.Payload
		if prop.Branch == Remote {
			payload = remoteTip.Payload
		}
	case Concatenate:
		// The local branch may have grown since detection.
		local, err := m.store.HistorySince(ctx, prop.EntityID, prop.AncestorHash)
		if err != nil {
			return nil, err
		}
		order := interleave(local, rec.Point.Remote)
		hashes := make([]string, len(order))
		for i, v := range order {
			hashes[i] = v.Hash
		}
		payload = order[len(order)-1].Payload
		opts = append(opts, versioned.WithInterleaved(hashes))
	case Synthesize:
		ent, err := m.store.Entity(ctx, prop.EntityID)
		if err != nil {
			return nil, err
		}
		fn, ok := m.synth.Lookup(ent.Type)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrSynthesisUnavailable, ent.Type)
		}
		payload, err = fn(ctx, SynthesisInput{
			EntityID:   prop.EntityID,
			EntityType: ent.Type,
			Ancestor:   rec.Point.Ancestor.Payload,
			Local:      head.Payload,
			Remote:     remoteTip.Payload,
		})
		if err != nil {
			return nil, fmt.Errorf("synthesize: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported strategy %q", prop.Strategy)
	}

	clock := head.Clock.Merge(remoteTip.Clock)
	if !clock.Dominates(head.Clock) {
		clock = clock.Increment(m.nodeID)
	}
	return m.store.Append(ctx, prop.EntityID, clock, payload, opts...)
}

func (m *Manager) lookup(proposalID string) (Proposal, Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	divID, ok := m.proposals[proposalID]
	if !ok {
		for _, r := range m.records {
			for _, p := range r.Proposals {
				if p.ID == proposalID && r.State == Resolved {
					return Proposal{}, Record{}, fmt.Errorf("%w: %s", ErrAlreadyResolved, r.Point.ID)
				}
			}
		}
		return Proposal{}, Record{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	rec := m.records[divID]
	for _, p := range rec.Proposals {
		if p.ID == proposalID {
			return p, *rec, nil
		}
	}
	return Proposal{}, Record{}, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
}

// Unresolved reports whether entityID has an open divergence, including
// one held in superposition.
func (m *Manager) Unresolved(entityID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.open[entityID]
	return ok
}

// Pending returns the open proposals for entityID.
func (m *Manager) Pending(entityID string) []Proposal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.open[entityID]
	if !ok {
		return nil
	}
	return append([]Proposal(nil), m.records[id].Proposals...)
}

// Record returns the open record for entityID.
func (m *Manager) Record(entityID string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.open[entityID]
	if !ok {
		return Record{}, false
	}
	return *m.records[id], true
}

// Proposal returns an open proposal by id.
func (m *Manager) Proposal(proposalID string) (Proposal, bool) {
	p, _, err := m.lookup(proposalID)
	return p, err == nil
}

// Open lists every open record, ordered by entity id.
func (m *Manager) Open() []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.open))
	for _, id := range m.open {
		out = append(out, *m.records[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Point.EntityID < out[j].Point.EntityID })
	return out
}

func countTentative(vs []*versioned.StateVersion) int {
	n := 0
	for _, v := range vs {
		if v.Tentative {
			n++
		}
	}
	return n
}

// reachableIn walks parent links inside a fetched history.
func reachableIn(vs []*versioned.StateVersion, from string) map[string]*versioned.StateVersion {
	byHash := make(map[string]*versioned.StateVersion, len(vs))
	for _, v := range vs {
		byHash[v.Hash] = v
	}
	out := make(map[string]*versioned.StateVersion)
	stack := []string{from}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		v, ok := byHash[h]
		if !ok {
			continue
		}
		if _, seen := out[h]; seen {
			continue
		}
		out[h] = v
		stack = append(stack, v.Parents...)
	}
	return out
}

// HistoryFetcher returns the copies of an entity held by reachable peers.
// Peers that do not know the entity are omitted.
type HistoryFetcher interface {
	FetchHistories(ctx context.Context, entityID string) ([]RemoteHistory, error)
}

// Sync reconciles entityID against every peer copy from fetcher.
//
// Copies with the same head are reconciled once. A failure against one
// peer is logged and does not stop the others.
//
// # Outputs
//
//   - bool: True if the entity has an open divergence afterwards.
//   - error: Only a fetch failure.
func (m *Manager) Sync(ctx context.Context, fetcher HistoryFetcher, entityID, episodeID string) (bool, error) {
	histories, err := fetcher.FetchHistories(ctx, entityID)
	if err != nil {
		return m.Unresolved(entityID), fmt.Errorf("fetch histories for %s: %w", entityID, err)
	}
	done := make(map[string]bool, len(histories))
	for _, h := range histories {
		if h.EntityID == "" {
			h.EntityID = entityID
		}
		if done[h.Head] {
			continue
		}
		done[h.Head] = true
		if _, err := m.Reconcile(ctx, h, episodeID); err != nil {
			m.logger.Error("reconcile failed",
				slog.String("entity_id", entityID),
				slog.String("peer", h.NodeID),
				slog.String("error", err.Error()))
		}
	}
	return m.Unresolved(entityID), nil
}
