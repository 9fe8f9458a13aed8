// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package group applies partition rules to groups of entities.
//
// # Description
//
// A group is a roster of member entities plus a derived aggregate state.
// Both are ordinary timelines in the versioned store: the roster lives in
// the membership log entity "membership/{group}" and the aggregate in
// "group/{group}". The Handler keeps an in-memory mode per group and
// routes every group-scoped write through the quorum engine.
//
// When a partition is confirmed, a group whose reachable members form a
// strict majority goes Degraded; otherwise it goes Dormant. When the
// partition heals, every member, the roster and the aggregate are
// reconciled with peers, and Collective operations stay blocked until
// each open divergence is resolved.
//
// # Thread Safety
//
// Handler is safe for concurrent use.
package group

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/validation"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/observability"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Authorizer evaluates quorum requests. *quorum.Engine satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, req quorum.Request) quorum.Decision
}

// Aggregator derives the aggregate payload from member heads. Members
// without a local copy are absent from heads.
type Aggregator func(ctx context.Context, groupID string, heads map[string]*versioned.StateVersion) ([]byte, error)

// Config configures a Handler.
type Config struct {
	NodeID     string
	Store      versioned.Store
	Quorum     Authorizer
	Divergence *divergence.Manager

	// Fetcher supplies peer histories on heal. Without it nothing is
	// reconciled and groups return to Normal immediately.
	Fetcher divergence.HistoryFetcher

	// Aggregator defaults to DefaultAggregator.
	Aggregator Aggregator

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

type state struct {
	membership Membership
	mode       Mode
	local      []Member
	harmony    float64
	episodeID  string
	since      time.Time
}

// Handler coordinates group modes, quorum and reconciliation.
type Handler struct {
	nodeID    string
	store     versioned.Store
	quorum    Authorizer
	div       *divergence.Manager
	fetcher   divergence.HistoryFetcher
	aggregate Aggregator
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics

	mu     sync.RWMutex
	groups map[string]*state
}

// NewHandler creates a handler and subscribes it to divergence resolutions.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Quorum == nil {
		return nil, errors.New("quorum authorizer is required")
	}
	if cfg.Aggregator == nil {
		cfg.Aggregator = DefaultAggregator
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		nodeID:    cfg.NodeID,
		store:     cfg.Store,
		quorum:    cfg.Quorum,
		div:       cfg.Divergence,
		fetcher:   cfg.Fetcher,
		aggregate: cfg.Aggregator,
		now:       cfg.Now,
		logger:    cfg.Logger.With(slog.String("component", "group")),
		metrics:   cfg.Metrics,
		groups:    make(map[string]*state),
	}
	if h.div != nil {
		h.div.OnResolved(h.onResolved)
	}
	return h, nil
}

// DefaultAggregator maps each member id to its head payload. Payloads that
// are not JSON are embedded as strings.
func DefaultAggregator(_ context.Context, _ string, heads map[string]*versioned.StateVersion) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(heads))
	for id, v := range heads {
		if json.Valid(v.Payload) {
			out[id] = v.Payload
			continue
		}
		raw, err := json.Marshal(string(v.Payload))
		if err != nil {
			return nil, err
		}
		out[id] = raw
	}
	return json.Marshal(out)
}

// Create registers a new group with its membership log and aggregate.
func (h *Handler) Create(ctx context.Context, groupID string, members []Member) (*Snapshot, error) {
	if err := validation.ValidateGroupID(groupID); err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, errors.New("group needs at least one member")
	}
	seen := make(map[string]bool, len(members))
	for _, m := range members {
		if m.EntityID == "" || m.NodeID == "" {
			return nil, fmt.Errorf("member %+v: entity and node ids are required", m)
		}
		if seen[m.EntityID] {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyMember, m.EntityID)
		}
		seen[m.EntityID] = true
	}

	ms := newMembership(members, 0)
	raw, err := json.Marshal(ms)
	if err != nil {
		return nil, err
	}
	_, err = h.store.Register(ctx, versioned.RegisterRequest{
		EntityID:   MembershipEntity(groupID),
		EntityType: "membership",
		NodeID:     h.nodeID,
		Payload:    raw,
	})
	if errors.Is(err, versioned.ErrEntityExists) {
		return nil, fmt.Errorf("%w: %s", ErrGroupExists, groupID)
	}
	if err != nil {
		return nil, err
	}

	agg, err := h.aggregate(ctx, groupID, h.memberHeads(ctx, ms))
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", groupID, err)
	}
	if _, err := h.store.Register(ctx, versioned.RegisterRequest{
		EntityID:   AggregateEntity(groupID),
		EntityType: "group",
		NodeID:     h.nodeID,
		Payload:    agg,
	}); err != nil && !errors.Is(err, versioned.ErrEntityExists) {
		return nil, err
	}

	h.mu.Lock()
	h.groups[groupID] = &state{membership: ms, mode: Normal, harmony: 1, since: h.now().UTC()}
	h.mu.Unlock()
	h.metrics.SetGroupMode(groupID, Normal.Level())

	h.logger.Info("group created",
		slog.String("group_id", groupID),
		slog.Int("members", len(members)))
	return h.Snapshot(groupID)
}

// Load restores every group whose membership log is in the store.
// Membership logs that do not decode to a roster are logged and skipped.
func (h *Handler) Load(ctx context.Context) error {
	ids, err := h.store.Entities(ctx)
	if err != nil {
		return fmt.Errorf("list entities: %w", err)
	}
	loaded := 0
	for _, id := range ids {
		if !strings.HasPrefix(id, membershipPrefix) {
			continue
		}
		groupID := strings.TrimPrefix(id, membershipPrefix)
		ms, err := h.readMembership(ctx, groupID)
		if err == nil && len(ms.MemberIDs) == 0 {
			err = fmt.Errorf("%w: %s has no members", errBadMembership, groupID)
		}
		if errors.Is(err, errBadMembership) {
			h.logger.Warn("skipping membership log",
				slog.String("entity_id", id),
				slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			return err
		}
		h.mu.Lock()
		if _, ok := h.groups[groupID]; !ok {
			h.groups[groupID] = &state{membership: ms, mode: Normal, harmony: 1, since: h.now().UTC()}
			loaded++
		}
		h.mu.Unlock()
	}
	h.logger.Info("groups loaded", slog.Int("count", loaded))
	return nil
}

// errBadMembership marks a membership log whose head is not a roster.
var errBadMembership = errors.New("invalid membership log")

func (h *Handler) readMembership(ctx context.Context, groupID string) (Membership, error) {
	head, err := h.store.Head(ctx, MembershipEntity(groupID))
	if err != nil {
		return Membership{}, fmt.Errorf("read membership of %s: %w", groupID, err)
	}
	var ms Membership
	if err := json.Unmarshal(head.Payload, &ms); err != nil {
		return Membership{}, fmt.Errorf("%w: decode membership of %s: %v", errBadMembership, groupID, err)
	}
	if ms.Hosts == nil {
		ms.Hosts = map[string]string{}
	}
	return ms, nil
}

// Snapshot returns a copy of a group's state.
func (h *Handler) Snapshot(groupID string) (*Snapshot, error) {
	h.mu.RLock()
	st, ok := h.groups[groupID]
	if !ok {
		h.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownGroup, groupID)
	}
	snap := h.snapshotLocked(groupID, st)
	h.mu.RUnlock()

	snap.Blocked = h.blocked(groupID, snap.Members)
	return &snap, nil
}

func (h *Handler) snapshotLocked(groupID string, st *state) Snapshot {
	snap := Snapshot{
		GroupID:           groupID,
		Mode:              st.mode,
		Members:           st.membership.Members(),
		Harmony:           st.harmony,
		EpisodeID:         st.episodeID,
		MembershipVersion: st.membership.KnownMembershipVersion,
		Since:             st.since,
	}
	snap.Denominator = len(snap.Members)
	if st.mode == Degraded || st.mode == Dormant {
		snap.LocalPartition = append([]Member(nil), st.local...)
	}
	if st.mode == Degraded {
		snap.Denominator = len(st.local)
	}
	return snap
}

// Snapshots lists every group ordered by id.
func (h *Handler) Snapshots() []Snapshot {
	h.mu.RLock()
	ids := make([]string, 0, len(h.groups))
	for id := range h.groups {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)

	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if s, err := h.Snapshot(id); err == nil {
			out = append(out, *s)
		}
	}
	return out
}

// GroupsOf lists the groups entityID belongs to, including groups whose
// membership log or aggregate it is.
func (h *Handler) GroupsOf(entityID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for id, st := range h.groups {
		if st.membership.Has(entityID) || entityID == MembershipEntity(id) || entityID == AggregateEntity(id) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Owns reports whether the handler reconciles entityID on heal.
func (h *Handler) Owns(entityID string) bool {
	return len(h.GroupsOf(entityID)) > 0
}

// entities lists every timeline a group depends on.
func entities(groupID string, members []Member) []string {
	out := make([]string, 0, len(members)+2)
	for _, m := range members {
		out = append(out, m.EntityID)
	}
	return append(out, MembershipEntity(groupID), AggregateEntity(groupID))
}

func (h *Handler) blocked(groupID string, members []Member) []string {
	if h.div == nil {
		return nil
	}
	var out []string
	for _, id := range entities(groupID, members) {
		if h.div.Unresolved(id) {
			out = append(out, id)
		}
	}
	return out
}

// Authorize decides whether a group-scoped operation may proceed.
//
// # Description
//
// Non-Individual operations are denied while any timeline of the group
// has an open divergence, including one held in superposition. Dormant
// groups deny every group-scoped write since the aggregate is frozen.
// Degraded groups ask the engine with the local partition as the
// membership. Normal groups ask with the full roster.
//
// # Outputs
//
//   - Decision: The verdict. Use Decision.Err for the error form.
//   - error: ErrUnknownGroup only.
func (h *Handler) Authorize(ctx context.Context, groupID string, class quorum.Class) (Decision, error) {
	ctx, span := otel.Tracer("timeline").Start(ctx, "group.Authorize",
		trace.WithAttributes(
			attribute.String("group_id", groupID),
			attribute.String("class", class.String()),
		),
	)
	defer span.End()

	snap, err := h.Snapshot(groupID)
	if err != nil {
		return Decision{}, err
	}
	span.SetAttributes(attribute.String("mode", string(snap.Mode)))

	d := Decision{GroupID: groupID, Mode: snap.Mode, Denominator: snap.Denominator}
	base := quorum.Decision{
		Verdict:   quorum.Deny,
		Class:     class,
		Status:    partition.Connected,
		EpisodeID: snap.EpisodeID,
		GroupSize: len(snap.Members),
		Required:  quorum.MajoritySize(len(snap.Members)),
	}

	if class != quorum.Individual && len(snap.Blocked) > 0 {
		base.Reason = "divergence unresolved"
		d.Decision = base
		d.Blocked = snap.Blocked
		h.metrics.RecordDecision(class.String(), string(quorum.Deny))
		return d, nil
	}
	if snap.Mode == Reconciling && len(snap.Blocked) == 0 {
		h.settle(groupID)
		d.Mode = Normal
	}

	switch d.Mode {
	case Dormant:
		base.Status = partition.Confirmed
		base.Reachable = len(snap.LocalPartition)
		base.Reason = "group dormant, local partition is a minority"
		local := make(map[string]bool, len(snap.LocalPartition))
		for _, m := range snap.LocalPartition {
			local[m.EntityID] = true
		}
		for _, m := range snap.Members {
			if !local[m.EntityID] {
				base.Unreachable = append(base.Unreachable, m.NodeID)
			}
		}
		d.Decision = base
		h.metrics.RecordDecision(class.String(), string(quorum.Deny))
		return d, nil
	case Degraded:
		d.Decision = h.quorum.Authorize(ctx, quorum.Request{
			Class:            class,
			Subject:          groupID,
			MemberNodes:      nodes(snap.LocalPartition),
			DegradedMajority: true,
		})
	default:
		d.Decision = h.quorum.Authorize(ctx, quorum.Request{
			Class:       class,
			Subject:     groupID,
			MemberNodes: nodes(snap.Members),
		})
	}
	return d, nil
}

func nodes(members []Member) []string {
	out := make([]string, len(members))
	for i, m := range members {
		out[i] = m.NodeID
	}
	return out
}

// Submit authorizes and applies a write to the group aggregate.
//
// # Description
//
// fn receives the current aggregate head and returns the next payload.
// Collective writes made while Degraded are tentative and carry the
// partition episode id. The append is conditional on the head fn saw.
// extra options are applied after the handler's own, so a caller may
// override the change type or the expected head.
//
// # Outputs
//
//   - *versioned.StateVersion: The new aggregate head.
//   - Decision: The authorization decision, also on denial.
//   - error: ErrUnknownGroup, a Decision.Err error, or a store error.
func (h *Handler) Submit(ctx context.Context, groupID string, class quorum.Class, fn versioned.MutationFunc, extra ...versioned.AppendOption) (*versioned.StateVersion, Decision, error) {
	d, err := h.Authorize(ctx, groupID, class)
	if err != nil {
		return nil, d, err
	}
	if !d.Allowed() {
		return nil, d, d.Err()
	}

	aggID := AggregateEntity(groupID)
	head, err := h.store.Head(ctx, aggID)
	if err != nil {
		return nil, d, err
	}
	payload, err := fn(ctx, head)
	if err != nil {
		return nil, d, fmt.Errorf("mutation for %s: %w", groupID, err)
	}

	opts := append(h.writeOpts(d, head, versioned.ChangeAggregate), extra...)
	v, err := h.store.Append(ctx, aggID, head.Clock.Increment(h.nodeID), payload, opts...)
	if err != nil {
		return nil, d, err
	}
	return v, d, nil
}

func (h *Handler) writeOpts(d Decision, head *versioned.StateVersion, changeType string) []versioned.AppendOption {
	opts := []versioned.AppendOption{
		versioned.WithExpectedHead(head.Hash),
		versioned.WithChangeType(changeType),
		versioned.WithNodeID(h.nodeID),
	}
	if d.Mode == Degraded && d.Class == quorum.Collective {
		opts = append(opts, versioned.WithTentative(true), versioned.WithEpisode(d.EpisodeID))
	}
	return opts
}

// AddMember appends a roster with entity added. It is a Collective
// operation on the group.
func (h *Handler) AddMember(ctx context.Context, groupID string, m Member) (*versioned.StateVersion, Decision, error) {
	if m.EntityID == "" || m.NodeID == "" {
		return nil, Decision{}, errors.New("entity and node ids are required")
	}
	return h.changeMembership(ctx, groupID, func(ms Membership) (Membership, error) {
		if ms.Has(m.EntityID) {
			return ms, fmt.Errorf("%w: %s", ErrAlreadyMember, m.EntityID)
		}
		return newMembership(append(ms.Members(), m), 0), nil
	})
}

// RemoveMember appends a roster with entityID removed. It is a Collective
// operation on the group.
func (h *Handler) RemoveMember(ctx context.Context, groupID, entityID string) (*versioned.StateVersion, Decision, error) {
	return h.changeMembership(ctx, groupID, func(ms Membership) (Membership, error) {
		if !ms.Has(entityID) {
			return ms, fmt.Errorf("%w: %s", ErrNotMember, entityID)
		}
		if len(ms.MemberIDs) == 1 {
			return ms, errors.New("cannot remove the last member")
		}
		var rest []Member
		for _, mem := range ms.Members() {
			if mem.EntityID != entityID {
				rest = append(rest, mem)
			}
		}
		return newMembership(rest, 0), nil
	})
}

func (h *Handler) changeMembership(ctx context.Context, groupID string, change func(Membership) (Membership, error)) (*versioned.StateVersion, Decision, error) {
	d, err := h.Authorize(ctx, groupID, quorum.Collective)
	if err != nil {
		return nil, d, err
	}
	if !d.Allowed() {
		return nil, d, d.Err()
	}

	logID := MembershipEntity(groupID)
	head, err := h.store.Head(ctx, logID)
	if err != nil {
		return nil, d, err
	}
	var current Membership
	if err := json.Unmarshal(head.Payload, &current); err != nil {
		return nil, d, fmt.Errorf("decode membership of %s: %w", groupID, err)
	}
	next, err := change(current)
	if err != nil {
		return nil, d, err
	}
	next.KnownMembershipVersion = head.Sequence + 1
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, d, err
	}

	v, err := h.store.Append(ctx, logID, head.Clock.Increment(h.nodeID), raw, h.writeOpts(d, head, versioned.ChangeMembership)...)
	if err != nil {
		return nil, d, err
	}

	h.mu.Lock()
	if st, ok := h.groups[groupID]; ok {
		st.membership = next
		if st.mode == Degraded {
			// Members joining on the majority side count toward the
			// reduced denominator.
			st.local = filterLocal(next, st.local, h.nodeID)
		}
	}
	h.mu.Unlock()

	h.logger.Info("membership changed",
		slog.String("group_id", groupID),
		slog.Int("members", len(next.MemberIDs)),
		slog.Uint64("membership_version", next.KnownMembershipVersion),
		slog.Bool("tentative", v.Tentative))
	return v, d, nil
}

// filterLocal keeps local members still present and adds new members
// hosted on reachable nodes.
func filterLocal(ms Membership, prev []Member, self string) []Member {
	reachable := map[string]bool{self: true}
	for _, m := range prev {
		reachable[m.NodeID] = true
	}
	var out []Member
	for _, m := range ms.Members() {
		if reachable[m.NodeID] {
			out = append(out, m)
		}
	}
	return out
}

// RefreshAggregate recomputes the aggregate of every group containing
// entityID from member heads. Dormant groups and groups whose aggregate
// has an open divergence are skipped.
func (h *Handler) RefreshAggregate(ctx context.Context, entityID string) error {
	var errs []error
	for _, groupID := range h.GroupsOf(entityID) {
		if err := h.refresh(ctx, groupID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h *Handler) refresh(ctx context.Context, groupID string) error {
	h.mu.RLock()
	st, ok := h.groups[groupID]
	if !ok {
		h.mu.RUnlock()
		return nil
	}
	mode := st.mode
	ms := st.membership
	episode := st.episodeID
	h.mu.RUnlock()

	aggID := AggregateEntity(groupID)
	if mode == Dormant || (h.div != nil && h.div.Unresolved(aggID)) {
		return nil
	}

	head, err := h.store.Head(ctx, aggID)
	if err != nil {
		return err
	}
	payload, err := h.aggregate(ctx, groupID, h.memberHeads(ctx, ms))
	if err != nil {
		return fmt.Errorf("aggregate %s: %w", groupID, err)
	}
	if string(payload) == string(head.Payload) {
		return nil
	}

	opts := []versioned.AppendOption{
		versioned.WithExpectedHead(head.Hash),
		versioned.WithChangeType(versioned.ChangeAggregate),
		versioned.WithNodeID(h.nodeID),
	}
	if mode == Degraded {
		opts = append(opts, versioned.WithTentative(true), versioned.WithEpisode(episode))
	}
	_, err = h.store.Append(ctx, aggID, head.Clock.Increment(h.nodeID), payload, opts...)
	if errors.Is(err, versioned.ErrStaleClock) {
		h.logger.Debug("aggregate moved during refresh", slog.String("group_id", groupID))
		return nil
	}
	return err
}

func (h *Handler) memberHeads(ctx context.Context, ms Membership) map[string]*versioned.StateVersion {
	heads := make(map[string]*versioned.StateVersion, len(ms.MemberIDs))
	for _, id := range ms.MemberIDs {
		v, err := h.store.Head(ctx, id)
		if err != nil {
			continue
		}
		heads[id] = v
	}
	return heads
}

// OnPartitionConfirmed splits every group into the members reachable from
// here and the rest, then sets each group Degraded or Dormant.
func (h *Handler) OnPartitionConfirmed(ctx context.Context, ev partition.Event) {
	reachable := map[string]bool{h.nodeID: true}
	for _, n := range ev.Reachable {
		reachable[n] = true
	}

	h.mu.Lock()
	changed := make(map[string]*state, len(h.groups))
	for id, st := range h.groups {
		var local []Member
		members := st.membership.Members()
		for _, m := range members {
			if reachable[m.NodeID] {
				local = append(local, m)
			}
		}
		st.local = local
		st.episodeID = ev.EpisodeID
		st.since = ev.At
		st.harmony = float64(len(local)) / float64(len(members))
		if 2*len(local) > len(members) {
			st.mode = Degraded
		} else {
			st.mode = Dormant
		}
		cp := *st
		changed[id] = &cp
	}
	h.mu.Unlock()

	for id, st := range changed {
		h.metrics.SetGroupMode(id, st.mode.Level())
		h.logger.Warn("group degraded by partition",
			slog.String("group_id", id),
			slog.String("mode", string(st.mode)),
			slog.String("episode_id", ev.EpisodeID),
			slog.Int("local", len(st.local)),
			slog.Int("members", len(st.membership.MemberIDs)),
			slog.Float64("harmony", st.harmony))
	}
}

// OnPartitionHealed reconciles every timeline of every group with peers.
// Groups with open divergences stay Reconciling until they are resolved.
func (h *Handler) OnPartitionHealed(ctx context.Context, ev partition.Event) {
	ctx, span := otel.Tracer("timeline").Start(ctx, "group.OnPartitionHealed",
		trace.WithAttributes(attribute.String("episode_id", ev.EpisodeID)),
	)
	defer span.End()

	h.mu.Lock()
	ids := make([]string, 0, len(h.groups))
	for id, st := range h.groups {
		st.mode = Reconciling
		st.local = nil
		st.since = ev.At
		ids = append(ids, id)
	}
	h.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		h.reconcileGroup(ctx, id, ev.EpisodeID)
	}
}

func (h *Handler) reconcileGroup(ctx context.Context, groupID, episodeID string) {
	snap, err := h.Snapshot(groupID)
	if err != nil {
		return
	}
	if h.div != nil && h.fetcher != nil {
		for _, id := range entities(groupID, snap.Members) {
			if _, err := h.div.Sync(ctx, h.fetcher, id, episodeID); err != nil {
				h.logger.Error("group reconcile failed",
					slog.String("group_id", groupID),
					slog.String("entity_id", id),
					slog.String("error", err.Error()))
			}
		}
	}
	h.reloadMembership(ctx, groupID)

	if blocked := h.blocked(groupID, snap.Members); len(blocked) > 0 {
		h.metrics.SetGroupMode(groupID, Reconciling.Level())
		h.logger.Warn("group blocked on divergences",
			slog.String("group_id", groupID),
			slog.String("entities", strings.Join(blocked, ",")))
		return
	}
	h.settle(groupID)
}

// reloadMembership picks up a roster fast-forwarded from a peer.
func (h *Handler) reloadMembership(ctx context.Context, groupID string) {
	ms, err := h.readMembership(ctx, groupID)
	if err != nil {
		h.logger.Error("reload membership failed",
			slog.String("group_id", groupID),
			slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	if st, ok := h.groups[groupID]; ok {
		st.membership = ms
	}
	h.mu.Unlock()
}

// settle returns a Reconciling group to Normal.
func (h *Handler) settle(groupID string) {
	h.mu.Lock()
	st, ok := h.groups[groupID]
	if !ok || st.mode != Reconciling {
		h.mu.Unlock()
		return
	}
	st.mode = Normal
	st.harmony = 1
	st.episodeID = ""
	st.since = h.now().UTC()
	h.mu.Unlock()

	h.metrics.SetGroupMode(groupID, Normal.Level())
	h.logger.Info("group reconciled", slog.String("group_id", groupID))
}

func (h *Handler) onResolved(entityID string) {
	ctx := context.Background()
	for _, groupID := range h.GroupsOf(entityID) {
		if entityID == MembershipEntity(groupID) {
			h.reloadMembership(ctx, groupID)
		}
		snap, err := h.Snapshot(groupID)
		if err != nil || snap.Mode != Reconciling || len(snap.Blocked) > 0 {
			continue
		}
		h.settle(groupID)
	}
}
