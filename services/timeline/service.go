// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package timeline is the host boundary of the entity timeline subsystem.
//
// A Service owns one process's versioned store, partition manager, quorum
// engine, divergence manager and group handler, and wires them together:
// every mutation is authorized before it is appended, partition
// confirmation degrades groups, and heal triggers reconciliation with
// peers before Collective operations are admitted again.
//
// # Example
//
//	db, _ := badger.Open(badger.DefaultConfig("/var/lib/timeline"))
//	svc, err := timeline.NewService(timeline.ServiceConfig{
//	    NodeID: "node-a",
//	    DB:     db,
//	    Peers:  []partition.Peer{{ID: "node-b", Address: "http://10.0.0.2:7420"}},
//	})
//	if err != nil { ... }
//	svc.Start(ctx)
//	defer svc.Close()
//
//	v, err := svc.SubmitOperation(ctx, "agent-7", quorum.Individual,
//	    func(ctx context.Context, head *versioned.StateVersion) ([]byte, error) {
//	        return []byte(`{"step": 4}`), nil
//	    })
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/validation"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/group"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/observability"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/peer"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/storage/badger"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/vclock"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ServiceVersion is the timeline service version.
const ServiceVersion = "0.1.0"

// Transport carries process-to-process traffic. *peer.Client implements it.
type Transport interface {
	partition.Prober
	quorum.Acknowledger
	divergence.HistoryFetcher
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	// NodeID is the local process id. Required.
	NodeID string

	// DB is the opened database. Required. The caller closes it after
	// closing the service.
	DB *badger.DB

	// Peers is the initial peer list.
	Peers []partition.Peer

	// Transport defaults to an HTTP peer client over Peers.
	Transport Transport

	// Heartbeat timing. Zero values take the partition defaults.
	HeartbeatInterval time.Duration
	ProbeTimeout      time.Duration
	MissThreshold     int
	GracePeriod       time.Duration

	// Policies defaults to the embedded policy table.
	Policies *quorum.PolicySet

	// Synthesis holds synthesis functions by entity type.
	Synthesis *divergence.Registry

	// Aggregator derives group aggregates. Defaults to group.DefaultAggregator.
	Aggregator group.Aggregator

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Service is the host boundary for one process.
//
// Thread Safety: Safe for concurrent use.
type Service struct {
	nodeID    string
	store     *versioned.BadgerStore
	partition *partition.Manager
	quorum    *quorum.Engine
	div       *divergence.Manager
	groups    *group.Handler
	transport Transport
	events    *eventHub
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.Metrics

	summaryMu sync.RWMutex
	summary   vclock.VectorClock

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
	unsubs  []func()
	started bool
}

// NewService wires the components together.
//
// # Description
//
// Builds the store over cfg.DB and registers the cross-component
// callbacks: partition confirmation degrades groups, heal runs group and
// entity reconciliation before the partition manager reports Connected,
// and destructive acknowledgement requests are refused for subjects with
// open divergences.
//
// # Outputs
//
//   - *Service: Ready service. Call Start to load groups and run heartbeats.
//   - error: Non-nil if cfg is incomplete or a component rejects it.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.DB == nil {
		return nil, errors.New("db is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Service{
		nodeID:  cfg.NodeID,
		events:  newEventHub(),
		now:     cfg.Now,
		logger:  cfg.Logger.With(slog.String("component", "timeline"), slog.String("node_id", cfg.NodeID)),
		metrics: cfg.Metrics,
		summary: vclock.New(),
	}

	store, err := versioned.NewBadgerStore(versioned.BadgerStoreConfig{
		DB:       cfg.DB,
		Logger:   cfg.Logger,
		Now:      cfg.Now,
		OnAppend: s.onAppend,
	})
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}
	s.store = store

	s.transport = cfg.Transport
	if s.transport == nil {
		s.transport = peer.NewClient(peer.Config{
			Timeout: cfg.ProbeTimeout * 6,
			Peers:   s.peers,
			Logger:  cfg.Logger,
		})
	}

	s.partition, err = partition.NewManager(partition.Config{
		NodeID:        cfg.NodeID,
		Prober:        s.transport,
		Peers:         cfg.Peers,
		Interval:      cfg.HeartbeatInterval,
		ProbeTimeout:  cfg.ProbeTimeout,
		MissThreshold: cfg.MissThreshold,
		GracePeriod:   cfg.GracePeriod,
		ClockSummary:  s.clockSummary,
		Now:           cfg.Now,
		Logger:        cfg.Logger,
		Metrics:       cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	s.quorum, err = quorum.NewEngine(quorum.Config{
		NodeID:   cfg.NodeID,
		Source:   s.partition,
		Acker:    s.transport,
		Policies: cfg.Policies,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create quorum engine: %w", err)
	}
	s.quorum.SetAckHook(s.consent)

	s.div, err = divergence.NewManager(divergence.Config{
		NodeID:    cfg.NodeID,
		Store:     store,
		Synthesis: cfg.Synthesis,
		Now:       cfg.Now,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create divergence manager: %w", err)
	}

	s.groups, err = group.NewHandler(group.Config{
		NodeID:     cfg.NodeID,
		Store:      store,
		Quorum:     s.quorum,
		Divergence: s.div,
		Fetcher:    s.transport,
		Aggregator: cfg.Aggregator,
		Now:        cfg.Now,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create group handler: %w", err)
	}

	s.partition.OnPartitionConfirmed(s.groups.OnPartitionConfirmed)
	s.partition.OnPartitionHealed(s.onHealed)
	s.unsubs = append(s.unsubs, s.partition.Subscribe(s.publishPartition))
	s.div.OnResolved(s.onResolved)
	return s, nil
}

// Start loads persisted groups, seeds the clock summary and starts the
// heartbeat loop. It returns once the loop is running.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.closed {
		return ErrServiceClosed
	}
	if s.started {
		return errors.New("service already started")
	}

	if err := s.groups.Load(ctx); err != nil {
		return fmt.Errorf("load groups: %w", err)
	}
	if err := s.refreshSummary(ctx); err != nil {
		return fmt.Errorf("seed clock summary: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true
	go func() {
		defer close(s.done)
		s.partition.Run(runCtx)
	}()

	s.logger.Info("timeline service started",
		slog.String("version", ServiceVersion),
		slog.Int("peers", len(s.partition.Peers())),
		slog.Int("groups", len(s.groups.Snapshots())))
	return nil
}

// Close stops the heartbeat loop and closes every event subscription. It
// does not close the database.
func (s *Service) Close() error {
	s.runMu.Lock()
	if s.closed {
		s.runMu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	unsubs := s.unsubs
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	for _, u := range unsubs {
		u()
	}
	s.events.close()
	s.logger.Info("timeline service stopped")
	return nil
}

func (s *Service) isClosed() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.closed
}

// NodeID returns the local process id.
func (s *Service) NodeID() string {
	return s.nodeID
}

func (s *Service) peers() []partition.Peer {
	return s.partition.Peers()
}

// SetPeers replaces the peer list, typically after a config reload.
func (s *Service) SetPeers(peers []partition.Peer) {
	s.partition.SetPeers(peers)
}

// HeartbeatTick runs one heartbeat round immediately.
func (s *Service) HeartbeatTick(ctx context.Context) error {
	return s.partition.HeartbeatTick(ctx)
}

// Synthesis returns the registry used for Synthesize proposals.
func (s *Service) Synthesis() *divergence.Registry {
	return s.div.Synthesis()
}

// =============================================================================
// Entity operations
// =============================================================================

// SubmitOption customizes SubmitOperation and GroupSubmitOperation.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	changeType   string
	expectedHead string
}

// WithChangeType labels the written version. Default: "update" for
// entities, "aggregate" for groups.
func WithChangeType(changeType string) SubmitOption {
	return func(o *submitOptions) { o.changeType = changeType }
}

// WithExpectedHead makes the write conditional on the head the caller last
// read. A moved head fails with ErrStaleClock.
func WithExpectedHead(hash string) SubmitOption {
	return func(o *submitOptions) { o.expectedHead = hash }
}

func applySubmitOptions(opts []SubmitOption) submitOptions {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// RegisterEntity creates an entity with its genesis version. Ids under the
// reserved group prefixes are refused.
func (s *Service) RegisterEntity(ctx context.Context, entityID, entityType string, payload []byte) (*versioned.StateVersion, error) {
	if s.isClosed() {
		return nil, ErrServiceClosed
	}
	if err := validation.ValidateClientEntityID(entityID); err != nil {
		return nil, opError("register", entityID, quorum.Individual, nil, err)
	}
	v, err := s.store.Register(ctx, versioned.RegisterRequest{
		EntityID:   entityID,
		EntityType: entityType,
		NodeID:     s.nodeID,
		Payload:    payload,
	})
	if err != nil {
		return nil, opError("register", entityID, quorum.Individual, nil, err)
	}
	return v, nil
}

// SubmitOperation authorizes and applies one mutation to an entity.
//
// # Description
//
// The quorum engine is consulted first with the whole cluster as the
// membership. Non-Individual operations on an entity with an open
// divergence are refused. fn receives the current head and returns the
// next payload; the append is conditional on that head and carries the
// partition episode id while a partition is suspected or confirmed. Group
// aggregates containing the entity are refreshed afterwards.
//
// # Inputs
//
//   - class: Caller-supplied operation class.
//   - fn: Computes the next payload. Not called when authorization fails.
//
// # Outputs
//
//   - *versioned.StateVersion: The durable new head.
//   - error: *OperationError wrapping ErrInsufficientQuorum, ErrDeferred,
//     ErrDivergenceUnresolved, ErrStaleClock, ErrUnknownEntity,
//     ErrEntityTerminated, ErrDurability or validation.ErrInvalidID (group
//     bookkeeping entities are written through GroupSubmitOperation).
//     Never retried here.
func (s *Service) SubmitOperation(ctx context.Context, entityID string, class quorum.Class, fn versioned.MutationFunc, opts ...SubmitOption) (*versioned.StateVersion, error) {
	const op = "submit"
	if fn == nil {
		return nil, opError(op, entityID, class, nil, errors.New("mutation must not be nil"))
	}
	if s.isClosed() {
		return nil, opError(op, entityID, class, nil, ErrServiceClosed)
	}
	if err := validation.ValidateClientEntityID(entityID); err != nil {
		return nil, opError(op, entityID, class, nil, err)
	}
	o := applySubmitOptions(opts)

	ctx, span := otel.Tracer("timeline").Start(ctx, "timeline.SubmitOperation",
		trace.WithAttributes(
			attribute.String("entity_id", entityID),
			attribute.String("class", class.String()),
		),
	)
	defer span.End()

	v, d, err := s.submit(ctx, entityID, class, fn, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		return nil, opError(op, entityID, class, d, err)
	}
	span.SetAttributes(attribute.String("hash", versioned.ShortHash(v.Hash)))

	if err := s.groups.RefreshAggregate(ctx, entityID); err != nil {
		s.logger.Warn("aggregate refresh failed",
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()))
	}
	return v, nil
}

func (s *Service) submit(ctx context.Context, entityID string, class quorum.Class, fn versioned.MutationFunc, o submitOptions) (*versioned.StateVersion, *quorum.Decision, error) {
	if _, err := s.store.Entity(ctx, entityID); err != nil {
		return nil, nil, err
	}
	if class != quorum.Individual && s.div.Unresolved(entityID) {
		return nil, nil, fmt.Errorf("%w: %s", ErrDivergenceUnresolved, entityID)
	}

	d := s.quorum.Authorize(ctx, quorum.Request{Class: class, Subject: entityID})
	if !d.Allowed() {
		return nil, &d, d.Err()
	}

	head, err := s.store.Head(ctx, entityID)
	if err != nil {
		return nil, &d, err
	}
	payload, err := fn(ctx, head)
	if err != nil {
		return nil, &d, fmt.Errorf("mutation: %w", err)
	}

	v, err := s.store.Append(ctx, entityID, head.Clock.Increment(s.nodeID), payload, s.appendOpts(d, head, o, versioned.ChangeUpdate)...)
	if err != nil {
		return nil, &d, err
	}
	return v, &d, nil
}

func (s *Service) appendOpts(d quorum.Decision, head *versioned.StateVersion, o submitOptions, defaultChange string) []versioned.AppendOption {
	expected := head.Hash
	if o.expectedHead != "" {
		expected = o.expectedHead
	}
	changeType := defaultChange
	if o.changeType != "" {
		changeType = o.changeType
	}
	opts := []versioned.AppendOption{
		versioned.WithExpectedHead(expected),
		versioned.WithChangeType(changeType),
		versioned.WithNodeID(s.nodeID),
	}
	if d.EpisodeID != "" {
		opts = append(opts, versioned.WithEpisode(d.EpisodeID))
	}
	return opts
}

// Terminate seals an entity after every member node acknowledges. It is
// the Destructive operation; later appends fail with ErrEntityTerminated.
func (s *Service) Terminate(ctx context.Context, entityID string) (*versioned.StateVersion, error) {
	const op = "terminate"
	if s.isClosed() {
		return nil, opError(op, entityID, quorum.Destructive, nil, ErrServiceClosed)
	}
	if err := validation.ValidateClientEntityID(entityID); err != nil {
		return nil, opError(op, entityID, quorum.Destructive, nil, err)
	}

	ctx, span := otel.Tracer("timeline").Start(ctx, "timeline.Terminate",
		trace.WithAttributes(attribute.String("entity_id", entityID)),
	)
	defer span.End()

	if _, err := s.store.Entity(ctx, entityID); err != nil {
		return nil, opError(op, entityID, quorum.Destructive, nil, err)
	}
	if s.div.Unresolved(entityID) {
		return nil, opError(op, entityID, quorum.Destructive, nil, fmt.Errorf("%w: %s", ErrDivergenceUnresolved, entityID))
	}
	d := s.quorum.Authorize(ctx, quorum.Request{Class: quorum.Destructive, Subject: entityID})
	if !d.Allowed() {
		span.SetStatus(codes.Error, d.Reason)
		return nil, opError(op, entityID, quorum.Destructive, &d, d.Err())
	}

	head, err := s.store.Head(ctx, entityID)
	if err != nil {
		return nil, opError(op, entityID, quorum.Destructive, &d, err)
	}
	opts := s.appendOpts(d, head, submitOptions{}, versioned.ChangeTerminate)
	v, err := s.store.Terminate(ctx, entityID, head.Clock.Increment(s.nodeID), opts...)
	if err != nil {
		span.RecordError(err)
		return nil, opError(op, entityID, quorum.Destructive, &d, err)
	}
	if err := s.groups.RefreshAggregate(ctx, entityID); err != nil {
		s.logger.Warn("aggregate refresh failed",
			slog.String("entity_id", entityID),
			slog.String("error", err.Error()))
	}
	s.logger.Warn("entity terminated",
		slog.String("entity_id", entityID),
		slog.Int("acknowledged", len(d.Acknowledged)))
	return v, nil
}

// Head returns an entity's canonical head.
func (s *Service) Head(ctx context.Context, entityID string) (*versioned.StateVersion, error) {
	return s.store.Head(ctx, entityID)
}

// Heads returns the canonical head followed by unmerged alternate tips.
func (s *Service) Heads(ctx context.Context, entityID string) ([]*versioned.StateVersion, error) {
	return s.store.Heads(ctx, entityID)
}

// Timeline returns an entity's canonical chain, genesis first.
func (s *Service) Timeline(ctx context.Context, entityID string) ([]*versioned.StateVersion, error) {
	return s.store.Timeline(ctx, entityID)
}

// Entities lists every entity stored here, including replicas and group
// timelines.
func (s *Service) Entities(ctx context.Context) ([]string, error) {
	return s.store.Entities(ctx)
}

// =============================================================================
// Group operations
// =============================================================================

// CreateGroup registers a group hosted across the given members.
func (s *Service) CreateGroup(ctx context.Context, groupID string, members []group.Member) (*group.Snapshot, error) {
	if s.isClosed() {
		return nil, ErrServiceClosed
	}
	snap, err := s.groups.Create(ctx, groupID, members)
	if err != nil {
		return nil, opError("create_group", groupID, quorum.Collective, nil, err)
	}
	return snap, nil
}

// EnsureGroup makes groupID known locally.
//
// # Description
//
// A group already loaded is returned as is. Otherwise the membership log
// and aggregate are fetched from peers. If no peer has them, the group is
// created here only when this node hosts the lowest-ordered member node,
// so that exactly one process writes the genesis versions.
//
// # Outputs
//
//   - *group.Snapshot: The group.
//   - error: ErrUnknownGroup when another node is responsible for creating
//     it and no peer has it yet. Callers retry later.
func (s *Service) EnsureGroup(ctx context.Context, groupID string, members []group.Member) (*group.Snapshot, error) {
	if snap, err := s.groups.Snapshot(groupID); err == nil {
		return snap, nil
	}

	episode := s.partition.Status().EpisodeID
	for _, id := range []string{group.MembershipEntity(groupID), group.AggregateEntity(groupID)} {
		if _, err := s.div.Sync(ctx, s.transport, id, episode); err != nil {
			s.logger.Debug("group fetch failed",
				slog.String("group_id", groupID),
				slog.String("entity_id", id),
				slog.String("error", err.Error()))
		}
	}
	if err := s.groups.Load(ctx); err != nil {
		return nil, err
	}
	if snap, err := s.groups.Snapshot(groupID); err == nil {
		return snap, nil
	}

	if creatorNode(members) != s.nodeID {
		return nil, fmt.Errorf("%w: %s not yet replicated from %s", ErrUnknownGroup, groupID, creatorNode(members))
	}
	return s.CreateGroup(ctx, groupID, members)
}

func creatorNode(members []group.Member) string {
	creator := ""
	for _, m := range members {
		if creator == "" || m.NodeID < creator {
			creator = m.NodeID
		}
	}
	return creator
}

// GroupSubmitOperation authorizes and applies a write to a group's
// aggregate timeline.
//
// # Description
//
// Authorization goes through the group handler: Dormant groups refuse,
// Degraded groups authorize against the local partition and write
// tentative versions, and groups with open divergences refuse everything
// but Individual operations.
//
// # Outputs
//
//   - *versioned.StateVersion: The new aggregate head.
//   - error: *OperationError wrapping ErrUnknownGroup,
//     ErrInsufficientQuorum, ErrDivergenceUnresolved or a store error.
func (s *Service) GroupSubmitOperation(ctx context.Context, groupID string, class quorum.Class, fn versioned.MutationFunc, opts ...SubmitOption) (*versioned.StateVersion, error) {
	const op = "group_submit"
	if fn == nil {
		return nil, opError(op, groupID, class, nil, errors.New("mutation must not be nil"))
	}
	if s.isClosed() {
		return nil, opError(op, groupID, class, nil, ErrServiceClosed)
	}
	o := applySubmitOptions(opts)

	ctx, span := otel.Tracer("timeline").Start(ctx, "timeline.GroupSubmitOperation",
		trace.WithAttributes(
			attribute.String("group_id", groupID),
			attribute.String("class", class.String()),
		),
	)
	defer span.End()

	var extra []versioned.AppendOption
	if o.changeType != "" {
		extra = append(extra, versioned.WithChangeType(o.changeType))
	}
	if o.expectedHead != "" {
		extra = append(extra, versioned.WithExpectedHead(o.expectedHead))
	}

	v, d, err := s.groups.Submit(ctx, groupID, class, fn, extra...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "group submit failed")
		return nil, opError(op, groupID, class, groupDecision(d), err)
	}
	return v, nil
}

// AddMember adds an entity to a group. Collective.
func (s *Service) AddMember(ctx context.Context, groupID string, m group.Member) (*group.Snapshot, error) {
	_, d, err := s.groups.AddMember(ctx, groupID, m)
	if err != nil {
		return nil, opError("add_member", groupID, quorum.Collective, groupDecision(d), err)
	}
	return s.groups.Snapshot(groupID)
}

// RemoveMember removes an entity from a group. Collective.
func (s *Service) RemoveMember(ctx context.Context, groupID, entityID string) (*group.Snapshot, error) {
	_, d, err := s.groups.RemoveMember(ctx, groupID, entityID)
	if err != nil {
		return nil, opError("remove_member", groupID, quorum.Collective, groupDecision(d), err)
	}
	return s.groups.Snapshot(groupID)
}

func groupDecision(d group.Decision) *quorum.Decision {
	if d.Verdict == "" {
		return nil
	}
	cp := d.Decision
	return &cp
}

// Group returns a snapshot of one group.
func (s *Service) Group(groupID string) (*group.Snapshot, error) {
	return s.groups.Snapshot(groupID)
}

// Groups lists every known group.
func (s *Service) Groups() []group.Snapshot {
	return s.groups.Snapshots()
}

// =============================================================================
// Partition events and merges
// =============================================================================

// SubscribePartitionEvents registers handler for every partition state
// transition. The returned function unsubscribes.
func (s *Service) SubscribePartitionEvents(handler partition.Callback) func() {
	return s.partition.Subscribe(handler)
}

// SubscribeEvents returns a channel of every service event. A subscriber
// that does not keep up loses events. The channel is closed when cancel
// is called or the service closes.
func (s *Service) SubscribeEvents(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// PendingMerges lists open merge proposals for an entity, or for every
// timeline of a group when target names a group.
func (s *Service) PendingMerges(ctx context.Context, target string) ([]divergence.Proposal, error) {
	out := []divergence.Proposal{}
	if snap, err := s.groups.Snapshot(target); err == nil {
		ids := make([]string, 0, len(snap.Members)+2)
		for _, m := range snap.Members {
			ids = append(ids, m.EntityID)
		}
		ids = append(ids, group.MembershipEntity(target), group.AggregateEntity(target))
		for _, id := range ids {
			out = append(out, s.div.Pending(id)...)
		}
		return out, nil
	}
	if _, err := s.store.Entity(ctx, target); err != nil {
		return nil, opError("pending_merges", target, quorum.Individual, nil, err)
	}
	return append(out, s.div.Pending(target)...), nil
}

// Divergences lists every open divergence record.
func (s *Service) Divergences() []divergence.Record {
	return s.div.Open()
}

// ResolveMerge accepts a merge proposal.
//
// # Outputs
//
//   - *versioned.StateVersion: The merge commit, or the unchanged head for
//     Superposition.
//   - error: *OperationError wrapping ErrUnknownProposal,
//     ErrAlreadyResolved, ErrSynthesisUnavailable or a store error.
func (s *Service) ResolveMerge(ctx context.Context, proposalID string) (*versioned.StateVersion, error) {
	if s.isClosed() {
		return nil, opError("resolve_merge", proposalID, quorum.Individual, nil, ErrServiceClosed)
	}
	prop, _ := s.div.Proposal(proposalID)

	v, err := s.div.ApplyMerge(ctx, proposalID)
	if err != nil {
		return nil, opError("resolve_merge", proposalID, quorum.Individual, nil, err)
	}

	if prop.Strategy != divergence.Superposition {
		if err := s.groups.RefreshAggregate(ctx, prop.EntityID); err != nil {
			s.logger.Warn("aggregate refresh failed",
				slog.String("entity_id", prop.EntityID),
				slog.String("error", err.Error()))
		}
	}
	s.events.publish(Event{
		Kind:         EventMerge,
		At:           s.now().UTC(),
		NodeID:       s.nodeID,
		EntityID:     prop.EntityID,
		Hash:         v.Hash,
		Sequence:     v.Sequence,
		DivergenceID: prop.DivergenceID,
		ProposalID:   proposalID,
		Strategy:     prop.Strategy,
	})
	return v, nil
}

// Sync reconciles one entity with every peer now.
func (s *Service) Sync(ctx context.Context, entityID string) (*divergence.Record, error) {
	if _, err := s.div.Sync(ctx, s.transport, entityID, s.partition.Status().EpisodeID); err != nil {
		return nil, err
	}
	if rec, ok := s.div.Record(entityID); ok {
		return &rec, nil
	}
	return nil, nil
}

// =============================================================================
// Status
// =============================================================================

// ProtectionStatus summarizes the protection state of one entity.
type ProtectionStatus struct {
	EntityID       string             `json:"entity_id"`
	EntityType     string             `json:"entity_type,omitempty"`
	Registered     bool               `json:"registered"`
	Replica        bool               `json:"replica,omitempty"`
	Terminated     bool               `json:"terminated,omitempty"`
	TimelineLength int                `json:"timeline_length"`
	Clock          vclock.VectorClock `json:"clock,omitempty"`
	HeadHash       string             `json:"head_hash,omitempty"`
	AlternateHeads []string           `json:"alternate_heads,omitempty"`
	// KnownNodes lists every process counted by the primary or an
	// alternate head clock.
	KnownNodes    []string         `json:"known_nodes,omitempty"`
	Partition     partition.Status `json:"partition"`
	PendingMerges int              `json:"pending_merges"`
	Divergence    divergence.State `json:"divergence,omitempty"`
	Groups        []string         `json:"groups,omitempty"`
}

// ProtectionStatus reports what protects an entity right now. Unknown
// entities yield Registered=false rather than an error.
func (s *Service) ProtectionStatus(ctx context.Context, entityID string) (*ProtectionStatus, error) {
	ps := &ProtectionStatus{EntityID: entityID, Partition: s.partition.Status()}

	ent, err := s.store.Entity(ctx, entityID)
	if errors.Is(err, versioned.ErrUnknownEntity) {
		return ps, nil
	}
	if err != nil {
		return nil, err
	}
	ps.Registered = true
	ps.EntityType = ent.Type
	ps.Replica = ent.Replica
	ps.Terminated = ent.Terminated

	heads, err := s.store.Heads(ctx, entityID)
	if err != nil {
		return nil, err
	}
	head := heads[0]
	ps.TimelineLength = int(head.Sequence) + 1
	ps.Clock = head.Clock.Clone()
	ps.HeadHash = head.Hash
	known := make(map[string]bool)
	for i, h := range heads {
		for _, n := range h.Clock.Processes() {
			known[n] = true
		}
		if i > 0 {
			ps.AlternateHeads = append(ps.AlternateHeads, h.Hash)
		}
	}
	ps.KnownNodes = make([]string, 0, len(known))
	for n := range known {
		ps.KnownNodes = append(ps.KnownNodes, n)
	}
	sort.Strings(ps.KnownNodes)
	ps.PendingMerges = len(s.div.Pending(entityID))
	if rec, ok := s.div.Record(entityID); ok {
		ps.Divergence = rec.State
	}
	ps.Groups = s.groups.GroupsOf(entityID)
	return ps, nil
}

// NodeStatus summarizes the local process.
type NodeStatus struct {
	NodeID          string            `json:"node_id"`
	Version         string            `json:"version"`
	Partition       partition.View    `json:"partition"`
	Entities        int               `json:"entities"`
	Groups          []group.Snapshot  `json:"groups"`
	OpenDivergences int               `json:"open_divergences"`
	ClockSummary    map[string]uint64 `json:"clock_summary"`
}

// Status returns a snapshot of the local process.
func (s *Service) Status(ctx context.Context) (*NodeStatus, error) {
	ids, err := s.store.Entities(ctx)
	if err != nil {
		return nil, err
	}
	return &NodeStatus{
		NodeID:          s.nodeID,
		Version:         ServiceVersion,
		Partition:       s.partition.View(),
		Entities:        len(ids),
		Groups:          s.groups.Snapshots(),
		OpenDivergences: len(s.div.Open()),
		ClockSummary:    s.clockSummary(),
	}, nil
}

// =============================================================================
// Peer-facing operations
// =============================================================================

// HandlePing answers a heartbeat from a peer.
func (s *Service) HandlePing(ping partition.Ping) partition.Pong {
	return s.partition.HandlePing(ping)
}

// HandleAck answers a destructive acknowledgement request from a peer.
func (s *Service) HandleAck(req quorum.AckRequest) quorum.AckResponse {
	return s.quorum.HandleAck(req)
}

// ExportHistory returns the local copy of an entity for a peer to
// reconcile against.
func (s *Service) ExportHistory(ctx context.Context, entityID string) (divergence.RemoteHistory, error) {
	versions, err := versioned.Export(ctx, s.store, entityID)
	if err != nil {
		return divergence.RemoteHistory{}, err
	}
	head, err := s.store.Head(ctx, entityID)
	if err != nil {
		return divergence.RemoteHistory{}, err
	}
	return divergence.RemoteHistory{
		NodeID:   s.nodeID,
		EntityID: entityID,
		Head:     head.Hash,
		Versions: versions,
	}, nil
}

// consent refuses acknowledgements for subjects that are not settled here.
func (s *Service) consent(req quorum.AckRequest) (bool, string) {
	if s.div.Unresolved(req.Subject) {
		return false, fmt.Sprintf("divergence unresolved on %s", s.nodeID)
	}
	if snap, err := s.groups.Snapshot(req.Subject); err == nil && len(snap.Blocked) > 0 {
		return false, fmt.Sprintf("group blocked on %s", s.nodeID)
	}
	return true, ""
}

// =============================================================================
// Callbacks
// =============================================================================

// onHealed runs while the partition manager still reports Confirmed.
// Group timelines are reconciled by the group handler; every other local
// entity is reconciled here.
func (s *Service) onHealed(ctx context.Context, ev partition.Event) {
	s.groups.OnPartitionHealed(ctx, ev)

	ids, err := s.store.Entities(ctx)
	if err != nil {
		s.logger.Error("list entities for heal failed", slog.String("error", err.Error()))
		return
	}
	synced := 0
	for _, id := range ids {
		if s.groups.Owns(id) {
			continue
		}
		if _, err := s.div.Sync(ctx, s.transport, id, ev.EpisodeID); err != nil {
			s.logger.Error("heal reconcile failed",
				slog.String("entity_id", id),
				slog.String("error", err.Error()))
			continue
		}
		synced++
	}
	if err := s.refreshSummary(ctx); err != nil {
		s.logger.Warn("clock summary refresh failed", slog.String("error", err.Error()))
	}

	open := s.div.Open()
	sort.Slice(open, func(i, j int) bool { return open[i].Point.EntityID < open[j].Point.EntityID })
	for _, rec := range open {
		s.events.publish(Event{
			Kind:         EventDivergence,
			At:           s.now().UTC(),
			NodeID:       s.nodeID,
			EntityID:     rec.Point.EntityID,
			DivergenceID: rec.Point.ID,
			Proposals:    len(rec.Proposals),
		})
	}
	s.logger.Info("heal reconciliation finished",
		slog.String("episode_id", ev.EpisodeID),
		slog.Int("entities", synced),
		slog.Int("open_divergences", len(open)))
}

func (s *Service) onResolved(entityID string) {
	s.logger.Debug("divergence resolved", slog.String("entity_id", entityID))
}

func (s *Service) publishPartition(_ context.Context, ev partition.Event) {
	cp := ev
	s.events.publish(Event{Kind: EventPartition, At: ev.At, NodeID: s.nodeID, Partition: &cp})
}

// onAppend runs after every durable local write.
func (s *Service) onAppend(v *versioned.StateVersion) {
	s.metrics.RecordAppend(v.ChangeType, v.Tentative)

	s.summaryMu.Lock()
	s.summary = s.summary.Merge(v.Clock)
	s.summaryMu.Unlock()

	s.events.publish(Event{
		Kind:       EventVersion,
		At:         v.CreatedAt,
		NodeID:     s.nodeID,
		EntityID:   v.EntityID,
		Hash:       v.Hash,
		Sequence:   v.Sequence,
		ChangeType: v.ChangeType,
		Tentative:  v.Tentative,
	})
}

// clockSummary is the element-wise max of every head clock stored here.
// It is carried on heartbeats.
func (s *Service) clockSummary() map[string]uint64 {
	s.summaryMu.RLock()
	defer s.summaryMu.RUnlock()
	return s.summary.Clone()
}

func (s *Service) refreshSummary(ctx context.Context) error {
	ids, err := s.store.Entities(ctx)
	if err != nil {
		return err
	}
	summary := vclock.New()
	for _, id := range ids {
		heads, err := s.store.Heads(ctx, id)
		if err != nil {
			continue
		}
		for _, h := range heads {
			summary = summary.Merge(h.Clock)
		}
	}
	s.summaryMu.Lock()
	s.summary = s.summary.Merge(summary)
	s.summaryMu.Unlock()
	return nil
}
