// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package partition detects network partitions between hosting processes.
//
// # Description
//
// A Manager probes every known peer on a fixed interval. Consecutive
// misses move the local status from Connected to Suspected; a suspicion
// that outlasts the grace period becomes Confirmed. The first tick in
// which every peer answers heals the partition.
//
// Healed observers run to completion while Status still reports
// Confirmed. Anything that gates Collective or Destructive work on the
// status therefore cannot admit such work until reconciliation has been
// kicked off.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Ticks are serialized. Readers get
// copies of the current view.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Default timing. All of them are configurable.
const (
	DefaultInterval      = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
	DefaultMissThreshold = 3
	DefaultGracePeriod   = 5 * time.Minute
)

// Config configures a Manager.
type Config struct {
	// NodeID is the local process id. Required.
	NodeID string

	// Prober sends heartbeats. Required.
	Prober Prober

	// Peers is the initial membership view.
	Peers []Peer

	// Interval between ticks in Run. Default: 30s.
	Interval time.Duration

	// ProbeTimeout bounds each probe. Default: 5s.
	ProbeTimeout time.Duration

	// MissThreshold is the consecutive misses that raise suspicion. Default: 3.
	MissThreshold int

	// GracePeriod is how long a suspicion must last before it is
	// confirmed. Default: 5m.
	GracePeriod time.Duration

	// ClockSummary supplies the local clock summary carried on pings.
	ClockSummary func() map[string]uint64

	// Now defaults to time.Now.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Validate checks required fields and timing sanity.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("node id is required")
	}
	if c.Prober == nil {
		return errors.New("prober is required")
	}
	if c.Interval < 0 || c.ProbeTimeout < 0 || c.GracePeriod < 0 {
		return errors.New("timing values must not be negative")
	}
	if c.MissThreshold < 0 {
		return errors.New("miss threshold must not be negative")
	}
	for _, p := range c.Peers {
		if p.ID == c.NodeID {
			return fmt.Errorf("peer list contains local node %q", p.ID)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Interval == 0 {
		c.Interval = DefaultInterval
	}
	if c.ProbeTimeout == 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.MissThreshold == 0 {
		c.MissThreshold = DefaultMissThreshold
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.ClockSummary == nil {
		c.ClockSummary = func() map[string]uint64 { return nil }
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager runs the heartbeat state machine.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	tickMu sync.Mutex

	mu          sync.RWMutex
	status      Status
	suspectedAt time.Time
	peers       map[string]*PeerState

	obsMu       sync.RWMutex
	onConfirmed []Callback
	onHealed    []Callback
	subscribers map[uint64]Callback
	nextSubID   uint64
}

// NewManager creates a manager in the Connected state.
//
// # Inputs
//
//   - cfg: Configuration. Zero timing fields take the defaults.
//
// # Outputs
//
//   - *Manager: Ready manager. Call Run or drive HeartbeatTick directly.
//   - error: Non-nil if cfg is invalid.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid partition config: %w", err)
	}
	cfg.applyDefaults()

	m := &Manager{
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("component", "partition"), slog.String("node_id", cfg.NodeID)),
		peers:       make(map[string]*PeerState, len(cfg.Peers)),
		subscribers: make(map[uint64]Callback),
	}
	for _, p := range cfg.Peers {
		m.peers[p.ID] = &PeerState{Peer: p}
	}
	cfg.Metrics.SetPartitionState(int(Connected))
	return m, nil
}

// NodeID returns the local process id.
func (m *Manager) NodeID() string {
	return m.cfg.NodeID
}

// Status returns the current status.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// View returns a snapshot of status and peer reachability.
func (m *Manager) View() View {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.viewLocked()
}

func (m *Manager) viewLocked() View {
	v := View{NodeID: m.cfg.NodeID, Status: m.status, Reachable: []string{}, Unreachable: []string{}}
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		ps := *m.peers[id]
		ps.LastClock = copySummary(ps.LastClock)
		v.Peers = append(v.Peers, ps)
		if ps.Misses >= m.cfg.MissThreshold {
			v.Unreachable = append(v.Unreachable, id)
		} else {
			v.Reachable = append(v.Reachable, id)
		}
	}
	return v
}

// Peers returns the membership view.
func (m *Manager) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peer, 0, len(m.peers))
	for _, ps := range m.peers {
		out = append(out, ps.Peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetPeers replaces the membership view. Counters survive for peers that
// remain; removed peers stop counting against reachability.
func (m *Manager) SetPeers(peers []Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*PeerState, len(peers))
	for _, p := range peers {
		if p.ID == m.cfg.NodeID {
			continue
		}
		if old, ok := m.peers[p.ID]; ok {
			old.Address = p.Address
			next[p.ID] = old
			continue
		}
		next[p.ID] = &PeerState{Peer: p}
	}
	m.peers = next
	m.logger.Info("membership view updated", slog.Int("peers", len(next)))
}

// OnPartitionConfirmed registers an observer for confirmation.
func (m *Manager) OnPartitionConfirmed(cb Callback) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.onConfirmed = append(m.onConfirmed, cb)
}

// OnPartitionHealed registers an observer for heal. Observers run before
// the status leaves Confirmed.
func (m *Manager) OnPartitionHealed(cb Callback) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.onHealed = append(m.onHealed, cb)
}

// Subscribe registers an observer for every transition.
//
// # Outputs
//
//   - func(): Removes the subscription. Safe to call more than once.
func (m *Manager) Subscribe(cb Callback) func() {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = cb
	return func() {
		m.obsMu.Lock()
		defer m.obsMu.Unlock()
		delete(m.subscribers, id)
	}
}

// HandlePing answers a heartbeat from a peer. An inbound ping counts as a
// successful exchange with the sender.
func (m *Manager) HandlePing(ping Ping) Pong {
	m.mu.Lock()
	if ps, ok := m.peers[ping.SenderID]; ok {
		ps.LastSeen = m.cfg.Now()
		ps.LastClock = copySummary(ping.ClockSummary)
	}
	m.mu.Unlock()
	return Pong{SenderID: m.cfg.NodeID, ClockSummary: m.cfg.ClockSummary()}
}

// Run ticks every Interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("heartbeat loop started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("grace_period", m.cfg.GracePeriod),
		slog.Int("miss_threshold", m.cfg.MissThreshold))

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat loop stopped")
			return
		case <-ticker.C:
			if err := m.HeartbeatTick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("heartbeat tick failed", slog.String("error", err.Error()))
			}
		}
	}
}

type probeResult struct {
	id    string
	ok    bool
	clock map[string]uint64
	rtt   time.Duration
}

// HeartbeatTick probes every peer once and advances the state machine.
//
// # Description
//
// Probes run concurrently, each bounded by ProbeTimeout. Results update
// last-seen and miss counters, then the transition rules are applied:
//
//   - Connected → Suspected when any peer reaches MissThreshold.
//   - Suspected → Connected when every peer is back under the threshold.
//   - Suspected → Confirmed once GracePeriod has passed since suspicion.
//   - Confirmed → Connected when every peer answered this tick, after all
//     healed observers have returned.
//
// # Outputs
//
//   - error: ctx.Err() if the tick was cancelled before probing.
func (m *Manager) HeartbeatTick(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.tickMu.Lock()
	defer m.tickMu.Unlock()

	ctx, span := otel.Tracer("timeline").Start(ctx, "partition.HeartbeatTick")
	defer span.End()

	peers := m.Peers()
	ping := Ping{SenderID: m.cfg.NodeID, ClockSummary: m.cfg.ClockSummary()}
	results := make([]probeResult, len(peers))

	var g errgroup.Group
	for i, p := range peers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
			defer cancel()
			start := m.cfg.Now()
			pong, err := m.cfg.Prober.Probe(pctx, p, ping)
			res := probeResult{id: p.ID, rtt: m.cfg.Now().Sub(start)}
			if err == nil && pong.SenderID == p.ID {
				res.ok = true
				res.clock = pong.ClockSummary
			} else if err != nil {
				m.logger.Debug("heartbeat missed",
					slog.String("peer", p.ID),
					slog.String("error", err.Error()))
			}
			results[i] = res
			m.cfg.Metrics.RecordProbe(p.ID, res.ok, res.rtt)
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("peers", len(peers)))
	return m.advance(ctx, results, span)
}

func (m *Manager) advance(ctx context.Context, results []probeResult, span trace.Span) error {
	now := m.cfg.Now()

	m.mu.Lock()
	allAnswered := true
	for _, r := range results {
		ps, ok := m.peers[r.id]
		if !ok {
			continue
		}
		if r.ok {
			ps.Misses = 0
			ps.LastSeen = now
			ps.LastClock = copySummary(r.clock)
		} else {
			ps.Misses++
			allAnswered = false
		}
	}
	anyLost := false
	for _, ps := range m.peers {
		if ps.Misses >= m.cfg.MissThreshold {
			anyLost = true
			break
		}
	}

	var ev *Event
	from := m.status.State
	switch from {
	case Connected:
		if anyLost {
			m.suspectedAt = now
			m.status = Status{State: Suspected, Since: now, EpisodeID: uuid.NewString()}
			ev = m.eventLocked(EventSuspected, from, now)
		}
	case Suspected:
		switch {
		case !anyLost:
			episode := m.status.EpisodeID
			m.status = Status{State: Connected, Since: now}
			ev = m.eventLocked(EventRecovered, from, now)
			ev.EpisodeID = episode
		case now.Sub(m.suspectedAt) >= m.cfg.GracePeriod:
			m.status = Status{State: Confirmed, Since: now, EpisodeID: m.status.EpisodeID}
			ev = m.eventLocked(EventConfirmed, from, now)
		}
	case Confirmed:
		if allAnswered && !anyLost {
			// Status stays Confirmed until healed observers return.
			ev = m.eventLocked(EventHealed, from, now)
			ev.To = Connected
		}
	}
	m.mu.Unlock()

	if ev == nil {
		return nil
	}

	span.SetAttributes(
		attribute.String("transition", string(ev.Type)),
		attribute.String("episode_id", ev.EpisodeID),
	)
	m.logger.Info("partition status changed",
		slog.String("event", string(ev.Type)),
		slog.String("from", ev.From.String()),
		slog.String("to", ev.To.String()),
		slog.String("episode_id", ev.EpisodeID),
		slog.Int("unreachable", len(ev.Unreachable)))

	switch ev.Type {
	case EventConfirmed:
		m.cfg.Metrics.SetPartitionState(int(Confirmed))
		m.fire(ctx, m.confirmedObservers(), *ev)
	case EventHealed:
		m.fire(ctx, m.healedObservers(), *ev)
		m.mu.Lock()
		m.status = Status{State: Connected, Since: m.cfg.Now()}
		m.mu.Unlock()
		m.cfg.Metrics.SetPartitionState(int(Connected))
	default:
		m.cfg.Metrics.SetPartitionState(int(ev.To))
	}
	m.fire(ctx, m.subscriberList(), *ev)
	return nil
}

func (m *Manager) eventLocked(t EventType, from State, now time.Time) *Event {
	v := m.viewLocked()
	return &Event{
		Type:        t,
		EpisodeID:   m.status.EpisodeID,
		From:        from,
		To:          m.status.State,
		Since:       m.suspectedAt,
		At:          now,
		Reachable:   v.Reachable,
		Unreachable: v.Unreachable,
	}
}

func (m *Manager) confirmedObservers() []Callback {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	return append([]Callback(nil), m.onConfirmed...)
}

func (m *Manager) healedObservers() []Callback {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	return append([]Callback(nil), m.onHealed...)
}

func (m *Manager) subscriberList() []Callback {
	m.obsMu.RLock()
	defer m.obsMu.RUnlock()
	ids := make([]uint64, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Callback, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.subscribers[id])
	}
	return out
}

func (m *Manager) fire(ctx context.Context, cbs []Callback, ev Event) {
	for _, cb := range cbs {
		cb(ctx, ev)
	}
}

func copySummary(in map[string]uint64) map[string]uint64 {
	if in == nil {
		return nil
	}
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
