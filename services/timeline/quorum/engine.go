// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quorum decides whether an operation may proceed given the
// current partition view.
//
// Every state-mutating call site routes through Engine.Authorize; the
// engine never mutates state itself. Destructive operations additionally
// collect acknowledgements from every remote member before allowing.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/observability"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrInsufficientQuorum is the sentinel for denied operations.
	ErrInsufficientQuorum = errors.New("insufficient quorum")

	// ErrDeferred marks operations that may succeed once the partition
	// status settles. It matches ErrInsufficientQuorum under errors.Is.
	ErrDeferred = fmt.Errorf("%w: deferred", ErrInsufficientQuorum)
)

// DefaultAckTimeout bounds destructive acknowledgement rounds when the
// policy does not set one.
const DefaultAckTimeout = 10 * time.Second

// ViewSource supplies partition snapshots.
type ViewSource interface {
	View() partition.View
	Peers() []partition.Peer
}

// AckRequest asks a peer to consent to a destructive operation.
type AckRequest struct {
	SenderID string `json:"sender_id" validate:"required"`
	Subject  string `json:"subject" validate:"required"`
	Class    Class  `json:"class"`
}

// AckResponse is a peer's answer.
type AckResponse struct {
	SenderID string `json:"sender_id"`
	Ack      bool   `json:"ack"`
	Reason   string `json:"reason,omitempty"`
}

// Acknowledger delivers an AckRequest to one peer.
type Acknowledger interface {
	Acknowledge(ctx context.Context, peer partition.Peer, req AckRequest) (AckResponse, error)
}

// Request describes an operation awaiting authorization.
type Request struct {
	Class Class

	// Subject is the entity or group id, used for acks and logs.
	Subject string

	// MemberNodes holds the hosting node of each member, one entry per
	// member. Empty means the whole cluster: the local node plus every
	// known peer.
	MemberNodes []string

	// DegradedMajority is set by a group already running on the majority
	// side of a confirmed partition. MemberNodes is then the reduced
	// membership and Confirmed no longer denies Collective operations.
	DegradedMajority bool
}

// Decision is the outcome of Authorize.
type Decision struct {
	Verdict      Verdict         `json:"verdict"`
	Class        Class           `json:"class"`
	Reason       string          `json:"reason"`
	Status       partition.State `json:"status"`
	EpisodeID    string          `json:"episode_id,omitempty"`
	GroupSize    int             `json:"group_size"`
	Reachable    int             `json:"reachable"`
	Required     int             `json:"required"`
	Unreachable  []string        `json:"unreachable,omitempty"`
	Acknowledged []string        `json:"acknowledged,omitempty"`
}

// Allowed reports whether the verdict is Allow.
func (d Decision) Allowed() bool {
	return d.Verdict == Allow
}

// Err returns nil for Allow, otherwise a *DecisionError.
func (d Decision) Err() error {
	if d.Allowed() {
		return nil
	}
	return &DecisionError{Decision: d}
}

// DecisionError carries a non-Allow decision.
type DecisionError struct {
	Decision Decision
}

func (e *DecisionError) Error() string {
	d := e.Decision
	return fmt.Sprintf("%s %s operation: %s (status=%s reachable=%d required=%d unreachable=%d)",
		d.Verdict, d.Class, d.Reason, d.Status, d.Reachable, d.Required, len(d.Unreachable))
}

// Unwrap maps the verdict onto the package sentinels.
func (e *DecisionError) Unwrap() error {
	if e.Decision.Verdict == Defer {
		return ErrDeferred
	}
	return ErrInsufficientQuorum
}

// Config configures an Engine.
type Config struct {
	// NodeID is the local process id. Required.
	NodeID string

	// Source supplies partition views. Required.
	Source ViewSource

	// Acker delivers destructive acknowledgement requests. When nil,
	// destructive operations with remote members are denied.
	Acker Acknowledger

	// Policies defaults to DefaultPolicies().
	Policies *PolicySet

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Engine evaluates the policy table.
//
// Thread Safety: Safe for concurrent use. The ack hook may be replaced at
// any time.
type Engine struct {
	nodeID   string
	source   ViewSource
	acker    Acknowledger
	policies *PolicySet
	logger   *slog.Logger
	metrics  *observability.Metrics

	hookMu  sync.RWMutex
	ackHook func(AckRequest) (bool, string)
}

// NewEngine creates an engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node id is required")
	}
	if cfg.Source == nil {
		return nil, errors.New("view source is required")
	}
	if cfg.Policies == nil {
		p, err := DefaultPolicies()
		if err != nil {
			return nil, fmt.Errorf("load default policies: %w", err)
		}
		cfg.Policies = p
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		nodeID:   cfg.NodeID,
		source:   cfg.Source,
		acker:    cfg.Acker,
		policies: cfg.Policies,
		logger:   cfg.Logger.With(slog.String("component", "quorum")),
		metrics:  cfg.Metrics,
	}, nil
}

// SetAckHook installs the local consent check used by HandleAck. The hook
// returns whether to acknowledge and, if not, why.
func (e *Engine) SetAckHook(hook func(AckRequest) (bool, string)) {
	e.hookMu.Lock()
	defer e.hookMu.Unlock()
	e.ackHook = hook
}

// HandleAck answers an acknowledgement request from a peer.
func (e *Engine) HandleAck(req AckRequest) AckResponse {
	e.hookMu.RLock()
	hook := e.ackHook
	e.hookMu.RUnlock()

	resp := AckResponse{SenderID: e.nodeID, Ack: true}
	if hook != nil {
		resp.Ack, resp.Reason = hook(req)
	}
	e.logger.Debug("ack request answered",
		slog.String("from", req.SenderID),
		slog.String("subject", req.Subject),
		slog.Bool("ack", resp.Ack))
	return resp
}

// Authorize decides whether req may proceed.
//
// # Description
//
// Takes one partition snapshot and evaluates, in order: deny states,
// defer states, the class rule, and the optional guard. For the unanimous
// rule the engine then asks every remote member node for an
// acknowledgement, bounded by the policy's ack timeout.
//
// # Inputs
//
//   - ctx: Cancels the acknowledgement wait. Cancellation yields Deny and
//     has no side effects.
//   - req: The operation.
//
// # Outputs
//
//   - Decision: Always populated. Use Err() to convert to an error.
func (e *Engine) Authorize(ctx context.Context, req Request) Decision {
	ctx, span := otel.Tracer("timeline").Start(ctx, "quorum.Authorize",
		trace.WithAttributes(
			attribute.String("class", req.Class.String()),
			attribute.String("subject", req.Subject),
		),
	)
	defer span.End()

	d := e.authorize(ctx, req)

	span.SetAttributes(
		attribute.String("verdict", string(d.Verdict)),
		attribute.Int("reachable", d.Reachable),
		attribute.Int("required", d.Required),
	)
	if !d.Allowed() {
		span.SetStatus(codes.Error, d.Reason)
		e.logger.Info("operation not authorized",
			slog.String("class", d.Class.String()),
			slog.String("subject", req.Subject),
			slog.String("verdict", string(d.Verdict)),
			slog.String("reason", d.Reason),
			slog.String("status", d.Status.String()),
			slog.Int("reachable", d.Reachable),
			slog.Int("required", d.Required))
	}
	e.metrics.RecordDecision(d.Class.String(), string(d.Verdict))
	return d
}

func (e *Engine) authorize(ctx context.Context, req Request) Decision {
	view := e.source.View()
	members := req.MemberNodes
	if len(members) == 0 {
		members = append([]string{e.nodeID}, nodeIDs(e.source.Peers())...)
	}

	d := Decision{
		Class:     req.Class,
		Status:    view.Status.State,
		EpisodeID: view.Status.EpisodeID,
		GroupSize: len(members),
	}
	for _, n := range members {
		if view.IsReachable(n) {
			d.Reachable++
		} else {
			d.Unreachable = appendUnique(d.Unreachable, n)
		}
	}

	policy, ok := e.policies.For(req.Class)
	if !ok {
		return deny(d, "no policy for class")
	}

	if policy.Rule == RuleAlways {
		d.Verdict = Allow
		d.Reason = "always allowed"
		return d
	}

	exempt := req.DegradedMajority && req.Class == Collective
	if policy.denyIn[view.Status.State] && !exempt {
		return deny(d, fmt.Sprintf("partition %s", view.Status.State))
	}
	if policy.deferIn[view.Status.State] {
		d.Verdict = Defer
		d.Reason = fmt.Sprintf("partition %s, retry after the grace period", view.Status.State)
		return d
	}

	switch policy.Rule {
	case RuleMajority:
		d.Required = MajoritySize(d.GroupSize)
		if d.Reachable < d.Required {
			return deny(d, "insufficient quorum")
		}
	case RuleUnanimous:
		d.Required = d.GroupSize
		if d.Reachable < d.Required {
			return deny(d, "unanimity impossible, members unreachable")
		}
	}

	ok, err := policy.evalGuard(guardInput{
		class:     req.Class,
		subject:   req.Subject,
		status:    view.Status.State,
		groupSize: d.GroupSize,
		reachable: d.Reachable,
		required:  d.Required,
		degraded:  req.DegradedMajority,
	})
	if err != nil {
		return deny(d, fmt.Sprintf("guard error: %v", err))
	}
	if !ok {
		return deny(d, "policy guard rejected")
	}

	if policy.Rule == RuleUnanimous {
		timeout := policy.AckTimeout
		if timeout <= 0 {
			timeout = DefaultAckTimeout
		}
		return e.collectAcks(ctx, req, d, members, timeout)
	}

	d.Verdict = Allow
	d.Reason = "majority reachable"
	return d
}

// collectAcks asks every distinct remote member node to acknowledge.
func (e *Engine) collectAcks(ctx context.Context, req Request, d Decision, members []string, timeout time.Duration) Decision {
	addrs := make(map[string]partition.Peer)
	for _, p := range e.source.Peers() {
		addrs[p.ID] = p
	}

	var remote []partition.Peer
	seen := map[string]bool{e.nodeID: true}
	for _, n := range members {
		if seen[n] {
			continue
		}
		seen[n] = true
		p, ok := addrs[n]
		if !ok {
			d.Unreachable = appendUnique(d.Unreachable, n)
			return deny(d, fmt.Sprintf("member node %s not in membership view", n))
		}
		remote = append(remote, p)
	}
	d.Acknowledged = []string{e.nodeID}
	if len(remote) == 0 {
		d.Verdict = Allow
		d.Reason = "unanimous"
		return d
	}
	if e.acker == nil {
		return deny(d, "no acknowledgement transport")
	}

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var mu sync.Mutex
	var refused []string
	g, gctx := errgroup.WithContext(actx)
	for _, p := range remote {
		g.Go(func() error {
			resp, err := e.acker.Acknowledge(gctx, p, AckRequest{SenderID: e.nodeID, Subject: req.Subject, Class: req.Class})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				refused = append(refused, p.ID)
				return fmt.Errorf("peer %s: %w", p.ID, err)
			}
			if !resp.Ack {
				refused = append(refused, p.ID)
				return fmt.Errorf("peer %s refused: %s", p.ID, resp.Reason)
			}
			d.Acknowledged = append(d.Acknowledged, p.ID)
			return nil
		})
	}
	err := g.Wait()
	sort.Strings(d.Acknowledged)

	if ctx.Err() != nil {
		return deny(d, fmt.Sprintf("authorization cancelled: %v", ctx.Err()))
	}
	if err != nil {
		for _, id := range refused {
			d.Unreachable = appendUnique(d.Unreachable, id)
		}
		return deny(d, fmt.Sprintf("acknowledgement failed: %v", err))
	}
	d.Verdict = Allow
	d.Reason = "unanimous"
	return d
}

// MajoritySize is the Collective quorum for a group of size members,
// ceil(size/2 + 1). It never exceeds size, so a one-member group can act
// on its own.
func MajoritySize(size int) int {
	n := size/2 + 1 + size%2
	if n > size {
		return size
	}
	return n
}

func deny(d Decision, reason string) Decision {
	d.Verdict = Deny
	d.Reason = reason
	return d
}

func nodeIDs(peers []partition.Peer) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.ID
	}
	return out
}

func appendUnique(list []string, id string) []string {
	for _, x := range list {
		if x == id {
			return list
		}
	}
	return append(list, id)
}
