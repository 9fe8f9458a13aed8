// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package peer is the HTTP client side of process-to-process traffic:
// heartbeats, destructive acknowledgements and history fetches for
// reconciliation. The server side lives in the timeline package routes.
package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Paths served by every timeline process.
const (
	HeartbeatPath = "/v1/timeline/heartbeat"
	AckPath       = "/v1/timeline/ack"
	HistoryPath   = "/v1/timeline/history"
)

// ErrNotFound is returned when a peer does not know the entity.
var ErrNotFound = errors.New("peer does not know entity")

// Config configures a Client.
type Config struct {
	// HTTPClient defaults to a client with Timeout.
	HTTPClient *http.Client

	// Timeout bounds history fetches. Heartbeats and acks are bounded by
	// their callers' contexts. Defaults to 30s.
	Timeout time.Duration

	// Peers returns the peers to fetch histories from. Typically
	// the reachable peers of the partition manager.
	Peers func() []partition.Peer

	Logger *slog.Logger
}

// Client implements partition.Prober, quorum.Acknowledger and
// divergence.HistoryFetcher over HTTP.
type Client struct {
	http    *http.Client
	timeout time.Duration
	peers   func() []partition.Peer
	logger  *slog.Logger

	instrumentsOnce sync.Once
	latency         metric.Float64Histogram
}

// NewClient creates a client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Peers == nil {
		cfg.Peers = func() []partition.Peer { return nil }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		http:    cfg.HTTPClient,
		timeout: cfg.Timeout,
		peers:   cfg.Peers,
		logger:  cfg.Logger.With(slog.String("component", "peer_client")),
	}
}

func (c *Client) instruments() metric.Float64Histogram {
	c.instrumentsOnce.Do(func() {
		h, err := otel.Meter("timeline").Float64Histogram("timeline.peer.request.duration",
			metric.WithDescription("Duration of requests to peer processes"),
			metric.WithUnit("s"),
		)
		if err != nil {
			c.logger.Warn("peer latency histogram unavailable", slog.String("error", err.Error()))
		}
		c.latency = h
	})
	return c.latency
}

// Probe sends one heartbeat.
func (c *Client) Probe(ctx context.Context, p partition.Peer, ping partition.Ping) (partition.Pong, error) {
	var pong partition.Pong
	err := c.do(ctx, p, "heartbeat", http.MethodPost, HeartbeatPath, ping, &pong)
	return pong, err
}

// Acknowledge asks a peer to acknowledge a destructive operation.
func (c *Client) Acknowledge(ctx context.Context, p partition.Peer, req quorum.AckRequest) (quorum.AckResponse, error) {
	var resp quorum.AckResponse
	err := c.do(ctx, p, "ack", http.MethodPost, AckPath, req, &resp)
	return resp, err
}

// FetchHistory returns a peer's copy of an entity.
func (c *Client) FetchHistory(ctx context.Context, p partition.Peer, entityID string) (divergence.RemoteHistory, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var h divergence.RemoteHistory
	path, err := url.JoinPath(HistoryPath, entityID)
	if err != nil {
		return h, err
	}
	err = c.do(ctx, p, "history", http.MethodGet, path, nil, &h)
	if h.NodeID == "" {
		h.NodeID = p.ID
	}
	return h, err
}

// FetchHistories fetches entityID from every peer concurrently. Peers
// that fail or do not know the entity are skipped.
func (c *Client) FetchHistories(ctx context.Context, entityID string) ([]divergence.RemoteHistory, error) {
	peers := c.peers()
	results := make([]*divergence.RemoteHistory, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range peers {
		g.Go(func() error {
			h, err := c.FetchHistory(gctx, p, entityID)
			switch {
			case errors.Is(err, ErrNotFound):
			case err != nil:
				c.logger.Warn("history fetch failed",
					slog.String("peer", p.ID),
					slog.String("entity_id", entityID),
					slog.String("error", err.Error()))
			default:
				results[i] = &h
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []divergence.RemoteHistory
	for _, h := range results {
		if h != nil {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, p partition.Peer, op, method, path string, in, out any) error {
	ctx, span := otel.Tracer("timeline").Start(ctx, "peer."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("peer", p.ID),
			attribute.String("http.method", method),
		),
	)
	defer span.End()

	start := time.Now()
	err := c.roundTrip(ctx, p, method, path, in, out)
	if h := c.instruments(); h != nil {
		h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("op", op),
			attribute.Bool("ok", err == nil),
		))
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, p partition.Peer, method, path string, in, out any) error {
	target, err := url.JoinPath(p.Address, path)
	if err != nil {
		return fmt.Errorf("peer %s address: %w", p.ID, err)
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	telemetry.InjectContext(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("peer %s: %w", p.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s: status %d: %s", p.ID, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("peer %s: decode response: %w", p.ID, err)
	}
	return nil
}
