// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/extensions"
	"github.com/AleutianAI/AleutianTimeline/pkg/logging"
	"github.com/AleutianAI/AleutianTimeline/services/timeline"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/config"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/observability"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/storage/badger"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 15 * time.Second
	groupRetryEvery = 10 * time.Second
)

func (c *cli) serveCmd() *cobra.Command {
	var (
		configPath string
		listen     string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a timeline node",
		Long: `Run a timeline node with the given configuration.

The peer list is reloaded when the configuration file changes. Groups
declared in the configuration are created by their lowest node id and
loaded by every other member once the creator is reachable.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if debug {
				cfg.Logging.Level = "debug"
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, cfg, configPath, debug)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the node configuration (YAML)")
	cmd.Flags().StringVar(&listen, "listen", "", "Override the configured listen address")
	cmd.Flags().BoolVar(&debug, "debug", false, "Debug logging and gin debug mode")
	return cmd
}

// runNode wires storage, telemetry, the service and the HTTP server and
// blocks until ctx is cancelled.
func runNode(ctx context.Context, cfg *config.Config, configPath string, debug bool) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Dir:     cfg.Logging.Dir,
		Service: "timelined",
		JSON:    cfg.Logging.JSON,
	})
	defer logger.Close()
	log := logger.Slog().With(slog.String("node_id", cfg.NodeID))
	slog.SetDefault(log)

	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	reg := prometheus.NewRegistry()
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "timelined"
	}
	cfg.Telemetry.ServiceVersion = timeline.ServiceVersion
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry, reg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			log.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	db, err := badger.Open(badger.Config{
		Path:           cfg.Storage.DataDir,
		InMemory:       cfg.Storage.InMemory,
		SyncWrites:     cfg.Storage.SyncWrites,
		Logger:         log,
		GCInterval:     cfg.Storage.GCInterval,
		GCDiscardRatio: cfg.Storage.GCDiscardRatio,
	})
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	var policies *quorum.PolicySet
	if cfg.Quorum.PolicyFile != "" {
		policies, err = quorum.LoadPolicyFile(cfg.Quorum.PolicyFile)
		if err != nil {
			return err
		}
	}
	synthesis := divergence.NewRegistry()
	for _, rule := range cfg.Synthesis {
		if err := synthesis.RegisterExpression(rule.EntityType, rule.Expression); err != nil {
			return fmt.Errorf("synthesis rule for %s: %w", rule.EntityType, err)
		}
	}

	svc, err := timeline.NewService(timeline.ServiceConfig{
		NodeID:            cfg.NodeID,
		DB:                db,
		Peers:             cfg.Peers,
		HeartbeatInterval: cfg.Heartbeat.Interval,
		ProbeTimeout:      cfg.Heartbeat.ProbeTimeout,
		MissThreshold:     cfg.Heartbeat.MissThreshold,
		GracePeriod:       cfg.Heartbeat.GracePeriod,
		Policies:          policies,
		Synthesis:         synthesis,
		Logger:            log,
		Metrics:           observability.NewMetrics(reg),
	})
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Close()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, func(next *config.Config) {
				svc.SetPeers(next.Peers)
				log.Info("peers reloaded", slog.Int("peers", len(next.Peers)))
			})
			if err != nil {
				log.Warn("config watch stopped", slog.String("error", err.Error()))
			}
		}()
	}
	for _, g := range cfg.Groups {
		go ensureGroup(ctx, svc, g, log)
	}

	opts := apiOptions(cfg.API, log)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           timeline.NewRouter(svc, cfg.Telemetry.ServiceName, telemetry.MetricsHandler(), opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("timeline node listening",
			slog.String("address", cfg.Listen),
			slog.Int("peers", len(cfg.Peers)),
			slog.Bool("auth", len(cfg.API.Tokens) > 0))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info("shutting down timeline node")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn("http shutdown failed", slog.String("error", err.Error()))
	}
	return opts.AuditLogger.Flush(sctx)
}

// apiOptions builds the auth and audit hooks. Without tokens the API is
// open; the audit trail is kept either way.
func apiOptions(cfg config.APIConfig, log *slog.Logger) extensions.ServiceOptions {
	opts := extensions.DefaultOptions().
		WithAudit(extensions.NewMemoryAuditLogger(cfg.AuditCapacity, log.With(slog.String("component", "audit"))))
	if len(cfg.Tokens) == 0 {
		return opts
	}
	tokens := make(map[string]extensions.AuthInfo, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tokens[t.Token] = extensions.AuthInfo{UserID: t.UserID, Roles: t.Roles}
	}
	return opts.
		WithAuth(extensions.NewTokenAuthProvider(tokens)).
		WithAuthz(&extensions.RoleAuthzProvider{})
}

// ensureGroup retries until the group is known locally. Non-creators wait
// for the creator to become reachable.
func ensureGroup(ctx context.Context, svc *timeline.Service, g config.GroupConfig, log *slog.Logger) {
	ticker := time.NewTicker(groupRetryEvery)
	defer ticker.Stop()
	for {
		snap, err := svc.EnsureGroup(ctx, g.ID, g.Members)
		if err == nil {
			log.Info("group ready", slog.String("group_id", g.ID), slog.String("mode", string(snap.Mode)))
			return
		}
		log.Debug("group not ready", slog.String("group_id", g.ID), slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
