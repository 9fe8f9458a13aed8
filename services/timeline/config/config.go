// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the timeline daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/validation"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/group"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/telemetry"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the daemon configuration.
type Config struct {
	// NodeID names this process in vector clocks and heartbeats.
	NodeID string `yaml:"node_id" validate:"required"`

	// Listen is the HTTP listen address.
	Listen string `yaml:"listen" validate:"required,hostname_port"`

	// Peers are the other processes. Hot-reloaded by Watch.
	Peers []partition.Peer `yaml:"peers" validate:"dive"`

	Storage   StorageConfig    `yaml:"storage"`
	Heartbeat HeartbeatConfig  `yaml:"heartbeat"`
	Quorum    QuorumConfig     `yaml:"quorum"`
	Logging   LoggingConfig    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	API       APIConfig        `yaml:"api"`

	// Synthesis registers expressions for Synthesize merges.
	Synthesis []SynthesisRule `yaml:"synthesis" validate:"dive"`

	// Groups are created at startup if they do not exist yet.
	Groups []GroupConfig `yaml:"groups" validate:"dive"`
}

// StorageConfig configures the Badger store.
type StorageConfig struct {
	// DataDir holds the database. Required unless InMemory.
	DataDir  string `yaml:"data_dir" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`

	// SyncWrites fsyncs every commit. Appends are durable only when set.
	SyncWrites bool `yaml:"sync_writes"`

	GCInterval     time.Duration `yaml:"gc_interval" validate:"gte=0"`
	GCDiscardRatio float64       `yaml:"gc_discard_ratio" validate:"gte=0,lt=1"`
}

// HeartbeatConfig configures partition detection.
type HeartbeatConfig struct {
	Interval      time.Duration `yaml:"interval" validate:"gt=0"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	MissThreshold int           `yaml:"miss_threshold" validate:"gte=1"`
	GracePeriod   time.Duration `yaml:"grace_period" validate:"gte=0"`
}

// QuorumConfig configures the policy engine.
type QuorumConfig struct {
	// PolicyFile overrides the embedded policy table.
	PolicyFile string `yaml:"policy_file"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`

	// Dir receives a JSON log file per day when set.
	Dir string `yaml:"dir"`
}

// APIConfig secures the operator endpoints. Peer endpoints stay open
// to the cluster.
type APIConfig struct {
	// Tokens are accepted bearer tokens. Empty disables authentication.
	Tokens []APIToken `yaml:"tokens" validate:"dive"`

	// AuditCapacity bounds the in-memory audit trail.
	AuditCapacity int `yaml:"audit_capacity" validate:"gte=0"`
}

// APIToken maps a bearer token to an operator identity.
type APIToken struct {
	Token  string   `yaml:"token" validate:"required,min=16"`
	UserID string   `yaml:"user_id" validate:"required"`
	Roles  []string `yaml:"roles"`
}

// SynthesisRule binds an expression to an entity type.
type SynthesisRule struct {
	EntityType string `yaml:"entity_type" validate:"required"`
	Expression string `yaml:"expression" validate:"required"`
}

// GroupConfig declares a group.
type GroupConfig struct {
	ID      string         `yaml:"id" validate:"required"`
	Members []group.Member `yaml:"members" validate:"required,min=1,dive"`
}

// DefaultConfig returns a single-node configuration with the documented
// heartbeat defaults.
func DefaultConfig() *Config {
	return &Config{
		NodeID: "node-1",
		Listen: "127.0.0.1:7420",
		Storage: StorageConfig{
			DataDir:        "./data/timeline",
			SyncWrites:     true,
			GCInterval:     10 * time.Minute,
			GCDiscardRatio: 0.5,
		},
		Heartbeat: HeartbeatConfig{
			Interval:      30 * time.Second,
			ProbeTimeout:  5 * time.Second,
			MissThreshold: 3,
			GracePeriod:   5 * time.Minute,
		},
		Logging:   LoggingConfig{Level: "info"},
		Telemetry: telemetry.DefaultConfig(),
		API:       APIConfig{AuditCapacity: 1024},
	}
}

// Load reads path over DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultConfig and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	ids := []string{c.NodeID}
	for _, p := range c.Peers {
		ids = append(ids, p.ID)
	}
	if err := validation.ValidateIDs("node", ids); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]bool{c.NodeID: true}
	for _, p := range c.Peers {
		if seen[p.ID] {
			return fmt.Errorf("invalid config: duplicate node id %q in peers", p.ID)
		}
		seen[p.ID] = true
	}
	if c.Heartbeat.ProbeTimeout > c.Heartbeat.Interval {
		return errors.New("invalid config: heartbeat probe_timeout exceeds interval")
	}
	tokens := map[string]bool{}
	for _, t := range c.API.Tokens {
		if tokens[t.Token] {
			return fmt.Errorf("invalid config: duplicate api token for user %q", t.UserID)
		}
		tokens[t.Token] = true
	}
	groups := map[string]bool{}
	for _, g := range c.Groups {
		if err := validation.ValidateGroupID(g.ID); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		if groups[g.ID] {
			return fmt.Errorf("invalid config: duplicate group %q", g.ID)
		}
		groups[g.ID] = true
	}
	return nil
}
