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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/extensions"
	"github.com/AleutianAI/AleutianTimeline/services/timeline"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/config"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/group"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/storage/badger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "cli-test-token-0001"

func init() {
	gin.SetMode(gin.TestMode)
}

// startNode runs a single in-memory node behind an httptest server.
func startNode(t *testing.T, opts extensions.ServiceOptions) string {
	t.Helper()
	db, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, err := timeline.NewService(timeline.ServiceConfig{
		NodeID: "node-a",
		DB:     db,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { svc.Close() })

	srv := httptest.NewServer(timeline.NewRouter(svc, "", nil, opts))
	t.Cleanup(srv.Close)
	return srv.URL
}

// run executes the CLI in machine mode and returns stdout and stderr.
func run(t *testing.T, addr string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--addr", addr, "--output", "machine"}, args...))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func mustRun(t *testing.T, addr string, args ...string) string {
	t.Helper()
	out, errOut, err := run(t, addr, args...)
	require.NoError(t, err, "stderr: %s", errOut)
	return out
}

func TestCLI_Status(t *testing.T) {
	addr := startNode(t, extensions.DefaultOptions())

	out := mustRun(t, addr, "status")
	assert.Contains(t, out, "node_id=node-a\n")
	assert.Contains(t, out, "partition=CONNECTED\n")
	assert.Contains(t, out, "entities=0\n")
}

func TestCLI_EntityLifecycle(t *testing.T) {
	addr := startNode(t, extensions.DefaultOptions())

	out := mustRun(t, addr, "entities", "register", "fleet/agent-1", "--type", "agent", "--payload", `{"goal":"scout"}`)
	assert.Contains(t, out, "OK: registered fleet/agent-1 seq=0")

	out = mustRun(t, addr, "entities", "submit", "fleet/agent-1", "--payload", `{"goal":"return"}`, "--change-type", "retask")
	assert.Contains(t, out, "OK: applied fleet/agent-1 seq=1")

	out = mustRun(t, addr, "entities", "timeline", "fleet/agent-1")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "0\t"))
	assert.Contains(t, lines[1], "\tretask\tnode-a\t")
	assert.Contains(t, lines[1], `{"goal":"return"}`)

	out = mustRun(t, addr, "entities", "show", "fleet/agent-1")
	assert.Contains(t, out, "timeline_length=2\n")
	assert.Contains(t, out, "type=agent\n")

	assert.Equal(t, "fleet/agent-1\n", mustRun(t, addr, "entities", "list"))

	out = mustRun(t, addr, "entities", "sync", "fleet/agent-1")
	assert.Contains(t, out, "OK: fleet/agent-1 is in sync")

	out = mustRun(t, addr, "entities", "terminate", "fleet/agent-1")
	assert.Contains(t, out, "OK: terminated fleet/agent-1")

	_, _, err := run(t, addr, "entities", "submit", "fleet/agent-1", "--payload", `{}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ENTITY_TERMINATED")
}

func TestCLI_EntityErrors(t *testing.T) {
	addr := startNode(t, extensions.DefaultOptions())

	_, _, err := run(t, addr, "entities", "submit", "ghost", "--payload", "not json")
	assert.EqualError(t, err, "payload must be valid JSON")

	_, _, err = run(t, addr, "entities", "submit", "ghost")
	assert.EqualError(t, err, "--payload is required")

	_, _, err = run(t, addr, "entities", "submit", "ghost", "--payload", `{}`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNKNOWN_ENTITY")

	_, _, err = run(t, addr, "entities", "register", "bad:id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INVALID_REQUEST")

	out := mustRun(t, addr, "entities", "show", "ghost")
	assert.Empty(t, out)
}

func TestCLI_Groups(t *testing.T) {
	addr := startNode(t, extensions.DefaultOptions())

	out := mustRun(t, addr, "groups", "create", "squad", "--member", "agent-a@node-a", "--member", "agent-b@node-a")
	assert.Contains(t, out, "OK: created group squad with 2 members")

	out = mustRun(t, addr, "groups", "list")
	assert.True(t, strings.HasPrefix(out, "squad\tnormal\t2\t"), out)

	out = mustRun(t, addr, "groups", "submit", "squad", "--payload", `{"plan":"hold"}`)
	assert.Contains(t, out, "OK: applied "+group.AggregateEntity("squad"))

	out = mustRun(t, addr, "groups", "add-member", "squad", "agent-c@node-a")
	assert.Contains(t, out, "OK: agent-c joined squad")

	out = mustRun(t, addr, "groups", "remove-member", "squad", "agent-a")
	assert.Contains(t, out, "OK: agent-a left squad")

	out = mustRun(t, addr, "groups", "show", "squad")
	assert.Contains(t, out, "mode=normal\n")
	assert.Contains(t, out, "agent-b\tnode-a\t\n")
	assert.Contains(t, out, "agent-c\tnode-a\t\n")
	assert.NotContains(t, out, "agent-a\t")

	_, _, err := run(t, addr, "groups", "create", "empty")
	assert.EqualError(t, err, "at least one --member is required")

	_, _, err = run(t, addr, "groups", "show", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNKNOWN_GROUP")
}

func TestCLI_Merges(t *testing.T) {
	addr := startNode(t, extensions.DefaultOptions())

	assert.Empty(t, mustRun(t, addr, "merges", "list"))
	assert.Empty(t, mustRun(t, addr, "merges", "divergences"))

	_, _, err := run(t, addr, "merges", "resolve", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNKNOWN_PROPOSAL")
}

func TestCLI_AuthAndAudit(t *testing.T) {
	opts := extensions.DefaultOptions().
		WithAuth(extensions.NewTokenAuthProvider(map[string]extensions.AuthInfo{
			testToken: {UserID: "ops", Roles: []string{extensions.RoleOperator}},
		})).
		WithAuthz(&extensions.RoleAuthzProvider{}).
		WithAudit(extensions.NewMemoryAuditLogger(16, nil))
	addr := startNode(t, opts)

	_, _, err := run(t, addr, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNAUTHORIZED")

	mustRun(t, addr, "--token", testToken, "entities", "register", "agent-1")
	mustRun(t, addr, "--token", testToken, "entities", "terminate", "agent-1")

	out := mustRun(t, addr, "--token", testToken, "audit", "--type", "entity.terminate")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	fields := strings.Split(lines[0], "\t")
	require.Len(t, fields, 5)
	assert.Equal(t, []string{"ops", "entity.terminate", "agent-1", "success"}, fields[1:])
}

func TestCLI_Events(t *testing.T) {
	addr := startNode(t, extensions.DefaultOptions())

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		var out bytes.Buffer
		cmd := newRootCmd()
		cmd.SetOut(&out)
		cmd.SetErr(io.Discard)
		cmd.SetArgs([]string{"--addr", addr, "--output", "machine", "events", "--kinds", "version", "--count", "1"})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := cmd.ExecuteContext(ctx)
		done <- result{out.String(), err}
	}()

	// Keep writing until the subscriber has seen one version.
	var n atomic.Int32
	var res result
	require.Eventually(t, func() bool {
		select {
		case res = <-done:
			return true
		default:
		}
		_, _, _ = run(t, addr, "entities", "register", fmt.Sprintf("agent-%d", n.Add(1)))
		return false
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, res.err)
	assert.Contains(t, res.out, " version agent-")
	assert.Contains(t, res.out, "change=genesis")
}

func TestParseMember(t *testing.T) {
	m, err := parseMember("scout@fleet@node-a")
	require.NoError(t, err)
	assert.Equal(t, group.Member{EntityID: "scout@fleet", NodeID: "node-a"}, m)

	for _, bad := range []string{"agent", "@node", "agent@"} {
		_, err := parseMember(bad)
		assert.Error(t, err, bad)
	}
}

func TestAPIClient_URLs(t *testing.T) {
	c := newAPIClient("127.0.0.1:7420/", "")
	assert.Equal(t, "http://127.0.0.1:7420", c.base)
	assert.Equal(t, "ws://127.0.0.1:7420/v1/timeline/events", c.wsURL("/events"))

	c = newAPIClient("https://node.example", "")
	assert.Equal(t, "wss://node.example/v1/timeline/events", c.wsURL("/events"))

	assert.Equal(t, "fleet/agent%201", escapeID("fleet/agent 1"))
}

func TestFormatClock(t *testing.T) {
	assert.Equal(t, "{}", formatClock(nil))
	assert.Equal(t, "{a:1 b:3}", formatClock(map[string]uint64{"b": 3, "a": 1}))
}

func TestAPIOptions(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	opts := apiOptions(config.APIConfig{AuditCapacity: 8}, log)
	assert.IsType(t, &extensions.NopAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &extensions.MemoryAuditLogger{}, opts.AuditLogger)

	opts = apiOptions(config.APIConfig{Tokens: []config.APIToken{{Token: testToken, UserID: "ops"}}}, log)
	require.IsType(t, &extensions.TokenAuthProvider{}, opts.AuthProvider)
	assert.IsType(t, &extensions.RoleAuthzProvider{}, opts.AuthzProvider)
	info, err := opts.AuthProvider.Validate(context.Background(), testToken)
	require.NoError(t, err)
	assert.Equal(t, "ops", info.UserID)
}

func TestRunNode_ShutsDownOnCancel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Listen = "127.0.0.1:0"
	cfg.Storage.InMemory = true
	cfg.Storage.DataDir = ""
	cfg.Logging.Level = "error"
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.Groups = []config.GroupConfig{{
		ID:      "solo",
		Members: []group.Member{{EntityID: "agent-a", NodeID: cfg.NodeID}},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runNode(ctx, cfg, "", false) }()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runNode did not return after cancel")
	}
}
