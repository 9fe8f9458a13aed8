// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package timeline

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/extensions"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/group"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	// Set Gin to test mode to reduce noise
	gin.SetMode(gin.TestMode)
}

func setupTestRouter(svc *Service) *gin.Engine {
	router := gin.New()
	handlers := NewHandlers(svc, extensions.DefaultOptions())
	v1 := router.Group("/v1")
	RegisterRoutes(v1, handlers)
	return router
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONAs(t, router, "", method, path, body)
}

// doJSONAs sends body with a bearer token when token is non-empty.
func doJSONAs(t *testing.T, router http.Handler, token, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHandlers_HandleHealth(t *testing.T) {
	c := newCluster(t, "node-a")
	router := setupTestRouter(c.node("node-a"))

	w := doJSON(t, router, http.MethodGet, "/v1/timeline/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[HealthResponse](t, w)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, ServiceVersion, resp.Version)
	assert.Equal(t, "node-a", resp.NodeID)
	assert.Equal(t, "CONNECTED", resp.Partition)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHandlers_RequestIDEchoed(t *testing.T) {
	c := newCluster(t, "node-a")
	router := setupTestRouter(c.node("node-a"))

	req := httptest.NewRequest(http.MethodGet, "/v1/timeline/status", nil)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))
}

func TestHandlers_EntityFlow(t *testing.T) {
	c := newCluster(t, "node-a")
	router := setupTestRouter(c.node("node-a"))

	w := doJSON(t, router, http.MethodPost, "/v1/timeline/entities", RegisterEntityRequest{
		EntityID:   "fleet/agent-1",
		EntityType: "agent",
		Payload:    json.RawMessage(`{"step":0}`),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	genesis := decode[VersionResponse](t, w).Version

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/operations", OperationRequest{
		EntityID:     "fleet/agent-1",
		Payload:      json.RawMessage(`{"step":1}`),
		ChangeType:   "step",
		ExpectedHead: genesis.Hash,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decode[VersionResponse](t, w).Version
	assert.Equal(t, "step", v.ChangeType)
	assert.JSONEq(t, `{"step":1}`, string(v.Payload))

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/operations", OperationRequest{
		EntityID:     "fleet/agent-1",
		Payload:      json.RawMessage(`{"step":2}`),
		ExpectedHead: genesis.Hash,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "STALE_CLOCK", decode[ErrorResponse](t, w).Code)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/entities/fleet/agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	ps := decode[ProtectionStatus](t, w)
	assert.True(t, ps.Registered)
	assert.Equal(t, 2, ps.TimelineLength)
	assert.Equal(t, v.Hash, ps.HeadHash)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/timelines/fleet/agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	tl := decode[TimelineResponse](t, w)
	assert.Equal(t, "fleet/agent-1", tl.EntityID)
	assert.Len(t, tl.Versions, 2)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/entities", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"fleet/agent-1"}, decode[EntitiesResponse](t, w).Entities)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/terminate", EntityRequest{EntityID: "fleet/agent-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/operations", OperationRequest{
		EntityID: "fleet/agent-1",
		Payload:  json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "ENTITY_TERMINATED", decode[ErrorResponse](t, w).Code)
}

func TestHandlers_InvalidRequests(t *testing.T) {
	c := newCluster(t, "node-a")
	router := setupTestRouter(c.node("node-a"))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
	}{
		{"malformed json", http.MethodPost, "/v1/timeline/operations", `{"entity_id":`},
		{"missing entity", http.MethodPost, "/v1/timeline/operations", map[string]any{"payload": map[string]int{"x": 1}}},
		{"bad class", http.MethodPost, "/v1/timeline/operations", map[string]any{"entity_id": "a", "class": "urgent", "payload": "{}"}},
		{"register without id", http.MethodPost, "/v1/timeline/entities", map[string]any{"entity_type": "agent"}},
		{"group without members", http.MethodPost, "/v1/timeline/groups", map[string]any{"group_id": "g"}},
		{"member without node", http.MethodPost, "/v1/timeline/groups/g/members", map[string]any{"entity_id": "m"}},
		{"entity id with colon", http.MethodPost, "/v1/timeline/entities", map[string]any{"entity_id": "fleet:agent"}},
		{"reserved entity id", http.MethodPost, "/v1/timeline/entities", map[string]any{"entity_id": "membership/cats", "payload": "hello"}},
		{"write to group aggregate", http.MethodPost, "/v1/timeline/operations", map[string]any{"entity_id": "group/squad", "payload": "{}"}},
		{"group id with slash", http.MethodPost, "/v1/timeline/groups", map[string]any{
			"group_id": "fleet/squad",
			"members":  []map[string]string{{"entity_id": "agent-a", "node_id": "node-a"}},
		}},
		{"ping without sender", http.MethodPost, "/v1/timeline/heartbeat", map[string]any{}},
		{"ack without subject", http.MethodPost, "/v1/timeline/ack", map[string]any{"sender_id": "node-b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "INVALID_REQUEST", decode[ErrorResponse](t, w).Code)
		})
	}
}

func TestHandlers_ErrorMapping(t *testing.T) {
	c := newCluster(t, "node-a")
	router := setupTestRouter(c.node("node-a"))

	w := doJSON(t, router, http.MethodPost, "/v1/timeline/operations", OperationRequest{
		EntityID: "ghost",
		Payload:  json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_ENTITY", decode[ErrorResponse](t, w).Code)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/merges/nope/resolve", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_PROPOSAL", decode[ErrorResponse](t, w).Code)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/groups/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "UNKNOWN_GROUP", decode[ErrorResponse](t, w).Code)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/merges?target=ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/entities/ghost", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decode[ProtectionStatus](t, w).Registered)
}

func TestHandlers_QuorumDeniedCarriesDecision(t *testing.T) {
	c := newCluster(t, "node-a", "node-b")
	a := c.node("node-a")
	router := setupTestRouter(a)

	w := doJSON(t, router, http.MethodPost, "/v1/timeline/entities", RegisterEntityRequest{EntityID: "agent-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	c.split("node-a", "node-b")

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/operations", OperationRequest{
		EntityID: "agent-1",
		Class:    "collective",
		Payload:  json.RawMessage(`{}`),
	})
	require.Equal(t, http.StatusForbidden, w.Code)

	var resp struct {
		Code    string          `json:"code"`
		Details quorum.Decision `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INSUFFICIENT_QUORUM", resp.Code)
	assert.Equal(t, quorum.Deny, resp.Details.Verdict)
	assert.Equal(t, partition.Confirmed, resp.Details.Status)
	assert.Equal(t, []string{"node-b"}, resp.Details.Unreachable)
}

func TestHandlers_MergeFlow(t *testing.T) {
	c := divergedPair(t)
	router := setupTestRouter(c.node("node-a"))

	w := doJSON(t, router, http.MethodGet, "/v1/timeline/divergences", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[DivergencesResponse](t, w).Divergences, 1)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/merges", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all := decode[MergesResponse](t, w).Proposals
	require.NotEmpty(t, all)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/merges?target=agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	merges := decode[MergesResponse](t, w)
	assert.Equal(t, "agent-1", merges.Target)
	assert.Len(t, merges.Proposals, len(all))

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/operations", OperationRequest{
		EntityID: "agent-1",
		Class:    "collective",
		Payload:  json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.Equal(t, "DIVERGENCE_UNRESOLVED", decode[ErrorResponse](t, w).Code)

	var keepLocal string
	for _, p := range merges.Proposals {
		if p.Strategy == divergence.ChooseOne && p.Branch == divergence.Local {
			keepLocal = p.ID
		}
	}
	require.NotEmpty(t, keepLocal)
	w = doJSON(t, router, http.MethodPost, "/v1/timeline/merges/"+keepLocal+"/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	merged := decode[VersionResponse](t, w).Version
	assert.JSONEq(t, `{"step":"a1"}`, string(merged.Payload))

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/merges/"+keepLocal+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_RESOLVED", decode[ErrorResponse](t, w).Code)
}

func TestHandlers_GroupFlow(t *testing.T) {
	c := newCluster(t, "node-a", "node-b")
	router := setupTestRouter(c.node("node-a"))

	w := doJSON(t, router, http.MethodPost, "/v1/timeline/groups", CreateGroupRequest{
		GroupID: "squad",
		Members: groupMembers(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, group.Normal, decode[group.Snapshot](t, w).Mode)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/groups", CreateGroupRequest{
		GroupID: "squad",
		Members: groupMembers(),
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/groups/squad/operations", GroupOperationRequest{
		Class:   "collective",
		Payload: json.RawMessage(`{"plan":"hold"}`),
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, group.AggregateEntity("squad"), decode[VersionResponse](t, w).Version.EntityID)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/groups/squad/members", group.Member{EntityID: "agent-c", NodeID: "node-a"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[group.Snapshot](t, w).Members, 3)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/groups/squad/members/remove", EntityRequest{EntityID: "agent-c"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[group.Snapshot](t, w).Members, 2)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/groups/squad/members/remove", EntityRequest{EntityID: "agent-c"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_MEMBER", decode[ErrorResponse](t, w).Code)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/groups", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[GroupsResponse](t, w).Groups, 1)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/groups/squad", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "squad", decode[group.Snapshot](t, w).GroupID)
}

func TestHandlers_PeerEndpoints(t *testing.T) {
	c := newCluster(t, "node-a", "node-b")
	a := c.node("node-a")
	router := setupTestRouter(a)

	w := doJSON(t, router, http.MethodPost, "/v1/timeline/heartbeat", partition.Ping{SenderID: "node-b"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "node-a", decode[partition.Pong](t, w).SenderID)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/ack", quorum.AckRequest{
		SenderID: "node-b",
		Subject:  "agent-1",
		Class:    quorum.Destructive,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[quorum.AckResponse](t, w).Ack)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/history/agent-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/entities", RegisterEntityRequest{EntityID: "agent-1"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = doJSON(t, router, http.MethodGet, "/v1/timeline/history/agent-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	hist := decode[divergence.RemoteHistory](t, w)
	assert.Equal(t, "node-a", hist.NodeID)
	assert.Len(t, hist.Versions, 1)

	w = doJSON(t, router, http.MethodPost, "/v1/timeline/sync", EntityRequest{EntityID: "agent-1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode[SyncResponse](t, w).Divergence)
}

func TestHandlers_Status(t *testing.T) {
	c := newCluster(t, "node-a", "node-b")
	router := setupTestRouter(c.node("node-a"))

	w := doJSON(t, router, http.MethodGet, "/v1/timeline/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[NodeStatus](t, w)
	assert.Equal(t, "node-a", st.NodeID)
	assert.Equal(t, partition.Connected, st.Partition.Status.State)
	require.Len(t, st.Partition.Peers, 1)
	assert.Equal(t, "node-b", st.Partition.Peers[0].ID)
}

func TestNewRouter_Metrics(t *testing.T) {
	c := newCluster(t, "node-a")
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("timeline_appends_total 1\n"))
	})
	router := NewRouter(c.node("node-a"), "timelined", metrics, extensions.DefaultOptions())

	w := doJSON(t, router, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "timeline_appends_total")

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_AuthAndAudit(t *testing.T) {
	const (
		operatorToken = "operator-token-0001"
		viewerToken   = "viewer-token-000001"
	)
	c := newCluster(t, "node-a")
	audit := extensions.NewMemoryAuditLogger(16, nil)
	opts := extensions.DefaultOptions().
		WithAuth(extensions.NewTokenAuthProvider(map[string]extensions.AuthInfo{
			operatorToken: {UserID: "ops", Roles: []string{extensions.RoleOperator}},
			viewerToken:   {UserID: "dash", Roles: []string{extensions.RoleViewer}},
		})).
		WithAuthz(&extensions.RoleAuthzProvider{}).
		WithAudit(audit)
	router := NewRouter(c.node("node-a"), "", nil, opts)

	// Liveness and peer traffic stay open.
	assert.Equal(t, http.StatusOK, doJSON(t, router, http.MethodGet, "/v1/timeline/health", nil).Code)
	w := doJSON(t, router, http.MethodPost, "/v1/timeline/heartbeat", partition.Ping{SenderID: "node-b"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/timeline/status", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", decode[ErrorResponse](t, w).Code)
	assert.Contains(t, w.Header().Get("WWW-Authenticate"), "Bearer")

	w = doJSONAs(t, router, "wrong-token-000000", http.MethodGet, "/v1/timeline/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSONAs(t, router, viewerToken, http.MethodGet, "/v1/timeline/entities", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSONAs(t, router, viewerToken, http.MethodPost, "/v1/timeline/entities",
		RegisterEntityRequest{EntityID: "agent-1"})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", decode[ErrorResponse](t, w).Code)

	w = doJSONAs(t, router, operatorToken, http.MethodPost, "/v1/timeline/entities",
		RegisterEntityRequest{EntityID: "agent-1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = doJSONAs(t, router, operatorToken, http.MethodPost, "/v1/timeline/terminate", EntityRequest{EntityID: "agent-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doJSONAs(t, router, operatorToken, http.MethodPost, "/v1/timeline/merges/missing/resolve", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = doJSONAs(t, router, viewerToken, http.MethodGet, "/v1/timeline/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[AuditResponse](t, w).Events
	require.Len(t, events, 2)
	assert.Equal(t, "merge.resolve", events[0].EventType)
	assert.Equal(t, extensions.OutcomeFailure, events[0].Outcome)
	assert.Equal(t, "entity.terminate", events[1].EventType)
	assert.Equal(t, "ops", events[1].UserID)
	assert.Equal(t, "agent-1", events[1].ResourceID)
	assert.Equal(t, extensions.OutcomeSuccess, events[1].Outcome)

	w = doJSONAs(t, router, viewerToken, http.MethodGet, "/v1/timeline/audit?type=entity.terminate&limit=5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[AuditResponse](t, w).Events, 1)

	w = doJSONAs(t, router, viewerToken, http.MethodGet, "/v1/timeline/audit?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_HandleEvents(t *testing.T) {
	c := newCluster(t, "node-a")
	a := c.node("node-a")
	srv := httptest.NewServer(setupTestRouter(a))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/timeline/events?kinds=version"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer ws.Close()

	// The subscription is registered after the upgrade; wait for it.
	require.Eventually(t, func() bool {
		a.events.mu.Lock()
		defer a.events.mu.Unlock()
		return len(a.events.subs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w := doJSON(t, srv.Config.Handler, http.MethodPost, "/v1/timeline/entities", RegisterEntityRequest{EntityID: "agent-1"})
	require.Equal(t, http.StatusCreated, w.Code)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, EventVersion, ev.Kind)
	assert.Equal(t, "agent-1", ev.EntityID)
	assert.Equal(t, "genesis", ev.ChangeType)
}
