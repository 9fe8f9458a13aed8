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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianTimeline/pkg/extensions"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/group"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/partition"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// =============================================================================
// Request / response types
// =============================================================================

// RegisterEntityRequest is the body of POST /v1/timeline/entities.
type RegisterEntityRequest struct {
	EntityID   string          `json:"entity_id" binding:"required"`
	EntityType string          `json:"entity_type"`
	Payload    json.RawMessage `json:"payload"`
}

// OperationRequest is the body of POST /v1/timeline/operations. Payload
// replaces the entity state.
type OperationRequest struct {
	EntityID     string          `json:"entity_id" binding:"required"`
	Class        string          `json:"class"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	ChangeType   string          `json:"change_type"`
	ExpectedHead string          `json:"expected_head"`
}

// GroupOperationRequest is the body of POST /v1/timeline/groups/:group_id/operations.
type GroupOperationRequest struct {
	Class        string          `json:"class"`
	Payload      json.RawMessage `json:"payload" binding:"required"`
	ChangeType   string          `json:"change_type"`
	ExpectedHead string          `json:"expected_head"`
}

// CreateGroupRequest is the body of POST /v1/timeline/groups.
type CreateGroupRequest struct {
	GroupID string         `json:"group_id" binding:"required"`
	Members []group.Member `json:"members" binding:"required,min=1,dive"`
}

// EntityRequest names one entity.
type EntityRequest struct {
	EntityID string `json:"entity_id" binding:"required"`
}

// VersionResponse wraps a written version.
type VersionResponse struct {
	Version *versioned.StateVersion `json:"version"`
}

// TimelineResponse is the canonical chain of an entity.
type TimelineResponse struct {
	EntityID string                    `json:"entity_id"`
	Versions []*versioned.StateVersion `json:"versions"`
}

// EntitiesResponse lists entity ids.
type EntitiesResponse struct {
	Entities []string `json:"entities"`
}

// MergesResponse lists open proposals.
type MergesResponse struct {
	Target    string                `json:"target,omitempty"`
	Proposals []divergence.Proposal `json:"proposals"`
}

// DivergencesResponse lists open divergence records.
type DivergencesResponse struct {
	Divergences []divergence.Record `json:"divergences"`
}

// SyncResponse reports the outcome of a manual sync.
type SyncResponse struct {
	EntityID   string             `json:"entity_id"`
	Divergence *divergence.Record `json:"divergence,omitempty"`
}

// GroupsResponse lists groups.
type GroupsResponse struct {
	Groups []group.Snapshot `json:"groups"`
}

// AuditResponse lists audit events, newest first.
type AuditResponse struct {
	Events []extensions.AuditEvent `json:"events"`
}

// HealthResponse is the body of GET /v1/timeline/health.
type HealthResponse struct {
	Status    string `json:"status"`
	NodeID    string `json:"node_id"`
	Version   string `json:"version"`
	Partition string `json:"partition"`
}

// =============================================================================
// Handlers
// =============================================================================

// Handlers contains the HTTP handlers for the timeline API.
type Handlers struct {
	svc      *Service
	opts     extensions.ServiceOptions
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers for the given service. Nil hooks in opts
// default to no-ops.
func NewHandlers(svc *Service, opts extensions.ServiceOptions) *Handlers {
	return &Handlers{
		svc:  svc,
		opts: opts.WithDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func writeError(c *gin.Context, logger *slog.Logger, err error) {
	status, resp := newErrorResponse(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()), slog.String("code", resp.Code))
	} else {
		logger.Info("request refused", slog.String("error", err.Error()), slog.String("code", resp.Code))
	}
	c.JSON(status, resp)
}

func badRequest(c *gin.Context, logger *slog.Logger, msg string, err error) {
	logger.Warn(msg, slog.String("error", err.Error()))
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: msg + ": " + err.Error(),
		Code:  "INVALID_REQUEST",
	})
}

func parseClass(s string) (quorum.Class, error) {
	if s == "" {
		return quorum.Individual, nil
	}
	return quorum.ParseClass(s)
}

// pathID strips the leading slash of a catch-all parameter. Entity ids
// may contain slashes.
func pathID(c *gin.Context) string {
	return strings.TrimPrefix(c.Param("id"), "/")
}

func replacePayload(payload []byte) versioned.MutationFunc {
	return func(context.Context, *versioned.StateVersion) ([]byte, error) {
		return payload, nil
	}
}

// HandleHealth handles GET /v1/timeline/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		NodeID:    h.svc.NodeID(),
		Version:   ServiceVersion,
		Partition: h.svc.partition.Status().State.String(),
	})
}

// HandleStatus handles GET /v1/timeline/status.
//
// Response:
//
//	200 OK: NodeStatus
func (h *Handlers) HandleStatus(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleStatus")
	status, err := h.svc.Status(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// HandleListEntities handles GET /v1/timeline/entities.
func (h *Handlers) HandleListEntities(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleListEntities")
	ids, err := h.svc.Entities(c.Request.Context())
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, EntitiesResponse{Entities: ids})
}

// HandleRegisterEntity handles POST /v1/timeline/entities.
//
// Response:
//
//	201 Created: VersionResponse with the genesis version
//	400 Bad Request: Invalid body
//	409 Conflict: Entity already registered
func (h *Handlers) HandleRegisterEntity(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleRegisterEntity")

	var req RegisterEntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	v, err := h.svc.RegisterEntity(c.Request.Context(), req.EntityID, req.EntityType, req.Payload)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("entity registered", "entity_id", req.EntityID, "entity_type", req.EntityType)
	c.JSON(http.StatusCreated, VersionResponse{Version: v})
}

// HandleProtectionStatus handles GET /v1/timeline/entities/*id.
//
// Response:
//
//	200 OK: ProtectionStatus (registered=false for unknown entities)
func (h *Handlers) HandleProtectionStatus(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleProtectionStatus")
	id := pathID(c)
	if id == "" {
		h.HandleListEntities(c)
		return
	}
	ps, err := h.svc.ProtectionStatus(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, ps)
}

// HandleTimeline handles GET /v1/timeline/timelines/*id.
//
// Response:
//
//	200 OK: TimelineResponse
//	404 Not Found: Unknown entity
func (h *Handlers) HandleTimeline(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleTimeline")
	id := pathID(c)
	versions, err := h.svc.Timeline(c.Request.Context(), id)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, TimelineResponse{EntityID: id, Versions: versions})
}

// HandleSubmitOperation handles POST /v1/timeline/operations.
//
// Response:
//
//	200 OK: VersionResponse
//	400 Bad Request: Invalid body or class
//	403 Forbidden: Quorum denied or deferred; details carry the decision
//	404 Not Found: Unknown entity
//	409 Conflict: Stale clock
//	423 Locked: Divergence unresolved
func (h *Handlers) HandleSubmitOperation(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleSubmitOperation")

	var req OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	class, err := parseClass(req.Class)
	if err != nil {
		badRequest(c, logger, "invalid class", err)
		return
	}

	v, err := h.svc.SubmitOperation(c.Request.Context(), req.EntityID, class, replacePayload(req.Payload),
		WithChangeType(req.ChangeType), WithExpectedHead(req.ExpectedHead))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, VersionResponse{Version: v})
}

// HandleTerminate handles POST /v1/timeline/terminate.
func (h *Handlers) HandleTerminate(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleTerminate")

	var req EntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	v, err := h.svc.Terminate(c.Request.Context(), req.EntityID)
	h.audit(c, logger, "entity.terminate", "entity", req.EntityID, err)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, VersionResponse{Version: v})
}

// HandleListMerges handles GET /v1/timeline/merges.
//
// Query Parameters:
//
//	target: Entity or group id (optional, default every open proposal)
func (h *Handlers) HandleListMerges(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleListMerges")
	target := c.Query("target")
	if target == "" {
		out := []divergence.Proposal{}
		for _, rec := range h.svc.Divergences() {
			if rec.State == divergence.Pending || rec.State == divergence.Superposed {
				out = append(out, rec.Proposals...)
			}
		}
		c.JSON(http.StatusOK, MergesResponse{Proposals: out})
		return
	}
	props, err := h.svc.PendingMerges(c.Request.Context(), target)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, MergesResponse{Target: target, Proposals: props})
}

// HandleListDivergences handles GET /v1/timeline/divergences.
func (h *Handlers) HandleListDivergences(c *gin.Context) {
	recs := h.svc.Divergences()
	if recs == nil {
		recs = []divergence.Record{}
	}
	c.JSON(http.StatusOK, DivergencesResponse{Divergences: recs})
}

// HandleResolveMerge handles POST /v1/timeline/merges/:proposal_id/resolve.
//
// Response:
//
//	200 OK: VersionResponse with the merge commit
//	404 Not Found: Unknown proposal
//	409 Conflict: Divergence already resolved
func (h *Handlers) HandleResolveMerge(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleResolveMerge")
	id := c.Param("proposal_id")
	v, err := h.svc.ResolveMerge(c.Request.Context(), id)
	h.audit(c, logger, "merge.resolve", "proposal", id, err)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	logger.Info("merge accepted", "proposal_id", id, "hash", versioned.ShortHash(v.Hash))
	c.JSON(http.StatusOK, VersionResponse{Version: v})
}

// HandleSync handles POST /v1/timeline/sync.
func (h *Handlers) HandleSync(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleSync")

	var req EntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	rec, err := h.svc.Sync(c.Request.Context(), req.EntityID)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, SyncResponse{EntityID: req.EntityID, Divergence: rec})
}

// HandleListGroups handles GET /v1/timeline/groups.
func (h *Handlers) HandleListGroups(c *gin.Context) {
	groups := h.svc.Groups()
	if groups == nil {
		groups = []group.Snapshot{}
	}
	c.JSON(http.StatusOK, GroupsResponse{Groups: groups})
}

// HandleGetGroup handles GET /v1/timeline/groups/:group_id.
func (h *Handlers) HandleGetGroup(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleGetGroup")
	snap, err := h.svc.Group(c.Param("group_id"))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleCreateGroup handles POST /v1/timeline/groups.
func (h *Handlers) HandleCreateGroup(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleCreateGroup")

	var req CreateGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	snap, err := h.svc.CreateGroup(c.Request.Context(), req.GroupID, req.Members)
	h.audit(c, logger, "group.create", "group", req.GroupID, err)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// HandleGroupOperation handles POST /v1/timeline/groups/:group_id/operations.
//
// Response:
//
//	200 OK: VersionResponse with the new aggregate head
//	403 Forbidden: Group dormant or quorum denied
//	423 Locked: Group blocked on open divergences
func (h *Handlers) HandleGroupOperation(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleGroupOperation")

	var req GroupOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	class, err := parseClass(req.Class)
	if err != nil {
		badRequest(c, logger, "invalid class", err)
		return
	}
	v, err := h.svc.GroupSubmitOperation(c.Request.Context(), c.Param("group_id"), class, replacePayload(req.Payload),
		WithChangeType(req.ChangeType), WithExpectedHead(req.ExpectedHead))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, VersionResponse{Version: v})
}

// HandleAddMember handles POST /v1/timeline/groups/:group_id/members.
func (h *Handlers) HandleAddMember(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleAddMember")

	var m group.Member
	if err := c.ShouldBindJSON(&m); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	snap, err := h.svc.AddMember(c.Request.Context(), c.Param("group_id"), m)
	h.audit(c, logger, "group.add_member", "group", c.Param("group_id"), err)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleRemoveMember handles POST /v1/timeline/groups/:group_id/members/remove.
func (h *Handlers) HandleRemoveMember(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleRemoveMember")

	var req EntityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, logger, "invalid request body", err)
		return
	}
	snap, err := h.svc.RemoveMember(c.Request.Context(), c.Param("group_id"), req.EntityID)
	h.audit(c, logger, "group.remove_member", "group", c.Param("group_id"), err)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// HandleAudit handles GET /v1/timeline/audit.
//
// Query Parameters:
//
//	type: Event type filter, repeatable (optional)
//	user: User id filter (optional)
//	limit: Maximum events (optional, default 100)
func (h *Handlers) HandleAudit(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleAudit")

	filter := extensions.AuditFilter{
		EventTypes: c.QueryArray("type"),
		UserID:     c.Query("user"),
		Limit:      100,
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(c, logger, "invalid limit", fmt.Errorf("limit %q", s))
			return
		}
		filter.Limit = n
	}
	events, err := h.opts.AuditLogger.Query(c.Request.Context(), filter)
	if err != nil {
		writeError(c, logger, err)
		return
	}
	if events == nil {
		events = []extensions.AuditEvent{}
	}
	c.JSON(http.StatusOK, AuditResponse{Events: events})
}

// =============================================================================
// Peer endpoints
// =============================================================================

// HandleHeartbeat handles POST /v1/timeline/heartbeat.
func (h *Handlers) HandleHeartbeat(c *gin.Context) {
	var ping partition.Ping
	if err := c.ShouldBindJSON(&ping); err != nil || ping.SenderID == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid ping", Code: "INVALID_REQUEST"})
		return
	}
	c.JSON(http.StatusOK, h.svc.HandlePing(ping))
}

// HandleAck handles POST /v1/timeline/ack.
func (h *Handlers) HandleAck(c *gin.Context) {
	var req quorum.AckRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.SenderID == "" || req.Subject == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid ack request", Code: "INVALID_REQUEST"})
		return
	}
	c.JSON(http.StatusOK, h.svc.HandleAck(req))
}

// HandleHistory handles GET /v1/timeline/history/*id.
//
// Response:
//
//	200 OK: divergence.RemoteHistory
//	404 Not Found: The entity is not stored here
func (h *Handlers) HandleHistory(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleHistory")
	hist, err := h.svc.ExportHistory(c.Request.Context(), pathID(c))
	if err != nil {
		writeError(c, logger, err)
		return
	}
	c.JSON(http.StatusOK, hist)
}

// =============================================================================
// Event stream
// =============================================================================

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// HandleEvents handles GET /v1/timeline/events as a websocket.
//
// Query Parameters:
//
//	kinds: Comma-separated event kinds to forward (optional, default all)
//
// The server only writes; client messages are read and discarded so that
// close frames and pongs are processed.
func (h *Handlers) HandleEvents(c *gin.Context) {
	logger := slog.With("request_id", getOrCreateRequestID(c), "handler", "HandleEvents")

	filter := map[EventKind]bool{}
	if kinds := c.Query("kinds"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			filter[EventKind(strings.TrimSpace(k))] = true
		}
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	events, cancel := h.svc.SubscribeEvents(128)
	defer cancel()
	logger.Info("event stream opened", "remote", c.Request.RemoteAddr)

	gone := make(chan struct{})
	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			logger.Info("event stream closed by client")
			return
		case ev, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "service closed"),
					time.Now().Add(wsWriteWait))
				return
			}
			if len(filter) > 0 && !filter[ev.Kind] {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteJSON(ev); err != nil {
				logger.Warn("failed to write event", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
