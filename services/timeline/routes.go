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
	"net/http"

	"github.com/AleutianAI/AleutianTimeline/pkg/extensions"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RegisterRoutes registers all timeline routes with the router.
//
// Description:
//
//	Registers all /v1/timeline/* endpoints with the given Gin router group.
//	Operator endpoints run behind handlers.Authenticate. Peer endpoints
//	and health are open to the cluster.
//
// Inputs:
//
//	rg - Gin router group (typically /v1)
//	handlers - The handlers instance
//
// Entity Endpoints:
//
//	GET  /v1/timeline/entities - List entity ids
//	POST /v1/timeline/entities - Register an entity
//	GET  /v1/timeline/entities/*id - Protection status of an entity
//	GET  /v1/timeline/timelines/*id - Canonical version chain
//	POST /v1/timeline/operations - Submit an operation
//	POST /v1/timeline/terminate - Terminate an entity (destructive)
//
// Merge Endpoints:
//
//	GET  /v1/timeline/merges - Pending merge proposals (?target=)
//	POST /v1/timeline/merges/:proposal_id/resolve - Accept a proposal
//	GET  /v1/timeline/divergences - Open divergence records
//	POST /v1/timeline/sync - Pull peer histories for one entity
//
// Group Endpoints:
//
//	GET  /v1/timeline/groups - List groups
//	POST /v1/timeline/groups - Create a group
//	GET  /v1/timeline/groups/:group_id - Group snapshot
//	POST /v1/timeline/groups/:group_id/operations - Submit a group operation
//	POST /v1/timeline/groups/:group_id/members - Add a member
//	POST /v1/timeline/groups/:group_id/members/remove - Remove a member
//
// Peer Endpoints:
//
//	POST /v1/timeline/heartbeat - Heartbeat exchange
//	POST /v1/timeline/ack - Destructive operation consent
//	GET  /v1/timeline/history/*id - Export an entity history
//
// Health Endpoints:
//
//	GET /v1/timeline/health - Liveness
//	GET /v1/timeline/status - Node status
//	GET /v1/timeline/events - Event stream (websocket)
//	GET /v1/timeline/audit - Operator audit trail
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	tl := rg.Group("/timeline")

	// Cluster traffic and liveness are not authenticated.
	tl.GET("/health", handlers.HandleHealth)
	tl.POST("/heartbeat", handlers.HandleHeartbeat)
	tl.POST("/ack", handlers.HandleAck)
	tl.GET("/history/*id", handlers.HandleHistory)

	ops := tl.Group("", handlers.Authenticate())
	{
		ops.GET("/status", handlers.HandleStatus)
		ops.GET("/events", handlers.HandleEvents)
		ops.GET("/audit", handlers.HandleAudit)

		ops.GET("/entities", handlers.HandleListEntities)
		ops.POST("/entities", handlers.HandleRegisterEntity)
		ops.GET("/entities/*id", handlers.HandleProtectionStatus)
		ops.GET("/timelines/*id", handlers.HandleTimeline)
		ops.POST("/operations", handlers.HandleSubmitOperation)
		ops.POST("/terminate", handlers.HandleTerminate)

		ops.GET("/merges", handlers.HandleListMerges)
		ops.POST("/merges/:proposal_id/resolve", handlers.HandleResolveMerge)
		ops.GET("/divergences", handlers.HandleListDivergences)
		ops.POST("/sync", handlers.HandleSync)

		ops.GET("/groups", handlers.HandleListGroups)
		ops.POST("/groups", handlers.HandleCreateGroup)
		ops.GET("/groups/:group_id", handlers.HandleGetGroup)
		ops.POST("/groups/:group_id/operations", handlers.HandleGroupOperation)
		ops.POST("/groups/:group_id/members", handlers.HandleAddMember)
		ops.POST("/groups/:group_id/members/remove", handlers.HandleRemoveMember)
	}
}

// NewRouter builds the daemon's HTTP router: recovery, tracing, the
// /v1/timeline routes and, when metrics is non-nil, GET /metrics.
func NewRouter(svc *Service, serviceName string, metrics http.Handler, opts extensions.ServiceOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if serviceName != "" {
		router.Use(otelgin.Middleware(serviceName))
	}
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}
	RegisterRoutes(router.Group("/v1"), NewHandlers(svc, opts))
	return router
}
