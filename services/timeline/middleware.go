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
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianTimeline/pkg/extensions"
	"github.com/gin-gonic/gin"
)

const authInfoKey = "timeline.auth_info"

// bearerToken reads the Authorization header. The access_token query
// parameter is accepted for websocket clients that cannot set headers.
func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return c.Query("access_token")
}

// Authenticate validates the bearer token and authorizes the request.
// GET requests are reads; everything else is a write.
func (h *Handlers) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		info, err := h.opts.AuthProvider.Validate(ctx, bearerToken(c))
		if err != nil {
			slog.Info("request unauthenticated",
				slog.String("path", c.FullPath()),
				slog.String("error", err.Error()))
			c.Header("WWW-Authenticate", `Bearer realm="timeline"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: err.Error(),
				Code:  "UNAUTHORIZED",
			})
			return
		}

		action := "write"
		if c.Request.Method == http.MethodGet {
			action = "read"
		}
		err = h.opts.AuthzProvider.Authorize(ctx, extensions.AuthzRequest{
			User:     info,
			Action:   action,
			Resource: c.FullPath(),
		})
		if err != nil {
			status := http.StatusForbidden
			if !errors.Is(err, extensions.ErrForbidden) {
				status = http.StatusInternalServerError
			}
			slog.Info("request forbidden",
				slog.String("user_id", info.UserID),
				slog.String("path", c.FullPath()),
				slog.String("error", err.Error()))
			c.AbortWithStatusJSON(status, ErrorResponse{
				Error: err.Error(),
				Code:  "FORBIDDEN",
			})
			return
		}

		c.Set(authInfoKey, info)
		c.Next()
	}
}

// userID returns the authenticated user, or "anonymous".
func userID(c *gin.Context) string {
	if v, ok := c.Get(authInfoKey); ok {
		if info, ok := v.(*extensions.AuthInfo); ok && info.UserID != "" {
			return info.UserID
		}
	}
	return "anonymous"
}

// audit records an operator action. Failures of the audit sink are
// logged and never fail the request.
func (h *Handlers) audit(c *gin.Context, logger *slog.Logger, eventType, resourceType, resourceID string, opErr error) {
	_, action, _ := strings.Cut(eventType, ".")
	event := extensions.AuditEvent{
		EventType:    eventType,
		UserID:       userID(c),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Outcome:      extensions.OutcomeSuccess,
		Metadata: map[string]any{
			"request_id": c.Writer.Header().Get("X-Request-ID"),
			"node_id":    h.svc.NodeID(),
		},
	}
	if opErr != nil {
		event.Outcome = extensions.OutcomeFailure
		event.Metadata["error"] = opErr.Error()
	}
	if err := h.opts.AuditLogger.Log(c.Request.Context(), event); err != nil {
		logger.Warn("audit log failed", slog.String("error", err.Error()))
	}
}
