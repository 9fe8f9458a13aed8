// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent records one operator action.
//
// Example:
//
//	event := extensions.AuditEvent{
//	    EventType:    "merge.resolve",
//	    UserID:       authInfo.UserID,
//	    Action:       "resolve",
//	    ResourceType: "proposal",
//	    ResourceID:   proposalID,
//	    Outcome:      extensions.OutcomeSuccess,
//	}
type AuditEvent struct {
	// EventType is "category.action", e.g. "entity.terminate".
	EventType string `json:"event_type"`

	// Timestamp defaults to time.Now().UTC() when zero.
	Timestamp time.Time `json:"timestamp"`

	// UserID identifies who acted. "anonymous" if unknown.
	UserID string `json:"user_id"`

	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id,omitempty"`

	// Outcome is OutcomeSuccess or OutcomeFailure.
	Outcome string `json:"outcome"`

	// Metadata carries event specific detail such as the error or
	// request id.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditFilter selects events. Zero fields match everything.
type AuditFilter struct {
	EventTypes []string
	UserID     string
	StartTime  time.Time
	EndTime    time.Time

	// Limit caps the result. Zero means no limit.
	Limit int
}

func (f AuditFilter) matches(e AuditEvent) bool {
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType) {
		return false
	}
	if f.UserID != "" && f.UserID != e.UserID {
		return false
	}
	if !f.StartTime.IsZero() && e.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.Timestamp.After(f.EndTime) {
		return false
	}
	return true
}

// AuditLogger records security-relevant events.
type AuditLogger interface {
	// Log records an event.
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)

	// Flush persists buffered events.
	Flush(ctx context.Context) error
}

// ErrInvalidAuditEvent is returned for events without a type or user.
var ErrInvalidAuditEvent = errors.New("audit event requires event_type and user_id")

// NopAuditLogger discards every event.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Query returns an empty slice.
func (l *NopAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// Flush is a no-op.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// MemoryAuditLogger keeps the most recent events in a ring and mirrors
// each one to a structured logger.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
	next   int
	full   bool
	logger *slog.Logger
}

// NewMemoryAuditLogger creates a ring of the given capacity. A nil logger
// disables mirroring.
func NewMemoryAuditLogger(capacity int, logger *slog.Logger) *MemoryAuditLogger {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryAuditLogger{
		events: make([]AuditEvent, capacity),
		logger: logger,
	}
}

// Log validates, timestamps and stores the event.
func (l *MemoryAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.EventType == "" || event.UserID == "" {
		return ErrInvalidAuditEvent
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.logger != nil {
		l.logger.LogAttrs(ctx, slog.LevelInfo, "audit",
			slog.String("event_type", event.EventType),
			slog.String("user_id", event.UserID),
			slog.String("action", event.Action),
			slog.String("resource_type", event.ResourceType),
			slog.String("resource_id", event.ResourceID),
			slog.String("outcome", event.Outcome),
		)
	}
	return nil
}

// Query returns matching events, newest first.
func (l *MemoryAuditLogger) Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.events)
	}
	out := make([]AuditEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.events)) % len(l.events)
		e := l.events[idx]
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// Flush is a no-op; events are stored synchronously.
func (l *MemoryAuditLogger) Flush(ctx context.Context) error {
	return nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
