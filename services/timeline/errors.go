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
	"fmt"
	"net/http"

	"github.com/AleutianAI/AleutianTimeline/pkg/validation"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/divergence"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/group"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/quorum"
	"github.com/AleutianAI/AleutianTimeline/services/timeline/versioned"
)

// Sentinel errors surfaced by the Service. They alias the package
// sentinels so errors.Is works against either name.
var (
	// ErrStaleClock indicates the caller's view of the head is out of date.
	ErrStaleClock = versioned.ErrStaleClock

	// ErrUnknownEntity indicates the entity is not registered here.
	ErrUnknownEntity = versioned.ErrUnknownEntity

	// ErrEntityExists indicates a duplicate registration.
	ErrEntityExists = versioned.ErrEntityExists

	// ErrEntityTerminated indicates the entity was sealed.
	ErrEntityTerminated = versioned.ErrEntityTerminated

	// ErrDurability indicates the store could not persist a write.
	ErrDurability = versioned.ErrDurability

	// ErrInsufficientQuorum indicates the quorum policy denied the operation.
	ErrInsufficientQuorum = quorum.ErrInsufficientQuorum

	// ErrDeferred indicates a destructive operation must wait out a
	// suspected partition. It also matches ErrInsufficientQuorum.
	ErrDeferred = quorum.ErrDeferred

	// ErrUnknownGroup indicates the group is not known here.
	ErrUnknownGroup = group.ErrUnknownGroup

	// ErrGroupExists indicates a duplicate group.
	ErrGroupExists = group.ErrGroupExists

	// ErrDivergenceUnresolved indicates shared state awaits a merge.
	ErrDivergenceUnresolved = divergence.ErrDivergenceUnresolved

	// ErrUnknownProposal indicates the merge proposal is not open.
	ErrUnknownProposal = divergence.ErrUnknownProposal

	// ErrAlreadyResolved indicates the divergence was merged already.
	ErrAlreadyResolved = divergence.ErrAlreadyResolved

	// ErrServiceClosed indicates the service was shut down.
	ErrServiceClosed = errors.New("timeline service closed")
)

// OperationError describes a failed operation.
//
// Decision is set whenever the quorum engine was consulted, so callers can
// report why an operation was refused.
type OperationError struct {
	Op       string
	Target   string
	Class    quorum.Class
	Decision *quorum.Decision
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Op, e.Target, e.Class, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op, target string, class quorum.Class, d *quorum.Decision, err error) error {
	if err == nil {
		return nil
	}
	var existing *OperationError
	if errors.As(err, &existing) {
		return err
	}
	if d == nil {
		var de *quorum.DecisionError
		if errors.As(err, &de) {
			cp := de.Decision
			d = &cp
		}
	}
	return &OperationError{Op: op, Target: target, Class: class, Decision: d, Err: err}
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

// errorStatus maps an error to an HTTP status and a stable error code.
// ErrDeferred must be checked before ErrInsufficientQuorum since it wraps it.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, validation.ErrInvalidID):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, ErrStaleClock):
		return http.StatusConflict, "STALE_CLOCK"
	case errors.Is(err, ErrEntityExists), errors.Is(err, ErrGroupExists):
		return http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, group.ErrAlreadyMember):
		return http.StatusConflict, "ALREADY_MEMBER"
	case errors.Is(err, ErrAlreadyResolved):
		return http.StatusConflict, "ALREADY_RESOLVED"
	case errors.Is(err, ErrDeferred):
		return http.StatusForbidden, "DEFERRED"
	case errors.Is(err, ErrInsufficientQuorum):
		return http.StatusForbidden, "INSUFFICIENT_QUORUM"
	case errors.Is(err, ErrUnknownEntity), errors.Is(err, versioned.ErrUnknownVersion):
		return http.StatusNotFound, "UNKNOWN_ENTITY"
	case errors.Is(err, ErrUnknownGroup):
		return http.StatusNotFound, "UNKNOWN_GROUP"
	case errors.Is(err, group.ErrNotMember):
		return http.StatusNotFound, "NOT_MEMBER"
	case errors.Is(err, ErrUnknownProposal):
		return http.StatusNotFound, "UNKNOWN_PROPOSAL"
	case errors.Is(err, ErrDivergenceUnresolved):
		return http.StatusLocked, "DIVERGENCE_UNRESOLVED"
	case errors.Is(err, ErrEntityTerminated):
		return http.StatusGone, "ENTITY_TERMINATED"
	case errors.Is(err, divergence.ErrSynthesisUnavailable):
		return http.StatusUnprocessableEntity, "SYNTHESIS_UNAVAILABLE"
	case errors.Is(err, ErrServiceClosed):
		return http.StatusServiceUnavailable, "SERVICE_CLOSED"
	case errors.Is(err, ErrDurability):
		return http.StatusInternalServerError, "DURABILITY"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// newErrorResponse builds the response body for err, attaching the quorum
// decision when one was made.
func newErrorResponse(err error) (int, ErrorResponse) {
	status, code := errorStatus(err)
	resp := ErrorResponse{Error: err.Error(), Code: code}
	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Decision != nil {
		resp.Details = opErr.Decision
	}
	return status, resp
}
