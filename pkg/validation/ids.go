// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for identifiers that end up
// in storage keys and URL paths.
//
// Entity, group and node ids are embedded in Badger keys of the form
// "version:{id}:{hash}", so a colon in an id would let one entity's prefix
// scan see another entity's records. Entity ids are routed through
// catch-all URL parameters, which is why slashes are allowed in them.
// Group ids travel in a single path segment and may not contain one.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidID is wrapped by every identifier validation failure.
var ErrInvalidID = errors.New("invalid identifier")

// MaxIDLength bounds every identifier.
const MaxIDLength = 256

// Entity ids under these prefixes hold group bookkeeping. Only the group
// handler writes them.
const (
	MembershipPrefix = "membership/"
	AggregatePrefix  = "group/"
)

var reservedPrefixes = []string{MembershipPrefix, AggregatePrefix}

// idPattern allows letters, digits, dots, underscores, hyphens, at-signs
// and slashes. The first character must be alphanumeric.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@/-]*$`)

// ValidateID validates an identifier of the given kind ("entity",
// "group", "node").
//
// Valid ids:
//   - 1-256 characters
//   - Start with a letter or digit
//   - Letters, digits, '.', '_', '-', '@' and '/'
//   - No empty path segment ("a//b") and no trailing '/'
//
// Example:
//
//	if err := validation.ValidateID("entity", req.EntityID); err != nil {
//	    return nil, err
//	}
func ValidateID(kind, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s id cannot be empty", ErrInvalidID, kind)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s id exceeds %d characters", ErrInvalidID, kind, MaxIDLength)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s id %q (letters, digits, '.', '_', '-', '@', '/' only)", ErrInvalidID, kind, id)
	}
	if strings.Contains(id, "//") || strings.HasSuffix(id, "/") {
		return fmt.Errorf("%w: %s id %q has an empty path segment", ErrInvalidID, kind, id)
	}
	return nil
}

// ValidateEntityID validates an entity id.
func ValidateEntityID(id string) error {
	return ValidateID("entity", id)
}

// ValidateClientEntityID validates an entity id supplied by a caller of
// the service. Ids under a reserved group prefix are rejected.
func ValidateClientEntityID(id string) error {
	if err := ValidateEntityID(id); err != nil {
		return err
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(id, p) {
			return fmt.Errorf("%w: entity id %q uses the reserved prefix %q", ErrInvalidID, id, p)
		}
	}
	return nil
}

// ValidateGroupID validates a group id. Unlike entity ids, group ids
// cannot contain '/'.
func ValidateGroupID(id string) error {
	if err := ValidateID("group", id); err != nil {
		return err
	}
	if strings.Contains(id, "/") {
		return fmt.Errorf("%w: group id %q cannot contain '/'", ErrInvalidID, id)
	}
	return nil
}

// ValidateNodeID validates a node id.
func ValidateNodeID(id string) error {
	return ValidateID("node", id)
}

// ValidateIDs validates multiple ids of one kind.
// Returns an error listing all invalid ids if any fail validation.
func ValidateIDs(kind string, ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateID(kind, id); err != nil {
			invalid = append(invalid, fmt.Sprintf("%q", id))
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %s ids %s", ErrInvalidID, kind, strings.Join(invalid, ", "))
	}
	return nil
}
