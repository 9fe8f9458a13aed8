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
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication fails.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated identity may not act.
var ErrForbidden = errors.New("forbidden")

// Well-known roles.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// AuthInfo is the identity behind a validated token.
type AuthInfo struct {
	// UserID is never empty.
	UserID string

	// Roles drive RoleAuthzProvider decisions.
	Roles []string
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates bearer tokens.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate returns the identity for token, or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token as a local admin.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{RoleAdmin}}, nil
}

// Enabled reports false so the HTTP layer can skip header checks.
func (p *NopAuthProvider) Enabled() bool { return false }

// TokenAuthProvider validates tokens against a static table.
type TokenAuthProvider struct {
	tokens []tokenEntry
}

type tokenEntry struct {
	token []byte
	info  AuthInfo
}

// NewTokenAuthProvider creates a provider from token -> identity.
func NewTokenAuthProvider(tokens map[string]AuthInfo) *TokenAuthProvider {
	p := &TokenAuthProvider{tokens: make([]tokenEntry, 0, len(tokens))}
	for tok, info := range tokens {
		p.tokens = append(p.tokens, tokenEntry{token: []byte(tok), info: info})
	}
	return p
}

// Validate compares token against every entry in constant time.
func (p *TokenAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	var match *AuthInfo
	for i := range p.tokens {
		if subtle.ConstantTimeCompare(p.tokens[i].token, []byte(token)) == 1 {
			info := p.tokens[i].info
			info.Roles = slices.Clone(info.Roles)
			match = &info
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return match, nil
}

// Enabled reports whether any token is configured.
func (p *TokenAuthProvider) Enabled() bool { return len(p.tokens) > 0 }

// AuthzRequest describes an attempted action.
type AuthzRequest struct {
	User *AuthInfo

	// Action is "read" or "write".
	Action string

	// Resource is the route being accessed.
	Resource string
}

// AuthzProvider decides whether a request may proceed.
type AuthzProvider interface {
	// Authorize returns nil to allow, or an error wrapping ErrForbidden.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthzProvider allows everything.
type NopAuthzProvider struct{}

// Authorize always allows.
func (p *NopAuthzProvider) Authorize(ctx context.Context, req AuthzRequest) error {
	return nil
}

// RoleAuthzProvider lets any authenticated identity read and requires
// admin or operator to write.
type RoleAuthzProvider struct{}

// Authorize applies the role table.
func (p *RoleAuthzProvider) Authorize(ctx context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("no identity: %w", ErrForbidden)
	}
	if req.Action == "read" {
		return nil
	}
	if req.User.HasRole(RoleAdmin) || req.User.HasRole(RoleOperator) {
		return nil
	}
	return fmt.Errorf("%s may not %s %s: %w", req.User.UserID, req.Action, req.Resource, ErrForbidden)
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*TokenAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = (*RoleAuthzProvider)(nil)
)
