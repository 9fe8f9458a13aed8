// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the pluggable security hooks of the timeline
// API: bearer token authentication, role based authorization and an audit
// trail of operator actions.
//
// The defaults are no-ops so a single developer node runs without any
// configuration. A cluster that exposes its API sets tokens in the daemon
// configuration, which swaps in TokenAuthProvider and RoleAuthzProvider.
//
// # Thread Safety
//
// All implementations in this package are safe for concurrent use.
package extensions

// ServiceOptions bundles the hooks handed to the HTTP layer.
//
// Example:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(tokens)).
//	    WithAudit(extensions.NewMemoryAuditLogger(1024, logger))
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	AuthProvider AuthProvider

	// AuthzProvider decides whether an identity may perform an action.
	AuthzProvider AuthzProvider

	// AuditLogger records merges, terminations and membership changes.
	AuditLogger AuditLogger
}

// DefaultOptions returns no-op implementations of every hook.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// WithAuth returns a copy with the given auth provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy with the given authorization provider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy with the given audit logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithDefaults fills nil hooks with no-ops.
func (opts ServiceOptions) WithDefaults() ServiceOptions {
	d := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = d.AuthProvider
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = d.AuthzProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = d.AuditLogger
	}
	return opts
}
