// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the collaborator interfaces queryd consumes
// but does not own: authentication, audit logging, and quota policy.
//
// Every interface has a no-op default so the service runs standalone.
// Deployments inject their own implementations through ServiceOptions:
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewStaticTokenProvider(tokens)).
//	    WithQuota(extensions.NewRateQuotaPolicy(60, 10))
//
// # Extension Categories
//
//   - auth.go: AuthProvider, AuthInfo
//   - audit.go: AuditLogger, AuditEvent
//   - quota.go: QuotaPolicy, QuotaRequest, QuotaDecision
package extensions

// ServiceOptions bundles the injected collaborators.
//
// # Thread Safety
//
// ServiceOptions is a value type; the With* builders return copies.
// Implementations must be safe for concurrent use.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	// Default: NopAuthProvider (every caller is the local user)
	AuthProvider AuthProvider

	// AuditLogger records queries, approvals, and dataset uploads.
	// Default: NopAuditLogger
	AuditLogger AuditLogger

	// QuotaPolicy admits or denies queries before they execute.
	// Default: NopQuotaPolicy (always allows)
	QuotaPolicy QuotaPolicy
}

// DefaultOptions returns options with every collaborator set to its no-op.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
		QuotaPolicy:  &NopQuotaPolicy{},
	}
}

// WithAuth returns a copy with provider installed.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy with logger installed.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithQuota returns a copy with policy installed.
func (opts ServiceOptions) WithQuota(policy QuotaPolicy) ServiceOptions {
	opts.QuotaPolicy = policy
	return opts
}

// Normalized returns a copy with nil collaborators replaced by no-ops.
func (opts ServiceOptions) Normalized() ServiceOptions {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &NopAuthProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	if opts.QuotaPolicy == nil {
		opts.QuotaPolicy = &NopQuotaPolicy{}
	}
	return opts
}
