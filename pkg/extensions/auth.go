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
)

// ErrUnauthorized is returned by AuthProvider.Validate for unknown or
// missing credentials.
var ErrUnauthorized = errors.New("unauthorized")

// LocalUserID identifies the caller when authentication is disabled.
const LocalUserID = "local-user"

// AuthInfo describes an authenticated caller.
type AuthInfo struct {
	// UserID is the stable identifier used for quotas and audit.
	UserID string

	// Roles granted to the caller.
	Roles []string
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates a bearer token.
//
// # Description
//
// token is the raw value after "Bearer ", possibly empty. Implementations
// return ErrUnauthorized (or wrap it) to reject the call.
type AuthProvider interface {
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every caller as the local user.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: LocalUserID, Roles: []string{"admin"}}, nil
}

// StaticTokenProvider authenticates against a fixed token table, as
// configured under server.api_tokens.
//
// # Thread Safety
//
// Immutable after construction.
type StaticTokenProvider struct {
	tokens map[string]string
}

// NewStaticTokenProvider maps each token to the user id it authenticates.
// The map is copied.
func NewStaticTokenProvider(tokens map[string]string) *StaticTokenProvider {
	cp := make(map[string]string, len(tokens))
	for tok, user := range tokens {
		cp[tok] = user
	}
	return &StaticTokenProvider{tokens: cp}
}

// Validate compares token against every entry in constant time.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	var user string
	for tok, u := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(tok), []byte(token)) == 1 {
			user = u
		}
	}
	if user == "" {
		return nil, ErrUnauthorized
	}
	return &AuthInfo{UserID: user, Roles: []string{"user"}}, nil
}

var (
	_ AuthProvider = (*NopAuthProvider)(nil)
	_ AuthProvider = (*StaticTokenProvider)(nil)
)
