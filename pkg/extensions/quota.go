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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// QuotaRequest identifies the caller asking to run a query.
type QuotaRequest struct {
	UserID         string
	ConversationID string
	Action         string
}

// QuotaDecision is the policy's answer.
type QuotaDecision struct {
	Allowed bool

	// Reason is a short client-safe explanation for a denial.
	Reason string

	// RetryAfter is a hint for the client; zero when unknown.
	RetryAfter time.Duration
}

// QuotaPolicy decides whether a query may run. It is consulted before the
// query enters the coordinator; a denial means nothing executes.
type QuotaPolicy interface {
	Check(ctx context.Context, req QuotaRequest) QuotaDecision
}

// NopQuotaPolicy allows everything.
type NopQuotaPolicy struct{}

// Check always allows.
func (p *NopQuotaPolicy) Check(context.Context, QuotaRequest) QuotaDecision {
	return QuotaDecision{Allowed: true}
}

// RateQuotaPolicy limits each user to a steady query rate with a burst.
//
// # Description
//
// One token bucket per user id. Buckets idle for longer than ten refill
// periods are dropped on the next Check, so the map stays bounded by the
// number of recently active users.
//
// # Thread Safety
//
// Safe for concurrent use.
type RateQuotaPolicy struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*quotaBucket
	swept   time.Time
}

type quotaBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewRateQuotaPolicy allows perMinute queries per user with burst.
// perMinute <= 0 allows everything.
func NewRateQuotaPolicy(perMinute float64, burst int) *RateQuotaPolicy {
	if burst <= 0 {
		burst = 1
	}
	p := &RateQuotaPolicy{
		limit:   rate.Inf,
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*quotaBucket),
	}
	if perMinute > 0 {
		p.limit = rate.Limit(perMinute / 60)
		p.idle = 10 * time.Duration(float64(time.Minute)/perMinute)
	}
	return p
}

// Check consumes one token from the caller's bucket.
func (p *RateQuotaPolicy) Check(_ context.Context, req QuotaRequest) QuotaDecision {
	if p.limit == rate.Inf {
		return QuotaDecision{Allowed: true}
	}
	user := req.UserID
	if user == "" {
		user = LocalUserID
	}
	now := p.now()

	p.mu.Lock()
	p.sweep(now)
	b, ok := p.buckets[user]
	if !ok {
		b = &quotaBucket{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[user] = b
	}
	b.seen = now
	r := b.limiter.ReserveN(now, 1)
	p.mu.Unlock()

	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return QuotaDecision{Reason: "query rate limit exceeded", RetryAfter: delay}
	}
	return QuotaDecision{Allowed: true}
}

// sweep drops idle buckets at most once per idle period. Caller holds mu.
func (p *RateQuotaPolicy) sweep(now time.Time) {
	if now.Sub(p.swept) < p.idle {
		return
	}
	p.swept = now
	for user, b := range p.buckets {
		if now.Sub(b.seen) > p.idle {
			delete(p.buckets, user)
		}
	}
}

var (
	_ QuotaPolicy = (*NopQuotaPolicy)(nil)
	_ QuotaPolicy = (*RateQuotaPolicy)(nil)
)
