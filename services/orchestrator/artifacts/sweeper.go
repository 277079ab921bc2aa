// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifacts

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianQuery/services/orchestrator/observability"
)

// LivenessChecker reports whether a request scope is still in flight.
// The coordinator implements it.
type LivenessChecker interface {
	IsLive(scope datatypes.Scope) bool
}

// SweeperConfig configures the background sweeper.
type SweeperConfig struct {
	// Interval between sweeps. Default: 30s.
	Interval time.Duration

	// OrphanGrace is the minimum age of an entry whose request is no longer
	// live before the sweeper evicts it. Default: 30s.
	OrphanGrace time.Duration
}

// DefaultSweeperConfig returns the default sweeper configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    30 * time.Second,
		OrphanGrace: 30 * time.Second,
	}
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Live     int
	Orphans  int
	Released int
	Duration time.Duration
}

// Sweeper periodically evicts orphaned artifacts and refreshes the live
// entry gauge.
//
// # Description
//
// Request release is the primary eviction path and TTL expiry is the
// guarantee. The sweeper covers the window between them: entries whose
// request has ended (release failed or was skipped) are evicted after
// OrphanGrace instead of waiting out the full TTL.
//
// # Thread Safety
//
// Start, Stop, and RunNow are safe for concurrent use.
type Sweeper struct {
	cache  *BadgerCache
	live   LivenessChecker
	config SweeperConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
}

// NewSweeper creates a sweeper. live may be nil, in which case only the
// gauge is refreshed.
func NewSweeper(cache *BadgerCache, live LivenessChecker, config SweeperConfig, logger *slog.Logger) *Sweeper {
	def := DefaultSweeperConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.OrphanGrace <= 0 {
		config.OrphanGrace = def.OrphanGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cache:  cache,
		live:   live,
		config: config,
		logger: logger,
	}
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	s.logger.Info("artifact sweeper starting",
		"interval", s.config.Interval.String(),
		"orphan_grace", s.config.OrphanGrace.String(),
	)
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop halts the loop and waits for an in-progress sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()
	<-stopped
}

// RunNow performs one sweep synchronously.
func (s *Sweeper) RunNow(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var result SweepResult

	scopes, err := s.cache.scopes(ctx)
	if err != nil {
		return result, fmt.Errorf("scan artifacts: %w", err)
	}

	for scope, age := range scopes {
		if s.live == nil || s.live.IsLive(scope) || age < s.config.OrphanGrace {
			continue
		}
		result.Orphans++
		n, err := s.cache.Release(ctx, scope)
		result.Released += n
		if err != nil {
			s.logger.Warn("failed to release orphaned artifacts",
				"conversation_id", scope.ConversationID,
				"request_id", scope.RequestID,
				"error", err)
		}
	}

	live, err := s.cache.Count(ctx)
	if err != nil {
		return result, fmt.Errorf("count artifacts: %w", err)
	}
	result.Live = live
	result.Duration = time.Since(start)

	if m := observability.DefaultMetrics; m != nil {
		m.SetArtifactEntries(live)
	}
	return result, nil
}

func (s *Sweeper) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("artifact sweeper stopped (context cancelled)")
			return
		case <-done:
			s.logger.Info("artifact sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Sweeper) execute(ctx context.Context) {
	result, err := s.RunNow(ctx)
	if err != nil {
		s.logger.Error("artifact sweep failed", "error", err)
		return
	}
	if result.Orphans > 0 {
		s.logger.Info("artifact sweep released orphans",
			"orphans", result.Orphans,
			"released", result.Released,
			"live", result.Live,
			"duration_ms", result.Duration.Milliseconds(),
		)
	} else {
		s.logger.Debug("artifact sweep completed", "live", result.Live)
	}
}
