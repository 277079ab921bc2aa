// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifacts

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	kv "github.com/AleutianAI/AleutianQuery/services/orchestrator/storage/badger"
)

func newTestCache(t *testing.T, ttl time.Duration) *BadgerCache {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerCache(db, Options{TTL: ttl})
}

func tableResult(label string, rows int) datatypes.RawToolResult {
	table := &datatypes.Table{
		Columns: []datatypes.Column{
			{Name: "label", Type: datatypes.CellText, Role: datatypes.RoleDimension},
			{Name: "n", Type: datatypes.CellNumber, Role: datatypes.RoleMeasure},
		},
	}
	for i := 0; i < rows; i++ {
		table.Rows = append(table.Rows, []datatypes.Cell{datatypes.TextCell(label), datatypes.NumberCell(float64(i))})
	}
	return datatypes.RawToolResult{Table: table}
}

func scope(conv, req string) datatypes.Scope {
	return datatypes.Scope{ConversationID: datatypes.ConversationID(conv), RequestID: req}
}

func TestPutGet_RoundTrip(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	ctx := context.Background()
	s := scope("c1", "r1")

	h, err := cache.Put(ctx, s, tableResult("a", 3))
	require.NoError(t, err)
	assert.Equal(t, 3, h.Rows)
	assert.Equal(t, datatypes.SizeSmall, h.SizeClass)
	assert.Equal(t, s, h.Scope)

	got, err := cache.Get(ctx, s, h)
	require.NoError(t, err)
	require.NotNil(t, got.Table)
	assert.Len(t, got.Table.Rows, 3)
	assert.Equal(t, "a", got.Table.Rows[2][0].String())
	assert.Equal(t, "2", got.Table.Rows[2][1].String())

	// Reads are idempotent within the request.
	again, err := cache.Get(ctx, s, h)
	require.NoError(t, err)
	assert.Equal(t, got, again)
}

func TestPut_RequiresScope(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	_, err := cache.Put(context.Background(), scope("c1", ""), tableResult("a", 1))
	assert.Error(t, err)
}

func TestGet_ForeignScopeIsNotFound(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	ctx := context.Background()

	h, err := cache.Put(ctx, scope("c1", "r1"), tableResult("secret", 2))
	require.NoError(t, err)

	tests := []struct {
		name  string
		scope datatypes.Scope
	}{
		{"other conversation", scope("c2", "r1")},
		{"other request", scope("c1", "r2")},
		{"conversation-wide scope", scope("c1", "")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := cache.Get(ctx, tt.scope, h)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.True(t, errors.Is(err, datatypes.ErrNotFound))
		})
	}

	// Forging a handle with the caller's own scope finds nothing either.
	forged := h
	forged.Scope = scope("c2", "r1")
	_, err = cache.Get(ctx, scope("c2", "r1"), forged)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelease_EvictsOnlyThatRequest(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	ctx := context.Background()

	h1, err := cache.Put(ctx, scope("c1", "r1"), tableResult("a", 1))
	require.NoError(t, err)
	_, err = cache.Put(ctx, scope("c1", "r1"), tableResult("b", 1))
	require.NoError(t, err)
	h3, err := cache.Put(ctx, scope("c1", "r2"), tableResult("c", 1))
	require.NoError(t, err)
	h4, err := cache.Put(ctx, scope("c10", "r1"), tableResult("d", 1))
	require.NoError(t, err)

	n, err := cache.Release(ctx, scope("c1", "r1"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = cache.Get(ctx, scope("c1", "r1"), h1)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = cache.Get(ctx, scope("c1", "r2"), h3)
	assert.NoError(t, err)
	_, err = cache.Get(ctx, scope("c10", "r1"), h4)
	assert.NoError(t, err, "prefix of c1 must not match c10")

	n, err = cache.Release(ctx, scope("c1", ""))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	count, err := cache.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRelease_AfterContextCanceled(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	_, err := cache.Put(context.Background(), scope("c1", "r1"), tableResult("a", 1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = cache.Release(ctx, scope("c1", "r1"))
	assert.Error(t, err, "release uses the caller's context for the scan")
}

func TestTTL_Expires(t *testing.T) {
	cache := newTestCache(t, time.Second)
	ctx := context.Background()

	h, err := cache.Put(ctx, scope("c1", "r1"), tableResult("a", 1))
	require.NoError(t, err)

	time.Sleep(2100 * time.Millisecond)
	_, err = cache.Get(ctx, scope("c1", "r1"), h)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentConversations_NoCrossVisibility(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	ctx := context.Background()

	const convs = 16
	handles := make([]Handle, convs)
	var g errgroup.Group
	for i := 0; i < convs; i++ {
		g.Go(func() error {
			s := scope(fmt.Sprintf("conv-%d", i), "req")
			h, err := cache.Put(ctx, s, tableResult(fmt.Sprintf("owner-%d", i), 5))
			if err != nil {
				return err
			}
			handles[i] = h
			got, err := cache.Get(ctx, s, h)
			if err != nil {
				return err
			}
			if owner := got.Table.Rows[0][0].String(); owner != fmt.Sprintf("owner-%d", i) {
				return fmt.Errorf("conversation %d read %s", i, owner)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	for i := 0; i < convs; i++ {
		for j := 0; j < convs; j++ {
			if i == j {
				continue
			}
			_, err := cache.Get(ctx, scope(fmt.Sprintf("conv-%d", j), "req"), handles[i])
			assert.ErrorIs(t, err, ErrNotFound)
		}
	}
}

func TestParseKey(t *testing.T) {
	s := scope("conv/with/slashes", "req-1")
	got, ok := parseKey(entryKey(s, 42))
	require.True(t, ok)
	assert.Equal(t, s, got)

	_, ok = parseKey([]byte("apr/x"))
	assert.False(t, ok)
}

type liveSet map[datatypes.Scope]bool

func (l liveSet) IsLive(s datatypes.Scope) bool { return l[s] }

func TestSweeper_ReleasesOrphans(t *testing.T) {
	cache := newTestCache(t, 10*time.Minute)
	ctx := context.Background()

	_, err := cache.Put(ctx, scope("c1", "live"), tableResult("a", 1))
	require.NoError(t, err)
	_, err = cache.Put(ctx, scope("c1", "orphan"), tableResult("b", 1))
	require.NoError(t, err)

	// Age every entry past the grace period.
	cache.now = func() time.Time { return time.Now().Add(time.Minute) }

	sweeper := NewSweeper(cache, liveSet{scope("c1", "live"): true}, SweeperConfig{OrphanGrace: 30 * time.Second}, nil)
	result, err := sweeper.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Orphans)
	assert.Equal(t, 1, result.Released)
	assert.Equal(t, 1, result.Live)
}

func TestSweeper_RespectsGrace(t *testing.T) {
	cache := newTestCache(t, 10*time.Minute)
	ctx := context.Background()

	_, err := cache.Put(ctx, scope("c1", "r1"), tableResult("a", 1))
	require.NoError(t, err)

	sweeper := NewSweeper(cache, liveSet{}, SweeperConfig{OrphanGrace: time.Hour}, nil)
	result, err := sweeper.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Orphans)
	assert.Equal(t, 1, result.Live)
}

func TestSweeper_StartStop(t *testing.T) {
	cache := newTestCache(t, time.Minute)
	sweeper := NewSweeper(cache, nil, SweeperConfig{Interval: 5 * time.Millisecond}, nil)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.Error(t, sweeper.Start(context.Background()))
	time.Sleep(20 * time.Millisecond)
	sweeper.Stop()
	sweeper.Stop()
}
