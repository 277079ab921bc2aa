// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package approvals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
	kv "github.com/AleutianAI/AleutianQuery/services/orchestrator/storage/badger"
)

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, cfg, nil)
}

func table(rows int) *datatypes.Table {
	tb := &datatypes.Table{Columns: []datatypes.Column{{Name: "n", Type: datatypes.CellNumber, Role: datatypes.RoleMeasure}}}
	for i := 0; i < rows; i++ {
		tb.Rows = append(tb.Rows, []datatypes.Cell{datatypes.NumberCell(float64(i))})
	}
	return tb
}

func TestOfferAndApprove(t *testing.T) {
	s := newStore(t, DefaultConfig())
	ctx := context.Background()

	offer, err := s.Offer(ctx, "c1", "r1", "list everything", table(150))
	require.NoError(t, err)
	assert.Equal(t, ActionExportXLSX, offer.Action)
	assert.Equal(t, 150, offer.Rows)
	assert.NotEmpty(t, offer.ID)
	assert.Greater(t, offer.ExpiresAt, time.Now().Unix())

	p, err := s.Resolve(ctx, "c1", offer.ID, true)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "r1", p.RequestID)
	assert.Equal(t, "list everything", p.Query)
	assert.Len(t, p.Table.Rows, 150)

	_, err = s.Resolve(ctx, "c1", offer.ID, true)
	assert.ErrorIs(t, err, ErrNotFound, "approvals are single use")
}

func TestDiscard(t *testing.T) {
	s := newStore(t, DefaultConfig())
	ctx := context.Background()

	offer, err := s.Offer(ctx, "c1", "r1", "q", table(1))
	require.NoError(t, err)

	p, err := s.Resolve(ctx, "c1", offer.ID, false)
	require.NoError(t, err)
	assert.Nil(t, p)

	n, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForeignConversationIsNotFound(t *testing.T) {
	s := newStore(t, DefaultConfig())
	ctx := context.Background()

	offer, err := s.Offer(ctx, "c1", "r1", "q", table(1))
	require.NoError(t, err)

	_, err = s.Resolve(ctx, "c2", offer.ID, true)
	assert.ErrorIs(t, err, datatypes.ErrNotFound)

	// The owner can still use it.
	_, err = s.Resolve(ctx, "c1", offer.ID, true)
	assert.NoError(t, err)
}

func TestExpiry(t *testing.T) {
	s := newStore(t, Config{TTL: time.Second})
	ctx := context.Background()

	offer, err := s.Offer(ctx, "c1", "r1", "q", table(1))
	require.NoError(t, err)
	time.Sleep(2100 * time.Millisecond)

	_, err = s.Resolve(ctx, "c1", offer.ID, true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentResolve_ExactlyOneWins(t *testing.T) {
	s := newStore(t, DefaultConfig())
	ctx := context.Background()
	offer, err := s.Offer(ctx, "c1", "r1", "q", table(3))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p, err := s.Resolve(ctx, "c1", offer.ID, true); err == nil && p != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestOffer_RequiresTable(t *testing.T) {
	s := newStore(t, DefaultConfig())
	_, err := s.Offer(context.Background(), "c1", "r1", "q", nil)
	assert.Error(t, err)
}
