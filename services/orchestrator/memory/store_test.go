// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianQuery/services/orchestrator/datatypes"
)

func userMsg(s string) datatypes.Message {
	return datatypes.Message{Role: datatypes.RoleUser, Content: s}
}

func assistantMsg(s string, path datatypes.Path) datatypes.Message {
	return datatypes.Message{Role: datatypes.RoleAssistant, Content: s, Path: path}
}

func TestAppend_AssignsSequence(t *testing.T) {
	store := NewInMemoryStore(Config{})
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		msg, err := store.Append(ctx, "c1", userMsg(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
		assert.Equal(t, int64(i), msg.Seq)
		assert.False(t, msg.CreatedAt.IsZero())
	}
	assert.Equal(t, 3, store.Len("c1"))
	assert.Equal(t, 0, store.Len("c2"))
}

func TestAppend_RejectsInvalid(t *testing.T) {
	store := NewInMemoryStore(Config{})
	ctx := context.Background()

	_, err := store.Append(ctx, "", userMsg("x"))
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = store.Append(ctx, "c1", datatypes.Message{Role: "system", Content: "x"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = store.Append(ctx, "c1", datatypes.Message{Role: datatypes.RoleAssistant, Path: "sql"})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	assert.Equal(t, 0, store.Len("c1"))
}

func TestAppend_TruncatesContent(t *testing.T) {
	store := NewInMemoryStore(Config{MaxMessageChars: 10})
	msg, err := store.Append(context.Background(), "c1", userMsg(strings.Repeat("ü", 50)))
	require.NoError(t, err)
	assert.Equal(t, 10, len([]rune(msg.Content)))
}

func TestRecent_ReturnsNewestInOrder(t *testing.T) {
	store := NewInMemoryStore(Config{})
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := store.Append(ctx, "c1", userMsg(fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
	}

	recent, err := store.Recent(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "q4", recent[0].Content)
	assert.Equal(t, "q5", recent[1].Content)

	all, err := store.Recent(ctx, "c1", 100)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	none, err := store.Recent(ctx, "unknown", 5)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecent_ReturnsCopies(t *testing.T) {
	store := NewInMemoryStore(Config{})
	ctx := context.Background()
	_, err := store.Append(ctx, "c1", datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: "3 records",
		Path:    datatypes.PathStructured,
		Ref:     &datatypes.PayloadRef{Kind: datatypes.PayloadTable, RequestID: "r1", Rows: 3},
	})
	require.NoError(t, err)

	first, err := store.Recent(ctx, "c1", 1)
	require.NoError(t, err)
	first[0].Content = "mutated"
	first[0].Ref.Rows = 999

	again, err := store.Recent(ctx, "c1", 1)
	require.NoError(t, err)
	assert.Equal(t, "3 records", again[0].Content)
	assert.Equal(t, 3, again[0].Ref.Rows)
}

func TestAppendTurn_IsAtomicAndOrdered(t *testing.T) {
	store := NewInMemoryStore(Config{})
	ctx := context.Background()

	out, err := store.AppendTurn(ctx, "c1", userMsg("show X"), assistantMsg("3 records", datatypes.PathStructured))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, int64(1), out[0].Seq)
	assert.Equal(t, int64(2), out[1].Seq)

	_, err = store.AppendTurn(ctx, "c1", assistantMsg("x", datatypes.PathNarrative), userMsg("y"))
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.Equal(t, 2, store.Len("c1"))
}

// Concurrent readers always observe whole turns: an even number of messages
// with alternating roles.
func TestAppendTurn_ReadersNeverSeePartialTurn(t *testing.T) {
	store := NewInMemoryStore(Config{})
	ctx := context.Background()

	var g errgroup.Group
	g.Go(func() error {
		for i := 0; i < 200; i++ {
			if _, err := store.AppendTurn(ctx, "c1", userMsg("q"), assistantMsg("a", datatypes.PathNarrative)); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				msgs, err := store.Recent(ctx, "c1", 1000)
				if err != nil {
					return err
				}
				if len(msgs)%2 != 0 {
					return fmt.Errorf("observed partial turn: %d messages", len(msgs))
				}
				for j, m := range msgs {
					if m.Seq != int64(j+1) {
						return fmt.Errorf("sequence gap at %d", j)
					}
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 400, store.Len("c1"))
}

func TestConcurrentConversations_AreIndependent(t *testing.T) {
	store := NewInMemoryStore(Config{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for c := 0; c < 8; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			conv := datatypes.ConversationID(fmt.Sprintf("conv-%d", c))
			for i := 0; i < 50; i++ {
				_, err := store.Append(ctx, conv, userMsg(fmt.Sprintf("%s-%d", conv, i)))
				assert.NoError(t, err)
			}
		}(c)
	}
	wg.Wait()

	ids := store.Conversations()
	require.Len(t, ids, 8)
	for _, id := range ids {
		msgs, err := store.Recent(ctx, id, 100)
		require.NoError(t, err)
		require.Len(t, msgs, 50)
		for i, m := range msgs {
			assert.Equal(t, fmt.Sprintf("%s-%d", id, i), m.Content)
		}
	}
}

func TestRecent_CanceledContext(t *testing.T) {
	store := NewInMemoryStore(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.Recent(ctx, "c1", 5)
	assert.ErrorIs(t, err, context.Canceled)
}
