// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())

	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("key"), []byte("value"))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("key"))
		require.NoError(t, err)
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("value"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestOpenDB_OnDiskStartsGC(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Path = t.TempDir()
	cfg.GCInterval = 10 * time.Millisecond

	db, err := OpenDB(cfg)
	require.NoError(t, err)
	assert.NotNil(t, db.gcRunner)
	assert.Equal(t, cfg.Path, db.Path())

	// Let the loop tick at least once; ErrNoRewrite is expected and ignored.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, db.Close())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := OpenDB(Config{})
	assert.Error(t, err)
}

func TestNewGCRunner_Validation(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewGCRunner(nil, time.Second, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, 0, 0.5, nil)
	assert.Error(t, err)
	_, err = NewGCRunner(db.DB, time.Second, 1.5, nil)
	assert.Error(t, err)
}

func TestPrefixHelpers(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		for i := 0; i < 5; i++ {
			if err := txn.Set([]byte(fmt.Sprintf("a/%d", i)), []byte("x")); err != nil {
				return err
			}
		}
		return txn.Set([]byte("b/0"), []byte("y"))
	})
	require.NoError(t, err)

	n, err := db.CountPrefix(ctx, []byte("a/"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	deleted, err := db.DeletePrefix(ctx, []byte("a/"))
	require.NoError(t, err)
	assert.Equal(t, 5, deleted)

	n, err = db.CountPrefix(ctx, []byte("a/"))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = db.CountPrefix(ctx, []byte("b/"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeletePrefix_LargeBatch(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	wb := db.NewWriteBatch()
	for i := 0; i < 2500; i++ {
		require.NoError(t, wb.Set([]byte(fmt.Sprintf("p/%05d", i)), []byte("v")))
	}
	require.NoError(t, wb.Flush())

	deleted, err := db.DeletePrefix(ctx, []byte("p/"))
	require.NoError(t, err)
	assert.Equal(t, 2500, deleted)
}

func TestWithTxn_CanceledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error { return nil })
	assert.Error(t, err)
}

func TestTTL_ExpiredEntriesInvisible(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte("t/1"), []byte("v")).WithTTL(time.Second))
	})
	require.NoError(t, err)

	n, err := db.CountPrefix(ctx, []byte("t/"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Badger TTL resolution is one second.
	time.Sleep(2100 * time.Millisecond)
	n, err = db.CountPrefix(ctx, []byte("t/"))
	require.NoError(t, err)
	assert.Zero(t, n)
}
