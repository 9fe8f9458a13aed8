// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("persistent without path", func(t *testing.T) {
		err := Config{}.Validate()
		assert.Error(t, err)
	})

	t.Run("bad ratio", func(t *testing.T) {
		cfg := DefaultConfig("/tmp/x")
		cfg.GCDiscardRatio = 1.5
		assert.Error(t, cfg.Validate())
	})

	t.Run("in memory", func(t *testing.T) {
		assert.NoError(t, InMemoryConfig().Validate())
	})
}

func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.InMemory())
	assert.Empty(t, db.Path())

	ctx := context.Background()
	err = db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("head:e1"), []byte("1"))
	})
	require.NoError(t, err)

	err = db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("head:e1"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte("1"), val)
			return nil
		})
	})
	require.NoError(t, err)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.GCInterval = time.Hour

	db, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.Update(context.Background(), func(txn *badger.Txn) error {
		return txn.Set([]byte("k"), []byte("v"))
	}))
	require.NoError(t, db.Close())

	db, err = Open(cfg)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, dir, db.Path())

	err = db.View(context.Background(), func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	assert.NoError(t, err)
}

func TestUpdate_CancelledContext(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err = db.Update(ctx, func(txn *badger.Txn) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestUpdate_BodyErrorDiscards(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("boom")
	ctx := context.Background()
	err = db.Update(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte("k"), []byte("v")); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	err = db.View(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get([]byte("k"))
		return err
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound)
}

func TestUpdate_Conflict(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	key := []byte("head:e1")

	// The outer transaction reads the key, then an inner one commits a
	// write to it before the outer commit.
	err = db.Update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		inner := db.Update(ctx, func(txn *badger.Txn) error {
			return txn.Set(key, []byte("a"))
		})
		require.NoError(t, inner)
		return txn.Set(key, []byte("b"))
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGCRunner_StartStop(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	r := NewGCRunner(db.DB, 5*time.Millisecond, 0.5, nil)
	r.Start()
	time.Sleep(20 * time.Millisecond)
	r.Stop()
}
