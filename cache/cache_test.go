//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package cache

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

func testTable(n int) *frame.Table {
	rows := make([]frame.Row, n)
	for i := range rows {
		rows[i] = frame.Row{"a": int64(i)}
	}
	return &frame.Table{
		Schema: frame.Schema{{Name: "a", Type: frame.TypeInt64}},
		Rows:   rows,
	}
}

func TestMemorySaveLoad(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	want := testTable(3)
	require.NoError(t, m.Save(ctx, "fp1", want))

	got, ok, err := m.Load(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	_, ok, err = m.Load(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory(WithLimit(2))
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "fp1", testTable(1)))
	require.NoError(t, m.Save(ctx, "fp2", testTable(2)))
	require.NoError(t, m.Delete(ctx, "fp1"))
	require.NoError(t, m.Delete(ctx, "missing"), "unknown fingerprints are fine")

	assert.Equal(t, 1, m.Len())
	_, ok, _ := m.Load(ctx, "fp1")
	assert.False(t, ok)

	// The freed slot is reusable without evicting fp2.
	require.NoError(t, m.Save(ctx, "fp3", testTable(3)))
	assert.Equal(t, 2, m.Len())
	_, ok, _ = m.Load(ctx, "fp2")
	assert.True(t, ok)
}

func TestMemoryEvictsOldestFirst(t *testing.T) {
	m := NewMemory(WithLimit(2))
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "fp1", testTable(1)))
	require.NoError(t, m.Save(ctx, "fp2", testTable(2)))
	require.NoError(t, m.Save(ctx, "fp3", testTable(3)))

	assert.Equal(t, 2, m.Len())
	_, ok, _ := m.Load(ctx, "fp1")
	assert.False(t, ok, "oldest entry is evicted")
	_, ok, _ = m.Load(ctx, "fp2")
	assert.True(t, ok)
	_, ok, _ = m.Load(ctx, "fp3")
	assert.True(t, ok)
}

func TestMemoryOverwriteKeepsInsertionOrder(t *testing.T) {
	m := NewMemory(WithLimit(2))
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "fp1", testTable(1)))
	require.NoError(t, m.Save(ctx, "fp2", testTable(2)))
	// Overwriting does not refresh fp1's eviction slot.
	require.NoError(t, m.Save(ctx, "fp1", testTable(9)))
	require.NoError(t, m.Save(ctx, "fp3", testTable(3)))

	_, ok, _ := m.Load(ctx, "fp1")
	assert.False(t, ok)
	got, ok, _ := m.Load(ctx, "fp2")
	require.True(t, ok)
	assert.Equal(t, 2, got.Len())
}

func TestMemoryClear(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, "fp1", testTable(1)))
	require.NoError(t, m.Save(ctx, "fp2", testTable(2)))
	require.NoError(t, m.Clear(ctx))

	assert.Zero(t, m.Len())
	_, ok, _ := m.Load(ctx, "fp1")
	assert.False(t, ok)

	// Entries saved after a clear start a fresh eviction order.
	require.NoError(t, m.Save(ctx, "fp4", testTable(4)))
	assert.Equal(t, 1, m.Len())
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			fp := fmt.Sprintf("fp%d", i)
			_ = m.Save(ctx, fp, testTable(i))
			_, _, _ = m.Load(ctx, fp)
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
	assert.Equal(t, 8, m.Len())
}
