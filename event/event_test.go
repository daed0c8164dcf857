//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package event

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	evt := New(7, "run-123", TypeNodeFinished,
		WithNodeID(3),
		WithFingerprint("abc"),
		WithRowCount(42),
		WithCacheHit(),
		WithDuration(time.Second),
	)
	require.NotNil(t, evt)
	require.NotEmpty(t, evt.ID)
	require.WithinDuration(t, time.Now(), evt.Timestamp, 2*time.Second)
	assert.Equal(t, int64(7), evt.FlowID)
	assert.Equal(t, "run-123", evt.RunID)
	assert.Equal(t, int64(3), evt.NodeID)
	assert.Equal(t, "abc", evt.Fingerprint)
	require.NotNil(t, evt.RowCount)
	assert.Equal(t, int64(42), *evt.RowCount)
	assert.True(t, evt.CacheHit)
	assert.Equal(t, time.Second, evt.Duration)
}

func TestNewErrorEvent(t *testing.T) {
	evt := New(1, "run-err", TypeNodeFailed,
		WithNodeID(2),
		WithError(errors.New("boom")),
	)
	assert.Equal(t, TypeNodeFailed, evt.Type)
	assert.Equal(t, "boom", evt.Error)

	// A nil error attaches nothing.
	clean := New(1, "run-ok", TypeNodeFinished, WithError(nil))
	assert.Empty(t, clean.Error)
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.Subscribe()
	only7 := bus.Subscribe(WithFlowFilter(7))

	bus.Publish(New(7, "r1", TypeRunStarted))
	bus.Publish(New(8, "r2", TypeRunStarted))

	first := <-all.Events()
	second := <-all.Events()
	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, uint64(2), second.Seq)

	filtered := <-only7.Events()
	assert.Equal(t, int64(7), filtered.FlowID)
	select {
	case e := <-only7.Events():
		t.Fatalf("unexpected event for flow %d", e.FlowID)
	default:
	}
}

func TestBusDropsOnSlowConsumer(t *testing.T) {
	bus := NewBus(WithBufferSize(1))
	defer bus.Close()

	slow := bus.Subscribe()
	bus.Publish(New(1, "r", TypeRunStarted))
	bus.Publish(New(1, "r", TypeRunFinished)) // buffer full, dropped

	assert.Equal(t, uint64(1), slow.Dropped())
	got := <-slow.Events()
	assert.Equal(t, TypeRunStarted, got.Type)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe()
	sub.Close()

	_, open := <-sub.Events()
	assert.False(t, open, "closed subscription channel must not stay open")

	// Publishing after the subscriber left must not panic.
	bus.Publish(New(1, "r", TypeRunStarted))
	bus.Close()

	late := bus.Subscribe()
	_, open = <-late.Events()
	assert.False(t, open, "subscribing to a closed bus yields a closed channel")
}
