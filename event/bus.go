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
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Bus fans events out to subscribers. Publishing never blocks: when a
// subscriber's buffer is full the event is dropped for that subscriber and
// its drop counter advances, so one stalled client cannot stall a run.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	seq    atomic.Uint64
	buffer int
	closed bool
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the per-subscription channel capacity.
func WithBufferSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBus creates an event bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		subs:   make(map[*Subscription]struct{}),
		buffer: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	bus     *Bus
	ch      chan *Event
	flowID  int64 // 0 subscribes to every flow
	dropped atomic.Uint64
	once    sync.Once
}

// SubscribeOption configures a Subscription.
type SubscribeOption func(*Subscription)

// WithFlowFilter restricts the subscription to one flow's events.
func WithFlowFilter(flowID int64) SubscribeOption {
	return func(s *Subscription) { s.flowID = flowID }
}

// Subscribe registers a consumer. Close the subscription when done.
func (b *Bus) Subscribe(opts ...SubscribeOption) *Subscription {
	s := &Subscription{bus: b, ch: make(chan *Event, b.buffer)}
	for _, opt := range opts {
		opt(s)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeChannel()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Publish assigns the event its sequence number and fans it out.
func (b *Bus) Publish(e *Event) {
	if e == nil {
		return
	}
	e.Seq = b.seq.Add(1)
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		if s.flowID != 0 && s.flowID != e.FlowID {
			continue
		}
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
}

// Close tears down the bus and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.closeChannel()
		delete(b.subs, s)
	}
}

// Events returns the subscription's receive channel. It is closed when the
// subscription or the bus closes.
func (s *Subscription) Events() <-chan *Event { return s.ch }

// Dropped reports how many events this subscription missed to backpressure.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		s.closeChannel()
	}
	s.bus.mu.Unlock()
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() { close(s.ch) })
}
