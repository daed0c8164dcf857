//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package cache persists materialized node results keyed by fingerprint, so
// reruns of unchanged subgraphs skip their compute entirely.
package cache

import (
	"context"
	"sync"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// Saver stores and retrieves materialized results. Implementations must be
// safe for concurrent use; the scheduler calls them from worker goroutines.
type Saver interface {
	// Save stores a result under its fingerprint, replacing any previous
	// entry.
	Save(ctx context.Context, fingerprint string, t *frame.Table) error
	// Load returns the stored result and true, or false when the
	// fingerprint is unknown.
	Load(ctx context.Context, fingerprint string) (*frame.Table, bool, error)
	// Delete drops one entry. Unknown fingerprints are not an error.
	Delete(ctx context.Context, fingerprint string) error
	// Clear drops every entry.
	Clear(ctx context.Context) error
	// Close releases the saver's resources.
	Close() error
}

const defaultMemoryLimit = 128

// Memory is an in-process Saver bounded to a fixed number of entries, evicted
// oldest first. Tables are stored by reference and must not be mutated.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*frame.Table
	order   []string
	limit   int
}

// MemoryOption configures a Memory saver.
type MemoryOption func(*Memory)

// WithLimit caps the number of cached results.
func WithLimit(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.limit = n
		}
	}
}

// NewMemory creates an in-memory saver.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]*frame.Table),
		limit:   defaultMemoryLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Save implements Saver.
func (m *Memory) Save(_ context.Context, fingerprint string, t *frame.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[fingerprint]; !exists {
		m.order = append(m.order, fingerprint)
	}
	m.entries[fingerprint] = t
	for len(m.order) > m.limit {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.entries, oldest)
	}
	return nil
}

// Load implements Saver.
func (m *Memory) Load(_ context.Context, fingerprint string) (*frame.Table, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.entries[fingerprint]
	return t, ok, nil
}

// Delete implements Saver.
func (m *Memory) Delete(_ context.Context, fingerprint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[fingerprint]; !ok {
		return nil
	}
	delete(m.entries, fingerprint)
	for i, fp := range m.order {
		if fp == fingerprint {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Clear implements Saver.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*frame.Table)
	m.order = nil
	return nil
}

// Close implements Saver.
func (m *Memory) Close() error { return nil }

// Len reports the number of cached results.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
