//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package event provides the status event system of the flow engine.
//
// Every run emits a stream of events: one run_started, per-node lifecycle
// events, optional log events, and one run_finished. Clients observe them
// through Bus subscriptions; the engine never blocks on a slow consumer.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies an event.
type Type string

// Event types emitted during a run.
const (
	TypeRunStarted   Type = "run_started"
	TypeRunFinished  Type = "run_finished"
	TypeNodeStarted  Type = "node_started"
	TypeNodeFinished Type = "node_finished"
	TypeNodeFailed   Type = "node_failed"
	TypeLog          Type = "log"
)

// RunStatus summarizes a finished run.
type RunStatus string

// Run outcomes carried by run_finished events.
const (
	// RunSuccess means every scheduled node reached Ready.
	RunSuccess RunStatus = "success"
	// RunPartial means some nodes failed but at least one terminal succeeded.
	RunPartial RunStatus = "partial"
	// RunFailed means every requested terminal failed.
	RunFailed RunStatus = "failed"
	// RunCancelled means the run was cancelled before completion.
	RunCancelled RunStatus = "cancelled"
)

// Level grades log events.
type Level string

// Log levels.
const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one status notification of a flow run.
type Event struct {
	// ID is a unique event identifier.
	ID string `json:"id"`
	// Seq increases monotonically per bus; consumers may use it to detect
	// gaps after drops.
	Seq uint64 `json:"seq"`
	// FlowID identifies the graph the run belongs to.
	FlowID int64 `json:"flowId"`
	// RunID identifies the run.
	RunID string `json:"runId"`
	// NodeID identifies the node for node-scoped events; 0 for run-scoped.
	NodeID int64 `json:"nodeId,omitempty"`
	// Type classifies the event.
	Type Type `json:"type"`
	// Timestamp is the emission time.
	Timestamp time.Time `json:"timestamp"`

	// Fingerprint is the node's content identity, on node events.
	Fingerprint string `json:"fingerprint,omitempty"`
	// RowCount carries the materialized row count on node_finished, when
	// the node was collected.
	RowCount *int64 `json:"rowCount,omitempty"`
	// CacheHit marks node_finished events served from the result cache.
	CacheHit bool `json:"cacheHit,omitempty"`
	// Duration is the node's wall time on node_finished/node_failed.
	Duration time.Duration `json:"duration,omitempty"`
	// Status summarizes the run on run_finished.
	Status RunStatus `json:"status,omitempty"`
	// Error carries the failure text on node_failed and failed runs.
	Error string `json:"error,omitempty"`
	// Level and Message carry log events.
	Level   Level  `json:"level,omitempty"`
	Message string `json:"message,omitempty"`
}

// Option configures an Event.
type Option func(*Event)

// WithNodeID scopes the event to a node.
func WithNodeID(id int64) Option {
	return func(e *Event) { e.NodeID = id }
}

// WithFingerprint attaches the node's content identity.
func WithFingerprint(fp string) Option {
	return func(e *Event) { e.Fingerprint = fp }
}

// WithRowCount attaches a materialized row count.
func WithRowCount(n int64) Option {
	return func(e *Event) { e.RowCount = &n }
}

// WithCacheHit marks the event as served from cache.
func WithCacheHit() Option {
	return func(e *Event) { e.CacheHit = true }
}

// WithDuration attaches the node's wall time.
func WithDuration(d time.Duration) Option {
	return func(e *Event) { e.Duration = d }
}

// WithStatus attaches a run outcome.
func WithStatus(s RunStatus) Option {
	return func(e *Event) { e.Status = s }
}

// WithError attaches failure text.
func WithError(err error) Option {
	return func(e *Event) {
		if err != nil {
			e.Error = err.Error()
		}
	}
}

// WithLog attaches a log level and message.
func WithLog(level Level, message string) Option {
	return func(e *Event) {
		e.Level = level
		e.Message = message
	}
}

// New creates an Event with a generated ID and timestamp.
func New(flowID int64, runID string, t Type, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		FlowID:    flowID,
		RunID:     runID,
		Type:      t,
		Timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}
