//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-flowfile-go/event"
)

// Recorder turns the run event stream into spans and metrics: one span per
// run, one child span per node evaluation. A single recorder serves a whole
// engine; open spans are keyed by run id so concurrent flows do not
// interleave.
type Recorder struct {
	mu    sync.Mutex
	runs  map[string]runSpan
	nodes map[string]trace.Span
}

type runSpan struct {
	ctx  context.Context
	span trace.Span
}

// NewRecorder returns a recorder with no open spans.
func NewRecorder() *Recorder {
	return &Recorder{
		runs:  make(map[string]runSpan),
		nodes: make(map[string]trace.Span),
	}
}

// Observe translates one event into span and metric updates. Event types the
// recorder does not chart, such as log lines, pass through untouched. It is
// safe for concurrent use; workers publish node events in parallel.
func (r *Recorder) Observe(e *event.Event) {
	if e == nil {
		return
	}
	switch e.Type {
	case event.TypeRunStarted:
		r.runStarted(e)
	case event.TypeNodeStarted:
		r.nodeStarted(e)
	case event.TypeNodeFinished:
		r.nodeFinished(e)
	case event.TypeNodeFailed:
		r.nodeFailed(e)
	case event.TypeRunFinished:
		r.runFinished(e)
	}
}

func (r *Recorder) runStarted(e *event.Event) {
	ctx, span := Tracer.Start(context.Background(), NewRunSpanName(e.FlowID),
		trace.WithAttributes(
			attribute.Int64(KeyFlowID, e.FlowID),
			attribute.String(KeyRunID, e.RunID),
		))
	r.mu.Lock()
	r.runs[e.RunID] = runSpan{ctx: ctx, span: span}
	r.mu.Unlock()
}

func (r *Recorder) nodeStarted(e *event.Event) {
	r.mu.Lock()
	parent := context.Background()
	if run, ok := r.runs[e.RunID]; ok {
		parent = run.ctx
	}
	_, span := Tracer.Start(parent, NewNodeSpanName(e.NodeID),
		trace.WithAttributes(
			attribute.Int64(KeyFlowID, e.FlowID),
			attribute.String(KeyRunID, e.RunID),
			attribute.Int64(KeyNodeID, e.NodeID),
			attribute.String(KeyNodeFingerprint, e.Fingerprint),
		))
	r.nodes[nodeKey(e.RunID, e.NodeID)] = span
	r.mu.Unlock()
}

func (r *Recorder) nodeFinished(e *event.Event) {
	ctx, span := r.popNode(e.RunID, e.NodeID)
	// Cache hits finish without a node_started, so there may be no span.
	if span != nil {
		span.SetAttributes(attribute.Bool(KeyCacheHit, e.CacheHit))
		if e.RowCount != nil {
			span.SetAttributes(attribute.Int64("flowfile.node.rows", *e.RowCount))
		}
		span.End()
	}
	RecordNodeDuration(ctx, e.FlowID, e.NodeID, e.CacheHit, e.Duration)
	if e.RowCount != nil && *e.RowCount >= 0 {
		AddNodeRows(ctx, e.FlowID, e.NodeID, *e.RowCount)
	}
	if e.CacheHit {
		IncCacheHit(ctx, e.FlowID)
	}
}

func (r *Recorder) nodeFailed(e *event.Event) {
	ctx, span := r.popNode(e.RunID, e.NodeID)
	if span != nil {
		span.SetStatus(codes.Error, e.Error)
		span.End()
	}
	RecordNodeDuration(ctx, e.FlowID, e.NodeID, false, e.Duration)
	IncNodeFailure(ctx, e.FlowID, e.NodeID)
}

func (r *Recorder) runFinished(e *event.Event) {
	r.mu.Lock()
	run, ok := r.runs[e.RunID]
	delete(r.runs, e.RunID)
	r.mu.Unlock()

	ctx := context.Background()
	if ok {
		ctx = run.ctx
		run.span.SetAttributes(attribute.String(KeyRunStatus, string(e.Status)))
		if e.Status == event.RunFailed {
			run.span.SetStatus(codes.Error, e.Error)
		}
		run.span.End()
	}
	IncRunCount(ctx, e.FlowID, string(e.Status))
	RecordRunDuration(ctx, e.FlowID, string(e.Status), e.Duration)
}

// popNode removes and returns the open span for a node, plus the run context
// metrics should be recorded against.
func (r *Recorder) popNode(runID string, nodeID int64) (context.Context, trace.Span) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx := context.Background()
	if run, ok := r.runs[runID]; ok {
		ctx = run.ctx
	}
	key := nodeKey(runID, nodeID)
	span, ok := r.nodes[key]
	if !ok {
		return ctx, nil
	}
	delete(r.nodes, key)
	return ctx, span
}

func nodeKey(runID string, nodeID int64) string {
	return runID + "/" + strconv.FormatInt(nodeID, 10)
}
