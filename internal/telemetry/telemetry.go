//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry carries the OpenTelemetry plumbing shared by the engine:
// tracer and meter globals, span naming, and the instruments recorded around
// flow runs. Both providers default to noop, so embedding the engine costs
// nothing until SetTracerProvider or SetMeterProvider installs real ones.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Instrumentation constants.
const (
	InstrumentName = "trpc.flowfile.go"

	OperationRunFlow = "run_flow"
	OperationRunNode = "run_node"
)

// Attribute keys recorded on spans and metrics.
const (
	KeyFlowID          = "flowfile.flow.id"
	KeyRunID           = "flowfile.run.id"
	KeyNodeID          = "flowfile.node.id"
	KeyNodeFingerprint = "flowfile.node.fingerprint"
	KeyRunStatus       = "flowfile.run.status"
	KeyCacheHit        = "flowfile.node.cache_hit"
)

// NewRunSpanName creates the span name covering one whole flow run.
func NewRunSpanName(flowID int64) string {
	return fmt.Sprintf("%s %d", OperationRunFlow, flowID)
}

// NewNodeSpanName creates the span name covering one node evaluation.
func NewNodeSpanName(nodeID int64) string {
	return fmt.Sprintf("%s %d", OperationRunNode, nodeID)
}

var (
	// TracerProvider backs the spans opened around runs and nodes.
	TracerProvider trace.TracerProvider = tracenoop.NewTracerProvider()
	// Tracer is the engine tracer derived from TracerProvider.
	Tracer trace.Tracer = TracerProvider.Tracer(InstrumentName)
)

// SetTracerProvider installs the tracer provider used for run and node spans.
func SetTracerProvider(tp trace.TracerProvider) {
	TracerProvider = tp
	Tracer = tp.Tracer(InstrumentName)
}

var (
	// MeterProvider backs the run and node instruments.
	MeterProvider metric.MeterProvider = metricnoop.NewMeterProvider()
	// Meter is the engine meter derived from MeterProvider.
	Meter metric.Meter = MeterProvider.Meter(InstrumentName)

	MetricRunCount     metric.Int64Counter     = metricnoop.Int64Counter{}
	MetricRunDuration  metric.Float64Histogram = metricnoop.Float64Histogram{}
	MetricNodeDuration metric.Float64Histogram = metricnoop.Float64Histogram{}
	MetricNodeRows     metric.Int64Counter     = metricnoop.Int64Counter{}
	MetricCacheHits    metric.Int64Counter     = metricnoop.Int64Counter{}
	MetricNodeFailures metric.Int64Counter     = metricnoop.Int64Counter{}
)

// SetMeterProvider installs the meter provider and recreates the run and node
// instruments on it.
func SetMeterProvider(mp metric.MeterProvider) error {
	MeterProvider = mp
	Meter = mp.Meter(InstrumentName)

	var err error
	if MetricRunCount, err = Meter.Int64Counter(
		"flowfile.run.count",
		metric.WithDescription("Total number of flow runs"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create run count metric: %w", err)
	}
	if MetricRunDuration, err = Meter.Float64Histogram(
		"flowfile.run.duration",
		metric.WithDescription("Wall time of flow runs"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create run duration metric: %w", err)
	}
	if MetricNodeDuration, err = Meter.Float64Histogram(
		"flowfile.node.duration",
		metric.WithDescription("Wall time of node evaluations"),
		metric.WithUnit("s"),
	); err != nil {
		return fmt.Errorf("failed to create node duration metric: %w", err)
	}
	if MetricNodeRows, err = Meter.Int64Counter(
		"flowfile.node.rows",
		metric.WithDescription("Rows materialized by node evaluations"),
		metric.WithUnit("{row}"),
	); err != nil {
		return fmt.Errorf("failed to create node rows metric: %w", err)
	}
	if MetricCacheHits, err = Meter.Int64Counter(
		"flowfile.cache.hits",
		metric.WithDescription("Node results served from the result cache"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create cache hits metric: %w", err)
	}
	if MetricNodeFailures, err = Meter.Int64Counter(
		"flowfile.node.failures",
		metric.WithDescription("Failed node evaluations"),
		metric.WithUnit("1"),
	); err != nil {
		return fmt.Errorf("failed to create node failures metric: %w", err)
	}
	return nil
}

// IncRunCount counts one finished run by terminal status.
func IncRunCount(ctx context.Context, flowID int64, status string) {
	MetricRunCount.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Int64(KeyFlowID, flowID),
			attribute.String(KeyRunStatus, status),
		))
}

// RecordRunDuration records the wall time of one finished run.
func RecordRunDuration(ctx context.Context, flowID int64, status string, duration time.Duration) {
	MetricRunDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.Int64(KeyFlowID, flowID),
			attribute.String(KeyRunStatus, status),
		))
}

// RecordNodeDuration records the evaluation time of one node. Cache hits are
// tagged so dashboards can split compute time from cache time.
func RecordNodeDuration(ctx context.Context, flowID, nodeID int64, cacheHit bool, duration time.Duration) {
	MetricNodeDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(
			attribute.Int64(KeyFlowID, flowID),
			attribute.Int64(KeyNodeID, nodeID),
			attribute.Bool(KeyCacheHit, cacheHit),
		))
}

// AddNodeRows counts rows materialized by one node evaluation.
func AddNodeRows(ctx context.Context, flowID, nodeID int64, rows int64) {
	MetricNodeRows.Add(ctx, rows,
		metric.WithAttributes(
			attribute.Int64(KeyFlowID, flowID),
			attribute.Int64(KeyNodeID, nodeID),
		))
}

// IncCacheHit counts one fingerprint-matched cache hit.
func IncCacheHit(ctx context.Context, flowID int64) {
	MetricCacheHits.Add(ctx, 1,
		metric.WithAttributes(attribute.Int64(KeyFlowID, flowID)))
}

// IncNodeFailure counts one failed node evaluation.
func IncNodeFailure(ctx context.Context, flowID, nodeID int64) {
	MetricNodeFailures.Add(ctx, 1,
		metric.WithAttributes(
			attribute.Int64(KeyFlowID, flowID),
			attribute.Int64(KeyNodeID, nodeID),
		))
}
