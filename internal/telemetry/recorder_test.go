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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"trpc.group/trpc-go/trpc-flowfile-go/event"
)

// setupSDK installs a recording tracer and a manual-reader meter, restoring
// the noop defaults when the test ends.
func setupSDK(t *testing.T) (*tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()

	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	SetTracerProvider(tp)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	require.NoError(t, SetMeterProvider(mp))

	t.Cleanup(func() {
		SetTracerProvider(tracenoop.NewTracerProvider())
		require.NoError(t, SetMeterProvider(metricnoop.NewMeterProvider()))
		_ = tp.Shutdown(context.Background())
	})
	return sr, reader
}

func hasAttr(attrs []attribute.KeyValue, key, want string) bool {
	for _, a := range attrs {
		if string(a.Key) == key && a.Value.Emit() == want {
			return true
		}
	}
	return false
}

func metricNames(t *testing.T, reader *sdkmetric.ManualReader) []string {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var names []string
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names = append(names, m.Name)
		}
	}
	return names
}

func TestSpanNames(t *testing.T) {
	assert.Equal(t, "run_flow 7", NewRunSpanName(7))
	assert.Equal(t, "run_node 3", NewNodeSpanName(3))
}

func TestRecorderBuildsSpansForRun(t *testing.T) {
	sr, reader := setupSDK(t)
	rec := NewRecorder()

	rec.Observe(event.New(7, "run-1", event.TypeRunStarted))
	rec.Observe(event.New(7, "run-1", event.TypeNodeStarted,
		event.WithNodeID(3), event.WithFingerprint("abc")))
	rec.Observe(event.New(7, "run-1", event.TypeNodeFinished,
		event.WithNodeID(3), event.WithDuration(50*time.Millisecond), event.WithRowCount(3)))
	rec.Observe(event.New(7, "run-1", event.TypeNodeStarted,
		event.WithNodeID(4), event.WithFingerprint("def")))
	rec.Observe(event.New(7, "run-1", event.TypeNodeFailed,
		event.WithNodeID(4), event.WithDuration(10*time.Millisecond),
		event.WithError(errors.New("boom"))))
	rec.Observe(event.New(7, "run-1", event.TypeRunFinished,
		event.WithStatus(event.RunPartial), event.WithDuration(60*time.Millisecond)))

	ended := sr.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "run_node 3", ended[0].Name())
	assert.Equal(t, "run_node 4", ended[1].Name())
	assert.Equal(t, "run_flow 7", ended[2].Name())

	runSpanID := ended[2].SpanContext().SpanID()
	assert.Equal(t, runSpanID, ended[0].Parent().SpanID(), "node spans are children of the run span")
	assert.Equal(t, runSpanID, ended[1].Parent().SpanID())

	assert.True(t, hasAttr(ended[0].Attributes(), KeyNodeFingerprint, "abc"))
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "boom", ended[1].Status().Description)
	assert.True(t, hasAttr(ended[2].Attributes(), KeyRunStatus, "partial"))

	names := metricNames(t, reader)
	assert.Contains(t, names, "flowfile.run.count")
	assert.Contains(t, names, "flowfile.run.duration")
	assert.Contains(t, names, "flowfile.node.duration")
	assert.Contains(t, names, "flowfile.node.rows")
	assert.Contains(t, names, "flowfile.node.failures")

	assert.Empty(t, rec.runs, "run span table drains")
	assert.Empty(t, rec.nodes, "node span table drains")
}

func TestRecorderHandlesCacheHitWithoutStart(t *testing.T) {
	sr, reader := setupSDK(t)
	rec := NewRecorder()

	// Cache hits emit node_finished with no matching node_started.
	rec.Observe(event.New(1, "run-2", event.TypeRunStarted))
	rec.Observe(event.New(1, "run-2", event.TypeNodeFinished,
		event.WithNodeID(5), event.WithCacheHit(), event.WithRowCount(10)))
	rec.Observe(event.New(1, "run-2", event.TypeRunFinished,
		event.WithStatus(event.RunSuccess), event.WithDuration(time.Millisecond)))

	ended := sr.Ended()
	require.Len(t, ended, 1, "only the run span opens")
	assert.Equal(t, "run_flow 1", ended[0].Name())

	names := metricNames(t, reader)
	assert.Contains(t, names, "flowfile.cache.hits")
	assert.Contains(t, names, "flowfile.node.rows")
	assert.Empty(t, rec.nodes)
}

func TestRecorderIgnoresNilAndLogEvents(t *testing.T) {
	sr, _ := setupSDK(t)
	rec := NewRecorder()

	rec.Observe(nil)
	rec.Observe(event.New(1, "run-3", event.TypeLog,
		event.WithNodeID(2), event.WithLog(event.LevelInfo, "scanning")))

	assert.Empty(t, sr.Ended())
	assert.Empty(t, rec.runs)
	assert.Empty(t, rec.nodes)
}

func TestRecorderFailedRunMarksErrorStatus(t *testing.T) {
	sr, _ := setupSDK(t)
	rec := NewRecorder()

	rec.Observe(event.New(2, "run-4", event.TypeRunStarted))
	rec.Observe(event.New(2, "run-4", event.TypeRunFinished,
		event.WithStatus(event.RunFailed), event.WithDuration(time.Millisecond)))

	ended := sr.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.True(t, hasAttr(ended[0].Attributes(), KeyRunStatus, "failed"))
}
