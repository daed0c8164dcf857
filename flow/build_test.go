//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package flow

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flowfile-go/event"
	"trpc.group/trpc-go/trpc-flowfile-go/frame"
	"trpc.group/trpc-go/trpc-flowfile-go/frame/memframe"
)

// fakeScanProvider serves a fixed table and counts how often each side of the
// seam is exercised.
type fakeScanProvider struct {
	mu       sync.Mutex
	backend  frame.Backend
	table    *frame.Table
	previews int
	scans    int
}

func (p *fakeScanProvider) PreviewSchema(_ context.Context, _ ScanSpec) (frame.Schema, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.previews++
	return p.table.Schema.Clone(), nil
}

func (p *fakeScanProvider) Scan(_ context.Context, _ ScanSpec) (frame.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scans++
	return p.backend.FromTable(p.table)
}

func (p *fakeScanProvider) counts() (previews, scans int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.previews, p.scans
}

// fakeWriteProvider records write calls and the row counts it received.
type fakeWriteProvider struct {
	mu     sync.Mutex
	writes int
	rows   int
}

func (p *fakeWriteProvider) Write(ctx context.Context, _ ScanSpec, h frame.Handle) error {
	tbl, err := h.Collect(ctx, -1)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	p.rows = tbl.Len()
	return nil
}

func (p *fakeWriteProvider) counts() (writes, rows int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes, p.rows
}

// fakeResolver hands back the connection name as the sole credential.
type fakeResolver struct {
	mu    sync.Mutex
	names []string
}

func (r *fakeResolver) Resolve(_ context.Context, name string) (Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = append(r.names, name)
	return Connection{"name": name}, nil
}

func TestCloudReadProviderSeam(t *testing.T) {
	b := memframe.New()
	provider := &fakeScanProvider{
		backend: b,
		table: &frame.Table{
			Schema: frame.Schema{
				{Name: "id", Type: frame.TypeInt64},
				{Name: "city", Type: frame.TypeString},
			},
			Rows: []frame.Row{
				{"id": int64(1), "city": "Shenzhen"},
				{"id": int64(2), "city": "Chengdu"},
			},
		},
	}
	resolver := &fakeResolver{}
	g := NewGraph(WithBackend(b), WithProviders(&Providers{
		CloudScan:   provider,
		Connections: resolver,
	}))
	ctx := context.Background()

	n, err := g.AddNode(ctx, KindCloudRead, WithSettings(json.RawMessage(
		`{"connection": "s3-main", "location": "bucket/cities.parquet"}`)))
	require.NoError(t, err)

	// Schema propagation only previews; no data moves until a run.
	view := mustNode(t, g, n.ID)
	require.Nil(t, view.SchemaErr)
	assert.Equal(t, []string{"id", "city"}, view.Schema.Names())
	previews, scans := provider.counts()
	assert.Positive(t, previews)
	assert.Zero(t, scans)

	report, err := g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, event.RunSuccess, report.Status)
	_, scans = provider.counts()
	assert.Equal(t, 1, scans)

	res, err := g.Result(n.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.RowCount)
	assert.Contains(t, resolver.names, "s3-main")
}

func TestDatabaseWriteProviderSeam(t *testing.T) {
	writer := &fakeWriteProvider{}
	g := NewGraph(WithProviders(&Providers{DatabaseWrite: writer}))
	ctx := context.Background()

	src, err := g.AddNode(ctx, KindManualInput, WithSettings(testRows))
	require.NoError(t, err)
	sink, err := g.AddNode(ctx, KindDatabaseWrite, WithSettings(json.RawMessage(
		`{"connection": "warehouse", "table": "events"}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, src.ID, sink.ID, ""))

	// The sink passes its input schema through and stays side-effect free
	// during propagation.
	view := mustNode(t, g, sink.ID)
	require.Nil(t, view.SchemaErr)
	assert.Equal(t, []string{"a", "b"}, view.Schema.Names())
	writes, _ := writer.counts()
	assert.Zero(t, writes)

	report, err := g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, event.RunSuccess, report.Status, "errs: %v", report.NodeErrs)

	writes, rows := writer.counts()
	assert.Equal(t, 1, writes)
	assert.Equal(t, 3, rows)

	// The write already happened inside the node's evaluation; its
	// passthrough result is never materialized a second time.
	res, err := g.Result(sink.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, -1, res.RowCount)
	assert.Equal(t, StateReady, mustNode(t, g, sink.ID).State)
}

func TestWriteSinkCreatesFileOnlyOnRun(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	g := NewGraph()
	ctx := context.Background()

	src, err := g.AddNode(ctx, KindManualInput, WithSettings(testRows))
	require.NoError(t, err)
	sink, err := g.AddNode(ctx, KindWrite, WithSettings(json.RawMessage(
		`{"path": `+jsonString(path)+`}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, src.ID, sink.ID, ""))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "propagation must not write files")

	report, err := g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, event.RunSuccess, report.Status, "errs: %v", report.NodeErrs)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 4, "header plus three rows")
	assert.Equal(t, "a,b", lines[0])
}

func TestProviderKindsWithoutProviderFail(t *testing.T) {
	g := NewGraph()
	ctx := context.Background()
	n, err := g.AddNode(ctx, KindCloudRead, WithSettings(json.RawMessage(
		`{"connection": "s3", "location": "x"}`)))
	require.NoError(t, err)

	view := mustNode(t, g, n.ID)
	require.NotNil(t, view.SchemaErr)
	assert.Contains(t, view.SchemaErr.Error(), "no provider registered")

	report, err := g.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.RunFailed, report.Status)
	assert.Contains(t, report.NodeErrs[n.ID].Error(), "no provider registered")
}

func TestGroupByThroughGraph(t *testing.T) {
	g := NewGraph()
	ctx := context.Background()
	src, err := g.AddNode(ctx, KindManualInput, WithSettings(json.RawMessage(
		`{"rows": [
			{"region": "N", "amt": 100},
			{"region": "S", "amt": 50},
			{"region": "N", "amt": 50}
		]}`)))
	require.NoError(t, err)
	grp, err := g.AddNode(ctx, KindGroupBy, WithSettings(json.RawMessage(
		`{"columns": [
			{"column": "region", "agg": "groupby"},
			{"column": "amt", "agg": "sum", "new_name": "total"}
		]}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, src.ID, grp.ID, ""))

	view := mustNode(t, g, grp.ID)
	require.Nil(t, view.SchemaErr)
	assert.Equal(t, []string{"region", "total"}, view.Schema.Names())

	report, err := g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, event.RunSuccess, report.Status)

	res, err := g.Result(grp.ID)
	require.NoError(t, err)
	tbl, err := res.Handle.Collect(ctx, -1)
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, frame.Row{"region": "N", "total": int64(150)}, tbl.Rows[0])
}

func TestRecordCountOfEmptyInput(t *testing.T) {
	g := NewGraph()
	ctx := context.Background()
	src, err := g.AddNode(ctx, KindManualInput, WithSettings(json.RawMessage(`{"rows": []}`)))
	require.NoError(t, err)
	cnt, err := g.AddNode(ctx, KindRecordCount, WithSettings(json.RawMessage(`{}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, src.ID, cnt.ID, ""))

	report, err := g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, event.RunSuccess, report.Status, "errs: %v", report.NodeErrs)

	res, err := g.Result(cnt.ID)
	require.NoError(t, err)
	tbl, err := res.Handle.Collect(ctx, -1)
	require.NoError(t, err)
	require.Equal(t, 1, tbl.Len(), "counting an empty frame still yields one row")
	assert.Equal(t, int64(0), tbl.Rows[0][RecordCountColumn])
}

func TestManualInputDeclaredTypes(t *testing.T) {
	g := NewGraph()
	ctx := context.Background()
	n, err := g.AddNode(ctx, KindManualInput, WithSettings(json.RawMessage(
		`{"columns": [{"name": "id", "data_type": "float64"}], "rows": [{"id": 1}, {"id": 2}]}`)))
	require.NoError(t, err)

	view := mustNode(t, g, n.ID)
	f, ok := view.Schema.Field("id")
	require.True(t, ok)
	assert.Equal(t, frame.TypeFloat64, f.Type, "declared types pin and coerce the column")
}

// jsonString quotes a value as a JSON string literal for raw settings.
func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
