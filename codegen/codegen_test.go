//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package codegen

import (
	"context"
	"encoding/json"
	"go/format"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flowfile-go/flow"
)

func addNode(t *testing.T, g *flow.Graph, kind flow.Kind, settings string) int64 {
	t.Helper()
	var opts []flow.NodeOption
	if settings != "" {
		opts = append(opts, flow.WithSettings(json.RawMessage(settings)))
	}
	n, err := g.AddNode(context.Background(), kind, opts...)
	require.NoError(t, err)
	return n.ID
}

func connect(t *testing.T, g *flow.Graph, src, dst int64, label string) {
	t.Helper()
	require.NoError(t, g.Connect(context.Background(), src, dst, label))
}

// pipelineGraph builds manual_input -> filter -> formula -> group_by -> sort
// -> write, the pipeline shape most flows reduce to.
func pipelineGraph(t *testing.T) *flow.Graph {
	t.Helper()
	g := flow.NewGraph()
	manual := addNode(t, g, flow.KindManualInput,
		`{"rows": [{"region": "N", "amt": 100}, {"region": "S", "amt": 50}, {"region": "N", "amt": 50}]}`)
	filter := addNode(t, g, flow.KindFilter,
		`{"basic": {"column": "amt", "operator": "greater_than_or_equals", "value": 50}}`)
	formula := addNode(t, g, flow.KindFormula,
		`{"column": "boosted", "expression": "amt * 2", "data_type": "int64"}`)
	groupBy := addNode(t, g, flow.KindGroupBy,
		`{"columns": [{"column": "region", "agg": "groupby"}, {"column": "boosted", "agg": "sum", "new_name": "total"}]}`)
	sorted := addNode(t, g, flow.KindSort, `{"keys": [{"column": "total", "order": "desc"}]}`)
	write := addNode(t, g, flow.KindWrite, `{"path": "out/totals.csv"}`)
	connect(t, g, manual, filter, flow.LabelMain)
	connect(t, g, filter, formula, flow.LabelMain)
	connect(t, g, formula, groupBy, flow.LabelMain)
	connect(t, g, groupBy, sorted, flow.LabelMain)
	connect(t, g, sorted, write, flow.LabelMain)
	return g
}

func TestGeneratePipeline(t *testing.T) {
	g := pipelineGraph(t)
	src, err := Generate(g)
	require.NoError(t, err)
	out := string(src)

	assert.Contains(t, out, "// Code generated by trpc-flowfile-go. DO NOT EDIT.")
	assert.Contains(t, out, "package main\n")
	assert.Contains(t, out, "backend := memframe.New()")
	assert.Contains(t, out, "manualInput1, err := loadRecords(backend,")
	assert.Contains(t, out, `filter2 := manualInput1.Filter(frame.Col("amt").Ge(frame.Lit(50)))`)
	assert.Contains(t, out, "formula3 := filter2.WithColumn(\"boosted\", frame.Eval(`amt * 2`).Cast(frame.TypeInt64))")
	assert.Contains(t, out, `groupBy4 := formula3.GroupBy([]string{"region"}, []frame.Aggregation{{Column: "boosted", Kind: frame.AggSum, As: "total"}})`)
	assert.Contains(t, out, `sort5 := groupBy4.Sort([]frame.SortKey{{Column: "total", Descending: true}})`)
	assert.Contains(t, out, `if err := sort5.Sink(ctx, frame.SinkRequest{Path: "out/totals.csv", Format: frame.FormatCSV, Mode: frame.WriteReplace, CSV: frame.CSVOptions{HasHeader: true}}); err != nil {`)
	assert.Contains(t, out, "write6 := sort5")
	assert.Contains(t, out, `if err := printCount(ctx, "write6", write6); err != nil {`)
}

func TestGenerateIsGofmtClean(t *testing.T) {
	g := pipelineGraph(t)
	src, err := Generate(g)
	require.NoError(t, err)

	formatted, err := format.Source(src)
	require.NoError(t, err, "generated program must parse")
	assert.Equal(t, string(src), string(formatted), "generated program must be gofmt-stable")
}

func TestGenerateByteStable(t *testing.T) {
	g := pipelineGraph(t)
	first, err := Generate(g)
	require.NoError(t, err)
	second, err := Generate(g)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

// The edge insertion order must not leak into the output when it carries no
// meaning, as with the two sides of a join.
func TestGenerateIgnoresEdgeInsertionOrder(t *testing.T) {
	build := func(leftFirst bool) []byte {
		g := flow.NewGraph()
		people := addNode(t, g, flow.KindManualInput, `{"rows": [{"id": 1, "name": "ada"}]}`)
		cities := addNode(t, g, flow.KindManualInput, `{"rows": [{"id": 1, "city": "x"}]}`)
		join := addNode(t, g, flow.KindJoin, `{"how": "inner", "keys": [{"left": "id", "right": "id"}]}`)
		if leftFirst {
			connect(t, g, people, join, flow.LabelLeft)
			connect(t, g, cities, join, flow.LabelRight)
		} else {
			connect(t, g, cities, join, flow.LabelRight)
			connect(t, g, people, join, flow.LabelLeft)
		}
		src, err := Generate(g)
		require.NoError(t, err)
		return src
	}
	assert.Equal(t, build(true), build(false))
}

func TestGenerateJoinAndSelect(t *testing.T) {
	g := flow.NewGraph()
	people := addNode(t, g, flow.KindManualInput, `{"rows": [{"id": 1, "name": "ada", "noise": true}]}`)
	cities := addNode(t, g, flow.KindManualInput, `{"rows": [{"id": 1, "city": "x"}]}`)
	join := addNode(t, g, flow.KindJoin,
		`{"how": "left", "keys": [{"left": "id", "right": "id"}], "left_select": [{"old_name": "noise", "keep": false}], "verify_integrity": true}`)
	sel := addNode(t, g, flow.KindSelect,
		`{"columns": [{"old_name": "name", "new_name": "person", "position": 1}, {"old_name": "city", "data_type": "string", "position": 2}], "keep_missing": true}`)
	connect(t, g, people, join, flow.LabelLeft)
	connect(t, g, cities, join, flow.LabelRight)
	connect(t, g, join, sel, flow.LabelMain)

	src, err := Generate(g)
	require.NoError(t, err)
	out := string(src)

	assert.Contains(t, out, "join3 := editColumns(manualInput1, []columnEdit{")
	assert.Contains(t, out, `{old: "noise", drop: true},`)
	assert.Contains(t, out, `}, true).Join(manualInput2, []frame.JoinKey{{Left: "id", Right: "id"}}, frame.JoinLeft, frame.JoinOptions{VerifyIntegrity: true})`)
	assert.Contains(t, out, "select4 := editColumns(join3, []columnEdit{")
	assert.Contains(t, out, `{old: "name", name: "person"},`)
	assert.Contains(t, out, `{old: "city", typ: frame.TypeString},`)
	assert.Contains(t, out, "func editColumns(h frame.Handle, edits []columnEdit, keepMissing bool) frame.Handle {")

	formatted, err := format.Source(src)
	require.NoError(t, err)
	assert.Equal(t, string(src), string(formatted))
}

func TestGenerateConcatAndExplore(t *testing.T) {
	g := flow.NewGraph()
	a := addNode(t, g, flow.KindManualInput, `{"rows": [{"v": 1}]}`)
	b := addNode(t, g, flow.KindManualInput, `{"rows": [{"v": 2}]}`)
	c := addNode(t, g, flow.KindManualInput, `{"rows": [{"v": 3}]}`)
	concat := addNode(t, g, flow.KindConcat, `{}`)
	explore := addNode(t, g, flow.KindExploreData, `{}`)
	connect(t, g, a, concat, flow.LabelMain)
	connect(t, g, b, concat, flow.LabelMain)
	connect(t, g, c, concat, flow.LabelMain)
	connect(t, g, concat, explore, flow.LabelMain)

	src, err := Generate(g)
	require.NoError(t, err)
	out := string(src)

	assert.Contains(t, out, "concat4 := manualInput1.Concat([]frame.Handle{manualInput2, manualInput3})")
	assert.Contains(t, out, "exploreData5 := concat4")
	assert.Contains(t, out, `printCount(ctx, "exploreData5", exploreData5)`)
}

func TestGenerateRejectsProviderKinds(t *testing.T) {
	tests := []struct {
		name     string
		kind     flow.Kind
		settings string
	}{
		{"cloud read", flow.KindCloudRead, `{"connection": "s3", "location": "bucket/data.csv"}`},
		{"database read", flow.KindDatabaseRead, `{"connection": "db", "table": "events"}`},
		{"polars code", flow.KindPolarsCode, `{"code": "input.head(1)"}`},
		{"cloud write", flow.KindCloudWrite, `{"connection": "s3", "location": "bucket/out.csv"}`},
		{"database write", flow.KindDatabaseWrite, `{"connection": "db", "table": "out"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := flow.NewGraph()
			id := addNode(t, g, tt.kind, tt.settings)
			spec, err := flow.LookupKind(tt.kind)
			require.NoError(t, err)
			if !spec.Source {
				src := addNode(t, g, flow.KindManualInput, `{"rows": [{"v": 1}]}`)
				connect(t, g, src, id, flow.LabelMain)
			}
			_, err = Generate(g)
			require.ErrorIs(t, err, ErrUnsupportedKind)
			assert.Contains(t, err.Error(), string(tt.kind))
		})
	}
}

func TestGenerateRejectsUnconfiguredNode(t *testing.T) {
	g := flow.NewGraph()
	src := addNode(t, g, flow.KindManualInput, `{"rows": [{"v": 1}]}`)
	filter := addNode(t, g, flow.KindFilter, "")
	connect(t, g, src, filter, flow.LabelMain)

	_, err := Generate(g)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestGenerateRejectsMissingInputs(t *testing.T) {
	g := flow.NewGraph()
	left := addNode(t, g, flow.KindManualInput, `{"rows": [{"id": 1}]}`)
	join := addNode(t, g, flow.KindJoin, `{"how": "inner", "keys": [{"left": "id", "right": "id"}]}`)
	connect(t, g, left, join, flow.LabelLeft)

	_, err := Generate(g)
	var arity *flow.ArityError
	require.ErrorAs(t, err, &arity)
	assert.Equal(t, join, arity.NodeID)
	assert.Equal(t, flow.LabelRight, arity.Label)
}

func TestGenerateEmptyGraph(t *testing.T) {
	src, err := Generate(flow.NewGraph())
	require.NoError(t, err)
	out := string(src)

	assert.Contains(t, out, "package main\n")
	assert.NotContains(t, out, "memframe")
	formatted, err := format.Source(src)
	require.NoError(t, err)
	assert.Equal(t, string(src), string(formatted))
}

func TestGeneratePackageNameOption(t *testing.T) {
	g := pipelineGraph(t)
	src, err := Generate(g, WithPackageName("flowexport"))
	require.NoError(t, err)
	assert.Contains(t, string(src), "package flowexport\n")
}
