//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package memframe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

func salesHandle(t *testing.T, b *Backend) frame.Handle {
	t.Helper()
	h, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "region", Type: frame.TypeString},
			{Name: "amt", Type: frame.TypeInt64},
		},
		Rows: []frame.Row{
			{"region": "N", "amt": int64(100)},
			{"region": "S", "amt": int64(0)},
			{"region": "N", "amt": int64(50)},
		},
	})
	require.NoError(t, err)
	return h
}

func collect(t *testing.T, h frame.Handle) *frame.Table {
	t.Helper()
	out, err := h.Collect(context.Background(), -1)
	require.NoError(t, err)
	return out
}

func TestFilterThenGroupBy(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	out := collect(t, h.
		Filter(frame.Col("amt").Gt(frame.Lit(0))).
		GroupBy([]string{"region"}, []frame.Aggregation{
			{Column: "amt", Kind: frame.AggSum, As: "total"},
		}))
	require.Equal(t, 2, out.Len(), "zero row should be filtered before grouping")
	assert.Equal(t, frame.Schema{
		{Name: "region", Type: frame.TypeString},
		{Name: "total", Type: frame.TypeInt64},
	}, out.Schema)
	assert.Equal(t, frame.Row{"region": "N", "total": int64(150)}, out.Rows[0])
	assert.Equal(t, frame.Row{"region": "S", "total": int64(50)}, out.Rows[1])
}

func TestFilterWithEvalExpression(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	out := collect(t, h.Filter(frame.Eval(`amt > 40 && region == "N"`)))
	require.Equal(t, 2, out.Len())
	for _, r := range out.Rows {
		assert.Equal(t, "N", r["region"])
	}
}

func TestEvalExpressionTypeCheck(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	bad := h.Filter(frame.Eval(`amt + region`))
	require.Error(t, bad.Err(), "adding int to string must fail the type check")
	assert.Nil(t, bad.Schema())

	// The errored handle absorbs further transformations.
	worse := bad.Select([]string{"region"})
	assert.Error(t, worse.Err())

	_, err := bad.Collect(context.Background(), -1)
	require.Error(t, err)
	_, isPlan := frame.AsPlanError(err)
	assert.True(t, isPlan, "collect surfaces the plan error")
}

func TestWithColumnFormula(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	out := collect(t, h.WithColumn("doubled", frame.Eval(`amt * 2`)))
	f, ok := out.Schema.Field("doubled")
	require.True(t, ok)
	assert.Equal(t, frame.TypeInt64, f.Type)
	assert.Equal(t, int64(200), out.Rows[0]["doubled"])
}

func TestSelectMissingColumn(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	bad := h.Select([]string{"region", "ghost"})
	require.Error(t, bad.Err())
	assert.Contains(t, bad.Err().Error(), "ghost")
}

func TestRenameAndDrop(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	out := collect(t, h.Rename(map[string]string{"amt": "amount"}).Drop([]string{"region"}))
	assert.Equal(t, frame.Schema{{Name: "amount", Type: frame.TypeInt64}}, out.Schema)
	assert.Equal(t, int64(100), out.Rows[0]["amount"])
}

func TestCastStrict(t *testing.T) {
	b := New()
	h, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{{Name: "v", Type: frame.TypeString}},
		Rows:   []frame.Row{{"v": "12"}, {"v": "x"}},
	})
	require.NoError(t, err)
	_, err = h.Cast("v", frame.TypeInt64).Collect(context.Background(), -1)
	require.Error(t, err)
	ee, ok := frame.AsEvalError(err)
	require.True(t, ok)
	assert.Equal(t, frame.EvalTypeMismatch, ee.Kind)
}

func TestSortStableWithNulls(t *testing.T) {
	b := New()
	h, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "k", Type: frame.TypeInt64},
			{Name: "tag", Type: frame.TypeString},
		},
		Rows: []frame.Row{
			{"k": int64(2), "tag": "a"},
			{"k": nil, "tag": "b"},
			{"k": int64(1), "tag": "c"},
			{"k": int64(2), "tag": "d"},
		},
	})
	require.NoError(t, err)
	out := collect(t, h.Sort([]frame.SortKey{{Column: "k"}}))
	tags := out.Column("tag")
	assert.Equal(t, []any{"b", "c", "a", "d"}, tags, "nulls first, ties keep input order")

	desc := collect(t, h.Sort([]frame.SortKey{{Column: "k", Descending: true}}))
	assert.Equal(t, []any{"a", "d", "c", "b"}, desc.Column("tag"))
}

func TestGroupByAggregations(t *testing.T) {
	b := New()
	h, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "g", Type: frame.TypeString},
			{Name: "v", Type: frame.TypeFloat64},
		},
		Rows: []frame.Row{
			{"g": "a", "v": 1.0},
			{"g": "a", "v": 3.0},
			{"g": "a", "v": nil},
			{"g": "b", "v": 10.0},
		},
	})
	require.NoError(t, err)
	out := collect(t, h.GroupBy([]string{"g"}, []frame.Aggregation{
		{Column: "v", Kind: frame.AggMean, As: "avg"},
		{Column: "v", Kind: frame.AggCount, As: "n"},
		{Column: "v", Kind: frame.AggMedian, As: "mid"},
		{Column: "v", Kind: frame.AggConcat, As: "joined"},
	}))
	require.Equal(t, 2, out.Len())
	a := out.Rows[0]
	assert.Equal(t, 2.0, a["avg"], "nulls do not participate in mean")
	assert.Equal(t, int64(2), a["n"])
	assert.Equal(t, 2.0, a["mid"])
	assert.Equal(t, "1,3", a["joined"])
}

func TestGroupByGlobalOverEmptyInput(t *testing.T) {
	b := New()
	h := b.Empty(frame.Schema{{Name: "v", Type: frame.TypeInt64}})
	out := collect(t, h.GroupBy(nil, []frame.Aggregation{
		{Column: "v", Kind: frame.AggCount, As: "n"},
		{Column: "v", Kind: frame.AggSum, As: "total"},
		{Column: "v", Kind: frame.AggMax, As: "top"},
	}))
	require.Equal(t, 1, out.Len(), "a global aggregation always yields one row")
	assert.Equal(t, int64(0), out.Rows[0]["n"])
	assert.Equal(t, int64(0), out.Rows[0]["total"])
	assert.Nil(t, out.Rows[0]["top"])
}

func TestGroupBySumOnStringFails(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	bad := h.GroupBy([]string{"amt"}, []frame.Aggregation{{Column: "region", Kind: frame.AggSum}})
	require.Error(t, bad.Err())
	assert.Contains(t, bad.Err().Error(), "numeric")
}

func twoSidedHandles(t *testing.T, b *Backend) (frame.Handle, frame.Handle) {
	t.Helper()
	left, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "id", Type: frame.TypeInt64},
			{Name: "name", Type: frame.TypeString},
		},
		Rows: []frame.Row{
			{"id": int64(1), "name": "ann"},
			{"id": int64(2), "name": "bob"},
			{"id": int64(3), "name": "cid"},
		},
	})
	require.NoError(t, err)
	right, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "id", Type: frame.TypeInt64},
			{Name: "score", Type: frame.TypeInt64},
		},
		Rows: []frame.Row{
			{"id": int64(1), "score": int64(10)},
			{"id": int64(3), "score": int64(30)},
			{"id": int64(4), "score": int64(40)},
		},
	})
	require.NoError(t, err)
	return left, right
}

func TestJoinTypes(t *testing.T) {
	b := New()
	left, right := twoSidedHandles(t, b)
	keys := []frame.JoinKey{{Left: "id", Right: "id"}}

	inner := collect(t, left.Join(right, keys, frame.JoinInner, frame.JoinOptions{}))
	require.Equal(t, 2, inner.Len())
	assert.Equal(t, frame.Schema{
		{Name: "id", Type: frame.TypeInt64},
		{Name: "name", Type: frame.TypeString},
		{Name: "score", Type: frame.TypeInt64},
	}, inner.Schema, "right key column is dropped on inner joins")

	leftJoin := collect(t, left.Join(right, keys, frame.JoinLeft, frame.JoinOptions{}))
	require.Equal(t, 3, leftJoin.Len())
	assert.Nil(t, leftJoin.Rows[1]["score"], "unmatched left row fills nulls")

	anti := collect(t, left.Join(right, keys, frame.JoinAnti, frame.JoinOptions{}))
	require.Equal(t, 1, anti.Len())
	assert.Equal(t, "bob", anti.Rows[0]["name"])

	full := collect(t, left.Join(right, keys, frame.JoinFull, frame.JoinOptions{}))
	assert.Equal(t, 4, full.Len())
	assert.True(t, full.Schema.Has("id_right"), "full join keeps suffixed right keys")
}

func TestJoinIntegrityViolation(t *testing.T) {
	b := New()
	dup, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{{Name: "k", Type: frame.TypeInt64}},
		Rows:   []frame.Row{{"k": int64(1)}, {"k": int64(1)}},
	})
	require.NoError(t, err)
	joined := dup.Join(dup, []frame.JoinKey{{Left: "k", Right: "k"}},
		frame.JoinInner, frame.JoinOptions{VerifyIntegrity: true})
	require.NoError(t, joined.Err(), "integrity is a runtime property, not a plan error")
	_, err = joined.Collect(context.Background(), -1)
	require.Error(t, err)
	ee, ok := frame.AsEvalError(err)
	require.True(t, ok)
	assert.Equal(t, frame.EvalIntegrity, ee.Kind)

	// Without verification the many-to-many product materializes.
	loose := collect(t, dup.Join(dup, []frame.JoinKey{{Left: "k", Right: "k"}},
		frame.JoinInner, frame.JoinOptions{}))
	assert.Equal(t, 4, loose.Len())
}

func TestCrossJoin(t *testing.T) {
	b := New()
	left, right := twoSidedHandles(t, b)
	out := collect(t, left.Join(right, nil, frame.JoinCross, frame.JoinOptions{}))
	assert.Equal(t, 9, out.Len())
	assert.True(t, out.Schema.Has("id_right"))
}

func TestConcatAlignsColumns(t *testing.T) {
	b := New()
	first, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "a", Type: frame.TypeInt64},
			{Name: "b", Type: frame.TypeString},
		},
		Rows: []frame.Row{{"a": int64(1), "b": "x"}},
	})
	require.NoError(t, err)
	second, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "a", Type: frame.TypeFloat64},
			{Name: "c", Type: frame.TypeBoolean},
		},
		Rows: []frame.Row{{"a": 2.5, "c": true}},
	})
	require.NoError(t, err)
	out := collect(t, first.Concat([]frame.Handle{second}))
	assert.Equal(t, frame.Schema{
		{Name: "a", Type: frame.TypeFloat64},
		{Name: "b", Type: frame.TypeString},
		{Name: "c", Type: frame.TypeBoolean},
	}, out.Schema)
	assert.Equal(t, 1.0, out.Rows[0]["a"], "int widens to float")
	assert.Nil(t, out.Rows[0]["c"])
	assert.Nil(t, out.Rows[1]["b"])
}

func pivotInput(t *testing.T, b *Backend) frame.Handle {
	t.Helper()
	h, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "year", Type: frame.TypeInt64},
			{Name: "metric", Type: frame.TypeString},
			{Name: "v", Type: frame.TypeInt64},
		},
		Rows: []frame.Row{
			{"year": int64(2023), "metric": "x", "v": int64(1)},
			{"year": int64(2023), "metric": "y", "v": int64(2)},
			{"year": int64(2024), "metric": "x", "v": int64(3)},
			{"year": int64(2024), "metric": "y", "v": int64(4)},
		},
	})
	require.NoError(t, err)
	return h
}

func TestPivotStaticSchemaIsIndexOnly(t *testing.T) {
	b := New()
	h := pivotInput(t, b)
	p := h.Pivot(frame.PivotSpec{
		Index: []string{"year"}, Column: "metric", Values: "v",
		Aggs: []frame.AggKind{frame.AggSum},
	})
	require.NoError(t, p.Err())
	assert.Equal(t, frame.Schema{{Name: "year", Type: frame.TypeInt64}}, p.Schema(),
		"generated columns are data dependent and appear only on the materialized table")

	out := collect(t, p)
	assert.Equal(t, frame.Schema{
		{Name: "year", Type: frame.TypeInt64},
		{Name: "x", Type: frame.TypeInt64},
		{Name: "y", Type: frame.TypeInt64},
	}, out.Schema)
	require.Equal(t, 2, out.Len())
	assert.Equal(t, int64(1), out.Rows[0]["x"])
	assert.Equal(t, int64(4), out.Rows[1]["y"])
}

func TestPivotUnpivotRoundTrip(t *testing.T) {
	b := New()
	h := pivotInput(t, b)
	p := h.Pivot(frame.PivotSpec{
		Index: []string{"year"}, Column: "metric", Values: "v",
		Aggs: []frame.AggKind{frame.AggSum},
	})
	back := p.Unpivot(frame.UnpivotSpec{Index: []string{"year"}})
	require.NoError(t, back.Err())
	out := collect(t, back)
	require.Equal(t, 4, out.Len())
	recovered := make(map[[2]any]any)
	for _, r := range out.Rows {
		recovered[[2]any{r["year"], r["variable"]}] = r["value"]
	}
	assert.Equal(t, int64(1), recovered[[2]any{int64(2023), "x"}])
	assert.Equal(t, int64(2), recovered[[2]any{int64(2023), "y"}])
	assert.Equal(t, int64(3), recovered[[2]any{int64(2024), "x"}])
	assert.Equal(t, int64(4), recovered[[2]any{int64(2024), "y"}])
}

func TestUniqueStrategies(t *testing.T) {
	b := New()
	h, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "k", Type: frame.TypeString},
			{Name: "i", Type: frame.TypeInt64},
		},
		Rows: []frame.Row{
			{"k": "a", "i": int64(1)},
			{"k": "b", "i": int64(2)},
			{"k": "a", "i": int64(3)},
		},
	})
	require.NoError(t, err)

	first := collect(t, h.Unique([]string{"k"}, frame.UniqueFirst))
	assert.Equal(t, []any{int64(1), int64(2)}, first.Column("i"))

	last := collect(t, h.Unique([]string{"k"}, frame.UniqueLast))
	assert.Equal(t, []any{int64(2), int64(3)}, last.Column("i"))

	none := collect(t, h.Unique([]string{"k"}, frame.UniqueNone))
	assert.Equal(t, []any{int64(2)}, none.Column("i"), "only singleton keys survive")
}

func TestHeadAndSampleDeterminism(t *testing.T) {
	b := New()
	rows := make([]frame.Row, 10)
	for i := range rows {
		rows[i] = frame.Row{"n": int64(i)}
	}
	h, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{{Name: "n", Type: frame.TypeInt64}},
		Rows:   rows,
	})
	require.NoError(t, err)

	head := collect(t, h.Head(3))
	assert.Equal(t, []any{int64(0), int64(1), int64(2)}, head.Column("n"))

	s1 := collect(t, h.Sample(4, 42))
	s2 := collect(t, h.Sample(4, 42))
	assert.Equal(t, s1.Rows, s2.Rows, "same seed, same sample")
	assert.Equal(t, 4, s1.Len())
}

func TestRowIndexPerGroup(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	out := collect(t, h.WithRowIndex("rid", 1, []string{"region"}))
	assert.Equal(t, []any{int64(1), int64(1), int64(2)}, out.Column("rid"))
}

func TestSplitToRows(t *testing.T) {
	b := New()
	h, err := b.FromTable(&frame.Table{
		Schema: frame.Schema{
			{Name: "id", Type: frame.TypeInt64},
			{Name: "tags", Type: frame.TypeString},
		},
		Rows: []frame.Row{{"id": int64(1), "tags": "x,y,z"}, {"id": int64(2), "tags": nil}},
	})
	require.NoError(t, err)
	out := collect(t, h.SplitToRows("tags", ",", "tag"))
	require.Equal(t, 4, out.Len())
	assert.Equal(t, "x", out.Rows[0]["tag"])
	assert.Equal(t, "x,y,z", out.Rows[0]["tags"], "source column is untouched when output differs")
	assert.Nil(t, out.Rows[3]["tag"])
}

func TestScanCSVInference(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "input.csv")
	content := "id,price,when,label\n1,1.5,2024-01-02,alpha\n2,2.5,2024-02-03,beta\n3,,,\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	b := New()
	h, err := b.Scan(context.Background(), frame.ScanRequest{
		Path:   path,
		Format: frame.FormatCSV,
		CSV:    frame.CSVOptions{HasHeader: true},
	})
	require.NoError(t, err)
	assert.Equal(t, frame.Schema{
		{Name: "id", Type: frame.TypeInt64},
		{Name: "price", Type: frame.TypeFloat64},
		{Name: "when", Type: frame.TypeDate},
		{Name: "label", Type: frame.TypeString},
	}, h.Schema())

	out := collect(t, h)
	require.Equal(t, 3, out.Len())
	assert.Nil(t, out.Rows[2]["price"], "empty cells are null")
}

func TestScanGlobConcatenates(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.csv"), []byte("v\n1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.csv"), []byte("v\n2\n"), 0o644))

	b := New()
	h, err := b.Scan(context.Background(), frame.ScanRequest{
		Path:   filepath.Join(dir, "*.csv"),
		Format: frame.FormatCSV,
		CSV:    frame.CSVOptions{HasHeader: true},
	})
	require.NoError(t, err)
	out := collect(t, h)
	assert.Equal(t, 2, out.Len())
}

func TestScanMissingFile(t *testing.T) {
	b := New()
	_, err := b.Scan(context.Background(), frame.ScanRequest{
		Path:   filepath.Join(t.TempDir(), "absent.csv"),
		Format: frame.FormatCSV,
	})
	require.Error(t, err)
	ee, ok := frame.AsEvalError(err)
	require.True(t, ok)
	assert.Equal(t, frame.EvalIO, ee.Kind)
}

func TestSinkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "result.ndjson")

	b := New()
	h := salesHandle(t, b)
	require.NoError(t, h.Sink(context.Background(), frame.SinkRequest{
		Path:   path,
		Format: frame.FormatNDJSON,
	}))

	back, err := b.Scan(context.Background(), frame.ScanRequest{Path: path, Format: frame.FormatNDJSON})
	require.NoError(t, err)
	out := collect(t, back)
	assert.Equal(t, 3, out.Len())
	assert.Equal(t, int64(100), out.Rows[0]["amt"])
}

func TestCollectCancellation(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Filter(frame.Col("amt").Gt(frame.Lit(0))).Collect(ctx, -1)
	require.Error(t, err)
	ee, ok := frame.AsEvalError(err)
	require.True(t, ok)
	assert.Equal(t, frame.EvalCancelled, ee.Kind)
}

func TestCollectLimit(t *testing.T) {
	b := New()
	h := salesHandle(t, b)
	out, err := h.Collect(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Len())
}

func TestEmptyHandlePropagatesSchemaOnly(t *testing.T) {
	b := New()
	e := b.Empty(frame.Schema{{Name: "x", Type: frame.TypeInt64}})
	require.NoError(t, e.Err())
	derived := e.WithColumn("y", frame.Eval(`x * 10`)).Filter(frame.Col("y").Ge(frame.Lit(0)))
	require.NoError(t, derived.Err())
	assert.Equal(t, frame.Schema{
		{Name: "x", Type: frame.TypeInt64},
		{Name: "y", Type: frame.TypeInt64},
	}, derived.Schema())
	out := collect(t, derived)
	assert.Zero(t, out.Len())
}
