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
	"fmt"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// handle is a node of the lazy plan. Transformations never mutate; they
// produce a new handle. A derivation failure produces an errored handle that
// absorbs all further transformations.
type handle struct {
	b      *Backend
	op     *planOp
	schema frame.Schema
	err    error
}

var _ frame.Handle = (*handle)(nil)

// Schema implements frame.Handle.
func (h *handle) Schema() frame.Schema {
	if h.err != nil {
		return nil
	}
	return h.schema
}

// Err implements frame.Handle.
func (h *handle) Err() error { return h.err }

func (h *handle) failf(op string, format string, args ...any) *handle {
	return &handle{b: h.b, err: frame.PlanErrorf(op, format, args...)}
}

func (h *handle) fail(op string, err error) *handle {
	if pe, ok := frame.AsPlanError(err); ok {
		return &handle{b: h.b, err: pe}
	}
	return &handle{b: h.b, err: frame.PlanErrorf(op, "%v", err)}
}

func (h *handle) derive(op *planOp) *handle {
	return &handle{b: h.b, op: op, schema: op.schema}
}

// Select implements frame.Handle.
func (h *handle) Select(columns []string) frame.Handle {
	if h.err != nil {
		return h
	}
	schema, err := deriveSelect(h.schema, columns)
	if err != nil {
		return h.fail("select", err)
	}
	return h.derive(&planOp{kind: opSelect, inputs: []*planOp{h.op}, schema: schema, columns: columns})
}

// Rename implements frame.Handle.
func (h *handle) Rename(mapping map[string]string) frame.Handle {
	if h.err != nil {
		return h
	}
	schema, err := deriveRename(h.schema, mapping)
	if err != nil {
		return h.fail("rename", err)
	}
	return h.derive(&planOp{kind: opRename, inputs: []*planOp{h.op}, schema: schema, mapping: mapping})
}

// Drop implements frame.Handle.
func (h *handle) Drop(columns []string) frame.Handle {
	if h.err != nil {
		return h
	}
	schema, err := deriveDrop(h.schema, columns)
	if err != nil {
		return h.fail("drop", err)
	}
	return h.derive(&planOp{kind: opDrop, inputs: []*planOp{h.op}, schema: schema, columns: columns})
}

// Filter implements frame.Handle.
func (h *handle) Filter(predicate frame.Expr) frame.Handle {
	if h.err != nil {
		return h
	}
	if !predicate.Valid() {
		return h.failf("filter", "empty predicate")
	}
	t, err := exprType(predicate, h.schema)
	if err != nil {
		return h.fail("filter", err)
	}
	if t != frame.TypeBoolean {
		return h.failf("filter", "predicate evaluates to %s, want boolean", t)
	}
	return h.derive(&planOp{kind: opFilter, inputs: []*planOp{h.op}, schema: h.schema, pred: predicate})
}

// WithColumn implements frame.Handle.
func (h *handle) WithColumn(name string, expr frame.Expr) frame.Handle {
	if h.err != nil {
		return h
	}
	if !expr.Valid() {
		return h.failf("with_column", "empty expression for %q", name)
	}
	t, err := exprType(expr, h.schema)
	if err != nil {
		return h.fail("with_column", err)
	}
	schema, err := deriveWithColumn(h.schema, name, t)
	if err != nil {
		return h.fail("with_column", err)
	}
	return h.derive(&planOp{
		kind: opWithColumn, inputs: []*planOp{h.op}, schema: schema, name: name, expr: expr,
	})
}

// Cast implements frame.Handle.
func (h *handle) Cast(column string, to frame.DataType) frame.Handle {
	if h.err != nil {
		return h
	}
	schema, err := deriveCast(h.schema, column, to)
	if err != nil {
		return h.fail("cast", err)
	}
	return h.derive(&planOp{
		kind: opCast, inputs: []*planOp{h.op}, schema: schema, name: column, dtype: to,
	})
}

// Sort implements frame.Handle.
func (h *handle) Sort(keys []frame.SortKey) frame.Handle {
	if h.err != nil {
		return h
	}
	if err := deriveSort(h.schema, keys); err != nil {
		return h.fail("sort", err)
	}
	return h.derive(&planOp{kind: opSort, inputs: []*planOp{h.op}, schema: h.schema, sortKeys: keys})
}

// GroupBy implements frame.Handle.
func (h *handle) GroupBy(keys []string, aggs []frame.Aggregation) frame.Handle {
	if h.err != nil {
		return h
	}
	schema, err := deriveGroupBy(h.schema, keys, aggs)
	if err != nil {
		return h.fail("group_by", err)
	}
	return h.derive(&planOp{
		kind: opGroupBy, inputs: []*planOp{h.op}, schema: schema, columns: keys, aggs: aggs,
	})
}

// Join implements frame.Handle.
func (h *handle) Join(other frame.Handle, keys []frame.JoinKey, how frame.JoinType,
	opts frame.JoinOptions) frame.Handle {
	if h.err != nil {
		return h
	}
	rh, err := h.sibling(other)
	if err != nil {
		return h.fail("join", err)
	}
	schema, rightMap, err := deriveJoin(h.schema, rh.schema, keys, how, opts)
	if err != nil {
		return h.fail("join", err)
	}
	return h.derive(&planOp{
		kind:     opJoin,
		inputs:   []*planOp{h.op, rh.op},
		schema:   schema,
		joinKeys: keys,
		joinType: how,
		joinOpts: opts,
		rightMap: rightMap,
	})
}

// Concat implements frame.Handle.
func (h *handle) Concat(others []frame.Handle) frame.Handle {
	if h.err != nil {
		return h
	}
	inputs := []*planOp{h.op}
	schemas := []frame.Schema{h.schema}
	for i, o := range others {
		oh, err := h.sibling(o)
		if err != nil {
			return h.failf("concat", "input %d: %v", i+1, err)
		}
		inputs = append(inputs, oh.op)
		schemas = append(schemas, oh.schema)
	}
	return h.derive(&planOp{kind: opConcat, inputs: inputs, schema: deriveConcat(schemas)})
}

// Pivot implements frame.Handle.
func (h *handle) Pivot(spec frame.PivotSpec) frame.Handle {
	if h.err != nil {
		return h
	}
	schema, err := derivePivot(h.schema, spec)
	if err != nil {
		return h.fail("pivot", err)
	}
	s := spec
	return h.derive(&planOp{kind: opPivot, inputs: []*planOp{h.op}, schema: schema, pivot: &s})
}

// Unpivot implements frame.Handle.
func (h *handle) Unpivot(spec frame.UnpivotSpec) frame.Handle {
	if h.err != nil {
		return h
	}
	schema, err := deriveUnpivot(h.schema, spec)
	if err != nil {
		return h.fail("unpivot", err)
	}
	s := spec
	return h.derive(&planOp{kind: opUnpivot, inputs: []*planOp{h.op}, schema: schema, unpivot: &s})
}

// Unique implements frame.Handle.
func (h *handle) Unique(subset []string, strategy frame.UniqueStrategy) frame.Handle {
	if h.err != nil {
		return h
	}
	if err := deriveUnique(h.schema, subset, strategy); err != nil {
		return h.fail("unique", err)
	}
	if strategy == "" {
		strategy = frame.UniqueAny
	}
	return h.derive(&planOp{
		kind: opUnique, inputs: []*planOp{h.op}, schema: h.schema, columns: subset, strategy: strategy,
	})
}

// Head implements frame.Handle.
func (h *handle) Head(n int) frame.Handle {
	if h.err != nil {
		return h
	}
	if n < 0 {
		return h.failf("head", "negative row count %d", n)
	}
	return h.derive(&planOp{kind: opHead, inputs: []*planOp{h.op}, schema: h.schema, n: n})
}

// Sample implements frame.Handle.
func (h *handle) Sample(n int, seed int64) frame.Handle {
	if h.err != nil {
		return h
	}
	if n < 0 {
		return h.failf("sample", "negative row count %d", n)
	}
	return h.derive(&planOp{kind: opSample, inputs: []*planOp{h.op}, schema: h.schema, n: n, seed: seed})
}

// WithRowIndex implements frame.Handle.
func (h *handle) WithRowIndex(name string, offset int64, groupBy []string) frame.Handle {
	if h.err != nil {
		return h
	}
	schema, err := deriveRowIndex(h.schema, name, groupBy)
	if err != nil {
		return h.fail("row_index", err)
	}
	return h.derive(&planOp{
		kind: opRowIndex, inputs: []*planOp{h.op}, schema: schema,
		name: name, offset: offset, columns: groupBy,
	})
}

// SplitToRows implements frame.Handle.
func (h *handle) SplitToRows(column, delimiter, output string) frame.Handle {
	if h.err != nil {
		return h
	}
	schema, out, err := deriveSplit(h.schema, column, delimiter, output)
	if err != nil {
		return h.fail("split_to_rows", err)
	}
	return h.derive(&planOp{
		kind: opSplit, inputs: []*planOp{h.op}, schema: schema,
		name: column, delim: delimiter, output: out,
	})
}

// Collect implements frame.Handle.
func (h *handle) Collect(ctx context.Context, limit int) (*frame.Table, error) {
	if h.err != nil {
		return nil, h.err
	}
	t, err := newEvaluator(h.b).materialize(ctx, h.op)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && limit < len(t.Rows) {
		t = &frame.Table{Schema: t.Schema, Rows: t.Rows[:limit]}
	}
	return t, nil
}

// Sink implements frame.Handle.
func (h *handle) Sink(ctx context.Context, req frame.SinkRequest) error {
	if h.err != nil {
		return h.err
	}
	t, err := h.Collect(ctx, -1)
	if err != nil {
		return err
	}
	return writeTable(t, req)
}

// sibling checks that another handle belongs to this backend and is not
// errored.
func (h *handle) sibling(other frame.Handle) (*handle, error) {
	oh, ok := other.(*handle)
	if !ok {
		return nil, fmt.Errorf("handle from backend %T cannot combine with memframe", other)
	}
	if oh.err != nil {
		return nil, fmt.Errorf("input handle is errored: %v", oh.err)
	}
	return oh, nil
}
