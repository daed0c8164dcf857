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
	"math/rand"
	"sort"
	"strings"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// evaluator materializes a plan DAG. Shared subplans are computed once per
// evaluation; the memo lives only for one Collect.
type evaluator struct {
	b    *Backend
	memo map[*planOp]*frame.Table
}

func newEvaluator(b *Backend) *evaluator {
	return &evaluator{b: b, memo: make(map[*planOp]*frame.Table)}
}

func (ev *evaluator) materialize(ctx context.Context, op *planOp) (*frame.Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, frame.ContextEvalError(ctx, op.kind.String())
	}
	if t, ok := ev.memo[op]; ok {
		return t, nil
	}
	inputs := make([]*frame.Table, len(op.inputs))
	for i, in := range op.inputs {
		t, err := ev.materialize(ctx, in)
		if err != nil {
			return nil, err
		}
		inputs[i] = t
	}
	t, err := ev.exec(ctx, op, inputs)
	if err != nil {
		return nil, err
	}
	ev.memo[op] = t
	return t, nil
}

// exec computes one operator. Schemas are re-derived from the runtime input
// tables, which may be wider than the static plan when a pivot sits upstream.
func (ev *evaluator) exec(ctx context.Context, op *planOp, in []*frame.Table) (*frame.Table, error) {
	switch op.kind {
	case opTable:
		return op.table, nil
	case opScan:
		return ev.b.readScan(ctx, *op.scan)
	case opSelect:
		return execProject(op, in[0], deriveSelect)
	case opRename:
		return execRename(op, in[0])
	case opDrop:
		return execProject(op, in[0], deriveDrop)
	case opFilter:
		return execFilter(ctx, op, in[0])
	case opWithColumn:
		return execWithColumn(ctx, op, in[0])
	case opCast:
		return execCast(ctx, op, in[0])
	case opSort:
		return execSort(op, in[0])
	case opGroupBy:
		return execGroupBy(ctx, op, in[0])
	case opJoin:
		return execJoin(ctx, op, in[0], in[1])
	case opConcat:
		return execConcat(op, in)
	case opPivot:
		return ev.execPivot(ctx, op, in[0])
	case opUnpivot:
		return execUnpivot(op, in[0])
	case opUnique:
		return execUnique(op, in[0])
	case opHead:
		return execHead(op, in[0]), nil
	case opSample:
		return execSample(op, in[0]), nil
	case opRowIndex:
		return execRowIndex(op, in[0])
	case opSplit:
		return execSplit(op, in[0])
	}
	return nil, frame.EvalErrorf(frame.EvalInternal, "unknown operator %d", op.kind)
}

func internalErr(op *planOp, err error) error {
	return frame.NewEvalError(frame.EvalInternal, op.kind.String(), err)
}

func execProject(op *planOp, in *frame.Table,
	derive func(frame.Schema, []string) (frame.Schema, error)) (*frame.Table, error) {
	schema, err := derive(in.Schema, op.columns)
	if err != nil {
		return nil, internalErr(op, err)
	}
	rows := make([]frame.Row, len(in.Rows))
	for i, r := range in.Rows {
		out := make(frame.Row, len(schema))
		for _, f := range schema {
			out[f.Name] = r[f.Name]
		}
		rows[i] = out
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

func execRename(op *planOp, in *frame.Table) (*frame.Table, error) {
	schema, err := deriveRename(in.Schema, op.mapping)
	if err != nil {
		return nil, internalErr(op, err)
	}
	rows := make([]frame.Row, len(in.Rows))
	for i, r := range in.Rows {
		out := make(frame.Row, len(schema))
		for j, f := range in.Schema {
			out[schema[j].Name] = r[f.Name]
		}
		rows[i] = out
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

func execFilter(ctx context.Context, op *planOp, in *frame.Table) (*frame.Table, error) {
	pred, err := compileExpr(op.pred, in.Schema)
	if err != nil {
		return nil, frame.NewEvalError(frame.EvalTypeMismatch, "filter", err)
	}
	rows := make([]frame.Row, 0, len(in.Rows))
	for i, r := range in.Rows {
		if i%cancelCheckStride == 0 && ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "filter")
		}
		v, err := pred.eval(r)
		if err != nil {
			return nil, err
		}
		if keep, _ := v.(bool); keep {
			rows = append(rows, r)
		}
	}
	return &frame.Table{Schema: in.Schema, Rows: rows}, nil
}

func execWithColumn(ctx context.Context, op *planOp, in *frame.Table) (*frame.Table, error) {
	c, err := compileExpr(op.expr, in.Schema)
	if err != nil {
		return nil, frame.NewEvalError(frame.EvalTypeMismatch, "with_column", err)
	}
	schema, err := deriveWithColumn(in.Schema, op.name, c.outType)
	if err != nil {
		return nil, internalErr(op, err)
	}
	rows := make([]frame.Row, len(in.Rows))
	for i, r := range in.Rows {
		if i%cancelCheckStride == 0 && ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "with_column")
		}
		v, err := c.eval(r)
		if err != nil {
			return nil, err
		}
		out := r.Clone()
		out[op.name] = v
		rows[i] = out
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

func execCast(ctx context.Context, op *planOp, in *frame.Table) (*frame.Table, error) {
	schema, err := deriveCast(in.Schema, op.name, op.dtype)
	if err != nil {
		return nil, internalErr(op, err)
	}
	rows := make([]frame.Row, len(in.Rows))
	for i, r := range in.Rows {
		if i%cancelCheckStride == 0 && ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "cast")
		}
		v, err := castValue(r[op.name], op.dtype)
		if err != nil {
			return nil, frame.EvalErrorf(frame.EvalTypeMismatch,
				"cast column %q row %d: %v", op.name, i, err)
		}
		out := r.Clone()
		out[op.name] = v
		rows[i] = out
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

// orderNullable totally orders two values, nulls first. Incomparable values
// rank equal; the planner has already rejected mixed-type keys.
func orderNullable(l, r any) int {
	switch {
	case l == nil && r == nil:
		return 0
	case l == nil:
		return -1
	case r == nil:
		return 1
	}
	c, err := orderValues(l, r)
	if err != nil {
		return 0
	}
	return c
}

func execSort(op *planOp, in *frame.Table) (*frame.Table, error) {
	if err := deriveSort(in.Schema, op.sortKeys); err != nil {
		return nil, internalErr(op, err)
	}
	rows := make([]frame.Row, len(in.Rows))
	copy(rows, in.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range op.sortKeys {
			c := orderNullable(rows[i][k.Column], rows[j][k.Column])
			if c == 0 {
				continue
			}
			if k.Descending {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return &frame.Table{Schema: in.Schema, Rows: rows}, nil
}

// keyOf encodes a tuple of values into a collision-free string key.
func keyOf(vals []any) string {
	var sb strings.Builder
	for _, v := range vals {
		switch x := v.(type) {
		case nil:
			sb.WriteString("n|")
		case bool:
			sb.WriteString("b:")
			sb.WriteString(formatValue(x))
			sb.WriteByte('|')
		case int64:
			sb.WriteString("i:")
			sb.WriteString(formatValue(x))
			sb.WriteByte('|')
		case float64:
			sb.WriteString("f:")
			sb.WriteString(formatValue(x))
			sb.WriteByte('|')
		default:
			sb.WriteString("s:")
			sb.WriteString(formatValue(v))
			sb.WriteByte('|')
		}
	}
	return sb.String()
}

func rowKey(row frame.Row, cols []string) string {
	vals := make([]any, len(cols))
	for i, c := range cols {
		vals[i] = row[c]
	}
	return keyOf(vals)
}

func execGroupBy(ctx context.Context, op *planOp, in *frame.Table) (*frame.Table, error) {
	schema, err := deriveGroupBy(in.Schema, op.columns, op.aggs)
	if err != nil {
		return nil, internalErr(op, err)
	}
	// A global aggregation over no rows still yields one row, like SQL
	// aggregates: count and sum are 0, order statistics are null.
	if len(op.columns) == 0 && len(in.Rows) == 0 {
		out := make(frame.Row, len(op.aggs))
		for _, a := range op.aggs {
			f, _ := in.Schema.Field(a.Column)
			out[a.OutputName()] = newAggState(a.Kind, f.Type).result()
		}
		return &frame.Table{Schema: schema, Rows: []frame.Row{out}}, nil
	}
	type group struct {
		keyVals []any
		states  []aggState
	}
	groups := make(map[string]*group)
	var order []string
	for i, r := range in.Rows {
		if i%cancelCheckStride == 0 && ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "group_by")
		}
		key := rowKey(r, op.columns)
		g, ok := groups[key]
		if !ok {
			g = &group{keyVals: make([]any, len(op.columns)), states: make([]aggState, len(op.aggs))}
			for j, c := range op.columns {
				g.keyVals[j] = r[c]
			}
			for j, a := range op.aggs {
				f, _ := in.Schema.Field(a.Column)
				g.states[j] = newAggState(a.Kind, f.Type)
			}
			groups[key] = g
			order = append(order, key)
		}
		for j, a := range op.aggs {
			g.states[j].add(normalizeValue(r[a.Column]))
		}
	}
	rows := make([]frame.Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		out := make(frame.Row, len(schema))
		for j, c := range op.columns {
			out[c] = g.keyVals[j]
		}
		for j, a := range op.aggs {
			out[a.OutputName()] = g.states[j].result()
		}
		rows = append(rows, out)
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

func execJoin(ctx context.Context, op *planOp, left, right *frame.Table) (*frame.Table, error) {
	schema, rightMap, err := deriveJoin(left.Schema, right.Schema, op.joinKeys, op.joinType, op.joinOpts)
	if err != nil {
		return nil, internalErr(op, err)
	}
	if op.joinType == frame.JoinCross {
		return execCrossJoin(ctx, schema, rightMap, left, right)
	}
	leftCols := make([]string, len(op.joinKeys))
	rightCols := make([]string, len(op.joinKeys))
	for i, k := range op.joinKeys {
		leftCols[i] = k.Left
		rightCols[i] = k.Right
	}
	// Numeric keys of differing widths compare as floats.
	norm := func(row frame.Row, cols []string) (string, bool) {
		vals := make([]any, len(cols))
		for i, c := range cols {
			v := normalizeValue(row[c])
			if v == nil {
				return "", false
			}
			if n, isInt := v.(int64); isInt {
				lt, _ := left.Schema.Field(op.joinKeys[i].Left)
				rt, _ := right.Schema.Field(op.joinKeys[i].Right)
				if lt.Type != rt.Type {
					v = float64(n)
				}
			}
			vals[i] = v
		}
		return keyOf(vals), true
	}
	leftKeys := make([]string, len(left.Rows))
	leftOK := make([]bool, len(left.Rows))
	for i, r := range left.Rows {
		leftKeys[i], leftOK[i] = norm(r, leftCols)
	}
	rightKeys := make([]string, len(right.Rows))
	rightOK := make([]bool, len(right.Rows))
	rightIndex := make(map[string][]int, len(right.Rows))
	for i, r := range right.Rows {
		rightKeys[i], rightOK[i] = norm(r, rightCols)
		if rightOK[i] {
			rightIndex[rightKeys[i]] = append(rightIndex[rightKeys[i]], i)
		}
	}
	if op.joinOpts.VerifyIntegrity && op.joinType != frame.JoinSemi && op.joinType != frame.JoinAnti {
		if err := verifyJoinIntegrity(leftKeys, leftOK, rightKeys, rightOK); err != nil {
			return nil, err
		}
	}

	merge := func(l, r frame.Row) frame.Row {
		out := make(frame.Row, len(schema))
		for _, f := range left.Schema {
			if l != nil {
				out[f.Name] = l[f.Name]
			} else {
				out[f.Name] = nil
			}
		}
		for orig, name := range rightMap {
			if r != nil {
				out[name] = r[orig]
			} else {
				out[name] = nil
			}
		}
		return out
	}

	var rows []frame.Row
	switch op.joinType {
	case frame.JoinSemi, frame.JoinAnti:
		want := op.joinType == frame.JoinSemi
		for i, r := range left.Rows {
			matched := leftOK[i] && len(rightIndex[leftKeys[i]]) > 0
			if matched == want {
				rows = append(rows, r)
			}
		}
	case frame.JoinRight:
		leftIndex := make(map[string][]int, len(left.Rows))
		for i := range left.Rows {
			if leftOK[i] {
				leftIndex[leftKeys[i]] = append(leftIndex[leftKeys[i]], i)
			}
		}
		for i, r := range right.Rows {
			if i%cancelCheckStride == 0 && ctx.Err() != nil {
				return nil, frame.ContextEvalError(ctx, "join")
			}
			matches := []int(nil)
			if rightOK[i] {
				matches = leftIndex[rightKeys[i]]
			}
			if len(matches) == 0 {
				rows = append(rows, merge(nil, r))
				continue
			}
			for _, li := range matches {
				rows = append(rows, merge(left.Rows[li], r))
			}
		}
	default: // inner, left, full
		rightMatched := make([]bool, len(right.Rows))
		for i, l := range left.Rows {
			if i%cancelCheckStride == 0 && ctx.Err() != nil {
				return nil, frame.ContextEvalError(ctx, "join")
			}
			matches := []int(nil)
			if leftOK[i] {
				matches = rightIndex[leftKeys[i]]
			}
			if len(matches) == 0 {
				if op.joinType == frame.JoinLeft || op.joinType == frame.JoinFull {
					rows = append(rows, merge(l, nil))
				}
				continue
			}
			for _, ri := range matches {
				rightMatched[ri] = true
				rows = append(rows, merge(l, right.Rows[ri]))
			}
		}
		if op.joinType == frame.JoinFull {
			for i, r := range right.Rows {
				if !rightMatched[i] {
					rows = append(rows, merge(nil, r))
				}
			}
		}
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

func execCrossJoin(ctx context.Context, schema frame.Schema, rightMap map[string]string,
	left, right *frame.Table) (*frame.Table, error) {
	rows := make([]frame.Row, 0, len(left.Rows)*len(right.Rows))
	for _, l := range left.Rows {
		if ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "cross_join")
		}
		for _, r := range right.Rows {
			out := make(frame.Row, len(schema))
			for _, f := range left.Schema {
				out[f.Name] = l[f.Name]
			}
			for orig, name := range rightMap {
				out[name] = r[orig]
			}
			rows = append(rows, out)
		}
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

// verifyJoinIntegrity rejects joins whose keys are duplicated on both sides,
// which would multiply rows many-to-many.
func verifyJoinIntegrity(leftKeys []string, leftOK []bool, rightKeys []string, rightOK []bool) error {
	leftCount := make(map[string]int, len(leftKeys))
	for i, k := range leftKeys {
		if leftOK[i] {
			leftCount[k]++
		}
	}
	rightCount := make(map[string]int, len(rightKeys))
	for i, k := range rightKeys {
		if rightOK[i] {
			rightCount[k]++
		}
	}
	for k, ln := range leftCount {
		if ln > 1 && rightCount[k] > 1 {
			return frame.EvalErrorf(frame.EvalIntegrity,
				"join keys are not unique on either side (%d x %d rows for one key)",
				ln, rightCount[k])
		}
	}
	return nil
}

func execConcat(op *planOp, in []*frame.Table) (*frame.Table, error) {
	schemas := make([]frame.Schema, len(in))
	for i, t := range in {
		schemas[i] = t.Schema
	}
	schema := deriveConcat(schemas)
	var rows []frame.Row
	for _, t := range in {
		for _, r := range t.Rows {
			out := make(frame.Row, len(schema))
			for _, f := range schema {
				if !t.Schema.Has(f.Name) {
					out[f.Name] = nil
					continue
				}
				v := normalizeValue(r[f.Name])
				if v == nil {
					out[f.Name] = nil
					continue
				}
				cast, err := castValue(v, f.Type)
				if err != nil {
					return nil, frame.EvalErrorf(frame.EvalTypeMismatch,
						"concat: column %q: %v", f.Name, err)
				}
				out[f.Name] = cast
			}
			rows = append(rows, out)
		}
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

// execPivot widens the frame. Generated column names follow the distinct
// values of the pivot column in ascending order; with multiple aggregations
// each value contributes one column per aggregation, named value_agg.
func (ev *evaluator) execPivot(ctx context.Context, op *planOp, in *frame.Table) (*frame.Table, error) {
	spec := *op.pivot
	if _, err := derivePivot(in.Schema, spec); err != nil {
		return nil, internalErr(op, err)
	}
	valueField, _ := in.Schema.Field(spec.Values)

	distinct := make(map[string]struct{})
	for _, r := range in.Rows {
		distinct[formatValue(normalizeValue(r[spec.Column]))] = struct{}{}
	}
	pivotVals := make([]string, 0, len(distinct))
	for v := range distinct {
		pivotVals = append(pivotVals, v)
	}
	sort.Strings(pivotVals)
	maxWide := spec.MaxWide
	if maxWide <= 0 {
		maxWide = ev.b.opts.maxPivot
	}
	if len(pivotVals)*len(spec.Aggs) > maxWide {
		return nil, frame.EvalErrorf(frame.EvalInternal,
			"pivot would generate %d columns, cap is %d", len(pivotVals)*len(spec.Aggs), maxWide)
	}

	colName := func(pv string, agg frame.AggKind) string {
		if len(spec.Aggs) == 1 {
			return pv
		}
		return pv + "_" + string(agg)
	}
	schema := make(frame.Schema, 0, len(spec.Index)+len(pivotVals)*len(spec.Aggs))
	for _, c := range spec.Index {
		f, _ := in.Schema.Field(c)
		schema = append(schema, f)
	}
	for _, pv := range pivotVals {
		for _, agg := range spec.Aggs {
			rt, err := aggResultType(agg, valueField.Type)
			if err != nil {
				return nil, internalErr(op, err)
			}
			name := colName(pv, agg)
			if schema.Has(name) {
				return nil, frame.EvalErrorf(frame.EvalInternal,
					"pivot column %q collides with an index column", name)
			}
			schema = append(schema, frame.Field{Name: name, Type: rt})
		}
	}

	type cell struct{ states []aggState }
	type group struct {
		keyVals []any
		cells   map[string]*cell
	}
	groups := make(map[string]*group)
	var order []string
	for i, r := range in.Rows {
		if i%cancelCheckStride == 0 && ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "pivot")
		}
		key := rowKey(r, spec.Index)
		g, ok := groups[key]
		if !ok {
			g = &group{keyVals: make([]any, len(spec.Index)), cells: make(map[string]*cell)}
			for j, c := range spec.Index {
				g.keyVals[j] = r[c]
			}
			groups[key] = g
			order = append(order, key)
		}
		pv := formatValue(normalizeValue(r[spec.Column]))
		cl, ok := g.cells[pv]
		if !ok {
			cl = &cell{states: make([]aggState, len(spec.Aggs))}
			for j, agg := range spec.Aggs {
				cl.states[j] = newAggState(agg, valueField.Type)
			}
			g.cells[pv] = cl
		}
		for _, st := range cl.states {
			st.add(normalizeValue(r[spec.Values]))
		}
	}

	rows := make([]frame.Row, 0, len(order))
	for _, key := range order {
		g := groups[key]
		out := make(frame.Row, len(schema))
		for j, c := range spec.Index {
			out[c] = g.keyVals[j]
		}
		for _, pv := range pivotVals {
			for j, agg := range spec.Aggs {
				name := colName(pv, agg)
				if cl, ok := g.cells[pv]; ok {
					out[name] = cl.states[j].result()
				} else {
					out[name] = nil
				}
			}
		}
		rows = append(rows, out)
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

func execUnpivot(op *planOp, in *frame.Table) (*frame.Table, error) {
	spec := *op.unpivot
	values, err := resolveUnpivotValues(in.Schema, spec)
	if err != nil {
		return nil, internalErr(op, err)
	}
	schema, err := deriveUnpivot(in.Schema, spec)
	if err != nil {
		return nil, internalErr(op, err)
	}
	valueType := schema[len(schema)-1].Type
	rows := make([]frame.Row, 0, len(in.Rows)*len(values))
	for _, r := range in.Rows {
		for _, c := range values {
			out := make(frame.Row, len(schema))
			for _, idx := range spec.Index {
				out[idx] = r[idx]
			}
			out[unpivotVariableColumn] = c
			v := normalizeValue(r[c])
			if v == nil {
				out[unpivotValueColumn] = nil
			} else {
				cast, err := castValue(v, valueType)
				if err != nil {
					return nil, frame.EvalErrorf(frame.EvalTypeMismatch,
						"unpivot: column %q: %v", c, err)
				}
				out[unpivotValueColumn] = cast
			}
			rows = append(rows, out)
		}
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

func execUnique(op *planOp, in *frame.Table) (*frame.Table, error) {
	if err := deriveUnique(in.Schema, op.columns, op.strategy); err != nil {
		return nil, internalErr(op, err)
	}
	subset := op.columns
	if len(subset) == 0 {
		subset = in.Schema.Names()
	}
	var rows []frame.Row
	switch op.strategy {
	case frame.UniqueLast:
		lastIdx := make(map[string]int, len(in.Rows))
		for i, r := range in.Rows {
			lastIdx[rowKey(r, subset)] = i
		}
		keep := make([]int, 0, len(lastIdx))
		for _, i := range lastIdx {
			keep = append(keep, i)
		}
		sort.Ints(keep)
		for _, i := range keep {
			rows = append(rows, in.Rows[i])
		}
	case frame.UniqueNone:
		counts := make(map[string]int, len(in.Rows))
		for _, r := range in.Rows {
			counts[rowKey(r, subset)]++
		}
		for _, r := range in.Rows {
			if counts[rowKey(r, subset)] == 1 {
				rows = append(rows, r)
			}
		}
	default: // first, any
		seen := make(map[string]struct{}, len(in.Rows))
		for _, r := range in.Rows {
			key := rowKey(r, subset)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			rows = append(rows, r)
		}
	}
	return &frame.Table{Schema: in.Schema, Rows: rows}, nil
}

func execHead(op *planOp, in *frame.Table) *frame.Table {
	n := op.n
	if n > len(in.Rows) {
		n = len(in.Rows)
	}
	return &frame.Table{Schema: in.Schema, Rows: in.Rows[:n]}
}

// execSample keeps up to n rows chosen by a seeded shuffle, preserving the
// original row order among the kept rows.
func execSample(op *planOp, in *frame.Table) *frame.Table {
	if op.n >= len(in.Rows) {
		return in
	}
	r := rand.New(rand.NewSource(op.seed))
	perm := r.Perm(len(in.Rows))
	keep := perm[:op.n]
	sort.Ints(keep)
	rows := make([]frame.Row, 0, op.n)
	for _, i := range keep {
		rows = append(rows, in.Rows[i])
	}
	return &frame.Table{Schema: in.Schema, Rows: rows}
}

func execRowIndex(op *planOp, in *frame.Table) (*frame.Table, error) {
	schema, err := deriveRowIndex(in.Schema, op.name, op.columns)
	if err != nil {
		return nil, internalErr(op, err)
	}
	counters := make(map[string]int64)
	rows := make([]frame.Row, len(in.Rows))
	for i, r := range in.Rows {
		key := ""
		if len(op.columns) > 0 {
			key = rowKey(r, op.columns)
		}
		out := r.Clone()
		out[op.name] = op.offset + counters[key]
		counters[key]++
		rows[i] = out
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

func execSplit(op *planOp, in *frame.Table) (*frame.Table, error) {
	schema, output, err := deriveSplit(in.Schema, op.name, op.delim, op.output)
	if err != nil {
		return nil, internalErr(op, err)
	}
	var rows []frame.Row
	for _, r := range in.Rows {
		v := r[op.name]
		if v == nil {
			out := r.Clone()
			out[output] = nil
			rows = append(rows, out)
			continue
		}
		s, ok := v.(string)
		if !ok {
			return nil, frame.EvalErrorf(frame.EvalTypeMismatch,
				"split_to_rows: column %q holds %T, want string", op.name, v)
		}
		for _, part := range strings.Split(s, op.delim) {
			out := r.Clone()
			out[output] = part
			rows = append(rows, out)
		}
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}
