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
	"errors"
	"fmt"
	"sort"

	"trpc.group/trpc-go/trpc-flowfile-go/event"
	"trpc.group/trpc-go/trpc-flowfile-go/frame"
	"trpc.group/trpc-go/trpc-flowfile-go/usercode"
)

// rowCounterColumn is the hidden column record_count aggregates over.
const rowCounterColumn = "__row_nr"

// RecordCountColumn is the single output column of the record_count kind.
const RecordCountColumn = "number_of_records"

// buildHandle turns a node's settings and resolved inputs into its output
// handle. With schemaOnly set, provider reads return empty handles from a
// schema preview and sinks skip their side effect, so the same builders drive
// both schema propagation and execution.
func buildHandle(rc *RunContext, n *Node, inputs map[string][]frame.Handle, schemaOnly bool) (frame.Handle, error) {
	spec, err := LookupKind(n.Kind)
	if err != nil {
		return nil, err
	}
	if err := checkArity(n, spec, inputs); err != nil {
		return nil, err
	}
	if !n.configured() {
		if n.settingsErr != nil {
			return nil, n.settingsErr
		}
		return nil, &SettingsValidationError{NodeID: n.ID, Kind: n.Kind, Reason: "node is not configured"}
	}

	switch s := n.Settings.(type) {
	case *ManualInputSettings:
		return buildManualInput(rc, s)
	case *ReadSettings:
		return rc.backend.Scan(rc.ctx, s.scanRequest())
	case *CloudReadSettings:
		return buildProviderScan(rc, n, s.Connection, rc.providerFor(n.Kind), schemaOnly)
	case *DatabaseReadSettings:
		return buildProviderScan(rc, n, s.Connection, rc.providerFor(n.Kind), schemaOnly)
	case *SelectSettings:
		return applySelect(one(inputs, LabelMain), s.Columns, s.KeepMissing), nil
	case *FilterSettings:
		return buildFilter(one(inputs, LabelMain), s)
	case *FormulaSettings:
		return buildFormula(one(inputs, LabelMain), s), nil
	case *SortSettings:
		return one(inputs, LabelMain).Sort(s.sortKeys()), nil
	case *UniqueSettings:
		strategy, _ := frame.ParseUniqueStrategy(s.Strategy)
		return one(inputs, LabelMain).Unique(s.Subset, strategy), nil
	case *HeadSettings:
		return one(inputs, LabelMain).Head(s.N), nil
	case *SampleSettings:
		return one(inputs, LabelMain).Sample(s.N, s.seed()), nil
	case *RecordIDSettings:
		return one(inputs, LabelMain).WithRowIndex(s.outputName(), s.offset(), s.GroupBy), nil
	case *RecordCountSettings:
		return buildRecordCount(one(inputs, LabelMain)), nil
	case *TextToRowsSettings:
		return one(inputs, LabelMain).SplitToRows(s.Column, s.delimiter(), s.OutputName), nil
	case *GroupBySettings:
		keys, aggs := s.split()
		return one(inputs, LabelMain).GroupBy(keys, aggs), nil
	case *PivotSettings:
		return one(inputs, LabelMain).Pivot(frame.PivotSpec{
			Index:  s.Index,
			Column: s.Column,
			Values: s.Values,
			Aggs:   s.aggKinds(),
		}), nil
	case *UnpivotSettings:
		return one(inputs, LabelMain).Unpivot(s.spec()), nil
	case *PolarsCodeSettings:
		return buildUserCode(rc, n, s, inputs[LabelMain])
	case *JoinSettings:
		how, _ := frame.ParseJoinType(s.How)
		left := applySelect(one(inputs, LabelLeft), s.LeftSelect, true)
		right := applySelect(one(inputs, LabelRight), s.RightSelect, true)
		return left.Join(right, s.joinKeys(), how,
			frame.JoinOptions{VerifyIntegrity: s.VerifyIntegrity}), nil
	case *CrossJoinSettings:
		left := applySelect(one(inputs, LabelLeft), s.LeftSelect, true)
		right := applySelect(one(inputs, LabelRight), s.RightSelect, true)
		return left.Join(right, nil, frame.JoinCross, frame.JoinOptions{}), nil
	case *ConcatSettings:
		ins := inputs[LabelMain]
		return ins[0].Concat(ins[1:]), nil
	case *ExploreDataSettings:
		return one(inputs, LabelMain), nil
	case *WriteSettings:
		h := one(inputs, LabelMain)
		if schemaOnly || h.Err() != nil {
			return h, nil
		}
		if err := h.Sink(rc.ctx, s.sinkRequest()); err != nil {
			return nil, err
		}
		return h, nil
	case *CloudWriteSettings:
		return buildProviderWrite(rc, n, s.Connection, rc.writerFor(n.Kind),
			one(inputs, LabelMain), schemaOnly)
	case *DatabaseWriteSettings:
		return buildProviderWrite(rc, n, s.Connection, rc.writerFor(n.Kind),
			one(inputs, LabelMain), schemaOnly)
	default:
		return nil, fmt.Errorf("no builder for kind %q", n.Kind)
	}
}

func checkArity(n *Node, spec KindSpec, inputs map[string][]frame.Handle) error {
	for label, ar := range spec.Inputs {
		c := len(inputs[label])
		if c < ar.Min || (ar.Max != Unbounded && c > ar.Max) {
			return &ArityError{
				NodeID: n.ID, Kind: n.Kind, Label: label,
				Count: c, Min: ar.Min, Max: ar.Max,
			}
		}
	}
	for label := range inputs {
		if _, ok := spec.Inputs[label]; !ok && len(inputs[label]) > 0 {
			return &ArityError{NodeID: n.ID, Kind: n.Kind, Label: label,
				Count: len(inputs[label]), Min: 0, Max: 0}
		}
	}
	return nil
}

// one returns the single input on a label; arity is checked by the caller.
func one(inputs map[string][]frame.Handle, label string) frame.Handle {
	return inputs[label][0]
}

func buildManualInput(rc *RunContext, s *ManualInputSettings) (frame.Handle, error) {
	declared := make([]frame.Field, len(s.Columns))
	for i, c := range s.Columns {
		t, err := frame.ParseDataType(c.DataType)
		if err != nil {
			return nil, err
		}
		declared[i] = frame.Field{Name: c.Name, Type: t}
	}
	raw := s.Rows
	if len(raw) == 0 {
		raw = []byte(`[]`)
	}
	table, err := frame.TableFromRecords(raw, declared)
	if err != nil {
		return nil, err
	}
	return rc.backend.FromTable(table)
}

func (rc *RunContext) providerFor(kind Kind) ScanProvider {
	if rc.providers == nil {
		return nil
	}
	if kind == KindCloudRead {
		return rc.providers.CloudScan
	}
	return rc.providers.DatabaseScan
}

func (rc *RunContext) writerFor(kind Kind) WriteProvider {
	if rc.providers == nil {
		return nil
	}
	if kind == KindCloudWrite {
		return rc.providers.CloudWrite
	}
	return rc.providers.DatabaseWrite
}

func buildProviderScan(rc *RunContext, n *Node, connection string,
	p ScanProvider, schemaOnly bool) (frame.Handle, error) {
	if p == nil {
		return nil, fmt.Errorf("no provider registered for kind %q", n.Kind)
	}
	conn, err := rc.providers.resolve(rc.ctx, connection)
	if err != nil {
		return nil, fmt.Errorf("resolve connection %q: %w", connection, err)
	}
	spec := ScanSpec{Kind: n.Kind, Settings: n.Settings, Connection: conn}
	if schemaOnly {
		schema, err := p.PreviewSchema(rc.ctx, spec)
		if err != nil {
			return nil, err
		}
		return rc.backend.Empty(schema), nil
	}
	return p.Scan(rc.ctx, spec)
}

func buildProviderWrite(rc *RunContext, n *Node, connection string,
	p WriteProvider, h frame.Handle, schemaOnly bool) (frame.Handle, error) {
	if schemaOnly || h.Err() != nil {
		return h, nil
	}
	if p == nil {
		return nil, fmt.Errorf("no provider registered for kind %q", n.Kind)
	}
	conn, err := rc.providers.resolve(rc.ctx, connection)
	if err != nil {
		return nil, fmt.Errorf("resolve connection %q: %w", connection, err)
	}
	spec := ScanSpec{Kind: n.Kind, Settings: n.Settings, Connection: conn}
	if err := p.Write(rc.ctx, spec, h); err != nil {
		return nil, err
	}
	return h, nil
}

// applySelect projects, renames, retypes and reorders columns. Kept entries
// come first in position order; with keepMissing the unmentioned columns
// follow in their input order.
func applySelect(h frame.Handle, entries []SelectEntry, keepMissing bool) frame.Handle {
	if len(entries) == 0 {
		return h
	}
	schema := h.Schema()
	if schema == nil {
		return h
	}
	ordered := make([]SelectEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})
	mentioned := make(map[string]struct{}, len(ordered))
	var cols []string
	renames := make(map[string]string)
	type cast struct {
		column string
		to     frame.DataType
	}
	var casts []cast
	for _, e := range ordered {
		mentioned[e.OldName] = struct{}{}
		if !e.Kept() {
			continue
		}
		cols = append(cols, e.OldName)
		if out := e.OutputName(); out != e.OldName {
			renames[e.OldName] = out
		}
		if t, err := frame.ParseDataType(e.DataType); err == nil && t != frame.TypeAuto && t != frame.TypeNull {
			casts = append(casts, cast{column: e.OutputName(), to: t})
		}
	}
	if keepMissing {
		for _, f := range schema {
			if _, ok := mentioned[f.Name]; !ok {
				cols = append(cols, f.Name)
			}
		}
	}
	out := h.Select(cols)
	if len(renames) > 0 {
		out = out.Rename(renames)
	}
	for _, c := range casts {
		out = out.Cast(c.column, c.to)
	}
	return out
}

func buildFilter(h frame.Handle, s *FilterSettings) (frame.Handle, error) {
	if s.EffectiveMode() == FilterModeAdvanced {
		return h.Filter(frame.Eval(s.Advanced)), nil
	}
	predicate, err := buildBasicPredicate(h.Schema(), s.Basic)
	if err != nil {
		return nil, err
	}
	return h.Filter(predicate), nil
}

// buildBasicPredicate translates a basic condition into an expression tree,
// coercing literal values to the column's logical type.
func buildBasicPredicate(schema frame.Schema, f *BasicFilter) (frame.Expr, error) {
	col := frame.Col(f.Column)
	target := frame.TypeString
	if schema != nil {
		if fld, ok := schema.Field(f.Column); ok {
			target = fld.Type
		}
	}
	switch f.Operator {
	case opIsNull:
		return col.IsNull(), nil
	case opIsNotNull:
		return col.IsNotNull(), nil
	case opBetween:
		lo, err := frame.CoerceValue(f.Value, target)
		if err != nil {
			return frame.Expr{}, fmt.Errorf("between value: %w", err)
		}
		hi, err := frame.CoerceValue(f.Value2, target)
		if err != nil {
			return frame.Expr{}, fmt.Errorf("between value2: %w", err)
		}
		return col.Between(frame.Lit(lo), frame.Lit(hi)), nil
	case opIn, opNotIn:
		vals := make([]any, len(f.Values))
		for i, raw := range f.Values {
			v, err := frame.CoerceValue(raw, target)
			if err != nil {
				return frame.Expr{}, fmt.Errorf("values[%d]: %w", i, err)
			}
			vals[i] = v
		}
		if f.Operator == opNotIn {
			return col.NotIn(vals...), nil
		}
		return col.In(vals...), nil
	default:
		op, err := frame.ParseCompareOp(f.Operator)
		if err != nil {
			return frame.Expr{}, err
		}
		switch op {
		case frame.CmpContains, frame.CmpNotContains, frame.CmpStartsWith, frame.CmpEndsWith:
			target = frame.TypeString
		}
		v, err := frame.CoerceValue(f.Value, target)
		if err != nil {
			return frame.Expr{}, fmt.Errorf("value: %w", err)
		}
		return col.Compare(op, frame.Lit(v)), nil
	}
}

func buildFormula(h frame.Handle, s *FormulaSettings) frame.Handle {
	expr := frame.Eval(s.Expression)
	if t, err := frame.ParseDataType(s.DataType); err == nil && t != frame.TypeAuto && t != frame.TypeNull {
		expr = expr.Cast(t)
	}
	return h.WithColumn(s.Column, expr)
}

// buildRecordCount counts rows through a hidden never-null counter column, so
// null-only frames still count correctly.
func buildRecordCount(h frame.Handle) frame.Handle {
	return h.WithRowIndex(rowCounterColumn, 1, nil).
		GroupBy(nil, []frame.Aggregation{{
			Column: rowCounterColumn,
			Kind:   frame.AggCount,
			As:     RecordCountColumn,
		}})
}

func buildUserCode(rc *RunContext, n *Node, s *PolarsCodeSettings,
	ins []frame.Handle) (frame.Handle, error) {
	runner := rc.providers.runner()
	if runner == nil {
		return nil, fmt.Errorf("no user code runner registered")
	}
	bindings := make(map[string]frame.Handle, len(ins))
	for i, h := range ins {
		bindings[usercode.InputName(i, len(ins))] = h
	}
	res, err := runner.Run(rc.ctx, usercode.Input{
		Code:    s.Code,
		Inputs:  bindings,
		Backend: rc.backend,
	})
	for _, line := range res.Logs {
		level := event.LevelInfo
		if line.Level == "error" {
			level = event.LevelError
		}
		rc.Log(n.ID, level, line.Message)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, frame.NewEvalError(frame.EvalCancelled, "user code interrupted", err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, frame.NewEvalError(frame.EvalTimeout, "user code interrupted", err)
		}
		return nil, frame.NewEvalError(frame.EvalUserCode, "user code failed", err)
	}
	if res.Handle == nil {
		return nil, frame.EvalErrorf(frame.EvalUserCode, "user code returned no output frame")
	}
	return res.Handle, nil
}
