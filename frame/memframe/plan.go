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
	"fmt"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

type opKind int

const (
	opTable opKind = iota
	opScan
	opSelect
	opRename
	opDrop
	opFilter
	opWithColumn
	opCast
	opSort
	opGroupBy
	opJoin
	opConcat
	opPivot
	opUnpivot
	opUnique
	opHead
	opSample
	opRowIndex
	opSplit
)

func (k opKind) String() string {
	names := [...]string{
		"table", "scan", "select", "rename", "drop", "filter", "with_column",
		"cast", "sort", "group_by", "join", "concat", "pivot", "unpivot",
		"unique", "head", "sample", "row_index", "split_to_rows",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// planOp is one operator of the lazy plan DAG. The populated payload fields
// depend on kind; schema always holds the operator's output schema.
type planOp struct {
	kind   opKind
	inputs []*planOp
	schema frame.Schema

	table *frame.Table       // opTable
	scan  *frame.ScanRequest // opScan

	columns  []string          // select, drop, group keys, unique subset, row index groups
	mapping  map[string]string // rename old -> new
	pred     frame.Expr        // filter
	expr     frame.Expr        // with_column
	name     string            // with_column, cast, row index, split source
	dtype    frame.DataType    // cast target
	sortKeys []frame.SortKey
	aggs     []frame.Aggregation
	joinKeys []frame.JoinKey
	joinType frame.JoinType
	joinOpts frame.JoinOptions
	rightMap map[string]string // join: right column -> output column
	pivot    *frame.PivotSpec
	unpivot  *frame.UnpivotSpec
	strategy frame.UniqueStrategy
	n        int
	seed     int64
	offset   int64
	delim    string
	output   string
}

// deriveSelect keeps columns in the requested order.
func deriveSelect(in frame.Schema, columns []string) (frame.Schema, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("no columns selected")
	}
	out := make(frame.Schema, 0, len(columns))
	seen := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		f, ok := in.Field(c)
		if !ok {
			return nil, fmt.Errorf("column %q not found", c)
		}
		if _, dup := seen[c]; dup {
			return nil, fmt.Errorf("column %q selected twice", c)
		}
		seen[c] = struct{}{}
		out = append(out, f)
	}
	return out, nil
}

func deriveRename(in frame.Schema, mapping map[string]string) (frame.Schema, error) {
	out := in.Clone()
	for old, new := range mapping {
		i := out.Index(old)
		if i < 0 {
			return nil, fmt.Errorf("column %q not found", old)
		}
		if new == "" {
			return nil, fmt.Errorf("column %q renamed to empty name", old)
		}
		out[i].Name = new
	}
	if err := validateSchema(out); err != nil {
		return nil, fmt.Errorf("rename produces %v", err)
	}
	return out, nil
}

func deriveDrop(in frame.Schema, columns []string) (frame.Schema, error) {
	dropped := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		if !in.Has(c) {
			return nil, fmt.Errorf("column %q not found", c)
		}
		dropped[c] = struct{}{}
	}
	out := make(frame.Schema, 0, len(in))
	for _, f := range in {
		if _, drop := dropped[f.Name]; !drop {
			out = append(out, f)
		}
	}
	return out, nil
}

func deriveWithColumn(in frame.Schema, name string, t frame.DataType) (frame.Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("empty output column name")
	}
	out := in.Clone()
	if i := out.Index(name); i >= 0 {
		out[i].Type = t
		return out, nil
	}
	return append(out, frame.Field{Name: name, Type: t}), nil
}

func deriveCast(in frame.Schema, column string, to frame.DataType) (frame.Schema, error) {
	i := in.Index(column)
	if i < 0 {
		return nil, fmt.Errorf("column %q not found", column)
	}
	if to == frame.TypeAuto || to == frame.TypeNull {
		return nil, fmt.Errorf("cannot cast to %q", to)
	}
	out := in.Clone()
	out[i].Type = to
	return out, nil
}

func deriveSort(in frame.Schema, keys []frame.SortKey) error {
	if len(keys) == 0 {
		return fmt.Errorf("sort requires at least one key")
	}
	for _, k := range keys {
		if !in.Has(k.Column) {
			return fmt.Errorf("column %q not found", k.Column)
		}
	}
	return nil
}

// aggResultType returns the output type of an aggregation over an input type.
func aggResultType(kind frame.AggKind, in frame.DataType) (frame.DataType, error) {
	switch kind {
	case frame.AggSum:
		if !in.Numeric() && in != frame.TypeNull {
			return "", fmt.Errorf("sum requires a numeric column, got %s", in)
		}
		if in == frame.TypeNull {
			return frame.TypeInt64, nil
		}
		return in, nil
	case frame.AggMean, frame.AggMedian:
		if !in.Numeric() && in != frame.TypeNull {
			return "", fmt.Errorf("%s requires a numeric column, got %s", kind, in)
		}
		return frame.TypeFloat64, nil
	case frame.AggCount, frame.AggNUnique:
		return frame.TypeInt64, nil
	case frame.AggMin, frame.AggMax, frame.AggFirst, frame.AggLast:
		return in, nil
	case frame.AggConcat:
		return frame.TypeString, nil
	}
	return "", fmt.Errorf("unknown aggregation %q", kind)
}

func deriveGroupBy(in frame.Schema, keys []string, aggs []frame.Aggregation) (frame.Schema, error) {
	out := make(frame.Schema, 0, len(keys)+len(aggs))
	seen := make(map[string]struct{}, len(keys)+len(aggs))
	for _, k := range keys {
		f, ok := in.Field(k)
		if !ok {
			return nil, fmt.Errorf("group key %q not found", k)
		}
		if _, dup := seen[k]; dup {
			return nil, fmt.Errorf("group key %q listed twice", k)
		}
		seen[k] = struct{}{}
		out = append(out, f)
	}
	if len(aggs) == 0 {
		return nil, fmt.Errorf("group_by requires at least one aggregation")
	}
	for _, a := range aggs {
		f, ok := in.Field(a.Column)
		if !ok {
			return nil, fmt.Errorf("aggregation column %q not found", a.Column)
		}
		rt, err := aggResultType(a.Kind, f.Type)
		if err != nil {
			return nil, err
		}
		name := a.OutputName()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate output column %q", name)
		}
		seen[name] = struct{}{}
		out = append(out, frame.Field{Name: name, Type: rt})
	}
	return out, nil
}

func joinable(a, b frame.DataType) bool {
	if a == b {
		return true
	}
	return a.Numeric() && b.Numeric()
}

// deriveJoin validates a join and returns the output schema together with the
// mapping from right-side column names to their (possibly suffixed) output
// names. Right key columns are dropped except on full joins.
func deriveJoin(left, right frame.Schema, keys []frame.JoinKey, how frame.JoinType,
	opts frame.JoinOptions) (frame.Schema, map[string]string, error) {
	if _, err := frame.ParseJoinType(string(how)); err != nil {
		return nil, nil, err
	}
	if how == frame.JoinCross {
		if len(keys) != 0 {
			return nil, nil, fmt.Errorf("cross join takes no keys")
		}
	} else if len(keys) == 0 {
		return nil, nil, fmt.Errorf("%s join requires at least one key", how)
	}
	rightKeys := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		lf, ok := left.Field(k.Left)
		if !ok {
			return nil, nil, fmt.Errorf("left key %q not found", k.Left)
		}
		rf, ok := right.Field(k.Right)
		if !ok {
			return nil, nil, fmt.Errorf("right key %q not found", k.Right)
		}
		if !joinable(lf.Type, rf.Type) {
			return nil, nil, fmt.Errorf("key types %s and %s are not comparable (%q, %q)",
				lf.Type, rf.Type, k.Left, k.Right)
		}
		rightKeys[k.Right] = struct{}{}
	}
	if how == frame.JoinSemi || how == frame.JoinAnti {
		return left.Clone(), nil, nil
	}
	suffix := opts.Suffix
	if suffix == "" {
		suffix = "_right"
	}
	out := left.Clone()
	rightMap := make(map[string]string, len(right))
	for _, f := range right {
		if _, isKey := rightKeys[f.Name]; isKey && how != frame.JoinFull {
			continue
		}
		name := f.Name
		if out.Has(name) {
			name += suffix
			if out.Has(name) {
				return nil, nil, fmt.Errorf("column %q still collides after suffix %q", f.Name, suffix)
			}
		}
		rightMap[f.Name] = name
		out = append(out, frame.Field{Name: name, Type: f.Type})
	}
	return out, rightMap, nil
}

// deriveConcat unifies schemas by column name, ordered by first appearance.
func deriveConcat(schemas []frame.Schema) frame.Schema {
	var out frame.Schema
	index := make(map[string]int)
	for _, s := range schemas {
		for _, f := range s {
			if i, ok := index[f.Name]; ok {
				out[i].Type = frame.UnifyTypes(out[i].Type, f.Type)
				continue
			}
			index[f.Name] = len(out)
			out = append(out, f)
		}
	}
	return out
}

// derivePivot validates a pivot. The static output schema carries the index
// columns only; the generated wide columns are data-dependent and appear on
// the materialized table.
func derivePivot(in frame.Schema, spec frame.PivotSpec) (frame.Schema, error) {
	out := make(frame.Schema, 0, len(spec.Index))
	seen := make(map[string]struct{}, len(spec.Index))
	for _, c := range spec.Index {
		f, ok := in.Field(c)
		if !ok {
			return nil, fmt.Errorf("index column %q not found", c)
		}
		if _, dup := seen[c]; dup {
			return nil, fmt.Errorf("index column %q listed twice", c)
		}
		seen[c] = struct{}{}
		out = append(out, f)
	}
	if spec.Column == "" {
		return nil, fmt.Errorf("missing pivot column")
	}
	if _, dup := seen[spec.Column]; dup {
		return nil, fmt.Errorf("pivot column %q is also an index column", spec.Column)
	}
	if !in.Has(spec.Column) {
		return nil, fmt.Errorf("pivot column %q not found", spec.Column)
	}
	vf, ok := in.Field(spec.Values)
	if !ok {
		return nil, fmt.Errorf("value column %q not found", spec.Values)
	}
	if _, dup := seen[spec.Values]; dup {
		return nil, fmt.Errorf("value column %q is also an index column", spec.Values)
	}
	if len(spec.Aggs) == 0 {
		return nil, fmt.Errorf("pivot requires at least one aggregation")
	}
	for _, a := range spec.Aggs {
		if _, err := aggResultType(a, vf.Type); err != nil {
			return nil, err
		}
	}
	return out, nil
}

const (
	unpivotVariableColumn = "variable"
	unpivotValueColumn    = "value"
)

func selectorMatches(sel frame.ColumnSelector, t frame.DataType) bool {
	switch sel {
	case frame.SelectAll, "":
		return true
	case frame.SelectNumeric:
		return t.Numeric()
	case frame.SelectString:
		return t == frame.TypeString
	case frame.SelectDate:
		return t.Temporal()
	}
	return false
}

// resolveUnpivotValues expands the value column list against a schema. With an
// explicit list every column must exist; with a selector the non-index columns
// matching the selector are taken in schema order.
func resolveUnpivotValues(in frame.Schema, spec frame.UnpivotSpec) ([]string, error) {
	indexed := make(map[string]struct{}, len(spec.Index))
	for _, c := range spec.Index {
		if !in.Has(c) {
			return nil, fmt.Errorf("index column %q not found", c)
		}
		indexed[c] = struct{}{}
	}
	if len(spec.Values) > 0 {
		for _, c := range spec.Values {
			if !in.Has(c) {
				return nil, fmt.Errorf("value column %q not found", c)
			}
			if _, dup := indexed[c]; dup {
				return nil, fmt.Errorf("column %q is both index and value", c)
			}
		}
		return spec.Values, nil
	}
	var out []string
	for _, f := range in {
		if _, isIndex := indexed[f.Name]; isIndex {
			continue
		}
		if selectorMatches(spec.Selector, f.Type) {
			out = append(out, f.Name)
		}
	}
	return out, nil
}

func deriveUnpivot(in frame.Schema, spec frame.UnpivotSpec) (frame.Schema, error) {
	values, err := resolveUnpivotValues(in, spec)
	if err != nil {
		return nil, err
	}
	out := make(frame.Schema, 0, len(spec.Index)+2)
	for _, c := range spec.Index {
		f, _ := in.Field(c)
		if f.Name == unpivotVariableColumn || f.Name == unpivotValueColumn {
			return nil, fmt.Errorf("index column %q collides with an unpivot output column", f.Name)
		}
		out = append(out, f)
	}
	valueType := frame.TypeString
	if len(values) > 0 {
		f, _ := in.Field(values[0])
		valueType = f.Type
		for _, c := range values[1:] {
			cf, _ := in.Field(c)
			valueType = frame.UnifyTypes(valueType, cf.Type)
		}
	}
	out = append(out,
		frame.Field{Name: unpivotVariableColumn, Type: frame.TypeString},
		frame.Field{Name: unpivotValueColumn, Type: valueType})
	return out, nil
}

func deriveUnique(in frame.Schema, subset []string, strategy frame.UniqueStrategy) error {
	if _, err := frame.ParseUniqueStrategy(string(strategy)); err != nil {
		return err
	}
	for _, c := range subset {
		if !in.Has(c) {
			return fmt.Errorf("column %q not found", c)
		}
	}
	return nil
}

func deriveRowIndex(in frame.Schema, name string, groupBy []string) (frame.Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("empty index column name")
	}
	if in.Has(name) {
		return nil, fmt.Errorf("column %q already exists", name)
	}
	for _, c := range groupBy {
		if !in.Has(c) {
			return nil, fmt.Errorf("group column %q not found", c)
		}
	}
	return append(in.Clone(), frame.Field{Name: name, Type: frame.TypeInt64}), nil
}

func deriveSplit(in frame.Schema, column, delimiter, output string) (frame.Schema, string, error) {
	f, ok := in.Field(column)
	if !ok {
		return nil, "", fmt.Errorf("column %q not found", column)
	}
	if f.Type != frame.TypeString {
		return nil, "", fmt.Errorf("column %q is %s, split requires string", column, f.Type)
	}
	if delimiter == "" {
		return nil, "", fmt.Errorf("empty delimiter")
	}
	if output == "" {
		output = column
	}
	out := in.Clone()
	if i := out.Index(output); i >= 0 {
		out[i].Type = frame.TypeString
	} else {
		out = append(out, frame.Field{Name: output, Type: frame.TypeString})
	}
	return out, output, nil
}
