//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package codegen turns a flow graph into a standalone Go program that
// rebuilds the same lazy plan against the frame API, materializes every
// terminal node and prints its row count. For a fixed graph the emission is
// byte-stable, so generated programs can be diffed and committed.
//
// Known limitations of the code generator:
//
//  1. Provider-backed kinds (cloud_read, database_read, cloud_write,
//     database_write) and polars_code need collaborators from the engine's
//     provider registry and are rejected with ErrUnsupportedKind. The
//     generated program must run with nothing but the frame packages.
//
//  2. Basic filter literals are emitted with their JSON types: integral
//     numbers become int literals, everything else keeps its decoded type.
//     Numeric comparisons coerce across int64/float64 at evaluation time,
//     but comparing against date columns needs the advanced expression mode.
package codegen

import (
	"bytes"
	"errors"
	"fmt"
	"go/format"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"trpc.group/trpc-go/trpc-flowfile-go/flow"
	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// ErrUnsupportedKind reports a node kind that cannot run outside the engine
// because it needs a registered provider or user-code runner.
var ErrUnsupportedKind = errors.New("kind is not supported by code generation")

// Options controls how the program is generated.
type Options struct {
	// PackageName is the package clause of the generated file (defaults to
	// "main").
	PackageName string
}

// Option is a functional option for Generate.
type Option func(*Options)

// WithPackageName sets the package name of the generated program.
func WithPackageName(name string) Option {
	return func(o *Options) {
		o.PackageName = name
	}
}

// Generate renders the graph as a single Go source file. Every node becomes
// one binding named <kindCamel><id> in topological order; terminal nodes are
// collected and their row counts printed. The graph must be fully configured
// and must not contain provider-backed kinds.
func Generate(g *flow.Graph, opts ...Option) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("graph is nil")
	}
	o := &Options{PackageName: "main"}
	for _, opt := range opts {
		opt(o)
	}

	data, err := buildProgram(g)
	if err != nil {
		return nil, err
	}
	data.PackageName = o.PackageName

	src, err := renderTemplate(programTemplate, data)
	if err != nil {
		return nil, fmt.Errorf("render program: %w", err)
	}
	return src, nil
}

// providerBacked are the kinds Generate refuses: their compute reaches
// through the provider registry, which the emitted program does not carry.
var providerBacked = map[flow.Kind]bool{
	flow.KindCloudRead:     true,
	flow.KindDatabaseRead:  true,
	flow.KindCloudWrite:    true,
	flow.KindDatabaseWrite: true,
	flow.KindPolarsCode:    true,
}

type builder struct {
	needsRecords bool
	needsEdits   bool
}

func buildProgram(g *flow.Graph) (*programData, error) {
	views := make(map[int64]flow.NodeView)
	for _, n := range g.Nodes() {
		views[n.ID] = n
	}

	inputs := make(map[int64]map[string][]string)
	outdeg := make(map[int64]int)
	for _, e := range g.Edges() {
		src := views[e.Source]
		m := inputs[e.Target]
		if m == nil {
			m = make(map[string][]string)
			inputs[e.Target] = m
		}
		m[e.Label] = append(m[e.Label], kindVar(src.Kind, src.ID))
		outdeg[e.Source]++
	}

	b := &builder{}
	var stmts []string
	var prints []string
	for _, id := range g.TopologicalOrder() {
		n := views[id]
		if providerBacked[n.Kind] {
			return nil, fmt.Errorf("node %d (%s): %w", n.ID, n.Kind, ErrUnsupportedKind)
		}
		if n.State == flow.StateUnconfigured {
			return nil, fmt.Errorf("node %d (%s) is not configured", n.ID, n.Kind)
		}
		spec, err := flow.LookupKind(n.Kind)
		if err != nil {
			return nil, err
		}
		for _, label := range spec.Labels() {
			ar := spec.Inputs[label]
			c := len(inputs[id][label])
			if c < ar.Min || (ar.Max != flow.Unbounded && c > ar.Max) {
				return nil, &flow.ArityError{
					NodeID: id, Kind: n.Kind, Label: label,
					Count: c, Min: ar.Min, Max: ar.Max,
				}
			}
		}
		stmt, err := b.renderNode(n, inputs[id])
		if err != nil {
			return nil, fmt.Errorf("node %d (%s): %w", n.ID, n.Kind, err)
		}
		stmts = append(stmts, stmt)
		if outdeg[id] == 0 {
			prints = append(prints, kindVar(n.Kind, id))
		}
	}
	for _, v := range prints {
		stmts = append(stmts, fmt.Sprintf(
			"if err := printCount(ctx, %q, %s); err != nil {\nreturn err\n}", v, v))
	}

	return &programData{
		FlowName:     g.Name(),
		HasNodes:     len(views) > 0,
		Body:         strings.Join(stmts, "\n\n"),
		NeedsRecords: b.needsRecords,
		NeedsEdits:   b.needsEdits,
	}, nil
}

// renderNode emits the binding statement(s) for one node. Inputs arrive as
// variable names grouped by edge label, in connection order.
func (b *builder) renderNode(n flow.NodeView, inputs map[string][]string) (string, error) {
	v := kindVar(n.Kind, n.ID)
	main := inputs[flow.LabelMain]
	var one string
	if len(main) > 0 {
		one = main[0]
	}

	switch s := n.Settings.(type) {
	case *flow.ManualInputSettings:
		b.needsRecords = true
		rows := string(s.Rows)
		if rows == "" {
			rows = "[]"
		}
		return fmt.Sprintf("%s, err := loadRecords(backend, %s, %s)\nif err != nil {\nreturn err\n}",
			v, goString(rows), fieldsLiteral(s.Columns)), nil

	case *flow.ReadSettings:
		return fmt.Sprintf("%s, err := backend.Scan(ctx, %s)\nif err != nil {\nreturn err\n}",
			v, scanRequestLiteral(s)), nil

	case *flow.SelectSettings:
		if len(s.Columns) == 0 {
			return fmt.Sprintf("%s := %s", v, one), nil
		}
		b.needsEdits = true
		return fmt.Sprintf("%s := editColumns(%s, %s, %v)",
			v, one, editsLiteral(s.Columns), s.KeepMissing), nil

	case *flow.FilterSettings:
		if s.EffectiveMode() == flow.FilterModeAdvanced {
			return fmt.Sprintf("%s := %s.Filter(frame.Eval(%s))", v, one, goString(s.Advanced)), nil
		}
		pred, err := predicateExpr(s.Basic)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s := %s.Filter(%s)", v, one, pred), nil

	case *flow.FormulaSettings:
		expr := fmt.Sprintf("frame.Eval(%s)", goString(s.Expression))
		if t, err := frame.ParseDataType(s.DataType); err == nil &&
			t != frame.TypeAuto && t != frame.TypeNull {
			expr += ".Cast(" + typeConst(t) + ")"
		}
		return fmt.Sprintf("%s := %s.WithColumn(%q, %s)", v, one, s.Column, expr), nil

	case *flow.SortSettings:
		keys := make([]string, len(s.Keys))
		for i, k := range s.Keys {
			if k.Order == "desc" {
				keys[i] = fmt.Sprintf("{Column: %q, Descending: true}", k.Column)
			} else {
				keys[i] = fmt.Sprintf("{Column: %q}", k.Column)
			}
		}
		return fmt.Sprintf("%s := %s.Sort([]frame.SortKey{%s})",
			v, one, strings.Join(keys, ", ")), nil

	case *flow.UniqueSettings:
		strategy, err := frame.ParseUniqueStrategy(s.Strategy)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s := %s.Unique(%s, %s)",
			v, one, stringsLiteral(s.Subset), uniqueConst(strategy)), nil

	case *flow.HeadSettings:
		return fmt.Sprintf("%s := %s.Head(%d)", v, one, s.N), nil

	case *flow.SampleSettings:
		var seed int64
		if s.Seed != nil {
			seed = *s.Seed
		}
		return fmt.Sprintf("%s := %s.Sample(%d, %d)", v, one, s.N, seed), nil

	case *flow.RecordIDSettings:
		name := s.OutputName
		if name == "" {
			name = "record_id"
		}
		offset := s.Offset
		if offset == 0 {
			offset = 1
		}
		return fmt.Sprintf("%s := %s.WithRowIndex(%q, %d, %s)",
			v, one, name, offset, stringsLiteral(s.GroupBy)), nil

	case *flow.RecordCountSettings:
		return fmt.Sprintf(
			"%s := %s.WithRowIndex(\"__row_nr\", 1, nil).GroupBy(nil, []frame.Aggregation{{Column: \"__row_nr\", Kind: frame.AggCount, As: %q}})",
			v, one, flow.RecordCountColumn), nil

	case *flow.TextToRowsSettings:
		delim := s.Delimiter
		if delim == "" {
			delim = ","
		}
		return fmt.Sprintf("%s := %s.SplitToRows(%q, %q, %q)",
			v, one, s.Column, delim, s.OutputName), nil

	case *flow.GroupBySettings:
		var keys []string
		var aggs []string
		for _, e := range s.Columns {
			if e.Agg == flow.AggGroupBy {
				keys = append(keys, e.Column)
				continue
			}
			aggs = append(aggs, fmt.Sprintf("{Column: %q, Kind: %s, As: %q}",
				e.Column, aggConst(frame.AggKind(e.Agg)), e.OutputName()))
		}
		return fmt.Sprintf("%s := %s.GroupBy(%s, []frame.Aggregation{%s})",
			v, one, stringsLiteral(keys), strings.Join(aggs, ", ")), nil

	case *flow.PivotSettings:
		aggs := s.Aggregations
		if len(aggs) == 0 {
			aggs = []string{string(frame.AggFirst)}
		}
		consts := make([]string, len(aggs))
		for i, a := range aggs {
			consts[i] = aggConst(frame.AggKind(a))
		}
		return fmt.Sprintf("%s := %s.Pivot(frame.PivotSpec{Index: %s, Column: %q, Values: %q, Aggs: []frame.AggKind{%s}})",
			v, one, stringsLiteral(s.Index), s.Column, s.Values, strings.Join(consts, ", ")), nil

	case *flow.UnpivotSettings:
		fields := []string{}
		if len(s.Index) > 0 {
			fields = append(fields, "Index: "+stringsLiteral(s.Index))
		}
		if len(s.ValueColumns) > 0 {
			fields = append(fields, "Values: "+stringsLiteral(s.ValueColumns))
		}
		selector := frame.ColumnSelector(s.Selector)
		if len(s.ValueColumns) == 0 && selector == "" {
			selector = frame.SelectAll
		}
		if selector != "" {
			fields = append(fields, "Selector: "+selectorConst(selector))
		}
		return fmt.Sprintf("%s := %s.Unpivot(frame.UnpivotSpec{%s})",
			v, one, strings.Join(fields, ", ")), nil

	case *flow.JoinSettings:
		how, err := frame.ParseJoinType(s.How)
		if err != nil {
			return "", err
		}
		keys := make([]string, len(s.Keys))
		for i, k := range s.Keys {
			keys[i] = fmt.Sprintf("{Left: %q, Right: %q}", k.Left, k.Right)
		}
		opts := "frame.JoinOptions{}"
		if s.VerifyIntegrity {
			opts = "frame.JoinOptions{VerifyIntegrity: true}"
		}
		return fmt.Sprintf("%s := %s.Join(%s, []frame.JoinKey{%s}, %s, %s)",
			v,
			b.maybeEdits(inputs[flow.LabelLeft][0], s.LeftSelect),
			b.maybeEdits(inputs[flow.LabelRight][0], s.RightSelect),
			strings.Join(keys, ", "), joinConst(how), opts), nil

	case *flow.CrossJoinSettings:
		return fmt.Sprintf("%s := %s.Join(%s, nil, frame.JoinCross, frame.JoinOptions{})",
			v,
			b.maybeEdits(inputs[flow.LabelLeft][0], s.LeftSelect),
			b.maybeEdits(inputs[flow.LabelRight][0], s.RightSelect)), nil

	case *flow.ConcatSettings:
		rest := "nil"
		if len(main) > 1 {
			rest = "[]frame.Handle{" + strings.Join(main[1:], ", ") + "}"
		}
		return fmt.Sprintf("%s := %s.Concat(%s)", v, main[0], rest), nil

	case *flow.ExploreDataSettings:
		return fmt.Sprintf("%s := %s", v, one), nil

	case *flow.WriteSettings:
		return fmt.Sprintf("if err := %s.Sink(ctx, %s); err != nil {\nreturn err\n}\n%s := %s",
			one, sinkRequestLiteral(s), v, one), nil

	default:
		return "", fmt.Errorf("no emission for kind %q", n.Kind)
	}
}

func (b *builder) maybeEdits(in string, entries []flow.SelectEntry) string {
	if len(entries) == 0 {
		return in
	}
	b.needsEdits = true
	return fmt.Sprintf("editColumns(%s, %s, true)", in, editsLiteral(entries))
}

// predicateExpr renders a basic filter condition as a frame expression.
func predicateExpr(f *flow.BasicFilter) (string, error) {
	col := fmt.Sprintf("frame.Col(%q)", f.Column)
	switch f.Operator {
	case "is_null":
		return col + ".IsNull()", nil
	case "is_not_null":
		return col + ".IsNotNull()", nil
	case "between":
		return fmt.Sprintf("%s.Between(frame.Lit(%s), frame.Lit(%s))",
			col, goValue(f.Value), goValue(f.Value2)), nil
	case "in", "not_in":
		vals := make([]string, len(f.Values))
		for i, raw := range f.Values {
			vals[i] = goValue(raw)
		}
		method := "In"
		if f.Operator == "not_in" {
			method = "NotIn"
		}
		return fmt.Sprintf("%s.%s(%s)", col, method, strings.Join(vals, ", ")), nil
	default:
		op, err := frame.ParseCompareOp(f.Operator)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s.%s(frame.Lit(%s))", col, cmpMethod(op), goValue(f.Value)), nil
	}
}

func scanRequestLiteral(s *flow.ReadSettings) string {
	name := s.Format
	if name == "" {
		name = strings.TrimPrefix(filepath.Ext(s.Path), ".")
	}
	f, _ := frame.ParseFileFormat(name)
	fields := []string{fmt.Sprintf("Path: %q", s.Path), "Format: " + formatConst(f)}
	hasHeader := s.HasHeader == nil || *s.HasHeader
	if csv := csvOptionsLiteral(s.Delimiter, hasHeader, s.SkipRows, s.Encoding, s.InferLen); csv != "" {
		fields = append(fields, "CSV: "+csv)
	}
	return "frame.ScanRequest{" + strings.Join(fields, ", ") + "}"
}

func sinkRequestLiteral(s *flow.WriteSettings) string {
	name := s.Format
	if name == "" {
		name = strings.TrimPrefix(filepath.Ext(s.Path), ".")
	}
	f, _ := frame.ParseFileFormat(name)
	mode := "frame.WriteReplace"
	if s.WriteMode == "append" {
		mode = "frame.WriteAppend"
	}
	hasHeader := s.HasHeader == nil || *s.HasHeader
	fields := []string{
		fmt.Sprintf("Path: %q", s.Path),
		"Format: " + formatConst(f),
		"Mode: " + mode,
	}
	if csv := csvOptionsLiteral(s.Delimiter, hasHeader, 0, "", 0); csv != "" {
		fields = append(fields, "CSV: "+csv)
	}
	return "frame.SinkRequest{" + strings.Join(fields, ", ") + "}"
}

func csvOptionsLiteral(delimiter string, hasHeader bool, skipRows int, encoding string, inferLen int) string {
	var fields []string
	if delimiter != "" {
		fields = append(fields, "Delimiter: "+strconv.QuoteRune([]rune(delimiter)[0]))
	}
	if hasHeader {
		fields = append(fields, "HasHeader: true")
	}
	if skipRows != 0 {
		fields = append(fields, fmt.Sprintf("SkipRows: %d", skipRows))
	}
	if encoding != "" {
		fields = append(fields, fmt.Sprintf("Encoding: %q", encoding))
	}
	if inferLen != 0 {
		fields = append(fields, fmt.Sprintf("InferLen: %d", inferLen))
	}
	if len(fields) == 0 {
		return ""
	}
	return "frame.CSVOptions{" + strings.Join(fields, ", ") + "}"
}

// editsLiteral renders select entries ordered by position, ready for the
// emitted editColumns helper.
func editsLiteral(entries []flow.SelectEntry) string {
	ordered := make([]flow.SelectEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})
	parts := make([]string, len(ordered))
	for i, e := range ordered {
		fields := []string{fmt.Sprintf("old: %q", e.OldName)}
		if e.NewName != "" {
			fields = append(fields, fmt.Sprintf("name: %q", e.NewName))
		}
		if t, err := frame.ParseDataType(e.DataType); err == nil &&
			t != frame.TypeAuto && t != frame.TypeNull {
			fields = append(fields, "typ: "+typeConst(t))
		}
		if !e.Kept() {
			fields = append(fields, "drop: true")
		}
		parts[i] = "{" + strings.Join(fields, ", ") + "}"
	}
	return "[]columnEdit{\n" + strings.Join(parts, ",\n") + ",\n}"
}

func fieldsLiteral(cols []flow.ColumnDef) string {
	if len(cols) == 0 {
		return "nil"
	}
	parts := make([]string, len(cols))
	for i, c := range cols {
		t, _ := frame.ParseDataType(c.DataType)
		parts[i] = fmt.Sprintf("{Name: %q, Type: %s}", c.Name, typeConst(t))
	}
	return "[]frame.Field{" + strings.Join(parts, ", ") + "}"
}

func stringsLiteral(ss []string) string {
	if len(ss) == 0 {
		return "nil"
	}
	parts := make([]string, len(ss))
	for i, s := range ss {
		parts[i] = strconv.Quote(s)
	}
	return "[]string{" + strings.Join(parts, ", ") + "}"
}

// goValue renders a decoded JSON value as a Go literal. Integral floats fall
// back to int literals so generated predicates read naturally.
func goValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "nil"
	case bool:
		if x {
			return "true"
		}
		return "false"
	case string:
		return strconv.Quote(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(x, 10)
	case int:
		return strconv.Itoa(x)
	default:
		return fmt.Sprintf("%#v", v)
	}
}

// goString quotes a string as a Go literal, preferring raw literals when the
// text carries no backtick.
func goString(s string) string {
	if strings.Contains(s, "`") {
		return strconv.Quote(s)
	}
	return "`" + s + "`"
}

func cmpMethod(op frame.CompareOp) string {
	switch op {
	case frame.CmpEquals:
		return "Eq"
	case frame.CmpNotEquals:
		return "Ne"
	case frame.CmpGreaterThan:
		return "Gt"
	case frame.CmpGreaterThanOrEquals:
		return "Ge"
	case frame.CmpLessThan:
		return "Lt"
	case frame.CmpLessThanOrEquals:
		return "Le"
	case frame.CmpContains:
		return "Contains"
	case frame.CmpNotContains:
		return "NotContains"
	case frame.CmpStartsWith:
		return "StartsWith"
	default:
		return "EndsWith"
	}
}

func typeConst(t frame.DataType) string { return "frame.Type" + upperCamel(string(t)) }

func aggConst(k frame.AggKind) string { return "frame.Agg" + upperCamel(string(k)) }

func joinConst(t frame.JoinType) string { return "frame.Join" + upperCamel(string(t)) }

func uniqueConst(u frame.UniqueStrategy) string { return "frame.Unique" + upperCamel(string(u)) }

func selectorConst(c frame.ColumnSelector) string { return "frame.Select" + upperCamel(string(c)) }

func formatConst(f frame.FileFormat) string {
	switch f {
	case frame.FormatJSON:
		return "frame.FormatJSON"
	case frame.FormatNDJSON:
		return "frame.FormatNDJSON"
	default:
		return "frame.FormatCSV"
	}
}

// kindVar derives the binding name for a node: the kind in lower camel case
// with the node id appended, e.g. manualInput1.
func kindVar(k flow.Kind, id int64) string {
	c := upperCamel(string(k))
	return strings.ToLower(c[:1]) + c[1:] + strconv.FormatInt(id, 10)
}

func upperCamel(s string) string {
	seps := func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	}
	parts := strings.FieldsFunc(s, seps)
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	out := strings.Join(parts, "")
	if out == "" {
		return "Node"
	}
	return out
}

func renderTemplate(tmpl string, data *programData) ([]byte, error) {
	t, err := template.New("program").Parse(tmpl)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, err
	}
	src, err := format.Source(buf.Bytes())
	if err != nil {
		// Return the unformatted code so the caller can see what went wrong.
		return buf.Bytes(), nil
	}
	return src, nil
}
