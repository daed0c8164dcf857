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
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// Settings is the typed configuration payload of a node. Each kind owns one
// concrete type; Validate reports the first problem without mutating state.
type Settings interface {
	Validate() error
}

// UnmarshalSettings decodes a raw payload into the kind's settings type.
// Unknown keys are rejected, then the payload is validated.
func UnmarshalSettings(kind Kind, raw []byte) (Settings, error) {
	spec, err := LookupKind(kind)
	if err != nil {
		return nil, &SettingsValidationError{Kind: kind, Reason: err.Error()}
	}
	s := spec.NewSettings()
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(s); err != nil {
		return nil, &SettingsValidationError{Kind: kind, Reason: err.Error()}
	}
	if err := s.Validate(); err != nil {
		return nil, &SettingsValidationError{Kind: kind, Reason: err.Error()}
	}
	return s, nil
}

// MarshalSettings renders the canonical encoding used for fingerprints and
// documents. Raw sub-payloads are compacted, so the bytes are stable across
// load/save round-trips.
func MarshalSettings(s Settings) ([]byte, error) {
	if s == nil {
		return []byte(`{}`), nil
	}
	return json.Marshal(s)
}

// ColumnDef declares one manual-input column.
type ColumnDef struct {
	Name     string `json:"name"`
	DataType string `json:"data_type,omitempty"`
}

// ManualInputSettings holds inline rows, the canonical test source. Rows is a
// JSON array of objects; the first row's key order fixes the column order
// unless Columns pins it explicitly.
type ManualInputSettings struct {
	Columns []ColumnDef     `json:"columns,omitempty"`
	Rows    json.RawMessage `json:"rows,omitempty"`
}

// Validate implements Settings.
func (s *ManualInputSettings) Validate() error {
	for i, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("columns[%d]: name is required", i)
		}
		if _, err := frame.ParseDataType(c.DataType); err != nil {
			return fmt.Errorf("columns[%d]: %w", i, err)
		}
	}
	if len(s.Rows) == 0 {
		return nil
	}
	if !json.Valid(s.Rows) {
		return fmt.Errorf("rows is not valid JSON")
	}
	trimmed := bytes.TrimSpace(s.Rows)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return fmt.Errorf("rows must be a JSON array of objects")
	}
	return nil
}

// ReadSettings configures a local file source. Path may be a glob pattern;
// all matches are scanned and concatenated.
type ReadSettings struct {
	Path      string `json:"path"`
	Format    string `json:"format,omitempty"` // inferred from the extension when empty
	Delimiter string `json:"delimiter,omitempty"`
	HasHeader *bool  `json:"has_header,omitempty"`
	Encoding  string `json:"encoding,omitempty"`
	SkipRows  int    `json:"skip_rows,omitempty"`
	InferLen  int    `json:"infer_schema_length,omitempty"`
}

// Validate implements Settings.
func (s *ReadSettings) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path is required")
	}
	if _, err := s.fileFormat(); err != nil {
		return err
	}
	if len([]rune(s.Delimiter)) > 1 {
		return fmt.Errorf("delimiter must be a single character")
	}
	if s.SkipRows < 0 {
		return fmt.Errorf("skip_rows must be >= 0")
	}
	if s.InferLen < 0 {
		return fmt.Errorf("infer_schema_length must be >= 0")
	}
	return nil
}

func (s *ReadSettings) fileFormat() (frame.FileFormat, error) {
	name := s.Format
	if name == "" {
		name = strings.TrimPrefix(filepath.Ext(s.Path), ".")
	}
	f, err := frame.ParseFileFormat(name)
	if err != nil {
		return "", fmt.Errorf("cannot determine file format for %q: %w", s.Path, err)
	}
	return f, nil
}

func (s *ReadSettings) scanRequest() frame.ScanRequest {
	format, _ := s.fileFormat()
	req := frame.ScanRequest{Path: s.Path, Format: format}
	if s.Delimiter != "" {
		req.CSV.Delimiter = []rune(s.Delimiter)[0]
	}
	req.CSV.HasHeader = s.HasHeader == nil || *s.HasHeader
	req.CSV.SkipRows = s.SkipRows
	req.CSV.Encoding = s.Encoding
	req.CSV.InferLen = s.InferLen
	return req
}

// CloudReadSettings configures an object-storage source resolved through a
// registered provider. The core never inspects the connection.
type CloudReadSettings struct {
	Connection string         `json:"connection"`
	Location   string         `json:"location"`
	Format     string         `json:"format,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// Validate implements Settings.
func (s *CloudReadSettings) Validate() error {
	if s.Connection == "" {
		return fmt.Errorf("connection is required")
	}
	if s.Location == "" {
		return fmt.Errorf("location is required")
	}
	return nil
}

// DatabaseReadSettings configures a database source resolved through a
// registered provider. Exactly one of query or table must be set.
type DatabaseReadSettings struct {
	Connection string `json:"connection"`
	Query      string `json:"query,omitempty"`
	Table      string `json:"table,omitempty"`
	Schema     string `json:"schema,omitempty"`
}

// Validate implements Settings.
func (s *DatabaseReadSettings) Validate() error {
	if s.Connection == "" {
		return fmt.Errorf("connection is required")
	}
	if (s.Query == "") == (s.Table == "") {
		return fmt.Errorf("exactly one of query or table is required")
	}
	return nil
}

// SelectEntry reshapes one column: rename, retype, reposition or drop.
type SelectEntry struct {
	OldName  string `json:"old_name"`
	NewName  string `json:"new_name,omitempty"`
	Keep     *bool  `json:"keep,omitempty"` // default true
	DataType string `json:"data_type,omitempty"`
	Position int    `json:"position,omitempty"`
}

// Kept reports whether the column survives.
func (e SelectEntry) Kept() bool { return e.Keep == nil || *e.Keep }

// OutputName returns the post-rename column name.
func (e SelectEntry) OutputName() string {
	if e.NewName != "" {
		return e.NewName
	}
	return e.OldName
}

func validateSelectEntries(entries []SelectEntry) error {
	for i, e := range entries {
		if e.OldName == "" {
			return fmt.Errorf("columns[%d]: old_name is required", i)
		}
		if _, err := frame.ParseDataType(e.DataType); err != nil {
			return fmt.Errorf("columns[%d]: %w", i, err)
		}
	}
	return nil
}

// SelectSettings reorders, renames, retypes and drops columns.
type SelectSettings struct {
	Columns []SelectEntry `json:"columns"`
	// KeepMissing passes through columns not mentioned in Columns.
	KeepMissing bool `json:"keep_missing,omitempty"`
}

// Validate implements Settings.
func (s *SelectSettings) Validate() error {
	if len(s.Columns) == 0 && !s.KeepMissing {
		return fmt.Errorf("columns is required unless keep_missing is set")
	}
	return validateSelectEntries(s.Columns)
}

// Basic filter operators beyond the binary comparisons of the frame package.
const (
	opIsNull    = "is_null"
	opIsNotNull = "is_not_null"
	opBetween   = "between"
	opIn        = "in"
	opNotIn     = "not_in"
)

// BasicFilter is a column/operator/value condition. Value2 is meaningful only
// for between; Values only for in/not_in. Values are coerced to the column's
// logical type when the predicate is built.
type BasicFilter struct {
	Column   string `json:"column"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
	Value2   any    `json:"value2,omitempty"`
	Values   []any  `json:"values,omitempty"`
}

// Filter modes.
const (
	FilterModeBasic    = "basic"
	FilterModeAdvanced = "advanced"
)

// FilterSettings keeps rows matching either a basic condition or an advanced
// predicate in the engine's expression language.
type FilterSettings struct {
	Mode     string       `json:"mode,omitempty"`
	Basic    *BasicFilter `json:"basic,omitempty"`
	Advanced string       `json:"advanced,omitempty"`
}

// EffectiveMode resolves the mode when the field is left empty.
func (s *FilterSettings) EffectiveMode() string {
	if s.Mode != "" {
		return s.Mode
	}
	if s.Advanced != "" && s.Basic == nil {
		return FilterModeAdvanced
	}
	return FilterModeBasic
}

// Validate implements Settings.
func (s *FilterSettings) Validate() error {
	switch s.EffectiveMode() {
	case FilterModeAdvanced:
		if s.Advanced == "" {
			return fmt.Errorf("advanced expression is required")
		}
		return nil
	case FilterModeBasic:
		if s.Basic == nil {
			return fmt.Errorf("basic condition is required")
		}
		return s.Basic.validate()
	default:
		return fmt.Errorf("unknown filter mode %q", s.Mode)
	}
}

func (f *BasicFilter) validate() error {
	if f.Column == "" {
		return fmt.Errorf("column is required")
	}
	switch f.Operator {
	case opIsNull, opIsNotNull:
		return nil
	case opBetween:
		if f.Value == nil || f.Value2 == nil {
			return fmt.Errorf("between requires value and value2")
		}
		return nil
	case opIn, opNotIn:
		if len(f.Values) == 0 {
			return fmt.Errorf("%s requires a non-empty values list", f.Operator)
		}
		return nil
	default:
		if _, err := frame.ParseCompareOp(f.Operator); err != nil {
			return err
		}
		if f.Value == nil {
			return fmt.Errorf("%s requires a value", f.Operator)
		}
		return nil
	}
}

// FormulaSettings adds one column computed from an expression. DataType auto
// (or empty) lets the checked expression decide the output type.
type FormulaSettings struct {
	Column     string `json:"column"`
	Expression string `json:"expression"`
	DataType   string `json:"data_type,omitempty"`
}

// Validate implements Settings.
func (s *FormulaSettings) Validate() error {
	if s.Column == "" {
		return fmt.Errorf("column is required")
	}
	if s.Expression == "" {
		return fmt.Errorf("expression is required")
	}
	if _, err := frame.ParseDataType(s.DataType); err != nil {
		return err
	}
	return nil
}

// SortEntry orders by one column.
type SortEntry struct {
	Column string `json:"column"`
	Order  string `json:"order,omitempty"` // asc (default) or desc
}

// SortSettings orders rows by the keys in declaration order; ties keep the
// input order.
type SortSettings struct {
	Keys []SortEntry `json:"keys"`
}

// Validate implements Settings.
func (s *SortSettings) Validate() error {
	if len(s.Keys) == 0 {
		return fmt.Errorf("keys is required")
	}
	for i, k := range s.Keys {
		if k.Column == "" {
			return fmt.Errorf("keys[%d]: column is required", i)
		}
		switch k.Order {
		case "", "asc", "desc":
		default:
			return fmt.Errorf("keys[%d]: order must be asc or desc, got %q", i, k.Order)
		}
	}
	return nil
}

func (s *SortSettings) sortKeys() []frame.SortKey {
	keys := make([]frame.SortKey, len(s.Keys))
	for i, k := range s.Keys {
		keys[i] = frame.SortKey{Column: k.Column, Descending: k.Order == "desc"}
	}
	return keys
}

// UniqueSettings deduplicates rows over an optional column subset.
type UniqueSettings struct {
	Subset   []string `json:"subset,omitempty"`
	Strategy string   `json:"strategy,omitempty"` // first|last|any|none, default any
}

// Validate implements Settings.
func (s *UniqueSettings) Validate() error {
	_, err := frame.ParseUniqueStrategy(s.Strategy)
	return err
}

// HeadSettings keeps the first N rows.
type HeadSettings struct {
	N int `json:"n"`
}

// Validate implements Settings.
func (s *HeadSettings) Validate() error {
	if s.N <= 0 {
		return fmt.Errorf("n must be > 0")
	}
	return nil
}

// SampleSettings keeps up to N rows chosen by a seeded shuffle. A fixed seed
// gives a deterministic sample; the zero seed is used when absent.
type SampleSettings struct {
	N    int    `json:"n"`
	Seed *int64 `json:"seed,omitempty"`
}

// Validate implements Settings.
func (s *SampleSettings) Validate() error {
	if s.N <= 0 {
		return fmt.Errorf("n must be > 0")
	}
	return nil
}

func (s *SampleSettings) seed() int64 {
	if s.Seed != nil {
		return *s.Seed
	}
	return 0
}

// RecordIDSettings appends a monotonically increasing integer column.
type RecordIDSettings struct {
	OutputName string   `json:"output_column_name,omitempty"` // default record_id
	Offset     int64    `json:"offset,omitempty"`             // default 1
	GroupBy    []string `json:"group_by,omitempty"`           // restart the counter per group
}

// Validate implements Settings.
func (s *RecordIDSettings) Validate() error {
	for i, c := range s.GroupBy {
		if c == "" {
			return fmt.Errorf("group_by[%d]: column is required", i)
		}
	}
	return nil
}

func (s *RecordIDSettings) outputName() string {
	if s.OutputName != "" {
		return s.OutputName
	}
	return "record_id"
}

func (s *RecordIDSettings) offset() int64 {
	if s.Offset != 0 {
		return s.Offset
	}
	return 1
}

// RecordCountSettings configures the record_count kind, which needs nothing.
type RecordCountSettings struct{}

// Validate implements Settings.
func (s *RecordCountSettings) Validate() error { return nil }

// TextToRowsSettings splits a string column on a delimiter into one row per
// part.
type TextToRowsSettings struct {
	Column     string `json:"column"`
	Delimiter  string `json:"delimiter,omitempty"`          // default ","
	OutputName string `json:"output_column_name,omitempty"` // default Column
}

// Validate implements Settings.
func (s *TextToRowsSettings) Validate() error {
	if s.Column == "" {
		return fmt.Errorf("column is required")
	}
	return nil
}

func (s *TextToRowsSettings) delimiter() string {
	if s.Delimiter != "" {
		return s.Delimiter
	}
	return ","
}

// AggGroupBy marks a grouping key inside GroupBySettings.
const AggGroupBy = "groupby"

// AggEntry is one (column, aggregation, output name) triple; the aggregation
// groupby marks a grouping key instead.
type AggEntry struct {
	Column  string `json:"column"`
	Agg     string `json:"agg"`
	NewName string `json:"new_name,omitempty"`
}

// OutputName returns the effective result column name.
func (e AggEntry) OutputName() string {
	if e.NewName != "" {
		return e.NewName
	}
	return e.Column
}

// GroupBySettings aggregates rows by key columns. The output schema is
// grouping keys first, then aggregations in declaration order.
type GroupBySettings struct {
	Columns []AggEntry `json:"columns"`
}

// Validate implements Settings.
func (s *GroupBySettings) Validate() error {
	if len(s.Columns) == 0 {
		return fmt.Errorf("columns is required")
	}
	hasAgg := false
	for i, e := range s.Columns {
		if e.Column == "" {
			return fmt.Errorf("columns[%d]: column is required", i)
		}
		if e.Agg == AggGroupBy {
			continue
		}
		if _, err := frame.ParseAggKind(e.Agg); err != nil {
			return fmt.Errorf("columns[%d]: %w", i, err)
		}
		hasAgg = true
	}
	if !hasAgg {
		return fmt.Errorf("at least one aggregation is required")
	}
	return nil
}

func (s *GroupBySettings) split() (keys []string, aggs []frame.Aggregation) {
	for _, e := range s.Columns {
		if e.Agg == AggGroupBy {
			keys = append(keys, e.Column)
			continue
		}
		aggs = append(aggs, frame.Aggregation{
			Column: e.Column,
			Kind:   frame.AggKind(e.Agg),
			As:     e.OutputName(),
		})
	}
	return keys, aggs
}

// PivotSettings spreads a long frame wide: one output column per distinct
// value of Column per aggregation.
type PivotSettings struct {
	Index        []string `json:"index"`
	Column       string   `json:"column"`
	Values       string   `json:"values"`
	Aggregations []string `json:"aggregations,omitempty"` // default first
}

// Validate implements Settings.
func (s *PivotSettings) Validate() error {
	if s.Column == "" {
		return fmt.Errorf("column is required")
	}
	if s.Values == "" {
		return fmt.Errorf("values is required")
	}
	for i, a := range s.Aggregations {
		if _, err := frame.ParseAggKind(a); err != nil {
			return fmt.Errorf("aggregations[%d]: %w", i, err)
		}
	}
	return nil
}

func (s *PivotSettings) aggKinds() []frame.AggKind {
	if len(s.Aggregations) == 0 {
		return []frame.AggKind{frame.AggFirst}
	}
	out := make([]frame.AggKind, len(s.Aggregations))
	for i, a := range s.Aggregations {
		out[i] = frame.AggKind(a)
	}
	return out
}

// UnpivotSettings melts a wide frame long, selecting value columns either
// explicitly or by data type.
type UnpivotSettings struct {
	Index        []string `json:"index,omitempty"`
	ValueColumns []string `json:"value_columns,omitempty"`
	Selector     string   `json:"data_type_selector,omitempty"` // numeric|string|date|all
}

// Validate implements Settings.
func (s *UnpivotSettings) Validate() error {
	switch frame.ColumnSelector(s.Selector) {
	case "", frame.SelectAll, frame.SelectNumeric, frame.SelectString, frame.SelectDate:
	default:
		return fmt.Errorf("unknown data_type_selector %q", s.Selector)
	}
	return nil
}

func (s *UnpivotSettings) spec() frame.UnpivotSpec {
	spec := frame.UnpivotSpec{
		Index:    s.Index,
		Values:   s.ValueColumns,
		Selector: frame.ColumnSelector(s.Selector),
	}
	if len(spec.Values) == 0 && spec.Selector == "" {
		spec.Selector = frame.SelectAll
	}
	return spec
}

// PolarsCodeSettings runs a user code block through the registered runner.
// One input is bound as input_df, several as input_df_1..n.
type PolarsCodeSettings struct {
	Code string `json:"code"`
}

// Validate implements Settings.
func (s *PolarsCodeSettings) Validate() error {
	if strings.TrimSpace(s.Code) == "" {
		return fmt.Errorf("code is required")
	}
	return nil
}

// JoinKeyPair maps one left column onto one right column.
type JoinKeyPair struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// JoinSettings combines the left and right inputs on key pairs.
type JoinSettings struct {
	How  string        `json:"how"`
	Keys []JoinKeyPair `json:"keys"`
	// LeftSelect and RightSelect project the sides before joining; columns
	// not mentioned pass through.
	LeftSelect  []SelectEntry `json:"left_select,omitempty"`
	RightSelect []SelectEntry `json:"right_select,omitempty"`
	// VerifyIntegrity fails the join when the keys are non-unique on both
	// sides.
	VerifyIntegrity bool `json:"verify_integrity,omitempty"`
}

// Validate implements Settings.
func (s *JoinSettings) Validate() error {
	how, err := frame.ParseJoinType(s.How)
	if err != nil {
		return err
	}
	if how == frame.JoinCross {
		return fmt.Errorf("use the cross_join kind for cross joins")
	}
	if len(s.Keys) == 0 {
		return fmt.Errorf("keys is required")
	}
	for i, k := range s.Keys {
		if k.Left == "" || k.Right == "" {
			return fmt.Errorf("keys[%d]: left and right are required", i)
		}
	}
	if err := validateSelectEntries(s.LeftSelect); err != nil {
		return fmt.Errorf("left_select: %w", err)
	}
	if err := validateSelectEntries(s.RightSelect); err != nil {
		return fmt.Errorf("right_select: %w", err)
	}
	return nil
}

func (s *JoinSettings) joinKeys() []frame.JoinKey {
	keys := make([]frame.JoinKey, len(s.Keys))
	for i, k := range s.Keys {
		keys[i] = frame.JoinKey{Left: k.Left, Right: k.Right}
	}
	return keys
}

// CrossJoinSettings pairs every left row with every right row.
type CrossJoinSettings struct {
	LeftSelect  []SelectEntry `json:"left_select,omitempty"`
	RightSelect []SelectEntry `json:"right_select,omitempty"`
}

// Validate implements Settings.
func (s *CrossJoinSettings) Validate() error {
	if err := validateSelectEntries(s.LeftSelect); err != nil {
		return fmt.Errorf("left_select: %w", err)
	}
	if err := validateSelectEntries(s.RightSelect); err != nil {
		return fmt.Errorf("right_select: %w", err)
	}
	return nil
}

// ConcatSettings appends all main inputs, aligning columns by name. Missing
// columns fill with nulls and types widen to the union.
type ConcatSettings struct{}

// Validate implements Settings.
func (s *ConcatSettings) Validate() error { return nil }

// ExploreDataSettings marks a preview point; schema and data pass through.
type ExploreDataSettings struct{}

// Validate implements Settings.
func (s *ExploreDataSettings) Validate() error { return nil }

// WriteSettings sinks the input to a local file and passes it through.
type WriteSettings struct {
	Path      string `json:"path"`
	Format    string `json:"format,omitempty"`
	WriteMode string `json:"write_mode,omitempty"` // write (default) or append
	Delimiter string `json:"delimiter,omitempty"`
	HasHeader *bool  `json:"has_header,omitempty"`
}

// Validate implements Settings.
func (s *WriteSettings) Validate() error {
	if s.Path == "" {
		return fmt.Errorf("path is required")
	}
	if _, err := s.fileFormat(); err != nil {
		return err
	}
	switch s.WriteMode {
	case "", "write", "append":
	default:
		return fmt.Errorf("write_mode must be write or append, got %q", s.WriteMode)
	}
	if len([]rune(s.Delimiter)) > 1 {
		return fmt.Errorf("delimiter must be a single character")
	}
	return nil
}

func (s *WriteSettings) fileFormat() (frame.FileFormat, error) {
	name := s.Format
	if name == "" {
		name = strings.TrimPrefix(filepath.Ext(s.Path), ".")
	}
	f, err := frame.ParseFileFormat(name)
	if err != nil {
		return "", fmt.Errorf("cannot determine file format for %q: %w", s.Path, err)
	}
	return f, nil
}

func (s *WriteSettings) sinkRequest() frame.SinkRequest {
	format, _ := s.fileFormat()
	req := frame.SinkRequest{Path: s.Path, Format: format, Mode: frame.WriteReplace}
	if s.WriteMode == "append" {
		req.Mode = frame.WriteAppend
	}
	if s.Delimiter != "" {
		req.CSV.Delimiter = []rune(s.Delimiter)[0]
	}
	req.CSV.HasHeader = s.HasHeader == nil || *s.HasHeader
	return req
}

// CloudWriteSettings sinks the input through a registered cloud provider.
type CloudWriteSettings struct {
	Connection string         `json:"connection"`
	Location   string         `json:"location"`
	Format     string         `json:"format,omitempty"`
	WriteMode  string         `json:"write_mode,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// Validate implements Settings.
func (s *CloudWriteSettings) Validate() error {
	if s.Connection == "" {
		return fmt.Errorf("connection is required")
	}
	if s.Location == "" {
		return fmt.Errorf("location is required")
	}
	return nil
}

// DatabaseWriteSettings sinks the input through a registered database
// provider.
type DatabaseWriteSettings struct {
	Connection string `json:"connection"`
	Table      string `json:"table"`
	Schema     string `json:"schema,omitempty"`
	IfExists   string `json:"if_exists,omitempty"` // append|replace|fail
}

// Validate implements Settings.
func (s *DatabaseWriteSettings) Validate() error {
	if s.Connection == "" {
		return fmt.Errorf("connection is required")
	}
	if s.Table == "" {
		return fmt.Errorf("table is required")
	}
	switch s.IfExists {
	case "", "append", "replace", "fail":
	default:
		return fmt.Errorf("if_exists must be append, replace or fail, got %q", s.IfExists)
	}
	return nil
}
