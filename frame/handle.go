//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package frame

import (
	"context"
	"fmt"
)

// SortKey orders rows by one column.
type SortKey struct {
	Column     string `json:"column"`
	Descending bool   `json:"descending,omitempty"`
}

// AggKind is an aggregation function applied inside group_by and pivot.
type AggKind string

// Aggregation functions.
const (
	AggSum     AggKind = "sum"
	AggMin     AggKind = "min"
	AggMax     AggKind = "max"
	AggMean    AggKind = "mean"
	AggMedian  AggKind = "median"
	AggCount   AggKind = "count"
	AggNUnique AggKind = "n_unique"
	AggFirst   AggKind = "first"
	AggLast    AggKind = "last"
	AggConcat  AggKind = "concat"
)

// ParseAggKind validates an aggregation function name.
func ParseAggKind(s string) (AggKind, error) {
	switch k := AggKind(s); k {
	case AggSum, AggMin, AggMax, AggMean, AggMedian, AggCount, AggNUnique,
		AggFirst, AggLast, AggConcat:
		return k, nil
	}
	return "", fmt.Errorf("unknown aggregation %q", s)
}

// Aggregation applies Kind to Column and names the result As. An empty As
// defaults to Column.
type Aggregation struct {
	Column string  `json:"column"`
	Kind   AggKind `json:"agg"`
	As     string  `json:"as,omitempty"`
}

// OutputName returns the effective result column name.
func (a Aggregation) OutputName() string {
	if a.As != "" {
		return a.As
	}
	return a.Column
}

// JoinType selects the join semantics.
type JoinType string

// Join types.
const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
	JoinRight JoinType = "right"
	JoinFull  JoinType = "full"
	JoinSemi  JoinType = "semi"
	JoinAnti  JoinType = "anti"
	JoinCross JoinType = "cross"
)

// ParseJoinType validates a join type name.
func ParseJoinType(s string) (JoinType, error) {
	switch t := JoinType(s); t {
	case JoinInner, JoinLeft, JoinRight, JoinFull, JoinSemi, JoinAnti, JoinCross:
		return t, nil
	case "outer":
		return JoinFull, nil
	}
	return "", fmt.Errorf("unknown join type %q", s)
}

// JoinKey pairs one left column with one right column.
type JoinKey struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// JoinOptions tune a join. The zero value requests a plain join with the
// default "_right" collision suffix and no integrity verification.
type JoinOptions struct {
	// Suffix renames colliding right-side columns; defaults to "_right".
	Suffix string
	// VerifyIntegrity fails materialization with an integrity evaluation
	// error when the join keys are non-unique on both sides, i.e. the join
	// would multiply rows many-to-many.
	VerifyIntegrity bool
}

// UniqueStrategy selects which duplicate rows a Unique keeps.
type UniqueStrategy string

// Duplicate-keeping strategies.
const (
	// UniqueFirst keeps the first occurrence of each key.
	UniqueFirst UniqueStrategy = "first"
	// UniqueLast keeps the last occurrence of each key.
	UniqueLast UniqueStrategy = "last"
	// UniqueAny keeps an arbitrary occurrence; backends should still be
	// deterministic for a given input.
	UniqueAny UniqueStrategy = "any"
	// UniqueNone keeps only keys that occur exactly once.
	UniqueNone UniqueStrategy = "none"
)

// ParseUniqueStrategy validates a unique strategy name.
func ParseUniqueStrategy(s string) (UniqueStrategy, error) {
	switch u := UniqueStrategy(s); u {
	case UniqueFirst, UniqueLast, UniqueAny, UniqueNone:
		return u, nil
	case "":
		return UniqueAny, nil
	}
	return "", fmt.Errorf("unknown unique strategy %q", s)
}

// PivotSpec turns long data wide: one output column per distinct value of
// Column, aggregated from Values.
type PivotSpec struct {
	Index   []string  `json:"index"`
	Column  string    `json:"column"`
	Values  string    `json:"values"`
	Aggs    []AggKind `json:"aggregations"`
	MaxWide int       `json:"max_wide,omitempty"` // cap on generated columns, 0 = backend default
}

// ColumnSelector picks unpivot value columns by type when no explicit list is
// given.
type ColumnSelector string

// Unpivot column selectors.
const (
	SelectAll     ColumnSelector = "all"
	SelectNumeric ColumnSelector = "numeric"
	SelectString  ColumnSelector = "string"
	SelectDate    ColumnSelector = "date"
)

// UnpivotSpec turns wide data long: every selected value column becomes a
// (variable, value) row pair.
type UnpivotSpec struct {
	Index    []string       `json:"index"`
	Values   []string       `json:"values"`
	Selector ColumnSelector `json:"selector,omitempty"` // used when Values is empty
}

// FileFormat identifies an on-disk tabular encoding.
type FileFormat string

// Supported file formats.
const (
	FormatCSV    FileFormat = "csv"
	FormatJSON   FileFormat = "json"
	FormatNDJSON FileFormat = "ndjson"
)

// ParseFileFormat validates a file format name.
func ParseFileFormat(s string) (FileFormat, error) {
	switch f := FileFormat(s); f {
	case FormatCSV, FormatJSON, FormatNDJSON:
		return f, nil
	case "jsonl":
		return FormatNDJSON, nil
	}
	return "", fmt.Errorf("unknown file format %q", s)
}

// WriteMode controls sink behavior on existing files.
type WriteMode string

// Write modes.
const (
	// WriteReplace truncates any existing file.
	WriteReplace WriteMode = "replace"
	// WriteAppend appends rows to an existing file.
	WriteAppend WriteMode = "append"
	// WriteErrorIfExists refuses to overwrite.
	WriteErrorIfExists WriteMode = "error"
)

// CSVOptions tune CSV scanning and sinking.
type CSVOptions struct {
	// Delimiter defaults to ','.
	Delimiter rune
	// HasHeader reads column names from the first row; defaults true in
	// flow settings.
	HasHeader bool
	// SkipRows drops leading rows before the header.
	SkipRows int
	// Encoding is an IANA charset name; empty means UTF-8.
	Encoding string
	// InferLen bounds the rows sampled for type inference; 0 = backend
	// default.
	InferLen int
}

// ScanRequest describes a file source. Path may contain glob metacharacters,
// in which case all matching files are scanned and concatenated.
type ScanRequest struct {
	Path   string
	Format FileFormat
	CSV    CSVOptions
}

// SinkRequest describes a file destination for Handle.Sink.
type SinkRequest struct {
	Path   string
	Format FileFormat
	Mode   WriteMode
	CSV    CSVOptions
}

// Handle is an opaque lazy computation with a statically known schema.
//
// Transformation methods are total: they validate against the schema
// immediately and return a new handle. A failed validation returns an errored
// handle whose Err reports the first failure; transformations on an errored
// handle keep returning it unchanged, and Collect surfaces the error. No
// transformation reads data.
type Handle interface {
	// Schema returns the output schema, or nil on an errored handle.
	Schema() Schema
	// Err returns the first plan error of the chain, or nil.
	Err() error

	// Select keeps exactly the named columns, in the given order.
	Select(columns []string) Handle
	// Rename renames columns; mapping is old name to new name.
	Rename(mapping map[string]string) Handle
	// Drop removes the named columns.
	Drop(columns []string) Handle
	// Filter keeps rows where the boolean predicate holds.
	Filter(predicate Expr) Handle
	// WithColumn adds or replaces a column computed from expr.
	WithColumn(name string, expr Expr) Handle
	// Cast converts a column to the target type; strict.
	Cast(column string, to DataType) Handle
	// Sort orders rows by the keys; stable.
	Sort(keys []SortKey) Handle
	// GroupBy groups by the key columns and applies the aggregations.
	GroupBy(keys []string, aggs []Aggregation) Handle
	// Join combines with another handle of the same backend.
	Join(other Handle, keys []JoinKey, how JoinType, opts JoinOptions) Handle
	// Concat appends the other handles, aligning columns by name.
	Concat(others []Handle) Handle
	// Pivot spreads a long frame wide.
	Pivot(spec PivotSpec) Handle
	// Unpivot melts a wide frame long.
	Unpivot(spec UnpivotSpec) Handle
	// Unique deduplicates rows by the subset columns (all when empty).
	Unique(subset []string, strategy UniqueStrategy) Handle
	// Head keeps the first n rows.
	Head(n int) Handle
	// Sample keeps up to n rows chosen deterministically from seed.
	Sample(n int, seed int64) Handle
	// WithRowIndex appends an int64 counter column starting at offset,
	// restarting per group when groupBy is non-empty.
	WithRowIndex(name string, offset int64, groupBy []string) Handle
	// SplitToRows splits a string column on a delimiter, emitting one row
	// per part into the output column (the source column when empty).
	SplitToRows(column, delimiter, output string) Handle

	// Collect materializes up to limit rows; limit < 0 means all rows.
	Collect(ctx context.Context, limit int) (*Table, error)
	// Sink materializes and writes the full result to a file.
	Sink(ctx context.Context, req SinkRequest) error
}

// Backend constructs root handles. Implementations must be safe for
// concurrent use.
type Backend interface {
	// Name identifies the backend, e.g. "memframe".
	Name() string
	// FromTable wraps an in-memory table; the table is not copied and must
	// not be mutated afterwards.
	FromTable(t *Table) (Handle, error)
	// Empty returns a zero-row handle with the given schema. It is the
	// vehicle for static schema propagation: building a plan over Empty
	// handles validates every transformation without touching data.
	Empty(schema Schema) Handle
	// Scan opens a lazy file source. Only the schema is read eagerly.
	Scan(ctx context.Context, req ScanRequest) (Handle, error)
}
