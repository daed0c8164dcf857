//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package frame defines the lazy tabular computation seam of the flow engine.
//
// A Handle is an opaque reference to a not-yet-materialized tabular
// computation together with its statically known schema. The flow layer
// composes handles through the transformation methods and never inspects the
// plan behind them; this is the single seam that admits swapping execution
// backends. The reference backend lives in frame/memframe.
package frame

import (
	"fmt"
	"strings"
)

// DataType is the logical type of a column.
type DataType string

// Logical column types understood by every backend.
const (
	// TypeBoolean is a true/false column.
	TypeBoolean DataType = "boolean"
	// TypeInt64 is a 64-bit signed integer column.
	TypeInt64 DataType = "int64"
	// TypeFloat64 is a 64-bit floating point column.
	TypeFloat64 DataType = "float64"
	// TypeString is a UTF-8 string column.
	TypeString DataType = "string"
	// TypeDate is a calendar date column (no time component).
	TypeDate DataType = "date"
	// TypeDatetime is a timestamp column.
	TypeDatetime DataType = "datetime"
	// TypeNull is the type of a column with no observed values.
	TypeNull DataType = "null"
	// TypeAuto asks the engine to infer the type. It is only valid in
	// requests (e.g. a formula's declared output type), never in a schema.
	TypeAuto DataType = "auto"
)

// ParseDataType converts a document-level type string into a DataType.
func ParseDataType(s string) (DataType, error) {
	switch DataType(strings.ToLower(strings.TrimSpace(s))) {
	case TypeBoolean:
		return TypeBoolean, nil
	case TypeInt64, "int", "integer":
		return TypeInt64, nil
	case TypeFloat64, "float", "double":
		return TypeFloat64, nil
	case TypeString, "str", "utf8":
		return TypeString, nil
	case TypeDate:
		return TypeDate, nil
	case TypeDatetime, "timestamp":
		return TypeDatetime, nil
	case TypeNull:
		return TypeNull, nil
	case TypeAuto, "":
		return TypeAuto, nil
	}
	return "", fmt.Errorf("unknown data type %q", s)
}

// Numeric reports whether the type supports arithmetic aggregation.
func (t DataType) Numeric() bool {
	return t == TypeInt64 || t == TypeFloat64
}

// Temporal reports whether the type carries a time instant.
func (t DataType) Temporal() bool {
	return t == TypeDate || t == TypeDatetime
}

// UnifyTypes returns the narrowest type that can represent values of both
// input types. It is used when aligning columns across concatenated frames.
func UnifyTypes(a, b DataType) DataType {
	if a == b {
		return a
	}
	if a == TypeNull {
		return b
	}
	if b == TypeNull {
		return a
	}
	if a.Numeric() && b.Numeric() {
		return TypeFloat64
	}
	if a == TypeDatetime && b == TypeDate || a == TypeDate && b == TypeDatetime {
		return TypeDatetime
	}
	return TypeString
}

// Field is one named, typed column of a schema.
type Field struct {
	Name string   `json:"name"`
	Type DataType `json:"data_type"`
}

// Schema is the ordered list of fields of a frame.
type Schema []Field

// Index returns the position of the named field, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Field returns the named field and whether it exists.
func (s Schema) Field(name string) (Field, bool) {
	if i := s.Index(name); i >= 0 {
		return s[i], true
	}
	return Field{}, false
}

// Has reports whether the named field exists.
func (s Schema) Has(name string) bool { return s.Index(name) >= 0 }

// Names returns the field names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = f.Name
	}
	return names
}

// Clone returns a copy of the schema safe to mutate.
func (s Schema) Clone() Schema {
	out := make(Schema, len(s))
	copy(out, s)
	return out
}

// Equal reports whether both schemas have identical fields in identical order.
func (s Schema) Equal(other Schema) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the schema as "name:type, name:type".
func (s Schema) String() string {
	parts := make([]string, len(s))
	for i, f := range s {
		parts[i] = f.Name + ":" + string(f.Type)
	}
	return strings.Join(parts, ", ")
}

// Row is a single materialized record keyed by column name. A missing key or
// a nil value both read as null.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is a fully materialized tabular buffer: the result of Collect.
type Table struct {
	Schema Schema
	Rows   []Row
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Column returns all values of the named column in row order.
func (t *Table) Column(name string) []any {
	out := make([]any, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[name]
	}
	return out
}
