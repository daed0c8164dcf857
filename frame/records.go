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
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TypeOfValue maps a Go value onto its logical type. Values are expected in
// canonical form: nil, bool, int64, float64, string or time.Time.
func TypeOfValue(v any) (DataType, error) {
	switch x := v.(type) {
	case nil:
		return TypeNull, nil
	case bool:
		return TypeBoolean, nil
	case int64:
		return TypeInt64, nil
	case float64:
		return TypeFloat64, nil
	case string:
		return TypeString, nil
	case time.Time:
		if IsMidnight(x) {
			return TypeDate, nil
		}
		return TypeDatetime, nil
	default:
		return "", fmt.Errorf("unsupported value type %T", x)
	}
}

// IsMidnight reports whether t carries no time-of-day component. A midnight
// time.Time is treated as a date value.
func IsMidnight(t time.Time) bool {
	h, m, s := t.Clock()
	return h == 0 && m == 0 && s == 0 && t.Nanosecond() == 0
}

var temporalLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTemporal parses a date or datetime string in one of the accepted
// layouts (RFC 3339 and the common space-separated and date-only forms).
func ParseTemporal(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range temporalLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable time %q", s)
}

// FormatValue renders a value as its canonical string form. Null renders
// empty; dates render without a time component.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		if IsMidnight(x) {
			return x.Format("2006-01-02")
		}
		return x.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// CoerceValue strictly converts a value to the target type. Null passes
// through, auto passes the value unchanged, and unparsable values report an
// error naming the value.
func CoerceValue(v any, to DataType) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int:
		v = int64(x)
	case float32:
		v = float64(x)
	}
	switch to {
	case TypeNull:
		return v, nil
	case TypeString:
		return FormatValue(v), nil
	case TypeInt64:
		switch x := v.(type) {
		case int64:
			return x, nil
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, fmt.Errorf("cannot cast %v to int64", x)
			}
			return int64(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to int64", x)
			}
			return n, nil
		}
	case TypeFloat64:
		switch x := v.(type) {
		case int64:
			return float64(x), nil
		case float64:
			return x, nil
		case bool:
			if x {
				return float64(1), nil
			}
			return float64(0), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to float64", x)
			}
			return f, nil
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(x)) {
			case "true", "1":
				return true, nil
			case "false", "0":
				return false, nil
			}
			return nil, fmt.Errorf("cannot cast %q to boolean", x)
		case int64:
			return x != 0, nil
		}
	case TypeDate:
		switch x := v.(type) {
		case time.Time:
			y, m, d := x.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		case string:
			t, err := ParseTemporal(x)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to date", x)
			}
			y, m, d := t.Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	case TypeDatetime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			t, err := ParseTemporal(x)
			if err != nil {
				return nil, fmt.Errorf("cannot cast %q to datetime", x)
			}
			return t, nil
		}
	}
	return nil, fmt.Errorf("cannot cast %T to %s", v, to)
}

// TableFromRecords builds a table from a JSON array of objects. Column order
// follows the declared fields first, then undeclared keys in first-seen
// source order; a Go map round-trip would randomize it. Declared fields with
// a concrete type pin the column's type and coerce its values; declared auto
// fields and undeclared columns infer their type across rows, widening with
// UnifyTypes.
func TableFromRecords(raw []byte, declared []Field) (*Table, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("records: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return nil, fmt.Errorf("records: expected a JSON array of objects")
	}

	var names []string
	index := make(map[string]int)
	types := make(map[string]DataType)
	pinned := make(map[string]bool)
	for _, f := range declared {
		if _, dup := index[f.Name]; dup {
			return nil, fmt.Errorf("records: column %q declared twice", f.Name)
		}
		t := f.Type
		if t == TypeAuto {
			t = TypeNull
		}
		index[f.Name] = len(names)
		names = append(names, f.Name)
		types[f.Name] = t
		pinned[f.Name] = t != TypeNull
	}

	var rows []Row
	for dec.More() {
		row, keys, err := decodeRecord(dec)
		if err != nil {
			return nil, fmt.Errorf("records: row %d: %w", len(rows)+1, err)
		}
		for _, k := range keys {
			v := row[k]
			if pinned[k] {
				cast, err := CoerceValue(v, types[k])
				if err != nil {
					return nil, fmt.Errorf("records: column %q: %w", k, err)
				}
				row[k] = cast
				continue
			}
			t, err := TypeOfValue(v)
			if err != nil {
				return nil, fmt.Errorf("records: column %q: %w", k, err)
			}
			if _, seen := index[k]; !seen {
				index[k] = len(names)
				names = append(names, k)
				types[k] = t
			} else {
				types[k] = UnifyTypes(types[k], t)
			}
		}
		rows = append(rows, row)
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("records: %w", err)
	}

	schema := make(Schema, len(names))
	for i, n := range names {
		t := types[n]
		if t == TypeNull {
			t = TypeString
		}
		schema[i] = Field{Name: n, Type: t}
	}
	// Reconcile rows whose column type widened after they were decoded.
	for _, row := range rows {
		for _, f := range schema {
			v, ok := row[f.Name]
			if !ok || v == nil {
				row[f.Name] = nil
				continue
			}
			cast, err := CoerceValue(v, f.Type)
			if err != nil {
				return nil, fmt.Errorf("records: column %q: %w", f.Name, err)
			}
			row[f.Name] = cast
		}
	}
	return &Table{Schema: schema, Rows: rows}, nil
}

// decodeRecord consumes one JSON object from the decoder, keeping the source
// key order. Nested objects and arrays render as JSON text.
func decodeRecord(dec *json.Decoder) (Row, []string, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected an object, got %v", tok)
	}
	row := make(Row)
	var keys []string
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected an object key, got %v", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		norm, err := normalizeJSON(v)
		if err != nil {
			return nil, nil, fmt.Errorf("key %q: %w", key, err)
		}
		if _, dup := row[key]; !dup {
			keys = append(keys, key)
		}
		row[key] = norm
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return row, keys, nil
}

func normalizeJSON(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string:
		return x, nil
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := x.Int64(); err == nil {
				return n, nil
			}
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("unparsable number %q", s)
		}
		return f, nil
	case map[string]any, []any:
		blob, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(blob), nil
	default:
		return nil, fmt.Errorf("unsupported value %T", x)
	}
}
