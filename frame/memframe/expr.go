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
	"strings"
	"time"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// compiledExpr is an expression type-checked against one input schema and
// ready for per-row evaluation. CEL sub-expressions are compiled once here,
// not per row.
type compiledExpr struct {
	src      frame.Expr
	outType  frame.DataType
	children []*compiledExpr
	literal  any   // normalized literal (OpLiteral)
	values   []any // normalized membership list (OpIn)
	cel      *celProgram
}

// exprType type-checks an expression and returns its result type.
func exprType(e frame.Expr, s frame.Schema) (frame.DataType, error) {
	c, err := compileExpr(e, s)
	if err != nil {
		return "", err
	}
	return c.outType, nil
}

// compileExpr validates an expression tree against a schema.
func compileExpr(e frame.Expr, s frame.Schema) (*compiledExpr, error) {
	c := &compiledExpr{src: e}
	for _, child := range e.Children() {
		cc, err := compileExpr(child, s)
		if err != nil {
			return nil, err
		}
		c.children = append(c.children, cc)
	}
	switch e.Op() {
	case frame.OpColumn:
		f, ok := s.Field(e.ColumnName())
		if !ok {
			return nil, fmt.Errorf("column %q not found", e.ColumnName())
		}
		c.outType = f.Type
	case frame.OpLiteral:
		v := normalizeValue(e.Literal())
		t, err := valueType(v)
		if err != nil {
			return nil, err
		}
		c.literal = v
		c.outType = t
	case frame.OpCompare:
		lt, rt := c.children[0].outType, c.children[1].outType
		if err := checkComparable(e.CompareOp(), lt, rt); err != nil {
			return nil, err
		}
		c.outType = frame.TypeBoolean
	case frame.OpNullCheck:
		c.outType = frame.TypeBoolean
	case frame.OpBetween:
		et := c.children[0].outType
		for _, bound := range c.children[1:] {
			if err := checkComparable(frame.CmpLessThanOrEquals, et, bound.outType); err != nil {
				return nil, err
			}
		}
		c.outType = frame.TypeBoolean
	case frame.OpIn:
		et := c.children[0].outType
		for _, raw := range e.Values() {
			v := normalizeValue(raw)
			vt, err := valueType(v)
			if err != nil {
				return nil, err
			}
			if err := checkComparable(frame.CmpEquals, et, vt); err != nil {
				return nil, err
			}
			c.values = append(c.values, v)
		}
		c.outType = frame.TypeBoolean
	case frame.OpLogical, frame.OpNot:
		for _, child := range c.children {
			if child.outType != frame.TypeBoolean {
				return nil, fmt.Errorf("boolean operand required, got %s", child.outType)
			}
		}
		c.outType = frame.TypeBoolean
	case frame.OpCast:
		to := e.CastType()
		if to == frame.TypeAuto || to == frame.TypeNull {
			return nil, fmt.Errorf("cannot cast to %q", to)
		}
		c.outType = to
	case frame.OpEval:
		prog, out, err := compileCEL(e.Source(), s)
		if err != nil {
			return nil, err
		}
		c.cel = prog
		c.outType = out
	default:
		return nil, fmt.Errorf("unknown expression op %q", e.Op())
	}
	return c, nil
}

// eval computes the expression over one row. Comparison against null yields
// false; IsNull/IsNotNull observe nulls explicitly.
func (c *compiledExpr) eval(row frame.Row) (any, error) {
	switch c.src.Op() {
	case frame.OpColumn:
		return row[c.src.ColumnName()], nil
	case frame.OpLiteral:
		return c.literal, nil
	case frame.OpCompare:
		l, err := c.children[0].eval(row)
		if err != nil {
			return nil, err
		}
		r, err := c.children[1].eval(row)
		if err != nil {
			return nil, err
		}
		return compareValues(c.src.CompareOp(), l, r)
	case frame.OpNullCheck:
		v, err := c.children[0].eval(row)
		if err != nil {
			return nil, err
		}
		return (v == nil) != c.src.Negated(), nil
	case frame.OpBetween:
		v, err := c.children[0].eval(row)
		if err != nil {
			return nil, err
		}
		low, err := c.children[1].eval(row)
		if err != nil {
			return nil, err
		}
		high, err := c.children[2].eval(row)
		if err != nil {
			return nil, err
		}
		ge, err := compareValues(frame.CmpGreaterThanOrEquals, v, low)
		if err != nil || !ge {
			return false, err
		}
		return compareValues(frame.CmpLessThanOrEquals, v, high)
	case frame.OpIn:
		v, err := c.children[0].eval(row)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return false, nil
		}
		for _, cand := range c.values {
			eq, err := compareValues(frame.CmpEquals, v, cand)
			if err != nil {
				return nil, err
			}
			if eq {
				return !c.src.Negated(), nil
			}
		}
		return c.src.Negated(), nil
	case frame.OpLogical:
		and := c.src.LogicalOp() == frame.LogicAnd
		for _, child := range c.children {
			v, err := child.eval(row)
			if err != nil {
				return nil, err
			}
			b, _ := v.(bool)
			if and && !b {
				return false, nil
			}
			if !and && b {
				return true, nil
			}
		}
		return and, nil
	case frame.OpNot:
		v, err := c.children[0].eval(row)
		if err != nil {
			return nil, err
		}
		b, _ := v.(bool)
		return !b, nil
	case frame.OpCast:
		v, err := c.children[0].eval(row)
		if err != nil {
			return nil, err
		}
		return castValue(v, c.src.CastType())
	case frame.OpEval:
		return c.cel.eval(row)
	}
	return nil, fmt.Errorf("unknown expression op %q", c.src.Op())
}

func checkComparable(op frame.CompareOp, l, r frame.DataType) error {
	if l == frame.TypeNull || r == frame.TypeNull {
		return nil
	}
	switch op {
	case frame.CmpContains, frame.CmpNotContains, frame.CmpStartsWith, frame.CmpEndsWith:
		if l != frame.TypeString || r != frame.TypeString {
			return fmt.Errorf("%s requires string operands, got %s and %s", op, l, r)
		}
		return nil
	case frame.CmpEquals, frame.CmpNotEquals:
		if l == r || (l.Numeric() && r.Numeric()) || (l.Temporal() && r.Temporal()) {
			return nil
		}
		return fmt.Errorf("cannot compare %s with %s", l, r)
	default:
		if (l.Numeric() && r.Numeric()) ||
			(l == frame.TypeString && r == frame.TypeString) ||
			(l.Temporal() && r.Temporal()) {
			return nil
		}
		return fmt.Errorf("%s cannot order %s against %s", op, l, r)
	}
}

// normalizeValue widens Go numeric types onto the canonical value model:
// nil, bool, int64, float64, string, time.Time.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	default:
		return v
	}
}

func valueType(v any) (frame.DataType, error) { return frame.TypeOfValue(v) }

// compareValues applies a comparison operator; null operands compare false.
func compareValues(op frame.CompareOp, l, r any) (bool, error) {
	if l == nil || r == nil {
		return false, nil
	}
	switch op {
	case frame.CmpContains, frame.CmpNotContains, frame.CmpStartsWith, frame.CmpEndsWith:
		ls, lok := l.(string)
		rs, rok := r.(string)
		if !lok || !rok {
			return false, frame.EvalErrorf(frame.EvalTypeMismatch,
				"%s requires strings, got %T and %T", op, l, r)
		}
		switch op {
		case frame.CmpContains:
			return strings.Contains(ls, rs), nil
		case frame.CmpNotContains:
			return !strings.Contains(ls, rs), nil
		case frame.CmpStartsWith:
			return strings.HasPrefix(ls, rs), nil
		default:
			return strings.HasSuffix(ls, rs), nil
		}
	}
	c, err := orderValues(l, r)
	if err != nil {
		return false, err
	}
	switch op {
	case frame.CmpEquals:
		return c == 0, nil
	case frame.CmpNotEquals:
		return c != 0, nil
	case frame.CmpGreaterThan:
		return c > 0, nil
	case frame.CmpGreaterThanOrEquals:
		return c >= 0, nil
	case frame.CmpLessThan:
		return c < 0, nil
	case frame.CmpLessThanOrEquals:
		return c <= 0, nil
	}
	return false, fmt.Errorf("unknown comparison operator %q", op)
}

// orderValues totally orders two non-null values of compatible types.
func orderValues(l, r any) (int, error) {
	switch lv := l.(type) {
	case int64:
		switch rv := r.(type) {
		case int64:
			return compareOrdered(lv, rv), nil
		case float64:
			return compareFloat(float64(lv), rv), nil
		}
	case float64:
		switch rv := r.(type) {
		case int64:
			return compareFloat(lv, float64(rv)), nil
		case float64:
			return compareFloat(lv, rv), nil
		}
	case string:
		if rv, ok := r.(string); ok {
			return strings.Compare(lv, rv), nil
		}
	case bool:
		if rv, ok := r.(bool); ok {
			switch {
			case lv == rv:
				return 0, nil
			case rv:
				return -1, nil
			default:
				return 1, nil
			}
		}
	case time.Time:
		if rv, ok := r.(time.Time); ok {
			switch {
			case lv.Equal(rv):
				return 0, nil
			case lv.Before(rv):
				return -1, nil
			default:
				return 1, nil
			}
		}
	}
	return 0, frame.EvalErrorf(frame.EvalTypeMismatch, "cannot compare %T with %T", l, r)
}

func compareOrdered(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// castValue strictly converts a value to the target type. Null passes
// through; unparsable values yield a type_mismatch evaluation error.
func castValue(v any, to frame.DataType) (any, error) {
	out, err := frame.CoerceValue(v, to)
	if err != nil {
		return nil, frame.NewEvalError(frame.EvalTypeMismatch, "cast", err)
	}
	return out, nil
}

func formatValue(v any) string { return frame.FormatValue(v) }
