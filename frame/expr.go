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
	"fmt"
	"strings"
)

// ExprOp identifies the shape of an expression node.
type ExprOp string

// Expression node kinds. Backends switch on these to compile a predicate or
// projection; the set is closed.
const (
	OpColumn    ExprOp = "column"
	OpLiteral   ExprOp = "literal"
	OpCompare   ExprOp = "compare"
	OpNullCheck ExprOp = "null_check"
	OpBetween   ExprOp = "between"
	OpIn        ExprOp = "in"
	OpLogical   ExprOp = "logical"
	OpNot       ExprOp = "not"
	OpCast      ExprOp = "cast"
	OpEval      ExprOp = "eval"
)

// CompareOp is the operator of a binary comparison.
type CompareOp string

// Comparison operators. The textual values double as the canonical operator
// names in persisted documents.
const (
	CmpEquals              CompareOp = "equals"
	CmpNotEquals           CompareOp = "not_equals"
	CmpGreaterThan         CompareOp = "greater_than"
	CmpGreaterThanOrEquals CompareOp = "greater_than_or_equals"
	CmpLessThan            CompareOp = "less_than"
	CmpLessThanOrEquals    CompareOp = "less_than_or_equals"
	CmpContains            CompareOp = "contains"
	CmpNotContains         CompareOp = "not_contains"
	CmpStartsWith          CompareOp = "starts_with"
	CmpEndsWith            CompareOp = "ends_with"
)

// ParseCompareOp validates a canonical comparison operator name.
func ParseCompareOp(s string) (CompareOp, error) {
	switch op := CompareOp(s); op {
	case CmpEquals, CmpNotEquals, CmpGreaterThan, CmpGreaterThanOrEquals,
		CmpLessThan, CmpLessThanOrEquals, CmpContains, CmpNotContains,
		CmpStartsWith, CmpEndsWith:
		return op, nil
	}
	return "", fmt.Errorf("unknown comparison operator %q", s)
}

// LogicalOp joins boolean operands.
type LogicalOp string

// Boolean connectives.
const (
	LogicAnd LogicalOp = "and"
	LogicOr  LogicalOp = "or"
)

// Expr is an immutable expression tree over the columns of a frame. The zero
// value is invalid; build expressions with Col, Lit, Eval and the chainable
// methods. Expressions are plain values and safe to share.
type Expr struct {
	op       ExprOp
	name     string // column name (OpColumn)
	value    any    // literal value (OpLiteral)
	values   []any  // membership list (OpIn)
	dtype    DataType
	cmp      CompareOp
	logic    LogicalOp
	negate   bool
	source   string // evaluated source text (OpEval)
	children []Expr
}

// Col references a column by name.
func Col(name string) Expr { return Expr{op: OpColumn, name: name} }

// Lit wraps a literal value. Supported Go types: nil, bool, int, int64,
// float64, string and time.Time.
func Lit(v any) Expr { return Expr{op: OpLiteral, value: v} }

// Eval wraps an expression in the engine's expression language, compiled and
// type-checked by the backend against the input schema.
func Eval(source string) Expr { return Expr{op: OpEval, source: source} }

func compare(op CompareOp, l, r Expr) Expr {
	return Expr{op: OpCompare, cmp: op, children: []Expr{l, r}}
}

// Eq builds e == other.
func (e Expr) Eq(other Expr) Expr { return compare(CmpEquals, e, other) }

// Ne builds e != other.
func (e Expr) Ne(other Expr) Expr { return compare(CmpNotEquals, e, other) }

// Gt builds e > other.
func (e Expr) Gt(other Expr) Expr { return compare(CmpGreaterThan, e, other) }

// Ge builds e >= other.
func (e Expr) Ge(other Expr) Expr { return compare(CmpGreaterThanOrEquals, e, other) }

// Lt builds e < other.
func (e Expr) Lt(other Expr) Expr { return compare(CmpLessThan, e, other) }

// Le builds e <= other.
func (e Expr) Le(other Expr) Expr { return compare(CmpLessThanOrEquals, e, other) }

// Contains builds a substring test on a string column.
func (e Expr) Contains(other Expr) Expr { return compare(CmpContains, e, other) }

// NotContains negates Contains.
func (e Expr) NotContains(other Expr) Expr { return compare(CmpNotContains, e, other) }

// StartsWith builds a prefix test on a string column.
func (e Expr) StartsWith(other Expr) Expr { return compare(CmpStartsWith, e, other) }

// EndsWith builds a suffix test on a string column.
func (e Expr) EndsWith(other Expr) Expr { return compare(CmpEndsWith, e, other) }

// Compare builds a comparison with an explicit operator.
func (e Expr) Compare(op CompareOp, other Expr) Expr { return compare(op, e, other) }

// IsNull tests the expression for null.
func (e Expr) IsNull() Expr { return Expr{op: OpNullCheck, children: []Expr{e}} }

// IsNotNull tests the expression for non-null.
func (e Expr) IsNotNull() Expr { return Expr{op: OpNullCheck, negate: true, children: []Expr{e}} }

// Between tests low <= e <= high.
func (e Expr) Between(low, high Expr) Expr {
	return Expr{op: OpBetween, children: []Expr{e, low, high}}
}

// In tests membership of e in the literal list.
func (e Expr) In(values ...any) Expr {
	return Expr{op: OpIn, values: values, children: []Expr{e}}
}

// NotIn negates In.
func (e Expr) NotIn(values ...any) Expr {
	return Expr{op: OpIn, negate: true, values: values, children: []Expr{e}}
}

// And conjoins boolean expressions.
func (e Expr) And(others ...Expr) Expr {
	return Expr{op: OpLogical, logic: LogicAnd, children: append([]Expr{e}, others...)}
}

// Or disjoins boolean expressions.
func (e Expr) Or(others ...Expr) Expr {
	return Expr{op: OpLogical, logic: LogicOr, children: append([]Expr{e}, others...)}
}

// Not negates a boolean expression.
func (e Expr) Not() Expr { return Expr{op: OpNot, children: []Expr{e}} }

// Cast converts the expression to the target type; the conversion is strict
// and surfaces a type_mismatch evaluation error on unparsable values.
func (e Expr) Cast(to DataType) Expr {
	return Expr{op: OpCast, dtype: to, children: []Expr{e}}
}

// Valid reports whether the expression was built through a constructor.
func (e Expr) Valid() bool { return e.op != "" }

// Op returns the node kind.
func (e Expr) Op() ExprOp { return e.op }

// ColumnName returns the referenced column for OpColumn nodes.
func (e Expr) ColumnName() string { return e.name }

// Literal returns the wrapped value for OpLiteral nodes.
func (e Expr) Literal() any { return e.value }

// Values returns the membership list for OpIn nodes.
func (e Expr) Values() []any { return e.values }

// CompareOp returns the operator for OpCompare nodes.
func (e Expr) CompareOp() CompareOp { return e.cmp }

// LogicalOp returns the connective for OpLogical nodes.
func (e Expr) LogicalOp() LogicalOp { return e.logic }

// Negated reports whether an OpNullCheck or OpIn node is negated.
func (e Expr) Negated() bool { return e.negate }

// CastType returns the target type for OpCast nodes.
func (e Expr) CastType() DataType { return e.dtype }

// Source returns the source text for OpEval nodes.
func (e Expr) Source() string { return e.source }

// Children returns the child expressions in order.
func (e Expr) Children() []Expr { return e.children }

// String renders a debug form of the expression.
func (e Expr) String() string {
	switch e.op {
	case OpColumn:
		return "col(" + e.name + ")"
	case OpLiteral:
		return fmt.Sprintf("lit(%v)", e.value)
	case OpEval:
		return "eval(" + e.source + ")"
	case OpCompare:
		return fmt.Sprintf("(%s %s %s)", e.children[0], e.cmp, e.children[1])
	case OpNullCheck:
		if e.negate {
			return e.children[0].String() + ".is_not_null()"
		}
		return e.children[0].String() + ".is_null()"
	case OpBetween:
		return fmt.Sprintf("%s.between(%s, %s)", e.children[0], e.children[1], e.children[2])
	case OpIn:
		verb := "in"
		if e.negate {
			verb = "not_in"
		}
		return fmt.Sprintf("%s.%s(%v)", e.children[0], verb, e.values)
	case OpLogical:
		parts := make([]string, len(e.children))
		for i, c := range e.children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " "+string(e.logic)+" ") + ")"
	case OpNot:
		return "not(" + e.children[0].String() + ")"
	case OpCast:
		return fmt.Sprintf("%s.cast(%s)", e.children[0], e.dtype)
	}
	return "expr(?)"
}
