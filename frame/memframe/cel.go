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

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// rowVariable exposes the whole row as a dynamic map inside expressions, so
// columns whose names are not valid identifiers stay reachable as
// row["my column"].
const rowVariable = "row"

// celProgram is a compiled expression bound to one input schema.
type celProgram struct {
	prg     celgo.Program
	columns []string
	outType frame.DataType
}

// compileCEL type-checks an expression against a schema. Every column whose
// name is a valid identifier is declared as a typed variable; the checked
// output type maps back onto a frame type. Dynamically typed results render
// as strings.
func compileCEL(source string, s frame.Schema) (*celProgram, frame.DataType, error) {
	if strings.TrimSpace(source) == "" {
		return nil, "", fmt.Errorf("empty expression")
	}
	decls := []celgo.EnvOption{celgo.Variable(rowVariable, celgo.DynType)}
	var columns []string
	for _, f := range s {
		if !validCELIdent(f.Name) {
			continue
		}
		decls = append(decls, celgo.Variable(f.Name, celType(f.Type)))
		columns = append(columns, f.Name)
	}
	env, err := celgo.NewEnv(decls...)
	if err != nil {
		return nil, "", fmt.Errorf("expression environment: %w", err)
	}
	ast, issues := env.Parse(source)
	if issues != nil && issues.Err() != nil {
		return nil, "", fmt.Errorf("parse %q: %w", source, issues.Err())
	}
	ast, issues = env.Check(ast)
	if issues != nil && issues.Err() != nil {
		return nil, "", fmt.Errorf("type-check %q: %w", source, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, "", fmt.Errorf("build %q: %w", source, err)
	}
	out := celResultType(ast.OutputType())
	return &celProgram{prg: prg, columns: columns, outType: out}, out, nil
}

// eval runs the program over one row. A null operand propagates to a null
// result rather than an error.
func (p *celProgram) eval(row frame.Row) (any, error) {
	activation := make(map[string]any, len(p.columns)+1)
	activation[rowVariable] = map[string]any(row)
	for _, c := range p.columns {
		if v := row[c]; v != nil {
			activation[c] = v
		}
	}
	out, _, err := p.prg.Eval(activation)
	if err != nil {
		if nullPropagation(err) {
			return nil, nil
		}
		return nil, frame.NewEvalError(frame.EvalTypeMismatch, "expression evaluation", err)
	}
	return p.normalize(out)
}

func (p *celProgram) normalize(out ref.Val) (any, error) {
	if out == nil {
		return nil, nil
	}
	if _, isNull := out.(types.Null); isNull {
		return nil, nil
	}
	v := normalizeValue(out.Value())
	switch x := v.(type) {
	case nil, bool, int64, float64, string:
		return coerceScalar(x, p.outType)
	case time.Time:
		return x, nil
	default:
		// Lists and maps render as their string form.
		return fmt.Sprintf("%v", x), nil
	}
}

// coerceScalar reconciles the runtime value with the checked output type;
// dyn-typed programs declare string and stringify here.
func coerceScalar(v any, want frame.DataType) (any, error) {
	if v == nil {
		return nil, nil
	}
	t, err := valueType(v)
	if err != nil {
		return nil, err
	}
	if t == want || want == frame.TypeAuto {
		return v, nil
	}
	return castValue(v, want)
}

// nullPropagation reports whether an evaluation error stems from a null or
// absent operand, which the engine treats as a null result.
func nullPropagation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such attribute") ||
		strings.Contains(msg, "no such key") ||
		strings.Contains(msg, "no such overload")
}

func celType(t frame.DataType) *celgo.Type {
	switch t {
	case frame.TypeBoolean:
		return celgo.BoolType
	case frame.TypeInt64:
		return celgo.IntType
	case frame.TypeFloat64:
		return celgo.DoubleType
	case frame.TypeString:
		return celgo.StringType
	case frame.TypeDate, frame.TypeDatetime:
		return celgo.TimestampType
	default:
		return celgo.DynType
	}
}

func celResultType(t *types.Type) frame.DataType {
	if t == nil {
		return frame.TypeString
	}
	switch t.Kind() {
	case types.BoolKind:
		return frame.TypeBoolean
	case types.IntKind, types.UintKind:
		return frame.TypeInt64
	case types.DoubleKind:
		return frame.TypeFloat64
	case types.StringKind:
		return frame.TypeString
	case types.TimestampKind:
		return frame.TypeDatetime
	case types.NullTypeKind:
		return frame.TypeNull
	default:
		return frame.TypeString
	}
}

var celReserved = map[string]struct{}{
	"true": {}, "false": {}, "null": {}, "in": {}, "as": {}, "break": {},
	"const": {}, "continue": {}, "else": {}, "for": {}, "function": {},
	"if": {}, "import": {}, "let": {}, "loop": {}, "package": {},
	"namespace": {}, "return": {}, "var": {}, "void": {}, "while": {},
	rowVariable: {},
}

func validCELIdent(name string) bool {
	if name == "" {
		return false
	}
	if _, reserved := celReserved[name]; reserved {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
