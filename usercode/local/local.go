//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package local runs user transform snippets in-process through the yaegi
// interpreter.
//
// A snippet is plain Go with access to the standard library and the frame
// package. It must define
//
//	func Transform(inputs map[string]frame.Handle, b frame.Backend) (frame.Handle, error)
//
// where inputs is keyed by the conventional names ("input_df", or
// "input_df_1".. for multi-input nodes). The package clause may be omitted;
// anything the snippet prints goes to the node's log stream.
package local

import (
	"bytes"
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
	"trpc.group/trpc-go/trpc-flowfile-go/usercode"
)

// TransformFunc is the signature a snippet must define.
type TransformFunc = func(map[string]frame.Handle, frame.Backend) (frame.Handle, error)

// Runner interprets Go snippets with yaegi. Every Run gets a fresh
// interpreter, so snippets cannot observe each other's state.
type Runner struct{}

// New creates a yaegi-backed user code runner.
func New() *Runner { return &Runner{} }

// Run implements usercode.Runner.
func (r *Runner) Run(ctx context.Context, in usercode.Input) (usercode.Result, error) {
	if err := ctx.Err(); err != nil {
		return usercode.Result{}, err
	}
	var stdout, stderr bytes.Buffer
	i := interp.New(interp.Options{Stdout: &stdout, Stderr: &stderr})
	if err := i.Use(stdlib.Symbols); err != nil {
		return usercode.Result{}, fmt.Errorf("usercode: load stdlib symbols: %w", err)
	}
	if err := i.Use(frameSymbols()); err != nil {
		return usercode.Result{}, fmt.Errorf("usercode: load frame symbols: %w", err)
	}

	if _, err := i.EvalWithContext(ctx, wrapSnippet(in.Code)); err != nil {
		return capture(&stdout, &stderr), fmt.Errorf("usercode: %w", err)
	}
	fn, err := lookupTransform(i)
	if err != nil {
		return capture(&stdout, &stderr), err
	}

	// The call runs in its own goroutine so a cancelled context returns
	// promptly. An abandoned call finishes in the background; interpreted
	// code cannot be killed mid-flight.
	type outcome struct {
		h   frame.Handle
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("transform panicked: %v", p)}
			}
		}()
		h, err := fn(in.Inputs, in.Backend)
		ch <- outcome{h: h, err: err}
	}()
	select {
	case out := <-ch:
		res := capture(&stdout, &stderr)
		if out.err != nil {
			return res, fmt.Errorf("usercode: %w", out.err)
		}
		res.Handle = out.h
		return res, nil
	case <-ctx.Done():
		return usercode.Result{}, ctx.Err()
	}
}

func lookupTransform(i *interp.Interpreter) (TransformFunc, error) {
	v, err := i.Eval("usercode.Transform")
	if err != nil {
		if v, err = i.Eval("main.Transform"); err != nil {
			return nil, fmt.Errorf("usercode: snippet does not define Transform: %w", err)
		}
	}
	fn, ok := v.Interface().(TransformFunc)
	if !ok {
		return nil, fmt.Errorf("usercode: Transform must be func(map[string]frame.Handle, frame.Backend) (frame.Handle, error)")
	}
	return fn, nil
}

// wrapSnippet prepends the package clause and frame import when the snippet
// omits them.
func wrapSnippet(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "package ") {
		return code
	}
	var b strings.Builder
	b.WriteString("package usercode\n\n")
	if !strings.Contains(code, `"trpc.group/trpc-go/trpc-flowfile-go/frame"`) {
		b.WriteString("import \"trpc.group/trpc-go/trpc-flowfile-go/frame\"\n\n")
	}
	b.WriteString(code)
	return b.String()
}

func capture(stdout, stderr *bytes.Buffer) usercode.Result {
	var logs []usercode.LogLine
	for _, line := range splitLines(stdout.String()) {
		logs = append(logs, usercode.LogLine{Level: "info", Message: line})
	}
	for _, line := range splitLines(stderr.String()) {
		logs = append(logs, usercode.LogLine{Level: "error", Message: line})
	}
	return usercode.Result{Logs: logs}
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}

// frameSymbols exposes the frame package to interpreted snippets.
func frameSymbols() interp.Exports {
	return interp.Exports{
		"trpc.group/trpc-go/trpc-flowfile-go/frame/frame": {
			// types
			"Handle":         reflect.ValueOf((*frame.Handle)(nil)),
			"Backend":        reflect.ValueOf((*frame.Backend)(nil)),
			"Expr":           reflect.ValueOf((*frame.Expr)(nil)),
			"Schema":         reflect.ValueOf((*frame.Schema)(nil)),
			"Field":          reflect.ValueOf((*frame.Field)(nil)),
			"Table":          reflect.ValueOf((*frame.Table)(nil)),
			"Row":            reflect.ValueOf((*frame.Row)(nil)),
			"DataType":       reflect.ValueOf((*frame.DataType)(nil)),
			"Aggregation":    reflect.ValueOf((*frame.Aggregation)(nil)),
			"AggKind":        reflect.ValueOf((*frame.AggKind)(nil)),
			"SortKey":        reflect.ValueOf((*frame.SortKey)(nil)),
			"JoinKey":        reflect.ValueOf((*frame.JoinKey)(nil)),
			"JoinType":       reflect.ValueOf((*frame.JoinType)(nil)),
			"JoinOptions":    reflect.ValueOf((*frame.JoinOptions)(nil)),
			"PivotSpec":      reflect.ValueOf((*frame.PivotSpec)(nil)),
			"UnpivotSpec":    reflect.ValueOf((*frame.UnpivotSpec)(nil)),
			"UniqueStrategy": reflect.ValueOf((*frame.UniqueStrategy)(nil)),

			// expression constructors
			"Col":  reflect.ValueOf(frame.Col),
			"Lit":  reflect.ValueOf(frame.Lit),
			"Eval": reflect.ValueOf(frame.Eval),

			// data types
			"TypeBoolean":  reflect.ValueOf(frame.TypeBoolean),
			"TypeInt64":    reflect.ValueOf(frame.TypeInt64),
			"TypeFloat64":  reflect.ValueOf(frame.TypeFloat64),
			"TypeString":   reflect.ValueOf(frame.TypeString),
			"TypeDate":     reflect.ValueOf(frame.TypeDate),
			"TypeDatetime": reflect.ValueOf(frame.TypeDatetime),

			// aggregations
			"AggSum":     reflect.ValueOf(frame.AggSum),
			"AggMin":     reflect.ValueOf(frame.AggMin),
			"AggMax":     reflect.ValueOf(frame.AggMax),
			"AggMean":    reflect.ValueOf(frame.AggMean),
			"AggMedian":  reflect.ValueOf(frame.AggMedian),
			"AggCount":   reflect.ValueOf(frame.AggCount),
			"AggNUnique": reflect.ValueOf(frame.AggNUnique),
			"AggFirst":   reflect.ValueOf(frame.AggFirst),
			"AggLast":    reflect.ValueOf(frame.AggLast),
			"AggConcat":  reflect.ValueOf(frame.AggConcat),

			// joins
			"JoinInner": reflect.ValueOf(frame.JoinInner),
			"JoinLeft":  reflect.ValueOf(frame.JoinLeft),
			"JoinRight": reflect.ValueOf(frame.JoinRight),
			"JoinFull":  reflect.ValueOf(frame.JoinFull),
			"JoinSemi":  reflect.ValueOf(frame.JoinSemi),
			"JoinAnti":  reflect.ValueOf(frame.JoinAnti),
			"JoinCross": reflect.ValueOf(frame.JoinCross),

			// unique strategies
			"UniqueFirst": reflect.ValueOf(frame.UniqueFirst),
			"UniqueLast":  reflect.ValueOf(frame.UniqueLast),
			"UniqueAny":   reflect.ValueOf(frame.UniqueAny),
			"UniqueNone":  reflect.ValueOf(frame.UniqueNone),

			// unpivot selector
			"SelectAll": reflect.ValueOf(frame.SelectAll),
		},
	}
}
