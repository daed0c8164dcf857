//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package usercode defines the seam between the flow engine and user-supplied
// code blocks. The engine hands the runner the code text and the resolved
// input handles and consumes only the returned handle plus captured logs; the
// sandboxing strategy belongs to the implementation.
package usercode

import (
	"context"
	"strconv"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// DefaultInputName binds a single input; n inputs bind as input_df_1 ..
// input_df_n.
const DefaultInputName = "input_df"

// InputName returns the binding name for input i (0-based) out of n.
func InputName(i, n int) string {
	if n <= 1 {
		return DefaultInputName
	}
	return DefaultInputName + "_" + strconv.Itoa(i+1)
}

// LogLine is one captured output line from a code run.
type LogLine struct {
	Level   string `json:"level"` // info or error
	Message string `json:"message"`
}

// Input carries one code execution request.
type Input struct {
	// Code is the user's program text.
	Code string
	// Inputs maps binding names to resolved handles.
	Inputs map[string]frame.Handle
	// Backend lets the code construct fresh handles.
	Backend frame.Backend
}

// Result carries the code's output handle and captured logs.
type Result struct {
	Handle frame.Handle
	Logs   []LogLine
}

// Runner executes one code block. Implementations control isolation and
// stdout/stderr capture; errors are surfaced as user_code evaluation
// failures by the engine.
type Runner interface {
	Run(ctx context.Context, in Input) (Result, error)
}
