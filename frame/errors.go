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
	"errors"
	"fmt"
)

// EvalKind classifies why a materialization failed.
type EvalKind string

// Evaluation failure kinds.
const (
	EvalIO           EvalKind = "io"
	EvalTimeout      EvalKind = "timeout"
	EvalCancelled    EvalKind = "cancelled"
	EvalTypeMismatch EvalKind = "type_mismatch"
	EvalUserCode     EvalKind = "user_code"
	EvalIntegrity    EvalKind = "integrity"
	EvalInternal     EvalKind = "internal"
	// EvalUpstream marks a node skipped because one of its inputs failed.
	EvalUpstream EvalKind = "upstream"
)

// EvalError reports a failure while materializing a handle.
type EvalError struct {
	Kind    EvalKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *EvalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("eval %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("eval %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause.
func (e *EvalError) Unwrap() error { return e.Err }

// NewEvalError builds an EvalError wrapping an optional cause.
func NewEvalError(kind EvalKind, msg string, cause error) *EvalError {
	return &EvalError{Kind: kind, Message: msg, Err: cause}
}

// EvalErrorf builds an EvalError with a formatted message.
func EvalErrorf(kind EvalKind, format string, args ...any) *EvalError {
	return &EvalError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ContextEvalError maps a context error onto the timeout/cancelled kinds.
func ContextEvalError(ctx context.Context, msg string) *EvalError {
	kind := EvalCancelled
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = EvalTimeout
	}
	return &EvalError{Kind: kind, Message: msg, Err: ctx.Err()}
}

// AsEvalError extracts an EvalError from an error chain.
func AsEvalError(err error) (*EvalError, bool) {
	var ee *EvalError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// PlanError reports that a lazy transformation could not be applied to the
// input schema, e.g. a reference to a missing column. Handles carry the first
// plan error of their chain; see Handle.Err.
type PlanError struct {
	Op      string // transformation that failed, e.g. "filter"
	Message string
}

// Error implements the error interface.
func (e *PlanError) Error() string {
	return fmt.Sprintf("plan %s: %s", e.Op, e.Message)
}

// PlanErrorf builds a PlanError with a formatted message.
func PlanErrorf(op, format string, args ...any) *PlanError {
	return &PlanError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// AsPlanError extracts a PlanError from an error chain.
func AsPlanError(err error) (*PlanError, bool) {
	var pe *PlanError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
