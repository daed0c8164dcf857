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
	"errors"
	"fmt"
)

// ErrBusy rejects mutations, history operations and cache clears while a run
// is in flight. Read-only queries stay available.
var ErrBusy = errors.New("flow: graph is busy with a run")

// ErrNoHistory is returned by Undo and Redo when the respective stack is
// empty or history tracking is disabled.
var ErrNoHistory = errors.New("flow: no history entry")

// SettingsValidationError reports malformed or incomplete node settings. The
// graph state is unchanged when it is returned.
type SettingsValidationError struct {
	NodeID int64
	Kind   Kind
	Reason string
}

// Error implements the error interface.
func (e *SettingsValidationError) Error() string {
	if e.NodeID != 0 {
		return fmt.Sprintf("invalid %s settings on node %d: %s", e.Kind, e.NodeID, e.Reason)
	}
	return fmt.Sprintf("invalid %s settings: %s", e.Kind, e.Reason)
}

// CycleError reports a connect that would make the edge set cyclic.
type CycleError struct {
	Source int64
	Target int64
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("connecting %d -> %d would create a cycle", e.Source, e.Target)
}

// ArityError reports a connect that exceeds the target kind's input arity, or
// a run over a node with missing required inputs.
type ArityError struct {
	NodeID int64
	Kind   Kind
	Label  string
	Count  int
	Min    int
	Max    int // Unbounded for no cap
}

// Error implements the error interface.
func (e *ArityError) Error() string {
	if e.Max != Unbounded && e.Count > e.Max {
		return fmt.Sprintf("node %d (%s) accepts at most %d %q input(s), got %d",
			e.NodeID, e.Kind, e.Max, e.Label, e.Count)
	}
	return fmt.Sprintf("node %d (%s) requires at least %d %q input(s), got %d",
		e.NodeID, e.Kind, e.Min, e.Label, e.Count)
}

// SchemaError reports that a node's output schema cannot be derived. It is
// recorded on the node and propagated as Upstream to its descendants; the
// graph itself stays valid.
type SchemaError struct {
	NodeID   int64
	Reason   string
	Upstream bool // derived from an upstream node's schema error
	Err      error
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Upstream {
		return fmt.Sprintf("node %d: upstream schema unknown: %s", e.NodeID, e.Reason)
	}
	return fmt.Sprintf("node %d: %s", e.NodeID, e.Reason)
}

// Unwrap exposes the wrapped cause.
func (e *SchemaError) Unwrap() error { return e.Err }

// NotFoundError reports an operation on a missing node, edge, flow or run.
type NotFoundError struct {
	What string // "node", "edge", "flow", "run"
	ID   string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.What, e.ID)
}

// NewNodeNotFound builds a NotFoundError for a node id.
func NewNodeNotFound(id int64) *NotFoundError {
	return &NotFoundError{What: "node", ID: fmt.Sprintf("%d", id)}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
