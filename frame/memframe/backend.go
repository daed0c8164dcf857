//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package memframe is the reference in-memory backend of the frame seam.
//
// Plans are built lazily: every transformation appends an operator node and
// recomputes only the output schema, so schema propagation over an entire
// flow graph touches no data. Collect walks the operator DAG once, memoizing
// shared subplans, and honors context cancellation between operators and
// inside row loops.
package memframe

import (
	"context"
	"fmt"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

const (
	defaultInferLen   = 100
	defaultMaxPivot   = 256
	cancelCheckStride = 1024
)

// Options configures the backend.
type Options struct {
	inferLen int
	maxPivot int
}

// Option mutates Options.
type Option func(*Options)

// WithInferLen bounds the rows sampled for CSV type inference.
func WithInferLen(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.inferLen = n
		}
	}
}

// WithMaxPivotColumns caps the columns a pivot may generate.
func WithMaxPivotColumns(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.maxPivot = n
		}
	}
}

// Backend implements frame.Backend over in-process row buffers.
type Backend struct {
	opts Options
}

var _ frame.Backend = (*Backend)(nil)

// New creates a Backend.
func New(opt ...Option) *Backend {
	opts := Options{inferLen: defaultInferLen, maxPivot: defaultMaxPivot}
	for _, o := range opt {
		o(&opts)
	}
	return &Backend{opts: opts}
}

// Name implements frame.Backend.
func (b *Backend) Name() string { return "memframe" }

// FromTable implements frame.Backend.
func (b *Backend) FromTable(t *frame.Table) (frame.Handle, error) {
	if t == nil {
		return nil, fmt.Errorf("memframe: nil table")
	}
	if err := validateSchema(t.Schema); err != nil {
		return nil, err
	}
	return b.root(&planOp{kind: opTable, schema: t.Schema.Clone(), table: t}), nil
}

// Empty implements frame.Backend.
func (b *Backend) Empty(schema frame.Schema) frame.Handle {
	if err := validateSchema(schema); err != nil {
		return &handle{b: b, err: err}
	}
	s := schema.Clone()
	return b.root(&planOp{kind: opTable, schema: s, table: &frame.Table{Schema: s}})
}

// Scan implements frame.Backend. The matched files are probed for their
// schema immediately; row data is read only at Collect.
func (b *Backend) Scan(ctx context.Context, req frame.ScanRequest) (frame.Handle, error) {
	if req.Path == "" {
		return nil, frame.EvalErrorf(frame.EvalIO, "scan: empty path")
	}
	if _, err := frame.ParseFileFormat(string(req.Format)); err != nil {
		return nil, frame.NewEvalError(frame.EvalIO, "scan", err)
	}
	schema, err := b.scanSchema(ctx, req)
	if err != nil {
		return nil, err
	}
	return b.root(&planOp{kind: opScan, schema: schema, scan: &req}), nil
}

func (b *Backend) root(op *planOp) *handle {
	return &handle{b: b, op: op, schema: op.schema}
}

func validateSchema(s frame.Schema) error {
	seen := make(map[string]struct{}, len(s))
	for _, f := range s {
		if f.Name == "" {
			return fmt.Errorf("memframe: empty column name")
		}
		if f.Type == frame.TypeAuto {
			return fmt.Errorf("memframe: column %q has unresolved type", f.Name)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("memframe: duplicate column %q", f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}
