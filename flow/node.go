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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"trpc.group/trpc-go/trpc-flowfile-go/document"
	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// State is the lifecycle position of a node.
type State string

// Node states.
const (
	// StateUnconfigured means the node has no valid settings yet.
	StateUnconfigured State = "unconfigured"
	// StateConfigured means settings are valid and the schema is derived,
	// but no result exists.
	StateConfigured State = "configured"
	// StateComputing means the scheduler is currently evaluating the node.
	StateComputing State = "computing"
	// StateReady means a result handle is attached and its fingerprint
	// matches the node's current fingerprint.
	StateReady State = "ready"
	// StateStale means a result exists but an upstream or settings change
	// invalidated it.
	StateStale State = "stale"
	// StateError means the last evaluation failed.
	StateError State = "error"
)

// Result bundles a node's evaluated output.
type Result struct {
	// Handle is the node's lazy output.
	Handle frame.Handle
	// RowCount is the materialized row count, or -1 when the handle was
	// left lazy.
	RowCount int64
	// Fingerprint identifies the node configuration that produced this
	// result.
	Fingerprint string
	// CacheHit marks results served from the saver instead of compute.
	CacheHit bool
}

// Node is one vertex of a flow graph. All fields are owned by the graph and
// must only be touched under its lock; callers get copies via Graph.Node.
type Node struct {
	ID          int64
	Kind        Kind
	Settings    Settings
	CacheFlag   bool
	Position    *document.Position
	Description string

	state       State
	settingsErr error           // why the node is unconfigured, when loaded from a draft
	rawDraft    json.RawMessage // rejected settings kept verbatim for round-trips
	schema      frame.Schema    // derived output schema, nil when unknown
	schemaErr   *SchemaError
	fingerprint string
	result      *Result
	evalErr     error // last run failure
}

// NodeView is the read-only snapshot of a node returned by graph queries.
type NodeView struct {
	ID          int64
	Kind        Kind
	Settings    Settings
	CacheFlag   bool
	Position    *document.Position
	Description string
	State       State
	Schema      frame.Schema
	SchemaErr   *SchemaError
	Fingerprint string
	RowCount    int64 // -1 when unknown
	Err         error
}

func (n *Node) view() NodeView {
	v := NodeView{
		ID:          n.ID,
		Kind:        n.Kind,
		Settings:    n.Settings,
		CacheFlag:   n.CacheFlag,
		Position:    n.Position,
		Description: n.Description,
		State:       n.state,
		SchemaErr:   n.schemaErr,
		Fingerprint: n.fingerprint,
		RowCount:    -1,
		Err:         n.evalErr,
	}
	if n.schema != nil {
		v.Schema = n.schema.Clone()
	}
	if n.result != nil {
		v.RowCount = n.result.RowCount
	}
	if v.Err == nil && n.settingsErr != nil {
		v.Err = n.settingsErr
	}
	return v
}

// configured reports whether the node has accepted settings.
func (n *Node) configured() bool {
	return n.Settings != nil && n.settingsErr == nil
}

// invalidate drops the node's result when its fingerprint no longer matches,
// moving Ready to Stale.
func (n *Node) invalidate() {
	if n.result != nil && n.result.Fingerprint != n.fingerprint {
		n.result = nil
		if n.state == StateReady {
			n.state = StateStale
		}
	}
}

// refreshState recomputes the node's lifecycle position after propagation.
// Stale survives until the node is recomputed or its result reattaches.
func (n *Node) refreshState() {
	switch {
	case !n.configured():
		n.state = StateUnconfigured
	case n.evalErr != nil:
		n.state = StateError
	case n.result != nil && n.result.Fingerprint == n.fingerprint:
		n.state = StateReady
	case n.state == StateStale:
	default:
		n.state = StateConfigured
	}
}

// computeFingerprint derives the node's content identity from its kind, its
// canonical settings bytes and the sorted (label, ordinal, fingerprint)
// tuples of its inputs.
func computeFingerprint(kind Kind, settings Settings, inputs []inputRef) (string, error) {
	canonical, err := MarshalSettings(settings)
	if err != nil {
		return "", fmt.Errorf("fingerprint node settings: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(canonical)
	sorted := make([]inputRef, len(inputs))
	copy(sorted, inputs)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].label != sorted[j].label {
			return sorted[i].label < sorted[j].label
		}
		return sorted[i].ordinal < sorted[j].ordinal
	})
	for _, in := range sorted {
		fmt.Fprintf(h, "\x00%s\x00%d\x00%s", in.label, in.ordinal, in.fingerprint)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// inputRef names one resolved upstream input of a node.
type inputRef struct {
	label       string
	ordinal     int
	fingerprint string
}
