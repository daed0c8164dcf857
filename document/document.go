//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package document defines the persisted form of a flow graph.
//
// A document is a JSON-equivalent tree: flow metadata, a node list and an
// edge list. Unknown fields survive a load/save round-trip untouched, so
// documents written by newer builds keep their extra data when edited by
// older ones. Marshal output is canonical: fields sort lexicographically and
// byte equality implies semantic equality, which the history layer relies on
// for its snapshot hashes.
package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Document is the persisted form of one flow graph.
type Document struct {
	FlowID   int64        `json:"flow_id"`
	Name     string       `json:"name"`
	Settings FlowSettings `json:"settings"`
	Nodes    []Node       `json:"nodes"`
	Edges    []Edge       `json:"edges"`

	extra map[string]json.RawMessage
}

// FlowSettings carries graph-level configuration.
type FlowSettings struct {
	// ExecutionMode selects development (materialize every node) or
	// performance (materialize terminals only).
	ExecutionMode string `json:"execution_mode,omitempty"`
	// TrackHistory enables undo/redo snapshots. Absent means enabled.
	TrackHistory *bool `json:"track_history,omitempty"`
	// Path optionally remembers where the document lives on disk.
	Path string `json:"path,omitempty"`
	// MaxWorkers bounds the run worker pool; 0 uses the engine default.
	MaxWorkers int `json:"max_workers,omitempty"`
}

// HistoryEnabled reports whether undo snapshots should be captured.
func (s FlowSettings) HistoryEnabled() bool {
	return s.TrackHistory == nil || *s.TrackHistory
}

// Position is the node placement in a visual editor. The core stores it
// verbatim.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one persisted node entry. Settings stay raw at this layer; the
// flow layer decodes them per kind.
type Node struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	Settings    json.RawMessage `json:"settings,omitempty"`
	Position    *Position       `json:"position,omitempty"`
	Description string          `json:"description,omitempty"`
	CacheFlag   bool            `json:"cache_flag,omitempty"`

	extra map[string]json.RawMessage
}

// Edge connects a source node's output to a target node's input slot.
type Edge struct {
	Source int64  `json:"source"`
	Target int64  `json:"target"`
	Label  string `json:"label"`
}

// LabelMain is the default edge label.
const LabelMain = "main"

var documentKeys = map[string]struct{}{
	"flow_id": {}, "name": {}, "settings": {}, "nodes": {}, "edges": {},
}

var nodeKeys = map[string]struct{}{
	"id": {}, "kind": {}, "settings": {}, "position": {},
	"description": {}, "cache_flag": {},
}

// UnmarshalJSON decodes a document, stashing unknown top-level fields.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type alias Document
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*d = Document(a)
	for k, v := range raw {
		if _, known := documentKeys[k]; known {
			continue
		}
		if d.extra == nil {
			d.extra = make(map[string]json.RawMessage)
		}
		d.extra[k] = v
	}
	return nil
}

// MarshalJSON encodes the document with unknown fields restored. Known
// fields win on collision.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.extra)+5)
	for k, v := range d.extra {
		out[k] = v
	}
	put := func(key string, v any) error {
		blob, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = blob
		return nil
	}
	if err := put("flow_id", d.FlowID); err != nil {
		return nil, err
	}
	if err := put("name", d.Name); err != nil {
		return nil, err
	}
	if err := put("settings", d.Settings); err != nil {
		return nil, err
	}
	nodes := d.Nodes
	if nodes == nil {
		nodes = []Node{}
	}
	if err := put("nodes", nodes); err != nil {
		return nil, err
	}
	edges := d.Edges
	if edges == nil {
		edges = []Edge{}
	}
	if err := put("edges", edges); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a node entry, stashing unknown fields and defaulting
// absent settings to an empty object.
func (n *Node) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	type alias Node
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*n = Node(a)
	if len(n.Settings) == 0 {
		n.Settings = json.RawMessage(`{}`)
	}
	for k, v := range raw {
		if _, known := nodeKeys[k]; known {
			continue
		}
		if n.extra == nil {
			n.extra = make(map[string]json.RawMessage)
		}
		n.extra[k] = v
	}
	return nil
}

// MarshalJSON encodes the node with unknown fields restored.
func (n Node) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(n.extra)+6)
	for k, v := range n.extra {
		out[k] = v
	}
	put := func(key string, v any) error {
		blob, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[key] = blob
		return nil
	}
	if err := put("id", n.ID); err != nil {
		return nil, err
	}
	if err := put("kind", n.Kind); err != nil {
		return nil, err
	}
	settings := n.Settings
	if len(settings) == 0 {
		settings = json.RawMessage(`{}`)
	}
	out["settings"] = settings
	if n.Position != nil {
		if err := put("position", n.Position); err != nil {
			return nil, err
		}
	}
	if n.Description != "" {
		if err := put("description", n.Description); err != nil {
			return nil, err
		}
	}
	if n.CacheFlag {
		if err := put("cache_flag", n.CacheFlag); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

// ExtraFields returns the unknown document fields preserved from decoding.
func (d *Document) ExtraFields() map[string]json.RawMessage { return cloneExtra(d.extra) }

// SetExtraFields replaces the preserved unknown document fields.
func (d *Document) SetExtraFields(m map[string]json.RawMessage) { d.extra = cloneExtra(m) }

// ExtraFields returns the unknown node fields preserved from decoding.
func (n *Node) ExtraFields() map[string]json.RawMessage { return cloneExtra(n.extra) }

// SetExtraFields replaces the preserved unknown node fields.
func (n *Node) SetExtraFields(m map[string]json.RawMessage) { n.extra = cloneExtra(m) }

func cloneExtra(m map[string]json.RawMessage) map[string]json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Unmarshal parses a JSON document, applies legacy migrations and validates
// referential integrity.
func Unmarshal(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("document: %w", err)
	}
	if err := migrate(&d); err != nil {
		return nil, err
	}
	if err := validate(&d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Marshal renders the canonical compact encoding. Equal documents produce
// equal bytes.
func Marshal(d *Document) ([]byte, error) {
	return json.Marshal(d)
}

// MarshalIndent renders a human-friendly encoding for files on disk.
func MarshalIndent(d *Document) ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Hash returns the sha256 hex digest of the canonical encoding.
func Hash(d *Document) (string, error) {
	blob, err := Marshal(d)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func validate(d *Document) error {
	ids := make(map[int64]struct{}, len(d.Nodes))
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if n.ID <= 0 {
			return fmt.Errorf("document: node %d has invalid id %d", i, n.ID)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("document: duplicate node id %d", n.ID)
		}
		if n.Kind == "" {
			return fmt.Errorf("document: node %d has empty kind", n.ID)
		}
		ids[n.ID] = struct{}{}
	}
	for i := range d.Edges {
		e := &d.Edges[i]
		if e.Label == "" {
			e.Label = LabelMain
		}
		if _, ok := ids[e.Source]; !ok {
			return fmt.Errorf("document: edge %d references unknown source %d", i, e.Source)
		}
		if _, ok := ids[e.Target]; !ok {
			return fmt.Errorf("document: edge %d references unknown target %d", i, e.Target)
		}
	}
	return nil
}
