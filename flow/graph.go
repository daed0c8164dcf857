//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package flow implements the directed acyclic ETL graph: nodes, edges,
// settings, schema propagation, fingerprinting, history and run scheduling.
//
// A Graph is safe for concurrent use. Mutations are serialized and rejected
// with ErrBusy while a run is in flight; read queries stay available at any
// time. Every mutation re-propagates fingerprints and schemas so the UI
// always sees the derived state of the whole graph.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"trpc.group/trpc-go/trpc-flowfile-go/cache"
	"trpc.group/trpc-go/trpc-flowfile-go/document"
	"trpc.group/trpc-go/trpc-flowfile-go/event"
	"trpc.group/trpc-go/trpc-flowfile-go/frame"
	"trpc.group/trpc-go/trpc-flowfile-go/frame/memframe"
	"trpc.group/trpc-go/trpc-flowfile-go/log"
)

// Execution modes.
const (
	// ExecutionModeDevelopment materializes every node during a run, which
	// makes intermediate results inspectable.
	ExecutionModeDevelopment = "development"
	// ExecutionModePerformance materializes only terminal and
	// cache-flagged nodes.
	ExecutionModePerformance = "performance"
)

// Edge is one directed connection between two nodes. The relative order of
// edges sharing a target and label fixes the input order of multi-input
// kinds.
type Edge struct {
	Source int64
	Target int64
	Label  string
}

// Graph is a mutable flow: a DAG of configured nodes over a frame backend.
type Graph struct {
	mu      sync.RWMutex
	running atomic.Bool

	id       int64
	name     string
	settings document.FlowSettings

	nodes     map[int64]*Node
	edges     []Edge
	nextID    int64
	docExtra  map[string]json.RawMessage
	nodeExtra map[int64]map[string]json.RawMessage

	backend   frame.Backend
	providers *Providers
	publish   func(*event.Event)
	saver     cache.Saver
	hist      *history
}

// GraphOption configures a Graph.
type GraphOption func(*Graph)

// WithID sets the flow identifier.
func WithID(id int64) GraphOption {
	return func(g *Graph) { g.id = id }
}

// WithName sets the flow name.
func WithName(name string) GraphOption {
	return func(g *Graph) { g.name = name }
}

// WithBackend sets the frame backend. The default is memframe.
func WithBackend(b frame.Backend) GraphOption {
	return func(g *Graph) { g.backend = b }
}

// WithProviders registers external collaborators for provider-backed kinds.
func WithProviders(p *Providers) GraphOption {
	return func(g *Graph) { g.providers = p }
}

// WithFlowSettings overrides the flow-level settings.
func WithFlowSettings(s document.FlowSettings) GraphOption {
	return func(g *Graph) { g.settings = s }
}

// WithHistoryLimit bounds the undo stack.
func WithHistoryLimit(n int) GraphOption {
	return func(g *Graph) {
		if n > 0 {
			g.hist.limit = n
		}
	}
}

// WithCompressedHistory gzips history snapshots, trading capture time for
// memory on large documents.
func WithCompressedHistory() GraphOption {
	return func(g *Graph) { g.hist.compress = true }
}

// WithPublisher sets the event sink runs publish to.
func WithPublisher(publish func(*event.Event)) GraphOption {
	return func(g *Graph) { g.publish = publish }
}

// WithSaver attaches a result cache that outlives single runs.
func WithSaver(s cache.Saver) GraphOption {
	return func(g *Graph) { g.saver = s }
}

// NewGraph creates an empty flow. History tracking is on by default.
func NewGraph(opts ...GraphOption) *Graph {
	g := &Graph{
		id:    1,
		name:  "untitled flow",
		nodes: make(map[int64]*Node),
		settings: document.FlowSettings{
			ExecutionMode: ExecutionModeDevelopment,
		},
		nextID: 1,
		hist:   newHistory(0),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.backend == nil {
		g.backend = memframe.New()
	}
	g.captureLocked("create")
	return g
}

// NewGraphFromDocument creates a flow from a parsed document.
func NewGraphFromDocument(ctx context.Context, doc *document.Document, opts ...GraphOption) (*Graph, error) {
	g := NewGraph(opts...)
	if err := g.loadLocked(ctx, doc); err != nil {
		return nil, err
	}
	g.hist.reset()
	g.captureLocked("load")
	return g, nil
}

// ID returns the flow identifier.
func (g *Graph) ID() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.id
}

// Name returns the flow name.
func (g *Graph) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.name
}

// SetName renames the flow.
func (g *Graph) SetName(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	if g.name == name {
		return nil
	}
	g.name = name
	g.captureLocked("rename")
	return nil
}

// FlowSettings returns the flow-level settings.
func (g *Graph) FlowSettings() document.FlowSettings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

// SetFlowSettings replaces the flow-level settings.
func (g *Graph) SetFlowSettings(s document.FlowSettings) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	g.settings = s
	g.captureLocked("update_flow_settings")
	return nil
}

// Running reports whether a run is in flight.
func (g *Graph) Running() bool { return g.running.Load() }

// nodeConfig collects AddNode options.
type nodeConfig struct {
	settings    json.RawMessage
	position    *document.Position
	description string
	cacheFlag   bool
}

// NodeOption configures a node at creation.
type NodeOption func(*nodeConfig)

// WithSettings supplies the node's initial settings payload.
func WithSettings(raw json.RawMessage) NodeOption {
	return func(c *nodeConfig) { c.settings = raw }
}

// WithPosition places the node in the editor canvas.
func WithPosition(x, y float64) NodeOption {
	return func(c *nodeConfig) { c.position = &document.Position{X: x, Y: y} }
}

// WithDescription attaches a free-form note to the node.
func WithDescription(d string) NodeOption {
	return func(c *nodeConfig) { c.description = d }
}

// WithCacheFlag marks the node's result for persistent caching.
func WithCacheFlag(on bool) NodeOption {
	return func(c *nodeConfig) { c.cacheFlag = on }
}

// AddNode adds a node of the given kind and returns its snapshot. Supplied
// settings must be valid; omit them to create an unconfigured node.
func (g *Graph) AddNode(ctx context.Context, kind Kind, opts ...NodeOption) (NodeView, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return NodeView{}, ErrBusy
	}
	if _, err := LookupKind(kind); err != nil {
		return NodeView{}, err
	}
	var cfg nodeConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	var s Settings
	if len(cfg.settings) > 0 {
		var err error
		s, err = UnmarshalSettings(kind, cfg.settings)
		if err != nil {
			return NodeView{}, err
		}
	}
	id := g.nextID
	g.nextID++
	n := &Node{
		ID:          id,
		Kind:        kind,
		Settings:    s,
		CacheFlag:   cfg.cacheFlag,
		Position:    cfg.position,
		Description: cfg.description,
		state:       StateUnconfigured,
	}
	g.nodes[id] = n
	g.propagateLocked(ctx)
	g.captureLocked("add_node")
	return n.view(), nil
}

// DeleteNode removes a node and every edge touching it.
func (g *Graph) DeleteNode(ctx context.Context, id int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	if _, ok := g.nodes[id]; !ok {
		return NewNodeNotFound(id)
	}
	delete(g.nodes, id)
	delete(g.nodeExtra, id)
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.Source != id && e.Target != id {
			kept = append(kept, e)
		}
	}
	g.edges = kept
	g.propagateLocked(ctx)
	g.captureLocked("delete_node")
	return nil
}

// Connect adds an edge. An empty label means "main". Connecting an existing
// edge is a no-op; edges that would exceed the target's arity or close a
// cycle are rejected without changing the graph.
func (g *Graph) Connect(ctx context.Context, source, target int64, label string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	if label == "" {
		label = LabelMain
	}
	if _, ok := g.nodes[source]; !ok {
		return NewNodeNotFound(source)
	}
	tgt, ok := g.nodes[target]
	if !ok {
		return NewNodeNotFound(target)
	}
	spec, err := LookupKind(tgt.Kind)
	if err != nil {
		return err
	}
	ar, ok := spec.Inputs[label]
	if !ok {
		return &ArityError{NodeID: target, Kind: tgt.Kind, Label: label, Count: 1}
	}
	count := 0
	for _, e := range g.edges {
		if e == (Edge{Source: source, Target: target, Label: label}) {
			return nil
		}
		if e.Target == target && e.Label == label {
			count++
		}
	}
	if ar.Max != Unbounded && count+1 > ar.Max {
		return &ArityError{
			NodeID: target, Kind: tgt.Kind, Label: label,
			Count: count + 1, Min: ar.Min, Max: ar.Max,
		}
	}
	if source == target || g.reachesLocked(target, source) {
		return &CycleError{Source: source, Target: target}
	}
	g.edges = append(g.edges, Edge{Source: source, Target: target, Label: label})
	g.propagateLocked(ctx)
	g.captureLocked("connect")
	return nil
}

// Disconnect removes an edge.
func (g *Graph) Disconnect(ctx context.Context, source, target int64, label string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	if label == "" {
		label = LabelMain
	}
	for i, e := range g.edges {
		if e == (Edge{Source: source, Target: target, Label: label}) {
			g.edges = append(g.edges[:i], g.edges[i+1:]...)
			g.propagateLocked(ctx)
			g.captureLocked("disconnect")
			return nil
		}
	}
	return &NotFoundError{What: "edge", ID: fmt.Sprintf("%d->%d[%s]", source, target, label)}
}

// UpdateSettings replaces a node's settings. A payload whose canonical bytes
// match the current settings leaves the graph untouched.
func (g *Graph) UpdateSettings(ctx context.Context, id int64, raw json.RawMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	n, ok := g.nodes[id]
	if !ok {
		return NewNodeNotFound(id)
	}
	s, err := UnmarshalSettings(n.Kind, raw)
	if err != nil {
		var sv *SettingsValidationError
		if errors.As(err, &sv) {
			sv.NodeID = id
		}
		return err
	}
	oldCanonical, err := MarshalSettings(n.Settings)
	if err != nil {
		return err
	}
	newCanonical, err := MarshalSettings(s)
	if err != nil {
		return err
	}
	if n.settingsErr == nil && bytes.Equal(oldCanonical, newCanonical) {
		return nil
	}
	n.Settings = s
	n.settingsErr = nil
	n.rawDraft = nil
	g.propagateLocked(ctx)
	g.captureLocked("update_settings")
	return nil
}

// SetCacheFlag toggles persistent caching for a node. The fingerprint is
// unaffected.
func (g *Graph) SetCacheFlag(id int64, on bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	n, ok := g.nodes[id]
	if !ok {
		return NewNodeNotFound(id)
	}
	if n.CacheFlag == on {
		return nil
	}
	n.CacheFlag = on
	g.captureLocked("set_cache_flag")
	return nil
}

// MoveNode repositions a node in the editor canvas.
func (g *Graph) MoveNode(id int64, x, y float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	n, ok := g.nodes[id]
	if !ok {
		return NewNodeNotFound(id)
	}
	n.Position = &document.Position{X: x, Y: y}
	g.captureLocked("move_node")
	return nil
}

// SetDescription replaces a node's note.
func (g *Graph) SetDescription(id int64, description string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	n, ok := g.nodes[id]
	if !ok {
		return NewNodeNotFound(id)
	}
	if n.Description == description {
		return nil
	}
	n.Description = description
	g.captureLocked("set_description")
	return nil
}

// Node returns a read-only snapshot of one node.
func (g *Graph) Node(id int64) (NodeView, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return NodeView{}, NewNodeNotFound(id)
	}
	return n.view(), nil
}

// Nodes returns snapshots of every node, ordered by id.
func (g *Graph) Nodes() []NodeView {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]NodeView, 0, len(g.nodes))
	for _, id := range g.sortedIDsLocked() {
		out = append(out, g.nodes[id].view())
	}
	return out
}

// Edges returns a copy of the edge list in input order.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Result returns the node's evaluated result, or nil when none is attached.
func (g *Graph) Result(id int64) (*Result, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, NewNodeNotFound(id)
	}
	if n.result == nil {
		return nil, nil
	}
	r := *n.result
	return &r, nil
}

// TopologicalOrder returns every node id in dependency order. Ties break by
// ascending id, so the order is deterministic.
func (g *Graph) TopologicalOrder() []int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.topoOrderLocked()
}

// CanUndo reports whether an undo step exists.
func (g *Graph) CanUndo() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hist.canUndo()
}

// CanRedo reports whether a redo step exists.
func (g *Graph) CanRedo() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hist.canRedo()
}

// HistorySnapshots lists the undoable states, oldest first.
func (g *Graph) HistorySnapshots() []Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.hist.snapshots()
}

// Undo restores the previous document state. Results whose fingerprints
// still match reattach to the restored nodes.
func (g *Graph) Undo(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	snap, ok := g.hist.undo()
	if !ok {
		return ErrNoHistory
	}
	data, err := snap.Document()
	if err != nil {
		return fmt.Errorf("flow: corrupt history snapshot: %w", err)
	}
	doc, err := document.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("flow: corrupt history snapshot: %w", err)
	}
	return g.restoreLocked(ctx, doc)
}

// Redo reinstates the most recently undone state.
func (g *Graph) Redo(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	snap, ok := g.hist.redo()
	if !ok {
		return ErrNoHistory
	}
	data, err := snap.Document()
	if err != nil {
		return fmt.Errorf("flow: corrupt history snapshot: %w", err)
	}
	doc, err := document.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("flow: corrupt history snapshot: %w", err)
	}
	return g.restoreLocked(ctx, doc)
}

// ClearCache drops attached results and their saver entries, forcing the
// named nodes to recompute on the next run. Without ids it clears every node
// and empties the saver.
func (g *Graph) ClearCache(ctx context.Context, ids ...int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	if len(ids) == 0 {
		for _, n := range g.nodes {
			g.clearNodeLocked(n)
		}
		if g.saver != nil {
			return g.saver.Clear(ctx)
		}
		return nil
	}
	nodes := make([]*Node, len(ids))
	for i, id := range ids {
		n, ok := g.nodes[id]
		if !ok {
			return NewNodeNotFound(id)
		}
		nodes[i] = n
	}
	for _, n := range nodes {
		g.clearNodeLocked(n)
		if g.saver != nil && n.fingerprint != "" {
			if err := g.saver.Delete(ctx, n.fingerprint); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) clearNodeLocked(n *Node) {
	n.result = nil
	n.evalErr = nil
	if n.configured() {
		n.state = StateConfigured
	} else {
		n.state = StateUnconfigured
	}
}

// Document renders the flow as a serializable document. Unknown fields
// preserved from an earlier load are carried over.
func (g *Graph) Document() (*document.Document, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.documentLocked()
}

// LoadDocument replaces the graph's content with a parsed document. On
// failure the graph is left unchanged. History restarts at the loaded state.
func (g *Graph) LoadDocument(ctx context.Context, doc *document.Document) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running.Load() {
		return ErrBusy
	}
	if err := g.loadLocked(ctx, doc); err != nil {
		return err
	}
	g.hist.reset()
	g.captureLocked("load")
	return nil
}

func (g *Graph) documentLocked() (*document.Document, error) {
	doc := &document.Document{
		FlowID:   g.id,
		Name:     g.name,
		Settings: g.settings,
		Nodes:    make([]document.Node, 0, len(g.nodes)),
		Edges:    make([]document.Edge, 0, len(g.edges)),
	}
	doc.SetExtraFields(g.docExtra)
	for _, id := range g.sortedIDsLocked() {
		n := g.nodes[id]
		var raw json.RawMessage
		if n.Settings != nil {
			canonical, err := MarshalSettings(n.Settings)
			if err != nil {
				return nil, err
			}
			raw = canonical
		} else if len(n.rawDraft) > 0 {
			raw = n.rawDraft
		} else {
			raw = json.RawMessage(`{}`)
		}
		dn := document.Node{
			ID:          n.ID,
			Kind:        string(n.Kind),
			Settings:    raw,
			Position:    clonePosition(n.Position),
			Description: n.Description,
			CacheFlag:   n.CacheFlag,
		}
		dn.SetExtraFields(g.nodeExtra[id])
		doc.Nodes = append(doc.Nodes, dn)
	}
	for _, e := range g.edges {
		doc.Edges = append(doc.Edges, document.Edge{Source: e.Source, Target: e.Target, Label: e.Label})
	}
	return doc, nil
}

// loadLocked builds the node and edge state from a document and swaps it in.
// Nodes with invalid settings load as unconfigured drafts; structural
// problems (unknown kinds, arity overflow, cycles) fail the load.
func (g *Graph) loadLocked(ctx context.Context, doc *document.Document) error {
	nodes := make(map[int64]*Node, len(doc.Nodes))
	nodeExtra := make(map[int64]map[string]json.RawMessage)
	var maxID int64
	for i := range doc.Nodes {
		dn := &doc.Nodes[i]
		kind := Kind(dn.Kind)
		if _, err := LookupKind(kind); err != nil {
			return fmt.Errorf("node %d: %w", dn.ID, err)
		}
		n := &Node{
			ID:          dn.ID,
			Kind:        kind,
			CacheFlag:   dn.CacheFlag,
			Position:    clonePosition(dn.Position),
			Description: dn.Description,
			state:       StateUnconfigured,
		}
		raw := dn.Settings
		if len(raw) == 0 {
			raw = json.RawMessage(`{}`)
		}
		s, err := UnmarshalSettings(kind, raw)
		if err != nil {
			n.settingsErr = err
			n.rawDraft = raw
		} else {
			n.Settings = s
		}
		if ex := dn.ExtraFields(); ex != nil {
			nodeExtra[dn.ID] = ex
		}
		nodes[dn.ID] = n
		if dn.ID > maxID {
			maxID = dn.ID
		}
	}

	edges := make([]Edge, 0, len(doc.Edges))
	counts := make(map[int64]map[string]int)
	for _, de := range doc.Edges {
		label := de.Label
		if label == "" {
			label = LabelMain
		}
		e := Edge{Source: de.Source, Target: de.Target, Label: label}
		if containsEdge(edges, e) {
			continue
		}
		if _, ok := nodes[e.Source]; !ok {
			return fmt.Errorf("edge %d->%d: %w", e.Source, e.Target, NewNodeNotFound(e.Source))
		}
		tgt, ok := nodes[e.Target]
		if !ok {
			return fmt.Errorf("edge %d->%d: %w", e.Source, e.Target, NewNodeNotFound(e.Target))
		}
		spec, err := LookupKind(tgt.Kind)
		if err != nil {
			return err
		}
		ar, ok := spec.Inputs[label]
		if !ok {
			return &ArityError{NodeID: e.Target, Kind: tgt.Kind, Label: label, Count: 1}
		}
		if counts[e.Target] == nil {
			counts[e.Target] = make(map[string]int)
		}
		counts[e.Target][label]++
		if c := counts[e.Target][label]; ar.Max != Unbounded && c > ar.Max {
			return &ArityError{
				NodeID: e.Target, Kind: tgt.Kind, Label: label,
				Count: c, Min: ar.Min, Max: ar.Max,
			}
		}
		edges = append(edges, e)
	}

	if cyc := findCycle(nodes, edges); cyc != nil {
		return cyc
	}

	if doc.FlowID != 0 {
		g.id = doc.FlowID
	}
	g.name = doc.Name
	g.settings = doc.Settings
	g.nodes = nodes
	g.edges = edges
	g.nextID = maxID + 1
	g.docExtra = doc.ExtraFields()
	g.nodeExtra = nodeExtra
	g.propagateLocked(ctx)
	return nil
}

// restoreLocked is loadLocked for history restores: results whose
// fingerprints still match reattach instead of being recomputed.
func (g *Graph) restoreLocked(ctx context.Context, doc *document.Document) error {
	saved := make(map[string]*Result)
	for _, n := range g.nodes {
		if n.result != nil {
			saved[n.result.Fingerprint] = n.result
		}
	}
	if err := g.loadLocked(ctx, doc); err != nil {
		return err
	}
	for _, n := range g.nodes {
		if r, ok := saved[n.fingerprint]; ok && n.configured() {
			n.result = r
			n.evalErr = nil
			n.state = StateReady
		}
	}
	return nil
}

// captureLocked records the current document in the undo history.
func (g *Graph) captureLocked(reason string) {
	if !g.settings.HistoryEnabled() {
		return
	}
	doc, err := g.documentLocked()
	if err != nil {
		log.Warnf("flow %d: history capture skipped: %v", g.id, err)
		return
	}
	data, err := document.Marshal(doc)
	if err != nil {
		log.Warnf("flow %d: history capture skipped: %v", g.id, err)
		return
	}
	hash, err := document.Hash(doc)
	if err != nil {
		log.Warnf("flow %d: history capture skipped: %v", g.id, err)
		return
	}
	g.hist.capture(reason, hash, data)
}

// propagateLocked recomputes fingerprints, schemas and states for the whole
// graph in topological order. Source reads probe their schema; sinks skip
// their side effects.
func (g *Graph) propagateLocked(ctx context.Context) {
	order := g.topoOrderLocked()
	for _, id := range order {
		n := g.nodes[id]
		fp, err := computeFingerprint(n.Kind, n.Settings, g.inputRefsLocked(id))
		if err != nil {
			log.Errorf("flow %d: node %d fingerprint: %v", g.id, id, err)
			continue
		}
		if n.fingerprint != fp {
			n.evalErr = nil
		}
		n.fingerprint = fp
		n.invalidate()
	}
	rc := &RunContext{ctx: ctx, flowID: g.id, backend: g.backend, providers: g.providers}
	for _, id := range order {
		n := g.nodes[id]
		g.deriveSchemaLocked(rc, n)
		n.refreshState()
	}
}

// deriveSchemaLocked computes one node's output schema over empty frames.
func (g *Graph) deriveSchemaLocked(rc *RunContext, n *Node) {
	n.schema = nil
	n.schemaErr = nil
	if !n.configured() {
		n.schemaErr = &SchemaError{NodeID: n.ID, Reason: "node is not configured"}
		return
	}
	inputs, complete := g.schemaInputsLocked(n.ID)
	if !complete {
		n.schemaErr = &SchemaError{NodeID: n.ID, Upstream: true, Reason: "an upstream schema is unavailable"}
		return
	}
	h, err := buildHandle(rc, n, inputs, true)
	if err != nil {
		n.schemaErr = &SchemaError{NodeID: n.ID, Reason: err.Error(), Err: err}
		return
	}
	if hErr := h.Err(); hErr != nil {
		n.schemaErr = &SchemaError{NodeID: n.ID, Reason: hErr.Error(), Err: hErr}
		return
	}
	n.schema = h.Schema().Clone()
}

// schemaInputsLocked assembles empty handles from upstream schemas. The
// second return is false when any upstream schema is unknown.
func (g *Graph) schemaInputsLocked(id int64) (map[string][]frame.Handle, bool) {
	inputs := make(map[string][]frame.Handle)
	complete := true
	for _, e := range g.edges {
		if e.Target != id {
			continue
		}
		up := g.nodes[e.Source]
		if up.schema == nil {
			complete = false
			continue
		}
		inputs[e.Label] = append(inputs[e.Label], g.backend.Empty(up.schema))
	}
	return inputs, complete
}

// inputRefsLocked lists the (label, ordinal, fingerprint) tuples feeding a
// node, in edge insertion order per label.
func (g *Graph) inputRefsLocked(id int64) []inputRef {
	counts := make(map[string]int)
	var refs []inputRef
	for _, e := range g.edges {
		if e.Target != id {
			continue
		}
		ord := counts[e.Label]
		counts[e.Label]++
		refs = append(refs, inputRef{
			label:       e.Label,
			ordinal:     ord,
			fingerprint: g.nodes[e.Source].fingerprint,
		})
	}
	return refs
}

// inputEdgesLocked returns the edges feeding a node in insertion order.
func (g *Graph) inputEdgesLocked(id int64) []Edge {
	var in []Edge
	for _, e := range g.edges {
		if e.Target == id {
			in = append(in, e)
		}
	}
	return in
}

// topoOrderLocked returns node ids in dependency order, smallest id first
// among the ready set.
func (g *Graph) topoOrderLocked() []int64 {
	indeg := make(map[int64]int, len(g.nodes))
	adj := make(map[int64][]int64)
	for id := range g.nodes {
		indeg[id] = 0
	}
	for _, e := range g.edges {
		indeg[e.Target]++
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	var ready []int64
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	order := make([]int64, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, t := range adj[id] {
			indeg[t]--
			if indeg[t] == 0 {
				ready = append(ready, t)
			}
		}
	}
	return order
}

// reachesLocked reports whether `to` is reachable from `from`.
func (g *Graph) reachesLocked(from, to int64) bool {
	adj := make(map[int64][]int64)
	for _, e := range g.edges {
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	stack := []int64{from}
	seen := map[int64]bool{from: true}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		for _, next := range adj[id] {
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func (g *Graph) sortedIDsLocked() []int64 {
	ids := make([]int64, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// findCycle runs Kahn's algorithm over a candidate edge set and, when nodes
// remain unprocessed, names one edge inside the cycle.
func findCycle(nodes map[int64]*Node, edges []Edge) *CycleError {
	indeg := make(map[int64]int, len(nodes))
	adj := make(map[int64][]int64)
	for id := range nodes {
		indeg[id] = 0
	}
	for _, e := range edges {
		indeg[e.Target]++
		adj[e.Source] = append(adj[e.Source], e.Target)
	}
	var ready []int64
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	processed := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		processed++
		for _, t := range adj[id] {
			indeg[t]--
			if indeg[t] == 0 {
				ready = append(ready, t)
			}
		}
	}
	if processed == len(nodes) {
		return nil
	}
	for _, e := range edges {
		if indeg[e.Target] > 0 && indeg[e.Source] > 0 {
			return &CycleError{Source: e.Source, Target: e.Target}
		}
	}
	return &CycleError{}
}

func containsEdge(edges []Edge, e Edge) bool {
	for _, have := range edges {
		if have == e {
			return true
		}
	}
	return false
}

func clonePosition(p *document.Position) *document.Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
