//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

// Package engine hosts multiple flows behind one embeddable surface. It owns
// the flow registry, one event bus per flow, run cancellation, and the
// OpenTelemetry recorder; everything else delegates to the flow package.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"trpc.group/trpc-go/trpc-flowfile-go/cache"
	"trpc.group/trpc-go/trpc-flowfile-go/codegen"
	"trpc.group/trpc-go/trpc-flowfile-go/document"
	"trpc.group/trpc-go/trpc-flowfile-go/event"
	"trpc.group/trpc-go/trpc-flowfile-go/flow"
	"trpc.group/trpc-go/trpc-flowfile-go/frame"
	"trpc.group/trpc-go/trpc-flowfile-go/frame/memframe"
	itelemetry "trpc.group/trpc-go/trpc-flowfile-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-flowfile-go/log"
)

// ErrClosed rejects operations on a closed engine.
var ErrClosed = errors.New("engine is closed")

// options holds the engine configuration.
type options struct {
	backend         frame.Backend
	providers       *flow.Providers
	saver           cache.Saver
	historyLimit    int
	compressHistory bool
	busBuffer       int
}

// Option configures the engine.
type Option func(*options)

// WithBackend sets the frame backend shared by every flow. The default is
// the in-memory backend.
func WithBackend(b frame.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithProviders registers the external collaborators for provider-backed
// kinds: cloud and database scans and writes, connection resolution, and the
// user-code runner.
func WithProviders(p *flow.Providers) Option {
	return func(o *options) { o.providers = p }
}

// WithSaver attaches a result cache shared by every flow.
func WithSaver(s cache.Saver) Option {
	return func(o *options) { o.saver = s }
}

// WithHistoryLimit bounds each flow's undo stack.
func WithHistoryLimit(n int) Option {
	return func(o *options) { o.historyLimit = n }
}

// WithCompressedHistory gzips each flow's history snapshots.
func WithCompressedHistory() Option {
	return func(o *options) { o.compressHistory = true }
}

// WithEventBufferSize sets the per-subscription event channel capacity.
func WithEventBufferSize(n int) Option {
	return func(o *options) { o.busBuffer = n }
}

// Engine owns flows by id. All methods are safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	opts   options
	flows  map[int64]*flow.Graph
	buses  map[int64]*event.Bus
	runs   map[int64]context.CancelFunc
	nextID atomic.Int64
	rec    *itelemetry.Recorder
	closed bool
}

// New creates an engine.
func New(opts ...Option) *Engine {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.backend == nil {
		o.backend = memframe.New()
	}
	return &Engine{
		opts:  o,
		flows: make(map[int64]*flow.Graph),
		buses: make(map[int64]*event.Bus),
		runs:  make(map[int64]context.CancelFunc),
		rec:   itelemetry.NewRecorder(),
	}
}

// SetTracerProvider installs the OpenTelemetry tracer provider behind the
// run and node spans. The default is a noop provider.
func SetTracerProvider(tp trace.TracerProvider) {
	itelemetry.SetTracerProvider(tp)
}

// SetMeterProvider installs the OpenTelemetry meter provider behind the run
// and node instruments. The default is a noop provider.
func SetMeterProvider(mp metric.MeterProvider) error {
	return itelemetry.SetMeterProvider(mp)
}

// NewFlow creates an empty flow and returns its id.
func (e *Engine) NewFlow(name string) (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	id := e.nextID.Add(1)
	bus := e.newBus()
	g := flow.NewGraph(append(e.graphOptions(id, bus), flow.WithName(name))...)
	e.flows[id] = g
	e.buses[id] = bus
	log.Infof("engine: created flow %d %q", id, name)
	return id, nil
}

// ImportDocument registers a parsed flow document as a new flow. The engine
// assigns its own flow id; the document's flowId is ignored so two saved
// files cannot collide inside one engine.
func (e *Engine) ImportDocument(ctx context.Context, doc *document.Document) (int64, error) {
	if doc == nil {
		return 0, errors.New("nil document")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	id := e.nextID.Add(1)
	d := *doc
	d.FlowID = id
	bus := e.newBus()
	g, err := flow.NewGraphFromDocument(ctx, &d, e.graphOptions(id, bus)...)
	if err != nil {
		// The id stays burned; ids only ever move forward.
		return 0, err
	}
	e.flows[id] = g
	e.buses[id] = bus
	return id, nil
}

// LoadFlow reads a flow file and registers it as a new flow. Files ending in
// .yaml or .yml parse as YAML, everything else as JSON.
func (e *Engine) LoadFlow(ctx context.Context, path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var doc *document.Document
	if isYAMLPath(path) {
		doc, err = document.UnmarshalYAML(data)
	} else {
		doc, err = document.Unmarshal(data)
	}
	if err != nil {
		return 0, err
	}
	id, err := e.ImportDocument(ctx, doc)
	if err != nil {
		return 0, err
	}
	log.Infof("engine: loaded flow %d from %s", id, path)
	return id, nil
}

// SaveFlow writes the flow's document to a file, YAML for .yaml/.yml paths
// and indented JSON otherwise.
func (e *Engine) SaveFlow(flowID int64, path string) error {
	g, err := e.Flow(flowID)
	if err != nil {
		return err
	}
	doc, err := g.Document()
	if err != nil {
		return err
	}
	var data []byte
	if isYAMLPath(path) {
		data, err = document.MarshalYAML(doc)
	} else {
		data, err = document.MarshalIndent(doc)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Flow returns the graph registered under the id.
func (e *Engine) Flow(flowID int64) (*flow.Graph, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.flows[flowID]
	if !ok {
		return nil, flowNotFound(flowID)
	}
	return g, nil
}

// FlowInfo is one row of ListFlows.
type FlowInfo struct {
	ID      int64
	Name    string
	Nodes   int
	Running bool
}

// ListFlows summarizes the registered flows in id order.
func (e *Engine) ListFlows() []FlowInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	infos := make([]FlowInfo, 0, len(e.flows))
	for id, g := range e.flows {
		infos = append(infos, FlowInfo{
			ID:      id,
			Name:    g.Name(),
			Nodes:   len(g.Nodes()),
			Running: g.Running(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// DeleteFlow unregisters a flow and closes its event bus. A flow with a run
// in flight cannot be deleted.
func (e *Engine) DeleteFlow(flowID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.flows[flowID]
	if !ok {
		return flowNotFound(flowID)
	}
	if _, busy := e.runs[flowID]; busy || g.Running() {
		return flow.ErrBusy
	}
	e.buses[flowID].Close()
	delete(e.buses, flowID)
	delete(e.flows, flowID)
	log.Infof("engine: deleted flow %d", flowID)
	return nil
}

// AddNode adds a node to a flow.
func (e *Engine) AddNode(ctx context.Context, flowID int64, kind flow.Kind, opts ...flow.NodeOption) (flow.NodeView, error) {
	g, err := e.Flow(flowID)
	if err != nil {
		return flow.NodeView{}, err
	}
	return g.AddNode(ctx, kind, opts...)
}

// DeleteNode removes a node and its edges from a flow.
func (e *Engine) DeleteNode(ctx context.Context, flowID, nodeID int64) error {
	g, err := e.Flow(flowID)
	if err != nil {
		return err
	}
	return g.DeleteNode(ctx, nodeID)
}

// Connect adds an edge between two nodes of a flow.
func (e *Engine) Connect(ctx context.Context, flowID, source, target int64, label string) error {
	g, err := e.Flow(flowID)
	if err != nil {
		return err
	}
	return g.Connect(ctx, source, target, label)
}

// Disconnect removes an edge between two nodes of a flow.
func (e *Engine) Disconnect(ctx context.Context, flowID, source, target int64, label string) error {
	g, err := e.Flow(flowID)
	if err != nil {
		return err
	}
	return g.Disconnect(ctx, source, target, label)
}

// UpdateSettings replaces a node's settings payload.
func (e *Engine) UpdateSettings(ctx context.Context, flowID, nodeID int64, raw json.RawMessage) error {
	g, err := e.Flow(flowID)
	if err != nil {
		return err
	}
	return g.UpdateSettings(ctx, nodeID, raw)
}

// Undo reverts a flow's last mutation.
func (e *Engine) Undo(ctx context.Context, flowID int64) error {
	g, err := e.Flow(flowID)
	if err != nil {
		return err
	}
	return g.Undo(ctx)
}

// Redo reapplies a flow's last undone mutation.
func (e *Engine) Redo(ctx context.Context, flowID int64) error {
	g, err := e.Flow(flowID)
	if err != nil {
		return err
	}
	return g.Redo(ctx)
}

// ClearCache drops a flow's node results and persistent cache entries,
// optionally scoped to the named nodes.
func (e *Engine) ClearCache(ctx context.Context, flowID int64, nodeIDs ...int64) error {
	g, err := e.Flow(flowID)
	if err != nil {
		return err
	}
	return g.ClearCache(ctx, nodeIDs...)
}

// GenerateCode renders a flow as a standalone Go program.
func (e *Engine) GenerateCode(flowID int64, opts ...codegen.Option) ([]byte, error) {
	g, err := e.Flow(flowID)
	if err != nil {
		return nil, err
	}
	return codegen.Generate(g, opts...)
}

// Subscribe registers a consumer on the flow's event bus. Close the
// subscription when done.
func (e *Engine) Subscribe(flowID int64, opts ...event.SubscribeOption) (*event.Subscription, error) {
	e.mu.RLock()
	bus, ok := e.buses[flowID]
	e.mu.RUnlock()
	if !ok {
		return nil, flowNotFound(flowID)
	}
	return bus.Subscribe(opts...), nil
}

// Run executes a flow. The run is registered for cancellation while it is in
// flight; a second Run on the same flow returns flow.ErrBusy.
func (e *Engine) Run(ctx context.Context, flowID int64, opts ...flow.RunOption) (*flow.RunReport, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	g, ok := e.flows[flowID]
	if !ok {
		e.mu.Unlock()
		return nil, flowNotFound(flowID)
	}
	if _, busy := e.runs[flowID]; busy {
		e.mu.Unlock()
		return nil, flow.ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.runs[flowID] = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.runs, flowID)
		e.mu.Unlock()
		cancel()
	}()
	return g.Run(runCtx, opts...)
}

// Cancel aborts the flow's in-flight run, if any. Cancelling an idle flow is
// a no-op.
func (e *Engine) Cancel(flowID int64) error {
	e.mu.RLock()
	_, ok := e.flows[flowID]
	cancel := e.runs[flowID]
	e.mu.RUnlock()
	if !ok {
		return flowNotFound(flowID)
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

// Close cancels in-flight runs, closes every event bus, and closes the
// result cache. It does not wait for cancelled runs to unwind.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for id, cancel := range e.runs {
		cancel()
		delete(e.runs, id)
	}
	buses := make([]*event.Bus, 0, len(e.buses))
	for _, bus := range e.buses {
		buses = append(buses, bus)
	}
	e.mu.Unlock()

	for _, bus := range buses {
		bus.Close()
	}
	if e.opts.saver != nil {
		return e.opts.saver.Close()
	}
	return nil
}

func (e *Engine) newBus() *event.Bus {
	if e.opts.busBuffer > 0 {
		return event.NewBus(event.WithBufferSize(e.opts.busBuffer))
	}
	return event.NewBus()
}

// graphOptions assembles the per-flow graph options. The publisher feeds the
// telemetry recorder before fanning the event out to subscribers.
func (e *Engine) graphOptions(id int64, bus *event.Bus) []flow.GraphOption {
	publish := func(ev *event.Event) {
		e.rec.Observe(ev)
		bus.Publish(ev)
	}
	opts := []flow.GraphOption{
		flow.WithID(id),
		flow.WithBackend(e.opts.backend),
		flow.WithPublisher(publish),
	}
	if e.opts.providers != nil {
		opts = append(opts, flow.WithProviders(e.opts.providers))
	}
	if e.opts.saver != nil {
		opts = append(opts, flow.WithSaver(e.opts.saver))
	}
	if e.opts.historyLimit > 0 {
		opts = append(opts, flow.WithHistoryLimit(e.opts.historyLimit))
	}
	if e.opts.compressHistory {
		opts = append(opts, flow.WithCompressedHistory())
	}
	return opts
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func flowNotFound(id int64) error {
	return &flow.NotFoundError{What: "flow", ID: strconv.FormatInt(id, 10)}
}
