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
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"trpc.group/trpc-go/trpc-flowfile-go/event"
	"trpc.group/trpc-go/trpc-flowfile-go/frame"
	"trpc.group/trpc-go/trpc-flowfile-go/log"
)

// DefaultWorkers sizes the run pool when neither the flow settings nor the
// run options set one.
var DefaultWorkers = runtime.NumCPU()

// RunOption configures one run.
type RunOption func(*runConfig)

type runConfig struct {
	targets     []int64
	nodeTimeout time.Duration
	workers     int
}

// WithTargets restricts the run to the given nodes and their upstreams.
func WithTargets(ids ...int64) RunOption {
	return func(c *runConfig) { c.targets = append(c.targets, ids...) }
}

// WithNodeTimeout bounds each node's evaluation.
func WithNodeTimeout(d time.Duration) RunOption {
	return func(c *runConfig) { c.nodeTimeout = d }
}

// WithWorkers overrides the worker pool size for this run.
func WithWorkers(n int) RunOption {
	return func(c *runConfig) { c.workers = n }
}

// RunReport summarizes a finished run.
type RunReport struct {
	RunID     string
	Status    event.RunStatus
	Started   time.Time
	Finished  time.Time
	Computed  int
	CacheHits int
	NodeErrs  map[int64]error
}

// nodeTask is one unit of work submitted to the pool. The node's settings
// and identity fields are immutable while the run holds the busy flag;
// lifecycle fields are only written through the graph's locked helpers.
type nodeTask struct {
	node        *Node
	inputs      map[string][]frame.Handle
	fingerprint string
	materialize bool
}

type completion struct {
	id     int64
	result *Result
	err    error
}

// runPlan is the immutable snapshot a run works from.
type runPlan struct {
	order       []int64
	nodes       map[int64]*Node
	needSet     map[int64]bool
	deps        map[int64]int
	children    map[int64][]int64
	inEdges     map[int64][]Edge
	terminal    map[int64]bool
	materialize map[int64]bool
	live        map[int64]*Result
	dupOf       map[int64]int64   // duplicate -> leader with the same fingerprint
	followers   map[int64][]int64 // leader -> its duplicates, topologically ordered
	workers     int
}

type runState struct {
	g      *Graph
	runID  string
	ctx    context.Context
	cfg    runConfig
	plan   *runPlan
	done   chan completion
	report *RunReport

	// coordinator-owned bookkeeping, never touched by workers
	results map[int64]*Result
	failed  map[int64]error
	ready   []int64
}

// Run evaluates the graph over its backend. Only one run may be in flight;
// concurrent calls return ErrBusy. Node failures do not abort the run: the
// failed node and its descendants are marked and every other branch
// continues.
func (g *Graph) Run(ctx context.Context, opts ...RunOption) (*RunReport, error) {
	if !g.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer g.running.Store(false)

	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	plan, err := g.planRun(cfg)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rs := &runState{
		g:     g,
		runID: uuid.New().String(),
		ctx:   runCtx,
		cfg:   cfg,
		plan:  plan,
		done:  make(chan completion, len(plan.order)),
		report: &RunReport{
			Status:   event.RunSuccess,
			Started:  time.Now(),
			NodeErrs: make(map[int64]error),
		},
	}
	rs.report.RunID = rs.runID

	g.emit(event.New(g.id, rs.runID, event.TypeRunStarted))
	rs.execute()
	rs.report.Finished = time.Now()
	rs.report.Status = rs.status()
	g.emit(event.New(g.id, rs.runID, event.TypeRunFinished,
		event.WithStatus(rs.report.Status),
		event.WithDuration(rs.report.Finished.Sub(rs.report.Started))))
	return rs.report, nil
}

// planRun snapshots everything a run needs under the read lock: the target
// closure, dependency counts, input edges and reusable live results.
func (g *Graph) planRun(cfg runConfig) (*runPlan, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	needSet := make(map[int64]bool, len(g.nodes))
	if len(cfg.targets) == 0 {
		for id := range g.nodes {
			needSet[id] = true
		}
	} else {
		stack := make([]int64, 0, len(cfg.targets))
		for _, id := range cfg.targets {
			if _, ok := g.nodes[id]; !ok {
				return nil, NewNodeNotFound(id)
			}
			if !needSet[id] {
				needSet[id] = true
				stack = append(stack, id)
			}
		}
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, e := range g.inputEdgesLocked(id) {
				if !needSet[e.Source] {
					needSet[e.Source] = true
					stack = append(stack, e.Source)
				}
			}
		}
	}

	plan := &runPlan{
		nodes:       make(map[int64]*Node, len(needSet)),
		needSet:     needSet,
		deps:        make(map[int64]int, len(needSet)),
		children:    make(map[int64][]int64),
		inEdges:     make(map[int64][]Edge),
		terminal:    make(map[int64]bool, len(needSet)),
		materialize: make(map[int64]bool, len(needSet)),
		live:        make(map[int64]*Result),
		dupOf:       make(map[int64]int64),
		followers:   make(map[int64][]int64),
	}
	for _, id := range g.topoOrderLocked() {
		if !needSet[id] {
			continue
		}
		plan.order = append(plan.order, id)
		plan.nodes[id] = g.nodes[id]
		plan.terminal[id] = true
	}
	for _, e := range g.edges {
		if !needSet[e.Source] || !needSet[e.Target] {
			continue
		}
		plan.inEdges[e.Target] = append(plan.inEdges[e.Target], e)
		plan.children[e.Source] = append(plan.children[e.Source], e.Target)
		plan.deps[e.Target]++
		plan.terminal[e.Source] = false
	}

	mode := g.settings.ExecutionMode
	if mode == "" {
		mode = ExecutionModeDevelopment
	}
	targeted := make(map[int64]bool, len(cfg.targets))
	for _, id := range cfg.targets {
		targeted[id] = true
	}
	for _, id := range plan.order {
		n := plan.nodes[id]
		spec, err := LookupKind(n.Kind)
		if err != nil {
			return nil, err
		}
		want := mode == ExecutionModeDevelopment || plan.terminal[id] || n.CacheFlag || targeted[id]
		// Sinks execute their side effect during compute; collecting the
		// passthrough would run the plan a second time.
		plan.materialize[id] = want && !spec.Sink
		if n.state == StateReady && n.result != nil && n.result.Fingerprint == n.fingerprint {
			plan.live[id] = n.result
		}
	}

	// Nodes sharing a fingerprint are the same computation over the same
	// inputs. The first in topological order computes; the rest reuse its
	// outcome, so a single compute per fingerprint is in flight at any time.
	leaders := make(map[string]int64, len(plan.order))
	for _, id := range plan.order {
		fp := plan.nodes[id].fingerprint
		lead, ok := leaders[fp]
		if !ok {
			leaders[fp] = id
			continue
		}
		plan.dupOf[id] = lead
		plan.followers[lead] = append(plan.followers[lead], id)
		if plan.materialize[id] {
			plan.materialize[lead] = true
		}
		if res, ok := plan.live[id]; ok {
			if _, has := plan.live[lead]; !has {
				plan.live[lead] = res
			}
		}
	}

	plan.workers = cfg.workers
	if plan.workers <= 0 {
		plan.workers = g.settings.MaxWorkers
	}
	if plan.workers <= 0 {
		plan.workers = DefaultWorkers
	}
	return plan, nil
}

// execute drives the dependency-counted dispatch loop over an ants pool.
func (rs *runState) execute() {
	if len(rs.plan.order) == 0 {
		return
	}
	rs.results = make(map[int64]*Result, len(rs.plan.order))
	rs.failed = make(map[int64]error)

	pool, err := ants.NewPoolWithFunc(rs.plan.workers, func(arg any) {
		rs.runTask(arg.(*nodeTask))
	})
	if err != nil {
		for _, id := range rs.plan.order {
			rs.failNode(id, frame.NewEvalError(frame.EvalInternal, "worker pool", err))
		}
		return
	}
	defer pool.Release()

	for _, id := range rs.plan.order {
		if rs.plan.deps[id] == 0 {
			rs.ready = append(rs.ready, id)
		}
	}
	// Nodes whose live result still matches their fingerprint complete
	// immediately without recompute. Children they free join the ready
	// queue here; the dispatch loop skips the decided nodes themselves.
	for _, id := range rs.plan.order {
		if res, ok := rs.plan.live[id]; ok && !rs.decided(id) {
			rs.report.CacheHits++
			served := *res
			served.CacheHit = true
			rs.emitFinished(id, &served, 0)
			rs.succeedNode(id, res)
		}
	}

	inFlight := 0
	for {
		if rs.ctx.Err() != nil {
			rs.ready = nil
		}
		for len(rs.ready) > 0 {
			id := rs.ready[0]
			rs.ready = rs.ready[1:]
			if rs.decided(id) {
				continue
			}
			if lead, ok := rs.plan.dupOf[id]; ok {
				// Same fingerprint as an earlier node: reuse its outcome once
				// it lands instead of computing twice.
				if rs.decided(lead) {
					rs.settleDuplicates(lead)
				}
				continue
			}
			task := rs.taskFor(id)
			inFlight++
			if err := pool.Invoke(task); err != nil {
				inFlight--
				evalErr := frame.NewEvalError(frame.EvalInternal, "submit node", err)
				rs.emitFailed(id, evalErr, 0)
				rs.failNode(id, evalErr)
			}
		}
		if inFlight == 0 {
			return
		}
		c := <-rs.done
		inFlight--
		if c.err != nil {
			rs.failNode(c.id, c.err)
		} else {
			rs.report.Computed++
			if c.result.CacheHit {
				rs.report.CacheHits++
			}
			rs.succeedNode(c.id, c.result)
		}
	}
}

func (rs *runState) taskFor(id int64) *nodeTask {
	n := rs.plan.nodes[id]
	inputs := make(map[string][]frame.Handle)
	for _, e := range rs.plan.inEdges[id] {
		inputs[e.Label] = append(inputs[e.Label], rs.results[e.Source].Handle)
	}
	return &nodeTask{
		node:        n,
		inputs:      inputs,
		fingerprint: n.fingerprint,
		materialize: rs.plan.materialize[id],
	}
}

func (rs *runState) decided(id int64) bool {
	if _, ok := rs.results[id]; ok {
		return true
	}
	_, ok := rs.failed[id]
	return ok
}

func (rs *runState) succeedNode(id int64, res *Result) {
	rs.results[id] = res
	rs.g.recordSuccess(id, res)
	for _, ch := range rs.plan.children[id] {
		if rs.decided(ch) {
			continue
		}
		rs.plan.deps[ch]--
		if rs.plan.deps[ch] == 0 {
			rs.ready = append(rs.ready, ch)
		}
	}
	rs.settleDuplicates(id)
}

// failNode records a failure and cascades an upstream error through every
// undecided descendant, so one broken branch never stalls the others.
func (rs *runState) failNode(id int64, err error) {
	rs.failed[id] = err
	rs.report.NodeErrs[id] = err
	rs.g.recordFailure(id, err)
	for _, ch := range rs.plan.children[id] {
		if rs.decided(ch) {
			continue
		}
		upErr := frame.NewEvalError(frame.EvalUpstream,
			fmt.Sprintf("input node %d failed", id), err)
		rs.emitFailed(ch, upErr, 0)
		rs.failNode(ch, upErr)
	}
	rs.settleDuplicates(id)
}

// settleDuplicates mirrors a decided leader's outcome onto every undecided
// node that shares its fingerprint.
func (rs *runState) settleDuplicates(lead int64) {
	for _, dup := range rs.plan.followers[lead] {
		if rs.decided(dup) {
			continue
		}
		if err, ok := rs.failed[lead]; ok {
			rs.emitFailed(dup, err, 0)
			rs.failNode(dup, err)
			continue
		}
		res := rs.results[lead]
		rs.report.CacheHits++
		served := *res
		served.CacheHit = true
		rs.emitFinished(dup, &served, 0)
		rs.succeedNode(dup, res)
	}
}

// runTask evaluates one node inside a pool worker.
func (rs *runState) runTask(t *nodeTask) {
	started := time.Now()
	id := t.node.ID
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("flow %d: node %d panicked: %v\n%s", rs.g.id, id, r, debug.Stack())
			err := frame.EvalErrorf(frame.EvalInternal, "node %d panicked: %v", id, r)
			rs.emitFailed(id, err, time.Since(started))
			rs.done <- completion{id: id, err: err}
		}
	}()

	rs.g.setComputing(id)
	rs.g.emit(event.New(rs.g.id, rs.runID, event.TypeNodeStarted,
		event.WithNodeID(id),
		event.WithFingerprint(t.fingerprint)))

	nodeCtx := rs.ctx
	if rs.cfg.nodeTimeout > 0 {
		var cancel context.CancelFunc
		nodeCtx, cancel = context.WithTimeout(nodeCtx, rs.cfg.nodeTimeout)
		defer cancel()
	}

	res, err := rs.evaluate(nodeCtx, t)
	dur := time.Since(started)
	if err != nil {
		rs.emitFailed(id, err, dur)
		rs.done <- completion{id: id, err: err}
		return
	}
	rs.emitFinished(id, res, dur)
	rs.done <- completion{id: id, result: res}
}

func (rs *runState) evaluate(ctx context.Context, t *nodeTask) (*Result, error) {
	id := t.node.ID
	if t.node.CacheFlag && rs.g.saver != nil {
		table, ok, err := rs.g.saver.Load(ctx, t.fingerprint)
		switch {
		case err != nil:
			log.Warnf("flow %d: node %d cache load: %v", rs.g.id, id, err)
		case ok:
			h, err := rs.g.backend.FromTable(table)
			if err == nil {
				return &Result{
					Handle:      h,
					RowCount:    int64(table.Len()),
					Fingerprint: t.fingerprint,
					CacheHit:    true,
				}, nil
			}
			log.Warnf("flow %d: node %d cache rebuild: %v", rs.g.id, id, err)
		}
	}

	rc := &RunContext{
		ctx:       ctx,
		flowID:    rs.g.id,
		runID:     rs.runID,
		backend:   rs.g.backend,
		providers: rs.g.providers,
		publish:   rs.g.publish,
	}
	h, err := buildHandle(rc, t.node, t.inputs, false)
	if err != nil {
		return nil, classifyRunError(ctx, err)
	}
	if hErr := h.Err(); hErr != nil {
		return nil, classifyRunError(ctx, hErr)
	}

	rowCount := int64(-1)
	if t.materialize {
		table, err := h.Collect(ctx, -1)
		if err != nil {
			return nil, classifyRunError(ctx, err)
		}
		rowCount = int64(table.Len())
		if pinned, err := rs.g.backend.FromTable(table); err == nil {
			h = pinned
		}
		if t.node.CacheFlag && rs.g.saver != nil {
			if err := rs.g.saver.Save(ctx, t.fingerprint, table); err != nil {
				log.Warnf("flow %d: node %d cache save: %v", rs.g.id, id, err)
			}
		}
	}
	return &Result{Handle: h, RowCount: rowCount, Fingerprint: t.fingerprint}, nil
}

func (rs *runState) emitFinished(id int64, res *Result, dur time.Duration) {
	opts := []event.Option{
		event.WithNodeID(id),
		event.WithFingerprint(res.Fingerprint),
		event.WithDuration(dur),
	}
	if res.RowCount >= 0 {
		opts = append(opts, event.WithRowCount(res.RowCount))
	}
	if res.CacheHit {
		opts = append(opts, event.WithCacheHit())
	}
	rs.g.emit(event.New(rs.g.id, rs.runID, event.TypeNodeFinished, opts...))
}

func (rs *runState) emitFailed(id int64, err error, dur time.Duration) {
	rs.g.emit(event.New(rs.g.id, rs.runID, event.TypeNodeFailed,
		event.WithNodeID(id),
		event.WithDuration(dur),
		event.WithError(err)))
}

// status derives the run outcome from what was decided.
func (rs *runState) status() event.RunStatus {
	undecided := 0
	for _, id := range rs.plan.order {
		if !rs.decided(id) {
			undecided++
		}
	}
	if rs.ctx.Err() != nil && (undecided > 0 || rs.anyCancelled()) {
		return event.RunCancelled
	}
	if len(rs.failed) == 0 {
		return event.RunSuccess
	}
	for _, id := range rs.plan.order {
		if rs.plan.terminal[id] {
			if _, ok := rs.results[id]; ok {
				return event.RunPartial
			}
		}
	}
	return event.RunFailed
}

func (rs *runState) anyCancelled() bool {
	for _, err := range rs.failed {
		if ee, ok := frame.AsEvalError(err); ok && (ee.Kind == frame.EvalCancelled || ee.Kind == frame.EvalTimeout) {
			return true
		}
	}
	return false
}

// classifyRunError maps arbitrary evaluation failures onto the EvalError
// taxonomy, respecting errors that already carry a kind.
func classifyRunError(ctx context.Context, err error) error {
	if _, ok := frame.AsEvalError(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return frame.ContextEvalError(ctx, "node evaluation interrupted")
	}
	var planErr *frame.PlanError
	if errors.As(err, &planErr) {
		return frame.NewEvalError(frame.EvalTypeMismatch, "invalid plan", err)
	}
	var arity *ArityError
	var settings *SettingsValidationError
	if errors.As(err, &arity) || errors.As(err, &settings) {
		return err
	}
	return frame.NewEvalError(frame.EvalIO, "node evaluation failed", err)
}

// emit publishes a run event when a publisher is attached.
func (g *Graph) emit(e *event.Event) {
	if g.publish != nil {
		g.publish(e)
	}
}

func (g *Graph) setComputing(id int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes[id]; ok {
		n.state = StateComputing
	}
}

func (g *Graph) recordSuccess(id int64, res *Result) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	n.result = res
	n.evalErr = nil
	n.state = StateReady
	if res.Handle != nil && res.Handle.Err() == nil {
		n.schema = res.Handle.Schema().Clone()
		n.schemaErr = nil
	}
}

func (g *Graph) recordFailure(id int64, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return
	}
	n.result = nil
	n.evalErr = err
	n.state = StateError
}
