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
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-flowfile-go/cache"
	"trpc.group/trpc-go/trpc-flowfile-go/document"
	"trpc.group/trpc-go/trpc-flowfile-go/event"
	"trpc.group/trpc-go/trpc-flowfile-go/frame"
	"trpc.group/trpc-go/trpc-flowfile-go/usercode"
)

// eventLog collects published events for assertions.
type eventLog struct {
	mu     sync.Mutex
	events []*event.Event
}

func (l *eventLog) publish(e *event.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []*event.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*event.Event, len(l.events))
	copy(out, l.events)
	return out
}

func (l *eventLog) ofType(tp event.Type) []*event.Event {
	var out []*event.Event
	for _, e := range l.all() {
		if e.Type == tp {
			out = append(out, e)
		}
	}
	return out
}

// stubRunner stands in for the user code runner. Schema probes arrive with
// empty inputs and pass straight through; runs over real rows count, can
// block until released and can fail on demand.
type stubRunner struct {
	mu      sync.Mutex
	calls   int
	fail    bool
	block   chan struct{}
	started chan struct{}
}

func (r *stubRunner) Run(ctx context.Context, in usercode.Input) (usercode.Result, error) {
	h := in.Inputs[usercode.DefaultInputName]
	tbl, err := h.Collect(ctx, 1)
	if err != nil {
		return usercode.Result{}, err
	}
	if tbl.Len() == 0 {
		return usercode.Result{Handle: h}, nil
	}
	r.mu.Lock()
	r.calls++
	fail := r.fail
	block := r.block
	started := r.started
	r.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return usercode.Result{}, ctx.Err()
		}
	}
	if fail {
		return usercode.Result{}, errors.New("stub failure")
	}
	return usercode.Result{Handle: h}, nil
}

func (r *stubRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// linearGraph builds manual -> formula -> head and returns the three ids.
func linearGraph(t *testing.T, opts ...GraphOption) (*Graph, [3]int64) {
	t.Helper()
	g := NewGraph(opts...)
	ctx := context.Background()
	src, err := g.AddNode(ctx, KindManualInput, WithSettings(testRows))
	require.NoError(t, err)
	form, err := g.AddNode(ctx, KindFormula, WithSettings(json.RawMessage(
		`{"column": "double_a", "expression": "a * 2"}`)))
	require.NoError(t, err)
	head, err := g.AddNode(ctx, KindHead, WithSettings(json.RawMessage(`{"n": 2}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, src.ID, form.ID, ""))
	require.NoError(t, g.Connect(ctx, form.ID, head.ID, ""))
	return g, [3]int64{src.ID, form.ID, head.ID}
}

// codeGraph builds manual -> polars_code backed by the stub runner.
func codeGraph(t *testing.T, r usercode.Runner, nodeOpts []NodeOption, opts ...GraphOption) (*Graph, int64, int64) {
	t.Helper()
	opts = append(opts, WithProviders(&Providers{UserCode: r}))
	g := NewGraph(opts...)
	ctx := context.Background()
	src, err := g.AddNode(ctx, KindManualInput, WithSettings(testRows))
	require.NoError(t, err)
	nodeOpts = append([]NodeOption{WithSettings(json.RawMessage(`{"code": "passthrough"}`))}, nodeOpts...)
	code, err := g.AddNode(ctx, KindPolarsCode, nodeOpts...)
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, src.ID, code.ID, ""))
	return g, src.ID, code.ID
}

func evalKind(t *testing.T, err error) frame.EvalKind {
	t.Helper()
	ee, ok := frame.AsEvalError(err)
	require.True(t, ok, "expected an EvalError, got %v", err)
	return ee.Kind
}

func TestRunLinearChain(t *testing.T) {
	logged := &eventLog{}
	g, ids := linearGraph(t, WithPublisher(logged.publish))

	report, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.Equal(t, 3, report.Computed)
	assert.Zero(t, report.CacheHits)
	assert.Empty(t, report.NodeErrs)

	for _, id := range ids {
		view := mustNode(t, g, id)
		assert.Equal(t, StateReady, view.State, "node %d", id)
	}
	res, err := g.Result(ids[2])
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, 2, res.RowCount)

	tbl, err := res.Handle.Collect(context.Background(), -1)
	require.NoError(t, err)
	require.Equal(t, 2, tbl.Len())
	assert.Equal(t, int64(2), tbl.Rows[0]["double_a"])

	events := logged.all()
	require.NotEmpty(t, events)
	assert.Equal(t, event.TypeRunStarted, events[0].Type)
	assert.Equal(t, event.TypeRunFinished, events[len(events)-1].Type)
	assert.Equal(t, event.RunSuccess, events[len(events)-1].Status)
	assert.Len(t, logged.ofType(event.TypeNodeStarted), 3)
	finished := logged.ofType(event.TypeNodeFinished)
	require.Len(t, finished, 3)
	for _, e := range finished {
		assert.NotEmpty(t, e.Fingerprint)
		require.NotNil(t, e.RowCount)
	}
}

func TestRunReusesLiveResults(t *testing.T) {
	logged := &eventLog{}
	g, _ := linearGraph(t, WithPublisher(logged.publish))

	_, err := g.Run(context.Background())
	require.NoError(t, err)

	report, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.Zero(t, report.Computed, "nothing changed, nothing recomputes")
	assert.Equal(t, 3, report.CacheHits)

	finished := logged.ofType(event.TypeNodeFinished)
	require.Len(t, finished, 6)
	for _, e := range finished[3:] {
		assert.True(t, e.CacheHit, "second-run completions are served from cache")
	}
}

func TestRunRecomputesOnlyInvalidatedNodes(t *testing.T) {
	g, ids := linearGraph(t)
	ctx := context.Background()

	_, err := g.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, g.UpdateSettings(ctx, ids[2], json.RawMessage(`{"n": 1}`)))
	assert.Equal(t, StateStale, mustNode(t, g, ids[2]).State)
	assert.Equal(t, StateReady, mustNode(t, g, ids[0]).State)

	report, err := g.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Computed)
	assert.Equal(t, 2, report.CacheHits)

	res, err := g.Result(ids[2])
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.RowCount)
}

func TestRunPerformanceModeMaterializesTerminalsOnly(t *testing.T) {
	g, ids := linearGraph(t, WithFlowSettings(document.FlowSettings{
		ExecutionMode: ExecutionModePerformance,
	}))

	report, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.Equal(t, 3, report.Computed)

	for _, id := range ids[:2] {
		res, err := g.Result(id)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.EqualValues(t, -1, res.RowCount, "non-terminal node %d stays lazy", id)
	}
	res, err := g.Result(ids[2])
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.RowCount)
}

func TestRunFailureCascadesDownstream(t *testing.T) {
	logged := &eventLog{}
	stub := &stubRunner{fail: true}
	g, srcID, codeID := codeGraph(t, stub, nil, WithPublisher(logged.publish))
	ctx := context.Background()
	head, err := g.AddNode(ctx, KindHead, WithSettings(json.RawMessage(`{"n": 1}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, codeID, head.ID, ""))

	report, err := g.Run(ctx)
	require.NoError(t, err, "node failures land in the report, not the run error")
	assert.Equal(t, event.RunFailed, report.Status)
	assert.Len(t, report.NodeErrs, 2)
	assert.Equal(t, frame.EvalUserCode, evalKind(t, report.NodeErrs[codeID]))
	assert.Equal(t, frame.EvalUpstream, evalKind(t, report.NodeErrs[head.ID]))

	assert.Equal(t, StateReady, mustNode(t, g, srcID).State)
	assert.Equal(t, StateError, mustNode(t, g, codeID).State)
	assert.Equal(t, StateError, mustNode(t, g, head.ID).State)
	assert.Len(t, logged.ofType(event.TypeNodeFailed), 2)
}

func TestRunPartialWhenABranchSurvives(t *testing.T) {
	stub := &stubRunner{fail: true}
	g, srcID, _ := codeGraph(t, stub, nil)
	ctx := context.Background()
	head, err := g.AddNode(ctx, KindHead, WithSettings(json.RawMessage(`{"n": 1}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, srcID, head.ID, ""))

	report, err := g.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.RunPartial, report.Status)
	assert.Len(t, report.NodeErrs, 1)

	res, err := g.Result(head.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, 1, res.RowCount)
}

func TestRunCancellation(t *testing.T) {
	stub := &stubRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	g, srcID, codeID := codeGraph(t, stub, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stub.started
		cancel()
	}()
	report, err := g.Run(ctx)
	cancel()
	require.NoError(t, err)
	assert.Equal(t, event.RunCancelled, report.Status)
	assert.Equal(t, frame.EvalCancelled, evalKind(t, report.NodeErrs[codeID]))
	assert.Equal(t, StateReady, mustNode(t, g, srcID).State)
	assert.Equal(t, StateError, mustNode(t, g, codeID).State)
	assert.False(t, g.Running())

	// A clean rerun recovers.
	close(stub.block)
	report, err = g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.Equal(t, StateReady, mustNode(t, g, codeID).State)
	assert.Equal(t, 2, stub.Calls())
}

func TestRunNodeTimeout(t *testing.T) {
	stub := &stubRunner{block: make(chan struct{})}
	defer close(stub.block)
	g, _, codeID := codeGraph(t, stub, nil)

	report, err := g.Run(context.Background(), WithNodeTimeout(50*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, event.RunFailed, report.Status, "a node timeout is not a run cancellation")
	assert.Equal(t, frame.EvalTimeout, evalKind(t, report.NodeErrs[codeID]))
}

func TestRunRejectsConcurrentMutations(t *testing.T) {
	stub := &stubRunner{block: make(chan struct{}), started: make(chan struct{}, 1)}
	g, srcID, _ := codeGraph(t, stub, nil)
	ctx := context.Background()

	reports := make(chan *RunReport, 1)
	go func() {
		report, err := g.Run(ctx)
		if err == nil {
			reports <- report
		} else {
			close(reports)
		}
	}()
	<-stub.started
	require.True(t, g.Running())

	_, err := g.Run(ctx)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = g.AddNode(ctx, KindHead, WithSettings(json.RawMessage(`{"n": 1}`)))
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, g.UpdateSettings(ctx, srcID, testRows), ErrBusy)
	assert.ErrorIs(t, g.Undo(ctx), ErrBusy)
	assert.ErrorIs(t, g.SetName("busy"), ErrBusy)
	assert.ErrorIs(t, g.ClearCache(ctx), ErrBusy)

	close(stub.block)
	report, ok := <-reports
	require.True(t, ok)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.False(t, g.Running())
}

func TestRunTargetsLimitScope(t *testing.T) {
	g, ids := linearGraph(t)
	ctx := context.Background()

	report, err := g.Run(ctx, WithTargets(ids[1]))
	require.NoError(t, err)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.Equal(t, 2, report.Computed)

	res, err := g.Result(ids[2])
	require.NoError(t, err)
	assert.Nil(t, res, "nodes outside the target closure stay untouched")
	assert.Equal(t, StateConfigured, mustNode(t, g, ids[2]).State)

	_, err = g.Run(ctx, WithTargets(999))
	assert.True(t, IsNotFound(err))
}

func TestRunSaverServesAcrossGraphs(t *testing.T) {
	saver := cache.NewMemory()
	stub := &stubRunner{}
	g1, _, codeID := codeGraph(t, stub, []NodeOption{WithCacheFlag(true)}, WithSaver(saver))
	ctx := context.Background()

	report, err := g1.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.Equal(t, 1, stub.Calls())
	assert.Equal(t, 1, saver.Len())

	doc, err := g1.Document()
	require.NoError(t, err)
	g2, err := NewGraphFromDocument(ctx, doc,
		WithSaver(saver), WithProviders(&Providers{UserCode: stub}))
	require.NoError(t, err)

	report, err = g2.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.Equal(t, 1, report.CacheHits)
	assert.Equal(t, 1, stub.Calls(), "the cached node must not run again")

	res, err := g2.Result(codeID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.CacheHit)
	assert.EqualValues(t, 3, res.RowCount)
}

func TestClearCacheForcesRecompute(t *testing.T) {
	saver := cache.NewMemory()
	g, ids := linearGraph(t, WithSaver(saver))
	ctx := context.Background()

	_, err := g.Run(ctx)
	require.NoError(t, err)

	require.NoError(t, g.ClearCache(ctx))
	for _, id := range ids {
		assert.Equal(t, StateConfigured, mustNode(t, g, id).State)
		res, err := g.Result(id)
		require.NoError(t, err)
		assert.Nil(t, res)
	}
	assert.Zero(t, saver.Len())

	report, err := g.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Computed)
	assert.Zero(t, report.CacheHits)
}

func TestClearCacheScopedToNode(t *testing.T) {
	saver := cache.NewMemory()
	g, ids := linearGraph(t, WithSaver(saver))
	ctx := context.Background()
	require.NoError(t, g.SetCacheFlag(ids[1], true))

	_, err := g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, saver.Len())

	require.NoError(t, g.ClearCache(ctx, ids[1]))
	assert.Equal(t, StateConfigured, mustNode(t, g, ids[1]).State)
	assert.Equal(t, StateReady, mustNode(t, g, ids[0]).State, "siblings keep their results")
	assert.Zero(t, saver.Len(), "the node's saver entry goes with it")

	report, err := g.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Computed, "only the cleared node recomputes")
	assert.Equal(t, 2, report.CacheHits)

	assert.True(t, IsNotFound(g.ClearCache(ctx, int64(999))))
}

func TestUndoKeepsMatchingResultsLive(t *testing.T) {
	g, ids := linearGraph(t)
	ctx := context.Background()

	_, err := g.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, g.SetDescription(ids[2], "top two"))
	require.NoError(t, g.Undo(ctx))

	for _, id := range ids {
		assert.Equal(t, StateReady, mustNode(t, g, id).State)
	}
	report, err := g.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Computed, "undo of a cosmetic change must not invalidate results")
	assert.Equal(t, 3, report.CacheHits)
}

func TestRunEmptyGraph(t *testing.T) {
	logged := &eventLog{}
	g := NewGraph(WithPublisher(logged.publish))
	report, err := g.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.Zero(t, report.Computed)
	assert.Len(t, logged.ofType(event.TypeRunStarted), 1)
	assert.Len(t, logged.ofType(event.TypeRunFinished), 1)
}

func TestRunDiamondJoin(t *testing.T) {
	g := NewGraph()
	ctx := context.Background()
	src, err := g.AddNode(ctx, KindManualInput, WithSettings(testRows))
	require.NoError(t, err)
	left, err := g.AddNode(ctx, KindFilter, WithSettings(json.RawMessage(
		`{"basic": {"column": "a", "operator": "greater_than", "value": 1}}`)))
	require.NoError(t, err)
	right, err := g.AddNode(ctx, KindFormula, WithSettings(json.RawMessage(
		`{"column": "tag", "expression": "b + \"!\""}`)))
	require.NoError(t, err)
	join, err := g.AddNode(ctx, KindJoin, WithSettings(json.RawMessage(
		`{"how": "inner", "keys": [{"left": "a", "right": "a"}]}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, src.ID, left.ID, ""))
	require.NoError(t, g.Connect(ctx, src.ID, right.ID, ""))
	require.NoError(t, g.Connect(ctx, left.ID, join.ID, LabelLeft))
	require.NoError(t, g.Connect(ctx, right.ID, join.ID, LabelRight))

	report, err := g.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, event.RunSuccess, report.Status, "errs: %v", report.NodeErrs)

	res, err := g.Result(join.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, 2, res.RowCount)
}

func TestRunSelfJoinIntegrityFailure(t *testing.T) {
	g := NewGraph()
	ctx := context.Background()
	src, err := g.AddNode(ctx, KindManualInput, WithSettings(json.RawMessage(
		`{"rows": [{"k": 1, "v": "a"}, {"k": 1, "v": "b"}]}`)))
	require.NoError(t, err)
	join, err := g.AddNode(ctx, KindJoin, WithSettings(json.RawMessage(
		`{"how": "inner", "keys": [{"left": "k", "right": "k"}], "verify_integrity": true}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, src.ID, join.ID, LabelLeft))
	require.NoError(t, g.Connect(ctx, src.ID, join.ID, LabelRight))

	report, err := g.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.RunFailed, report.Status)
	require.Len(t, report.NodeErrs, 1)
	assert.Equal(t, frame.EvalIntegrity, evalKind(t, report.NodeErrs[join.ID]))
	assert.Equal(t, StateReady, mustNode(t, g, src.ID).State)
	assert.Equal(t, StateError, mustNode(t, g, join.ID).State)
}

func TestRunDeduplicatesIdenticalFingerprints(t *testing.T) {
	logged := &eventLog{}
	g := NewGraph(WithPublisher(logged.publish))
	ctx := context.Background()
	src, err := g.AddNode(ctx, KindManualInput, WithSettings(testRows))
	require.NoError(t, err)
	filterSettings := json.RawMessage(
		`{"basic": {"column": "a", "operator": "greater_than", "value": 1}}`)
	fa, err := g.AddNode(ctx, KindFilter, WithSettings(filterSettings))
	require.NoError(t, err)
	fb, err := g.AddNode(ctx, KindFilter, WithSettings(filterSettings))
	require.NoError(t, err)
	cat, err := g.AddNode(ctx, KindConcat, WithSettings(json.RawMessage(`{}`)))
	require.NoError(t, err)
	require.NoError(t, g.Connect(ctx, src.ID, fa.ID, ""))
	require.NoError(t, g.Connect(ctx, src.ID, fb.ID, ""))
	require.NoError(t, g.Connect(ctx, fa.ID, cat.ID, ""))
	require.NoError(t, g.Connect(ctx, fb.ID, cat.ID, ""))
	require.Equal(t, mustNode(t, g, fa.ID).Fingerprint, mustNode(t, g, fb.ID).Fingerprint)

	report, err := g.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, event.RunSuccess, report.Status)
	assert.Equal(t, 3, report.Computed, "identical filters share one compute")
	assert.Equal(t, 1, report.CacheHits)

	for _, id := range []int64{fa.ID, fb.ID} {
		assert.Equal(t, StateReady, mustNode(t, g, id).State)
		res, err := g.Result(id)
		require.NoError(t, err)
		require.NotNil(t, res)
		assert.EqualValues(t, 2, res.RowCount)
	}
	res, err := g.Result(cat.ID)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.EqualValues(t, 4, res.RowCount)

	assert.Len(t, logged.ofType(event.TypeNodeStarted), 3, "the duplicate never dispatches")
	finished := logged.ofType(event.TypeNodeFinished)
	require.Len(t, finished, 4)
	reused := 0
	for _, e := range finished {
		if e.CacheHit {
			reused++
		}
	}
	assert.Equal(t, 1, reused, "exactly one filter is served from its twin")

	// Rerunning serves every node live, the settled duplicate included.
	report, err = g.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Computed)
	assert.Equal(t, 4, report.CacheHits)
}
