//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package memframe

import (
	"sort"
	"strings"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// aggState accumulates one aggregation over one group. Null inputs are
// skipped except by count-style aggregations, which simply never observe
// them.
type aggState interface {
	add(v any)
	result() any
}

// newAggState builds the accumulator for an aggregation over a column type.
func newAggState(kind frame.AggKind, in frame.DataType) aggState {
	switch kind {
	case frame.AggSum:
		if in == frame.TypeFloat64 {
			return &sumFloatState{}
		}
		return &sumIntState{}
	case frame.AggMean:
		return &meanState{}
	case frame.AggMedian:
		return &medianState{}
	case frame.AggCount:
		return &countState{}
	case frame.AggNUnique:
		return &nuniqueState{seen: make(map[any]struct{})}
	case frame.AggMin:
		return &extremeState{min: true}
	case frame.AggMax:
		return &extremeState{}
	case frame.AggFirst:
		return &firstState{}
	case frame.AggLast:
		return &lastState{}
	case frame.AggConcat:
		return &concatState{}
	}
	return &firstState{}
}

type sumIntState struct {
	sum int64
}

func (s *sumIntState) add(v any) {
	if n, ok := v.(int64); ok {
		s.sum += n
	}
}

// Sum over an empty or all-null group is 0.
func (s *sumIntState) result() any { return s.sum }

type sumFloatState struct {
	sum float64
}

func (s *sumFloatState) add(v any) {
	if f, ok := toFloat(v); ok {
		s.sum += f
	}
}

func (s *sumFloatState) result() any { return s.sum }

type meanState struct {
	sum float64
	n   int64
}

func (s *meanState) add(v any) {
	if f, ok := toFloat(v); ok {
		s.sum += f
		s.n++
	}
}

func (s *meanState) result() any {
	if s.n == 0 {
		return nil
	}
	return s.sum / float64(s.n)
}

type medianState struct {
	vals []float64
}

func (s *medianState) add(v any) {
	if f, ok := toFloat(v); ok {
		s.vals = append(s.vals, f)
	}
}

func (s *medianState) result() any {
	if len(s.vals) == 0 {
		return nil
	}
	sort.Float64s(s.vals)
	mid := len(s.vals) / 2
	if len(s.vals)%2 == 1 {
		return s.vals[mid]
	}
	return (s.vals[mid-1] + s.vals[mid]) / 2
}

type countState struct {
	n int64
}

func (s *countState) add(v any) {
	if v != nil {
		s.n++
	}
}

func (s *countState) result() any { return s.n }

type nuniqueState struct {
	seen    map[any]struct{}
	sawNull bool
}

func (s *nuniqueState) add(v any) {
	if v == nil {
		s.sawNull = true
		return
	}
	s.seen[v] = struct{}{}
}

// Null counts as one distinct value.
func (s *nuniqueState) result() any {
	n := int64(len(s.seen))
	if s.sawNull {
		n++
	}
	return n
}

type extremeState struct {
	min  bool
	best any
}

func (s *extremeState) add(v any) {
	if v == nil {
		return
	}
	if s.best == nil {
		s.best = v
		return
	}
	c, err := orderValues(v, s.best)
	if err != nil {
		return
	}
	if (s.min && c < 0) || (!s.min && c > 0) {
		s.best = v
	}
}

func (s *extremeState) result() any { return s.best }

type firstState struct {
	v   any
	set bool
}

func (s *firstState) add(v any) {
	if !s.set {
		s.v = v
		s.set = true
	}
}

func (s *firstState) result() any { return s.v }

type lastState struct {
	v any
}

func (s *lastState) add(v any) { s.v = v }

func (s *lastState) result() any { return s.v }

type concatState struct {
	parts []string
}

func (s *concatState) add(v any) {
	if v != nil {
		s.parts = append(s.parts, formatValue(v))
	}
}

func (s *concatState) result() any { return strings.Join(s.parts, ",") }

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	default:
		return 0, false
	}
}
