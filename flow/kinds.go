//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package flow

import "fmt"

// Kind discriminates node transformation types.
type Kind string

// Node kinds.
const (
	// Inputs.
	KindManualInput  Kind = "manual_input"
	KindRead         Kind = "read"
	KindCloudRead    Kind = "cloud_read"
	KindDatabaseRead Kind = "database_read"

	// Transforms.
	KindSelect      Kind = "select"
	KindFilter      Kind = "filter"
	KindFormula     Kind = "formula"
	KindSort        Kind = "sort"
	KindUnique      Kind = "unique"
	KindHead        Kind = "head"
	KindSample      Kind = "sample"
	KindRecordID    Kind = "record_id"
	KindRecordCount Kind = "record_count"
	KindTextToRows  Kind = "text_to_rows"
	KindGroupBy     Kind = "group_by"
	KindPivot       Kind = "pivot"
	KindUnpivot     Kind = "unpivot"
	KindPolarsCode  Kind = "polars_code"
	KindJoin        Kind = "join"
	KindCrossJoin   Kind = "cross_join"
	KindConcat      Kind = "concat"
	KindExploreData Kind = "explore_data"

	// Outputs.
	KindWrite         Kind = "write"
	KindCloudWrite    Kind = "cloud_write"
	KindDatabaseWrite Kind = "database_write"
)

// Input edge labels.
const (
	LabelMain  = "main"
	LabelLeft  = "left"
	LabelRight = "right"
)

// Unbounded marks an arity with no upper cap.
const Unbounded = -1

// Arity bounds how many edges a label accepts.
type Arity struct {
	Min int
	Max int // Unbounded for no cap
}

// KindSpec describes one node kind: its input arity per label, whether it is
// a source or a sink, and the constructor for its typed settings.
type KindSpec struct {
	Kind   Kind
	Inputs map[string]Arity
	// Source kinds take no inputs and produce data.
	Source bool
	// Sink kinds write their input somewhere and pass it through.
	Sink bool
	// NewSettings returns a zeroed settings value for decoding.
	NewSettings func() Settings
}

// Labels returns the accepted input labels in a fixed order.
func (s KindSpec) Labels() []string {
	out := make([]string, 0, len(s.Inputs))
	for _, l := range []string{LabelMain, LabelLeft, LabelRight} {
		if _, ok := s.Inputs[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

var oneMain = map[string]Arity{LabelMain: {Min: 1, Max: 1}}

var twoSided = map[string]Arity{
	LabelLeft:  {Min: 1, Max: 1},
	LabelRight: {Min: 1, Max: 1},
}

var kinds = map[Kind]KindSpec{
	KindManualInput: {Source: true, NewSettings: func() Settings { return &ManualInputSettings{} }},
	KindRead:        {Source: true, NewSettings: func() Settings { return &ReadSettings{} }},
	KindCloudRead:   {Source: true, NewSettings: func() Settings { return &CloudReadSettings{} }},
	KindDatabaseRead: {
		Source:      true,
		NewSettings: func() Settings { return &DatabaseReadSettings{} },
	},

	KindSelect:      {Inputs: oneMain, NewSettings: func() Settings { return &SelectSettings{} }},
	KindFilter:      {Inputs: oneMain, NewSettings: func() Settings { return &FilterSettings{} }},
	KindFormula:     {Inputs: oneMain, NewSettings: func() Settings { return &FormulaSettings{} }},
	KindSort:        {Inputs: oneMain, NewSettings: func() Settings { return &SortSettings{} }},
	KindUnique:      {Inputs: oneMain, NewSettings: func() Settings { return &UniqueSettings{} }},
	KindHead:        {Inputs: oneMain, NewSettings: func() Settings { return &HeadSettings{} }},
	KindSample:      {Inputs: oneMain, NewSettings: func() Settings { return &SampleSettings{} }},
	KindRecordID:    {Inputs: oneMain, NewSettings: func() Settings { return &RecordIDSettings{} }},
	KindRecordCount: {Inputs: oneMain, NewSettings: func() Settings { return &RecordCountSettings{} }},
	KindTextToRows:  {Inputs: oneMain, NewSettings: func() Settings { return &TextToRowsSettings{} }},
	KindGroupBy:     {Inputs: oneMain, NewSettings: func() Settings { return &GroupBySettings{} }},
	KindPivot:       {Inputs: oneMain, NewSettings: func() Settings { return &PivotSettings{} }},
	KindUnpivot:     {Inputs: oneMain, NewSettings: func() Settings { return &UnpivotSettings{} }},
	KindPolarsCode: {
		Inputs:      map[string]Arity{LabelMain: {Min: 1, Max: 10}},
		NewSettings: func() Settings { return &PolarsCodeSettings{} },
	},
	KindJoin:      {Inputs: twoSided, NewSettings: func() Settings { return &JoinSettings{} }},
	KindCrossJoin: {Inputs: twoSided, NewSettings: func() Settings { return &CrossJoinSettings{} }},
	KindConcat: {
		Inputs:      map[string]Arity{LabelMain: {Min: 1, Max: Unbounded}},
		NewSettings: func() Settings { return &ConcatSettings{} },
	},
	KindExploreData: {Inputs: oneMain, NewSettings: func() Settings { return &ExploreDataSettings{} }},

	KindWrite: {Inputs: oneMain, Sink: true, NewSettings: func() Settings { return &WriteSettings{} }},
	KindCloudWrite: {
		Inputs: oneMain, Sink: true,
		NewSettings: func() Settings { return &CloudWriteSettings{} },
	},
	KindDatabaseWrite: {
		Inputs: oneMain, Sink: true,
		NewSettings: func() Settings { return &DatabaseWriteSettings{} },
	},
}

func init() {
	for k := range kinds {
		spec := kinds[k]
		spec.Kind = k
		kinds[k] = spec
	}
}

// LookupKind resolves a kind name to its spec.
func LookupKind(k Kind) (KindSpec, error) {
	spec, ok := kinds[k]
	if !ok {
		return KindSpec{}, fmt.Errorf("unknown node kind %q", k)
	}
	return spec, nil
}

// Kinds lists every registered kind name, unordered.
func Kinds() []Kind {
	out := make([]Kind, 0, len(kinds))
	for k := range kinds {
		out = append(out, k)
	}
	return out
}
