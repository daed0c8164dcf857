//
// Tencent is pleased to support the open source community by making trpc-flowfile-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-flowfile-go is licensed under the Apache License Version 2.0.
//
//

package codegen

// programData is the template input. Body holds the node bindings and the
// terminal collection statements, already rendered and joined; go/format
// settles the indentation.
type programData struct {
	FlowName     string
	PackageName  string
	HasNodes     bool
	Body         string
	NeedsRecords bool
	NeedsEdits   bool
}

const programTemplate = `// Code generated by trpc-flowfile-go. DO NOT EDIT.
//
// Flow: {{printf "%q" .FlowName}}
//
// The program rebuilds the flow as a lazy frame plan, materializes every
// terminal node and prints its row count. It depends only on the frame
// packages:
//
//	go mod init flowrun && go mod tidy && go run .
package {{.PackageName}}

import (
	"context"
	"fmt"
	"os"
{{- if .HasNodes}}

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
	"trpc.group/trpc-go/trpc-flowfile-go/frame/memframe"
{{- end}}
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "flow failed:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
{{- if .HasNodes}}
backend := memframe.New()

{{.Body}}

{{end}}
return nil
}
{{- if .HasNodes}}

func printCount(ctx context.Context, name string, h frame.Handle) error {
	t, err := h.Collect(ctx, -1)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d rows\n", name, t.Len())
	return nil
}
{{- end}}
{{- if .NeedsRecords}}

func loadRecords(b frame.Backend, rows string, cols []frame.Field) (frame.Handle, error) {
	t, err := frame.TableFromRecords([]byte(rows), cols)
	if err != nil {
		return nil, err
	}
	return b.FromTable(t)
}
{{- end}}
{{- if .NeedsEdits}}

type columnEdit struct {
	old  string
	name string
	typ  frame.DataType
	drop bool
}

// editColumns reshapes a handle: dropped columns go away, renames and casts
// apply, and keepMissing controls whether unmentioned columns survive.
func editColumns(h frame.Handle, edits []columnEdit, keepMissing bool) frame.Handle {
	mentioned := make(map[string]bool, len(edits))
	kept := make([]string, 0, len(edits))
	renames := make(map[string]string)
	for _, e := range edits {
		mentioned[e.old] = true
		if e.drop {
			continue
		}
		kept = append(kept, e.old)
		if e.name != "" && e.name != e.old {
			renames[e.old] = e.name
		}
	}
	if keepMissing {
		for _, f := range h.Schema() {
			if !mentioned[f.Name] {
				kept = append(kept, f.Name)
			}
		}
	}
	out := h.Select(kept)
	if len(renames) > 0 {
		out = out.Rename(renames)
	}
	for _, e := range edits {
		if e.drop || e.typ == "" {
			continue
		}
		name := e.old
		if e.name != "" {
			name = e.name
		}
		out = out.Cast(name, e.typ)
	}
	return out
}
{{- end}}
`
