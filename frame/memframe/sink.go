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
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// writeTable persists a materialized table according to the sink request.
func writeTable(t *frame.Table, req frame.SinkRequest) error {
	if req.Path == "" {
		return frame.EvalErrorf(frame.EvalIO, "sink: empty path")
	}
	format := req.Format
	if format == "" {
		format = frame.FormatCSV
	}
	if _, err := frame.ParseFileFormat(string(format)); err != nil {
		return frame.NewEvalError(frame.EvalIO, "sink", err)
	}
	mode := req.Mode
	if mode == "" {
		mode = frame.WriteReplace
	}
	if mode == frame.WriteAppend && format == frame.FormatJSON {
		return frame.EvalErrorf(frame.EvalIO, "sink: append is not supported for json files")
	}
	if dir := filepath.Dir(req.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return frame.NewEvalError(frame.EvalIO, "sink", err)
		}
	}
	flags := os.O_WRONLY | os.O_CREATE
	appendHeader := true
	switch mode {
	case frame.WriteReplace:
		flags |= os.O_TRUNC
	case frame.WriteAppend:
		flags |= os.O_APPEND
		if info, err := os.Stat(req.Path); err == nil && info.Size() > 0 {
			appendHeader = false
		}
	case frame.WriteErrorIfExists:
		flags |= os.O_EXCL
	default:
		return frame.EvalErrorf(frame.EvalIO, "sink: unknown write mode %q", mode)
	}
	f, err := os.OpenFile(req.Path, flags, 0o644)
	if err != nil {
		return frame.NewEvalError(frame.EvalIO, "sink", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	switch format {
	case frame.FormatCSV:
		err = writeCSV(w, t, req.CSV, appendHeader)
	case frame.FormatJSON:
		err = writeJSON(w, t)
	case frame.FormatNDJSON:
		err = writeNDJSON(w, t)
	}
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return frame.NewEvalError(frame.EvalIO, "sink", err)
	}
	return nil
}

func writeCSV(w *bufio.Writer, t *frame.Table, co frame.CSVOptions, header bool) error {
	cw := csv.NewWriter(w)
	if co.Delimiter != 0 {
		cw.Comma = co.Delimiter
	}
	if header && co.HasHeader {
		if err := cw.Write(t.Schema.Names()); err != nil {
			return frame.NewEvalError(frame.EvalIO, "sink", err)
		}
	}
	record := make([]string, len(t.Schema))
	for _, row := range t.Rows {
		for i, f := range t.Schema {
			record[i] = formatValue(row[f.Name])
		}
		if err := cw.Write(record); err != nil {
			return frame.NewEvalError(frame.EvalIO, "sink", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return frame.NewEvalError(frame.EvalIO, "sink", err)
	}
	return nil
}

func writeJSON(w *bufio.Writer, t *frame.Table) error {
	objects := make([]map[string]any, len(t.Rows))
	for i, row := range t.Rows {
		objects[i] = rowObject(t.Schema, row)
	}
	enc := json.NewEncoder(w)
	if err := enc.Encode(objects); err != nil {
		return frame.NewEvalError(frame.EvalIO, "sink", err)
	}
	return nil
}

func writeNDJSON(w *bufio.Writer, t *frame.Table) error {
	enc := json.NewEncoder(w)
	for _, row := range t.Rows {
		if err := enc.Encode(rowObject(t.Schema, row)); err != nil {
			return frame.NewEvalError(frame.EvalIO, "sink", err)
		}
	}
	return nil
}

func rowObject(s frame.Schema, row frame.Row) map[string]any {
	obj := make(map[string]any, len(s))
	for _, f := range s {
		v := row[f.Name]
		if ts, ok := v.(time.Time); ok {
			obj[f.Name] = formatValue(ts)
			continue
		}
		obj[f.Name] = v
	}
	return obj
}
