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
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"

	"trpc.group/trpc-go/trpc-flowfile-go/frame"
)

// expandScan resolves a scan path to concrete files. Glob patterns follow
// doublestar syntax, including ** for recursive matches.
func expandScan(path string) ([]string, error) {
	if !strings.ContainsAny(path, "*?[{") {
		if _, err := os.Stat(path); err != nil {
			return nil, frame.NewEvalError(frame.EvalIO, "scan", err)
		}
		return []string{path}, nil
	}
	matches, err := doublestar.FilepathGlob(path)
	if err != nil {
		return nil, frame.NewEvalError(frame.EvalIO, "scan: bad glob pattern", err)
	}
	if len(matches) == 0 {
		return nil, frame.EvalErrorf(frame.EvalIO, "scan: no files match %q", path)
	}
	return matches, nil
}

// scanSchema probes the matched files and unifies their schemas by name.
func (b *Backend) scanSchema(ctx context.Context, req frame.ScanRequest) (frame.Schema, error) {
	files, err := expandScan(req.Path)
	if err != nil {
		return nil, err
	}
	schemas := make([]frame.Schema, 0, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "scan")
		}
		t, err := b.readFile(ctx, f, req)
		if err != nil {
			return nil, err
		}
		schemas = append(schemas, t.Schema)
	}
	return deriveConcat(schemas), nil
}

// readScan reads every matched file fully and concatenates the results,
// aligning columns by name.
func (b *Backend) readScan(ctx context.Context, req frame.ScanRequest) (*frame.Table, error) {
	files, err := expandScan(req.Path)
	if err != nil {
		return nil, err
	}
	tables := make([]*frame.Table, 0, len(files))
	for _, f := range files {
		if ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "scan")
		}
		t, err := b.readFile(ctx, f, req)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	if len(tables) == 1 {
		return tables[0], nil
	}
	return execConcat(&planOp{kind: opConcat}, tables)
}

func (b *Backend) readFile(ctx context.Context, path string, req frame.ScanRequest) (*frame.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, frame.NewEvalError(frame.EvalIO, "scan", err)
	}
	defer f.Close()
	var r io.Reader = f
	if req.CSV.Encoding != "" && req.Format == frame.FormatCSV {
		enc, err := ianaindex.IANA.Encoding(req.CSV.Encoding)
		if err != nil || enc == nil {
			return nil, frame.EvalErrorf(frame.EvalIO, "scan %s: unknown encoding %q", path, req.CSV.Encoding)
		}
		r = transform.NewReader(f, enc.NewDecoder())
	}
	switch req.Format {
	case frame.FormatCSV:
		return b.readCSV(ctx, path, r, req.CSV)
	case frame.FormatJSON:
		return readJSON(path, r)
	case frame.FormatNDJSON:
		return readNDJSON(ctx, path, r)
	}
	return nil, frame.EvalErrorf(frame.EvalIO, "scan %s: unsupported format %q", path, req.Format)
}

func (b *Backend) readCSV(ctx context.Context, path string, r io.Reader, co frame.CSVOptions) (*frame.Table, error) {
	br := bufio.NewReader(r)
	for i := 0; i < co.SkipRows; i++ {
		if _, err := br.ReadString('\n'); err != nil {
			if err == io.EOF {
				break
			}
			return nil, frame.NewEvalError(frame.EvalIO, "scan "+path, err)
		}
	}
	cr := csv.NewReader(br)
	if co.Delimiter != 0 {
		cr.Comma = co.Delimiter
	}
	records, err := cr.ReadAll()
	if err != nil {
		return nil, frame.NewEvalError(frame.EvalIO, "scan "+path, err)
	}
	if len(records) == 0 {
		return &frame.Table{Schema: frame.Schema{}}, nil
	}
	var names []string
	if co.HasHeader {
		names = records[0]
		records = records[1:]
	} else {
		names = make([]string, len(records[0]))
		for i := range names {
			names[i] = fmt.Sprintf("column_%d", i+1)
		}
	}
	inferLen := co.InferLen
	if inferLen <= 0 {
		inferLen = b.opts.inferLen
	}
	schema := make(frame.Schema, len(names))
	for i, name := range names {
		schema[i] = frame.Field{Name: name, Type: inferColumnType(records, i, inferLen)}
	}
	if err := validateSchema(schema); err != nil {
		return nil, frame.NewEvalError(frame.EvalIO, "scan "+path, err)
	}
	rows := make([]frame.Row, 0, len(records))
	for ri, rec := range records {
		if ri%cancelCheckStride == 0 && ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "scan")
		}
		row := make(frame.Row, len(schema))
		for ci, f := range schema {
			cell := ""
			if ci < len(rec) {
				cell = rec[ci]
			}
			v, err := parseCell(cell, f.Type)
			if err != nil {
				return nil, frame.EvalErrorf(frame.EvalTypeMismatch,
					"scan %s: row %d column %q: %v", path, ri+1, f.Name, err)
			}
			row[f.Name] = v
		}
		rows = append(rows, row)
	}
	return &frame.Table{Schema: schema, Rows: rows}, nil
}

// inferColumnType inspects up to inferLen non-empty cells, narrowing through
// int64, float64, boolean and the temporal types before falling back to
// string. Empty cells read as null and do not participate.
func inferColumnType(records [][]string, col, inferLen int) frame.DataType {
	candidates := []frame.DataType{
		frame.TypeInt64, frame.TypeFloat64, frame.TypeBoolean,
		frame.TypeDate, frame.TypeDatetime,
	}
	seen := 0
	alive := make(map[frame.DataType]bool, len(candidates))
	for _, c := range candidates {
		alive[c] = true
	}
	for _, rec := range records {
		if seen >= inferLen {
			break
		}
		if col >= len(rec) || rec[col] == "" {
			continue
		}
		seen++
		for _, c := range candidates {
			if alive[c] && !cellMatches(rec[col], c) {
				alive[c] = false
			}
		}
	}
	if seen == 0 {
		return frame.TypeString
	}
	for _, c := range candidates {
		if alive[c] {
			return c
		}
	}
	return frame.TypeString
}

// cellMatches reports whether a non-empty cell parses as the candidate type.
// The date candidate matches only date-only cells; coercion would otherwise
// accept any timestamp and truncate it.
func cellMatches(s string, t frame.DataType) bool {
	if t == frame.TypeDate {
		ts, err := frame.ParseTemporal(s)
		return err == nil && frame.IsMidnight(ts)
	}
	_, err := parseCell(s, t)
	return err == nil
}

// parseCell converts one CSV cell to a typed value; empty cells are null.
func parseCell(s string, t frame.DataType) (any, error) {
	if s == "" {
		return nil, nil
	}
	if t == frame.TypeString {
		return s, nil
	}
	return castValue(s, t)
}

func readJSON(path string, r io.Reader) (*frame.Table, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		return nil, frame.NewEvalError(frame.EvalIO, "scan "+path, err)
	}
	t, err := frame.TableFromRecords(blob, nil)
	if err != nil {
		return nil, frame.NewEvalError(frame.EvalIO, "scan "+path, err)
	}
	return t, nil
}

// readNDJSON joins the object lines into one array and reuses the record
// decoder, so both JSON flavors share inference and column ordering.
func readNDJSON(ctx context.Context, path string, r io.Reader) (*frame.Table, error) {
	var lines []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		if line%cancelCheckStride == 0 && ctx.Err() != nil {
			return nil, frame.ContextEvalError(ctx, "scan")
		}
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if !json.Valid([]byte(text)) {
			return nil, frame.EvalErrorf(frame.EvalIO, "scan %s: line %d: invalid JSON", path, line)
		}
		lines = append(lines, text)
	}
	if err := sc.Err(); err != nil {
		return nil, frame.NewEvalError(frame.EvalIO, "scan "+path, err)
	}
	blob := "[" + strings.Join(lines, ",") + "]"
	t, err := frame.TableFromRecords([]byte(blob), nil)
	if err != nil {
		return nil, frame.NewEvalError(frame.EvalIO, "scan "+path, err)
	}
	return t, nil
}
