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
	"bytes"
	"compress/gzip"
	"io"
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryLimit bounds the undo stack when no limit is configured.
const DefaultHistoryLimit = 50

// Snapshot is one captured document state in the undo history.
type Snapshot struct {
	// ID is a unique snapshot identifier.
	ID string
	// Taken is the capture time.
	Taken time.Time
	// Reason names the mutation that produced this state.
	Reason string
	// Hash is the canonical document hash, used to skip no-op captures. It is
	// always computed over the uncompressed encoding.
	Hash string
	// Data is the canonical document encoding, gzipped when the graph was
	// built with WithCompressedHistory.
	Data []byte
}

// Document returns the snapshot's canonical document bytes, transparently
// decompressing gzipped payloads.
func (s *Snapshot) Document() ([]byte, error) {
	// Gzip streams start 0x1f 0x8b; canonical JSON starts '{'.
	if len(s.Data) < 2 || s.Data[0] != 0x1f || s.Data[1] != 0x8b {
		return s.Data, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(s.Data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// history keeps bounded undo/redo stacks of document snapshots. It is not
// safe for concurrent use; the owning graph serializes access.
type history struct {
	limit    int
	compress bool
	past     []*Snapshot // past[len-1] is the current state
	future   []*Snapshot
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{limit: limit}
}

// reset drops every snapshot while keeping the configuration.
func (h *history) reset() {
	h.past = nil
	h.future = nil
}

// capture records the current state. A hash equal to the top of the stack is
// dropped, any new state clears the redo stack, and the oldest entries are
// trimmed once the stack exceeds the limit.
func (h *history) capture(reason, hash string, data []byte) {
	if n := len(h.past); n > 0 && h.past[n-1].Hash == hash {
		return
	}
	if h.compress {
		if packed, err := compressDoc(data); err == nil {
			data = packed
		}
	}
	h.past = append(h.past, &Snapshot{
		ID:     uuid.New().String(),
		Taken:  time.Now(),
		Reason: reason,
		Hash:   hash,
		Data:   data,
	})
	h.future = h.future[:0]
	// The current state occupies one slot beyond the undoable steps.
	if len(h.past) > h.limit+1 {
		trimmed := make([]*Snapshot, h.limit+1)
		copy(trimmed, h.past[len(h.past)-h.limit-1:])
		h.past = trimmed
	}
}

func compressDoc(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// undo moves the current state to the redo stack and returns the previous
// state to restore.
func (h *history) undo() (*Snapshot, bool) {
	if len(h.past) < 2 {
		return nil, false
	}
	top := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	h.future = append(h.future, top)
	return h.past[len(h.past)-1], true
}

// redo reinstates the most recently undone state.
func (h *history) redo() (*Snapshot, bool) {
	if len(h.future) == 0 {
		return nil, false
	}
	top := h.future[len(h.future)-1]
	h.future = h.future[:len(h.future)-1]
	h.past = append(h.past, top)
	return top, true
}

func (h *history) canUndo() bool { return len(h.past) > 1 }

func (h *history) canRedo() bool { return len(h.future) > 0 }

// snapshots lists the undoable states, oldest first, excluding the current
// state.
func (h *history) snapshots() []Snapshot {
	if len(h.past) < 2 {
		return nil
	}
	out := make([]Snapshot, len(h.past)-1)
	for i, s := range h.past[:len(h.past)-1] {
		out[i] = *s
	}
	return out
}
