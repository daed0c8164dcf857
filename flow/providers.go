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

	"trpc.group/trpc-go/trpc-flowfile-go/event"
	"trpc.group/trpc-go/trpc-flowfile-go/frame"
	"trpc.group/trpc-go/trpc-flowfile-go/usercode"
)

// Connection is the opaque credential bundle a resolver returns. The core
// passes it through to providers without inspecting it.
type Connection map[string]string

// ConnectionResolver turns a connection name from node settings into
// credentials. Implementations live outside the core.
type ConnectionResolver interface {
	Resolve(ctx context.Context, name string) (Connection, error)
}

// ScanSpec is the request handed to a scan provider: the node's raw settings
// plus resolved credentials.
type ScanSpec struct {
	Kind       Kind
	Settings   Settings
	Connection Connection
}

// ScanProvider serves the cloud and database read kinds. PreviewSchema backs
// schema propagation without moving data; Scan opens the lazy source.
type ScanProvider interface {
	PreviewSchema(ctx context.Context, spec ScanSpec) (frame.Schema, error)
	Scan(ctx context.Context, spec ScanSpec) (frame.Handle, error)
}

// WriteProvider serves the cloud and database write kinds.
type WriteProvider interface {
	Write(ctx context.Context, spec ScanSpec, h frame.Handle) error
}

// Providers is the registry of external collaborators a graph may call into.
// Unset fields make the corresponding kinds fail with a descriptive error.
type Providers struct {
	CloudScan     ScanProvider
	DatabaseScan  ScanProvider
	CloudWrite    WriteProvider
	DatabaseWrite WriteProvider
	Connections   ConnectionResolver
	UserCode      usercode.Runner
}

func (p *Providers) resolve(ctx context.Context, name string) (Connection, error) {
	if p == nil || p.Connections == nil {
		return nil, nil
	}
	return p.Connections.Resolve(ctx, name)
}

func (p *Providers) runner() usercode.Runner {
	if p == nil {
		return nil
	}
	return p.UserCode
}

// RunContext carries everything a node compute needs beyond its inputs: the
// cancellation context, the backend, the provider registry and an event sink.
// Nodes never hold a back-reference to the graph.
type RunContext struct {
	ctx       context.Context
	flowID    int64
	runID     string
	backend   frame.Backend
	providers *Providers
	publish   func(*event.Event)
}

// Context returns the run's cancellation context.
func (rc *RunContext) Context() context.Context { return rc.ctx }

// Backend returns the frame backend of the run.
func (rc *RunContext) Backend() frame.Backend { return rc.backend }

// Log publishes a log event attributed to a node.
func (rc *RunContext) Log(nodeID int64, level event.Level, message string) {
	rc.emit(event.New(rc.flowID, rc.runID, event.TypeLog,
		event.WithNodeID(nodeID),
		event.WithLog(level, message)))
}

func (rc *RunContext) emit(e *event.Event) {
	if rc.publish != nil {
		rc.publish(e)
	}
}
