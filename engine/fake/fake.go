/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package fake provides an in-memory engine which records every call.
package fake

import (
	"context"
	"sync"

	"github.com/couchbase/londiste-controller/engine"
)

type Call struct {
	Op         engine.Operation
	ConfigPath string
	Tables     []string
}

// Engine is an engine.Engine that never runs anything.  Operations marked
// with FailOn return a non-zero exit code until cleared.
type Engine struct {
	lock     sync.Mutex
	calls    []Call
	failures map[engine.Operation]string
}

var _ engine.Engine = (*Engine)(nil)

func NewEngine() *Engine {
	return &Engine{
		failures: map[engine.Operation]string{},
	}
}

func (e *Engine) FailOn(op engine.Operation, output string) {
	e.lock.Lock()
	e.failures[op] = output
	e.lock.Unlock()
}

func (e *Engine) ClearFailures() {
	e.lock.Lock()
	e.failures = map[engine.Operation]string{}
	e.lock.Unlock()
}

func (e *Engine) Calls() []Call {
	e.lock.Lock()
	defer e.lock.Unlock()

	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// Ops lists the recorded operations in call order.
func (e *Engine) Ops() []engine.Operation {
	e.lock.Lock()
	defer e.lock.Unlock()

	ops := make([]engine.Operation, 0, len(e.calls))
	for _, c := range e.calls {
		ops = append(ops, c.Op)
	}
	return ops
}

func (e *Engine) Reset() {
	e.lock.Lock()
	e.calls = nil
	e.lock.Unlock()
}

func (e *Engine) record(op engine.Operation, configPath string, tables []string) (engine.Result, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	var tablesCopy []string
	if tables != nil {
		tablesCopy = append([]string{}, tables...)
	}
	e.calls = append(e.calls, Call{Op: op, ConfigPath: configPath, Tables: tablesCopy})

	if output, ok := e.failures[op]; ok {
		res := engine.Result{ExitCode: 1, Output: output}
		return res, engine.OperationError(op, res)
	}

	return engine.Result{}, nil
}

func (e *Engine) InstallTicker(ctx context.Context, configPath string) (engine.Result, error) {
	return e.record(engine.OpInstallTicker, configPath, nil)
}

func (e *Engine) StartTicker(ctx context.Context, configPath string) (engine.Result, error) {
	return e.record(engine.OpStartTicker, configPath, nil)
}

func (e *Engine) StopTicker(ctx context.Context, configPath string) (engine.Result, error) {
	return e.record(engine.OpStopTicker, configPath, nil)
}

func (e *Engine) InstallProvider(ctx context.Context, configPath string) (engine.Result, error) {
	return e.record(engine.OpInstallProvider, configPath, nil)
}

func (e *Engine) AddProviderTables(ctx context.Context, configPath string, tables []string) (engine.Result, error) {
	return e.record(engine.OpAddProviderTables, configPath, tables)
}

func (e *Engine) RemoveProviderTables(ctx context.Context, configPath string, tables []string) (engine.Result, error) {
	return e.record(engine.OpRemoveProviderTables, configPath, tables)
}

func (e *Engine) InstallSubscriber(ctx context.Context, configPath string) (engine.Result, error) {
	return e.record(engine.OpInstallSubscriber, configPath, nil)
}

func (e *Engine) StartReplay(ctx context.Context, configPath string) (engine.Result, error) {
	return e.record(engine.OpStartReplay, configPath, nil)
}

func (e *Engine) StopReplay(ctx context.Context, configPath string) (engine.Result, error) {
	return e.record(engine.OpStopReplay, configPath, nil)
}

func (e *Engine) AddSubscriberTables(ctx context.Context, configPath string, tables []string) (engine.Result, error) {
	return e.record(engine.OpAddSubscriberTables, configPath, tables)
}

func (e *Engine) RemoveSubscriberTables(ctx context.Context, configPath string, tables []string) (engine.Result, error) {
	return e.record(engine.OpRemoveSubscriberTables, configPath, tables)
}
