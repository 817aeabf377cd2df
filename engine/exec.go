/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package engine

import (
	"context"
	"os/exec"

	"go.uber.org/zap"
)

const (
	DefaultPgqadmCommand   = "pgqadm.py"
	DefaultLondisteCommand = "londiste.py"
)

// Cmd is the part of exec.Cmd the adapter relies on.
type Cmd interface {
	CombinedOutput() ([]byte, error)
}

// CommandContextFunc creates the command for one invocation.
type CommandContextFunc func(ctx context.Context, name string, args ...string) Cmd

func execCommandContext(ctx context.Context, name string, args ...string) Cmd {
	return exec.CommandContext(ctx, name, args...)
}

type ExecOptions struct {
	Logger          *zap.Logger
	PgqadmCommand   string
	LondisteCommand string

	// CommandContext replaces process creation, tests use it to observe the
	// command lines without running anything.
	CommandContext CommandContextFunc
}

// Exec runs the engine tools as child processes.  No shell is involved, so
// table names and paths are passed through verbatim.
type Exec struct {
	logger         *zap.Logger
	pgqadm         string
	londiste       string
	commandContext CommandContextFunc
}

var _ Engine = (*Exec)(nil)

func NewExec(opts ExecOptions) *Exec {
	e := &Exec{
		logger:         opts.Logger,
		pgqadm:         opts.PgqadmCommand,
		londiste:       opts.LondisteCommand,
		commandContext: opts.CommandContext,
	}
	e.init()

	return e
}

func (e *Exec) init() {
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.pgqadm == "" {
		e.pgqadm = DefaultPgqadmCommand
	}
	if e.londiste == "" {
		e.londiste = DefaultLondisteCommand
	}
	if e.commandContext == nil {
		e.commandContext = execCommandContext
	}
}

func (e *Exec) run(ctx context.Context, op Operation, name string, args ...string) (Result, error) {
	e.logger.Debug("running engine operation",
		zap.String("operation", string(op)),
		zap.String("command", name),
		zap.Strings("args", args))

	out, err := e.commandContext(ctx, name, args...).CombinedOutput()
	res := Result{
		ExitCode: errToExitCode(err),
		Output:   string(out),
	}

	if err != nil {
		if res.Output == "" {
			res.Output = err.Error()
		}

		e.logger.Debug("engine operation failed",
			zap.String("operation", string(op)),
			zap.Int("exit-code", res.ExitCode),
			zap.Error(err))

		return res, OperationError(op, res)
	}

	return res, nil
}

func (e *Exec) runTables(ctx context.Context, op Operation, name string, args []string, tables []string) (Result, error) {
	if len(tables) == 0 {
		e.logger.Debug("no tables selected, skipping engine operation",
			zap.String("operation", string(op)))
		return Result{}, nil
	}

	return e.run(ctx, op, name, append(args, tables...)...)
}

func (e *Exec) InstallTicker(ctx context.Context, configPath string) (Result, error) {
	return e.run(ctx, OpInstallTicker, e.pgqadm, configPath, "install")
}

func (e *Exec) StartTicker(ctx context.Context, configPath string) (Result, error) {
	return e.run(ctx, OpStartTicker, e.pgqadm, configPath, "ticker", "-d")
}

func (e *Exec) StopTicker(ctx context.Context, configPath string) (Result, error) {
	return e.run(ctx, OpStopTicker, e.pgqadm, configPath, "--stop")
}

func (e *Exec) InstallProvider(ctx context.Context, configPath string) (Result, error) {
	return e.run(ctx, OpInstallProvider, e.londiste, configPath, "provider", "install")
}

func (e *Exec) AddProviderTables(ctx context.Context, configPath string, tables []string) (Result, error) {
	return e.runTables(ctx, OpAddProviderTables, e.londiste, []string{configPath, "provider", "add"}, tables)
}

func (e *Exec) RemoveProviderTables(ctx context.Context, configPath string, tables []string) (Result, error) {
	return e.runTables(ctx, OpRemoveProviderTables, e.londiste, []string{configPath, "provider", "remove"}, tables)
}

func (e *Exec) InstallSubscriber(ctx context.Context, configPath string) (Result, error) {
	return e.run(ctx, OpInstallSubscriber, e.londiste, configPath, "subscriber", "install")
}

func (e *Exec) StartReplay(ctx context.Context, configPath string) (Result, error) {
	return e.run(ctx, OpStartReplay, e.londiste, configPath, "replay", "-d")
}

func (e *Exec) StopReplay(ctx context.Context, configPath string) (Result, error) {
	return e.run(ctx, OpStopReplay, e.londiste, configPath, "--stop")
}

// AddSubscriberTables is safe to repeat, londiste only warns about tables
// which are already subscribed.
func (e *Exec) AddSubscriberTables(ctx context.Context, configPath string, tables []string) (Result, error) {
	return e.runTables(ctx, OpAddSubscriberTables, e.londiste, []string{configPath, "subscriber", "add"}, tables)
}

func (e *Exec) RemoveSubscriberTables(ctx context.Context, configPath string, tables []string) (Result, error) {
	return e.runTables(ctx, OpRemoveSubscriberTables, e.londiste, []string{configPath, "subscriber", "remove"}, tables)
}

// errToExitCode isolates callers from exec.ExitError.  Failures which never
// produced an exit status (missing binary, cancelled context) report -1.
func errToExitCode(err error) int {
	if err == nil {
		return 0
	}

	type exitCode interface{ ExitCode() int }
	if withCode, ok := err.(exitCode); ok {
		return withCode.ExitCode()
	}

	return -1
}
