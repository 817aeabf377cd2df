/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package engine drives the PgQ ticker (pgqadm) and the londiste replication
// daemons.  Every call is a single external effect which either succeeds or
// fails with its combined output attached.
package engine

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

var ErrEngineOperationFailed = errors.New("engine operation failed")

type Operation string

const (
	OpInstallTicker          Operation = "pgqadm install"
	OpStartTicker            Operation = "pgqadm ticker"
	OpStopTicker             Operation = "pgqadm stop"
	OpInstallProvider        Operation = "londiste provider install"
	OpAddProviderTables      Operation = "londiste provider add"
	OpRemoveProviderTables   Operation = "londiste provider remove"
	OpInstallSubscriber      Operation = "londiste subscriber install"
	OpStartReplay            Operation = "londiste replay"
	OpStopReplay             Operation = "londiste stop"
	OpAddSubscriberTables    Operation = "londiste subscriber add"
	OpRemoveSubscriberTables Operation = "londiste subscriber remove"
)

// Result is what an engine invocation left behind.
type Result struct {
	ExitCode int
	Output   string
}

// Engine exposes the replication engine operations the controller needs.
// configPath always names the job config file rendered by jobconfig.
type Engine interface {
	InstallTicker(ctx context.Context, configPath string) (Result, error)
	StartTicker(ctx context.Context, configPath string) (Result, error)
	StopTicker(ctx context.Context, configPath string) (Result, error)

	InstallProvider(ctx context.Context, configPath string) (Result, error)
	AddProviderTables(ctx context.Context, configPath string, tables []string) (Result, error)
	RemoveProviderTables(ctx context.Context, configPath string, tables []string) (Result, error)

	InstallSubscriber(ctx context.Context, configPath string) (Result, error)
	StartReplay(ctx context.Context, configPath string) (Result, error)
	StopReplay(ctx context.Context, configPath string) (Result, error)
	AddSubscriberTables(ctx context.Context, configPath string, tables []string) (Result, error)
	RemoveSubscriberTables(ctx context.Context, configPath string, tables []string) (Result, error)
}

// OperationError builds the error returned for a failed invocation.
func OperationError(op Operation, res Result) error {
	output := strings.TrimSpace(res.Output)
	if output == "" {
		return errors.Wrapf(ErrEngineOperationFailed, "%s exited with %d", op, res.ExitCode)
	}
	return errors.Wrapf(ErrEngineOperationFailed, "%s exited with %d: %s", op, res.ExitCode, output)
}
