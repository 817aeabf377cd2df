/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package provisioner

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	DefaultPgDumpCommand = "pg_dump"
	DefaultPsqlCommand   = "psql"
)

type PipeCopierOptions struct {
	Logger        *zap.Logger
	PgDumpCommand string
	PsqlCommand   string
}

// PipeCopier streams pg_dump output straight into psql.  Each side gets its
// own PGPASSWORD so neither password shows up in a process listing.
type PipeCopier struct {
	logger *zap.Logger
	pgDump string
	psql   string
}

var _ SchemaCopier = (*PipeCopier)(nil)

func NewPipeCopier(opts PipeCopierOptions) *PipeCopier {
	c := &PipeCopier{
		logger: opts.Logger,
		pgDump: opts.PgDumpCommand,
		psql:   opts.PsqlCommand,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.pgDump == "" {
		c.pgDump = DefaultPgDumpCommand
	}
	if c.psql == "" {
		c.psql = DefaultPsqlCommand
	}

	return c
}

// Commands builds both halves of the pipe without starting them.
func (c *PipeCopier) Commands(ctx context.Context, src, dst connstr.Descriptor, dumpArgs []string) (dump *exec.Cmd, load *exec.Cmd) {
	srcArgs, srcEnv := src.ToolArgs()
	dstArgs, dstEnv := dst.ToolArgs()

	dump = exec.CommandContext(ctx, c.pgDump, append(srcArgs, dumpArgs...)...)
	dump.Env = append(os.Environ(), srcEnv...)

	load = exec.CommandContext(ctx, c.psql, append(dstArgs, "--quiet", "--no-psqlrc")...)
	load.Env = append(os.Environ(), dstEnv...)

	return dump, load
}

func (c *PipeCopier) CopySchema(ctx context.Context, src, dst connstr.Descriptor, dumpArgs []string) (string, error) {
	dump, load := c.Commands(ctx, src, dst, dumpArgs)

	var dumpOut, loadOut bytes.Buffer
	dump.Stderr = &dumpOut
	load.Stdout = &loadOut
	load.Stderr = &loadOut

	pipe, err := dump.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(err, "failed to create dump pipe")
	}
	load.Stdin = pipe

	c.logger.Debug("copying schema",
		zap.String("source", src.Redacted()),
		zap.String("target", dst.Redacted()),
		zap.Strings("dump-args", dumpArgs))

	err = load.Start()
	if err != nil {
		return "", errors.Wrapf(err, "failed to start %s", c.psql)
	}

	dumpErr := dump.Run()
	loadErr := load.Wait()

	output := dumpOut.String() + loadOut.String()
	if dumpErr != nil {
		return output, errors.Wrapf(dumpErr, "%s failed", c.pgDump)
	}
	if loadErr != nil {
		return output, errors.Wrapf(loadErr, "%s failed", c.psql)
	}

	return output, nil
}
