/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/couchbase/londiste-controller/controller"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLegacyInvocation(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		in        string
		command   string
		args      controller.CommandArgs
	}{
		{
			name:      "Prepare",
			operation: "prepare",
			in:        "nodes/node_001:node_001",
			command:   controller.CommandProvision,
			args:      controller.CommandArgs{Location: "nodes/node_001", Name: "node_001"},
		},
		{
			name:      "AddNode",
			operation: "add_node",
			in:        "node_002:host=db2;dbname=app;user=repl:nodes/node_002",
			command:   controller.CommandAddNode,
			args: controller.CommandArgs{
				Name:     "node_002",
				ConnInfo: "host=db2 dbname=app user=repl",
				BaseDir:  "nodes/node_002",
			},
		},
		{
			name:      "SetMasterNode",
			operation: "set_master_node",
			in:        "node_001",
			command:   controller.CommandSetMasterNode,
			args:      controller.CommandArgs{Name: "node_001"},
		},
		{
			name:      "SetRole",
			operation: "setrole",
			in:        "role=slave;uri=wal://db1:5433/",
			command:   controller.CommandSetRole,
			args:      controller.CommandArgs{Role: "SLAVE", SourceURI: "wal://db1:5433/"},
		},
		{
			name:      "WaitEvent",
			operation: "waitevent",
			in:        "event=1042;timeout=30",
			command:   controller.CommandWaitEvent,
			args:      controller.CommandArgs{Event: 1042, Timeout: 30},
		},
		{
			name:      "Status",
			operation: "status",
			command:   controller.CommandStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			command, args, err := parseLegacyInvocation(tt.operation, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.command, command)
			assert.Equal(t, tt.args, args)
		})
	}
}

func TestParseLegacyInvocationErrors(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		in        string
	}{
		{name: "Unknown", operation: "promote"},
		{name: "PrepareNoName", operation: "prepare", in: "nodes/node_001"},
		{name: "AddNodeShort", operation: "add_node", in: "node_002"},
		{name: "SetRoleNoRole", operation: "setrole", in: "uri=wal://db1"},
		{name: "SetRoleMalformed", operation: "setrole", in: "slave"},
		{name: "WaitEventBadEvent", operation: "waitevent", in: "event=x;timeout=1"},
		{name: "WaitEventNoTimeout", operation: "waitevent", in: "event=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := parseLegacyInvocation(tt.operation, tt.in)
			assert.ErrorIs(t, err, controller.ErrInvalidInput)
		})
	}
}

func TestReportResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, reportResult(&buf, nil))
	assert.Equal(t, "OK\n", buf.String())

	buf.Reset()
	err := reportResult(&buf, errors.Wrap(controller.ErrTimeout, "tick 10"))
	require.Error(t, err)
	assert.Equal(t, "TIMEOUT\n", buf.String())

	buf.Reset()
	err = reportResult(&buf, errors.Wrap(controller.ErrUnknownNode, "node_009"))
	var reported reportedError
	require.True(t, errors.As(err, &reported))
	assert.Equal(t, "ERROR: node_009: unknown node\n", buf.String())
}

func TestReadTungstenBaseDir(t *testing.T) {
	dir := t.TempDir()

	path := filepath.Join(dir, "static-pg.properties")
	require.NoError(t, os.WriteFile(path, []byte("[tungsten]\nbase_directory = /opt/replicator/node1\n"), 0644))

	baseDir, err := readTungstenBaseDir(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/replicator/node1", baseDir)

	missing := filepath.Join(dir, "missing.ini")
	require.NoError(t, os.WriteFile(missing, []byte("[other]\nkey = value\n"), 0644))

	_, err = readTungstenBaseDir(missing)
	assert.Error(t, err)
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"a:2379", "b:2379"}, splitList(" a:2379, ,b:2379 "))
	assert.Nil(t, splitList(""))
}
