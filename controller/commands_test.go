/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package controller

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/couchbase/londiste-controller/engine/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCommandArgsTimeout(t *testing.T) {
	d, err := CommandArgs{Timeout: 1.5}.timeout()
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = CommandArgs{Timeout: 9e9}.timeout()
	require.NoError(t, err)
	assert.Greater(t, d, time.Duration(0))

	_, err = CommandArgs{Timeout: maxTimeoutSeconds}.timeout()
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = CommandArgs{Timeout: 1e300}.timeout()
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCanonicalCommand(t *testing.T) {
	assert.Equal(t, CommandProvision, CanonicalCommand("prepare"))
	assert.Equal(t, CommandAddNode, CanonicalCommand("add_node"))
	assert.Equal(t, CommandSetMasterNode, CanonicalCommand("SET_MASTER_NODE"))
	assert.Equal(t, CommandSetRole, CanonicalCommand("setrole"))
	assert.Equal(t, CommandWaitEvent, CanonicalCommand("waitevent"))
	assert.Equal(t, CommandStatus, CanonicalCommand(" status "))

	assert.True(t, IsReportCommand("waitevent"))
	assert.False(t, IsReportCommand("online"))
}

func TestExecute(t *testing.T) {
	ctx := context.Background()
	baseDir := t.TempDir()

	ctrl, err := NewController(ControllerOptions{
		Logger:      zaptest.NewLogger(t),
		BaseDir:     baseDir,
		Store:       topology.NewMemoryStore(topology.MemoryStoreOptions{}),
		Engine:      fake.NewEngine(),
		Provisioner: &fakeProvisioner{tables: testTables},
	})
	require.NoError(t, err)

	require.NoError(t, ctrl.Execute(ctx, "prepare", CommandArgs{Location: baseDir, Name: "hosta"}, nil))
	require.NoError(t, ctrl.Execute(ctx, "add_node", CommandArgs{Name: "hosta", ConnInfo: connA}, nil))
	require.NoError(t, ctrl.Execute(ctx, "setrole", CommandArgs{Role: "master"}, nil))

	doc, err := ctrl.Topology(ctx)
	require.NoError(t, err)
	assert.Equal(t, topology.RoleMaster, doc.Local.Role)

	t.Run("Capabilities", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, ctrl.Execute(ctx, CommandCapabilities, CommandArgs{}, &buf))
		assert.Contains(t, buf.String(), "model=pull\n")
	})

	t.Run("ReportWithoutOutput", func(t *testing.T) {
		err := ctrl.Execute(ctx, CommandCapabilities, CommandArgs{}, nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("SetRoleWithoutRole", func(t *testing.T) {
		err := ctrl.Execute(ctx, CommandSetRole, CommandArgs{}, nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("SetRoleUnknownRole", func(t *testing.T) {
		err := ctrl.Execute(ctx, CommandSetRole, CommandArgs{Role: "witness"}, nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("NegativeTimeout", func(t *testing.T) {
		var buf bytes.Buffer
		err := ctrl.Execute(ctx, CommandWaitEvent, CommandArgs{Event: 1, Timeout: -1}, &buf)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("HugeTimeout", func(t *testing.T) {
		var buf bytes.Buffer
		err := ctrl.Execute(ctx, CommandWaitEvent, CommandArgs{Event: 1, Timeout: 1e300}, &buf)
		assert.ErrorIs(t, err, ErrInvalidInput)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("Unknown", func(t *testing.T) {
		err := ctrl.Execute(ctx, "promote", CommandArgs{}, nil)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})
}
