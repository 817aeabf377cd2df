/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gopkg.in/ini.v1"
)

const legacyClusterFile = `
[londiste_cluster]
table_mask = %.%
table_mask_op = LIKE
clustername = lostest
provider_node = lostest_001

[local_node]
nodename = lostest_002
noderole = SLAVE
nodestate = ONLINE

[lostest_001]
connect_string = dbname=lostest_001
base_dir = nodes/lostest_001

[lostest_002]
connect_string = dbname=lostest_002 port=5432
base_dir = nodes/lostest_002
`

func newTestFileStore(t *testing.T) *FileStore {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfDir), 0755))

	store, err := NewFileStore(FileStoreOptions{
		Logger: zaptest.NewLogger(t),
		Path:   ClusterFilePath(dir),
	})
	require.NoError(t, err)

	return store
}

func TestFileStoreMissing(t *testing.T) {
	store := newTestFileStore(t)

	exists, err := store.Exists(context.Background())
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Load(context.Background())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreReadsLegacyLayout(t *testing.T) {
	store := newTestFileStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte(legacyClusterFile), 0644))

	doc, err := store.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Cluster{
		Name:         "lostest",
		TableMask:    "%.%",
		TableMaskOp:  "LIKE",
		ProviderNode: "lostest_001",
	}, doc.Cluster)
	assert.Equal(t, LocalNode{Name: "lostest_002", Role: RoleSlave, State: StateOnline}, doc.Local)
	assert.Equal(t, []string{"lostest_001", "lostest_002"}, doc.NodeNames())

	provider, ok := doc.ProviderEntry()
	require.True(t, ok)
	assert.Equal(t, "lostest_001", provider.Conn.DBName())
	assert.Equal(t, "nodes/lostest_001", provider.BaseDir)

	local, ok := doc.LocalNodeEntry()
	require.True(t, ok)
	assert.Equal(t, "5432", local.Conn.Port())
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	doc := NewDocument("node_001")
	doc.Cluster.ProviderNode = "node_001"
	doc.Cluster.TableMask = "public.%"
	doc.SetNode(Node{
		Name:    "node_001",
		Conn:    connstr.MustParse("host=db1 dbname=app password='p#ss;word'"),
		BaseDir: "/var/lib/lnc/node_001",
	})
	doc.SetNode(Node{
		Name:    "node_002",
		Conn:    connstr.MustParse("host=db2 dbname=app"),
		BaseDir: "/var/lib/lnc/node_002",
	})

	require.NoError(t, store.Save(ctx, doc))

	exists, err := store.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, doc.Cluster, loaded.Cluster)
	assert.Equal(t, doc.Local, loaded.Local)
	require.Len(t, loaded.Nodes, 2)
	assert.Equal(t, "p#ss;word", loaded.Nodes["node_001"].Conn.Password())
	assert.Equal(t, "host=db2 dbname=app", loaded.Nodes["node_002"].Conn.String())

	// no temp files are left next to the cluster file
	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFileStoreRejectsBadRole(t *testing.T) {
	store := newTestFileStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("[local_node]\nnoderole = LEADER\n"), 0644))

	_, err := store.Load(context.Background())
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestMemoryStoreIsolatesCopies(t *testing.T) {
	store := NewMemoryStore(MemoryStoreOptions{})
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	doc := NewDocument("n1")
	require.NoError(t, store.Save(ctx, doc))
	doc.Local.Role = RoleMaster
	doc.SetNode(Node{Name: "n2"})

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, RoleStandby, loaded.Local.Role)
	assert.Empty(t, loaded.Nodes)
	assert.Equal(t, uint64(1), store.Revision())
}

func TestParseRoleAndState(t *testing.T) {
	role, err := ParseRole("master")
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, role)

	_, err = ParseRole("primary")
	require.ErrorIs(t, err, ErrUnknownRole)

	state, err := ParseState(" online ")
	require.NoError(t, err)
	assert.Equal(t, StateOnline, state)
}

func TestValidateNames(t *testing.T) {
	require.NoError(t, ValidateNodeName("lostest_001"))
	require.NoError(t, ValidateNodeName("10.0.0.7"))
	require.ErrorIs(t, ValidateNodeName(""), ErrInvalidNodeName)
	require.ErrorIs(t, ValidateNodeName("local_node"), ErrInvalidNodeName)
	require.ErrorIs(t, ValidateNodeName(ini.DefaultSection), ErrInvalidNodeName)
	require.ErrorIs(t, ValidateNodeName("a b"), ErrInvalidNodeName)

	require.NoError(t, ValidateTableMaskOp("like"))
	require.NoError(t, ValidateTableMaskOp("~*"))
	require.ErrorIs(t, ValidateTableMaskOp("; drop table x"), ErrInvalidTableMaskOp)
}
