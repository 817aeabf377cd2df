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
	"errors"
	"testing"
	"time"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

var globalTestEtcdClient *etcd.Client
var globalEtcdDisabled bool

func getTestEtcdClient(t *testing.T) *etcd.Client {
	connectTimeout := 2 * time.Second

	if globalEtcdDisabled {
		t.Skip("etcd unavailable: previous connect attempt failed")
	}
	if globalTestEtcdClient != nil {
		return globalTestEtcdClient
	}

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: connectTimeout,
	})
	if err != nil {
		globalEtcdDisabled = true
		t.Skipf("etcd unavailable: %s", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), connectTimeout)
	_, err = etcdClient.Get(waitCtx, "invalid-key")
	waitCancel()

	if err != nil {
		globalEtcdDisabled = true
		_ = etcdClient.Close()
		t.Skipf("etcd unavailable: %s", err)
	}

	globalTestEtcdClient = etcdClient
	return etcdClient
}

func newTestEtcdStore(t *testing.T, client *etcd.Client, prefix string) *EtcdStore {
	store, err := NewEtcdStore(EtcdStoreOptions{
		Logger:     zaptest.NewLogger(t),
		EtcdClient: client,
		KeyPrefix:  prefix,
		NodeName:   "node_001",
	})
	require.NoError(t, err)
	return store
}

func TestEtcdStoreRoundTrip(t *testing.T) {
	client := getTestEtcdClient(t)
	prefix := "testing/" + uuid.NewString()
	ctx := context.Background()

	store := newTestEtcdStore(t, client, prefix)

	exists, err := store.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	doc := NewDocument("node_001")
	doc.SetNode(Node{Name: "node_001", Conn: connstr.MustParse("dbname=a"), BaseDir: "/tmp/a"})
	require.NoError(t, store.Save(ctx, doc))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, doc.Local, loaded.Local)
	assert.Equal(t, "dbname=a", loaded.Nodes["node_001"].Conn.String())
}

func TestEtcdStoreDetectsConcurrentEdits(t *testing.T) {
	client := getTestEtcdClient(t)
	prefix := "testing/" + uuid.NewString()
	ctx := context.Background()

	first := newTestEtcdStore(t, client, prefix)
	second := newTestEtcdStore(t, client, prefix)

	require.NoError(t, first.Save(ctx, NewDocument("node_001")))

	doc, err := first.Load(ctx)
	require.NoError(t, err)

	otherDoc, err := second.Load(ctx)
	require.NoError(t, err)
	otherDoc.Local.State = StateOffline
	require.NoError(t, second.Save(ctx, otherDoc))

	doc.Local.Role = RoleMaster
	err = first.Save(ctx, doc)
	require.True(t, errors.Is(err, ErrConcurrentModification))
}
