/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package jobconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/ini.v1"
)

func testDocument() *topology.Document {
	doc := topology.NewDocument("node_b")
	doc.SetNode(topology.Node{
		Name:    "node_a",
		Conn:    connstr.MustParse("host=db-a dbname=app"),
		BaseDir: "/srv/node_a",
	})
	doc.SetNode(topology.Node{
		Name:    "node_b",
		Conn:    connstr.MustParse("host=db-b dbname=app"),
		BaseDir: "/srv/node_b",
	})
	return doc
}

func TestResolveMaster(t *testing.T) {
	job, err := Resolve(testDocument(), topology.RoleMaster, "/etc/lnc")
	require.NoError(t, err)

	assert.Equal(t, "node_b_to_any", job.Name)
	assert.Equal(t, "node_b_ticker", job.TickerName)
	assert.Equal(t, "node_b_evq", job.Queue)
	assert.Equal(t, "host=db-b dbname=app", job.ProviderConn.String())
	assert.True(t, job.SubscriberConn.IsZero())
	assert.Equal(t, "/etc/lnc/conf/tplugin_node_b_to_any.ini", job.ConfigPath)
	assert.Equal(t, "/srv/node_b/log/node_b_to_any.log", job.LogFile(job.Name))
	assert.Equal(t, 500, job.LazyFetch)
}

func TestResolveSlave(t *testing.T) {
	doc := testDocument()
	doc.Cluster.ProviderNode = "node_a"

	job, err := Resolve(doc, topology.RoleSlave, "/etc/lnc")
	require.NoError(t, err)

	assert.Equal(t, "node_a_to_node_b", job.Name)
	assert.Empty(t, job.TickerName)
	assert.Equal(t, "node_a_evq", job.Queue)
	assert.Equal(t, "host=db-a dbname=app", job.ProviderConn.String())
	assert.Equal(t, "host=db-b dbname=app", job.SubscriberConn.String())
	assert.Equal(t, "/etc/lnc/conf/tplugin_node_a_to_node_b.ini", job.ConfigPath)
	assert.Equal(t, 1000, job.LazyFetch)
}

func TestResolveMissingConfig(t *testing.T) {
	doc := testDocument()

	_, err := Resolve(doc, topology.RoleSlave, "/etc/lnc")
	require.ErrorIs(t, err, ErrMissingConfig)

	doc.Cluster.ProviderNode = "node_z"
	_, err = Resolve(doc, topology.RoleSlave, "/etc/lnc")
	require.ErrorIs(t, err, ErrMissingConfig)

	doc.Cluster.ProviderNode = "node_b"
	_, err = Resolve(doc, topology.RoleSlave, "/etc/lnc")
	require.ErrorIs(t, err, ErrMissingConfig)
	assert.Contains(t, err.Error(), "provider node is the local node")

	doc.RemoveNode("node_b")
	_, err = Resolve(doc, topology.RoleMaster, "/etc/lnc")
	require.ErrorIs(t, err, ErrMissingConfig)

	_, err = Resolve(testDocument(), topology.RoleStandby, "/etc/lnc")
	require.ErrorIs(t, err, ErrNoJob)
}

func TestResolveFallsBackToControllerBaseDir(t *testing.T) {
	doc := testDocument()
	doc.SetNode(topology.Node{Name: "node_b", Conn: connstr.MustParse("dbname=app")})

	job, err := Resolve(doc, topology.RoleMaster, "/etc/lnc")
	require.NoError(t, err)
	assert.Equal(t, "/etc/lnc/pid/node_b_ticker.pid", job.PidFile(job.TickerName))
}

func TestRenderMaster(t *testing.T) {
	job, err := Resolve(testDocument(), topology.RoleMaster, "/etc/lnc")
	require.NoError(t, err)

	data, err := job.Render()
	require.NoError(t, err)

	cfg, err := ini.Load(data)
	require.NoError(t, err)

	ticker := cfg.Section("pgqadm")
	assert.Equal(t, "node_b_ticker", ticker.Key("job_name").String())
	assert.Equal(t, "host=db-b dbname=app", ticker.Key("db").String())
	assert.Equal(t, "600", ticker.Key("maint_delay").String())
	assert.Equal(t, "0.1", ticker.Key("loop_delay").String())

	londiste := cfg.Section("londiste")
	assert.Equal(t, "node_b_to_any", londiste.Key("job_name").String())
	assert.Equal(t, "master-only conf, no subscriber", londiste.Key("subscriber_db").String())
	assert.Equal(t, "node_b_evq", londiste.Key("pgq_queue_name").String())
	assert.Equal(t, "500", londiste.Key("pgq_lazy_fetch").String())
	assert.Equal(t, "/srv/node_b/pid/node_b_to_any.pid", londiste.Key("pidfile").String())
}

func TestWriteSlave(t *testing.T) {
	doc := testDocument()
	doc.Cluster.ProviderNode = "node_a"
	dir := t.TempDir()

	job, err := Resolve(doc, topology.RoleSlave, dir)
	require.NoError(t, err)
	require.NoError(t, job.Write())

	st, err := os.Stat(filepath.Join(dir, "conf", "tplugin_node_a_to_node_b.ini"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), st.Mode().Perm())

	cfg, err := ini.Load(job.ConfigPath)
	require.NoError(t, err)
	assert.False(t, cfg.HasSection("pgqadm"))

	londiste := cfg.Section("londiste")
	assert.Equal(t, "host=db-a dbname=app", londiste.Key("provider_db").String())
	assert.Equal(t, "host=db-b dbname=app", londiste.Key("subscriber_db").String())
	assert.Equal(t, "1000", londiste.Key("pgq_lazy_fetch").String())
}
