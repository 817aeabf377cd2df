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
	"context"
	"testing"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/couchbase/londiste-controller/common/pgdb"
	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeCatalog struct {
	tables      map[string][]string
	unreachable map[string]bool
	existing    map[string]bool

	listedFrom []string
	createdVia []connstr.Descriptor
}

func (c *fakeCatalog) ListTables(ctx context.Context, conn connstr.Descriptor, filter TableFilter) ([]string, error) {
	c.listedFrom = append(c.listedFrom, conn.Host())
	if c.unreachable[conn.Host()] {
		return nil, errors.Wrap(pgdb.ErrConnectionFailed, conn.Host())
	}
	return c.tables[conn.Host()], nil
}

func (c *fakeCatalog) CreateDatabase(ctx context.Context, conn connstr.Descriptor, name string) error {
	c.createdVia = append(c.createdVia, conn)
	if c.existing[name] {
		return errors.Wrapf(ErrProvisionFailed, "database %s already exists", name)
	}
	return nil
}

type copyCall struct {
	src, dst connstr.Descriptor
	args     []string
}

type fakeCopier struct {
	calls  []copyCall
	failAt int
}

func (c *fakeCopier) CopySchema(ctx context.Context, src, dst connstr.Descriptor, dumpArgs []string) (string, error) {
	c.calls = append(c.calls, copyCall{src: src, dst: dst, args: dumpArgs})
	if c.failAt == len(c.calls) {
		return "ERROR: permission denied for schema app", errors.New("exit status 1")
	}
	return "", nil
}

var (
	providerConn = connstr.MustParse("host=provider dbname=app")
	localConn    = connstr.MustParse("host=local dbname=app_replica user=repl")
	defaultMask  = FilterFromCluster(topology.NewDocument("x").Cluster)
)

func newTestProvisioner(t *testing.T, catalog *fakeCatalog, copier *fakeCopier) *Provisioner {
	return NewProvisioner(ProvisionerOptions{
		Logger:  zaptest.NewLogger(t),
		Catalog: catalog,
		Copier:  copier,
	})
}

func TestListTablesFromProvider(t *testing.T) {
	catalog := &fakeCatalog{tables: map[string][]string{
		"provider": {"public.a", "public.b"},
		"local":    {"public.a"},
	}}
	p := newTestProvisioner(t, catalog, &fakeCopier{})

	tables, err := p.ListTables(context.Background(), providerConn, localConn, defaultMask)
	require.NoError(t, err)
	assert.Equal(t, []string{"public.a", "public.b"}, tables)
	assert.Equal(t, []string{"provider"}, catalog.listedFrom)
}

func TestListTablesFallsBackToLocal(t *testing.T) {
	catalog := &fakeCatalog{
		tables:      map[string][]string{"local": {"public.a"}},
		unreachable: map[string]bool{"provider": true},
	}
	p := newTestProvisioner(t, catalog, &fakeCopier{})

	tables, err := p.ListTables(context.Background(), providerConn, localConn, defaultMask)
	require.NoError(t, err)
	assert.Equal(t, []string{"public.a"}, tables)
	assert.Equal(t, []string{"provider", "local"}, catalog.listedFrom)
}

func TestListTablesRejectsUnknownOperator(t *testing.T) {
	catalog := &fakeCatalog{}
	p := newTestProvisioner(t, catalog, &fakeCopier{})

	_, err := p.ListTables(context.Background(), providerConn, localConn, TableFilter{Mask: "%", Op: "= '' OR 1=1 --"})
	require.ErrorIs(t, err, topology.ErrInvalidTableMaskOp)
	assert.Empty(t, catalog.listedFrom)
}

func TestCreateSubscriberDatabase(t *testing.T) {
	catalog := &fakeCatalog{}
	copier := &fakeCopier{}
	p := newTestProvisioner(t, catalog, copier)

	err := p.CreateSubscriberDatabase(context.Background(), providerConn, localConn, []string{"public.a", "public.b"})
	require.NoError(t, err)

	require.Len(t, catalog.createdVia, 1)
	assert.Equal(t, "host=local dbname=postgres user=repl", catalog.createdVia[0].String())

	require.Len(t, copier.calls, 2)
	assert.Equal(t, CustomSchemaDumpArgs(), copier.calls[0].args)
	assert.Equal(t, []string{"--schema-only", "-t", "public.a", "-t", "public.b"}, copier.calls[1].args)
	assert.Equal(t, "provider", copier.calls[1].src.Host())
	assert.Equal(t, "app_replica", copier.calls[1].dst.DBName())
}

func TestCreateSubscriberDatabaseAlreadyExists(t *testing.T) {
	catalog := &fakeCatalog{existing: map[string]bool{"app_replica": true}}
	copier := &fakeCopier{}
	p := newTestProvisioner(t, catalog, copier)

	err := p.CreateSubscriberDatabase(context.Background(), providerConn, localConn, nil)
	require.ErrorIs(t, err, ErrProvisionFailed)
	assert.Contains(t, err.Error(), "database app_replica already exists")
	assert.Empty(t, copier.calls)
}

func TestCreateSubscriberDatabaseCopyFailure(t *testing.T) {
	copier := &fakeCopier{failAt: 2}
	p := newTestProvisioner(t, &fakeCatalog{}, copier)

	err := p.CreateSubscriberDatabase(context.Background(), providerConn, localConn, []string{"public.a"})
	require.ErrorIs(t, err, ErrProvisionFailed)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestCreateSubscriberDatabaseNeedsName(t *testing.T) {
	p := newTestProvisioner(t, &fakeCatalog{}, &fakeCopier{})

	err := p.CreateSubscriberDatabase(context.Background(), providerConn, connstr.MustParse("host=local"), nil)
	require.ErrorIs(t, err, ErrProvisionFailed)
}

func TestPipeCopierCommands(t *testing.T) {
	c := NewPipeCopier(PipeCopierOptions{PgDumpCommand: "/usr/lib/postgresql/bin/pg_dump"})

	src := connstr.MustParse("host=provider dbname=app password=s3cret")
	dst := connstr.MustParse("host=local dbname=app_replica")

	dump, load := c.Commands(context.Background(), src, dst, CustomSchemaDumpArgs())

	assert.Equal(t, "/usr/lib/postgresql/bin/pg_dump", dump.Path)
	assert.Equal(t, []string{
		"/usr/lib/postgresql/bin/pg_dump",
		"--dbname=host=provider dbname=app",
		"--schema-only", "-N", "pgq", "-N", "londiste", "-T", "*.*",
	}, dump.Args)
	assert.Contains(t, dump.Env, "PGPASSWORD=s3cret")

	assert.Equal(t, []string{"psql", "--dbname=host=local dbname=app_replica", "--quiet", "--no-psqlrc"}, load.Args)
	assert.NotContains(t, load.Env, "PGPASSWORD=s3cret")
}
