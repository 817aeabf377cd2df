/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package provisioner prepares the database of a new subscriber from its
// provider.
package provisioner

import (
	"context"
	"strings"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/couchbase/londiste-controller/common/pgdb"
	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrProvisionFailed = errors.New("provisioning failed")

// TableFilter selects the replicated tables by their qualified name.
type TableFilter struct {
	Mask string
	Op   string
}

func FilterFromCluster(c topology.Cluster) TableFilter {
	return TableFilter{Mask: c.TableMask, Op: c.TableMaskOp}
}

// Catalog is the SQL side of provisioning.
type Catalog interface {
	ListTables(ctx context.Context, conn connstr.Descriptor, filter TableFilter) ([]string, error)
	CreateDatabase(ctx context.Context, conn connstr.Descriptor, name string) error
}

// SchemaCopier replays the schema of src into dst.
type SchemaCopier interface {
	CopySchema(ctx context.Context, src, dst connstr.Descriptor, dumpArgs []string) (string, error)
}

type ProvisionerOptions struct {
	Logger  *zap.Logger
	Catalog Catalog
	Copier  SchemaCopier
}

type Provisioner struct {
	logger  *zap.Logger
	catalog Catalog
	copier  SchemaCopier
}

func NewProvisioner(opts ProvisionerOptions) *Provisioner {
	p := &Provisioner{
		logger:  opts.Logger,
		catalog: opts.Catalog,
		copier:  opts.Copier,
	}
	p.init()

	return p
}

func (p *Provisioner) init() {
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.catalog == nil {
		p.catalog = &PostgresCatalog{}
	}
	if p.copier == nil {
		p.copier = NewPipeCopier(PipeCopierOptions{
			Logger: p.logger.Named("copier"),
		})
	}
}

// ListTables lists the tables matching filter on the provider.  When the
// provider cannot be reached the local database is asked instead.
func (p *Provisioner) ListTables(ctx context.Context, provider, local connstr.Descriptor, filter TableFilter) ([]string, error) {
	if err := topology.ValidateTableMaskOp(filter.Op); err != nil {
		return nil, errors.Wrapf(err, "table_mask_op %q", filter.Op)
	}

	if !provider.IsZero() {
		tables, err := p.catalog.ListTables(ctx, provider, filter)
		if err == nil {
			return tables, nil
		}
		if !errors.Is(err, pgdb.ErrConnectionFailed) || local.IsZero() {
			return nil, err
		}

		p.logger.Warn("unable to get table list from provider, using the local database",
			zap.String("provider", provider.Redacted()),
			zap.Error(err))
	}

	return p.catalog.ListTables(ctx, local, filter)
}

// CreateSubscriberDatabase creates the database named by local and copies
// the custom schemas plus the definitions of tables from the provider.
func (p *Provisioner) CreateSubscriberDatabase(ctx context.Context, provider, local connstr.Descriptor, tables []string) error {
	dbName := local.DBName()
	if dbName == "" {
		return errors.Wrap(ErrProvisionFailed, "local connection descriptor has no dbname")
	}

	err := p.catalog.CreateDatabase(ctx, local.Maintenance(), dbName)
	if err != nil {
		return err
	}

	p.logger.Info("copying custom schemas from provider",
		zap.String("database", dbName))

	out, err := p.copier.CopySchema(ctx, provider, local, CustomSchemaDumpArgs())
	if err != nil {
		return errors.Wrapf(ErrProvisionFailed, "schema copy: %s", describe(err, out))
	}

	if len(tables) == 0 {
		p.logger.Info("no tables selected, skipping table schema copy")
		return nil
	}

	p.logger.Info("copying table schemas from provider",
		zap.String("database", dbName),
		zap.Int("tables", len(tables)))

	out, err = p.copier.CopySchema(ctx, provider, local, TableSchemaDumpArgs(tables))
	if err != nil {
		return errors.Wrapf(ErrProvisionFailed, "table schema copy: %s", describe(err, out))
	}

	return nil
}

// CustomSchemaDumpArgs dumps every schema object except tables and the
// engine's own schemas.
func CustomSchemaDumpArgs() []string {
	return []string{"--schema-only", "-N", "pgq", "-N", "londiste", "-T", "*.*"}
}

func TableSchemaDumpArgs(tables []string) []string {
	args := []string{"--schema-only"}
	for _, table := range tables {
		args = append(args, "-t", table)
	}
	return args
}

func describe(err error, output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return err.Error()
	}
	return err.Error() + ": " + output
}
