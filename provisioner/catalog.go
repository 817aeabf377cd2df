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
	"fmt"
	"strings"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/couchbase/londiste-controller/common/pgdb"
	"github.com/pkg/errors"
)

const sqlStateDuplicateDatabase = "42P04"

// The operator has been checked against the allowed set before it is
// formatted into the statement, the mask itself is a bind parameter.
const listTablesQuery = `
SELECT schemaname || '.' || relname
  FROM pg_stat_user_tables
 WHERE schemaname NOT IN ('pgq', 'londiste')
   AND schemaname || '.' || relname %s $1
 ORDER BY 1`

// PostgresCatalog runs the provisioning statements over lib/pq.
type PostgresCatalog struct{}

var _ Catalog = (*PostgresCatalog)(nil)

func (c *PostgresCatalog) ListTables(ctx context.Context, conn connstr.Descriptor, filter TableFilter) ([]string, error) {
	db, err := pgdb.Open(ctx, conn)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	op := strings.ToUpper(strings.TrimSpace(filter.Op))

	var tables []string
	err = db.Select(ctx, &tables, fmt.Sprintf(listTablesQuery, op), filter.Mask)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tables")
	}

	return tables, nil
}

func (c *PostgresCatalog) CreateDatabase(ctx context.Context, conn connstr.Descriptor, name string) error {
	db, err := pgdb.Open(ctx, conn)
	if err != nil {
		return errors.Wrapf(ErrProvisionFailed, "cannot reach maintenance database: %s", err)
	}
	defer db.Close()

	err = db.Exec(ctx, "CREATE DATABASE "+pgdb.QuoteIdentifier(name))
	if err != nil {
		if pgdb.ErrorCode(err) == sqlStateDuplicateDatabase {
			return errors.Wrapf(ErrProvisionFailed, "database %s already exists", name)
		}
		return errors.Wrapf(ErrProvisionFailed, "create database %s: %s", name, err)
	}

	return nil
}
