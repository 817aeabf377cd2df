/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package status

import (
	"context"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/couchbase/londiste-controller/common/pgdb"
	"github.com/pkg/errors"
)

// Lag is the queue consumer position as seen by the provider.
type Lag struct {
	LagSeconds *float64 `db:"lag_sec"`
	LastTick   int64    `db:"last_tick"`
}

// Source reads replication progress counters.  A missing row is reported
// with found=false, an unreachable database with pgdb.ErrConnectionFailed.
type Source interface {
	// ConsumerLag reads the consumer position from the provider queue.  An
	// empty consumer returns the first consumer found.
	ConsumerLag(ctx context.Context, conn connstr.Descriptor, consumer string) (lag Lag, found bool, err error)
	// LastApplied reads the last tick the subscriber has completed.
	LastApplied(ctx context.Context, conn connstr.Descriptor, consumer string) (tick int64, found bool, err error)
}

const (
	anyConsumerLagQuery = `select extract(epoch from lag) as lag_sec, last_tick from pgq.get_consumer_info() limit 1`
	consumerLagQuery    = `select extract(epoch from lag) as lag_sec, last_tick from pgq.get_consumer_info() where consumer_name = $1`
	lastAppliedQuery    = `select last_tick_id from londiste.completed where consumer_id = $1`
)

// PostgresSource opens one connection per query.
type PostgresSource struct{}

var _ Source = (*PostgresSource)(nil)

func (s *PostgresSource) ConsumerLag(ctx context.Context, conn connstr.Descriptor, consumer string) (Lag, bool, error) {
	db, err := pgdb.Open(ctx, conn)
	if err != nil {
		return Lag{}, false, err
	}
	defer db.Close()

	query, args := anyConsumerLagQuery, []interface{}{}
	if consumer != "" {
		query, args = consumerLagQuery, []interface{}{consumer}
	}

	var lag Lag
	found, err := db.Get(ctx, &lag, query, args...)
	if err != nil {
		return Lag{}, false, errors.Wrap(err, "failed to read consumer info")
	}

	return lag, found, nil
}

func (s *PostgresSource) LastApplied(ctx context.Context, conn connstr.Descriptor, consumer string) (int64, bool, error) {
	db, err := pgdb.Open(ctx, conn)
	if err != nil {
		return 0, false, err
	}
	defer db.Close()

	var tick int64
	found, err := db.Get(ctx, &tick, lastAppliedQuery, consumer)
	if err != nil {
		return 0, false, errors.Wrap(err, "failed to read completed tick")
	}

	return tick, found, nil
}
