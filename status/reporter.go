/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package status reports replication progress of the local node and waits
// for it to reach a given tick.
package status

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/couchbase/londiste-controller/common/pgdb"
	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrTimeout  = errors.New("timeout exceeded")
	ErrNoTickID = errors.New("no latest processed tick id found")
)

const DefaultPollInterval = 500 * time.Millisecond

type ReporterOptions struct {
	Logger       *zap.Logger
	Source       Source
	PollInterval time.Duration
}

type Reporter struct {
	logger       *zap.Logger
	source       Source
	pollInterval time.Duration
}

func NewReporter(opts ReporterOptions) *Reporter {
	r := &Reporter{
		logger:       opts.Logger,
		source:       opts.Source,
		pollInterval: opts.PollInterval,
	}
	r.init()

	return r
}

func (r *Reporter) init() {
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.source == nil {
		r.source = &PostgresSource{}
	}
	if r.pollInterval <= 0 {
		r.pollInterval = DefaultPollInterval
	}
}

// StandbyStatus reports a node without a replication job.
func (r *Reporter) StandbyStatus(node topology.LocalNode) *Record {
	return newRecord(node)
}

// MasterStatus reads the aggregate consumer lag from the local queue.  A
// master without subscribers has no consumers, which is not an error.
func (r *Reporter) MasterStatus(ctx context.Context, node topology.LocalNode, local connstr.Descriptor) (*Record, error) {
	rec := newRecord(node)

	lag, found, err := r.source.ConsumerLag(ctx, local, "")
	if err != nil {
		if !errors.Is(err, pgdb.ErrConnectionFailed) {
			return nil, err
		}

		r.logger.Warn("unable to connect to the local database for status", zap.Error(err))
		rec.LastSent = ConnectionFailed
		rec.AppliedLatency = float64(ConnectionFailed)
		rec.addError("local database: connection failed")
		return rec, nil
	}

	if !found {
		r.logger.Debug("no queue consumers on master")
		return rec, nil
	}

	applyLag(rec, lag)
	return rec, nil
}

// SlaveStatus combines the provider side consumer position with the
// subscriber's completed tick.  Provider errors only degrade the record, a
// failing local query fails the call.
func (r *Reporter) SlaveStatus(ctx context.Context, node topology.LocalNode, provider, local connstr.Descriptor, jobName string) (*Record, error) {
	rec := newRecord(node)
	rec.HasSubscriberFields = true

	lag, found, err := r.source.ConsumerLag(ctx, provider, jobName)
	switch {
	case err != nil:
		// the provider may be gone or not yet installed, local progress is
		// still reported
		r.logger.Warn("reading consumer lag from provider failed", zap.Error(err))
		rec.LastSent = ConnectionFailed
		rec.AppliedLatency = float64(ConnectionFailed)
		if errors.Is(err, pgdb.ErrConnectionFailed) {
			rec.addError("provider database: connection failed")
		} else {
			rec.addError("provider database: " + err.Error())
		}
	case found:
		applyLag(rec, lag)
	}

	tick, found, err := r.source.LastApplied(ctx, local, jobName)
	if err != nil {
		return nil, err
	}
	if found {
		rec.LastApplied = tick
		rec.LastReceived = tick
	}

	return rec, nil
}

func applyLag(rec *Record, lag Lag) {
	rec.LastSent = lag.LastTick
	if lag.LagSeconds != nil {
		rec.AppliedLatency = *lag.LagSeconds
	}
}

// WaitEvent polls the subscriber until it has applied target.  A zero timeout
// checks exactly once.
func (r *Reporter) WaitEvent(ctx context.Context, local connstr.Descriptor, jobName string, target int64, timeout time.Duration) (*EventRecord, error) {
	start := time.Now()
	b := backoff.NewConstantBackOff(r.pollInterval)

	for {
		tick, found, err := r.source.LastApplied(ctx, local, jobName)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.Wrapf(ErrNoTickID, "consumer %s", jobName)
		}

		if tick >= target {
			return &EventRecord{
				LastApplied:  tick,
				LastReceived: tick,
			}, nil
		}

		remaining := timeout - time.Since(start)
		if remaining <= 0 {
			return nil, errors.Wrapf(ErrTimeout, "last applied tick %d, waiting for %d", tick, target)
		}

		wait := b.NextBackOff()
		if wait > remaining {
			wait = remaining
		}

		r.logger.Debug("waiting for event",
			zap.Int64("applied", tick),
			zap.Int64("target", target),
			zap.Duration("wait", wait))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
