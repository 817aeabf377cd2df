/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package pgdb opens the short-lived PostgreSQL connections used for status
// queries and provisioning.  There is no pooling, every caller opens a
// connection, runs its statements and closes it again.
package pgdb

import (
	"context"
	"database/sql"
	"sync"

	"github.com/XSAM/otelsql"
	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/georgysavva/scany/sqlscan"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

var ErrConnectionFailed = errors.New("database connection failed")

const (
	postgresDriver      = "postgres"
	instrumentationName = "github.com/couchbase/londiste-controller/common/pgdb"

	keySSLMode = "sslmode"
)

var (
	registerOnce     sync.Once
	registeredDriver string
	registerErr      error
)

func driverName() (string, error) {
	registerOnce.Do(func() {
		registeredDriver, registerErr = otelsql.Register(postgresDriver,
			otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
	})
	return registeredDriver, registerErr
}

// DSN renders the descriptor for lib/pq.  lib/pq requires TLS unless told
// otherwise, while libpq based tools fall back to plain connections, so an
// unspecified sslmode is pinned to disable.
func DSN(conn connstr.Descriptor) string {
	if _, ok := conn.Get(keySSLMode); !ok {
		conn = conn.With(keySSLMode, "disable")
	}
	return conn.String()
}

// DB is a single connection to one database.
type DB struct {
	conn connstr.Descriptor
	db   *sql.DB
}

// Open connects to the database and verifies the connection.  Every failure
// to reach the server is reported as ErrConnectionFailed.
func Open(ctx context.Context, conn connstr.Descriptor) (*DB, error) {
	driver, err := driverName()
	if err != nil {
		return nil, errors.Wrap(err, "failed to hook the tracer to the database driver")
	}

	db, err := sql.Open(driver, DSN(conn))
	if err != nil {
		return nil, errors.Wrapf(ErrConnectionFailed, "%s: %s", conn.Redacted(), err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	err = db.PingContext(ctx)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(ErrConnectionFailed, "%s: %s", conn.Redacted(), err)
	}

	return &DB{
		conn: conn,
		db:   db,
	}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Get scans a single row into dst.  It reports false when the query returned
// no rows.
func (d *DB) Get(ctx context.Context, dst interface{}, query string, args ...interface{}) (bool, error) {
	spanCtx, span := otel.GetTracerProvider().Tracer(instrumentationName).Start(ctx, "pgdb.get")
	defer span.End()

	err := sqlscan.Get(spanCtx, d.db, dst, query, args...)
	if err != nil {
		if sqlscan.NotFound(err) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

func (d *DB) Select(ctx context.Context, dst interface{}, query string, args ...interface{}) error {
	spanCtx, span := otel.GetTracerProvider().Tracer(instrumentationName).Start(ctx, "pgdb.select")
	defer span.End()

	return sqlscan.Select(spanCtx, d.db, dst, query, args...)
}

func (d *DB) Exec(ctx context.Context, query string, args ...interface{}) error {
	spanCtx, span := otel.GetTracerProvider().Tracer(instrumentationName).Start(ctx, "pgdb.exec")
	defer span.End()

	_, err := d.db.ExecContext(spanCtx, query, args...)
	return err
}

// ErrorCode returns the SQLSTATE carried by err, if any.
func ErrorCode(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// QuoteIdentifier quotes a database, schema or table name for use in SQL.
func QuoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}
