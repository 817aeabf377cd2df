/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package pgdb

import (
	"context"
	"testing"
	"time"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDSN(t *testing.T) {
	assert.Equal(t, "host=db1 dbname=app sslmode=disable",
		DSN(connstr.MustParse("host=db1 dbname=app")))
	assert.Equal(t, "host=db1 sslmode=require dbname=app",
		DSN(connstr.MustParse("host=db1 sslmode=require dbname=app")))
}

func TestErrorCode(t *testing.T) {
	err := errors.Wrap(&pq.Error{Code: "42P04"}, "create database")
	assert.Equal(t, "42P04", ErrorCode(err))
	assert.Equal(t, "", ErrorCode(errors.New("boom")))
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"app"`, QuoteIdentifier("app"))
	assert.Equal(t, `"we""ird"`, QuoteIdentifier(`we"ird`))
}

func TestOpenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// nothing listens on port 1
	_, err := Open(ctx, connstr.MustParse("host=127.0.0.1 port=1 dbname=app connect_timeout=1"))
	require.ErrorIs(t, err, ErrConnectionFailed)
}
