/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package connstr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	d, err := Parse("host=db1 port=5432 dbname=lostest_001 user=repl")
	require.NoError(t, err)

	assert.Equal(t, "db1", d.Host())
	assert.Equal(t, "5432", d.Port())
	assert.Equal(t, "lostest_001", d.DBName())
	assert.Equal(t, "repl", d.User())
	assert.Equal(t, "", d.Password())
	assert.Equal(t, "host=db1 port=5432 dbname=lostest_001 user=repl", d.String())
}

func TestParseSemicolonSeparated(t *testing.T) {
	d, err := Parse("dbname=lostest_003;port=5432")
	require.NoError(t, err)

	assert.Equal(t, "lostest_003", d.DBName())
	assert.Equal(t, "5432", d.Port())
	assert.Equal(t, "dbname=lostest_003 port=5432", d.String())
}

func TestParseQuoted(t *testing.T) {
	d, err := Parse(`dbname=x password='it''s' user = 'a b'`)
	require.Error(t, err)

	d, err = Parse(`dbname=x password='it\'s secret' user = 'a b'`)
	require.NoError(t, err)
	assert.Equal(t, "it's secret", d.Password())
	assert.Equal(t, "a b", d.User())

	again, err := Parse(d.String())
	require.NoError(t, err)
	assert.Equal(t, d.Params(), again.Params())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse("")
	require.ErrorIs(t, err, ErrEmpty)

	_, err = Parse("   ;  ")
	require.ErrorIs(t, err, ErrEmpty)

	_, err = Parse("dbname")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Parse("=x")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Parse("password='open")
	require.ErrorIs(t, err, ErrUnterminated)
}

func TestWithHelpers(t *testing.T) {
	d := MustParse("dbname=lostest_002 port=5433")

	withHost := d.WithFirst(KeyHost, "10.0.0.1")
	assert.Equal(t, "host=10.0.0.1 dbname=lostest_002 port=5433", withHost.String())
	assert.Equal(t, "dbname=lostest_002 port=5433", d.String())

	assert.Equal(t, "dbname=postgres port=5433", d.Maintenance().String())

	creds := d.WithCredentials("repl", "")
	assert.Equal(t, "dbname=lostest_002 port=5433 user=repl", creds.String())

	assert.Equal(t, "port=5433", d.Without(KeyDBName).String())
}

func TestToolArgsKeepPasswordOffCommandLine(t *testing.T) {
	d := MustParse("host=db1 dbname=app user=u password=s3cret")

	args, env := d.ToolArgs()
	assert.Equal(t, []string{"--dbname=host=db1 dbname=app user=u"}, args)
	assert.Equal(t, []string{"PGPASSWORD=s3cret"}, env)
	assert.Equal(t, "host=db1 dbname=app user=u password=xxxxx", d.Redacted())
}

func TestTextMarshalling(t *testing.T) {
	var d Descriptor
	require.NoError(t, d.UnmarshalText([]byte("dbname=a host=b")))

	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "dbname=a host=b", string(text))

	require.Error(t, d.UnmarshalText([]byte("nonsense")))
}
