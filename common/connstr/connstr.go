/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package connstr implements the libpq keyword/value connection descriptor
// that is stored for every node in the cluster topology.
package connstr

import (
	"errors"
	"strings"
	"unicode"
)

var (
	ErrEmpty        = errors.New("empty connection descriptor")
	ErrMalformed    = errors.New("malformed connection descriptor")
	ErrUnterminated = errors.New("unterminated quoted value in connection descriptor")
)

const (
	KeyHost     = "host"
	KeyPort     = "port"
	KeyUser     = "user"
	KeyPassword = "password"
	KeyDBName   = "dbname"

	// MaintenanceDB is the database we connect to when creating new databases.
	MaintenanceDB = "postgres"
)

type Param struct {
	Key   string
	Value string
}

// Descriptor is an ordered set of libpq connection keywords.  It is immutable,
// all the With* helpers return modified copies.
type Descriptor struct {
	params []Param
}

// Parse reads a keyword/value connection string.  Pairs may be separated by
// whitespace or by ';', the latter being how orchestrators pass descriptors
// through parameter lists that are themselves space separated.
func Parse(s string) (Descriptor, error) {
	var d Descriptor

	r := []rune(s)
	i := 0
	for {
		for i < len(r) && (unicode.IsSpace(r[i]) || r[i] == ';') {
			i++
		}
		if i >= len(r) {
			break
		}

		keyStart := i
		for i < len(r) && r[i] != '=' && !unicode.IsSpace(r[i]) && r[i] != ';' {
			i++
		}
		key := string(r[keyStart:i])

		for i < len(r) && unicode.IsSpace(r[i]) {
			i++
		}
		if key == "" || i >= len(r) || r[i] != '=' {
			return Descriptor{}, ErrMalformed
		}
		i++
		for i < len(r) && unicode.IsSpace(r[i]) {
			i++
		}

		var value strings.Builder
		if i < len(r) && r[i] == '\'' {
			i++
			closed := false
			for i < len(r) {
				if r[i] == '\\' && i+1 < len(r) {
					value.WriteRune(r[i+1])
					i += 2
					continue
				}
				if r[i] == '\'' {
					closed = true
					i++
					break
				}
				value.WriteRune(r[i])
				i++
			}
			if !closed {
				return Descriptor{}, ErrUnterminated
			}
		} else {
			for i < len(r) && !unicode.IsSpace(r[i]) && r[i] != ';' {
				value.WriteRune(r[i])
				i++
			}
		}

		d = d.With(key, value.String())
	}

	if len(d.params) == 0 {
		return Descriptor{}, ErrEmpty
	}

	return d, nil
}

// MustParse is like Parse but panics on error.  It is meant for constants
// and tests.
func MustParse(s string) Descriptor {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Descriptor) IsZero() bool {
	return len(d.params) == 0
}

func (d Descriptor) Get(key string) (string, bool) {
	for _, p := range d.params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

func (d Descriptor) value(key string) string {
	v, _ := d.Get(key)
	return v
}

func (d Descriptor) Host() string     { return d.value(KeyHost) }
func (d Descriptor) Port() string     { return d.value(KeyPort) }
func (d Descriptor) User() string     { return d.value(KeyUser) }
func (d Descriptor) Password() string { return d.value(KeyPassword) }
func (d Descriptor) DBName() string   { return d.value(KeyDBName) }

func (d Descriptor) Params() []Param {
	out := make([]Param, len(d.params))
	copy(out, d.params)
	return out
}

// With returns a copy of the descriptor with key set to value.  Existing keys
// keep their position, new keys are appended.
func (d Descriptor) With(key, value string) Descriptor {
	out := Descriptor{params: make([]Param, 0, len(d.params)+1)}
	replaced := false
	for _, p := range d.params {
		if p.Key == key {
			if !replaced {
				out.params = append(out.params, Param{Key: key, Value: value})
				replaced = true
			}
			continue
		}
		out.params = append(out.params, p)
	}
	if !replaced {
		out.params = append(out.params, Param{Key: key, Value: value})
	}
	return out
}

// WithFirst is like With, but new keys are put in front.  This matches how a
// host override is prepended to an existing descriptor.
func (d Descriptor) WithFirst(key, value string) Descriptor {
	if _, ok := d.Get(key); ok {
		return d.With(key, value)
	}
	out := Descriptor{params: make([]Param, 0, len(d.params)+1)}
	out.params = append(out.params, Param{Key: key, Value: value})
	out.params = append(out.params, d.params...)
	return out
}

func (d Descriptor) Without(key string) Descriptor {
	out := Descriptor{params: make([]Param, 0, len(d.params))}
	for _, p := range d.params {
		if p.Key != key {
			out.params = append(out.params, p)
		}
	}
	return out
}

func (d Descriptor) WithDBName(name string) Descriptor {
	return d.With(KeyDBName, name)
}

// WithCredentials overlays user and password, empty values leave the
// existing keyword untouched.
func (d Descriptor) WithCredentials(user, password string) Descriptor {
	out := d
	if user != "" {
		out = out.With(KeyUser, user)
	}
	if password != "" {
		out = out.With(KeyPassword, password)
	}
	return out
}

// Maintenance returns the descriptor pointing at the maintenance database of
// the same server.
func (d Descriptor) Maintenance() Descriptor {
	return d.WithDBName(MaintenanceDB)
}

func (d Descriptor) String() string {
	parts := make([]string, 0, len(d.params))
	for _, p := range d.params {
		parts = append(parts, p.Key+"="+quoteValue(p.Value))
	}
	return strings.Join(parts, " ")
}

// Redacted renders the descriptor with the password masked, for logging.
func (d Descriptor) Redacted() string {
	if _, ok := d.Get(KeyPassword); !ok {
		return d.String()
	}
	return d.With(KeyPassword, "xxxxx").String()
}

// ToolArgs returns the arguments used to point pg_dump or psql at this
// database, along with the environment carrying the password.  The password
// never ends up on the command line.
func (d Descriptor) ToolArgs() (args []string, env []string) {
	args = []string{"--dbname=" + d.Without(KeyPassword).String()}
	if pw, ok := d.Get(KeyPassword); ok {
		env = append(env, "PGPASSWORD="+pw)
	}
	return args, env
}

func (d Descriptor) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Descriptor) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n'\\;") {
		return v
	}

	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range v {
		if r == '\'' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('\'')
	return b.String()
}
