/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package controller

import (
	"github.com/couchbase/londiste-controller/common/jobconfig"
	"github.com/couchbase/londiste-controller/common/pgdb"
	"github.com/couchbase/londiste-controller/engine"
	"github.com/couchbase/londiste-controller/provisioner"
	"github.com/couchbase/londiste-controller/status"
	"github.com/pkg/errors"
)

// Error kinds returned by the controller.  Lower layers define some of them,
// callers should only test against these names with errors.Is.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrUnknownNode           = errors.New("unknown node")
	ErrAlreadyExists         = errors.New("node already provisioned")
	ErrMissingConfig         = jobconfig.ErrMissingConfig
	ErrConnectionFailed      = pgdb.ErrConnectionFailed
	ErrProvisionFailed       = provisioner.ErrProvisionFailed
	ErrEngineOperationFailed = engine.ErrEngineOperationFailed
	ErrTimeout               = status.ErrTimeout
)

// Outcome classifies err the way the command surface reports it.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	}
	return "error"
}
