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
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/couchbase/londiste-controller/common/topology"
)

type Capabilities struct {
	Roles       []topology.Role
	Model       string
	Provision   string
	Consistency bool
	Heartbeat   bool
	Flush       bool
}

func (c *Capabilities) WriteTo(w io.Writer) (int64, error) {
	roles := make([]string, 0, len(c.Roles))
	for _, role := range c.Roles {
		roles = append(roles, strings.ToLower(string(role)))
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "roles=%s\n", strings.Join(roles, ","))
	fmt.Fprintf(&buf, "model=%s\n", c.Model)
	fmt.Fprintf(&buf, "provision=%s\n", c.Provision)
	fmt.Fprintf(&buf, "consistency=%t\n", c.Consistency)
	fmt.Fprintf(&buf, "heartbeat=%t\n", c.Heartbeat)
	fmt.Fprintf(&buf, "flush=%t\n", c.Flush)

	return buf.WriteTo(w)
}

// Capabilities describes what this controller offers to the orchestrator.
// Subscribers pull from their provider and are provisioned by joining.
func (c *Controller) Capabilities() *Capabilities {
	return &Capabilities{
		Roles:       []topology.Role{topology.RoleMaster, topology.RoleSlave, topology.RoleStandby},
		Model:       "pull",
		Provision:   "joiner",
		Consistency: false,
		Heartbeat:   true,
		Flush:       true,
	}
}
