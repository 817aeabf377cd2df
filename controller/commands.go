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
	"context"
	"io"
	"math"
	"strings"
	"time"

	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/pkg/errors"
)

const (
	CommandProvision     = "provision"
	CommandAddNode       = "add-node"
	CommandRemoveNode    = "remove-node"
	CommandSetMasterNode = "set-master-node"
	CommandSetRole       = "set-role"
	CommandOnline        = "online"
	CommandOffline       = "offline"
	CommandFlush         = "flush"
	CommandStatus        = "status"
	CommandWaitEvent     = "wait-event"
	CommandCapabilities  = "capabilities"
)

var commandAliases = map[string]string{
	"prepare":   CommandProvision,
	"setrole":   CommandSetRole,
	"waitevent": CommandWaitEvent,
}

// CanonicalCommand maps the plugin operation names (add_node, setrole, ...)
// onto command names.
func CanonicalCommand(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if alias, ok := commandAliases[name]; ok {
		return alias
	}
	return strings.ReplaceAll(name, "_", "-")
}

// IsReportCommand reports whether name writes a report.
func IsReportCommand(name string) bool {
	switch CanonicalCommand(name) {
	case CommandFlush, CommandStatus, CommandWaitEvent, CommandCapabilities:
		return true
	}
	return false
}

// CommandArgs carries the parameters of every command, each command reads
// the ones it needs.
type CommandArgs struct {
	Location  string `json:"location,omitempty"`
	Name      string `json:"name,omitempty"`
	ConnInfo  string `json:"conn_info,omitempty"`
	BaseDir   string `json:"base_dir,omitempty"`
	Role      string `json:"role,omitempty"`
	SourceURI string `json:"uri,omitempty"`
	Event     int64  `json:"event,omitempty"`

	// Timeout is in seconds.
	Timeout float64 `json:"timeout,omitempty"`
}

// maxTimeoutSeconds is the longest timeout a time.Duration can hold.
const maxTimeoutSeconds = float64(math.MaxInt64) / float64(time.Second)

func (a CommandArgs) timeout() (time.Duration, error) {
	if a.Timeout < 0 || math.IsNaN(a.Timeout) || math.IsInf(a.Timeout, 0) {
		return 0, errors.Wrapf(ErrInvalidInput, "timeout %v", a.Timeout)
	}
	if a.Timeout >= maxTimeoutSeconds {
		return 0, errors.Wrapf(ErrInvalidInput, "timeout %v is too large", a.Timeout)
	}
	return time.Duration(a.Timeout * float64(time.Second)), nil
}

// Execute runs the named command.  Report commands write their output to
// out, which may be nil for the others.
func (c *Controller) Execute(ctx context.Context, name string, args CommandArgs, out io.Writer) error {
	command := CanonicalCommand(name)

	if IsReportCommand(command) && out == nil {
		return errors.Wrapf(ErrInvalidInput, "%s requires an output", command)
	}

	switch command {
	case CommandProvision:
		return c.Provision(ctx, args.Location, args.Name)
	case CommandAddNode:
		return c.AddNode(ctx, args.Name, args.ConnInfo, args.BaseDir)
	case CommandRemoveNode:
		return c.RemoveNode(ctx, args.Name)
	case CommandSetMasterNode:
		return c.SetMasterNode(ctx, args.Name)
	case CommandSetRole:
		if args.Role == "" {
			return errors.Wrap(ErrInvalidInput, "no role for set-role command")
		}
		role, err := topology.ParseRole(args.Role)
		if err != nil {
			return errors.Wrapf(ErrInvalidInput, "role %q", args.Role)
		}
		return c.SetRole(ctx, role, args.SourceURI)
	case CommandOnline:
		return c.Online(ctx)
	case CommandOffline:
		return c.Offline(ctx)
	case CommandFlush, CommandStatus:
		report := c.Status
		if command == CommandFlush {
			report = c.Flush
		}
		rec, err := report(ctx)
		if err != nil {
			return err
		}
		_, err = rec.WriteTo(out)
		return err
	case CommandWaitEvent:
		timeout, err := args.timeout()
		if err != nil {
			return err
		}
		rec, err := c.WaitEvent(ctx, args.Event, timeout)
		if err != nil {
			return err
		}
		_, err = rec.WriteTo(out)
		return err
	case CommandCapabilities:
		_, err := c.Capabilities().WriteTo(out)
		return err
	}

	return errors.Wrapf(ErrInvalidInput, "unknown command %q", name)
}
