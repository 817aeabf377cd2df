/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"strconv"
	"strings"

	"github.com/couchbase/londiste-controller/controller"
	"github.com/pkg/errors"
)

// parseLegacyInvocation decodes the -o/-I pair used by the replicator
// plugin interface into a command and its arguments.
//
//	prepare          <basedir>:<name>
//	add_node         <name>:<conninfo with ; for spaces>:<basedir>
//	remove_node      <name>
//	set_master_node  <name>
//	setrole          role=<role>;uri=<uri>
//	waitevent        event=<id>;timeout=<seconds>
func parseLegacyInvocation(operation string, in string) (string, controller.CommandArgs, error) {
	var args controller.CommandArgs

	command := controller.CanonicalCommand(operation)
	switch command {
	case controller.CommandProvision:
		idx := strings.LastIndex(in, ":")
		if idx < 0 {
			return "", args, errors.Wrapf(controller.ErrInvalidInput, "prepare expects <basedir>:<name>, got %q", in)
		}
		args.Location = in[:idx]
		args.Name = in[idx+1:]

	case controller.CommandAddNode:
		name, rest, ok := strings.Cut(in, ":")
		idx := strings.LastIndex(rest, ":")
		if !ok || idx < 0 {
			return "", args, errors.Wrapf(controller.ErrInvalidInput, "add_node expects <name>:<conninfo>:<basedir>, got %q", in)
		}
		args.Name = name
		args.ConnInfo = strings.ReplaceAll(rest[:idx], ";", " ")
		args.BaseDir = rest[idx+1:]

	case controller.CommandRemoveNode, controller.CommandSetMasterNode:
		args.Name = strings.TrimSpace(in)

	case controller.CommandSetRole:
		params, err := parseLegacyParams(in)
		if err != nil {
			return "", args, err
		}
		args.Role = strings.ToUpper(params["role"])
		args.SourceURI = params["uri"]
		if args.Role == "" {
			return "", args, errors.Wrap(controller.ErrInvalidInput, "no role for setrole command")
		}

	case controller.CommandWaitEvent:
		params, err := parseLegacyParams(in)
		if err != nil {
			return "", args, err
		}

		event, err := strconv.ParseInt(params["event"], 10, 64)
		if err != nil {
			return "", args, errors.Wrapf(controller.ErrInvalidInput, "event %q", params["event"])
		}
		timeout, err := strconv.ParseFloat(params["timeout"], 64)
		if err != nil {
			return "", args, errors.Wrapf(controller.ErrInvalidInput, "timeout %q", params["timeout"])
		}
		args.Event = event
		args.Timeout = timeout

	case controller.CommandOnline, controller.CommandOffline, controller.CommandFlush,
		controller.CommandStatus, controller.CommandCapabilities:

	default:
		return "", args, errors.Wrapf(controller.ErrInvalidInput, "unknown command %q", operation)
	}

	return command, args, nil
}

// parseLegacyParams splits name=value pairs separated by ';'.
func parseLegacyParams(in string) (map[string]string, error) {
	params := map[string]string{}
	for _, param := range strings.Split(in, ";") {
		if strings.TrimSpace(param) == "" {
			continue
		}
		name, value, ok := strings.Cut(param, "=")
		if !ok {
			return nil, errors.Wrapf(controller.ErrInvalidInput, "parameter %q is not name=value", param)
		}
		params[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}
	return params, nil
}
