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

	"github.com/couchbase/londiste-controller/controller"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

func outPathArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

var provisionCmd = &cobra.Command{
	Use:   "provision <basedir> <name>",
	Short: "Prepares a node directory and writes its initial topology",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), controller.CommandProvision, controller.CommandArgs{
			Location: args[0],
			Name:     args[1],
		}, "")
	},
}

var addNodeCmd = &cobra.Command{
	Use:   "add-node <name> <conninfo> [basedir]",
	Short: "Registers or updates a node",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmdArgs := controller.CommandArgs{
			Name:     args[0],
			ConnInfo: args[1],
		}
		if len(args) == 3 {
			cmdArgs.BaseDir = args[2]
		}
		return runCommand(cmd.Context(), controller.CommandAddNode, cmdArgs, "")
	},
}

var removeNodeCmd = &cobra.Command{
	Use:   "remove-node <name>",
	Short: "Removes a node from the topology",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), controller.CommandRemoveNode, controller.CommandArgs{Name: args[0]}, "")
	},
}

var setMasterNodeCmd = &cobra.Command{
	Use:   "set-master-node <name>",
	Short: "Designates the provider node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), controller.CommandSetMasterNode, controller.CommandArgs{Name: args[0]}, "")
	},
}

var setRoleURI string

var setRoleCmd = &cobra.Command{
	Use:   "set-role <master|slave|standby>",
	Short: "Moves the local node to a new role",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), controller.CommandSetRole, controller.CommandArgs{
			Role:      args[0],
			SourceURI: setRoleURI,
		}, "")
	},
}

var onlineCmd = &cobra.Command{
	Use:   "online",
	Short: "Starts replicating",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), controller.CommandOnline, controller.CommandArgs{}, "")
	},
}

var offlineCmd = &cobra.Command{
	Use:   "offline",
	Short: "Stops replicating",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), controller.CommandOffline, controller.CommandArgs{}, "")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [out]",
	Short: "Writes the replication status report",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), controller.CommandStatus, controller.CommandArgs{}, outPathArg(args))
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush [out]",
	Short: "Same as status",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), controller.CommandFlush, controller.CommandArgs{}, outPathArg(args))
	},
}

var capabilitiesCmd = &cobra.Command{
	Use:   "capabilities [out]",
	Short: "Writes what this controller supports",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCommand(cmd.Context(), controller.CommandCapabilities, controller.CommandArgs{}, outPathArg(args))
	},
}

var waitEventCmd = &cobra.Command{
	Use:   "wait-event <out> <event> <timeout>",
	Short: "Waits until the subscriber has applied an event",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		event, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return reportResult(cmd.OutOrStdout(), errors.Wrapf(controller.ErrInvalidInput, "event %q", args[1]))
		}
		timeout, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return reportResult(cmd.OutOrStdout(), errors.Wrapf(controller.ErrInvalidInput, "timeout %q", args[2]))
		}

		return runCommand(cmd.Context(), controller.CommandWaitEvent, controller.CommandArgs{
			Event:   event,
			Timeout: timeout,
		}, args[0])
	},
}

func init() {
	setRoleCmd.Flags().StringVar(&setRoleURI, "uri", "", "source uri, wal://host[:port] names a new provider")

	rootCmd.AddCommand(
		provisionCmd,
		addNodeCmd,
		removeNodeCmd,
		setMasterNodeCmd,
		setRoleCmd,
		onlineCmd,
		offlineCmd,
		statusCmd,
		flushCmd,
		capabilitiesCmd,
		waitEventCmd,
	)
}
