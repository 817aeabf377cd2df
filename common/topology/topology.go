/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"strings"

	"github.com/couchbase/londiste-controller/common/connstr"
	"golang.org/x/exp/slices"
)

type Role string

const (
	RoleStandby Role = "STANDBY"
	RoleMaster  Role = "MASTER"
	RoleSlave   Role = "SLAVE"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleStandby, RoleMaster, RoleSlave:
		return r, nil
	}
	return "", ErrUnknownRole
}

type State string

const (
	StateUnconfigured State = "UNCONFIGURED"
	StateOffline      State = "OFFLINE"
	StateOnline       State = "ONLINE"
)

func ParseState(s string) (State, error) {
	switch st := State(strings.ToUpper(strings.TrimSpace(s))); st {
	case StateUnconfigured, StateOffline, StateOnline:
		return st, nil
	}
	return "", ErrUnknownState
}

const (
	DefaultClusterName = "lostest"
	DefaultTableMask   = "%.%"
	DefaultTableMaskOp = "LIKE"
)

// The mask operator is interpolated into the table listing query, so only a
// fixed set of PostgreSQL pattern operators is accepted.
var tableMaskOps = []string{"LIKE", "NOT LIKE", "ILIKE", "NOT ILIKE", "SIMILAR TO", "~", "~*", "!~", "!~*"}

func ValidateTableMaskOp(op string) error {
	if !slices.Contains(tableMaskOps, strings.ToUpper(strings.TrimSpace(op))) {
		return ErrInvalidTableMaskOp
	}
	return nil
}

type Node struct {
	Name    string
	Conn    connstr.Descriptor
	BaseDir string
}

type Cluster struct {
	Name         string
	TableMask    string
	TableMaskOp  string
	ProviderNode string
}

type LocalNode struct {
	Name  string
	Role  Role
	State State
}

// Document is the complete persisted description of the cluster as seen by
// one node.  Stores hand out private copies, so callers may mutate what they
// load and write it back.
type Document struct {
	Cluster Cluster
	Local   LocalNode
	Nodes   map[string]Node
}

// NewDocument returns the initial document for a freshly provisioned node.
func NewDocument(localName string) *Document {
	return &Document{
		Cluster: Cluster{
			Name:        DefaultClusterName,
			TableMask:   DefaultTableMask,
			TableMaskOp: DefaultTableMaskOp,
		},
		Local: LocalNode{
			Name:  localName,
			Role:  RoleStandby,
			State: StateUnconfigured,
		},
		Nodes: map[string]Node{},
	}
}

func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}

	out := *d
	out.Nodes = make(map[string]Node, len(d.Nodes))
	for name, node := range d.Nodes {
		out.Nodes[name] = node
	}
	return &out
}

func (d *Document) Node(name string) (Node, bool) {
	n, ok := d.Nodes[name]
	return n, ok
}

func (d *Document) SetNode(n Node) {
	if d.Nodes == nil {
		d.Nodes = map[string]Node{}
	}
	d.Nodes[n.Name] = n
}

func (d *Document) RemoveNode(name string) bool {
	if _, ok := d.Nodes[name]; !ok {
		return false
	}
	delete(d.Nodes, name)
	return true
}

func (d *Document) NodeNames() []string {
	names := make([]string, 0, len(d.Nodes))
	for name := range d.Nodes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LocalNodeEntry returns the registered entry of the node this document
// belongs to.
func (d *Document) LocalNodeEntry() (Node, bool) {
	return d.Node(d.Local.Name)
}

// ProviderEntry returns the registered entry of the designated provider.
func (d *Document) ProviderEntry() (Node, bool) {
	if d.Cluster.ProviderNode == "" {
		return Node{}, false
	}
	return d.Node(d.Cluster.ProviderNode)
}

// ValidateNodeName rejects names which cannot be stored as their own section
// in the cluster file.
func ValidateNodeName(name string) error {
	if name == "" {
		return ErrInvalidNodeName
	}
	if strings.ContainsAny(name, " \t\r\n[]:=;#") {
		return ErrInvalidNodeName
	}
	switch name {
	case sectionCluster, sectionLocalNode, sectionDefault:
		return ErrInvalidNodeName
	}
	return nil
}
