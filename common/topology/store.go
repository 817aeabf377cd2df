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
	"context"
	"errors"
)

var (
	ErrNotFound               = errors.New("topology has not been initialized")
	ErrConcurrentModification = errors.New("topology was modified concurrently")
	ErrUnknownRole            = errors.New("unknown node role")
	ErrUnknownState           = errors.New("unknown node state")
	ErrInvalidNodeName        = errors.New("invalid node name")
	ErrInvalidTableMaskOp     = errors.New("invalid table mask operator")
)

/*
Store persists the topology document of a single node.  A controller performs
read-modify-write cycles against it: Load, mutate the returned copy, Save.
Stores are not safe for concurrent read-modify-write cycles, the caller is
expected to serialize them.
*/
type Store interface {
	Load(ctx context.Context) (*Document, error)
	Save(ctx context.Context, doc *Document) error

	// Exists reports whether a non-empty topology has been persisted.
	Exists(ctx context.Context) (bool, error)
}
