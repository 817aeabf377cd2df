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
	"sync"
)

type MemoryStoreOptions struct {
	Initial *Document
}

// MemoryStore keeps the document in process memory, for tests.
type MemoryStore struct {
	lock     sync.Mutex
	doc      *Document
	revision uint64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(opts MemoryStoreOptions) *MemoryStore {
	return &MemoryStore{
		doc: opts.Initial.Clone(),
	}
}

func (s *MemoryStore) Exists(ctx context.Context) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.doc != nil, nil
}

func (s *MemoryStore) Load(ctx context.Context) (*Document, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.doc == nil {
		return nil, ErrNotFound
	}
	return s.doc.Clone(), nil
}

func (s *MemoryStore) Save(ctx context.Context, doc *Document) error {
	s.lock.Lock()
	s.doc = doc.Clone()
	s.revision++
	s.lock.Unlock()

	return nil
}

// Revision counts the number of successful saves.
func (s *MemoryStore) Revision() uint64 {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.revision
}
