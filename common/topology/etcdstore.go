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
	"encoding/json"
	"strings"
	"sync"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type jsonEtcdNode struct {
	ConnectString string `json:"connect_string"`
	BaseDir       string `json:"base_dir"`
}

type jsonEtcdDocument struct {
	ClusterName  string                  `json:"cluster_name"`
	TableMask    string                  `json:"table_mask"`
	TableMaskOp  string                  `json:"table_mask_op"`
	ProviderNode string                  `json:"provider_node,omitempty"`
	NodeName     string                  `json:"node_name"`
	NodeRole     string                  `json:"node_role"`
	NodeState    string                  `json:"node_state"`
	Nodes        map[string]jsonEtcdNode `json:"nodes"`
}

type EtcdStoreOptions struct {
	Logger     *zap.Logger
	EtcdClient *clientv3.Client
	KeyPrefix  string
	NodeName   string
}

// EtcdStore keeps the topology document of one node under
// <prefix>/<node>.  Writes are compare-and-swap against the revision seen by
// the last Load, so an external edit in between is reported instead of being
// silently overwritten.
type EtcdStore struct {
	logger     *zap.Logger
	etcdClient *clientv3.Client
	key        string

	lock        sync.Mutex
	seenModRev  int64
	hasObserved bool
}

var _ Store = (*EtcdStore)(nil)

func NewEtcdStore(opts EtcdStoreOptions) (*EtcdStore, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("etcd store requires an etcd client")
	}
	if opts.NodeName == "" {
		return nil, errors.New("etcd store requires a node name")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EtcdStore{
		logger:     logger,
		etcdClient: opts.EtcdClient,
		key:        strings.TrimSuffix(opts.KeyPrefix, "/") + "/" + opts.NodeName,
	}, nil
}

func (s *EtcdStore) Key() string {
	return s.key
}

func (s *EtcdStore) get(ctx context.Context) (*clientv3.GetResponse, error) {
	resp, err := s.etcdClient.Get(ctx, s.key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch topology from etcd")
	}

	s.lock.Lock()
	if len(resp.Kvs) == 0 {
		s.seenModRev = 0
	} else {
		s.seenModRev = resp.Kvs[0].ModRevision
	}
	s.hasObserved = true
	s.lock.Unlock()

	return resp, nil
}

func (s *EtcdStore) Exists(ctx context.Context) (bool, error) {
	resp, err := s.get(ctx)
	if err != nil {
		return false, err
	}

	return len(resp.Kvs) > 0 && len(resp.Kvs[0].Value) > 0, nil
}

func (s *EtcdStore) Load(ctx context.Context) (*Document, error) {
	resp, err := s.get(ctx)
	if err != nil {
		return nil, err
	}

	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}

	var jdoc jsonEtcdDocument
	err = json.Unmarshal(resp.Kvs[0].Value, &jdoc)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse topology from etcd")
	}

	return fromJsonEtcdDocument(&jdoc)
}

func (s *EtcdStore) Save(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(toJsonEtcdDocument(doc))
	if err != nil {
		return err
	}

	s.lock.Lock()
	if !s.hasObserved {
		s.lock.Unlock()

		// nothing has been read yet, fetch the current revision so that the
		// write below still detects anybody racing with us from here on
		if _, err := s.get(ctx); err != nil {
			return err
		}

		s.lock.Lock()
	}
	modRev := s.seenModRev
	s.lock.Unlock()

	resp, err := s.etcdClient.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(s.key), "=", modRev)).
		Then(clientv3.OpPut(s.key, string(data))).
		Commit()
	if err != nil {
		return errors.Wrap(err, "failed to write topology to etcd")
	}

	if !resp.Succeeded {
		s.logger.Warn("topology changed underneath us",
			zap.String("key", s.key),
			zap.Int64("expectedModRevision", modRev))
		return ErrConcurrentModification
	}

	s.lock.Lock()
	s.seenModRev = resp.Header.Revision
	s.hasObserved = true
	s.lock.Unlock()

	return nil
}

func toJsonEtcdDocument(doc *Document) *jsonEtcdDocument {
	jdoc := &jsonEtcdDocument{
		ClusterName:  doc.Cluster.Name,
		TableMask:    doc.Cluster.TableMask,
		TableMaskOp:  doc.Cluster.TableMaskOp,
		ProviderNode: doc.Cluster.ProviderNode,
		NodeName:     doc.Local.Name,
		NodeRole:     string(doc.Local.Role),
		NodeState:    string(doc.Local.State),
		Nodes:        make(map[string]jsonEtcdNode, len(doc.Nodes)),
	}

	for name, node := range doc.Nodes {
		jdoc.Nodes[name] = jsonEtcdNode{
			ConnectString: node.Conn.String(),
			BaseDir:       node.BaseDir,
		}
	}

	return jdoc
}

func fromJsonEtcdDocument(jdoc *jsonEtcdDocument) (*Document, error) {
	doc := &Document{
		Cluster: Cluster{
			Name:         jdoc.ClusterName,
			TableMask:    jdoc.TableMask,
			TableMaskOp:  jdoc.TableMaskOp,
			ProviderNode: jdoc.ProviderNode,
		},
		Local: LocalNode{
			Name: jdoc.NodeName,
		},
		Nodes: make(map[string]Node, len(jdoc.Nodes)),
	}

	if jdoc.NodeRole != "" {
		role, err := ParseRole(jdoc.NodeRole)
		if err != nil {
			return nil, err
		}
		doc.Local.Role = role
	}

	if jdoc.NodeState != "" {
		state, err := ParseState(jdoc.NodeState)
		if err != nil {
			return nil, err
		}
		doc.Local.State = state
	}

	for name, jnode := range jdoc.Nodes {
		node := Node{
			Name:    name,
			BaseDir: jnode.BaseDir,
		}

		if jnode.ConnectString != "" {
			conn, err := connstr.Parse(jnode.ConnectString)
			if err != nil {
				return nil, errors.Wrapf(err, "bad connect_string for node %s", name)
			}
			node.Conn = conn
		}

		doc.Nodes[name] = node
	}

	return doc, nil
}
