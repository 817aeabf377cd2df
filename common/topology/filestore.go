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
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/ini.v1"
)

const (
	sectionDefault   = "DEFAULT" // ini.DefaultSection
	sectionCluster   = "londiste_cluster"
	sectionLocalNode = "local_node"

	keyClusterName  = "clustername"
	keyTableMask    = "table_mask"
	keyTableMaskOp  = "table_mask_op"
	keyProviderNode = "provider_node"

	keyNodeName  = "nodename"
	keyNodeRole  = "noderole"
	keyNodeState = "nodestate"

	keyConnectString = "connect_string"
	keyBaseDir       = "base_dir"

	ConfDir         = "conf"
	LogDir          = "log"
	PidDir          = "pid"
	clusterFileName = "tplugin_cluster.ini"
)

// Passwords and patterns may legitimately contain '#' or ';'.
var iniOptions = ini.LoadOptions{
	IgnoreInlineComment: true,
}

// ClusterFilePath returns where the cluster file of a node living in baseDir
// is kept.
func ClusterFilePath(baseDir string) string {
	return filepath.Join(baseDir, ConfDir, clusterFileName)
}

type FileStoreOptions struct {
	Logger *zap.Logger
	Path   string
}

// FileStore keeps the topology in an INI file laid out like the one written by
// the tungsten londiste node plugin, so existing node directories keep working.
type FileStore struct {
	logger *zap.Logger
	path   string
}

var _ Store = (*FileStore)(nil)

func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	if opts.Path == "" {
		return nil, errors.New("file store requires a path")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &FileStore{
		logger: logger,
		path:   opts.Path,
	}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Exists(ctx context.Context) (bool, error) {
	st, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to stat cluster file")
	}

	return st.Size() > 0, nil
}

func (s *FileStore) Load(ctx context.Context) (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to read cluster file")
	}

	return decodeINI(data)
}

func (s *FileStore) Save(ctx context.Context, doc *Document) error {
	data, err := encodeINI(doc)
	if err != nil {
		return err
	}

	err = writeFileAtomic(s.path, data)
	if err != nil {
		return err
	}

	s.logger.Debug("persisted topology",
		zap.String("path", s.path),
		zap.String("role", string(doc.Local.Role)),
		zap.String("state", string(doc.Local.State)))

	return nil
}

func decodeINI(data []byte) (*Document, error) {
	cfg, err := ini.LoadSources(iniOptions, data)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse cluster file")
	}

	doc := &Document{
		Nodes: map[string]Node{},
	}

	for _, sec := range cfg.Sections() {
		switch sec.Name() {
		case sectionDefault:
			continue
		case sectionCluster:
			doc.Cluster = Cluster{
				Name:         sec.Key(keyClusterName).String(),
				TableMask:    sec.Key(keyTableMask).String(),
				TableMaskOp:  sec.Key(keyTableMaskOp).String(),
				ProviderNode: sec.Key(keyProviderNode).String(),
			}
		case sectionLocalNode:
			doc.Local.Name = sec.Key(keyNodeName).String()

			if sec.HasKey(keyNodeRole) {
				role, err := ParseRole(sec.Key(keyNodeRole).String())
				if err != nil {
					return nil, errors.Wrapf(err, "bad %s in cluster file", keyNodeRole)
				}
				doc.Local.Role = role
			}

			if sec.HasKey(keyNodeState) {
				state, err := ParseState(sec.Key(keyNodeState).String())
				if err != nil {
					return nil, errors.Wrapf(err, "bad %s in cluster file", keyNodeState)
				}
				doc.Local.State = state
			}
		default:
			node := Node{
				Name:    sec.Name(),
				BaseDir: sec.Key(keyBaseDir).String(),
			}

			if raw := sec.Key(keyConnectString).String(); raw != "" {
				conn, err := connstr.Parse(raw)
				if err != nil {
					return nil, errors.Wrapf(err, "bad connect_string for node %s", sec.Name())
				}
				node.Conn = conn
			}

			doc.Nodes[node.Name] = node
		}
	}

	return doc, nil
}

func encodeINI(doc *Document) ([]byte, error) {
	cfg := ini.Empty(iniOptions)

	cluster, err := cfg.NewSection(sectionCluster)
	if err != nil {
		return nil, err
	}
	setKey(cluster, keyClusterName, doc.Cluster.Name)
	setKey(cluster, keyTableMask, doc.Cluster.TableMask)
	setKey(cluster, keyTableMaskOp, doc.Cluster.TableMaskOp)
	setKey(cluster, keyProviderNode, doc.Cluster.ProviderNode)

	local, err := cfg.NewSection(sectionLocalNode)
	if err != nil {
		return nil, err
	}
	setKey(local, keyNodeName, doc.Local.Name)
	setKey(local, keyNodeRole, string(doc.Local.Role))
	setKey(local, keyNodeState, string(doc.Local.State))

	for _, name := range doc.NodeNames() {
		node := doc.Nodes[name]

		sec, err := cfg.NewSection(name)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to add node %s", name)
		}
		setKey(sec, keyConnectString, node.Conn.String())
		setKey(sec, keyBaseDir, node.BaseDir)
	}

	var buf bytes.Buffer
	_, err = cfg.WriteTo(&buf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode cluster file")
	}

	return buf.Bytes(), nil
}

func setKey(sec *ini.Section, key, value string) {
	if value == "" {
		return
	}
	sec.Key(key).SetValue(value)
}

// writeFileAtomic replaces path with data so that readers see either the old
// or the new content, never a partial write.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return errors.Wrap(err, "cannot create temp cluster file")
	}

	_, err = f.Write(data)
	if err == nil {
		err = f.Sync()
	}
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "write temp cluster file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "rename cluster file")
	}

	return nil
}
