/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package jobconfig derives the replication job of the local node from the
// topology and renders the configuration file the pgqadm/londiste tools read.
package jobconfig

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

var (
	ErrMissingConfig = errors.New("missing configuration")
	ErrNoJob         = errors.New("standby nodes have no replication job")
)

const (
	masterLazyFetch = 500
	slaveLazyFetch  = 1000

	tickerMaintDelay = 600
	tickerLoopDelay  = "0.1"

	masterSubscriberPlaceholder = "master-only conf, no subscriber"
	generatedHeader             = "Don't edit\ntungsten generated configfile"
)

// Job is the replication job run for the local node in a given role.  It is
// never stored, it is recomputed from the topology whenever it is needed so
// that a changed provider takes effect on the next transition.
type Job struct {
	Role         topology.Role
	NodeName     string
	ProviderName string

	Name       string
	TickerName string
	Queue      string

	ProviderConn   connstr.Descriptor
	SubscriberConn connstr.Descriptor

	// BaseDir holds log/ and pid/ for the job, ConfigPath is the file the
	// engine tools are pointed at.
	BaseDir    string
	ConfigPath string
	LazyFetch  int
}

func MasterJobName(node string) string { return node + "_to_any" }

func TickerJobName(node string) string { return node + "_ticker" }

func SlaveJobName(provider, node string) string { return provider + "_to_" + node }

func QueueName(provider string) string { return provider + "_evq" }

// Resolve computes the job the local node runs in role.  confBaseDir is the
// controller's own base directory, where the config file is written.
func Resolve(doc *topology.Document, role topology.Role, confBaseDir string) (*Job, error) {
	nodeName := doc.Local.Name
	local, ok := doc.LocalNodeEntry()
	if !ok || local.Conn.IsZero() {
		return nil, errors.Wrapf(ErrMissingConfig, "no data for node %s", nodeName)
	}

	baseDir := local.BaseDir
	if baseDir == "" {
		baseDir = confBaseDir
	}

	switch role {
	case topology.RoleMaster:
		name := MasterJobName(nodeName)
		return &Job{
			Role:         role,
			NodeName:     nodeName,
			ProviderName: nodeName,
			Name:         name,
			TickerName:   TickerJobName(nodeName),
			Queue:        QueueName(nodeName),
			ProviderConn: local.Conn,
			BaseDir:      baseDir,
			ConfigPath:   configPath(confBaseDir, name),
			LazyFetch:    masterLazyFetch,
		}, nil
	case topology.RoleSlave:
		providerName := doc.Cluster.ProviderNode
		if providerName == "" {
			return nil, errors.Wrap(ErrMissingConfig, "provider node is not known")
		}
		if providerName == nodeName {
			return nil, errors.Wrapf(ErrMissingConfig, "provider node is the local node %s", nodeName)
		}

		provider, ok := doc.ProviderEntry()
		if !ok || provider.Conn.IsZero() {
			return nil, errors.Wrap(ErrMissingConfig, "provider connect_string is not known")
		}

		name := SlaveJobName(providerName, nodeName)
		return &Job{
			Role:           role,
			NodeName:       nodeName,
			ProviderName:   providerName,
			Name:           name,
			Queue:          QueueName(providerName),
			ProviderConn:   provider.Conn,
			SubscriberConn: local.Conn,
			BaseDir:        baseDir,
			ConfigPath:     configPath(confBaseDir, name),
			LazyFetch:      slaveLazyFetch,
		}, nil
	}

	return nil, ErrNoJob
}

func configPath(baseDir, jobName string) string {
	return filepath.Join(baseDir, topology.ConfDir, fmt.Sprintf("tplugin_%s.ini", jobName))
}

func (j *Job) LogFile(jobName string) string {
	return filepath.Join(j.BaseDir, topology.LogDir, jobName+".log")
}

func (j *Job) PidFile(jobName string) string {
	return filepath.Join(j.BaseDir, topology.PidDir, jobName+".pid")
}

// Render produces the engine configuration file for the job.
func (j *Job) Render() ([]byte, error) {
	cfg := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})

	if j.Role == topology.RoleMaster {
		ticker, err := cfg.NewSection("pgqadm")
		if err != nil {
			return nil, err
		}
		ticker.Comment = generatedHeader
		ticker.Key("node_name").SetValue(j.NodeName)
		ticker.Key("job_name").SetValue(j.TickerName)
		ticker.Key("db").SetValue(j.ProviderConn.String())
		ticker.Key("maint_delay").SetValue(fmt.Sprint(tickerMaintDelay))
		ticker.Key("loop_delay").SetValue(tickerLoopDelay)
		ticker.Key("logfile").SetValue(j.LogFile(j.TickerName))
		ticker.Key("pidfile").SetValue(j.PidFile(j.TickerName))
	}

	londiste, err := cfg.NewSection("londiste")
	if err != nil {
		return nil, err
	}
	if j.Role != topology.RoleMaster {
		londiste.Comment = generatedHeader
	}
	londiste.Key("node_name").SetValue(j.NodeName)
	londiste.Key("job_name").SetValue(j.Name)
	londiste.Key("provider_db").SetValue(j.ProviderConn.String())
	if j.Role == topology.RoleMaster {
		londiste.Key("subscriber_db").SetValue(masterSubscriberPlaceholder)
	} else {
		londiste.Key("subscriber_db").SetValue(j.SubscriberConn.String())
	}
	londiste.Key("pgq_queue_name").SetValue(j.Queue)
	londiste.Key("logfile").SetValue(j.LogFile(j.Name))
	londiste.Key("pidfile").SetValue(j.PidFile(j.Name))
	londiste.Key("pgq_lazy_fetch").SetValue(fmt.Sprint(j.LazyFetch))

	var buf bytes.Buffer
	_, err = cfg.WriteTo(&buf)
	if err != nil {
		return nil, errors.Wrap(err, "failed to render job config")
	}

	return buf.Bytes(), nil
}

// Write renders the job and stores it at ConfigPath.
func (j *Job) Write() error {
	data, err := j.Render()
	if err != nil {
		return err
	}

	err = os.MkdirAll(filepath.Dir(j.ConfigPath), 0755)
	if err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}

	// the file carries connection strings, which may include passwords
	err = os.WriteFile(j.ConfigPath, data, 0600)
	if err != nil {
		return errors.Wrapf(err, "failed to write job config %s", j.ConfigPath)
	}

	return nil
}
