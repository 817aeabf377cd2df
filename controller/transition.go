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
	"strings"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/couchbase/londiste-controller/common/jobconfig"
	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/couchbase/londiste-controller/engine"
	"github.com/couchbase/londiste-controller/pkg/metrics"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func isSwitch(from, to topology.Role) bool {
	return (from == topology.RoleMaster && to == topology.RoleSlave) ||
		(from == topology.RoleSlave && to == topology.RoleMaster)
}

// SetRole moves the local node to role.  Switching directly between MASTER
// and SLAVE passes through STANDBY first.  sourceURI may name a new provider
// as wal://host[:port][/...].
func (c *Controller) SetRole(ctx context.Context, role topology.Role, sourceURI string) error {
	return c.run(ctx, "set-role", func(ctx context.Context) error {
		return c.setRole(ctx, role, sourceURI)
	})
}

func (c *Controller) setRole(ctx context.Context, target topology.Role, sourceURI string) error {
	if _, err := topology.ParseRole(string(target)); err != nil {
		return errors.Wrapf(ErrInvalidInput, "role %q", target)
	}

	var source sourceHost
	var hasSource bool
	if target == topology.RoleSlave && sourceURI != "" {
		var err error
		source, hasSource, err = parseSourceURI(sourceURI)
		if err != nil {
			return err
		}
		if !hasSource {
			c.logger.Info("source uri carries no provider host, ignoring it", zap.String("uri", sourceURI))
		} else if err := topology.ValidateNodeName(source.Host); err != nil {
			return errors.Wrapf(ErrInvalidInput, "source host %q", source.Host)
		}
	}

	req, err := c.load(ctx)
	if err != nil {
		return err
	}

	if req.role == target {
		c.logger.Debug("node already has role", zap.String("role", string(target)))
		return nil
	}

	switching := isSwitch(req.role, target)
	if switching {
		c.logger.Info("performing role switch",
			zap.String("from", string(req.role)),
			zap.String("to", string(target)))

		err := c.enterStandby(ctx, req)
		if err != nil {
			return err
		}

		req, err = c.load(ctx)
		if err != nil {
			return err
		}
	}

	if target == topology.RoleStandby {
		return c.enterStandby(ctx, req)
	}

	var override *sourceHost
	if hasSource {
		override = &source
	}

	return c.enterRole(ctx, req, target, override, switching)
}

// enterStandby tears down the job of the current role.  Every engine failure
// is logged and ignored so that STANDBY is always reachable.
func (c *Controller) enterStandby(ctx context.Context, req *request) error {
	from := req.role

	if req.jobErr != nil {
		c.logger.Warn("cannot resolve replication job, skipping engine cleanup", zap.Error(req.jobErr))
	} else {
		c.cleanupJob(ctx, req.doc, req.job, true, true)
	}

	req.doc.Local.Role = topology.RoleStandby
	err := c.save(ctx, req.doc)
	if err != nil {
		return err
	}

	c.metrics.RoleTransitions.Add(ctx, 1, metrics.TransitionAttrs(string(from), string(topology.RoleStandby)))
	c.logger.Info("role changed",
		zap.String("from", string(from)),
		zap.String("to", string(topology.RoleStandby)))

	return nil
}

// cleanupJob stops the daemon of job and removes its table registrations.
func (c *Controller) cleanupJob(ctx context.Context, doc *topology.Document, job *jobconfig.Job, stop bool, removeTables bool) {
	if stop {
		switch job.Role {
		case topology.RoleMaster:
			c.cleanupStep(ctx, engine.OpStopTicker, func() (engine.Result, error) {
				return c.engine.StopTicker(ctx, job.ConfigPath)
			})
		case topology.RoleSlave:
			c.cleanupStep(ctx, engine.OpStopReplay, func() (engine.Result, error) {
				return c.engine.StopReplay(ctx, job.ConfigPath)
			})
		}
	}

	if !removeTables {
		return
	}

	tables, err := c.listTables(ctx, doc, job.ProviderConn)
	if err != nil {
		c.logger.Warn("cannot list tables, leaving registrations in place", zap.Error(err))
		return
	}

	switch job.Role {
	case topology.RoleMaster:
		c.logger.Info("removing triggers", zap.Int("tables", len(tables)))
		c.cleanupStep(ctx, engine.OpRemoveProviderTables, func() (engine.Result, error) {
			return c.engine.RemoveProviderTables(ctx, job.ConfigPath, tables)
		})
	case topology.RoleSlave:
		c.logger.Info("removing table subscriptions", zap.Int("tables", len(tables)))
		c.cleanupStep(ctx, engine.OpRemoveSubscriberTables, func() (engine.Result, error) {
			return c.engine.RemoveSubscriberTables(ctx, job.ConfigPath, tables)
		})
	}
}

// entry tracks what a role entry has done so far, for rollback.
type entry struct {
	target    topology.Role
	job       *jobconfig.Job
	completed []engine.Operation
	started   bool
	tables    bool
}

func (e *entry) done(op engine.Operation) {
	e.completed = append(e.completed, op)
}

func (e *entry) describe() string {
	if len(e.completed) == 0 {
		return "no engine steps"
	}

	ops := make([]string, 0, len(e.completed))
	for _, op := range e.completed {
		ops = append(ops, string(op))
	}
	return strings.Join(ops, ", ")
}

// enterRole installs MASTER or SLAVE on a node which is in STANDBY.  Any
// failure rolls the node back to the STANDBY document it started from.
func (c *Controller) enterRole(ctx context.Context, req *request, target topology.Role, source *sourceHost, switching bool) error {
	before := req.doc.Clone()
	doc := req.doc

	doc.Local.Role = target
	err := c.save(ctx, doc)
	if err != nil {
		return err
	}

	ent := &entry{target: target}

	err = c.installRole(ctx, doc, ent, source, switching)
	if err != nil {
		return c.rollback(ctx, before, ent, err)
	}

	doc.Local.State = topology.StateOffline
	err = c.save(ctx, doc)
	if err != nil {
		return err
	}

	c.metrics.RoleTransitions.Add(ctx, 1, metrics.TransitionAttrs(string(before.Local.Role), string(target)))
	c.logger.Info("role changed",
		zap.String("from", string(before.Local.Role)),
		zap.String("to", string(target)),
		zap.String("job", ent.job.Name))

	return nil
}

func (c *Controller) installRole(ctx context.Context, doc *topology.Document, ent *entry, source *sourceHost, switching bool) error {
	local, ok := doc.LocalNodeEntry()
	if !ok || local.Conn.IsZero() {
		return errors.Wrapf(ErrMissingConfig, "no data for node %s", doc.Local.Name)
	}

	switch ent.target {
	case topology.RoleMaster:
		// a previous provider may still be designated after a failover
		doc.Cluster.ProviderNode = doc.Local.Name
	case topology.RoleSlave:
		if source != nil {
			c.adoptProvider(doc, local, source)
		}
	}

	job, err := jobconfig.Resolve(doc, ent.target, c.baseDir)
	if err != nil {
		return err
	}
	ent.job = job

	err = c.save(ctx, doc)
	if err != nil {
		return err
	}

	err = job.Write()
	if err != nil {
		return errors.Wrapf(ErrProvisionFailed, "%s", err)
	}

	c.logger.Info("using job config", zap.String("path", job.ConfigPath))

	if ent.target == topology.RoleMaster {
		return c.installMaster(ctx, doc, ent)
	}
	return c.installSlave(ctx, doc, ent, switching)
}

// adoptProvider registers the host named by a source uri as the provider.
// It is reached with the local credentials and database name.
func (c *Controller) adoptProvider(doc *topology.Document, local topology.Node, source *sourceHost) {
	conn := local.Conn.WithFirst(connstr.KeyHost, source.Host)
	if source.Port != "" {
		conn = conn.With(connstr.KeyPort, source.Port)
	}

	doc.SetNode(topology.Node{
		Name:    source.Host,
		Conn:    conn,
		BaseDir: local.BaseDir,
	})
	doc.Cluster.ProviderNode = source.Host

	c.logger.Info("provider taken from source uri",
		zap.String("provider", source.Host),
		zap.String("conn", conn.Redacted()))
}

func (c *Controller) installMaster(ctx context.Context, doc *topology.Document, ent *entry) error {
	job := ent.job

	c.logger.Info("installing pgq and starting ticker daemon")

	err := c.engineStep(ctx, engine.OpInstallTicker, func() (engine.Result, error) {
		return c.engine.InstallTicker(ctx, job.ConfigPath)
	})
	if err != nil {
		return err
	}
	ent.done(engine.OpInstallTicker)

	err = c.engineStep(ctx, engine.OpStartTicker, func() (engine.Result, error) {
		return c.engine.StartTicker(ctx, job.ConfigPath)
	})
	if err != nil {
		return err
	}
	ent.done(engine.OpStartTicker)
	ent.started = true

	c.logger.Info("installing provider and adding triggers to tables")

	err = c.engineStep(ctx, engine.OpInstallProvider, func() (engine.Result, error) {
		return c.engine.InstallProvider(ctx, job.ConfigPath)
	})
	if err != nil {
		return err
	}
	ent.done(engine.OpInstallProvider)

	tables, err := c.listTables(ctx, doc, job.ProviderConn)
	if err != nil {
		return err
	}

	ent.tables = true
	err = c.engineStep(ctx, engine.OpAddProviderTables, func() (engine.Result, error) {
		return c.engine.AddProviderTables(ctx, job.ConfigPath, tables)
	})
	if err != nil {
		return err
	}
	ent.done(engine.OpAddProviderTables)

	return nil
}

// installSlave prepares a subscriber.  Tables are subscribed and replay is
// started by Online.  A switch continuation keeps the existing database.
func (c *Controller) installSlave(ctx context.Context, doc *topology.Document, ent *entry, switching bool) error {
	job := ent.job

	if !switching {
		tables, err := c.listTables(ctx, doc, job.ProviderConn)
		if err != nil {
			return err
		}

		c.logger.Info("creating subscriber database",
			zap.String("database", job.SubscriberConn.DBName()),
			zap.String("provider", job.ProviderName))

		err = c.provisioner.CreateSubscriberDatabase(ctx, c.dbConn(job.ProviderConn), c.dbConn(job.SubscriberConn), tables)
		if err != nil {
			return err
		}
	}

	err := c.engineStep(ctx, engine.OpInstallSubscriber, func() (engine.Result, error) {
		return c.engine.InstallSubscriber(ctx, job.ConfigPath)
	})
	if err != nil {
		return err
	}
	ent.done(engine.OpInstallSubscriber)

	return nil
}

// rollback restores the document the entry started from and undoes what
// the engine has done, on a best effort basis.  cause is returned with the
// completed steps attached.
func (c *Controller) rollback(ctx context.Context, before *topology.Document, ent *entry, cause error) error {
	c.logger.Warn("role entry failed, rolling back to STANDBY",
		zap.String("target", string(ent.target)),
		zap.String("completed", ent.describe()),
		zap.Error(cause))

	if ent.job != nil && len(ent.completed) > 0 {
		c.cleanupJob(ctx, before, ent.job, ent.started, ent.tables)
	}

	before.Local.Role = topology.RoleStandby
	err := c.save(ctx, before)
	if err != nil {
		c.logger.Error("failed to persist rollback", zap.Error(err))
		return errors.Wrapf(cause, "entering %s failed after %s, and the rollback could not be persisted (%s)",
			ent.target, ent.describe(), err)
	}

	return errors.Wrapf(cause, "entering %s failed after %s, rolled back to STANDBY", ent.target, ent.describe())
}
