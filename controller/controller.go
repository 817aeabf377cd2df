/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package controller implements the role and state machine of a single
// londiste node.
package controller

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/couchbase/londiste-controller/common/connstr"
	"github.com/couchbase/londiste-controller/common/jobconfig"
	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/couchbase/londiste-controller/engine"
	"github.com/couchbase/londiste-controller/pkg/metrics"
	"github.com/couchbase/londiste-controller/provisioner"
	"github.com/couchbase/londiste-controller/status"
	"github.com/couchbase/londiste-controller/utils/secretsmanager"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/couchbase/londiste-controller/controller"

// Provisioner prepares subscriber databases and lists the replicated tables.
type Provisioner interface {
	ListTables(ctx context.Context, provider, local connstr.Descriptor, filter provisioner.TableFilter) ([]string, error)
	CreateSubscriberDatabase(ctx context.Context, provider, local connstr.Descriptor, tables []string) error
}

// Reporter reads replication progress.
type Reporter interface {
	StandbyStatus(node topology.LocalNode) *status.Record
	MasterStatus(ctx context.Context, node topology.LocalNode, local connstr.Descriptor) (*status.Record, error)
	SlaveStatus(ctx context.Context, node topology.LocalNode, provider, local connstr.Descriptor, jobName string) (*status.Record, error)
	WaitEvent(ctx context.Context, local connstr.Descriptor, jobName string, target int64, timeout time.Duration) (*status.EventRecord, error)
}

type ControllerOptions struct {
	Logger *zap.Logger

	// BaseDir is where conf/, log/ and pid/ of this node live.
	BaseDir string

	Store       topology.Store
	Engine      engine.Engine
	Provisioner Provisioner
	Reporter    Reporter

	// Credentials are applied to every database connection the controller
	// makes itself.  They are never persisted.
	Credentials secretsmanager.Credentials

	// ForceProvision allows Provision to overwrite an existing topology.
	ForceProvision bool

	// StoreFactory opens the topology store of a node living in another base
	// directory.  Without it Provision only accepts BaseDir.
	StoreFactory StoreFactory

	Metrics *metrics.ControllerMetrics
}

// StoreFactory returns the store for the node name provisioned at location.
type StoreFactory func(location, name string) (topology.Store, error)

// Controller serializes all commands, one runs to completion before the
// next one starts.
type Controller struct {
	logger         *zap.Logger
	baseDir        string
	store          topology.Store
	engine         engine.Engine
	provisioner    Provisioner
	reporter       Reporter
	creds          secretsmanager.Credentials
	forceProvision bool
	storeFactory   StoreFactory
	metrics        *metrics.ControllerMetrics
	tracer         trace.Tracer

	lock sync.Mutex
}

func NewController(opts ControllerOptions) (*Controller, error) {
	if opts.Store == nil {
		return nil, errors.New("controller requires a topology store")
	}

	c := &Controller{
		logger:         opts.Logger,
		baseDir:        opts.BaseDir,
		store:          opts.Store,
		engine:         opts.Engine,
		provisioner:    opts.Provisioner,
		reporter:       opts.Reporter,
		creds:          opts.Credentials,
		forceProvision: opts.ForceProvision,
		storeFactory:   opts.StoreFactory,
		metrics:        opts.Metrics,
	}

	err := c.init()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Controller) init() error {
	if c.logger == nil {
		c.logger = zap.NewNop()
	}

	if c.baseDir != "" {
		absDir, err := filepath.Abs(c.baseDir)
		if err != nil {
			return errors.Wrap(err, "failed to resolve base directory")
		}
		c.baseDir = absDir
	}

	if c.engine == nil {
		c.engine = engine.NewExec(engine.ExecOptions{
			Logger: c.logger.Named("engine"),
		})
	}
	if c.provisioner == nil {
		c.provisioner = provisioner.NewProvisioner(provisioner.ProvisionerOptions{
			Logger: c.logger.Named("provisioner"),
		})
	}
	if c.reporter == nil {
		c.reporter = status.NewReporter(status.ReporterOptions{
			Logger: c.logger.Named("status"),
		})
	}
	if c.metrics == nil {
		c.metrics = metrics.GetControllerMetrics()
	}

	c.tracer = otel.Tracer(tracerName)

	return nil
}

func (c *Controller) BaseDir() string {
	return c.baseDir
}

// request is the view of the topology a single command works on.  It is
// computed once per command.
type request struct {
	doc   *topology.Document
	role  topology.Role
	state topology.State

	// job is the job of the current role, jobErr explains why there is none.
	job    *jobconfig.Job
	jobErr error
}

func (c *Controller) load(ctx context.Context) (*request, error) {
	doc, err := c.store.Load(ctx)
	if err != nil {
		if errors.Is(err, topology.ErrNotFound) {
			return nil, errors.Wrap(ErrMissingConfig, "node is not provisioned")
		}
		return nil, errors.Wrap(err, "failed to load topology")
	}

	req := &request{
		doc:   doc,
		role:  doc.Local.Role,
		state: doc.Local.State,
	}

	if req.role != topology.RoleStandby {
		req.job, req.jobErr = jobconfig.Resolve(doc, req.role, c.baseDir)
	}

	return req, nil
}

func (c *Controller) save(ctx context.Context, doc *topology.Document) error {
	err := c.store.Save(ctx, doc)
	if err != nil {
		return errors.Wrap(err, "failed to persist topology")
	}
	return nil
}

// dbConn overlays the configured credentials for connections the controller
// opens itself.
func (c *Controller) dbConn(conn connstr.Descriptor) connstr.Descriptor {
	if conn.IsZero() {
		return conn
	}
	return conn.WithCredentials(c.creds.Username, c.creds.Password)
}

func (c *Controller) run(ctx context.Context, command string, fn func(ctx context.Context) error) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	ctx, span := c.tracer.Start(ctx, "controller."+command,
		trace.WithAttributes(attribute.String("command", command)))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	outcome := Outcome(err)

	c.metrics.Commands.Add(ctx, 1, metrics.CommandAttrs(command, outcome))
	c.metrics.CommandDuration.Record(ctx, time.Since(start).Seconds(), metrics.CommandAttrs(command, outcome))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		c.logger.Warn("command failed",
			zap.String("command", command),
			zap.String("outcome", outcome),
			zap.Error(err))
		return err
	}

	c.logger.Debug("command completed",
		zap.String("command", command),
		zap.Duration("took", time.Since(start)))

	return nil
}

// Provision prepares location for a new node and writes its initial
// topology.  An empty location is the controller's own base directory.
func (c *Controller) Provision(ctx context.Context, location, name string) error {
	return c.run(ctx, "provision", func(ctx context.Context) error {
		if err := topology.ValidateNodeName(name); err != nil {
			return errors.Wrapf(ErrInvalidInput, "node name %q", name)
		}

		location, store, err := c.provisionStore(location, name)
		if err != nil {
			return err
		}

		exists, err := store.Exists(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to check for existing topology")
		}
		if exists && !c.forceProvision {
			return errors.Wrapf(ErrAlreadyExists, "topology for %s already exists", location)
		}

		for _, dir := range []string{topology.ConfDir, topology.LogDir, topology.PidDir} {
			err := os.MkdirAll(filepath.Join(location, dir), 0755)
			if err != nil {
				return errors.Wrapf(err, "failed to create %s directory", dir)
			}
		}

		err = store.Save(ctx, topology.NewDocument(name))
		if err != nil {
			return errors.Wrap(err, "failed to persist topology")
		}

		c.logger.Info("provisioned node",
			zap.String("node", name),
			zap.String("location", location),
			zap.Bool("overwritten", exists))

		return nil
	})
}

// provisionStore picks the store the topology of location is written to.
func (c *Controller) provisionStore(location, name string) (string, topology.Store, error) {
	if location == "" {
		return c.baseDir, c.store, nil
	}

	absLocation, err := filepath.Abs(location)
	if err != nil {
		return "", nil, errors.Wrapf(ErrInvalidInput, "location %q: %s", location, err)
	}
	if absLocation == c.baseDir {
		return absLocation, c.store, nil
	}

	if c.storeFactory == nil {
		return "", nil, errors.Wrapf(ErrInvalidInput, "location %s is not the base directory %s", absLocation, c.baseDir)
	}

	store, err := c.storeFactory(absLocation, name)
	if err != nil {
		return "", nil, errors.Wrapf(err, "failed to open topology store for %s", absLocation)
	}
	return absLocation, store, nil
}

// AddNode registers or updates a node.  It has no effect on role or state.
func (c *Controller) AddNode(ctx context.Context, name, connInfo, baseDir string) error {
	return c.run(ctx, "add-node", func(ctx context.Context) error {
		if err := topology.ValidateNodeName(name); err != nil {
			return errors.Wrapf(ErrInvalidInput, "node name %q", name)
		}

		conn, err := connstr.Parse(connInfo)
		if err != nil {
			return errors.Wrapf(ErrInvalidInput, "connection info for %s: %s", name, err)
		}

		req, err := c.load(ctx)
		if err != nil {
			return err
		}

		req.doc.SetNode(topology.Node{
			Name:    name,
			Conn:    conn,
			BaseDir: baseDir,
		})

		return c.save(ctx, req.doc)
	})
}

// RemoveNode drops a registered node.  Removing the provider also clears the
// provider designation.
func (c *Controller) RemoveNode(ctx context.Context, name string) error {
	return c.run(ctx, "remove-node", func(ctx context.Context) error {
		req, err := c.load(ctx)
		if err != nil {
			return err
		}

		if !req.doc.RemoveNode(name) {
			return errors.Wrapf(ErrUnknownNode, "%s", name)
		}
		if req.doc.Cluster.ProviderNode == name {
			c.logger.Info("removed node was the provider", zap.String("node", name))
			req.doc.Cluster.ProviderNode = ""
		}

		return c.save(ctx, req.doc)
	})
}

// SetMasterNode designates the provider.  It does not start replication.
func (c *Controller) SetMasterNode(ctx context.Context, name string) error {
	return c.run(ctx, "set-master-node", func(ctx context.Context) error {
		req, err := c.load(ctx)
		if err != nil {
			return err
		}

		if _, ok := req.doc.Node(name); !ok {
			return errors.Wrapf(ErrUnknownNode, "%s", name)
		}
		req.doc.Cluster.ProviderNode = name

		return c.save(ctx, req.doc)
	})
}

// Online starts replaying on a subscriber.  Other roles only change state.
func (c *Controller) Online(ctx context.Context) error {
	return c.run(ctx, "online", func(ctx context.Context) error {
		req, err := c.load(ctx)
		if err != nil {
			return err
		}

		if req.state == topology.StateOnline {
			c.logger.Debug("node is already online")
			return nil
		}

		if req.role == topology.RoleSlave {
			if req.jobErr != nil {
				return req.jobErr
			}

			err := c.engineStep(ctx, engine.OpStartReplay, func() (engine.Result, error) {
				return c.engine.StartReplay(ctx, req.job.ConfigPath)
			})
			if err != nil {
				return err
			}

			tables, err := c.listTables(ctx, req.doc, req.job.ProviderConn)
			if err == nil {
				c.logger.Info("subscribing to tables", zap.Int("tables", len(tables)))
				err = c.engineStep(ctx, engine.OpAddSubscriberTables, func() (engine.Result, error) {
					return c.engine.AddSubscriberTables(ctx, req.job.ConfigPath, tables)
				})
			}
			if err != nil {
				c.cleanupStep(ctx, engine.OpStopReplay, func() (engine.Result, error) {
					return c.engine.StopReplay(ctx, req.job.ConfigPath)
				})
				return err
			}
		}

		req.doc.Local.State = topology.StateOnline
		return c.save(ctx, req.doc)
	})
}

// Offline stops replaying on a subscriber.  Other roles only change state.
func (c *Controller) Offline(ctx context.Context) error {
	return c.run(ctx, "offline", func(ctx context.Context) error {
		req, err := c.load(ctx)
		if err != nil {
			return err
		}

		if req.state == topology.StateOffline {
			c.logger.Debug("node is already offline")
			return nil
		}

		if req.role == topology.RoleSlave {
			if req.jobErr != nil {
				return req.jobErr
			}

			err := c.engineStep(ctx, engine.OpStopReplay, func() (engine.Result, error) {
				return c.engine.StopReplay(ctx, req.job.ConfigPath)
			})
			if err != nil {
				return err
			}
		}

		req.doc.Local.State = topology.StateOffline
		return c.save(ctx, req.doc)
	})
}

// Status reports the replication progress of the node.
func (c *Controller) Status(ctx context.Context) (*status.Record, error) {
	var rec *status.Record
	err := c.run(ctx, "status", func(ctx context.Context) error {
		var err error
		rec, err = c.status(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Flush is Status, there is nothing buffered to flush.
func (c *Controller) Flush(ctx context.Context) (*status.Record, error) {
	var rec *status.Record
	err := c.run(ctx, "flush", func(ctx context.Context) error {
		var err error
		rec, err = c.status(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

func (c *Controller) status(ctx context.Context) (*status.Record, error) {
	req, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	switch req.role {
	case topology.RoleMaster:
		local, ok := req.doc.LocalNodeEntry()
		if !ok || local.Conn.IsZero() {
			return nil, errors.Wrapf(ErrMissingConfig, "no data for node %s", req.doc.Local.Name)
		}
		return c.reporter.MasterStatus(ctx, req.doc.Local, c.dbConn(local.Conn))
	case topology.RoleSlave:
		if req.jobErr != nil {
			return nil, req.jobErr
		}
		return c.reporter.SlaveStatus(ctx, req.doc.Local,
			c.dbConn(req.job.ProviderConn), c.dbConn(req.job.SubscriberConn), req.job.Name)
	}

	return c.reporter.StandbyStatus(req.doc.Local), nil
}

// WaitEvent blocks until the subscriber has applied tick, or timeout has
// passed.  A zero timeout checks once.
func (c *Controller) WaitEvent(ctx context.Context, tick int64, timeout time.Duration) (*status.EventRecord, error) {
	var rec *status.EventRecord
	err := c.run(ctx, "wait-event", func(ctx context.Context) error {
		if tick < 0 {
			return errors.Wrapf(ErrInvalidInput, "event %d", tick)
		}
		if timeout < 0 {
			return errors.Wrapf(ErrInvalidInput, "timeout %s", timeout)
		}

		req, err := c.load(ctx)
		if err != nil {
			return err
		}

		// progress is always read as the subscriber of the current provider
		job, err := jobconfig.Resolve(req.doc, topology.RoleSlave, c.baseDir)
		if err != nil {
			return err
		}

		rec, err = c.reporter.WaitEvent(ctx, c.dbConn(job.SubscriberConn), job.Name, tick, timeout)
		return err
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// Topology returns a copy of the persisted document.
func (c *Controller) Topology(ctx context.Context) (*topology.Document, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	req, err := c.load(ctx)
	if err != nil {
		return nil, err
	}
	return req.doc, nil
}

func (c *Controller) listTables(ctx context.Context, doc *topology.Document, provider connstr.Descriptor) ([]string, error) {
	local, _ := doc.LocalNodeEntry()

	tables, err := c.provisioner.ListTables(ctx, c.dbConn(provider), c.dbConn(local.Conn),
		provisioner.FilterFromCluster(doc.Cluster))
	if err != nil {
		if errors.Is(err, topology.ErrInvalidTableMaskOp) {
			return nil, errors.Wrapf(ErrInvalidInput, "%s", err)
		}
		return nil, errors.Wrap(err, "failed to list tables")
	}

	return tables, nil
}

// engineStep runs one engine operation whose failure aborts the command.
func (c *Controller) engineStep(ctx context.Context, op engine.Operation, fn func() (engine.Result, error)) error {
	res, err := fn()
	c.metrics.EngineOperations.Add(ctx, 1, metrics.EngineAttrs(string(op), err != nil))

	if err != nil {
		c.logger.Error("engine operation failed",
			zap.String("operation", string(op)),
			zap.Int("exit-code", res.ExitCode),
			zap.String("output", res.Output))
		return err
	}

	c.logger.Debug("engine operation completed",
		zap.String("operation", string(op)),
		zap.String("output", res.Output))

	return nil
}

// cleanupStep runs one engine operation whose failure is only logged.
func (c *Controller) cleanupStep(ctx context.Context, op engine.Operation, fn func() (engine.Result, error)) {
	res, err := fn()
	c.metrics.EngineOperations.Add(ctx, 1, metrics.EngineAttrs(string(op), err != nil))

	if err != nil {
		c.metrics.CleanupFailures.Add(ctx, 1)
		c.logger.Warn("cleanup operation failed, continuing",
			zap.String("operation", string(op)),
			zap.Int("exit-code", res.ExitCode),
			zap.Error(err))
	}
}
