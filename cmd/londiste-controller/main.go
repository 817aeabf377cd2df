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
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/couchbase/londiste-controller/common/topology"
	"github.com/couchbase/londiste-controller/controller"
	"github.com/couchbase/londiste-controller/engine"
	"github.com/couchbase/londiste-controller/pkg/metrics"
	"github.com/couchbase/londiste-controller/provisioner"
	"github.com/couchbase/londiste-controller/utils/secretsmanager"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/ini.v1"
)

var rootCmd = &cobra.Command{
	Version: metrics.BuildVersion(),

	Use:   "londiste-controller",
	Short: "Controls the londiste replication role of a PostgreSQL node",

	SilenceUsage:  true,
	SilenceErrors: true,

	RunE: func(cmd *cobra.Command, args []string) error {
		if legacyOperation == "" {
			return cmd.Help()
		}

		command, cmdArgs, err := parseLegacyInvocation(legacyOperation, legacyInParams)
		if err != nil {
			return reportResult(os.Stdout, err)
		}

		return runCommand(cmd.Context(), command, cmdArgs, legacyOutParams)
	},
}

var cfgFile string
var legacyOperation string
var legacyInParams string
var legacyOutParams string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")

	rootCmd.Flags().StringVarP(&legacyOperation, "operation", "o", "", "plugin operation to run (prepare, add_node, setrole, ...)")
	rootCmd.Flags().StringVarP(&legacyInParams, "in-params", "I", "", "plugin operation input parameters")
	rootCmd.Flags().StringVarP(&legacyOutParams, "out-params", "O", "", "plugin operation output file")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.StringP("basedir", "b", ".", "the node base directory holding conf/, log/ and pid/")
	configFlags.StringP("tungsten-config", "c", "", "tungsten config file, its [tungsten] base_directory overrides basedir")
	configFlags.String("store", "file", "where the topology is kept, file or etcd")
	configFlags.String("etcd-endpoints", "localhost:2379", "comma separated etcd endpoints")
	configFlags.String("etcd-prefix", "/londiste-controller", "the etcd key prefix for topology documents")
	configFlags.String("node-name", "", "the local node name, required by the etcd store")
	configFlags.String("pgqadm", "pgqadm.py", "the pgqadm command")
	configFlags.String("londiste", "londiste.py", "the londiste command")
	configFlags.String("pg-dump", "pg_dump", "the pg_dump command")
	configFlags.String("psql", "psql", "the psql command")
	configFlags.String("log-level", "info", "the log level to run at")
	configFlags.String("log-file", "", "also write logs to this file")
	configFlags.Bool("force", false, "allow provision to overwrite an existing topology")
	configFlags.String("db-creds-secret-id", "", "id of the secret storing database credentials as user:password")
	configFlags.String("db-creds-aws-region", "", "region of db-creds-secret-id in aws secrets manager")
	configFlags.String("db-creds-azure-vault-name", "", "name of the azure key vault storing db-creds-secret-id")
	configFlags.String("db-creds-gcp-project-id", "", "id of the gcp project storing db-creds-secret-id")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetEnvPrefix("lnc")
	viper.AutomaticEnv()

	_ = viper.BindPFlags(configFlags)
}

func getLogger(logFile string) (zap.AtomicLevel, *zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)

	// stdout carries command results
	cores := []zapcore.Core{
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stderr), logLevel),
	}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return logLevel, nil, errors.Wrap(err, "failed to open log file")
		}
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(f), logLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger, nil
}

func parseLogLevel(logger *zap.Logger, levelStr string) zapcore.Level {
	level, err := zapcore.ParseLevel(levelStr)
	if err != nil {
		logger.Warn("invalid log level specified, using INFO instead", zap.String("level", levelStr))
		return zapcore.InfoLevel
	}
	return level
}

type config struct {
	logLevelStr           string
	logFile               string
	baseDir               string
	tungstenConfig        string
	store                 string
	etcdEndpoints         string
	etcdPrefix            string
	nodeName              string
	pgqadm                string
	londiste              string
	pgDump                string
	psql                  string
	force                 bool
	dbCredsSecretId       string
	dbCredsAwsRegion      string
	dbCredsAzureVaultName string
	dbCredsGcpProjectId   string
}

func readConfig() *config {
	return &config{
		logLevelStr:           viper.GetString("log-level"),
		logFile:               viper.GetString("log-file"),
		baseDir:               viper.GetString("basedir"),
		tungstenConfig:        viper.GetString("tungsten-config"),
		store:                 viper.GetString("store"),
		etcdEndpoints:         viper.GetString("etcd-endpoints"),
		etcdPrefix:            viper.GetString("etcd-prefix"),
		nodeName:              viper.GetString("node-name"),
		pgqadm:                viper.GetString("pgqadm"),
		londiste:              viper.GetString("londiste"),
		pgDump:                viper.GetString("pg-dump"),
		psql:                  viper.GetString("psql"),
		force:                 viper.GetBool("force"),
		dbCredsSecretId:       viper.GetString("db-creds-secret-id"),
		dbCredsAwsRegion:      viper.GetString("db-creds-aws-region"),
		dbCredsAzureVaultName: viper.GetString("db-creds-azure-vault-name"),
		dbCredsGcpProjectId:   viper.GetString("db-creds-gcp-project-id"),
	}
}

func (c *config) log(logger *zap.Logger) {
	logger.Debug("parsed controller configuration",
		zap.String("logLevelStr", c.logLevelStr),
		zap.String("logFile", c.logFile),
		zap.String("baseDir", c.baseDir),
		zap.String("tungstenConfig", c.tungstenConfig),
		zap.String("store", c.store),
		zap.String("etcdEndpoints", c.etcdEndpoints),
		zap.String("etcdPrefix", c.etcdPrefix),
		zap.String("nodeName", c.nodeName),
		zap.String("pgqadm", c.pgqadm),
		zap.String("londiste", c.londiste),
		zap.String("pgDump", c.pgDump),
		zap.String("psql", c.psql),
		zap.Bool("force", c.force),
		zap.String("dbCredsSecretId", c.dbCredsSecretId),
		zap.String("dbCredsAwsRegion", c.dbCredsAwsRegion),
		zap.String("dbCredsAzureVaultName", c.dbCredsAzureVaultName),
		zap.String("dbCredsGcpProjectId", c.dbCredsGcpProjectId))
}

func loadConfig() (*config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		err := viper.ReadInConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load specified config file")
		}
	}

	cfg := readConfig()

	if cfg.tungstenConfig != "" {
		baseDir, err := readTungstenBaseDir(cfg.tungstenConfig)
		if err != nil {
			return nil, err
		}
		cfg.baseDir = baseDir
	}

	return cfg, nil
}

// readTungstenBaseDir reads base_directory from the [tungsten] section of a
// replicator config file.
func readTungstenBaseDir(path string) (string, error) {
	file, err := ini.Load(path)
	if err != nil {
		return "", errors.Wrap(err, "failed to read tungsten config")
	}

	key, err := file.Section("tungsten").GetKey("base_directory")
	if err != nil || key.String() == "" {
		return "", errors.Errorf("%s has no [tungsten] base_directory", path)
	}

	return key.String(), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func openFileStore(logger *zap.Logger, baseDir string) (topology.Store, error) {
	return topology.NewFileStore(topology.FileStoreOptions{
		Logger: logger.Named("store"),
		Path:   topology.ClusterFilePath(baseDir),
	})
}

// openStore returns the store of the local node along with the factory used
// to provision nodes in other base directories.
func openStore(logger *zap.Logger, cfg *config, nodeName string) (topology.Store, controller.StoreFactory, func(), error) {
	switch cfg.store {
	case "", "file":
		store, err := openFileStore(logger, cfg.baseDir)
		if err != nil {
			return nil, nil, nil, err
		}

		factory := func(location, name string) (topology.Store, error) {
			return openFileStore(logger, location)
		}
		return store, factory, func() {}, nil
	case "etcd":
		if nodeName == "" {
			return nil, nil, nil, errors.New("the etcd store requires --node-name")
		}

		client, err := clientv3.New(clientv3.Config{
			Endpoints:   splitList(cfg.etcdEndpoints),
			DialTimeout: 5 * time.Second,
			Logger:      logger.Named("etcd-client"),
		})
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "failed to connect to etcd")
		}

		openEtcdStore := func(name string) (topology.Store, error) {
			return topology.NewEtcdStore(topology.EtcdStoreOptions{
				Logger:     logger.Named("store"),
				EtcdClient: client,
				KeyPrefix:  cfg.etcdPrefix,
				NodeName:   name,
			})
		}

		store, err := openEtcdStore(nodeName)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}

		// documents are keyed by node name, the location only holds the
		// node directories
		factory := func(location, name string) (topology.Store, error) {
			return openEtcdStore(name)
		}
		return store, factory, func() { _ = client.Close() }, nil
	}

	return nil, nil, nil, errors.Errorf("unknown topology store %q", cfg.store)
}

func fetchCredentials(ctx context.Context, logger *zap.Logger, cfg *config) (secretsmanager.Credentials, error) {
	src := secretsmanager.Source{
		SecretID:      cfg.dbCredsSecretId,
		AWSRegion:     cfg.dbCredsAwsRegion,
		AzureKeyVault: cfg.dbCredsAzureVaultName,
		GCPProjectID:  cfg.dbCredsGcpProjectId,
	}
	if src.IsZero() {
		return secretsmanager.Credentials{}, nil
	}

	logger.Info("fetching database credentials from secret store")
	creds, err := secretsmanager.Fetch(ctx, src)
	if err != nil {
		return secretsmanager.Credentials{}, errors.Wrap(err, "failed to fetch database credentials")
	}

	return creds, nil
}

func buildController(ctx context.Context, logger *zap.Logger, cfg *config, nodeName string) (*controller.Controller, func(), error) {
	if nodeName == "" {
		nodeName = cfg.nodeName
	}

	store, storeFactory, closeStore, err := openStore(logger, cfg, nodeName)
	if err != nil {
		return nil, nil, err
	}

	creds, err := fetchCredentials(ctx, logger, cfg)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	ctrl, err := controller.NewController(controller.ControllerOptions{
		Logger:  logger.Named("controller"),
		BaseDir: cfg.baseDir,
		Store:   store,
		Engine: engine.NewExec(engine.ExecOptions{
			Logger:          logger.Named("engine"),
			PgqadmCommand:   cfg.pgqadm,
			LondisteCommand: cfg.londiste,
		}),
		Provisioner: provisioner.NewProvisioner(provisioner.ProvisionerOptions{
			Logger: logger.Named("provisioner"),
			Copier: provisioner.NewPipeCopier(provisioner.PipeCopierOptions{
				Logger:        logger.Named("copier"),
				PgDumpCommand: cfg.pgDump,
				PsqlCommand:   cfg.psql,
			}),
		}),
		Credentials:    creds,
		ForceProvision: cfg.force,
		StoreFactory:   storeFactory,
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	return ctrl, closeStore, nil
}

// reportedError has already been printed as a command result.
type reportedError struct {
	error
}

// reportResult prints the one line result of a command.
func reportResult(w io.Writer, err error) error {
	switch controller.Outcome(err) {
	case "ok":
		fmt.Fprintln(w, "OK")
		return nil
	case "timeout":
		fmt.Fprintln(w, "TIMEOUT")
	default:
		fmt.Fprintf(w, "ERROR: %s\n", err)
	}

	return reportedError{err}
}

// runCommand runs a single command the way the orchestrator invokes it.  A
// provision moves the base directory to the location being prepared.
func runCommand(ctx context.Context, command string, args controller.CommandArgs, outPath string) error {
	cfg, err := loadConfig()
	if err != nil {
		return reportResult(os.Stdout, err)
	}

	logLevel, logger, err := getLogger(cfg.logFile)
	if err != nil {
		return reportResult(os.Stdout, err)
	}
	defer func() { _ = logger.Sync() }()

	logLevel.SetLevel(parseLogLevel(logger, cfg.logLevelStr))
	cfg.log(logger)

	command = controller.CanonicalCommand(command)

	var nodeName string
	if command == controller.CommandProvision {
		if args.Location != "" {
			cfg.baseDir = args.Location
		}
		nodeName = args.Name
	}

	if ctx == nil {
		ctx = context.Background()
	}

	ctrl, closeStore, err := buildController(ctx, logger, cfg, nodeName)
	if err != nil {
		return reportResult(os.Stdout, err)
	}
	defer closeStore()

	logger.Info("running command",
		zap.String("command", command),
		zap.String("baseDir", ctrl.BaseDir()))

	var report strings.Builder
	var out io.Writer
	if controller.IsReportCommand(command) {
		out = &report
	}

	err = ctrl.Execute(ctx, command, args, out)
	if err == nil && out != nil {
		err = writeReport(outPath, report.String())
	}

	return reportResult(os.Stdout, err)
}

// writeReport stores a report in outPath, or prints it when no path is set.
func writeReport(outPath string, report string) error {
	if outPath == "" || outPath == "-" {
		_, err := fmt.Fprint(os.Stdout, report)
		return err
	}

	err := os.WriteFile(outPath, []byte(report), 0644)
	if err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	return nil
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}
