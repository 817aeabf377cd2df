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
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/couchbase/londiste-controller/pkg/metrics"
	"github.com/couchbase/londiste-controller/pkg/webapi"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serves commands over HTTP until terminated",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var watchCfgFile bool

func init() {
	serveCmd.Flags().BoolVar(&watchCfgFile, "watch-config", false, "indicates whether to watch the config file for changes")

	serveFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	serveFlags.String("bind-address", "0.0.0.0", "the local address to bind to")
	serveFlags.Int("web-port", 10080, "the command/metrics/health port")
	serveFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	serveFlags.Bool("disable-otlp-traces", false, "disable sending traces to otlp")
	serveFlags.Bool("disable-otlp-metrics", false, "disable sending metrics to otlp")
	serveFlags.Bool("trace-everything", false, "enables tracing of all commands")
	serveCmd.Flags().AddFlagSet(serveFlags)

	_ = viper.BindPFlags(serveFlags)

	rootCmd.AddCommand(serveCmd)
}

func initTelemetry(
	ctx context.Context,
	logger *zap.Logger,
	otlpEndpoint string,
	enableTraces bool,
	enableMetrics bool,
	traceEverything bool,
) (
	*sdktrace.TracerProvider,
	*sdkmetric.MeterProvider,
	error,
) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("londiste-controller"),
			semconv.ServiceVersionKey.String(metrics.BuildVersion()),
		),
	)
	if err != nil {
		if res == nil {
			return nil, nil, err
		}

		logger.Warn("failed to setup some part of opentelemetry resource", zap.Error(err))
	}

	promExp, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	readers := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	}
	if enableMetrics && otlpEndpoint != "" {
		metricExp, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithEndpoint(otlpEndpoint))
		if err != nil {
			return nil, nil, err
		}

		readers = append(readers, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	}
	meterProvider := sdkmetric.NewMeterProvider(readers...)

	var tracerProvider *sdktrace.TracerProvider
	if enableTraces && otlpEndpoint != "" {
		traceClient := otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(otlpEndpoint))
		traceExp, err := otlptrace.New(ctx, traceClient)
		if err != nil {
			return nil, nil, err
		}

		baseTracing := sdktrace.NeverSample()
		if traceEverything {
			baseTracing = sdktrace.AlwaysSample()
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(baseTracing)),
			sdktrace.WithResource(res),
			sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExp)),
		)
	}

	return tracerProvider, meterProvider, nil
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logLevel, logger, err := getLogger(cfg.logFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logLevel.SetLevel(parseLogLevel(logger, cfg.logLevelStr))

	logger.Info("starting londiste-controller", zap.String("version", metrics.BuildVersion()))
	logger.Info("parsed launch configuration",
		zap.String("config", cfgFile),
		zap.Bool("watch-config", watchCfgFile))
	cfg.log(logger)

	ctx := context.Background()

	tracerProvider, meterProvider, err := initTelemetry(ctx,
		logger,
		viper.GetString("otlp-endpoint"),
		!viper.GetBool("disable-otlp-traces"),
		!viper.GetBool("disable-otlp-metrics"),
		viper.GetBool("trace-everything"))
	if err != nil {
		return errors.Wrap(err, "failed to initialize opentelemetry")
	}

	if tracerProvider != nil {
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	}
	otel.SetMeterProvider(meterProvider)

	ctrl, closeStore, err := buildController(ctx, logger, cfg, "")
	if err != nil {
		return err
	}
	defer closeStore()

	listenAddress := fmt.Sprintf("%s:%d", viper.GetString("bind-address"), viper.GetInt("web-port"))
	webServer := webapi.InitializeWebServer(webapi.WebServerOptions{
		Logger:        logger.Named("webapi"),
		LogLevel:      &logLevel,
		ListenAddress: listenAddress,
		Controller:    ctrl,
	})
	webServer.MarkHealthy()

	logger.Info("serving commands",
		zap.String("address", listenAddress),
		zap.String("baseDir", ctrl.BaseDir()))

	var configLock sync.Mutex
	reloadConfiguration := func() {
		configLock.Lock()
		defer configLock.Unlock()

		if cfgFile != "" {
			err := viper.ReadInConfig()
			if err != nil {
				logger.Warn("failed to parse configuration file", zap.Error(err))
			}
		}

		newConfig := readConfig()

		if (newConfig.tungstenConfig == "" && newConfig.baseDir != cfg.baseDir) ||
			newConfig.tungstenConfig != cfg.tungstenConfig ||
			newConfig.store != cfg.store ||
			newConfig.etcdEndpoints != cfg.etcdEndpoints ||
			newConfig.nodeName != cfg.nodeName {
			logger.Warn("config changes for basedir, tungsten-config, store, etcd-endpoints or node-name require a restart")
		}

		if newConfig.pgqadm != cfg.pgqadm ||
			newConfig.londiste != cfg.londiste ||
			newConfig.pgDump != cfg.pgDump ||
			newConfig.psql != cfg.psql {
			logger.Warn("config changes for pgqadm, londiste, pg-dump or psql require a restart")
		}

		if newConfig.logLevelStr != cfg.logLevelStr {
			newLevel := parseLogLevel(logger, newConfig.logLevelStr)
			logLevel.SetLevel(newLevel)

			logger.Info("updated log level",
				zap.String("newLevel", newLevel.String()))
		}

		// tungsten-config was resolved once at startup
		newConfig.baseDir = cfg.baseDir
		cfg = newConfig
	}

	if watchCfgFile {
		viper.OnConfigChange(func(in fsnotify.Event) {
			logger.Info("configuration file change detected")
			reloadConfiguration()
		})

		go viper.WatchConfig()
	}

	sigCh := make(chan os.Signal, 10)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("Received SIGHUP, reloading configuration...")
			reloadConfiguration()
			continue
		}

		logger.Info("Received signal, attempting graceful shutdown...", zap.String("signal", sig.String()))
		break
	}

	// a running command finishes first, the controller holds its lock
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err = webServer.Shutdown(shutdownCtx)
	if err != nil {
		logger.Warn("web server did not shut down cleanly", zap.Error(err))
	}

	if tracerProvider != nil {
		_ = tracerProvider.Shutdown(shutdownCtx)
	}
	_ = meterProvider.Shutdown(shutdownCtx)

	logger.Info("controller shutdown gracefully")
	return nil
}
