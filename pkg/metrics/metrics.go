/*
Copyright 2026-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "com.couchbase.londiste-controller"

type ControllerMetrics struct {
	Commands         metric.Int64Counter
	CommandDuration  metric.Float64Histogram
	RoleTransitions  metric.Int64Counter
	EngineOperations metric.Int64Counter
	CleanupFailures  metric.Int64Counter
}

var (
	controllerMetrics     *ControllerMetrics
	controllerMetricsLock sync.Mutex
)

func GetControllerMetrics() *ControllerMetrics {
	controllerMetricsLock.Lock()

	if controllerMetrics != nil {
		controllerMetricsLock.Unlock()
		return controllerMetrics
	}

	controllerMetrics = newControllerMetrics()

	controllerMetricsLock.Unlock()
	return controllerMetrics
}

// BuildVersion is the module version the binary was built from.
func BuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}

func newControllerMetrics() *ControllerMetrics {
	meter := otel.Meter(
		meterName,
		metric.WithInstrumentationVersion(BuildVersion()))

	commands, _ := meter.Int64Counter("lnc_commands_total",
		metric.WithDescription("Commands handled, by command and outcome"))
	commandDuration, _ := meter.Float64Histogram("lnc_command_duration_seconds",
		metric.WithUnit("s"))
	roleTransitions, _ := meter.Int64Counter("lnc_role_transitions_total")
	engineOperations, _ := meter.Int64Counter("lnc_engine_operations_total")
	cleanupFailures, _ := meter.Int64Counter("lnc_cleanup_failures_total")

	return &ControllerMetrics{
		Commands:         commands,
		CommandDuration:  commandDuration,
		RoleTransitions:  roleTransitions,
		EngineOperations: engineOperations,
		CleanupFailures:  cleanupFailures,
	}
}

func CommandAttrs(command, outcome string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome))
}

func TransitionAttrs(from, to string) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to))
}

func EngineAttrs(operation string, failed bool) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.Bool("failed", failed))
}
