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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestControllerMetrics(t *testing.T) {
	ctx := context.Background()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	m := GetControllerMetrics()
	require.Same(t, m, GetControllerMetrics())

	m.Commands.Add(ctx, 1, CommandAttrs("status", "ok"))
	m.Commands.Add(ctx, 1, CommandAttrs("status", "ok"))
	m.RoleTransitions.Add(ctx, 1, TransitionAttrs("STANDBY", "MASTER"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]metricdata.Sum[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if sum, ok := md.Data.(metricdata.Sum[int64]); ok {
				sums[md.Name] = sum
			}
		}
	}

	commands, ok := sums["lnc_commands_total"]
	require.True(t, ok)
	require.Len(t, commands.DataPoints, 1)
	assert.Equal(t, int64(2), commands.DataPoints[0].Value)
	command, _ := commands.DataPoints[0].Attributes.Value(attribute.Key("command"))
	assert.Equal(t, "status", command.AsString())

	transitions, ok := sums["lnc_role_transitions_total"]
	require.True(t, ok)
	require.Len(t, transitions.DataPoints, 1)
	to, _ := transitions.DataPoints[0].Attributes.Value(attribute.Key("to"))
	assert.Equal(t, "MASTER", to.AsString())
}

func TestBuildVersion(t *testing.T) {
	assert.NotEmpty(t, BuildVersion())
}
