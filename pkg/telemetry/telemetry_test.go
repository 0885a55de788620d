package telemetry_test

import (
	"context"
	"testing"

	"github.com/arvindks/gojodb/pkg/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledTelemetryReturnsNoopProviders(t *testing.T) {
	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tel)
	assert.Nil(t, tel.TracerProvider)
	assert.Nil(t, tel.MeterProvider)
	assert.NotNil(t, tel.Tracer)
	assert.NotNil(t, tel.Meter)
	assert.NoError(t, shutdown(context.Background()))
}

func TestEnabledTelemetryBuildsProviders(t *testing.T) {
	tel, shutdown, err := telemetry.New(telemetry.Config{
		Enabled:          true,
		ServiceName:      "gojodb-test",
		PrometheusPort:   0,
		TraceSampleRatio: 1.0,
	})
	require.NoError(t, err)
	require.NotNil(t, tel.TracerProvider)
	require.NotNil(t, tel.MeterProvider)
	defer shutdown(context.Background())

	ctx, span := tel.Tracer.Start(context.Background(), "test-span")
	span.End()
	_ = ctx
}
