// ABOUTME: Tests for telemetry provider setup and metric instruments

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/sigbot/internal/config"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := p.Tracer.Start(context.Background(), "noop")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "none"})
	require.NoError(t, err)

	_, span := p.Tracer.Start(context.Background(), "recorded")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	assert.NotNil(t, m.MessagesSent)
	assert.NotNil(t, m.LiveSessions)
	assert.NotNil(t, m.SendDuration)

	assert.NotNil(t, NoopMetrics().ReceiveErrors)
}

func TestShutdown_NilProvider(t *testing.T) {
	var p *Provider
	assert.NoError(t, p.Shutdown(context.Background()))
}
