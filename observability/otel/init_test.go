package otel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("api-key=abc, tenant = relay ,broken,=empty,auth=Bearer%20xyz")
	require.Equal(t, map[string]string{
		"api-key": "abc",
		"tenant":  "relay",
		"auth":    "Bearer xyz",
	}, headers)
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{
		"OTEL_EXPORTER_OTLP_ENDPOINT": "https://collector.internal:4318/",
		"OTEL_EXPORTER_OTLP_HEADERS":  "x-tenant=relay",
		"OTEL_TRACES_SAMPLER_ARG":     "0.25",
		"OTEL_METRIC_EXPORT_INTERVAL": "15000",
	}
	cfg := FromEnv(func(key string) string { return env[key] })
	require.True(t, cfg.Enabled())
	require.Equal(t, "collector.internal:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
	require.Equal(t, map[string]string{"x-tenant": "relay"}, cfg.Headers)
	require.InDelta(t, 0.25, cfg.SampleRatio, 1e-9)
	require.Equal(t, 15*time.Second, cfg.ExportInterval)

	env["OTEL_EXPORTER_OTLP_ENDPOINT"] = "http://localhost:4318"
	env["OTEL_EXPORTER_OTLP_INSECURE"] = "false"
	cfg = FromEnv(func(key string) string { return env[key] })
	require.Equal(t, "localhost:4318", cfg.Endpoint)
	require.False(t, cfg.Insecure)
}

func TestFromEnvEmptyIsDisabled(t *testing.T) {
	cfg := FromEnv(func(string) string { return "" })
	require.False(t, cfg.Enabled())
	require.Equal(t, 1.0, cfg.SampleRatio)
	require.Empty(t, cfg.Headers)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "shieldrelayd", Identifier: "relay-1"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, Tracer())
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{Endpoint: "localhost:4318"})
	require.Error(t, err)
}

func TestNodeResource(t *testing.T) {
	res, err := nodeResource(Config{ServiceName: "shieldrelayd", Version: "8.0.0", Identifier: "relay-1", Environment: "prod"})
	require.NoError(t, err)
	values := map[string]string{}
	for _, kv := range res.Attributes() {
		values[string(kv.Key)] = kv.Value.Emit()
	}
	require.Equal(t, "shieldrelayd", values["service.name"])
	require.Equal(t, "8.0.0", values["service.version"])
	require.Equal(t, "relay-1", values["service.instance.id"])
	require.Equal(t, "prod", values["deployment.environment"])
}

func TestSamplerBounds(t *testing.T) {
	require.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	require.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}
