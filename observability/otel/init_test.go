package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer x ,, broken, =skip,tenant=vault")
	require.Equal(t, map[string]string{"authorization": "Bearer x", "tenant": "vault"}, headers)
}

func TestInitValidates(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)

	_, err = Init(context.Background(), Config{ServiceName: "vaultd", SampleRatio: 2})
	require.Error(t, err)
}

func TestInitWithoutExporters(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "vaultd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestExporterSettingsMergesEnvHeaders(t *testing.T) {
	t.Setenv("VAULTD_OTLP_HEADERS", "x-api-key=abc, tenant=override")
	exp := exporterSettings(Config{
		Headers:    map[string]string{"tenant": "vault"},
		HeadersEnv: "VAULTD_OTLP_HEADERS",
	})
	require.Equal(t, defaultEndpoint, exp.endpoint)
	require.Equal(t, map[string]string{"x-api-key": "abc", "tenant": "override"}, exp.headers)
}
