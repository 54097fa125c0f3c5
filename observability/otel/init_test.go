package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" authorization = Bearer abc ,bad, =skip,x-tenant=proxy")
	require.Equal(t, map[string]string{
		"authorization": "Bearer abc",
		"x-tenant":      "proxy",
	}, headers)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "proxyd"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = Init(context.Background(), Config{Traces: true})
	require.Error(t, err)
}
