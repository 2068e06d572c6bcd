package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracer_DisabledWithoutCollector(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), "vrlink-test", "", true)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracer_LazyConnect(t *testing.T) {
	// grpc.NewClient does not dial until the first export.
	shutdown, err := InitTracer(context.Background(), "vrlink-test", "127.0.0.1:1", true)
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}
