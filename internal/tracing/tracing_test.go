package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_NoEndpointMeansNoOp(t *testing.T) {
	// No collector endpoint: the provider must still come up (as a no-op)
	// so callers never have to branch on tracing being disabled.
	shutdown, err := Init(context.Background(), "spritz-vault-test", "", true, 0.25)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_ShutdownTwiceIsSafe(t *testing.T) {
	shutdown, err := Init(context.Background(), "spritz-vault-test", "", true, 1)
	require.NoError(t, err)

	require.NoError(t, shutdown(context.Background()))
	assert.NoError(t, shutdown(context.Background()))
}

func TestTracer(t *testing.T) {
	shutdown, err := Init(context.Background(), "spritz-vault-test", "", true, 1)
	require.NoError(t, err)
	defer shutdown(context.Background())

	assert.NotNil(t, Tracer("vault"))
}
