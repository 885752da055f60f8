package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachoreography/choreo/pkg/cmd"
)

func newTestAPI(t *testing.T) *API {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	stack, err := cmd.Build(context.Background(), cmd.Config{
		ServiceName:    "choreo-api",
		DatabaseURL:    "file://" + t.TempDir(),
		EventBus:       "gochannel",
		VaultMasterKey: base64.StdEncoding.EncodeToString(key),
		AnchorSecret:   "anchor",
	}, logger)
	require.NoError(t, err)

	t.Cleanup(func() { _ = stack.Close(context.Background()) })

	return NewAPI(logger, stack)
}

func TestAPI_Probes(t *testing.T) {
	t.Parallel()

	app := newTestAPI(t).App()

	for _, path := range []string{"/", "/health", healthcheck.DefaultLivenessEndpoint, healthcheck.DefaultReadinessEndpoint} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestAPI_MetricsExposed(t *testing.T) {
	t.Parallel()

	app := newTestAPI(t).App()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestAPI_RequiresTenant(t *testing.T) {
	t.Parallel()

	app := newTestAPI(t).App()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/runs", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
