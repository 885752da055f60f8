package cmd

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachoreography/choreo/pkg/actions/httprequest"
	logaction "github.com/datachoreography/choreo/pkg/actions/log"
	"github.com/datachoreography/choreo/pkg/actions/transform"
	"github.com/datachoreography/choreo/pkg/lock"
	"github.com/datachoreography/choreo/pkg/persistence/file"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func masterKey(t *testing.T) string {
	t.Helper()

	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	return base64.StdEncoding.EncodeToString(key)
}

func TestNewPersistence(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	root := t.TempDir()

	p, err := NewPersistence(ctx, testLogger(), "file://"+root)
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, p)
	require.NoError(t, p.HealthCheck(ctx))

	bare, err := NewPersistence(ctx, testLogger(), filepath.Join(root, "bare"))
	require.NoError(t, err)
	assert.IsType(t, &file.Persistence{}, bare)

	_, err = NewPersistence(ctx, testLogger(), "mongodb://localhost")
	require.ErrorIs(t, err, ErrUnsupportedPersistence)

	_, err = NewPersistence(ctx, testLogger(), "file://")
	require.ErrorIs(t, err, ErrUnsupportedPersistence)
}

func TestNewEventBus(t *testing.T) {
	t.Parallel()

	bus, err := NewEventBus("gochannel", "", "choreo-test", testLogger())
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, err = NewEventBus("rabbitmq", "", "choreo-test", testLogger())
	require.ErrorIs(t, err, ErrUnsupportedEventBus)
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(testLogger(), filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)

	assert.True(t, reg.Has(httprequest.Provider, httprequest.ActionName))
	assert.True(t, reg.Has(transform.Provider, transform.ActionName))
	assert.True(t, reg.Has(logaction.Provider, logaction.ActionName))
	assert.True(t, reg.HasProvider(httprequest.Provider))
}

func TestNewLocker(t *testing.T) {
	t.Parallel()

	runs := file.NewPersistence(t.TempDir()).RunRepository()

	locker, client, err := NewLocker("store", "", runs, 0, testLogger())
	require.NoError(t, err)
	assert.Nil(t, client)
	assert.IsType(t, &lock.StoreLocker{}, locker)
	assert.Equal(t, lock.DefaultTTL, locker.TTL())

	_, _, err = NewLocker("redis", "", runs, 0, testLogger())
	require.ErrorIs(t, err, ErrUnsupportedLockBackend)

	_, _, err = NewLocker("zookeeper", "", runs, 0, testLogger())
	require.ErrorIs(t, err, ErrUnsupportedLockBackend)
}

func TestNewVault(t *testing.T) {
	t.Parallel()

	p := file.NewPersistence(t.TempDir())
	reg, err := NewRegistry(testLogger(), "")
	require.NoError(t, err)

	_, err = NewVault("", p, reg, testLogger())
	require.ErrorIs(t, err, ErrMissingMasterKey)

	_, err = NewVault(base64.StdEncoding.EncodeToString([]byte("short")), p, reg, testLogger())
	require.Error(t, err)

	v, err := NewVault(masterKey(t), p, reg, testLogger())
	require.NoError(t, err)
	assert.NotNil(t, v)
}

func TestBuild(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := Config{
		ServiceName:    "choreo-test",
		DatabaseURL:    "file://" + t.TempDir(),
		EventBus:       "gochannel",
		LockBackend:    "store",
		VaultMasterKey: masterKey(t),
		AnchorSecret:   "anchor",
	}

	stack, err := Build(ctx, cfg, testLogger())
	require.NoError(t, err)

	assert.NotNil(t, stack.Engine)
	assert.NotNil(t, stack.Gate)
	assert.NotNil(t, stack.Metrics)
	require.NoError(t, stack.Close(ctx))

	cfg.AnchorSecret = ""
	_, err = Build(ctx, cfg, testLogger())
	require.ErrorIs(t, err, ErrMissingAnchorSecret)

	cfg.AnchorSecret = "anchor"
	cfg.EventBus = "carrier-pigeon"
	_, err = Build(ctx, cfg, testLogger())
	require.ErrorIs(t, err, ErrUnsupportedEventBus)
}
