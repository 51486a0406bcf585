package bootstrap

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"position_ledger/internal/config"
	apperrors "position_ledger/pkg/errors"
	"position_ledger/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPreFlight(t *testing.T) {
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	assert.NoError(t, checkPreFlight(cfg))

	cfg.Storage.Driver = "sqlite"
	assert.ErrorContains(t, checkPreFlight(cfg), "storage.path is required")

	cfg.Storage.Path = filepath.Join(dir, "missing", "ledger.db")
	assert.ErrorContains(t, checkPreFlight(cfg), "storage directory not found")

	cfg.Storage.Path = filepath.Join(dir, "ledger.db")
	assert.NoError(t, checkPreFlight(cfg))

	require.NoError(t, os.WriteFile(cfg.Storage.Path, nil, 0o644))
	require.NoError(t, os.Chmod(cfg.Storage.Path, 0o644))
	assert.ErrorContains(t, checkPreFlight(cfg), "insecure permissions")

	require.NoError(t, os.Chmod(cfg.Storage.Path, 0o600))
	assert.NoError(t, checkPreFlight(cfg))

	cfg.Storage.Driver = "postgres"
	assert.ErrorContains(t, checkPreFlight(cfg), "storage.dsn is required")
	cfg.Storage.DSN = "postgres://db/ledger"
	assert.NoError(t, checkPreFlight(cfg))
}

func TestLoadConfig_RegistersPermissionCodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("monitoring:\n  permission_codes: [19999]\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, []int{19999}, cfg.Monitoring.PermissionCodes)
	assert.True(t, apperrors.IsPermissionCode(19999))
}

func TestLoadConfig_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestApp_RunContextStopsAllRunners(t *testing.T) {
	app := &App{Cfg: config.DefaultConfig(), Logger: logging.NewNop()}

	var stopped atomic.Int32
	blocking := RunnerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		stopped.Add(1)
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.RunContext(ctx, blocking, blocking) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("runners did not stop")
	}
	assert.Equal(t, int32(2), stopped.Load())
}

func TestApp_RunContextPropagatesFailure(t *testing.T) {
	app := &App{Cfg: config.DefaultConfig(), Logger: logging.NewNop()}
	boom := errors.New("listener failed")

	var peerStopped atomic.Bool
	err := app.RunContext(context.Background(),
		RunnerFunc(func(context.Context) error { return boom }),
		RunnerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			peerStopped.Store(true)
			return nil
		}),
	)
	assert.ErrorIs(t, err, boom)
	assert.True(t, peerStopped.Load())
}
