package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	loader := NewLoader().WithConfigPath(path)
	initial, err := loader.Load()
	require.NoError(t, err)

	w, err := NewWatcher(loader, initial, WithPollInterval(10*time.Millisecond), WithWatcherLogger(zap.NewNop()))
	require.NoError(t, err)

	reloaded := make(chan [2]string, 1)
	w.OnReload(func(old, updated *Config) {
		reloaded <- [2]string{old.Log.Level, updated.Log.Level}
	})
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()
	assert.Error(t, w.Start(context.Background()), "second start is rejected")

	// 保证修改时间前进
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case levels := <-reloaded:
		assert.Equal(t, [2]string{"info", "debug"}, levels)
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback not invoked")
	}
	assert.Equal(t, "debug", w.Current().Log.Level)
}

func TestWatcher_KeepsConfigOnInvalidReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flowengine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o600))

	loader := NewLoader().WithConfigPath(path).WithValidator((*Config).Validate)
	initial, err := loader.Load()
	require.NoError(t, err)

	w, err := NewWatcher(loader, initial)
	require.NoError(t, err)
	w.OnReload(func(_, _ *Config) { t.Error("reload must not fire for invalid config") })

	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.WriteFile(path, []byte("store:\n  type: nowhere\n"), 0o600))
	require.NoError(t, os.Chtimes(path, future, future))

	w.check()
	assert.Same(t, initial, w.Current())
}

func TestNewWatcher_RequiresPath(t *testing.T) {
	_, err := NewWatcher(NewLoader(), DefaultConfig())
	assert.Error(t, err)

	w, err := NewWatcher(NewLoader().WithConfigPath("/nonexistent/flowengine.yaml"), DefaultConfig())
	require.NoError(t, err)
	w.Stop() // 未启动时 Stop 为空操作
}
