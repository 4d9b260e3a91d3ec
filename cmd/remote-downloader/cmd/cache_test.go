package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-remote-download/internal/dircache"
	"go-remote-download/internal/models"
)

// useTempConfig points globalConfig at a fresh data directory.
func useTempConfig(t *testing.T) models.Config {
	t.Helper()
	dir := t.TempDir()
	saved := globalConfig
	globalConfig = models.Config{
		RemoteBasePath: "/srv",
		DatabasePath:   filepath.Join(dir, "remote_files.db"),
		CachePath:      filepath.Join(dir, "dircache"),
		DisableIndex:   true,
		CacheMaxAgeSec: 60,
	}
	t.Cleanup(func() {
		closeApp()
		globalConfig = saved
	})
	return globalConfig
}

func TestCacheClearFailsWhileCacheHeld(t *testing.T) {
	cfg := useTempConfig(t)

	held, err := dircache.OpenKV(cfg.CachePath)
	require.NoError(t, err)
	require.NoError(t, held.Put([]byte("listing"), []byte(`{"path":"/srv"}`)))

	var out bytes.Buffer
	cacheClearCmd.SetOut(&out)
	err = cacheClearCmd.RunE(cacheClearCmd, nil)
	assert.ErrorIs(t, err, dircache.ErrStoreLocked)
	assert.NotContains(t, out.String(), "cleared")
	err = cacheStatsCmd.RunE(cacheStatsCmd, nil)
	assert.ErrorIs(t, err, dircache.ErrStoreLocked)
	closeApp()
	require.NoError(t, held.Close())

	require.NoError(t, cacheClearCmd.RunE(cacheClearCmd, nil))
	assert.Contains(t, out.String(), "Directory cache cleared.")
	closeApp()

	kv, err := dircache.OpenKV(cfg.CachePath)
	require.NoError(t, err)
	defer kv.Close()
	_, err = kv.Get([]byte("listing"))
	assert.ErrorIs(t, err, dircache.ErrNotFound)
}

func TestOtherCommandsFallBackToMemoryCache(t *testing.T) {
	cfg := useTempConfig(t)

	held, err := dircache.OpenKV(cfg.CachePath)
	require.NoError(t, err)
	defer held.Close()

	mgr, err := openManager()
	require.NoError(t, err)
	_, err = mgr.Stats(context.Background())
	assert.NoError(t, err)
}
