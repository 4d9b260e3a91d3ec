package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	p := writeConfig(t, `
RemoteHost = "nas.local"
RemoteUser = "media"
DataDir = "/var/lib/rd"
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	assert.Equal(t, "nas.local", cfg.RemoteHost)
	assert.Equal(t, 22, cfg.RemotePort)
	assert.Equal(t, ".", cfg.RemoteBasePath)
	assert.Equal(t, 300, cfg.CacheMaxAgeSec)
	assert.Equal(t, "/var/lib/rd/remote_files.db", cfg.DatabasePath)
	assert.Equal(t, "/var/lib/rd/cache", cfg.CachePath)
	assert.Equal(t, "/var/lib/rd/catalog.bleve", cfg.BleveIndexPath)
	assert.Equal(t, "/var/lib/rd/logs/download-history.log", cfg.HistoryLogPath)
	assert.True(t, cfg.CreateDestinations)
	assert.Equal(t, 5, cfg.StoreMaxRetries)
	assert.False(t, cfg.ShowFolderSizes)
}

func TestLoadConfigDownloadPaths(t *testing.T) {
	p := writeConfig(t, `
CreateDestinations = false
DisableIndex = true
ShowFolderSizes = true

[[DownloadPaths]]
Name = "Movies"
Path = "/mnt/movies"

[[DownloadPaths]]
Path = "/mnt/tv"
`)
	cfg, err := LoadConfig(p)
	require.NoError(t, err)

	require.Len(t, cfg.DownloadPaths, 2)
	assert.Equal(t, "Movies", cfg.DownloadPaths[0].Name)
	assert.Equal(t, "Path 2", cfg.DownloadPaths[1].Name)
	assert.Equal(t, "/mnt/movies", cfg.DefaultDestination, "first named path becomes the default")
	assert.False(t, cfg.CreateDestinations)
	assert.Empty(t, cfg.BleveIndexPath)
	assert.True(t, cfg.ShowFolderSizes)
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	// Defaults are still usable.
	assert.Equal(t, DefaultCacheMaxAgeSec, cfg.CacheMaxAgeSec)
}

func TestValidateRemote(t *testing.T) {
	cfg := Defaults()
	err := ValidateRemote(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "RemoteHost")

	key := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(key, []byte("key"), 0600))
	cfg.RemoteHost, cfg.RemoteUser, cfg.SSHKeyPath = "nas", "me", key
	assert.NoError(t, ValidateRemote(cfg))
}

func TestDownloadDestinations(t *testing.T) {
	cfg := Defaults()
	assert.Empty(t, DownloadDestinations(cfg))

	cfg.DefaultDestination = "/tmp/dl"
	dests := DownloadDestinations(cfg)
	require.Len(t, dests, 1)
	assert.Equal(t, "/tmp/dl", dests[0].Path)
}
