package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go-remote-download/internal/helpers"
	"go-remote-download/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultDataDir        = ".remote-downloader"
	DefaultCacheMaxAgeSec = 300
	DefaultRemotePort     = 22
	DefaultListenAddr     = "127.0.0.1:5001"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml"),
// applies defaults and returns it. A missing file is an error; callers decide
// whether to continue with defaults.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml" // Default path
	}
	var cfg models.Config
	// Set before decoding so an explicit false in the file wins.
	cfg.CreateDestinations = true
	if _, err := toml.DecodeFile(configFilePath, &cfg); err != nil {
		return Defaults(), fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	ApplyDefaults(&cfg)
	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// Defaults returns a configuration with every default applied.
func Defaults() models.Config {
	cfg := models.Config{CreateDestinations: true}
	ApplyDefaults(&cfg)
	return cfg
}

// ApplyDefaults fills zero values. Derived paths hang off DataDir, so callers
// that override DataDir should clear the derived paths first.
func ApplyDefaults(cfg *models.Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir
	}
	cfg.DataDir = helpers.ExpandHome(cfg.DataDir)
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "remote_files.db")
	}
	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(cfg.DataDir, "cache")
	}
	if cfg.BleveIndexPath == "" && !cfg.DisableIndex {
		cfg.BleveIndexPath = filepath.Join(cfg.DataDir, "catalog.bleve")
	}
	if cfg.HistoryLogPath == "" {
		cfg.HistoryLogPath = filepath.Join(cfg.DataDir, "logs", "download-history.log")
	}
	if cfg.RemotePort <= 0 {
		cfg.RemotePort = DefaultRemotePort
	}
	if cfg.RemoteBasePath == "" {
		cfg.RemoteBasePath = "."
	}
	if cfg.CacheMaxAgeSec <= 0 {
		cfg.CacheMaxAgeSec = DefaultCacheMaxAgeSec
	}
	if cfg.ConnectTimeoutSec <= 0 {
		cfg.ConnectTimeoutSec = 30
	}
	if cfg.StoreMaxRetries <= 0 {
		cfg.StoreMaxRetries = 5
	}
	if cfg.StoreRetryDelayMs <= 0 {
		cfg.StoreRetryDelayMs = 50
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	cfg.SSHKeyPath = helpers.ExpandHome(cfg.SSHKeyPath)
	cfg.KnownHostsPath = helpers.ExpandHome(cfg.KnownHostsPath)
	cfg.DefaultDestination = helpers.ExpandHome(cfg.DefaultDestination)
	for i := range cfg.DownloadPaths {
		cfg.DownloadPaths[i].Path = helpers.ExpandHome(cfg.DownloadPaths[i].Path)
		if cfg.DownloadPaths[i].Name == "" {
			cfg.DownloadPaths[i].Name = fmt.Sprintf("Path %d", i+1)
		}
	}
	if cfg.DefaultDestination == "" && len(cfg.DownloadPaths) > 0 {
		cfg.DefaultDestination = cfg.DownloadPaths[0].Path
	}
}

// ValidateRemote checks the settings needed to open a remote session.
func ValidateRemote(cfg models.Config) error {
	var missing []string
	if cfg.RemoteHost == "" {
		missing = append(missing, "RemoteHost")
	}
	if cfg.RemoteUser == "" {
		missing = append(missing, "RemoteUser")
	}
	if cfg.SSHKeyPath == "" {
		missing = append(missing, "SSHKeyPath")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required settings %v", ErrInvalidConfig, missing)
	}
	if _, err := os.Stat(cfg.SSHKeyPath); err != nil {
		return fmt.Errorf("%w: SSH key %s: %v", ErrInvalidConfig, cfg.SSHKeyPath, err)
	}
	return nil
}

// DownloadDestinations returns the configured destinations, falling back to
// the default destination when no named paths exist.
func DownloadDestinations(cfg models.Config) []models.DownloadPath {
	if len(cfg.DownloadPaths) > 0 {
		return cfg.DownloadPaths
	}
	if cfg.DefaultDestination != "" {
		return []models.DownloadPath{{Name: "Default", Path: cfg.DefaultDestination}}
	}
	return nil
}
