package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-remote-download/internal/config"
	"go-remote-download/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

var (
	logLevelFlag  string
	logFormatFlag string
	dataDirFlag   string
	destFlag      string
	maxAgeFlag    int
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "remote-downloader",
	Short: "Browse, catalog and download files from a remote host over SFTP",
	Long: `Remote Downloader lists directories on a remote host over SSH/SFTP,
keeps a searchable catalog of what it has seen, and downloads selected files
through a persistent queue.`,
	PersistentPreRunE: loadGlobalConfig,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, describeError(err))
		os.Exit(exitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.toml", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormatFlag, "log-format", "text", "Log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "Directory for the catalog, cache and logs (overrides config)")
	rootCmd.PersistentFlags().StringVar(&destFlag, "dest", "", "Default local destination (overrides config)")
	rootCmd.PersistentFlags().IntVar(&maxAgeFlag, "max-age", -1, "Directory cache freshness window in seconds (overrides config, -1 uses config)")

	// Remote credentials may come from the environment, e.g. REMOTE_DOWNLOADER_HOST.
	viper.SetEnvPrefix("REMOTE_DOWNLOADER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// loadGlobalConfig loads the configuration and applies environment and flag overrides.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	initLogging(logLevelFlag, logFormatFlag)

	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		// Commands that need remote settings validate them when they dial.
		if cmd.Flags().Changed("config") {
			return err
		}
		log.WithError(err).Debugf("No configuration loaded from %s, using defaults", cfgFile)
	}

	applyEnvOverrides(&globalConfig)

	if cmd.Flags().Changed("data-dir") {
		if dataDirFlag == "" {
			log.Warn("--data-dir flag provided but value is empty, ignoring.")
		} else {
			// Derived paths follow the new data directory.
			globalConfig.DataDir = dataDirFlag
			globalConfig.DatabasePath = ""
			globalConfig.CachePath = ""
			globalConfig.BleveIndexPath = ""
			globalConfig.HistoryLogPath = ""
			log.Debugf("Overriding DataDir based on --data-dir flag: %s", dataDirFlag)
		}
	}
	if cmd.Flags().Changed("dest") && destFlag != "" {
		globalConfig.DefaultDestination = destFlag
		log.Debugf("Overriding DefaultDestination based on --dest flag: %s", destFlag)
	}
	if cmd.Flags().Changed("max-age") {
		if maxAgeFlag > 0 {
			globalConfig.CacheMaxAgeSec = maxAgeFlag
			log.Debugf("Overriding CacheMaxAgeSec based on --max-age flag: %d", maxAgeFlag)
		} else {
			log.Warnf("--max-age flag provided with invalid value %d, using config value: %d s", maxAgeFlag, globalConfig.CacheMaxAgeSec)
		}
	}

	config.ApplyDefaults(&globalConfig)
	return nil
}

func applyEnvOverrides(cfg *models.Config) {
	if v := viper.GetString("host"); v != "" {
		cfg.RemoteHost = v
	}
	if v := viper.GetInt("port"); v > 0 {
		cfg.RemotePort = v
	}
	if v := viper.GetString("user"); v != "" {
		cfg.RemoteUser = v
	}
	if v := viper.GetString("ssh_key"); v != "" {
		cfg.SSHKeyPath = v
	}
	if v := viper.GetString("known_hosts"); v != "" {
		cfg.KnownHostsPath = v
	}
	if v := viper.GetString("base_path"); v != "" {
		cfg.RemoteBasePath = v
	}
}
