package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"go-remote-download/internal/helpers"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the directory listing cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show how many directory listings are cached",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManagerWithCache()
		if err != nil {
			return err
		}
		n, size, err := mgr.CacheStats()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cached directories: %d\nCache size: %s\nFreshness window: %ds\n",
			n, helpers.BytesToSize(uint64(size)), globalConfig.CacheMaxAgeSec)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Drop every cached directory listing",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManagerWithCache()
		if err != nil {
			return err
		}
		if err := mgr.ClearCache(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Directory cache cleared.")
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the full-text index from the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager()
		if err != nil {
			return err
		}
		n, err := mgr.Reindex(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d catalog entries.\n", n)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show catalog and queue totals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := openManager()
		if err != nil {
			return err
		}
		s, err := mgr.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Entries: %d (%s)\nQueued: %d\nCompleted: %d\nFailed: %d\n",
			s.TotalEntries, helpers.BytesToSize(uint64(s.TotalBytes)), s.Queued, s.Completed, s.Failed)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cacheCmd, reindexCmd, statsCmd)
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
}
