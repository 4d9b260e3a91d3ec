package cmd

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan [PATH]",
	Short: "List a remote directory and record its entries in the catalog",
	Long: `Refreshes PATH (default: RemoteBasePath) from the remote host, bypassing the
directory cache, and records every entry in the catalog. With --recursive all
sub-directories are scanned as well; unreadable sub-directories are skipped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().BoolP("recursive", "r", false, "Scan sub-directories too")
}

func runScan(cmd *cobra.Command, args []string) error {
	remotePath := globalConfig.RemoteBasePath
	if len(args) == 1 {
		remotePath = args[0]
	}
	recursive, _ := cmd.Flags().GetBool("recursive")

	mgr, err := openManager()
	if err != nil {
		return err
	}
	log.Infof("Scanning %s...", remotePath)
	n, err := mgr.Scan(cmd.Context(), remotePath, recursive)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scan complete: %d entries recorded.\n", n)
	return nil
}
