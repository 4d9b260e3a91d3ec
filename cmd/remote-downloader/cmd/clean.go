package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-remote-download/internal/config"
)

func init() {
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().BoolP("dry-run", "n", false, "Only list the files that would be removed")
}

var cleanCmd = &cobra.Command{
	Use:   "clean [DIR...]",
	Short: "Remove partial downloads (.tmp files) from the download directories",
	Long: `Recursively scans the given directories, or every configured download
destination, and removes files ending in .tmp left behind by interrupted
transfers.`,
	RunE: runClean,
}

// cleanResult counts what a clean pass did.
type cleanResult struct {
	Removed int
	Failed  int
}

func runClean(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	dirs := args
	if len(dirs) == 0 {
		for _, d := range config.DownloadDestinations(globalConfig) {
			dirs = append(dirs, d.Path)
		}
	}
	if len(dirs) == 0 {
		return fmt.Errorf("%w: no download destination configured, pass a directory", errUsage)
	}

	var total cleanResult
	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if os.IsNotExist(err) {
			log.Warnf("Download directory does not exist: %s", dir)
			continue
		}
		if err != nil {
			log.Errorf("Error accessing %q: %v", dir, err)
			total.Failed++
			continue
		}
		if !info.IsDir() {
			log.Errorf("Not a directory: %s", dir)
			total.Failed++
			continue
		}
		log.Infof("Scanning for .tmp files in %s...", dir)
		res := cleanDir(dir, dryRun)
		total.Removed += res.Removed
		total.Failed += res.Failed
	}

	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	summary := fmt.Sprintf("Clean complete. %s %d .tmp file(s)", verb, total.Removed)
	if total.Failed > 0 {
		summary += fmt.Sprintf(". Failed on %d path(s)", total.Failed)
	}
	log.Info(summary + ".")

	if total.Failed > 0 {
		return fmt.Errorf("clean failed on %d path(s)", total.Failed)
	}
	return nil
}

// cleanDir removes every *.tmp file below dir.
func cleanDir(dir string, dryRun bool) cleanResult {
	var res cleanResult
	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if info.IsDir() || !strings.HasSuffix(strings.ToLower(info.Name()), ".tmp") {
			return nil
		}
		if dryRun {
			log.Infof("Would remove %s", path)
			res.Removed++
			return nil
		}
		if err := os.Remove(path); err != nil {
			if os.IsNotExist(err) {
				log.Warnf("Attempted to remove %q, but it was already gone.", path)
				return nil
			}
			log.Errorf("Failed to remove %q: %v", path, err)
			res.Failed++
			return nil
		}
		log.Infof("Removed .tmp file: %s", path)
		res.Removed++
		return nil
	})
	if walkErr != nil {
		log.Errorf("Error during directory walk of %q: %v", dir, walkErr)
		res.Failed++
	}
	return res
}
