package cmd

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-remote-download/internal/config"
	"go-remote-download/internal/helpers"
	"go-remote-download/internal/manager"
	"go-remote-download/internal/models"
)

var browseCmd = &cobra.Command{
	Use:   "browse [PATH]",
	Short: "Browse the remote host interactively and download files",
	Long: `Shows a numbered listing of PATH (default: RemoteBasePath). Enter a number to
open a directory, or a selection such as 1,3,5-9 or 'all' to download files.
Prefix a selection with 'q ' to add it to the download queue instead.
Enter 's' to toggle recursive folder sizes (ShowFolderSizes in the config).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBrowse,
}

func init() {
	rootCmd.AddCommand(browseCmd)
	browseCmd.Flags().BoolP("refresh", "r", false, "Ignore the directory cache for the first listing")
	browseCmd.Flags().Bool("folder-sizes", false, "Show the recursive size of each folder (overrides ShowFolderSizes)")
}

func runBrowse(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	b := &browser{
		mgr:       mgr,
		in:        bufio.NewScanner(cmd.InOrStdin()),
		out:       cmd.OutOrStdout(),
		exportDir: filepath.Join(globalConfig.DataDir, "exports"),
		dests:     config.DownloadDestinations(globalConfig),
	}
	start := mgr.NewSession().CurrentPath
	if len(args) == 1 {
		start = args[0]
	}
	refresh, _ := cmd.Flags().GetBool("refresh")
	if cmd.Flags().Changed("folder-sizes") {
		b.folderSizes, _ = cmd.Flags().GetBool("folder-sizes")
	} else {
		b.folderSizes = globalConfig.ShowFolderSizes
	}
	return b.run(cmd.Context(), start, refresh)
}

// browser is the interactive listing loop.
type browser struct {
	mgr         *manager.Manager
	in          *bufio.Scanner
	out         io.Writer
	exportDir   string
	dests       []models.DownloadPath
	folderSizes bool
	now         func() time.Time
}

func (b *browser) prompt(label string) (string, bool) {
	fmt.Fprintf(b.out, "%s: ", label)
	if !b.in.Scan() {
		return "", false
	}
	return strings.TrimSpace(b.in.Text()), true
}

func (b *browser) run(ctx context.Context, start string, refresh bool) error {
	s := b.mgr.NewSession()
	s.ShowFolderSizes = b.folderSizes
	base := s.CurrentPath
	if err := b.mgr.Browse(ctx, s, start, refresh); err != nil {
		return err
	}

	for {
		b.render(s)
		choice, ok := b.prompt("\nYour choice")
		if !ok {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch lower := strings.ToLower(choice); {
		case choice == "":
			continue
		case lower == "q":
			return nil
		case choice == "..":
			err = b.mgr.Enter(ctx, s, "..")
		case choice == "0":
			err = b.mgr.Browse(ctx, s, base, false)
		case lower == "r":
			err = b.mgr.Browse(ctx, s, s.CurrentPath, true)
		case lower == "s":
			s.ShowFolderSizes = !s.ShowFolderSizes
			err = b.mgr.Browse(ctx, s, s.CurrentPath, false)
		case lower == "e":
			var p string
			if p, err = b.exportCSV(s); err == nil {
				fmt.Fprintf(b.out, "Listing exported to %s\n", p)
			}
		case strings.HasPrefix(lower, "q "):
			err = b.enqueue(ctx, s, strings.TrimSpace(choice[2:]))
		default:
			err = b.selectEntries(ctx, s, choice)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			fmt.Fprintln(b.out, describeError(err))
		}
	}
}

func (b *browser) render(s *manager.Session) {
	header := fmt.Sprintf("\n%s", s.CurrentPath)
	switch {
	case s.Stale:
		header += fmt.Sprintf("  (refresh failed, showing listing from %s ago)", helpers.FormatAge(s.Age))
	case s.FromCache:
		header += fmt.Sprintf("  (cached %s ago, 'r' to refresh)", helpers.FormatAge(s.Age))
	}
	fmt.Fprintln(b.out, header)

	tw := tabwriter.NewWriter(b.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tName\tSize\tModified")
	for i, e := range s.Listing {
		name := e.Name
		if e.IsDir() {
			name += "/"
		}
		size := formatSize(e)
		if n, ok := s.FolderSizes[e.Name]; ok && e.IsDir() {
			size = helpers.BytesToSize(uint64(n))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, name, size, formatTime(e.ModifiedAt))
	}
	tw.Flush()
	if len(s.Listing) == 0 {
		fmt.Fprintln(b.out, "(empty)")
	}
	sizes := "off"
	if s.ShowFolderSizes {
		sizes = "on"
	}
	fmt.Fprintf(b.out, "\nN open directory | 1,3,5-9 or all download | q SEL queue | .. up | 0 top | r refresh | s folder sizes (%s) | e export CSV | q quit\n", sizes)
}

// selectEntries opens a single selected directory, or downloads the
// selected files.
func (b *browser) selectEntries(ctx context.Context, s *manager.Session, token string) error {
	selected, err := b.mgr.Select(s, token)
	if err != nil {
		return err
	}
	if len(selected) == 1 && selected[0].IsDir() {
		return b.mgr.Browse(ctx, s, selected[0].Path, false)
	}
	files := 0
	for _, e := range selected {
		if !e.IsDir() {
			files++
		}
	}
	if files == 0 {
		fmt.Fprintln(b.out, "No files selected.")
		return nil
	}

	dest, ok := b.chooseDestination()
	if !ok {
		return nil
	}
	progress.begin()
	res, err := b.mgr.DownloadSelection(ctx, s, token, dest)
	progress.end()
	if err != nil {
		return err
	}
	printBatchSummary(b.out, res)
	return executorInterrupted(res)
}

func (b *browser) enqueue(ctx context.Context, s *manager.Session, token string) error {
	items, err := b.mgr.EnqueueFromSession(ctx, s, token, "", "")
	if err != nil {
		return err
	}
	fmt.Fprintf(b.out, "Queued %d file(s).\n", len(items))
	return nil
}

// chooseDestination offers the configured download paths and a custom path.
func (b *browser) chooseDestination() (string, bool) {
	fmt.Fprintln(b.out, "\nChoose download destination:")
	for i, d := range b.dests {
		fmt.Fprintf(b.out, "  %d. %s (%s)\n", i+1, d.Name, d.Path)
	}
	fmt.Fprintf(b.out, "  %d. Custom path\n  0. Cancel\n", len(b.dests)+1)

	choice, ok := b.prompt("Select destination")
	if !ok || choice == "0" {
		return "", false
	}
	n, err := strconv.Atoi(choice)
	var dest string
	switch {
	case err == nil && n >= 1 && n <= len(b.dests):
		dest = b.dests[n-1].Path
	case err == nil && n == len(b.dests)+1:
		if dest, ok = b.prompt("Enter custom path"); !ok || dest == "" {
			return "", false
		}
		dest = helpers.ExpandHome(dest)
	default:
		fmt.Fprintln(b.out, "Invalid choice.")
		return "", false
	}

	if !helpers.IsDir(dest) {
		answer, ok := b.prompt(fmt.Sprintf("%s does not exist. Create it? [y/N]", dest))
		if !ok || !strings.EqualFold(answer, "y") {
			return "", false
		}
		if !helpers.CheckAndMakeDir(dest) {
			fmt.Fprintf(b.out, "Could not create %s\n", dest)
			return "", false
		}
	}
	return dest, true
}

// exportCSV writes the current listing to a timestamped CSV file so it can
// be read on another screen while choosing numbers.
func (b *browser) exportCSV(s *manager.Session) (string, error) {
	if !helpers.CheckAndMakeDir(b.exportDir) {
		return "", fmt.Errorf("could not create export directory %s", b.exportDir)
	}
	now := time.Now()
	if b.now != nil {
		now = b.now()
	}
	folder := helpers.RemoteBase(s.CurrentPath)
	if folder == "" {
		folder = "root"
	}
	p := filepath.Join(b.exportDir, fmt.Sprintf("directory_listing_%s_%s.csv", folder, now.Format("20060102_150405")))

	f, err := os.Create(p)
	if err != nil {
		return "", err
	}
	if err := writeListingCSV(f, s.Listing); err != nil {
		f.Close()
		return "", err
	}
	log.Infof("EXPORT: Exported listing of %s to %s", s.CurrentPath, p)
	return p, f.Close()
}

func writeListingCSV(w io.Writer, entries []models.Entry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Number", "Name", "Type", "Size", "Size (Bytes)", "Full Path", "Modified"}); err != nil {
		return err
	}
	for i, e := range entries {
		kind, human, raw := "Folder", "", ""
		if !e.IsDir() {
			kind = "File"
			human = formatSize(e)
			raw = strconv.FormatInt(e.SizeOrZero(), 10)
		}
		if err := cw.Write([]string{
			strconv.Itoa(i + 1), e.Name, kind, human, raw, e.Path,
			e.ModifiedAt.Local().Format("2006-01-02 15:04:05"),
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// executorInterrupted keeps a cancelled download from looking like success.
func executorInterrupted(res models.BatchResult) error {
	if res.Interrupted {
		return context.Canceled
	}
	return nil
}
