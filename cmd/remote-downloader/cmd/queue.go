package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-remote-download/internal/executor"
	"go-remote-download/internal/helpers"
	"go-remote-download/internal/models"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the download queue",
}

var queueAddCmd = &cobra.Command{
	Use:   "add [IDS]",
	Short: "Queue catalog entries for download",
	Long: `Queues catalog entries by id. IDS uses the selection syntax, e.g. "1,3,5-9".
With --search, --select picks from the numbered results of that search instead
(the numbering printed by 'search'). Entries already queued are updated in place.`,
	RunE: runQueueAdd,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove ID...",
	Short: "Remove items from the queue",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueueRemove,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every queued item (history is kept)",
	Args:  cobra.NoArgs,
	RunE:  runQueueClear,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print queued items as JSON",
	Args:  cobra.NoArgs,
	RunE:  runQueueExport,
}

var queueRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Download every queued item, in queue order",
	Args:  cobra.NoArgs,
	RunE:  runQueueRun,
}

var queueMarkCompletedCmd = &cobra.Command{
	Use:   "mark-completed ID PATH",
	Short: "Record a queued item as downloaded",
	Args:  cobra.ExactArgs(2),
	RunE:  runQueueMarkCompleted,
}

var queueMarkFailedCmd = &cobra.Command{
	Use:   "mark-failed ID [REASON...]",
	Short: "Record a queued item as failed",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQueueMarkFailed,
}

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueAddCmd, queueRemoveCmd, queueClearCmd, queueListCmd,
		queueExportCmd, queueRunCmd, queueMarkCompletedCmd, queueMarkFailedCmd)

	queueAddCmd.Flags().String("search", "", "Select from the results of this name search")
	queueAddCmd.Flags().String("select", "", "Selection over the search results (e.g. 1,3,5-9 or all)")
	queueAddCmd.Flags().String("dest", "", "Destination directory for these items")
	queueAddCmd.Flags().String("note", "", "Note stored with the queue items")
	addSearchFlags(queueAddCmd)

	queueListCmd.Flags().String("status", "", "Only items with this status (queued, completed, failed)")
	_ = viper.BindPFlag("queue.status", queueListCmd.Flags().Lookup("status"))

	queueRunCmd.Flags().String("dest", "", "Destination for items without their own (overrides config)")
	_ = viper.BindPFlag("queue.run.dest", queueRunCmd.Flags().Lookup("dest"))
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	dest, _ := cmd.Flags().GetString("dest")
	note, _ := cmd.Flags().GetString("note")
	search, _ := cmd.Flags().GetString("search")
	sel, _ := cmd.Flags().GetString("select")

	mgr, err := openManager()
	if err != nil {
		return err
	}

	var items []models.QueueItem
	switch {
	case cmd.Flags().Changed("search"):
		if sel == "" {
			return fmt.Errorf("%w: --search needs --select", errUsage)
		}
		items, err = mgr.EnqueueFromSearch(cmd.Context(), searchOptionsFromFlags(cmd, search), sel, dest, note)
	case len(args) > 0:
		items, err = mgr.EnqueueSelection(cmd.Context(), strings.Join(args, ","), dest, note)
	default:
		return fmt.Errorf("%w: give entry ids or --search with --select", errUsage)
	}
	if err != nil {
		return err
	}
	for _, it := range items {
		log.WithFields(log.Fields{"queueItemID": it.ID, "path": it.RemotePath}).Info("Queued")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %d file(s).\n", len(items))
	return nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: %q is not a valid id", errUsage, a)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func runQueueRemove(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	mgr, err := openManager()
	if err != nil {
		return err
	}
	if err := mgr.Dequeue(cmd.Context(), ids...); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d item(s) from the queue.\n", len(ids))
	return nil
}

func runQueueClear(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	n, err := mgr.ClearQueue(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d queued item(s).\n", n)
	return nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	items, err := mgr.ListQueue(cmd.Context(), models.QueueStatus(viper.GetString("queue.status")))
	if err != nil {
		return err
	}
	printQueue(cmd.OutOrStdout(), items)
	return nil
}

func printQueue(w io.Writer, items []models.QueueItem) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tEntry\tName\tSize\tStatus\tDestination\tQueued\tDetail")
	for _, it := range items {
		size := "-"
		if it.Size != nil {
			size = helpers.BytesToSize(uint64(*it.Size))
		}
		dest := it.Destination
		if dest == "" {
			dest = "(default)"
		}
		detail := it.Note
		switch it.Status {
		case models.StatusCompleted:
			detail = it.FinalPath
		case models.StatusFailed:
			detail = it.Reason
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			it.ID, it.EntryID, it.Name, size, it.Status, dest, formatTime(it.QueuedAt), detail)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer")
	}
}

func runQueueExport(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	items, err := mgr.ExportQueue(cmd.Context())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

func runQueueRun(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	progress.begin()
	res, err := mgr.RunQueue(cmd.Context(), viper.GetString("queue.run.dest"))
	progress.end()
	if err != nil {
		return err
	}
	printBatchSummary(cmd.OutOrStdout(), res)
	return batchError(res)
}

func runQueueMarkCompleted(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}
	mgr, err := openManager()
	if err != nil {
		return err
	}
	if err := mgr.MarkCompleted(cmd.Context(), ids[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queue item %d marked completed.\n", ids[0])
	return nil
}

func runQueueMarkFailed(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}
	reason := strings.Join(args[1:], " ")
	if reason == "" {
		reason = "marked failed manually"
	}
	mgr, err := openManager()
	if err != nil {
		return err
	}
	if err := mgr.MarkFailed(cmd.Context(), ids[0], reason); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queue item %d marked failed.\n", ids[0])
	return nil
}

// printBatchSummary reports a finished batch, listing each failure.
func printBatchSummary(w io.Writer, res models.BatchResult) {
	fmt.Fprintf(w, "Batch %s: %d succeeded, %d failed", res.ID, len(res.Succeeded), len(res.Failed))
	if res.Interrupted {
		fmt.Fprintf(w, ", %d not attempted (interrupted)", len(res.Pending))
	}
	fmt.Fprintf(w, " in %v.\n", res.Duration.Round(time.Millisecond))
	for _, f := range res.Failed {
		fmt.Fprintf(w, "  FAILED %s: %s\n", f.Job.Entry.Path, f.Reason)
	}
}

// batchError makes a batch with failures or an interruption exit non-zero.
func batchError(res models.BatchResult) error {
	if err := executor.Interrupted(res); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d of %d transfer(s) failed", len(res.Failed), len(res.Failed)+len(res.Succeeded))
	}
	return nil
}
