package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-remote-download/internal/helpers"
	"go-remote-download/internal/models"
)

// searchCmd searches the catalog by name
var searchCmd = &cobra.Command{
	Use:   "search [PATTERN]",
	Short: "Search the catalog by name",
	Long: `Searches catalog entries whose name matches PATTERN, case-insensitively.
PATTERN may be a glob (*, ?, [..]) or a plain substring. Results are numbered;
'queue add --search' selects from the same numbering.
With --fulltext, QUERY is run against the full-text index instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

// listCmd lists the catalog, most recently seen first
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog entries, most recently seen first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(listCmd)

	addSearchFlags(searchCmd)
	searchCmd.Flags().String("fulltext", "", "Full-text query (bleve query string syntax, e.g. '+ext:mkv note:keep')")
	searchCmd.Flags().Int("limit", 0, "Maximum number of results (0 = all)")

	listCmd.Flags().Int("limit", 50, "Maximum number of entries (0 = all)")
	_ = viper.BindPFlag("list.limit", listCmd.Flags().Lookup("limit"))
}

// addSearchFlags registers the catalog filter flags shared by search and queue add.
func addSearchFlags(c *cobra.Command) {
	c.Flags().String("path", "", "Only entries under this remote path")
	c.Flags().String("kind", "", "Only entries of this kind (file, directory)")
	c.Flags().String("ext", "", "Only files with this extension")
}

func searchOptionsFromFlags(cmd *cobra.Command, pattern string) models.SearchOptions {
	scope, _ := cmd.Flags().GetString("path")
	kind, _ := cmd.Flags().GetString("kind")
	ext, _ := cmd.Flags().GetString("ext")
	return models.SearchOptions{Pattern: pattern, Scope: scope, Kind: models.Kind(kind), Ext: ext}
}

func runSearch(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	if q, _ := cmd.Flags().GetString("fulltext"); q != "" {
		log.Infof("Full-text search: %s", q)
		entries, err := mgr.FullTextSearch(cmd.Context(), q, limit)
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries, true)
		log.Infof("Found %d matching entries.", len(entries))
		return nil
	}

	pattern := ""
	if len(args) == 1 {
		pattern = args[0]
	}
	opts := searchOptionsFromFlags(cmd, pattern)
	opts.Limit = limit
	entries, err := mgr.Search(cmd.Context(), opts)
	if err != nil {
		return err
	}
	printEntries(cmd.OutOrStdout(), entries, true)
	log.Infof("Found %d matching entries.", len(entries))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	mgr, err := openManager()
	if err != nil {
		return err
	}
	entries, err := mgr.Search(cmd.Context(), models.SearchOptions{Limit: viper.GetInt("list.limit")})
	if err != nil {
		return err
	}
	printEntries(cmd.OutOrStdout(), entries, false)
	return nil
}

// printEntries writes a catalog table. numbered adds the 1-based position
// that selection tokens refer to.
func printEntries(w io.Writer, entries []models.Entry, numbered bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if numbered {
		fmt.Fprint(tw, "#\t")
	}
	fmt.Fprintln(tw, "ID\tName\tKind\tSize\tModified\tLast Seen\tPath\tNote")
	for i, e := range entries {
		if numbered {
			fmt.Fprintf(tw, "%d\t", i+1)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Name, e.Kind, formatSize(e), formatTime(e.ModifiedAt), formatTime(e.LastSeen), e.Path, e.Note)
	}
	if err := tw.Flush(); err != nil {
		log.WithError(err).Error("Error flushing table writer")
	}
}

func formatSize(e models.Entry) string {
	if e.IsDir() || e.Size == nil {
		return "-"
	}
	return helpers.BytesToSize(uint64(*e.Size))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
