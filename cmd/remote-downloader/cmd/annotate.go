package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var noteCmd = &cobra.Command{
	Use:   "note ID TEXT...",
	Short: "Attach a note to a catalog entry (empty text clears it)",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runNote,
}

var sourceCmd = &cobra.Command{
	Use:   "source ID PATH [NOTE...]",
	Short: "Record the local file a remote entry came from",
	Long: `Links a catalog entry to the local path it was originally uploaded from.
The path is stored as given and never checked. Setting it again replaces the link.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSource,
}

func init() {
	rootCmd.AddCommand(noteCmd)
	rootCmd.AddCommand(sourceCmd)
}

func runNote(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}
	mgr, err := openManager()
	if err != nil {
		return err
	}
	if err := mgr.SetNote(cmd.Context(), ids[0], strings.Join(args[1:], " ")); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Note updated for entry %d.\n", ids[0])
	return nil
}

func runSource(cmd *cobra.Command, args []string) error {
	ids, err := parseIDs(args[:1])
	if err != nil {
		return err
	}
	mgr, err := openManager()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		link, err := mgr.SourceLink(cmd.Context(), ids[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s", link.SourcePath)
		if link.Note != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "\t%s", link.Note)
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	}

	if err := mgr.SetSourceLink(cmd.Context(), ids[0], args[1], strings.Join(args[2:], " ")); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Source linked for entry %d.\n", ids[0])
	return nil
}
