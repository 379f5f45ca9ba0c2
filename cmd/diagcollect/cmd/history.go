package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diagcollect/diagcollect/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List previously produced diagnostic archives",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of runs to show")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cobraCmd *cobra.Command, _ []string) error {
	ctx := cobraCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, _, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	store, err := history.Open(cfg.History.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	entries, err := store.List(ctx, historyLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}

	for _, e := range entries {
		fmt.Printf("%s  %s  target=%s  %d/%d/%d (ok/skip/fail)\n  %s\n",
			e.CreatedAt.Format("2006-01-02 15:04:05"), e.Host, e.Target,
			e.Completed, e.Skipped, e.Failed, e.ArchivePath)
	}
	return nil
}
