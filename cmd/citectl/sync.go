package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"citekit/api/internal/bibliography"
)

var flagCycles int

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run sync cycles against the library server and report what changed",
	Long:  "Runs repeated sync cycles with the same cache. The second cycle normally reuses every collection and reports no updates.",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().IntVar(&flagCycles, "cycles", 2, "number of sync cycles to run")
}

type cycleReport struct {
	Cycle       int                           `json:"cycle"`
	HasUpdates  bool                          `json:"hasUpdates"`
	Active      bool                          `json:"active"`
	Warning     string                        `json:"warning,omitempty"`
	Collections []bibliography.CollectionInfo `json:"collections"`
	Items       int                           `json:"items"`
}

func runSync(cmd *cobra.Command, _ []string) error {
	if flagCycles < 1 {
		return fmt.Errorf("--cycles must be at least 1")
	}
	provider, logger, err := newSyncProvider()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	reports := make([]cycleReport, 0, flagCycles)
	for i := 1; i <= flagCycles; i++ {
		updated := provider.Load(ctx, documentContext(), directive())
		reports = append(reports, cycleReport{
			Cycle:       i,
			HasUpdates:  updated,
			Active:      provider.IsActive(),
			Warning:     provider.Warning(),
			Collections: provider.Collections(),
			Items:       len(provider.Items()),
		})
	}

	if flagJSON {
		return printJSON(reports)
	}
	out := cmd.OutOrStdout()
	for _, r := range reports {
		fmt.Fprintf(out, "cycle %d: hasUpdates=%t active=%t items=%d\n", r.Cycle, r.HasUpdates, r.Active, r.Items)
		if r.Warning != "" {
			fmt.Fprintf(out, "  warning: %s\n", r.Warning)
		}
	}
	if len(reports) > 0 {
		last := reports[len(reports)-1]
		fmt.Fprintln(out, "collections:")
		for _, c := range last.Collections {
			fmt.Fprintf(out, "  %s\t%s\t%d items\n", c.Key, c.Name, len(provider.ItemsInCollection(c.Key)))
		}
	}
	return nil
}
