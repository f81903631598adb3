package main

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/app"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
)

func newIndexCmd() *cobra.Command {
	var checkDuplicates bool

	cmd := &cobra.Command{
		Use:   "index <file>",
		Short: "Load a catalog file into the candidate index",
		Long: `Reads a JSON array or JSONL catalog file, embeds records that carry no
vector and upserts them. With --check-duplicates each record is checked
against the index first and duplicates are skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			records, err := catalog.LoadFile(args[0])
			if err != nil {
				ui.Error("Failed to read catalog: %v", err)
				return err
			}
			ui.Info("Loaded %d records from %s", len(records), args[0])

			a, err := openApp(ctx, false)
			if err != nil {
				ui.Error("Failed to initialize: %v", err)
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			if cfg.Index.Adapter == "memory" {
				ui.Warning("Index adapter is memory; records only live for this run")
			}

			var spin *waitSpinner
			var bar *itemProgress
			if !outputJSON {
				spin = newWaitSpinner("Embedding records...")
				spin.Start()
			}
			opts := app.IndexOptions{
				CheckDuplicates: checkDuplicates,
				Progress: func(done, total int) {
					if outputJSON {
						return
					}
					if bar == nil {
						spin.Stop()
						bar = newItemProgress(total, "Indexing")
					}
					bar.Set(done)
				},
			}

			start := time.Now()
			report, err := a.IndexRecords(ctx, records, opts)
			if spin != nil && bar == nil {
				spin.Stop()
			}
			if bar != nil {
				bar.Finish()
			}
			if err != nil {
				ui.Error("Indexing failed: %v", err)
				return err
			}

			if outputJSON {
				return printJSON(report)
			}

			ui.Success("Indexed %d of %d records in %s", report.Indexed, report.Received, FormatDuration(time.Since(start)))
			if n := len(report.UnembeddedIDs); n > 0 {
				ui.Warning("%d records left out without embeddings: %s", n, truncate(strings.Join(report.UnembeddedIDs, ", "), 80))
			}
			if report.Degraded > 0 {
				ui.Warning("%d duplicate checks degraded to pass", report.Degraded)
			}
			if len(report.Skipped) > 0 {
				ui.Section("Skipped duplicates")
				rows := make([][]string, 0, len(report.Skipped))
				for i, s := range report.Skipped {
					rows = append(rows, []string{
						report.SkippedIDs[i],
						s.ExistingID,
						s.Method,
						formatScore(s.Similarity),
					})
				}
				ui.Table([]string{"Record", "Existing", "Method", "Similarity"}, rows)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&checkDuplicates, "check-duplicates", false, "skip records that duplicate indexed ones")
	return cmd
}
