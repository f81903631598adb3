package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/dedup"
)

func newDedupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Find and remove duplicate catalog records",
	}
	cmd.AddCommand(newDedupFindCmd())
	cmd.AddCommand(newDedupRemoveCmd())
	cmd.AddCommand(newDedupCheckCmd())
	return cmd
}

func newDedupFindCmd() *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "find",
		Short: "List duplicate groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			s, err := dedup.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, false)
			if err != nil {
				ui.Error("Failed to initialize: %v", err)
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			groups, err := a.Dedup.FindDuplicates(ctx, s)
			if err != nil {
				ui.Error("Duplicate scan failed: %v", err)
				return err
			}
			if outputJSON {
				return printJSON(map[string]any{"strategy": s, "groups": groups, "count": len(groups)})
			}
			printGroups(ui, groups)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(dedup.StrategyExact), "exact, semantic or near")
	return cmd
}

func newDedupRemoveCmd() *cobra.Command {
	var (
		strategy string
		keep     string
		apply    bool
	)

	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove duplicates, keeping one record per group",
		Long: `Removes every duplicate except the survivor chosen by --keep. The command
is a dry run unless --apply is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			s, err := dedup.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			k, err := dedup.ParseKeepPolicy(keep)
			if err != nil {
				return err
			}
			a, err := openApp(ctx, false)
			if err != nil {
				ui.Error("Failed to initialize: %v", err)
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			report, err := a.Dedup.RemoveDuplicates(ctx, s, k, !apply)
			if err != nil {
				ui.Error("Removal failed: %v", err)
				return err
			}
			a.Audit.LogDedup(ctx, string(s), string(k), report.DryRun, report.RemovedIDs)

			if outputJSON {
				return printJSON(report)
			}
			printGroups(ui, report.Groups)
			if report.DryRun {
				ui.Info("Dry run: %d records would be removed (%s)", report.RemovedCount, strings.Join(report.RemovedIDs, ", "))
				ui.Info("Re-run with --apply to delete them")
				return nil
			}
			ui.Success("Removed %d records", report.RemovedCount)
			return nil
		},
	}
	cmd.Flags().StringVar(&strategy, "strategy", string(dedup.StrategyExact), "exact, semantic or near")
	cmd.Flags().StringVar(&keep, "keep", string(dedup.KeepFirst), "first, last or best")
	cmd.Flags().BoolVar(&apply, "apply", false, "delete records instead of reporting them")
	return cmd
}

func newDedupCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Check each record of a file against the index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			records, err := catalog.LoadFile(args[0])
			if err != nil {
				ui.Error("Failed to read records: %v", err)
				return err
			}
			a, err := openApp(ctx, false)
			if err != nil {
				ui.Error("Failed to initialize: %v", err)
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			bar := ui.ProgressBar("Checking", int64(len(records)))
			type checked struct {
				ID string `json:"id"`
				dedup.CheckResult
			}
			results := make([]checked, 0, len(records))
			for _, r := range records {
				if len(r.Embedding) == 0 && r.Text != "" {
					vec, err := a.Embedder.EmbedSingle(ctx, r.Text)
					if err != nil {
						logger.Warn().Err(err).Str("id", r.ID).Msg("Embedding failed, checking exact duplicates only")
					} else {
						r.Embedding = vec
					}
				}
				results = append(results, checked{ID: r.ID, CheckResult: a.Dedup.CheckBeforeInsert(ctx, r)})
				if bar != nil {
					bar.Increment()
				}
			}

			if outputJSON {
				return printJSON(results)
			}
			rows := make([][]string, 0, len(results))
			dups := 0
			for _, res := range results {
				status := "new"
				if res.IsDuplicate {
					status = "duplicate"
					dups++
				}
				if res.Degraded {
					status += " (degraded)"
				}
				rows = append(rows, []string{res.ID, status, res.ExistingID, res.Method, formatScore(res.Similarity)})
			}
			ui.Table([]string{"Record", "Status", "Existing", "Method", "Similarity"}, rows)
			ui.Info("%d of %d records duplicate the index", dups, len(results))
			return nil
		},
	}
	return cmd
}

func printGroups(ui *UI, groups []dedup.Group) {
	if len(groups) == 0 {
		ui.Success("No duplicates found")
		return
	}
	rows := make([][]string, 0, len(groups))
	for i, g := range groups {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			truncate(g.Key, 24),
			fmt.Sprintf("%d", len(g.IDs)),
			truncate(strings.Join(g.IDs, ", "), 60),
		})
	}
	ui.Table([]string{"#", "Key", "Size", "Records"}, rows)
}
