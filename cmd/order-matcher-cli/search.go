package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/dedup"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/retrieval"
)

func newSearchCmd() *cobra.Command {
	var (
		nResults    int
		nCandidates int
		rerankTopK  int
		threshold   float64
		code        string
		brand       string
		source      string
		canonical   string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid catalog search",
		Long: `Runs semantic and keyword lookups, fuses their scores, reranks when a
reranker is configured and prints the ranked candidates with confidence bands.

Examples:
  order-matcher-cli search "cordless drill 18v" --catalog catalog.jsonl
  order-matcher-cli search "DR-18" --code DR-18 --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			a, err := openApp(ctx, false)
			if err != nil {
				ui.Error("Failed to initialize: %v", err)
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			req := retrieval.SearchRequest{
				Query:       strings.Join(args, " "),
				NResults:    nResults,
				NCandidates: nCandidates,
				RerankTopK:  rerankTopK,
				Filters:     catalog.Filter{Code: code, Brand: brand, Source: source},
			}
			if cmd.Flags().Changed("threshold") {
				req.ScoreThreshold = &threshold
			}
			if canonical != "" {
				strategy, err := dedup.ParseStrategy(canonical)
				if err != nil {
					return err
				}
				excluded, err := a.Dedup.CanonicalFilter(ctx, strategy)
				if err != nil {
					ui.Error("Canonical filter failed: %v", err)
					return err
				}
				req.Exclude = append(req.Exclude, excluded...)
			}

			spin := ui.Spinner("Searching")
			start := time.Now()
			result, err := a.Search.Search(ctx, req)
			finishBar(spin)
			if err != nil {
				ui.Error("Search failed: %v", err)
				return err
			}
			a.Audit.LogSearch(ctx, req.Query, len(result.Candidates), result.Stats.Reranked, time.Since(start))

			if outputJSON {
				return printJSON(result)
			}
			printSearchResult(ui, result)
			return nil
		},
	}

	cmd.Flags().IntVarP(&nResults, "results", "n", 0, "number of results (default from config)")
	cmd.Flags().IntVar(&nCandidates, "candidates", 0, "candidates fetched per sub-search")
	cmd.Flags().IntVar(&rerankTopK, "top-k", 0, "candidates passed to the reranker")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "drop candidates below this final score")
	cmd.Flags().StringVar(&code, "code", "", "filter by product code")
	cmd.Flags().StringVar(&brand, "brand", "", "filter by brand")
	cmd.Flags().StringVar(&source, "source", "", "filter by source file")
	cmd.Flags().StringVar(&canonical, "canonical", "", "hide duplicates found by strategy (exact, semantic, near)")
	return cmd
}

func printSearchResult(ui *UI, result *retrieval.SearchResult) {
	if len(result.Candidates) == 0 {
		ui.Warning("No candidates for %q", result.Query)
		return
	}
	rows := make([][]string, 0, len(result.Candidates))
	for i, c := range result.Candidates {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i+1),
			c.ID,
			truncate(c.Text, 48),
			formatScore(c.FinalScore),
			ui.Confidence(c.ConfidenceLevel, c.ConfidencePercentage),
			strings.Join(c.Sources, "+"),
		})
	}
	ui.Table([]string{"#", "ID", "Text", "Score", "Confidence", "Sources"}, rows)

	s := result.Stats
	ui.Newline()
	ui.KeyValue("semantic", fmt.Sprintf("%d in %s", s.SemanticCount, FormatDuration(s.SemanticLatency)))
	ui.KeyValue("keyword", fmt.Sprintf("%d in %s", s.KeywordCount, FormatDuration(s.KeywordLatency)))
	if s.Reranked {
		ui.KeyValue("reranked", fmt.Sprintf("%d (%s) in %s", s.RerankedCount, s.RerankMode, FormatDuration(s.RerankLatency)))
	} else if s.RerankSkipped != "" {
		ui.KeyValue("rerank skipped", s.RerankSkipped)
	}
	if s.SemanticError != "" {
		ui.Warning("Semantic search degraded: %s", s.SemanticError)
	}
	if s.KeywordError != "" {
		ui.Warning("Keyword search degraded: %s", s.KeywordError)
	}
	ui.KeyValue("total", FormatDuration(s.Total))
	if s.Cached {
		ui.Info("Served from cache")
	}
}

func formatScore(v float64) string {
	return fmt.Sprintf("%.3f", v)
}
