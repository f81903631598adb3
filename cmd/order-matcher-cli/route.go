package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/orders"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/routing"
)

func newRouteCmd() *cobra.Command {
	var (
		extraction float64
		items      []string
	)

	cmd := &cobra.Command{
		Use:   "route",
		Short: "Decide the action for given confidences",
		Long: `Applies the configured routing thresholds to an extraction confidence and
per-item match confidences.

Example:
  order-matcher-cli route --extraction 0.9 --item a=0.95 --item b=0.7`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			if extraction < 0 || extraction > 1 {
				return apperr.Validation("route", "extraction confidence must be within [0, 1]")
			}
			confidences, err := parseItemConfidences(items)
			if err != nil {
				return err
			}
			router := routing.NewRouter(routing.Thresholds{
				AutoApprove:  cfg.Routing.AutoApproveThreshold,
				HumanReview:  cfg.Routing.HumanReviewThreshold,
				ItemApproval: cfg.Routing.ItemApprovalThreshold,
				NoItemFactor: cfg.Routing.NoItemPenalty,
			})
			decision := router.Route(extraction, confidences)

			if outputJSON {
				return printJSON(decision)
			}
			printDecision(ui, decision)
			return nil
		},
	}

	cmd.Flags().Float64Var(&extraction, "extraction", 1, "extraction confidence")
	cmd.Flags().StringArrayVar(&items, "item", nil, "item confidence as id=value (repeatable)")
	return cmd
}

// parseItemConfidences reads id=value pairs. Values must lie in [0, 1] and ids
// must be unique.
func parseItemConfidences(pairs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		id, raw, ok := strings.Cut(p, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, apperr.Validation("route.item", fmt.Sprintf("expected id=value, got %q", p))
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || v < 0 || v > 1 {
			return nil, apperr.Validation("route.item", fmt.Sprintf("confidence for %q must be a number within [0, 1]", id))
		}
		if _, dup := out[id]; dup {
			return nil, apperr.Validation("route.item", fmt.Sprintf("item %q given twice", id))
		}
		out[id] = v
	}
	return out, nil
}

func printDecision(ui *UI, d routing.Decision) {
	ui.KeyValue("action", d.Action)
	ui.KeyValue("overall confidence", fmt.Sprintf("%.3f", d.Overall))
	if len(d.ApprovedItems) > 0 {
		ui.KeyValue("approved", strings.Join(d.ApprovedItems, ", "))
	}
	if len(d.UnresolvedItems) > 0 {
		ui.KeyValue("unresolved", strings.Join(d.UnresolvedItems, ", "))
	}
	if d.PartiallyApproved() {
		ui.Warning("Partially approved: unresolved items need follow-up")
	}
}

func newProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <message.json>",
		Short: "Run one customer message through extraction, matching and routing",
		Long: `Reads a message JSON file with id, customer_id, subject, body and optional
pre-extracted items, matches every item against the catalog and routes the
order. Orders routed to human review are queued in the configured store.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				ui.Error("Failed to read message: %v", err)
				return err
			}
			msg, err := decodeMessage(data)
			if err != nil {
				return err
			}

			a, err := openApp(ctx, true)
			if err != nil {
				ui.Error("Failed to initialize: %v", err)
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			spin := ui.Spinner("Processing order")
			out, err := a.Orders.Process(ctx, msg)
			finishBar(spin)
			if err != nil {
				ui.Error("Processing failed: %v", err)
				return err
			}

			if outputJSON {
				return printJSON(out)
			}
			printOutcome(ui, out)
			return nil
		},
	}
	return cmd
}

// decodeMessage parses a message file. Unknown fields are ignored.
func decodeMessage(data []byte) (orders.Message, error) {
	var msg orders.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return orders.Message{}, apperr.Malformed("process", "message is not valid JSON", err)
	}
	return msg, nil
}

func printOutcome(ui *UI, out orders.Outcome) {
	ui.Section("Order " + out.MessageID)
	ui.KeyValue("extraction confidence", fmt.Sprintf("%.3f", out.ExtractionConfidence))
	if out.ExtractionError != "" {
		ui.Warning("Extraction failed: %s", out.ExtractionError)
	}
	printDecision(ui, out.Decision)

	if len(out.Items) > 0 {
		ui.Newline()
		rows := make([][]string, 0, len(out.Items))
		for _, it := range out.Items {
			best := "-"
			if len(it.Candidates) > 0 {
				best = it.Candidates[0].ID
			}
			status := "unresolved"
			if it.Approved {
				status = "approved"
			}
			if it.SearchError != "" {
				status = "search failed"
			}
			rows = append(rows, []string{it.Item.ID, truncate(it.Item.Description, 32), best, fmt.Sprintf("%.3f", it.Confidence), status})
		}
		ui.Table([]string{"Item", "Name", "Best match", "Confidence", "Status"}, rows)
	}

	switch {
	case out.Review != nil:
		ui.Info("Queued for review as %s (priority %s)", out.Review.ID, ui.Priority(out.Review.Priority))
	case out.Clarification != nil:
		ui.Warning("Clarification needed: %s", out.Clarification.Reason)
	}
}
