package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/apperr"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/notify"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/review"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/storage"
)

func newReviewCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review",
		Short: "Inspect the human review queue",
	}
	cmd.AddCommand(newReviewListCmd())
	cmd.AddCommand(newReviewHistoryCmd())
	cmd.AddCommand(newReviewWatchCmd())
	return cmd
}

func newReviewListCmd() *cobra.Command {
	var (
		status   string
		customer string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored review requests, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			a, err := openApp(ctx, true)
			if err != nil {
				ui.Error("Failed to initialize: %v", err)
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			reqs, err := a.Store.List(ctx, storage.ListFilter{
				Status:     review.Status(status),
				CustomerID: customer,
				Limit:      limit,
			})
			if err != nil {
				ui.Error("Failed to list reviews: %v", err)
				return err
			}

			if outputJSON {
				return printJSON(map[string]any{"reviews": reqs, "count": len(reqs)})
			}
			if len(reqs) == 0 {
				ui.Info("No reviews found")
				return nil
			}
			rows := make([][]string, 0, len(reqs))
			for _, r := range reqs {
				rows = append(rows, []string{
					r.ID,
					string(r.Status),
					ui.Priority(r.Priority),
					fmt.Sprintf("%.2f", r.ConfidenceScore),
					r.Source.CustomerID,
					truncate(r.Source.Subject, 32),
					r.AssignedTo,
					r.CreatedAt.Local().Format(time.DateTime),
				})
			}
			ui.Table([]string{"ID", "Status", "Priority", "Conf", "Customer", "Subject", "Assignee", "Created"}, rows)

			stats := a.Queue.Statistics()
			ui.Newline()
			ui.KeyValue("pending", stats.PendingCount)
			ui.KeyValue("completed", stats.CompletedCount)
			if stats.AverageReviewDurationSeconds > 0 {
				ui.KeyValue("avg review time", FormatDuration(time.Duration(stats.AverageReviewDurationSeconds*float64(time.Second))))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, in_review, approved, rejected, needs_clarification, alternative_suggested)")
	cmd.Flags().StringVar(&customer, "customer", "", "filter by customer id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newReviewHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail of a review request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			a, err := openApp(ctx, true)
			if err != nil {
				ui.Error("Failed to initialize: %v", err)
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			events, err := a.Audit.History(ctx, args[0])
			if err != nil {
				ui.Error("Failed to read history: %v", err)
				return err
			}
			if outputJSON {
				return printJSON(map[string]any{"review_id": args[0], "events": events})
			}
			if len(events) == 0 {
				return apperr.NotFound("review.history", fmt.Sprintf("no history for %s", args[0]))
			}
			rows := make([][]string, 0, len(events))
			for _, e := range events {
				transition := ""
				if e.From != "" || e.To != "" {
					transition = fmt.Sprintf("%s → %s", e.From, e.To)
				}
				rows = append(rows, []string{
					e.OccurredAt.Local().Format(time.DateTime),
					e.Action,
					e.Actor,
					transition,
				})
			}
			ui.Table([]string{"Time", "Action", "Actor", "Transition"}, rows)
			return nil
		},
	}
}

func newReviewWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream review queue events from NATS",
		RunE: func(cmd *cobra.Command, args []string) error {
			ui := NewUI(outputJSON, noColor)
			defer ui.Close()

			if cfg.Notify.NATSURL == "" {
				return apperr.Validation("review.watch", "notify.nats_url is not configured")
			}
			n, err := notify.DialNATS(cfg.Notify.NATSURL, cfg.Notify.NATSSubject)
			if err != nil {
				ui.Error("Failed to connect: %v", err)
				return err
			}
			defer func() { _ = n.Close() }()

			ctx := cmd.Context()

			events := make(chan review.Event, 64)
			sub, err := notify.Subscribe(n.Conn(), cfg.Notify.NATSSubject, func(_ context.Context, e review.Event) {
				select {
				case events <- e:
				default:
					logger.Warn().Str("type", string(e.Type)).Msg("Watch buffer full, dropping event")
				}
			})
			if err != nil {
				ui.Error("Failed to subscribe: %v", err)
				return err
			}
			defer func() { _ = sub.Unsubscribe() }()

			ui.Info("Watching %s.> on %s (Ctrl+C to stop)", cfg.Notify.NATSSubject, cfg.Notify.NATSURL)
			enc := json.NewEncoder(os.Stdout)
			for {
				select {
				case <-ctx.Done():
					return nil
				case e := <-events:
					if outputJSON {
						if err := enc.Encode(e); err != nil {
							return err
						}
						continue
					}
					ui.Step("%s %s %s priority=%s confidence=%.2f",
						e.OccurredAt.Local().Format(time.TimeOnly),
						e.Type,
						e.Request.ID,
						ui.Priority(e.Request.Priority),
						e.Request.ConfidenceScore)
				}
			}
		},
	}
}
