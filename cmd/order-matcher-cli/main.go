// Package main provides the order matcher CLI entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/spherical-ai/spherical/libs/order-matcher/internal/app"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/catalog"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/config"
	"github.com/spherical-ai/spherical/libs/order-matcher/internal/observability"
)

const version = "0.1.0"

var (
	// Global flags
	cfgFile     string
	outputJSON  bool
	noColor     bool
	verbose     bool
	catalogFile string

	// Configuration and logger
	cfg    *config.Config
	logger *observability.Logger
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "order-matcher-cli",
	Short: "Order matcher CLI for catalog indexing, search, dedup and reviews",
	Long: `Order matcher CLI works against the same configuration as the API server.

Use this tool to:
- Index catalog files into the candidate index
- Run hybrid searches and inspect confidence bands
- Find and remove duplicate catalog records
- Route orders and follow the review queue

With the in-memory index, pass --catalog to load records before a command runs.
All commands support --json for automation.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		level := cfg.Observability.LogLevel
		if !verbose {
			level = "warn"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      "console",
			Output:      os.Stderr,
			ServiceName: "order-matcher-cli",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&catalogFile, "catalog", "", "catalog file to load before the command runs")

	rootCmd.AddCommand(newIndexCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newDedupCmd())
	rootCmd.AddCommand(newRouteCmd())
	rootCmd.AddCommand(newProcessCmd())
	rootCmd.AddCommand(newReviewCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openApp wires the application. withReviews also opens the review store and
// notifiers. The --catalog file, if given, is indexed first.
func openApp(ctx context.Context, withReviews bool) (*app.App, error) {
	var opts []app.Option
	if !withReviews {
		opts = append(opts, app.WithoutReviews())
	}
	a, err := app.New(ctx, cfg, logger, opts...)
	if err != nil {
		return nil, err
	}
	if catalogFile != "" {
		records, err := catalog.LoadFile(catalogFile)
		if err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
		if _, err := a.IndexRecords(ctx, records, app.IndexOptions{}); err != nil {
			_ = a.Close(ctx)
			return nil, err
		}
	}
	return a, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if outputJSON {
				return printJSON(map[string]string{"version": version})
			}
			fmt.Printf("order-matcher-cli v%s\n", version)
			return nil
		},
	}
}
