// Package main provides the material catalog CLI entrypoint.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/stroyka-ai/material-catalog/internal/config"
	"github.com/stroyka-ai/material-catalog/internal/ingestion"
	"github.com/stroyka-ai/material-catalog/internal/observability"
	"github.com/stroyka-ai/material-catalog/internal/search"
	"github.com/stroyka-ai/material-catalog/internal/storage"
	"github.com/stroyka-ai/material-catalog/pkg/engine"
)

var (
	cfgFile    string
	outputJSON bool
	verbose    bool

	cfg    *config.Config
	logger *observability.Logger
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "catalog-cli",
	Short: "Catalog CLI for ingestion, search, and administration",
	Long: `Catalog CLI manages the construction material catalog.

Use this tool to:
- Seed the built-in reference collections (colors, units)
- Ingest supplier price lists from CSV files
- Search the catalog from the command line
- Track and clean up batch processing requests

All commands support --json for automation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logFormat := "console"
		if outputJSON {
			logFormat = "json"
		}
		level := cfg.Log.Level
		if !verbose {
			level = "warn"
		}
		logger = observability.NewLogger(observability.LogConfig{
			Level:       level,
			Format:      logFormat,
			ServiceName: "catalog-cli",
		})
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default: uses env vars)")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newSeedReferencesCmd())
	rootCmd.AddCommand(newIngestCmd())
	rootCmd.AddCommand(newSearchCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newVersionCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withEngine builds the engine, runs fn, and tears the engine down.
func withEngine(ctx context.Context, fn func(ctx context.Context, eng *engine.Engine) error) error {
	eng, err := engine.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn().Err(err).Msg("engine close failed")
		}
	}()
	return fn(ctx, eng)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSeedReferencesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-references",
		Short: "Seed the built-in color and unit reference collections",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			return withEngine(ctx, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.SeedReferences(ctx); err != nil {
					return fmt.Errorf("seed references: %w", err)
				}
				if outputJSON {
					return printJSON(map[string]string{"status": "seeded"})
				}
				fmt.Println("Reference collections seeded.")
				return nil
			})
		},
	}
}

func newIngestCmd() *cobra.Command {
	var (
		file        string
		supplierID  string
		pricelistID string
		wait        bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a supplier price list from a CSV file",
		Long: `Ingest reads a CSV price list, detects the column schema,
deduplicates rows against previously ingested raw products, and submits
the accepted rows for enrichment.

With --wait the command polls until the batch reaches a terminal state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			if supplierID == "" {
				return fmt.Errorf("--supplier is required")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			return withEngine(ctx, func(ctx context.Context, eng *engine.Engine) error {
				if err := eng.Start(ctx); err != nil {
					return fmt.Errorf("start engine: %w", err)
				}

				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open %s: %w", file, err)
				}
				defer f.Close()

				src, err := ingestion.NewCSVSource(f)
				if err != nil {
					return fmt.Errorf("read CSV: %w", err)
				}

				result, err := eng.Ingest(ctx, src, supplierID, pricelistID)
				if err != nil {
					return fmt.Errorf("ingest: %w", err)
				}

				if wait && result.RequestID != uuid.Nil {
					if err := waitForBatch(ctx, eng, result.RequestID); err != nil {
						return err
					}
				}

				if outputJSON {
					return printJSON(result)
				}
				fmt.Printf("Schema:       %s\n", result.Schema)
				fmt.Printf("Accepted:     %d\n", result.Accepted)
				fmt.Printf("Deduplicated: %d\n", result.Deduplicated)
				fmt.Printf("Errors:       %d\n", len(result.Errors))
				if result.RequestID != uuid.Nil {
					fmt.Printf("Request ID:   %s\n", result.RequestID)
				}
				for _, e := range result.Errors {
					fmt.Printf("  %s\n", e.Error())
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "CSV price list path")
	cmd.Flags().StringVar(&supplierID, "supplier", "", "supplier identifier")
	cmd.Flags().StringVar(&pricelistID, "pricelist", "", "price list identifier (optional)")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for batch processing to finish")
	return cmd
}

func waitForBatch(ctx context.Context, eng *engine.Engine, requestID uuid.UUID) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		request, progress, err := eng.BatchStatus(ctx, requestID)
		if err != nil {
			return fmt.Errorf("poll batch status: %w", err)
		}
		if !outputJSON && progress != nil {
			fmt.Printf("\r%s: %d/%d processed", request.Status, progress.Succeeded+progress.Failed, progress.Total)
		}
		if request.Status.Terminal() {
			if !outputJSON {
				fmt.Println()
			}
			return nil
		}
	}
}

func newSearchCmd() *cobra.Command {
	var (
		strategy string
		limit    int
		category string
		unit     string
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the material catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			return withEngine(ctx, func(ctx context.Context, eng *engine.Engine) error {
				q := search.Query{
					Text:     args[0],
					Strategy: search.Strategy(strategy),
				}
				q.Pagination.PageSize = limit
				if category != "" {
					q.Filters.Categories = []string{category}
				}
				if unit != "" {
					q.Filters.Units = []string{unit}
				}

				resp, err := eng.Search(ctx, q)
				if err != nil {
					return fmt.Errorf("search: %w", err)
				}

				if outputJSON {
					return printJSON(resp)
				}

				fmt.Printf("%d results (strategy: %s)\n\n", resp.Total, resp.SourceStrategy)
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SCORE\tNAME\tCATEGORY\tUNIT\tSKU")
				for _, hit := range resp.Hits {
					sku := "-"
					if hit.Material.SKU != nil {
						sku = *hit.Material.SKU
					}
					fmt.Fprintf(w, "%.3f\t%s\t%s\t%s\t%s\n",
						hit.Score, hit.Material.Name, hit.Material.UseCategory, hit.Material.Unit, sku)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "search strategy: vector, lexical, fuzzy, hybrid (default)")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().StringVar(&category, "category", "", "filter by use category")
	cmd.Flags().StringVar(&unit, "unit", "", "filter by unit")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var failed bool

	cmd := &cobra.Command{
		Use:   "status [request-id]",
		Short: "Show batch processing status, or overall statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			return withEngine(ctx, func(ctx context.Context, eng *engine.Engine) error {
				if len(args) == 0 {
					stats, err := eng.BatchStatistics(ctx)
					if err != nil {
						return fmt.Errorf("statistics: %w", err)
					}
					if outputJSON {
						return printJSON(stats)
					}
					fmt.Printf("Requests:  %d\n", stats.TotalRequests)
					fmt.Printf("Records:   %d total, %d succeeded, %d failed\n",
						stats.TotalRecords, stats.SucceededRecords, stats.FailedRecords)
					fmt.Printf("Success:   %.1f%%\n", stats.SuccessRate*100)
					return nil
				}

				requestID, err := uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("invalid request id: %w", err)
				}

				request, progress, err := eng.BatchStatus(ctx, requestID)
				if err != nil {
					return fmt.Errorf("batch status: %w", err)
				}
				if outputJSON {
					return printJSON(map[string]interface{}{"request": request, "progress": progress})
				}

				fmt.Printf("Request:   %s\n", request.RequestID)
				fmt.Printf("Status:    %s\n", request.Status)
				if progress != nil {
					fmt.Printf("Progress:  %d/%d succeeded, %d failed, %d pending\n",
						progress.Succeeded, progress.Total, progress.Failed, progress.Pending)
				}

				if failed {
					records, _, err := eng.BatchResults(ctx, requestID, storage.RecordStatusFailed, 0, 50)
					if err != nil {
						return fmt.Errorf("list failed records: %w", err)
					}
					for _, rec := range records {
						reason := ""
						if rec.Error != nil {
							reason = *rec.Error
						}
						fmt.Printf("  failed %s (stage %s): %s\n", rec.MaterialKey, rec.Stage, reason)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&failed, "failed", false, "list failed records for the request")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old terminal processing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			return withEngine(ctx, func(ctx context.Context, eng *engine.Engine) error {
				deleted, err := eng.CleanupBatches(ctx)
				if err != nil {
					return fmt.Errorf("cleanup: %w", err)
				}
				if outputJSON {
					return printJSON(map[string]int64{"deleted": deleted})
				}
				fmt.Printf("Deleted %d requests.\n", deleted)
				return nil
			})
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("catalog-cli %s\n", version)
		},
	}
}
