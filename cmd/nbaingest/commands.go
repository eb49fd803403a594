package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"basnya/ingestion/internal/ingest"
	"basnya/ingestion/internal/models"
	"basnya/ingestion/internal/proxylist"
	"basnya/ingestion/internal/scheduler"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cron scheduler and metrics server until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			log.Info().
				Str("env", a.cfg.AppEnv).
				Str("version", AppVersion).
				Msg("Starting NBA stats ingestion worker")

			if a.cfg.EnableMetrics {
				go startMetricsServer(ctx, a.cfg.MetricsPort, a.db)
			}
			go trackUptime(ctx, a.db)

			sched := scheduler.NewScheduler(a.cfg, a.processor)
			if err := sched.Start(ctx); err != nil {
				return err
			}

			// Keep running until context is cancelled
			<-ctx.Done()

			log.Info().Msg("Shutting down scheduler...")
			sched.Stop()
			log.Info().Msg("Worker shutdown complete")
			return nil
		})
	},
}

var (
	trackLastNDays int
	trackFrom      string
	trackTo        string
)

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Register the last N days, or an explicit --from/--to range, as pending",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := trackRange(trackFrom, trackTo)
		if err != nil {
			return err
		}
		return withApp(func(ctx context.Context, a *app) error {
			if !from.IsZero() {
				_, err := a.processor.TrackRange(ctx, from, to)
				return err
			}
			_, err := a.processor.TrackDates(ctx, lastNDays(cmd, a))
			return err
		})
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process every pending date",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			summary, err := a.processor.ProcessPending(ctx)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary.Processed, summary.NoGames, summary.Failed, summary.Retry, summary.Skipped)
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track the last N days, then process every pending date",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if _, err := a.processor.TrackDates(ctx, lastNDays(cmd, a)); err != nil {
				return err
			}
			summary, err := a.processor.ProcessPending(ctx)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), summary.Processed, summary.NoGames, summary.Failed, summary.Retry, summary.Skipped)
			return nil
		})
	},
}

var backfillCmd = &cobra.Command{
	Use:   "backfill-boxscores",
	Short: "Fetch box scores for stored games that have none",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			result, err := a.processor.BackfillBoxScores(ctx)
			printBackfill(cmd.OutOrStdout(), cmd.ErrOrStderr(), result)
			return err
		})
	},
}

var backfillSummariesCmd = &cobra.Command{
	Use:   "backfill-summaries",
	Short: "Fetch box score summaries for stored games that have none",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			result, err := a.processor.BackfillSummaries(ctx)
			printBackfill(cmd.OutOrStdout(), cmd.ErrOrStderr(), result)
			return err
		})
	},
}

var statusFailures int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the date ledger and recent API calls",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			counts, err := a.db.ProcessingStatus.CountByStatus(ctx)
			if err != nil {
				return err
			}
			calls, err := a.db.APICallLogs.CountByEndpoint(ctx, time.Now().Add(-24*time.Hour))
			if err != nil {
				return err
			}
			var failures []models.APICallLog
			if statusFailures > 0 {
				failures, err = a.db.APICallLogs.Recent(ctx, statusFailures, true)
				if err != nil {
					return err
				}
			}
			printStatus(cmd.OutOrStdout(), counts, calls, failures)
			return nil
		})
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset DATE...",
	Short: "Put dates (YYYY-MM-DD) back in the pending queue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			var errs []error
			for _, arg := range args {
				d, err := models.ParseDate(arg)
				if err == nil {
					err = a.db.ProcessingStatus.Reset(ctx, d)
				}
				if err != nil {
					// bad input is reported, the remaining dates still go through
					log.Error().Err(err).Str("date", arg).Msg("Failed to reset date")
					errs = append(errs, err)
					continue
				}
				log.Info().Str("date", arg).Msg("Date reset to pending")
			}
			return errors.Join(errs...)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger and audit tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		// newApp applies the schema
		return withApp(func(ctx context.Context, a *app) error {
			return nil
		})
	},
}

var convertOutput string

var convertProxiesCmd = &cobra.Command{
	Use:   "convert-proxies FILE",
	Short: "Convert an ip:port:user:pass list into the proxy JSON document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return convertProxies(args[0], convertOutput, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

func init() {
	trackCmd.Flags().IntVar(&trackLastNDays, "last-n-days", 0, "days before today to register (default LAST_N_DAYS)")
	trackCmd.Flags().StringVar(&trackFrom, "from", "", "first date to register (YYYY-MM-DD)")
	trackCmd.Flags().StringVar(&trackTo, "to", "", "last date to register (YYYY-MM-DD, default --from)")
	runCmd.Flags().IntVar(&trackLastNDays, "last-n-days", 0, "days before today to register (default LAST_N_DAYS)")
	statusCmd.Flags().IntVar(&statusFailures, "failures", 5, "number of recent failed API calls to show")
	convertProxiesCmd.Flags().StringVarP(&convertOutput, "output", "o", "", "output file (prints to stdout when empty)")
}

// trackRange parses the --from/--to flags; a zero from means no explicit range
func trackRange(from, to string) (time.Time, time.Time, error) {
	if from == "" {
		if to != "" {
			return time.Time{}, time.Time{}, fmt.Errorf("--to requires --from")
		}
		return time.Time{}, time.Time{}, nil
	}
	start, err := models.ParseDate(from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to == "" {
		return start, start, nil
	}
	end, err := models.ParseDate(to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: --to %s is before --from %s", models.ErrInvalidDate, to, from)
	}
	return start, end, nil
}

func lastNDays(cmd *cobra.Command, a *app) int {
	if cmd.Flags().Changed("last-n-days") {
		return trackLastNDays
	}
	return a.cfg.LastNDays
}

func printBackfill(stdout, stderr io.Writer, result ingest.BackfillResult) {
	fmt.Fprintf(stdout, "missing=%d fetched=%d failed=%d\n", result.Missing, result.Fetched, len(result.Failed))
	for _, id := range result.Failed {
		fmt.Fprintf(stderr, "failed: %s\n", id)
	}
}

// printStatus renders ledger counts, per-endpoint call counts and the latest failures
func printStatus(w io.Writer, counts map[string]int, calls map[string]map[bool]int, failures []models.APICallLog) {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)
	fmt.Fprintln(w, "Dates:")
	for _, s := range statuses {
		fmt.Fprintf(w, "  %-10s %d\n", s, counts[s])
	}

	endpoints := make([]string, 0, len(calls))
	for e := range calls {
		endpoints = append(endpoints, e)
	}
	sort.Strings(endpoints)
	fmt.Fprintln(w, "API calls (24h):")
	for _, e := range endpoints {
		fmt.Fprintf(w, "  %-22s ok=%d failed=%d\n", e, calls[e][true], calls[e][false])
	}

	if len(failures) == 0 {
		return
	}
	fmt.Fprintln(w, "Recent failures:")
	for _, f := range failures {
		fmt.Fprintf(w, "  %s %-22s %s\n", f.CallTime.UTC().Format(time.RFC3339), f.Endpoint, f.ErrorMessage.String)
	}
}

func printSummary(w io.Writer, processed, noGames, failed, retry, skipped int) {
	fmt.Fprintf(w, "processed=%d no_games=%d failed=%d retry=%d skipped=%d\n", processed, noGames, failed, retry, skipped)
}

// convertProxies reads the provider list at path and writes the JSON document to output or stdout
func convertProxies(path, output string, stdout, stderr io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open proxy file: %w", err)
	}
	defer f.Close()

	doc, lineErrs, err := proxylist.Convert(f)
	if err != nil {
		return err
	}
	for _, lineErr := range lineErrs {
		fmt.Fprintf(stderr, "Error processing %v\n", lineErr)
	}

	out, err := proxylist.Encode(doc)
	if err != nil {
		return err
	}

	if output == "" {
		fmt.Fprintln(stdout, string(out))
		return nil
	}
	if err := os.WriteFile(output, out, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", output, err)
	}
	fmt.Fprintf(stdout, "Proxy dictionary written to %s\n", output)
	return nil
}
