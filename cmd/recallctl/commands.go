package main

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lysyi3m/recall-comb/internal/bootstrap"
	"github.com/lysyi3m/recall-comb/internal/pipeline"
	"github.com/lysyi3m/recall-comb/internal/recall"
	"github.com/lysyi3m/recall-comb/internal/search"
)

func newIngestCommand(ctx *commandContext) *cobra.Command {
	var agencies []string
	var since string
	var lockPath string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run an ingestion pass followed by deduplication",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := pipeline.RunOptions{Agencies: agencies}
			if since != "" {
				t, err := time.Parse(time.DateOnly, since)
				if err != nil {
					return fmt.Errorf("--since must be YYYY-MM-DD: %w", err)
				}
				opts.Since = t
			}

			return ctx.withLock(lockPath, func() error {
				app, err := ctx.ensureApp(cmd.Context(), bootstrap.AllIntegrations)
				if err != nil {
					return err
				}

				report, runErr := app.Runner.Run(cmd.Context(), opts)
				if report == nil {
					return runErr
				}
				if asJSON {
					if err := writeJSON(cmd, report); err != nil {
						return err
					}
					return runErr
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderRunReport(report))
				return runErr
			})
		},
	}

	cmd.Flags().StringSliceVar(&agencies, "agency", nil, "Agency code to ingest (repeatable, default all enabled)")
	cmd.Flags().StringVar(&since, "since", "", "Fetch notices published since this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&lockPath, "lock-file", "", "Lock file guarding concurrent runs")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the run report as JSON")
	return cmd
}

var (
	runReportHeaders = []string{"Agency", "Fetched", "Filtered", "Accepted", "Rejected", "Low quality", "Inserted", "Updated", "Unchanged", "Status"}
	runReportAligns  = []columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft}
)

func renderRunReport(report *pipeline.RunReport) string {
	codes := make([]string, 0, len(report.Agencies))
	for code := range report.Agencies {
		codes = append(codes, code)
	}
	slices.Sort(codes)

	rows := make([][]string, 0, len(codes))
	for _, code := range codes {
		a := report.Agencies[code]
		status := "ok"
		if a.Degraded {
			status = "degraded: " + a.Error
		}
		rows = append(rows, []string{
			code,
			strconv.Itoa(a.Fetched),
			strconv.Itoa(a.Filtered),
			strconv.Itoa(a.Accepted),
			strconv.Itoa(a.Rejected),
			strconv.Itoa(a.LowQuality),
			strconv.Itoa(a.Inserted),
			strconv.Itoa(a.Updated),
			strconv.Itoa(a.Unchanged),
			status,
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s (%s)\n", report.RunID, report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
	b.WriteString(renderTable(runReportHeaders, rows, runReportAligns))
	fmt.Fprintf(&b, "\nDedup: %d groups, %d merged recalls, %d ambiguous pairs", report.Dedup.Groups, report.Dedup.Merged, report.Dedup.Ambiguous)
	return b.String()
}

func newDedupCommand(ctx *commandContext) *cobra.Command {
	var lockPath string

	cmd := &cobra.Command{
		Use:   "dedup",
		Short: "Rebuild duplicate groups over the whole catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withLock(lockPath, func() error {
				app, err := ctx.ensureApp(cmd.Context(), bootstrap.Options{Cache: true})
				if err != nil {
					return err
				}
				report, err := app.Runner.Dedup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d groups, %d merged recalls, %d ambiguous pairs\n", report.Groups, report.Merged, report.Ambiguous)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&lockPath, "lock-file", "", "Lock file guarding concurrent runs")
	return cmd
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var q search.Query
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search the recall catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				q.FreeTextQuery = args[0]
			}
			app, err := ctx.ensureApp(cmd.Context(), bootstrap.Options{})
			if err != nil {
				return err
			}

			resp, err := app.Search.Search(cmd.Context(), q)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHits(resp))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&q.ProductText, "product", "", "Product text to rank against")
	flags.StringSliceVar(&q.Keywords, "keyword", nil, "Keyword that must match (repeatable)")
	flags.StringVar(&q.ExactID, "id", "", "Exact recall id")
	flags.StringSliceVar(&q.Agencies, "agency", nil, "Restrict to agency codes (repeatable)")
	flags.StringVar(&q.Severity, "severity", "", "Severity filter")
	flags.StringVar(&q.RiskCategory, "risk-category", "", "Hazard category filter")
	flags.StringVar(&q.DateFrom, "from", "", "Earliest recall date (YYYY-MM-DD)")
	flags.StringVar(&q.DateTo, "to", "", "Latest recall date (YYYY-MM-DD)")
	flags.BoolVar(&q.IncludeLowQuality, "include-low-quality", false, "Include recalls below the quality threshold")
	flags.IntVar(&q.Limit, "limit", 0, "Maximum results (default 20, max 50)")
	flags.StringVar(&q.Cursor, "cursor", "", "Continue from a previous page")
	flags.BoolVar(&asJSON, "json", false, "Print the response as JSON")
	return cmd
}

func renderHits(resp *search.Response) string {
	rows := make([][]string, 0, len(resp.Items))
	for _, hit := range resp.Items {
		relevance := "-"
		if hit.RelevanceScore != nil {
			relevance = strconv.FormatFloat(*hit.RelevanceScore, 'f', 3, 64)
		}
		rows = append(rows, []string{
			hit.ID,
			hit.ProductName,
			string(hit.HazardCategory),
			hit.RecallDate.Format(time.DateOnly),
			strconv.Itoa(hit.QualityScore),
			relevance,
		})
	}

	out := renderTable(
		[]string{"ID", "Product", "Hazard", "Date", "Quality", "Relevance"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignRight},
	)
	out += fmt.Sprintf("\n%d of %d results", len(resp.Items), resp.Total)
	if resp.NextCursor != "" {
		out += fmt.Sprintf(" (next: --cursor %s)", resp.NextCursor)
	}
	return out
}

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one recall, or AGENCY/external_id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.ensureApp(cmd.Context(), bootstrap.Options{})
			if err != nil {
				return err
			}

			var rec *recall.Recall
			agencyCode, externalID, isLookup := strings.Cut(args[0], "/")
			if isLookup {
				rec, err = app.Search.Lookup(cmd.Context(), agencyCode, externalID)
			} else {
				rec, err = app.Search.Get(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd, rec)
		},
	}
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show catalog statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.ensureApp(cmd.Context(), bootstrap.Options{})
			if err != nil {
				return err
			}
			stats, err := app.Recalls.GetStats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Recalls", "Low quality", "Grouped", "Groups"},
				[][]string{{strconv.Itoa(stats.Total), strconv.Itoa(stats.LowQuality), strconv.Itoa(stats.Grouped), strconv.Itoa(stats.Groups)}},
				[]columnAlignment{alignRight, alignRight, alignRight, alignRight},
			))
			fmt.Fprintln(out, renderCounts("Agency", stats.ByAgency))
			fmt.Fprintln(out, renderCounts("Hazard", stats.ByHazard))
			return nil
		},
	}
}

func renderCounts(label string, counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	rows := make([][]string, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []string{k, strconv.Itoa(counts[k])})
	}
	return renderTable([]string{label, "Recalls"}, rows, []columnAlignment{alignLeft, alignRight})
}

func newAgenciesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "agencies",
		Short: "List configured agencies and their ingestion state",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := ctx.ensureApp(cmd.Context(), bootstrap.Options{})
			if err != nil {
				return err
			}

			configs := app.ConfigCache.GetConfigs()
			codes := make([]string, 0, len(configs))
			for code := range configs {
				codes = append(codes, code)
			}
			slices.Sort(codes)

			rows := make([][]string, 0, len(codes))
			for _, code := range codes {
				c := configs[code]
				row := []string{c.Code, c.Name, c.Format, strconv.FormatBool(c.Settings.Enabled), "never", ""}

				state, err := app.Agencies.GetAgency(cmd.Context(), c.Code)
				if err != nil {
					return err
				}
				if state != nil && state.LastSuccessAt != nil {
					row[4] = state.LastSuccessAt.Local().Format(time.DateTime)
				}
				if state != nil && state.Degraded {
					row[5] = "degraded: " + state.LastError
				}
				rows = append(rows, row)
			}

			if len(rows) == 0 {
				return errors.New("no agency configurations found")
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"Code", "Name", "Format", "Enabled", "Last success", "Status"},
				rows, nil))
			return nil
		},
	}
}
