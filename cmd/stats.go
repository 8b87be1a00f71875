package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/suburbmates/quality-cli/internal/stats"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show directory-wide quality statistics",
	Long: `Aggregates approved businesses into an overview, score distribution,
monthly trends, category and suburb breakdowns, and recommendations.

With stats.backend=redis the snapshot is shared with the server cache;
--refresh recomputes it and overwrites the cached copy.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("stats"); err != nil {
			return err
		}

		env, err := initEnv(ctx, ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		refresh, _ := cmd.Flags().GetBool("refresh")
		snapshot, source, err := env.Stats.Get(ctx, refresh)
		if err != nil {
			return eris.Wrap(err, "stats")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(cmd.OutOrStdout(), map[string]any{"source": source, "data": snapshot})
		}
		return printStats(cmd.OutOrStdout(), snapshot, source)
	},
}

func init() {
	statsCmd.Flags().Bool("refresh", false, "bypass the cache")
	statsCmd.Flags().Bool("json", false, "print the full snapshot as JSON")
	rootCmd.AddCommand(statsCmd)
}

func printStats(w io.Writer, s stats.QualityStats, source stats.Source) error {
	o := s.Overview
	fmt.Fprintf(w, "%d businesses, average score %.1f (source: %s, generated %s)\n",
		o.TotalBusinesses, o.AverageScore, source, s.GeneratedAt.Format("2006-01-02 15:04"))
	fmt.Fprintf(w, "High %d / Medium %d / Low %d\n\n", o.HighQuality, o.MediumQuality, o.LowQuality)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANGE\tCOUNT\tPCT")
	for _, b := range s.Distribution {
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", b.Range, b.Count, b.Percentage)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(s.Categories) > 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "CATEGORY\tCOUNT\tAVG\tHIGH\tMEDIUM\tLOW")
		for _, c := range s.Categories {
			fmt.Fprintf(tw, "%s\t%d\t%.1f\t%d\t%d\t%d\n", c.Category, c.Count, c.AverageScore, c.High, c.Medium, c.Low)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(s.Recommendations) > 0 {
		fmt.Fprintln(w)
		for _, r := range s.Recommendations {
			fmt.Fprintf(w, "[%s] %s: %s (%d businesses)\n", r.Type, r.Title, r.Description, r.AffectedCount)
		}
	}
	return nil
}
