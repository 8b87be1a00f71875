package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/suburbmates/quality-cli/internal/model"
)

// cliActor is recorded as the job owner for command-line submissions.
const cliActor = "cli"

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit and inspect batch rescoring jobs",
	Long: `Batch rescoring from the command line. Submissions always run synchronously.

status, cancel and list read the configured job store; with the default
in-memory store only jobs from the current process are visible, so set
batch.job_store to postgres to inspect jobs run by the server.`,
}

// -- batch submit --

var batchSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Rescore the businesses matching the criteria",
	Example: `  # Dry run over the 20 worst approved listings in Fitzroy
  quality-cli batch submit --suburb Fitzroy --limit 20 --dry-run

  # Rescore specific businesses
  quality-cli batch submit --ids b1,b2,b3`,
	RunE: runBatchSubmit,
}

func runBatchSubmit(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.Validate("batch"); err != nil {
		return err
	}
	criteria, opts := criteriaFromFlags(cmd)

	env, err := initEnv(ctx, ctx, nil)
	if err != nil {
		return err
	}
	defer env.Close()

	job, err := env.Manager.Submit(ctx, cliActor, criteria, opts)
	if err != nil {
		return eris.Wrap(err, "batch submit")
	}
	zap.L().Info("batch complete",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("successful", job.Progress.Successful),
		zap.Int("failed", job.Progress.Failed),
	)

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		return printJSON(cmd.OutOrStdout(), job)
	}
	return printJobResults(cmd.OutOrStdout(), job)
}

func criteriaFromFlags(cmd *cobra.Command) (model.BatchCriteria, model.BatchOptions) {
	f := cmd.Flags()
	ids, _ := f.GetStringSlice("ids")
	category, _ := f.GetString("category")
	suburb, _ := f.GetString("suburb")
	abn, _ := f.GetString("abn-status")
	approval, _ := f.GetString("approval-status")
	limit, _ := f.GetInt("limit")
	dryRun, _ := f.GetBool("dry-run")
	rollback, _ := f.GetBool("rollback-on-error")

	c := model.BatchCriteria{
		BusinessIDs:    ids,
		Category:       category,
		Suburb:         suburb,
		ABNStatus:      model.ABNStatus(abn),
		ApprovalStatus: model.ApprovalStatus(approval),
		Limit:          limit,
	}
	if f.Changed("min-score") {
		v, _ := f.GetInt("min-score")
		c.MinScore = &v
	}
	if f.Changed("max-score") {
		v, _ := f.GetInt("max-score")
		c.MaxScore = &v
	}

	sync := false
	o := model.BatchOptions{
		Async:           &sync,
		RollbackOnError: rollback,
		DryRun:          dryRun,
	}
	return c, o
}

// -- batch status --

var batchStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show a batch job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		results, _ := cmd.Flags().GetBool("results")
		job, err := env.Manager.Get(ctx, args[0], results)
		if err != nil {
			return eris.Wrap(err, "batch status")
		}
		return printJSON(cmd.OutOrStdout(), job)
	},
}

// -- batch cancel --

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a pending or processing batch job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		job, err := env.Manager.Cancel(ctx, cliActor, args[0])
		if err != nil {
			return eris.Wrap(err, "batch cancel")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s after %d/%d businesses.\n",
			job.ID, job.Progress.Processed, job.Progress.Total)
		return nil
	},
}

// -- batch list --

var batchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent batch jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, ctx, nil)
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		jobs, err := env.Manager.List(ctx, model.JobStatus(status), limit)
		if err != nil {
			return eris.Wrap(err, "batch list")
		}
		if len(jobs) == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "No batch jobs found.")
			return nil
		}
		return printJobSummaries(cmd.OutOrStdout(), jobs)
	},
}

func printJobResults(w io.Writer, job *model.BatchJob) error {
	fmt.Fprintf(w, "Job %s: %s (%d/%d processed, %d failed)\n",
		job.ID, job.Status, job.Progress.Processed, job.Progress.Total, job.Progress.Failed)
	if job.Options.DryRun {
		fmt.Fprintln(w, "Dry run: no scores were written.")
	}
	if job.Results == nil {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BUSINESS\tNAME\tBEFORE\tAFTER\tCHANGE")
	for _, r := range job.Results.Successful {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%+d\n", r.BusinessID, r.BusinessName, r.PreviousScore, r.NewScore, r.ScoreChange)
	}
	for _, r := range job.Results.Failed {
		fmt.Fprintf(tw, "%s\t%s\t-\t-\t%s\n", r.BusinessID, r.BusinessName, r.Error)
	}
	return tw.Flush()
}

func printJobSummaries(w io.Writer, jobs []model.JobSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPROGRESS\tOK\tFAILED\tDRY RUN\tCREATED BY\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d%%\t%d\t%d\t%t\t%s\t%s\n",
			j.ID, j.Status, j.Progress.Percentage, j.Progress.Successful, j.Progress.Failed,
			j.DryRun, j.CreatedBy, j.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return eris.Wrap(enc.Encode(v), "encode output")
}

func addSubmitFlags(f *pflag.FlagSet) {
	f.StringSlice("ids", nil, "comma-separated business ids")
	f.Int("min-score", 0, "minimum current quality score")
	f.Int("max-score", 100, "maximum current quality score")
	f.String("category", "", "category name, or Uncategorized")
	f.String("suburb", "", "suburb name (case-insensitive)")
	f.String("abn-status", "", "NOT_PROVIDED, PENDING, VERIFIED, INVALID or EXPIRED")
	f.String("approval-status", "", "approval status (default APPROVED)")
	f.Int("limit", 0, "maximum businesses to rescore (0=batch.max_targets)")
	f.Bool("dry-run", false, "compute new scores without writing them")
	f.Bool("rollback-on-error", false, "mark the job failed when any business fails")
	f.Bool("json", false, "print the full job as JSON")
}

func init() {
	addSubmitFlags(batchSubmitCmd.Flags())

	batchStatusCmd.Flags().Bool("results", false, "include per-business results")

	batchListCmd.Flags().String("status", "", "filter by job status")
	batchListCmd.Flags().Int("limit", 20, "max jobs to list")

	batchCmd.AddCommand(batchSubmitCmd, batchStatusCmd, batchCancelCmd, batchListCmd)
	rootCmd.AddCommand(batchCmd)
}
