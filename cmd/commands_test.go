package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suburbmates/quality-cli/internal/config"
	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/scorer"
)

// useSQLiteConfig points the package config at a fresh SQLite file.
func useSQLiteConfig(t *testing.T) {
	t.Helper()
	t.Setenv("QUALITY_STORE_DATABASE_URL", filepath.Join(t.TempDir(), "quality.db"))
	t.Setenv("QUALITY_BATCH_QUEUE_DELAY_MS", "0")
	t.Setenv("QUALITY_BATCH_CHUNK_PAUSE_MS", "0")

	c, err := config.Load()
	require.NoError(t, err)
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func seedFixture(t *testing.T) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0o600))

	cmd := &cobra.Command{Use: "seed", RunE: seedCmd.RunE}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{path})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "Seeded 2 businesses.\n", out.String())
}

func loadBusiness(t *testing.T, id string) *model.Business {
	t.Helper()
	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	b, err := st.FindBusiness(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func runSubmit(t *testing.T, args ...string) string {
	t.Helper()
	cmd := &cobra.Command{Use: "submit", RunE: runBatchSubmit}
	addSubmitFlags(cmd.Flags())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestSeedAndMigrate(t *testing.T) {
	useSQLiteConfig(t)

	cmd := &cobra.Command{Use: "migrate", RunE: migrateCmd.RunE}
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "Schema up to date (sqlite).\n", out.String())

	seedFixture(t)
	b := loadBusiness(t, "b1")
	assert.Equal(t, "Fitzroy Bakehouse", b.Name)
	assert.Equal(t, 40, b.QualityScore)
	assert.Equal(t, 3, b.RecentInquiries)
}

func TestBatchSubmit_DryRunLeavesScores(t *testing.T) {
	useSQLiteConfig(t)
	seedFixture(t)

	out := runSubmit(t, "--ids", "b1", "--dry-run")
	assert.Contains(t, out, ": completed (1/1 processed, 0 failed)")
	assert.Contains(t, out, "Dry run: no scores were written.")
	assert.Contains(t, out, "Fitzroy Bakehouse")

	assert.Equal(t, 40, loadBusiness(t, "b1").QualityScore)
}

func TestBatchSubmit_WritesRescoredValue(t *testing.T) {
	useSQLiteConfig(t)
	seedFixture(t)

	before := loadBusiness(t, "b1")
	want := scorer.Rescore(before.QualityScore, scorer.Score(before))

	out := runSubmit(t, "--ids", "b1", "--json")
	var job model.BatchJob
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, model.JobCompleted, job.Status)
	require.NotNil(t, job.Results)
	require.Len(t, job.Results.Successful, 1)
	assert.Equal(t, want, job.Results.Successful[0].NewScore)

	assert.Equal(t, want, loadBusiness(t, "b1").QualityScore)
}

func TestBatchSubmit_NoMatches(t *testing.T) {
	useSQLiteConfig(t)
	seedFixture(t)

	cmd := &cobra.Command{Use: "submit", RunE: runBatchSubmit, SilenceUsage: true, SilenceErrors: true}
	addSubmitFlags(cmd.Flags())
	cmd.SetArgs([]string{"--suburb", "Nowhere"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrNoMatchingBusinesses)
}

func TestScoreReport(t *testing.T) {
	useSQLiteConfig(t)
	seedFixture(t)
	b := loadBusiness(t, "b1")

	report := buildScoreReport(b, fixtureNow)
	result := scorer.Score(b)
	assert.Equal(t, result.QualityScore, report.CalculatedScore)
	assert.Equal(t, scorer.Rescore(b.QualityScore, result), report.ProjectedScore)
	assert.Equal(t, "b1", report.Analysis.ID)

	var buf bytes.Buffer
	require.NoError(t, printScoreReport(&buf, report))
	assert.Contains(t, buf.String(), "Fitzroy Bakehouse (Fitzroy, Food)")
}

func TestScoreCommand_NotFound(t *testing.T) {
	useSQLiteConfig(t)
	seedFixture(t)

	cmd := &cobra.Command{Use: "score", Args: cobra.ExactArgs(1), RunE: runScore, SilenceUsage: true, SilenceErrors: true}
	cmd.Flags().Bool("json", false, "")
	cmd.Flags().Bool("write", false, "")
	cmd.SetArgs([]string{"missing"})
	err := cmd.ExecuteContext(context.Background())

	var nf *model.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "missing", nf.ID)
}

func TestStatsCommand_JSON(t *testing.T) {
	useSQLiteConfig(t)
	seedFixture(t)

	cmd := &cobra.Command{Use: "stats", RunE: statsCmd.RunE}
	cmd.Flags().Bool("refresh", false, "")
	cmd.Flags().Bool("json", false, "")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))

	var resp struct {
		Source string `json:"source"`
		Data   struct {
			Overview struct {
				TotalBusinesses int `json:"totalBusinesses"`
			} `json:"overview"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, "database", resp.Source)
	assert.Equal(t, 2, resp.Data.Overview.TotalBusinesses)
}
