package batch

import (
	"context"
	"errors"
	"math"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suburbmates/quality-cli/internal/model"
)

func syncOpts(dryRun bool) model.BatchOptions {
	return model.BatchOptions{Async: boolp(false), DryRun: dryRun}
}

func TestSubmit_SyncDryRunScenario(t *testing.T) {
	repo := newFakeRepo(missingPhone("a", 10), missingPhone("b", 25), missingPhone("c", 38))
	jobs := NewMemoryJobStore()
	m := NewManager(context.Background(), repo, jobs, fastConfig())

	job, err := m.Submit(context.Background(), "admin-1",
		model.BatchCriteria{MinScore: intp(0), MaxScore: intp(40), Limit: 3},
		syncOpts(true))
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, model.JobProgress{Total: 3, Processed: 3, Successful: 3, Failed: 0, Percentage: 100}, job.Progress)
	require.NotNil(t, job.Results)
	require.Len(t, job.Results.Successful, 3)
	for i, prev := range []int{10, 25, 38} {
		r := job.Results.Successful[i]
		assert.Equal(t, prev, r.PreviousScore)
		assert.Equal(t, prev+10, r.NewScore)
		assert.Equal(t, 10, r.ScoreChange)
	}
	assert.Empty(t, job.Results.Failed)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 1, job.EstimatedDuration)
	assert.Equal(t, "admin-1", job.CreatedBy)
	assert.Regexp(t, regexp.MustCompile(`^batch_\d+_[0-9a-f]{8}$`), job.ID)
	assert.Nil(t, job.Targets)

	assert.Empty(t, repo.writes)
	assert.Equal(t, 10, repo.score("a"))
	assert.Equal(t, 25, repo.score("b"))
	assert.Equal(t, 38, repo.score("c"))
	assert.Equal(t, model.ApprovalApproved, repo.lastFilter.ApprovalStatus)
}

func TestSubmit_SyncWritesScores(t *testing.T) {
	repo := newFakeRepo(missingPhone("a", 95), missingPhone("b", 40))
	m := NewManager(context.Background(), repo, NewMemoryJobStore(), fastConfig())

	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, syncOpts(false))
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, job.Status)
	// Worst first.
	assert.Equal(t, []scoreWrite{{ID: "b", Score: 50}, {ID: "a", Score: 100}}, repo.writes)
	assert.Equal(t, 100, repo.score("a"))
}

func TestSubmit_WritingJobInvalidatesStats(t *testing.T) {
	inv := &fakeInvalidator{}
	repo := newFakeRepo(missingPhone("a", 40))
	m := NewManager(context.Background(), repo, NewMemoryJobStore(), fastConfig(), WithStatsInvalidator(inv))

	_, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, syncOpts(false))
	require.NoError(t, err)
	assert.Equal(t, 1, inv.count())
}

func TestSubmit_DryRunKeepsStats(t *testing.T) {
	inv := &fakeInvalidator{}
	repo := newFakeRepo(missingPhone("a", 40))
	m := NewManager(context.Background(), repo, NewMemoryJobStore(), fastConfig(), WithStatsInvalidator(inv))

	_, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, syncOpts(true))
	require.NoError(t, err)
	assert.Zero(t, inv.count())
}

func TestSubmit_StatsInvalidationFailureIgnored(t *testing.T) {
	inv := &fakeInvalidator{err: errors.New("redis down")}
	repo := newFakeRepo(missingPhone("a", 40))
	m := NewManager(context.Background(), repo, NewMemoryJobStore(), fastConfig(), WithStatsInvalidator(inv))

	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, syncOpts(false))
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, 1, inv.count())
}

func TestSubmit_NoMatchCreatesNoJob(t *testing.T) {
	repo := newFakeRepo(missingPhone("a", 90))
	jobs := NewMemoryJobStore()
	m := NewManager(context.Background(), repo, jobs, fastConfig())

	_, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{MaxScore: intp(40)}, model.BatchOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNoMatchingBusinesses))

	all, err := jobs.List(context.Background(), ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmit_SyncTooLarge(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxSyncTargets = 2
	jobs := NewMemoryJobStore()
	m := NewManager(context.Background(), newFakeRepo(manyMissingPhone(3)...), jobs, cfg)

	_, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, syncOpts(false))

	var rse *model.ResourceStateError
	require.True(t, errors.As(err, &rse))
	assert.Equal(t, model.StateSyncBatchTooBig, rse.Code)
	all, _ := jobs.List(context.Background(), ListFilter{})
	assert.Empty(t, all)
}

func TestSubmit_SyncExceedsRequestDeadline(t *testing.T) {
	cfg := fastConfig()
	cfg.ThroughputPerSec = 1
	jobs := NewMemoryJobStore()
	m := NewManager(context.Background(), newFakeRepo(manyMissingPhone(5)...), jobs, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.Submit(ctx, "admin-1", model.BatchCriteria{}, syncOpts(false))

	var stateErr *model.ResourceStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, model.StateSyncBatchTooBig, stateErr.Code)
	assert.Contains(t, stateErr.Message, "about 5s")
	list, _ := jobs.List(context.Background(), ListFilter{})
	assert.Empty(t, list)
}

func TestSubmit_AsyncIgnoresRequestDeadline(t *testing.T) {
	cfg := fastConfig()
	cfg.ThroughputPerSec = 1
	m := NewManager(context.Background(), newFakeRepo(manyMissingPhone(5)...), NewMemoryJobStore(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := m.Submit(ctx, "admin-1", model.BatchCriteria{}, model.BatchOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 5, job.EstimatedDuration)
	m.Wait()
}

func TestSubmit_Validation(t *testing.T) {
	m := NewManager(context.Background(), newFakeRepo(), NewMemoryJobStore(), fastConfig())

	_, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{
		Limit:          5001,
		MinScore:       intp(50),
		MaxScore:       intp(10),
		ABNStatus:      "BOGUS",
		ApprovalStatus: "MAYBE",
		BusinessIDs:    []string{"ok", " "},
	}, model.BatchOptions{WebhookURL: "ftp://hooks.example.com"})

	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	fields := []string{}
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	assert.Equal(t, []string{"limit", "minScore", "abnStatus", "approvalStatus", "businessIds", "webhookUrl"}, fields)
}

func TestSubmit_PerItemFailures(t *testing.T) {
	repo := newFakeRepo(missingPhone("a", 10), missingPhone("b", 20), missingPhone("c", 30))
	repo.vanished["a"] = true
	repo.updateErr["b"] = errors.New("store: update b: deadlock detected")

	m := NewManager(context.Background(), repo, NewMemoryJobStore(), fastConfig())
	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, syncOpts(false))
	require.NoError(t, err)

	assert.Equal(t, model.JobCompleted, job.Status)
	assert.Equal(t, model.JobProgress{Total: 3, Processed: 3, Successful: 1, Failed: 2, Percentage: 100}, job.Progress)
	require.Len(t, job.Results.Failed, 2)
	assert.Equal(t, NotFoundDuringProcessing, job.Results.Failed[0].Error)
	assert.Equal(t, "Business a", job.Results.Failed[0].BusinessName)
	assert.Contains(t, job.Results.Failed[1].Error, "deadlock detected")
	assert.Equal(t, "c", job.Results.Successful[0].BusinessID)
}

func TestSubmit_RollbackOnErrorOnlyRelabels(t *testing.T) {
	repo := newFakeRepo(missingPhone("a", 10), missingPhone("b", 20))
	repo.findErr["a"] = errors.New("timeout")

	m := NewManager(context.Background(), repo, NewMemoryJobStore(), fastConfig())
	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{},
		model.BatchOptions{Async: boolp(false), RollbackOnError: true})
	require.NoError(t, err)

	assert.Equal(t, model.JobFailed, job.Status)
	assert.NotNil(t, job.CompletedAt)
	// The successful write is not undone.
	assert.Equal(t, 30, repo.score("b"))
}

func TestSubmit_AsyncRunsChunksAndNotifies(t *testing.T) {
	cfg := fastConfig()
	cfg.WebhookEvery = 10
	repo := newFakeRepo(manyMissingPhone(25)...)
	notifier := &fakeNotifier{}
	m := NewManager(context.Background(), repo, NewMemoryJobStore(), cfg, WithNotifier(notifier))

	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{},
		model.BatchOptions{WebhookURL: "https://hooks.example.com/q"})
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.Status)
	assert.Equal(t, 3, job.EstimatedDuration)
	assert.Equal(t, 25, job.Progress.Total)
	assert.Nil(t, job.Targets, "submit returns a descriptor without targets")
	assert.Nil(t, job.Results)

	m.Wait()

	final, err := m.Get(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, final.Status)
	assert.Equal(t, 25, final.Progress.Successful)
	assert.Len(t, repo.writes, 25)

	calls := notifier.snapshots()
	processed := []int{}
	for _, c := range calls {
		processed = append(processed, c.Progress.Processed)
		assert.Nil(t, c.Targets)
	}
	assert.Equal(t, []int{10, 20, 25}, processed)
	assert.Equal(t, model.JobCompleted, calls[2].Status)
}

func TestSubmit_AsyncPercentageAfterEveryItem(t *testing.T) {
	cfg := fastConfig()
	cfg.WebhookEvery = 1
	notifier := &fakeNotifier{}
	m := NewManager(context.Background(), newFakeRepo(manyMissingPhone(13)...), NewMemoryJobStore(), cfg, WithNotifier(notifier))

	_, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{},
		model.BatchOptions{WebhookURL: "https://hooks.example.com/q", DryRun: true})
	require.NoError(t, err)
	m.Wait()

	calls := notifier.snapshots()
	require.Len(t, calls, 14)
	seen := map[int]bool{}
	for _, c := range calls {
		p := c.Progress
		want := int(math.Round(float64(p.Processed) / float64(p.Total) * 100))
		assert.Equal(t, want, p.Percentage)
		assert.Equal(t, p.Processed, p.Successful+p.Failed)
		seen[p.Processed] = true
	}
	assert.Len(t, seen, 13)
}

func TestSubmit_SyncDoesNotNotify(t *testing.T) {
	notifier := &fakeNotifier{}
	m := NewManager(context.Background(), newFakeRepo(missingPhone("a", 1)), NewMemoryJobStore(), fastConfig(), WithNotifier(notifier))

	_, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{},
		model.BatchOptions{Async: boolp(false), WebhookURL: "https://hooks.example.com/q"})
	require.NoError(t, err)
	assert.Empty(t, notifier.snapshots())
}

func TestSubmit_AsyncWebhookFailureIgnored(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("503")}
	m := NewManager(context.Background(), newFakeRepo(missingPhone("a", 1)), NewMemoryJobStore(), fastConfig(), WithNotifier(notifier))

	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{},
		model.BatchOptions{WebhookURL: "https://hooks.example.com/q"})
	require.NoError(t, err)
	m.Wait()

	final, err := m.Get(context.Background(), job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, final.Status)
	assert.Len(t, notifier.snapshots(), 1)
}

func TestCancel_StopsAtChunkBoundary(t *testing.T) {
	cfg := fastConfig()
	cfg.ChunkSize = 2
	repo := newFakeRepo(manyMissingPhone(6)...)

	gate := make(chan struct{})
	entered := make(chan string, 16)
	repo.onFind = func(id string) {
		entered <- id
		<-gate
	}

	m := NewManager(context.Background(), repo, NewMemoryJobStore(), cfg)
	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, model.BatchOptions{DryRun: true})
	require.NoError(t, err)

	<-entered
	<-entered
	cancelled, err := m.Cancel(context.Background(), "admin-2", job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)

	close(gate)
	m.Wait()

	final, err := m.Get(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, final.Status)
	assert.Equal(t, 2, final.Progress.Processed)
	assert.Equal(t, 33, final.Progress.Percentage)
	assert.Equal(t, *cancelled.CompletedAt, *final.CompletedAt)
}

func TestCancel_PendingJob(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueDelay = time.Hour
	repo := newFakeRepo(missingPhone("a", 1))
	m := NewManager(context.Background(), repo, NewMemoryJobStore(), cfg)

	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, model.BatchOptions{})
	require.NoError(t, err)

	_, err = m.Cancel(context.Background(), "admin-1", job.ID)
	require.NoError(t, err)
	m.Wait()

	final, err := m.Get(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, model.JobCancelled, final.Status)
	assert.Zero(t, final.Progress.Processed)
	assert.Nil(t, final.StartedAt)
	assert.Empty(t, repo.writes)
}

func TestCancel_TerminalJobUnchanged(t *testing.T) {
	m := NewManager(context.Background(), newFakeRepo(missingPhone("a", 1)), NewMemoryJobStore(), fastConfig())
	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, syncOpts(true))
	require.NoError(t, err)

	before, err := m.Get(context.Background(), job.ID, true)
	require.NoError(t, err)

	_, err = m.Cancel(context.Background(), "admin-1", job.ID)
	var rse *model.ResourceStateError
	require.True(t, errors.As(err, &rse))
	assert.Equal(t, model.StateAlreadyFinished, rse.Code)
	assert.Equal(t, model.JobCompleted, rse.Status)

	after, err := m.Get(context.Background(), job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestCancel_Twice(t *testing.T) {
	cfg := fastConfig()
	cfg.QueueDelay = time.Hour
	m := NewManager(context.Background(), newFakeRepo(missingPhone("a", 1)), NewMemoryJobStore(), cfg)
	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, model.BatchOptions{})
	require.NoError(t, err)

	_, err = m.Cancel(context.Background(), "admin-1", job.ID)
	require.NoError(t, err)
	_, err = m.Cancel(context.Background(), "admin-1", job.ID)

	var rse *model.ResourceStateError
	require.True(t, errors.As(err, &rse))
	assert.Equal(t, model.StateAlreadyCancelled, rse.Code)
	m.Wait()
}

func TestCancel_UnknownJob(t *testing.T) {
	m := NewManager(context.Background(), newFakeRepo(), NewMemoryJobStore(), fastConfig())
	_, err := m.Cancel(context.Background(), "admin-1", "batch_0_deadbeef")

	var nf *model.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "job", nf.Resource)
}

func TestAsync_PanicFailsJob(t *testing.T) {
	repo := newFakeRepo(missingPhone("a", 1))
	repo.onFind = func(string) { panic("nil map") }
	m := NewManager(context.Background(), repo, NewMemoryJobStore(), fastConfig())

	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, model.BatchOptions{})
	require.NoError(t, err)
	m.Wait()

	final, err := m.Get(context.Background(), job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, final.Status)
	assert.Contains(t, final.Error, "nil map")
	assert.NotNil(t, final.CompletedAt)
}

func TestAsync_ShutdownFailsRunningJob(t *testing.T) {
	base, stop := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.QueueDelay = time.Hour
	m := NewManager(base, newFakeRepo(missingPhone("a", 1)), NewMemoryJobStore(), cfg)

	job, err := m.Submit(context.Background(), "admin-1", model.BatchCriteria{}, model.BatchOptions{})
	require.NoError(t, err)
	stop()
	m.Wait()

	final, err := m.Get(context.Background(), job.ID, false)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, final.Status)
	assert.Contains(t, final.Error, "interrupted")
}

func TestGet_StripsResultsAndEstimatesRemaining(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	started := now.Add(-10 * time.Second)
	jobs := NewMemoryJobStore()
	require.NoError(t, jobs.Create(context.Background(), &model.BatchJob{
		ID:        "batch_1_aaaaaaaa",
		Status:    model.JobProcessing,
		Progress:  model.JobProgress{Total: 15, Processed: 5, Successful: 5, Percentage: 33},
		Targets:   []model.BatchTarget{{ID: "x"}},
		Results:   &model.JobResults{Successful: []model.SuccessResult{{BusinessID: "x"}}},
		StartedAt: &started,
		CreatedAt: started,
	}))
	m := NewManager(context.Background(), newFakeRepo(), jobs, fastConfig(), WithClock(func() time.Time { return now }))

	job, err := m.Get(context.Background(), "batch_1_aaaaaaaa", false)
	require.NoError(t, err)
	assert.Nil(t, job.Results)
	assert.Nil(t, job.Targets)
	require.NotNil(t, job.EstimatedTimeRemaining)
	assert.Equal(t, 20, *job.EstimatedTimeRemaining)

	full, err := m.Get(context.Background(), "batch_1_aaaaaaaa", true)
	require.NoError(t, err)
	assert.Len(t, full.Results.Successful, 1)
}

func TestList_PurgesAndOrders(t *testing.T) {
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	jobs := NewMemoryJobStore()
	ctx := context.Background()
	for _, j := range []*model.BatchJob{
		{ID: "old-done", Status: model.JobCompleted, CreatedAt: now.Add(-25 * time.Hour)},
		{ID: "old-failed", Status: model.JobFailed, CreatedAt: now.Add(-30 * time.Hour)},
		{ID: "recent-done", Status: model.JobCompleted, CreatedAt: now.Add(-time.Hour),
			Results: &model.JobResults{Successful: []model.SuccessResult{{}, {}}, Failed: []model.FailedResult{{}}}},
		{ID: "running", Status: model.JobProcessing, CreatedAt: now.Add(-time.Minute)},
	} {
		require.NoError(t, jobs.Create(ctx, j))
	}
	m := NewManager(ctx, newFakeRepo(), jobs, fastConfig(), WithClock(func() time.Time { return now }))

	list, err := m.List(ctx, "", 0)
	require.NoError(t, err)
	ids := []string{}
	for _, s := range list {
		ids = append(ids, s.ID)
	}
	assert.Equal(t, []string{"running", "recent-done", "old-failed"}, ids)
	assert.Equal(t, 2, list[1].SuccessfulCount)
	assert.Equal(t, 1, list[1].FailedCount)

	_, err = jobs.Get(ctx, "old-done")
	assert.Error(t, err)

	completed, err := m.List(ctx, model.JobCompleted, 1)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "recent-done", completed[0].ID)

	_, err = m.List(ctx, "paused", 10)
	var verr *model.ValidationError
	assert.True(t, errors.As(err, &verr))
}
