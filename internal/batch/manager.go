// Package batch runs tracked, cancellable batch rescoring jobs.
package batch

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/suburbmates/quality-cli/internal/audit"
	"github.com/suburbmates/quality-cli/internal/metrics"
	"github.com/suburbmates/quality-cli/internal/model"
)

// Repository is the business persistence the manager reads and writes.
type Repository interface {
	FindBusinesses(ctx context.Context, f model.BusinessFilter) ([]model.Business, error)
	// FindBusiness returns nil, nil when the business does not exist.
	FindBusiness(ctx context.Context, id string) (*model.Business, error)
	UpdateQualityScore(ctx context.Context, id string, score int, updatedAt time.Time) error
}

// Notifier delivers job snapshots to a webhook.
type Notifier interface {
	Notify(ctx context.Context, url string, job *model.BatchJob) error
}

// StatsInvalidator drops cached directory stats after scores change.
type StatsInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Config tunes execution.
type Config struct {
	ChunkSize        int
	ChunkPause       time.Duration
	QueueDelay       time.Duration
	MaxTargets       int
	MaxSyncTargets   int
	WebhookEvery     int
	ThroughputPerSec int
	Retention        time.Duration
	EngagementWindow time.Duration
}

// DefaultConfig returns the standard execution parameters.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        10,
		ChunkPause:       100 * time.Millisecond,
		QueueDelay:       100 * time.Millisecond,
		MaxTargets:       5000,
		MaxSyncTargets:   1000,
		WebhookEvery:     50,
		ThroughputPerSec: 10,
		Retention:        24 * time.Hour,
		EngagementWindow: 90 * 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.ChunkPause < 0 {
		c.ChunkPause = 0
	}
	if c.QueueDelay < 0 {
		c.QueueDelay = 0
	}
	if c.MaxTargets <= 0 {
		c.MaxTargets = d.MaxTargets
	}
	if c.MaxSyncTargets <= 0 {
		c.MaxSyncTargets = d.MaxSyncTargets
	}
	if c.WebhookEvery <= 0 {
		c.WebhookEvery = d.WebhookEvery
	}
	if c.ThroughputPerSec <= 0 {
		c.ThroughputPerSec = d.ThroughputPerSec
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.EngagementWindow <= 0 {
		c.EngagementWindow = d.EngagementWindow
	}
	return c
}

// List limits.
const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

// Manager owns the job lifecycle: submission, execution, cancellation and
// listing.
type Manager struct {
	cfg      Config
	repo     Repository
	jobs     JobStore
	notifier Notifier
	stats    StatsInvalidator
	audit    audit.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// base outlives requests; async jobs derive their context from it.
	base context.Context

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier enables webhook delivery.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithStatsInvalidator clears cached stats once a job has written scores.
func WithStatsInvalidator(s StatsInvalidator) Option { return func(m *Manager) { m.stats = s } }

// WithAuditLogger records lifecycle transitions.
func WithAuditLogger(l audit.Logger) Option { return func(m *Manager) { m.audit = l } }

// WithMetrics records job and item counters.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager builds a manager. base bounds the lifetime of async jobs;
// cancelling it interrupts them.
func NewManager(base context.Context, repo Repository, jobs JobStore, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg.withDefaults(),
		repo:    repo,
		jobs:    jobs,
		now:     time.Now,
		base:    base,
		cancels: make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Submit validates the request, resolves its targets worst-first and creates
// a pending job. Sync jobs run to completion before Submit returns; async jobs
// are started in the background and returned while still pending.
func (m *Manager) Submit(ctx context.Context, actor string, criteria model.BatchCriteria, opts model.BatchOptions) (*model.BatchJob, error) {
	if err := m.validate(criteria, opts); err != nil {
		return nil, eris.Wrap(err, "batch: validate")
	}

	limit := criteria.Limit
	if limit <= 0 {
		limit = m.cfg.MaxTargets
	}

	now := m.now().UTC()
	filter := model.FilterFromCriteria(criteria, limit, now.Add(-m.cfg.EngagementWindow))
	businesses, err := m.repo.FindBusinesses(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "batch: resolve targets")
	}
	if len(businesses) == 0 {
		return nil, eris.Wrap(model.ErrNoMatchingBusinesses, "batch: resolve targets")
	}
	if len(businesses) > limit {
		businesses = businesses[:limit]
	}
	if !opts.IsAsync() && len(businesses) > m.cfg.MaxSyncTargets {
		return nil, &model.ResourceStateError{
			Code:    model.StateSyncBatchTooBig,
			Message: fmt.Sprintf("synchronous batches are limited to %d businesses, got %d; submit with async", m.cfg.MaxSyncTargets, len(businesses)),
		}
	}

	estimate := int(math.Ceil(float64(len(businesses)) / float64(m.cfg.ThroughputPerSec)))
	if deadline, ok := ctx.Deadline(); ok && !opts.IsAsync() {
		if left := time.Until(deadline); time.Duration(estimate)*time.Second > left {
			return nil, &model.ResourceStateError{
				Code: model.StateSyncBatchTooBig,
				Message: fmt.Sprintf("synchronous batch of %d businesses needs about %ds but the request allows %ds; submit with async",
					len(businesses), estimate, int(left.Seconds())),
			}
		}
	}

	targets := make([]model.BatchTarget, 0, len(businesses))
	for _, b := range businesses {
		targets = append(targets, model.BatchTarget{ID: b.ID, Name: b.Name, Score: b.QualityScore})
	}

	job := &model.BatchJob{
		ID:                newJobID(now),
		Status:            model.JobPending,
		Progress:          model.JobProgress{Total: len(targets)},
		Criteria:          criteria,
		Options:           opts,
		Targets:           targets,
		Results:           &model.JobResults{Successful: []model.SuccessResult{}, Failed: []model.FailedResult{}},
		CreatedBy:         actor,
		CreatedAt:         now,
		EstimatedDuration: estimate,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, eris.Wrap(err, "batch: store job")
	}

	mode := "async"
	if !opts.IsAsync() {
		mode = "sync"
	}
	m.metrics.JobSubmitted(mode)
	audit.Record(ctx, m.audit, audit.Event{
		Type:     audit.EventBatchSubmit,
		TargetID: job.ID,
		ActorID:  actor,
		Metadata: map[string]any{
			"targets": len(targets),
			"mode":    mode,
			"dryRun":  opts.DryRun,
		},
	})
	zap.L().Info("batch: job submitted",
		zap.String("job_id", job.ID),
		zap.String("mode", mode),
		zap.Int("targets", len(targets)),
		zap.Bool("dry_run", opts.DryRun),
	)

	if !opts.IsAsync() {
		runCtx, cancel := context.WithCancel(ctx)
		m.register(job.ID, cancel)
		m.execute(runCtx, job.ID, false)
		done, err := m.Get(context.WithoutCancel(ctx), job.ID, true)
		if err != nil {
			return nil, err
		}
		done.Targets = nil
		return done, nil
	}

	runCtx, cancel := context.WithCancel(m.base)
	m.register(job.ID, cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runAsync(runCtx, job.ID)
	}()

	desc := job.Clone()
	desc.Targets = nil
	desc.Results = nil
	return desc, nil
}

// Get returns a snapshot of the job. Targets and results are omitted unless
// includeResults is set. Processing jobs carry an extrapolated
// EstimatedTimeRemaining.
func (m *Manager) Get(ctx context.Context, id string, includeResults bool) (*model.BatchJob, error) {
	job, err := m.jobs.Get(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: get job %s", id)
	}
	if !includeResults {
		job.Results = nil
		job.Targets = nil
	}
	if job.Status == model.JobProcessing && job.StartedAt != nil && job.Progress.Processed > 0 {
		elapsed := m.now().Sub(*job.StartedAt).Seconds()
		remaining := job.Progress.Total - job.Progress.Processed
		eta := int(math.Ceil(elapsed / float64(job.Progress.Processed) * float64(remaining)))
		job.EstimatedTimeRemaining = &eta
	}
	return job, nil
}

// Cancel moves a pending or processing job to cancelled and signals its
// worker. Terminal jobs are left untouched and reported with a
// *model.ResourceStateError.
func (m *Manager) Cancel(ctx context.Context, actor, id string) (*model.BatchJob, error) {
	now := m.now().UTC()
	job, err := m.jobs.Update(ctx, id, func(j *model.BatchJob) error {
		switch j.Status {
		case model.JobCancelled:
			return &model.ResourceStateError{Code: model.StateAlreadyCancelled, Message: "job already cancelled", Status: j.Status}
		case model.JobCompleted, model.JobFailed:
			return &model.ResourceStateError{Code: model.StateAlreadyFinished, Message: "job already finished", Status: j.Status}
		}
		if !j.Transition(model.JobCancelled, now) {
			return &model.ResourceStateError{Code: model.StateIllegalTransition, Message: "job cannot be cancelled", Status: j.Status}
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "batch: cancel job %s", id)
	}

	m.fire(id)
	m.metrics.JobFinished(string(model.JobCancelled), runSeconds(job))
	audit.Record(ctx, m.audit, audit.Event{
		Type:     audit.EventBatchCancel,
		TargetID: id,
		ActorID:  actor,
		Metadata: map[string]any{"processed": job.Progress.Processed, "total": job.Progress.Total},
	})
	zap.L().Info("batch: job cancelled", zap.String("job_id", id), zap.String("actor", actor))

	job.Results = nil
	job.Targets = nil
	return job, nil
}

// List returns job summaries newest first, after purging completed jobs past
// the retention window.
func (m *Manager) List(ctx context.Context, status model.JobStatus, limit int) ([]model.JobSummary, error) {
	if status != "" && !status.Valid() {
		verr := &model.ValidationError{}
		verr.Add("status", "unknown job status %q", status)
		return nil, eris.Wrap(verr, "batch: list jobs")
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	purged, err := m.jobs.PurgeCompleted(ctx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		zap.L().Warn("batch: purge completed jobs failed", zap.Error(err))
	} else if purged > 0 {
		zap.L().Debug("batch: purged completed jobs", zap.Int("count", purged))
	}

	jobs, err := m.jobs.List(ctx, ListFilter{Status: status, Limit: limit})
	if err != nil {
		return nil, eris.Wrap(err, "batch: list jobs")
	}
	out := make([]model.JobSummary, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Summary())
	}
	return out, nil
}

// Wait blocks until every background job has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) validate(c model.BatchCriteria, o model.BatchOptions) error {
	verr := &model.ValidationError{}
	if c.Limit < 0 || c.Limit > m.cfg.MaxTargets {
		verr.Add("limit", "must be between 1 and %d", m.cfg.MaxTargets)
	}
	if c.MinScore != nil && (*c.MinScore < 0 || *c.MinScore > 100) {
		verr.Add("minScore", "must be between 0 and 100")
	}
	if c.MaxScore != nil && (*c.MaxScore < 0 || *c.MaxScore > 100) {
		verr.Add("maxScore", "must be between 0 and 100")
	}
	if c.MinScore != nil && c.MaxScore != nil && *c.MinScore > *c.MaxScore {
		verr.Add("minScore", "must not exceed maxScore")
	}
	if c.ABNStatus != "" && !c.ABNStatus.Valid() {
		verr.Add("abnStatus", "unknown ABN status %q", c.ABNStatus)
	}
	if c.ApprovalStatus != "" && !c.ApprovalStatus.Valid() {
		verr.Add("approvalStatus", "unknown approval status %q", c.ApprovalStatus)
	}
	if len(c.BusinessIDs) > m.cfg.MaxTargets {
		verr.Add("businessIds", "at most %d ids allowed", m.cfg.MaxTargets)
	}
	for _, id := range c.BusinessIDs {
		if strings.TrimSpace(id) == "" {
			verr.Add("businessIds", "ids must not be blank")
			break
		}
	}
	if o.WebhookURL != "" {
		u, err := url.Parse(o.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			verr.Add("webhookUrl", "must be an absolute http(s) URL")
		}
	}
	return verr.OrNil()
}

func (m *Manager) register(id string, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[id] = cancel
}

// fire cancels the job's context and forgets it.
func (m *Manager) fire(id string) {
	m.mu.Lock()
	cancel, ok := m.cancels[id]
	delete(m.cancels, id)
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func newJobID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("batch_%d_%s", now.UnixMilli(), suffix)
}

func runSeconds(j *model.BatchJob) float64 {
	if j == nil || j.StartedAt == nil || j.CompletedAt == nil {
		return -1
	}
	return j.CompletedAt.Sub(*j.StartedAt).Seconds()
}
