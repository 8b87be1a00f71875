package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/suburbmates/quality-cli/internal/audit"
	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/scorer"
)

// NotFoundDuringProcessing is recorded when a target vanished after the job
// was created.
const NotFoundDuringProcessing = "Business not found during processing"

// runAsync waits out the queue delay and runs the job in chunks. Panics and
// store failures fail the job instead of crashing the process.
func (m *Manager) runAsync(ctx context.Context, id string) {
	defer m.fire(id)
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("batch: job panicked", zap.String("job_id", id), zap.Any("panic", r))
			m.finish(ctx, id, true, eris.Errorf("batch: panic: %v", r))
		}
	}()

	select {
	case <-time.After(m.cfg.QueueDelay):
	case <-ctx.Done():
		m.finish(ctx, id, true, eris.Wrap(context.Cause(ctx), "batch: interrupted before start"))
		return
	}

	m.execute(ctx, id, true)
}

// execute moves the job to processing, works through its targets and records
// the terminal status. Sync jobs run one target at a time; async jobs run
// chunks concurrently with a pause between them.
func (m *Manager) execute(ctx context.Context, id string, async bool) {
	defer m.fire(id)
	store := context.WithoutCancel(ctx)

	job, err := m.jobs.Update(store, id, func(j *model.BatchJob) error {
		if !j.Transition(model.JobProcessing, m.now().UTC()) {
			return &model.ResourceStateError{Code: model.StateIllegalTransition, Message: "job cannot start", Status: j.Status}
		}
		return nil
	})
	if err != nil {
		// Cancelled while queued; nothing to run.
		zap.L().Info("batch: job not started", zap.String("job_id", id), zap.Error(err))
		return
	}

	audit.Record(store, m.audit, audit.Event{Type: audit.EventBatchStart, TargetID: id, ActorID: job.CreatedBy})
	zap.L().Info("batch: job started", zap.String("job_id", id), zap.Int("targets", len(job.Targets)))

	if async {
		err = m.runChunks(ctx, job)
	} else {
		err = m.runSequential(ctx, job)
	}
	m.finish(ctx, id, async, err)
}

func (m *Manager) runSequential(ctx context.Context, job *model.BatchJob) error {
	items := context.WithoutCancel(ctx)
	for _, t := range job.Targets {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := m.processOne(items, job.ID, t, job.Options); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) runChunks(ctx context.Context, job *model.BatchJob) error {
	items := context.WithoutCancel(ctx)
	targets := job.Targets
	for start := 0; start < len(targets); start += m.cfg.ChunkSize {
		if start > 0 && m.cfg.ChunkPause > 0 {
			select {
			case <-time.After(m.cfg.ChunkPause):
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			return nil
		}

		end := min(start+m.cfg.ChunkSize, len(targets))
		var g errgroup.Group
		for _, t := range targets[start:end] {
			g.Go(func() (err error) {
				defer func() {
					if r := recover(); r != nil {
						err = eris.Errorf("batch: panic processing %s: %v", t.ID, r)
					}
				}()
				snap, err := m.processOne(items, job.ID, t, job.Options)
				if err != nil {
					return err
				}
				if snap.Progress.Processed%m.cfg.WebhookEvery == 0 {
					m.notify(items, snap)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// processOne rescores a single target and records the outcome on the job.
// Only job store failures are returned; business-level failures become
// FailedResult entries.
func (m *Manager) processOne(ctx context.Context, jobID string, t model.BatchTarget, opts model.BatchOptions) (*model.BatchJob, error) {
	var (
		ok     *model.SuccessResult
		failed *model.FailedResult
	)

	b, err := m.repo.FindBusiness(ctx, t.ID)
	switch {
	case err != nil:
		failed = &model.FailedResult{BusinessID: t.ID, BusinessName: t.Name, Error: err.Error()}
	case b == nil:
		failed = &model.FailedResult{BusinessID: t.ID, BusinessName: t.Name, Error: NotFoundDuringProcessing}
	default:
		prev := b.QualityScore
		next := scorer.Rescore(prev, scorer.Score(b))
		if !opts.DryRun {
			if err := m.repo.UpdateQualityScore(ctx, b.ID, next, m.now().UTC()); err != nil {
				failed = &model.FailedResult{BusinessID: b.ID, BusinessName: b.Name, Error: err.Error()}
			}
		}
		if failed == nil {
			ok = &model.SuccessResult{
				BusinessID:    b.ID,
				BusinessName:  b.Name,
				PreviousScore: prev,
				NewScore:      next,
				ScoreChange:   next - prev,
			}
		}
	}

	if failed != nil {
		zap.L().Warn("batch: item failed",
			zap.String("job_id", jobID),
			zap.String("business_id", t.ID),
			zap.String("error", failed.Error),
		)
	}
	m.metrics.ItemProcessed(failed == nil)

	snap, err := m.jobs.Update(ctx, jobID, func(j *model.BatchJob) error {
		if j.Results == nil {
			j.Results = &model.JobResults{}
		}
		if ok != nil {
			j.Results.Successful = append(j.Results.Successful, *ok)
			j.Progress.RecordSuccess()
		} else {
			j.Results.Failed = append(j.Results.Failed, *failed)
			j.Progress.RecordFailure()
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "batch: record progress for %s", t.ID)
	}
	return snap, nil
}

// finish records the terminal status. A job already cancelled keeps that
// status. cause, when set, fails the job; an interrupted context that was not
// a cancellation also fails it.
func (m *Manager) finish(ctx context.Context, id string, async bool, cause error) {
	store := context.WithoutCancel(ctx)
	if cause == nil && ctx.Err() != nil {
		cause = eris.Wrap(context.Cause(ctx), "batch: interrupted")
	}

	var changed bool
	job, err := m.jobs.Update(store, id, func(j *model.BatchJob) error {
		if j.Status.IsTerminal() {
			return nil
		}
		to := model.JobCompleted
		switch {
		case cause != nil:
			to = model.JobFailed
			j.Error = cause.Error()
		case j.Options.RollbackOnError && j.Progress.Failed > 0:
			// Label only: scores already written stay written.
			to = model.JobFailed
			j.Error = fmt.Sprintf("%d of %d businesses failed", j.Progress.Failed, j.Progress.Total)
		}
		if j.Status == model.JobPending {
			j.Transition(model.JobProcessing, m.now().UTC())
		}
		changed = j.Transition(to, m.now().UTC())
		return nil
	})
	if err != nil {
		zap.L().Error("batch: could not record terminal status", zap.String("job_id", id), zap.Error(err))
		return
	}

	if changed {
		m.metrics.JobFinished(string(job.Status), runSeconds(job))
		audit.Record(store, m.audit, audit.Event{
			Type:     audit.EventBatchComplete,
			TargetID: id,
			ActorID:  job.CreatedBy,
			Metadata: map[string]any{
				"status":     string(job.Status),
				"successful": job.Progress.Successful,
				"failed":     job.Progress.Failed,
			},
		})
		fields := []zap.Field{
			zap.String("job_id", id),
			zap.String("status", string(job.Status)),
			zap.Int("processed", job.Progress.Processed),
			zap.Int("failed", job.Progress.Failed),
		}
		if cause != nil {
			zap.L().Error("batch: job failed", append(fields, zap.Error(cause))...)
		} else {
			zap.L().Info("batch: job finished", fields...)
		}
	}

	if m.stats != nil && job != nil && !job.Options.DryRun && job.Progress.Successful > 0 {
		if err := m.stats.Invalidate(store); err != nil {
			zap.L().Warn("batch: stats invalidation failed", zap.String("job_id", id), zap.Error(err))
		}
	}

	if async {
		m.notify(store, job)
	}
}

// notify posts the snapshot to the job's webhook. Failures are logged only.
func (m *Manager) notify(ctx context.Context, job *model.BatchJob) {
	if m.notifier == nil || job == nil || job.Options.WebhookURL == "" {
		return
	}
	snap := job.Clone()
	snap.Targets = nil
	if err := m.notifier.Notify(ctx, job.Options.WebhookURL, snap); err != nil {
		zap.L().Warn("batch: webhook delivery failed",
			zap.String("job_id", job.ID),
			zap.Int("processed", job.Progress.Processed),
			zap.Error(err),
		)
	}
}
