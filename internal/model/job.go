package model

import (
	"math"
	"time"
)

// JobStatus represents the lifecycle state of a batch rescoring job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if no further state transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// CanTransitionTo reports whether the job state machine allows s -> to.
// pending -> processing|cancelled, processing -> completed|failed|cancelled.
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobProcessing || to == JobCancelled
	case JobProcessing:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}

// BatchCriteria selects the businesses a batch job rescores.
type BatchCriteria struct {
	BusinessIDs    []string       `json:"businessIds,omitempty"`
	MinScore       *int           `json:"minScore,omitempty"`
	MaxScore       *int           `json:"maxScore,omitempty"`
	Category       string         `json:"category,omitempty"`
	Suburb         string         `json:"suburb,omitempty"`
	ABNStatus      ABNStatus      `json:"abnStatus,omitempty"`
	ApprovalStatus ApprovalStatus `json:"approvalStatus,omitempty"`
	Limit          int            `json:"limit,omitempty"`
}

// BatchOptions controls how a batch job executes.
type BatchOptions struct {
	Async           *bool  `json:"async,omitempty"` // nil means async
	WebhookURL      string `json:"webhookUrl,omitempty"`
	RollbackOnError bool   `json:"rollbackOnError,omitempty"`
	DryRun          bool   `json:"dryRun,omitempty"`
}

// IsAsync returns the effective async flag (default true).
func (o BatchOptions) IsAsync() bool {
	return o.Async == nil || *o.Async
}

// JobProgress tracks how far a job has come through its targets.
type JobProgress struct {
	Total      int `json:"total"`
	Processed  int `json:"processed"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Percentage int `json:"percentage"`
}

// Recalculate refreshes Percentage from Processed and Total.
func (p *JobProgress) Recalculate() {
	if p.Total <= 0 {
		p.Percentage = 0
		return
	}
	p.Percentage = int(math.Round(float64(p.Processed) / float64(p.Total) * 100))
}

// RecordSuccess counts one successfully rescored business.
func (p *JobProgress) RecordSuccess() {
	p.Processed++
	p.Successful++
	p.Recalculate()
}

// RecordFailure counts one business that could not be rescored.
func (p *JobProgress) RecordFailure() {
	p.Processed++
	p.Failed++
	p.Recalculate()
}

// SuccessResult records a rescored business.
type SuccessResult struct {
	BusinessID    string `json:"businessId"`
	BusinessName  string `json:"businessName"`
	PreviousScore int    `json:"previousScore"`
	NewScore      int    `json:"newScore"`
	ScoreChange   int    `json:"scoreChange"`
}

// FailedResult records a business whose rescoring failed.
type FailedResult struct {
	BusinessID   string `json:"businessId"`
	BusinessName string `json:"businessName"`
	Error        string `json:"error"`
}

// JobResults holds per-business outcomes in processing order.
type JobResults struct {
	Successful []SuccessResult `json:"successful"`
	Failed     []FailedResult  `json:"failed"`
}

// BatchTarget is a business selected for a job at creation time.
type BatchTarget struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// BatchJob is a tracked, cancellable batch rescoring run.
type BatchJob struct {
	ID                     string        `json:"id"`
	Status                 JobStatus     `json:"status"`
	Progress               JobProgress   `json:"progress"`
	Criteria               BatchCriteria `json:"criteria"`
	Options                BatchOptions  `json:"options"`
	Targets                []BatchTarget `json:"targets,omitempty"`
	Results                *JobResults   `json:"results,omitempty"`
	CreatedBy              string        `json:"createdBy"`
	CreatedAt              time.Time     `json:"createdAt"`
	StartedAt              *time.Time    `json:"startedAt,omitempty"`
	CompletedAt            *time.Time    `json:"completedAt,omitempty"`
	EstimatedDuration      int           `json:"estimatedDuration"` // seconds
	EstimatedTimeRemaining *int          `json:"estimatedTimeRemaining,omitempty"`
	Error                  string        `json:"error,omitempty"`
}

// Clone returns a deep copy so callers never share mutable slices with a store.
func (j *BatchJob) Clone() *BatchJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Criteria.BusinessIDs = append([]string(nil), j.Criteria.BusinessIDs...)
	c.Targets = append([]BatchTarget(nil), j.Targets...)
	if j.Results != nil {
		c.Results = &JobResults{
			Successful: append([]SuccessResult(nil), j.Results.Successful...),
			Failed:     append([]FailedResult(nil), j.Results.Failed...),
		}
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.EstimatedTimeRemaining != nil {
		v := *j.EstimatedTimeRemaining
		c.EstimatedTimeRemaining = &v
	}
	return &c
}

// Transition moves the job to status `to`, stamping StartedAt on processing and
// CompletedAt on any terminal state. It returns false when the move is illegal.
func (j *BatchJob) Transition(to JobStatus, now time.Time) bool {
	if !j.Status.CanTransitionTo(to) {
		return false
	}
	j.Status = to
	if to == JobProcessing && j.StartedAt == nil {
		t := now
		j.StartedAt = &t
	}
	if to.IsTerminal() && j.CompletedAt == nil {
		t := now
		j.CompletedAt = &t
	}
	return true
}

// JobSummary is the list view of a job: results collapse to counts.
type JobSummary struct {
	ID                string        `json:"id"`
	Status            JobStatus     `json:"status"`
	Progress          JobProgress   `json:"progress"`
	Criteria          BatchCriteria `json:"criteria"`
	DryRun            bool          `json:"dryRun"`
	CreatedBy         string        `json:"createdBy"`
	CreatedAt         time.Time     `json:"createdAt"`
	StartedAt         *time.Time    `json:"startedAt,omitempty"`
	CompletedAt       *time.Time    `json:"completedAt,omitempty"`
	EstimatedDuration int           `json:"estimatedDuration"`
	SuccessfulCount   int           `json:"successfulCount"`
	FailedCount       int           `json:"failedCount"`
}

// Summary collapses the job into its list view.
func (j *BatchJob) Summary() JobSummary {
	s := JobSummary{
		ID:                j.ID,
		Status:            j.Status,
		Progress:          j.Progress,
		Criteria:          j.Criteria,
		DryRun:            j.Options.DryRun,
		CreatedBy:         j.CreatedBy,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
		EstimatedDuration: j.EstimatedDuration,
	}
	if j.Results != nil {
		s.SuccessfulCount = len(j.Results.Successful)
		s.FailedCount = len(j.Results.Failed)
	}
	return s
}
