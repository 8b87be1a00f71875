package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/suburbmates/quality-cli/internal/model"
)

// ListFilter narrows JobStore.List.
type ListFilter struct {
	Status model.JobStatus
	Limit  int
}

// JobStore persists batch jobs. Implementations must apply Update atomically
// with respect to other Updates on the same job.
type JobStore interface {
	Create(ctx context.Context, job *model.BatchJob) error
	// Get returns a copy of the job or a *model.NotFoundError.
	Get(ctx context.Context, id string) (*model.BatchJob, error)
	// Update runs fn against the current job under the store's lock and saves
	// the result. If fn returns an error nothing is saved.
	Update(ctx context.Context, id string, fn func(*model.BatchJob) error) (*model.BatchJob, error)
	// List returns jobs newest first.
	List(ctx context.Context, f ListFilter) ([]*model.BatchJob, error)
	// PurgeCompleted drops completed jobs created before cutoff.
	PurgeCompleted(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryJobStore keeps jobs in a mutex-guarded map.
type MemoryJobStore struct {
	mu   sync.Mutex
	jobs map[string]*model.BatchJob
}

// NewMemoryJobStore returns an empty store.
func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: make(map[string]*model.BatchJob)}
}

// Create implements JobStore.
func (s *MemoryJobStore) Create(_ context.Context, job *model.BatchJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return eris.Errorf("batch: job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

// Get implements JobStore.
func (s *MemoryJobStore) Get(_ context.Context, id string) (*model.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, &model.NotFoundError{Resource: "job", ID: id}
	}
	return j.Clone(), nil
}

// Update implements JobStore.
func (s *MemoryJobStore) Update(_ context.Context, id string, fn func(*model.BatchJob) error) (*model.BatchJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, &model.NotFoundError{Resource: "job", ID: id}
	}
	next := j.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return next.Clone(), nil
}

// List implements JobStore.
func (s *MemoryJobStore) List(_ context.Context, f ListFilter) ([]*model.BatchJob, error) {
	s.mu.Lock()
	out := make([]*model.BatchJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// PurgeCompleted implements JobStore.
func (s *MemoryJobStore) PurgeCompleted(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if expired(j, cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// expired reports whether a completed job was created before cutoff.
func expired(j *model.BatchJob, cutoff time.Time) bool {
	return j.Status == model.JobCompleted && j.CreatedAt.Before(cutoff)
}
