package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/suburbmates/quality-cli/internal/model"
)

type scoreWrite struct {
	ID    string
	Score int
}

type fakeRepo struct {
	mu         sync.Mutex
	businesses map[string]model.Business
	vanished   map[string]bool
	findErr    map[string]error
	updateErr  map[string]error
	writes     []scoreWrite
	onFind     func(id string)
	lastFilter model.BusinessFilter
}

func newFakeRepo(bs ...model.Business) *fakeRepo {
	r := &fakeRepo{
		businesses: make(map[string]model.Business),
		vanished:   make(map[string]bool),
		findErr:    make(map[string]error),
		updateErr:  make(map[string]error),
	}
	for _, b := range bs {
		r.businesses[b.ID] = b
	}
	return r
}

func (r *fakeRepo) FindBusinesses(_ context.Context, f model.BusinessFilter) ([]model.Business, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFilter = f

	ids := map[string]bool{}
	for _, id := range f.IDs {
		ids[id] = true
	}
	var out []model.Business
	for _, b := range r.businesses {
		if len(ids) > 0 && !ids[b.ID] {
			continue
		}
		if f.ApprovalStatus != "" && b.ApprovalStatus != f.ApprovalStatus {
			continue
		}
		if f.MinScore != nil && b.QualityScore < *f.MinScore {
			continue
		}
		if f.MaxScore != nil && b.QualityScore > *f.MaxScore {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore < out[j].QualityScore
		}
		return out[i].ID < out[j].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *fakeRepo) FindBusiness(_ context.Context, id string) (*model.Business, error) {
	if r.onFind != nil {
		r.onFind(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.findErr[id]; err != nil {
		return nil, err
	}
	if r.vanished[id] {
		return nil, nil
	}
	b, ok := r.businesses[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (r *fakeRepo) UpdateQualityScore(_ context.Context, id string, score int, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.updateErr[id]; err != nil {
		return err
	}
	b := r.businesses[id]
	b.QualityScore = score
	b.UpdatedAt = &at
	r.businesses[id] = b
	r.writes = append(r.writes, scoreWrite{ID: id, Score: score})
	return nil
}

func (r *fakeRepo) score(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.businesses[id].QualityScore
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []model.BatchJob
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, _ string, job *model.BatchJob) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, *job.Clone())
	return n.err
}

func (n *fakeNotifier) snapshots() []model.BatchJob {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.BatchJob(nil), n.calls...)
}

type fakeInvalidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeInvalidator) Invalidate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeInvalidator) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// missingPhone builds an approved business complete except for its phone.
func missingPhone(id string, score int) model.Business {
	lat, lng := -37.8, 144.9
	return model.Business{
		ID:                id,
		Name:              "Business " + id,
		Bio:               "A long enough description of the business for the directory listing.",
		Email:             id + "@example.com",
		Website:           "https://" + id + ".example.com",
		Address:           "1 High St",
		Latitude:          &lat,
		Longitude:         &lng,
		ABNStatus:         model.ABNVerified,
		ShowBusinessHours: true,
		GalleryImages:     `["a.jpg"]`,
		RecentLeads:       1,
		ApprovalStatus:    model.ApprovalApproved,
		QualityScore:      score,
	}
}

func manyMissingPhone(n int) []model.Business {
	out := make([]model.Business, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, missingPhone(fmt.Sprintf("b%03d", i), i%90))
	}
	return out
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.QueueDelay = time.Millisecond
	cfg.ChunkPause = time.Millisecond
	return cfg
}

func intp(v int) *int    { return &v }
func boolp(v bool) *bool { return &v }
