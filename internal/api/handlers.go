package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/suburbmates/quality-cli/internal/audit"
	"github.com/suburbmates/quality-cli/internal/auth"
	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/scorer"
)

type dataResponse struct {
	Data any `json:"data"`
}

type statsResponse struct {
	Source string `json:"source"`
	Data   any    `json:"data"`
}

type submitRequest struct {
	Criteria model.BatchCriteria `json:"criteria"`
	Options  model.BatchOptions  `json:"options"`
}

// businessQuality is the single-business view.
type businessQuality struct {
	Analysis        scorer.Analysis `json:"analysis"`
	CalculatedScore int             `json:"calculatedScore"`
	ProjectedScore  int             `json:"projectedScore"`
}

func actor(r *http.Request) string {
	if u := auth.UserFrom(r.Context()); u != nil {
		return u.ID
	}
	return ""
}

func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		verr := &model.ValidationError{}
		verr.Add("body", "invalid JSON: %v", err)
		writeError(w, r, verr)
		return
	}

	job, err := s.batch.Submit(r.Context(), actor(r), req.Criteria, req.Options)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if req.Options.IsAsync() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, dataResponse{Data: job})
}

func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	verr := &model.ValidationError{}
	limit := intParam(q.Get("limit"), "limit", verr)
	if err := verr.OrNil(); err != nil {
		writeError(w, r, err)
		return
	}
	status := model.JobStatus(q.Get("status"))

	jobs, err := s.batch.List(r.Context(), status, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Record(r.Context(), s.audit, audit.Event{
		Type:     audit.EventBatchList,
		ActorID:  actor(r),
		Metadata: map[string]any{"status": string(status), "count": len(jobs)},
	})
	writeJSON(w, http.StatusOK, dataResponse{Data: jobs})
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	include := boolParam(r.URL.Query().Get("includeResults"))

	job, err := s.batch.Get(r.Context(), id, include)
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Record(r.Context(), s.audit, audit.Event{
		Type:     audit.EventBatchRead,
		TargetID: id,
		ActorID:  actor(r),
		Metadata: map[string]any{"status": string(job.Status), "includeResults": include},
	})
	writeJSON(w, http.StatusOK, dataResponse{Data: job})
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	job, err := s.batch.Cancel(r.Context(), actor(r), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: job})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	refresh := boolParam(r.URL.Query().Get("refresh"))
	st, source, err := s.stats.Get(r.Context(), refresh)
	if err != nil {
		writeError(w, r, err)
		return
	}
	audit.Record(r.Context(), s.audit, audit.Event{
		Type:     audit.EventStatsRead,
		ActorID:  actor(r),
		Metadata: map[string]any{"source": string(source), "refresh": refresh},
	})
	writeJSON(w, http.StatusOK, statsResponse{Source: string(source), Data: st})
}

func (s *Server) handleLowQuality(w http.ResponseWriter, r *http.Request) {
	q, err := parseLowQuality(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q = q.WithDefaults()

	now := s.now().UTC()
	businesses, err := s.finder.FindBusinesses(r.Context(), model.BusinessFilter{
		MinScore:        q.MinScore,
		MaxScore:        q.MaxScore,
		Category:        q.Category,
		Suburb:          q.Suburb,
		ABNStatus:       q.ABNStatus,
		ApprovalStatus:  model.ApprovalApproved,
		EngagementSince: now.Add(-s.cfg.EngagementWindow),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	page := scorer.ListLowQuality(businesses, q, now)
	audit.Record(r.Context(), s.audit, audit.Event{
		Type:    audit.EventLowRead,
		ActorID: actor(r),
		Metadata: map[string]any{
			"total":  page.Pagination.Total,
			"page":   q.Page,
			"sortBy": string(q.SortBy),
		},
	})
	writeJSON(w, http.StatusOK, dataResponse{Data: page})
}

func (s *Server) handleBusinessQuality(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	b, err := s.finder.FindBusiness(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if b == nil {
		writeError(w, r, &model.NotFoundError{Resource: "business", ID: id})
		return
	}

	result := scorer.Score(b)
	resp := businessQuality{
		Analysis:        scorer.Analyze(b, s.now().UTC(), scorer.ListingHighThreshold),
		CalculatedScore: result.QualityScore,
		ProjectedScore:  scorer.Rescore(b.QualityScore, result),
	}
	audit.Record(r.Context(), s.audit, audit.Event{
		Type:     audit.EventBusinessRead,
		TargetID: id,
		ActorID:  actor(r),
		Metadata: map[string]any{"qualityScore": b.QualityScore},
	})
	writeJSON(w, http.StatusOK, dataResponse{Data: resp})
}

func parseLowQuality(r *http.Request) (scorer.LowQualityQuery, error) {
	v := r.URL.Query()
	verr := &model.ValidationError{}
	q := scorer.LowQualityQuery{
		MinScore:     optionalInt(v.Get("minScore"), "minScore", verr),
		MaxScore:     optionalInt(v.Get("maxScore"), "maxScore", verr),
		Suburb:       strings.TrimSpace(v.Get("suburb")),
		Category:     strings.TrimSpace(v.Get("category")),
		ABNStatus:    model.ABNStatus(v.Get("abnStatus")),
		SortBy:       scorer.SortField(v.Get("sortBy")),
		SortOrder:    scorer.SortOrder(v.Get("sortOrder")),
		Page:         intParam(v.Get("page"), "page", verr),
		Limit:        intParam(v.Get("limit"), "limit", verr),
		IncludeStats: boolParam(v.Get("stats")),
	}
	if err := verr.OrNil(); err != nil {
		return q, err
	}
	return q, q.Validate()
}

func intParam(raw, field string, verr *model.ValidationError) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		verr.Add(field, "must be an integer")
		return 0
	}
	return n
}

func optionalInt(raw, field string, verr *model.ValidationError) *int {
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		verr.Add(field, "must be an integer")
		return nil
	}
	return &n
}

func boolParam(raw string) bool {
	b, _ := strconv.ParseBool(raw)
	return b
}
