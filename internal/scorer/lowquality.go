package scorer

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/suburbmates/quality-cli/internal/model"
)

// Low-quality listing defaults.
const (
	DefaultLowQualityMax = ListingHighThreshold - 1
	DefaultPageSize      = 20
	MaxPageSize          = 100
	staleAfterDays       = 90
)

// SortField selects the low-quality listing order.
type SortField string

const (
	SortByScore       SortField = "score"
	SortByPriority    SortField = "priority"
	SortByLastUpdated SortField = "lastUpdated"
	SortByPotential   SortField = "potential"
	SortByName        SortField = "name"
)

// Valid reports whether f is a known sort field.
func (f SortField) Valid() bool {
	switch f {
	case SortByScore, SortByPriority, SortByLastUpdated, SortByPotential, SortByName:
		return true
	}
	return false
}

// SortOrder is asc or desc.
type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

// LowQualityQuery filters, sorts and pages the low-quality view.
type LowQualityQuery struct {
	MinScore     *int
	MaxScore     *int
	Suburb       string
	Category     string
	ABNStatus    model.ABNStatus
	SortBy       SortField
	SortOrder    SortOrder
	Page         int
	Limit        int
	IncludeStats bool
}

// Validate checks user-supplied values. Zero values are accepted and later
// replaced by defaults.
func (q LowQualityQuery) Validate() error {
	verr := &model.ValidationError{}
	if q.MinScore != nil && (*q.MinScore < 0 || *q.MinScore > MaxScore) {
		verr.Add("minScore", "must be between 0 and %d", MaxScore)
	}
	if q.MaxScore != nil && (*q.MaxScore < 0 || *q.MaxScore > MaxScore) {
		verr.Add("maxScore", "must be between 0 and %d", MaxScore)
	}
	switch {
	case q.MinScore != nil && q.MaxScore != nil && *q.MinScore > *q.MaxScore:
		verr.Add("minScore", "must not exceed maxScore")
	case q.MinScore != nil && q.MaxScore == nil && *q.MinScore > DefaultLowQualityMax:
		verr.Add("minScore", "must not exceed the default maxScore %d; set maxScore explicitly", DefaultLowQualityMax)
	}
	if q.ABNStatus != "" && !q.ABNStatus.Valid() {
		verr.Add("abnStatus", "unknown ABN status %q", q.ABNStatus)
	}
	if q.SortBy != "" && !q.SortBy.Valid() {
		verr.Add("sortBy", "unknown sort field %q", q.SortBy)
	}
	if q.SortOrder != "" && q.SortOrder != SortAsc && q.SortOrder != SortDesc {
		verr.Add("sortOrder", "must be asc or desc")
	}
	if q.Page < 0 {
		verr.Add("page", "must be >= 1")
	}
	if q.Limit < 0 || q.Limit > MaxPageSize {
		verr.Add("limit", "must be between 1 and %d", MaxPageSize)
	}
	return verr.OrNil()
}

// WithDefaults fills zero values and clamps the page size.
func (q LowQualityQuery) WithDefaults() LowQualityQuery {
	if q.MaxScore == nil {
		v := DefaultLowQualityMax
		q.MaxScore = &v
	}
	if q.SortBy == "" {
		q.SortBy = SortByPriority
	}
	if q.SortOrder == "" {
		q.SortOrder = SortDesc
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageSize
	}
	q.Limit = min(q.Limit, MaxPageSize)
	return q
}

// Pagination describes one page of an offset-paged listing.
type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	Total      int  `json:"total"`
	TotalPages int  `json:"totalPages"`
	HasNext    bool `json:"hasNext"`
	HasPrev    bool `json:"hasPrev"`
}

// LowQualityStats aggregates the whole filtered set, not just one page.
type LowQualityStats struct {
	Total                  int                  `json:"total"`
	AverageScore           float64              `json:"averageScore"`
	ByLevel                map[QualityLevel]int `json:"byLevel"`
	TotalPotentialIncrease int                  `json:"totalPotentialIncrease"`
	AveragePriority        float64              `json:"averagePriority"`
	StaleCount             int                  `json:"staleCount"`
	NoEngagementCount      int                  `json:"noEngagementCount"`
	UnverifiedABNCount     int                  `json:"unverifiedAbnCount"`
}

// LowQualityPage is the response of ListLowQuality.
type LowQualityPage struct {
	Businesses []Analysis       `json:"businesses"`
	Pagination Pagination       `json:"pagination"`
	Stats      *LowQualityStats `json:"stats,omitempty"`
}

// ListLowQuality filters approved businesses by q, analyzes them, sorts and
// pages the result. Callers typically pre-filter in the repository; the
// filters are re-applied here so the function is correct on any input.
func ListLowQuality(businesses []model.Business, q LowQualityQuery, now time.Time) LowQualityPage {
	q = q.WithDefaults()

	rows := make([]Analysis, 0, len(businesses))
	for i := range businesses {
		b := &businesses[i]
		if !matchesLowQuality(b, q) {
			continue
		}
		rows = append(rows, Analyze(b, now, ListingHighThreshold))
	}

	sortAnalyses(rows, q.SortBy, q.SortOrder)

	total := len(rows)
	start := min((q.Page-1)*q.Limit, total)
	end := min(start+q.Limit, total)
	totalPages := (total + q.Limit - 1) / q.Limit

	page := LowQualityPage{
		Businesses: rows[start:end],
		Pagination: Pagination{
			Page:       q.Page,
			Limit:      q.Limit,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    q.Page < totalPages,
			HasPrev:    q.Page > 1,
		},
	}
	if q.IncludeStats {
		s := summarize(rows)
		page.Stats = &s
	}
	return page
}

func matchesLowQuality(b *model.Business, q LowQualityQuery) bool {
	if b.ApprovalStatus != model.ApprovalApproved {
		return false
	}
	if q.MinScore != nil && b.QualityScore < *q.MinScore {
		return false
	}
	if q.MaxScore != nil && b.QualityScore > *q.MaxScore {
		return false
	}
	if q.Suburb != "" && !strings.EqualFold(b.Suburb, q.Suburb) {
		return false
	}
	if q.Category != "" && !strings.EqualFold(b.CategoryLabel(), q.Category) {
		return false
	}
	if q.ABNStatus != "" && b.ABNStatus != q.ABNStatus {
		return false
	}
	return true
}

func sortAnalyses(rows []Analysis, field SortField, order SortOrder) {
	var less func(a, b *Analysis) bool
	switch field {
	case SortByScore:
		less = func(a, b *Analysis) bool { return a.QualityScore < b.QualityScore }
	case SortByLastUpdated:
		less = func(a, b *Analysis) bool { return a.LastUpdated < b.LastUpdated }
	case SortByPotential:
		less = func(a, b *Analysis) bool { return a.PotentialScoreIncrease < b.PotentialScoreIncrease }
	case SortByName:
		less = func(a, b *Analysis) bool { return strings.ToLower(a.Name) < strings.ToLower(b.Name) }
	default:
		less = func(a, b *Analysis) bool { return a.ImprovementPriority < b.ImprovementPriority }
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if order == SortAsc {
			return less(&rows[i], &rows[j])
		}
		return less(&rows[j], &rows[i])
	})
}

func summarize(rows []Analysis) LowQualityStats {
	s := LowQualityStats{
		Total: len(rows),
		ByLevel: map[QualityLevel]int{
			LevelCritical: 0,
			LevelLow:      0,
			LevelMedium:   0,
			LevelHigh:     0,
		},
	}
	if len(rows) == 0 {
		return s
	}

	var scoreSum, prioritySum int
	for _, r := range rows {
		scoreSum += r.QualityScore
		prioritySum += r.ImprovementPriority
		s.TotalPotentialIncrease += r.PotentialScoreIncrease
		s.ByLevel[r.QualityLevel]++
		if r.LastUpdated > staleAfterDays {
			s.StaleCount++
		}
		if r.EngagementLevel == EngagementNone {
			s.NoEngagementCount++
		}
		if r.ABNStatus != model.ABNVerified {
			s.UnverifiedABNCount++
		}
	}
	s.AverageScore = round1(float64(scoreSum) / float64(len(rows)))
	s.AveragePriority = round1(float64(prioritySum) / float64(len(rows)))
	return s
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
