package scorer

import (
	"math"
	"time"

	"github.com/suburbmates/quality-cli/internal/model"
)

// Thresholds separating quality levels.
const (
	CriticalBelow = 30
	LowBelow      = 50
	// ListingHighThreshold is the "high" cut-off used by the low-quality view.
	ListingHighThreshold = 70
	// StatsHighThreshold is the "high" cut-off used by directory stats.
	StatsHighThreshold = 80
)

// MaxDaysDisplayed caps LastUpdated; an unknown update time also reports it.
const MaxDaysDisplayed = 999

// unknownStaleDays stands in for a missing UpdatedAt when computing the
// staleness bonus.
const unknownStaleDays = 365

// QualityLevel buckets a quality score.
type QualityLevel string

const (
	LevelCritical QualityLevel = "critical"
	LevelLow      QualityLevel = "low"
	LevelMedium   QualityLevel = "medium"
	LevelHigh     QualityLevel = "high"
)

// EngagementLevel buckets recent inquiry and lead volume.
type EngagementLevel string

const (
	EngagementNone   EngagementLevel = "none"
	EngagementLow    EngagementLevel = "low"
	EngagementMedium EngagementLevel = "medium"
	EngagementHigh   EngagementLevel = "high"
)

// Analysis is the admin-facing view of a single business's quality.
type Analysis struct {
	ID                     string          `json:"id"`
	Name                   string          `json:"name"`
	Slug                   string          `json:"slug"`
	Suburb                 string          `json:"suburb"`
	Category               string          `json:"category"`
	ABNStatus              model.ABNStatus `json:"abnStatus"`
	QualityScore           int             `json:"qualityScore"`
	CompletenessScore      int             `json:"completenessScore"`
	QualityLevel           QualityLevel    `json:"qualityLevel"`
	ImprovementPriority    int             `json:"improvementPriority"`
	PotentialScoreIncrease int             `json:"potentialScoreIncrease"`
	EngagementLevel        EngagementLevel `json:"engagementLevel"`
	RecentEngagement       int             `json:"recentEngagement"`
	LastUpdated            int             `json:"lastUpdated"`
	MissingFields          []string        `json:"missingFields"`
	Actions                []Action        `json:"actions"`
}

// Analyze scores b and derives its ranking attributes from the stored
// QualityScore. highThreshold is the score at which a business counts as high
// quality for the calling view.
func Analyze(b *model.Business, now time.Time, highThreshold int) Analysis {
	res := Score(b)
	score := clamp(b.QualityScore, 0, MaxScore)

	days, known := DaysSince(b.UpdatedAt, now)
	staleDays := days
	lastUpdated := min(days, MaxDaysDisplayed)
	if !known {
		staleDays = unknownStaleDays
		lastUpdated = MaxDaysDisplayed
	}

	engagement := b.RecentEngagement()

	return Analysis{
		ID:                     b.ID,
		Name:                   b.Name,
		Slug:                   b.Slug,
		Suburb:                 b.Suburb,
		Category:               b.CategoryLabel(),
		ABNStatus:              b.ABNStatus,
		QualityScore:           score,
		CompletenessScore:      res.QualityScore,
		QualityLevel:           LevelFor(score, highThreshold),
		ImprovementPriority:    ImprovementPriority(score, res.Actions, staleDays),
		PotentialScoreIncrease: res.PotentialIncrease(score),
		EngagementLevel:        EngagementFor(engagement),
		RecentEngagement:       engagement,
		LastUpdated:            lastUpdated,
		MissingFields:          res.MissingFields,
		Actions:                res.Actions,
	}
}

// LevelFor buckets score using the given high threshold.
func LevelFor(score, highThreshold int) QualityLevel {
	switch {
	case score < CriticalBelow:
		return LevelCritical
	case score < LowBelow:
		return LevelLow
	case score < highThreshold:
		return LevelMedium
	default:
		return LevelHigh
	}
}

// EngagementFor buckets a count of recent inquiries and leads.
func EngagementFor(events int) EngagementLevel {
	switch {
	case events <= 0:
		return EngagementNone
	case events < 5:
		return EngagementLow
	case events < 10:
		return EngagementMedium
	default:
		return EngagementHigh
	}
}

// ImprovementPriority ranks how urgently a business needs attention, 0-100.
func ImprovementPriority(score int, actions []Action, staleDays int) int {
	var critical, high, increase int
	for _, a := range actions {
		switch a.Type {
		case ActionCritical:
			critical++
		case ActionHigh:
			high++
		}
		increase += a.ExpectedScoreIncrease
	}

	p := 0.4*float64(MaxScore-score) +
		15*float64(critical) +
		10*float64(high) +
		0.3*float64(increase) +
		float64(StalenessBonus(staleDays))

	return clamp(int(math.Round(p)), 0, MaxScore)
}

// StalenessBonus rewards profiles that have not been touched in a while.
func StalenessBonus(days int) int {
	switch {
	case days > 180:
		return 20
	case days > 90:
		return 10
	case days > 30:
		return 5
	default:
		return 0
	}
}

// DaysSince returns whole days elapsed since t. ok is false when t is nil.
func DaysSince(t *time.Time, now time.Time) (days int, ok bool) {
	if t == nil {
		return 0, false
	}
	d := now.Sub(*t)
	if d < 0 {
		return 0, true
	}
	return int(d / (24 * time.Hour)), true
}
