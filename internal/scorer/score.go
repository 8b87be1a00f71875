// Package scorer rates business-profile completeness and ranks the edits that
// would improve it.
package scorer

import (
	"encoding/json"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/suburbmates/quality-cli/internal/model"
)

// MaxScore is the ceiling of the quality scale.
const MaxScore = 100

// ShortBioChars is the minimum description length that earns full credit.
const ShortBioChars = 50

// ActionType is the urgency tier of an improvement action.
type ActionType string

const (
	ActionCritical ActionType = "critical"
	ActionHigh     ActionType = "high"
	ActionMedium   ActionType = "medium"
	ActionLow      ActionType = "low"
)

// ActionCategory groups actions by the part of the profile they touch.
type ActionCategory string

const (
	CategoryCompleteness ActionCategory = "completeness"
	CategoryVerification ActionCategory = "verification"
	CategoryContent      ActionCategory = "content"
	CategoryEngagement   ActionCategory = "engagement"
)

// Effort estimates how much work an action takes.
type Effort string

const (
	EffortQuick       Effort = "quick"
	EffortModerate    Effort = "moderate"
	EffortSignificant Effort = "significant"
)

// Action is a single recommended edit and its estimated benefit.
type Action struct {
	Type                  ActionType     `json:"type"`
	Category              ActionCategory `json:"category"`
	Action                string         `json:"action"`
	ExpectedScoreIncrease int            `json:"expectedScoreIncrease"`
	Effort                Effort         `json:"effort"`
	Priority              int            `json:"priority"`
}

// Result is the output of scoring one profile.
type Result struct {
	QualityScore  int      `json:"qualityScore"`
	Actions       []Action `json:"actions"`
	MissingFields []string `json:"missingFields"`
	TotalIncrease int      `json:"totalIncrease"`
}

// PotentialIncrease is the summed action benefit, capped so that current plus
// the increase never exceeds MaxScore.
func (r Result) PotentialIncrease(current int) int {
	headroom := MaxScore - clamp(current, 0, MaxScore)
	return min(r.TotalIncrease, headroom)
}

// Rescore returns the score a business reaches from current once the
// result's actions are credited, clamped to [0, MaxScore].
func Rescore(current int, r Result) int {
	return clamp(current+r.PotentialIncrease(current), 0, MaxScore)
}

// Score evaluates every rule against b. Each rule is independent; the quality
// score is MaxScore minus the summed increases, clamped to [0, MaxScore].
// Actions come back ordered by priority descending, ties in rule order.
func Score(b *model.Business) Result {
	var (
		actions []Action
		missing []string
	)
	add := func(a Action) { actions = append(actions, a) }

	if blank(b.Name) {
		missing = append(missing, "Business Name")
		add(Action{ActionCritical, CategoryCompleteness, "Add a business name", 10, EffortQuick, 95})
	}

	bio := strings.TrimSpace(b.Bio)
	switch {
	case bio == "":
		missing = append(missing, "Business Description")
		add(Action{ActionHigh, CategoryContent, "Add a business description", 15, EffortModerate, 85})
	case utf8.RuneCountInString(bio) < ShortBioChars:
		add(Action{ActionMedium, CategoryContent, "Expand the business description to at least 50 characters", 7, EffortQuick, 85})
	}

	if blank(b.Phone) {
		missing = append(missing, "Phone Number")
		add(Action{ActionHigh, CategoryCompleteness, "Add a phone number", 10, EffortQuick, 90})
	}
	if blank(b.Email) {
		missing = append(missing, "Email Address")
		add(Action{ActionHigh, CategoryCompleteness, "Add an email address", 10, EffortQuick, 88})
	}
	if blank(b.Website) {
		missing = append(missing, "Website URL")
		add(Action{ActionMedium, CategoryCompleteness, "Add a website URL", 10, EffortModerate, 75})
	}
	if blank(b.Address) {
		missing = append(missing, "Physical Address")
		add(Action{ActionMedium, CategoryCompleteness, "Add a physical address", 5, EffortQuick, 70})
	}

	if b.ABNStatus != model.ABNVerified {
		text := "Add and verify an ABN"
		if b.HasABN() {
			text = "Complete ABN verification"
		}
		add(Action{ActionLow, CategoryVerification, text, 15, EffortModerate, 60})
	}

	if !b.HasCoordinates() {
		add(Action{ActionLow, CategoryCompleteness, "Verify map coordinates for the business location", 5, EffortQuick, 50})
	}

	if !HasImages(b) {
		add(Action{ActionMedium, CategoryContent, "Add photos to the gallery or content", 5, EffortModerate, 65})
	}

	if !b.ShowBusinessHours {
		add(Action{ActionLow, CategoryCompleteness, "Enable business hours display", 3, EffortQuick, 45})
	}

	if b.RecentEngagement() == 0 {
		add(Action{ActionLow, CategoryEngagement, "Increase profile visibility to attract inquiries", 2, EffortSignificant, 40})
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority > actions[j].Priority
	})

	total := 0
	for _, a := range actions {
		total += a.ExpectedScoreIncrease
	}

	if actions == nil {
		actions = []Action{}
	}
	if missing == nil {
		missing = []string{}
	}

	return Result{
		QualityScore:  clamp(MaxScore-total, 0, MaxScore),
		Actions:       actions,
		MissingFields: missing,
		TotalIncrease: total,
	}
}

// HasImages reports whether the gallery or any content item carries at least
// one image.
func HasImages(b *model.Business) bool {
	if imageCount(b.GalleryImages) > 0 {
		return true
	}
	for _, item := range b.ContentItems {
		if imageCount(item.Images) > 0 {
			return true
		}
	}
	return false
}

// imageCount parses a JSON-encoded image array. Anything that does not decode
// to an array counts as no images.
func imageCount(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	var images []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &images); err != nil {
		return 0
	}
	return len(images)
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
