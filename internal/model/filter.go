package model

import "time"

// BusinessFilter selects businesses from a repository. Results are ordered by
// quality score ascending, then id. Zero values mean "no constraint".
type BusinessFilter struct {
	IDs            []string
	MinScore       *int
	MaxScore       *int
	Category       string
	Suburb         string
	ABNStatus      ABNStatus
	ApprovalStatus ApprovalStatus
	Limit          int
	// EngagementSince bounds the inquiries and leads counted as recent.
	EngagementSince time.Time
}

// FilterFromCriteria maps batch criteria onto a repository filter.
func FilterFromCriteria(c BatchCriteria, limit int, engagementSince time.Time) BusinessFilter {
	approval := c.ApprovalStatus
	if approval == "" {
		approval = ApprovalApproved
	}
	return BusinessFilter{
		IDs:             c.BusinessIDs,
		MinScore:        c.MinScore,
		MaxScore:        c.MaxScore,
		Category:        c.Category,
		Suburb:          c.Suburb,
		ABNStatus:       c.ABNStatus,
		ApprovalStatus:  approval,
		Limit:           limit,
		EngagementSince: engagementSince,
	}
}
