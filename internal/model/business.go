// Package model holds the shared domain types for businesses, batch jobs and errors.
package model

import (
	"strings"
	"time"
)

// UncategorizedLabel is used wherever a business has no category.
const UncategorizedLabel = "Uncategorized"

// ABNStatus is the verification state of a business's Australian Business Number.
type ABNStatus string

const (
	ABNNotProvided ABNStatus = "NOT_PROVIDED"
	ABNPending     ABNStatus = "PENDING"
	ABNVerified    ABNStatus = "VERIFIED"
	ABNInvalid     ABNStatus = "INVALID"
	ABNExpired     ABNStatus = "EXPIRED"
)

// Valid reports whether s is a known ABN status.
func (s ABNStatus) Valid() bool {
	switch s {
	case ABNNotProvided, ABNPending, ABNVerified, ABNInvalid, ABNExpired:
		return true
	}
	return false
}

// ApprovalStatus is the moderation state of a business listing.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

// Valid reports whether s is a known approval status.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// ContentItem is a piece of business content. Images holds a JSON-encoded array.
type ContentItem struct {
	ID     string `json:"id"`
	Images string `json:"images"`
}

// Business is a read-only snapshot of a business and its related records at
// analysis time.
type Business struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Slug     string  `json:"slug"`
	Suburb   string  `json:"suburb"`
	Category *string `json:"category,omitempty"`

	Bio       string   `json:"bio,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Email     string   `json:"email,omitempty"`
	Website   string   `json:"website,omitempty"`
	Address   string   `json:"address,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`

	ABN       *string   `json:"abn,omitempty"`
	ABNStatus ABNStatus `json:"abnStatus"`

	ShowBusinessHours bool          `json:"showBusinessHours"`
	GalleryImages     string        `json:"galleryImages,omitempty"` // JSON array from the customization record
	ContentItems      []ContentItem `json:"contentItems,omitempty"`

	RecentInquiries int `json:"recentInquiries"`
	RecentLeads     int `json:"recentLeads"`

	ApprovalStatus ApprovalStatus `json:"approvalStatus"`
	QualityScore   int            `json:"qualityScore"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// CategoryLabel returns the business category, or UncategorizedLabel when unset.
func (b *Business) CategoryLabel() string {
	if b.Category == nil || strings.TrimSpace(*b.Category) == "" {
		return UncategorizedLabel
	}
	return *b.Category
}

// RecentEngagement is the number of inquiries plus leads in the engagement window.
func (b *Business) RecentEngagement() int {
	return b.RecentInquiries + b.RecentLeads
}

// HasCoordinates reports whether both latitude and longitude are set.
func (b *Business) HasCoordinates() bool {
	return b.Latitude != nil && b.Longitude != nil
}

// HasABN reports whether an ABN has been entered, verified or not.
func (b *Business) HasABN() bool {
	return b.ABN != nil && strings.TrimSpace(*b.ABN) != ""
}
