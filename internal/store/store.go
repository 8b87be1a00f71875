// Package store persists businesses, audit events and batch jobs in
// PostgreSQL or SQLite.
package store

import (
	"context"
	"time"

	"github.com/suburbmates/quality-cli/internal/audit"
	"github.com/suburbmates/quality-cli/internal/model"
)

// DefaultEngagementWindow bounds the inquiries and leads counted as recent
// when a filter does not set EngagementSince.
const DefaultEngagementWindow = 90 * 24 * time.Hour

// Store is the business repository used by the engine and CLI.
type Store interface {
	FindBusinesses(ctx context.Context, f model.BusinessFilter) ([]model.Business, error)
	// FindBusiness returns nil, nil when the business does not exist.
	FindBusiness(ctx context.Context, id string) (*model.Business, error)
	UpdateQualityScore(ctx context.Context, id string, score int, updatedAt time.Time) error

	// SeedBusinesses upserts businesses with their customization, content
	// items, and RecentInquiries/RecentLeads engagement rows stamped at now.
	SeedBusinesses(ctx context.Context, bs []model.Business, now time.Time) error

	InsertAuditEvent(ctx context.Context, e audit.Event) error

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Option configures a store.
type Option func(*options)

type options struct {
	window time.Duration
	now    func() time.Time
}

func defaultOptions() options {
	return options{window: DefaultEngagementWindow, now: time.Now}
}

// WithEngagementWindow sets the default recent-engagement window.
func WithEngagementWindow(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.window = d
		}
	}
}

// WithClock overrides the clock used to derive the engagement window.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func (o options) since(f model.BusinessFilter) time.Time {
	if !f.EngagementSince.IsZero() {
		return f.EngagementSince
	}
	return o.now().Add(-o.window)
}
