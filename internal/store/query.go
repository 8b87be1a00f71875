package store

import (
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/suburbmates/quality-cli/internal/model"
)

// dialect captures the differences between the postgres and sqlite schemas
// that the shared query builders care about.
type dialect struct {
	placeholder sq.PlaceholderFormat
	timeArg     func(time.Time) any
}

var (
	postgresDialect = dialect{
		placeholder: sq.Dollar,
		timeArg:     func(t time.Time) any { return t.UTC() },
	}
	sqliteDialect = dialect{
		placeholder: sq.Question,
		timeArg:     func(t time.Time) any { return formatTime(t) },
	}
)

// businessColumns is the scan order used by scanBusiness.
var businessColumns = []string{
	"b.id", "b.name", "b.slug", "b.suburb", "b.category",
	"b.bio", "b.phone", "b.email", "b.website", "b.address",
	"b.latitude", "b.longitude", "b.abn", "b.abn_status",
	"b.show_business_hours", "b.approval_status", "b.quality_score",
	"b.created_at", "b.updated_at",
	"COALESCE(c.gallery_images, '')",
}

// selectBusinesses builds the filtered business query. Recent inquiries and
// leads are counted with correlated subqueries bounded by since.
func (d dialect) selectBusinesses(f model.BusinessFilter, since time.Time) sq.SelectBuilder {
	q := sq.Select(businessColumns...).
		Column(sq.Expr("(SELECT COUNT(*) FROM inquiries i WHERE i.business_id = b.id AND i.created_at >= ?)", d.timeArg(since))).
		Column(sq.Expr("(SELECT COUNT(*) FROM leads l WHERE l.business_id = b.id AND l.created_at >= ?)", d.timeArg(since))).
		From("businesses b").
		LeftJoin("business_customizations c ON c.business_id = b.id").
		OrderBy("b.quality_score ASC", "b.id ASC").
		PlaceholderFormat(d.placeholder)

	if len(f.IDs) > 0 {
		q = q.Where(sq.Eq{"b.id": f.IDs})
	}
	if f.MinScore != nil {
		q = q.Where(sq.GtOrEq{"b.quality_score": *f.MinScore})
	}
	if f.MaxScore != nil {
		q = q.Where(sq.LtOrEq{"b.quality_score": *f.MaxScore})
	}
	if c := strings.TrimSpace(f.Category); c != "" {
		if strings.EqualFold(c, model.UncategorizedLabel) {
			q = q.Where(sq.Or{sq.Eq{"b.category": nil}, sq.Eq{"TRIM(b.category)": ""}})
		} else {
			q = q.Where(sq.Expr("LOWER(b.category) = LOWER(?)", c))
		}
	}
	if s := strings.TrimSpace(f.Suburb); s != "" {
		q = q.Where(sq.Expr("LOWER(b.suburb) = LOWER(?)", s))
	}
	if f.ABNStatus != "" {
		q = q.Where(sq.Eq{"b.abn_status": string(f.ABNStatus)})
	}
	if f.ApprovalStatus != "" {
		q = q.Where(sq.Eq{"b.approval_status": string(f.ApprovalStatus)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q
}

// selectContentItems loads the content items of the given businesses.
func (d dialect) selectContentItems(ids []string) sq.SelectBuilder {
	return sq.Select("business_id", "id", "images").
		From("content_items").
		Where(sq.Eq{"business_id": ids}).
		OrderBy("business_id", "id").
		PlaceholderFormat(d.placeholder)
}

// businessDest returns scan destinations in businessColumns order followed by
// the two engagement counts. created and updated receive the timestamps.
func businessDest(b *model.Business, created, updated any) []any {
	return []any{
		&b.ID, &b.Name, &b.Slug, &b.Suburb, &b.Category,
		&b.Bio, &b.Phone, &b.Email, &b.Website, &b.Address,
		&b.Latitude, &b.Longitude, &b.ABN, &b.ABNStatus,
		&b.ShowBusinessHours, &b.ApprovalStatus, &b.QualityScore,
		created, updated,
		&b.GalleryImages,
		&b.RecentInquiries, &b.RecentLeads,
	}
}

// attachContent assigns loaded content items to their businesses in place.
func attachContent(bs []model.Business, items map[string][]model.ContentItem) {
	for i := range bs {
		bs[i].ContentItems = items[bs[i].ID]
	}
}

func businessIDs(bs []model.Business) []string {
	ids := make([]string, len(bs))
	for i, b := range bs {
		ids[i] = b.ID
	}
	return ids
}
