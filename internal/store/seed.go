package store

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/suburbmates/quality-cli/internal/model"
)

// relatedRows expands seeded businesses into content item, inquiry and lead
// rows. Engagement rows are stamped with at so they fall inside the window.
func relatedRows(bs []model.Business, at any) (content, inquiries, leads [][]any) {
	for _, b := range bs {
		for i, ci := range b.ContentItems {
			id := ci.ID
			if id == "" {
				id = fmt.Sprintf("%s-content-%d", b.ID, i+1)
			}
			images := ci.Images
			if images == "" {
				images = "[]"
			}
			content = append(content, []any{id, b.ID, images})
		}
		for range b.RecentInquiries {
			inquiries = append(inquiries, []any{uuid.NewString(), b.ID, at})
		}
		for range b.RecentLeads {
			leads = append(leads, []any{uuid.NewString(), b.ID, at})
		}
	}
	return content, inquiries, leads
}
