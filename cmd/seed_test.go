package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/scorer"
)

var fixtureNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const fixtureYAML = `businesses:
  - id: b1
    name: Fitzroy Bakehouse
    suburb: Fitzroy
    category: Food
    bio: Sourdough and pastries baked daily in the heart of Fitzroy.
    phone: "0400 000 000"
    abn: "51824753556"
    abn_status: VERIFIED
    show_business_hours: true
    gallery_images: [front.jpg, counter.jpg]
    content_items:
      - images: [menu.jpg]
    recent_inquiries: 3
    recent_leads: 1
    quality_score: 40
    created_at: 2025-11-01T09:00:00Z
  - name: "Carlton Plumbing & Gas"
    suburb: Carlton
`

func TestParseSeed(t *testing.T) {
	bs, err := parseSeed([]byte(fixtureYAML), fixtureNow)
	require.NoError(t, err)
	require.Len(t, bs, 2)

	full := bs[0]
	assert.Equal(t, "b1", full.ID)
	assert.Equal(t, "fitzroy-bakehouse", full.Slug)
	require.NotNil(t, full.Category)
	assert.Equal(t, "Food", *full.Category)
	assert.Equal(t, model.ABNVerified, full.ABNStatus)
	assert.Equal(t, model.ApprovalApproved, full.ApprovalStatus)
	assert.Equal(t, `["front.jpg","counter.jpg"]`, full.GalleryImages)
	require.Len(t, full.ContentItems, 1)
	assert.Equal(t, `["menu.jpg"]`, full.ContentItems[0].Images)
	assert.Equal(t, 3, full.RecentInquiries)
	assert.Equal(t, 1, full.RecentLeads)
	assert.Equal(t, 40, full.QualityScore)
	assert.Equal(t, time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC), full.CreatedAt)

	minimal := bs[1]
	_, err = uuid.Parse(minimal.ID)
	assert.NoError(t, err, "missing id should be generated")
	assert.Equal(t, "carlton-plumbing-and-gas", minimal.Slug)
	assert.Equal(t, model.ABNNotProvided, minimal.ABNStatus)
	assert.Equal(t, "[]", minimal.GalleryImages)
	assert.Equal(t, fixtureNow, minimal.CreatedAt)
	assert.Equal(t, scorer.Score(&minimal).QualityScore, minimal.QualityScore)
}

func TestParseSeed_Invalid(t *testing.T) {
	data := `businesses:
  - id: x
    name: ""
  - id: y
    name: Dup
  - id: y
    name: Dup Again
  - id: z
    name: Bad Status
    abn_status: MAYBE
  - id: w
    name: Bad Score
    quality_score: 140
`
	_, err := parseSeed([]byte(data), fixtureNow)
	require.Error(t, err)

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	fields := make([]string, 0, len(verr.Fields))
	for _, f := range verr.Fields {
		fields = append(fields, f.Field)
	}
	assert.Equal(t, []string{"businesses[0]", "businesses[2]", "businesses[3]", "businesses[4]"}, fields)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), `duplicate id "y"`)
	assert.Contains(t, err.Error(), `unknown abn_status "MAYBE"`)
	assert.Contains(t, err.Error(), "quality_score 140 out of range")
}

func TestParseSeed_MalformedYAML(t *testing.T) {
	_, err := parseSeed([]byte("businesses: [unclosed"), fixtureNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed: parse")
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fixtureYAML), 0o600))

	bs, err := loadSeedFile(path, fixtureNow)
	require.NoError(t, err)
	assert.Len(t, bs, 2)

	_, err = loadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"), fixtureNow)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "seed: read")
}
