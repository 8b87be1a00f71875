package stats

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suburbmates/quality-cli/internal/model"
)

var statsNow = time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 0, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

func withScores(scores ...int) []model.Business {
	out := make([]model.Business, 0, len(scores))
	for i, s := range scores {
		out = append(out, model.Business{ID: fmt.Sprintf("b%d", i), QualityScore: s, CreatedAt: date(2025, 1, 1)})
	}
	return out
}

func TestGenerate_OverviewAndDistribution(t *testing.T) {
	s := Generate(withScores(0, 9, 10, 55, 99, 100, 100), statsNow)

	assert.Equal(t, Overview{
		TotalBusinesses: 7,
		AverageScore:    53.3,
		HighQuality:     3,
		MediumQuality:   1,
		LowQuality:      3,
	}, s.Overview)

	require.Len(t, s.Distribution, 10)
	assert.Equal(t, "0-9", s.Distribution[0].Range)
	assert.Equal(t, "90-100", s.Distribution[9].Range)
	assert.Equal(t, 2, s.Distribution[0].Count)
	assert.Equal(t, 28.6, s.Distribution[0].Percentage)
	assert.Equal(t, 14.3, s.Distribution[1].Percentage)
	assert.Equal(t, 14.3, s.Distribution[5].Percentage)
	assert.Equal(t, 3, s.Distribution[9].Count)
	assert.Equal(t, 42.9, s.Distribution[9].Percentage)

	// Buckets are rounded independently and may not sum to 100.
	sum := 0.0
	for _, b := range s.Distribution {
		sum += b.Percentage
	}
	assert.InDelta(t, 100.1, sum, 0.0001)
}

func TestGenerate_Empty(t *testing.T) {
	s := Generate(nil, statsNow)

	assert.Equal(t, Overview{}, s.Overview)
	require.Len(t, s.Distribution, 10)
	for _, b := range s.Distribution {
		assert.Zero(t, b.Percentage)
	}
	require.Len(t, s.Trends, 6)
	assert.Empty(t, s.Categories)
	assert.Empty(t, s.Suburbs)
	assert.Equal(t, []Recommendation{}, s.Recommendations)
}

func TestGenerate_Trends(t *testing.T) {
	businesses := []model.Business{
		{ID: "b1", QualityScore: 40, CreatedAt: date(2025, 12, 10), UpdatedAt: ptr(date(2026, 3, 5))},
		{ID: "b2", QualityScore: 80, CreatedAt: date(2026, 3, 20), UpdatedAt: ptr(date(2026, 3, 20))},
		{ID: "b3", QualityScore: 90, CreatedAt: date(2026, 5, 1), UpdatedAt: ptr(date(2026, 6, 2))},
	}

	s := Generate(businesses, statsNow)

	assert.Equal(t, []TrendPoint{
		{Month: "2026-01", Count: 1, AverageScore: 40},
		{Month: "2026-02", Count: 1, AverageScore: 40},
		{Month: "2026-03", Count: 2, AverageScore: 60, ImprovementRate: 0.5},
		{Month: "2026-04", Count: 2, AverageScore: 60},
		{Month: "2026-05", Count: 3, AverageScore: 70},
		{Month: "2026-06", Count: 3, AverageScore: 70, ImprovementRate: 0.333},
	}, s.Trends)
}

func breakdownFixture() []model.Business {
	return []model.Business{
		{ID: "x1", Category: ptr("Plumbing"), Suburb: "Brunswick", QualityScore: 85},
		{ID: "x2", Category: ptr("Plumbing"), Suburb: "Carlton", QualityScore: 45},
		{ID: "x3", Suburb: "Brunswick", QualityScore: 60},
		{ID: "x4", Category: ptr("Cafe"), Suburb: "Brunswick", QualityScore: 20},
		{ID: "x5", Category: ptr("Cafe"), Suburb: "Carlton", QualityScore: 90},
	}
}

func TestGenerate_Breakdowns(t *testing.T) {
	s := Generate(breakdownFixture(), statsNow)

	assert.Equal(t, []CategoryBreakdown{
		{Category: "Cafe", Count: 2, AverageScore: 55, TierCounts: TierCounts{High: 1, Low: 1}},
		{Category: "Plumbing", Count: 2, AverageScore: 65, TierCounts: TierCounts{High: 1, Low: 1}},
		{Category: model.UncategorizedLabel, Count: 1, AverageScore: 60, TierCounts: TierCounts{Medium: 1}},
	}, s.Categories)

	assert.Equal(t, []SuburbBreakdown{
		{Suburb: "Brunswick", Count: 3, AverageScore: 55, TopCategory: "Plumbing", TierCounts: TierCounts{High: 1, Medium: 1, Low: 1}},
		{Suburb: "Carlton", Count: 2, AverageScore: 67.5, TopCategory: "Plumbing", TierCounts: TierCounts{High: 1, Low: 1}},
	}, s.Suburbs)
}

func TestGenerate_TopCategoryPrefersMostFrequent(t *testing.T) {
	businesses := []model.Business{
		{ID: "1", Suburb: "Fitzroy", Category: ptr("Bar")},
		{ID: "2", Suburb: "Fitzroy", Category: ptr("Cafe")},
		{ID: "3", Suburb: "Fitzroy", Category: ptr("Cafe")},
	}
	s := Generate(businesses, statsNow)
	require.Len(t, s.Suburbs, 1)
	assert.Equal(t, "Cafe", s.Suburbs[0].TopCategory)
}

func TestGenerate_SuburbsCappedAtTwenty(t *testing.T) {
	var businesses []model.Business
	for i := 0; i < 25; i++ {
		businesses = append(businesses, model.Business{ID: fmt.Sprint(i), Suburb: fmt.Sprintf("S%02d", i)})
	}
	businesses = append(businesses, model.Business{ID: "extra", Suburb: "S24"})

	s := Generate(businesses, statsNow)
	require.Len(t, s.Suburbs, 20)
	assert.Equal(t, "S24", s.Suburbs[0].Suburb)
	assert.Equal(t, "S00", s.Suburbs[1].Suburb)
	assert.Equal(t, "S18", s.Suburbs[19].Suburb)
}

func TestGenerate_Recommendations(t *testing.T) {
	s := Generate(breakdownFixture(), statsNow)

	require.Len(t, s.Recommendations, 4)
	types := []string{}
	potentials := []int{}
	for _, r := range s.Recommendations {
		types = append(types, r.Type)
		potentials = append(potentials, r.AveragePotentialIncrease)
	}
	assert.Equal(t, []string{"critical", "high", "medium", "low"}, types)
	assert.Equal(t, []int{40, 25, 15, 5}, potentials)
	assert.Equal(t, 2, s.Recommendations[3].AffectedCount)

	// Empty tiers produce no recommendation.
	s = Generate(withScores(85, 92), statsNow)
	require.Len(t, s.Recommendations, 1)
	assert.Equal(t, "low", s.Recommendations[0].Type)
	assert.Equal(t, "Optimize high-quality profiles", s.Recommendations[0].Title)
}
