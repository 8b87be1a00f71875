// Package stats aggregates directory-wide quality statistics and caches them.
package stats

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/scorer"
)

// Tier thresholds used by directory stats.
const (
	HighAtLeast   = scorer.StatsHighThreshold
	MediumAtLeast = 50
)

const (
	bucketCount = 10
	trendMonths = 6
	topSuburbs  = 20
)

// Overview is the headline summary.
type Overview struct {
	TotalBusinesses int     `json:"totalBusinesses"`
	AverageScore    float64 `json:"averageScore"`
	HighQuality     int     `json:"highQuality"`
	MediumQuality   int     `json:"mediumQuality"`
	LowQuality      int     `json:"lowQuality"`
}

// Bucket is one slice of the score histogram.
type Bucket struct {
	Range      string  `json:"range"`
	Min        int     `json:"min"`
	Max        int     `json:"max"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// TrendPoint summarizes businesses existing at the end of one month.
type TrendPoint struct {
	Month           string  `json:"month"`
	Count           int     `json:"count"`
	AverageScore    float64 `json:"averageScore"`
	ImprovementRate float64 `json:"improvementRate"`
}

// TierCounts splits a group into high, medium and low quality.
type TierCounts struct {
	High   int `json:"high"`
	Medium int `json:"medium"`
	Low    int `json:"low"`
}

// CategoryBreakdown aggregates one category.
type CategoryBreakdown struct {
	Category     string  `json:"category"`
	Count        int     `json:"count"`
	AverageScore float64 `json:"averageScore"`
	TierCounts
}

// SuburbBreakdown aggregates one suburb.
type SuburbBreakdown struct {
	Suburb       string  `json:"suburb"`
	Count        int     `json:"count"`
	AverageScore float64 `json:"averageScore"`
	TopCategory  string  `json:"topCategory"`
	TierCounts
}

// Recommendation is a generated call to action for one quality tier.
type Recommendation struct {
	Type                     string `json:"type"`
	Title                    string `json:"title"`
	Description              string `json:"description"`
	AffectedCount            int    `json:"affectedCount"`
	AveragePotentialIncrease int    `json:"averagePotentialIncrease"`
}

// QualityStats is the full directory snapshot.
type QualityStats struct {
	Overview        Overview            `json:"overview"`
	Distribution    []Bucket            `json:"distribution"`
	Trends          []TrendPoint        `json:"trends"`
	Categories      []CategoryBreakdown `json:"categories"`
	Suburbs         []SuburbBreakdown   `json:"suburbs"`
	Recommendations []Recommendation    `json:"recommendations"`
	GeneratedAt     time.Time           `json:"generatedAt"`
}

// Generate aggregates businesses as of now. Percentages and averages are
// rounded to one decimal independently, so bucket percentages need not sum to
// exactly 100.
func Generate(businesses []model.Business, now time.Time) QualityStats {
	return QualityStats{
		Overview:        overview(businesses),
		Distribution:    distribution(businesses),
		Trends:          trends(businesses, now),
		Categories:      categories(businesses),
		Suburbs:         suburbs(businesses),
		Recommendations: recommendations(businesses),
		GeneratedAt:     now.UTC(),
	}
}

func overview(businesses []model.Business) Overview {
	o := Overview{TotalBusinesses: len(businesses)}
	sum := 0
	for i := range businesses {
		s := businesses[i].QualityScore
		sum += s
		switch tierOf(s) {
		case tierHigh:
			o.HighQuality++
		case tierMedium:
			o.MediumQuality++
		default:
			o.LowQuality++
		}
	}
	o.AverageScore = average(sum, len(businesses), 1)
	return o
}

func distribution(businesses []model.Business) []Bucket {
	buckets := make([]Bucket, bucketCount)
	for i := range buckets {
		lo, hi := i*10, i*10+9
		if i == bucketCount-1 {
			hi = scorer.MaxScore
		}
		buckets[i] = Bucket{Range: fmt.Sprintf("%d-%d", lo, hi), Min: lo, Max: hi}
	}

	for i := range businesses {
		s := max(0, min(businesses[i].QualityScore, scorer.MaxScore))
		buckets[min(s/10, bucketCount-1)].Count++
	}

	total := len(businesses)
	for i := range buckets {
		if total > 0 {
			buckets[i].Percentage = roundTo(float64(buckets[i].Count)/float64(total)*100, 1)
		}
	}
	return buckets
}

func trends(businesses []model.Business, now time.Time) []TrendPoint {
	now = now.UTC()
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	points := make([]TrendPoint, 0, trendMonths)
	for offset := trendMonths - 1; offset >= 0; offset-- {
		start := current.AddDate(0, -offset, 0)
		end := start.AddDate(0, 1, 0)

		var count, sum, improved int
		for i := range businesses {
			b := &businesses[i]
			if !b.CreatedAt.Before(end) {
				continue
			}
			count++
			sum += b.QualityScore
			if b.UpdatedAt != nil &&
				!b.UpdatedAt.Before(start) && b.UpdatedAt.Before(end) &&
				b.UpdatedAt.After(b.CreatedAt) {
				improved++
			}
		}

		p := TrendPoint{Month: start.Format("2006-01"), Count: count}
		if count > 0 {
			p.AverageScore = average(sum, count, 1)
			p.ImprovementRate = roundTo(float64(improved)/float64(count), 3)
		}
		points = append(points, p)
	}
	return points
}

type group struct {
	name   string
	count  int
	sum    int
	tiers  TierCounts
	cats   map[string]int
	catSeq []string
}

func (g *group) add(b *model.Business) {
	g.count++
	g.sum += b.QualityScore
	switch tierOf(b.QualityScore) {
	case tierHigh:
		g.tiers.High++
	case tierMedium:
		g.tiers.Medium++
	default:
		g.tiers.Low++
	}
	if g.cats != nil {
		c := b.CategoryLabel()
		if _, seen := g.cats[c]; !seen {
			g.catSeq = append(g.catSeq, c)
		}
		g.cats[c]++
	}
}

// topCategory returns the most frequent category; ties go to the one seen first.
func (g *group) topCategory() string {
	best, bestN := "", 0
	for _, c := range g.catSeq {
		if g.cats[c] > bestN {
			best, bestN = c, g.cats[c]
		}
	}
	return best
}

func groupBy(businesses []model.Business, key func(*model.Business) string, trackCategories bool) []*group {
	index := make(map[string]*group)
	var order []*group
	for i := range businesses {
		b := &businesses[i]
		k := key(b)
		g, ok := index[k]
		if !ok {
			g = &group{name: k}
			if trackCategories {
				g.cats = make(map[string]int)
			}
			index[k] = g
			order = append(order, g)
		}
		g.add(b)
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].name < order[j].name
	})
	return order
}

func categories(businesses []model.Business) []CategoryBreakdown {
	groups := groupBy(businesses, (*model.Business).CategoryLabel, false)
	out := make([]CategoryBreakdown, 0, len(groups))
	for _, g := range groups {
		out = append(out, CategoryBreakdown{
			Category:     g.name,
			Count:        g.count,
			AverageScore: average(g.sum, g.count, 1),
			TierCounts:   g.tiers,
		})
	}
	return out
}

func suburbs(businesses []model.Business) []SuburbBreakdown {
	groups := groupBy(businesses, func(b *model.Business) string { return b.Suburb }, true)
	if len(groups) > topSuburbs {
		groups = groups[:topSuburbs]
	}
	out := make([]SuburbBreakdown, 0, len(groups))
	for _, g := range groups {
		out = append(out, SuburbBreakdown{
			Suburb:       g.name,
			Count:        g.count,
			AverageScore: average(g.sum, g.count, 1),
			TopCategory:  g.topCategory(),
			TierCounts:   g.tiers,
		})
	}
	return out
}

var recommendationTemplates = []struct {
	typ       string
	lo, hi    int
	title     string
	desc      string
	potential int
}{
	{"critical", 0, scorer.CriticalBelow - 1, "Fix critical profile gaps",
		"%d businesses score below 30 and are missing core contact details.", 40},
	{"high", scorer.CriticalBelow, MediumAtLeast - 1, "Complete low-quality profiles",
		"%d businesses score between 30 and 49; adding descriptions and contact details lifts them fastest.", 25},
	{"medium", MediumAtLeast, HighAtLeast - 1, "Enrich medium-quality profiles",
		"%d businesses score between 50 and 79; photos, ABN verification and hours push them to high quality.", 15},
	{"low", HighAtLeast, scorer.MaxScore, "Optimize high-quality profiles",
		"%d businesses score 80 or above; keep them fresh and encourage engagement.", 5},
}

func recommendations(businesses []model.Business) []Recommendation {
	out := []Recommendation{}
	for _, tmpl := range recommendationTemplates {
		n := 0
		for i := range businesses {
			s := businesses[i].QualityScore
			if s >= tmpl.lo && s <= tmpl.hi {
				n++
			}
		}
		if n == 0 {
			continue
		}
		out = append(out, Recommendation{
			Type:                     tmpl.typ,
			Title:                    tmpl.title,
			Description:              fmt.Sprintf(tmpl.desc, n),
			AffectedCount:            n,
			AveragePotentialIncrease: tmpl.potential,
		})
	}
	return out
}

type tier int

const (
	tierLow tier = iota
	tierMedium
	tierHigh
)

func tierOf(score int) tier {
	switch {
	case score >= HighAtLeast:
		return tierHigh
	case score >= MediumAtLeast:
		return tierMedium
	default:
		return tierLow
	}
}

func average(sum, n, places int) float64 {
	if n == 0 {
		return 0
	}
	return roundTo(float64(sum)/float64(n), places)
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
