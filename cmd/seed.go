package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/suburbmates/quality-cli/internal/model"
	"github.com/suburbmates/quality-cli/internal/scorer"
)

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load businesses from a YAML fixture",
	Long: `Upserts the businesses in a YAML fixture together with their gallery,
content items and recent engagement. Missing ids are generated, missing slugs
are derived from the name, and a missing quality_score is computed.

Fixture format:
  businesses:
    - name: Fitzroy Bakehouse
      suburb: Fitzroy
      category: Food
      bio: Sourdough and pastries baked daily.
      abn: "51824753556"
      abn_status: VERIFIED
      gallery_images: [a.jpg, b.jpg]
      content_items:
        - images: [c.jpg]
      recent_inquiries: 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("seed"); err != nil {
			return err
		}

		now := time.Now().UTC()
		businesses, err := loadSeedFile(args[0], now)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.SeedBusinesses(ctx, businesses, now); err != nil {
			return eris.Wrap(err, "seed: store businesses")
		}
		zap.L().Info("seeded businesses", zap.Int("count", len(businesses)), zap.String("file", args[0]))
		fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d businesses.\n", len(businesses))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

type seedFile struct {
	Businesses []seedBusiness `yaml:"businesses"`
}

type seedContent struct {
	ID     string   `yaml:"id"`
	Images []string `yaml:"images"`
}

type seedBusiness struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Slug      string   `yaml:"slug"`
	Suburb    string   `yaml:"suburb"`
	Category  *string  `yaml:"category"`
	Bio       string   `yaml:"bio"`
	Phone     string   `yaml:"phone"`
	Email     string   `yaml:"email"`
	Website   string   `yaml:"website"`
	Address   string   `yaml:"address"`
	Latitude  *float64 `yaml:"latitude"`
	Longitude *float64 `yaml:"longitude"`
	ABN       *string  `yaml:"abn"`
	ABNStatus string   `yaml:"abn_status"`

	ShowBusinessHours bool          `yaml:"show_business_hours"`
	GalleryImages     []string      `yaml:"gallery_images"`
	ContentItems      []seedContent `yaml:"content_items"`

	RecentInquiries int `yaml:"recent_inquiries"`
	RecentLeads     int `yaml:"recent_leads"`

	ApprovalStatus string     `yaml:"approval_status"`
	QualityScore   *int       `yaml:"quality_score"`
	CreatedAt      *time.Time `yaml:"created_at"`
	UpdatedAt      *time.Time `yaml:"updated_at"`
}

// loadSeedFile reads and converts a YAML fixture.
func loadSeedFile(path string, now time.Time) ([]model.Business, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "seed: read %s", path)
	}
	return parseSeed(data, now)
}

// parseSeed converts fixture YAML into businesses. Approval status defaults to
// APPROVED and ABN status to NOT_PROVIDED.
func parseSeed(data []byte, now time.Time) ([]model.Business, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "seed: parse")
	}

	verr := &model.ValidationError{}
	out := make([]model.Business, 0, len(f.Businesses))
	seen := make(map[string]bool, len(f.Businesses))
	for i, sb := range f.Businesses {
		field := fmt.Sprintf("businesses[%d]", i)
		b, err := sb.toBusiness(now)
		if err != nil {
			verr.Add(field, "%v", err)
			continue
		}
		if seen[b.ID] {
			verr.Add(field, "duplicate id %q", b.ID)
			continue
		}
		seen[b.ID] = true
		out = append(out, b)
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

func (sb seedBusiness) toBusiness(now time.Time) (model.Business, error) {
	name := strings.TrimSpace(sb.Name)
	if name == "" {
		return model.Business{}, eris.New("name is required")
	}

	b := model.Business{
		ID:                sb.ID,
		Name:              name,
		Slug:              sb.Slug,
		Suburb:            strings.TrimSpace(sb.Suburb),
		Category:          sb.Category,
		Bio:               sb.Bio,
		Phone:             sb.Phone,
		Email:             sb.Email,
		Website:           sb.Website,
		Address:           sb.Address,
		Latitude:          sb.Latitude,
		Longitude:         sb.Longitude,
		ABN:               sb.ABN,
		ABNStatus:         model.ABNStatus(sb.ABNStatus),
		ShowBusinessHours: sb.ShowBusinessHours,
		RecentInquiries:   sb.RecentInquiries,
		RecentLeads:       sb.RecentLeads,
		ApprovalStatus:    model.ApprovalStatus(sb.ApprovalStatus),
		CreatedAt:         now,
		UpdatedAt:         sb.UpdatedAt,
	}
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Slug == "" {
		b.Slug = slug.Make(name)
	}
	if b.ABNStatus == "" {
		b.ABNStatus = model.ABNNotProvided
	}
	if !b.ABNStatus.Valid() {
		return model.Business{}, eris.Errorf("unknown abn_status %q", sb.ABNStatus)
	}
	if b.ApprovalStatus == "" {
		b.ApprovalStatus = model.ApprovalApproved
	}
	if !b.ApprovalStatus.Valid() {
		return model.Business{}, eris.Errorf("unknown approval_status %q", sb.ApprovalStatus)
	}
	if sb.CreatedAt != nil {
		b.CreatedAt = sb.CreatedAt.UTC()
	}

	var err error
	if b.GalleryImages, err = imagesJSON(sb.GalleryImages); err != nil {
		return model.Business{}, err
	}
	for _, c := range sb.ContentItems {
		images, err := imagesJSON(c.Images)
		if err != nil {
			return model.Business{}, err
		}
		b.ContentItems = append(b.ContentItems, model.ContentItem{ID: c.ID, Images: images})
	}

	if sb.QualityScore != nil {
		b.QualityScore = *sb.QualityScore
		if b.QualityScore < 0 || b.QualityScore > scorer.MaxScore {
			return model.Business{}, eris.Errorf("quality_score %d out of range", b.QualityScore)
		}
	} else {
		b.QualityScore = scorer.Score(&b).QualityScore
	}
	return b, nil
}

func imagesJSON(images []string) (string, error) {
	if len(images) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(images)
	if err != nil {
		return "", eris.Wrap(err, "encode images")
	}
	return string(raw), nil
}
