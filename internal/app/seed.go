package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"KeyLedger/internal/models"

	"gopkg.in/yaml.v3"
)

type CatalogWriter interface {
	UpsertProduct(ctx context.Context, p *models.Product) error
	UpsertCampaign(ctx context.Context, c *models.Campaign) error
}

type seedProduct struct {
	ID                string `yaml:"id"`
	Name              string `yaml:"name"`
	MemberPrice       int64  `yaml:"member_price"`
	ResellerPrice     int64  `yaml:"reseller_price"`
	TrackStock        bool   `yaml:"track_stock"`
	LowStockThreshold int64  `yaml:"low_stock_threshold"`
	Active            bool   `yaml:"active"`
}

type seedCampaign struct {
	ID          int64      `yaml:"id"`
	Code        string     `yaml:"code"`
	Name        string     `yaml:"name"`
	Type        string     `yaml:"type"`
	Value       int64      `yaml:"value"`
	MaxDiscount int64      `yaml:"max_discount"`
	Quota       int64      `yaml:"quota"`
	MinPurchase int64      `yaml:"min_purchase"`
	StartsAt    time.Time  `yaml:"starts_at"`
	EndsAt      *time.Time `yaml:"ends_at"`
	StackPolicy string     `yaml:"stack_policy"`
	Priority    int        `yaml:"priority"`
	Active      bool       `yaml:"active"`
}

type seedFile struct {
	Products  []seedProduct  `yaml:"products"`
	Campaigns []seedCampaign `yaml:"campaigns"`
}

// SeedCatalog mirrors the products and campaigns in r into the store. Existing rows
// with the same ids are overwritten; quota usage of campaigns restarts at zero.
func SeedCatalog(ctx context.Context, w CatalogWriter, r io.Reader) (products, campaigns int, err error) {
	var f seedFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return 0, 0, fmt.Errorf("decode seed: %w", err)
	}
	for _, p := range f.Products {
		if p.ID == "" {
			return products, campaigns, fmt.Errorf("seed product without id")
		}
		if err := w.UpsertProduct(ctx, &models.Product{
			ID:                p.ID,
			Name:              p.Name,
			MemberPrice:       p.MemberPrice,
			ResellerPrice:     p.ResellerPrice,
			TrackStock:        p.TrackStock,
			LowStockThreshold: p.LowStockThreshold,
			Active:            p.Active,
		}); err != nil {
			return products, campaigns, fmt.Errorf("seed product %s: %w", p.ID, err)
		}
		products++
	}
	for _, c := range f.Campaigns {
		kind := models.DiscountType(c.Type)
		if kind != models.DiscountFixed && kind != models.DiscountPercent {
			return products, campaigns, fmt.Errorf("seed campaign %d: unknown type %q", c.ID, c.Type)
		}
		policy := models.StackPolicy(c.StackPolicy)
		if policy == "" {
			policy = models.Stackable
		}
		if err := w.UpsertCampaign(ctx, &models.Campaign{
			ID:          c.ID,
			Code:        c.Code,
			Name:        c.Name,
			Type:        kind,
			Value:       c.Value,
			MaxDiscount: c.MaxDiscount,
			Quota:       c.Quota,
			MinPurchase: c.MinPurchase,
			StartsAt:    c.StartsAt,
			EndsAt:      c.EndsAt,
			StackPolicy: policy,
			Priority:    c.Priority,
			Active:      c.Active,
		}); err != nil {
			return products, campaigns, fmt.Errorf("seed campaign %d: %w", c.ID, err)
		}
		campaigns++
	}
	return products, campaigns, nil
}

func SeedCatalogFile(ctx context.Context, w CatalogWriter, path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	return SeedCatalog(ctx, w, f)
}
