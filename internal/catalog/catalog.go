// Package catalog lists what can be bought: one-time credit packages and
// recurring subscription tiers.
package catalog

import (
	"strings"

	"github.com/angelmondragon/pdf2md-billing/pkg/config"
	"github.com/angelmondragon/pdf2md-billing/pkg/enums"
)

// FreeTierPages is the monthly allotment every account starts with.
const FreeTierPages int64 = 10

type CreditPackage struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Credits    int64  `json:"credits"`
	PriceCents int64  `json:"priceCents"`
	PriceID    string `json:"priceId"`
}

type Tier struct {
	ID            enums.TierID `json:"id"`
	Name          string       `json:"name"`
	PagesPerMonth int64        `json:"pagesPerMonth"`
	PriceCents    int64        `json:"priceCents"`
	PriceID       string       `json:"priceId,omitempty"`
}

// Catalog resolves processor price ids to packages and tiers.
type Catalog struct {
	packages []CreditPackage
	tiers    []Tier
}

// New builds the catalog with price ids taken from configuration. Entries
// without a configured price id cannot be purchased.
func New(cfg config.StripeConfig) *Catalog {
	return &Catalog{
		packages: []CreditPackage{
			{ID: "basic", Name: "Basic", Credits: 100, PriceCents: 500, PriceID: strings.TrimSpace(cfg.PriceBasicCredits)},
			{ID: "pro", Name: "Pro", Credits: 500, PriceCents: 2000, PriceID: strings.TrimSpace(cfg.PriceProCredits)},
			{ID: "enterprise", Name: "Enterprise", Credits: 2000, PriceCents: 5000, PriceID: strings.TrimSpace(cfg.PriceEnterpriseCredits)},
		},
		tiers: []Tier{
			{ID: enums.TierFree, Name: "Free", PagesPerMonth: FreeTierPages},
			{ID: enums.TierStandard, Name: "Standard", PagesPerMonth: 100, PriceCents: 999, PriceID: strings.TrimSpace(cfg.PriceStandardTier)},
			{ID: enums.TierPremium, Name: "Premium", PagesPerMonth: 500, PriceCents: 1999, PriceID: strings.TrimSpace(cfg.PricePremiumTier)},
		},
	}
}

// Packages lists the credit packages that have a price configured.
func (c *Catalog) Packages() []CreditPackage {
	out := make([]CreditPackage, 0, len(c.packages))
	for _, pkg := range c.packages {
		if pkg.PriceID != "" {
			out = append(out, pkg)
		}
	}
	return out
}

// Tiers lists the free tier and every paid tier that has a price configured.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, 0, len(c.tiers))
	for _, tier := range c.tiers {
		if tier.ID == enums.TierFree || tier.PriceID != "" {
			out = append(out, tier)
		}
	}
	return out
}

// PackageByPrice returns the credit package sold under priceID.
func (c *Catalog) PackageByPrice(priceID string) (CreditPackage, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return CreditPackage{}, false
	}
	for _, pkg := range c.packages {
		if pkg.PriceID == priceID {
			return pkg, true
		}
	}
	return CreditPackage{}, false
}

// Tier returns the tier definition for id.
func (c *Catalog) Tier(id enums.TierID) (Tier, bool) {
	for _, tier := range c.tiers {
		if tier.ID == id {
			return tier, true
		}
	}
	return Tier{}, false
}

// PurchasableTier returns a paid tier that has a price configured.
func (c *Catalog) PurchasableTier(id enums.TierID) (Tier, bool) {
	tier, ok := c.Tier(id)
	if !ok || !tier.ID.IsPaid() || tier.PriceID == "" {
		return Tier{}, false
	}
	return tier, true
}

// TierByPrice maps a processor price id back to a paid tier.
func (c *Catalog) TierByPrice(priceID string) (Tier, bool) {
	priceID = strings.TrimSpace(priceID)
	if priceID == "" {
		return Tier{}, false
	}
	for _, tier := range c.tiers {
		if tier.PriceID == priceID {
			return tier, true
		}
	}
	return Tier{}, false
}
