package enums

import "slices"

// TierID identifies a subscription tier. TierEnterprise and TierCustom are
// negotiated plans; they carry their own pages-per-month allotment taken
// from checkout metadata.
type TierID string

const (
	TierFree       TierID = "free"
	TierStandard   TierID = "standard"
	TierPremium    TierID = "premium"
	TierEnterprise TierID = "enterprise"
	TierCustom     TierID = "custom"
)

var tiers = []TierID{TierFree, TierStandard, TierPremium, TierEnterprise, TierCustom}

func ParseTierID(raw string) (TierID, error) { return parse("tier", raw, tiers) }

func (t TierID) IsValid() bool { return slices.Contains(tiers, t) }

// IsPaid reports whether the tier is billed through the processor.
func (t TierID) IsPaid() bool { return t != TierFree && t.IsValid() }

// Negotiated reports whether the tier's allotment is set per customer rather
// than by the catalog.
func (t TierID) Negotiated() bool { return t == TierEnterprise || t == TierCustom }
