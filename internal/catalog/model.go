// Package catalog holds the pricing reference tables drafts pick from:
// job rates, base settings, bundled catalog items, discounts and cost tiers.
package catalog

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// JobRate is an hourly rate by job or role.
type JobRate struct {
	ID         int64           `json:"id"`
	Code       string          `json:"code"`
	Name       string          `json:"name"`
	HourlyRate decimal.Decimal `json:"hourly_rate"`
	IsActive   bool            `json:"is_active"`
	SortOrder  int             `json:"sort_order"`
	shared.Timestamps
}

// BaseSetting is a flat add-on applied per line item.
type BaseSetting struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	BaseRate    decimal.Decimal `json:"base_rate"`
	Description string          `json:"description"`
	IsActive    bool            `json:"is_active"`
	SortOrder   int             `json:"sort_order"`
	shared.Timestamps
}

// Item bundles a job rate and a base setting with default hours and quantity.
type Item struct {
	ID              int64           `json:"id"`
	Code            string          `json:"code"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	JobRateID       int64           `json:"job_rate_id"`
	BaseSettingID   int64           `json:"base_setting_id"`
	DefaultHours    decimal.Decimal `json:"default_hours"`
	DefaultQuantity decimal.Decimal `json:"default_quantity"`
	IsActive        bool            `json:"is_active"`
	Tags            string          `json:"tags"`
	SortOrder       int             `json:"sort_order"`
	shared.Timestamps

	// Loaded with the item for pricing.
	HourlyRate decimal.Decimal `json:"hourly_rate"`
	BaseRate   decimal.Decimal `json:"base_rate"`
}

// Discount is a reusable PERCENT or FIXED discount.
type Discount struct {
	ID       int64           `json:"id"`
	Code     string          `json:"code"`
	Name     string          `json:"name"`
	Kind     money.Kind      `json:"kind"`
	Value    decimal.Decimal `json:"value"`
	IsActive bool            `json:"is_active"`
	shared.Timestamps
}

// AmountFor returns the discount applied to base, zero when inactive.
func (d Discount) AmountFor(base decimal.Decimal) decimal.Decimal {
	if !d.IsActive {
		return money.Zero
	}
	return money.DiscountAmount(d.Kind, d.Value, base)
}

// CostTier buckets a project by total for quick estimates. MaxTotal nil means open-ended.
type CostTier struct {
	ID        int64            `json:"id"`
	Code      string           `json:"code"`
	Label     string           `json:"label"`
	MinTotal  decimal.Decimal  `json:"min_total"`
	MaxTotal  *decimal.Decimal `json:"max_total,omitempty"`
	Notes     string           `json:"notes"`
	SortOrder int              `json:"sort_order"`
	IsActive  bool             `json:"is_active"`
	shared.Timestamps
}

// Contains reports whether amount falls inside the tier, bounds inclusive.
func (t CostTier) Contains(amount decimal.Decimal) bool {
	if amount.LessThan(t.MinTotal) {
		return false
	}
	return t.MaxTotal == nil || amount.LessThanOrEqual(*t.MaxTotal)
}

// TierFor picks the first active tier containing amount from tiers ordered by sort order and min total.
func TierFor(tiers []CostTier, amount decimal.Decimal) *CostTier {
	for i := range tiers {
		if tiers[i].IsActive && tiers[i].Contains(amount) {
			return &tiers[i]
		}
	}
	return nil
}
