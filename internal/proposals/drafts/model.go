// Package drafts implements the editable proposal draft and its approval
// workflow up to the conversion into a frozen proposal.
package drafts

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/catalog"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ApprovalStatus is the workflow state of a draft.
type ApprovalStatus string

const (
	StatusDraft     ApprovalStatus = "DRAFT"
	StatusSubmitted ApprovalStatus = "SUBMITTED"
	StatusApproved  ApprovalStatus = "APPROVED"
	StatusRejected  ApprovalStatus = "REJECTED"
	StatusConverted ApprovalStatus = "CONVERTED"
)

// Editable reports whether items, notes and header fields may change.
func (s ApprovalStatus) Editable() bool {
	return s == StatusDraft || s == StatusRejected
}

// Draft is the working copy staff edit before approval.
type Draft struct {
	ID                 int64           `json:"id"`
	CompanyID          int64           `json:"company_id"`
	CreatedBy          *int64          `json:"created_by,omitempty"`
	Title              string          `json:"title"`
	Currency           string          `json:"currency"`
	DiscountID         *int64          `json:"discount_id,omitempty"`
	ContactName        string          `json:"contact_name"`
	ContactEmail       string          `json:"contact_email"`
	Subtotal           decimal.Decimal `json:"subtotal"`
	DiscountTotal      decimal.Decimal `json:"discount_total"`
	TaxTotal           decimal.Decimal `json:"tax_total"`
	Total              decimal.Decimal `json:"total"`
	DepositType        money.Kind      `json:"deposit_type"`
	DepositValue       decimal.Decimal `json:"deposit_value"`
	DepositAmount      decimal.Decimal `json:"deposit_amount"`
	RemainingDue       decimal.Decimal `json:"remaining_due"`
	EstimateTierID     *int64          `json:"estimate_tier_id,omitempty"`
	EstimateManual     bool            `json:"estimate_manual"`
	EstimateLow        decimal.Decimal `json:"estimate_low"`
	EstimateHigh       decimal.Decimal `json:"estimate_high"`
	ApprovalStatus     ApprovalStatus  `json:"approval_status"`
	SubmittedBy        *int64          `json:"submitted_by,omitempty"`
	SubmittedAt        *time.Time      `json:"submitted_at,omitempty"`
	AssignedReviewerID *int64          `json:"assigned_reviewer_id,omitempty"`
	ApprovedBy         *int64          `json:"approved_by,omitempty"`
	ApprovalNotes      string          `json:"approval_notes"`
	ApprovalAt         *time.Time      `json:"approval_at,omitempty"`
	shared.Timestamps

	Items []Item `json:"items"`
	Notes []Note `json:"notes"`
}

// Item is a catalog pick with snapshotted name and rates.
type Item struct {
	ID            int64           `json:"id"`
	DraftID       int64           `json:"draft_id"`
	CatalogItemID int64           `json:"catalog_item_id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	HourlyRate    decimal.Decimal `json:"hourly_rate"`
	BaseRate      decimal.Decimal `json:"base_rate"`
	Hours         decimal.Decimal `json:"hours"`
	Quantity      decimal.Decimal `json:"quantity"`
	LineTotal     decimal.Decimal `json:"line_total"`
	SortOrder     int             `json:"sort_order"`
}

// LineSubtotal implements money.Line.
func (i Item) LineSubtotal() decimal.Decimal { return i.LineTotal }

// Price recomputes the line total from the snapshotted rates.
func (i *Item) Price() {
	i.LineTotal = money.LineTotal(i.Hours, i.Quantity, i.HourlyRate, i.BaseRate)
}

// Note is a free-text section printed with the proposal.
type Note struct {
	ID        int64  `json:"id"`
	DraftID   int64  `json:"draft_id"`
	Heading   string `json:"heading"`
	Body      string `json:"body"`
	SortOrder int    `json:"sort_order"`
}

// Recalc derives every total from the current items. discount may be nil;
// tiers are consulted for the estimate unless it was set manually.
func (d *Draft) Recalc(discount *catalog.Discount, tiers []catalog.CostTier) {
	d.Subtotal = money.SumLineItems(d.Items)
	d.DiscountTotal = money.Zero
	if discount != nil {
		d.DiscountTotal = discount.AmountFor(d.Subtotal)
	}
	d.TaxTotal = money.Q2(d.TaxTotal)
	d.Total = money.ComputeTotal(d.Subtotal, d.DiscountTotal, d.TaxTotal)
	if d.DepositType == "" {
		d.DepositType = money.KindNone
	}
	d.DepositAmount = money.DepositAmount(d.DepositType, d.DepositValue, d.Total)
	d.RemainingDue = d.Total.Sub(d.DepositAmount)
	d.applyEstimate(tiers)
}

func (d *Draft) applyEstimate(tiers []catalog.CostTier) {
	var tier *catalog.CostTier
	if d.EstimateManual {
		if d.EstimateTierID == nil {
			return
		}
		for i := range tiers {
			if tiers[i].ID == *d.EstimateTierID {
				tier = &tiers[i]
				break
			}
		}
	} else {
		tier = catalog.TierFor(tiers, d.Total)
	}
	if tier == nil {
		d.EstimateTierID = nil
		d.EstimateLow = money.Zero
		d.EstimateHigh = money.Zero
		return
	}
	id := tier.ID
	d.EstimateTierID = &id
	d.EstimateLow = tier.MinTotal
	if tier.MaxTotal != nil {
		d.EstimateHigh = *tier.MaxTotal
	} else {
		d.EstimateHigh = d.Total
	}
}
