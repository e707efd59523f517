package drafts

import (
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/money"
)

// CreateDraftRequest opens a draft for a company.
type CreateDraftRequest struct {
	CompanyID    int64           `json:"company_id" validate:"required,gt=0"`
	Title        string          `json:"title" validate:"required,max=200"`
	Currency     string          `json:"currency" validate:"omitempty,len=3"`
	ContactName  string          `json:"contact_name" validate:"max=160"`
	ContactEmail string          `json:"contact_email" validate:"omitempty,email"`
	DiscountID   *int64          `json:"discount_id"`
	TaxTotal     decimal.Decimal `json:"tax_total"`
	DepositType  money.Kind      `json:"deposit_type" validate:"omitempty,oneof=NONE PERCENT FIXED"`
	DepositValue decimal.Decimal `json:"deposit_value"`
}

// ItemRequest adds a catalog item or changes hours and quantity.
type ItemRequest struct {
	CatalogItemID int64           `json:"catalog_item_id"`
	Hours         decimal.Decimal `json:"hours"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// ReorderRequest lists every item id in the new order.
type ReorderRequest struct {
	ItemIDs []int64 `json:"item_ids" validate:"required,min=1"`
}

// NoteRequest adds or edits a note section.
type NoteRequest struct {
	Heading string `json:"heading" validate:"required,max=200"`
	Body    string `json:"body"`
}

// DiscountRequest selects a catalog discount; null clears it.
type DiscountRequest struct {
	DiscountID *int64 `json:"discount_id"`
}

// TaxRequest sets the tax amount.
type TaxRequest struct {
	TaxTotal decimal.Decimal `json:"tax_total"`
}

// DepositRequest sets the deposit rule.
type DepositRequest struct {
	DepositType  money.Kind      `json:"deposit_type" validate:"required,oneof=NONE PERCENT FIXED"`
	DepositValue decimal.Decimal `json:"deposit_value"`
}

// EstimateRequest pins an estimate tier or returns to automatic selection.
type EstimateRequest struct {
	TierID *int64 `json:"tier_id"`
	Manual bool   `json:"manual"`
}

// SubmitRequest submits for review.
type SubmitRequest struct {
	ReviewerID *int64 `json:"reviewer_id"`
}

// DecisionRequest carries approval or rejection notes.
type DecisionRequest struct {
	Notes string `json:"notes" validate:"max=4000"`
}

// ListDraftsRequest filters the listing.
type ListDraftsRequest struct {
	CompanyID int64
	Status    ApprovalStatus
	Limit     int
	Offset    int
}
