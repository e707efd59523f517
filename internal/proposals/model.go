// Package proposals owns the frozen proposal snapshot and its distribution:
// signing links, recipients, view and signature tracking, events and PDFs.
package proposals

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// EventKind labels a proposal timeline entry.
type EventKind string

const (
	EventCreated EventKind = "CREATED"
	EventSent    EventKind = "SENT"
	EventViewed  EventKind = "VIEWED"
	EventSigned  EventKind = "SIGNED"
	EventUpdated EventKind = "UPDATED"
	EventComment EventKind = "COMMENT"
)

// Proposal is created once from an approved draft and never recomputed from it.
type Proposal struct {
	ID                   int64                 `json:"id"`
	CompanyID            int64                 `json:"company_id"`
	CreatedBy            *int64                `json:"created_by,omitempty"`
	ConvertedFromDraftID *int64                `json:"converted_from_draft_id,omitempty"`
	Title                string                `json:"title"`
	CompanyName          string                `json:"company_name"`
	Currency             string                `json:"currency"`
	ContactName          string                `json:"contact_name"`
	ContactEmail         string                `json:"contact_email"`
	CustomerUserID       *int64                `json:"customer_user_id,omitempty"`
	Subtotal             decimal.Decimal       `json:"subtotal"`
	DiscountTotal        decimal.Decimal       `json:"discount_total"`
	TaxTotal             decimal.Decimal       `json:"tax_total"`
	Total                decimal.Decimal       `json:"total"`
	DepositType          money.Kind            `json:"deposit_type"`
	DepositValue         decimal.Decimal       `json:"deposit_value"`
	DepositAmount        decimal.Decimal       `json:"deposit_amount"`
	RemainingDue         decimal.Decimal       `json:"remaining_due"`
	SignToken            string                `json:"-"`
	TokenExpiresAt       *time.Time            `json:"token_expires_at,omitempty"`
	SentAt               *time.Time            `json:"sent_at,omitempty"`
	ViewedAt             *time.Time            `json:"viewed_at,omitempty"`
	SignedAt             *time.Time            `json:"signed_at,omitempty"`
	PDF                  documents.ArtifactRef `json:"pdf,omitempty"`
	shared.Timestamps

	Lines     []LineItem        `json:"lines,omitempty"`
	Discounts []AppliedDiscount `json:"discounts,omitempty"`
}

// Code is the human reference printed on documents.
func (p Proposal) Code() string {
	return fmt.Sprintf("P-%06d", p.ID)
}

// Recalc derives the header totals from the frozen line and discount copies.
func (p *Proposal) Recalc() {
	p.Subtotal = money.SumLineItems(p.Lines)
	p.DiscountTotal = money.SumDiscounts(p.Discounts)
	p.TaxTotal = money.Q2(p.TaxTotal)
	p.Total = money.ComputeTotal(p.Subtotal, p.DiscountTotal, p.TaxTotal)
	if p.DepositType == "" {
		p.DepositType = money.KindNone
	}
	p.DepositAmount = money.DepositAmount(p.DepositType, p.DepositValue, p.Total)
	p.RemainingDue = p.Total.Sub(p.DepositAmount)
}

// TokenValid reports whether the signing token exists and has not expired at now.
func (p Proposal) TokenValid(now time.Time) bool {
	if p.SignToken == "" || p.TokenExpiresAt == nil {
		return false
	}
	return !now.After(*p.TokenExpiresAt)
}

// LineItem is a frozen copy of a draft item. UnitPrice and Subtotal both equal
// LineTotal so invoices can copy the row as a single unit.
type LineItem struct {
	ID          int64           `json:"id"`
	ProposalID  int64           `json:"proposal_id"`
	SortOrder   int             `json:"sort_order"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Hours       decimal.Decimal `json:"hours"`
	Quantity    decimal.Decimal `json:"quantity"`
	HourlyRate  decimal.Decimal `json:"hourly_rate"`
	BaseRate    decimal.Decimal `json:"base_rate"`
	LineTotal   decimal.Decimal `json:"line_total"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// LineSubtotal implements money.Line.
func (l LineItem) LineSubtotal() decimal.Decimal { return l.LineTotal }

// AppliedDiscount is a frozen copy of the discount applied to the draft.
type AppliedDiscount struct {
	ID            int64           `json:"id"`
	ProposalID    int64           `json:"proposal_id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Kind          money.Kind      `json:"kind"`
	Value         decimal.Decimal `json:"value"`
	AmountApplied decimal.Decimal `json:"amount_applied"`
	SortOrder     int             `json:"sort_order"`
}

// AppliedAmount implements money.Applied.
func (d AppliedDiscount) AppliedAmount() decimal.Decimal { return d.AmountApplied }

// Recipient is unique per (proposal, email).
type Recipient struct {
	ID           int64      `json:"id"`
	ProposalID   int64      `json:"proposal_id"`
	Email        string     `json:"email"`
	Name         string     `json:"name"`
	IsPrimary    bool       `json:"is_primary"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	LastOpenedAt *time.Time `json:"last_opened_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// RecipientInput is one parsed address for UpsertRecipients.
type RecipientInput struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name"`
}

// UpsertResult counts rows created and rows already present.
type UpsertResult struct {
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// Event is an append-only timeline entry.
type Event struct {
	ID         int64          `json:"id"`
	ProposalID int64          `json:"proposal_id"`
	Kind       EventKind      `json:"kind"`
	At         time.Time      `json:"at"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	IP         *string        `json:"ip,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// Summary is the public view returned from the signing link.
type Summary struct {
	Title         string            `json:"title"`
	Code          string            `json:"code"`
	Currency      string            `json:"currency"`
	Subtotal      decimal.Decimal   `json:"subtotal"`
	DiscountTotal decimal.Decimal   `json:"discount_total"`
	TaxTotal      decimal.Decimal   `json:"tax_total"`
	Total         decimal.Decimal   `json:"total"`
	DepositAmount decimal.Decimal   `json:"deposit_amount"`
	RemainingDue  decimal.Decimal   `json:"remaining_due"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
	SignedAt      *time.Time        `json:"signed_at,omitempty"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	Lines         []LineItem        `json:"lines"`
	Discounts     []AppliedDiscount `json:"discounts"`
	FirstView     bool              `json:"first_view"`
}

// SummaryOf builds the public view of p.
func SummaryOf(p *Proposal, firstView bool) Summary {
	return Summary{
		Title:         p.Title,
		Code:          p.Code(),
		Currency:      p.Currency,
		Subtotal:      p.Subtotal,
		DiscountTotal: p.DiscountTotal,
		TaxTotal:      p.TaxTotal,
		Total:         p.Total,
		DepositAmount: p.DepositAmount,
		RemainingDue:  p.RemainingDue,
		SentAt:        p.SentAt,
		SignedAt:      p.SignedAt,
		ExpiresAt:     p.TokenExpiresAt,
		Lines:         p.Lines,
		Discounts:     p.Discounts,
		FirstView:     firstView,
	}
}
