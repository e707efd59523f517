// Package invoices keeps invoices and the payments recorded against them.
package invoices

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Status is the settlement state of an invoice.
type Status string

const (
	StatusDraft   Status = "DRAFT"
	StatusSent    Status = "SENT"
	StatusPartial Status = "PARTIAL"
	StatusPaid    Status = "PAID"
	StatusVoid    Status = "VOID"
)

// Method is how a payment was received.
type Method string

const (
	MethodCard    Method = "CARD"
	MethodACH     Method = "ACH"
	MethodCheck   Method = "CHECK"
	MethodCash    Method = "CASH"
	MethodGateway Method = "GATEWAY"
	MethodOther   Method = "OTHER"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodACH, MethodCheck, MethodCash, MethodGateway, MethodOther:
		return true
	}
	return false
}

// Invoice is a frozen bill for a company.
type Invoice struct {
	ID                      int64                 `json:"id"`
	CompanyID               int64                 `json:"company_id"`
	ProposalID              *int64                `json:"proposal_id,omitempty"`
	CustomerUserID          *int64                `json:"customer_user_id,omitempty"`
	CustomerContactID       *int64                `json:"customer_contact_id,omitempty"`
	Number                  string                `json:"number"`
	Currency                string                `json:"currency"`
	IssueDate               time.Time             `json:"issue_date"`
	DueDate                 *time.Time            `json:"due_date,omitempty"`
	Subtotal                decimal.Decimal       `json:"subtotal"`
	DiscountTotal           decimal.Decimal       `json:"discount_total"`
	TaxTotal                decimal.Decimal       `json:"tax_total"`
	Total                   decimal.Decimal       `json:"total"`
	MinimumDue              decimal.Decimal       `json:"minimum_due"`
	AmountPaid              decimal.Decimal       `json:"amount_paid"`
	Status                  Status                `json:"status"`
	ViewToken               string                `json:"-"`
	PDF                     documents.ArtifactRef `json:"pdf,omitempty"`
	CreatedBy               *int64                `json:"created_by,omitempty"`
	StripeCustomerID        string                `json:"stripe_customer_id,omitempty"`
	StripePaymentIntentID   string                `json:"stripe_payment_intent_id,omitempty"`
	StripeCheckoutSessionID string                `json:"stripe_checkout_session_id,omitempty"`
	StripeStatus            string                `json:"stripe_status,omitempty"`
	CompanyName             string                `json:"company_name"`
	shared.Timestamps

	Lines     []LineItem        `json:"lines"`
	Discounts []AppliedDiscount `json:"discounts"`
}

// BalanceDue is total minus amount paid.
func (inv *Invoice) BalanceDue() decimal.Decimal {
	return inv.Total.Sub(inv.AmountPaid)
}

// AmountDueNow is what a gateway payment should collect: the deposit while
// nothing is paid yet, otherwise the balance.
func (inv *Invoice) AmountDueNow() decimal.Decimal {
	balance := inv.BalanceDue()
	if inv.AmountPaid.IsZero() && inv.MinimumDue.IsPositive() && inv.MinimumDue.LessThan(balance) {
		return inv.MinimumDue
	}
	return balance
}

// Recalc derives subtotal, discount and total from the copied lines.
func (inv *Invoice) Recalc() {
	inv.Subtotal = money.SumLineItems(inv.Lines)
	inv.DiscountTotal = money.SumDiscounts(inv.Discounts)
	inv.TaxTotal = money.Q2(inv.TaxTotal)
	inv.Total = money.ComputeTotal(inv.Subtotal, inv.DiscountTotal, inv.TaxTotal)
}

// RefreshStatus recomputes amount_paid from every payment and derives the
// status. DRAFT and VOID are never changed by payments.
func (inv *Invoice) RefreshStatus(payments []Payment) {
	paid := money.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	inv.AmountPaid = paid
	switch {
	case inv.Status == StatusDraft || inv.Status == StatusVoid:
	case !inv.BalanceDue().IsPositive():
		inv.Status = StatusPaid
	case paid.IsPositive():
		inv.Status = StatusPartial
	default:
		inv.Status = StatusSent
	}
}

// LineItem is a copied invoice line.
type LineItem struct {
	ID          int64           `json:"id"`
	InvoiceID   int64           `json:"invoice_id"`
	SortOrder   int             `json:"sort_order"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// LineSubtotal implements money.Line.
func (l LineItem) LineSubtotal() decimal.Decimal { return l.Subtotal }

// AppliedDiscount is a copied discount.
type AppliedDiscount struct {
	ID            int64           `json:"id"`
	InvoiceID     int64           `json:"invoice_id"`
	Code          string          `json:"code"`
	Name          string          `json:"name"`
	Kind          money.Kind      `json:"kind"`
	Value         decimal.Decimal `json:"value"`
	AmountApplied decimal.Decimal `json:"amount_applied"`
	SortOrder     int             `json:"sort_order"`
}

// AppliedAmount implements money.Applied.
func (d AppliedDiscount) AppliedAmount() decimal.Decimal { return d.AmountApplied }

// Payment is money received against an invoice. Amounts are never edited.
type Payment struct {
	ID                    int64           `json:"id"`
	InvoiceID             int64           `json:"invoice_id"`
	Amount                decimal.Decimal `json:"amount"`
	Method                Method          `json:"method"`
	Reference             string          `json:"reference"`
	PayerUserID           *int64          `json:"payer_user_id,omitempty"`
	ReceivedAt            time.Time       `json:"received_at"`
	Notes                 string          `json:"notes"`
	CreatedBy             *int64          `json:"created_by,omitempty"`
	StripePaymentIntentID string          `json:"stripe_payment_intent_id,omitempty"`
	StripeChargeID        string          `json:"stripe_charge_id,omitempty"`
	GatewayStatus         string          `json:"gateway_status,omitempty"`
	GatewayPayload        map[string]any  `json:"gateway_payload,omitempty"`
	shared.Timestamps
}
