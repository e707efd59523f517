package invoices

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/money"
)

// LineRequest adds a manual line to a DRAFT invoice.
type LineRequest struct {
	Name        string          `json:"name" validate:"required,max=200"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// DiscountRequest applies a discount to a DRAFT invoice's current subtotal.
type DiscountRequest struct {
	Code  string          `json:"code" validate:"max=40"`
	Name  string          `json:"name" validate:"required,max=120"`
	Kind  money.Kind      `json:"kind" validate:"required,oneof=PERCENT FIXED"`
	Value decimal.Decimal `json:"value"`
}

// CreateInvoiceRequest opens a standalone DRAFT invoice.
type CreateInvoiceRequest struct {
	CompanyID         int64           `json:"company_id" validate:"required,gt=0"`
	CustomerUserID    *int64          `json:"customer_user_id"`
	CustomerContactID *int64          `json:"customer_contact_id"`
	Currency          string          `json:"currency" validate:"omitempty,len=3"`
	DueDate           *time.Time      `json:"due_date"`
	TaxTotal          decimal.Decimal `json:"tax_total"`
	MinimumDue        decimal.Decimal `json:"minimum_due"`
	Lines             []LineRequest   `json:"lines" validate:"dive"`
}

// RecordPaymentRequest records money received.
type RecordPaymentRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Method      Method          `json:"method" validate:"required"`
	Reference   string          `json:"reference" validate:"max=120"`
	PayerUserID *int64          `json:"payer_user_id"`
	ReceivedAt  *time.Time      `json:"received_at"`
	Notes       string          `json:"notes"`
}

// VoidRequest carries the reason shown in the audit log.
type VoidRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// GrantViewerRequest shares an invoice with a user.
type GrantViewerRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// PDFOptions controls re-rendering.
type PDFOptions struct {
	Force bool `json:"force"`
}

// ListInvoicesRequest filters the listing. CustomerUserID limits the result
// to invoices owned by or shared with that user.
type ListInvoicesRequest struct {
	CompanyID      int64
	Status         Status
	CustomerUserID *int64
	Limit          int
	Offset         int
}

// GatewayPayment is a settled payment intent reported by the webhook.
type GatewayPayment struct {
	InvoiceID       int64
	PaymentIntentID string
	ChargeID        string
	Amount          decimal.Decimal
	Status          string
	Payload         map[string]any
}
