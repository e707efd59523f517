// Package gateway correlates invoices with Stripe payment intents.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/webhook"

	"github.com/odyssey-erp/backoffice/internal/money"
)

// Event types handled by the invoice webhook.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

const metadataInvoiceID = "invoice_id"

// ErrSignature reports a webhook payload whose signature does not verify.
var ErrSignature = errors.New("invalid webhook signature")

// Config holds the Stripe credentials. Backend overrides the API endpoint in tests.
type Config struct {
	SecretKey     string
	WebhookSecret string
	Backend       stripe.Backend
}

// IntentRequest asks for a payment intent covering amount.
type IntentRequest struct {
	InvoiceID    int64
	Number       string
	Amount       decimal.Decimal
	Currency     string
	ReceiptEmail string
}

// Intent is the part of a Stripe payment intent the ledger keeps.
type Intent struct {
	ID           string          `json:"id"`
	ClientSecret string          `json:"client_secret,omitempty"`
	Status       string          `json:"status"`
	Amount       decimal.Decimal `json:"amount"`
	Received     decimal.Decimal `json:"amount_received"`
	ChargeID     string          `json:"charge_id,omitempty"`
	InvoiceID    int64           `json:"invoice_id"`
}

// Event is a verified webhook delivery.
type Event struct {
	ID     string
	Type   string
	Intent *Intent
	Raw    json.RawMessage
}

// Client talks to Stripe.
type Client struct {
	intents       *paymentintent.Client
	webhookSecret string
}

// New builds a Client. An empty secret key still allows webhook verification.
func New(cfg Config) *Client {
	backend := cfg.Backend
	if backend == nil {
		backend = stripe.GetBackend(stripe.APIBackend)
	}
	return &Client{
		intents:       &paymentintent.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
	}
}

// CreateIntent opens a card payment intent tagged with the invoice id.
func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("payment intent amount must be positive, got %s", req.Amount.StringFixed(2))
	}
	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(money.MinorUnits(req.Amount)),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Description:        stripe.String("Invoice " + req.Number),
	}
	if req.ReceiptEmail != "" {
		params.ReceiptEmail = stripe.String(req.ReceiptEmail)
	}
	params.Context = ctx
	params.AddMetadata(metadataInvoiceID, strconv.FormatInt(req.InvoiceID, 10))
	params.AddMetadata("invoice_number", req.Number)
	params.SetIdempotencyKey(fmt.Sprintf("invoice-%d-%d", req.InvoiceID, money.MinorUnits(req.Amount)))

	pi, err := c.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	return fromStripe(pi), nil
}

// ParseEvent verifies the Stripe-Signature header and decodes payment intent payloads.
func (c *Client) ParseEvent(payload []byte, signature string) (*Event, error) {
	ev, err := webhook.ConstructEventWithOptions(payload, signature, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	out := &Event{ID: ev.ID, Type: string(ev.Type)}
	if ev.Data != nil {
		out.Raw = ev.Data.Raw
	}
	if strings.HasPrefix(out.Type, "payment_intent.") && len(out.Raw) > 0 {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(out.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.Intent = fromStripe(&pi)
	}
	return out, nil
}

func fromStripe(pi *stripe.PaymentIntent) *Intent {
	in := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		Amount:       money.FromMinorUnits(pi.Amount),
		Received:     money.FromMinorUnits(pi.AmountReceived),
	}
	if pi.LatestCharge != nil {
		in.ChargeID = pi.LatestCharge.ID
	}
	if id, err := strconv.ParseInt(pi.Metadata[metadataInvoiceID], 10, 64); err == nil {
		in.InvoiceID = id
	}
	return in
}
