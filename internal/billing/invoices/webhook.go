package invoices

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/odyssey-erp/backoffice/internal/billing/gateway"
	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

const (
	webhookModule  = "stripe_webhook"
	maxWebhookBody = 1 << 20
)

// EventParser verifies and decodes gateway deliveries.
type EventParser interface {
	ParseEvent(payload []byte, signature string) (*gateway.Event, error)
}

// Idempotency remembers processed event ids.
type Idempotency interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

// WebhookHandler records settled payment intents. Each event is processed once;
// a failed event is released so the gateway retry can succeed.
type WebhookHandler struct {
	logger  *slog.Logger
	service *Service
	parser  EventParser
	keys    Idempotency
}

// NewWebhookHandler constructs the webhook endpoint.
func NewWebhookHandler(logger *slog.Logger, service *Service, parser EventParser, keys Idempotency) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{logger: logger, service: service, parser: parser, keys: keys}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "unreadable body")
		return
	}
	if len(payload) > maxWebhookBody {
		h.logger.Warn("reject oversized webhook", slog.Int("limit", maxWebhookBody))
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "webhook body exceeds limit")
		return
	}
	event, err := h.parser.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("reject webhook", slog.Any("error", err))
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid signature")
		return
	}
	if event.Type != gateway.EventIntentSucceeded || event.Intent == nil {
		w.WriteHeader(http.StatusOK)
		return
	}

	ctx := r.Context()
	if err := h.keys.CheckAndInsert(ctx, event.ID, webhookModule); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.logger.Error("webhook idempotency", slog.String("event_id", event.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unable to process event")
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(event.Raw, &raw); err != nil {
		h.logger.Warn("decode webhook payload", slog.String("event_id", event.ID), slog.Any("error", err))
		raw = nil
	}
	_, inv, created, err := h.service.RecordGatewayPayment(ctx, GatewayPayment{
		InvoiceID:       event.Intent.InvoiceID,
		PaymentIntentID: event.Intent.ID,
		ChargeID:        event.Intent.ChargeID,
		Amount:          event.Intent.Received,
		Status:          event.Intent.Status,
		Payload:         raw,
	})
	if err != nil {
		if derr := h.keys.Delete(ctx, event.ID, webhookModule); derr != nil {
			h.logger.Error("release webhook key", slog.String("event_id", event.ID), slog.Any("error", derr))
		}
		h.logger.Error("record gateway payment", slog.String("event_id", event.ID), slog.String("intent", event.Intent.ID), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Server Error", "unable to process event")
		return
	}
	h.logger.Info("gateway payment",
		slog.String("event_id", event.ID), slog.Int64("invoice_id", inv.ID), slog.Bool("created", created), slog.String("status", string(inv.Status)))
	w.WriteHeader(http.StatusOK)
}
