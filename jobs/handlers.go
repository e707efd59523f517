package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/backoffice/internal/billing/invoices"
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/mail"
	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ProposalRenderer renders proposal PDFs.
type ProposalRenderer interface {
	RenderPDF(ctx context.Context, id int64, opts proposals.PDFOptions) (documents.ArtifactRef, error)
}

// InvoiceRenderer renders invoice PDFs.
type InvoiceRenderer interface {
	RenderPDF(ctx context.Context, id int64, opts invoices.PDFOptions) (documents.ArtifactRef, error)
}

// KeyCleaner prunes old idempotency keys.
type KeyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// Handlers processes the retry tasks.
type Handlers struct {
	Proposals ProposalRenderer
	Invoices  InvoiceRenderer
	Mailer    mail.Sender
	Keys      KeyCleaner
	Metrics   *Metrics
	Logger    *slog.Logger
}

func (h *Handlers) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// permanent stops retries for errors a later attempt cannot fix.
func permanent(err error) error {
	if errors.Is(err, shared.ErrNotFound) || errors.Is(err, shared.ErrValidation) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// HandleRender processes TaskRenderDocument tasks.
func (h *Handlers) HandleRender(ctx context.Context, t *asynq.Task) error {
	tracker := h.Metrics.Track(TaskRenderDocument)
	var payload RenderPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("decode render payload: %w", asynq.SkipRetry))
	}
	var (
		ref documents.ArtifactRef
		err error
	)
	switch payload.Kind {
	case DocumentProposal:
		if h.Proposals == nil {
			return tracker.End(errors.New("proposal renderer not configured"))
		}
		ref, err = h.Proposals.RenderPDF(ctx, payload.ID, proposals.PDFOptions{Force: payload.Force, Overwrite: true, DeleteOld: true})
	case DocumentInvoice:
		if h.Invoices == nil {
			return tracker.End(errors.New("invoice renderer not configured"))
		}
		ref, err = h.Invoices.RenderPDF(ctx, payload.ID, invoices.PDFOptions{Force: payload.Force})
	default:
		return tracker.End(fmt.Errorf("unknown document kind %q: %w", payload.Kind, asynq.SkipRetry))
	}
	if err != nil {
		h.logger().Warn("render retry failed", slog.String("kind", payload.Kind), slog.Int64("id", payload.ID), slog.Any("error", err))
		return tracker.End(permanent(err))
	}
	h.logger().Info("document rendered", slog.String("kind", payload.Kind), slog.Int64("id", payload.ID), slog.String("ref", string(ref)))
	return tracker.End(nil)
}

// HandleMail processes TaskSendMail tasks.
func (h *Handlers) HandleMail(ctx context.Context, t *asynq.Task) error {
	tracker := h.Metrics.Track(TaskSendMail)
	var payload MailPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("decode mail payload: %w", asynq.SkipRetry))
	}
	if err := payload.Message.Validate(); err != nil {
		return tracker.End(fmt.Errorf("%w: %w", err, asynq.SkipRetry))
	}
	if h.Mailer == nil {
		return tracker.End(errors.New("mailer not configured"))
	}
	if err := h.Mailer.Send(ctx, payload.Message); err != nil {
		h.logger().Warn("mail retry failed", slog.String("subject", payload.Message.Subject), slog.Any("error", err))
		return tracker.End(err)
	}
	h.logger().Info("mail delivered on retry", slog.String("subject", payload.Message.Subject), slog.Int("recipients", len(payload.Message.To)))
	return tracker.End(nil)
}

// HandleCleanup processes TaskCleanupIdempotency tasks.
func (h *Handlers) HandleCleanup(ctx context.Context, t *asynq.Task) error {
	tracker := h.Metrics.Track(TaskCleanupIdempotency)
	var payload CleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(fmt.Errorf("decode cleanup payload: %w", asynq.SkipRetry))
	}
	if h.Keys == nil || payload.OlderThan <= 0 {
		return tracker.End(nil)
	}
	return tracker.End(h.Keys.Cleanup(ctx, payload.OlderThan))
}

// TaskHandlers lists the handlers to register on the worker.
func (h *Handlers) TaskHandlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskRenderDocument, Handler: h.HandleRender},
		{Type: TaskSendMail, Handler: h.HandleMail},
		{Type: TaskCleanupIdempotency, Handler: h.HandleCleanup},
	}
}
