package jobs

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/backoffice/internal/mail"
)

// Enqueuer is the part of *asynq.Client the Client uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits retry tasks to the queue.
type Client struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewClient constructs a Client backed by Redis.
func NewClient(redisOpts asynq.RedisClientOpt, logger *slog.Logger) *Client {
	return NewClientWithEnqueuer(asynq.NewClient(redisOpts), logger)
}

// NewClientWithEnqueuer wraps an existing enqueuer.
func NewClientWithEnqueuer(queue Enqueuer, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{queue: queue, logger: logger}
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task) error {
	info, err := c.queue.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		c.logger.Debug("task already queued", slog.String("type", task.Type()))
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Info("task enqueued", slog.String("type", task.Type()), slog.String("task_id", info.ID))
	return nil
}

// EnqueueProposalRender queues a forced re-render of a proposal PDF.
func (c *Client) EnqueueProposalRender(ctx context.Context, proposalID int64) error {
	return c.enqueueRender(ctx, RenderPayload{Kind: DocumentProposal, ID: proposalID, Force: true})
}

// EnqueueInvoiceRender queues a forced re-render of an invoice PDF.
func (c *Client) EnqueueInvoiceRender(ctx context.Context, invoiceID int64) error {
	return c.enqueueRender(ctx, RenderPayload{Kind: DocumentInvoice, ID: invoiceID, Force: true})
}

func (c *Client) enqueueRender(ctx context.Context, payload RenderPayload) error {
	task, err := NewRenderTask(payload)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task)
}

// EnqueueMail queues a message for redelivery.
func (c *Client) EnqueueMail(ctx context.Context, msg mail.Message) error {
	task, err := NewMailTask(msg)
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task)
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.queue.Close()
}
