package jobs

import (
	"context"
	"log/slog"

	"github.com/odyssey-erp/backoffice/internal/mail"
)

// MailEnqueuer queues messages for redelivery.
type MailEnqueuer interface {
	EnqueueMail(ctx context.Context, msg mail.Message) error
}

// RetryingSender sends directly and queues a redelivery when the first attempt
// fails. The original error is still returned so callers report the failure.
type RetryingSender struct {
	next   mail.Sender
	queue  MailEnqueuer
	logger *slog.Logger
}

// NewRetryingSender wraps next.
func NewRetryingSender(next mail.Sender, queue MailEnqueuer, logger *slog.Logger) *RetryingSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryingSender{next: next, queue: queue, logger: logger}
}

func (s *RetryingSender) Send(ctx context.Context, msg mail.Message) error {
	err := s.next.Send(ctx, msg)
	if err == nil || s.queue == nil {
		return err
	}
	if qerr := s.queue.EnqueueMail(ctx, msg); qerr != nil {
		s.logger.Error("queue mail retry", slog.String("subject", msg.Subject), slog.Any("error", qerr))
	} else {
		s.logger.Warn("mail failed, retry queued", slog.String("subject", msg.Subject), slog.Any("error", err))
	}
	return err
}
