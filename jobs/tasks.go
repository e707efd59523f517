package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/backoffice/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskRenderDocument re-renders a proposal or invoice PDF.
	TaskRenderDocument = "documents:render"
	// TaskSendMail delivers a message whose first attempt failed.
	TaskSendMail = "mail:send"
	// TaskCleanupIdempotency prunes processed webhook event ids.
	TaskCleanupIdempotency = "maintenance:idempotency-cleanup"
)

// Document kinds accepted by the render task.
const (
	DocumentProposal = "proposal"
	DocumentInvoice  = "invoice"
)

const (
	renderRetries = 5
	mailRetries   = 8
	taskTimeout   = 2 * time.Minute
)

// RenderPayload identifies the document to render.
type RenderPayload struct {
	Kind  string `json:"kind"`
	ID    int64  `json:"id"`
	Force bool   `json:"force"`
}

// MailPayload carries a complete message.
type MailPayload struct {
	Message mail.Message `json:"message"`
}

// CleanupPayload bounds the age of kept idempotency keys.
type CleanupPayload struct {
	OlderThan time.Duration `json:"older_than"`
}

// NewRenderTask builds a documents:render task. Its id collapses duplicate
// retries for the same document while one is still queued.
func NewRenderTask(payload RenderPayload) (*asynq.Task, error) {
	if payload.Kind != DocumentProposal && payload.Kind != DocumentInvoice {
		return nil, fmt.Errorf("jobs: unknown document kind %q", payload.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskRenderDocument, data,
		asynq.TaskID(fmt.Sprintf("render:%s:%d", payload.Kind, payload.ID)),
		asynq.MaxRetry(renderRetries),
		asynq.Timeout(taskTimeout),
		asynq.Queue(QueueDefault),
	), nil
}

// NewMailTask builds a mail:send task.
func NewMailTask(msg mail.Message) (*asynq.Task, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(MailPayload{Message: msg})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSendMail, data,
		asynq.MaxRetry(mailRetries),
		asynq.Timeout(taskTimeout),
		asynq.Queue(QueueDefault),
	), nil
}

// NewCleanupTask builds the periodic idempotency cleanup task.
func NewCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(CleanupPayload{OlderThan: olderThan})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCleanupIdempotency, data, asynq.MaxRetry(3)), nil
}
