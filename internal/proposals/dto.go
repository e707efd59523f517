package proposals

import "time"

// ListProposalsRequest filters the staff listing.
type ListProposalsRequest struct {
	CompanyID int64
	Limit     int
	Offset    int
}

// SendRequest is the body of POST /proposals/{id}/send.
type SendRequest struct {
	Recipients string `json:"recipients"`
	Subject    string `json:"subject" validate:"max=200"`
	Message    string `json:"message"`
}

// SendOptions customise the outgoing message; blank fields use defaults.
type SendOptions struct {
	Subject string
	Message string
}

// RecipientsRequest adds recipients without sending.
type RecipientsRequest struct {
	Raw        string           `json:"raw"`
	Recipients []RecipientInput `json:"recipients" validate:"dive"`
}

// SignRequest is posted by the client from the signing link.
type SignRequest struct {
	Signature string     `json:"signature" validate:"required,max=200"`
	DueDate   *time.Time `json:"due_date"`
}

// SignInput carries the signing details into MarkSigned.
type SignInput struct {
	Signature      string
	DueDate        *time.Time
	CustomerUserID *int64
}

// CommentRequest adds a COMMENT event.
type CommentRequest struct {
	Body string `json:"body" validate:"required,max=4000"`
}

// GrantViewerRequest shares a proposal with a portal user.
type GrantViewerRequest struct {
	UserID int64 `json:"user_id" validate:"required,gt=0"`
}

// PDFOptions control regeneration of the proposal PDF.
type PDFOptions struct {
	Force     bool `json:"force"`
	Overwrite bool `json:"overwrite"`
	DeleteOld bool `json:"delete_old"`
}

// DepositInvoiceInput is handed to the DepositInvoicer on signing.
type DepositInvoiceInput struct {
	CreatedBy      *int64
	DueDate        *time.Time
	CustomerUserID *int64
}
