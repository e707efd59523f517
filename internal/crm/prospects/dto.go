package prospects

import (
	"time"

	"github.com/odyssey-erp/backoffice/internal/crm/companies"
)

// CreateProspectRequest is the payload for recording a lead.
type CreateProspectRequest struct {
	FullName       string            `json:"full_name" validate:"max=120"`
	FirstName      string            `json:"first_name" validate:"max=60"`
	LastName       string            `json:"last_name" validate:"max=60"`
	CompanyName    string            `json:"company_name" validate:"max=160"`
	Email          string            `json:"email" validate:"required,email"`
	Phone          string            `json:"phone" validate:"max=40"`
	Address        companies.Address `json:"address"`
	WebsiteURL     string            `json:"website_url" validate:"omitempty,url,max=300"`
	Notes          string            `json:"notes"`
	Tags           string            `json:"tags" validate:"max=200"`
	NextFollowUpAt *time.Time        `json:"next_follow_up_at"`
}

// UpdateStatusRequest moves a prospect to another status code.
type UpdateStatusRequest struct {
	Status Status `json:"status" validate:"required"`
}

// CreateNoteRequest appends a note.
type CreateNoteRequest struct {
	Subject  string `json:"subject" validate:"max=160"`
	Body     string `json:"body" validate:"required"`
	IsPinned bool   `json:"is_pinned"`
}

// ListProspectsRequest filters the prospect index.
type ListProspectsRequest struct {
	Status Status
	Search string
	Limit  int
	Offset int
}
