// Package prospects tracks outreach leads and converts them into companies.
package prospects

import (
	"strings"
	"time"

	"github.com/odyssey-erp/backoffice/internal/crm/companies"
)

// Status is the short outreach status code stored on a prospect.
type Status string

const (
	StatusNew          Status = "NEW"
	StatusResearched   Status = "RES"
	StatusReady        Status = "RDY"
	StatusEmailed      Status = "EML"
	StatusReplied      Status = "RPL"
	StatusBounced      Status = "BNC"
	StatusUnsubscribed Status = "UNS"
	StatusWon          Status = "WON"
	StatusLost         Status = "LST"
)

var statusLabels = map[Status]string{
	StatusNew:          "New",
	StatusResearched:   "Researched",
	StatusReady:        "Ready to Contact",
	StatusEmailed:      "Emailed",
	StatusReplied:      "Replied",
	StatusBounced:      "Bounced",
	StatusUnsubscribed: "Unsubscribed",
	StatusWon:          "Converted",
	StatusLost:         "Not a Fit",
}

// Valid reports whether s is a known status code.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label returns the display label.
func (s Status) Label() string {
	return statusLabels[s]
}

const unnamedCompany = "Unnamed Company"

// Prospect is a lead. Status is WON exactly when CompanyID is set.
type Prospect struct {
	ID               int64             `json:"id"`
	FullName         string            `json:"full_name"`
	FirstName        string            `json:"first_name"`
	LastName         string            `json:"last_name"`
	CompanyName      string            `json:"company_name"`
	Email            string            `json:"email"`
	Phone            string            `json:"phone"`
	Address          companies.Address `json:"address"`
	WebsiteURL       string            `json:"website_url"`
	Notes            string            `json:"notes"`
	Tags             string            `json:"tags"`
	Status           Status            `json:"status"`
	DoNotContact     bool              `json:"do_not_contact"`
	UnsubscribeToken string            `json:"-"`
	LastContactedAt  *time.Time        `json:"last_contacted_at,omitempty"`
	NextFollowUpAt   *time.Time        `json:"next_follow_up_at,omitempty"`
	CreatedBy        *int64            `json:"created_by,omitempty"`
	UpdatedBy        *int64            `json:"updated_by,omitempty"`
	CompanyID        *int64            `json:"company_id,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// TagList splits the comma separated tags.
func (p Prospect) TagList() []string {
	var out []string
	for _, t := range strings.Split(p.Tags, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ResolvedCompanyName is the company name a conversion would use.
func (p Prospect) ResolvedCompanyName() string {
	if name := coalesce(p.CompanyName, p.FullName); name != "" {
		return name
	}
	return unnamedCompany
}

// ResolvedContactName is the contact name a conversion would use.
func (p Prospect) ResolvedContactName() string {
	return coalesce(p.FullName, p.FirstName+" "+p.LastName)
}

// ResolvedContactEmail is the lower-cased contact email.
func (p Prospect) ResolvedContactEmail() string {
	return strings.ToLower(coalesce(p.Email))
}

// Note is a free-text log entry on a prospect.
type Note struct {
	ID         int64     `json:"id"`
	ProspectID int64     `json:"prospect_id"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	IsPinned   bool      `json:"is_pinned"`
	CreatedBy  *int64    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
