// Package companies owns converted organisations and their contacts.
package companies

import "github.com/odyssey-erp/backoffice/internal/shared"

// Status is the lifecycle state of a company.
type Status string

const (
	StatusProspect Status = "PROSPECT"
	StatusActive   Status = "ACTIVE"
	StatusInactive Status = "INACTIVE"
)

// Address groups postal fields.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Company is an organisation that owns contacts, proposals and invoices.
type Company struct {
	ID                 int64   `json:"id"`
	Name               string  `json:"name"`
	Slug               string  `json:"slug"`
	PrimaryContactName string  `json:"primary_contact_name"`
	PrimaryEmail       string  `json:"primary_email"`
	Phone              string  `json:"phone"`
	Website            string  `json:"website"`
	Address            Address `json:"address"`
	Status             Status  `json:"status"`
	Notes              string  `json:"notes"`
	CreatedBy          *int64  `json:"created_by,omitempty"`
	shared.Timestamps
}

// Contact is a person at a company, unique by email per company.
type Contact struct {
	ID        int64  `json:"id"`
	CompanyID int64  `json:"company_id"`
	Name      string `json:"name"`
	Title     string `json:"title"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	IsPrimary bool   `json:"is_primary"`
	UserID    *int64 `json:"user_id,omitempty"`
	shared.Timestamps
}
