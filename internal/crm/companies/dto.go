package companies

// CreateCompanyRequest is the payload for creating a company directly.
type CreateCompanyRequest struct {
	Name               string  `json:"name" validate:"required,max=200"`
	PrimaryContactName string  `json:"primary_contact_name" validate:"max=200"`
	PrimaryEmail       string  `json:"primary_email" validate:"omitempty,email"`
	Phone              string  `json:"phone" validate:"max=50"`
	Website            string  `json:"website" validate:"omitempty,url"`
	Address            Address `json:"address"`
	Notes              string  `json:"notes"`
}

// CreateContactRequest adds a contact to a company.
type CreateContactRequest struct {
	Name      string `json:"name" validate:"required,max=200"`
	Title     string `json:"title" validate:"max=120"`
	Email     string `json:"email" validate:"required,email"`
	Phone     string `json:"phone" validate:"max=50"`
	IsPrimary bool   `json:"is_primary"`
}

// ListCompaniesRequest filters the company index.
type ListCompaniesRequest struct {
	Search string
	Status Status
	Limit  int
	Offset int
}
