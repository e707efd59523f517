package catalog

import "github.com/shopspring/decimal"

// UpdateRateRequest changes a job rate's hourly rate or a base setting's base rate.
type UpdateRateRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// ListItemsRequest filters catalog items.
type ListItemsRequest struct {
	ActiveOnly bool
	Search     string
	Limit      int
	Offset     int
}
