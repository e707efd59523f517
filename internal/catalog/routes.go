package catalog

import (
	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/authz"
)

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(authz.Staff))
		r.Get("/items", h.listItems)
		r.Get("/items/{id}", h.showItem)
		r.Get("/discounts", h.listDiscounts)
		r.Get("/tiers", h.listTiers)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(authz.Management))
		r.Put("/job-rates/{id}", h.updateJobRate)
		r.Put("/base-settings/{id}", h.updateBaseRate)
	})
}
