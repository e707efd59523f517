package companies

import (
	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/authz"
)

// MountRoutes registers company routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(authz.Staff))
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.show)
		r.Post("/{id}/contacts", h.addContact)
	})
}
