package drafts

import (
	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/authz"
)

// MountRoutes registers draft routes under /drafts.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(authz.Staff))
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.show)
		r.Post("/{id}/items", h.addItem)
		r.Put("/{id}/items/{itemID}", h.updateItem)
		r.Delete("/{id}/items/{itemID}", h.removeItem)
		r.Post("/{id}/items/reorder", h.reorderItems)
		r.Post("/{id}/notes", h.addNote)
		r.Put("/{id}/notes/{noteID}", h.updateNote)
		r.Delete("/{id}/notes/{noteID}", h.removeNote)
		r.Put("/{id}/discount", h.setDiscount)
		r.Put("/{id}/tax", h.setTax)
		r.Put("/{id}/deposit", h.setDeposit)
		r.Put("/{id}/estimate", h.setEstimate)
		r.Post("/{id}/recalc", h.recalc)
		r.Post("/{id}/submit", h.submit)
		r.Post("/{id}/convert", h.convert)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(authz.Management))
		r.Post("/{id}/approve", h.decision(true))
		r.Post("/{id}/reject", h.decision(false))
	})
}
