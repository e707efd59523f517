package prospects

import (
	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/authz"
)

// MountRoutes registers staff prospect routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(authz.Staff))
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/{id}", h.show)
		r.Put("/{id}/status", h.updateStatus)
		r.Post("/{id}/convert", h.convert)
		r.Get("/{id}/notes", h.listNotes)
		r.Post("/{id}/notes", h.addNote)
	})
}

// MountPublicRoutes registers the unauthenticated opt-out link.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Get("/unsubscribe/{token}", h.unsubscribe)
	r.Post("/unsubscribe/{token}", h.unsubscribe)
}
