package proposals

import (
	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/authz"
)

// MountRoutes registers authenticated proposal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(authz.Staff))
		r.Get("/", h.list)
		r.Get("/{id}", h.show)
		r.Get("/{id}/events", h.events)
		r.Get("/{id}/recipients", h.recipients)
		r.Post("/{id}/recipients", h.addRecipients)
		r.Post("/{id}/send", h.send)
		r.Post("/{id}/signing-link", h.signingLink)
		r.Post("/{id}/viewers", h.grantViewer)
		r.Post("/{id}/pdf", h.renderPDF)
		r.Get("/{id}/pdf", h.downloadPDF)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAuthenticated())
		r.Post("/{id}/comments", h.comment)
	})
}

// MountPublicRoutes registers the signing link under /proposals/s.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Get("/{token}/", h.publicView)
	r.Get("/{token}/pdf/", h.publicPDF)
	r.Post("/{token}/sign", h.publicSign)
}
