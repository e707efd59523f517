package invoices

import (
	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/authz"
)

// MountRoutes registers authenticated invoice routes. Clients reach the read
// routes for invoices they own or were granted.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAuthenticated())
		r.Get("/", h.list)
		r.Get("/{id}", h.show)
		r.Get("/{id}/payments", h.payments)
		r.Get("/{id}/pdf", h.downloadPDF)
		r.Post("/{id}/payment-intent", h.paymentIntent)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(authz.Staff))
		r.Post("/", h.create)
		r.Post("/{id}/lines", h.addLine)
		r.Post("/{id}/discounts", h.addDiscount)
		r.Post("/{id}/recalc", h.recalc)
		r.Post("/{id}/issue", h.issue)
		r.Post("/{id}/payments", h.recordPayment)
		r.Post("/{id}/viewers", h.grantViewer)
		r.Post("/{id}/pdf", h.renderPDF)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.authz.RequireAny(authz.Management))
		r.Post("/{id}/void", h.void)
	})
}

// MountPublicRoutes registers the view link under /invoices/v.
func (h *Handler) MountPublicRoutes(r chi.Router) {
	r.Get("/{token}/", h.publicView)
	r.Get("/{token}/pdf/", h.publicPDF)
}
