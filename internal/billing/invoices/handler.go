package invoices

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Handler serves invoice endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	authz   authz.Middleware
}

// NewHandler constructs an invoice Handler.
func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, authz: mw}
}

func principal(r *http.Request) authz.Principal {
	return authz.PrincipalFromContext(r.Context())
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := shared.PageFromRequest(r)
	q := r.URL.Query()
	companyID, _ := strconv.ParseInt(q.Get("company_id"), 10, 64)
	items, total, err := h.service.List(r.Context(), principal(r), ListInvoicesRequest{
		CompanyID: companyID,
		Status:    Status(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.logger.Error("list invoices", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoices":   items,
		"pagination": shared.NewPagination(page, limit, total),
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateInvoiceRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.CreateStandalone(r.Context(), principal(r), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetVisible(r.Context(), principal(r), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) payments(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if _, err := h.service.GetVisible(r.Context(), principal(r), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	list, err := h.service.Payments(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"payments": list})
}

func (h *Handler) addLine(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req LineRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.AddLine(r.Context(), principal(r), id, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) addDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req DiscountRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.AddDiscount(r.Context(), principal(r), id, req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) recalc(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.RecalcTotals(r.Context(), principal(r), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.Issue(r.Context(), principal(r), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) void(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req VoidRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.Void(r.Context(), principal(r), id, req.Reason)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req RecordPaymentRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, inv, err := h.service.RecordPayment(r.Context(), principal(r), id, req)
	if err != nil {
		h.logger.Error("record payment", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"payment":     p,
		"invoice":     inv,
		"balance_due": inv.BalanceDue(),
	})
}

func (h *Handler) grantViewer(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req GrantViewerRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.service.GrantViewer(r.Context(), principal(r), id, req.UserID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) renderPDF(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var opts PDFOptions
	if r.ContentLength != 0 {
		if err := httpx.Bind(r, &opts); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	ref, err := h.service.RenderPDF(r.Context(), id, opts)
	if err != nil {
		h.logger.Error("render invoice pdf", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"pdf": ref})
}

func (h *Handler) downloadPDF(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetVisible(r.Context(), principal(r), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rc, err := h.service.OpenPDF(r.Context(), inv)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.streamPDF(w, rc, inv.Number+".pdf")
}

func (h *Handler) paymentIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	intent, err := h.service.CreatePaymentIntent(r.Context(), principal(r), id)
	if err != nil {
		h.logger.Error("create payment intent", slog.Int64("invoice_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, intent)
}

// Public view link handlers.

func (h *Handler) publicView(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.ByViewToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		httpx.RespondPublicError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"invoice":     inv,
		"balance_due": inv.BalanceDue(),
		"amount_due":  inv.AmountDueNow(),
	})
}

func (h *Handler) publicPDF(w http.ResponseWriter, r *http.Request) {
	inv, err := h.service.ByViewToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		httpx.RespondPublicError(w, err)
		return
	}
	rc, err := h.service.OpenPDF(r.Context(), inv)
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("public invoice pdf", slog.Int64("invoice_id", inv.ID), slog.Any("error", err))
		}
		httpx.RespondPublicError(w, err)
		return
	}
	h.streamPDF(w, rc, inv.Number+".pdf")
}

func (h *Handler) streamPDF(w http.ResponseWriter, rc io.ReadCloser, filename string) {
	defer rc.Close()
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `inline; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream pdf", slog.String("file", filename), slog.Any("error", err))
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid id")
		return 0, false
	}
	return id, true
}
