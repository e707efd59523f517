package drafts

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Handler serves draft endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	authz   authz.Middleware
}

// NewHandler constructs a draft Handler.
func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, authz: mw}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := shared.PageFromRequest(r)
	q := r.URL.Query()
	companyID, _ := strconv.ParseInt(q.Get("company_id"), 10, 64)
	items, total, err := h.service.List(r.Context(), ListDraftsRequest{
		CompanyID: companyID,
		Status:    ApprovalStatus(q.Get("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		h.logger.Error("list drafts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"drafts":     items,
		"pagination": shared.NewPagination(page, limit, total),
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateDraftRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.Create(r.Context(), authz.PrincipalFromContext(r.Context()), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, d)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

// respond writes the draft returned by a mutation.
func (h *Handler) respond(w http.ResponseWriter, d *Draft, err error) {
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req ItemRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.AddItem(r.Context(), authz.PrincipalFromContext(r.Context()), id, req)
	h.respond(w, d, err)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := parseID(w, r, "itemID")
	if !ok {
		return
	}
	var req ItemRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.UpdateItem(r.Context(), authz.PrincipalFromContext(r.Context()), id, itemID, req)
	h.respond(w, d, err)
}

func (h *Handler) removeItem(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := parseID(w, r, "itemID")
	if !ok {
		return
	}
	d, err := h.service.RemoveItem(r.Context(), authz.PrincipalFromContext(r.Context()), id, itemID)
	h.respond(w, d, err)
}

func (h *Handler) reorderItems(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req ReorderRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.ReorderItems(r.Context(), authz.PrincipalFromContext(r.Context()), id, req.ItemIDs)
	h.respond(w, d, err)
}

func (h *Handler) addNote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req NoteRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.AddNote(r.Context(), authz.PrincipalFromContext(r.Context()), id, req)
	h.respond(w, d, err)
}

func (h *Handler) updateNote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	noteID, ok := parseID(w, r, "noteID")
	if !ok {
		return
	}
	var req NoteRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.UpdateNote(r.Context(), authz.PrincipalFromContext(r.Context()), id, noteID, req)
	h.respond(w, d, err)
}

func (h *Handler) removeNote(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	noteID, ok := parseID(w, r, "noteID")
	if !ok {
		return
	}
	d, err := h.service.RemoveNote(r.Context(), authz.PrincipalFromContext(r.Context()), id, noteID)
	h.respond(w, d, err)
}

func (h *Handler) setDiscount(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req DiscountRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.SetDiscount(r.Context(), authz.PrincipalFromContext(r.Context()), id, req.DiscountID)
	h.respond(w, d, err)
}

func (h *Handler) setTax(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req TaxRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.SetTax(r.Context(), authz.PrincipalFromContext(r.Context()), id, req.TaxTotal)
	h.respond(w, d, err)
}

func (h *Handler) setDeposit(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req DepositRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.SetDeposit(r.Context(), authz.PrincipalFromContext(r.Context()), id, req.DepositType, req.DepositValue)
	h.respond(w, d, err)
}

func (h *Handler) setEstimate(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req EstimateRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	d, err := h.service.SetEstimateTier(r.Context(), authz.PrincipalFromContext(r.Context()), id, req.TierID, req.Manual)
	h.respond(w, d, err)
}

func (h *Handler) recalc(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	d, err := h.service.RecalcTotals(r.Context(), authz.PrincipalFromContext(r.Context()), id)
	h.respond(w, d, err)
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	var req SubmitRequest
	if r.ContentLength != 0 {
		if err := httpx.Bind(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	d, err := h.service.Submit(r.Context(), authz.PrincipalFromContext(r.Context()), id, req)
	h.respond(w, d, err)
}

func (h *Handler) decision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "id")
		if !ok {
			return
		}
		var req DecisionRequest
		if r.ContentLength != 0 {
			if err := httpx.Bind(r, &req); err != nil {
				httpx.RespondError(w, err)
				return
			}
		}
		actor := authz.PrincipalFromContext(r.Context())
		var (
			d   *Draft
			err error
		)
		if approve {
			d, err = h.service.Approve(r.Context(), actor, id, req.Notes)
		} else {
			d, err = h.service.Reject(r.Context(), actor, id, req.Notes)
		}
		h.respond(w, d, err)
	}
}

func (h *Handler) convert(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	p, err := h.service.ConvertToProposal(r.Context(), authz.PrincipalFromContext(r.Context()), id)
	if err != nil {
		h.logger.Warn("convert draft", slog.Int64("draft_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, p)
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+param)
		return 0, false
	}
	return id, true
}
