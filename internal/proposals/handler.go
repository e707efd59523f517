package proposals

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

// Handler serves staff and public proposal endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	authz   authz.Middleware
}

// NewHandler constructs a proposal Handler.
func NewHandler(logger *slog.Logger, service *Service, mw authz.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, authz: mw}
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := shared.PageFromRequest(r)
	companyID, _ := strconv.ParseInt(r.URL.Query().Get("company_id"), 10, 64)
	items, total, err := h.service.List(r.Context(), ListProposalsRequest{CompanyID: companyID, Limit: limit, Offset: offset})
	if err != nil {
		h.logger.Error("list proposals", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"proposals":  items,
		"pagination": shared.NewPagination(page, limit, total),
	})
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, p)
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	events, err := h.service.Events(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) recipients(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	list, err := h.service.Recipients(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"recipients": list})
}

func (h *Handler) addRecipients(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req RecipientsRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	res, err := h.service.UpsertRecipients(r.Context(), authz.PrincipalFromContext(r.Context()), id, req.Raw, req.Recipients)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	p, res, err := h.service.Send(r.Context(), authz.PrincipalFromContext(r.Context()), id, req)
	if err != nil {
		h.logger.Error("send proposal", slog.Int64("proposal_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"proposal":    p,
		"recipients":  res,
		"signing_url": h.service.SigningURL(p.SignToken),
	})
}

func (h *Handler) signingLink(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	url, err := h.service.EnsureSigningLink(r.Context(), authz.PrincipalFromContext(r.Context()), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"signing_url": url})
}

func (h *Handler) comment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	var req CommentRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	e, err := h.service.AddComment(r.Context(), authz.PrincipalFromContext(r.Context()), id, req.Body)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, e)
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
	if err := h.service.GrantViewer(r.Context(), authz.PrincipalFromContext(r.Context()), id, req.UserID); err != nil {
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
		h.logger.Error("render proposal pdf", slog.Int64("proposal_id", id), slog.Any("error", err))
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
	rc, err := h.service.OpenPDF(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.streamPDF(w, rc, "proposal-"+strconv.FormatInt(id, 10)+".pdf")
}

// Public signing link handlers.

func (h *Handler) publicView(w http.ResponseWriter, r *http.Request) {
	p, first, err := h.service.MarkViewed(r.Context(), chi.URLParam(r, "token"), httpx.ClientIP(r), authz.PrincipalFromContext(r.Context()))
	if err != nil {
		httpx.RespondPublicError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, SummaryOf(p, first))
}

func (h *Handler) publicPDF(w http.ResponseWriter, r *http.Request) {
	p, rc, err := h.service.OpenPublicPDF(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		if !errors.Is(err, shared.ErrNotFound) {
			h.logger.Error("public proposal pdf", slog.Any("error", err))
		}
		httpx.RespondPublicError(w, err)
		return
	}
	h.streamPDF(w, rc, p.Code()+".pdf")
}

func (h *Handler) publicSign(w http.ResponseWriter, r *http.Request) {
	var req SignRequest
	if err := httpx.Bind(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := SignInput{Signature: req.Signature, DueDate: req.DueDate}
	in.CustomerUserID = authz.PrincipalFromContext(r.Context()).ActorID()
	p, err := h.service.MarkSigned(r.Context(), chi.URLParam(r, "token"), httpx.ClientIP(r), in)
	if err != nil {
		httpx.RespondPublicError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, SummaryOf(p, false))
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
