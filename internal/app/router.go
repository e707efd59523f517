package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/billing/invoices"
	"github.com/odyssey-erp/backoffice/internal/catalog"
	"github.com/odyssey-erp/backoffice/internal/crm/companies"
	"github.com/odyssey-erp/backoffice/internal/crm/prospects"
	"github.com/odyssey-erp/backoffice/internal/observability"
	"github.com/odyssey-erp/backoffice/internal/platform/httpx"
	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/proposals/drafts"
	"github.com/odyssey-erp/backoffice/jobs"
	"github.com/odyssey-erp/backoffice/report"
)

// RouterParams groups dependencies for the HTTP router. Nil handlers are not mounted.
type RouterParams struct {
	Logger   *slog.Logger
	Config   *Config
	Sessions SessionLoader
	Metrics  *observability.Metrics

	CatalogHandler  *catalog.Handler
	CompanyHandler  *companies.Handler
	ProspectHandler *prospects.Handler
	DraftHandler    *drafts.Handler
	ProposalHandler *proposals.Handler
	InvoiceHandler  *invoices.Handler
	WebhookHandler  http.Handler
	ReportHandler   *report.Handler
	JobHandler      *jobs.Handler
}

// HandlerDeps carries what NewRouterParams needs beyond the services.
type HandlerDeps struct {
	Logger   *slog.Logger
	Config   *Config
	Sessions SessionLoader
	Metrics  *observability.Metrics
	Parser   invoices.EventParser
	Report   *report.Handler
	Jobs     *jobs.Handler
}

// NewRouterParams builds every HTTP handler on top of svc. The Stripe webhook
// is only mounted when a parser is provided.
func NewRouterParams(svc *Services, deps HandlerDeps) RouterParams {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mw := authz.Middleware{Logger: logger}
	params := RouterParams{
		Logger:          logger,
		Config:          deps.Config,
		Sessions:        deps.Sessions,
		Metrics:         deps.Metrics,
		CatalogHandler:  catalog.NewHandler(logger, svc.Catalog, mw),
		CompanyHandler:  companies.NewHandler(logger, svc.Companies, mw),
		ProspectHandler: prospects.NewHandler(logger, svc.Prospects, mw),
		DraftHandler:    drafts.NewHandler(logger, svc.Drafts, mw),
		ProposalHandler: proposals.NewHandler(logger, svc.Proposals, mw),
		InvoiceHandler:  invoices.NewHandler(logger, svc.Invoices, mw),
		ReportHandler:   deps.Report,
		JobHandler:      deps.Jobs,
	}
	if deps.Parser != nil {
		params.WebhookHandler = invoices.NewWebhookHandler(logger, svc.Invoices, deps.Parser, svc.Idempotency)
	}
	return params
}

// NewRouter constructs the chi.Router with back-office defaults.
func NewRouter(params RouterParams) http.Handler {
	if params.Logger == nil {
		params.Logger = slog.Default()
	}
	mwCfg := MiddlewareConfig{
		Logger:   params.Logger,
		Config:   params.Config,
		Sessions: params.Sessions,
		Metrics:  params.Metrics,
	}

	r := chi.NewRouter()
	for _, mw := range BaseStack(mwCfg) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	// Stripe signs its deliveries; they carry no session and must not be rate limited.
	if params.WebhookHandler != nil {
		r.Method(http.MethodPost, "/webhooks/stripe", params.WebhookHandler)
	}

	r.Group(func(r chi.Router) {
		for _, mw := range SessionStack(mwCfg) {
			r.Use(mw)
		}

		if params.CatalogHandler != nil {
			r.Route("/catalog", params.CatalogHandler.MountRoutes)
		}
		if params.CompanyHandler != nil {
			r.Route("/companies", params.CompanyHandler.MountRoutes)
		}
		if params.ProspectHandler != nil {
			r.Route("/prospects", func(r chi.Router) {
				params.ProspectHandler.MountPublicRoutes(r)
				params.ProspectHandler.MountRoutes(r)
			})
		}
		if params.DraftHandler != nil {
			r.Route("/drafts", params.DraftHandler.MountRoutes)
		}
		if params.ProposalHandler != nil {
			r.Route("/proposals", func(r chi.Router) {
				r.Route("/s", params.ProposalHandler.MountPublicRoutes)
				params.ProposalHandler.MountRoutes(r)
			})
		}
		if params.InvoiceHandler != nil {
			r.Route("/invoices", func(r chi.Router) {
				r.Route("/v", params.InvoiceHandler.MountPublicRoutes)
				params.InvoiceHandler.MountRoutes(r)
			})
		}
		if params.ReportHandler != nil {
			r.Route("/report", params.ReportHandler.MountRoutes)
		}
		if params.JobHandler != nil {
			r.Route("/jobs", params.JobHandler.MountRoutes)
		}
	})

	return r
}
