package app

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/backoffice/internal/billing/gateway"
	"github.com/odyssey-erp/backoffice/internal/billing/invoices"
	"github.com/odyssey-erp/backoffice/internal/catalog"
	"github.com/odyssey-erp/backoffice/internal/crm/companies"
	"github.com/odyssey-erp/backoffice/internal/crm/prospects"
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/mail"
	"github.com/odyssey-erp/backoffice/internal/observability"
	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/proposals/drafts"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ServiceDeps lists the infrastructure the domain services are built on.
// Gateway and Retry are optional.
type ServiceDeps struct {
	Pool      *pgxpool.Pool
	Config    *Config
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Mailer    mail.Sender
	Converter documents.Converter
	Gateway   *gateway.Client
	Retry     drafts.RetryEnqueuer
}

// Services holds the wired domain services shared by the HTTP server and the worker.
type Services struct {
	Catalog     *catalog.Service
	Companies   *companies.Service
	Prospects   *prospects.Service
	Drafts      *drafts.Service
	Proposals   *proposals.Service
	Invoices    *invoices.Service
	Documents   *documents.Service
	Idempotency *shared.IdempotencyStore
}

// NewServices builds every repository and service against the pool.
func NewServices(deps ServiceDeps) (*Services, error) {
	if deps.Pool == nil {
		return nil, errors.New("app: database pool required")
	}
	if deps.Config == nil {
		return nil, errors.New("app: config required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var recorder shared.Recorder = shared.NopRecorder{}
	var observer documents.Observer
	if deps.Metrics != nil {
		recorder = deps.Metrics
		observer = deps.Metrics
	}

	store, err := documents.NewFSStore(deps.Config.ArtifactDir)
	if err != nil {
		return nil, fmt.Errorf("app: artifact store: %w", err)
	}
	renderer := documents.NewService(deps.Converter, store, documents.ParseMode(deps.Config.ArtifactMode), observer, logger)

	auditor := shared.NewAuditLogger(deps.Pool)

	catalogService := catalog.NewService(catalog.NewRepository(deps.Pool), auditor, logger)
	companyService := companies.NewService(companies.NewRepository(deps.Pool), logger)
	prospectService := prospects.NewService(prospects.NewRepository(deps.Pool), auditor, logger)

	proposalService := proposals.NewService(
		proposals.NewRepository(deps.Pool),
		renderer,
		deps.Mailer,
		nil,
		recorder,
		proposals.Config{PublicBaseURL: deps.Config.PublicBaseURL, SignTokenTTL: deps.Config.SignTokenTTL},
		logger,
	)

	invoiceDeps := invoices.Deps{
		Contacts: companyService,
		Renderer: renderer,
		Auditor:  auditor,
		Recorder: recorder,
	}
	if deps.Gateway != nil {
		invoiceDeps.Gateway = deps.Gateway
	}
	invoiceService := invoices.NewService(
		invoices.NewRepository(deps.Pool),
		invoiceDeps,
		invoices.Config{PublicBaseURL: deps.Config.PublicBaseURL},
		logger,
	)
	// signing a proposal opens its deposit invoice
	proposalService.SetInvoicer(invoiceService)

	draftService := drafts.NewService(drafts.NewRepository(deps.Pool), drafts.Deps{
		Catalog:   catalogService,
		Companies: companyService,
		PDF:       proposalService,
		Retry:     deps.Retry,
		Auditor:   auditor,
		Recorder:  recorder,
	}, logger)

	return &Services{
		Catalog:     catalogService,
		Companies:   companyService,
		Prospects:   prospectService,
		Drafts:      draftService,
		Proposals:   proposalService,
		Invoices:    invoiceService,
		Documents:   renderer,
		Idempotency: shared.NewIdempotencyStore(deps.Pool),
	}, nil
}
