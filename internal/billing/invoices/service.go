package invoices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/billing/gateway"
	"github.com/odyssey-erp/backoffice/internal/crm/companies"
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// numberAttempts bounds regeneration of number and view token after a collision.
const numberAttempts = 3

// ContactResolver finds the company contact an invoice is addressed to.
type ContactResolver interface {
	PrimaryContact(ctx context.Context, companyID int64) (companies.ContactInfo, error)
}

// PaymentGateway opens payment intents.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error)
}

// Config holds invoice link settings.
type Config struct {
	PublicBaseURL string
}

// Deps groups the optional collaborators of the invoice service.
type Deps struct {
	Contacts ContactResolver
	Renderer documents.Renderer
	Gateway  PaymentGateway
	Auditor  shared.Auditor
	Recorder shared.Recorder
}

// Service implements the invoice and payment ledger.
type Service struct {
	repo     Repository
	contacts ContactResolver
	renderer documents.Renderer
	gateway  PaymentGateway
	auditor  shared.Auditor
	recorder shared.Recorder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	renders  singleflight.Group
}

// NewService constructs the invoice Service.
func NewService(repo Repository, deps Deps, cfg Config, logger *slog.Logger) *Service {
	if deps.Auditor == nil {
		deps.Auditor = shared.NopAuditor{}
	}
	if deps.Recorder == nil {
		deps.Recorder = shared.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Service{
		repo:     repo,
		contacts: deps.Contacts,
		renderer: deps.Renderer,
		gateway:  deps.Gateway,
		auditor:  deps.Auditor,
		recorder: deps.Recorder,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ViewURL is the public link behind a view token.
func (s *Service) ViewURL(token string) string {
	return s.cfg.PublicBaseURL + "/invoices/v/" + token + "/"
}

// Get returns an invoice with lines and discounts.
func (s *Service) Get(ctx context.Context, id int64) (*Invoice, error) {
	return s.repo.Get(ctx, id)
}

// List returns the invoices visible to actor. Non-staff only see their own and shared invoices.
func (s *Service) List(ctx context.Context, actor authz.Principal, req ListInvoicesRequest) ([]Invoice, int, error) {
	if actor.IsAnonymous() {
		return nil, 0, fmt.Errorf("%w: sign in required", shared.ErrForbidden)
	}
	if !actor.Can(authz.Staff) {
		uid := actor.UserID
		req.CustomerUserID = &uid
	}
	return s.repo.List(ctx, req)
}

// Payments lists payments newest first.
func (s *Service) Payments(ctx context.Context, id int64) ([]Payment, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListPayments(ctx, id)
}

func newNumber(at time.Time) string {
	return "INV-" + at.Format("20060102") + "-" + strings.ToUpper(uuid.NewString()[:8])
}

// create stores inv with its lines, regenerating number and view token on a collision.
func (s *Service) create(ctx context.Context, inv *Invoice) error {
	var err error
	for attempt := 0; attempt < numberAttempts; attempt++ {
		inv.Number = newNumber(s.now())
		if inv.ViewToken, err = shared.NewURLToken(shared.TokenBytes); err != nil {
			return fmt.Errorf("generate view token: %w", err)
		}
		err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
			id, err := repo.Create(ctx, inv)
			if err != nil {
				return err
			}
			if err := repo.InsertLines(ctx, id, inv.Lines); err != nil {
				return err
			}
			if err := repo.InsertDiscounts(ctx, id, inv.Discounts); err != nil {
				return err
			}
			inv.ID = id
			return nil
		})
		if err == nil || !errors.Is(err, shared.ErrIntegrity) || errors.Is(err, ErrAlreadyInvoiced) {
			return err
		}
		s.logger.Warn("invoice number collision", slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return fmt.Errorf("allocate invoice number after %d attempts: %w", numberAttempts, err)
}

// FromProposal creates the invoice for a signed proposal once. Later calls,
// including concurrent ones, return the invoice created first.
func (s *Service) FromProposal(ctx context.Context, p *proposals.Proposal, in proposals.DepositInvoiceInput) (*Invoice, error) {
	existing, err := s.repo.GetByProposal(ctx, p.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	proposalID := p.ID
	inv := &Invoice{
		CompanyID:      p.CompanyID,
		ProposalID:     &proposalID,
		CustomerUserID: in.CustomerUserID,
		Currency:       p.Currency,
		IssueDate:      s.now(),
		DueDate:        in.DueDate,
		TaxTotal:       p.TaxTotal,
		MinimumDue:     p.DepositAmount,
		AmountPaid:     money.Zero,
		Status:         StatusSent,
		CreatedBy:      in.CreatedBy,
		CompanyName:    p.CompanyName,
	}
	if inv.CustomerUserID == nil {
		inv.CustomerUserID = p.CustomerUserID
	}
	if s.contacts != nil {
		info, err := s.contacts.PrimaryContact(ctx, p.CompanyID)
		if err != nil {
			return nil, fmt.Errorf("resolve invoice contact: %w", err)
		}
		inv.CustomerContactID = info.ContactID
	}
	for _, l := range p.Lines {
		inv.Lines = append(inv.Lines, LineItem{
			SortOrder:   l.SortOrder,
			Name:        l.Name,
			Description: l.Description,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
			Subtotal:    l.Subtotal,
		})
	}
	for _, d := range p.Discounts {
		inv.Discounts = append(inv.Discounts, AppliedDiscount{
			Code:          d.Code,
			Name:          d.Name,
			Kind:          d.Kind,
			Value:         d.Value,
			AmountApplied: d.AmountApplied,
			SortOrder:     d.SortOrder,
		})
	}
	inv.Recalc()

	if err := s.create(ctx, inv); err != nil {
		if errors.Is(err, ErrAlreadyInvoiced) {
			return s.repo.GetByProposal(ctx, p.ID)
		}
		return nil, fmt.Errorf("create invoice for proposal %d: %w", p.ID, err)
	}
	s.recorder.Lifecycle(shared.EventInvoiceCreated)
	s.logger.Info("invoice created from proposal",
		slog.Int64("invoice_id", inv.ID), slog.Int64("proposal_id", p.ID), slog.String("number", inv.Number))
	return s.repo.Get(ctx, inv.ID)
}

// CreateDepositInvoice implements proposals.DepositInvoicer.
func (s *Service) CreateDepositInvoice(ctx context.Context, p *proposals.Proposal, in proposals.DepositInvoiceInput) (int64, error) {
	inv, err := s.FromProposal(ctx, p, in)
	if err != nil {
		return 0, err
	}
	return inv.ID, nil
}

func lineFrom(req LineRequest, sort int) (LineItem, error) {
	qty := req.Quantity
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	if qty.IsNegative() || req.UnitPrice.IsNegative() {
		return LineItem{}, shared.NewValidationError(shared.KindInvalidField, "quantity", "quantity and unit price must not be negative")
	}
	return LineItem{
		SortOrder:   sort,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Quantity:    qty,
		UnitPrice:   req.UnitPrice,
		Subtotal:    money.Q2(qty.Mul(req.UnitPrice)),
	}, nil
}

// CreateStandalone opens a DRAFT invoice with manual lines.
func (s *Service) CreateStandalone(ctx context.Context, actor authz.Principal, req CreateInvoiceRequest) (*Invoice, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	if req.TaxTotal.IsNegative() || req.MinimumDue.IsNegative() {
		return nil, shared.NewValidationError(shared.KindInvalidField, "tax_total", "amounts must not be negative")
	}
	inv := &Invoice{
		CompanyID:         req.CompanyID,
		CustomerUserID:    req.CustomerUserID,
		CustomerContactID: req.CustomerContactID,
		Currency:          strings.ToUpper(req.Currency),
		IssueDate:         s.now(),
		DueDate:           req.DueDate,
		TaxTotal:          req.TaxTotal,
		MinimumDue:        req.MinimumDue,
		AmountPaid:        money.Zero,
		Status:            StatusDraft,
		CreatedBy:         actor.ActorID(),
	}
	if inv.Currency == "" {
		inv.Currency = "USD"
	}
	for i, lr := range req.Lines {
		l, err := lineFrom(lr, i)
		if err != nil {
			return nil, err
		}
		inv.Lines = append(inv.Lines, l)
	}
	inv.Recalc()
	if err := s.create(ctx, inv); err != nil {
		return nil, err
	}
	s.recorder.Lifecycle(shared.EventInvoiceCreated)
	return s.repo.Get(ctx, inv.ID)
}

// editDraft locks a DRAFT invoice, applies fn and stores recalculated totals.
func (s *Service) editDraft(ctx context.Context, actor authz.Principal, id int64, fn func(context.Context, Repository, *Invoice) error) (*Invoice, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		inv, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.Status != StatusDraft {
			return fmt.Errorf("%w: invoice %s is %s", shared.ErrInvalidTransition, inv.Number, inv.Status)
		}
		if err := fn(ctx, repo, inv); err != nil {
			return err
		}
		inv.Recalc()
		return repo.UpdateTotals(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// AddLine appends a manual line to a DRAFT invoice.
func (s *Service) AddLine(ctx context.Context, actor authz.Principal, id int64, req LineRequest) (*Invoice, error) {
	return s.editDraft(ctx, actor, id, func(ctx context.Context, repo Repository, inv *Invoice) error {
		l, err := lineFrom(req, len(inv.Lines))
		if err != nil {
			return err
		}
		if err := repo.InsertLines(ctx, inv.ID, []LineItem{l}); err != nil {
			return err
		}
		inv.Lines = append(inv.Lines, l)
		return nil
	})
}

// AddDiscount applies a discount computed on the current subtotal.
func (s *Service) AddDiscount(ctx context.Context, actor authz.Principal, id int64, req DiscountRequest) (*Invoice, error) {
	if req.Value.IsNegative() {
		return nil, shared.NewValidationError(shared.KindInvalidField, "value", "discount value must not be negative")
	}
	return s.editDraft(ctx, actor, id, func(ctx context.Context, repo Repository, inv *Invoice) error {
		d := AppliedDiscount{
			Code:          req.Code,
			Name:          strings.TrimSpace(req.Name),
			Kind:          req.Kind,
			Value:         req.Value,
			AmountApplied: money.DiscountAmount(req.Kind, req.Value, money.SumLineItems(inv.Lines)),
			SortOrder:     len(inv.Discounts),
		}
		if err := repo.InsertDiscounts(ctx, inv.ID, []AppliedDiscount{d}); err != nil {
			return err
		}
		inv.Discounts = append(inv.Discounts, d)
		return nil
	})
}

// RecalcTotals recomputes subtotal, discount and total from the stored lines.
func (s *Service) RecalcTotals(ctx context.Context, actor authz.Principal, id int64) (*Invoice, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		inv, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		inv.Recalc()
		if err := repo.UpdateTotals(ctx, inv); err != nil {
			return err
		}
		return s.refresh(ctx, repo, inv)
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) refresh(ctx context.Context, repo Repository, inv *Invoice) error {
	payments, err := repo.ListPayments(ctx, inv.ID)
	if err != nil {
		return err
	}
	inv.RefreshStatus(payments)
	return repo.SetPaymentState(ctx, inv.ID, inv.AmountPaid, inv.Status)
}

// RefreshStatusFromPayments re-derives amount_paid and status from every payment.
func (s *Service) RefreshStatusFromPayments(ctx context.Context, id int64) (*Invoice, error) {
	var out *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		inv, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := s.refresh(ctx, repo, inv); err != nil {
			return err
		}
		out = inv
		return nil
	})
	return out, err
}

func (s *Service) insertPayment(ctx context.Context, repo Repository, p *Payment) (*Invoice, error) {
	inv, err := repo.GetForUpdate(ctx, p.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == StatusVoid {
		return nil, fmt.Errorf("%w: invoice %s is void", shared.ErrInvalidTransition, inv.Number)
	}
	id, err := repo.InsertPayment(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id
	if err := s.refresh(ctx, repo, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// RecordPayment stores a payment and refreshes the invoice in one transaction.
func (s *Service) RecordPayment(ctx context.Context, actor authz.Principal, id int64, req RecordPaymentRequest) (*Payment, *Invoice, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, nil, shared.NewValidationError(shared.KindInvalidField, "amount", "amount must be positive")
	}
	if !req.Method.Valid() {
		return nil, nil, shared.NewValidationError(shared.KindInvalidField, "method", "unknown payment method")
	}
	p := &Payment{
		InvoiceID:   id,
		Amount:      money.Q2(req.Amount),
		Method:      req.Method,
		Reference:   strings.TrimSpace(req.Reference),
		PayerUserID: req.PayerUserID,
		ReceivedAt:  s.now(),
		Notes:       req.Notes,
		CreatedBy:   actor.ActorID(),
	}
	if req.ReceivedAt != nil {
		p.ReceivedAt = *req.ReceivedAt
	}
	var inv *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		inv, err = s.insertPayment(ctx, repo, p)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	s.afterPayment(ctx, actor.UserID, p, inv)
	return p, inv, nil
}

// RecordGatewayPayment records a settled payment intent once. The boolean
// reports whether this call created the payment.
func (s *Service) RecordGatewayPayment(ctx context.Context, gp GatewayPayment) (*Payment, *Invoice, bool, error) {
	if gp.PaymentIntentID == "" {
		return nil, nil, false, shared.NewValidationError(shared.KindInvalidField, "payment_intent", "payment intent id is required")
	}
	if existing, err := s.repo.GetPaymentByIntent(ctx, gp.PaymentIntentID); err == nil {
		inv, err := s.repo.Get(ctx, existing.InvoiceID)
		return existing, inv, false, err
	} else if !errors.Is(err, shared.ErrNotFound) {
		return nil, nil, false, err
	}
	if gp.InvoiceID == 0 {
		inv, err := s.repo.GetByPaymentIntent(ctx, gp.PaymentIntentID)
		if err != nil {
			return nil, nil, false, err
		}
		gp.InvoiceID = inv.ID
	}
	if !gp.Amount.IsPositive() {
		return nil, nil, false, shared.NewValidationError(shared.KindInvalidField, "amount", "amount must be positive")
	}
	p := &Payment{
		InvoiceID:             gp.InvoiceID,
		Amount:                money.Q2(gp.Amount),
		Method:                MethodGateway,
		Reference:             gp.PaymentIntentID,
		ReceivedAt:            s.now(),
		StripePaymentIntentID: gp.PaymentIntentID,
		StripeChargeID:        gp.ChargeID,
		GatewayStatus:         gp.Status,
		GatewayPayload:        gp.Payload,
	}
	var inv *Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		if inv, err = s.insertPayment(ctx, repo, p); err != nil {
			return err
		}
		if err := repo.SetPaymentIntent(ctx, inv.ID, gp.PaymentIntentID, gp.Status); err != nil {
			return err
		}
		inv.StripePaymentIntentID, inv.StripeStatus = gp.PaymentIntentID, gp.Status
		return nil
	})
	if errors.Is(err, ErrDuplicatePayment) {
		existing, err := s.repo.GetPaymentByIntent(ctx, gp.PaymentIntentID)
		if err != nil {
			return nil, nil, false, err
		}
		inv, err := s.repo.Get(ctx, existing.InvoiceID)
		return existing, inv, false, err
	}
	if err != nil {
		return nil, nil, false, err
	}
	s.afterPayment(ctx, 0, p, inv)
	return p, inv, true, nil
}

func (s *Service) afterPayment(ctx context.Context, actorID int64, p *Payment, inv *Invoice) {
	s.recorder.Lifecycle(shared.EventPaymentRecorded)
	s.audit(ctx, actorID, shared.AuditPaymentRecorded, inv.ID, map[string]any{
		"payment_id": p.ID,
		"amount":     p.Amount.StringFixed(2),
		"method":     string(p.Method),
		"status":     string(inv.Status),
	})
	s.logger.Info("payment recorded",
		slog.Int64("invoice_id", inv.ID), slog.String("amount", p.Amount.StringFixed(2)), slog.String("status", string(inv.Status)))
}

// Issue moves a DRAFT invoice with at least one line to SENT.
func (s *Service) Issue(ctx context.Context, actor authz.Principal, id int64) (*Invoice, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(inv.Lines) == 0 {
		return nil, shared.NewValidationError(shared.KindEmptyDocument, "lines", "an invoice needs at least one line")
	}
	ok, err := s.repo.SetStatus(ctx, id, []Status{StatusDraft}, StatusSent)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s is %s", shared.ErrInvalidTransition, inv.Number, inv.Status)
	}
	s.audit(ctx, actor.UserID, shared.AuditInvoiceIssued, id, nil)
	return s.RefreshStatusFromPayments(ctx, id)
}

// Void cancels any invoice that is not PAID. Management only.
func (s *Service) Void(ctx context.Context, actor authz.Principal, id int64, reason string) (*Invoice, error) {
	if err := authz.Require(actor, authz.Management); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, shared.NewValidationError(shared.KindInvalidField, "reason", "a void reason is required")
	}
	ok, err := s.repo.SetStatus(ctx, id, []Status{StatusDraft, StatusSent, StatusPartial}, StatusVoid)
	if err != nil {
		return nil, err
	}
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: invoice %s is %s", shared.ErrInvalidTransition, inv.Number, inv.Status)
	}
	s.audit(ctx, actor.UserID, shared.AuditInvoiceVoided, id, map[string]any{"reason": reason})
	return inv, nil
}

// CanView applies the shared document visibility rule.
func (s *Service) CanView(ctx context.Context, p authz.Principal, inv *Invoice) (bool, error) {
	if p.IsAnonymous() {
		return false, nil
	}
	viewers, err := s.repo.ListViewers(ctx, inv.ID)
	if err != nil {
		return false, err
	}
	return authz.CanViewDocument(p, inv.CustomerUserID, viewers), nil
}

// GetVisible returns the invoice when p may see it.
func (s *Service) GetVisible(ctx context.Context, p authz.Principal, id int64) (*Invoice, error) {
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ok, err := s.CanView(ctx, p, inv)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: invoice %d", shared.ErrForbidden, id)
	}
	return inv, nil
}

// GrantViewer shares an invoice with userID.
func (s *Service) GrantViewer(ctx context.Context, actor authz.Principal, id, userID int64) error {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.GrantViewer(ctx, id, userID)
}

// ByViewToken resolves the public link. Unknown and empty tokens are not found.
func (s *Service) ByViewToken(ctx context.Context, token string) (*Invoice, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: invoice token", shared.ErrNotFound)
	}
	return s.repo.GetByViewToken(ctx, token)
}

// RenderPDF renders the invoice sheet, reusing the stored artifact unless force is set.
func (s *Service) RenderPDF(ctx context.Context, id int64, opts PDFOptions) (documents.ArtifactRef, error) {
	results := s.renders.DoChan(fmt.Sprintf("%d:%t", id, opts.Force), func() (any, error) {
		return s.renderPDF(context.WithoutCancel(ctx), id, opts)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(documents.ArtifactRef), nil
	}
}

func (s *Service) renderPDF(ctx context.Context, id int64, opts PDFOptions) (documents.ArtifactRef, error) {
	if s.renderer == nil {
		return "", &shared.DeliveryError{Collaborator: "pdf renderer", Err: errors.New("renderer not configured")}
	}
	inv, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	ref, err := s.renderer.Render(ctx, documents.Document{Key: fmt.Sprintf("invoices/%d", inv.ID), Sheet: sheet(inv)}, documents.RenderOptions{
		BaseURL:   s.cfg.PublicBaseURL,
		Force:     opts.Force,
		DeleteOld: true,
		Previous:  inv.PDF,
	})
	if err != nil {
		s.recorder.CollaboratorFailure("pdf")
		return "", err
	}
	if ref != inv.PDF {
		if err := s.repo.SetPDF(ctx, inv.ID, ref); err != nil {
			return "", err
		}
	}
	return ref, nil
}

func sheet(inv *Invoice) documents.Sheet {
	balance := inv.BalanceDue()
	sh := documents.Sheet{
		Kind:          "Invoice",
		Number:        inv.Number,
		CompanyName:   inv.CompanyName,
		Currency:      inv.Currency,
		IssuedOn:      inv.IssueDate,
		DueOn:         inv.DueDate,
		Subtotal:      inv.Subtotal,
		DiscountTotal: inv.DiscountTotal,
		TaxTotal:      inv.TaxTotal,
		Total:         inv.Total,
		DepositDue:    inv.MinimumDue,
		BalanceDue:    &balance,
	}
	for _, l := range inv.Lines {
		sh.Lines = append(sh.Lines, documents.SheetLine{Name: l.Name, Description: l.Description, Quantity: l.Quantity, Amount: l.Subtotal})
	}
	for _, d := range inv.Discounts {
		sh.Discounts = append(sh.Discounts, documents.SheetDiscount{Name: d.Name, Amount: d.AmountApplied})
	}
	return sh
}

// OpenPDF streams the invoice PDF, rendering when none is stored.
func (s *Service) OpenPDF(ctx context.Context, inv *Invoice) (io.ReadCloser, error) {
	ref := inv.PDF
	if s.renderer == nil || !s.renderer.Exists(ctx, ref) {
		var err error
		if ref, err = s.RenderPDF(ctx, inv.ID, PDFOptions{Force: true}); err != nil {
			return nil, err
		}
	}
	return s.renderer.Open(ctx, ref)
}

// CreatePaymentIntent opens a gateway intent for what is due now and keeps its id on the invoice.
func (s *Service) CreatePaymentIntent(ctx context.Context, actor authz.Principal, id int64) (*gateway.Intent, error) {
	if s.gateway == nil {
		return nil, &shared.DeliveryError{Collaborator: "payment gateway", Err: errors.New("gateway not configured")}
	}
	inv, err := s.GetVisible(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != StatusSent && inv.Status != StatusPartial {
		return nil, fmt.Errorf("%w: invoice %s is %s", shared.ErrInvalidTransition, inv.Number, inv.Status)
	}
	amount := inv.AmountDueNow()
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: invoice %s has nothing due", shared.ErrInvalidTransition, inv.Number)
	}
	intent, err := s.gateway.CreateIntent(ctx, gateway.IntentRequest{
		InvoiceID:    inv.ID,
		Number:       inv.Number,
		Amount:       amount,
		Currency:     inv.Currency,
		ReceiptEmail: actor.Email,
	})
	if err != nil {
		s.recorder.CollaboratorFailure("gateway")
		return nil, &shared.DeliveryError{Collaborator: "payment gateway", Err: err}
	}
	if err := s.repo.SetPaymentIntent(ctx, inv.ID, intent.ID, intent.Status); err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *Service) audit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	err := s.auditor.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "invoice",
		EntityID: shared.EntityRef(id),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit invoice", slog.String("action", action), slog.Int64("invoice_id", id), slog.Any("error", err))
	}
}
