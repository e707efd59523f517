package drafts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/catalog"
	"github.com/odyssey-erp/backoffice/internal/crm/companies"
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// CatalogReader resolves the rates snapshotted into draft items.
type CatalogReader interface {
	GetItem(ctx context.Context, id int64) (*catalog.Item, error)
	GetDiscount(ctx context.Context, id int64) (*catalog.Discount, error)
	ListTiers(ctx context.Context) ([]catalog.CostTier, error)
}

// CompanyDirectory resolves the company a draft is addressed to.
type CompanyDirectory interface {
	Get(ctx context.Context, id int64) (*companies.Company, error)
	PrimaryContact(ctx context.Context, companyID int64) (companies.ContactInfo, error)
}

// PDFPublisher renders the proposal document after conversion.
type PDFPublisher interface {
	RenderPDF(ctx context.Context, id int64, opts proposals.PDFOptions) (documents.ArtifactRef, error)
}

// RetryEnqueuer schedules a background render when the inline one fails.
type RetryEnqueuer interface {
	EnqueueProposalRender(ctx context.Context, proposalID int64) error
}

// Service implements the draft workflow.
type Service struct {
	repo      Repository
	catalog   CatalogReader
	companies CompanyDirectory
	pdf       PDFPublisher
	retry     RetryEnqueuer
	auditor   shared.Auditor
	recorder  shared.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// Deps groups the collaborators of the draft service. PDF and Retry are optional.
type Deps struct {
	Catalog   CatalogReader
	Companies CompanyDirectory
	PDF       PDFPublisher
	Retry     RetryEnqueuer
	Auditor   shared.Auditor
	Recorder  shared.Recorder
}

// NewService constructs a draft Service.
func NewService(repo Repository, deps Deps, logger *slog.Logger) *Service {
	if deps.Auditor == nil {
		deps.Auditor = shared.NopAuditor{}
	}
	if deps.Recorder == nil {
		deps.Recorder = shared.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		catalog:   deps.Catalog,
		companies: deps.Companies,
		pdf:       deps.PDF,
		retry:     deps.Retry,
		auditor:   deps.Auditor,
		recorder:  deps.Recorder,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Create opens a draft. Blank contact fields fall back to the company's primary contact.
func (s *Service) Create(ctx context.Context, actor authz.Principal, req CreateDraftRequest) (*Draft, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	if req.TaxTotal.IsNegative() {
		return nil, shared.NewValidationError(shared.KindInvalidField, "tax_total", "tax must not be negative")
	}
	if _, err := s.companies.Get(ctx, req.CompanyID); err != nil {
		return nil, err
	}
	d := Draft{
		CompanyID:      req.CompanyID,
		CreatedBy:      actor.ActorID(),
		Title:          strings.TrimSpace(req.Title),
		Currency:       strings.ToUpper(req.Currency),
		DiscountID:     req.DiscountID,
		ContactName:    strings.TrimSpace(req.ContactName),
		ContactEmail:   strings.ToLower(strings.TrimSpace(req.ContactEmail)),
		TaxTotal:       req.TaxTotal,
		DepositType:    req.DepositType,
		DepositValue:   req.DepositValue,
		ApprovalStatus: StatusDraft,
	}
	if d.Currency == "" {
		d.Currency = "USD"
	}
	if d.ContactName == "" || d.ContactEmail == "" {
		info, err := s.companies.PrimaryContact(ctx, req.CompanyID)
		if err != nil {
			return nil, err
		}
		if d.ContactName == "" {
			d.ContactName = info.Name
		}
		if d.ContactEmail == "" {
			d.ContactEmail = strings.ToLower(info.Email)
		}
	}
	if err := s.recalc(ctx, &d); err != nil {
		return nil, err
	}
	id, err := s.repo.Create(ctx, &d)
	if err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}
	d.ID = id
	s.logger.Info("draft created", slog.Int64("draft_id", id), slog.Int64("company_id", d.CompanyID))
	return &d, nil
}

// Get returns a draft with items and notes.
func (s *Service) Get(ctx context.Context, id int64) (*Draft, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of drafts.
func (s *Service) List(ctx context.Context, req ListDraftsRequest) ([]Draft, int, error) {
	return s.repo.List(ctx, req)
}

func (s *Service) recalc(ctx context.Context, d *Draft) error {
	var discount *catalog.Discount
	if d.DiscountID != nil {
		found, err := s.catalog.GetDiscount(ctx, *d.DiscountID)
		if err != nil {
			return fmt.Errorf("load discount: %w", err)
		}
		discount = found
	}
	tiers, err := s.catalog.ListTiers(ctx)
	if err != nil {
		return fmt.Errorf("load cost tiers: %w", err)
	}
	d.Recalc(discount, tiers)
	return nil
}

// edit locks an editable draft, applies fn, moves a REJECTED draft back to
// DRAFT and stores the recalculated header.
func (s *Service) edit(ctx context.Context, actor authz.Principal, id int64, fn func(context.Context, Repository, *Draft) error) (*Draft, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	var out *Draft
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		d, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !d.ApprovalStatus.Editable() {
			return fmt.Errorf("%w: draft %d is %s", shared.ErrInvalidTransition, id, d.ApprovalStatus)
		}
		if err := fn(ctx, repo, d); err != nil {
			return err
		}
		if d.ApprovalStatus == StatusRejected {
			d.ApprovalStatus = StatusDraft
		}
		if err := s.recalc(ctx, d); err != nil {
			return err
		}
		if err := repo.UpdateHeader(ctx, d); err != nil {
			return err
		}
		out = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecalcTotals recomputes and stores every derived amount. Running it twice yields the same draft.
func (s *Service) RecalcTotals(ctx context.Context, actor authz.Principal, id int64) (*Draft, error) {
	return s.edit(ctx, actor, id, func(context.Context, Repository, *Draft) error { return nil })
}

// resolveCount keeps a submitted hours or quantity value above one, otherwise
// takes the catalog default when it has one.
func resolveCount(submitted, fallback decimal.Decimal) decimal.Decimal {
	if submitted.GreaterThan(decimal.NewFromInt(1)) {
		return submitted
	}
	if fallback.IsPositive() {
		return fallback
	}
	if submitted.IsPositive() {
		return submitted
	}
	return decimal.NewFromInt(1)
}

func snapshot(ci *catalog.Item, it *Item) error {
	if !ci.IsActive {
		return shared.NewValidationError(shared.KindInvalidField, "catalog_item_id", "catalog item is inactive")
	}
	it.Name = ci.Name
	it.Description = ci.Description
	it.HourlyRate = ci.HourlyRate
	it.BaseRate = ci.BaseRate
	return nil
}

// AddItem snapshots a catalog item onto the draft.
func (s *Service) AddItem(ctx context.Context, actor authz.Principal, id int64, req ItemRequest) (*Draft, error) {
	if req.CatalogItemID <= 0 {
		return nil, shared.NewValidationError(shared.KindInvalidField, "catalog_item_id", "catalog item is required")
	}
	if req.Hours.IsNegative() || req.Quantity.IsNegative() {
		return nil, shared.NewValidationError(shared.KindInvalidField, "hours", "hours and quantity must not be negative")
	}
	return s.edit(ctx, actor, id, func(ctx context.Context, repo Repository, d *Draft) error {
		ci, err := s.catalog.GetItem(ctx, req.CatalogItemID)
		if err != nil {
			return err
		}
		it := Item{
			DraftID:       d.ID,
			CatalogItemID: ci.ID,
			Hours:         resolveCount(req.Hours, ci.DefaultHours),
			Quantity:      resolveCount(req.Quantity, ci.DefaultQuantity),
			SortOrder:     len(d.Items),
		}
		if err := snapshot(ci, &it); err != nil {
			return err
		}
		it.Price()
		itemID, err := repo.InsertItem(ctx, it)
		if err != nil {
			return fmt.Errorf("insert draft item: %w", err)
		}
		it.ID = itemID
		d.Items = append(d.Items, it)
		return nil
	})
}

func findItem(d *Draft, itemID int64) (int, error) {
	for i := range d.Items {
		if d.Items[i].ID == itemID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: draft item %d", shared.ErrNotFound, itemID)
}

// UpdateItem changes hours and quantity and refreshes the rates from the catalog.
func (s *Service) UpdateItem(ctx context.Context, actor authz.Principal, id, itemID int64, req ItemRequest) (*Draft, error) {
	if req.Hours.IsNegative() || req.Quantity.IsNegative() {
		return nil, shared.NewValidationError(shared.KindInvalidField, "hours", "hours and quantity must not be negative")
	}
	return s.edit(ctx, actor, id, func(ctx context.Context, repo Repository, d *Draft) error {
		i, err := findItem(d, itemID)
		if err != nil {
			return err
		}
		it := d.Items[i]
		if req.Hours.IsPositive() {
			it.Hours = req.Hours
		}
		if req.Quantity.IsPositive() {
			it.Quantity = req.Quantity
		}
		ci, err := s.catalog.GetItem(ctx, it.CatalogItemID)
		if err != nil {
			return err
		}
		if err := snapshot(ci, &it); err != nil {
			return err
		}
		it.Price()
		if err := repo.UpdateItem(ctx, it); err != nil {
			return err
		}
		d.Items[i] = it
		return nil
	})
}

// RemoveItem deletes one item.
func (s *Service) RemoveItem(ctx context.Context, actor authz.Principal, id, itemID int64) (*Draft, error) {
	return s.edit(ctx, actor, id, func(ctx context.Context, repo Repository, d *Draft) error {
		i, err := findItem(d, itemID)
		if err != nil {
			return err
		}
		if err := repo.DeleteItem(ctx, id, itemID); err != nil {
			return err
		}
		d.Items = append(d.Items[:i], d.Items[i+1:]...)
		return nil
	})
}

// ReorderItems assigns sort orders following itemIDs, which must name every item once.
func (s *Service) ReorderItems(ctx context.Context, actor authz.Principal, id int64, itemIDs []int64) (*Draft, error) {
	return s.edit(ctx, actor, id, func(ctx context.Context, repo Repository, d *Draft) error {
		if len(itemIDs) != len(d.Items) {
			return shared.NewValidationError(shared.KindInvalidField, "item_ids", "every item must be listed once")
		}
		ordered := make([]Item, 0, len(itemIDs))
		seen := make(map[int64]bool, len(itemIDs))
		for pos, itemID := range itemIDs {
			i, err := findItem(d, itemID)
			if err != nil || seen[itemID] {
				return shared.NewValidationError(shared.KindInvalidField, "item_ids", "every item must be listed once")
			}
			seen[itemID] = true
			it := d.Items[i]
			if it.SortOrder != pos {
				it.SortOrder = pos
				if err := repo.UpdateItem(ctx, it); err != nil {
					return err
				}
			}
			ordered = append(ordered, it)
		}
		d.Items = ordered
		return nil
	})
}

// AddNote appends a note section.
func (s *Service) AddNote(ctx context.Context, actor authz.Principal, id int64, req NoteRequest) (*Draft, error) {
	heading := strings.TrimSpace(req.Heading)
	if heading == "" {
		return nil, shared.NewValidationError(shared.KindInvalidField, "heading", "heading is required")
	}
	return s.edit(ctx, actor, id, func(ctx context.Context, repo Repository, d *Draft) error {
		n := Note{DraftID: d.ID, Heading: heading, Body: req.Body, SortOrder: len(d.Notes)}
		noteID, err := repo.InsertNote(ctx, n)
		if err != nil {
			return fmt.Errorf("insert draft note: %w", err)
		}
		n.ID = noteID
		d.Notes = append(d.Notes, n)
		return nil
	})
}

func findNote(d *Draft, noteID int64) (int, error) {
	for i := range d.Notes {
		if d.Notes[i].ID == noteID {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: draft note %d", shared.ErrNotFound, noteID)
}

// UpdateNote rewrites a note.
func (s *Service) UpdateNote(ctx context.Context, actor authz.Principal, id, noteID int64, req NoteRequest) (*Draft, error) {
	heading := strings.TrimSpace(req.Heading)
	if heading == "" {
		return nil, shared.NewValidationError(shared.KindInvalidField, "heading", "heading is required")
	}
	return s.edit(ctx, actor, id, func(ctx context.Context, repo Repository, d *Draft) error {
		i, err := findNote(d, noteID)
		if err != nil {
			return err
		}
		n := d.Notes[i]
		n.Heading = heading
		n.Body = req.Body
		if err := repo.UpdateNote(ctx, n); err != nil {
			return err
		}
		d.Notes[i] = n
		return nil
	})
}

// RemoveNote deletes a note.
func (s *Service) RemoveNote(ctx context.Context, actor authz.Principal, id, noteID int64) (*Draft, error) {
	return s.edit(ctx, actor, id, func(ctx context.Context, repo Repository, d *Draft) error {
		i, err := findNote(d, noteID)
		if err != nil {
			return err
		}
		if err := repo.DeleteNote(ctx, id, noteID); err != nil {
			return err
		}
		d.Notes = append(d.Notes[:i], d.Notes[i+1:]...)
		return nil
	})
}

// SetDiscount selects a catalog discount, or clears it when discountID is nil.
func (s *Service) SetDiscount(ctx context.Context, actor authz.Principal, id int64, discountID *int64) (*Draft, error) {
	return s.edit(ctx, actor, id, func(ctx context.Context, _ Repository, d *Draft) error {
		d.DiscountID = discountID
		return nil
	})
}

// SetTax sets the tax amount added after the discount.
func (s *Service) SetTax(ctx context.Context, actor authz.Principal, id int64, amount decimal.Decimal) (*Draft, error) {
	if amount.IsNegative() {
		return nil, shared.NewValidationError(shared.KindInvalidField, "tax_total", "tax must not be negative")
	}
	return s.edit(ctx, actor, id, func(ctx context.Context, _ Repository, d *Draft) error {
		d.TaxTotal = amount
		return nil
	})
}

// SetDeposit sets the deposit rule.
func (s *Service) SetDeposit(ctx context.Context, actor authz.Principal, id int64, kind money.Kind, value decimal.Decimal) (*Draft, error) {
	switch kind {
	case money.KindNone, money.KindPercent, money.KindFixed:
	default:
		return nil, shared.NewValidationError(shared.KindInvalidField, "deposit_type", "deposit type must be NONE, PERCENT or FIXED")
	}
	if value.IsNegative() || (kind == money.KindPercent && value.GreaterThan(decimal.NewFromInt(100))) {
		return nil, shared.NewValidationError(shared.KindInvalidField, "deposit_value", "deposit value out of range")
	}
	return s.edit(ctx, actor, id, func(ctx context.Context, _ Repository, d *Draft) error {
		d.DepositType = kind
		d.DepositValue = value
		if kind == money.KindNone {
			d.DepositValue = money.Zero
		}
		return nil
	})
}

// SetEstimateTier pins tierID when manual is set; otherwise the tier follows the total.
func (s *Service) SetEstimateTier(ctx context.Context, actor authz.Principal, id int64, tierID *int64, manual bool) (*Draft, error) {
	if manual && tierID == nil {
		return nil, shared.NewValidationError(shared.KindInvalidField, "tier_id", "a manual estimate needs a tier")
	}
	return s.edit(ctx, actor, id, func(ctx context.Context, _ Repository, d *Draft) error {
		d.EstimateManual = manual
		if manual {
			d.EstimateTierID = tierID
		}
		return nil
	})
}

// Submit sends a DRAFT or REJECTED draft for review. The company's primary
// email, or the draft's contact email, must be present.
func (s *Service) Submit(ctx context.Context, actor authz.Principal, id int64, req SubmitRequest) (*Draft, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !d.ApprovalStatus.Editable() {
		return nil, fmt.Errorf("%w: draft %d is %s", shared.ErrInvalidTransition, id, d.ApprovalStatus)
	}
	info, err := s.companies.PrimaryContact(ctx, d.CompanyID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(info.Email) == "" && strings.TrimSpace(d.ContactEmail) == "" {
		return nil, shared.NewValidationError(shared.KindMissingContactEmail, "contact_email", "the company has no primary contact email")
	}
	ok, err := s.repo.ApplyTransition(ctx, id, Transition{
		From:       []ApprovalStatus{StatusDraft, StatusRejected},
		To:         StatusSubmitted,
		ActorID:    actor.ActorID(),
		At:         s.now(),
		ReviewerID: req.ReviewerID,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: draft %d changed concurrently", shared.ErrInvalidTransition, id)
	}
	s.audit(ctx, actor, shared.AuditDraftSubmitted, id, nil)
	return s.repo.Get(ctx, id)
}

// Approve accepts a SUBMITTED draft. Management only.
func (s *Service) Approve(ctx context.Context, actor authz.Principal, id int64, notes string) (*Draft, error) {
	return s.decide(ctx, actor, id, StatusApproved, shared.AuditDraftApproved, notes)
}

// Reject returns a SUBMITTED draft to its author. Management only.
func (s *Service) Reject(ctx context.Context, actor authz.Principal, id int64, notes string) (*Draft, error) {
	return s.decide(ctx, actor, id, StatusRejected, shared.AuditDraftRejected, notes)
}

func (s *Service) decide(ctx context.Context, actor authz.Principal, id int64, to ApprovalStatus, action, notes string) (*Draft, error) {
	if err := authz.Require(actor, authz.Management); err != nil {
		return nil, err
	}
	ok, err := s.repo.ApplyTransition(ctx, id, Transition{
		From:    []ApprovalStatus{StatusSubmitted},
		To:      to,
		ActorID: actor.ActorID(),
		At:      s.now(),
		Notes:   strings.TrimSpace(notes),
	})
	if err != nil {
		return nil, err
	}
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: draft %d is %s", shared.ErrInvalidTransition, id, d.ApprovalStatus)
	}
	s.audit(ctx, actor, action, id, map[string]any{"notes": d.ApprovalNotes})
	return d, nil
}

// ConvertToProposal freezes an APPROVED draft into a proposal in one
// transaction, then renders the PDF. A render failure is logged and queued
// for retry; the conversion stands.
func (s *Service) ConvertToProposal(ctx context.Context, actor authz.Principal, id int64) (*proposals.Proposal, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	head, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	company, err := s.companies.Get(ctx, head.CompanyID)
	if err != nil {
		return nil, err
	}

	var p *proposals.Proposal
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		d, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if d.ApprovalStatus != StatusApproved {
			return fmt.Errorf("%w: draft %d is %s", shared.ErrInvalidTransition, id, d.ApprovalStatus)
		}
		frozen, err := s.freeze(ctx, d, company.Name)
		if err != nil {
			return err
		}
		p, err = proposals.CreateFromSnapshot(ctx, repo.Proposals(), frozen, actor.ActorID())
		if err != nil {
			if errors.Is(err, shared.ErrIntegrity) {
				return fmt.Errorf("%w: draft %d already converted", shared.ErrInvalidTransition, id)
			}
			return fmt.Errorf("create proposal: %w", err)
		}
		ok, err := repo.ApplyTransition(ctx, id, Transition{
			From:    []ApprovalStatus{StatusApproved},
			To:      StatusConverted,
			ActorID: actor.ActorID(),
			At:      s.now(),
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: draft %d changed concurrently", shared.ErrInvalidTransition, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, actor, shared.AuditDraftConverted, id, map[string]any{"proposal_id": p.ID})
	s.recorder.Lifecycle(shared.EventDraftConverted)
	s.logger.Info("draft converted", slog.Int64("draft_id", id), slog.Int64("proposal_id", p.ID))
	s.publish(ctx, p)
	return p, nil
}

// freeze copies items and the applied discount into a new proposal.
func (s *Service) freeze(ctx context.Context, d *Draft, companyName string) (*proposals.Proposal, error) {
	draftID := d.ID
	p := &proposals.Proposal{
		CompanyID:            d.CompanyID,
		ConvertedFromDraftID: &draftID,
		Title:                d.Title,
		CompanyName:          companyName,
		Currency:             d.Currency,
		ContactName:          d.ContactName,
		ContactEmail:         d.ContactEmail,
		TaxTotal:             d.TaxTotal,
		DepositType:          d.DepositType,
		DepositValue:         d.DepositValue,
	}
	for i, it := range d.Items {
		p.Lines = append(p.Lines, proposals.LineItem{
			SortOrder:   i,
			Name:        it.Name,
			Description: it.Description,
			Hours:       it.Hours,
			Quantity:    it.Quantity,
			HourlyRate:  it.HourlyRate,
			BaseRate:    it.BaseRate,
			LineTotal:   money.Q2(it.LineTotal),
		})
	}
	if d.DiscountID != nil && d.DiscountTotal.IsPositive() {
		applied := proposals.AppliedDiscount{
			Name:          "Discount",
			Kind:          money.KindFixed,
			Value:         d.DiscountTotal,
			AmountApplied: d.DiscountTotal,
		}
		disc, err := s.catalog.GetDiscount(ctx, *d.DiscountID)
		switch {
		case err == nil:
			applied.Code = disc.Code
			applied.Name = disc.Name
			applied.Kind = disc.Kind
			applied.Value = disc.Value
		case !errors.Is(err, shared.ErrNotFound):
			return nil, fmt.Errorf("load discount: %w", err)
		}
		p.Discounts = append(p.Discounts, applied)
	}
	return p, nil
}

func (s *Service) publish(ctx context.Context, p *proposals.Proposal) {
	if s.pdf == nil {
		return
	}
	_, err := s.pdf.RenderPDF(ctx, p.ID, proposals.PDFOptions{Force: true, Overwrite: true, DeleteOld: true})
	if err == nil {
		return
	}
	s.logger.Warn("render converted proposal", slog.Int64("proposal_id", p.ID), slog.Any("error", err))
	if s.retry == nil {
		return
	}
	if err := s.retry.EnqueueProposalRender(ctx, p.ID); err != nil {
		s.logger.Error("enqueue proposal render", slog.Int64("proposal_id", p.ID), slog.Any("error", err))
	}
}

func (s *Service) audit(ctx context.Context, actor authz.Principal, action string, id int64, meta map[string]any) {
	err := s.auditor.Record(ctx, shared.AuditLog{
		ActorID:  actor.UserID,
		Action:   action,
		Entity:   "proposal_draft",
		EntityID: shared.EntityRef(id),
		Meta:     meta,
		At:       s.now(),
	})
	if err != nil {
		s.logger.Warn("audit draft", slog.String("action", action), slog.Int64("draft_id", id), slog.Any("error", err))
	}
}
