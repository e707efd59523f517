package proposals

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/mail"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// DefaultSignTokenTTL is how long a freshly issued signing link stays valid.
const DefaultSignTokenTTL = 336 * time.Hour

// DepositInvoicer creates the deposit invoice for a signed proposal. Repeated
// calls for the same proposal return the invoice created first.
type DepositInvoicer interface {
	CreateDepositInvoice(ctx context.Context, p *Proposal, in DepositInvoiceInput) (int64, error)
}

// Config holds the distribution settings.
type Config struct {
	PublicBaseURL string
	SignTokenTTL  time.Duration
}

// Service implements proposal distribution and signing.
type Service struct {
	repo     Repository
	renderer documents.Renderer
	mailer   mail.Sender
	invoicer DepositInvoicer
	recorder shared.Recorder
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	renders  singleflight.Group
}

// NewService wires the proposal service. invoicer may be set later with SetInvoicer.
func NewService(repo Repository, renderer documents.Renderer, mailer mail.Sender, invoicer DepositInvoicer, recorder shared.Recorder, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = shared.NopRecorder{}
	}
	if cfg.SignTokenTTL <= 0 {
		cfg.SignTokenTTL = DefaultSignTokenTTL
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Service{
		repo:     repo,
		renderer: renderer,
		mailer:   mailer,
		invoicer: invoicer,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetInvoicer attaches the deposit invoicer once the invoice service exists.
func (s *Service) SetInvoicer(invoicer DepositInvoicer) {
	s.invoicer = invoicer
}

// Repository exposes the underlying store for packages sharing a transaction.
func (s *Service) Repository() Repository {
	return s.repo
}

// SigningURL is the absolute public link for token.
func (s *Service) SigningURL(token string) string {
	return fmt.Sprintf("%s/proposals/s/%s/", s.cfg.PublicBaseURL, token)
}

// Get returns a proposal with its lines and discounts.
func (s *Service) Get(ctx context.Context, id int64) (*Proposal, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of proposals.
func (s *Service) List(ctx context.Context, req ListProposalsRequest) ([]Proposal, int, error) {
	return s.repo.List(ctx, req)
}

// CreateFromSnapshot inserts a proposal built from frozen copies, recomputing
// its totals from those copies, and appends the CREATED event. It runs on the
// caller's repository so drafts can convert in one transaction.
func CreateFromSnapshot(ctx context.Context, repo Repository, p *Proposal, actor *int64) (*Proposal, error) {
	if p.Currency == "" {
		p.Currency = "USD"
	}
	for i := range p.Lines {
		p.Lines[i].UnitPrice = p.Lines[i].LineTotal
		p.Lines[i].Subtotal = p.Lines[i].LineTotal
	}
	p.Recalc()
	p.CreatedBy = actor

	id, err := repo.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	p.ID = id
	if err := repo.InsertLines(ctx, id, p.Lines); err != nil {
		return nil, err
	}
	if err := repo.InsertDiscounts(ctx, id, p.Discounts); err != nil {
		return nil, err
	}
	if _, err := repo.AppendEvent(ctx, Event{ProposalID: id, Kind: EventCreated, ActorID: actor}); err != nil {
		return nil, err
	}
	return p, nil
}

// MarkSent issues a fresh signing link, stamps sent_at on the first send,
// commits, then mails the recipients. A mail failure leaves the committed
// state, records an UPDATED warning and returns a *shared.DeliveryError.
func (s *Service) MarkSent(ctx context.Context, actor authz.Principal, id int64, opts SendOptions) (*Proposal, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	recipients, err := s.repo.ListRecipients(ctx, id)
	if err != nil {
		return nil, err
	}
	var p *Proposal
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		p, err = repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if len(recipients) == 0 && strings.TrimSpace(p.ContactEmail) == "" {
			return shared.NewValidationError(shared.KindMissingContactEmail, "recipients", "proposal has no recipients")
		}
		now := s.now()
		if err := s.issueToken(ctx, repo, p, now); err != nil {
			return err
		}
		if err := repo.SetSent(ctx, id, now); err != nil {
			return err
		}
		if p.SentAt == nil {
			p.SentAt = &now
		}
		_, err = repo.AppendEvent(ctx, Event{ProposalID: id, Kind: EventSent, ActorID: actor.ActorID()})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recorder.Lifecycle(shared.EventProposalSent)

	to := make([]string, 0, len(recipients))
	for _, rc := range recipients {
		to = append(to, rc.Email)
	}
	if len(to) == 0 {
		to = append(to, strings.ToLower(strings.TrimSpace(p.ContactEmail)))
	}
	if err := s.deliver(ctx, p, to, opts); err != nil {
		s.recorder.CollaboratorFailure("mail")
		s.logger.Warn("proposal send failed", slog.Int64("proposal_id", id), slog.Any("error", err))
		if _, evErr := s.repo.AppendEvent(ctx, Event{
			ProposalID: id,
			Kind:       EventUpdated,
			ActorID:    actor.ActorID(),
			Data:       map[string]any{"warning": "messenger failed: " + err.Error()},
		}); evErr != nil {
			s.logger.Error("record send warning", slog.Int64("proposal_id", id), slog.Any("error", evErr))
		}
		return p, &shared.DeliveryError{Collaborator: "mail", Err: err}
	}
	if err := s.repo.MarkDelivered(ctx, id, to, s.now()); err != nil {
		s.logger.Warn("mark recipients delivered", slog.Int64("proposal_id", id), slog.Any("error", err))
	}
	s.logger.Info("proposal sent", slog.Int64("proposal_id", id), slog.Int("recipients", len(to)))
	return p, nil
}

func (s *Service) deliver(ctx context.Context, p *Proposal, to []string, opts SendOptions) error {
	if s.mailer == nil {
		return errors.New("mailer not configured")
	}
	msg, err := composeMessage(p, to, s.SigningURL(p.SignToken), opts)
	if err != nil {
		return err
	}
	return s.mailer.Send(ctx, msg)
}

// issueToken stores a new signing token, retrying on the rare unique collision.
func (s *Service) issueToken(ctx context.Context, repo Repository, p *Proposal, now time.Time) error {
	expires := now.Add(s.cfg.SignTokenTTL)
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		token, err := shared.NewURLToken(shared.TokenBytes)
		if err != nil {
			return err
		}
		err = repo.SetSigningLink(ctx, p.ID, token, expires)
		if err == nil {
			p.SignToken = token
			p.TokenExpiresAt = &expires
			return nil
		}
		if !errors.Is(err, shared.ErrIntegrity) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("issue signing token: %w", lastErr)
}

// EnsureSigningLink issues a token only when none exists or it has expired
// and returns the absolute signing URL.
func (s *Service) EnsureSigningLink(ctx context.Context, actor authz.Principal, id int64) (string, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return "", err
	}
	var url string
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		p, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		if !p.TokenValid(now) {
			if err := s.issueToken(ctx, repo, p, now); err != nil {
				return err
			}
		}
		url = s.SigningURL(p.SignToken)
		return nil
	})
	return url, err
}

// guardToken resolves a public token; missing and expired tokens are ErrNotFound.
func (s *Service) guardToken(ctx context.Context, token string) (*Proposal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: proposal token", shared.ErrNotFound)
	}
	p, err := s.repo.GetBySignToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !p.TokenValid(s.now()) {
		return nil, fmt.Errorf("%w: proposal token expired", shared.ErrNotFound)
	}
	return p, nil
}

// MarkViewed records the first view through the signing link and reports
// whether this call was it.
func (s *Service) MarkViewed(ctx context.Context, token, ip string, actor authz.Principal) (*Proposal, bool, error) {
	p, err := s.guardToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	now := s.now()
	email := strings.ToLower(strings.TrimSpace(actor.Email))
	var first bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		first, err = repo.SetViewed(ctx, p.ID, now)
		if err != nil {
			return err
		}
		if first {
			if _, err := repo.AppendEvent(ctx, Event{
				ProposalID: p.ID,
				Kind:       EventViewed,
				ActorID:    actor.ActorID(),
				IP:         nullableString(ip),
				Data:       map[string]any{"first_time": true},
			}); err != nil {
				return err
			}
		}
		if email != "" {
			if _, err := repo.TouchRecipientOpened(ctx, p.ID, email, now); err != nil {
				return fmt.Errorf("stamp recipient opened: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if first {
		p.ViewedAt = &now
	} else {
		s.logger.Debug("proposal viewed again", slog.Int64("proposal_id", p.ID), slog.String("ip", ip))
	}
	return p, first, nil
}

// Summary resolves a public token without recording a view.
func (s *Service) Summary(ctx context.Context, token string) (*Proposal, error) {
	return s.guardToken(ctx, token)
}

// MarkSigned stamps signed_at once, appends SIGNED on that first signature and
// asks the invoicer for the deposit invoice.
func (s *Service) MarkSigned(ctx context.Context, token, ip string, in SignInput) (*Proposal, error) {
	p, err := s.guardToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Signature) == "" {
		return nil, shared.NewValidationError(shared.KindInvalidField, "signature", "signature is required")
	}
	var first bool
	err = s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		locked, err := repo.GetForUpdate(ctx, p.ID)
		if err != nil {
			return err
		}
		p = locked
		now := s.now()
		first, err = repo.SetSigned(ctx, p.ID, now, in.CustomerUserID)
		if err != nil {
			return err
		}
		if !first {
			return nil
		}
		p.SignedAt = &now
		if p.CustomerUserID == nil {
			p.CustomerUserID = in.CustomerUserID
		}
		_, err = repo.AppendEvent(ctx, Event{
			ProposalID: p.ID,
			Kind:       EventSigned,
			ActorID:    in.CustomerUserID,
			IP:         nullableString(ip),
			Data:       map[string]any{"signature": in.Signature},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if first {
		s.recorder.Lifecycle(shared.EventProposalSigned)
		s.logger.Info("proposal signed", slog.Int64("proposal_id", p.ID))
	}
	if s.invoicer == nil {
		return p, nil
	}
	invoiceID, err := s.invoicer.CreateDepositInvoice(ctx, p, DepositInvoiceInput{
		CreatedBy:      p.CreatedBy,
		DueDate:        in.DueDate,
		CustomerUserID: p.CustomerUserID,
	})
	if err != nil {
		return p, fmt.Errorf("create deposit invoice: %w", err)
	}
	s.logger.Info("deposit invoice ready", slog.Int64("proposal_id", p.ID), slog.Int64("invoice_id", invoiceID))
	return p, nil
}

// AddComment appends a COMMENT event.
func (s *Service) AddComment(ctx context.Context, actor authz.Principal, id int64, body string) (*Event, error) {
	ok, err := s.CanView(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: proposal %d", shared.ErrForbidden, id)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, shared.NewValidationError(shared.KindInvalidField, "body", "comment is empty")
	}
	e := Event{ProposalID: id, Kind: EventComment, ActorID: actor.ActorID(), Data: map[string]any{"body": body}}
	eventID, err := s.repo.AppendEvent(ctx, e)
	if err != nil {
		return nil, err
	}
	e.ID = eventID
	return &e, nil
}

// Events lists the timeline newest first.
func (s *Service) Events(ctx context.Context, id int64) ([]Event, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, id)
}

// Recipients lists the recipients of a proposal, primary first.
func (s *Service) Recipients(ctx context.Context, id int64) ([]Recipient, error) {
	return s.repo.ListRecipients(ctx, id)
}

// GrantViewer shares the proposal with a portal user.
func (s *Service) GrantViewer(ctx context.Context, actor authz.Principal, id, userID int64) error {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return err
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return err
	}
	return s.repo.GrantViewer(ctx, id, userID)
}

// CanView applies the shared document visibility rule.
func (s *Service) CanView(ctx context.Context, p authz.Principal, id int64) (bool, error) {
	prop, err := s.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	viewers, err := s.repo.ListViewers(ctx, id)
	if err != nil {
		return false, err
	}
	return authz.CanViewDocument(p, prop.CustomerUserID, viewers), nil
}

// HasCachedPDF reports whether a rendered artifact is on file.
func (s *Service) HasCachedPDF(ctx context.Context, p *Proposal) bool {
	return s.renderer != nil && !p.PDF.IsZero() && s.renderer.Exists(ctx, p.PDF)
}

// RenderPDF renders the proposal through the document renderer. Concurrent
// calls for the same proposal and options share one render.
func (s *Service) RenderPDF(ctx context.Context, id int64, opts PDFOptions) (documents.ArtifactRef, error) {
	key := fmt.Sprintf("%d:%t:%t:%t", id, opts.Force, opts.Overwrite, opts.DeleteOld)
	results := s.renders.DoChan(key, func() (any, error) {
		// Shared by every waiter, so one caller going away must not cancel it.
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
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return "", err
	}
	ro := documents.RenderOptions{
		BaseURL:   s.cfg.PublicBaseURL,
		Force:     opts.Force,
		DeleteOld: opts.DeleteOld,
		Previous:  p.PDF,
	}
	if opts.Overwrite {
		ro.Mode = documents.ModeOverwrite
	}
	ref, err := s.renderer.Render(ctx, documents.Document{Key: fmt.Sprintf("proposals/%d", p.ID), Sheet: s.sheet(p)}, ro)
	if err != nil {
		s.recorder.CollaboratorFailure("pdf")
		return "", err
	}
	if ref != p.PDF {
		if err := s.repo.SetPDF(ctx, p.ID, ref); err != nil {
			return "", err
		}
	}
	return ref, nil
}

func (s *Service) sheet(p *Proposal) documents.Sheet {
	sh := documents.Sheet{
		Kind:          "Proposal",
		Number:        p.Code(),
		Title:         p.Title,
		CompanyName:   p.CompanyName,
		ContactName:   p.ContactName,
		ContactEmail:  p.ContactEmail,
		Currency:      p.Currency,
		IssuedOn:      p.CreatedAt,
		Subtotal:      p.Subtotal,
		DiscountTotal: p.DiscountTotal,
		TaxTotal:      p.TaxTotal,
		Total:         p.Total,
		DepositDue:    p.DepositAmount,
	}
	if p.SentAt != nil {
		sh.IssuedOn = *p.SentAt
	}
	for _, l := range p.Lines {
		sh.Lines = append(sh.Lines, documents.SheetLine{Name: l.Name, Description: l.Description, Hours: l.Hours, Quantity: l.Quantity, Amount: l.LineTotal})
	}
	for _, d := range p.Discounts {
		sh.Discounts = append(sh.Discounts, documents.SheetDiscount{Name: d.Name, Amount: d.AmountApplied})
	}
	if p.TokenValid(s.now()) {
		sh.SigningURL = s.SigningURL(p.SignToken)
	}
	return sh
}

// OpenPublicPDF streams the PDF behind a signing token, rendering it on first
// request.
func (s *Service) OpenPublicPDF(ctx context.Context, token string) (*Proposal, io.ReadCloser, error) {
	p, err := s.guardToken(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	ref := p.PDF
	if !s.HasCachedPDF(ctx, p) {
		ref, err = s.RenderPDF(ctx, p.ID, PDFOptions{Force: true})
		if err != nil {
			return nil, nil, err
		}
	}
	rc, err := s.renderer.Open(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	return p, rc, nil
}

// OpenPDF streams the staff copy, rendering when none is cached.
func (s *Service) OpenPDF(ctx context.Context, id int64) (io.ReadCloser, error) {
	ref, err := s.RenderPDF(ctx, id, PDFOptions{})
	if err != nil {
		return nil, err
	}
	return s.renderer.Open(ctx, ref)
}

func nullableString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
