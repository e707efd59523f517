package prospects

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/crm/companies"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

const unsubscribeTokenBytes = 16

// Service implements prospect operations.
type Service struct {
	repo    Repository
	auditor shared.Auditor
	logger  *slog.Logger
}

// NewService constructs a prospect Service.
func NewService(repo Repository, auditor shared.Auditor, logger *slog.Logger) *Service {
	if auditor == nil {
		auditor = shared.NopAuditor{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, auditor: auditor, logger: logger}
}

// Create records a new prospect with status NEW and a fresh unsubscribe token.
func (s *Service) Create(ctx context.Context, actor authz.Principal, req CreateProspectRequest) (*Prospect, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return nil, shared.NewValidationError(shared.KindInvalidField, "email", "email is required")
	}
	token, err := shared.NewHexToken(unsubscribeTokenBytes)
	if err != nil {
		return nil, fmt.Errorf("generate unsubscribe token: %w", err)
	}
	p := Prospect{
		FullName:         strings.TrimSpace(req.FullName),
		FirstName:        strings.TrimSpace(req.FirstName),
		LastName:         strings.TrimSpace(req.LastName),
		CompanyName:      strings.TrimSpace(req.CompanyName),
		Email:            email,
		Phone:            req.Phone,
		Address:          req.Address,
		WebsiteURL:       strings.TrimSpace(req.WebsiteURL),
		Notes:            req.Notes,
		Tags:             req.Tags,
		Status:           StatusNew,
		UnsubscribeToken: token,
		NextFollowUpAt:   req.NextFollowUpAt,
		CreatedBy:        actor.ActorID(),
	}
	if p.Address.Country == "" {
		p.Address.Country = "USA"
	}
	id, err := s.repo.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) Get(ctx context.Context, id int64) (*Prospect, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, req ListProspectsRequest) ([]Prospect, int, error) {
	return s.repo.List(ctx, req)
}

// UpdateStatus changes the outreach status. WON is routed through ConvertToCompany
// and a WON prospect cannot be moved back.
func (s *Service) UpdateStatus(ctx context.Context, actor authz.Principal, id int64, status Status) (*Prospect, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	if !status.Valid() {
		return nil, shared.NewValidationError(shared.KindInvalidField, "status", fmt.Sprintf("unknown status %q", status))
	}
	if status == StatusWon {
		if _, err := s.ConvertToCompany(ctx, actor, id); err != nil {
			return nil, err
		}
		return s.repo.Get(ctx, id)
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		p, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == StatusWon {
			return fmt.Errorf("%w: prospect %d is already converted", shared.ErrInvalidTransition, id)
		}
		return repo.SetStatus(ctx, id, status, status == StatusUnsubscribed, actor.ActorID())
	})
	if err != nil {
		return nil, err
	}
	return s.repo.Get(ctx, id)
}

// ConvertToCompany finds or creates the company and primary contact for the
// prospect and marks it WON. Repeated calls converge on the same company.
func (s *Service) ConvertToCompany(ctx context.Context, actor authz.Principal, id int64) (*companies.Company, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	var (
		company     *companies.Company
		firstChange bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		p, err := repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		contactName := p.ResolvedContactName()
		contactEmail := p.ResolvedContactEmail()

		crm := repo.Companies()
		company, _, err = companies.FindOrCreate(ctx, crm, companies.Company{
			Name:               p.ResolvedCompanyName(),
			PrimaryContactName: contactName,
			PrimaryEmail:       contactEmail,
			Phone:              p.Phone,
			Website:            p.WebsiteURL,
			Address:            p.Address,
			Status:             companies.StatusProspect,
			CreatedBy:          actor.ActorID(),
		})
		if err != nil {
			return err
		}
		if contactEmail != "" {
			if _, _, err := companies.FindOrCreateContact(ctx, crm, companies.Contact{
				CompanyID: company.ID,
				Name:      contactName,
				Email:     contactEmail,
				Phone:     p.Phone,
				IsPrimary: true,
			}); err != nil {
				return err
			}
		}
		if p.CompanyID == nil || p.Status != StatusWon {
			firstChange = true
			return repo.MarkWon(ctx, id, company.ID, actor.ActorID())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("convert prospect %d: %w", id, err)
	}

	if firstChange {
		if err := s.auditor.Record(ctx, shared.AuditLog{
			ActorID:  actor.UserID,
			Action:   shared.AuditProspectConverted,
			Entity:   "prospect",
			EntityID: shared.EntityRef(id),
			Meta:     map[string]any{"company_id": company.ID},
		}); err != nil {
			s.logger.Warn("audit prospect conversion", slog.Int64("prospect_id", id), slog.Any("error", err))
		}
		s.logger.Info("prospect converted", slog.Int64("prospect_id", id), slog.Int64("company_id", company.ID))
	}
	return company, nil
}

// Unsubscribe honours an opt-out link. The prospect is flagged do-not-contact;
// converted prospects keep their WON status.
func (s *Service) Unsubscribe(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: unsubscribe token", shared.ErrNotFound)
	}
	p, err := s.repo.GetByUnsubscribeToken(ctx, token)
	if err != nil {
		return err
	}
	status := StatusUnsubscribed
	if p.Status == StatusWon {
		status = StatusWon
	}
	if err := s.repo.SetStatus(ctx, p.ID, status, true, nil); err != nil {
		return err
	}
	s.logger.Info("prospect unsubscribed", slog.Int64("prospect_id", p.ID))
	return nil
}

// AddNote appends a note to the prospect log.
func (s *Service) AddNote(ctx context.Context, actor authz.Principal, prospectID int64, req CreateNoteRequest) (*Note, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, shared.NewValidationError(shared.KindInvalidField, "body", "note body is required")
	}
	if _, err := s.repo.Get(ctx, prospectID); err != nil {
		return nil, err
	}
	n := Note{
		ProspectID: prospectID,
		Subject:    strings.TrimSpace(req.Subject),
		Body:       req.Body,
		IsPinned:   req.IsPinned,
		CreatedBy:  actor.ActorID(),
	}
	id, err := s.repo.AddNote(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("add note to prospect %d: %w", prospectID, err)
	}
	n.ID = id
	return &n, nil
}

// ListNotes returns pinned notes first, then newest first.
func (s *Service) ListNotes(ctx context.Context, prospectID int64) ([]Note, error) {
	return s.repo.ListNotes(ctx, prospectID)
}
