package companies

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ContactInfo is the resolved primary contact of a company. ContactID is nil
// when the name and email only live on the company row.
type ContactInfo struct {
	ContactID *int64
	Name      string
	Email     string
}

// Service implements company and contact operations.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService constructs a company Service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Create inserts a new company. Duplicate names are rejected.
func (s *Service) Create(ctx context.Context, actor authz.Principal, req CreateCompanyRequest) (*Company, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, shared.NewValidationError(shared.KindInvalidField, "name", "company name is required")
	}
	var out *Company
	err := s.repo.WithTx(ctx, func(ctx context.Context, repo Repository) error {
		c := Company{
			Name:               name,
			PrimaryContactName: strings.TrimSpace(req.PrimaryContactName),
			PrimaryEmail:       strings.ToLower(strings.TrimSpace(req.PrimaryEmail)),
			Phone:              req.Phone,
			Website:            req.Website,
			Address:            req.Address,
			Status:             StatusActive,
			Notes:              req.Notes,
			CreatedBy:          actor.ActorID(),
		}
		if c.Address.Country == "" {
			c.Address.Country = "USA"
		}
		slug, err := resolveSlug(ctx, repo, name)
		if err != nil {
			return err
		}
		c.Slug = slug
		id, created, err := repo.InsertIfAbsent(ctx, c)
		if err != nil {
			return err
		}
		if !created {
			return shared.NewValidationError(shared.KindInvalidField, "name", "a company with this name already exists")
		}
		out, err = repo.Get(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("company created", slog.Int64("company_id", out.ID), slog.String("slug", out.Slug))
	return out, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Company, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, req ListCompaniesRequest) ([]Company, int, error) {
	return s.repo.List(ctx, req)
}

func (s *Service) ListContacts(ctx context.Context, companyID int64) ([]Contact, error) {
	if _, err := s.repo.Get(ctx, companyID); err != nil {
		return nil, err
	}
	return s.repo.ListContacts(ctx, companyID)
}

// GetContact returns a single contact.
func (s *Service) GetContact(ctx context.Context, id int64) (*Contact, error) {
	return s.repo.GetContact(ctx, id)
}

// AddContact attaches a new contact; an existing (company, email) pair is rejected.
func (s *Service) AddContact(ctx context.Context, actor authz.Principal, companyID int64, req CreateContactRequest) (*Contact, error) {
	if err := authz.Require(actor, authz.Staff); err != nil {
		return nil, err
	}
	if _, err := s.repo.Get(ctx, companyID); err != nil {
		return nil, err
	}
	contact, created, err := FindOrCreateContact(ctx, s.repo, Contact{
		CompanyID: companyID,
		Name:      strings.TrimSpace(req.Name),
		Title:     req.Title,
		Email:     req.Email,
		Phone:     req.Phone,
		IsPrimary: req.IsPrimary,
	})
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, shared.NewValidationError(shared.KindInvalidField, "email", "contact email already exists for this company")
	}
	return contact, nil
}

// PrimaryContact resolves the company's primary name and email. Values on the
// company row win; the primary (or oldest) contact fills what is missing.
func (s *Service) PrimaryContact(ctx context.Context, companyID int64) (ContactInfo, error) {
	c, err := s.repo.Get(ctx, companyID)
	if err != nil {
		return ContactInfo{}, err
	}
	info := ContactInfo{Name: c.PrimaryContactName, Email: c.PrimaryEmail}
	contact, err := s.repo.PrimaryContact(ctx, companyID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return info, nil
		}
		return ContactInfo{}, fmt.Errorf("primary contact for company %d: %w", companyID, err)
	}
	id := contact.ID
	info.ContactID = &id
	if info.Name == "" {
		info.Name = contact.Name
	}
	if info.Email == "" {
		info.Email = contact.Email
	}
	return info, nil
}

// FindOrCreate returns the company named c.Name, inserting it when absent.
// An existing company only has empty primary contact fields filled in.
func FindOrCreate(ctx context.Context, repo Repository, c Company) (*Company, bool, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.PrimaryEmail = strings.ToLower(strings.TrimSpace(c.PrimaryEmail))
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.Address.Country == "" {
		c.Address.Country = "USA"
	}
	slug, err := resolveSlug(ctx, repo, c.Name)
	if err != nil {
		return nil, false, err
	}
	c.Slug = slug

	id, created, err := repo.InsertIfAbsent(ctx, c)
	if err != nil {
		return nil, false, fmt.Errorf("insert company %q: %w", c.Name, err)
	}
	if created {
		out, err := repo.Get(ctx, id)
		return out, true, err
	}

	existing, err := repo.GetByName(ctx, c.Name)
	if err != nil {
		return nil, false, err
	}
	needsName := existing.PrimaryContactName == "" && c.PrimaryContactName != ""
	needsEmail := existing.PrimaryEmail == "" && c.PrimaryEmail != ""
	if !needsName && !needsEmail {
		return existing, false, nil
	}
	if err := repo.FillEmptyPrimaryContact(ctx, existing.ID, c.PrimaryContactName, c.PrimaryEmail); err != nil {
		return nil, false, fmt.Errorf("fill primary contact for company %d: %w", existing.ID, err)
	}
	out, err := repo.Get(ctx, existing.ID)
	return out, false, err
}

// FindOrCreateContact returns the contact keyed by (company, email), inserting it when absent.
func FindOrCreateContact(ctx context.Context, repo Repository, c Contact) (*Contact, bool, error) {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if c.Email == "" {
		return nil, false, shared.NewValidationError(shared.KindInvalidField, "email", "contact email is required")
	}
	id, created, err := repo.InsertContactIfAbsent(ctx, c)
	if err != nil {
		return nil, false, fmt.Errorf("insert contact %q: %w", c.Email, err)
	}
	if created {
		out, err := repo.GetContact(ctx, id)
		return out, true, err
	}
	out, err := repo.GetContactByEmail(ctx, c.CompanyID, c.Email)
	return out, false, err
}

func resolveSlug(ctx context.Context, repo Repository, name string) (string, error) {
	base := Slugify(name)
	if base == "" {
		base = defaultSlug
	}
	taken, err := repo.SlugsLike(ctx, base)
	if err != nil {
		return "", fmt.Errorf("load slugs for %q: %w", base, err)
	}
	return NextFreeSlug(base, taken), nil
}
