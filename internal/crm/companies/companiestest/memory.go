// Package companiestest provides an in-memory companies.Repository for tests.
package companiestest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/odyssey-erp/backoffice/internal/crm/companies"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Memory is safe for concurrent use. Set the Err fields to inject failures.
type Memory struct {
	mu            sync.Mutex
	Companies     map[int64]*companies.Company
	Contacts      map[int64]*companies.Contact
	nextCompanyID int64
	nextContactID int64

	InsertErr  error
	ContactErr error
}

// New returns an empty Memory repository.
func New() *Memory {
	return &Memory{
		Companies:     make(map[int64]*companies.Company),
		Contacts:      make(map[int64]*companies.Contact),
		nextCompanyID: 1,
		nextContactID: 1,
	}
}

// Seed stores c as-is and returns its id.
func (m *Memory) Seed(c companies.Company) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextCompanyID
	m.nextCompanyID++
	m.Companies[c.ID] = &c
	return c.ID
}

// SeedContact stores c as-is and returns its id.
func (m *Memory) SeedContact(c companies.Contact) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextContactID
	m.nextContactID++
	m.Contacts[c.ID] = &c
	return c.ID
}

func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, companies.Repository) error) error {
	return fn(ctx, m)
}

func (m *Memory) Get(ctx context.Context, id int64) (*companies.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Companies[id]
	if !ok {
		return nil, fmt.Errorf("%w: company %d", shared.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) GetByName(ctx context.Context, name string) (*companies.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Companies {
		if c.Name == name {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: company %q", shared.ErrNotFound, name)
}

func (m *Memory) List(ctx context.Context, req companies.ListCompaniesRequest) ([]companies.Company, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []companies.Company
	for _, c := range m.Companies {
		if req.Status != "" && c.Status != req.Status {
			continue
		}
		if req.Search != "" && !strings.Contains(strings.ToLower(c.Name), strings.ToLower(req.Search)) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, len(out), nil
}

func (m *Memory) InsertIfAbsent(ctx context.Context, c companies.Company) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InsertErr != nil {
		return 0, false, m.InsertErr
	}
	for _, existing := range m.Companies {
		if existing.Name == c.Name {
			return 0, false, nil
		}
		if existing.Slug == c.Slug {
			return 0, false, fmt.Errorf("%w: company slug %q", shared.ErrIntegrity, c.Slug)
		}
	}
	c.ID = m.nextCompanyID
	m.nextCompanyID++
	now := time.Now()
	c.CreatedAt, c.UpdatedAt = now, now
	m.Companies[c.ID] = &c
	return c.ID, true, nil
}

func (m *Memory) SlugsLike(ctx context.Context, base string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.Companies {
		if c.Slug == base || strings.HasPrefix(c.Slug, base+"-") {
			out = append(out, c.Slug)
		}
	}
	return out, nil
}

func (m *Memory) FillEmptyPrimaryContact(ctx context.Context, id int64, name, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Companies[id]
	if !ok {
		return shared.ErrNotFound
	}
	if c.PrimaryContactName == "" {
		c.PrimaryContactName = name
	}
	if c.PrimaryEmail == "" {
		c.PrimaryEmail = email
	}
	return nil
}

func (m *Memory) GetContact(ctx context.Context, id int64) (*companies.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Contacts[id]
	if !ok {
		return nil, fmt.Errorf("%w: contact %d", shared.ErrNotFound, id)
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) GetContactByEmail(ctx context.Context, companyID int64, email string) (*companies.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.Contacts {
		if c.CompanyID == companyID && c.Email == email {
			cp := *c
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: contact %q", shared.ErrNotFound, email)
}

func (m *Memory) InsertContactIfAbsent(ctx context.Context, c companies.Contact) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ContactErr != nil {
		return 0, false, m.ContactErr
	}
	for _, existing := range m.Contacts {
		if existing.CompanyID == c.CompanyID && existing.Email == c.Email {
			return 0, false, nil
		}
	}
	c.ID = m.nextContactID
	m.nextContactID++
	m.Contacts[c.ID] = &c
	return c.ID, true, nil
}

func (m *Memory) PrimaryContact(ctx context.Context, companyID int64) (*companies.Contact, error) {
	contacts, _ := m.ListContacts(ctx, companyID)
	if len(contacts) == 0 {
		return nil, fmt.Errorf("%w: no contact for company %d", shared.ErrNotFound, companyID)
	}
	return &contacts[0], nil
}

func (m *Memory) ListContacts(ctx context.Context, companyID int64) ([]companies.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []companies.Contact
	for _, c := range m.Contacts {
		if c.CompanyID == companyID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var _ companies.Repository = (*Memory)(nil)
