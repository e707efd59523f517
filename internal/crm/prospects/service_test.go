package prospects

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/crm/companies"
	"github.com/odyssey-erp/backoffice/internal/crm/companies/companiestest"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ============================================================================
// MOCK REPOSITORY
// ============================================================================

type mockRepository struct {
	mu        sync.Mutex
	prospects map[int64]*Prospect
	notes     []Note
	nextID    int64
	crm       *companiestest.Memory
	markWon   int
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		prospects: make(map[int64]*Prospect),
		nextID:    1,
		crm:       companiestest.New(),
	}
}

func (m *mockRepository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, m)
}

func (m *mockRepository) Companies() companies.Repository { return m.crm }

func (m *mockRepository) Create(ctx context.Context, p Prospect) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.prospects {
		if existing.Email == p.Email {
			return 0, shared.NewValidationError(shared.KindInvalidField, "email", "duplicate")
		}
	}
	p.ID = m.nextID
	m.nextID++
	p.CreatedAt = time.Now()
	m.prospects[p.ID] = &p
	return p.ID, nil
}

func (m *mockRepository) Get(ctx context.Context, id int64) (*Prospect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok {
		return nil, fmt.Errorf("%w: prospect %d", shared.ErrNotFound, id)
	}
	cp := *p
	return &cp, nil
}

func (m *mockRepository) GetForUpdate(ctx context.Context, id int64) (*Prospect, error) {
	return m.Get(ctx, id)
}

func (m *mockRepository) GetByUnsubscribeToken(ctx context.Context, token string) (*Prospect, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.prospects {
		if p.UnsubscribeToken == token {
			cp := *p
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: prospect token", shared.ErrNotFound)
}

func (m *mockRepository) List(ctx context.Context, req ListProspectsRequest) ([]Prospect, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Prospect
	for _, p := range m.prospects {
		if req.Status == "" || p.Status == req.Status {
			out = append(out, *p)
		}
	}
	return out, len(out), nil
}

func (m *mockRepository) SetStatus(ctx context.Context, id int64, status Status, doNotContact bool, updatedBy *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prospects[id]
	if !ok {
		return shared.ErrNotFound
	}
	p.Status = status
	p.DoNotContact = p.DoNotContact || doNotContact
	if updatedBy != nil {
		p.UpdatedBy = updatedBy
	}
	return nil
}

func (m *mockRepository) MarkWon(ctx context.Context, id, companyID int64, updatedBy *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markWon++
	p := m.prospects[id]
	if p.CompanyID == nil {
		p.CompanyID = &companyID
	}
	p.Status = StatusWon
	return nil
}

func (m *mockRepository) AddNote(ctx context.Context, n Note) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = int64(len(m.notes) + 1)
	n.CreatedAt = time.Now()
	m.notes = append(m.notes, n)
	return n.ID, nil
}

func (m *mockRepository) ListNotes(ctx context.Context, prospectID int64) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Note
	for _, n := range m.notes {
		if n.ProspectID == prospectID {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IsPinned && !out[j].IsPinned })
	return out, nil
}

func (m *mockRepository) seed(p Prospect) int64 {
	if p.Status == "" {
		p.Status = StatusNew
	}
	id, err := m.Create(context.Background(), p)
	if err != nil {
		panic(err)
	}
	return id
}

type recordingAuditor struct {
	logs []shared.AuditLog
}

func (a *recordingAuditor) Record(ctx context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

var (
	employee = authz.Principal{UserID: 3, Roles: []authz.Role{authz.RoleEmployee}}
	hr       = authz.Principal{UserID: 4, Roles: []authz.Role{authz.RoleHR}}
)

func newTestService() (*Service, *mockRepository, *recordingAuditor) {
	repo := newMockRepository()
	auditor := &recordingAuditor{}
	return NewService(repo, auditor, nil), repo, auditor
}

// ============================================================================
// CREATE
// ============================================================================

func TestCreateNormalisesEmailAndIssuesToken(t *testing.T) {
	svc, _, _ := newTestService()

	p, err := svc.Create(context.Background(), employee, CreateProspectRequest{
		FullName: "Ada Lovelace",
		Email:    "  Ada@Example.COM ",
	})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", p.Email)
	assert.Equal(t, StatusNew, p.Status)
	assert.Equal(t, "USA", p.Address.Country)
	assert.Len(t, p.UnsubscribeToken, 32)
	assert.Nil(t, p.CompanyID)
}

func TestCreateRequiresStaff(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.Create(context.Background(), hr, CreateProspectRequest{Email: "a@b.co"})
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

// ============================================================================
// CONVERT
// ============================================================================

func TestConvertCreatesCompanyAndPrimaryContact(t *testing.T) {
	svc, repo, auditor := newTestService()
	id := repo.seed(Prospect{FullName: "Ada Lovelace", CompanyName: "Analytical Engines", Email: "ada@engines.io", Phone: "555", Status: StatusReplied})

	c, err := svc.ConvertToCompany(context.Background(), employee, id)
	require.NoError(t, err)
	assert.Equal(t, "Analytical Engines", c.Name)
	assert.Equal(t, "analytical-engines", c.Slug)
	assert.Equal(t, "Ada Lovelace", c.PrimaryContactName)
	assert.Equal(t, "ada@engines.io", c.PrimaryEmail)
	assert.Equal(t, companies.StatusProspect, c.Status)

	contacts, err := repo.crm.ListContacts(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.True(t, contacts[0].IsPrimary)
	assert.Equal(t, "ada@engines.io", contacts[0].Email)

	p, _ := repo.Get(context.Background(), id)
	assert.Equal(t, StatusWon, p.Status)
	require.NotNil(t, p.CompanyID)
	assert.Equal(t, c.ID, *p.CompanyID)
	require.Len(t, auditor.logs, 1)
	assert.Equal(t, shared.AuditProspectConverted, auditor.logs[0].Action)
}

func TestConvertTwiceYieldsOneCompany(t *testing.T) {
	svc, repo, auditor := newTestService()
	ctx := context.Background()
	id := repo.seed(Prospect{CompanyName: "Acme", Email: "boss@acme.com"})

	first, err := svc.ConvertToCompany(ctx, employee, id)
	require.NoError(t, err)
	second, err := svc.ConvertToCompany(ctx, employee, id)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.crm.Companies, 1)
	assert.Len(t, repo.crm.Contacts, 1)
	assert.Equal(t, 1, repo.markWon)
	assert.Len(t, auditor.logs, 1)
}

func TestConvertNameFallbacks(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()

	byFullName := repo.seed(Prospect{FullName: "Grace Hopper", Email: "grace@navy.mil"})
	c, err := svc.ConvertToCompany(ctx, employee, byFullName)
	require.NoError(t, err)
	assert.Equal(t, "Grace Hopper", c.Name)

	unnamed := repo.seed(Prospect{FirstName: "Alan", LastName: "Turing", Email: "Alan@Bletchley.uk"})
	c, err = svc.ConvertToCompany(ctx, employee, unnamed)
	require.NoError(t, err)
	assert.Equal(t, "Unnamed Company", c.Name)
	assert.Equal(t, "Alan Turing", c.PrimaryContactName)
	assert.Equal(t, "alan@bletchley.uk", c.PrimaryEmail)
}

func TestConvertFillsOnlyEmptyFieldsOfExistingCompany(t *testing.T) {
	svc, repo, _ := newTestService()
	existing := repo.crm.Seed(companies.Company{Name: "Acme", Slug: "acme", PrimaryContactName: "Wile E."})
	id := repo.seed(Prospect{FullName: "Road Runner", CompanyName: "Acme", Email: "rr@acme.com"})

	c, err := svc.ConvertToCompany(context.Background(), employee, id)
	require.NoError(t, err)
	assert.Equal(t, existing, c.ID)
	assert.Equal(t, "Wile E.", c.PrimaryContactName)
	assert.Equal(t, "rr@acme.com", c.PrimaryEmail)
}

func TestConvertKeepsExistingCompanyLink(t *testing.T) {
	svc, repo, _ := newTestService()
	linked := repo.crm.Seed(companies.Company{Name: "Original", Slug: "original"})
	id := repo.seed(Prospect{CompanyName: "Renamed", Email: "x@renamed.io", CompanyID: &linked})

	_, err := svc.ConvertToCompany(context.Background(), employee, id)
	require.NoError(t, err)

	p, _ := repo.Get(context.Background(), id)
	assert.Equal(t, StatusWon, p.Status)
	assert.Equal(t, linked, *p.CompanyID)
}

func TestConvertPropagatesCompanyFailure(t *testing.T) {
	svc, repo, auditor := newTestService()
	repo.crm.InsertErr = errors.New("db down")
	id := repo.seed(Prospect{CompanyName: "Acme", Email: "boss@acme.com"})

	_, err := svc.ConvertToCompany(context.Background(), employee, id)
	require.Error(t, err)

	p, _ := repo.Get(context.Background(), id)
	assert.Equal(t, StatusNew, p.Status)
	assert.Empty(t, auditor.logs)
}

// ============================================================================
// STATUS
// ============================================================================

func TestUpdateStatusWonConverts(t *testing.T) {
	svc, repo, _ := newTestService()
	id := repo.seed(Prospect{CompanyName: "Acme", Email: "boss@acme.com", Status: StatusReplied})

	p, err := svc.UpdateStatus(context.Background(), employee, id, StatusWon)
	require.NoError(t, err)
	assert.Equal(t, StatusWon, p.Status)
	assert.NotNil(t, p.CompanyID)
	assert.Len(t, repo.crm.Companies, 1)
}

func TestUpdateStatusUnsubscribedSetsDoNotContact(t *testing.T) {
	svc, repo, _ := newTestService()
	id := repo.seed(Prospect{Email: "a@b.co", Status: StatusEmailed})

	p, err := svc.UpdateStatus(context.Background(), employee, id, StatusUnsubscribed)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsubscribed, p.Status)
	assert.True(t, p.DoNotContact)
}

func TestUpdateStatusRejectsLeavingWon(t *testing.T) {
	svc, repo, _ := newTestService()
	companyID := int64(1)
	id := repo.seed(Prospect{Email: "a@b.co", Status: StatusWon, CompanyID: &companyID})

	_, err := svc.UpdateStatus(context.Background(), employee, id, StatusLost)
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func TestUpdateStatusRejectsUnknownCode(t *testing.T) {
	svc, repo, _ := newTestService()
	id := repo.seed(Prospect{Email: "a@b.co", Status: StatusNew})

	_, err := svc.UpdateStatus(context.Background(), employee, id, Status("MAYBE"))
	assert.ErrorIs(t, err, shared.ErrValidation)
}

// ============================================================================
// UNSUBSCRIBE & NOTES
// ============================================================================

func TestUnsubscribe(t *testing.T) {
	svc, repo, _ := newTestService()
	id := repo.seed(Prospect{Email: "a@b.co", Status: StatusEmailed, UnsubscribeToken: "tok"})

	require.NoError(t, svc.Unsubscribe(context.Background(), "tok"))
	p, _ := repo.Get(context.Background(), id)
	assert.Equal(t, StatusUnsubscribed, p.Status)
	assert.True(t, p.DoNotContact)

	assert.ErrorIs(t, svc.Unsubscribe(context.Background(), "missing"), shared.ErrNotFound)
	assert.ErrorIs(t, svc.Unsubscribe(context.Background(), ""), shared.ErrNotFound)
}

func TestUnsubscribeKeepsWon(t *testing.T) {
	svc, repo, _ := newTestService()
	companyID := int64(5)
	id := repo.seed(Prospect{Email: "a@b.co", Status: StatusWon, CompanyID: &companyID, UnsubscribeToken: "tok"})

	require.NoError(t, svc.Unsubscribe(context.Background(), "tok"))
	p, _ := repo.Get(context.Background(), id)
	assert.Equal(t, StatusWon, p.Status)
	assert.True(t, p.DoNotContact)
}

func TestNotes(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	id := repo.seed(Prospect{Email: "a@b.co"})

	_, err := svc.AddNote(ctx, employee, id, CreateNoteRequest{Subject: "call", Body: "left voicemail"})
	require.NoError(t, err)
	_, err = svc.AddNote(ctx, employee, id, CreateNoteRequest{Subject: "key", Body: "decision maker", IsPinned: true})
	require.NoError(t, err)
	_, err = svc.AddNote(ctx, employee, id, CreateNoteRequest{Body: "  "})
	assert.ErrorIs(t, err, shared.ErrValidation)

	notes, err := svc.ListNotes(ctx, id)
	require.NoError(t, err)
	require.Len(t, notes, 2)
	assert.Equal(t, "key", notes[0].Subject)
}

// ============================================================================
// HANDLERS
// ============================================================================

func TestUnsubscribeHandlerHidesMissingToken(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(nil, svc, authz.Middleware{})
	r := chi.NewRouter()
	h.MountPublicRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/unsubscribe/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateHandlerValidatesBody(t *testing.T) {
	svc, _, _ := newTestService()
	h := NewHandler(nil, svc, authz.Middleware{})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(authz.ContextWithPrincipal(req.Context(), employee)))
		})
	})
	h.MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"not-an-email"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "InvalidField")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"email":"ok@example.com","company_name":"Acme"}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)
}
