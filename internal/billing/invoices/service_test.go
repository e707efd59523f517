package invoices_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/odyssey-erp/backoffice/internal/authz"
	"github.com/odyssey-erp/backoffice/internal/billing/gateway"
	"github.com/odyssey-erp/backoffice/internal/billing/invoices"
	"github.com/odyssey-erp/backoffice/internal/billing/invoices/invoicestest"
	"github.com/odyssey-erp/backoffice/internal/crm/companies"
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeContacts struct{}

func (fakeContacts) PrimaryContact(ctx context.Context, companyID int64) (companies.ContactInfo, error) {
	id := int64(44)
	return companies.ContactInfo{ContactID: &id, Name: "Ann Lee", Email: "ann@acme.test"}, nil
}

type fakeRenderer struct {
	mu      sync.Mutex
	renders int
	stored  map[documents.ArtifactRef][]byte
	last    documents.Document
	gate    chan struct{}
	started chan struct{}
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{stored: map[documents.ArtifactRef][]byte{}}
}

func (f *fakeRenderer) Render(ctx context.Context, doc documents.Document, opts documents.RenderOptions) (documents.ArtifactRef, error) {
	if f.gate != nil {
		f.started <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !opts.Force && !opts.Previous.IsZero() {
		if _, ok := f.stored[opts.Previous]; ok {
			return opts.Previous, nil
		}
	}
	f.renders++
	f.last = doc
	ref := documents.ArtifactRef(doc.Key + ".pdf")
	f.stored[ref] = []byte("%PDF " + doc.Sheet.Number)
	return ref, nil
}

func (f *fakeRenderer) Open(ctx context.Context, ref documents.ArtifactRef) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.stored[ref]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (f *fakeRenderer) Exists(ctx context.Context, ref documents.ArtifactRef) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.stored[ref]
	return ok
}

type fakeGateway struct {
	got []gateway.IntentRequest
	err error
}

func (f *fakeGateway) CreateIntent(ctx context.Context, req gateway.IntentRequest) (*gateway.Intent, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.got = append(f.got, req)
	return &gateway.Intent{ID: "pi_1", ClientSecret: "pi_1_secret", Status: "requires_payment_method", Amount: req.Amount, InvoiceID: req.InvoiceID}, nil
}

type fakeParser struct {
	event *gateway.Event
	err   error
	calls int
}

func (f *fakeParser) ParseEvent(payload []byte, signature string) (*gateway.Event, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.event, nil
}

type recordingRecorder struct {
	events []string
}

func (r *recordingRecorder) Lifecycle(event string) { r.events = append(r.events, event) }
func (r *recordingRecorder) CollaboratorFailure(c string) {}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	manager  = authz.Principal{UserID: 1, Roles: []authz.Role{authz.RoleAdmin}}
	employee = authz.Principal{UserID: 2, Roles: []authz.Role{authz.RoleEmployee}}
	client   = authz.Principal{UserID: 7, Email: "ann@acme.test", Roles: []authz.Role{authz.RoleClient}}
	stranger = authz.Principal{UserID: 8, Roles: []authz.Role{authz.RoleClient}}
)

func signedProposal() *proposals.Proposal {
	customer := int64(7)
	return &proposals.Proposal{
		ID:             21,
		CompanyID:      3,
		CompanyName:    "Acme",
		Currency:       "USD",
		CustomerUserID: &customer,
		Subtotal:       dec("110.00"),
		DiscountTotal:  dec("10.00"),
		Total:          dec("100.00"),
		DepositType:    money.KindPercent,
		DepositValue:   dec("25"),
		DepositAmount:  dec("25.00"),
		Lines: []proposals.LineItem{{
			Name: "Design", Hours: dec("2"), Quantity: dec("1"), LineTotal: dec("110.00"),
			UnitPrice: dec("110.00"), Subtotal: dec("110.00"),
		}},
		Discounts: []proposals.AppliedDiscount{{
			Code: "TEN", Name: "Ten off", Kind: money.KindFixed, Value: dec("10"), AmountApplied: dec("10.00"),
		}},
	}
}

// ============================================================================
// SUITE
// ============================================================================

type InvoiceServiceSuite struct {
	suite.Suite
	ctx      context.Context
	repo     *invoicestest.Memory
	renderer *fakeRenderer
	gateway  *fakeGateway
	recorder *recordingRecorder
	service  *invoices.Service
}

func (s *InvoiceServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = invoicestest.New()
	s.renderer = newFakeRenderer()
	s.gateway = &fakeGateway{}
	s.recorder = &recordingRecorder{}
	s.service = invoices.NewService(s.repo, invoices.Deps{
		Contacts: fakeContacts{},
		Renderer: s.renderer,
		Gateway:  s.gateway,
		Recorder: s.recorder,
	}, invoices.Config{PublicBaseURL: "https://portal.test/"}, nil)
}

func TestInvoiceServiceSuite(t *testing.T) {
	suite.Run(t, new(InvoiceServiceSuite))
}

func (s *InvoiceServiceSuite) fromProposal() *invoices.Invoice {
	inv, err := s.service.FromProposal(s.ctx, signedProposal(), proposals.DepositInvoiceInput{})
	s.Require().NoError(err)
	return inv
}

func (s *InvoiceServiceSuite) pay(id int64, amount string) *invoices.Invoice {
	_, inv, err := s.service.RecordPayment(s.ctx, employee, id, invoices.RecordPaymentRequest{
		Amount: dec(amount), Method: invoices.MethodCheck, Reference: "chk",
	})
	s.Require().NoError(err)
	return inv
}

// ============================================================================
// CREATION
// ============================================================================

func (s *InvoiceServiceSuite) TestFromProposalCopiesFrozenLines() {
	t := s.T()
	inv := s.fromProposal()

	assert.Equal(t, invoices.StatusSent, inv.Status)
	assert.Equal(t, "100", inv.Total.String())
	assert.Equal(t, "25", inv.MinimumDue.String())
	assert.True(t, inv.AmountPaid.IsZero())
	require.NotNil(t, inv.ProposalID)
	assert.Equal(t, int64(21), *inv.ProposalID)
	require.NotNil(t, inv.CustomerContactID)
	assert.Equal(t, int64(44), *inv.CustomerContactID)
	require.Len(t, inv.Lines, 1)
	assert.Equal(t, "110", inv.Lines[0].Subtotal.String())
	require.Len(t, inv.Discounts, 1)
	assert.Equal(t, "TEN", inv.Discounts[0].Code)
	assert.NotEmpty(t, inv.ViewToken)
	assert.Regexp(t, regexp.MustCompile(`^INV-\d{8}-[0-9A-F]{8}$`), inv.Number)
	assert.Equal(t, []string{shared.EventInvoiceCreated}, s.recorder.events)
}

func (s *InvoiceServiceSuite) TestFromProposalIsOneShot() {
	t := s.T()
	first := s.fromProposal()
	second := s.fromProposal()
	id, err := s.service.CreateDepositInvoice(s.ctx, signedProposal(), proposals.DepositInvoiceInput{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ID, id)
	assert.Equal(t, 1, s.repo.Count())
}

func (s *InvoiceServiceSuite) TestProposalChangesDoNotReachInvoice() {
	t := s.T()
	p := signedProposal()
	inv, err := s.service.FromProposal(s.ctx, p, proposals.DepositInvoiceInput{})
	require.NoError(t, err)

	p.Lines[0].Subtotal = dec("999.00")
	p.Lines[0].Name = "Repriced"

	got, err := s.service.Get(s.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "Design", got.Lines[0].Name)
	assert.Equal(t, "110", got.Lines[0].Subtotal.String())
}

func (s *InvoiceServiceSuite) TestNumberCollisionIsRetried() {
	s.repo.NumberCollisions = 2
	inv := s.fromProposal()
	s.Regexp(`^INV-`, inv.Number)
}

func (s *InvoiceServiceSuite) TestNumberCollisionGivesUpAfterAttempts() {
	s.repo.NumberCollisions = 3
	_, err := s.service.FromProposal(s.ctx, signedProposal(), proposals.DepositInvoiceInput{})
	s.Require().Error(err)
	s.ErrorIs(err, shared.ErrIntegrity)
	s.Equal(0, s.repo.Count())
}

func (s *InvoiceServiceSuite) TestStandaloneDraftLifecycle() {
	t := s.T()
	inv, err := s.service.CreateStandalone(s.ctx, employee, invoices.CreateInvoiceRequest{CompanyID: 3, TaxTotal: dec("5")})
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusDraft, inv.Status)
	assert.Equal(t, "USD", inv.Currency)

	_, err = s.service.Issue(s.ctx, employee, inv.ID)
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, shared.KindEmptyDocument, verr.Kind)

	inv, err = s.service.AddLine(s.ctx, employee, inv.ID, invoices.LineRequest{Name: "Hosting", Quantity: dec("3"), UnitPrice: dec("20")})
	require.NoError(t, err)
	inv, err = s.service.AddDiscount(s.ctx, employee, inv.ID, invoices.DiscountRequest{Name: "Loyalty", Kind: money.KindPercent, Value: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, "60", inv.Subtotal.String())
	assert.Equal(t, "6", inv.DiscountTotal.String())
	assert.Equal(t, "59", inv.Total.String())

	inv, err = s.service.Issue(s.ctx, employee, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusSent, inv.Status)

	_, err = s.service.AddLine(s.ctx, employee, inv.ID, invoices.LineRequest{Name: "Late", UnitPrice: dec("1")})
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = s.service.Issue(s.ctx, employee, inv.ID)
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func (s *InvoiceServiceSuite) TestCreateStandaloneRequiresStaff() {
	_, err := s.service.CreateStandalone(s.ctx, client, invoices.CreateInvoiceRequest{CompanyID: 3})
	s.ErrorIs(err, shared.ErrForbidden)
}

// ============================================================================
// PAYMENTS
// ============================================================================

func (s *InvoiceServiceSuite) TestPaymentsDriveStatus() {
	t := s.T()
	inv := s.fromProposal()

	refreshed, err := s.service.RefreshStatusFromPayments(s.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusSent, refreshed.Status)

	inv = s.pay(inv.ID, "40")
	assert.Equal(t, invoices.StatusPartial, inv.Status)
	assert.Equal(t, "60", inv.BalanceDue().String())

	inv = s.pay(inv.ID, "60")
	assert.Equal(t, invoices.StatusPaid, inv.Status)
	assert.True(t, inv.BalanceDue().IsZero())

	payments, err := s.service.Payments(s.ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 2)
	assert.Contains(t, s.recorder.events, shared.EventPaymentRecorded)
}

func (s *InvoiceServiceSuite) TestOverpaymentIsPaid() {
	inv := s.fromProposal()
	inv = s.pay(inv.ID, "150")
	s.Equal(invoices.StatusPaid, inv.Status)
	s.Equal("-50", inv.BalanceDue().String())
}

func (s *InvoiceServiceSuite) TestRecordPaymentValidates() {
	t := s.T()
	inv := s.fromProposal()

	_, _, err := s.service.RecordPayment(s.ctx, employee, inv.ID, invoices.RecordPaymentRequest{Amount: dec("0"), Method: invoices.MethodCash})
	assert.ErrorIs(t, err, shared.ErrValidation)
	_, _, err = s.service.RecordPayment(s.ctx, employee, inv.ID, invoices.RecordPaymentRequest{Amount: dec("5"), Method: "BARTER"})
	assert.ErrorIs(t, err, shared.ErrValidation)
	_, _, err = s.service.RecordPayment(s.ctx, client, inv.ID, invoices.RecordPaymentRequest{Amount: dec("5"), Method: invoices.MethodCash})
	assert.ErrorIs(t, err, shared.ErrForbidden)
	_, _, err = s.service.RecordPayment(s.ctx, employee, 404, invoices.RecordPaymentRequest{Amount: dec("5"), Method: invoices.MethodCash})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func (s *InvoiceServiceSuite) TestVoid() {
	t := s.T()
	inv := s.fromProposal()

	_, err := s.service.Void(s.ctx, employee, inv.ID, "duplicate")
	assert.ErrorIs(t, err, shared.ErrForbidden)
	_, err = s.service.Void(s.ctx, manager, inv.ID, " ")
	assert.ErrorIs(t, err, shared.ErrValidation)

	voided, err := s.service.Void(s.ctx, manager, inv.ID, "duplicate")
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusVoid, voided.Status)

	_, _, err = s.service.RecordPayment(s.ctx, employee, inv.ID, invoices.RecordPaymentRequest{Amount: dec("5"), Method: invoices.MethodCash})
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
	_, err = s.service.Void(s.ctx, manager, inv.ID, "again")
	assert.ErrorIs(t, err, shared.ErrInvalidTransition)
}

func (s *InvoiceServiceSuite) TestPaidInvoiceCannotBeVoided() {
	inv := s.fromProposal()
	s.pay(inv.ID, "100")
	_, err := s.service.Void(s.ctx, manager, inv.ID, "late")
	s.ErrorIs(err, shared.ErrInvalidTransition)
}

func (s *InvoiceServiceSuite) TestGatewayPaymentIsIdempotent() {
	t := s.T()
	inv := s.fromProposal()
	gp := invoices.GatewayPayment{InvoiceID: inv.ID, PaymentIntentID: "pi_9", ChargeID: "ch_9", Amount: dec("25"), Status: "succeeded"}

	p1, got, created, err := s.service.RecordGatewayPayment(s.ctx, gp)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, invoices.MethodGateway, p1.Method)
	assert.Equal(t, invoices.StatusPartial, got.Status)
	assert.Equal(t, "pi_9", got.StripePaymentIntentID)

	p2, got, created, err := s.service.RecordGatewayPayment(s.ctx, gp)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "25", got.AmountPaid.String())
}

func (s *InvoiceServiceSuite) TestPaymentIntentCollectsDepositFirst() {
	t := s.T()
	inv := s.fromProposal()

	intent, err := s.service.CreatePaymentIntent(s.ctx, client, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", intent.ID)
	require.Len(t, s.gateway.got, 1)
	assert.Equal(t, "25", s.gateway.got[0].Amount.String())
	assert.Equal(t, "ann@acme.test", s.gateway.got[0].ReceiptEmail)

	s.pay(inv.ID, "25")
	_, err = s.service.CreatePaymentIntent(s.ctx, client, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "75", s.gateway.got[1].Amount.String())

	_, err = s.service.CreatePaymentIntent(s.ctx, stranger, inv.ID)
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func (s *InvoiceServiceSuite) TestPaymentIntentFailureIsDeliveryError() {
	inv := s.fromProposal()
	s.gateway.err = errors.New("card network down")
	_, err := s.service.CreatePaymentIntent(s.ctx, client, inv.ID)
	s.ErrorIs(err, shared.ErrDelivery)
}

// ============================================================================
// VISIBILITY AND DOCUMENTS
// ============================================================================

func (s *InvoiceServiceSuite) TestVisibility() {
	t := s.T()
	inv := s.fromProposal()

	_, err := s.service.GetVisible(s.ctx, client, inv.ID)
	require.NoError(t, err)
	_, err = s.service.GetVisible(s.ctx, stranger, inv.ID)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	list, total, err := s.service.List(s.ctx, stranger, invoices.ListInvoicesRequest{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, list)

	require.NoError(t, s.service.GrantViewer(s.ctx, employee, inv.ID, stranger.UserID))
	_, err = s.service.GetVisible(s.ctx, stranger, inv.ID)
	require.NoError(t, err)
	_, total, err = s.service.List(s.ctx, stranger, invoices.ListInvoicesRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	assert.ErrorIs(t, s.service.GrantViewer(s.ctx, client, inv.ID, 9), shared.ErrForbidden)
	_, _, err = s.service.List(s.ctx, authz.Anonymous, invoices.ListInvoicesRequest{})
	assert.ErrorIs(t, err, shared.ErrForbidden)
}

func (s *InvoiceServiceSuite) TestRenderPDFCachesUnlessForced() {
	t := s.T()
	inv := s.fromProposal()

	ref, err := s.service.RenderPDF(s.ctx, inv.ID, invoices.PDFOptions{})
	require.NoError(t, err)
	again, err := s.service.RenderPDF(s.ctx, inv.ID, invoices.PDFOptions{})
	require.NoError(t, err)
	assert.Equal(t, ref, again)
	assert.Equal(t, 1, s.renderer.renders)
	assert.Equal(t, inv.Number, s.renderer.last.Sheet.Number)
	require.NotNil(t, s.renderer.last.Sheet.BalanceDue)
	assert.Equal(t, "100", s.renderer.last.Sheet.BalanceDue.String())

	_, err = s.service.RenderPDF(s.ctx, inv.ID, invoices.PDFOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, s.renderer.renders)
}

func (s *InvoiceServiceSuite) TestForcedRenderRunsBesideCachedRender() {
	t := s.T()
	inv := s.fromProposal()
	_, err := s.service.RenderPDF(s.ctx, inv.ID, invoices.PDFOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, s.renderer.renders)

	s.renderer.gate = make(chan struct{})
	s.renderer.started = make(chan struct{}, 2)
	wait := func() {
		select {
		case <-s.renderer.started:
		case <-time.After(2 * time.Second):
			t.Fatal("render never started")
		}
	}

	errs := make(chan error, 2)
	go func() {
		_, err := s.service.RenderPDF(s.ctx, inv.ID, invoices.PDFOptions{})
		errs <- err
	}()
	wait()
	go func() {
		_, err := s.service.RenderPDF(s.ctx, inv.ID, invoices.PDFOptions{Force: true})
		errs <- err
	}()
	wait()
	close(s.renderer.gate)

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
	assert.Equal(t, 2, s.renderer.renders)
}

func (s *InvoiceServiceSuite) TestByViewToken() {
	inv := s.fromProposal()
	got, err := s.service.ByViewToken(s.ctx, inv.ViewToken)
	s.Require().NoError(err)
	s.Equal(inv.ID, got.ID)

	_, err = s.service.ByViewToken(s.ctx, "")
	s.ErrorIs(err, shared.ErrNotFound)
	_, err = s.service.ByViewToken(s.ctx, "nope")
	s.ErrorIs(err, shared.ErrNotFound)
	s.Equal("https://portal.test/invoices/v/abc/", s.service.ViewURL("abc"))
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *InvoiceServiceSuite) router(p authz.Principal) http.Handler {
	h := invoices.NewHandler(nil, s.service, authz.Middleware{})
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(authz.ContextWithPrincipal(req.Context(), p)))
		})
	})
	r.Route("/invoices/v", h.MountPublicRoutes)
	r.Route("/invoices", h.MountRoutes)
	return r
}

func (s *InvoiceServiceSuite) TestPublicHandlers() {
	t := s.T()
	inv := s.fromProposal()
	router := s.router(authz.Anonymous)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/v/"+inv.ViewToken+"/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"amount_due":"25"`)
	assert.NotContains(t, rec.Body.String(), inv.ViewToken)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/v/"+inv.ViewToken+"/pdf/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, 1, s.renderer.renders)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/v/unknown/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func (s *InvoiceServiceSuite) TestRouteCapabilities() {
	t := s.T()
	inv := s.fromProposal()
	body := func() io.Reader { return strings.NewReader(`{"reason":"duplicate"}`) }

	rec := httptest.NewRecorder()
	s.router(authz.Anonymous).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	s.router(client).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invoices/1/payments", strings.NewReader(`{"amount":"5","method":"CASH"}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	s.router(employee).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invoices/1/void", body()))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	s.router(employee).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invoices/1/payments", strings.NewReader(`{"amount":"40","method":"CASH"}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance_due":"60"`)

	rec = httptest.NewRecorder()
	s.router(client).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/invoices/1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"PARTIAL"`)

	rec = httptest.NewRecorder()
	s.router(manager).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/invoices/1/void", body()))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), inv.ID)
}

// ============================================================================
// WEBHOOK
// ============================================================================

func succeeded(eventID string, invoiceID int64, amount string) *gateway.Event {
	return &gateway.Event{
		ID:   eventID,
		Type: gateway.EventIntentSucceeded,
		Intent: &gateway.Intent{
			ID: "pi_" + eventID, Status: "succeeded", Received: dec(amount), ChargeID: "ch_1", InvoiceID: invoiceID,
		},
		Raw: []byte(`{"id":"pi_` + eventID + `"}`),
	}
}

func (s *InvoiceServiceSuite) TestWebhookProcessesEachEventOnce() {
	t := s.T()
	inv := s.fromProposal()
	parser := &fakeParser{event: succeeded("evt_1", inv.ID, "25")}
	h := invoices.NewWebhookHandler(nil, s.service, parser, invoicestest.NewIdempotency())

	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	payments, err := s.service.Payments(s.ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)

	got, err := s.service.Get(s.ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, invoices.StatusPartial, got.Status)
}

func (s *InvoiceServiceSuite) TestWebhookRedeliveryWithNewEventIDKeepsOnePayment() {
	inv := s.fromProposal()
	keys := invoicestest.NewIdempotency()
	first := succeeded("evt_1", inv.ID, "25")
	second := succeeded("evt_1", inv.ID, "25")
	second.ID = "evt_2"

	for _, ev := range []*gateway.Event{first, second} {
		rec := httptest.NewRecorder()
		invoices.NewWebhookHandler(nil, s.service, &fakeParser{event: ev}, keys).
			ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))
		s.Equal(http.StatusOK, rec.Code)
	}
	payments, err := s.service.Payments(s.ctx, inv.ID)
	s.Require().NoError(err)
	s.Len(payments, 1)
}

func (s *InvoiceServiceSuite) TestWebhookFailureReleasesKey() {
	t := s.T()
	keys := invoicestest.NewIdempotency()
	h := invoices.NewWebhookHandler(nil, s.service, &fakeParser{event: succeeded("evt_1", 404, "25")}, keys)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NoError(t, keys.CheckAndInsert(s.ctx, "evt_1", "stripe_webhook"))
}

func (s *InvoiceServiceSuite) TestWebhookRejectsBadSignatureAndIgnoresOtherEvents() {
	t := s.T()
	keys := invoicestest.NewIdempotency()

	rec := httptest.NewRecorder()
	invoices.NewWebhookHandler(nil, s.service, &fakeParser{err: gateway.ErrSignature}, keys).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	invoices.NewWebhookHandler(nil, s.service, &fakeParser{event: &gateway.Event{ID: "evt_3", Type: "customer.created"}}, keys).
		ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func (s *InvoiceServiceSuite) TestWebhookRejectsOversizedBody() {
	t := s.T()
	parser := &fakeParser{event: succeeded("evt_1", 1, "25")}
	h := invoices.NewWebhookHandler(nil, s.service, parser, invoicestest.NewIdempotency())

	body := strings.Repeat("x", 1<<20+1)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, parser.calls)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(body[:1<<20])))
	assert.NotEqual(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 1, parser.calls)
}

func (s *InvoiceServiceSuite) TestWebhookUndecodablePayloadStillRecordsPayment() {
	t := s.T()
	inv := s.fromProposal()
	ev := succeeded("evt_1", inv.ID, "25")
	ev.Raw = []byte(`not json`)
	h := invoices.NewWebhookHandler(nil, s.service, &fakeParser{event: ev}, invoicestest.NewIdempotency())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)

	payments, err := s.service.Payments(s.ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Nil(t, payments[0].GatewayPayload)
	assert.Equal(t, "pi_evt_1", payments[0].StripePaymentIntentID)
}

// ============================================================================
// MODEL
// ============================================================================

func TestRefreshStatus(t *testing.T) {
	tests := []struct {
		name   string
		status invoices.Status
		paid   []string
		want   invoices.Status
	}{
		{"nothing paid", invoices.StatusPartial, nil, invoices.StatusSent},
		{"partial", invoices.StatusSent, []string{"40"}, invoices.StatusPartial},
		{"exact", invoices.StatusSent, []string{"40", "60"}, invoices.StatusPaid},
		{"draft stays draft", invoices.StatusDraft, []string{"100"}, invoices.StatusDraft},
		{"void stays void", invoices.StatusVoid, []string{"100"}, invoices.StatusVoid},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			inv := &invoices.Invoice{Total: dec("100"), Status: tc.status}
			var payments []invoices.Payment
			for _, a := range tc.paid {
				payments = append(payments, invoices.Payment{Amount: dec(a)})
			}
			inv.RefreshStatus(payments)
			assert.Equal(t, tc.want, inv.Status)
		})
	}
}

func TestAmountDueNow(t *testing.T) {
	inv := &invoices.Invoice{Total: dec("100"), MinimumDue: dec("25"), AmountPaid: money.Zero}
	assert.Equal(t, "25", inv.AmountDueNow().String())
	inv.AmountPaid = dec("10")
	assert.Equal(t, "90", inv.AmountDueNow().String())
	inv = &invoices.Invoice{Total: dec("20"), MinimumDue: dec("25"), AmountPaid: money.Zero}
	assert.Equal(t, "20", inv.AmountDueNow().String())
}
