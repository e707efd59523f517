package proposals_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
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
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/mail"
	"github.com/odyssey-erp/backoffice/internal/money"
	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/proposals/proposalstest"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// ============================================================================
// FAKES
// ============================================================================

type fakeRenderer struct {
	mu      sync.Mutex
	renders int
	stored  map[documents.ArtifactRef][]byte
	err     error
	last    documents.Document
	// gate, when set, holds every render until it is closed.
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
	if f.err != nil {
		return "", &shared.DeliveryError{Collaborator: "pdf renderer", Err: f.err}
	}
	f.renders++
	f.last = doc
	ref := documents.ArtifactRef(doc.Key + ".pdf")
	f.stored[ref] = []byte("%PDF " + doc.Sheet.Title)
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

type fakeMailer struct {
	sent []mail.Message
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg mail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeInvoicer struct {
	calls int
	input proposals.DepositInvoiceInput
	err   error
}

func (f *fakeInvoicer) CreateDepositInvoice(ctx context.Context, p *proposals.Proposal, in proposals.DepositInvoiceInput) (int64, error) {
	f.calls++
	f.input = in
	if f.err != nil {
		return 0, f.err
	}
	return 42, nil
}

var (
	manager  = authz.Principal{UserID: 1, Roles: []authz.Role{authz.RoleAdmin}}
	employee = authz.Principal{UserID: 2, Email: "emp@studio.test", Roles: []authz.Role{authz.RoleEmployee}}
	client   = authz.Principal{UserID: 7, Email: "ann@acme.test", Roles: []authz.Role{authz.RoleClient}}
	stranger = authz.Principal{UserID: 9, Roles: []authz.Role{authz.RoleClient}}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func countKind(events []proposals.Event, kind proposals.EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// ============================================================================
// SUITE
// ============================================================================

type ProposalServiceSuite struct {
	suite.Suite
	ctx      context.Context
	repo     *proposalstest.Memory
	renderer *fakeRenderer
	mailer   *fakeMailer
	invoicer *fakeInvoicer
	service  *proposals.Service
	id       int64
}

func (s *ProposalServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.repo = proposalstest.New()
	s.renderer = newFakeRenderer()
	s.mailer = &fakeMailer{}
	s.invoicer = &fakeInvoicer{}
	s.service = proposals.NewService(s.repo, s.renderer, s.mailer, s.invoicer, nil,
		proposals.Config{PublicBaseURL: "https://portal.test/"}, nil)
	s.id = s.repo.Seed(proposals.Proposal{
		CompanyID:     3,
		Title:         "Website refresh",
		CompanyName:   "Acme",
		Currency:      "USD",
		ContactName:   "Ann",
		ContactEmail:  "Ann@Acme.test",
		Subtotal:      dec("100.00"),
		Total:         dec("100.00"),
		DepositType:   money.KindPercent,
		DepositValue:  dec("25"),
		DepositAmount: dec("25.00"),
		RemainingDue:  dec("75.00"),
		Lines: []proposals.LineItem{{
			Name: "Design", Hours: dec("2"), Quantity: dec("1"), LineTotal: dec("100.00"),
			UnitPrice: dec("100.00"), Subtotal: dec("100.00"),
		}},
	})
}

func TestProposalServiceSuite(t *testing.T) {
	suite.Run(t, new(ProposalServiceSuite))
}

func (s *ProposalServiceSuite) send() *proposals.Proposal {
	p, err := s.service.MarkSent(s.ctx, employee, s.id, proposals.SendOptions{})
	s.Require().NoError(err)
	return p
}

// ============================================================================
// SENDING
// ============================================================================

func (s *ProposalServiceSuite) TestMarkSentIssuesTokenAndMails() {
	t := s.T()
	_, err := s.service.UpsertRecipients(s.ctx, employee, s.id, "ann@acme.test; bob@acme.test", nil)
	require.NoError(t, err)

	before := time.Now().UTC()
	p := s.send()

	assert.Len(t, p.SignToken, 43)
	require.NotNil(t, p.TokenExpiresAt)
	assert.WithinDuration(t, before.Add(336*time.Hour), *p.TokenExpiresAt, time.Minute)
	require.NotNil(t, p.SentAt)

	require.Len(t, s.mailer.sent, 1)
	msg := s.mailer.sent[0]
	assert.Equal(t, []string{"ann@acme.test", "bob@acme.test"}, msg.To)
	assert.Equal(t, "Proposal: Website refresh", msg.Subject)
	url := "https://portal.test/proposals/s/" + p.SignToken + "/"
	assert.Contains(t, msg.Text, url)
	assert.Contains(t, msg.HTML, url)
	assert.Contains(t, msg.Text, "USD 100.00")

	events := s.repo.Events()
	assert.Equal(t, 1, countKind(events, proposals.EventSent))

	recipients, err := s.service.Recipients(s.ctx, s.id)
	require.NoError(t, err)
	for _, rc := range recipients {
		assert.NotNil(t, rc.DeliveredAt, rc.Email)
	}
}

func (s *ProposalServiceSuite) TestMarkSentTwiceReissuesTokenKeepsSentAt() {
	t := s.T()
	first := s.send()
	second := s.send()

	assert.NotEqual(t, first.SignToken, second.SignToken)
	assert.Equal(t, *first.SentAt, *second.SentAt)
	assert.Equal(t, 2, countKind(s.repo.Events(), proposals.EventSent))

	_, _, err := s.service.MarkViewed(s.ctx, first.SignToken, "", authz.Anonymous)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func (s *ProposalServiceSuite) TestMarkSentFallsBackToContactEmail() {
	s.send()
	s.Require().Len(s.mailer.sent, 1)
	s.Equal([]string{"ann@acme.test"}, s.mailer.sent[0].To)
}

func (s *ProposalServiceSuite) TestMarkSentCustomSubject() {
	_, err := s.service.MarkSent(s.ctx, employee, s.id, proposals.SendOptions{Subject: "Your quote", Message: "See attached."})
	s.Require().NoError(err)
	s.Equal("Your quote", s.mailer.sent[0].Subject)
	s.Contains(s.mailer.sent[0].Text, "See attached.")
}

func (s *ProposalServiceSuite) TestMarkSentMailFailureKeepsCommittedState() {
	t := s.T()
	s.mailer.err = errors.New("smtp refused")

	p, err := s.service.MarkSent(s.ctx, employee, s.id, proposals.SendOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrDelivery)
	var de *shared.DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "mail", de.Collaborator)
	require.NotNil(t, p)

	stored, err := s.service.Get(s.ctx, s.id)
	require.NoError(t, err)
	assert.NotNil(t, stored.SentAt)
	assert.Len(t, stored.SignToken, 43)

	events := s.repo.Events()
	assert.Equal(t, 1, countKind(events, proposals.EventSent))
	require.Equal(t, 1, countKind(events, proposals.EventUpdated))
	for _, e := range events {
		if e.Kind == proposals.EventUpdated {
			assert.Contains(t, e.Data["warning"], "smtp refused")
		}
	}
}

func (s *ProposalServiceSuite) TestMarkSentWithoutAnyAddressChangesNothing() {
	t := s.T()
	id := s.repo.Seed(proposals.Proposal{Title: "No contact"})

	_, err := s.service.MarkSent(s.ctx, employee, id, proposals.SendOptions{})
	var verr *shared.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, shared.KindMissingContactEmail, verr.Kind)

	p, err := s.service.Get(s.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, p.SignToken)
	assert.Nil(t, p.SentAt)
	assert.Empty(t, s.repo.Events())
}

func (s *ProposalServiceSuite) TestMarkSentRequiresStaff() {
	_, err := s.service.MarkSent(s.ctx, client, s.id, proposals.SendOptions{})
	s.ErrorIs(err, shared.ErrForbidden)
	s.Empty(s.mailer.sent)
}

func (s *ProposalServiceSuite) TestSendUpsertsRawRecipients() {
	t := s.T()
	p, res, err := s.service.Send(s.ctx, employee, s.id, proposals.SendRequest{Recipients: "x@acme.test, Y@acme.test, x@acme.test"})
	require.NoError(t, err)
	assert.Equal(t, proposals.UpsertResult{Created: 2}, res)
	assert.NotEmpty(t, p.SignToken)
	assert.Equal(t, []string{"x@acme.test", "y@acme.test"}, s.mailer.sent[0].To)
}

// ============================================================================
// SIGNING LINK
// ============================================================================

func (s *ProposalServiceSuite) TestEnsureSigningLinkKeepsValidToken() {
	t := s.T()
	url, err := s.service.EnsureSigningLink(s.ctx, employee, s.id)
	require.NoError(t, err)
	again, err := s.service.EnsureSigningLink(s.ctx, employee, s.id)
	require.NoError(t, err)
	assert.Equal(t, url, again)
	assert.True(t, strings.HasPrefix(url, "https://portal.test/proposals/s/"))

	s.repo.ExpireToken(s.id, time.Now().Add(-time.Hour))
	renewed, err := s.service.EnsureSigningLink(s.ctx, employee, s.id)
	require.NoError(t, err)
	assert.NotEqual(t, url, renewed)
}

// ============================================================================
// VIEWS
// ============================================================================

func (s *ProposalServiceSuite) TestMarkViewedOnlyFirstTimeRecordsEvent() {
	t := s.T()
	_, err := s.service.UpsertRecipients(s.ctx, employee, s.id, "ann@acme.test", nil)
	require.NoError(t, err)
	p := s.send()

	_, first, err := s.service.MarkViewed(s.ctx, p.SignToken, "203.0.113.9", authz.Anonymous)
	require.NoError(t, err)
	assert.True(t, first)

	viewed, first, err := s.service.MarkViewed(s.ctx, p.SignToken, "203.0.113.9", client)
	require.NoError(t, err)
	assert.False(t, first)
	assert.NotNil(t, viewed.ViewedAt)

	events := s.repo.Events()
	require.Equal(t, 1, countKind(events, proposals.EventViewed))
	for _, e := range events {
		if e.Kind == proposals.EventViewed {
			assert.Equal(t, true, e.Data["first_time"])
			require.NotNil(t, e.IP)
			assert.Equal(t, "203.0.113.9", *e.IP)
		}
	}

	recipients, err := s.service.Recipients(s.ctx, s.id)
	require.NoError(t, err)
	assert.NotNil(t, recipients[0].LastOpenedAt)
}

func (s *ProposalServiceSuite) TestMarkViewedRollsBackWhenEventFails() {
	t := s.T()
	p := s.send()

	s.repo.EventErr = errors.New("insert event")
	_, _, err := s.service.MarkViewed(s.ctx, p.SignToken, "", authz.Anonymous)
	require.Error(t, err)
	stored, err := s.service.Get(s.ctx, s.id)
	require.NoError(t, err)
	assert.Nil(t, stored.ViewedAt)

	s.repo.EventErr = nil
	_, first, err := s.service.MarkViewed(s.ctx, p.SignToken, "", authz.Anonymous)
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, 1, countKind(s.repo.Events(), proposals.EventViewed))
}

func (s *ProposalServiceSuite) TestExpiredTokenIsNotFound() {
	t := s.T()
	p := s.send()
	s.repo.ExpireToken(s.id, time.Now().Add(-time.Minute))

	_, _, err := s.service.MarkViewed(s.ctx, p.SignToken, "", authz.Anonymous)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, _, err = s.service.OpenPublicPDF(s.ctx, p.SignToken)
	assert.ErrorIs(t, err, shared.ErrNotFound)
	_, err = s.service.MarkSigned(s.ctx, p.SignToken, "", proposals.SignInput{Signature: "Ann"})
	assert.ErrorIs(t, err, shared.ErrNotFound)
	assert.Zero(t, s.renderer.renders)

	_, _, err = s.service.MarkViewed(s.ctx, "", "", authz.Anonymous)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

// ============================================================================
// RECIPIENTS
// ============================================================================

func (s *ProposalServiceSuite) TestUpsertSameEmailTwiceKeepsOneRow() {
	t := s.T()
	res, err := s.service.UpsertRecipients(s.ctx, employee, s.id, "Ann@Acme.test", nil)
	require.NoError(t, err)
	assert.Equal(t, proposals.UpsertResult{Created: 1}, res)

	res, err = s.service.UpsertRecipients(s.ctx, employee, s.id, "ann@acme.test", nil)
	require.NoError(t, err)
	assert.Equal(t, proposals.UpsertResult{Existing: 1}, res)

	list, err := s.service.Recipients(s.ctx, s.id)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsPrimary)
}

func (s *ProposalServiceSuite) TestUpsertNeverFlipsPrimary() {
	t := s.T()
	_, err := s.service.UpsertRecipients(s.ctx, employee, s.id, "first@acme.test", nil)
	require.NoError(t, err)
	res, err := s.service.UpsertRecipients(s.ctx, employee, s.id, "", []proposals.RecipientInput{
		{Email: "first@acme.test", Name: "First"},
		{Email: "second@acme.test", Name: "Second"},
	})
	require.NoError(t, err)
	assert.Equal(t, proposals.UpsertResult{Created: 1, Existing: 1}, res)

	list, err := s.service.Recipients(s.ctx, s.id)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first@acme.test", list[0].Email)
	assert.True(t, list[0].IsPrimary)
	assert.Empty(t, list[0].Name)
	assert.False(t, list[1].IsPrimary)
	assert.Equal(t, "Second", list[1].Name)
}

func (s *ProposalServiceSuite) TestUpsertRejectsInvalidAddress() {
	_, err := s.service.UpsertRecipients(s.ctx, employee, s.id, "ok@acme.test, nope", nil)
	var verr *shared.ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Equal("recipients", verr.Field)

	_, err = s.service.UpsertRecipients(s.ctx, employee, s.id, " ; , ", nil)
	s.ErrorIs(err, shared.ErrValidation)
}

func TestParseEmails(t *testing.T) {
	got := proposals.ParseEmails("A@x.test, b@x.test;a@x.test\n c@x.test ;;")
	assert.Equal(t, []string{"a@x.test", "b@x.test", "c@x.test"}, got)
	assert.Empty(t, proposals.ParseEmails(""))
}

// ============================================================================
// SIGNING
// ============================================================================

func (s *ProposalServiceSuite) TestMarkSignedOnceCreatesDepositInvoice() {
	t := s.T()
	p := s.send()
	due := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	userID := client.UserID

	signed, err := s.service.MarkSigned(s.ctx, p.SignToken, "198.51.100.4", proposals.SignInput{Signature: "Ann", DueDate: &due, CustomerUserID: &userID})
	require.NoError(t, err)
	require.NotNil(t, signed.SignedAt)
	assert.Equal(t, 1, s.invoicer.calls)
	assert.Equal(t, &due, s.invoicer.input.DueDate)
	require.NotNil(t, s.invoicer.input.CustomerUserID)
	assert.Equal(t, client.UserID, *s.invoicer.input.CustomerUserID)

	again, err := s.service.MarkSigned(s.ctx, p.SignToken, "198.51.100.4", proposals.SignInput{Signature: "Ann"})
	require.NoError(t, err)
	assert.Equal(t, *signed.SignedAt, *again.SignedAt)
	assert.Equal(t, 1, countKind(s.repo.Events(), proposals.EventSigned))

	ok, err := s.service.CanView(s.ctx, client, s.id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func (s *ProposalServiceSuite) TestMarkSignedRequiresSignature() {
	p := s.send()
	_, err := s.service.MarkSigned(s.ctx, p.SignToken, "", proposals.SignInput{})
	s.ErrorIs(err, shared.ErrValidation)
	s.Zero(s.invoicer.calls)
}

func (s *ProposalServiceSuite) TestMarkSignedSurfacesInvoicerFailure() {
	p := s.send()
	s.invoicer.err = errors.New("numbering exhausted")
	_, err := s.service.MarkSigned(s.ctx, p.SignToken, "", proposals.SignInput{Signature: "Ann"})
	s.Require().Error(err)

	stored, getErr := s.service.Get(s.ctx, s.id)
	s.Require().NoError(getErr)
	s.NotNil(stored.SignedAt)
}

// ============================================================================
// EVENTS, COMMENTS AND VIEWERS
// ============================================================================

func (s *ProposalServiceSuite) TestEventsOrderedNewestFirstThenID() {
	t := s.T()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.repo.Clock = func() time.Time { return at }
	_, err := s.service.AddComment(s.ctx, employee, s.id, "first")
	require.NoError(t, err)
	_, err = s.service.AddComment(s.ctx, employee, s.id, "second")
	require.NoError(t, err)
	later := at.Add(time.Hour)
	_, err = s.repo.AppendEvent(s.ctx, proposals.Event{ProposalID: s.id, Kind: proposals.EventUpdated, At: later})
	require.NoError(t, err)

	events, err := s.service.Events(s.ctx, s.id)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, proposals.EventUpdated, events[0].Kind)
	assert.Equal(t, "first", events[1].Data["body"])
	assert.Equal(t, "second", events[2].Data["body"])
	assert.Less(t, events[1].ID, events[2].ID)
}

func (s *ProposalServiceSuite) TestCommentsRequireVisibility() {
	_, err := s.service.AddComment(s.ctx, stranger, s.id, "hello")
	s.ErrorIs(err, shared.ErrForbidden)

	s.Require().NoError(s.service.GrantViewer(s.ctx, employee, s.id, stranger.UserID))
	_, err = s.service.AddComment(s.ctx, stranger, s.id, "hello")
	s.NoError(err)

	_, err = s.service.AddComment(s.ctx, employee, s.id, "   ")
	s.ErrorIs(err, shared.ErrValidation)
}

func (s *ProposalServiceSuite) TestGrantViewerRequiresStaff() {
	s.ErrorIs(s.service.GrantViewer(s.ctx, client, s.id, 5), shared.ErrForbidden)
	s.ErrorIs(s.service.GrantViewer(s.ctx, manager, 999, 5), shared.ErrNotFound)
}

// ============================================================================
// PDF
// ============================================================================

func (s *ProposalServiceSuite) TestRenderPDFCachesUnlessForced() {
	t := s.T()
	ref, err := s.service.RenderPDF(s.ctx, s.id, proposals.PDFOptions{})
	require.NoError(t, err)
	assert.Equal(t, documents.ArtifactRef("proposals/1.pdf"), ref)
	assert.Equal(t, "Acme", s.renderer.last.Sheet.CompanyName)
	assert.Equal(t, "P-000001", s.renderer.last.Sheet.Number)

	p, err := s.service.Get(s.ctx, s.id)
	require.NoError(t, err)
	assert.True(t, s.service.HasCachedPDF(s.ctx, p))

	_, err = s.service.RenderPDF(s.ctx, s.id, proposals.PDFOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.renderer.renders)

	_, err = s.service.RenderPDF(s.ctx, s.id, proposals.PDFOptions{Force: true, Overwrite: true, DeleteOld: true})
	require.NoError(t, err)
	assert.Equal(t, 2, s.renderer.renders)
}

func (s *ProposalServiceSuite) awaitRender() {
	select {
	case <-s.renderer.started:
	case <-time.After(2 * time.Second):
		s.FailNow("render never started")
	}
}

func (s *ProposalServiceSuite) TestForcedRenderDoesNotJoinCachedRender() {
	t := s.T()
	_, err := s.service.RenderPDF(s.ctx, s.id, proposals.PDFOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, s.renderer.renders)

	s.renderer.gate = make(chan struct{})
	s.renderer.started = make(chan struct{}, 2)

	var wg sync.WaitGroup
	var cachedErr, forcedErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, cachedErr = s.service.RenderPDF(s.ctx, s.id, proposals.PDFOptions{})
	}()
	s.awaitRender()
	go func() {
		defer wg.Done()
		_, forcedErr = s.service.RenderPDF(s.ctx, s.id, proposals.PDFOptions{Force: true, Overwrite: true})
	}()
	s.awaitRender()
	close(s.renderer.gate)
	wg.Wait()

	require.NoError(t, cachedErr)
	require.NoError(t, forcedErr)
	assert.Equal(t, 2, s.renderer.renders)
}

func (s *ProposalServiceSuite) TestCancelledWaiterDoesNotFailSharedRender() {
	t := s.T()
	s.renderer.gate = make(chan struct{})
	s.renderer.started = make(chan struct{}, 2)

	ctx, cancel := context.WithCancel(s.ctx)
	cancelled := make(chan error, 1)
	go func() {
		_, err := s.service.RenderPDF(ctx, s.id, proposals.PDFOptions{})
		cancelled <- err
	}()
	s.awaitRender()

	joined := make(chan error, 1)
	go func() {
		_, err := s.service.RenderPDF(s.ctx, s.id, proposals.PDFOptions{})
		joined <- err
	}()

	cancel()
	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(s.renderer.gate)
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shared render never finished")
	}
	assert.Equal(t, 1, s.renderer.renders)

	p, err := s.service.Get(s.ctx, s.id)
	require.NoError(t, err)
	assert.Equal(t, documents.ArtifactRef("proposals/1.pdf"), p.PDF)
}

func (s *ProposalServiceSuite) TestPublicPDFRendersLazily() {
	t := s.T()
	p := s.send()

	_, rc, err := s.service.OpenPublicPDF(s.ctx, p.SignToken)
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "%PDF Website refresh", string(body))
	assert.Contains(t, s.renderer.last.Sheet.SigningURL, p.SignToken)

	_, rc, err = s.service.OpenPublicPDF(s.ctx, p.SignToken)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, 1, s.renderer.renders)
}

func (s *ProposalServiceSuite) TestRenderFailureIsDeliveryError() {
	s.renderer.err = errors.New("gotenberg down")
	_, err := s.service.RenderPDF(s.ctx, s.id, proposals.PDFOptions{})
	s.ErrorIs(err, shared.ErrDelivery)
}

// ============================================================================
// SNAPSHOT
// ============================================================================

func TestCreateFromSnapshotRecomputesFromCopies(t *testing.T) {
	ctx := context.Background()
	repo := proposalstest.New()
	draftID := int64(11)
	actor := int64(2)

	p, err := proposals.CreateFromSnapshot(ctx, repo, &proposals.Proposal{
		CompanyID:            1,
		ConvertedFromDraftID: &draftID,
		Title:                "Scenario",
		TaxTotal:             dec("5"),
		Lines: []proposals.LineItem{
			{Name: "A", Hours: dec("1"), Quantity: dec("1"), LineTotal: dec("50.00")},
			{Name: "B", Hours: dec("1"), Quantity: dec("2"), LineTotal: dec("50.00")},
		},
		Discounts: []proposals.AppliedDiscount{{Code: "TEN", Name: "Ten percent", Kind: money.KindPercent, Value: dec("10"), AmountApplied: dec("10.00")}},
	}, &actor)
	require.NoError(t, err)

	assert.Equal(t, "USD", p.Currency)
	assert.True(t, dec("100.00").Equal(p.Subtotal))
	assert.True(t, dec("10.00").Equal(p.DiscountTotal))
	assert.True(t, dec("95.00").Equal(p.Total), p.Total.String())
	assert.Equal(t, money.KindNone, p.DepositType)
	assert.True(t, p.RemainingDue.Equal(p.Total))

	stored, err := repo.Get(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, stored.Lines, 2)
	for _, l := range stored.Lines {
		assert.True(t, l.UnitPrice.Equal(l.LineTotal))
		assert.True(t, l.Subtotal.Equal(l.LineTotal))
	}
	require.Len(t, stored.Discounts, 1)
	events := repo.Events()
	require.Len(t, events, 1)
	assert.Equal(t, proposals.EventCreated, events[0].Kind)

	_, err = proposals.CreateFromSnapshot(ctx, repo, &proposals.Proposal{ConvertedFromDraftID: &draftID}, &actor)
	assert.ErrorIs(t, err, shared.ErrIntegrity)
}

// ============================================================================
// HANDLERS
// ============================================================================

func publicRouter(svc *proposals.Service) http.Handler {
	r := chi.NewRouter()
	r.Route("/proposals/s", proposals.NewHandler(nil, svc, authz.Middleware{}).MountPublicRoutes)
	return r
}

func (s *ProposalServiceSuite) TestPublicHandlers() {
	t := s.T()
	p := s.send()
	router := publicRouter(s.service)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proposals/s/"+p.SignToken+"/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"first_view":true`)
	assert.Contains(t, rec.Body.String(), `"title":"Website refresh"`)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proposals/s/"+p.SignToken+"/pdf/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/proposals/s/"+p.SignToken+"/sign", strings.NewReader(`{"signature":"Ann"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, s.invoicer.calls)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proposals/s/unknown-token/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proposals/s/unknown-token/pdf/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func (s *ProposalServiceSuite) TestStaffRoutesRequireStaff() {
	t := s.T()
	h := proposals.NewHandler(nil, s.service, authz.Middleware{})
	as := func(p authz.Principal) http.Handler {
		r := chi.NewRouter()
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(authz.ContextWithPrincipal(req.Context(), p)))
			})
		})
		r.Route("/proposals", h.MountRoutes)
		return r
	}

	rec := httptest.NewRecorder()
	as(client).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/proposals/1/send", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	as(authz.Anonymous).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proposals/1", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	as(employee).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/proposals/1/send", strings.NewReader(`{"recipients":"ann@acme.test"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "https://portal.test/proposals/s/")
}
