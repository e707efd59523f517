// Package invoicestest provides an in-memory invoices.Repository for tests.
package invoicestest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/billing/invoices"
	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

type state struct {
	invoices map[int64]invoices.Invoice
	payments map[int64][]invoices.Payment
	viewers  map[int64][]int64
	nextID   int64
}

func (s state) clone() state {
	out := state{
		invoices: maps.Clone(s.invoices),
		payments: make(map[int64][]invoices.Payment, len(s.payments)),
		viewers:  make(map[int64][]int64, len(s.viewers)),
		nextID:   s.nextID,
	}
	for k, v := range s.payments {
		out.payments[k] = slices.Clone(v)
	}
	for k, v := range s.viewers {
		out.viewers[k] = slices.Clone(v)
	}
	return out
}

// Memory keeps invoices in maps and enforces the unique keys of the schema.
type Memory struct {
	mu sync.Mutex
	st state

	// NumberCollisions makes the next Create calls fail as if the number were taken.
	NumberCollisions int
	Clock            func() time.Time
}

// New returns an empty Memory repository.
func New() *Memory {
	return &Memory{
		st: state{
			invoices: make(map[int64]invoices.Invoice),
			payments: make(map[int64][]invoices.Payment),
			viewers:  make(map[int64][]int64),
			nextID:   1,
		},
		Clock: func() time.Time { return time.Now().UTC() },
	}
}

var _ invoices.Repository = (*Memory)(nil)

func (m *Memory) id() int64 {
	id := m.st.nextID
	m.st.nextID++
	return id
}

// Count returns the number of stored invoices.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.invoices)
}

func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, invoices.Repository) error) error {
	m.mu.Lock()
	saved := m.st.clone()
	m.mu.Unlock()
	if err := fn(ctx, m); err != nil {
		m.mu.Lock()
		m.st = saved
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Memory) Create(ctx context.Context, inv *invoices.Invoice) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.NumberCollisions > 0 {
		m.NumberCollisions--
		return 0, fmt.Errorf("%w: invoices_number_key", shared.ErrIntegrity)
	}
	for _, existing := range m.st.invoices {
		switch {
		case inv.ProposalID != nil && existing.ProposalID != nil && *inv.ProposalID == *existing.ProposalID:
			return 0, invoices.ErrAlreadyInvoiced
		case existing.Number == inv.Number:
			return 0, fmt.Errorf("%w: invoices_number_key", shared.ErrIntegrity)
		case existing.ViewToken == inv.ViewToken:
			return 0, fmt.Errorf("%w: invoices_view_token_key", shared.ErrIntegrity)
		}
	}
	cp := *inv
	cp.ID = m.id()
	cp.Lines, cp.Discounts = nil, nil
	now := m.Clock()
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.st.invoices[cp.ID] = cp
	return cp.ID, nil
}

func (m *Memory) InsertLines(ctx context.Context, invoiceID int64, lines []invoices.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.st.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("%w: invoice %d", shared.ErrNotFound, invoiceID)
	}
	for _, l := range lines {
		l.ID = m.id()
		l.InvoiceID = invoiceID
		inv.Lines = append(inv.Lines, l)
	}
	m.st.invoices[invoiceID] = inv
	return nil
}

func (m *Memory) InsertDiscounts(ctx context.Context, invoiceID int64, discounts []invoices.AppliedDiscount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.st.invoices[invoiceID]
	if !ok {
		return fmt.Errorf("%w: invoice %d", shared.ErrNotFound, invoiceID)
	}
	for _, d := range discounts {
		d.ID = m.id()
		d.InvoiceID = invoiceID
		inv.Discounts = append(inv.Discounts, d)
	}
	m.st.invoices[invoiceID] = inv
	return nil
}

func copyOf(inv invoices.Invoice) *invoices.Invoice {
	inv.Lines = slices.Clone(inv.Lines)
	inv.Discounts = slices.Clone(inv.Discounts)
	return &inv
}

func (m *Memory) find(match func(invoices.Invoice) bool, what string) (*invoices.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.st.invoices {
		if match(inv) {
			return copyOf(inv), nil
		}
	}
	return nil, fmt.Errorf("%w: invoice %s", shared.ErrNotFound, what)
}

func (m *Memory) Get(ctx context.Context, id int64) (*invoices.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.st.invoices[id]
	if !ok {
		return nil, fmt.Errorf("%w: invoice %d", shared.ErrNotFound, id)
	}
	return copyOf(inv), nil
}

func (m *Memory) GetForUpdate(ctx context.Context, id int64) (*invoices.Invoice, error) {
	return m.Get(ctx, id)
}

func (m *Memory) GetByViewToken(ctx context.Context, token string) (*invoices.Invoice, error) {
	return m.find(func(inv invoices.Invoice) bool { return inv.ViewToken != "" && inv.ViewToken == token }, "token")
}

func (m *Memory) GetByProposal(ctx context.Context, proposalID int64) (*invoices.Invoice, error) {
	return m.find(func(inv invoices.Invoice) bool { return inv.ProposalID != nil && *inv.ProposalID == proposalID }, "for proposal")
}

func (m *Memory) GetByPaymentIntent(ctx context.Context, intentID string) (*invoices.Invoice, error) {
	return m.find(func(inv invoices.Invoice) bool { return inv.StripePaymentIntentID == intentID }, "for intent")
}

func (m *Memory) List(ctx context.Context, req invoices.ListInvoicesRequest) ([]invoices.Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []invoices.Invoice
	for _, inv := range m.st.invoices {
		if req.CompanyID > 0 && inv.CompanyID != req.CompanyID {
			continue
		}
		if req.Status != "" && inv.Status != req.Status {
			continue
		}
		if uid := req.CustomerUserID; uid != nil {
			owner := inv.CustomerUserID != nil && *inv.CustomerUserID == *uid
			if !owner && !slices.Contains(m.st.viewers[inv.ID], *uid) {
				continue
			}
		}
		out = append(out, *copyOf(inv))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := len(out)
	if req.Offset > 0 {
		out = out[min(req.Offset, len(out)):]
	}
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, total, nil
}

func (m *Memory) update(id int64, fn func(*invoices.Invoice)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.st.invoices[id]
	if !ok {
		return fmt.Errorf("%w: invoice %d", shared.ErrNotFound, id)
	}
	fn(&inv)
	inv.UpdatedAt = m.Clock()
	m.st.invoices[id] = inv
	return nil
}

func (m *Memory) UpdateTotals(ctx context.Context, in *invoices.Invoice) error {
	return m.update(in.ID, func(inv *invoices.Invoice) {
		inv.Subtotal, inv.DiscountTotal, inv.TaxTotal, inv.Total = in.Subtotal, in.DiscountTotal, in.TaxTotal, in.Total
	})
}

func (m *Memory) SetPaymentState(ctx context.Context, id int64, amountPaid decimal.Decimal, status invoices.Status) error {
	return m.update(id, func(inv *invoices.Invoice) {
		inv.AmountPaid, inv.Status = amountPaid, status
	})
}

func (m *Memory) SetStatus(ctx context.Context, id int64, from []invoices.Status, to invoices.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.st.invoices[id]
	if !ok || !slices.Contains(from, inv.Status) {
		return false, nil
	}
	inv.Status = to
	m.st.invoices[id] = inv
	return true, nil
}

func (m *Memory) SetPDF(ctx context.Context, id int64, ref documents.ArtifactRef) error {
	return m.update(id, func(inv *invoices.Invoice) { inv.PDF = ref })
}

func (m *Memory) SetPaymentIntent(ctx context.Context, id int64, intentID, status string) error {
	return m.update(id, func(inv *invoices.Invoice) {
		inv.StripePaymentIntentID, inv.StripeStatus = intentID, status
	})
}

func (m *Memory) InsertPayment(ctx context.Context, p *invoices.Payment) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.StripePaymentIntentID != "" {
		for _, list := range m.st.payments {
			for _, existing := range list {
				if existing.StripePaymentIntentID == p.StripePaymentIntentID {
					return 0, invoices.ErrDuplicatePayment
				}
			}
		}
	}
	cp := *p
	cp.ID = m.id()
	m.st.payments[p.InvoiceID] = append(m.st.payments[p.InvoiceID], cp)
	return cp.ID, nil
}

func (m *Memory) ListPayments(ctx context.Context, invoiceID int64) ([]invoices.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.st.payments[invoiceID])
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func (m *Memory) GetPaymentByIntent(ctx context.Context, intentID string) (*invoices.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, list := range m.st.payments {
		for _, p := range list {
			if p.StripePaymentIntentID == intentID {
				return &p, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: payment for intent", shared.ErrNotFound)
}

func (m *Memory) GrantViewer(ctx context.Context, invoiceID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.st.viewers[invoiceID], userID) {
		m.st.viewers[invoiceID] = append(m.st.viewers[invoiceID], userID)
	}
	return nil
}

func (m *Memory) ListViewers(ctx context.Context, invoiceID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.st.viewers[invoiceID]), nil
}

// Idempotency is an in-memory idempotency key store.
type Idempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

// NewIdempotency returns an empty key store.
func NewIdempotency() *Idempotency {
	return &Idempotency{keys: make(map[string]bool)}
}

func (i *Idempotency) CheckAndInsert(ctx context.Context, key, module string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.keys[module+":"+key] {
		return shared.ErrIdempotencyConflict
	}
	i.keys[module+":"+key] = true
	return nil
}

func (i *Idempotency) Delete(ctx context.Context, key, module string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.keys, module+":"+key)
	return nil
}
