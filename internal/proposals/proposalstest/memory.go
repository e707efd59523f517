// Package proposalstest provides an in-memory proposals.Repository for tests.
package proposalstest

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

type state struct {
	proposals  map[int64]proposals.Proposal
	recipients map[int64][]proposals.Recipient
	viewers    map[int64][]int64
	events     []proposals.Event
	nextID     int64
}

// Memory keeps proposals in maps. WithTx restores the previous state when fn fails.
type Memory struct {
	mu sync.Mutex
	st state

	CreateErr error
	EventErr  error
	// Clock stamps events that carry no time.
	Clock func() time.Time
}

// New returns an empty Memory repository.
func New() *Memory {
	return &Memory{
		st: state{
			proposals:  make(map[int64]proposals.Proposal),
			recipients: make(map[int64][]proposals.Recipient),
			viewers:    make(map[int64][]int64),
			nextID:     1,
		},
		Clock: func() time.Time { return time.Now().UTC() },
	}
}

var _ proposals.Repository = (*Memory)(nil)

func (m *Memory) id() int64 {
	id := m.st.nextID
	m.st.nextID++
	return id
}

func (s state) clone() state {
	out := state{
		proposals:  maps.Clone(s.proposals),
		recipients: make(map[int64][]proposals.Recipient, len(s.recipients)),
		viewers:    make(map[int64][]int64, len(s.viewers)),
		events:     append([]proposals.Event(nil), s.events...),
		nextID:     s.nextID,
	}
	for k, v := range s.recipients {
		out.recipients[k] = append([]proposals.Recipient(nil), v...)
	}
	for k, v := range s.viewers {
		out.viewers[k] = append([]int64(nil), v...)
	}
	return out
}

// Seed stores p with its lines and returns the id.
func (m *Memory) Seed(p proposals.Proposal) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = m.id()
	for i := range p.Lines {
		p.Lines[i].ProposalID = p.ID
	}
	m.st.proposals[p.ID] = p
	return p.ID
}

// Events returns every stored event in insertion order.
func (m *Memory) Events() []proposals.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]proposals.Event(nil), m.st.events...)
}

// Count returns the number of stored proposals.
func (m *Memory) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.proposals)
}

func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, proposals.Repository) error) error {
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

func (m *Memory) Create(ctx context.Context, p *proposals.Proposal) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return 0, m.CreateErr
	}
	if p.ConvertedFromDraftID != nil {
		for _, existing := range m.st.proposals {
			if existing.ConvertedFromDraftID != nil && *existing.ConvertedFromDraftID == *p.ConvertedFromDraftID {
				return 0, fmt.Errorf("%w: proposals_converted_from_draft_id_key", shared.ErrIntegrity)
			}
		}
	}
	cp := *p
	cp.ID = m.id()
	cp.Lines, cp.Discounts = nil, nil
	now := m.Clock()
	cp.CreatedAt, cp.UpdatedAt = now, now
	m.st.proposals[cp.ID] = cp
	return cp.ID, nil
}

func (m *Memory) InsertLines(ctx context.Context, proposalID int64, lines []proposals.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.proposals[proposalID]
	if !ok {
		return fmt.Errorf("%w: proposal %d", shared.ErrNotFound, proposalID)
	}
	for _, l := range lines {
		l.ID = m.id()
		l.ProposalID = proposalID
		p.Lines = append(p.Lines, l)
	}
	m.st.proposals[proposalID] = p
	return nil
}

func (m *Memory) InsertDiscounts(ctx context.Context, proposalID int64, discounts []proposals.AppliedDiscount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.proposals[proposalID]
	if !ok {
		return fmt.Errorf("%w: proposal %d", shared.ErrNotFound, proposalID)
	}
	for _, d := range discounts {
		d.ID = m.id()
		d.ProposalID = proposalID
		p.Discounts = append(p.Discounts, d)
	}
	m.st.proposals[proposalID] = p
	return nil
}

func (m *Memory) copyOf(p proposals.Proposal) *proposals.Proposal {
	p.Lines = append([]proposals.LineItem(nil), p.Lines...)
	p.Discounts = append([]proposals.AppliedDiscount(nil), p.Discounts...)
	return &p
}

func (m *Memory) Get(ctx context.Context, id int64) (*proposals.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.proposals[id]
	if !ok {
		return nil, fmt.Errorf("%w: proposal %d", shared.ErrNotFound, id)
	}
	return m.copyOf(p), nil
}

func (m *Memory) GetForUpdate(ctx context.Context, id int64) (*proposals.Proposal, error) {
	return m.Get(ctx, id)
}

func (m *Memory) GetBySignToken(ctx context.Context, token string) (*proposals.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.st.proposals {
		if p.SignToken != "" && p.SignToken == token {
			return m.copyOf(p), nil
		}
	}
	return nil, fmt.Errorf("%w: proposal token", shared.ErrNotFound)
}

func (m *Memory) GetByDraft(ctx context.Context, draftID int64) (*proposals.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.st.proposals {
		if p.ConvertedFromDraftID != nil && *p.ConvertedFromDraftID == draftID {
			return m.copyOf(p), nil
		}
	}
	return nil, fmt.Errorf("%w: proposal for draft %d", shared.ErrNotFound, draftID)
}

func (m *Memory) List(ctx context.Context, req proposals.ListProposalsRequest) ([]proposals.Proposal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []proposals.Proposal
	for _, p := range m.st.proposals {
		if req.CompanyID > 0 && p.CompanyID != req.CompanyID {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (m *Memory) update(id int64, fn func(p *proposals.Proposal) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.st.proposals[id]
	if !ok {
		return false, fmt.Errorf("%w: proposal %d", shared.ErrNotFound, id)
	}
	changed := fn(&p)
	if changed {
		p.UpdatedAt = m.Clock()
		m.st.proposals[id] = p
	}
	return changed, nil
}

func (m *Memory) SetSigningLink(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	m.mu.Lock()
	for otherID, p := range m.st.proposals {
		if otherID != id && p.SignToken == token {
			m.mu.Unlock()
			return fmt.Errorf("%w: proposals_sign_token_key", shared.ErrIntegrity)
		}
	}
	m.mu.Unlock()
	_, err := m.update(id, func(p *proposals.Proposal) bool {
		p.SignToken = token
		p.TokenExpiresAt = &expiresAt
		return true
	})
	return err
}

// ExpireToken moves the token expiry of id to at.
func (m *Memory) ExpireToken(id int64, at time.Time) {
	_, _ = m.update(id, func(p *proposals.Proposal) bool {
		p.TokenExpiresAt = &at
		return true
	})
}

func (m *Memory) SetSent(ctx context.Context, id int64, at time.Time) error {
	_, err := m.update(id, func(p *proposals.Proposal) bool {
		if p.SentAt == nil {
			p.SentAt = &at
		}
		return true
	})
	return err
}

func (m *Memory) SetViewed(ctx context.Context, id int64, at time.Time) (bool, error) {
	return m.update(id, func(p *proposals.Proposal) bool {
		if p.ViewedAt != nil {
			return false
		}
		p.ViewedAt = &at
		return true
	})
}

func (m *Memory) SetSigned(ctx context.Context, id int64, at time.Time, customerUserID *int64) (bool, error) {
	return m.update(id, func(p *proposals.Proposal) bool {
		if p.SignedAt != nil {
			return false
		}
		p.SignedAt = &at
		if p.CustomerUserID == nil {
			p.CustomerUserID = customerUserID
		}
		return true
	})
}

func (m *Memory) SetPDF(ctx context.Context, id int64, ref documents.ArtifactRef) error {
	_, err := m.update(id, func(p *proposals.Proposal) bool {
		p.PDF = ref
		return true
	})
	return err
}

func (m *Memory) AppendEvent(ctx context.Context, e proposals.Event) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.EventErr != nil {
		return 0, m.EventErr
	}
	e.ID = m.id()
	if e.At.IsZero() {
		e.At = m.Clock()
	}
	m.st.events = append(m.st.events, e)
	return e.ID, nil
}

func (m *Memory) ListEvents(ctx context.Context, proposalID int64) ([]proposals.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []proposals.Event
	for _, e := range m.st.events {
		if e.ProposalID == proposalID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].At.Equal(out[j].At) {
			return out[i].At.After(out[j].At)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ListRecipients(ctx context.Context, proposalID int64) ([]proposals.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]proposals.Recipient(nil), m.st.recipients[proposalID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsPrimary != out[j].IsPrimary {
			return out[i].IsPrimary
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) InsertRecipientIfAbsent(ctx context.Context, r proposals.Recipient) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.st.recipients[r.ProposalID] {
		if existing.Email == r.Email {
			return false, nil
		}
	}
	r.ID = m.id()
	r.CreatedAt = m.Clock()
	m.st.recipients[r.ProposalID] = append(m.st.recipients[r.ProposalID], r)
	return true, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, proposalID int64, emails []string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.st.recipients[proposalID]
	for i := range list {
		for _, e := range emails {
			if list[i].Email == e {
				t := at
				list[i].DeliveredAt = &t
			}
		}
	}
	return nil
}

func (m *Memory) TouchRecipientOpened(ctx context.Context, proposalID int64, email string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.st.recipients[proposalID]
	for i := range list {
		if list[i].Email == email {
			t := at
			list[i].LastOpenedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) GrantViewer(ctx context.Context, proposalID, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.st.viewers[proposalID] {
		if id == userID {
			return nil
		}
	}
	m.st.viewers[proposalID] = append(m.st.viewers[proposalID], userID)
	return nil
}

func (m *Memory) ListViewers(ctx context.Context, proposalID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.st.viewers[proposalID]...), nil
}
