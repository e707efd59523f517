// Package draftstest provides an in-memory drafts.Repository for tests.
package draftstest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/proposals/drafts"
	"github.com/odyssey-erp/backoffice/internal/proposals/proposalstest"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Memory keeps drafts in a map and shares transactions with a proposals
// memory repository, so a failed conversion rolls back both.
type Memory struct {
	mu     sync.Mutex
	drafts map[int64]drafts.Draft
	nextID int64

	Props *proposalstest.Memory

	UpdateErr error
}

// New returns an empty Memory bound to props; a nil props gets a fresh one.
func New(props *proposalstest.Memory) *Memory {
	if props == nil {
		props = proposalstest.New()
	}
	return &Memory{drafts: make(map[int64]drafts.Draft), nextID: 1, Props: props}
}

var _ drafts.Repository = (*Memory)(nil)

func (m *Memory) id() int64 {
	id := m.nextID
	m.nextID++
	return id
}

func cloneDraft(d drafts.Draft) drafts.Draft {
	d.Items = slices.Clone(d.Items)
	d.Notes = slices.Clone(d.Notes)
	return d
}

func (m *Memory) snapshot() (map[int64]drafts.Draft, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]drafts.Draft, len(m.drafts))
	for k, v := range m.drafts {
		out[k] = cloneDraft(v)
	}
	return out, m.nextID
}

func (m *Memory) WithTx(ctx context.Context, fn func(context.Context, drafts.Repository) error) error {
	saved, next := m.snapshot()
	err := m.Props.WithTx(ctx, func(ctx context.Context, _ proposals.Repository) error {
		return fn(ctx, m)
	})
	if err != nil {
		m.mu.Lock()
		m.drafts, m.nextID = saved, next
		m.mu.Unlock()
	}
	return err
}

func (m *Memory) Proposals() proposals.Repository { return m.Props }

func (m *Memory) Create(ctx context.Context, d *drafts.Draft) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cloneDraft(*d)
	c.ID = m.id()
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	m.drafts[c.ID] = c
	return c.ID, nil
}

func (m *Memory) Get(ctx context.Context, id int64) (*drafts.Draft, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok {
		return nil, fmt.Errorf("%w: draft %d", shared.ErrNotFound, id)
	}
	c := cloneDraft(d)
	sort.SliceStable(c.Items, func(i, j int) bool { return c.Items[i].SortOrder < c.Items[j].SortOrder })
	sort.SliceStable(c.Notes, func(i, j int) bool { return c.Notes[i].SortOrder < c.Notes[j].SortOrder })
	return &c, nil
}

func (m *Memory) GetForUpdate(ctx context.Context, id int64) (*drafts.Draft, error) {
	return m.Get(ctx, id)
}

func (m *Memory) List(ctx context.Context, req drafts.ListDraftsRequest) ([]drafts.Draft, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []drafts.Draft
	for _, d := range m.drafts {
		if req.CompanyID > 0 && d.CompanyID != req.CompanyID {
			continue
		}
		if req.Status != "" && d.ApprovalStatus != req.Status {
			continue
		}
		out = append(out, cloneDraft(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, len(out), nil
}

func (m *Memory) UpdateHeader(ctx context.Context, d *drafts.Draft) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.drafts[d.ID]
	if !ok {
		return fmt.Errorf("%w: draft %d", shared.ErrNotFound, d.ID)
	}
	next := *d
	next.Items, next.Notes = cur.Items, cur.Notes
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	m.drafts[d.ID] = next
	return nil
}

func (m *Memory) ApplyTransition(ctx context.Context, id int64, t drafts.Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[id]
	if !ok || !slices.Contains(t.From, d.ApprovalStatus) {
		return false, nil
	}
	at := t.At
	d.ApprovalStatus = t.To
	switch t.To {
	case drafts.StatusSubmitted:
		d.SubmittedBy, d.SubmittedAt, d.AssignedReviewerID = t.ActorID, &at, t.ReviewerID
	case drafts.StatusApproved, drafts.StatusRejected:
		d.ApprovedBy, d.ApprovalNotes, d.ApprovalAt = t.ActorID, t.Notes, &at
	}
	m.drafts[id] = d
	return true, nil
}

func (m *Memory) InsertItem(ctx context.Context, it drafts.Item) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[it.DraftID]
	if !ok {
		return 0, fmt.Errorf("%w: draft %d", shared.ErrNotFound, it.DraftID)
	}
	it.ID = m.id()
	d.Items = append(d.Items, it)
	m.drafts[d.ID] = d
	return it.ID, nil
}

func (m *Memory) UpdateItem(ctx context.Context, it drafts.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drafts[it.DraftID]
	for i := range d.Items {
		if d.Items[i].ID == it.ID {
			d.Items[i] = it
			m.drafts[d.ID] = d
			return nil
		}
	}
	return fmt.Errorf("%w: draft item %d", shared.ErrNotFound, it.ID)
}

func (m *Memory) DeleteItem(ctx context.Context, draftID, itemID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drafts[draftID]
	n := len(d.Items)
	d.Items = slices.DeleteFunc(d.Items, func(it drafts.Item) bool { return it.ID == itemID })
	if len(d.Items) == n {
		return fmt.Errorf("%w: draft item %d", shared.ErrNotFound, itemID)
	}
	m.drafts[draftID] = d
	return nil
}

func (m *Memory) InsertNote(ctx context.Context, n drafts.Note) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[n.DraftID]
	if !ok {
		return 0, fmt.Errorf("%w: draft %d", shared.ErrNotFound, n.DraftID)
	}
	n.ID = m.id()
	d.Notes = append(d.Notes, n)
	m.drafts[d.ID] = d
	return n.ID, nil
}

func (m *Memory) UpdateNote(ctx context.Context, n drafts.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drafts[n.DraftID]
	for i := range d.Notes {
		if d.Notes[i].ID == n.ID {
			d.Notes[i] = n
			m.drafts[d.ID] = d
			return nil
		}
	}
	return fmt.Errorf("%w: draft note %d", shared.ErrNotFound, n.ID)
}

func (m *Memory) DeleteNote(ctx context.Context, draftID, noteID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drafts[draftID]
	n := len(d.Notes)
	d.Notes = slices.DeleteFunc(d.Notes, func(note drafts.Note) bool { return note.ID == noteID })
	if len(d.Notes) == n {
		return fmt.Errorf("%w: draft note %d", shared.ErrNotFound, noteID)
	}
	m.drafts[draftID] = d
	return nil
}
