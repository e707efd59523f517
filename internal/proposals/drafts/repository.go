package drafts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/proposals"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Transition describes a conditional status change.
type Transition struct {
	From       []ApprovalStatus
	To         ApprovalStatus
	ActorID    *int64
	At         time.Time
	Notes      string
	ReviewerID *int64
}

// Repository persists drafts, their items and notes.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	// Proposals returns a proposals repository bound to the same connection or transaction.
	Proposals() proposals.Repository
	Create(ctx context.Context, d *Draft) (int64, error)
	Get(ctx context.Context, id int64) (*Draft, error)
	GetForUpdate(ctx context.Context, id int64) (*Draft, error)
	List(ctx context.Context, req ListDraftsRequest) ([]Draft, int, error)
	// UpdateHeader stores header fields, totals and the approval status.
	UpdateHeader(ctx context.Context, d *Draft) error
	// ApplyTransition updates the status only when it is one of t.From.
	ApplyTransition(ctx context.Context, id int64, t Transition) (bool, error)
	InsertItem(ctx context.Context, it Item) (int64, error)
	UpdateItem(ctx context.Context, it Item) error
	DeleteItem(ctx context.Context, draftID, itemID int64) error
	InsertNote(ctx context.Context, n Note) (int64, error)
	UpdateNote(ctx context.Context, n Note) error
	DeleteNote(ctx context.Context, draftID, noteID int64) error
}

type repository struct {
	pool *pgxpool.Pool
	db   db.DBTX
}

// NewRepository returns a pgx-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool, db: pool}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	if r.pool == nil {
		return fn(ctx, r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx})
	})
}

func (r *repository) Proposals() proposals.Repository {
	if r.pool != nil {
		return proposals.NewRepository(r.pool)
	}
	return proposals.NewTxRepository(r.db)
}

const draftColumns = `
	id, company_id, created_by, title, currency, discount_id, contact_name, contact_email,
	subtotal, discount_total, tax_total, total,
	deposit_type, deposit_value, deposit_amount, remaining_due,
	estimate_tier_id, estimate_manual, estimate_low, estimate_high,
	approval_status, submitted_by, submitted_at, assigned_reviewer_id,
	approved_by, approval_notes, approval_at, created_at, updated_at`

func scanDraft(row pgx.Row) (*Draft, error) {
	var d Draft
	err := row.Scan(
		&d.ID, &d.CompanyID, &d.CreatedBy, &d.Title, &d.Currency, &d.DiscountID, &d.ContactName, &d.ContactEmail,
		&d.Subtotal, &d.DiscountTotal, &d.TaxTotal, &d.Total,
		&d.DepositType, &d.DepositValue, &d.DepositAmount, &d.RemainingDue,
		&d.EstimateTierID, &d.EstimateManual, &d.EstimateLow, &d.EstimateHigh,
		&d.ApprovalStatus, &d.SubmittedBy, &d.SubmittedAt, &d.AssignedReviewerID,
		&d.ApprovedBy, &d.ApprovalNotes, &d.ApprovalAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *repository) Create(ctx context.Context, d *Draft) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO proposal_drafts (company_id, created_by, title, currency, discount_id, contact_name, contact_email,
			subtotal, discount_total, tax_total, total,
			deposit_type, deposit_value, deposit_amount, remaining_due,
			estimate_tier_id, estimate_manual, estimate_low, estimate_high, approval_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING id`,
		d.CompanyID, d.CreatedBy, d.Title, d.Currency, d.DiscountID, d.ContactName, d.ContactEmail,
		d.Subtotal, d.DiscountTotal, d.TaxTotal, d.Total,
		d.DepositType, d.DepositValue, d.DepositAmount, d.RemainingDue,
		d.EstimateTierID, d.EstimateManual, d.EstimateLow, d.EstimateHigh, d.ApprovalStatus,
	).Scan(&id)
	return id, err
}

func (r *repository) load(ctx context.Context, query string, id int64) (*Draft, error) {
	d, err := scanDraft(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: draft %d", shared.ErrNotFound, id)
		}
		return nil, err
	}
	if d.Items, err = r.items(ctx, id); err != nil {
		return nil, err
	}
	if d.Notes, err = r.notes(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *repository) items(ctx context.Context, draftID int64) ([]Item, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, draft_id, catalog_item_id, name, description, hourly_rate, base_rate,
			hours, quantity, line_total, sort_order
		FROM draft_items
		WHERE draft_id = $1
		ORDER BY sort_order, id`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.DraftID, &it.CatalogItemID, &it.Name, &it.Description, &it.HourlyRate, &it.BaseRate,
			&it.Hours, &it.Quantity, &it.LineTotal, &it.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *repository) notes(ctx context.Context, draftID int64) ([]Note, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, draft_id, heading, body, sort_order
		FROM draft_notes
		WHERE draft_id = $1
		ORDER BY sort_order, id`, draftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.DraftID, &n.Heading, &n.Body, &n.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (*Draft, error) {
	return r.load(ctx, `SELECT `+draftColumns+` FROM proposal_drafts WHERE id = $1`, id)
}

func (r *repository) GetForUpdate(ctx context.Context, id int64) (*Draft, error) {
	return r.load(ctx, `SELECT `+draftColumns+` FROM proposal_drafts WHERE id = $1 FOR UPDATE`, id)
}

func (r *repository) List(ctx context.Context, req ListDraftsRequest) ([]Draft, int, error) {
	var conditions []string
	var args []any
	if req.CompanyID > 0 {
		args = append(args, req.CompanyID)
		conditions = append(conditions, fmt.Sprintf("company_id = $%d", len(args)))
	}
	if req.Status != "" {
		args = append(args, req.Status)
		conditions = append(conditions, fmt.Sprintf("approval_status = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM proposal_drafts"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf("SELECT %s FROM proposal_drafts%s ORDER BY updated_at DESC, id DESC LIMIT $%d OFFSET $%d",
		draftColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, req.Offset)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

func (r *repository) UpdateHeader(ctx context.Context, d *Draft) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE proposal_drafts
		SET title = $2, currency = $3, discount_id = $4, contact_name = $5, contact_email = $6,
			subtotal = $7, discount_total = $8, tax_total = $9, total = $10,
			deposit_type = $11, deposit_value = $12, deposit_amount = $13, remaining_due = $14,
			estimate_tier_id = $15, estimate_manual = $16, estimate_low = $17, estimate_high = $18,
			approval_status = $19, updated_at = NOW()
		WHERE id = $1`,
		d.ID, d.Title, d.Currency, d.DiscountID, d.ContactName, d.ContactEmail,
		d.Subtotal, d.DiscountTotal, d.TaxTotal, d.Total,
		d.DepositType, d.DepositValue, d.DepositAmount, d.RemainingDue,
		d.EstimateTierID, d.EstimateManual, d.EstimateLow, d.EstimateHigh,
		d.ApprovalStatus)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: draft %d", shared.ErrNotFound, d.ID)
	}
	return nil
}

func (r *repository) ApplyTransition(ctx context.Context, id int64, t Transition) (bool, error) {
	from := make([]string, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE proposal_drafts
		SET approval_status = $2::text,
			submitted_by = CASE WHEN $2::text = 'SUBMITTED' THEN $4 ELSE submitted_by END,
			submitted_at = CASE WHEN $2::text = 'SUBMITTED' THEN $5 ELSE submitted_at END,
			assigned_reviewer_id = CASE WHEN $2::text = 'SUBMITTED' THEN $6 ELSE assigned_reviewer_id END,
			approved_by = CASE WHEN $2::text IN ('APPROVED', 'REJECTED') THEN $4 ELSE approved_by END,
			approval_notes = CASE WHEN $2::text IN ('APPROVED', 'REJECTED') THEN $7 ELSE approval_notes END,
			approval_at = CASE WHEN $2::text IN ('APPROVED', 'REJECTED') THEN $5 ELSE approval_at END,
			updated_at = NOW()
		WHERE id = $1 AND approval_status = ANY($3)`,
		id, string(t.To), from, t.ActorID, t.At, t.ReviewerID, t.Notes)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) InsertItem(ctx context.Context, it Item) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO draft_items (draft_id, catalog_item_id, name, description, hourly_rate, base_rate,
			hours, quantity, line_total, sort_order)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		it.DraftID, it.CatalogItemID, it.Name, it.Description, it.HourlyRate, it.BaseRate,
		it.Hours, it.Quantity, it.LineTotal, it.SortOrder).Scan(&id)
	return id, err
}

func (r *repository) UpdateItem(ctx context.Context, it Item) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE draft_items
		SET name = $3, description = $4, hourly_rate = $5, base_rate = $6,
			hours = $7, quantity = $8, line_total = $9, sort_order = $10
		WHERE id = $1 AND draft_id = $2`,
		it.ID, it.DraftID, it.Name, it.Description, it.HourlyRate, it.BaseRate,
		it.Hours, it.Quantity, it.LineTotal, it.SortOrder)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: draft item %d", shared.ErrNotFound, it.ID)
	}
	return nil
}

func (r *repository) DeleteItem(ctx context.Context, draftID, itemID int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM draft_items WHERE id = $1 AND draft_id = $2`, itemID, draftID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: draft item %d", shared.ErrNotFound, itemID)
	}
	return nil
}

func (r *repository) InsertNote(ctx context.Context, n Note) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO draft_notes (draft_id, heading, body, sort_order)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, n.DraftID, n.Heading, n.Body, n.SortOrder).Scan(&id)
	return id, err
}

func (r *repository) UpdateNote(ctx context.Context, n Note) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE draft_notes SET heading = $3, body = $4, sort_order = $5
		WHERE id = $1 AND draft_id = $2`, n.ID, n.DraftID, n.Heading, n.Body, n.SortOrder)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: draft note %d", shared.ErrNotFound, n.ID)
	}
	return nil
}

func (r *repository) DeleteNote(ctx context.Context, draftID, noteID int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM draft_notes WHERE id = $1 AND draft_id = $2`, noteID, draftID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: draft note %d", shared.ErrNotFound, noteID)
	}
	return nil
}
