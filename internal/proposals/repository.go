package proposals

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Repository persists proposals with their lines, recipients, viewers and events.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	// Create inserts the header. A second proposal for the same draft fails with ErrIntegrity.
	Create(ctx context.Context, p *Proposal) (int64, error)
	InsertLines(ctx context.Context, proposalID int64, lines []LineItem) error
	InsertDiscounts(ctx context.Context, proposalID int64, discounts []AppliedDiscount) error
	Get(ctx context.Context, id int64) (*Proposal, error)
	GetForUpdate(ctx context.Context, id int64) (*Proposal, error)
	GetBySignToken(ctx context.Context, token string) (*Proposal, error)
	GetByDraft(ctx context.Context, draftID int64) (*Proposal, error)
	List(ctx context.Context, req ListProposalsRequest) ([]Proposal, int, error)
	SetSigningLink(ctx context.Context, id int64, token string, expiresAt time.Time) error
	SetSent(ctx context.Context, id int64, at time.Time) error
	// SetViewed stamps viewed_at when unset and reports whether this call did it.
	SetViewed(ctx context.Context, id int64, at time.Time) (bool, error)
	// SetSigned stamps signed_at when unset and reports whether this call did it.
	SetSigned(ctx context.Context, id int64, at time.Time, customerUserID *int64) (bool, error)
	SetPDF(ctx context.Context, id int64, ref documents.ArtifactRef) error
	AppendEvent(ctx context.Context, e Event) (int64, error)
	// ListEvents orders by (at DESC, id ASC).
	ListEvents(ctx context.Context, proposalID int64) ([]Event, error)
	ListRecipients(ctx context.Context, proposalID int64) ([]Recipient, error)
	// InsertRecipientIfAbsent never touches an existing (proposal, email) row.
	InsertRecipientIfAbsent(ctx context.Context, r Recipient) (bool, error)
	MarkDelivered(ctx context.Context, proposalID int64, emails []string, at time.Time) error
	TouchRecipientOpened(ctx context.Context, proposalID int64, email string, at time.Time) (bool, error)
	GrantViewer(ctx context.Context, proposalID, userID int64) error
	ListViewers(ctx context.Context, proposalID int64) ([]int64, error)
}

type repository struct {
	pool *pgxpool.Pool
	db   db.DBTX
}

// NewRepository returns a pgx-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool, db: pool}
}

// NewTxRepository binds a Repository to an open transaction owned by another package.
func NewTxRepository(tx db.DBTX) Repository {
	return &repository{db: tx}
}

func (r *repository) WithTx(ctx context.Context, fn func(context.Context, Repository) error) error {
	if r.pool == nil {
		return fn(ctx, r)
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &repository{db: tx})
	})
}

const proposalColumns = `
	id, company_id, created_by, converted_from_draft_id, title, company_name, currency,
	contact_name, contact_email, customer_user_id,
	subtotal, discount_total, tax_total, total,
	deposit_type, deposit_value, deposit_amount, remaining_due,
	COALESCE(sign_token, ''), token_expires_at, sent_at, viewed_at, signed_at,
	pdf_path, created_at, updated_at`

func scanProposal(row pgx.Row) (*Proposal, error) {
	var p Proposal
	var pdf string
	err := row.Scan(
		&p.ID, &p.CompanyID, &p.CreatedBy, &p.ConvertedFromDraftID, &p.Title, &p.CompanyName, &p.Currency,
		&p.ContactName, &p.ContactEmail, &p.CustomerUserID,
		&p.Subtotal, &p.DiscountTotal, &p.TaxTotal, &p.Total,
		&p.DepositType, &p.DepositValue, &p.DepositAmount, &p.RemainingDue,
		&p.SignToken, &p.TokenExpiresAt, &p.SentAt, &p.ViewedAt, &p.SignedAt,
		&pdf, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.PDF = documents.ArtifactRef(pdf)
	return &p, nil
}

func (r *repository) Create(ctx context.Context, p *Proposal) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO proposals (company_id, created_by, converted_from_draft_id, title, company_name, currency,
			contact_name, contact_email, customer_user_id,
			subtotal, discount_total, tax_total, total,
			deposit_type, deposit_value, deposit_amount, remaining_due)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`,
		p.CompanyID, p.CreatedBy, p.ConvertedFromDraftID, p.Title, p.CompanyName, p.Currency,
		p.ContactName, p.ContactEmail, p.CustomerUserID,
		p.Subtotal, p.DiscountTotal, p.TaxTotal, p.Total,
		p.DepositType, p.DepositValue, p.DepositAmount, p.RemainingDue,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return 0, fmt.Errorf("%w: %s", shared.ErrIntegrity, db.ConstraintName(err))
		}
		return 0, err
	}
	return id, nil
}

func (r *repository) InsertLines(ctx context.Context, proposalID int64, lines []LineItem) error {
	for _, l := range lines {
		_, err := r.db.Exec(ctx, `
			INSERT INTO proposal_line_items (proposal_id, sort_order, name, description,
				hours, quantity, hourly_rate, base_rate, line_total, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			proposalID, l.SortOrder, l.Name, l.Description,
			l.Hours, l.Quantity, l.HourlyRate, l.BaseRate, l.LineTotal, l.UnitPrice, l.Subtotal)
		if err != nil {
			return fmt.Errorf("insert proposal line: %w", err)
		}
	}
	return nil
}

func (r *repository) InsertDiscounts(ctx context.Context, proposalID int64, discounts []AppliedDiscount) error {
	for _, d := range discounts {
		_, err := r.db.Exec(ctx, `
			INSERT INTO proposal_applied_discounts (proposal_id, code, name, kind, value, amount_applied, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			proposalID, d.Code, d.Name, d.Kind, d.Value, d.AmountApplied, d.SortOrder)
		if err != nil {
			return fmt.Errorf("insert proposal discount: %w", err)
		}
	}
	return nil
}

func (r *repository) load(ctx context.Context, query string, arg any, what string) (*Proposal, error) {
	p, err := scanProposal(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: proposal %s", shared.ErrNotFound, what)
		}
		return nil, err
	}
	if p.Lines, err = r.lines(ctx, p.ID); err != nil {
		return nil, err
	}
	if p.Discounts, err = r.discounts(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *repository) lines(ctx context.Context, proposalID int64) ([]LineItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, proposal_id, sort_order, name, description, hours, quantity,
			hourly_rate, base_rate, line_total, unit_price, subtotal
		FROM proposal_line_items
		WHERE proposal_id = $1
		ORDER BY sort_order, id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LineItem
	for rows.Next() {
		var l LineItem
		if err := rows.Scan(&l.ID, &l.ProposalID, &l.SortOrder, &l.Name, &l.Description, &l.Hours, &l.Quantity,
			&l.HourlyRate, &l.BaseRate, &l.LineTotal, &l.UnitPrice, &l.Subtotal); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *repository) discounts(ctx context.Context, proposalID int64) ([]AppliedDiscount, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, proposal_id, code, name, kind, value, amount_applied, sort_order
		FROM proposal_applied_discounts
		WHERE proposal_id = $1
		ORDER BY sort_order, id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AppliedDiscount
	for rows.Next() {
		var d AppliedDiscount
		if err := rows.Scan(&d.ID, &d.ProposalID, &d.Code, &d.Name, &d.Kind, &d.Value, &d.AmountApplied, &d.SortOrder); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (*Proposal, error) {
	return r.load(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id, fmt.Sprint(id))
}

func (r *repository) GetForUpdate(ctx context.Context, id int64) (*Proposal, error) {
	return r.load(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1 FOR UPDATE`, id, fmt.Sprint(id))
}

func (r *repository) GetBySignToken(ctx context.Context, token string) (*Proposal, error) {
	return r.load(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE sign_token = $1`, token, "token")
}

func (r *repository) GetByDraft(ctx context.Context, draftID int64) (*Proposal, error) {
	return r.load(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE converted_from_draft_id = $1`, draftID, fmt.Sprintf("for draft %d", draftID))
}

func (r *repository) List(ctx context.Context, req ListProposalsRequest) ([]Proposal, int, error) {
	where := ""
	var args []any
	if req.CompanyID > 0 {
		where = " WHERE company_id = $1"
		args = append(args, req.CompanyID)
	}
	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM proposals"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf("SELECT %s FROM proposals%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		proposalColumns, where, len(args)+1, len(args)+2)
	args = append(args, limit, req.Offset)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *p)
	}
	return out, total, rows.Err()
}

func (r *repository) exec(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", shared.ErrIntegrity, db.ConstraintName(err))
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: proposal %d", shared.ErrNotFound, id)
	}
	return nil
}

func (r *repository) SetSigningLink(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	return r.exec(ctx, id, `UPDATE proposals SET sign_token = $2, token_expires_at = $3, updated_at = NOW() WHERE id = $1`, token, expiresAt)
}

func (r *repository) SetSent(ctx context.Context, id int64, at time.Time) error {
	return r.exec(ctx, id, `UPDATE proposals SET sent_at = COALESCE(sent_at, $2), updated_at = NOW() WHERE id = $1`, at)
}

func (r *repository) SetViewed(ctx context.Context, id int64, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE proposals SET viewed_at = $2, updated_at = NOW() WHERE id = $1 AND viewed_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) SetSigned(ctx context.Context, id int64, at time.Time, customerUserID *int64) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE proposals
		SET signed_at = $2, customer_user_id = COALESCE(customer_user_id, $3), updated_at = NOW()
		WHERE id = $1 AND signed_at IS NULL`, id, at, customerUserID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) SetPDF(ctx context.Context, id int64, ref documents.ArtifactRef) error {
	return r.exec(ctx, id, `UPDATE proposals SET pdf_path = $2, updated_at = NOW() WHERE id = $1`, string(ref))
}

func (r *repository) AppendEvent(ctx context.Context, e Event) (int64, error) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO proposal_events (proposal_id, kind, at, actor_id, ip_address, data)
		VALUES ($1, $2, COALESCE($3, NOW()), $4, $5, $6)
		RETURNING id`, e.ProposalID, e.Kind, nullableTime(e.At), e.ActorID, e.IP, e.Data).Scan(&id)
	return id, err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *repository) ListEvents(ctx context.Context, proposalID int64) ([]Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, proposal_id, kind, at, actor_id, ip_address, data
		FROM proposal_events
		WHERE proposal_id = $1
		ORDER BY at DESC, id ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ProposalID, &e.Kind, &e.At, &e.ActorID, &e.IP, &e.Data); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *repository) ListRecipients(ctx context.Context, proposalID int64) ([]Recipient, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, proposal_id, email, name, is_primary, delivered_at, last_opened_at, created_at
		FROM proposal_recipients
		WHERE proposal_id = $1
		ORDER BY is_primary DESC, id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Recipient
	for rows.Next() {
		var rc Recipient
		if err := rows.Scan(&rc.ID, &rc.ProposalID, &rc.Email, &rc.Name, &rc.IsPrimary, &rc.DeliveredAt, &rc.LastOpenedAt, &rc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (r *repository) InsertRecipientIfAbsent(ctx context.Context, rc Recipient) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO proposal_recipients (proposal_id, email, name, is_primary)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_id, email) DO NOTHING`, rc.ProposalID, rc.Email, rc.Name, rc.IsPrimary)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) MarkDelivered(ctx context.Context, proposalID int64, emails []string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE proposal_recipients SET delivered_at = $3
		WHERE proposal_id = $1 AND email = ANY($2)`, proposalID, emails, at)
	return err
}

func (r *repository) TouchRecipientOpened(ctx context.Context, proposalID int64, email string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE proposal_recipients SET last_opened_at = $3
		WHERE proposal_id = $1 AND email = $2`, proposalID, email, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *repository) GrantViewer(ctx context.Context, proposalID, userID int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO proposal_viewers (proposal_id, user_id) VALUES ($1, $2)
		ON CONFLICT (proposal_id, user_id) DO NOTHING`, proposalID, userID)
	return err
}

func (r *repository) ListViewers(ctx context.Context, proposalID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM proposal_viewers WHERE proposal_id = $1 ORDER BY user_id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
