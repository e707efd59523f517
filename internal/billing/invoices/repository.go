package invoices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/documents"
	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

var (
	// ErrAlreadyInvoiced is returned by Create when the proposal already has an invoice.
	ErrAlreadyInvoiced = fmt.Errorf("%w: proposal already invoiced", shared.ErrIntegrity)
	// ErrDuplicatePayment is returned by InsertPayment for a payment intent recorded before.
	ErrDuplicatePayment = fmt.Errorf("%w: payment intent already recorded", shared.ErrIntegrity)
)

const (
	constraintProposal = "invoices_proposal_id_key"
	constraintIntent   = "payments_stripe_payment_intent_id_key"
)

// Repository persists invoices, their lines, viewers and payments.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	// Create inserts the header. Number and view token collisions surface as ErrIntegrity.
	Create(ctx context.Context, inv *Invoice) (int64, error)
	InsertLines(ctx context.Context, invoiceID int64, lines []LineItem) error
	InsertDiscounts(ctx context.Context, invoiceID int64, discounts []AppliedDiscount) error
	Get(ctx context.Context, id int64) (*Invoice, error)
	GetForUpdate(ctx context.Context, id int64) (*Invoice, error)
	GetByViewToken(ctx context.Context, token string) (*Invoice, error)
	GetByProposal(ctx context.Context, proposalID int64) (*Invoice, error)
	GetByPaymentIntent(ctx context.Context, intentID string) (*Invoice, error)
	List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error)
	UpdateTotals(ctx context.Context, inv *Invoice) error
	SetPaymentState(ctx context.Context, id int64, amountPaid decimal.Decimal, status Status) error
	// SetStatus moves the invoice to `to` only from one of `from`.
	SetStatus(ctx context.Context, id int64, from []Status, to Status) (bool, error)
	SetPDF(ctx context.Context, id int64, ref documents.ArtifactRef) error
	SetPaymentIntent(ctx context.Context, id int64, intentID, status string) error
	InsertPayment(ctx context.Context, p *Payment) (int64, error)
	ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error)
	GetPaymentByIntent(ctx context.Context, intentID string) (*Payment, error)
	GrantViewer(ctx context.Context, invoiceID, userID int64) error
	ListViewers(ctx context.Context, invoiceID int64) ([]int64, error)
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

const invoiceColumns = `
	i.id, i.company_id, i.proposal_id, i.customer_user_id, i.customer_contact_id, i.number, i.currency,
	i.issue_date, i.due_date, i.subtotal, i.discount_total, i.tax_total, i.total, i.minimum_due, i.amount_paid,
	i.status, i.view_token, i.pdf_path, i.created_by,
	i.stripe_customer_id, i.stripe_payment_intent_id, i.stripe_checkout_session_id, i.stripe_status,
	c.name, i.created_at, i.updated_at`

const invoiceFrom = ` FROM invoices i JOIN companies c ON c.id = i.company_id`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	var pdf string
	err := row.Scan(
		&inv.ID, &inv.CompanyID, &inv.ProposalID, &inv.CustomerUserID, &inv.CustomerContactID, &inv.Number, &inv.Currency,
		&inv.IssueDate, &inv.DueDate, &inv.Subtotal, &inv.DiscountTotal, &inv.TaxTotal, &inv.Total, &inv.MinimumDue, &inv.AmountPaid,
		&inv.Status, &inv.ViewToken, &pdf, &inv.CreatedBy,
		&inv.StripeCustomerID, &inv.StripePaymentIntentID, &inv.StripeCheckoutSessionID, &inv.StripeStatus,
		&inv.CompanyName, &inv.CreatedAt, &inv.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inv.PDF = documents.ArtifactRef(pdf)
	return &inv, nil
}

func (r *repository) Create(ctx context.Context, inv *Invoice) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO invoices (company_id, proposal_id, customer_user_id, customer_contact_id, number, currency,
			issue_date, due_date, subtotal, discount_total, tax_total, total, minimum_due, amount_paid,
			status, view_token, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING id`,
		inv.CompanyID, inv.ProposalID, inv.CustomerUserID, inv.CustomerContactID, inv.Number, inv.Currency,
		inv.IssueDate, inv.DueDate, inv.Subtotal, inv.DiscountTotal, inv.TaxTotal, inv.Total, inv.MinimumDue, inv.AmountPaid,
		inv.Status, inv.ViewToken, inv.CreatedBy,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			if db.ConstraintName(err) == constraintProposal {
				return 0, ErrAlreadyInvoiced
			}
			return 0, fmt.Errorf("%w: %s", shared.ErrIntegrity, db.ConstraintName(err))
		}
		return 0, err
	}
	return id, nil
}

func (r *repository) InsertLines(ctx context.Context, invoiceID int64, lines []LineItem) error {
	for _, l := range lines {
		_, err := r.db.Exec(ctx, `
			INSERT INTO invoice_line_items (invoice_id, sort_order, name, description, quantity, unit_price, subtotal)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			invoiceID, l.SortOrder, l.Name, l.Description, l.Quantity, l.UnitPrice, l.Subtotal)
		if err != nil {
			return fmt.Errorf("insert invoice line: %w", err)
		}
	}
	return nil
}

func (r *repository) InsertDiscounts(ctx context.Context, invoiceID int64, discounts []AppliedDiscount) error {
	for _, d := range discounts {
		_, err := r.db.Exec(ctx, `
			INSERT INTO invoice_applied_discounts (invoice_id, code, name, kind, value, amount_applied, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			invoiceID, d.Code, d.Name, d.Kind, d.Value, d.AmountApplied, d.SortOrder)
		if err != nil {
			return fmt.Errorf("insert invoice discount: %w", err)
		}
	}
	return nil
}

func (r *repository) load(ctx context.Context, where string, arg any) (*Invoice, error) {
	inv, err := scanInvoice(r.db.QueryRow(ctx, `SELECT `+invoiceColumns+invoiceFrom+` WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: invoice", shared.ErrNotFound)
		}
		return nil, err
	}
	if err := r.children(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *repository) children(ctx context.Context, inv *Invoice) error {
	rows, err := r.db.Query(ctx, `
		SELECT id, invoice_id, sort_order, name, description, quantity, unit_price, subtotal
		FROM invoice_line_items WHERE invoice_id = $1 ORDER BY sort_order, id`, inv.ID)
	if err != nil {
		return err
	}
	for rows.Next() {
		var l LineItem
		if err := rows.Scan(&l.ID, &l.InvoiceID, &l.SortOrder, &l.Name, &l.Description, &l.Quantity, &l.UnitPrice, &l.Subtotal); err != nil {
			rows.Close()
			return err
		}
		inv.Lines = append(inv.Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = r.db.Query(ctx, `
		SELECT id, invoice_id, code, name, kind, value, amount_applied, sort_order
		FROM invoice_applied_discounts WHERE invoice_id = $1 ORDER BY sort_order, id`, inv.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var d AppliedDiscount
		if err := rows.Scan(&d.ID, &d.InvoiceID, &d.Code, &d.Name, &d.Kind, &d.Value, &d.AmountApplied, &d.SortOrder); err != nil {
			return err
		}
		inv.Discounts = append(inv.Discounts, d)
	}
	return rows.Err()
}

func (r *repository) Get(ctx context.Context, id int64) (*Invoice, error) {
	return r.load(ctx, `i.id = $1`, id)
}

func (r *repository) GetForUpdate(ctx context.Context, id int64) (*Invoice, error) {
	return r.load(ctx, `i.id = $1 FOR UPDATE OF i`, id)
}

func (r *repository) GetByViewToken(ctx context.Context, token string) (*Invoice, error) {
	return r.load(ctx, `i.view_token = $1`, token)
}

func (r *repository) GetByProposal(ctx context.Context, proposalID int64) (*Invoice, error) {
	return r.load(ctx, `i.proposal_id = $1`, proposalID)
}

func (r *repository) GetByPaymentIntent(ctx context.Context, intentID string) (*Invoice, error) {
	return r.load(ctx, `i.stripe_payment_intent_id = $1`, intentID)
}

func (r *repository) List(ctx context.Context, req ListInvoicesRequest) ([]Invoice, int, error) {
	var conditions []string
	var args []any
	if req.CompanyID > 0 {
		args = append(args, req.CompanyID)
		conditions = append(conditions, fmt.Sprintf("i.company_id = $%d", len(args)))
	}
	if req.Status != "" {
		args = append(args, req.Status)
		conditions = append(conditions, fmt.Sprintf("i.status = $%d", len(args)))
	}
	if req.CustomerUserID != nil {
		args = append(args, *req.CustomerUserID)
		n := len(args)
		conditions = append(conditions, fmt.Sprintf(
			"(i.customer_user_id = $%d OR EXISTS (SELECT 1 FROM invoice_viewers v WHERE v.invoice_id = i.id AND v.user_id = $%d))", n, n))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}
	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*)"+invoiceFrom+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf("SELECT %s%s%s ORDER BY i.created_at DESC, i.id DESC LIMIT $%d OFFSET $%d",
		invoiceColumns, invoiceFrom, where, len(args)+1, len(args)+2)
	args = append(args, limit, req.Offset)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *inv)
	}
	return out, total, rows.Err()
}

func (r *repository) exec(ctx context.Context, id int64, query string, args ...any) error {
	tag, err := r.db.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: invoice %d", shared.ErrNotFound, id)
	}
	return nil
}

func (r *repository) UpdateTotals(ctx context.Context, inv *Invoice) error {
	return r.exec(ctx, inv.ID, `
		UPDATE invoices
		SET subtotal = $2, discount_total = $3, tax_total = $4, total = $5, minimum_due = $6, updated_at = NOW()
		WHERE id = $1`, inv.Subtotal, inv.DiscountTotal, inv.TaxTotal, inv.Total, inv.MinimumDue)
}

func (r *repository) SetPaymentState(ctx context.Context, id int64, amountPaid decimal.Decimal, status Status) error {
	return r.exec(ctx, id, `
		UPDATE invoices SET amount_paid = $2, status = $3, updated_at = NOW() WHERE id = $1`,
		amountPaid, status)
}

func (r *repository) SetStatus(ctx context.Context, id int64, from []Status, to Status) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE invoices SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`, id, to, allowed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repository) SetPDF(ctx context.Context, id int64, ref documents.ArtifactRef) error {
	return r.exec(ctx, id, `UPDATE invoices SET pdf_path = $2, updated_at = NOW() WHERE id = $1`, string(ref))
}

func (r *repository) SetPaymentIntent(ctx context.Context, id int64, intentID, status string) error {
	return r.exec(ctx, id, `
		UPDATE invoices SET stripe_payment_intent_id = $2, stripe_status = $3, updated_at = NOW()
		WHERE id = $1`, intentID, status)
}

func (r *repository) InsertPayment(ctx context.Context, p *Payment) (int64, error) {
	payload := p.GatewayPayload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode gateway payload: %w", err)
	}
	var intent *string
	if p.StripePaymentIntentID != "" {
		intent = &p.StripePaymentIntentID
	}
	var id int64
	err = r.db.QueryRow(ctx, `
		INSERT INTO payments (invoice_id, amount, method, reference, payer_user_id, received_at, notes, created_by,
			stripe_payment_intent_id, stripe_charge_id, gateway_status, gateway_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		p.InvoiceID, p.Amount, p.Method, p.Reference, p.PayerUserID, p.ReceivedAt, p.Notes, p.CreatedBy,
		intent, p.StripeChargeID, p.GatewayStatus, raw,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) && db.ConstraintName(err) == constraintIntent {
			return 0, ErrDuplicatePayment
		}
		return 0, err
	}
	return id, nil
}

const paymentColumns = `
	id, invoice_id, amount, method, reference, payer_user_id, received_at, notes, created_by,
	COALESCE(stripe_payment_intent_id, ''), stripe_charge_id, gateway_status, gateway_payload, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var raw []byte
	err := row.Scan(&p.ID, &p.InvoiceID, &p.Amount, &p.Method, &p.Reference, &p.PayerUserID, &p.ReceivedAt, &p.Notes, &p.CreatedBy,
		&p.StripePaymentIntentID, &p.StripeChargeID, &p.GatewayStatus, &raw, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p.GatewayPayload); err != nil {
			return nil, fmt.Errorf("decode gateway payload: %w", err)
		}
	}
	return &p, nil
}

func (r *repository) ListPayments(ctx context.Context, invoiceID int64) ([]Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments WHERE invoice_id = $1 ORDER BY received_at DESC, id`, invoiceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (r *repository) GetPaymentByIntent(ctx context.Context, intentID string) (*Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE stripe_payment_intent_id = $1`, intentID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: payment for intent %s", shared.ErrNotFound, intentID)
		}
		return nil, err
	}
	return p, nil
}

func (r *repository) GrantViewer(ctx context.Context, invoiceID, userID int64) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO invoice_viewers (invoice_id, user_id) VALUES ($1, $2)
		ON CONFLICT (invoice_id, user_id) DO NOTHING`, invoiceID, userID)
	return err
}

func (r *repository) ListViewers(ctx context.Context, invoiceID int64) ([]int64, error) {
	rows, err := r.db.Query(ctx, `SELECT user_id FROM invoice_viewers WHERE invoice_id = $1 ORDER BY user_id`, invoiceID)
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
