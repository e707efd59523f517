package prospects

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/backoffice/internal/crm/companies"
	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Repository persists prospects and their notes.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	// Companies returns a companies repository bound to the same connection or transaction.
	Companies() companies.Repository
	Create(ctx context.Context, p Prospect) (int64, error)
	Get(ctx context.Context, id int64) (*Prospect, error)
	GetForUpdate(ctx context.Context, id int64) (*Prospect, error)
	GetByUnsubscribeToken(ctx context.Context, token string) (*Prospect, error)
	List(ctx context.Context, req ListProspectsRequest) ([]Prospect, int, error)
	SetStatus(ctx context.Context, id int64, status Status, doNotContact bool, updatedBy *int64) error
	// MarkWon links the company when none is set and moves the status to WON.
	MarkWon(ctx context.Context, id, companyID int64, updatedBy *int64) error
	AddNote(ctx context.Context, n Note) (int64, error)
	ListNotes(ctx context.Context, prospectID int64) ([]Note, error)
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

func (r *repository) Companies() companies.Repository {
	if r.pool != nil {
		return companies.NewRepository(r.pool)
	}
	return companies.NewTxRepository(r.db)
}

const prospectColumns = `
	id, full_name, first_name, last_name, company_name, email, phone,
	address1, address2, city, state, postal_code, country,
	website_url, notes, tags, status, do_not_contact, unsubscribe_token,
	last_contacted_at, next_follow_up_at, created_by, updated_by, company_id,
	created_at, updated_at`

func scanProspect(row pgx.Row) (*Prospect, error) {
	var p Prospect
	err := row.Scan(
		&p.ID, &p.FullName, &p.FirstName, &p.LastName, &p.CompanyName, &p.Email, &p.Phone,
		&p.Address.Line1, &p.Address.Line2, &p.Address.City, &p.Address.State, &p.Address.PostalCode, &p.Address.Country,
		&p.WebsiteURL, &p.Notes, &p.Tags, &p.Status, &p.DoNotContact, &p.UnsubscribeToken,
		&p.LastContactedAt, &p.NextFollowUpAt, &p.CreatedBy, &p.UpdatedBy, &p.CompanyID,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repository) Create(ctx context.Context, p Prospect) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO prospects (full_name, first_name, last_name, company_name, email, phone,
			address1, address2, city, state, postal_code, country,
			website_url, notes, tags, status, do_not_contact, unsubscribe_token,
			next_follow_up_at, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20)
		RETURNING id`,
		p.FullName, p.FirstName, p.LastName, p.CompanyName, p.Email, p.Phone,
		p.Address.Line1, p.Address.Line2, p.Address.City, p.Address.State, p.Address.PostalCode, p.Address.Country,
		p.WebsiteURL, p.Notes, p.Tags, p.Status, p.DoNotContact, p.UnsubscribeToken,
		p.NextFollowUpAt, p.CreatedBy,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			if db.ConstraintName(err) == "prospects_email_key" {
				return 0, shared.NewValidationError(shared.KindInvalidField, "email", "a prospect with this email already exists")
			}
			return 0, fmt.Errorf("%w: %v", shared.ErrIntegrity, err)
		}
		return 0, err
	}
	return id, nil
}

func (r *repository) get(ctx context.Context, query string, arg any, what string) (*Prospect, error) {
	p, err := scanProspect(r.db.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: prospect %s", shared.ErrNotFound, what)
		}
		return nil, err
	}
	return p, nil
}

func (r *repository) Get(ctx context.Context, id int64) (*Prospect, error) {
	return r.get(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE id = $1`, id, fmt.Sprint(id))
}

func (r *repository) GetForUpdate(ctx context.Context, id int64) (*Prospect, error) {
	return r.get(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE id = $1 FOR UPDATE`, id, fmt.Sprint(id))
}

func (r *repository) GetByUnsubscribeToken(ctx context.Context, token string) (*Prospect, error) {
	return r.get(ctx, `SELECT `+prospectColumns+` FROM prospects WHERE unsubscribe_token = $1`, token, "token")
}

func (r *repository) List(ctx context.Context, req ListProspectsRequest) ([]Prospect, int, error) {
	var conditions []string
	var args []any
	argPos := 1
	if req.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, req.Status)
		argPos++
	}
	if s := strings.TrimSpace(req.Search); s != "" {
		conditions = append(conditions, fmt.Sprintf("(full_name ILIKE $%d OR company_name ILIKE $%d OR email ILIKE $%d OR tags ILIKE $%d)", argPos, argPos, argPos, argPos))
		args = append(args, "%"+s+"%")
		argPos++
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM prospects"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf("SELECT %s FROM prospects%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", prospectColumns, where, argPos, argPos+1)
	args = append(args, limit, req.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Prospect
	for rows.Next() {
		p, err := scanProspect(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *p)
	}
	return out, total, rows.Err()
}

func (r *repository) SetStatus(ctx context.Context, id int64, status Status, doNotContact bool, updatedBy *int64) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE prospects
		SET status = $2, do_not_contact = do_not_contact OR $3, updated_by = COALESCE($4, updated_by), updated_at = NOW()
		WHERE id = $1`, id, status, doNotContact, updatedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: prospect %d", shared.ErrNotFound, id)
	}
	return nil
}

func (r *repository) MarkWon(ctx context.Context, id, companyID int64, updatedBy *int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE prospects
		SET company_id = COALESCE(company_id, $2), status = $3, updated_by = COALESCE($4, updated_by), updated_at = NOW()
		WHERE id = $1 AND (company_id IS NULL OR status <> $3)`, id, companyID, StatusWon, updatedBy)
	return err
}

func (r *repository) AddNote(ctx context.Context, n Note) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO prospect_notes (prospect_id, subject, body, is_pinned, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, n.ProspectID, n.Subject, n.Body, n.IsPinned, n.CreatedBy).Scan(&id)
	return id, err
}

func (r *repository) ListNotes(ctx context.Context, prospectID int64) ([]Note, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, prospect_id, subject, body, is_pinned, created_by, created_at
		FROM prospect_notes
		WHERE prospect_id = $1
		ORDER BY is_pinned DESC, created_at DESC, id ASC`, prospectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.ProspectID, &n.Subject, &n.Body, &n.IsPinned, &n.CreatedBy, &n.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
