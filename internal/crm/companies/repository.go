package companies

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Repository persists companies and contacts.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, Repository) error) error
	Get(ctx context.Context, id int64) (*Company, error)
	GetByName(ctx context.Context, name string) (*Company, error)
	List(ctx context.Context, req ListCompaniesRequest) ([]Company, int, error)
	// InsertIfAbsent inserts c unless a company with the same name exists.
	// created is false when the insert was skipped.
	InsertIfAbsent(ctx context.Context, c Company) (id int64, created bool, err error)
	SlugsLike(ctx context.Context, base string) ([]string, error)
	FillEmptyPrimaryContact(ctx context.Context, id int64, name, email string) error
	GetContact(ctx context.Context, id int64) (*Contact, error)
	GetContactByEmail(ctx context.Context, companyID int64, email string) (*Contact, error)
	InsertContactIfAbsent(ctx context.Context, c Contact) (id int64, created bool, err error)
	PrimaryContact(ctx context.Context, companyID int64) (*Contact, error)
	ListContacts(ctx context.Context, companyID int64) ([]Contact, error)
}

type repository struct {
	pool *pgxpool.Pool
	db   db.DBTX
}

// NewRepository returns a pgx-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{pool: pool, db: pool}
}

// NewTxRepository binds a Repository to a transaction owned by another package.
// WithTx on the result runs fn on the same transaction.
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

const companyColumns = `
	id, name, slug, primary_contact_name, primary_email, phone, website,
	address1, address2, city, state, postal_code, country,
	status, notes, created_by, created_at, updated_at`

func scanCompany(row pgx.Row) (*Company, error) {
	var c Company
	err := row.Scan(
		&c.ID, &c.Name, &c.Slug, &c.PrimaryContactName, &c.PrimaryEmail, &c.Phone, &c.Website,
		&c.Address.Line1, &c.Address.Line2, &c.Address.City, &c.Address.State, &c.Address.PostalCode, &c.Address.Country,
		&c.Status, &c.Notes, &c.CreatedBy, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repository) Get(ctx context.Context, id int64) (*Company, error) {
	c, err := scanCompany(r.db.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: company %d", shared.ErrNotFound, id)
		}
		return nil, err
	}
	return c, nil
}

func (r *repository) GetByName(ctx context.Context, name string) (*Company, error) {
	c, err := scanCompany(r.db.QueryRow(ctx, `SELECT `+companyColumns+` FROM companies WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: company %q", shared.ErrNotFound, name)
		}
		return nil, err
	}
	return c, nil
}

func (r *repository) List(ctx context.Context, req ListCompaniesRequest) ([]Company, int, error) {
	var conditions []string
	var args []any
	argPos := 1
	if s := strings.TrimSpace(req.Search); s != "" {
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR primary_email ILIKE $%d)", argPos, argPos))
		args = append(args, "%"+s+"%")
		argPos++
	}
	if req.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argPos))
		args = append(args, req.Status)
		argPos++
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM companies"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf("SELECT %s FROM companies%s ORDER BY name LIMIT $%d OFFSET $%d", companyColumns, where, argPos, argPos+1)
	args = append(args, limit, req.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Company
	for rows.Next() {
		c, err := scanCompany(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *c)
	}
	return out, total, rows.Err()
}

func (r *repository) InsertIfAbsent(ctx context.Context, c Company) (int64, bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO companies (name, slug, primary_contact_name, primary_email, phone, website,
			address1, address2, city, state, postal_code, country, status, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (name) DO NOTHING
		RETURNING id`,
		c.Name, c.Slug, c.PrimaryContactName, c.PrimaryEmail, c.Phone, c.Website,
		c.Address.Line1, c.Address.Line2, c.Address.City, c.Address.State, c.Address.PostalCode, c.Address.Country,
		c.Status, c.Notes, c.CreatedBy,
	).Scan(&id)
	switch {
	case err == nil:
		return id, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	case db.IsUniqueViolation(err):
		return 0, false, fmt.Errorf("%w: company slug %q: %v", shared.ErrIntegrity, c.Slug, err)
	default:
		return 0, false, err
	}
}

func (r *repository) SlugsLike(ctx context.Context, base string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT slug FROM companies WHERE slug = $1 OR slug LIKE $1 || '-%'`, base)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repository) FillEmptyPrimaryContact(ctx context.Context, id int64, name, email string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE companies SET
			primary_contact_name = CASE WHEN primary_contact_name = '' THEN $2 ELSE primary_contact_name END,
			primary_email = CASE WHEN primary_email = '' THEN $3 ELSE primary_email END,
			updated_at = NOW()
		WHERE id = $1 AND (primary_contact_name = '' OR primary_email = '')`, id, name, email)
	return err
}

const contactColumns = `id, company_id, name, title, email, phone, is_primary, user_id, created_at, updated_at`

func scanContact(row pgx.Row) (*Contact, error) {
	var c Contact
	if err := row.Scan(&c.ID, &c.CompanyID, &c.Name, &c.Title, &c.Email, &c.Phone, &c.IsPrimary, &c.UserID, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *repository) GetContact(ctx context.Context, id int64) (*Contact, error) {
	c, err := scanContact(r.db.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: contact %d", shared.ErrNotFound, id)
		}
		return nil, err
	}
	return c, nil
}

func (r *repository) GetContactByEmail(ctx context.Context, companyID int64, email string) (*Contact, error) {
	c, err := scanContact(r.db.QueryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE company_id = $1 AND email = $2`, companyID, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: contact %q", shared.ErrNotFound, email)
		}
		return nil, err
	}
	return c, nil
}

func (r *repository) InsertContactIfAbsent(ctx context.Context, c Contact) (int64, bool, error) {
	var id int64
	err := r.db.QueryRow(ctx, `
		INSERT INTO contacts (company_id, name, title, email, phone, is_primary, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (company_id, email) DO NOTHING
		RETURNING id`,
		c.CompanyID, c.Name, c.Title, c.Email, c.Phone, c.IsPrimary, c.UserID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (r *repository) PrimaryContact(ctx context.Context, companyID int64) (*Contact, error) {
	c, err := scanContact(r.db.QueryRow(ctx, `
		SELECT `+contactColumns+` FROM contacts
		WHERE company_id = $1
		ORDER BY is_primary DESC, id ASC
		LIMIT 1`, companyID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no contact for company %d", shared.ErrNotFound, companyID)
		}
		return nil, err
	}
	return c, nil
}

func (r *repository) ListContacts(ctx context.Context, companyID int64) ([]Contact, error) {
	rows, err := r.db.Query(ctx, `SELECT `+contactColumns+` FROM contacts WHERE company_id = $1 ORDER BY is_primary DESC, name, id`, companyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}
