package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

// Repository reads and reprices the reference tables.
type Repository interface {
	ListItems(ctx context.Context, req ListItemsRequest) ([]Item, int, error)
	GetItem(ctx context.Context, id int64) (*Item, error)
	GetJobRate(ctx context.Context, id int64) (*JobRate, error)
	GetBaseSetting(ctx context.Context, id int64) (*BaseSetting, error)
	UpdateJobRate(ctx context.Context, id int64, hourlyRate decimal.Decimal) error
	UpdateBaseRate(ctx context.Context, id int64, baseRate decimal.Decimal) error
	ListDiscounts(ctx context.Context, activeOnly bool) ([]Discount, error)
	GetDiscount(ctx context.Context, id int64) (*Discount, error)
	ListTiers(ctx context.Context) ([]CostTier, error)
	GetTier(ctx context.Context, id int64) (*CostTier, error)
}

type repository struct {
	db db.DBTX
}

// NewRepository returns a pgx-backed Repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repository{db: pool}
}

const itemColumns = `
	i.id, i.code, i.name, i.description, i.job_rate_id, i.base_setting_id,
	i.default_hours, i.default_quantity, i.is_active, i.tags, i.sort_order,
	i.created_at, i.updated_at, jr.hourly_rate, bs.base_rate`

const itemFrom = `
	FROM catalog_items i
	JOIN job_rates jr ON jr.id = i.job_rate_id
	JOIN base_settings bs ON bs.id = i.base_setting_id`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(
		&it.ID, &it.Code, &it.Name, &it.Description, &it.JobRateID, &it.BaseSettingID,
		&it.DefaultHours, &it.DefaultQuantity, &it.IsActive, &it.Tags, &it.SortOrder,
		&it.CreatedAt, &it.UpdatedAt, &it.HourlyRate, &it.BaseRate,
	)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (r *repository) ListItems(ctx context.Context, req ListItemsRequest) ([]Item, int, error) {
	var conditions []string
	var args []any
	argPos := 1

	if req.ActiveOnly {
		conditions = append(conditions, "i.is_active")
	}
	if s := strings.TrimSpace(req.Search); s != "" {
		conditions = append(conditions, fmt.Sprintf("(i.name ILIKE $%d OR i.code ILIKE $%d OR i.tags ILIKE $%d)", argPos, argPos, argPos))
		args = append(args, "%"+s+"%")
		argPos++
	}
	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM catalog_items i "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf("SELECT %s %s %s ORDER BY i.sort_order, i.name LIMIT $%d OFFSET $%d",
		itemColumns, itemFrom, where, argPos, argPos+1)
	args = append(args, limit, req.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *it)
	}
	return items, total, rows.Err()
}

func (r *repository) GetItem(ctx context.Context, id int64) (*Item, error) {
	it, err := scanItem(r.db.QueryRow(ctx, "SELECT "+itemColumns+itemFrom+" WHERE i.id = $1", id))
	if err != nil {
		return nil, notFound(err, "catalog item", id)
	}
	return it, nil
}

func (r *repository) GetJobRate(ctx context.Context, id int64) (*JobRate, error) {
	var jr JobRate
	err := r.db.QueryRow(ctx, `
		SELECT id, code, name, hourly_rate, is_active, sort_order, created_at, updated_at
		FROM job_rates WHERE id = $1`, id).Scan(
		&jr.ID, &jr.Code, &jr.Name, &jr.HourlyRate, &jr.IsActive, &jr.SortOrder, &jr.CreatedAt, &jr.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "job rate", id)
	}
	return &jr, nil
}

func (r *repository) GetBaseSetting(ctx context.Context, id int64) (*BaseSetting, error) {
	var bs BaseSetting
	err := r.db.QueryRow(ctx, `
		SELECT id, code, name, base_rate, description, is_active, sort_order, created_at, updated_at
		FROM base_settings WHERE id = $1`, id).Scan(
		&bs.ID, &bs.Code, &bs.Name, &bs.BaseRate, &bs.Description, &bs.IsActive, &bs.SortOrder, &bs.CreatedAt, &bs.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "base setting", id)
	}
	return &bs, nil
}

func (r *repository) UpdateJobRate(ctx context.Context, id int64, hourlyRate decimal.Decimal) error {
	tag, err := r.db.Exec(ctx, `UPDATE job_rates SET hourly_rate = $2, updated_at = NOW() WHERE id = $1`, id, hourlyRate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: job rate %d", shared.ErrNotFound, id)
	}
	return nil
}

func (r *repository) UpdateBaseRate(ctx context.Context, id int64, baseRate decimal.Decimal) error {
	tag, err := r.db.Exec(ctx, `UPDATE base_settings SET base_rate = $2, updated_at = NOW() WHERE id = $1`, id, baseRate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: base setting %d", shared.ErrNotFound, id)
	}
	return nil
}

func (r *repository) ListDiscounts(ctx context.Context, activeOnly bool) ([]Discount, error) {
	query := `SELECT id, code, name, kind, value, is_active, created_at, updated_at FROM discounts`
	if activeOnly {
		query += ` WHERE is_active`
	}
	query += ` ORDER BY code`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Discount
	for rows.Next() {
		var d Discount
		if err := rows.Scan(&d.ID, &d.Code, &d.Name, &d.Kind, &d.Value, &d.IsActive, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *repository) GetDiscount(ctx context.Context, id int64) (*Discount, error) {
	var d Discount
	err := r.db.QueryRow(ctx, `
		SELECT id, code, name, kind, value, is_active, created_at, updated_at
		FROM discounts WHERE id = $1`, id).Scan(
		&d.ID, &d.Code, &d.Name, &d.Kind, &d.Value, &d.IsActive, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "discount", id)
	}
	return &d, nil
}

const tierColumns = `id, code, label, min_total, max_total, notes, sort_order, is_active, created_at, updated_at`

func scanTier(row pgx.Row) (*CostTier, error) {
	var t CostTier
	var maxTotal decimal.NullDecimal
	if err := row.Scan(&t.ID, &t.Code, &t.Label, &t.MinTotal, &maxTotal, &t.Notes, &t.SortOrder, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if maxTotal.Valid {
		t.MaxTotal = &maxTotal.Decimal
	}
	return &t, nil
}

func (r *repository) ListTiers(ctx context.Context) ([]CostTier, error) {
	rows, err := r.db.Query(ctx, `SELECT `+tierColumns+` FROM cost_tiers ORDER BY sort_order, min_total, code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CostTier
	for rows.Next() {
		t, err := scanTier(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (r *repository) GetTier(ctx context.Context, id int64) (*CostTier, error) {
	t, err := scanTier(r.db.QueryRow(ctx, `SELECT `+tierColumns+` FROM cost_tiers WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "cost tier", id)
	}
	return t, nil
}

func notFound(err error, what string, id int64) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s %d", shared.ErrNotFound, what, id)
	}
	return fmt.Errorf("get %s %d: %w", what, id, err)
}
