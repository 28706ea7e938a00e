package parts

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridian-cmms/meridian-cmms/internal/shared"
)

const partColumns = `p.id, p.part_no, p.description, COALESCE(p.vendor_description, ''), COALESCE(p.storage_location, ''), COALESCE(p.storage_bin, ''), p.reorder_point, p.maximum_stock, p.created_at, p.updated_at`

// Repository persists spare part master data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository builds Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts the part together with its empty stock account.
func (r *Repository) Create(ctx context.Context, part Part) (Part, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Part{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	err = tx.QueryRow(ctx, `
		INSERT INTO spare_parts (part_no, description, vendor_description, storage_location, storage_bin, reorder_point, maximum_stock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		RETURNING id
	`, part.PartNo, part.Description, nullIfEmpty(part.VendorDescription), nullIfEmpty(part.StorageLocation), nullIfEmpty(part.StorageBin), part.ReorderPoint, part.MaximumStock, now).Scan(&part.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Part{}, ErrDuplicatePartNo
		}
		return Part{}, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO stock_accounts (part_id, qty_on_hand, avg_price, total_value, updated_at)
		VALUES ($1, 0, 0, 0, $2)
	`, part.ID, now); err != nil {
		return Part{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Part{}, err
	}
	part.CreatedAt = now
	part.UpdatedAt = now
	return part, nil
}

// Get loads one part with its stock account.
func (r *Repository) Get(ctx context.Context, id int64) (PartStock, error) {
	return r.getOne(ctx, `p.id = $1`, id)
}

// GetByPartNo loads one part by its part number.
func (r *Repository) GetByPartNo(ctx context.Context, partNo string) (PartStock, error) {
	return r.getOne(ctx, `p.part_no = $1`, partNo)
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (PartStock, error) {
	query := `
		SELECT ` + partColumns + `, COALESCE(sa.qty_on_hand, 0), COALESCE(sa.avg_price, 0), COALESCE(sa.total_value, 0)
		FROM spare_parts p
		LEFT JOIN stock_accounts sa ON sa.part_id = p.id
		WHERE ` + where
	var ps PartStock
	err := r.pool.QueryRow(ctx, query, arg).Scan(
		&ps.ID, &ps.PartNo, &ps.Description, &ps.VendorDescription, &ps.StorageLocation, &ps.StorageBin,
		&ps.ReorderPoint, &ps.MaximumStock, &ps.CreatedAt, &ps.UpdatedAt,
		&ps.QtyOnHand, &ps.AvgPrice, &ps.TotalValue,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return PartStock{}, shared.ErrNotFound
	}
	if err != nil {
		return PartStock{}, err
	}
	ps.Status = StockStatusFor(ps.Part, ps.QtyOnHand)
	return ps, nil
}

// List returns parts with stock, filtered and paginated, plus the total count.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]PartStock, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	argCount := 0

	if filters.Search != "" {
		argCount++
		pos := strconv.Itoa(argCount)
		where += ` AND (p.part_no ILIKE $` + pos + ` OR p.description ILIKE $` + pos + ` OR p.vendor_description ILIKE $` + pos + `)`
		args = append(args, "%"+filters.Search+"%")
	}
	switch filters.Status {
	case StockStatusLow:
		where += ` AND p.reorder_point > 0 AND COALESCE(sa.qty_on_hand, 0) < p.reorder_point`
	case StockStatusExceeds:
		where += ` AND p.maximum_stock > 0 AND COALESCE(sa.qty_on_hand, 0) > p.maximum_stock`
	}

	from := ` FROM spare_parts p LEFT JOIN stock_accounts sa ON sa.part_id = p.id`

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*)`+from+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + partColumns + `, COALESCE(sa.qty_on_hand, 0), COALESCE(sa.avg_price, 0), COALESCE(sa.total_value, 0)` + from + where
	query += ` ORDER BY ` + sortOrder(filters.SortBy, filters.SortDir)
	if filters.Limit > 0 {
		argCount++
		query += ` LIMIT $` + strconv.Itoa(argCount)
		args = append(args, filters.Limit)
		argCount++
		query += ` OFFSET $` + strconv.Itoa(argCount)
		offset := (filters.Page - 1) * filters.Limit
		if offset < 0 {
			offset = 0
		}
		args = append(args, offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []PartStock
	for rows.Next() {
		var ps PartStock
		if err := rows.Scan(
			&ps.ID, &ps.PartNo, &ps.Description, &ps.VendorDescription, &ps.StorageLocation, &ps.StorageBin,
			&ps.ReorderPoint, &ps.MaximumStock, &ps.CreatedAt, &ps.UpdatedAt,
			&ps.QtyOnHand, &ps.AvgPrice, &ps.TotalValue,
		); err != nil {
			return nil, 0, err
		}
		ps.Status = StockStatusFor(ps.Part, ps.QtyOnHand)
		result = append(result, ps)
	}
	return result, total, rows.Err()
}

// Update rewrites the part's master fields.
func (r *Repository) Update(ctx context.Context, id int64, part Part) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE spare_parts
		SET part_no = $1, description = $2, vendor_description = $3, storage_location = $4, storage_bin = $5, reorder_point = $6, maximum_stock = $7, updated_at = $8
		WHERE id = $9
	`, part.PartNo, part.Description, nullIfEmpty(part.VendorDescription), nullIfEmpty(part.StorageLocation), nullIfEmpty(part.StorageBin), part.ReorderPoint, part.MaximumStock, time.Now().UTC(), id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicatePartNo
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return nil
}

// Delete removes a part that has no ledger history.
func (r *Repository) Delete(ctx context.Context, id int64) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var moved int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM stock_movements WHERE part_id = $1`, id).Scan(&moved); err != nil {
		return err
	}
	if moved > 0 {
		return ErrPartInUse
	}
	if _, err := tx.Exec(ctx, `DELETE FROM stock_accounts WHERE part_id = $1`, id); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM spare_parts WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return shared.ErrNotFound
	}
	return tx.Commit(ctx)
}

// StockSummary aggregates quantity and value across all stock accounts.
func (r *Repository) StockSummary(ctx context.Context) (StockSummary, error) {
	var summary StockSummary
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(p.id),
		       COALESCE(SUM(sa.qty_on_hand), 0),
		       COALESCE(SUM(sa.total_value), 0),
		       COUNT(p.id) FILTER (WHERE p.reorder_point > 0 AND COALESCE(sa.qty_on_hand, 0) < p.reorder_point),
		       COUNT(p.id) FILTER (WHERE p.maximum_stock > 0 AND COALESCE(sa.qty_on_hand, 0) > p.maximum_stock)
		FROM spare_parts p
		LEFT JOIN stock_accounts sa ON sa.part_id = p.id
	`).Scan(&summary.PartCount, &summary.TotalQty, &summary.TotalValue, &summary.LowStockCount, &summary.OverStockCount)
	if err != nil {
		return StockSummary{}, err
	}
	summary.GeneratedAt = time.Now().UTC()
	return summary, nil
}

// ListBelowReorder returns parts under their reorder point.
func (r *Repository) ListBelowReorder(ctx context.Context) ([]PartStock, error) {
	result, _, err := r.List(ctx, ListFilters{Status: StockStatusLow})
	return result, err
}

func sortOrder(sortBy, sortDir string) string {
	dir := "ASC"
	if sortDir == "desc" {
		dir = "DESC"
	}
	switch sortBy {
	case "part_no":
		return "p.part_no " + dir
	case "qty":
		return "sa.qty_on_hand " + dir
	case "value":
		return "sa.total_value " + dir
	case "created_at":
		return "p.created_at " + dir
	default:
		return "p.part_no " + dir
	}
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
